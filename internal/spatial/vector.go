package spatial

import "math"

// Vector3 is a 3D world-space position.
type Vector3 struct {
	X, Y, Z float32
}

// Sub returns v - o.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Distance returns the euclidean distance between v and o.
func (v Vector3) Distance(o Vector3) float32 {
	d := v.Sub(o)
	return float32(math.Sqrt(float64(d.X*d.X + d.Y*d.Y + d.Z*d.Z)))
}
