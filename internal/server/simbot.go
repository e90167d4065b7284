package server

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/posvox/voiceserver/internal/spatial"
)

// simBotTick is how often the bot advances along its path, independent of
// the engine's own 50ms tick rate.
const simBotTick = 100 * time.Millisecond

// RunSimBot adds a synthetic client that walks a circular path of the
// given radius at the given angular speed (radians/second), exercising
// the audibility engine without a real transport connection. The bot
// only ever calls SetClientPosition; the engine's own tick discovers and
// reports it to real listeners like any other client.
func RunSimBot(ctx context.Context, s *Server, gameID uint16, radius, angularSpeed float32) {
	client := spatial.NewClient(gameID, gameID, "simbot")
	client.Connected = true
	client.VoiceRange = radius * 4
	client.Nickname = "simbot"
	if err := s.table.Add(client); err != nil {
		log.Printf("[simbot] add client %d: %v", gameID, err)
		return
	}
	log.Printf("[simbot] client %d walking a radius-%.1f circle", gameID, radius)

	defer func() {
		s.table.Remove(gameID)
		log.Printf("[simbot] client %d removed", gameID)
	}()

	ticker := time.NewTicker(simBotTick)
	defer ticker.Stop()

	var angle float32
	dt := float32(simBotTick.Seconds())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		angle += angularSpeed * dt
		pos := spatial.Vector3{
			X: radius * float32(math.Cos(float64(angle))),
			Y: 0,
			Z: radius * float32(math.Sin(float64(angle))),
		}
		s.SetClientPosition(gameID, pos, angle)
	}
}
