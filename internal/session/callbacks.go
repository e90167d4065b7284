package session

import "sync"

// asyncDispatcherWorkers is the worker-pool size driving the six
// fire-and-forget host callbacks to completion.
const asyncDispatcherWorkers = 4

// Callbacks are the seven host-registered event hooks. Connecting is the
// sole synchronous gate; the other six are dispatched without blocking
// the network loop and are guaranteed to run to completion via the
// worker pool below.
type Callbacks struct {
	// Connecting must return promptly; the session controller blocks on
	// it for the duration of one handshake.
	Connecting          func(gameID uint16, uniqueIdentity string) bool
	Connected           func(gameID uint16)
	Rejected            func(gameID uint16, statusCode uint8)
	Disconnected        func(gameID uint16)
	TalkingChanged      func(gameID uint16, talking bool)
	MicMuteChanged      func(gameID uint16, muted bool)
	SpeakersMuteChanged func(gameID uint16, muted bool)
}

// callbacks returns a snapshot of the currently registered callbacks.
// Read under cbMu so a concurrent registration never races with an
// in-flight dispatch.
func (c *Controller) callbacks() Callbacks {
	c.cbMu.RLock()
	defer c.cbMu.RUnlock()
	return c.cb
}

// Callbacks exposes the current callback snapshot for callers outside
// this package, such as internal/server's registration forwarders and
// their tests.
func (c *Controller) Callbacks() Callbacks {
	return c.callbacks()
}

// RegisterConnectingCallback sets the synchronous connecting gate. The
// callback must return promptly — the session controller blocks on it
// for the duration of one handshake.
func (c *Controller) RegisterConnectingCallback(fn func(gameID uint16, uniqueIdentity string) bool) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.Connecting = fn
}

// RegisterConnectedCallback sets the fire-and-forget connected callback.
func (c *Controller) RegisterConnectedCallback(fn func(gameID uint16)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.Connected = fn
}

// RegisterRejectedCallback sets the fire-and-forget rejected callback.
func (c *Controller) RegisterRejectedCallback(fn func(gameID uint16, statusCode uint8)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.Rejected = fn
}

// RegisterDisconnectedCallback sets the fire-and-forget disconnected callback.
func (c *Controller) RegisterDisconnectedCallback(fn func(gameID uint16)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.Disconnected = fn
}

// RegisterTalkingChangedCallback sets the fire-and-forget talking-changed callback.
func (c *Controller) RegisterTalkingChangedCallback(fn func(gameID uint16, talking bool)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.TalkingChanged = fn
}

// RegisterMicMuteChangedCallback sets the fire-and-forget mic-mute-changed callback.
func (c *Controller) RegisterMicMuteChangedCallback(fn func(gameID uint16, muted bool)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.MicMuteChanged = fn
}

// RegisterSpeakersMuteChangedCallback sets the fire-and-forget speakers-mute-changed callback.
func (c *Controller) RegisterSpeakersMuteChangedCallback(fn func(gameID uint16, muted bool)) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.cb.SpeakersMuteChanged = fn
}

// asyncDispatcher runs fire-and-forget callback invocations on a bounded
// pool of goroutines fed by a buffered queue, and is drained on shutdown
// so every submitted callback is guaranteed to run.
type asyncDispatcher struct {
	work chan func()
	wg   sync.WaitGroup
}

func newAsyncDispatcher(workers, queueDepth int) *asyncDispatcher {
	d := &asyncDispatcher{work: make(chan func(), queueDepth)}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.loop()
	}
	return d
}

func (d *asyncDispatcher) loop() {
	defer d.wg.Done()
	for fn := range d.work {
		func() {
			defer func() {
				// A host-callback panic must not tear down the network
				// or tick goroutines.
				recover()
			}()
			fn()
		}()
	}
}

// submit enqueues fn for asynchronous execution. If the queue is full the
// call blocks briefly rather than silently dropping the callback.
func (d *asyncDispatcher) submit(fn func()) {
	if fn == nil {
		return
	}
	d.work <- fn
}

// close stops accepting new work and waits for everything already queued
// to finish.
func (d *asyncDispatcher) close() {
	close(d.work)
	d.wg.Wait()
}
