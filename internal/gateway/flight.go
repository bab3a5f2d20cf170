package gateway

import "sync"

// flightGroup deduplicates concurrent upstream resolutions for the same
// content id: one caller becomes the owner and resolves, the rest wait for
// the owner to finish and then re-read the cache.
type flightGroup struct {
	mu       sync.Mutex
	inFlight map[ContentID]chan struct{}
}

func newFlightGroup() *flightGroup {
	return &flightGroup{inFlight: make(map[ContentID]chan struct{})}
}

// begin returns owner=true when the caller should perform the resolution.
// Otherwise wait is closed once the in-flight resolution completes.
func (g *flightGroup) begin(id ContentID) (owner bool, wait <-chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ch, ok := g.inFlight[id]; ok {
		return false, ch
	}
	ch := make(chan struct{})
	g.inFlight[id] = ch
	return true, ch
}

// done releases the slot for id and wakes all waiters.
func (g *flightGroup) done(id ContentID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if ch, ok := g.inFlight[id]; ok {
		close(ch)
		delete(g.inFlight, id)
	}
}
