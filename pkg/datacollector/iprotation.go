package datacollector

import (
	"sync"
	"time"

	"github.com/privcount/core/pkg/counters"
)

// ipClient tracks one client IP's activity within a rotation window.
type ipClient struct {
	isActive             bool
	numActiveCompleted   int64
	numInactiveCompleted int64
}

// IPRotationWindow extracts unique-client-IP counts over a rolling
// interval: an entry-position circuit's client IP is recorded into the
// current window, and into the previous window too if the circuit started
// before the last rotation. Only a fully-elapsed window's IPs are ever
// tallied, so a client seen only in the window still being filled never
// contributes a count until it rotates out.
type IPRotationWindow struct {
	mu       sync.Mutex
	current  map[string]*ipClient
	previous map[string]*ipClient
	rotated  time.Time
}

// NewIPRotationWindow starts a window rotated as of now.
func NewIPRotationWindow(now time.Time) *IPRotationWindow {
	return &IPRotationWindow{
		current:  make(map[string]*ipClient),
		previous: make(map[string]*ipClient),
		rotated:  now,
	}
}

// RecordEntryCircuit records one completed entry-position circuit's client
// IP, its activity (ncellsin+ncellsout >= 8, by convention), and the
// circuit's start time, into the current window (and the previous window
// too, if the circuit started before the window's last rotation).
func (w *IPRotationWindow) RecordEntryCircuit(ip string, isActive bool, start time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cur := w.current[ip]
	if cur == nil {
		cur = &ipClient{}
		w.current[ip] = cur
	}
	if isActive {
		cur.isActive = true
	}
	if isActive {
		cur.numActiveCompleted++
	} else {
		cur.numInactiveCompleted++
	}

	if start.Before(w.rotated) {
		prev := w.previous[ip]
		if prev == nil {
			prev = &ipClient{}
			w.previous[ip] = prev
		}
		if isActive {
			prev.isActive = true
		}
	}
}

// Rotate tallies every client IP seen in the (now fully-elapsed) previous
// window into sc, then advances current into previous and starts a fresh
// current window as of now.
func (w *IPRotationWindow) Rotate(now time.Time, sc *counters.SecureCounters) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if sc != nil {
		for _, client := range w.previous {
			sc.Increment("ClientIPsUnique", counters.SingleBinKey, 1)
			if client.isActive {
				sc.Increment("ClientIPsActive", counters.SingleBinKey, 1)
			} else {
				sc.Increment("ClientIPsInactive", counters.SingleBinKey, 1)
			}
			if client.numActiveCompleted > 0 {
				sc.Increment("ClientIPCircuitsActive", counters.SingleBinKey, client.numActiveCompleted)
			}
			if client.numInactiveCompleted > 0 {
				sc.Increment("ClientIPCircuitsInactive", counters.SingleBinKey, client.numInactiveCompleted)
			}
		}
	}

	w.previous = w.current
	w.current = make(map[string]*ipClient)
	w.rotated = now
}
