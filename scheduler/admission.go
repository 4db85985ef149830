package scheduler

import (
	"sort"
	"sync"
)

// admissionTurn is one request's place in an endpoint's admission line.
// ready is closed when the turn reaches the head of the line.
type admissionTurn struct {
	priority int
	seq      uint64
	ready    chan struct{}
}

// admissionGate serializes limiter acquisition per endpoint. Exactly one
// request holds the gate at a time; the rest wait in (priority desc, seq asc)
// order. Because the holder keeps the gate through its deferral sleeps, a
// freed budget slot always goes to the request at the head of the line, never
// to whichever sleeper happens to wake first.
type admissionGate struct {
	mu      sync.Mutex
	holder  *admissionTurn
	waiters []*admissionTurn
}

// join enters the line. The returned turn's ready channel is closed
// immediately when the gate is idle.
func (g *admissionGate) join(priority int, seq uint64) *admissionTurn {
	t := &admissionTurn{priority: priority, seq: seq, ready: make(chan struct{})}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == nil {
		g.holder = t
		close(t.ready)
		return t
	}
	idx := sort.Search(len(g.waiters), func(i int) bool {
		w := g.waiters[i]
		if w.priority != t.priority {
			return t.priority > w.priority
		}
		return t.seq < w.seq
	})
	g.waiters = append(g.waiters, nil)
	copy(g.waiters[idx+1:], g.waiters[idx:])
	g.waiters[idx] = t
	return t
}

// leave releases the gate, promoting the next waiter in line. A turn that
// never reached the head (cancellation while queued) is simply removed.
func (g *admissionGate) leave(t *admissionTurn) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.holder == t {
		g.holder = nil
		if len(g.waiters) > 0 {
			g.holder = g.waiters[0]
			copy(g.waiters, g.waiters[1:])
			g.waiters[len(g.waiters)-1] = nil
			g.waiters = g.waiters[:len(g.waiters)-1]
			close(g.holder.ready)
		}
		return
	}
	for i, w := range g.waiters {
		if w == t {
			copy(g.waiters[i:], g.waiters[i+1:])
			g.waiters[len(g.waiters)-1] = nil
			g.waiters = g.waiters[:len(g.waiters)-1]
			return
		}
	}
}
