package core

import "sync/atomic"

// nonReentrant is a busy flag held for the whole of a state-changing call,
// including its external calls. A second entry while it is held fails fast.
type nonReentrant struct {
	busy atomic.Bool
}

func (g *nonReentrant) enter() bool {
	return g.busy.CompareAndSwap(false, true)
}

func (g *nonReentrant) exit() {
	g.busy.Store(false)
}

func (g *nonReentrant) held() bool {
	return g.busy.Load()
}
