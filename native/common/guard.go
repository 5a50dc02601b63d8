package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// ErrTermIsNotOpen rejects maturity-gated operations attempted at or after
// the market's maturity timestamp.
var ErrTermIsNotOpen = errors.New("term is not open")

// ErrReentrantCall rejects nested entry into a component that is already
// executing a state-mutating call.
var ErrReentrantCall = errors.New("reentrant call")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// CallGuard implements the two-phase in-call protocol used around external
// collaborator invocations (swap callbacks, adapters). Begin marks the
// instance busy; End clears it. Nested Begin calls fail.
type CallGuard struct {
	busy map[string]bool
}

// NewCallGuard returns an empty guard.
func NewCallGuard() *CallGuard {
	return &CallGuard{busy: make(map[string]bool)}
}

// Begin marks the keyed instance as executing. It returns ErrReentrantCall
// if the instance is already inside a call.
func (g *CallGuard) Begin(key string) error {
	if g == nil {
		return nil
	}
	if g.busy == nil {
		g.busy = make(map[string]bool)
	}
	if g.busy[key] {
		return ErrReentrantCall
	}
	g.busy[key] = true
	return nil
}

// End clears the in-call marker for the keyed instance.
func (g *CallGuard) End(key string) {
	if g == nil || g.busy == nil {
		return
	}
	delete(g.busy, key)
}
