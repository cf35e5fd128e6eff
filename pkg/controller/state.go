package controller

import (
	"fmt"
	"slices"
	"sync"
)

// State is the lifecycle state of the managed process.
type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ProcessState tracks the lifecycle state and the reload-required flag.
// Reload-required is stamped: only the holder of the stamp that set the flag
// can revert it, and a later set invalidates earlier stamps.
type ProcessState struct {
	mu        sync.RWMutex
	state     State
	reload    bool
	stamp     uint64
	listeners []func(State)
}

// NewProcessState returns a state in StateStarting.
func NewProcessState() *ProcessState {
	return &ProcessState{}
}

// State returns the lifecycle state.
func (p *ProcessState) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsReloadRequired reports whether configuration changes wait for a reload.
func (p *ProcessState) IsReloadRequired() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reload
}

// Describe returns "reload-required" when set, otherwise the state name.
func (p *ProcessState) Describe() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.reload && p.state == StateRunning {
		return "reload-required"
	}
	return p.state.String()
}

// SetState moves to s and notifies listeners.
func (p *ProcessState) SetState(s State) {
	p.mu.Lock()
	p.state = s
	if s == StateStarting {
		p.reload = false
	}
	listeners := slices.Clone(p.listeners)
	p.mu.Unlock()
	for _, l := range listeners {
		l(s)
	}
}

// OnChange registers a listener for state changes.
func (p *ProcessState) OnChange(fn func(State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// SetReloadRequired sets the flag and returns the stamp needed to revert it.
func (p *ProcessState) SetReloadRequired() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reload = true
	p.stamp++
	return p.stamp
}

// RevertReloadRequired clears the flag if stamp is still current.
func (p *ProcessState) RevertReloadRequired(stamp uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stamp == stamp {
		p.reload = false
	}
}

// acceptsWrites reports whether model-changing operations may run.
func (s State) acceptsWrites() bool {
	return s == StateStarting || s == StateRunning
}
