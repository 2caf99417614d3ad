package guard

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrInFlight is returned when another call for the same action is running.
	ErrInFlight = errors.New("guard: action already in flight")
	// ErrCoolingDown is returned while an action's cooldown window is open.
	ErrCoolingDown = errors.New("guard: action cooling down")
)

// Dropped reports whether err means the call was dropped without running.
func Dropped(err error) bool {
	return errors.Is(err, ErrInFlight) || errors.Is(err, ErrCoolingDown)
}

type entry struct {
	executing     bool
	cooldownUntil time.Time
}

// State is a snapshot of one action's registry entry.
type State struct {
	Executing     bool
	CooldownUntil time.Time
}

// Registry is the process-wide single-flight and cooldown table. Every
// caller that names the same action id shares one entry, regardless of
// which Guard or UI surface it goes through.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	Now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry), Now: time.Now}
}

// Default is shared by every Guard built without an explicit registry.
var Default = NewRegistry()

// Acquire claims actionID for one execution.
func (r *Registry) Acquire(actionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	r.pruneLocked(now)
	e, ok := r.entries[actionID]
	if !ok {
		r.entries[actionID] = &entry{executing: true}
		return nil
	}
	if e.executing {
		return ErrInFlight
	}
	if now.Before(e.cooldownUntil) {
		return ErrCoolingDown
	}
	e.executing = true
	return nil
}

// Release ends the execution of actionID and opens its cooldown window.
func (r *Registry) Release(actionID string, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[actionID]
	if !ok {
		return
	}
	e.executing = false
	e.cooldownUntil = r.Now().Add(cooldown)
	if cooldown <= 0 {
		delete(r.entries, actionID)
	}
}

func (r *Registry) State(actionID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[actionID]
	if !ok {
		return State{}
	}
	return State{Executing: e.executing, CooldownUntil: e.cooldownUntil}
}

// pruneLocked drops idle entries whose cooldown has passed.
func (r *Registry) pruneLocked(now time.Time) {
	for id, e := range r.entries {
		if !e.executing && !now.Before(e.cooldownUntil) {
			delete(r.entries, id)
		}
	}
}
