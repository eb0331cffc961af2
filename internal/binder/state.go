package binder

import (
	"errors"
	"slices"
	"sync"

	"github.com/rendis/promptflow/pkg/schema"
)

// State is a binder lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateInvalid    State = "invalid"
	StateValid      State = "valid"
	StateExecuting  State = "executing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// ValidTransitions is the binder transition table. validating -> idle and
// valid -> idle are the abort paths taken when a hook vetoes a submission.
var ValidTransitions = map[State][]State{
	StateIdle:       {StateValidating},
	StateValidating: {StateInvalid, StateValid, StateIdle},
	StateInvalid:    {StateValidating, StateIdle},
	StateValid:      {StateExecuting, StateIdle},
	StateExecuting:  {StateCompleted, StateFailed},
	StateCompleted:  {StateValidating, StateIdle},
	StateFailed:     {StateValidating, StateIdle},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// TransitionHook is called before or after a state transition. A before hook
// returning an error vetoes the transition.
type TransitionHook func(from, to State) error

type hookKey struct {
	from, to State
}

// machine holds the current state and the registered hooks. It does not emit
// events itself; the Binder does that once a transition is applied.
type machine struct {
	mu     sync.Mutex
	state  State
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

func newMachine() *machine {
	return &machine{
		state:  StateIdle,
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) onBefore(from, to State, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hookKey{from, to}
	m.before[key] = append(m.before[key], hook)
}

func (m *machine) onAfter(from, to State, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := hookKey{from, to}
	m.after[key] = append(m.after[key], hook)
}

// transition moves from the current state to `to`. After-hook errors are
// returned but do not undo the transition.
func (m *machine) transition(to State) (State, error) {
	return m.move(to, true)
}

// settle applies a transition that hooks cannot veto. It is used to leave
// executing, which must always end in completed or failed. Hook errors are
// joined and returned after the state has changed.
func (m *machine) settle(to State) (State, error) {
	return m.move(to, false)
}

func (m *machine) move(to State, vetoable bool) (State, error) {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return from, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid binder transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}
	key := hookKey{from, to}
	before := slices.Clone(m.before[key])
	after := slices.Clone(m.after[key])
	m.mu.Unlock()

	var hookErrs []error
	for _, hook := range before {
		if err := hook(from, to); err != nil {
			if vetoable {
				return from, err
			}
			hookErrs = append(hookErrs, err)
		}
	}

	m.mu.Lock()
	m.state = to
	m.mu.Unlock()

	for _, hook := range after {
		if err := hook(from, to); err != nil {
			if vetoable {
				return from, err
			}
			hookErrs = append(hookErrs, err)
		}
	}
	return from, errors.Join(hookErrs...)
}
