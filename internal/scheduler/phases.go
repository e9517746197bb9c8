// Package scheduler implements the Batch Scheduler (C5): the state machine
// driving cursor reads, worker dispatch, sink commits, and checkpoint
// advances. The state machine itself is grounded directly on the teacher's
// coordinator/phases.go (Phase/ValidTransitions/CanTransitionTo), renamed to
// the pipeline's own state names and stripped of the teacher's
// pause/resume/parent-workflow fields, which this single-run batch pipeline
// has no use for.
package scheduler

import (
	"fmt"
	"sync"
)

// State is one node of the scheduler's run loop, per spec.md §4.5's diagram.
type State string

const (
	StateInit         State = "init"
	StateDispatch     State = "dispatch"
	StateInflight     State = "inflight"
	StateCommit       State = "commit"
	StateCheckpointed State = "checkpointed"
	StateDrain        State = "drain"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// ValidTransitions mirrors spec.md §4.5's diagram:
//
//	INIT → DISPATCH
//	DISPATCH → INFLIGHT | DRAIN
//	INFLIGHT → COMMIT
//	COMMIT → CHECKPOINTED
//	CHECKPOINTED → DISPATCH
//	DRAIN → DONE
//	any → FAILED
var ValidTransitions = map[State][]State{
	StateInit:         {StateDispatch, StateFailed},
	StateDispatch:     {StateInflight, StateDrain, StateFailed},
	StateInflight:     {StateCommit, StateFailed},
	StateCommit:       {StateCheckpointed, StateFailed},
	StateCheckpointed: {StateDispatch, StateFailed},
	StateDrain:        {StateDone, StateFailed},
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransitionTo reports whether target is reachable directly from s.
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range ValidTransitions[s] {
		if valid == target {
			return true
		}
	}
	return false
}

// Machine tracks one run's current State and notifies an optional callback
// on every transition, mirroring the teacher's PhaseManager.OnPhaseChanged.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine starts a Machine in StateInit.
func NewMachine() *Machine {
	return &Machine{state: StateInit}
}

// OnChange registers a callback invoked after every successful transition.
func (m *Machine) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TransitionTo moves the machine to target, or returns an error if target
// isn't reachable from the current state. FAILED is always reachable,
// matching spec.md §4.5's "any → FAILED" edge.
func (m *Machine) TransitionTo(target State) error {
	m.mu.Lock()
	from := m.state
	allowed := from.CanTransitionTo(target) || target == StateFailed
	if !allowed {
		m.mu.Unlock()
		return fmt.Errorf("scheduler: invalid transition %s -> %s", from, target)
	}
	m.state = target
	onChange := m.onChange
	m.mu.Unlock()

	if onChange != nil {
		onChange(from, target)
	}
	return nil
}
