package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPathLoop(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, StateInit, m.State())

	require.NoError(t, m.TransitionTo(StateDispatch))
	require.NoError(t, m.TransitionTo(StateInflight))
	require.NoError(t, m.TransitionTo(StateCommit))
	require.NoError(t, m.TransitionTo(StateCheckpointed))
	require.NoError(t, m.TransitionTo(StateDispatch))
	require.NoError(t, m.TransitionTo(StateDrain))
	require.NoError(t, m.TransitionTo(StateDone))
	assert.True(t, m.State().IsTerminal())
}

func TestMachine_RejectsInvalidTransition(t *testing.T) {
	m := NewMachine()
	err := m.TransitionTo(StateCommit)
	assert.Error(t, err)
	assert.Equal(t, StateInit, m.State())
}

func TestMachine_AnyStateCanFail(t *testing.T) {
	for _, s := range []State{StateInit, StateDispatch, StateInflight, StateCommit, StateCheckpointed, StateDrain} {
		m := &Machine{state: s}
		require.NoError(t, m.TransitionTo(StateFailed))
		assert.True(t, m.State().IsTerminal())
	}
}

func TestMachine_NotifiesOnChangeCallback(t *testing.T) {
	m := NewMachine()
	var lastFrom, lastTo State
	m.OnChange(func(from, to State) {
		lastFrom, lastTo = from, to
	})

	require.NoError(t, m.TransitionTo(StateDispatch))
	assert.Equal(t, StateInit, lastFrom)
	assert.Equal(t, StateDispatch, lastTo)
}

func TestMachine_TerminalStatesHaveNoOutboundTransitions(t *testing.T) {
	assert.Empty(t, ValidTransitions[StateDone])
	assert.Empty(t, ValidTransitions[StateFailed])
}
