package call

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCallDefaults(t *testing.T) {
	c := New(Outgoing)

	assert.NotEmpty(t, c.ID())
	assert.Equal(t, Outgoing, c.Direction())
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, SubstateNone, c.Substate())
	assert.True(t, c.NotifyApp())
	assert.False(t, c.Conferenced())
}

func TestCallIndexMonotonic(t *testing.T) {
	a := New(Incoming)
	b := New(Outgoing)
	assert.Greater(t, b.Index(), a.Index())
}

func TestAdvanceStateHappyPath(t *testing.T) {
	c := New(Outgoing)

	steps := []struct {
		state    State
		substate Substate
	}{
		{StateConnecting, Substate{Phase: PhaseCalling}},
		{StateConnecting, Substate{Phase: PhaseWaitingForRemoteResponse}},
		{StateConnected, Substate{Phase: PhaseEstablishing}},
		{StateConnected, Substate{Phase: PhaseConferencing}},
		{StateHoldLocal, Substate{Phase: PhaseHeld}},
		{StateConnected, Substate{Phase: PhaseConferencing}},
		{StateDisconnecting, Substate{Phase: PhaseLocalHangup}},
		{StateDisconnected, Substate{Phase: PhaseNone}},
	}
	for _, step := range steps {
		change, err := c.AdvanceState(step.state, step.substate)
		require.NoError(t, err, "transition to %s/%s", step.state, step.substate)
		assert.Equal(t, step.state, change.NewState)
		assert.Equal(t, step.substate, change.NewSubstate)
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestAdvanceStateRejectsIllegalTransition(t *testing.T) {
	c := New(Incoming)

	// Idle -> Connected без Connecting недопустимо
	_, err := c.AdvanceState(StateConnected, Substate{Phase: PhaseEstablishing})
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State(), "failed transition must not change state")
}

func TestAdvanceStateRejectsForeignSubstate(t *testing.T) {
	c := New(Incoming)

	_, err := c.AdvanceState(StateConnecting, Substate{Phase: PhaseConferencing})
	require.Error(t, err)
	assert.Equal(t, StateIdle, c.State())
}

func TestSubstateOnlyChange(t *testing.T) {
	c := New(Incoming)
	_, err := c.AdvanceState(StateConnecting, Substate{Phase: PhaseAnswering})
	require.NoError(t, err)

	change, err := c.AdvanceState(StateConnecting, Substate{Phase: PhaseWaitingForUserResponse})
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, change.PrevState)
	assert.Equal(t, Substate{Phase: PhaseAnswering}, change.PrevSubstate)
	assert.Equal(t, Substate{Phase: PhaseWaitingForUserResponse}, c.Substate())
}

func TestSubstateValidity(t *testing.T) {
	cases := []struct {
		state    State
		substate Substate
		valid    bool
	}{
		{StateConnecting, Substate{Phase: PhaseCalling}, true},
		{StateConnecting, Substate{Phase: PhaseHeld}, false},
		{StateConnected, Substate{Phase: PhaseNegotiatingHold, Origin: OriginLocal}, true},
		{StateConnected, Substate{Phase: PhaseNegotiatingHold}, false}, // нужен инициатор
		{StateConnected, Substate{Phase: PhaseConferencing, Origin: OriginLocal}, false},
		{StateHoldBoth, Substate{Phase: PhaseHeld}, true},
		{StateDisconnected, Substate{Phase: PhaseLeaveMessage}, true},
		{StateDisconnected, Substate{Phase: PhaseCalling}, false},
		{StateCriticalError, Substate{Phase: PhaseErrorOccurred}, true},
		{StateIdle, SubstateNone, true},
		{StateIdle, Substate{Phase: PhaseCalling}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.valid, tc.substate.ValidFor(tc.state),
			"%s in %s", tc.substate, tc.state)
	}
}

func TestStateMaskBusy(t *testing.T) {
	busy := []State{
		StateConnecting, StateConnected, StateHoldLocal, StateHoldRemote,
		StateHoldBoth, StateDisconnecting, StateInitTransfer, StateTransferring,
	}
	for _, s := range busy {
		assert.NotZero(t, s&StateMaskBusy, "%s must be busy", s)
	}
	for _, s := range []State{StateIdle, StateDisconnected, StateCriticalError} {
		assert.Zero(t, s&StateMaskBusy, "%s must not be busy", s)
	}
}

func TestAutoRejectedClearsNotifyApp(t *testing.T) {
	c := New(Incoming)
	c.AutoRejectedSet(true)
	assert.True(t, c.AutoRejected())
	assert.False(t, c.NotifyApp())
}

func TestStatsWindow(t *testing.T) {
	c := New(Outgoing)

	c.StatsClear()
	first := c.Stats()
	assert.False(t, first.WindowStart.IsZero())
	assert.Zero(t, first.Collections)

	c.StatsCollect()
	c.StatsCollect()
	assert.Equal(t, 2, c.Stats().Collections)

	c.StatsClear()
	assert.Zero(t, c.Stats().Collections, "StatsClear must reset the window")
}
