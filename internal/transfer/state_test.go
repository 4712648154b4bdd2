package transfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sinpe-node/pkg/audit"
)

func TestAllowedTransitions(t *testing.T) {
	allowed := AllowedTransitions()

	assert.Contains(t, allowed[StateReceived], StateValidated)
	assert.Contains(t, allowed[StateRiskChecked], StateSettled)
	assert.Contains(t, allowed[StateRiskChecked], StateBlocked)
	assert.Contains(t, allowed[StateDispatched], StateConfirmed)

	for _, s := range []State{StateReceived, StateValidated, StateAuthenticated, StateRiskChecked} {
		assert.True(t, IsValidTransition(s, StateRejected), "%s may be rejected", s)
	}
	for _, s := range []State{StateBuild, StateSign, StateRoute, StateDispatched} {
		assert.True(t, IsValidTransition(s, StateFailed), "%s may fail", s)
	}
	for _, s := range []State{StateSettled, StateRejected, StateBlocked, StateConfirmed, StateFailed} {
		assert.True(t, IsTerminal(s), "%s is terminal", s)
		assert.Empty(t, allowed[s])
	}
}

func TestInvalidTransitions(t *testing.T) {
	assert.False(t, IsValidTransition(StateReceived, StateSettled))
	assert.False(t, IsValidTransition(StateAuthenticated, StateBlocked))
	assert.False(t, IsValidTransition(StateSettled, StateRejected))
	assert.False(t, IsValidTransition(StateBuild, StateRejected))
	assert.False(t, IsValidTransition(StateConfirmed, StateFailed))
	assert.False(t, IsTerminal(StateDispatched))
}

func TestFlowJournalsTransitions(t *testing.T) {
	journal := audit.NewJournal()
	o := NewOrchestrator(Dependencies{Journal: journal}, "secret", nil)

	f := o.newFlow("tx-1", Inbound, StateReceived)
	require.NoError(t, f.advance(StateValidated, "", nil))

	err := f.advance(StateSettled, "", nil)
	var invalid *InvalidStateTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateValidated, invalid.FromState)
	assert.Equal(t, StateSettled, invalid.ToState)
	assert.Equal(t, StateValidated, f.state)

	f.fail("bad signature", nil)
	assert.Equal(t, StateRejected, f.state)
	f.fail("ignored", nil)

	assert.Equal(t, []State{StateReceived, StateValidated, StateRejected}, journaledStates(t, journal, "tx-1"))
	assert.True(t, audit.VerifyChain(journal.Entries()))

	out := o.newFlow("tx-2", Outbound, StateBuild)
	out.fail("no route", nil)
	assert.Equal(t, StateFailed, out.state)
}
