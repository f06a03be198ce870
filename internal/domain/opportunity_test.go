package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpportunityTransitions(t *testing.T) {
	allowed := [][2]OpportunityState{
		{OpportunityDetected, OpportunityValidated},
		{OpportunityDetected, OpportunityExpired},
		{OpportunityValidated, OpportunityExecuting},
		{OpportunityValidated, OpportunityRejected},
		{OpportunityValidated, OpportunityExpired},
		{OpportunityExecuting, OpportunityFilled},
		{OpportunityExecuting, OpportunityPartial},
		{OpportunityExecuting, OpportunityFailed},
	}
	for _, pair := range allowed {
		opp := Opportunity{State: pair[0]}
		require.NoError(t, opp.Transition(pair[1]), "%s -> %s", pair[0], pair[1])
		assert.Equal(t, pair[1], opp.State)
	}

	forbidden := [][2]OpportunityState{
		{OpportunityDetected, OpportunityExecuting},
		{OpportunityDetected, OpportunityFilled},
		{OpportunityExpired, OpportunityValidated},
		{OpportunityRejected, OpportunityExecuting},
		{OpportunityFilled, OpportunityPartial},
		{OpportunityFailed, OpportunityExecuting},
		{OpportunityExecuting, OpportunityValidated},
	}
	for _, pair := range forbidden {
		opp := Opportunity{State: pair[0]}
		err := opp.Transition(pair[1])
		require.Error(t, err, "%s -> %s must be rejected", pair[0], pair[1])
		assert.True(t, errors.Is(err, ErrBadTransition))
		assert.Equal(t, pair[0], opp.State, "state must not change on a rejected transition")
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []OpportunityState{
		OpportunityFilled, OpportunityPartial, OpportunityFailed, OpportunityExpired, OpportunityRejected,
	} {
		assert.True(t, s.Terminal())
	}
	for _, s := range []OpportunityState{OpportunityDetected, OpportunityValidated, OpportunityExecuting} {
		assert.False(t, s.Terminal())
	}
}

func TestLegWorstCaseLoss(t *testing.T) {
	assert.Equal(t, int64(40), Leg{Action: ActionBuy, LimitPriceCents: 40}.WorstCaseLossCents())
	assert.Equal(t, int64(60), Leg{Action: ActionSell, LimitPriceCents: 40}.WorstCaseLossCents())
}

func TestFillSignedContracts(t *testing.T) {
	assert.Equal(t, int64(5), Fill{Action: ActionBuy, Count: 5}.SignedContracts())
	assert.Equal(t, int64(-5), Fill{Action: ActionSell, Count: 5}.SignedContracts())
}

func TestIdempotencyKeyFormat(t *testing.T) {
	assert.Equal(t, "opp-1-2-3", IdempotencyKey("opp-1", 2, 3))
}
