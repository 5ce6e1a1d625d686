package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/analytics-control-plane/services"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateResolved, true},
		{StatePolicyEvaluated, StateDenied, true},
		{StateCompiled, StatePackaged, true},
		{StateCompiled, StateExecuted, true},
		{StateExecuted, StatePackaged, true},
		{StateReceived, StateCompiled, false},
		{StateDenied, StatePackaged, false},
		{StateDenied, StateCompiled, false},
		{StatePackaged, StateFailed, false},
		{StateResolved, StateDenied, false},
		{StateExecuted, StateDenied, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StatePackaged, StateDenied, StateFailed} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateReceived, StateResolved, StatePolicyEvaluated, StateCompiled, StateExecuted} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestRun_Advance(t *testing.T) {
	at := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	r := newRun(func() time.Time { return at })

	require.NoError(t, r.advance(StateResolved))
	require.NoError(t, r.advance(StatePolicyEvaluated))

	err := r.advance(StatePackaged)
	require.Error(t, err)
	assert.True(t, services.IsEvidenceConstructionError(err))
	assert.ErrorIs(t, err, services.ErrIllegalTransition)
	assert.Equal(t, StatePolicyEvaluated, r.state, "illegal moves leave the state alone")

	require.NoError(t, r.advance(StateDenied))
	r.fail()
	assert.Equal(t, StateDenied, r.state, "terminal states do not fail")

	require.Len(t, r.history, 3)
	assert.Equal(t, Transition{From: StateReceived, To: StateResolved, At: at}, r.history[0])
}
