package order

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()

	legal := []StateTransition{
		{StatusCreated, StatusSubmitted},
		{StatusCreated, StatusExpired},
		{StatusSubmitted, StatusFilled},
		{StatusAccepted, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusPartiallyFilled},
		{StatusPartiallyFilled, StatusFilled},
	}
	for _, tr := range legal {
		assert.NoError(t, sm.ValidateTransition(tr.From, tr.To), "%s -> %s", tr.From, tr.To)
	}

	illegal := []StateTransition{
		{StatusCreated, StatusFilled},
		{StatusAccepted, StatusSubmitted},
		{StatusPartiallyFilled, StatusAccepted},
		{StatusPartiallyFilled, StatusRejected},
	}
	for _, tr := range illegal {
		err := sm.ValidateTransition(tr.From, tr.To)
		require.Error(t, err, "%s -> %s", tr.From, tr.To)
		assert.True(t, errors.Is(err, ErrIllegalTransition))
	}
}

func TestStateMachineTerminalRejectsEverything(t *testing.T) {
	sm := NewStateMachine()
	for _, terminal := range []Status{StatusFilled, StatusCanceled, StatusRejected, StatusExpired} {
		assert.True(t, terminal.IsTerminal())
		assert.Error(t, sm.ValidateTransition(terminal, terminal))
		assert.Error(t, sm.ValidateTransition(terminal, StatusSubmitted))
		assert.Empty(t, sm.AllowedTransitions(terminal))
	}
}

func TestStateMachineIdempotentRepeat(t *testing.T) {
	sm := NewStateMachine()
	assert.NoError(t, sm.ValidateTransition(StatusAccepted, StatusAccepted))
	assert.True(t, sm.IsRepeatable(StatusPartiallyFilled))
	assert.False(t, sm.IsRepeatable(StatusAccepted))
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus("PARTIALLY_FILLED")
	assert.True(t, ok)
	assert.Equal(t, StatusPartiallyFilled, st)
	_, ok = ParseStatus("NEW")
	assert.False(t, ok)
}

func TestReasonIsForced(t *testing.T) {
	assert.True(t, ReasonDependencyFailed.IsForced())
	assert.True(t, ReasonDependencyTimeout.IsForced())
	assert.False(t, ReasonVenue.IsForced())
}
