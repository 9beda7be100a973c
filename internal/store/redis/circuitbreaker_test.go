package redis

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(maxFailures, reset)
	cb.now = clock.now
	return cb, clock
}

var errFail = errors.New("fail")

func failing() error { return errFail }
func passing() error { return nil }

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	assert.Equal(t, StateClosed, cb.CurrentState())
	assert.Equal(t, "closed", cb.CurrentState().String())
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, cb.Execute(failing), errFail)
	}
	assert.Equal(t, StateOpen, cb.CurrentState())

	// Calls are rejected without running fn.
	ran := false
	err := cb.Execute(func() error { ran = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, ran)
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	cb.Execute(failing)
	cb.Execute(failing)
	require.Equal(t, StateOpen, cb.CurrentState())

	clock.advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(passing), ErrCircuitOpen)

	clock.advance(time.Second)
	require.NoError(t, cb.Execute(passing))
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_HalfOpenFailure(t *testing.T) {
	cb, clock := newTestBreaker(2, time.Second)
	cb.Execute(failing)
	cb.Execute(failing)

	clock.advance(2 * time.Second)
	require.ErrorIs(t, cb.Execute(failing), errFail)
	assert.Equal(t, StateOpen, cb.CurrentState())
	assert.ErrorIs(t, cb.Execute(passing), ErrCircuitOpen)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)

	cb.Execute(failing)
	cb.Execute(failing)
	cb.Execute(passing) // resets counter

	cb.Execute(failing)
	cb.Execute(failing)
	assert.Equal(t, StateClosed, cb.CurrentState())
}

func TestCircuitBreaker_OnStateChangeCallback(t *testing.T) {
	var transitions []BreakerState
	cb, clock := newTestBreaker(1, time.Second)
	cb.OnStateChange = func(from, to BreakerState) {
		transitions = append(transitions, to)
	}

	cb.Execute(failing)
	require.Equal(t, []BreakerState{StateOpen}, transitions)

	clock.advance(2 * time.Second)
	cb.Execute(passing)
	assert.Equal(t, []BreakerState{StateOpen, StateHalfOpen, StateClosed}, transitions)
}
