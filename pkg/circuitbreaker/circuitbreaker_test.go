package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote down")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(c *clock, opts ...Option) *CircuitBreaker {
	cfg := Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 30 * time.Second, HalfOpenMaxRequests: 2}
	return NewCircuitBreaker(cfg, append([]Option{WithClock(c.now)}, opts...)...)
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	var transitions []State
	cb := newTestBreaker(c, WithStateChange(func(_, to State) { transitions = append(transitions, to) }))

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errRemote }), errRemote)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
	assert.Equal(t, []State{StateOpen}, transitions)
}

func TestHalfOpenRecovery(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	cb := newTestBreaker(c)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errRemote })
	}
	require.Equal(t, StateOpen, cb.GetState())

	c.t = c.t.Add(31 * time.Second)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	cb := newTestBreaker(c)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errRemote })
	}
	c.t = c.t.Add(time.Minute)
	_ = cb.Execute(func() error { return errRemote })
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestFailurePredicateIgnoresBenignErrors(t *testing.T) {
	c := &clock{t: time.Unix(0, 0)}
	notFound := errors.New("not found")
	cb := newTestBreaker(c, WithFailurePredicate(func(err error) bool { return !errors.Is(err, notFound) }))

	for i := 0; i < 10; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return notFound }), notFound)
	}
	assert.Equal(t, StateClosed, cb.GetState())

	cb.Reset()
	assert.Equal(t, "closed", cb.GetState().String())
}
