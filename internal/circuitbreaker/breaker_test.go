package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int, open time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, open)
	b.now = clk.now
	return b, clk
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Second)

	b.RecordFailure("hosted")
	b.RecordFailure("hosted")
	assert.True(t, b.Allow("hosted"))

	b.RecordFailure("hosted")
	assert.False(t, b.Allow("hosted"))
	assert.Equal(t, StateOpen, b.State("hosted"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clk := newTestBreaker(2, time.Second)
	b.RecordFailure("hosted")
	b.RecordFailure("hosted")

	clk.advance(time.Second)
	assert.True(t, b.Allow("hosted"), "first probe admitted")
	assert.Equal(t, StateHalfOpen, b.State("hosted"))
	assert.False(t, b.Allow("hosted"), "second request rejected while probing")

	b.RecordSuccess("hosted")
	assert.Equal(t, StateClosed, b.State("hosted"))
	assert.True(t, b.Allow("hosted"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Second)
	b.RecordFailure("hosted")
	clk.advance(2 * time.Second)
	require.True(t, b.Allow("hosted"))

	b.RecordFailure("hosted")
	assert.Equal(t, StateOpen, b.State("hosted"))
	assert.False(t, b.Allow("hosted"))
}

func TestBreaker_IndependentKeys(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	b.RecordFailure("hosted")
	assert.False(t, b.Allow("hosted"))
	assert.True(t, b.Allow("stripe"))
}

func TestExecute(t *testing.T) {
	errTimeout := errors.New("timeout")
	errDeclined := errors.New("declined")
	countable := func(err error) bool { return errors.Is(err, errTimeout) }

	b, _ := newTestBreaker(2, time.Minute)

	// Declines are business outcomes, not gateway faults.
	for i := 0; i < 5; i++ {
		err := b.Execute("pg", countable, func() error { return errDeclined })
		assert.ErrorIs(t, err, errDeclined)
	}
	assert.Equal(t, StateClosed, b.State("pg"))

	_ = b.Execute("pg", countable, func() error { return errTimeout })
	_ = b.Execute("pg", countable, func() error { return errTimeout })
	assert.Equal(t, StateOpen, b.State("pg"))

	called := false
	err := b.Execute("pg", countable, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
