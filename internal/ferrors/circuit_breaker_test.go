package ferrors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures: 3,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     20 * time.Millisecond,
		ShouldTrip:  func(err error) bool { return err != nil },
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error { return boom })
		assert.Equal(t, boom, err)
	}

	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_RejectsWhileOpen(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	err := cb.Execute(context.Background(), func() error { return nil })
	require.Error(t, err)
	var be *BundleError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, CodeNetworkError, be.Code)
}

func TestCircuitBreaker_HalfOpenThenCloses(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	err := cb.Execute(context.Background(), func() error { return boom })
	assert.Equal(t, boom, err)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_ExecuteWithFallback(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}

	called := false
	err := cb.ExecuteWithFallback(context.Background(),
		func() error { return nil },
		func() error { called = true; return nil })

	assert.NoError(t, err)
	assert.True(t, called)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(testConfig())
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), func() error { return boom })
	}
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestCircuitBreakerGroup_IsolatesByName(t *testing.T) {
	g := NewCircuitBreakerGroup(testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = g.Execute(context.Background(), "channel-cache", func() error { return boom })
	}

	assert.Equal(t, StateOpen, g.Get("channel-cache").GetState())
	assert.Equal(t, StateClosed, g.Get("release-store").GetState())
}

func TestCircuitBreakerGroup_Metrics(t *testing.T) {
	g := NewCircuitBreakerGroup(testConfig())
	_ = g.Execute(context.Background(), "x", func() error { return nil })

	metrics := g.GetMetrics()
	require.Contains(t, metrics, "x")
	assert.Equal(t, "CLOSED", metrics["x"]["state"])
}
