package lock

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepReleasesExpiredHoldsAndPromotes(t *testing.T) {
	m, clock := newTestManager(t, WithTTL(10*time.Minute))
	ag := agents(m, "a", "b", "c")

	_, err := m.AcquireWrite(ag[0], 1, "long edit")
	require.NoError(t, err)
	_, err = m.AcquireRead(ag[2], 2)
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = m.AcquireWrite(ag[1], 1, "waiting")
	require.Error(t, err)

	assert.Empty(t, m.Sweep(), "nothing expired yet")

	clock.Advance(6 * time.Minute)
	expired := m.Sweep()
	require.Len(t, expired, 2)
	assert.Equal(t, ag[0], expired[0].Agent)
	assert.Equal(t, Write, expired[0].Mode)
	assert.Equal(t, "long edit", expired[0].Description)
	assert.Equal(t, clock.Now(), expired[0].ExpiredAt)
	assert.Contains(t, expired[0].String(), "expired")
	assert.Equal(t, ag[2], expired[1].Agent)

	assert.True(t, m.Holds(ag[1], 1, Write), "waiter promoted after expiry")
	assert.Equal(t, Unlocked, m.Status(2).State)
}

func TestSweepRespectsRenewal(t *testing.T) {
	m, clock := newTestManager(t, WithTTL(10*time.Minute))
	a := m.RegisterAgent("a")

	_, err := m.AcquireWrite(a, 1, "")
	require.NoError(t, err)
	clock.Advance(8 * time.Minute)
	_, err = m.AcquireWrite(a, 1, "")
	require.NoError(t, err)
	clock.Advance(8 * time.Minute)

	assert.Empty(t, m.Sweep())
	assert.True(t, m.Holds(a, 1, Write))
}

func TestSweepDropsStaleWaiters(t *testing.T) {
	m, clock := newTestManager(t, WithTTL(10*time.Minute))
	ag := agents(m, "a", "b")

	_, err := m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	_, err = m.AcquireWrite(ag[1], 1, "")
	require.Error(t, err)

	// Holder renews, the waiter never retries.
	clock.Advance(9 * time.Minute)
	_, err = m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	assert.Empty(t, m.Sweep())
	assert.Empty(t, m.Status(1).Queue)
}

func TestSweepExpiresGlobal(t *testing.T) {
	m, clock := newTestManager(t, WithTTL(time.Minute))
	a := m.RegisterAgent("a")
	_, err := m.AcquireGlobal(a, "restructure")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	expired := m.Sweep()
	require.Len(t, expired, 1)
	assert.True(t, expired[0].Global)
	assert.Nil(t, m.GlobalStatus())
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	m, clock := newTestManager(t, WithTTL(time.Minute))
	a := m.RegisterAgent("a")
	_, err := m.AcquireWrite(a, 1, "")
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return m.Status(1).State == Unlocked
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	m, clock := newTestManager(t, WithMetrics(metrics), WithTTL(time.Minute))
	ag := agents(m, "a", "b")

	_, err := m.AcquireWrite(ag[0], 1, "")
	require.NoError(t, err)
	_, err = m.AcquireRead(ag[1], 2)
	require.NoError(t, err)
	clock.Advance(30 * time.Second)
	_, err = m.AcquireWrite(ag[1], 1, "")
	require.Error(t, err)

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.grants.WithLabelValues("write")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.grants.WithLabelValues("read")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.denials.WithLabelValues("write")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.held.WithLabelValues("write")))

	clock.Advance(30 * time.Second)
	m.Sweep()
	// The sweep expired both holds, then promoted the queued writer.
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.expiries))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.held.WithLabelValues("read")))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.held.WithLabelValues("write")))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.grants.WithLabelValues("write")))
}
