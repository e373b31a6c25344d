package cleanup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codefleet/fleetd/pkg/config"
)

type countingCleaner struct {
	calls   atomic.Int64
	perCall int64
	cutoffs chan time.Time
}

func newCountingCleaner(perCall int64) *countingCleaner {
	return &countingCleaner{perCall: perCall, cutoffs: make(chan time.Time, 16)}
}

func (c *countingCleaner) DeleteDeliveredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	c.calls.Add(1)
	select {
	case c.cutoffs <- cutoff:
	default:
	}
	return c.perCall, nil
}

func (c *countingCleaner) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return c.DeleteDeliveredBefore(ctx, cutoff)
}

func testRetentionConfig() config.RetentionConfig {
	return config.RetentionConfig{
		OutboxRetention: 7 * 24 * time.Hour,
		JobRetention:    30 * 24 * time.Hour,
		Interval:        20 * time.Millisecond,
	}
}

func TestServiceRunsImmediatelyAndOnTicks(t *testing.T) {
	outbox := newCountingCleaner(2)
	jobs := newCountingCleaner(1)
	svc := NewService(testRetentionConfig(), outbox, jobs)

	svc.Start(context.Background())
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		return outbox.calls.Load() >= 2 && jobs.calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestServiceCutoffsUseRetentionWindows(t *testing.T) {
	outbox := newCountingCleaner(0)
	jobs := newCountingCleaner(0)
	svc := NewService(testRetentionConfig(), outbox, jobs)

	before := time.Now()
	svc.Start(context.Background())
	defer svc.Stop()

	outboxCutoff := <-outbox.cutoffs
	jobCutoff := <-jobs.cutoffs
	assert.WithinDuration(t, before.Add(-7*24*time.Hour), outboxCutoff, time.Minute)
	assert.WithinDuration(t, before.Add(-30*24*time.Hour), jobCutoff, time.Minute)
}

func TestServiceStopWaitsForLoop(t *testing.T) {
	svc := NewService(testRetentionConfig(), newCountingCleaner(0), newCountingCleaner(0))
	svc.Start(context.Background())
	svc.Stop()

	// A second Stop on a stopped service must not panic or block.
	done := make(chan struct{})
	go func() {
		svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Stop blocked")
	}
}

func TestServiceDoubleStartIsNoop(t *testing.T) {
	outbox := newCountingCleaner(0)
	svc := NewService(testRetentionConfig(), outbox, newCountingCleaner(0))
	svc.Start(context.Background())
	svc.Start(context.Background())
	svc.Stop()
}
