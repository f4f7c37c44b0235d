package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrowbet/metrics"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// PayoutSweeper retries pending payouts and reports how many are still owed
type PayoutSweeper interface {
	RetryPendingPayouts(ctx context.Context, limit int) (int, error)
}

// PayoutRetryWorker periodically retries parked payouts
type PayoutRetryWorker struct {
	sweeper   PayoutSweeper
	schedule  string
	batchSize int
	timeout   time.Duration
}

// NewPayoutRetryWorker creates a worker running on a cron schedule such as "@every 5m"
func NewPayoutRetryWorker(sweeper PayoutSweeper, schedule string, batchSize int) *PayoutRetryWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &PayoutRetryWorker{
		sweeper:   sweeper,
		schedule:  schedule,
		batchSize: batchSize,
		timeout:   5 * time.Minute,
	}
}

// Start runs one sweep immediately and then on schedule. The startup sweep and scheduled
// sweeps share one chain, so they never overlap.
// Returns a cleanup function that stops the schedule and waits for a running sweep.
func (w *PayoutRetryWorker) Start(ctx context.Context) (func(), error) {
	logger := cron.PrintfLogger(log.StandardLogger())
	job := cron.NewChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	).Then(cron.FuncJob(func() { w.RunOnce(ctx) }))

	c := cron.New()
	if _, err := c.AddJob(w.schedule, job); err != nil {
		return nil, fmt.Errorf("invalid payout retry schedule %q: %w", w.schedule, err)
	}

	var startup sync.WaitGroup
	startup.Add(1)
	go func() {
		defer startup.Done()
		job.Run()
	}()
	c.Start()
	log.WithField("schedule", w.schedule).Info("Payout retry worker started")

	return func() {
		<-c.Stop().Done()
		startup.Wait()
		log.Info("Payout retry worker stopped")
	}, nil
}

// RunOnce performs a single sweep
func (w *PayoutRetryWorker) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	remaining, err := w.sweeper.RetryPendingPayouts(ctx, w.batchSize)
	if err != nil {
		log.WithError(err).Error("Payout retry sweep failed")
		return
	}
	metrics.SetPendingPayouts(remaining)

	fields := log.Fields{
		"remaining": remaining,
		"duration":  time.Since(started),
	}
	if remaining > 0 {
		log.WithFields(fields).Warn("Payouts still pending after sweep")
	} else {
		log.WithFields(fields).Debug("Payout retry sweep complete")
	}
}
