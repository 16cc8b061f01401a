package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/booking-dispatch/internal/pkg/ctxlog"
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	BatchSize    int
	PollInterval time.Duration
	// StallTimeout is how long a record may stay in processing before another
	// worker may claim it again.
	StallTimeout time.Duration
	NumWorkers   int
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:    50,
		PollInterval: 5 * time.Second,
		StallTimeout: 5 * time.Minute,
		NumWorkers:   5,
	}
}

// Dispatcher claims due records and routes them to executors.
// Workers share nothing but the repository; any number of dispatchers may
// poll the same store.
type Dispatcher struct {
	config   DispatcherConfig
	repo     Repository
	registry *Registry
	policy   RetryPolicy
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(config DispatcherConfig, repo Repository, registry *Registry, policy RetryPolicy) *Dispatcher {
	return &Dispatcher{
		config:   config,
		repo:     repo,
		registry: registry,
		policy:   policy,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("starting queue dispatcher",
		"workers", d.config.NumWorkers,
		"batch_size", d.config.BatchSize,
		"poll_interval", d.config.PollInterval,
		"stall_timeout", d.config.StallTimeout,
		"executors", d.registry.Types(),
	)

	for i := 0; i < d.config.NumWorkers; i++ {
		d.wg.Add(1)
		go d.run(ctx, i)
	}
}

// Stop stops all workers and waits for in-flight records to resolve, or for
// ctx to expire. Records a worker had claimed but not started are put back.
// Records still executing when ctx expires stay in processing and are
// reclaimed after the stall timeout.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.signalStop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) signalStop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

func (d *Dispatcher) stopping(ctx context.Context) bool {
	select {
	case <-d.stopCh:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run(ctx context.Context, workerID int) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				slog.Error("failed to claim due records", "worker", workerID, "error", err)
			}
		}
	}
}

// RunOnce claims one batch of due records and resolves each of them in
// execute_at order. It returns the number of records executed.
//
// Once the dispatcher is stopping, the rest of the batch is put back to
// pending untouched. Store writes that record an outcome never use a
// cancelled context: a send that happened must be recorded.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	records, err := d.repo.ClaimDue(ctx, d.now(), d.config.BatchSize, d.config.StallTimeout)
	if err != nil {
		return 0, fmt.Errorf("claim due: %w", err)
	}

	if len(records) == 0 {
		return 0, nil
	}

	slog.Debug("processing queue records", "count", len(records))
	recordClaimed(len(records))

	executed := 0
	for i, record := range records {
		if d.stopping(ctx) {
			d.release(context.WithoutCancel(ctx), records[i:])
			break
		}
		if d.processRecord(ctx, record) {
			executed++
		}
	}

	return executed, nil
}

// renewClaim restamps the claim of a record right before it runs. Records
// wait in a worker's batch while earlier ones execute; without a fresh stamp
// they would look stalled to other workers. A conflict means another worker
// already reclaimed the record and owns it now.
func (d *Dispatcher) renewClaim(ctx context.Context, record *Record) bool {
	now := d.now()
	expectedVersion := record.Version

	record.Status = StatusProcessing
	record.ProcessingStartedAt = &now
	if err := d.repo.Update(ctx, record, expectedVersion); err != nil {
		d.logStoreError("renew claim", record, err)
		return false
	}
	record.Version = expectedVersion + 1
	return true
}

// release puts claimed records back to pending without spending a retry.
func (d *Dispatcher) release(ctx context.Context, records []*Record) {
	for _, record := range records {
		record.Status = StatusPending
		record.ProcessingStartedAt = nil
		if err := d.repo.Update(ctx, record, record.Version); err != nil {
			d.logStoreError("release record", record, err)
			continue
		}
		slog.Debug("queue record released", "record_id", record.ID, "type", record.Type)
	}
}

// processRecord executes one claimed record and records the outcome. It
// reports whether the executor ran.
func (d *Dispatcher) processRecord(ctx context.Context, record *Record) bool {
	storeCtx := context.WithoutCancel(ctx)
	if !d.renewClaim(storeCtx, record) {
		return false
	}

	start := time.Now()
	ctx = ctxlog.With(ctx, "record_id", record.ID, "type", record.Type, "attempt", record.RetryCount+1)

	var (
		result Result
		err    error
	)
	executor, lookupErr := d.registry.Lookup(record.Type)
	if lookupErr != nil {
		err = NewNonRetryableError(lookupErr)
	} else {
		result, err = d.execute(ctx, executor, record)
	}

	duration := time.Since(start)
	recordExecutionDuration(string(record.Type), duration)

	if err != nil {
		// aborted by shutdown, not by the provider
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			d.release(storeCtx, []*Record{record})
			return true
		}
		d.resolveFailure(storeCtx, record, err)
		return true
	}

	d.resolveSuccess(storeCtx, record, result)

	slog.Debug("queue record sent",
		"record_id", record.ID,
		"type", record.Type,
		"duration", duration,
	)
	return true
}

// execute runs the executor and converts a panic into a retryable error.
func (d *Dispatcher) execute(ctx context.Context, executor Executor, record *Record) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("executor panicked",
				"record_id", record.ID,
				"type", record.Type,
				"panic", p,
			)
			err = NewRetryableError(fmt.Errorf("executor panic: %v", p))
		}
	}()

	return executor.Execute(ctx, record)
}

func (d *Dispatcher) resolveSuccess(ctx context.Context, record *Record, result Result) {
	now := d.now()
	expectedVersion := record.Version

	record.Status = StatusSent
	record.SentAt = &now
	record.ExternalMessageID = result.ExternalMessageID

	if result.Details != "" {
		slog.Info("queue record resolved without action",
			"record_id", record.ID,
			"type", record.Type,
			"details", result.Details,
		)
	}

	if err := d.repo.MoveToHistory(ctx, Archive(record, StatusSent, now), expectedVersion); err != nil {
		d.logStoreError("move to history", record, err)
		return
	}

	recordProcessed(string(record.Type), "sent")
}

func (d *Dispatcher) resolveFailure(ctx context.Context, record *Record, err error) {
	now := d.now()
	expectedVersion := record.Version
	retryable := isRetryable(err)
	attempt := record.RetryCount + 1

	slog.Warn("queue record failed",
		"record_id", record.ID,
		"type", record.Type,
		"attempt", attempt,
		"max_retries", record.MaxRetries,
		"retryable", retryable,
		"error", err,
	)

	record.ErrorMessage = err.Error()
	record.ErrorDetails = errorDetails(err, attempt, retryable)

	// Permanent errors do not consume a retry.
	if !retryable {
		d.archiveFailed(ctx, record, now, expectedVersion)
		return
	}

	if attempt >= record.MaxRetries {
		record.RetryCount = min(attempt, record.MaxRetries)
		d.archiveFailed(ctx, record, now, expectedVersion)
		return
	}

	next := d.policy.NextRetryAt(record.ExecuteAt, now, attempt)
	record.RetryCount = attempt
	record.NextRetryAt = &next
	record.ExecuteAt = next
	record.Status = StatusPending
	record.ProcessingStartedAt = nil

	if err := d.repo.Update(ctx, record, expectedVersion); err != nil {
		d.logStoreError("schedule retry", record, err)
		return
	}

	recordProcessed(string(record.Type), "retry")

	slog.Info("queue record scheduled for retry",
		"record_id", record.ID,
		"retry_count", record.RetryCount,
		"next_retry_at", next,
	)
}

func (d *Dispatcher) archiveFailed(ctx context.Context, record *Record, now time.Time, expectedVersion int) {
	record.Status = StatusFailed
	if err := d.repo.MoveToHistory(ctx, Archive(record, StatusFailed, now), expectedVersion); err != nil {
		d.logStoreError("archive failed record", record, err)
		return
	}
	recordProcessed(string(record.Type), "failed")
}

// logStoreError reports a write that could not be applied. A version conflict
// or a vanished record means the record was reclaimed after a stall and the
// other worker owns its outcome now.
func (d *Dispatcher) logStoreError(op string, record *Record, err error) {
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrRecordNotFound) {
		recordVersionConflict()
		slog.Warn("queue record changed while processing, outcome dropped",
			"op", op,
			"record_id", record.ID,
			"type", record.Type,
		)
		return
	}
	slog.Error("failed to write queue record",
		"op", op,
		"record_id", record.ID,
		"type", record.Type,
		"error", err,
	)
}

func errorDetails(err error, attempt int, retryable bool) string {
	details := struct {
		Attempt   int    `json:"attempt"`
		Retryable bool   `json:"retryable"`
		Error     string `json:"error"`
	}{
		Attempt:   attempt,
		Retryable: retryable,
		Error:     err.Error(),
	}
	data, mErr := json.Marshal(details)
	if mErr != nil {
		return ""
	}
	return string(data)
}
