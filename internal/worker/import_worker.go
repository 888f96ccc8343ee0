package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/finance-importer/internal/circuitbreaker"
	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/importer"
	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/queue"
	"github.com/finance-importer/internal/types"
	"github.com/google/uuid"
)

// ErrJobNotRunnable is returned when a delivery refers to a job that is missing or already terminal
var ErrJobNotRunnable = stderrors.New("import job is missing or already finished")

// JobStore is the part of the import job store the worker writes to
type JobStore interface {
	MarkProcessing(ctx context.Context, jobID string) (*models.ImportJob, error)
	SetTotalRows(ctx context.Context, jobID string, total int) error
	Checkpoint(ctx context.Context, jobID string, c models.ImportCounters) error
	Complete(ctx context.Context, jobID string, c models.ImportCounters, details []models.RowErrorDetail, overflow int) (bool, error)
	Fail(ctx context.Context, jobID, message string) (bool, error)
}

// LookupSource reads the user's accounts and categories
type LookupSource interface {
	ListActiveAccounts(ctx context.Context, userID string) ([]models.Account, error)
	ListActiveCategories(ctx context.Context, userID string) ([]models.Category, error)
}

// TransactionWriter persists imported transactions. inserted is false when the
// row was already imported by an earlier delivery of the same job.
type TransactionWriter interface {
	CreateImported(ctx context.Context, tx *models.Transaction) (inserted bool, err error)
}

// ImportWorker consumes import tasks and runs them through the normalize, resolve and persist sweep
type ImportWorker struct {
	jobs     JobStore
	lookups  LookupSource
	txs      TransactionWriter
	consumer queue.Consumer
	breaker  *circuitbreaker.CircuitBreaker

	concurrency      int
	pollInterval     time.Duration
	checkpointEvery  int
	errorDetailLimit int
	newID            func() string

	workerSem  chan struct{}
	inFlight   sync.WaitGroup
	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	doneCh     chan struct{}
	cancelJobs context.CancelFunc
	logger     *logging.Logger
}

// NewImportWorker creates a new import worker
func NewImportWorker(jobs JobStore, lookups LookupSource, txs TransactionWriter, consumer queue.Consumer, cfg config.ImportConfig) *ImportWorker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	checkpointEvery := cfg.CheckpointEvery
	if checkpointEvery <= 0 {
		checkpointEvery = 50
	}
	breakerCfg := circuitbreaker.DefaultConfig("import_worker")
	if cfg.BreakerFailures > 0 {
		breakerCfg.MaxFailures = cfg.BreakerFailures
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Cooldown = cfg.BreakerCooldown
	}

	return &ImportWorker{
		jobs:             jobs,
		lookups:          lookups,
		txs:              txs,
		consumer:         consumer,
		breaker:          circuitbreaker.NewCircuitBreaker(breakerCfg),
		concurrency:      concurrency,
		pollInterval:     pollInterval,
		checkpointEvery:  checkpointEvery,
		errorDetailLimit: cfg.ErrorDetailLimit,
		newID:            uuid.NewString,
		workerSem:        make(chan struct{}, concurrency),
		logger:           logging.GetGlobalLogger().WithField("component", "import_worker"),
	}
}

// Start begins polling the queue. In-flight jobs run under a context derived from ctx.
func (w *ImportWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("import worker is already running")
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w.cancelJobs = cancel
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true

	w.logger.WithFields(map[string]interface{}{
		"concurrency":   w.concurrency,
		"poll_interval": w.pollInterval.String(),
	}).Info("Starting import worker")

	go w.pollLoop(jobCtx)
	return nil
}

// Stop stops dequeuing and waits for in-flight jobs. When ctx expires first the
// remaining jobs are cancelled: their last checkpoint stays the durable state and
// their unacknowledged tasks are redelivered later.
func (w *ImportWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("import worker is not running")
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh

	drained := make(chan struct{})
	go func() {
		w.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		w.cancelJobs()
		w.logger.Info("Import worker stopped gracefully")
		return nil
	case <-ctx.Done():
		w.cancelJobs()
		<-drained
		w.logger.Warn("Import worker stop timed out, in-flight jobs were interrupted")
		return ctx.Err()
	}
}

func (w *ImportWorker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			for w.dispatchNext(ctx) {
			}
		}
	}
}

// dispatchNext claims one free slot and one ready task. It reports whether a task was started.
// Nothing is dequeued while the breaker is open.
func (w *ImportWorker) dispatchNext(ctx context.Context) bool {
	select {
	case w.workerSem <- struct{}{}:
	default:
		return false
	}

	select {
	case <-w.stopCh:
		<-w.workerSem
		return false
	default:
	}

	if err := w.breaker.Allow(); err != nil {
		<-w.workerSem
		return false
	}

	delivery, err := w.consumer.Dequeue(ctx)
	if err != nil {
		<-w.workerSem
		w.breaker.Record(err)
		w.logger.WithError(err).Warn("Dequeue failed")
		return false
	}
	if delivery == nil {
		<-w.workerSem
		w.breaker.Release()
		return false
	}

	w.inFlight.Add(1)
	go func() {
		defer func() {
			<-w.workerSem
			w.inFlight.Done()
		}()
		w.handle(ctx, delivery)
	}()
	return true
}

// handle runs one delivery and settles it with the queue
func (w *ImportWorker) handle(ctx context.Context, d *queue.Delivery) {
	jobID := d.Task.JobID
	logger := w.logger.ForJob(jobID, d.Task.UserID).WithField("attempt", d.Attempt)

	if d.Exhausted() {
		w.breaker.Release()
		message := fmt.Sprintf("import abandoned after %d attempts", d.MaxAttempts)
		w.failJob(ctx, logger, jobID, message)
		if err := w.consumer.Discard(ctx, jobID, message); err != nil {
			logger.WithError(err).Error("Failed to discard exhausted task")
		}
		return
	}

	start := time.Now()
	result, err := w.ProcessImportJob(ctx, d.Task)

	switch {
	case ctx.Err() != nil:
		w.breaker.Release()
	case err != nil && errors.IsRetryable(err):
		w.breaker.Record(err)
	default:
		w.breaker.Record(nil)
	}

	switch {
	case err == nil:
		if ackErr := w.consumer.Ack(ctx, jobID); ackErr != nil {
			logger.WithError(ackErr).Error("Failed to acknowledge task")
		}
		logger.WithFields(map[string]interface{}{
			"total_rows":   result.TotalRows,
			"success_rows": result.SuccessRows,
			"error_rows":   result.ErrorRows,
			"duration_ms":  time.Since(start).Milliseconds(),
		}).Info("Import job completed")

	case stderrors.Is(err, ErrJobNotRunnable):
		logger.Info("Skipping delivery for finished or deleted job")
		if ackErr := w.consumer.Ack(ctx, jobID); ackErr != nil {
			logger.WithError(ackErr).Error("Failed to acknowledge task")
		}

	case ctx.Err() != nil:
		logger.Warn("Import interrupted by shutdown, task left for redelivery")

	case errors.IsRetryable(err):
		retried, retryErr := w.consumer.Retry(ctx, d, err.Error())
		if retryErr != nil {
			logger.WithError(retryErr).Error("Failed to schedule retry")
			return
		}
		if retried {
			logger.WithError(err).Warn("Import job failed, retry scheduled")
			return
		}
		w.failJob(ctx, logger, jobID, fmt.Sprintf("import abandoned after %d attempts: %s", d.Attempt, failureMessage(err)))

	default:
		logger.WithError(err).Error("Import job failed")
		if discardErr := w.consumer.Discard(ctx, jobID, err.Error()); discardErr != nil {
			logger.WithError(discardErr).Error("Failed to discard task")
		}
	}
}

// ProcessImportJob runs one import end to end and returns the final counters.
// Pipeline faults that will not be retried leave the job FAILED before returning.
func (w *ImportWorker) ProcessImportJob(ctx context.Context, task queue.Task) (*models.ImportResult, error) {
	logger := w.logger.ForJob(task.JobID, task.UserID)

	job, err := w.jobs.MarkProcessing(ctx, task.JobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.Status.IsTerminal() {
		return nil, ErrJobNotRunnable
	}

	result, err := w.sweep(ctx, logger, task)
	if err != nil && ctx.Err() == nil && !errors.IsRetryable(err) {
		w.failJob(ctx, logger, task.JobID, failureMessage(err))
	}
	return result, err
}

func (w *ImportWorker) sweep(ctx context.Context, logger *logging.Logger, task queue.Task) (result *models.ImportResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewInternalError(fmt.Sprintf("import sweep panicked: %v", r), nil)
		}
	}()

	parsed, err := importer.ParseCSV([]byte(task.CSVData))
	if err != nil {
		return nil, err
	}

	total := len(parsed.Rows)
	if err := w.jobs.SetTotalRows(ctx, task.JobID, total); err != nil {
		return nil, err
	}

	accounts, err := w.lookups.ListActiveAccounts(ctx, task.UserID)
	if err != nil {
		return nil, err
	}
	categories, err := w.lookups.ListActiveCategories(ctx, task.UserID)
	if err != nil {
		return nil, err
	}
	resolver, err := importer.NewResolver(accounts, categories)
	if stderrors.Is(err, importer.ErrNoActiveAccounts) {
		return nil, errors.NewNoActiveAccountsError(task.UserID)
	}
	if err != nil {
		return nil, err
	}

	logger.WithField("total_rows", total).Info("Import sweep started")

	var counters models.ImportCounters
	errs := newErrorLog(w.errorDetailLimit)

	for i, row := range parsed.Rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rowNumber := importer.RowNumber(i)

		rowErr, err := w.importRow(ctx, task, resolver, row, rowNumber)
		if err != nil {
			return nil, err
		}
		if rowErr != "" {
			errs.add(rowNumber, rowErr)
			counters.ErrorRows++
		} else {
			counters.SuccessRows++
		}
		counters.ProcessedRows++

		if err := w.consumer.ReportProgress(ctx, task.JobID, models.Percent(counters.ProcessedRows, total)); err != nil {
			logger.WithError(err).Debug("Progress report failed")
		}
		if counters.ProcessedRows%w.checkpointEvery == 0 {
			if err := w.jobs.Checkpoint(ctx, task.JobID, counters); err != nil {
				return nil, err
			}
		}
	}

	completed, err := w.jobs.Complete(ctx, task.JobID, counters, errs.details, errs.overflow)
	if err != nil {
		return nil, err
	}
	if !completed {
		logger.Warn("Job left PROCESSING before the sweep finished, final counters not stored")
	}

	return &models.ImportResult{
		SuccessRows: counters.SuccessRows,
		ErrorRows:   counters.ErrorRows,
		TotalRows:   total,
	}, nil
}

// importRow normalizes, resolves and persists one row. A non-empty message is a row
// error; a returned error is a pipeline fault that ends the sweep.
func (w *ImportWorker) importRow(ctx context.Context, task queue.Task, resolver *importer.Resolver, row importer.Row, rowNumber int) (string, error) {
	candidate, err := importer.NormalizeRow(row, task.Mapping)
	if err != nil {
		var rowErr *importer.RowError
		if stderrors.As(err, &rowErr) {
			return rowErr.Message, nil
		}
		return "", err
	}

	jobID := task.JobID
	tx := &models.Transaction{
		ID:            w.newID(),
		UserID:        task.UserID,
		AccountID:     resolver.ResolveAccount(candidate.AccountRef),
		CategoryID:    resolver.ResolveCategory(candidate.CategoryRef),
		Type:          candidate.Type,
		Amount:        candidate.Amount,
		Description:   candidate.Description,
		Date:          candidate.Date,
		PaymentMethod: types.PaymentOther,
		ImportJobID:   &jobID,
		ImportRow:     &rowNumber,
	}

	if _, err := w.txs.CreateImported(ctx, tx); err != nil {
		if errors.IsCategory(err, errors.CategoryConflict) {
			return errors.Categorize(err).Message, nil
		}
		return "", err
	}
	return "", nil
}

func (w *ImportWorker) failJob(ctx context.Context, logger *logging.Logger, jobID, message string) {
	failed, err := w.jobs.Fail(ctx, jobID, message)
	if err != nil {
		logger.WithError(err).Error("Failed to mark import job as failed")
		return
	}
	if failed {
		logger.WithField("reason", message).Error("Import job failed")
	}
}

// failureMessage is the single top-level message stored on a FAILED job
func failureMessage(err error) string {
	var catErr *errors.CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Message
	}
	return err.Error()
}

// errorLog keeps the first limit row errors and counts the rest
type errorLog struct {
	limit    int
	details  []models.RowErrorDetail
	overflow int
}

func newErrorLog(limit int) *errorLog {
	return &errorLog{limit: limit, details: []models.RowErrorDetail{}}
}

func (l *errorLog) add(row int, message string) {
	if l.limit > 0 && len(l.details) >= l.limit {
		l.overflow++
		return
	}
	l.details = append(l.details, models.RowErrorDetail{Row: row, Error: message})
}
