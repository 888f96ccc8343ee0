package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/types"
)

type fakeJobStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.ImportJob
	checkpoints []models.ImportCounters
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: make(map[string]*models.ImportJob)}
}

func (s *fakeJobStore) add(job *models.ImportJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.Status == "" {
		job.Status = types.ImportStatusPending
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = time.Now()
	}
	s.jobs[job.ID] = job
}

func (s *fakeJobStore) get(jobID string) models.ImportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[jobID]
}

func (s *fakeJobStore) checkpointHistory() []models.ImportCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ImportCounters(nil), s.checkpoints...)
}

func (s *fakeJobStore) MarkProcessing(ctx context.Context, jobID string) (*models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	if !job.Status.IsTerminal() {
		job.Status = types.ImportStatusProcessing
		job.Attempts++
		job.UpdatedAt = time.Now()
	}
	copied := *job
	return &copied, nil
}

func (s *fakeJobStore) SetTotalRows(ctx context.Context, jobID string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.Status == types.ImportStatusProcessing {
		job.TotalRows = total
	}
	return nil
}

func (s *fakeJobStore) Checkpoint(ctx context.Context, jobID string, c models.ImportCounters) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != types.ImportStatusProcessing {
		return nil
	}
	job.ProcessedRows = max(job.ProcessedRows, c.ProcessedRows)
	job.SuccessRows = max(job.SuccessRows, c.SuccessRows)
	job.ErrorRows = max(job.ErrorRows, c.ErrorRows)
	s.checkpoints = append(s.checkpoints, models.ImportCounters{
		ProcessedRows: job.ProcessedRows,
		SuccessRows:   job.SuccessRows,
		ErrorRows:     job.ErrorRows,
	})
	return nil
}

func (s *fakeJobStore) Complete(ctx context.Context, jobID string, c models.ImportCounters, details []models.RowErrorDetail, overflow int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != types.ImportStatusProcessing {
		return false, nil
	}
	job.Status = types.ImportStatusCompleted
	job.ProcessedRows = c.ProcessedRows
	job.SuccessRows = c.SuccessRows
	job.ErrorRows = c.ErrorRows
	job.ErrorDetails = details
	job.ErrorOverflow = overflow
	return true, nil
}

func (s *fakeJobStore) Fail(ctx context.Context, jobID, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		return false, nil
	}
	job.Status = types.ImportStatusFailed
	job.ErrorMessage = &message
	return true, nil
}

func (s *fakeJobStore) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ImportJob
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakeLookups struct {
	accounts   []models.Account
	categories []models.Category
}

func (f *fakeLookups) ListActiveAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	return f.accounts, nil
}

func (f *fakeLookups) ListActiveCategories(ctx context.Context, userID string) ([]models.Category, error) {
	return f.categories, nil
}

func defaultLookups() *fakeLookups {
	return &fakeLookups{
		accounts: []models.Account{
			{ID: "acc-main", Name: "Cuenta Corriente", IsActive: true},
			{ID: "acc-savings", Name: "Ahorros", IsActive: true},
		},
		categories: []models.Category{
			{ID: "cat-food", Name: "Comida", IsActive: true},
		},
	}
}

// fakeTxWriter stores transactions keyed by (job, row) like the unique index does.
// failOn makes the insert of a row return an error while the entry exists.
type fakeTxWriter struct {
	mu     sync.Mutex
	byKey  map[string]*models.Transaction
	order  []*models.Transaction
	failOn map[int]error
	calls  int
}

func newFakeTxWriter() *fakeTxWriter {
	return &fakeTxWriter{byKey: make(map[string]*models.Transaction), failOn: make(map[int]error)}
}

func (f *fakeTxWriter) CreateImported(ctx context.Context, tx *models.Transaction) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.failOn[*tx.ImportRow]; ok {
		return false, err
	}
	key := fmt.Sprintf("%s/%d", *tx.ImportJobID, *tx.ImportRow)
	if _, exists := f.byKey[key]; exists {
		return false, nil
	}
	f.byKey[key] = tx
	f.order = append(f.order, tx)
	return true, nil
}

func (f *fakeTxWriter) setFailure(row int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failOn, row)
		return
	}
	f.failOn[row] = err
}

func (f *fakeTxWriter) created() []*models.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Transaction(nil), f.order...)
}

func dbDown() error {
	return errors.NewDatabaseError("insert imported transaction", fmt.Errorf("connection reset by peer"))
}

func (s *fakeJobStore) set(jobID string, mutate func(job *models.ImportJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.jobs[jobID])
}
