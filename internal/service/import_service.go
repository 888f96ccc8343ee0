package service

import (
	"context"

	"github.com/finance-importer/internal/config"
	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/importer"
	"github.com/finance-importer/internal/logging"
	"github.com/finance-importer/internal/models"
	"github.com/finance-importer/internal/queue"
	"github.com/finance-importer/internal/types"
	"github.com/google/uuid"
)

const enqueueFailedMessage = "No se pudo encolar la importación"

// JobRepository is the part of the import job store the submission path uses
type JobRepository interface {
	Create(ctx context.Context, job *models.ImportJob) error
	GetForUser(ctx context.Context, jobID, userID string) (*models.ImportJob, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.ImportJob, error)
	DeleteForUser(ctx context.Context, jobID, userID string) (bool, error)
	Fail(ctx context.Context, jobID, message string) (bool, error)
}

// ImportService is the submission and status boundary of the import pipeline.
// It creates job records and enqueues work. It never updates a job after creation,
// except to mark it FAILED when the enqueue itself fails.
type ImportService struct {
	jobs           JobRepository
	producer       queue.Producer
	maxUploadBytes int
	listLimit      int
}

// NewImportService creates a new import service
func NewImportService(jobs JobRepository, producer queue.Producer, cfg config.ImportConfig) *ImportService {
	listLimit := cfg.ListLimit
	if listLimit <= 0 {
		listLimit = 20
	}
	return &ImportService{
		jobs:           jobs,
		producer:       producer,
		maxUploadBytes: cfg.MaxUploadBytes,
		listLimit:      listLimit,
	}
}

// SubmitRequest is one CSV file plus the column mapping chosen for it
type SubmitRequest struct {
	Filename string               `json:"filename"`
	CSVData  string               `json:"csvData"`
	Mapping  models.ColumnMapping `json:"mapping"`
}

// Submit creates a PENDING job and enqueues it under the same id
func (s *ImportService) Submit(ctx context.Context, userID string, req SubmitRequest) (*models.ImportJob, error) {
	if userID == "" {
		return nil, errors.NewUnauthorizedError("missing user")
	}
	if err := req.Mapping.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkSize(req.CSVData); err != nil {
		return nil, err
	}

	job := &models.ImportJob{
		ID:           uuid.NewString(),
		UserID:       userID,
		Filename:     SanitizeFilename(req.Filename),
		Status:       types.ImportStatusPending,
		Mapping:      req.Mapping,
		ErrorDetails: []models.RowErrorDetail{},
	}

	logger := logging.FromContext(ctx).ForJob(job.ID, userID)

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	task := &queue.Task{
		JobID:    job.ID,
		UserID:   userID,
		Filename: job.Filename,
		CSVData:  req.CSVData,
		Mapping:  req.Mapping,
	}
	if err := s.producer.Enqueue(ctx, task); err != nil {
		logger.WithError(err).Error("Failed to enqueue import job")
		if _, failErr := s.jobs.Fail(ctx, job.ID, enqueueFailedMessage); failErr != nil {
			logger.WithError(failErr).Error("Failed to mark unqueued job as failed")
		}
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"filename": job.Filename,
		"bytes":    len(req.CSVData),
	}).Info("Import job submitted")

	return job, nil
}

// GetJob returns the unified status view, or nil when the job does not exist for this user
func (s *ImportService) GetJob(ctx context.Context, userID, jobID string) (*models.ImportJobView, error) {
	if !validJobID(jobID) {
		return nil, nil
	}
	job, err := s.jobs.GetForUser(ctx, jobID, userID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return s.view(ctx, job), nil
}

// ListJobs returns the user's most recent jobs, newest first
func (s *ImportService) ListJobs(ctx context.Context, userID string) ([]*models.ImportJobView, error) {
	jobs, err := s.jobs.ListByUser(ctx, userID, s.listLimit)
	if err != nil {
		return nil, err
	}

	views := make([]*models.ImportJobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, s.view(ctx, job))
	}
	return views, nil
}

// DeleteJob removes the job record and its queue task. Imported transactions are kept.
func (s *ImportService) DeleteJob(ctx context.Context, userID, jobID string) error {
	if !validJobID(jobID) {
		return errors.NewNotFoundError("import job", jobID)
	}
	deleted, err := s.jobs.DeleteForUser(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return errors.NewNotFoundError("import job", jobID)
	}

	if err := s.producer.Remove(ctx, jobID); err != nil {
		logging.FromContext(ctx).ForJob(jobID, userID).WithError(err).Warn("Failed to remove queue task for deleted job")
	}
	return nil
}

// Preview parses the payload and suggests a mapping without creating anything
func (s *ImportService) Preview(ctx context.Context, csvData string, rows int) (*importer.PreviewResult, error) {
	if err := s.checkSize(csvData); err != nil {
		return nil, err
	}
	return importer.Preview([]byte(csvData), rows)
}

// validJobID reports whether id can name a job at all; ids are UUIDs
func validJobID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (s *ImportService) checkSize(csvData string) error {
	if s.maxUploadBytes > 0 && len(csvData) > s.maxUploadBytes {
		return errors.NewPayloadTooLargeError(len(csvData), s.maxUploadBytes)
	}
	return nil
}

// view merges the durable record with the queue's execution state.
// While a job runs the queue reports progress every row and the record every
// checkpoint, so the larger of the two is shown.
func (s *ImportService) view(ctx context.Context, job *models.ImportJob) *models.ImportJobView {
	view := &models.ImportJobView{ImportJob: *job, Progress: job.Progress()}
	if job.Status.IsTerminal() {
		return view
	}

	status, err := s.producer.Status(ctx, job.ID)
	if err != nil {
		logging.FromContext(ctx).ForJob(job.ID, job.UserID).WithError(err).Warn("Queue status unavailable")
		return view
	}
	if status == nil {
		return view
	}

	view.QueueState = string(status.State)
	if job.Status == types.ImportStatusProcessing && status.Progress > view.Progress {
		view.Progress = min(status.Progress, 99)
	}
	return view
}
