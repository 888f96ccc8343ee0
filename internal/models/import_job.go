package models

import (
	"math"
	"time"

	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/types"
)

// ColumnMapping assigns semantic roles to CSV column headers.
// Date and Amount are required, everything else is optional.
type ColumnMapping struct {
	Date        string `json:"date"`
	Amount      string `json:"amount"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
	Category    string `json:"category,omitempty"`
	Account     string `json:"account,omitempty"`
}

// Validate checks that the required roles are assigned
func (m ColumnMapping) Validate() error {
	if m.Date == "" {
		return errors.NewInvalidMappingError("date")
	}
	if m.Amount == "" {
		return errors.NewInvalidMappingError("amount")
	}
	return nil
}

// RowErrorDetail records why a single CSV row was rejected.
// Row is 1-based and counts the header as row 1.
type RowErrorDetail struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// ImportCounters are the progress counters persisted at each checkpoint
type ImportCounters struct {
	ProcessedRows int `json:"processedRows"`
	SuccessRows   int `json:"successRows"`
	ErrorRows     int `json:"errorRows"`
}

// ImportResult is returned by the worker when a job completes
type ImportResult struct {
	SuccessRows int `json:"successRows"`
	ErrorRows   int `json:"errorRows"`
	TotalRows   int `json:"totalRows"`
}

// ImportJob represents an import job in the database (one per submitted file)
type ImportJob struct {
	ID            string             `json:"id" db:"id"`
	UserID        string             `json:"userId" db:"user_id"`
	Filename      string             `json:"filename" db:"filename"`
	Status        types.ImportStatus `json:"status" db:"status"`
	Mapping       ColumnMapping      `json:"mapping" db:"mapping"`
	TotalRows     int                `json:"totalRows" db:"total_rows"`
	ProcessedRows int                `json:"processedRows" db:"processed_rows"`
	SuccessRows   int                `json:"successRows" db:"success_rows"`
	ErrorRows     int                `json:"errorRows" db:"error_rows"`
	ErrorDetails  []RowErrorDetail   `json:"errorDetails" db:"error_details"`
	ErrorOverflow int                `json:"errorOverflow" db:"error_overflow"`
	ErrorMessage  *string            `json:"errorMessage,omitempty" db:"error_message"`
	Attempts      int                `json:"attempts" db:"attempts"`
	CreatedAt     time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time          `json:"updatedAt" db:"updated_at"`
	StartedAt     *time.Time         `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt   *time.Time         `json:"completedAt,omitempty" db:"completed_at"`
}

// Progress returns round(processedRows / totalRows * 100), 0 when totalRows is unknown.
// Only a COMPLETED job reports 100.
func (j *ImportJob) Progress() int {
	if j.Status == types.ImportStatusCompleted {
		return 100
	}
	return min(Percent(j.ProcessedRows, j.TotalRows), 99)
}

// Percent rounds processed/total to a whole percentage clamped to [0, 100]
func Percent(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}
	p := int(math.Round(float64(processed) / float64(total) * 100))
	if p > 100 {
		return 100
	}
	return p
}

// ImportJobView is the single status read model handed to callers.
// It merges the durable record with the queue's delivery state.
type ImportJobView struct {
	ImportJob
	Progress   int    `json:"progress"`
	QueueState string `json:"queueState,omitempty"`
}
