// Package types provides common type definitions for the finance importer.
package types

// ImportStatus represents the lifecycle state of an import job
type ImportStatus string

const (
	// ImportStatusPending is set when the job is created, before a worker picks it up
	ImportStatusPending ImportStatus = "PENDING"
	// ImportStatusProcessing is set by the worker immediately on dequeue
	ImportStatusProcessing ImportStatus = "PROCESSING"
	// ImportStatusCompleted is set once every row has been attempted
	ImportStatusCompleted ImportStatus = "COMPLETED"
	// ImportStatusFailed is set when the pipeline itself fails before finishing the sweep
	ImportStatusFailed ImportStatus = "FAILED"
)

// IsValid reports whether s is a known import status
func (s ImportStatus) IsValid() bool {
	switch s {
	case ImportStatusPending, ImportStatusProcessing, ImportStatusCompleted, ImportStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether s is absorbing (COMPLETED or FAILED)
func (s ImportStatus) IsTerminal() bool {
	return s == ImportStatusCompleted || s == ImportStatusFailed
}

// CanTransitionTo reports whether the state machine allows moving from s to next.
// PROCESSING -> PROCESSING is allowed so a redelivered job can be picked up again.
func (s ImportStatus) CanTransitionTo(next ImportStatus) bool {
	switch s {
	case ImportStatusPending:
		return next == ImportStatusProcessing || next == ImportStatusFailed
	case ImportStatusProcessing:
		return next == ImportStatusProcessing || next == ImportStatusCompleted || next == ImportStatusFailed
	default:
		return false
	}
}

// TransactionType represents the direction of a transaction
type TransactionType string

const (
	// TransactionIncome is money coming into an account
	TransactionIncome TransactionType = "INCOME"
	// TransactionExpense is money leaving an account
	TransactionExpense TransactionType = "EXPENSE"
	// TransactionAdjustment is a manual balance correction (never produced by import)
	TransactionAdjustment TransactionType = "ADJUSTMENT"
)

// PaymentMethod represents how a transaction was paid
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentDebit    PaymentMethod = "DEBIT_CARD"
	PaymentCredit   PaymentMethod = "CREDIT_CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
	// PaymentOther is used for every imported row
	PaymentOther PaymentMethod = "OTHER"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
