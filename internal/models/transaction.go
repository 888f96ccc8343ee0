package models

import (
	"time"

	"github.com/finance-importer/internal/types"
	"github.com/shopspring/decimal"
)

// Transaction represents a financial transaction created from one imported row
type Transaction struct {
	ID            string                `json:"id" db:"id"`
	UserID        string                `json:"userId" db:"user_id"`
	AccountID     string                `json:"accountId" db:"account_id"`
	CategoryID    *string               `json:"categoryId,omitempty" db:"category_id"`
	Type          types.TransactionType `json:"type" db:"type"`
	Amount        decimal.Decimal       `json:"amount" db:"amount"`
	Description   string                `json:"description" db:"description"`
	Date          time.Time             `json:"date" db:"date"`
	PaymentMethod types.PaymentMethod   `json:"paymentMethod" db:"payment_method"`
	ImportJobID   *string               `json:"importJobId,omitempty" db:"import_job_id"`
	ImportRow     *int                  `json:"importRow,omitempty" db:"import_row"`
	CreatedAt     time.Time             `json:"createdAt" db:"created_at"`
}
