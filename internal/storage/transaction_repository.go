package storage

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionRepository persists transactions created by imports
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// CreateImported inserts one imported transaction. (import_job_id, import_row) is an
// idempotency key: replaying a row that was already stored is a no-op and reports false.
// Integrity violations come back as CONSTRAINT_VIOLATION errors, other failures as database errors.
func (r *TransactionRepository) CreateImported(ctx context.Context, tx *models.Transaction) (bool, error) {
	query := `
		INSERT INTO transactions (
			id, user_id, account_id, category_id, type, amount, description,
			date, payment_method, import_job_id, import_row, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (import_job_id, import_row) WHERE import_job_id IS NOT NULL DO NOTHING
	`

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	result, err := r.pool.Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.AccountID,
		tx.CategoryID,
		tx.Type,
		tx.Amount,
		tx.Description,
		tx.Date,
		tx.PaymentMethod,
		tx.ImportJobID,
		tx.ImportRow,
		tx.CreatedAt,
	)
	if err != nil {
		return false, classifyWriteError("create transaction", err)
	}
	return result.RowsAffected() > 0, nil
}

// CountByImportJob returns how many transactions a job has created
func (r *TransactionRepository) CountByImportJob(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE import_job_id = $1`, jobID).Scan(&count)
	if err != nil {
		return 0, errors.NewDatabaseError("count imported transactions", err)
	}
	return count, nil
}

// ListByImportJob returns a job's transactions in file order
func (r *TransactionRepository) ListByImportJob(ctx context.Context, jobID string) ([]*models.Transaction, error) {
	query := `
		SELECT id, user_id, account_id, category_id, type, amount, description,
			date, payment_method, import_job_id, import_row, created_at
		FROM transactions
		WHERE import_job_id = $1
		ORDER BY import_row
	`

	rows, err := r.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, errors.NewDatabaseError("list imported transactions", err)
	}
	defer rows.Close()

	var txs []*models.Transaction
	for rows.Next() {
		var tx models.Transaction
		if err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.AccountID,
			&tx.CategoryID,
			&tx.Type,
			&tx.Amount,
			&tx.Description,
			&tx.Date,
			&tx.PaymentMethod,
			&tx.ImportJobID,
			&tx.ImportRow,
			&tx.CreatedAt,
		); err != nil {
			return nil, errors.NewDatabaseError("list imported transactions", err)
		}
		txs = append(txs, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("list imported transactions", err)
	}
	return txs, nil
}

// classifyWriteError separates bad row data (SQLSTATE class 22 and 23) from transient failures
func classifyWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !stderrors.As(err, &pgErr) {
		return errors.NewDatabaseError(op, err)
	}
	switch {
	case strings.HasPrefix(pgErr.Code, "23"):
		return errors.NewConstraintError(pgErr.ConstraintName, err)
	case strings.HasPrefix(pgErr.Code, "22"):
		return errors.NewConstraintError(pgErr.Code, err)
	}
	return errors.NewDatabaseError(op, err)
}
