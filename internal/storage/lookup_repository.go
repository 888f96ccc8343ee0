package storage

import (
	"context"

	"github.com/finance-importer/internal/errors"
	"github.com/finance-importer/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LookupRepository reads the accounts and categories an import resolves names against
type LookupRepository struct {
	pool *pgxpool.Pool
}

// NewLookupRepository creates a new lookup repository
func NewLookupRepository(pool *pgxpool.Pool) *LookupRepository {
	return &LookupRepository{pool: pool}
}

// ListActiveAccounts returns the user's active accounts in creation order
func (r *LookupRepository) ListActiveAccounts(ctx context.Context, userID string) ([]models.Account, error) {
	query := `
		SELECT id, user_id, name, type, is_active, created_at
		FROM finance_accounts
		WHERE user_id = $1 AND is_active
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.NewDatabaseError("list accounts", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Name, &a.Type, &a.IsActive, &a.CreatedAt); err != nil {
			return nil, errors.NewDatabaseError("list accounts", err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("list accounts", err)
	}
	return accounts, nil
}

// ListActiveCategories returns the user's active categories in creation order
func (r *LookupRepository) ListActiveCategories(ctx context.Context, userID string) ([]models.Category, error) {
	query := `
		SELECT id, user_id, name, type, is_active, created_at
		FROM categories
		WHERE user_id = $1 AND is_active
		ORDER BY created_at, id
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, errors.NewDatabaseError("list categories", err)
	}
	defer rows.Close()

	var categories []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Type, &c.IsActive, &c.CreatedAt); err != nil {
			return nil, errors.NewDatabaseError("list categories", err)
		}
		categories = append(categories, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("list categories", err)
	}
	return categories, nil
}
