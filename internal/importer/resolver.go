package importer

import (
	stderrors "errors"
	"strings"

	"github.com/finance-importer/internal/models"
)

// ErrNoActiveAccounts is returned when a user has no account to import into
var ErrNoActiveAccounts = stderrors.New("no active accounts")

// Resolver maps account and category names from CSV cells to ids.
// It is built once per job and is read-only afterwards.
type Resolver struct {
	accounts        map[string]string
	categories      map[string]string
	fallbackAccount string
}

// NewResolver indexes active accounts and categories by lower-cased name.
// The first account in listing order is the fallback for unresolved rows.
func NewResolver(accounts []models.Account, categories []models.Category) (*Resolver, error) {
	r := &Resolver{
		accounts:   make(map[string]string, len(accounts)),
		categories: make(map[string]string, len(categories)),
	}

	for _, a := range accounts {
		if !a.IsActive {
			continue
		}
		if r.fallbackAccount == "" {
			r.fallbackAccount = a.ID
		}
		key := nameKey(a.Name)
		if _, exists := r.accounts[key]; !exists {
			r.accounts[key] = a.ID
		}
	}
	if r.fallbackAccount == "" {
		return nil, ErrNoActiveAccounts
	}

	for _, c := range categories {
		if !c.IsActive {
			continue
		}
		key := nameKey(c.Name)
		if _, exists := r.categories[key]; !exists {
			r.categories[key] = c.ID
		}
	}

	return r, nil
}

// ResolveAccount never fails: unknown or empty names fall back to the first active account
func (r *Resolver) ResolveAccount(name string) string {
	if id, ok := r.accounts[nameKey(name)]; ok && name != "" {
		return id
	}
	return r.fallbackAccount
}

// ResolveCategory returns nil for empty or unknown names
func (r *Resolver) ResolveCategory(name string) *string {
	if name == "" {
		return nil
	}
	if id, ok := r.categories[nameKey(name)]; ok {
		return &id
	}
	return nil
}

// FallbackAccount returns the id used for rows without a matching account
func (r *Resolver) FallbackAccount() string {
	return r.fallbackAccount
}

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
