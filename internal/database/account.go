package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krishvios/signvios/internal/database/models"
)

// accountRepo implements AccountRepository.
type accountRepo struct {
	db *DB
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db *DB) AccountRepository {
	return &accountRepo{db: db}
}

const accountColumns = `id, phone_number, display_name, pin_hash, ported, created_at, updated_at`

// Create inserts the local account.
func (r *accountRepo) Create(ctx context.Context, acct *models.Account) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO accounts (phone_number, display_name, pin_hash, ported, created_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))`,
		acct.PhoneNumber, acct.DisplayName, acct.PINHash, acct.Ported,
	)
	if err != nil {
		return fmt.Errorf("inserting account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	acct.ID = id
	return nil
}

// Get returns the provisioned account. An endpoint has at most one.
func (r *accountRepo) Get(ctx context.Context) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY id LIMIT 1`))
}

// GetByPhoneNumber returns the account registered for the number.
func (r *accountRepo) GetByPhoneNumber(ctx context.Context, number string) (*models.Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE phone_number = ?`, number))
}

// Update modifies the account.
func (r *accountRepo) Update(ctx context.Context, acct *models.Account) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET phone_number = ?, display_name = ?, pin_hash = ?,
		 ported = ?, updated_at = datetime('now') WHERE id = ?`,
		acct.PhoneNumber, acct.DisplayName, acct.PINHash, acct.Ported, acct.ID,
	)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return nil
}

// SetPorted flips the ported flag without touching the rest of the row.
func (r *accountRepo) SetPorted(ctx context.Context, id int64, ported bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET ported = ?, updated_at = datetime('now') WHERE id = ?`,
		ported, id,
	)
	if err != nil {
		return fmt.Errorf("updating ported flag: %w", err)
	}
	return nil
}

func (r *accountRepo) scanOne(row *sql.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.PhoneNumber, &a.DisplayName, &a.PINHash,
		&a.Ported, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account: %w", err)
	}
	return &a, nil
}
