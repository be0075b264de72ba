package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krishvios/signvios/internal/database/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("database: not found")

// propertyRepo implements PropertyRepository.
type propertyRepo struct {
	db *DB
}

// NewPropertyRepository creates a new PropertyRepository.
func NewPropertyRepository(db *DB) PropertyRepository {
	return &propertyRepo{db: db}
}

// Get returns one property by key and scope.
func (r *propertyRepo) Get(ctx context.Context, key, scope string) (*models.Property, error) {
	var p models.Property
	err := r.db.QueryRowContext(ctx,
		`SELECT key, scope, type, value, updated_at
		 FROM properties WHERE key = ? AND scope = ?`, key, scope,
	).Scan(&p.Key, &p.Scope, &p.Type, &p.Value, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying property %s/%s: %w", scope, key, err)
	}
	return &p, nil
}

// Set inserts or replaces a property value.
func (r *propertyRepo) Set(ctx context.Context, prop *models.Property) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO properties (key, scope, type, value, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT (key, scope) DO UPDATE SET
		   type = excluded.type, value = excluded.value, updated_at = datetime('now')`,
		prop.Key, prop.Scope, prop.Type, prop.Value,
	)
	if err != nil {
		return fmt.Errorf("upserting property %s/%s: %w", prop.Scope, prop.Key, err)
	}
	return nil
}

// List returns all properties in a scope ordered by key.
func (r *propertyRepo) List(ctx context.Context, scope string) ([]models.Property, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, scope, type, value, updated_at
		 FROM properties WHERE scope = ? ORDER BY key`, scope)
	if err != nil {
		return nil, fmt.Errorf("querying properties: %w", err)
	}
	defer rows.Close()

	var props []models.Property
	for rows.Next() {
		var p models.Property
		if err := rows.Scan(&p.Key, &p.Scope, &p.Type, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning property row: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// Delete removes a property.
func (r *propertyRepo) Delete(ctx context.Context, key, scope string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM properties WHERE key = ? AND scope = ?`, key, scope)
	if err != nil {
		return fmt.Errorf("deleting property %s/%s: %w", scope, key, err)
	}
	return nil
}
