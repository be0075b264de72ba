package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krishvios/signvios/internal/database/models"
)

// ringGroupRepo implements RingGroupRepository.
type ringGroupRepo struct {
	db *DB
}

// NewRingGroupRepository creates a new RingGroupRepository.
func NewRingGroupRepository(db *DB) RingGroupRepository {
	return &ringGroupRepo{db: db}
}

// Add inserts a ring group member.
func (r *ringGroupRepo) Add(ctx context.Context, m *models.RingGroupMember) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO ring_group_members (description, number, position, created_at, updated_at)
		 VALUES (?, ?, ?, datetime('now'), datetime('now'))`,
		m.Description, m.Number, m.Position,
	)
	if err != nil {
		return fmt.Errorf("inserting ring group member: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	m.ID = id
	return nil
}

// GetByDescription returns the member whose description matches exactly.
func (r *ringGroupRepo) GetByDescription(ctx context.Context, description string) (*models.RingGroupMember, error) {
	var m models.RingGroupMember
	err := r.db.QueryRowContext(ctx,
		`SELECT id, description, number, position, created_at, updated_at
		 FROM ring_group_members WHERE description = ?`, description,
	).Scan(&m.ID, &m.Description, &m.Number, &m.Position, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ring group member: %w", err)
	}
	return &m, nil
}

// ContainsNumber reports whether the number belongs to the ring group.
func (r *ringGroupRepo) ContainsNumber(ctx context.Context, number string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ring_group_members WHERE number = ?`, number,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("querying ring group membership: %w", err)
	}
	return count > 0, nil
}

// List returns all members ordered by position.
func (r *ringGroupRepo) List(ctx context.Context) ([]models.RingGroupMember, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, description, number, position, created_at, updated_at
		 FROM ring_group_members ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("querying ring group members: %w", err)
	}
	defer rows.Close()

	var members []models.RingGroupMember
	for rows.Next() {
		var m models.RingGroupMember
		if err := rows.Scan(&m.ID, &m.Description, &m.Number, &m.Position,
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning ring group member row: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Delete removes a member.
func (r *ringGroupRepo) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM ring_group_members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting ring group member: %w", err)
	}
	return nil
}
