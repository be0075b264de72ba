package database

import (
	"context"

	"github.com/krishvios/signvios/internal/database/models"
)

// PropertyRepository manages persisted configuration values.
type PropertyRepository interface {
	Get(ctx context.Context, key, scope string) (*models.Property, error)
	Set(ctx context.Context, prop *models.Property) error
	List(ctx context.Context, scope string) ([]models.Property, error)
	Delete(ctx context.Context, key, scope string) error
}

// CallHistoryRepository manages call records, including missed calls.
type CallHistoryRepository interface {
	Record(ctx context.Context, rec *models.CallRecord) error
	GetByID(ctx context.Context, id int64) (*models.CallRecord, error)
	List(ctx context.Context, limit int) ([]models.CallRecord, error)
	ListMissed(ctx context.Context, limit int) ([]models.CallRecord, error)
	LastDialed(ctx context.Context) (*models.CallRecord, error)
	CountByDirection(ctx context.Context) (map[string]int64, error)
	CountMissed(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
}

// RingGroupRepository manages the shared-endpoint ring group membership.
type RingGroupRepository interface {
	Add(ctx context.Context, m *models.RingGroupMember) error
	GetByDescription(ctx context.Context, description string) (*models.RingGroupMember, error)
	ContainsNumber(ctx context.Context, number string) (bool, error)
	List(ctx context.Context) ([]models.RingGroupMember, error)
	Delete(ctx context.Context, id int64) error
}

// AccountRepository manages the local user account.
type AccountRepository interface {
	Create(ctx context.Context, acct *models.Account) error
	Get(ctx context.Context) (*models.Account, error)
	GetByPhoneNumber(ctx context.Context, number string) (*models.Account, error)
	Update(ctx context.Context, acct *models.Account) error
	SetPorted(ctx context.Context, id int64, ported bool) error
}
