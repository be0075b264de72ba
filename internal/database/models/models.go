// Package models defines the database row types.
package models

import "time"

// Property is one persisted configuration value. Scope separates
// user-level from system-level values for the same key.
type Property struct {
	Key       string
	Scope     string
	Type      string
	Value     string
	UpdatedAt time.Time
}

// Property scopes.
const (
	ScopeSystem = "system"
	ScopeUser   = "user"
)

// CallRecord is one entry in the call history, including missed calls
// recorded on behalf of an unreachable callee.
type CallRecord struct {
	ID         int64
	Direction  string // "incoming" or "outgoing"
	DialString string
	RemoteName string
	Method     string
	Result     string
	DialSource string
	Missed     bool
	StartedAt  time.Time
	EndedAt    time.Time
}

// RingGroupMember is one number in the shared-endpoint ring group, with the
// human description it can be dialed by.
type RingGroupMember struct {
	ID          int64
	Description string
	Number      string
	Position    int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Account is the local user account; the PIN hash backs port-back login.
type Account struct {
	ID          int64
	PhoneNumber string
	DisplayName string
	PINHash     string
	Ported      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
