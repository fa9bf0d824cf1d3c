// Package storage defines persistence contracts for verified membership
// state.
//
// The engine persists evaluated roles so a restarted host process sees the
// last verified standing before the first oracle round-trip completes.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/veldt-labs/tokenhall/internal/domain"
)

// ErrNotFound indicates a requested membership record is missing.
var ErrNotFound = errors.New("record not found")

// ErrConflict indicates a uniqueness-constrained record already exists.
var ErrConflict = errors.New("record already exists")

// MembershipRecord stores one verified user/server standing.
type MembershipRecord struct {
	UserID            string
	ServerID          string
	Role              domain.Role
	TokenBalanceRaw   int64
	HoldingPercentage float64
	LastVerifiedAt    time.Time
}

// MembershipStore persists token-verified membership records.
type MembershipStore interface {
	PutMembership(ctx context.Context, record MembershipRecord) error
	GetMembership(ctx context.Context, userID string, serverID string) (MembershipRecord, error)
	ListMembershipsByServer(ctx context.Context, serverID string) ([]MembershipRecord, error)
	Close() error
}
