package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/veldt-labs/tokenhall/internal/domain"
	sqlitemigrate "github.com/veldt-labs/tokenhall/internal/platform/storage/sqlitemigrate"
	"github.com/veldt-labs/tokenhall/internal/storage"
	"github.com/veldt-labs/tokenhall/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for verified membership state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a membership SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// PutMembership upserts one verified membership row.
func (s *Store) PutMembership(ctx context.Context, record storage.MembershipRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeMembershipRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO memberships (
		user_id, server_id, role, token_balance_raw, holding_percentage, last_verified_at
	) VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, server_id) DO UPDATE SET
		role = excluded.role,
		token_balance_raw = excluded.token_balance_raw,
		holding_percentage = excluded.holding_percentage,
		last_verified_at = excluded.last_verified_at
	`,
		normalized.UserID,
		normalized.ServerID,
		string(normalized.Role),
		normalized.TokenBalanceRaw,
		normalized.HoldingPercentage,
		toMillis(normalized.LastVerifiedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put membership: %w", err)
	}
	return nil
}

// GetMembership loads one user/server membership row.
func (s *Store) GetMembership(ctx context.Context, userID string, serverID string) (storage.MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MembershipRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MembershipRecord{}, fmt.Errorf("storage is not configured")
	}
	userID = strings.TrimSpace(userID)
	serverID = strings.TrimSpace(serverID)
	if userID == "" {
		return storage.MembershipRecord{}, fmt.Errorf("user id is required")
	}
	if serverID == "" {
		return storage.MembershipRecord{}, fmt.Errorf("server id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT user_id, server_id, role, token_balance_raw, holding_percentage, last_verified_at
FROM memberships
WHERE user_id = ? AND server_id = ?
`, userID, serverID)
	record, err := scanMembership(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MembershipRecord{}, storage.ErrNotFound
		}
		return storage.MembershipRecord{}, fmt.Errorf("get membership: %w", err)
	}
	return record, nil
}

// ListMembershipsByServer lists all verified memberships for one server.
func (s *Store) ListMembershipsByServer(ctx context.Context, serverID string) ([]storage.MembershipRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return nil, fmt.Errorf("server id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT user_id, server_id, role, token_balance_raw, holding_percentage, last_verified_at
FROM memberships
WHERE server_id = ?
ORDER BY user_id ASC
`, serverID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var records []storage.MembershipRecord
	for rows.Next() {
		record, scanErr := scanMembership(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan membership row: %w", scanErr)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate membership rows: %w", err)
	}
	return records, nil
}

type scanner func(dest ...any) error

func normalizeMembershipRecord(record storage.MembershipRecord) (storage.MembershipRecord, error) {
	record.UserID = strings.TrimSpace(record.UserID)
	record.ServerID = strings.TrimSpace(record.ServerID)
	if record.UserID == "" {
		return storage.MembershipRecord{}, fmt.Errorf("user id is required")
	}
	if record.ServerID == "" {
		return storage.MembershipRecord{}, fmt.Errorf("server id is required")
	}
	switch record.Role {
	case domain.RoleMember, domain.RoleGuest:
	default:
		return storage.MembershipRecord{}, fmt.Errorf("role %q is invalid", record.Role)
	}
	if record.TokenBalanceRaw < 0 {
		return storage.MembershipRecord{}, fmt.Errorf("token balance must be non-negative")
	}
	if record.LastVerifiedAt.IsZero() {
		return storage.MembershipRecord{}, fmt.Errorf("last verified at is required")
	}
	record.LastVerifiedAt = record.LastVerifiedAt.UTC()
	return record, nil
}

func scanMembership(scan scanner) (storage.MembershipRecord, error) {
	var record storage.MembershipRecord
	var role string
	var lastVerifiedAt int64
	if err := scan(
		&record.UserID,
		&record.ServerID,
		&role,
		&record.TokenBalanceRaw,
		&record.HoldingPercentage,
		&lastVerifiedAt,
	); err != nil {
		return storage.MembershipRecord{}, err
	}
	record.Role = domain.Role(role)
	record.LastVerifiedAt = fromMillis(lastVerifiedAt)
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}
