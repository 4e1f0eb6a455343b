// Package postgres provides PostgreSQL implementations of the identity and
// friendship stores. Column names follow the existing camel-cased schema, so
// they are always quoted.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/illmade-knight/go-nowplaying/pkg/presence"
	"github.com/illmade-knight/go-nowplaying/pkg/storage"

	// Register the "postgres" database/sql driver.
	_ "github.com/lib/pq"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const (
	colAccessToken = `"accessToken"`
	colDisplayName = `"displayName"`
	colAvatarURL   = `"avatarUrl"`
	colUpdatedAt   = `"updatedAt"`
	colUserID      = `"userId"`
	colFriendID    = `"friendId"`

	statusAccepted = "accepted"
)

var (
	_ storage.IdentityStore   = (*IdentityStore)(nil)
	_ storage.FriendshipStore = (*FriendshipStore)(nil)
)

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to dsn and verifies the connection with a ping.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}

// IdentityStore implements storage.IdentityStore over the users table.
type IdentityStore struct {
	db *sql.DB
}

// NewIdentityStore creates a new IdentityStore.
func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// UsersWithToken returns every user holding a provider access token.
func (s *IdentityStore) UsersWithToken(ctx context.Context) ([]storage.Account, error) {
	query, args, err := psq.Select("id", colAccessToken, colDisplayName, colAvatarURL).
		From("users").
		Where(sq.NotEq{colAccessToken: nil}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users with token: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []storage.Account
	for rows.Next() {
		var (
			a           storage.Account
			displayName sql.NullString
			avatarURL   sql.NullString
		)
		if err := rows.Scan(&a.UserID, &a.AccessToken, &displayName, &avatarURL); err != nil {
			return nil, fmt.Errorf("scanning user row: %w", err)
		}
		a.Profile = presence.Profile{DisplayName: displayName.String, AvatarURL: avatarURL.String}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return accounts, nil
}

// UpdateProfile overwrites the denormalised display name and avatar.
func (s *IdentityStore) UpdateProfile(ctx context.Context, userID string, profile presence.Profile) error {
	query, args, err := psq.Update("users").
		Set(colDisplayName, profile.DisplayName).
		Set(colAvatarURL, nullString(profile.AvatarURL)).
		Set(colUpdatedAt, sq.Expr("NOW()")).
		Where(sq.Eq{"id": userID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("building profile update: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking profile update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrUserNotFound, userID)
	}
	return nil
}

// FriendshipStore implements storage.FriendshipStore over the friends table.
type FriendshipStore struct {
	db *sql.DB
}

// NewFriendshipStore creates a new FriendshipStore.
func NewFriendshipStore(db *sql.DB) *FriendshipStore {
	return &FriendshipStore{db: db}
}

// FriendsOf returns the ids of userID's accepted friends.
func (s *FriendshipStore) FriendsOf(ctx context.Context, userID string) ([]string, error) {
	query, args, err := psq.Select(colFriendID).
		From("friends").
		Where(sq.Eq{colUserID: userID, "status": statusAccepted}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building friends query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying friends: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning friend row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating friend rows: %w", err)
	}
	return ids, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
