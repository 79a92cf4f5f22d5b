package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/loginrelay/loginrelay/pkg/oidc"
	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"
)

const usersSchema = `
CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	provider     TEXT NOT NULL,
	subject      TEXT NOT NULL,
	email        TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	avatar_url   TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	UNIQUE (provider, subject)
);
`

type sqliteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (and if necessary initializes) a SQLite-backed
// user store. WAL mode and a busy timeout keep concurrent logins from
// tripping over the single-writer lock.
func OpenSQLiteStore(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if _, err := db.Exec(usersSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply users schema: %w", err)
	}

	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) LookupOrCreate(ctx context.Context, profile *oidc.UserProfile) (*User, error) {
	// the unique (provider, subject) index makes the upsert race-free:
	// a concurrent first login of the same identity resolves to the row
	// the winner inserted
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, provider, subject, email, display_name, avatar_url, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, subject) DO UPDATE SET
			email = excluded.email,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url`,
		ksuid.New().String(),
		profile.Provider,
		profile.Subject,
		profile.Email,
		profile.DisplayName,
		profile.AvatarURL,
		DefaultRole,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}

	return s.getUser(ctx, "provider = ? AND subject = ?", profile.Provider, profile.Subject)
}

func (s *sqliteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *sqliteStore) getUser(ctx context.Context, where string, args ...any) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, subject, email, display_name, avatar_url, role, created_at
		FROM users WHERE `+where, args...)

	var user User
	var createdAt int64
	err := row.Scan(&user.ID, &user.Provider, &user.Subject, &user.Email,
		&user.DisplayName, &user.AvatarURL, &user.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}
	user.CreatedAt = time.Unix(createdAt, 0).UTC()

	return &user, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
