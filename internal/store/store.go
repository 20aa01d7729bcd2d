// Package store persists users and devices in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrEmailTaken  = errors.New("email already registered")
	ErrDeviceOwned = errors.New("device id registered to another user")
)

// User is an account row.
type User struct {
	ID             int64
	Email          string
	HashedPassword string
	CreatedAt      time.Time
}

// Device is a registered endpoint. Pubkey is stored verbatim and never
// verified. LastSeen is nil until the device first connects.
type Device struct {
	ID        string     `json:"id"`
	UserID    int64      `json:"user_id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the database at path. ":memory:" is accepted for
// tests.
func New(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close database after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT UNIQUE NOT NULL,
	hashed_password TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	pubkey TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	last_seen TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_devices_user_id ON devices(user_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateUser inserts a new account. Returns ErrEmailTaken when the email is
// already registered.
func (s *Store) CreateUser(ctx context.Context, email, hashedPassword string) (*User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, hashed_password) VALUES (?, ?)`,
		email, hashedPassword)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create user id: %w", err)
	}
	return s.getUser(ctx, `id = ?`, id)
}

// GetUserByEmail looks up an account by email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, `email = ?`, email)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*User, error) {
	u := &User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, hashed_password, created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &u.HashedPassword, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UpsertDevice registers a device for a user. Re-registration by the same
// owner updates the pubkey and last_seen and succeeds; a device id owned by
// another user returns ErrDeviceOwned.
func (s *Store) UpsertDevice(ctx context.Context, deviceID string, userID int64, pubkey string) (*Device, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("upsert device: %w", err)
	}
	defer tx.Rollback()

	var owner int64
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM devices WHERE id = ?`, deviceID).Scan(&owner)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO devices (id, user_id, pubkey, last_seen) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
			deviceID, userID, pubkey)
		if err != nil {
			return nil, fmt.Errorf("insert device: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("check device owner: %w", err)
	case owner != userID:
		return nil, ErrDeviceOwned
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE devices SET pubkey = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?`,
			pubkey, deviceID)
		if err != nil {
			return nil, fmt.Errorf("update device: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("upsert device commit: %w", err)
	}
	return s.GetDevice(ctx, deviceID)
}

// GetDevice looks up a device by id.
func (s *Store) GetDevice(ctx context.Context, deviceID string) (*Device, error) {
	d := &Device{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, pubkey, created_at, last_seen FROM devices WHERE id = ?`, deviceID).
		Scan(&d.ID, &d.UserID, &d.Pubkey, &d.CreatedAt, &d.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices owned by a user, newest first.
func (s *Store) ListDevices(ctx context.Context, userID int64) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, pubkey, created_at, last_seen FROM devices
		 WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.ID, &d.UserID, &d.Pubkey, &d.CreatedAt, &d.LastSeen); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// TouchDevice records that a device connected to signaling.
func (s *Store) TouchDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = CURRENT_TIMESTAMP WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
