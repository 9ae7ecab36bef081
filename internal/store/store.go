// Package store is the context and side-effect store: durable storage for
// conversation turns, reminders, vault items, media entries, and metrics,
// presented as a small synchronous API to the pipeline coordinator.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/argon2"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Argon2Params configures the memory-hard password verifier used for vault
// master-password checks. Defaults mirror the source system's parameters.
type Argon2Params struct {
	TimeCost    uint32
	MemoryKiB   uint32
	Parallelism uint8
}

// DefaultArgon2Params returns the source system's defaults.
func DefaultArgon2Params() Argon2Params {
	return Argon2Params{TimeCost: 3, MemoryKiB: 65536, Parallelism: 4}
}

// Store serializes every write behind a single mutex, matching the
// exclusive-writer discipline the coordinator expects: reads observe the
// effect of every previously-returned write.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	argon2 Argon2Params
	seq    atomic.Int64
}

// Open connects to (and, if necessary, creates) a single-file embedded
// database at path, applies pending migrations, and returns a ready Store.
// encryptionKey is opaque to the store: a non-empty key is accepted (the core
// never inspects it) but this build's sqlite3 driver has no at-rest cipher, so
// a warning is logged that it is ignored, and the key is otherwise unused. A SQLCipher-linked driver build would
// thread it into the DSN's "_key" parameter here.
func Open(path string, params Argon2Params, encryptionKey string) (*Store, error) {
	if encryptionKey != "" {
		slog.Warn("store: database_encryption_key set but this build has no at-rest cipher; ignoring")
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; sqlite has no real concurrent writers anyway

	if err := migrateSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db, argon2: params}, nil
}

func migrateSchema(db *sql.DB) error {
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureUser(tx *sql.Tx, userID string) error {
	_, err := tx.Exec(`INSERT OR IGNORE INTO users (id) VALUES (?)`, userID)
	return err
}

// GetContext returns the newest `limit` turns for userID in chronological
// order (oldest first).
func (s *Store) GetContext(userID string, limit int) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT user_id, COALESCE(session_id, ''), role, content, timestamp
		FROM (
			SELECT * FROM messages WHERE user_id = ? ORDER BY timestamp DESC, seq DESC LIMIT ?
		) ORDER BY timestamp ASC, seq ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: get context: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var role string
		if err := rows.Scan(&t.UserID, &t.SessionID, &role, &t.Content, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Role = Role(role)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// AppendTurn appends one conversation turn, atomically and timestamp-ordered.
func (s *Store) AppendTurn(userID string, role Role, content, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(tx, userID); err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}

	seq := s.seq.Add(1)
	_, err = tx.Exec(
		`INSERT INTO messages (user_id, session_id, role, content, timestamp, seq) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, nullIfEmpty(sessionID), string(role), content, time.Now().UTC(), seq,
	)
	if err != nil {
		return fmt.Errorf("store: append turn: %w", err)
	}
	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ClearContext deletes all conversation turns for userID.
func (s *Store) ClearContext(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM messages WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("store: clear context: %w", err)
	}
	return nil
}

// PruneOldTurns deletes conversation turns older than the given number of days.
func (s *Store) PruneOldTurns(days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	res, err := s.db.Exec(`DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: prune turns: %w", err)
	}
	return res.RowsAffected()
}

// CreateReminder inserts a reminder and returns its id.
func (s *Store) CreateReminder(userID, title string, dueDate time.Time, description, recurring string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: create reminder: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(tx, userID); err != nil {
		return 0, fmt.Errorf("store: create reminder: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO reminders (user_id, title, description, due_date, recurring) VALUES (?, ?, ?, ?, ?)`,
		userID, title, nullIfEmpty(description), dueDate.UTC(), nullIfEmpty(recurring),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create reminder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListActiveReminders returns incomplete reminders for userID ordered by due date ascending.
func (s *Store) ListActiveReminders(userID string) ([]Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, title, COALESCE(description, ''), due_date, COALESCE(recurring, ''), completed, completed_at
		FROM reminders WHERE user_id = ? AND completed = 0 ORDER BY due_date ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var r Reminder
		var completed int
		var completedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &r.DueDate, &r.Recurring, &completed, &completedAt); err != nil {
			return nil, err
		}
		r.Completed = completed != 0
		if completedAt.Valid {
			r.CompletedAt = &completedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompleteReminder marks a reminder completed and stamps completed_at.
func (s *Store) CompleteReminder(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`UPDATE reminders SET completed = 1, completed_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("store: complete reminder: %w", err)
	}
	return nil
}

// StoreVaultItem inserts a vault item; content is stored verbatim and never inspected.
func (s *Store) StoreVaultItem(userID, title string, content []byte, category string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: store vault item: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(tx, userID); err != nil {
		return 0, fmt.Errorf("store: store vault item: %w", err)
	}

	if category == "" {
		category = "note"
	}
	now := time.Now().UTC()
	res, err := tx.Exec(
		`INSERT INTO vault_items (user_id, title, category, content, created_at, modified_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, title, category, content, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("store: store vault item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListVaultItems returns a user's vault items, optionally filtered by
// category, ordered by modified_at descending.
func (s *Store) ListVaultItems(userID, category string) ([]VaultItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, user_id, title, category, content, created_at, modified_at FROM vault_items WHERE user_id = ?`
	args := []any{userID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY modified_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list vault items: %w", err)
	}
	defer rows.Close()

	var out []VaultItem
	for rows.Next() {
		var v VaultItem
		if err := rows.Scan(&v.ID, &v.UserID, &v.Title, &v.Category, &v.Content, &v.CreatedAt, &v.ModifiedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// AddMediaItem inserts a media library entry.
func (s *Store) AddMediaItem(userID, title, mediaType, filePath string, durationSeconds *float64, artist, album string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("store: add media item: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureUser(tx, userID); err != nil {
		return 0, fmt.Errorf("store: add media item: %w", err)
	}

	res, err := tx.Exec(
		`INSERT INTO media_items (user_id, title, media_type, file_path, duration_seconds, artist, album) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, title, mediaType, filePath, durationSeconds, nullIfEmpty(artist), nullIfEmpty(album),
	)
	if err != nil {
		return 0, fmt.Errorf("store: add media item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMediaItems returns a user's media library, optionally filtered by type.
func (s *Store) ListMediaItems(userID, mediaType string) ([]MediaItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, user_id, title, media_type, file_path, duration_seconds, COALESCE(artist, ''), COALESCE(album, '') FROM media_items WHERE user_id = ?`
	args := []any{userID}
	if mediaType != "" {
		query += ` AND media_type = ?`
		args = append(args, mediaType)
	}
	query += ` ORDER BY title ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list media items: %w", err)
	}
	defer rows.Close()

	var out []MediaItem
	for rows.Next() {
		var m MediaItem
		var duration sql.NullFloat64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Title, &m.MediaType, &m.FilePath, &duration, &m.Artist, &m.Album); err != nil {
			return nil, err
		}
		if duration.Valid {
			m.DurationSeconds = &duration.Float64
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LogMetric appends a metric row; metadata is marshaled to JSON if present.
func (s *Store) LogMetric(kind string, value float64, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metaJSON any
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("store: log metric: %w", err)
		}
		metaJSON = string(data)
	}
	_, err := s.db.Exec(
		`INSERT INTO metrics (kind, value, metadata, recorded_at) VALUES (?, ?, ?, ?)`,
		kind, value, metaJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: log metric: %w", err)
	}
	return nil
}

// HashPassword derives an Argon2id verifier string encoding the salt and
// parameters alongside the digest.
func (s *Store) HashPassword(plain string) (string, error) {
	salt := make([]byte, 16)
	if _, err := randRead(salt); err != nil {
		return "", fmt.Errorf("store: hash password: %w", err)
	}
	return encodeArgon2(plain, salt, s.argon2), nil
}

// VerifyPassword checks plain against a verifier produced by HashPassword.
func (s *Store) VerifyPassword(verifier, plain string) bool {
	params, salt, digest, err := decodeArgon2(verifier)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(plain), salt, params.TimeCost, params.MemoryKiB, params.Parallelism, uint32(len(digest)))
	return constantTimeEqual(candidate, digest)
}
