package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/nmoreau/plaza.space/internal/platform/id"
	sqlitemigrate "github.com/nmoreau/plaza.space/internal/platform/storage/sqlitemigrate"
	"github.com/nmoreau/plaza.space/internal/services/plaza/storage"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nmoreau/plaza.space/internal/services/plaza/storage/sqlite/migrations"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Store implements the plaza persistence gateway over SQLite.
//
// A single SQLite file backs users, rooms, and messages so room resolution
// and message appends share the same transaction and visibility boundaries.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a plaza SQLite store and applies bundled migrations.
//
// This keeps startup and schema evolution in one place, instead of requiring
// callers to coordinate migrations independently.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}

	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetOrCreateUser resolves a user by username, creating it when absent.
//
// A concurrent create that hits the username uniqueness constraint resolves
// by re-fetching the winning row instead of failing.
func (s *Store) GetOrCreateUser(ctx context.Context, username string) (storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.User{}, fmt.Errorf("username is required")
	}

	user, err := s.getUserByUsername(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, err
	}

	userID, err := id.NewID()
	if err != nil {
		return storage.User{}, fmt.Errorf("generate user id: %w", err)
	}
	createdAt := time.Now().UTC()

	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO users (id, username, created_at) VALUES (?, ?, ?)",
		userID, username, toMillis(createdAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return s.getUserByUsername(ctx, username)
		}
		return storage.User{}, fmt.Errorf("insert user %s: %w", username, err)
	}

	return storage.User{ID: userID, Username: username, CreatedAt: fromMillis(toMillis(createdAt))}, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.User, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM users WHERE id = ?", userID,
	)
	return scanUser(row)
}

func (s *Store) getUserByUsername(ctx context.Context, username string) (storage.User, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, username, created_at FROM users WHERE username = ?", username,
	)
	return scanUser(row)
}

func scanUser(row *sql.Row) (storage.User, error) {
	var user storage.User
	var createdAt int64
	if err := row.Scan(&user.ID, &user.Username, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.User{}, storage.ErrNotFound
		}
		return storage.User{}, fmt.Errorf("scan user: %w", err)
	}
	user.CreatedAt = fromMillis(createdAt)
	return user, nil
}

// GetOrCreateRoom resolves a room by name, creating it when absent.
func (s *Store) GetOrCreateRoom(ctx context.Context, name string) (storage.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Room{}, fmt.Errorf("room name is required")
	}

	room, err := s.getRoomByName(ctx, name)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.Room{}, err
	}

	roomID, err := id.NewID()
	if err != nil {
		return storage.Room{}, fmt.Errorf("generate room id: %w", err)
	}
	createdAt := time.Now().UTC()

	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO rooms (id, name, created_at) VALUES (?, ?, ?)",
		roomID, name, toMillis(createdAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return s.getRoomByName(ctx, name)
		}
		return storage.Room{}, fmt.Errorf("insert room %s: %w", name, err)
	}

	return storage.Room{ID: roomID, Name: name, CreatedAt: fromMillis(toMillis(createdAt))}, nil
}

func (s *Store) getRoomByName(ctx context.Context, name string) (storage.Room, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM rooms WHERE name = ?", name,
	)
	var room storage.Room
	var createdAt int64
	if err := row.Scan(&room.ID, &room.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Room{}, storage.ErrNotFound
		}
		return storage.Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.CreatedAt = fromMillis(createdAt)
	return room, nil
}

// ListRooms returns all rooms ordered by creation time ascending.
func (s *Store) ListRooms(ctx context.Context) ([]storage.Room, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT id, name, created_at FROM rooms ORDER BY created_at ASC, name ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []storage.Room
	for rows.Next() {
		var room storage.Room
		var createdAt int64
		if err := rows.Scan(&room.ID, &room.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan room row: %w", err)
		}
		room.CreatedAt = fromMillis(createdAt)
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

// SaveMessage appends a message with a generated id and server timestamp.
func (s *Store) SaveMessage(ctx context.Context, userID, roomID, text string) (storage.Message, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(roomID) == "" {
		return storage.Message{}, fmt.Errorf("user id and room id are required")
	}

	messageID, err := id.NewID()
	if err != nil {
		return storage.Message{}, fmt.Errorf("generate message id: %w", err)
	}
	createdAt := time.Now().UTC()

	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO messages (id, user_id, room_id, text, created_at) VALUES (?, ?, ?, ?, ?)",
		messageID, userID, roomID, text, toMillis(createdAt),
	)
	if err != nil {
		return storage.Message{}, fmt.Errorf("insert message: %w", err)
	}

	return storage.Message{
		ID:        messageID,
		UserID:    userID,
		RoomID:    roomID,
		Text:      text,
		CreatedAt: fromMillis(toMillis(createdAt)),
	}, nil
}

// ListRecentMessages returns the newest messages for a room joined with each
// author's username, reordered oldest-first for replay.
func (s *Store) ListRecentMessages(ctx context.Context, roomID string, limit int) ([]storage.RoomMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT m.id, m.user_id, m.room_id, m.text, m.created_at, u.username
FROM messages m
JOIN users u ON u.id = m.user_id
WHERE m.room_id = ?
ORDER BY m.created_at DESC, m.rowid DESC
LIMIT ?`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []storage.RoomMessage
	for rows.Next() {
		var msg storage.RoomMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.UserID, &msg.RoomID, &msg.Text, &createdAt, &msg.Username); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.CreatedAt = fromMillis(createdAt)
		newestFirst = append(newestFirst, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}

	oldestFirst := make([]storage.RoomMessage, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		oldestFirst = append(oldestFirst, newestFirst[i])
	}
	return oldestFirst, nil
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

var _ storage.Gateway = (*Store)(nil)
