package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// User is a durable chat identity resolved by username.
type User struct {
	ID        string
	Username  string
	CreatedAt time.Time
}

// Room is a named durable chat channel. Room names are globally unique.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Message is one immutable chat message appended to a room.
type Message struct {
	ID        string
	UserID    string
	RoomID    string
	Text      string
	CreatedAt time.Time
}

// RoomMessage is a message joined with its author's username for display.
type RoomMessage struct {
	Message
	Username string
}

// Gateway persists users, rooms, and messages.
//
// Get-or-create operations are race-safe: a create that loses a uniqueness
// race against a concurrent create resolves to the existing record instead
// of surfacing a constraint error.
type Gateway interface {
	// GetOrCreateUser resolves a user by username, creating it when absent.
	GetOrCreateUser(ctx context.Context, username string) (User, error)
	// GetUser fetches a user by id. Returns ErrNotFound when absent.
	GetUser(ctx context.Context, userID string) (User, error)
	// GetOrCreateRoom resolves a room by name, creating it when absent.
	GetOrCreateRoom(ctx context.Context, name string) (Room, error)
	// ListRooms returns all rooms ordered by creation time ascending.
	ListRooms(ctx context.Context) ([]Room, error)
	// SaveMessage appends a message and returns it with its generated id and
	// server-assigned timestamp.
	SaveMessage(ctx context.Context, userID, roomID, text string) (Message, error)
	// ListRecentMessages returns the most recent messages for a room joined
	// with each author's username, ordered oldest-first within the window.
	ListRecentMessages(ctx context.Context, roomID string, limit int) ([]RoomMessage, error)
}
