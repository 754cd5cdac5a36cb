// Package plaza implements the real-time shared-space surface: persistent
// room chat combined with ephemeral avatar presence for every live
// connection.
//
// It keeps WebSocket lifecycle, presence fan-out, and per-room message
// ordering isolated from durability so the persistence gateway remains the
// source of truth for users, rooms, and messages.
package plaza
