package server

import (
	"context"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nmoreau/plaza.space/internal/platform/timeouts"
)

// gatewayContext bounds one persistence call. It is detached from the
// connection's request context on purpose: a disconnect must not cancel a
// gateway call already issued on its behalf.
func gatewayContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeouts.Gateway)
}

// join resolves the user and room through the gateway, replaces any prior
// session (leave-before-join, so a connection is never in two room groups),
// and delivers history to the joiner, a join notice to the room, and the
// updated room directory to everyone.
//
// All gateway calls complete before any in-memory state changes, so a
// persistence failure leaves the session and group index untouched.
func (h *hub) join(c *client, payload joinPayload) {
	username := strings.TrimSpace(payload.Username)
	roomName := strings.TrimSpace(payload.RoomName)
	if username == "" {
		_ = writeWSError(c.peer, "INVALID_ARGUMENT", "username is required")
		return
	}
	if roomName == "" {
		_ = writeWSError(c.peer, "INVALID_ARGUMENT", "room name is required")
		return
	}
	if utf8.RuneCountInString(username) > maxDisplayNameRunes {
		username = string([]rune(username)[:maxDisplayNameRunes])
	}
	if utf8.RuneCountInString(roomName) > maxRoomNameRunes {
		roomName = string([]rune(roomName)[:maxRoomNameRunes])
	}

	ctx, cancel := gatewayContext()
	defer cancel()

	user, err := h.gateway.GetOrCreateUser(ctx, username)
	if err != nil {
		log.Printf("plaza: resolve user %q: %v", username, err)
		_ = writeWSError(c.peer, "UNAVAILABLE", "could not resolve user")
		return
	}
	room, err := h.gateway.GetOrCreateRoom(ctx, roomName)
	if err != nil {
		log.Printf("plaza: resolve room %q: %v", roomName, err)
		_ = writeWSError(c.peer, "UNAVAILABLE", "could not resolve room")
		return
	}
	history, err := h.gateway.ListRecentMessages(ctx, room.ID, h.historyLimit)
	if err != nil {
		log.Printf("plaza: room history %s: %v", room.ID, err)
		_ = writeWSError(c.peer, "UNAVAILABLE", "could not load room history")
		return
	}
	directory, err := h.gateway.ListRooms(ctx)
	if err != nil {
		log.Printf("plaza: list rooms: %v", err)
		_ = writeWSError(c.peer, "UNAVAILABLE", "could not list rooms")
		return
	}

	h.mu.Lock()
	c.mu.Lock()
	previous := c.session
	c.session = &chatSession{
		userID:   user.ID,
		username: user.Username,
		roomID:   room.ID,
		roomName: room.Name,
	}
	c.mu.Unlock()
	if previous != nil {
		h.removeFromRoomLocked(previous.roomID, c.peer.id)
	}
	h.addToRoomLocked(room.ID, c)
	h.mu.Unlock()

	_ = c.peer.writeFrame(wsFrame{
		Type: "plaza.room.joined",
		Payload: mustJSON(roomJoinedPayload{
			RoomID:   room.ID,
			RoomName: room.Name,
		}),
	})

	messages := make([]chatMessagePayload, 0, len(history))
	for _, msg := range history {
		messages = append(messages, chatMessagePayload{
			ID:        msg.ID,
			Username:  msg.Username,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt.Format(time.RFC3339),
		})
	}
	_ = c.peer.writeFrame(wsFrame{
		Type:    "plaza.history",
		Payload: mustJSON(historyPayload{Messages: messages}),
	})

	h.broadcastRoom(room.ID, wsFrame{
		Type: "plaza.room.member.joined",
		Payload: mustJSON(roomEventPayload{
			DisplayName: user.Username,
			Text:        user.Username + " joined " + room.Name,
		}),
	}, c.peer.id)

	entries := make([]roomEntry, 0, len(directory))
	for _, entry := range directory {
		entries = append(entries, roomEntry{
			ID:        entry.ID,
			Name:      entry.Name,
			CreatedAt: entry.CreatedAt.Format(time.RFC3339),
		})
	}
	h.broadcastAll(wsFrame{
		Type:    "plaza.rooms",
		Payload: mustJSON(roomsPayload{Rooms: entries}),
	})
}
