package server

import (
	"log"
	"strings"
	"time"
	"unicode/utf8"
)

// message persists a chat message and fans it out to the sender's room,
// sender included. The sender renders nothing optimistically; it waits for
// the server-confirmed broadcast like every other member.
//
// Persist plus broadcast for one room runs under that room's order lock, so
// broadcasts preserve the arrival order of messages for the room while
// different rooms proceed fully concurrently.
func (h *hub) message(c *client, payload messagePayload) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		_ = writeWSError(c.peer, "FAILED_PRECONDITION", "must join a room first")
		return
	}

	text := strings.TrimSpace(payload.Text)
	if text == "" {
		_ = writeWSError(c.peer, "INVALID_ARGUMENT", "text is required")
		return
	}
	if utf8.RuneCountInString(text) > maxMessageTextRunes {
		_ = writeWSError(c.peer, "INVALID_ARGUMENT", "text must be at most 2000 characters")
		return
	}

	lock := h.roomOrderLock(sess.roomID)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := gatewayContext()
	defer cancel()

	saved, err := h.gateway.SaveMessage(ctx, sess.userID, sess.roomID, text)
	if err != nil {
		log.Printf("plaza: save message room=%s user=%s: %v", sess.roomID, sess.userID, err)
		_ = writeWSError(c.peer, "UNAVAILABLE", "could not save message")
		return
	}

	// Re-resolve the author for display instead of trusting the cached
	// session. The message is already durable, so a failed re-fetch falls
	// back to the cached username rather than suppressing the broadcast.
	username := sess.username
	if user, err := h.gateway.GetUser(ctx, sess.userID); err == nil {
		username = user.Username
	} else {
		log.Printf("plaza: resolve author %s: %v", sess.userID, err)
	}

	h.broadcastRoom(sess.roomID, wsFrame{
		Type: "plaza.message",
		Payload: mustJSON(chatMessagePayload{
			ID:        saved.ID,
			Username:  username,
			Text:      saved.Text,
			CreatedAt: saved.CreatedAt.Format(time.RFC3339),
		}),
	}, "")
}
