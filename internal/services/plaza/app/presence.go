package server

import (
	"encoding/json"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/nmoreau/plaza.space/internal/services/plaza/color"
)

// profile validates a display-name update, assigns the connection's color on
// first use, and fans the change out to every other connection. Repeated
// renames keep the color assigned to the connection's first profile.
func (h *hub) profile(c *client, payload profilePayload) {
	name := strings.TrimSpace(payload.Username)
	if name == "" {
		_ = writeWSError(c.peer, "INVALID_ARGUMENT", "display name is required")
		return
	}
	if utf8.RuneCountInString(name) > maxDisplayNameRunes {
		name = string([]rune(name)[:maxDisplayNameRunes])
	}

	c.mu.Lock()
	if c.presence.Color == "" {
		c.presence.Color = color.Derive(c.peer.id, name)
	}
	c.presence.DisplayName = name
	announced := profileAckPayload{
		ID:          c.peer.id,
		DisplayName: name,
		Color:       c.presence.Color,
	}
	c.mu.Unlock()

	_ = c.peer.writeFrame(wsFrame{
		Type:    "plaza.profile.ack",
		Payload: mustJSON(announced),
	})
	h.broadcastExcept(c.peer.id, wsFrame{
		Type:    "plaza.profile.changed",
		Payload: mustJSON(announced),
	})
}

// position merges a sanitized position/rotation update into the connection's
// presence entry and fans it out to everyone except the sender. The stream
// is best-effort and high-frequency: malformed frames are dropped silently,
// and the sender never receives its own echo.
func (h *hub) position(c *client, payload positionPayload) {
	position, ok := decodeVector(payload.Position)
	if !ok {
		return
	}
	rotation, ok := decodeVector(payload.Rotation)
	if !ok {
		return
	}

	c.mu.Lock()
	c.presence.Position = &position
	c.presence.Rotation = &rotation
	entry := c.presenceCopy()
	c.mu.Unlock()

	h.broadcastExcept(c.peer.id, wsFrame{
		Type:    "plaza.position.changed",
		Payload: mustJSON(entry),
	})
}

// decodeVector accepts a JSON object with numeric x/y/z fields. A missing
// field becomes 0; a non-numeric field invalidates the whole vector. NaN and
// infinities never propagate.
func decodeVector(raw json.RawMessage) (vector3, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return vector3{}, false
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return vector3{}, false
	}

	var vec vector3
	for _, axis := range []struct {
		key string
		dst *float64
	}{
		{"x", &vec.X},
		{"y", &vec.Y},
		{"z", &vec.Z},
	} {
		value, present := fields[axis.key]
		if !present {
			continue
		}
		number, ok := value.(float64)
		if !ok {
			return vector3{}, false
		}
		if math.IsNaN(number) || math.IsInf(number, 0) {
			number = 0
		}
		*axis.dst = number
	}
	return vec, true
}
