package server

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/nmoreau/plaza.space/internal/services/plaza/storage"
)

type wsPeer struct {
	id      string
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(id string, encoder *json.Encoder) *wsPeer {
	return &wsPeer{id: id, encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

// chatSession is a connection's current chat identity and room membership.
// It exists only after a successful join and is replaced wholesale by the
// next join.
type chatSession struct {
	userID   string
	username string
	roomID   string
	roomName string
}

// client tracks one connection's volatile state: the ephemeral presence
// entry, which exists from connect to disconnect, and the chat session,
// which exists only while the connection is a member of a room.
//
// The client mutex makes every read/mutation of this connection's state
// atomic with respect to other events for the same connection. Lock order is
// always hub.mu before client.mu.
type client struct {
	peer *wsPeer

	mu       sync.Mutex
	presence presenceEntry
	session  *chatSession
}

// presenceCopy returns a deep copy safe to hand to encoders after the client
// mutex is released. Callers must hold c.mu.
func (c *client) presenceCopy() presenceEntry {
	entry := c.presence
	if c.presence.Position != nil {
		position := *c.presence.Position
		entry.Position = &position
	}
	if c.presence.Rotation != nil {
		rotation := *c.presence.Rotation
		entry.Rotation = &rotation
	}
	return entry
}

// hub owns the live connection tables and room broadcast groups.
//
// The room group index is maintained transactionally alongside session
// mutation so a connection's group membership always equals its session's
// room, and no connection ever belongs to two room groups.
type hub struct {
	gateway      storage.Gateway
	historyLimit int

	mu      sync.RWMutex
	clients map[string]*client
	rooms   map[string]map[string]*client

	orderMu   sync.Mutex
	roomOrder map[string]*sync.Mutex
}

func newHub(gateway storage.Gateway, historyLimit int) *hub {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &hub{
		gateway:      gateway,
		historyLimit: historyLimit,
		clients:      make(map[string]*client),
		rooms:        make(map[string]map[string]*client),
		roomOrder:    make(map[string]*sync.Mutex),
	}
}

// roomOrderLock returns the serialization lock for one room's persist and
// broadcast sequence. Messages for different rooms proceed in parallel.
func (h *hub) roomOrderLock(roomID string) *sync.Mutex {
	h.orderMu.Lock()
	defer h.orderMu.Unlock()

	lock, ok := h.roomOrder[roomID]
	if !ok {
		lock = &sync.Mutex{}
		h.roomOrder[roomID] = lock
	}
	return lock
}

// connect registers a new connection with an empty presence entry, announces
// the updated connection count to everyone, and sends the new connection a
// snapshot of every other presence that has a position. An avatar that never
// reported a position is invisible to others.
func (h *hub) connect(p *wsPeer) *client {
	c := &client{peer: p}
	c.presence.ID = p.id

	h.mu.Lock()
	h.clients[p.id] = c
	count := len(h.clients)
	others := make([]presenceEntry, 0, count-1)
	for otherID, other := range h.clients {
		if otherID == p.id {
			continue
		}
		other.mu.Lock()
		if other.presence.Position != nil {
			others = append(others, other.presenceCopy())
		}
		other.mu.Unlock()
	}
	h.mu.Unlock()

	h.broadcastAll(wsFrame{
		Type:    "plaza.count",
		Payload: mustJSON(countPayload{Count: count}),
	})
	if err := p.writeFrame(wsFrame{
		Type:    "plaza.presence.snapshot",
		Payload: mustJSON(snapshotPayload{Others: others}),
	}); err != nil {
		log.Printf("plaza: presence snapshot to %s: %v", p.id, err)
	}
	return c
}

// disconnect tears down both halves of a connection's state. The presence
// half always runs; the session half runs only when the connection had
// joined a room. Teardown is idempotent and may race an in-flight gateway
// call issued on behalf of the connection.
func (h *hub) disconnect(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, connID)
	count := len(h.clients)

	c.mu.Lock()
	sess := c.session
	c.session = nil
	displayName := c.presence.DisplayName
	c.mu.Unlock()

	if sess != nil {
		h.removeFromRoomLocked(sess.roomID, connID)
	}
	h.mu.Unlock()

	h.broadcastAll(wsFrame{
		Type:    "plaza.presence.removed",
		Payload: mustJSON(presenceRemovedPayload{ID: connID}),
	})
	h.broadcastAll(wsFrame{
		Type:    "plaza.count",
		Payload: mustJSON(countPayload{Count: count}),
	})

	if sess != nil {
		name := displayName
		if name == "" {
			name = sess.username
		}
		h.broadcastRoom(sess.roomID, wsFrame{
			Type: "plaza.room.member.left",
			Payload: mustJSON(roomEventPayload{
				DisplayName: name,
				Text:        name + " left " + sess.roomName,
			}),
		}, "")
	}
}

// addToRoomLocked and removeFromRoomLocked maintain the room reverse index.
// Callers must hold h.mu.
func (h *hub) addToRoomLocked(roomID string, c *client) {
	group, ok := h.rooms[roomID]
	if !ok {
		group = make(map[string]*client)
		h.rooms[roomID] = group
	}
	group[c.peer.id] = c
}

func (h *hub) removeFromRoomLocked(roomID, connID string) {
	group, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(h.rooms, roomID)
	}
}

// Broadcast selectors. Delivery is fire-and-forget per recipient: a write
// failure to one stale connection never aborts delivery to the rest and is
// never surfaced to the coordinator that requested the broadcast.

func (h *hub) broadcastAll(frame wsFrame) {
	h.deliver(h.peersExcept(""), frame)
}

func (h *hub) broadcastExcept(senderID string, frame wsFrame) {
	h.deliver(h.peersExcept(senderID), frame)
}

func (h *hub) broadcastRoom(roomID string, frame wsFrame, excludeID string) {
	h.mu.RLock()
	group := h.rooms[roomID]
	peers := make([]*wsPeer, 0, len(group))
	for connID, member := range group {
		if connID == excludeID {
			continue
		}
		peers = append(peers, member.peer)
	}
	h.mu.RUnlock()
	h.deliver(peers, frame)
}

func (h *hub) peersExcept(excludeID string) []*wsPeer {
	h.mu.RLock()
	peers := make([]*wsPeer, 0, len(h.clients))
	for connID, c := range h.clients {
		if connID == excludeID {
			continue
		}
		peers = append(peers, c.peer)
	}
	h.mu.RUnlock()
	return peers
}

func (h *hub) deliver(peers []*wsPeer, frame wsFrame) {
	for _, peer := range peers {
		if err := peer.writeFrame(frame); err != nil {
			log.Printf("plaza: deliver %s to %s: %v", frame.Type, peer.id, err)
		}
	}
}
