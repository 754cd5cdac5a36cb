package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nmoreau/plaza.space/internal/platform/id"
	"github.com/nmoreau/plaza.space/internal/platform/timeouts"
	"github.com/nmoreau/plaza.space/internal/services/plaza/storage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 120
	maxDecodeErrorsPerConn = 3

	maxDisplayNameRunes = 32
	maxRoomNameRunes    = 64
	maxMessageTextRunes = 2000
)

// DefaultHistoryLimit bounds how many persisted messages a joining
// connection replays. Tunable through configuration; 50 matches typical
// room chat volume.
const DefaultHistoryLimit = 50

// Config defines the inputs for the plaza transport boundary.
type Config struct {
	HTTPAddr          string
	StaticDir         string
	HistoryLimit      int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the plaza HTTP/WebSocket process.
//
// It delegates all durability to the persistence gateway so the realtime
// core stays transport plus volatile state only.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
}

type wsFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type profilePayload struct {
	Username string `json:"username"`
}

type positionPayload struct {
	Position json.RawMessage `json:"position"`
	Rotation json.RawMessage `json:"rotation"`
}

type joinPayload struct {
	Username string `json:"username"`
	RoomName string `json:"room_name"`
}

type messagePayload struct {
	Text string `json:"text"`
}

type presenceEntry struct {
	ID          string   `json:"id"`
	Position    *vector3 `json:"position,omitempty"`
	Rotation    *vector3 `json:"rotation,omitempty"`
	DisplayName string   `json:"display_name,omitempty"`
	Color       string   `json:"color,omitempty"`
}

type snapshotPayload struct {
	Others []presenceEntry `json:"others"`
}

type countPayload struct {
	Count int `json:"count"`
}

type profileAckPayload struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Color       string `json:"color"`
}

type presenceRemovedPayload struct {
	ID string `json:"id"`
}

type roomJoinedPayload struct {
	RoomID   string `json:"room_id"`
	RoomName string `json:"room_name"`
}

type roomEventPayload struct {
	DisplayName string `json:"display_name"`
	Text        string `json:"text"`
}

type roomEntry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
}

type roomsPayload struct {
	Rooms []roomEntry `json:"rooms"`
}

type chatMessagePayload struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	CreatedAt string `json:"created_at"`
}

type historyPayload struct {
	Messages []chatMessagePayload `json:"messages"`
}

// NewHandler creates plaza routes over the given gateway. Exposed for tests
// and embedding.
func NewHandler(gateway storage.Gateway, historyLimit int) http.Handler {
	return newHandler(gateway, historyLimit, "")
}

func newHandler(gateway storage.Gateway, historyLimit int, staticDir string) http.Handler {
	h := newHub(gateway, historyLimit)
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, h)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	if strings.TrimSpace(staticDir) != "" {
		mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	}

	return mux
}

func handleWSConn(conn *websocket.Conn, h *hub) {
	defer func() {
		_ = conn.Close()
	}()

	connID, err := id.NewID()
	if err != nil {
		log.Printf("plaza: connection id: %v", err)
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(connID, json.NewEncoder(conn))
	c := h.connect(peer)
	defer h.disconnect(connID)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "plaza.profile":
			var payload profilePayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				_ = writeWSError(peer, "INVALID_ARGUMENT", "invalid profile payload")
				continue
			}
			h.profile(c, payload)
		case "plaza.position":
			var payload positionPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				// Best-effort stream: malformed frames are dropped.
				continue
			}
			h.position(c, payload)
		case "plaza.join":
			var payload joinPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				_ = writeWSError(peer, "INVALID_ARGUMENT", "invalid join payload")
				continue
			}
			h.join(c, payload)
		case "plaza.message":
			var payload messagePayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				_ = writeWSError(peer, "INVALID_ARGUMENT", "invalid message payload")
				continue
			}
			h.message(c, payload)
		default:
			_ = writeWSError(peer, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func writeWSError(peer *wsPeer, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type: "plaza.error",
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:    code,
				Message: message,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("plaza: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// NewServer builds a configured plaza server over the given gateway.
func NewServer(config Config, gateway storage.Gateway) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if gateway == nil {
		return nil, errors.New("persistence gateway is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultHistoryLimit
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(gateway, config.HistoryLimit, config.StaticDir),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
	}, nil
}

// Run creates and serves a plaza server until the context ends.
func Run(ctx context.Context, config Config, gateway storage.Gateway) error {
	server, err := NewServer(config, gateway)
	if err != nil {
		return fmt.Errorf("init plaza server: %w", err)
	}

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve plaza: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("plaza server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("plaza server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}
