// Package realtime implements the authenticated push channel clients use to
// observe video processing in flight: an access token is verified at
// connect, the connection joins a tenant room and a subject room, and the
// Processing Worker fans progress/completion/failure events out to every
// member of those rooms, per spec.md 4.8.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"videovault/internal/models"
	"videovault/internal/observability/metrics"
	"videovault/internal/tokens"
)

// Event names published to rooms, per spec.md 4.8.
const (
	EventConnected            = "connected"
	EventVideoProgress        = "video:progress"
	EventVideoProcessComplete = "video:process:complete"
	EventVideoProcessFailed   = "video:process:failed"
)

// Message is the JSON envelope written to every connection.
type Message struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// ProgressPayload backs a video:progress event.
type ProgressPayload struct {
	VideoID  string `json:"video_id"`
	Progress int    `json:"progress"`
	Stage    string `json:"stage"`
	Message  string `json:"message,omitempty"`
}

// CompletePayload backs a video:process:complete event.
type CompletePayload struct {
	VideoID      string               `json:"video_id"`
	Status       models.VideoStatus   `json:"status"`
	Sensitivity  models.Sensitivity   `json:"sensitivity"`
	ThumbnailKey *string              `json:"thumbnail_key,omitempty"`
	Duration     float64              `json:"duration"`
	Resolution   models.Resolution    `json:"resolution"`
}

// FailedPayload backs a video:process:failed event.
type FailedPayload struct {
	VideoID string `json:"video_id"`
	Error   string `json:"error"`
}

const sendQueueSize = 32

// client is one authenticated connection. Its outbound queue is bounded with
// a drop-oldest policy so a slow reader cannot stall the hub, per spec.md 9's
// "Realtime hub membership" redesign note.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   string
	tenantID string

	mu    sync.Mutex
	rooms map[string]struct{}
}

// Hub holds room membership -- organization rooms, user rooms, and
// on-demand video rooms -- guarded by a single mutex rather than
// fine-grained per-room locks, matching the teacher's chat gateway's
// single-writer style at this scale.
type Hub struct {
	tokens *tokens.Service
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}

	upgrader websocket.Upgrader
}

// New constructs a Hub that authenticates connections with svc.
func New(svc *tokens.Service, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		tokens: svc,
		logger: logger,
		rooms:  make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// OrgRoom names the room every member of an organization is joined to.
func OrgRoom(orgID string) string { return "org:" + orgID }

// UserRoom names the room a single subject is joined to.
func UserRoom(userID string) string { return "user:" + userID }

// VideoRoom names the on-demand room clients may subscribe to for one video.
func VideoRoom(videoID string) string { return "video:" + videoID }

// ServeWS upgrades the request to a WebSocket connection after verifying the
// access token resolved from the Authorization header, an access-token
// cookie, or the "token" query parameter -- the same resolution order the
// Auth & Tenancy Middleware uses, since browsers cannot set custom headers
// on a WebSocket handshake triggered from plain JS in some embeddings.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	raw := resolveToken(r)
	if raw == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	outcome := h.tokens.VerifyAccess(raw)
	if !outcome.Valid {
		http.Error(w, "invalid or expired access token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("realtime: upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendQueueSize),
		userID:   outcome.Claims.SubjectID,
		tenantID: outcome.Claims.TenantID,
		rooms:    make(map[string]struct{}),
	}
	h.join(OrgRoom(c.tenantID), c)
	h.join(UserRoom(c.userID), c)

	metrics.RealtimeConnectionsActive.Inc()
	defer metrics.RealtimeConnectionsActive.Dec()

	go c.writeLoop()
	c.enqueue(Message{Event: EventConnected, Payload: map[string]string{"user_id": c.userID, "organization_id": c.tenantID}})
	c.readLoop()
}

func resolveToken(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func (h *Hub) join(room string, c *client) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	h.mu.Unlock()
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) leave(room string, c *client) {
	h.mu.Lock()
	if members := h.rooms[room]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) leaveAll(c *client) {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.mu.Unlock()
	for _, room := range rooms {
		h.leave(room, c)
	}
}

// Emit publishes event with payload to every connection currently in room.
// Delivery is best-effort per connection, per spec.md 4.8.
func (h *Hub) Emit(room, event string, payload interface{}) {
	data, err := json.Marshal(Message{Event: event, Payload: payload})
	if err != nil {
		h.logger.Error("realtime: marshal event", "error", err, "event", event)
		return
	}
	h.mu.RLock()
	members := h.rooms[room]
	recipients := make([]*client, 0, len(members))
	for c := range members {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()
	for _, c := range recipients {
		c.enqueueRaw(data)
	}
}

// EmitProgress publishes a video:progress event to the video's organization
// room and to its on-demand video room.
func (h *Hub) EmitProgress(orgID, videoID string, progress int, stage, message string) {
	payload := ProgressPayload{VideoID: videoID, Progress: progress, Stage: stage, Message: message}
	h.Emit(OrgRoom(orgID), EventVideoProgress, payload)
	h.Emit(VideoRoom(videoID), EventVideoProgress, payload)
}

// EmitComplete publishes a video:process:complete event.
func (h *Hub) EmitComplete(orgID string, payload CompletePayload) {
	h.Emit(OrgRoom(orgID), EventVideoProcessComplete, payload)
	h.Emit(VideoRoom(payload.VideoID), EventVideoProcessComplete, payload)
}

// EmitFailed publishes a video:process:failed event.
func (h *Hub) EmitFailed(orgID string, payload FailedPayload) {
	h.Emit(OrgRoom(orgID), EventVideoProcessFailed, payload)
	h.Emit(VideoRoom(payload.VideoID), EventVideoProcessFailed, payload)
}

func (c *client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueueRaw(data)
}

// enqueueRaw pushes a frame onto the bounded send queue, dropping the oldest
// queued frame rather than blocking the hub when a client falls behind.
func (c *client) enqueueRaw(data []byte) {
	select {
	case c.send <- data:
		return
	default:
	}
	select {
	case <-c.send:
	default:
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop handles client-sent subscribe/unsubscribe commands until the
// connection closes, then leaves every room the client had joined.
func (c *client) readLoop() {
	defer c.hub.leaveAll(c)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		text := strings.TrimSpace(string(data))
		switch {
		case strings.HasPrefix(text, "subscribe:video "):
			videoID := strings.TrimSpace(strings.TrimPrefix(text, "subscribe:video "))
			if videoID != "" {
				c.hub.join(VideoRoom(videoID), c)
			}
		case strings.HasPrefix(text, "unsubscribe:video "):
			videoID := strings.TrimSpace(strings.TrimPrefix(text, "unsubscribe:video "))
			if videoID != "" {
				c.hub.leave(VideoRoom(videoID), c)
			}
		}
	}
}

// Shutdown closes every open connection, used when the process terminates so
// clients reconnect promptly instead of waiting out a dead TCP connection.
func (h *Hub) Shutdown(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[*client]struct{})
	for _, members := range h.rooms {
		for c := range members {
			seen[c] = struct{}{}
		}
	}
	for c := range seen {
		c.conn.Close()
	}
	h.rooms = make(map[string]map[*client]struct{})
	return nil
}
