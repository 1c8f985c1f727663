// Package clients tracks the application pages connected to the cache
// coordinator and pushes control messages to them over websockets.
package clients

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wolfeidau/story-cache/notify"
)

// Message types sent to pages.
const (
	TypeHello            = "hello"
	TypeControllerChange = "controllerchange"
	TypeNotification     = "notification"
	TypeNavigate         = "navigate"
)

const (
	sendBuffer     = 16
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	readTimeout    = 2 * pingInterval
	maxMessageSize = 4096
)

// Message is sent from the hub to a page.
type Message struct {
	Type         string               `json:"type"`
	PageID       string               `json:"page_id,omitempty"`
	WorkerID     string               `json:"worker_id,omitempty"`
	Notification *notify.Notification `json:"notification,omitempty"`
	URL          string               `json:"url,omitempty"`
}

// inbound is sent from a page to the hub.
type inbound struct {
	Type string `json:"type"`
}

type page struct {
	id     string
	conn   *websocket.Conn
	send   chan Message
	active int64 // hub sequence of the last connect or focus
}

// Hub is the registry of open pages. Its zero value is not usable; use
// NewHub.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu         sync.Mutex
	pages      map[string]*page
	seq        int64
	controller string
	closed     bool

	wg sync.WaitGroup
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithCheckOrigin sets the websocket origin check. By default only
// same-host origins are accepted.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = check
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		pages: map[string]*page{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "clients")
	return h
}

// ServeHTTP upgrades the request to a websocket and serves the page until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", "error", err)
		return
	}

	p, ok := h.register(conn)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeTimeout))
		_ = conn.Close()
		return
	}
	defer h.unregister(p)

	go func() {
		defer h.wg.Done()
		h.writeLoop(p)
	}()

	h.readLoop(r.Context(), p)
}

func (h *Hub) register(conn *websocket.Conn) (*page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.seq++
	p := &page{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan Message, sendBuffer),
		active: h.seq,
	}
	h.pages[p.id] = p
	// Counted under the lock so Close cannot finish waiting before this
	// page's writer has started.
	h.wg.Add(1)
	p.send <- Message{Type: TypeHello, PageID: p.id, WorkerID: h.controller}
	h.logger.Debug("page connected", "page", p.id, "pages", len(h.pages))
	return p, true
}

func (h *Hub) unregister(p *page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.pages[p.id]; !ok {
		return
	}
	delete(h.pages, p.id)
	close(p.send)
	h.logger.Debug("page disconnected", "page", p.id, "pages", len(h.pages))
}

func (h *Hub) readLoop(ctx context.Context, p *page) {
	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		var msg inbound
		if err := p.conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				if closeErr.Code != websocket.CloseNormalClosure && closeErr.Code != websocket.CloseGoingAway {
					h.logger.DebugContext(ctx, "websocket closed", "page", p.id, "error", closeErr)
				}
			} else {
				h.logger.DebugContext(ctx, "error reading message", "page", p.id, "error", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch msg.Type {
		case "focus":
			h.mu.Lock()
			h.seq++
			p.active = h.seq
			h.mu.Unlock()
		case "h": // heartbeat
		default:
			h.logger.DebugContext(ctx, "unknown message type", "page", p.id, "type", msg.Type)
		}
	}
}

func (h *Hub) writeLoop(p *page) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := p.conn.WriteJSON(msg); err != nil {
				h.logger.Debug("error writing message", "page", p.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// deliver queues msg for p. Slow pages lose the message rather than block
// the hub. Callers hold h.mu.
func (h *Hub) deliver(p *page, msg Message) bool {
	select {
	case p.send <- msg:
		return true
	default:
		h.logger.Warn("page send buffer full, dropping message", "page", p.id, "type", msg.Type)
		return false
	}
}

// Broadcast sends msg to every open page and returns how many accepted it.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.pages {
		if h.deliver(p, msg) {
			n++
		}
	}
	return n
}

// Claim records workerID as the controller of every page and tells open
// pages about the change.
func (h *Hub) Claim(_ context.Context, workerID string) (int, error) {
	h.mu.Lock()
	h.controller = workerID
	h.mu.Unlock()
	return h.Broadcast(Message{Type: TypeControllerChange, WorkerID: workerID}), nil
}

// Notify shows n on every open page.
func (h *Hub) Notify(n notify.Notification) int {
	return h.Broadcast(Message{Type: TypeNotification, Notification: &n})
}

// Navigate asks the most recently focused page to open url. It reports
// false when no page is open.
func (h *Hub) Navigate(url string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	var target *page
	for _, p := range h.pages {
		if target == nil || p.active > target.active {
			target = p
		}
	}
	if target == nil {
		return false
	}
	return h.deliver(target, Message{Type: TypeNavigate, URL: url})
}

// Count returns the number of open pages.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}

// Close disconnects every page and waits for their writers to stop. New
// connections are refused afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for id, p := range h.pages {
		delete(h.pages, id)
		close(p.send)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
