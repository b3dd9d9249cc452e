// Package realtime pushes entity change notifications to websocket subscribers.
//
// Clients connect with the tenant header (or a custom TenantResolver) and may
// narrow the stream with repeated "entity" query parameters:
//
//	GET /ws/changes?entity=book&entity=author
//	X-Tenant-ID: acme
//
// Every message is one JSON-encoded bookstore.EntityChanged.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aalmada/BookStore-sub002"
)

const (
	defaultSendBuffer = 64
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
)

var _ bookstore.Notifier = (*Hub)(nil)

// ErrHubClosed is returned by Publish after Close.
var ErrHubClosed = errors.New("realtime: hub closed")

type subscriber struct {
	tenant   string
	entities map[string]struct{}
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func (s *subscriber) wants(event bookstore.EntityChanged) bool {
	if s.tenant != event.TenantID {
		return false
	}
	if len(s.entities) == 0 {
		return true
	}
	_, ok := s.entities[event.Entity]
	return ok
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

// Hub fans entity change notifications out to connected websocket clients.
// It implements bookstore.Notifier and http.Handler.
type Hub struct {
	resolver   bookstore.TenantResolver
	upgrader   websocket.Upgrader
	logger     bookstore.Logger
	sendBuffer int
	writeWait  time.Duration
	pongWait   time.Duration

	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	closed      bool
}

// Option configures a Hub.
type Option func(*Hub)

// WithTenantResolver sets how the tenant of a connection is resolved.
func WithTenantResolver(r bookstore.TenantResolver) Option {
	return func(h *Hub) {
		h.resolver = r
	}
}

// WithLogger sets the logger.
func WithLogger(l bookstore.Logger) Option {
	return func(h *Hub) {
		h.logger = l
	}
}

// WithSendBuffer sets how many messages may queue per client before it is dropped.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithCheckOrigin sets the origin check of the upgrader.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// NewHub creates a Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		resolver:    bookstore.HeaderTenantResolver{},
		upgrader:    websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		logger:      bookstore.NewSlogLogger(nil),
		sendBuffer:  defaultSendBuffer,
		writeWait:   defaultWriteWait,
		pongWait:    defaultPongWait,
		subscribers: make(map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and subscribes the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenant, err := h.resolver.Resolve(r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, bookstore.ErrUnknownTenant) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "tenant", tenant, "error", err)
		return
	}

	sub := &subscriber{
		tenant: tenant,
		conn:   conn,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
	if entities := r.URL.Query()["entity"]; len(entities) > 0 {
		sub.entities = make(map[string]struct{}, len(entities))
		for _, e := range entities {
			sub.entities[e] = struct{}{}
		}
	}

	if !h.add(sub) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(h.writeWait))
		_ = conn.Close()
		return
	}
	h.logger.Debug("Websocket subscriber connected", "tenant", tenant, "entities", len(sub.entities))

	go h.writeLoop(sub)
	h.readLoop(sub)
}

func (h *Hub) add(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.subscribers[sub] = struct{}{}
	return true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subscribers, sub)
	h.mu.Unlock()
	sub.stop()
}

// readLoop discards client frames and detects disconnects.
func (h *Hub) readLoop(sub *subscriber) {
	defer func() {
		h.remove(sub)
		_ = sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ping := time.NewTicker(h.pongWait * 9 / 10)
	defer func() {
		ping.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(sub)
				return
			}
		case <-ping.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(sub)
				return
			}
		case <-sub.done:
			_ = sub.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeWait))
			return
		}
	}
}

// Publish implements bookstore.Notifier. Delivery is best effort: a client
// whose queue is full is disconnected instead of blocking the caller.
func (h *Hub) Publish(ctx context.Context, event bookstore.EntityChanged) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return ErrHubClosed
	}
	var slow []*subscriber
	for sub := range h.subscribers {
		if !sub.wants(event) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.logger.Warn("Dropping slow websocket subscriber", "tenant", sub.tenant)
		h.remove(sub)
	}
	return nil
}

// Subscribers returns the number of connected clients of a tenant.
func (h *Hub) Subscribers(tenant string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for sub := range h.subscribers {
		if sub.tenant == tenant {
			n++
		}
	}
	return n
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*subscriber]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	return nil
}
