package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/TiagoJoseMS/script-manager/internal/events"
	"github.com/TiagoJoseMS/script-manager/internal/scripts"
)

const (
	wsReadLimit    = 4096 // clients only send small commands
	wsSendBuffer   = 64
	wsQueueSize    = 256
	wsWriteTimeout = 10 * time.Second
)

// EventHello is the first message a client receives after connecting.
const EventHello = "hello"

type wsHello struct {
	Version string               `json:"version"`
	Status  scripts.Status       `json:"status"`
	Scripts []scripts.Descriptor `json:"scripts"`
}

// wsCommand is a client request. Events is used by "subscribe"; an empty
// list restores the full feed.
type wsCommand struct {
	Type   string   `json:"type"`
	Events []string `json:"events,omitempty"`
}

// WSHub pushes engine events to connected UI clients. All membership and
// subscription changes happen on the Run goroutine.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	subscribe  chan wsSubscription
	events     chan events.Event

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	filter map[string]struct{} // nil means every event type
}

func (c *wsClient) wants(eventType string) bool {
	if c.filter == nil {
		return true
	}
	_, ok := c.filter[eventType]
	return ok
}

type wsSubscription struct {
	client *wsClient
	types  []string
}

func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger.With("component", "ws"),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		subscribe:  make(chan wsSubscription),
		events:     make(chan events.Event, wsQueueSize),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c, "disconnected")
		case sub := <-h.subscribe:
			h.setFilter(sub)
		case ev := <-h.events:
			h.push(ev)
		}
	}
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ui client connected", "clients", n)
}

// remove drops c and closes its send queue, which ends its write pump.
// Unknown clients are ignored.
func (h *WSHub) remove(c *wsClient, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("ui client removed", "reason", reason, "clients", n)
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *WSHub) setFilter(sub wsSubscription) {
	var filter map[string]struct{}
	if len(sub.types) > 0 {
		filter = make(map[string]struct{}, len(sub.types))
		for _, t := range sub.types {
			filter[t] = struct{}{}
		}
	}
	h.mu.Lock()
	if _, ok := h.clients[sub.client]; ok {
		sub.client.filter = filter
	}
	h.mu.Unlock()
}

// push encodes ev once and queues it for every interested client. A client
// whose queue is full has stopped reading and is evicted.
func (h *WSHub) push(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "err", err)
		return
	}
	var stalled []*wsClient
	h.mu.RLock()
	for c := range h.clients {
		if !c.wants(ev.Type) {
			continue
		}
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range stalled {
		h.remove(c, "stalled")
		h.logger.Warn("ui client evicted, send queue full", "event", ev.Type)
	}
}

// Stop closes every client and ends Run. Safe to call more than once.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues ev for delivery. It never blocks the emitter; when the
// queue is full the event is dropped.
func (h *WSHub) Broadcast(ev events.Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn("event queue full, dropping", "type", ev.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Warn("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	// Queued before registration so the snapshot precedes any pushed event.
	if hello, err := json.Marshal(events.Event{Type: EventHello, Data: s.hello()}); err == nil {
		client.send <- hello
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		s.handleWSCommand(client, data)
	}
}

func (s *Server) hello() wsHello {
	return wsHello{
		Version: s.version,
		Status:  s.svc.Status(),
		Scripts: s.svc.ListScripts(),
	}
}

// handleWSCommand serves client commands. Results reach clients through
// the event feed, so nothing is written back here.
func (s *Server) handleWSCommand(client *wsClient, data []byte) {
	var cmd wsCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		s.logger.Debug("ws invalid command", "err", err)
		return
	}
	switch cmd.Type {
	case "refresh":
		if _, err := s.svc.Refresh(); err != nil {
			s.logger.Warn("ws refresh", "err", err)
		}
	case "subscribe":
		select {
		case s.wsHub.subscribe <- wsSubscription{client: client, types: cmd.Events}:
		case <-s.wsHub.done:
		}
	default:
		s.logger.Debug("ws unknown command", "type", cmd.Type)
	}
}
