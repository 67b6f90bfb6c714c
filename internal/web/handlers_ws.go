package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"binupnp-cp/internal/controlpoint"
)

// wsTypeDevice is the message type of the registry snapshot a client
// receives right after connecting, one message per device.
const wsTypeDevice = "device"

const (
	wsSendBuffer  = 64
	wsEventBuffer = 256
)

var wsTypes = []string{
	wsTypeDevice,
	controlpoint.EventNewDevice,
	controlpoint.EventDeviceChanged,
	controlpoint.EventDeviceGone,
	controlpoint.EventValueChanged,
	controlpoint.EventSearch,
}

// wsMessage is one control point event as sent to WebSocket clients.
type wsMessage struct {
	Type string                 `json:"type"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data"`
}

func newWSMessage(e controlpoint.Event) wsMessage {
	return wsMessage{Type: e.Type, Time: time.Now(), Data: e.Fields()}
}

// device returns the ID of the device the message is about, if any.
func (m wsMessage) device() (uint64, bool) {
	id, ok := m.Data["device"].(uint64)
	return id, ok
}

// wsFilter selects the messages a client receives. An empty set matches
// everything; a device filter drops messages without a device.
type wsFilter struct {
	types   map[string]bool
	devices map[uint64]bool
}

// parseWSFilter reads the type and device query parameters. Both take
// comma separated lists and may repeat: /ws?type=value_changed&device=7,9
func parseWSFilter(q url.Values) (wsFilter, error) {
	var f wsFilter
	for _, t := range splitList(q["type"]) {
		if !slices.Contains(wsTypes, t) {
			return f, fmt.Errorf("unknown event type %q", t)
		}
		if f.types == nil {
			f.types = make(map[string]bool)
		}
		f.types[t] = true
	}
	for _, v := range splitList(q["device"]) {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid device id %q", v)
		}
		if f.devices == nil {
			f.devices = make(map[uint64]bool)
		}
		f.devices[id] = true
	}
	return f, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func (f wsFilter) match(m wsMessage) bool {
	if len(f.types) > 0 && !f.types[m.Type] {
		return false
	}
	if len(f.devices) > 0 {
		id, ok := m.device()
		return ok && f.devices[id]
	}
	return true
}

// WSHub fans control point events out to WebSocket clients, each through
// its own filter.
type WSHub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	events   chan wsMessage
	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn   *websocket.Conn
	filter wsFilter
	send   chan []byte
}

// NewWSHub creates a hub. Run must be started to deliver events.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		events:  make(chan wsMessage, wsEventBuffer),
		done:    make(chan struct{}),
	}
}

// Run delivers published events until Stop, then closes every client.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				h.dropLocked(c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.events:
			h.deliver(msg)
		}
	}
}

// Publish queues an event for delivery. It never blocks the emitter; when
// the queue is full the event is dropped.
func (h *WSHub) Publish(e controlpoint.Event) {
	select {
	case h.events <- newWSMessage(e):
	default:
		h.logger.Warn("ws event queue full, dropping event", "type", e.Type)
	}
}

// Stop shuts the hub down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) deliver(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("ws marshal", "type", msg.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.filter.match(msg) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			h.logger.Warn("ws client too slow, disconnected")
		}
	}
}

// add registers c. It fails once the hub is stopped.
func (h *WSHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = struct{}{}
	h.logger.Debug("ws client connected", "total", len(h.clients))
	return true
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		h.dropLocked(c)
		h.logger.Debug("ws client disconnected", "total", len(h.clients))
	}
}

func (h *WSHub) dropLocked(c *wsClient) {
	delete(h.clients, c)
	close(c.send)
}

// wsSnapshot encodes one device message per live device the filter accepts.
func (s *Server) wsSnapshot(f wsFilter) [][]byte {
	var out [][]byte
	now := time.Now()
	for _, d := range s.cp.Devices() {
		msg := wsMessage{Type: wsTypeDevice, Time: now, Data: map[string]interface{}{
			"device": d.ID(),
			"state":  newDeviceView(d),
		}}
		if !f.match(msg) {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Error("ws snapshot", "device", d.ID(), "err", err)
			continue
		}
		out = append(out, data)
	}
	return out
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	filter, err := parseWSFilter(r.URL.Query())
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	// Clients only send keepalives.
	conn.SetReadLimit(4096)

	snapshot := s.wsSnapshot(filter)
	client := &wsClient{
		conn:   conn,
		filter: filter,
		send:   make(chan []byte, wsSendBuffer+len(snapshot)),
	}
	for _, data := range snapshot {
		client.send <- data
	}
	if !s.wsHub.add(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer s.wsHub.remove(client)

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
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
