package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"binupnp-cp/internal/controlpoint"
)

func newTestHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(newTestLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func newTestClient(t *testing.T, hub *WSHub, query string, buffer int) *wsClient {
	t.Helper()
	q, err := url.ParseQuery(query)
	if err != nil {
		t.Fatal(err)
	}
	f, err := parseWSFilter(q)
	if err != nil {
		t.Fatal(err)
	}
	c := &wsClient{filter: f, send: make(chan []byte, buffer)}
	if !hub.add(c) {
		t.Fatal("client rejected")
	}
	return c
}

// recv returns the type of the next message for c, or "" if none arrives.
func recv(t *testing.T, c *wsClient) string {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			return ""
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatal(err)
		}
		return msg.Type
	case <-time.After(200 * time.Millisecond):
		return ""
	}
}

func goneEvent() controlpoint.Event {
	return controlpoint.Event{Type: controlpoint.EventDeviceGone, Data: controlpoint.DeviceEvent{Device: &controlpoint.Device{}}}
}

func searchEvent() controlpoint.Event {
	return controlpoint.Event{Type: controlpoint.EventSearch, Data: 2}
}

func TestParseWSFilter(t *testing.T) {
	tests := []struct {
		query   string
		types   int
		devices int
		wantErr bool
	}{
		{"", 0, 0, false},
		{"type=value_changed,device_gone", 2, 0, false},
		{"type=search&type=device", 2, 0, false},
		{"device=7,%208&type=value_changed", 1, 2, false},
		{"type=value_changed,,", 1, 0, false},
		{"type=bogus", 0, 0, true},
		{"device=kitchen", 0, 0, true},
		{"device=-1", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatal(err)
			}
			f, err := parseWSFilter(q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (len(f.types) != tt.types || len(f.devices) != tt.devices) {
				t.Errorf("filter = %+v", f)
			}
		})
	}
}

func TestWSFilterMatch(t *testing.T) {
	gone := newWSMessage(goneEvent())
	search := newWSMessage(searchEvent())

	tests := []struct {
		name       string
		filter     wsFilter
		gone, find bool
	}{
		{"empty", wsFilter{}, true, true},
		{"by type", wsFilter{types: map[string]bool{"search": true}}, false, true},
		{"by device", wsFilter{devices: map[uint64]bool{0: true}}, true, false},
		{"other device", wsFilter{devices: map[uint64]bool{5: true}}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.match(gone); got != tt.gone {
				t.Errorf("match(device_gone) = %v, want %v", got, tt.gone)
			}
			if got := tt.filter.match(search); got != tt.find {
				t.Errorf("match(search) = %v, want %v", got, tt.find)
			}
		})
	}
}

func TestWSHubDeliversByFilter(t *testing.T) {
	hub := newTestHub(t)
	all := newTestClient(t, hub, "", 16)
	device := newTestClient(t, hub, "device=0", 16)
	searches := newTestClient(t, hub, "type=search", 16)

	hub.Publish(goneEvent())
	hub.Publish(searchEvent())

	if a, b := recv(t, all), recv(t, all); a != "device_gone" || b != "search" {
		t.Errorf("unfiltered client got %q, %q", a, b)
	}
	if got := recv(t, device); got != "device_gone" {
		t.Errorf("device client got %q", got)
	}
	if got := recv(t, device); got != "" {
		t.Errorf("device client also got %q", got)
	}
	if got := recv(t, searches); got != "search" {
		t.Errorf("search client got %q", got)
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := newTestHub(t)
	slow := newTestClient(t, hub, "", 1)
	fast := newTestClient(t, hub, "", 16)
	// Does not match, so never fills up.
	idle := newTestClient(t, hub, "type=value_changed", 1)

	hub.Publish(searchEvent())
	hub.Publish(searchEvent())
	if recv(t, fast) == "" || recv(t, fast) == "" {
		t.Fatal("fast client missed an event")
	}

	if hub.Clients() != 2 {
		t.Errorf("clients = %d, want 2", hub.Clients())
	}
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("slow client still open")
	}
	select {
	case _, ok := <-idle.send:
		t.Errorf("idle client received or closed (ok=%v)", ok)
	default:
	}
}

func TestWSHubPublishDoesNotBlock(t *testing.T) {
	hub := NewWSHub(newTestLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < wsEventBuffer+1; i++ {
			hub.Publish(searchEvent())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish blocked with a full queue")
	}
}

func TestWSHubStop(t *testing.T) {
	hub := NewWSHub(newTestLogger())
	stopped := make(chan struct{})
	go func() {
		hub.Run()
		close(stopped)
	}()
	c := &wsClient{send: make(chan []byte, 1)}
	if !hub.add(c) {
		t.Fatal("add failed")
	}

	hub.Stop()
	hub.Stop()
	<-stopped
	if _, ok := <-c.send; ok {
		t.Error("client not closed on stop")
	}
	if hub.add(&wsClient{send: make(chan []byte, 1)}) {
		t.Error("add succeeded after stop")
	}
	hub.remove(c)
}

func TestNewWSMessage(t *testing.T) {
	msg := newWSMessage(goneEvent())
	if id, ok := msg.device(); msg.Type != "device_gone" || !ok || id != 0 {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Time.IsZero() {
		t.Error("time not set")
	}
	if _, ok := newWSMessage(searchEvent()).device(); ok {
		t.Error("search message reports a device")
	}
}

func TestWSRejectsBadFilter(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	if w := do(t, srv, "GET", "/ws?type=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func dialWS(t *testing.T, srv *Server, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws"+query, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	deadline := time.Now().Add(2 * time.Second)
	for srv.wsHub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn, ctx
}

type wsReceived struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func readWS(t *testing.T, ctx context.Context, conn *websocket.Conn) wsReceived {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsReceived
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestWSSnapshotThenEvents(t *testing.T) {
	srv, _, cp := setupTestServer(t)
	conn, ctx := dialWS(t, srv, "")

	snap := readWS(t, ctx, conn)
	if snap.Type != "device" || snap.Data["device"] != float64(0) || snap.Data["state"] == nil {
		t.Errorf("snapshot = %+v", snap)
	}

	cp.events.Emit(searchEvent())
	if msg := readWS(t, ctx, conn); msg.Type != "search" || msg.Data["bundles"] != float64(2) {
		t.Errorf("msg = %+v", msg)
	}
}

func TestWSFilteredStream(t *testing.T) {
	srv, _, cp := setupTestServer(t)
	conn, ctx := dialWS(t, srv, "?type=search")

	// Neither the snapshot nor the device event pass the filter.
	cp.events.Emit(goneEvent())
	cp.events.Emit(searchEvent())
	if msg := readWS(t, ctx, conn); msg.Type != "search" {
		t.Errorf("first message = %+v, want search", msg)
	}
}
