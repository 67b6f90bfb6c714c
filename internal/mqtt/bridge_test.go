//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func sensorRecord() *store.Device {
	return &store.Device{
		ID:           4711,
		Name:         "Kitchen",
		Manufacturer: "FhG Fokus",
		Application:  "climate",
		Services: []store.Service{
			{ID: 0, Type: "ServiceManagement"},
			{ID: 1, Type: "TemperatureSensor", HasValue: true},
			{ID: 2, Type: "Button", Name: "Door", HasValue: true},
		},
	}
}

func TestDiscoveryTemperatureSensor(t *testing.T) {
	msgs := buildDiscovery(sensorRecord(), "binupnp")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}

	var tempMsg *message
	for i := range msgs {
		if msgs[i].Topic == "homeassistant/sensor/binupnp_4711/service_1/config" {
			tempMsg = &msgs[i]
		}
	}
	if tempMsg == nil {
		t.Fatal("temperature discovery not found")
	}
	if !tempMsg.Retained {
		t.Error("discovery not retained")
	}

	var payload haDiscovery
	if err := json.Unmarshal(tempMsg.Payload, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Name != "Kitchen TemperatureSensor" {
		t.Errorf("name = %q", payload.Name)
	}
	if payload.UniqueID != "binupnp_4711_service_1" {
		t.Errorf("unique_id = %q", payload.UniqueID)
	}
	if payload.DeviceClass != "temperature" || payload.UnitOfMeasurement != "°C" {
		t.Errorf("class/unit = %q/%q", payload.DeviceClass, payload.UnitOfMeasurement)
	}
	if payload.StateTopic != "binupnp/4711/1" {
		t.Errorf("state_topic = %q", payload.StateTopic)
	}
	if payload.CommandTopic != "binupnp/4711/1/set" {
		t.Errorf("command_topic = %q", payload.CommandTopic)
	}
	if payload.AvailabilityTopic != "binupnp/bridge/state" {
		t.Errorf("availability_topic = %q", payload.AvailabilityTopic)
	}
	if payload.Device.Manufacturer != "FhG Fokus" {
		t.Errorf("device.manufacturer = %q", payload.Device.Manufacturer)
	}
}

func TestDiscoveryUsesServiceName(t *testing.T) {
	msgs := buildDiscovery(sensorRecord(), "binupnp")
	var payload haDiscovery
	if err := json.Unmarshal(msgs[1].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Name != "Kitchen Door" {
		t.Errorf("name = %q, want Kitchen Door", payload.Name)
	}
	if payload.DeviceClass != "" {
		t.Errorf("device_class = %q, want none", payload.DeviceClass)
	}
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		name string
		dev  store.Device
		want string
	}{
		{"named", store.Device{ID: 1, Name: "Hall", Manufacturer: "ACME"}, "Hall"},
		{"manufacturer", store.Device{ID: 2, Manufacturer: "ACME"}, "ACME 2"},
		{"id only", store.Device{ID: 3}, "3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceDisplayName(&tt.dev); got != tt.want {
				t.Errorf("deviceDisplayName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoval(t *testing.T) {
	msgs := buildRemoval(sensorRecord(), "binupnp")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"binupnp/4711/info",
		"binupnp/4711/1",
		"binupnp/4711/2",
		"homeassistant/sensor/binupnp_4711/service_1/config",
	} {
		if !topics[want] {
			t.Errorf("missing removal of %s", want)
		}
	}
	if topics["binupnp/4711/0"] {
		t.Error("management service topic cleared")
	}
	for _, m := range msgs {
		if m.Payload != nil || !m.Retained {
			t.Errorf("removal %s = %q retained=%v", m.Topic, m.Payload, m.Retained)
		}
	}
}

func TestParseSetTopic(t *testing.T) {
	tests := []struct {
		topic string
		id    uint64
		sid   uint8
		ok    bool
	}{
		{"binupnp/4711/1/set", 4711, 1, true},
		{"binupnp/4711/255/set", 4711, 255, true},
		{"binupnp/4711/256/set", 0, 0, false},
		{"binupnp/4711/1", 0, 0, false},
		{"other/4711/1/set", 0, 0, false},
		{"binupnp/kitchen/1/set", 0, 0, false},
		{"binupnp/4711/set", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			id, sid, ok := parseSetTopic("binupnp", tt.topic)
			if ok != tt.ok || id != tt.id || sid != tt.sid {
				t.Errorf("parseSetTopic = %d, %d, %v", id, sid, ok)
			}
		})
	}
}

func TestStaleServices(t *testing.T) {
	old := sensorRecord()
	rec := sensorRecord()
	rec.Services = rec.Services[:2]

	stale := staleServices(old, rec)
	if len(stale.Services) != 1 || stale.Services[0].ID != 2 {
		t.Errorf("stale = %+v", stale.Services)
	}
}

func TestBridgeDeviceLifecycle(t *testing.T) {
	b := newBridge(nil, "binupnp", newTestLogger())
	var published []message
	b.publish = func(m message) { published = append(published, m) }

	dev := &controlpoint.Device{}
	b.NewDevice(dev)
	if len(published) != 1 || published[0].Topic != "binupnp/0/info" || !published[0].Retained {
		t.Fatalf("published = %+v", published)
	}
	var rec store.Device
	if err := json.Unmarshal(published[0].Payload, &rec); err != nil {
		t.Fatal(err)
	}
	if !rec.Online {
		t.Error("info not online")
	}

	published = nil
	b.ChangedDevice(dev, controlpoint.EventExpirationTimeChange)
	if len(published) != 0 {
		t.Errorf("expiration change published %d messages", len(published))
	}

	b.DeviceGone(dev)
	if len(published) != 1 || published[0].Topic != "binupnp/0/info" || published[0].Payload != nil {
		t.Errorf("gone published = %+v", published)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
}

func extractTopics(msgs []message) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
