//go:build !no_mqtt

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// Registry is the part of the control point the bridge needs.
type Registry interface {
	Events() *controlpoint.EventBus
	Device(id uint64) *controlpoint.Device
	Devices() []*controlpoint.Device
}

// Bridge mirrors the device registry to MQTT and accepts value writes.
type Bridge struct {
	client pahomqtt.Client
	reg    Registry
	prefix string
	logger *slog.Logger
	unsub  []func()
	ctx    context.Context
	cancel context.CancelFunc

	// publish is replaced in tests.
	publish func(m message)

	// Last published record per device, used to clear topics on removal.
	mu      sync.Mutex
	records map[uint64]*store.Device
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg Registry, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(reg, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "binupnp-cp"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	b.publish = b.clientPublish
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(reg Registry, prefix string, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		reg:     reg,
		prefix:  prefix,
		logger:  logger.With("component", "mqtt"),
		ctx:     ctx,
		cancel:  cancel,
		records: make(map[uint64]*store.Device),
	}
}

// Start subscribes to registry events and begins MQTT publishing.
func (b *Bridge) Start() {
	bus := b.reg.Events()
	b.unsub = append(b.unsub, bus.AddDeviceListener(b), bus.AddValueListener(b))
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	for _, u := range b.unsub {
		u()
	}
	b.publishBridgeState("offline")
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) NewDevice(d *controlpoint.Device) { b.publishDevice(d) }

func (b *Bridge) ChangedDevice(d *controlpoint.Device, code controlpoint.EventCode) {
	if code&(controlpoint.EventMetaDataChange|controlpoint.EventServiceChange|
		controlpoint.EventDeviceAddressChange|controlpoint.EventPathChange) == 0 {
		return
	}
	b.publishDevice(d)
}

func (b *Bridge) DeviceGone(d *controlpoint.Device) {
	b.mu.Lock()
	rec, ok := b.records[d.ID()]
	delete(b.records, d.ID())
	b.mu.Unlock()
	if !ok {
		rec = store.RecordFromDevice(d)
	}
	for _, m := range buildRemoval(rec, b.prefix) {
		b.publish(m)
	}
}

func (b *Bridge) ValueChanged(s *controlpoint.Service) {
	if s.IsManagement() || !s.HasValue() {
		return
	}
	b.publishValue(s)
}

func (b *Bridge) publishDevice(d *controlpoint.Device) {
	rec := store.RecordFromDevice(d)
	rec.Online = true

	b.mu.Lock()
	old := b.records[rec.ID]
	b.records[rec.ID] = rec
	b.mu.Unlock()

	// Services that disappeared keep stale retained topics otherwise.
	if old != nil {
		for _, m := range buildRemoval(staleServices(old, rec), b.prefix) {
			if !strings.HasSuffix(m.Topic, "/info") {
				b.publish(m)
			}
		}
	}

	b.publish(message{Topic: deviceTopic(b.prefix, rec.ID) + "/info", Payload: mustJSON(rec), Retained: true})
	for _, m := range buildDiscovery(rec, b.prefix) {
		b.publish(m)
	}
	for _, s := range d.Services() {
		if s.HasValue() && !s.IsManagement() {
			b.publishValue(s)
		}
	}
}

// staleServices returns a copy of old holding only services rec lacks.
func staleServices(old, rec *store.Device) *store.Device {
	keep := make(map[uint8]bool, len(rec.Services))
	for _, s := range rec.Services {
		if s.HasValue {
			keep[s.ID] = true
		}
	}
	stale := &store.Device{ID: old.ID}
	for _, s := range old.Services {
		if !keep[s.ID] {
			stale.Services = append(stale.Services, s)
		}
	}
	return stale
}

func (b *Bridge) publishValue(s *controlpoint.Service) {
	b.publish(message{
		Topic:    serviceTopic(b.prefix, s.Device().ID(), s.ID()),
		Payload:  []byte(s.Value().String()),
		Retained: true,
	})
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(message{Topic: b.prefix + "/bridge/state", Payload: []byte(state), Retained: true})
}

func (b *Bridge) publishAll() {
	for _, d := range b.reg.Devices() {
		b.publishDevice(d)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", token.Error())
		}
	}()
}

// parseSetTopic extracts device and service IDs from
// "<prefix>/<device>/<service>/set".
func parseSetTopic(prefix, topic string) (uint64, uint8, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, 0, false
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok {
		return 0, 0, false
	}
	devPart, sidPart, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(devPart, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	sid, err := strconv.ParseUint(sidPart, 10, 8)
	if err != nil {
		return 0, 0, false
	}
	return id, uint8(sid), true
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	id, sid, ok := parseSetTopic(b.prefix, topic)
	if !ok {
		b.logger.Warn("invalid command topic", "topic", topic)
		return
	}
	dev := b.reg.Device(id)
	if dev == nil {
		b.logger.Warn("command for unknown device", "device", id)
		return
	}
	svc := dev.Service(sid)
	if svc == nil || !svc.HasValue() {
		b.logger.Warn("command for unknown service", "device", id, "service", sid)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	value := strings.TrimSpace(string(payload))
	if err := svc.SetValueString(ctx, value); err != nil {
		b.logger.Warn("set value failed", "device", id, "service", sid, "value", value, "err", err)
		return
	}
	b.publishValue(svc)
}

func (b *Bridge) clientPublish(m message) {
	token := b.client.Publish(m.Topic, 1, m.Retained, m.Payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", m.Topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", m.Topic, "err", err)
		}
	}()
}
