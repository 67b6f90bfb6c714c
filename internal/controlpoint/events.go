package controlpoint

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventNewDevice     = "new_device"
	EventDeviceGone    = "device_gone"
	EventDeviceChanged = "device_changed"
	EventValueChanged  = "value_changed"
	EventSearch        = "search"
)

// Event represents a control point event.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// DeviceEvent is the payload of device events.
type DeviceEvent struct {
	Device *Device
	// Code is set for EventDeviceChanged.
	Code EventCode
}

// ValueEvent is the payload of EventValueChanged.
type ValueEvent struct {
	Service *Service
}

// Fields flattens the event payload into plain values: device, name and
// code for device events; device, service, value, number and celsius for
// value events; bundles for searches.
func (e Event) Fields() map[string]interface{} {
	data := make(map[string]interface{})
	switch d := e.Data.(type) {
	case DeviceEvent:
		if d.Device == nil {
			break
		}
		data["device"] = d.Device.ID()
		data["name"] = d.Device.Name()
		if d.Code != 0 {
			data["code"] = d.Code.String()
		}
	case ValueEvent:
		s := d.Service
		if s == nil {
			break
		}
		if dev := s.Device(); dev != nil {
			data["device"] = dev.ID()
		}
		data["service"] = s.ID()
		v := s.Value()
		data["value"] = v.String()
		if v.IsNumeric() {
			data["number"] = v.Numeric()
		}
		if c, ok := s.Celsius(); ok {
			data["celsius"] = c
		}
	case int:
		data["bundles"] = d
	}
	return data
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for control point events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// DeviceListener receives device lifecycle notifications.
type DeviceListener interface {
	NewDevice(d *Device)
	DeviceGone(d *Device)
	ChangedDevice(d *Device, code EventCode)
}

// ValueListener receives service value notifications.
type ValueListener interface {
	ValueChanged(s *Service)
}

// AddDeviceListener subscribes l to device events. Returns an unsubscribe
// function.
func (eb *EventBus) AddDeviceListener(l DeviceListener) func() {
	return eb.OnAll(func(e Event) {
		de, ok := e.Data.(DeviceEvent)
		if !ok {
			return
		}
		switch e.Type {
		case EventNewDevice:
			l.NewDevice(de.Device)
		case EventDeviceGone:
			l.DeviceGone(de.Device)
		case EventDeviceChanged:
			l.ChangedDevice(de.Device, de.Code)
		}
	})
}

// AddValueListener subscribes l to value events. Returns an unsubscribe
// function.
func (eb *EventBus) AddValueListener(l ValueListener) func() {
	return eb.On(EventValueChanged, func(e Event) {
		if ve, ok := e.Data.(ValueEvent); ok {
			l.ValueChanged(ve.Service)
		}
	})
}
