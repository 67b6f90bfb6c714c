//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"

	"binupnp-cp/internal/store"
)

// message is one MQTT publication.
type message struct {
	Topic    string
	Payload  []byte // empty means delete when retained
	Retained bool
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Device            haDevice `json:"device"`
}

// sensorClass describes how a service type shows up in HA.
type sensorClass struct {
	deviceClass string
	unit        string
	template    string
}

var sensorClasses = map[string]sensorClass{
	"TemperatureSensor": {"temperature", "°C", "{{ (value | float / 100) | round(2) }}"},
	"Brightness":        {"illuminance", "lx", ""},
	"AccumulatedEnergy": {"energy", "Wh", ""},
	"Voltage":           {"voltage", "V", ""},
	"Current":           {"current", "A", ""},
}

// deviceDisplayName returns a display name for the device.
func deviceDisplayName(dev *store.Device) string {
	if dev.Name != "" {
		return dev.Name
	}
	if dev.Manufacturer != "" {
		return dev.Manufacturer + " " + strconv.FormatUint(dev.ID, 10)
	}
	return strconv.FormatUint(dev.ID, 10)
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(dev *store.Device) string {
	return "binupnp_" + strconv.FormatUint(dev.ID, 10)
}

func deviceTopic(prefix string, id uint64) string {
	return prefix + "/" + strconv.FormatUint(id, 10)
}

func serviceTopic(prefix string, id uint64, sid uint8) string {
	return fmt.Sprintf("%s/%d/%d", prefix, id, sid)
}

// buildDiscovery generates one HA sensor per valued service.
func buildDiscovery(dev *store.Device, prefix string) []message {
	nodeID := deviceIdentifier(dev)
	displayName := deviceDisplayName(dev)
	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: dev.Manufacturer,
		Model:        dev.Application,
		Name:         displayName,
	}

	var msgs []message
	for _, s := range dev.Services {
		if !s.HasValue {
			continue
		}
		objectID := "service_" + strconv.Itoa(int(s.ID))
		name := s.Name
		if name == "" {
			name = s.Type
		}
		payload := haDiscovery{
			Name:              displayName + " " + name,
			UniqueID:          nodeID + "_" + objectID,
			StateTopic:        serviceTopic(prefix, dev.ID, s.ID),
			CommandTopic:      serviceTopic(prefix, dev.ID, s.ID) + "/set",
			AvailabilityTopic: prefix + "/bridge/state",
			UnitOfMeasurement: s.Unit,
			Device:            haDev,
		}
		if c, ok := sensorClasses[s.Type]; ok {
			payload.DeviceClass = c.deviceClass
			payload.StateClass = "measurement"
			payload.ValueTemplate = c.template
			if payload.UnitOfMeasurement == "" {
				payload.UnitOfMeasurement = c.unit
			}
		}
		msgs = append(msgs, message{
			Topic:    fmt.Sprintf("homeassistant/sensor/%s/%s/config", nodeID, objectID),
			Payload:  mustJSON(payload),
			Retained: true,
		})
	}
	return msgs
}

// buildRemoval generates empty retained messages that clear the info,
// value and discovery topics of a device.
func buildRemoval(dev *store.Device, prefix string) []message {
	nodeID := deviceIdentifier(dev)
	msgs := []message{{Topic: deviceTopic(prefix, dev.ID) + "/info", Retained: true}}
	for _, s := range dev.Services {
		if !s.HasValue {
			continue
		}
		msgs = append(msgs,
			message{Topic: serviceTopic(prefix, dev.ID, s.ID), Retained: true},
			message{
				Topic:    fmt.Sprintf("homeassistant/sensor/%s/service_%d/config", nodeID, s.ID),
				Retained: true,
			})
	}
	return msgs
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
