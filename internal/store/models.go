package store

import "time"

// Device is the persisted record of a device the control point has
// described at least once. It outlives the device's presence on the
// network.
type Device struct {
	ID              uint64    `json:"id"`
	Name            string    `json:"name,omitempty"`
	Application     string    `json:"application,omitempty"`
	Manufacturer    string    `json:"manufacturer,omitempty"`
	DeviceType      uint8     `json:"device_type"`
	DescriptionDate string    `json:"description_date"`
	AccessAddress   string    `json:"access_address"`
	Hops            int       `json:"hops"`
	Services        []Service `json:"services,omitempty"`
	Online          bool      `json:"online"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
}

// Service is the persisted summary of a device service.
type Service struct {
	ID       uint8  `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Unit     string `json:"unit,omitempty"`
	HasValue bool   `json:"has_value"`
}

// Description holds the raw description messages of a device.
type Description struct {
	DeviceID uint64           `json:"device_id"`
	Device   []byte           `json:"device"`
	Services map[uint8][]byte `json:"services,omitempty"`
	StoredAt time.Time        `json:"stored_at"`
}

// InstanceState identifies this control point installation across
// restarts.
type InstanceState struct {
	InstanceID string    `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
}
