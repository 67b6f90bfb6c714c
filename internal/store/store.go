package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Device operations
	SaveDevice(dev *Device) error
	GetDevice(id uint64) (*Device, error)
	DeleteDevice(id uint64) error
	ListDevices() ([]*Device, error)

	// UpdateDevice atomically reads, modifies, and saves a device in a single
	// transaction. Returns ErrNotFound if the device does not exist.
	UpdateDevice(id uint64, fn func(dev *Device) error) error

	// Description cache
	StoreDescription(deviceID uint64, description []byte, services map[uint8][]byte) error
	GetDescription(deviceID uint64) (*Description, error)

	// Instance state
	SaveInstanceState(state *InstanceState) error
	GetInstanceState() (*InstanceState, error)

	// Close the store
	Close() error
}
