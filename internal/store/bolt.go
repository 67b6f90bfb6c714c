package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketDevices      = []byte("devices")
	bucketDescriptions = []byte("descriptions")
	bucketInstance     = []byte("instance")
	keyInstance        = []byte("state")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketDescriptions, bucketInstance} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// deviceKey orders devices by ID in bucket iteration.
func deviceKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, id)
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data, err := json.Marshal(dev)
		if err != nil {
			return err
		}
		return b.Put(deviceKey(dev.ID), data)
	})
}

func (s *BoltStore) GetDevice(id uint64) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get(deviceKey(id))
		if data == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) UpdateDevice(id uint64, fn func(dev *Device) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get(deviceKey(id))
		if data == nil {
			return fmt.Errorf("device %d: %w", id, ErrNotFound)
		}
		var dev Device
		if err := json.Unmarshal(data, &dev); err != nil {
			return err
		}
		if err := fn(&dev); err != nil {
			return err
		}
		out, err := json.Marshal(&dev)
		if err != nil {
			return err
		}
		return b.Put(deviceKey(id), out)
	})
}

// DeleteDevice removes the device record and its cached descriptions.
func (s *BoltStore) DeleteDevice(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		if err := b.Delete(deviceKey(id)); err != nil {
			return err
		}
		if d := tx.Bucket(bucketDescriptions); d != nil {
			return d.Delete(deviceKey(id))
		}
		return nil
	})
}

func (s *BoltStore) ListDevices() ([]*Device, error) {
	var devices []*Device
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*Device, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var dev Device
			if err := json.Unmarshal(v, &dev); err != nil {
				return err
			}
			devices = append(devices, &dev)
			return nil
		})
	})
	return devices, err
}

// StoreDescription caches the raw description messages of a device,
// replacing earlier ones.
func (s *BoltStore) StoreDescription(deviceID uint64, description []byte, services map[uint8][]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDescriptions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDescriptions)
		}
		data, err := json.Marshal(&Description{
			DeviceID: deviceID,
			Device:   description,
			Services: services,
			StoredAt: s.now(),
		})
		if err != nil {
			return err
		}
		return b.Put(deviceKey(deviceID), data)
	})
}

func (s *BoltStore) GetDescription(deviceID uint64) (*Description, error) {
	var desc Description
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDescriptions)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDescriptions)
		}
		data := b.Get(deviceKey(deviceID))
		if data == nil {
			return fmt.Errorf("description %d: %w", deviceID, ErrNotFound)
		}
		return json.Unmarshal(data, &desc)
	})
	if err != nil {
		return nil, err
	}
	return &desc, nil
}

func (s *BoltStore) SaveInstanceState(state *InstanceState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstance)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketInstance)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keyInstance, data)
	})
}

func (s *BoltStore) GetInstanceState() (*InstanceState, error) {
	var state InstanceState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInstance)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketInstance)
		}
		data := b.Get(keyInstance)
		if data == nil {
			return fmt.Errorf("instance state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
