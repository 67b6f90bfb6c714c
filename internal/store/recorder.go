package store

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/wire"
)

// Recorder keeps device records in sync with registry events.
type Recorder struct {
	st     Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder writing to st.
func NewRecorder(st Store, logger *slog.Logger) *Recorder {
	return &Recorder{st: st, logger: logger.With("component", "recorder"), now: time.Now}
}

// Attach subscribes the recorder to bus. Returns an unsubscribe function.
func (r *Recorder) Attach(bus *controlpoint.EventBus) func() {
	return bus.AddDeviceListener(r)
}

func (r *Recorder) NewDevice(d *controlpoint.Device) { r.save(d) }

func (r *Recorder) ChangedDevice(d *controlpoint.Device, _ controlpoint.EventCode) { r.save(d) }

func (r *Recorder) DeviceGone(d *controlpoint.Device) {
	now := r.now()
	err := r.st.UpdateDevice(d.ID(), func(rec *Device) error {
		rec.Online = false
		rec.LastSeen = now
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Error("mark device offline", "device", d.ID(), "err", err)
	}
}

func (r *Recorder) save(d *controlpoint.Device) {
	rec := RecordFromDevice(d)
	rec.Online = true
	rec.LastSeen = r.now()
	rec.FirstSeen = rec.LastSeen
	if old, err := r.st.GetDevice(rec.ID); err == nil {
		rec.FirstSeen = old.FirstSeen
	}
	if err := r.st.SaveDevice(rec); err != nil {
		r.logger.Error("save device", "device", rec.ID, "err", err)
	}
}

// MarkAllOffline clears the online flag of every record. Called at startup,
// before any device is rediscovered.
func (r *Recorder) MarkAllOffline() error {
	devices, err := r.st.ListDevices()
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devices {
		if !d.Online {
			continue
		}
		d.Online = false
		if err := r.st.SaveDevice(d); err != nil {
			return fmt.Errorf("save device %d: %w", d.ID, err)
		}
	}
	return nil
}

// RecordFromDevice converts a registry device into its persisted form.
func RecordFromDevice(d *controlpoint.Device) *Device {
	info := d.Info()
	rec := &Device{
		ID:              d.ID(),
		Name:            d.Name(),
		Application:     d.Application(),
		Manufacturer:    d.Manufacturer(),
		DeviceType:      d.DeviceType(),
		DescriptionDate: wire.FormatDescriptionDate(info.DescriptionDate),
		AccessAddress:   info.AccessAddress.String(),
		Hops:            len(info.Path),
	}
	for _, s := range d.Services() {
		rec.Services = append(rec.Services, Service{
			ID:       s.ID(),
			Type:     s.TypeName(),
			Name:     s.Name(),
			Unit:     s.ValueUnit(),
			HasValue: s.HasValue() && !s.IsManagement(),
		})
	}
	return rec
}

// EnsureInstanceID returns the stored instance ID, creating one on first
// use.
func EnsureInstanceID(st Store) (string, error) {
	state, err := st.GetInstanceState()
	if err == nil && state.InstanceID != "" {
		return state.InstanceID, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("get instance state: %w", err)
	}
	state = &InstanceState{InstanceID: uuid.New().String(), CreatedAt: time.Now()}
	if err := st.SaveInstanceState(state); err != nil {
		return "", fmt.Errorf("save instance state: %w", err)
	}
	return state.InstanceID, nil
}
