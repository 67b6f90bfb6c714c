package controlpoint

import (
	"context"
	"slices"
	"time"

	"binupnp-cp/internal/wire"
)

// Energy measurement devices are proxied and described locally.
const (
	proxyLifeTime     = 30
	proxyApplication  = "4032"
	proxyName         = "EnergyMeasurement"
	proxyManufacturer = "FhG Fokus"
)

func (cp *ControlPoint) engineLoop(ctx context.Context) error {
	ticker := time.NewTicker(cp.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cp.tick(ctx)
		}
	}
}

// tick runs one reconciliation cycle. The order of the steps matters:
// values of new devices are read before further descriptions are fetched.
func (cp *ControlPoint) tick(ctx context.Context) {
	cp.pingStep()
	cp.initialValueStep(ctx)
	cp.descriptionStep(ctx)
	cp.managementStep(ctx)
	cp.expirationStep()
}

func (cp *ControlPoint) pingStep() {
	if !cp.cfg.ActivePing {
		return
	}
	now := cp.now()
	cp.mu.Lock()
	due := !now.Before(cp.nextPing)
	if due {
		factor := 0.8 + cp.jitter()*0.2
		cp.nextPing = now.Add(time.Duration(float64(cp.cfg.PingInterval) * factor))
	}
	cp.mu.Unlock()
	if due {
		cp.Ping()
	}
}

func (cp *ControlPoint) initialValueStep(ctx context.Context) {
	cp.mu.Lock()
	if len(cp.initialValues) == 0 {
		cp.mu.Unlock()
		return
	}
	dev := cp.initialValues[0]
	cp.initialValues = cp.initialValues[1:]
	cp.mu.Unlock()

	for _, s := range dev.Services() {
		if !s.HasValue() {
			continue
		}
		if _, err := s.GetValue(ctx); err != nil {
			cp.logger.Debug("initial value", "device", dev, "service", s, "err", err)
			continue
		}
		cp.valueChanged(s)
	}
}

func (cp *ControlPoint) descriptionStep(ctx context.Context) {
	now := cp.now()
	cp.mu.Lock()
	if len(cp.infos) == 0 {
		cp.mu.Unlock()
		return
	}
	info := cp.infos[0]
	if !info.lastDescriptionRequest.IsZero() && now.Sub(info.lastDescriptionRequest) < cp.cfg.DescriptionRetryInterval {
		cp.requeueLocked(info)
		cp.mu.Unlock()
		return
	}
	info.lastDescriptionRequest = now
	snapshot := info.clone()
	cp.mu.Unlock()

	dev := cp.proxyDevice(&snapshot)
	if dev == nil {
		dev = cp.fetchDescription(ctx, &snapshot)
	}

	cp.mu.Lock()
	if dev == nil {
		cp.requeueLocked(info)
		cp.mu.Unlock()
		return
	}
	cp.infos = slices.DeleteFunc(cp.infos, func(i *DeviceInfo) bool { return i == info })
	// The device may have announced again while its description was fetched.
	dev.seen(info.LastDiscovery)
	existing := cp.devices[snapshot.DeviceID]
	if existing == nil {
		cp.devices[snapshot.DeviceID] = dev
	}
	cp.mu.Unlock()

	if existing == nil {
		cp.newDevice(dev)
		return
	}
	code := existing.update(dev, now)
	cp.changedDevice(existing, code)
}

// requeueLocked moves info to the end of the pending queue.
func (cp *ControlPoint) requeueLocked(info *DeviceInfo) {
	cp.infos = slices.DeleteFunc(cp.infos, func(i *DeviceInfo) bool { return i == info })
	cp.infos = append(cp.infos, info)
}

// fetchDescription requests the device description and, if the device keeps
// them separately, every service description. Any failure discards the
// whole device.
func (cp *ControlPoint) fetchDescription(ctx context.Context, info *DeviceInfo) *Device {
	if info.Bundle == nil {
		return nil
	}
	ch := info.Bundle.Description()
	resp, err := cp.send(ctx, wire.GetDeviceDescriptionPrefix(info.DeviceID), info, ch, info.DescriptionPort, nil)
	if err != nil {
		cp.logger.Debug("description request", "id", info.DeviceID, "err", err)
		return nil
	}
	desc, ok := wire.ParseDeviceDescription(resp, info.DeviceID)
	if !ok {
		cp.logger.Debug("invalid description", "id", info.DeviceID, "len", len(resp))
		return nil
	}

	services := make(map[uint8][]byte)
	// Service description round trips count towards the new device's
	// response times.
	timing := &Device{}
	if desc.ExternalServiceDescriptions {
		for i, sd := range desc.Services {
			prefix := wire.GetServiceDescriptionPrefix(info.DeviceID, sd.ID)
			resp, err := cp.send(ctx, prefix, info, ch, info.DescriptionPort, timing)
			if err != nil {
				cp.logger.Debug("service description request", "id", info.DeviceID, "service", sd.ID, "err", err)
				return nil
			}
			svc, ok := wire.ParseServiceDescription(resp, info.DeviceID)
			if !ok {
				cp.logger.Debug("invalid service description", "id", info.DeviceID, "service", sd.ID)
				return nil
			}
			desc.Services[i] = *svc
			services[svc.ID] = resp
		}
	}
	dev := newDevice(cp, info, desc)
	dev.serviceDescriptions = services
	dev.responseTimes = timing.responseTimes
	dev.responseCount = timing.responseCount
	return dev
}

// proxyDevice synthesizes the description of device types known to be
// proxied. It returns nil for everything else.
func (cp *ControlPoint) proxyDevice(info *DeviceInfo) *Device {
	if !info.HasDeviceType || info.DeviceType != wire.DeviceTypeEnergyMeasurement {
		return nil
	}
	desc := &wire.DeviceDescription{
		DeviceID:        info.DeviceID,
		DescriptionDate: info.DescriptionDate,
		LifeTime:        proxyLifeTime,
		DeviceType:      wire.DeviceTypeEnergyMeasurement,
		Name:            proxyName,
		Application:     proxyApplication,
		Manufacturer:    proxyManufacturer,
		Services: []wire.ServiceDescription{
			{Type: wire.ServiceTypeAccumulatedEnergy, ID: 0, ValueType: wire.VarTypeComposite},
			{Type: wire.ServiceTypeVoltage, ID: 1, ValueType: wire.VarTypeUINT16, ValueUnit: "V"},
			{Type: wire.ServiceTypeCurrent, ID: 2, ValueType: wire.VarTypeUINT16, ValueUnit: "mA"},
		},
	}
	cp.logger.Debug("proxy description", "id", info.DeviceID)
	return newDevice(cp, info, desc)
}

func (cp *ControlPoint) managementStep(ctx context.Context) {
	cp.mu.Lock()
	if len(cp.management) == 0 {
		cp.mu.Unlock()
		return
	}
	dev := cp.management[0]
	cp.management = cp.management[1:]
	cp.mu.Unlock()

	changed := false
	for _, s := range dev.Services() {
		if !s.managementRequested() {
			continue
		}
		before := s.ManagementState()
		if err := s.ReadManagementState(ctx); err != nil {
			cp.logger.Debug("management state", "device", dev, "service", s, "err", err)
			continue
		}
		s.mu.Lock()
		s.requestManagement = false
		after := s.state
		s.mu.Unlock()
		if before.UpdateID == -1 || before.Active != after.Active ||
			before.Evented != after.Evented || before.EventRate != after.EventRate {
			changed = true
		}
	}
	if changed {
		cp.changedDevice(dev, EventServiceStateChange)
	}
}

func (cp *ControlPoint) expirationStep() {
	now := cp.now()
	var ping time.Duration
	if cp.cfg.ActivePing {
		ping = cp.cfg.PingInterval
	}
	cp.mu.Lock()
	var gone []*Device
	for _, d := range cp.devices {
		if d.IsDeprecated(now, ping) {
			gone = append(gone, d)
		}
	}
	for _, d := range gone {
		cp.forgetLocked(d)
	}
	cp.mu.Unlock()

	for _, d := range gone {
		cp.deviceGone(d)
	}
}
