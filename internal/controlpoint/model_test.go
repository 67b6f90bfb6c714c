package controlpoint

import (
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"binupnp-cp/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDeviceIsDeprecated(t *testing.T) {
	tests := []struct {
		name string
		age  time.Duration
		ping time.Duration
		want bool
	}{
		{"lifetime not reached", 29 * time.Minute, 0, false},
		{"lifetime exceeded", 31 * time.Minute, 0, true},
		{"active ping within two intervals", 119 * time.Second, time.Minute, false},
		{"active ping exactly two intervals", 120 * time.Second, time.Minute, false},
		{"active ping missed", 121 * time.Second, time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Device{lifetime: 30, info: DeviceInfo{LastDiscovery: testNow.Add(-tt.age)}}
			if got := d.IsDeprecated(testNow, tt.ping); got != tt.want {
				t.Errorf("IsDeprecated() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeviceExpirationTime(t *testing.T) {
	d := &Device{lifetime: 30, info: DeviceInfo{LastDiscovery: testNow.Add(-29 * time.Minute)}}
	if got := d.ExpirationTime(testNow); got != time.Minute {
		t.Errorf("ExpirationTime = %v, want 1m", got)
	}
	d.info.LastDiscovery = testNow.Add(-1500 * time.Millisecond)
	if got := d.ExpirationTime(testNow); got != 29*time.Minute+58*time.Second {
		t.Errorf("ExpirationTime = %v, want 29m58s", got)
	}
}

func TestResponseWaitTime(t *testing.T) {
	hop := wire.AccessEntity{Address: []byte{1}}
	tests := []struct {
		hops int
		want time.Duration
	}{
		{0, 2000 * time.Millisecond},
		{1, 2500 * time.Millisecond},
		{3, 3500 * time.Millisecond},
	}
	for _, tt := range tests {
		info := &DeviceInfo{}
		for i := 0; i < tt.hops; i++ {
			info.Path = append(info.Path, hop)
		}
		if got := info.ResponseWaitTime(); got != tt.want {
			t.Errorf("hops %d: wait = %v, want %v", tt.hops, got, tt.want)
		}
	}
}

func TestAverageResponseTime(t *testing.T) {
	d := &Device{}
	if got := d.AverageResponseTime(); got != 0 {
		t.Errorf("empty average = %v, want 0", got)
	}
	for ms := 10; ms <= 110; ms += 10 {
		d.AddResponseTime(time.Duration(ms) * time.Millisecond)
	}
	if got := d.ResponseTimeSamples(); got != 10 {
		t.Errorf("samples = %d, want 10", got)
	}
	// 20..110 remain.
	if got := d.AverageResponseTime(); got != 65*time.Millisecond {
		t.Errorf("average = %v, want 65ms", got)
	}
}

func TestAverageResponseTimePartial(t *testing.T) {
	d := &Device{}
	d.AddResponseTime(100 * time.Millisecond)
	d.AddResponseTime(300 * time.Millisecond)
	if got := d.AverageResponseTime(); got != 200*time.Millisecond {
		t.Errorf("average = %v, want 200ms", got)
	}
}

func sensorDescription(id uint64) *wire.DeviceDescription {
	return &wire.DeviceDescription{
		DeviceID:        id,
		DescriptionDate: 0x0A0B,
		LifeTime:        30,
		Name:            "Kitchen",
		Application:     "climate",
		Manufacturer:    "ACME",
		Services: []wire.ServiceDescription{
			{Type: wire.ServiceTypeTemperatureSensor, ID: 1, ValueType: wire.VarTypeINT16, ValueUnit: "C"},
			{Type: wire.ServiceTypeButton, ID: 3},
		},
	}
}

func testInfo(id uint64) *DeviceInfo {
	return &DeviceInfo{
		DeviceID:        id,
		DescriptionDate: 0x0A0B,
		DescriptionPort: wire.DescriptionPort,
		ControlPort:     wire.ControlPort,
		EventPort:       wire.EventMulticastPort,
		AccessAddress:   net.IPv4(10, 0, 0, 7).To4(),
		DeviceAddress:   []byte{10, 0, 0, 7},
		LastDiscovery:   testNow,
	}
}

func TestDeviceUpdateMetaDataOnly(t *testing.T) {
	old := newDevice(nil, testInfo(7), sensorDescription(7))
	temp := old.Service(1)
	temp.setValueBytes([]byte{0x08, 0x66})

	desc := sensorDescription(7)
	desc.Name = "Living room"
	code := old.update(newDevice(nil, testInfo(7), desc), testNow)

	if code != EventMetaDataChange {
		t.Errorf("code = %v, want metadata", code)
	}
	if old.Name() != "Living room" {
		t.Errorf("name = %q", old.Name())
	}
	if old.Service(1) != temp {
		t.Error("services replaced on metadata-only change")
	}
	if v := temp.Value(); v.Numeric() != 2150 {
		t.Errorf("cached value lost: %v", v.Numeric())
	}
}

func TestDeviceUpdateServices(t *testing.T) {
	old := newDevice(nil, testInfo(7), sensorDescription(7))
	desc := sensorDescription(7)
	desc.Services = append(desc.Services, wire.ServiceDescription{Type: wire.ServiceTypeBrightness, ID: 4, ValueType: wire.VarTypeUINT8})
	code := old.update(newDevice(nil, testInfo(7), desc), testNow)

	if code&EventServiceChange == 0 {
		t.Fatalf("code = %v, want services", code)
	}
	if len(old.Services()) != 3 {
		t.Fatalf("services = %d, want 3", len(old.Services()))
	}
	for _, s := range old.Services() {
		if s.Device() != old {
			t.Errorf("service %v not re-parented", s)
		}
	}
}

func TestDeviceUpdateNoChange(t *testing.T) {
	old := newDevice(nil, testInfo(7), sensorDescription(7))
	if code := old.update(newDevice(nil, testInfo(7), sensorDescription(7)), testNow); code != 0 {
		t.Errorf("code = %v, want none", code)
	}
}

func TestDeviceUpdateAddressAndPath(t *testing.T) {
	old := newDevice(nil, testInfo(7), sensorDescription(7))
	info := testInfo(7)
	info.DeviceAddress = []byte{0xAB, 0xCD}
	info.Path = wire.AccessPath{{Address: []byte{0xAB, 0xCD}, ForwarderID: 1}}
	info.LastDiscovery = testNow.Add(-time.Minute)
	code := old.update(newDevice(nil, info, sensorDescription(7)), testNow)

	want := EventDeviceAddressChange | EventPathChange | EventExpirationTimeChange
	if code != want {
		t.Errorf("code = %v, want %v", code, want)
	}
}

func TestEventCodeString(t *testing.T) {
	tests := []struct {
		code EventCode
		want string
	}{
		{0, "none"},
		{EventPortChange, "ports"},
		{EventPathChange | EventMetaDataChange, "path|metadata"},
	}
	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestServiceCelsius(t *testing.T) {
	dev := newDevice(nil, testInfo(7), sensorDescription(7))
	temp := dev.Service(1)
	temp.setValueBytes([]byte{0xFF, 0x38}) // -200
	if c, ok := temp.Celsius(); !ok || c != -2 {
		t.Errorf("Celsius = %v, %v, want -2", c, ok)
	}
	if _, ok := dev.Service(3).Celsius(); ok {
		t.Error("button reported a temperature")
	}
}

func TestServiceLookup(t *testing.T) {
	dev := newDevice(nil, testInfo(7), sensorDescription(7))
	if dev.ServiceByType(wire.ServiceTypeButton) == nil {
		t.Error("button not found by type")
	}
	if dev.ManagementService() != nil {
		t.Error("unexpected management service")
	}
	if dev.Service(9) != nil {
		t.Error("unexpected service 9")
	}
	if dev.Service(3).HasValue() {
		t.Error("button has a value")
	}
	if st := dev.Service(1).ManagementState(); st.UpdateID != -1 {
		t.Errorf("initial update ID = %d, want -1", st.UpdateID)
	}
}
