package controlpoint

import (
	"context"
	"net"
	"testing"
	"time"

	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/wire"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReaderLoop(t *testing.T) {
	sensor := newSensor(7)
	// No initial value, so only the event below sets one.
	sensor.values = nil
	env := newTestEnv(t, 0, sensor)
	env.cp.cfg.TickInterval = 10 * time.Millisecond
	env.cp.cfg.ReaderSleep = 5 * time.Millisecond
	src := &net.UDPAddr{IP: deviceAddr, Port: wire.DiscoveryMulticastPort}

	env.discovery.push(announcement(7, 0x0A0B), src)
	env.debug.push([]byte{1, 2, 3}, src)
	env.cp.Start(context.Background())

	waitFor(t, "device description", func() bool { return env.cp.Device(7) != nil })
	if env.debug.pending() != 0 {
		t.Error("debug datagram not drained")
	}
	if got := len(env.eventsOf(EventSearch)); got != 1 {
		t.Errorf("search events = %d, want 1", got)
	}

	event := wire.NewBuilder().Header(wire.UnitEvent, 0).
		Uint32(wire.UnitDeviceID, 7).
		Header(wire.UnitServiceContainer, 7).
		Byte(wire.UnitServiceID, 1).
		Unit(wire.UnitServiceValue, []byte{0x00, 0x64}).
		End().Bytes()
	env.event.push(event, &net.UDPAddr{IP: deviceAddr, Port: wire.EventMulticastPort})
	dev := env.cp.Device(7)
	waitFor(t, "event value", func() bool { return dev.Service(1).Value().Numeric() == 100 })

	stopped := make(chan struct{})
	go func() {
		env.cp.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	// Nothing reads the sockets once both goroutines have returned.
	env.discovery.push(announcement(9, 1), src)
	time.Sleep(50 * time.Millisecond)
	if env.discovery.pending() != 1 {
		t.Error("announcement consumed after Stop")
	}
	if len(env.cp.PendingInfos()) != 0 {
		t.Error("announcement handled after Stop")
	}
}

func TestSweepDrainBound(t *testing.T) {
	env := newTestEnv(t, 0)
	src := &net.UDPAddr{IP: deviceAddr, Port: 2400}
	for i := 0; i < maxDrain+5; i++ {
		env.debug.push([]byte{byte(i)}, src)
	}

	env.cp.sweep(env.bundle, make([]byte, transport.MaxDatagram))
	if got := env.debug.pending(); got != 5 {
		t.Errorf("left after one sweep = %d, want 5", got)
	}
	env.cp.sweep(env.bundle, make([]byte, transport.MaxDatagram))
	if got := env.debug.pending(); got != 0 {
		t.Errorf("left after two sweeps = %d, want 0", got)
	}
}

func TestStopWithoutStart(t *testing.T) {
	env := newTestEnv(t, 0)
	env.cp.Stop()
	env.cp.Stop()
}
