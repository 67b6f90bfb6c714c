package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// echo answers every datagram on c with reply.
func echo(t *testing.T, c *net.UDPConn, reply []byte) {
	t.Helper()
	go func() {
		buf := make([]byte, MaxDatagram)
		for {
			_, src, err := c.ReadFromUDP(buf)
			if err != nil {
				return
			}
			c.WriteToUDP(reply, src)
		}
	}()
}

func TestChannelExchange(t *testing.T) {
	device := listenLoopback(t)
	echo(t, device, []byte{1, 2, 3})

	ch := NewChannel("control", listenLoopback(t))
	resp, err := ch.Exchange(context.Background(), []byte{9}, device.LocalAddr().(*net.UDPAddr), time.Second, nil)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if !bytes.Equal(resp, []byte{1, 2, 3}) {
		t.Errorf("response = %v, want [1 2 3]", resp)
	}
}

func TestChannelExchangeTimeout(t *testing.T) {
	silent := listenLoopback(t)
	ch := NewChannel("control", listenLoopback(t))

	start := time.Now()
	_, err := ch.Exchange(context.Background(), []byte{9}, silent.LocalAddr().(*net.UDPAddr), 50*time.Millisecond, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before the deadline")
	}
}

func TestChannelExchangeContextDeadline(t *testing.T) {
	silent := listenLoopback(t)
	ch := NewChannel("control", listenLoopback(t))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := ch.Exchange(ctx, []byte{9}, silent.LocalAddr().(*net.UDPAddr), 5*time.Second, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > 2*time.Second {
		t.Error("context deadline not honored")
	}
}

// mirror answers every datagram on c with the datagram itself.
func mirror(t *testing.T, c *net.UDPConn) {
	t.Helper()
	go func() {
		buf := make([]byte, MaxDatagram)
		for {
			n, src, err := c.ReadFromUDP(buf)
			if err != nil {
				return
			}
			c.WriteToUDP(buf[:n], src)
		}
	}()
}

func TestChannelExchangeNotBlockedBySilentPeer(t *testing.T) {
	silent := listenLoopback(t)
	device := listenLoopback(t)
	echo(t, device, []byte{7})
	ch := NewChannel("control", listenLoopback(t))

	// Both peers share 127.0.0.1, so responses are told apart by content.
	only := func(v byte) func([]byte) bool {
		return func(b []byte) bool { return len(b) == 1 && b[0] == v }
	}
	done := make(chan error, 1)
	go func() {
		_, err := ch.Exchange(context.Background(), []byte{1}, silent.LocalAddr().(*net.UDPAddr), time.Second, only(1))
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	resp, err := ch.Exchange(context.Background(), []byte{2}, device.LocalAddr().(*net.UDPAddr), time.Second, only(7))
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("exchange took %v while another exchange waited on a silent peer", elapsed)
	}
	if !bytes.Equal(resp, []byte{7}) {
		t.Errorf("response = %v, want [7]", resp)
	}
	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Errorf("silent exchange err = %v, want ErrTimeout", err)
	}
}

func TestChannelExchangeRoutesByMatch(t *testing.T) {
	device := listenLoopback(t)
	mirror(t, device)
	ch := NewChannel("control", listenLoopback(t))
	dst := device.LocalAddr().(*net.UDPAddr)

	const callers = 8
	errs := make(chan error, callers)
	for i := byte(0); i < callers; i++ {
		go func() {
			match := func(b []byte) bool { return len(b) == 1 && b[0] == i }
			resp, err := ch.Exchange(context.Background(), []byte{i}, dst, time.Second, match)
			if err == nil && resp[0] != i {
				err = fmt.Errorf("caller %d got response %v", i, resp)
			}
			errs <- err
		}()
	}
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Error(err)
		}
	}
}

func TestChannelReceiveTimeout(t *testing.T) {
	ch := NewChannel("event", listenLoopback(t))
	if _, _, err := ch.Receive(make([]byte, 16), PollTimeout); !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestNewBundleValidity(t *testing.T) {
	full := Conns{
		Discovery:        listenLoopback(t),
		DiscoveryUnicast: listenLoopback(t),
		Event:            listenLoopback(t),
		Debug:            listenLoopback(t),
		Description:      listenLoopback(t),
		Control:          listenLoopback(t),
	}
	if b := NewBundle(net.IPv4(127, 0, 0, 1), full); !b.Valid() {
		t.Error("complete bundle reported invalid")
	}

	partial := full
	partial.Debug = nil
	if b := NewBundle(net.IPv4(127, 0, 0, 1), partial); b.Valid() {
		t.Error("bundle without debug socket reported valid")
	}
}

func loopbackBundle(t *testing.T) *Bundle {
	t.Helper()
	return NewBundle(net.IPv4(127, 0, 0, 1), Conns{
		Discovery:        listenLoopback(t),
		DiscoveryUnicast: listenLoopback(t),
		Event:            listenLoopback(t),
		Debug:            listenLoopback(t),
		Description:      listenLoopback(t),
		Control:          listenLoopback(t),
	})
}

func TestManagerBroadcast(t *testing.T) {
	a, b := loopbackBundle(t), loopbackBundle(t)
	invalid := NewBundle(net.IPv4(127, 0, 0, 2), Conns{})
	m, err := NewStaticManager(Config{}, []*Bundle{a, b, invalid}, newTestLogger())
	if err != nil {
		t.Fatalf("NewStaticManager: %v", err)
	}
	if got := len(m.Bundles()); got != 2 {
		t.Fatalf("bundles = %d, want 2", got)
	}

	target := listenLoopback(t)
	if sent := m.Broadcast([]byte{200, 0, 0}, target.LocalAddr().(*net.UDPAddr)); sent != 2 {
		t.Errorf("sent = %d, want 2", sent)
	}
	target.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	for i := 0; i < 2; i++ {
		n, _, err := target.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("datagram %d: %v", i, err)
		}
		if !bytes.Equal(buf[:n], []byte{200, 0, 0}) {
			t.Errorf("datagram %d = %v", i, buf[:n])
		}
	}
}

func TestManagerBundleLookup(t *testing.T) {
	m, err := NewStaticManager(Config{}, []*Bundle{loopbackBundle(t)}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if m.Bundle(net.IPv4(127, 0, 0, 1)) == nil {
		t.Error("bundle for 127.0.0.1 not found")
	}
	if m.Bundle(net.IPv4(10, 0, 0, 1)) != nil {
		t.Error("unexpected bundle for 10.0.0.1")
	}
	if g := m.DiscoveryGroup(); g.Port != 2000 || g.IP.String() != "239.255.255.200" {
		t.Errorf("group = %v", g)
	}
}

func TestManagerRejectsUnicastGroup(t *testing.T) {
	if _, err := NewStaticManager(Config{MulticastAddress: "10.0.0.1"}, nil, newTestLogger()); err == nil {
		t.Error("expected error for non-multicast group")
	}
}

func TestSelectCandidates(t *testing.T) {
	up := net.FlagUp | net.FlagMulticast
	eth0 := candidate{iface: net.Interface{Name: "eth0", Flags: up}, addr: net.IPv4(192, 168, 1, 2)}
	wlan := candidate{iface: net.Interface{Name: "wlan0", Flags: up}, addr: net.IPv4(10, 0, 0, 5)}
	lo := candidate{iface: net.Interface{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}, addr: net.IPv4(127, 0, 0, 1)}
	p2p := candidate{iface: net.Interface{Name: "tun0", Flags: net.FlagUp}, addr: net.IPv4(10, 8, 0, 1)}
	all := []candidate{eth0, wlan, lo, p2p}

	tests := []struct {
		name      string
		all       []candidate
		preferred []string
		ignored   []string
		want      []string
	}{
		{"default", all, nil, nil, []string{"eth0", "wlan0"}},
		{"ignored by name", all, nil, []string{"wlan0"}, []string{"eth0"}},
		{"ignored by address", all, nil, []string{"192.168.1.2"}, []string{"wlan0"}},
		{"preferred", all, []string{"10.0.0.5"}, nil, []string{"wlan0"}},
		{"preferred loopback", all, []string{"lo"}, nil, []string{"lo"}},
		{"preferred missing", all, []string{"eth9"}, nil, []string{"eth0", "wlan0"}},
		{"loopback fallback", []candidate{lo, p2p}, nil, nil, []string{"lo"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectCandidates(tt.all, tt.preferred, tt.ignored)
			var names []string
			for _, c := range got {
				names = append(names, c.iface.Name)
			}
			if len(names) != len(tt.want) {
				t.Fatalf("got %v, want %v", names, tt.want)
			}
			for i := range names {
				if names[i] != tt.want[i] {
					t.Errorf("got %v, want %v", names, tt.want)
					break
				}
			}
		})
	}
}
