package controlpoint

import (
	"context"
	"errors"
	"net"
	"time"

	"binupnp-cp/internal/transport"
)

// maxDrain bounds how many datagrams are taken from one channel per sweep.
const maxDrain = 64

// readLoop polls the unsolicited channels of every bundle. It only decodes
// framing and hands messages to HandleDiscovery and HandleEvent.
func (cp *ControlPoint) readLoop(ctx context.Context) error {
	buf := make([]byte, transport.MaxDatagram)
	timer := time.NewTimer(cp.cfg.ReaderSleep)
	defer timer.Stop()
	for {
		for _, b := range cp.net.Bundles() {
			if ctx.Err() != nil {
				return nil
			}
			cp.sweep(b, buf)
		}
		timer.Reset(cp.cfg.ReaderSleep)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (cp *ControlPoint) sweep(b *transport.Bundle, buf []byte) {
	discovery := func(src *net.UDPAddr, msg []byte) { cp.HandleDiscovery(b, src, msg) }
	cp.drain(b.Discovery(), buf, discovery)
	cp.drain(b.DiscoveryUnicast(), buf, discovery)
	cp.drain(b.Event(), buf, func(_ *net.UDPAddr, msg []byte) { cp.HandleEvent(msg) })
	cp.drain(b.Debug(), buf, func(src *net.UDPAddr, msg []byte) {
		cp.logger.Debug("debug message", "src", src, "len", len(msg))
	})
}

func (cp *ControlPoint) drain(ch *transport.Channel, buf []byte, handle func(*net.UDPAddr, []byte)) {
	if ch == nil {
		return
	}
	for i := 0; i < maxDrain; i++ {
		n, src, err := ch.Receive(buf, transport.PollTimeout)
		if err != nil {
			if !errors.Is(err, transport.ErrTimeout) && !errors.Is(err, net.ErrClosed) {
				cp.logger.Debug("receive", "channel", ch.Name(), "err", err)
			}
			return
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])
		handle(src, msg)
	}
}
