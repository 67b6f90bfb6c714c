package controlpoint

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/wire"
)

// send completes prefix with the device's access path and exchanges it on
// ch, retrying cp.cfg.Retries times. When dev is set the round-trip time is
// added to its statistics. Each attempt waits info.ResponseWaitTime().
// Responses naming another device are left for that device's caller.
func (cp *ControlPoint) send(ctx context.Context, prefix []byte, info *DeviceInfo, ch *transport.Channel, port uint16, dev *Device) ([]byte, error) {
	if ch == nil {
		return nil, ErrNoBundle
	}
	req := wire.FinishRequest(prefix, info.Path)
	dst := &net.UDPAddr{IP: info.AccessAddress, Port: int(port)}
	wait := info.ResponseWaitTime()
	match := func(resp []byte) bool {
		id, ok := wire.DeviceIDOf(resp)
		return !ok || id == info.DeviceID
	}

	attempts := cp.cfg.Retries + 1
	for i := 0; i < attempts; i++ {
		start := time.Now()
		resp, err := ch.Exchange(ctx, req, dst, wait, match)
		if err == nil {
			if dev != nil {
				dev.AddResponseTime(time.Since(start))
			}
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, transport.ErrTimeout) {
			cp.logger.Debug("exchange failed", "device", info.DeviceID, "channel", ch.Name(), "attempt", i+1, "err", err)
		}
	}
	return nil, fmt.Errorf("%w from device %d after %d attempts", ErrNoResponse, info.DeviceID, attempts)
}

// sendControl runs a control request for dev and decodes the value message.
func (cp *ControlPoint) sendControl(ctx context.Context, dev *Device, prefix []byte) (*wire.ValueMessage, uint8, error) {
	info := dev.Info()
	if info.Bundle == nil {
		return nil, 0, ErrNoBundle
	}
	resp, err := cp.send(ctx, prefix, &info, info.Bundle.Control(), info.ControlPort, dev)
	if err != nil {
		return nil, 0, err
	}
	msg, code := wire.ParseValueMessage(resp)
	return msg, code, nil
}
