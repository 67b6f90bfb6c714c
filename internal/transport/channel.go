// Package transport owns the UDP sockets of the control point: one Bundle of
// channels per local IPv4 interface, and a Manager over all bundles.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"sync"
	"time"
)

// PollTimeout is the read deadline used when draining a channel.
const PollTimeout = 10 * time.Millisecond

// MaxDatagram is the receive buffer size for one datagram.
const MaxDatagram = 2048

// ErrTimeout is returned when no datagram arrived before the deadline.
var ErrTimeout = errors.New("transport: timeout")

// Conn is the datagram endpoint behind a channel. *net.UDPConn satisfies it.
type Conn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// Channel is one named UDP socket of a bundle.
type Channel struct {
	name string
	conn Conn

	// rmu is held by whichever goroutine is reading the socket. During an
	// exchange the reader hands every datagram to the matching waiter.
	rmu     sync.Mutex
	wmu     sync.Mutex
	waiters []*waiter
}

// waiter is an exchange waiting for its response.
type waiter struct {
	ip    net.IP
	match func([]byte) bool
	resp  chan []byte
}

// NewChannel wraps conn.
func NewChannel(name string, conn Conn) *Channel {
	return &Channel{name: name, conn: conn}
}

// Name returns the channel's role, e.g. "discovery".
func (c *Channel) Name() string { return c.name }

// LocalAddr returns the bound address.
func (c *Channel) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Send writes one datagram to dst.
func (c *Channel) Send(b []byte, dst *net.UDPAddr) error {
	if _, err := c.conn.WriteTo(b, dst); err != nil {
		return fmt.Errorf("%s send to %s: %w", c.name, dst, err)
	}
	return nil
}

// Receive reads one datagram, waiting at most wait. It returns ErrTimeout
// when nothing arrived in time.
func (c *Channel) Receive(buf []byte, wait time.Duration) (int, *net.UDPAddr, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	return c.receive(buf, time.Now().Add(wait))
}

func (c *Channel) receive(buf []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, fmt.Errorf("%s set deadline: %w", c.name, err)
	}
	n, addr, err := c.conn.ReadFrom(buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, ErrTimeout
		}
		return 0, nil, fmt.Errorf("%s receive: %w", c.name, err)
	}
	return n, udpAddr(addr), nil
}

// Exchange sends req to dst and waits up to wait for a datagram from dst's
// IP that match accepts. A nil match accepts any datagram from dst's IP.
// Exchanges on one channel run concurrently: whichever of them is reading
// passes each datagram to the first waiter it belongs to and drops the
// rest.
func (c *Channel) Exchange(ctx context.Context, req []byte, dst *net.UDPAddr, wait time.Duration, match func([]byte) bool) ([]byte, error) {
	w := &waiter{ip: dst.IP, match: match, resp: make(chan []byte, 1)}
	c.wmu.Lock()
	c.waiters = append(c.waiters, w)
	c.wmu.Unlock()
	defer c.removeWaiter(w)

	if err := c.Send(req, dst); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(wait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	buf := make([]byte, MaxDatagram)
	poll := time.NewTimer(PollTimeout)
	defer poll.Stop()
	for {
		select {
		case resp := <-w.resp:
			return resp, nil
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Until(deadline) <= 0 {
			return nil, ErrTimeout
		}
		if c.rmu.TryLock() {
			err := c.readAndDispatch(buf, deadline)
			c.rmu.Unlock()
			if err != nil {
				select {
				case resp := <-w.resp:
					return resp, nil
				default:
				}
				return nil, err
			}
			continue
		}
		poll.Reset(min(PollTimeout, time.Until(deadline)))
		select {
		case resp := <-w.resp:
			return resp, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-poll.C:
		}
	}
}

// readAndDispatch reads one datagram and delivers it to its waiter.
func (c *Channel) readAndDispatch(buf []byte, deadline time.Time) error {
	n, src, err := c.receive(buf, deadline)
	if err != nil {
		return err
	}
	msg := append([]byte(nil), buf[:n]...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	for _, w := range c.waiters {
		if src != nil && !src.IP.Equal(w.ip) {
			continue
		}
		if w.match != nil && !w.match(msg) {
			continue
		}
		select {
		case w.resp <- msg:
			return nil
		default:
		}
	}
	return nil
}

func (c *Channel) removeWaiter(w *waiter) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.waiters = slices.DeleteFunc(c.waiters, func(o *waiter) bool { return o == w })
}

// Close closes the socket.
func (c *Channel) Close() error {
	return c.conn.Close()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func udpAddr(a net.Addr) *net.UDPAddr {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(host)}
}
