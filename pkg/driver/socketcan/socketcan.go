//go:build linux

// Package socketcan implements the driver capability over Linux SocketCAN
// raw sockets.
package socketcan

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

// readTimeout bounds a single blocking read so the receive worker regains
// control regularly; a timed-out read surfaces as can.ErrWouldBlock.
var readTimeout = unix.Timeval{Usec: 100_000}

// Driver is a CAN channel backed by one SocketCAN network interface, e.g.
// "can0" or "vcan0". It satisfies can.Driver and may be reopened after Close.
type Driver struct {
	ifname string

	mu   sync.Mutex
	fd   int
	open bool
}

// New returns an unopened driver for the named CAN network interface.
func New(ifname string) *Driver {
	return &Driver{ifname: ifname, fd: -1}
}

// Open creates a raw AF_CAN socket and binds it to the interface.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("socketcan: socket: %w", err)
	}
	iface, err := net.InterfaceByName(d.ifname)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: interface %q: %w", d.ifname, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: iface.Index}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: bind %q: %w", d.ifname, err)
	}
	tv := readTimeout
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("socketcan: set read timeout: %w", err)
	}
	d.fd = fd
	d.open = true
	return nil
}

// Close shuts the socket down and closes it, failing any blocked read.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	// shutdown first so a reader blocked in Read fails immediately instead
	// of racing the fd close
	_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

// ReadFrame reads one can_frame record from the socket. A read timeout is
// reported as can.ErrWouldBlock so the receive worker can poll its stop
// signal.
func (d *Driver) ReadFrame() (can.Frame, error) {
	d.mu.Lock()
	fd, open := d.fd, d.open
	d.mu.Unlock()
	if !open {
		return can.Frame{}, can.ErrClosed
	}
	buf := make([]byte, can.WireSize)
	n, err := unix.Read(fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return can.Frame{}, can.ErrWouldBlock
		}
		if !d.isOpen() {
			return can.Frame{}, can.ErrClosed
		}
		return can.Frame{}, fmt.Errorf("socketcan: read: %w", err)
	}
	if n != can.WireSize {
		return can.Frame{}, fmt.Errorf("socketcan: short read of %d bytes", n)
	}
	var f can.Frame
	if err := f.UnmarshalBinary(buf); err != nil {
		return can.Frame{}, err
	}
	return f, nil
}

// WriteFrame writes one can_frame record to the socket. ENOBUFS from a
// saturated transmit queue is reported as an error and left to the scheduler
// to retry.
func (d *Driver) WriteFrame(f can.Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	d.mu.Lock()
	fd, open := d.fd, d.open
	d.mu.Unlock()
	if !open {
		return can.ErrClosed
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		if !d.isOpen() {
			return can.ErrClosed
		}
		return fmt.Errorf("socketcan: write: %w", err)
	}
	if n != can.WireSize {
		return fmt.Errorf("socketcan: short write of %d bytes", n)
	}
	return nil
}

func (d *Driver) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}
