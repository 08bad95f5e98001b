// Package mem provides an in-process virtual CAN bus. Every driver opened on
// the same bus sees the frames written by every other driver, which makes it
// the driver of choice for tests, simulation, and running the stack without
// hardware.
package mem

import (
	"sync"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

// rxBuffer is the per-driver receive buffer depth. A slow reader drops the
// oldest pending frame rather than stalling the writers.
const rxBuffer = 256

// Bus is a virtual CAN bus connecting any number of drivers.
type Bus struct {
	mu      sync.RWMutex
	drivers map[*Driver]struct{}
	closed  bool
}

// NewBus creates an empty virtual bus.
func NewBus() *Bus {
	return &Bus{drivers: make(map[*Driver]struct{})}
}

// NewDriver returns an unopened driver endpoint bound to the bus.
func (b *Bus) NewDriver() *Driver {
	return &Driver{bus: b}
}

// Inject delivers a frame to every open driver on the bus, as if it had
// arrived from the wire.
func (b *Bus) Inject(f can.Frame) {
	b.deliver(f, nil)
}

// Close detaches and closes every driver on the bus. Drivers opened later
// will fail.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	drivers := make([]*Driver, 0, len(b.drivers))
	for d := range b.drivers {
		drivers = append(drivers, d)
	}
	b.drivers = nil
	b.mu.Unlock()

	for _, d := range drivers {
		_ = d.Close()
	}
	return nil
}

// deliver fans a frame out to all open drivers except the sender.
func (b *Bus) deliver(f can.Frame, from *Driver) {
	b.mu.RLock()
	targets := make([]*Driver, 0, len(b.drivers))
	for d := range b.drivers {
		if d != from {
			targets = append(targets, d)
		}
	}
	b.mu.RUnlock()

	for _, d := range targets {
		d.push(f)
	}
}

func (b *Bus) attach(d *Driver) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.drivers[d] = struct{}{}
	return true
}

func (b *Bus) detach(d *Driver) {
	b.mu.Lock()
	if b.drivers != nil {
		delete(b.drivers, d)
	}
	b.mu.Unlock()
}

// Driver is one endpoint on a virtual bus, satisfying can.Driver. It may be
// reopened after Close.
type Driver struct {
	bus *Bus

	mu   sync.Mutex
	open bool
	rx   chan can.Frame
	done chan struct{}
}

// Open attaches the endpoint to its bus.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	if !d.bus.attach(d) {
		return can.ErrClosed
	}
	d.rx = make(chan can.Frame, rxBuffer)
	d.done = make(chan struct{})
	d.open = true
	return nil
}

// Close detaches the endpoint and unblocks a pending ReadFrame.
func (d *Driver) Close() error {
	d.mu.Lock()
	if !d.open {
		d.mu.Unlock()
		return nil
	}
	d.open = false
	close(d.done)
	d.mu.Unlock()
	d.bus.detach(d)
	return nil
}

// ReadFrame blocks until another endpoint writes a frame or the driver is
// closed.
func (d *Driver) ReadFrame() (can.Frame, error) {
	d.mu.Lock()
	rx, done, open := d.rx, d.done, d.open
	d.mu.Unlock()
	if !open {
		return can.Frame{}, can.ErrClosed
	}
	select {
	case f := <-rx:
		return f, nil
	case <-done:
		return can.Frame{}, can.ErrClosed
	}
}

// WriteFrame broadcasts the frame to every other endpoint on the bus.
func (d *Driver) WriteFrame(f can.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	open := d.open
	d.mu.Unlock()
	if !open {
		return can.ErrClosed
	}
	d.bus.deliver(f, d)
	return nil
}

func (d *Driver) push(f can.Frame) {
	d.mu.Lock()
	rx, open := d.rx, d.open
	d.mu.Unlock()
	if !open {
		return
	}
	for {
		select {
		case rx <- f:
			return
		default:
		}
		// buffer full: shed the oldest frame and retry
		select {
		case <-rx:
		default:
		}
	}
}
