package hardware

import (
	"sync"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

// channel holds one CAN channel's driver binding and its two frame queues.
// The transmit and receive queues carry independent locks so the enqueue path
// and the receive worker never contend with each other. The driver field is
// only mutated while the interface is stopped.
type channel struct {
	driver can.Driver

	txMu sync.Mutex
	tx   []can.Frame

	rxMu sync.Mutex
	rx   []can.Frame

	// consecutive cycles the head transmit frame has failed to write;
	// touched only by the scheduler goroutine
	txFailures int
}

func (c *channel) enqueueTx(f can.Frame) {
	c.txMu.Lock()
	c.tx = append(c.tx, f)
	c.txMu.Unlock()
}

// peekTx returns the head of the transmit queue without removing it. Only the
// scheduler pops, so a peek stays valid until the scheduler's own popTx.
func (c *channel) peekTx() (can.Frame, bool) {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if len(c.tx) == 0 {
		return can.Frame{}, false
	}
	return c.tx[0], true
}

func (c *channel) popTx() {
	c.txMu.Lock()
	if len(c.tx) > 0 {
		c.tx = c.tx[1:]
	}
	c.txMu.Unlock()
}

func (c *channel) pushRx(f can.Frame) {
	c.rxMu.Lock()
	c.rx = append(c.rx, f)
	c.rxMu.Unlock()
}

// drainRx removes and returns every queued received frame in FIFO order.
func (c *channel) drainRx() []can.Frame {
	c.rxMu.Lock()
	frames := c.rx
	c.rx = nil
	c.rxMu.Unlock()
	return frames
}

// clear discards all queued frames in both directions.
func (c *channel) clear() {
	c.txMu.Lock()
	c.tx = nil
	c.txFailures = 0
	c.txMu.Unlock()
	c.rxMu.Lock()
	c.rx = nil
	c.rxMu.Unlock()
}
