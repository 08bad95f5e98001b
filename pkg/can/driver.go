package can

import "errors"

var (
	// ErrWouldBlock is returned by polling drivers when no frame is pending.
	ErrWouldBlock = errors.New("can: operation would block")
	// ErrClosed indicates the driver handle has been closed.
	ErrClosed = errors.New("can: driver closed")
)

// Driver is the capability a CAN bus driver must provide to be assigned to a
// channel. Any implementation satisfying it can move frames for the hardware
// interface; the interface never inspects payloads.
//
// Lifecycle: Open is called by the channel's receive worker before the first
// read and may be called again after Close. Close may be called from another
// goroutine at any time, including while ReadFrame is blocked, and must
// unblock it with ErrClosed; Close on an unopened or already closed driver is
// a no-op.
type Driver interface {
	// Open acquires the underlying bus handle.
	Open() error
	// Close releases the handle and unblocks a pending ReadFrame.
	Close() error
	// ReadFrame returns the next frame from the bus. Blocking drivers block
	// until a frame arrives or the driver is closed; polling drivers return
	// ErrWouldBlock when nothing is pending.
	ReadFrame() (Frame, error)
	// WriteFrame pushes one frame onto the bus. A non-nil error leaves the
	// frame undelivered; the caller decides whether to retry.
	WriteFrame(Frame) error
}
