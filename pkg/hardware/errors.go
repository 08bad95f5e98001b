package hardware

import "errors"

var (
	// ErrRunning rejects configuration changes and Start while the interface
	// threads are live.
	ErrRunning = errors.New("hardware: interface is running")
	// ErrNotRunning rejects Stop when nothing was started.
	ErrNotRunning = errors.New("hardware: interface is not running")
	// ErrChannelOutOfRange signals a channel index at or beyond the
	// configured channel count.
	ErrChannelOutOfRange = errors.New("hardware: channel index out of range")
	// ErrDriverAssigned signals an attempt to bind a driver to a channel that
	// already has one.
	ErrDriverAssigned = errors.New("hardware: channel already has a driver")
	// ErrNoDriver signals an operation that needs a driver on a channel that
	// has none.
	ErrNoDriver = errors.New("hardware: no driver assigned to channel")
	// ErrNilDriver rejects binding a nil driver.
	ErrNilDriver = errors.New("hardware: driver must not be nil")
)
