// Package hardware implements the queuing and threading layer that decouples
// the ISO 11783/J1939 protocol stack from the CAN drivers moving frames on
// and off the wire. It owns per-channel transmit/receive queues, one receive
// goroutine per assigned channel, and the periodic update scheduler that
// republishes hardware activity through event dispatchers.
package hardware

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/events"
)

// DefaultPeriodicUpdateInterval is the default cadence of the update
// scheduler. Mostly arbitrary, but 4ms keeps transport-protocol timings
// comfortable on a 250kbit/s bus.
const DefaultPeriodicUpdateInterval = 4 * time.Millisecond

// DefaultTxRetryLimit bounds how many consecutive cycles a failing head
// transmit frame is retried before it is dropped with a warning.
const DefaultTxRetryLimit = 250

// Options configures a new Interface. The zero value selects the defaults.
type Options struct {
	// PeriodicUpdateInterval is the wakeup cadence; defaults to
	// DefaultPeriodicUpdateInterval.
	PeriodicUpdateInterval time.Duration
	// TxRetryLimit is the number of consecutive update cycles a failing head
	// transmit frame is retried before being dropped. 0 selects
	// DefaultTxRetryLimit; a negative value retries forever.
	TxRetryLimit int
	// Logger receives operational logs; defaults to zap.L().
	Logger *zap.Logger
}

// Interface is the hardware abstraction manager. One instance is typically
// constructed at process start and shared by every collaborator that needs
// the CAN hardware; it replaces the process-wide singleton of older stacks.
//
// All methods are safe for concurrent use. Configuration methods fail with
// ErrRunning between Start and Stop.
type Interface struct {
	// lifecycleMu serializes Start/Stop and the stopped-only configuration
	// methods so only one caller wins a lifecycle transition.
	lifecycleMu sync.Mutex
	running     atomic.Bool

	// mu guards the channel table and timing knobs. The table itself is only
	// mutated while stopped; readers on hot paths take the read lock only to
	// fetch the slice header and a channel pointer.
	mu         sync.RWMutex
	channels   []*channel
	interval   time.Duration
	retryLimit int

	// scheduler wakeup pair: receive workers and the wakeup goroutine set
	// needsUpdate and signal cond; the update goroutine waits on it.
	updateMu    sync.Mutex
	updateCond  *sync.Cond
	needsUpdate bool
	stopUpdate  bool

	stop chan struct{}
	wg   sync.WaitGroup

	frameReceived    *events.Dispatcher[can.Frame]
	frameTransmitted *events.Dispatcher[can.Frame]
	periodicUpdate   *events.Dispatcher[struct{}]

	log *zap.Logger
}

// New constructs a stopped Interface with no channels configured.
func New(opts Options) *Interface {
	if opts.PeriodicUpdateInterval <= 0 {
		opts.PeriodicUpdateInterval = DefaultPeriodicUpdateInterval
	}
	switch {
	case opts.TxRetryLimit == 0:
		opts.TxRetryLimit = DefaultTxRetryLimit
	case opts.TxRetryLimit < 0:
		opts.TxRetryLimit = 0 // retry forever
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	hw := &Interface{
		interval:         opts.PeriodicUpdateInterval,
		retryLimit:       opts.TxRetryLimit,
		frameReceived:    events.New[can.Frame](),
		frameTransmitted: events.New[can.Frame](),
		periodicUpdate:   events.New[struct{}](),
		log:              opts.Logger,
	}
	hw.updateCond = sync.NewCond(&hw.updateMu)
	return hw
}

// ChannelCount returns the number of configured channels.
func (hw *Interface) ChannelCount() uint8 {
	hw.mu.RLock()
	defer hw.mu.RUnlock()
	return uint8(len(hw.channels))
}

// SetChannelCount resizes the channel table to n. Growing allocates fresh
// unassigned channels; shrinking discards the dropped channels' queues and
// driver bindings. Fails with ErrRunning while started.
func (hw *Interface) SetChannelCount(n uint8) error {
	hw.lifecycleMu.Lock()
	defer hw.lifecycleMu.Unlock()
	if hw.running.Load() {
		return ErrRunning
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	switch {
	case int(n) < len(hw.channels):
		hw.channels = hw.channels[:n:n]
	case int(n) > len(hw.channels):
		for len(hw.channels) < int(n) {
			hw.channels = append(hw.channels, &channel{})
		}
	}
	return nil
}

// AssignDriver binds a driver to a channel. Fails with ErrRunning while
// started, ErrChannelOutOfRange for a bad index, ErrDriverAssigned when the
// channel is already bound, and ErrNilDriver for a nil driver.
func (hw *Interface) AssignDriver(index uint8, driver can.Driver) error {
	if driver == nil {
		return ErrNilDriver
	}
	hw.lifecycleMu.Lock()
	defer hw.lifecycleMu.Unlock()
	if hw.running.Load() {
		return ErrRunning
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if int(index) >= len(hw.channels) {
		return ErrChannelOutOfRange
	}
	if hw.channels[index].driver != nil {
		return ErrDriverAssigned
	}
	hw.channels[index].driver = driver
	return nil
}

// UnassignDriver clears a channel's driver binding. Fails with ErrRunning
// while started, ErrChannelOutOfRange for a bad index, and ErrNoDriver when
// nothing is bound.
func (hw *Interface) UnassignDriver(index uint8) error {
	hw.lifecycleMu.Lock()
	defer hw.lifecycleMu.Unlock()
	if hw.running.Load() {
		return ErrRunning
	}
	hw.mu.Lock()
	defer hw.mu.Unlock()
	if int(index) >= len(hw.channels) {
		return ErrChannelOutOfRange
	}
	if hw.channels[index].driver == nil {
		return ErrNoDriver
	}
	hw.channels[index].driver = nil
	return nil
}

// IsRunning reports the lifecycle flag without taking a lock.
func (hw *Interface) IsRunning() bool {
	return hw.running.Load()
}

// PeriodicUpdateInterval returns the configured update cadence.
func (hw *Interface) PeriodicUpdateInterval() time.Duration {
	hw.mu.RLock()
	defer hw.mu.RUnlock()
	return hw.interval
}

// SetPeriodicUpdateInterval changes the update cadence. Like the other
// configuration methods it fails with ErrRunning while started.
func (hw *Interface) SetPeriodicUpdateInterval(d time.Duration) error {
	if d <= 0 {
		d = DefaultPeriodicUpdateInterval
	}
	hw.lifecycleMu.Lock()
	defer hw.lifecycleMu.Unlock()
	if hw.running.Load() {
		return ErrRunning
	}
	hw.mu.Lock()
	hw.interval = d
	hw.mu.Unlock()
	return nil
}

// FrameReceived returns the dispatcher fired once per frame read from any
// channel's driver, in per-channel FIFO order, on the scheduler goroutine.
func (hw *Interface) FrameReceived() *events.Dispatcher[can.Frame] {
	return hw.frameReceived
}

// FrameTransmitted returns the dispatcher fired once per frame successfully
// written to a channel's driver.
func (hw *Interface) FrameTransmitted() *events.Dispatcher[can.Frame] {
	return hw.frameTransmitted
}

// PeriodicUpdate returns the dispatcher fired once per update cycle, after
// all channel queues have been serviced.
func (hw *Interface) PeriodicUpdate() *events.Dispatcher[struct{}] {
	return hw.periodicUpdate
}

// Transmit appends the frame to its channel's transmit queue. It never
// blocks and is safe to call from any goroutine, running or stopped. Fails
// with ErrChannelOutOfRange or ErrNoDriver; a rejected frame is discarded.
func (hw *Interface) Transmit(f can.Frame) error {
	hw.mu.RLock()
	if int(f.Channel) >= len(hw.channels) {
		hw.mu.RUnlock()
		return ErrChannelOutOfRange
	}
	ch := hw.channels[f.Channel]
	driver := ch.driver
	hw.mu.RUnlock()
	if driver == nil {
		return ErrNoDriver
	}
	// no scheduler wakeup here: queued frames are written on the next
	// periodic cycle, so enqueueing stays constant-time for callers
	ch.enqueueTx(f)
	return nil
}

// Start spawns one receive goroutine per assigned channel plus the scheduler
// and wakeup goroutines, then flips the lifecycle flag. Fails with ErrRunning
// when already started; with concurrent callers exactly one wins.
func (hw *Interface) Start() error {
	hw.lifecycleMu.Lock()
	defer hw.lifecycleMu.Unlock()
	if hw.running.Load() {
		return ErrRunning
	}

	hw.stop = make(chan struct{})
	hw.updateMu.Lock()
	hw.needsUpdate = false
	hw.stopUpdate = false
	hw.updateMu.Unlock()

	// the channel table is frozen while running, so the goroutines work on a
	// snapshot taken here
	hw.mu.RLock()
	chans := make([]*channel, len(hw.channels))
	copy(chans, hw.channels)
	hw.mu.RUnlock()

	for i, ch := range chans {
		if ch.driver == nil {
			continue
		}
		hw.wg.Add(1)
		go hw.receiveLoop(uint8(i), ch, hw.stop)
	}
	hw.wg.Add(2)
	go hw.updateLoop(chans)
	go hw.wakeupLoop(hw.stop)

	hw.running.Store(true)
	hw.log.Info("can hardware interface started",
		zap.Int("channels", len(chans)),
		zap.Duration("update_interval", hw.PeriodicUpdateInterval()))
	return nil
}

// Stop signals every goroutine to exit, closes the drivers to unblock any
// pending reads, joins all goroutines, and discards every queued frame in
// both directions. Fails with ErrNotRunning when nothing was started; with
// concurrent callers only one performs the teardown.
func (hw *Interface) Stop() error {
	hw.lifecycleMu.Lock()
	defer hw.lifecycleMu.Unlock()
	if !hw.running.Load() {
		return ErrNotRunning
	}

	close(hw.stop)
	hw.updateMu.Lock()
	hw.stopUpdate = true
	hw.updateCond.Broadcast()
	hw.updateMu.Unlock()

	// closing the drivers unblocks receive workers stuck in a blocking read
	hw.mu.RLock()
	for i, ch := range hw.channels {
		if ch.driver == nil {
			continue
		}
		if err := ch.driver.Close(); err != nil {
			hw.log.Warn("driver close failed", zap.Uint8("channel", uint8(i)), zap.Error(err))
		}
	}
	hw.mu.RUnlock()

	hw.wg.Wait()

	hw.mu.Lock()
	for _, ch := range hw.channels {
		ch.clear()
	}
	hw.mu.Unlock()

	hw.running.Store(false)
	hw.log.Info("can hardware interface stopped")
	return nil
}

// signalUpdate marks the stack as needing service and wakes the scheduler.
func (hw *Interface) signalUpdate() {
	hw.updateMu.Lock()
	hw.needsUpdate = true
	hw.updateCond.Signal()
	hw.updateMu.Unlock()
}

// sleep pauses for d or until stop is closed; reports false when stopping.
func sleep(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
