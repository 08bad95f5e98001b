package hardware

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

// fakeDriver is a scriptable driver: it yields the configured frames from
// ReadFrame then blocks until closed, and can be told to fail writes.
type fakeDriver struct {
	mu      sync.Mutex
	opened  bool
	done    chan struct{}
	pending []can.Frame
	written []can.Frame

	// failWrites fails this many WriteFrame calls before succeeding;
	// negative fails forever
	failWrites int
	// failID, when non-zero, fails every write of a frame with this ID
	failID uint32
}

func (d *fakeDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opened {
		return nil
	}
	d.opened = true
	d.done = make(chan struct{})
	return nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return nil
	}
	d.opened = false
	close(d.done)
	return nil
}

func (d *fakeDriver) ReadFrame() (can.Frame, error) {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return can.Frame{}, can.ErrClosed
	}
	if len(d.pending) > 0 {
		f := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		return f, nil
	}
	done := d.done
	d.mu.Unlock()
	<-done
	return can.Frame{}, can.ErrClosed
}

func (d *fakeDriver) WriteFrame(f can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.opened {
		return can.ErrClosed
	}
	if d.failID != 0 && f.ID == d.failID {
		return errors.New("fake: write refused")
	}
	if d.failWrites != 0 {
		if d.failWrites > 0 {
			d.failWrites--
		}
		return errors.New("fake: write failed")
	}
	d.written = append(d.written, f)
	return nil
}

func (d *fakeDriver) writtenFrames() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]can.Frame(nil), d.written...)
}

func (d *fakeDriver) setFailWrites(n int) {
	d.mu.Lock()
	d.failWrites = n
	d.mu.Unlock()
}

// collector accumulates published frames.
type collector struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (c *collector) add(f can.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) snapshot() []can.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]can.Frame(nil), c.frames...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testInterface(t *testing.T, opts Options) *Interface {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PeriodicUpdateInterval == 0 {
		opts.PeriodicUpdateInterval = time.Millisecond
	}
	hw := New(opts)
	t.Cleanup(func() {
		if hw.IsRunning() {
			_ = hw.Stop()
		}
	})
	return hw
}

func mustFrame(t *testing.T, channel uint8, id uint32, data []byte) can.Frame {
	t.Helper()
	f, err := can.NewFrame(channel, id, data)
	if err != nil {
		t.Fatalf("NewFrame: %v", err)
	}
	return f
}

func TestConfigurationWhileStopped(t *testing.T) {
	hw := testInterface(t, Options{})

	if err := hw.SetChannelCount(2); err != nil {
		t.Fatalf("SetChannelCount(2): %v", err)
	}
	if got := hw.ChannelCount(); got != 2 {
		t.Fatalf("ChannelCount = %d, want 2", got)
	}

	d := &fakeDriver{}
	if err := hw.AssignDriver(1, d); err != nil {
		t.Fatalf("AssignDriver(1): %v", err)
	}
	if err := hw.AssignDriver(1, &fakeDriver{}); !errors.Is(err, ErrDriverAssigned) {
		t.Fatalf("double assign error = %v, want ErrDriverAssigned", err)
	}
	if err := hw.AssignDriver(2, &fakeDriver{}); !errors.Is(err, ErrChannelOutOfRange) {
		t.Fatalf("out of range assign error = %v, want ErrChannelOutOfRange", err)
	}
	if err := hw.AssignDriver(0, nil); !errors.Is(err, ErrNilDriver) {
		t.Fatalf("nil driver assign error = %v, want ErrNilDriver", err)
	}
	if err := hw.UnassignDriver(0); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("unassign empty error = %v, want ErrNoDriver", err)
	}

	// shrinking drops channel 1 and its binding; regrowing yields a fresh
	// unassigned channel
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("shrink: %v", err)
	}
	if err := hw.SetChannelCount(2); err != nil {
		t.Fatalf("regrow: %v", err)
	}
	if err := hw.AssignDriver(1, d); err != nil {
		t.Fatalf("assign after regrow: %v", err)
	}
	if err := hw.UnassignDriver(1); err != nil {
		t.Fatalf("unassign: %v", err)
	}
}

func TestMutationsRejectedWhileRunning(t *testing.T) {
	hw := testInterface(t, Options{})
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, &fakeDriver{}); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}
	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !hw.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}

	if err := hw.Start(); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Start error = %v, want ErrRunning", err)
	}
	if err := hw.SetChannelCount(4); !errors.Is(err, ErrRunning) {
		t.Fatalf("SetChannelCount while running = %v, want ErrRunning", err)
	}
	if got := hw.ChannelCount(); got != 1 {
		t.Fatalf("ChannelCount changed while running: %d", got)
	}
	if err := hw.AssignDriver(0, &fakeDriver{}); !errors.Is(err, ErrRunning) {
		t.Fatalf("AssignDriver while running = %v, want ErrRunning", err)
	}
	if err := hw.UnassignDriver(0); !errors.Is(err, ErrRunning) {
		t.Fatalf("UnassignDriver while running = %v, want ErrRunning", err)
	}
	if err := hw.SetPeriodicUpdateInterval(time.Second); !errors.Is(err, ErrRunning) {
		t.Fatalf("SetPeriodicUpdateInterval while running = %v, want ErrRunning", err)
	}

	if err := hw.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if hw.IsRunning() {
		t.Fatal("IsRunning = true after Stop")
	}
	if err := hw.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("second Stop error = %v, want ErrNotRunning", err)
	}
}

func TestReceivePublishesInOrder(t *testing.T) {
	hw := testInterface(t, Options{})
	d := &fakeDriver{pending: []can.Frame{
		mustFrame(t, 0, 0x101, []byte{0xA}),
		mustFrame(t, 0, 0x102, []byte{0xB}),
		mustFrame(t, 0, 0x103, []byte{0xC}),
	}}
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, d); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}

	var got collector
	hw.FrameReceived().Subscribe(got.add)

	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "three received frames", func() bool { return len(got.snapshot()) == 3 })

	frames := got.snapshot()
	for i, wantID := range []uint32{0x101, 0x102, 0x103} {
		if frames[i].ID != wantID {
			t.Fatalf("frame %d ID = %X, want %X", i, frames[i].ID, wantID)
		}
		if frames[i].Channel != 0 {
			t.Fatalf("frame %d channel = %d, want 0", i, frames[i].Channel)
		}
	}
}

func TestTransmitFIFO(t *testing.T) {
	hw := testInterface(t, Options{})
	d := &fakeDriver{}
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, d); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}

	var sent collector
	hw.FrameTransmitted().Subscribe(sent.add)

	ids := []uint32{0x201, 0x202, 0x203, 0x204, 0x205}
	for _, id := range ids {
		if err := hw.Transmit(mustFrame(t, 0, id, []byte{1, 2})); err != nil {
			t.Fatalf("Transmit(%X): %v", id, err)
		}
	}
	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "five written frames", func() bool { return len(d.writtenFrames()) == 5 })

	written := d.writtenFrames()
	events := sent.snapshot()
	if len(events) != 5 {
		t.Fatalf("transmitted events = %d, want 5", len(events))
	}
	for i, id := range ids {
		if written[i].ID != id {
			t.Fatalf("written[%d].ID = %X, want %X", i, written[i].ID, id)
		}
		if events[i].ID != id {
			t.Fatalf("event[%d].ID = %X, want %X", i, events[i].ID, id)
		}
	}
}

func TestTransmitRejections(t *testing.T) {
	hw := testInterface(t, Options{})
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}

	if err := hw.Transmit(mustFrame(t, 0, 0x100, nil)); !errors.Is(err, ErrNoDriver) {
		t.Fatalf("Transmit without driver = %v, want ErrNoDriver", err)
	}
	if err := hw.Transmit(mustFrame(t, 3, 0x100, nil)); !errors.Is(err, ErrChannelOutOfRange) {
		t.Fatalf("Transmit out of range = %v, want ErrChannelOutOfRange", err)
	}
}

func TestTransientWriteFailureKeepsOrder(t *testing.T) {
	hw := testInterface(t, Options{})
	d := &fakeDriver{failWrites: 3}
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, d); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}

	var sent collector
	hw.FrameTransmitted().Subscribe(sent.add)

	x := mustFrame(t, 0, 0x301, []byte{0xAA})
	y := mustFrame(t, 0, 0x302, []byte{0xBB})
	if err := hw.Transmit(x); err != nil {
		t.Fatalf("Transmit(x): %v", err)
	}
	if err := hw.Transmit(y); err != nil {
		t.Fatalf("Transmit(y): %v", err)
	}
	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "both frames written", func() bool { return len(d.writtenFrames()) == 2 })

	written := d.writtenFrames()
	if written[0].ID != x.ID || written[1].ID != y.ID {
		t.Fatalf("written order = [%X %X], want [%X %X]", written[0].ID, written[1].ID, x.ID, y.ID)
	}
	events := sent.snapshot()
	if len(events) != 2 || events[0].ID != x.ID {
		t.Fatalf("transmit events = %v, want X exactly once then Y", events)
	}
}

func TestRetryLimitDropsPoisonFrame(t *testing.T) {
	hw := testInterface(t, Options{TxRetryLimit: 3})
	d := &fakeDriver{failID: 0x666}
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, d); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}

	var sent collector
	hw.FrameTransmitted().Subscribe(sent.add)

	if err := hw.Transmit(mustFrame(t, 0, 0x666, nil)); err != nil {
		t.Fatalf("Transmit(poison): %v", err)
	}
	if err := hw.Transmit(mustFrame(t, 0, 0x667, nil)); err != nil {
		t.Fatalf("Transmit(good): %v", err)
	}
	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "good frame written after poison dropped", func() bool {
		w := d.writtenFrames()
		return len(w) == 1 && w[0].ID == 0x667
	})
	for _, e := range sent.snapshot() {
		if e.ID == 0x666 {
			t.Fatal("poison frame reported as transmitted")
		}
	}
}

func TestStopDiscardsQueuedFrames(t *testing.T) {
	hw := testInterface(t, Options{TxRetryLimit: -1})
	d := &fakeDriver{failWrites: -1}
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, d); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}
	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// the driver refuses every write, so these stay queued
	for id := uint32(0x401); id <= 0x403; id++ {
		if err := hw.Transmit(mustFrame(t, 0, id, nil)); err != nil {
			t.Fatalf("Transmit(%X): %v", id, err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if err := hw.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// restart with writes succeeding; the discarded frames must not appear
	d.setFailWrites(0)
	if err := hw.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if w := d.writtenFrames(); len(w) != 0 {
		t.Fatalf("discarded frames were transmitted after restart: %v", w)
	}
}

func TestPeriodicUpdateFires(t *testing.T) {
	hw := testInterface(t, Options{PeriodicUpdateInterval: 2 * time.Millisecond})
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, &fakeDriver{}); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}

	var mu sync.Mutex
	ticks := 0
	hw.PeriodicUpdate().Subscribe(func(struct{}) {
		mu.Lock()
		ticks++
		mu.Unlock()
	})

	if err := hw.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "ten periodic updates", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ticks >= 10
	})
	if err := hw.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	after := ticks
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	final := ticks
	mu.Unlock()
	if final != after {
		t.Fatalf("periodic updates fired after Stop: %d -> %d", after, final)
	}
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	hw := testInterface(t, Options{})
	if err := hw.SetChannelCount(1); err != nil {
		t.Fatalf("SetChannelCount: %v", err)
	}
	if err := hw.AssignDriver(0, &fakeDriver{}); err != nil {
		t.Fatalf("AssignDriver: %v", err)
	}

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- hw.Start()
		}()
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, ErrRunning) {
			t.Fatalf("unexpected Start error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("Start winners = %d, want 1", winners)
	}
}
