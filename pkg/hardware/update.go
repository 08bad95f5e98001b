package hardware

import (
	"go.uber.org/zap"
)

// updateLoop is the scheduler goroutine. It sleeps on the update condition
// variable until a receive worker or the wakeup goroutine flags pending work,
// then runs one cycle over the snapshot of channels taken at Start.
func (hw *Interface) updateLoop(chans []*channel) {
	defer hw.wg.Done()
	for {
		hw.updateMu.Lock()
		for !hw.needsUpdate && !hw.stopUpdate {
			hw.updateCond.Wait()
		}
		stopping := hw.stopUpdate
		hw.needsUpdate = false
		hw.updateMu.Unlock()
		if stopping {
			return
		}
		hw.runCycle(chans)
	}
}

// runCycle performs one update pass: every channel's receive queue is drained
// fully before any transmit work, so the stack sees the freshest inbound
// state first; then each channel's transmit queue is drained best-effort in
// index order; finally one periodic update event fires.
func (hw *Interface) runCycle(chans []*channel) {
	for _, ch := range chans {
		for _, f := range ch.drainRx() {
			hw.frameReceived.Publish(f)
		}
	}
	for i, ch := range chans {
		if ch.driver != nil {
			hw.drainTx(uint8(i), ch)
		}
	}
	hw.periodicUpdate.Publish(struct{}{})
}

// drainTx writes queued frames strictly FIFO. A write failure ends the
// channel's drain for this cycle with the failed frame still at the head, so
// a saturated driver back-pressures instead of dropping or reordering. A head
// frame failing retryLimit cycles in a row is dropped with a warning.
func (hw *Interface) drainTx(index uint8, ch *channel) {
	for {
		f, ok := ch.peekTx()
		if !ok {
			ch.txFailures = 0
			return
		}
		if err := ch.driver.WriteFrame(f); err != nil {
			ch.txFailures++
			if hw.retryLimit > 0 && ch.txFailures >= hw.retryLimit {
				ch.popTx()
				ch.txFailures = 0
				hw.log.Warn("dropping undeliverable transmit frame",
					zap.Uint8("channel", index),
					zap.Uint32("id", f.ID),
					zap.Int("attempts", hw.retryLimit),
					zap.Error(err))
				continue
			}
			return
		}
		ch.txFailures = 0
		ch.popTx()
		hw.frameTransmitted.Publish(f)
	}
}

// wakeupLoop nudges the scheduler once per configured interval so the
// periodic update fires even when no frames are moving.
func (hw *Interface) wakeupLoop(stop <-chan struct{}) {
	defer hw.wg.Done()
	interval := hw.PeriodicUpdateInterval()
	for sleep(interval, stop) {
		hw.signalUpdate()
	}
}
