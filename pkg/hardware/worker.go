package hardware

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

const (
	// pollInterval paces drivers that report ErrWouldBlock instead of
	// blocking in ReadFrame.
	pollInterval = time.Millisecond
	// openRetryBackoff paces reopen attempts against an unavailable driver.
	openRetryBackoff = 500 * time.Millisecond
	// readRetryBackoff paces retries after a hard read error.
	readRetryBackoff = 100 * time.Millisecond
	// readErrorsBeforeReopen is how many consecutive hard read errors are
	// tolerated before the driver handle is recycled.
	readErrorsBeforeReopen = 5
)

// receiveLoop is the per-channel receive worker. It opens the channel's
// driver, then pulls frames into the receive queue until stop is closed,
// signalling the scheduler after every deposit. Driver failures are never
// fatal to the channel: the worker backs off, recycles the handle, and keeps
// trying, so a recovering bus resumes producing frame-received events without
// any intervention.
func (hw *Interface) receiveLoop(index uint8, ch *channel, stop <-chan struct{}) {
	defer hw.wg.Done()
	log := hw.log.With(zap.Uint8("channel", index))

	if !hw.openDriver(ch, stop, log) {
		return
	}

	readErrors := 0
	for {
		select {
		case <-stop:
			return
		default:
		}

		frame, err := ch.driver.ReadFrame()
		switch {
		case err == nil:
			readErrors = 0
			frame.Channel = index
			ch.pushRx(frame)
			hw.signalUpdate()
		case errors.Is(err, can.ErrWouldBlock):
			readErrors = 0
			if !sleep(pollInterval, stop) {
				return
			}
		default:
			select {
			case <-stop:
				return
			default:
			}
			readErrors++
			log.Debug("driver read failed", zap.Error(err), zap.Int("consecutive", readErrors))
			if readErrors >= readErrorsBeforeReopen {
				readErrors = 0
				_ = ch.driver.Close()
				if !hw.openDriver(ch, stop, log) {
					return
				}
				continue
			}
			if !sleep(readRetryBackoff, stop) {
				return
			}
		}
	}
}

// openDriver opens the channel's driver, retrying with backoff until it
// succeeds or stop is closed. It reports false when stopping; a handle opened
// in the same instant the stop request lands is closed again before
// returning.
func (hw *Interface) openDriver(ch *channel, stop <-chan struct{}, log *zap.Logger) bool {
	for {
		select {
		case <-stop:
			return false
		default:
		}
		err := ch.driver.Open()
		if err == nil {
			select {
			case <-stop:
				_ = ch.driver.Close()
				return false
			default:
			}
			return true
		}
		log.Warn("driver open failed; retrying", zap.Error(err))
		if !sleep(openRetryBackoff, stop) {
			return false
		}
	}
}
