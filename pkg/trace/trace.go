// Package trace records CAN frame activity as a stream of CBOR records, one
// per frame, suitable for offline analysis or replay. A Recorder subscribes
// to the hardware interface's frame events; ReadAll decodes a recorded
// stream back.
package trace

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/events"
)

// Frame directions.
const (
	DirectionRx = "rx"
	DirectionTx = "tx"
)

// Record is one captured frame. Integer keys keep the on-disk records
// compact.
type Record struct {
	TimeUnixMS int64  `cbor:"1,keyasint"`
	Direction  string `cbor:"2,keyasint"`
	Channel    uint8  `cbor:"3,keyasint"`
	ID         uint32 `cbor:"4,keyasint"`
	Extended   bool   `cbor:"5,keyasint,omitempty"`
	Data       []byte `cbor:"6,keyasint"`
}

// Frame reconstructs the captured frame.
func (r Record) Frame() can.Frame {
	f := can.Frame{Channel: r.Channel, ID: r.ID, Extended: r.Extended, DLC: uint8(len(r.Data))}
	copy(f.Data[:], r.Data)
	return f
}

// Recorder appends frame records to a writer. Safe for concurrent use; the
// hardware interface publishes rx and tx events from the same goroutine, but
// a recorder may also be shared across interfaces.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	now func() time.Time
}

// NewRecorder builds a recorder writing CBOR records to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{enc: cbor.NewEncoder(w), now: time.Now}
}

// Record appends one frame with the given direction.
func (r *Recorder) Record(direction string, f can.Frame) error {
	rec := Record{
		TimeUnixMS: r.now().UnixMilli(),
		Direction:  direction,
		Channel:    f.Channel,
		ID:         f.ID,
		Extended:   f.Extended,
		Data:       append([]byte(nil), f.Data[:f.DLC]...),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(rec)
}

// Source is the pair of frame event dispatchers a recorder taps. The
// hardware interface satisfies it.
type Source interface {
	FrameReceived() *events.Dispatcher[can.Frame]
	FrameTransmitted() *events.Dispatcher[can.Frame]
}

// Attach subscribes the recorder to both frame events of src. The returned
// detach function removes both subscriptions.
func Attach(src Source, r *Recorder) (detach func()) {
	rx := src.FrameReceived().Subscribe(func(f can.Frame) {
		_ = r.Record(DirectionRx, f)
	})
	tx := src.FrameTransmitted().Subscribe(func(f can.Frame) {
		_ = r.Record(DirectionTx, f)
	})
	return func() {
		rx()
		tx()
	}
}

// ReadAll decodes every record in the stream until EOF.
func ReadAll(rd io.Reader) ([]Record, error) {
	dec := cbor.NewDecoder(rd)
	var out []Record
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, rec)
	}
}
