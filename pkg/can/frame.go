// Package can defines the classical CAN frame value type and the driver
// capability consumed by the hardware interface layer.
package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Frame is one classical CAN (2.0A/2.0B) frame tagged with the channel it
// belongs to. Frames are copied by value across queue boundaries; no field
// aliases shared memory.
type Frame struct {
	Channel  uint8   // index of the channel the frame was read from / will be written to
	ID       uint32  // 11-bit (standard) or 29-bit (extended) identifier
	Extended bool    // true for a 29-bit identifier
	DLC      uint8   // data length code, 0..8
	Data     [8]byte // payload; only Data[:DLC] is meaningful
}

// Identifier limits.
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("can: invalid identifier")
	ErrInvalidDLC = errors.New("can: invalid data length code")
)

// NewFrame builds a frame for the given channel, selecting the extended
// identifier format automatically when the identifier does not fit 11 bits.
// It returns an error for payloads longer than 8 bytes.
func NewFrame(channel uint8, id uint32, data []byte) (Frame, error) {
	if len(data) > 8 {
		return Frame{}, ErrInvalidDLC
	}
	f := Frame{Channel: channel, ID: id, Extended: id > MaxStandardID, DLC: uint8(len(data))}
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// Validate reports whether the frame's identifier and length are legal.
func (f Frame) Validate() error {
	if f.DLC > 8 {
		return ErrInvalidDLC
	}
	limit := uint32(MaxStandardID)
	if f.Extended {
		limit = MaxExtendedID
	}
	if f.ID > limit {
		return ErrInvalidID
	}
	return nil
}

// String renders the frame as "channel identifier [len] data".
func (f Frame) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ch%d %X [%d]", f.Channel, f.ID, f.DLC)
	for i := uint8(0); i < f.DLC && i < 8; i++ {
		fmt.Fprintf(&sb, " %02X", f.Data[i])
	}
	return sb.String()
}

// Wire layout constants for the Linux SocketCAN can_frame structure. The same
// 16-byte record is used by the socketcan driver and by the network bridge.
const (
	WireSize = 16

	effFlag = 0x80000000
	rtrFlag = 0x40000000
)

// MarshalBinary encodes the frame into the 16-byte SocketCAN can_frame layout
// (little-endian identifier with flag bits, DLC, 3 bytes padding, 8 data
// bytes). The channel index is not part of the wire format.
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= effFlag
	}
	buf := make([]byte, WireSize)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:16], f.Data[:])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the 16-byte SocketCAN layout. The
// channel index is left untouched; the receive path stamps it afterwards.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < WireSize {
		return fmt.Errorf("can: need %d bytes, got %d", WireSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.Extended = id&effFlag != 0
	if f.Extended {
		f.ID = id & MaxExtendedID
	} else {
		f.ID = id & MaxStandardID
	}
	f.DLC = data[4]
	copy(f.Data[:], data[8:16])
	return f.Validate()
}
