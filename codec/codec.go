// Package codec implements ethertype compression, the header rewrite applied
// to frames on their way to (Encode) and from (Decode) the kernel device.
//
// The kernel prefixes every frame with a 4-byte packet information header:
// two bytes of flags followed by the big-endian ethertype. HALF drops the
// flags, FULL additionally shrinks the ethertype to a one-byte identifier.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"tuntap/ethertype"
)

var (
	ErrShortFrame  = errors.New("frame shorter than codec header")
	ErrUnknownMode = errors.New("unknown codec mode")
	ErrNoTable     = errors.New("full mode requires an ethertype table")
)

// Mode selects the header transform.
type Mode uint8

const (
	ModeNone Mode = iota
	ModeHalf
	ModeFull
)

func ParseMode(input string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "none", "":
		return ModeNone, nil
	case "half":
		return ModeHalf, nil
	case "full":
		return ModeFull, nil
	default:
		return ModeNone, fmt.Errorf("%w %q", ErrUnknownMode, input)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeHalf:
		return "half"
	case ModeFull:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// HeaderRoom is the number of leading bytes Decode consumes.
func (m Mode) HeaderRoom() int {
	switch m {
	case ModeHalf:
		return 2
	case ModeFull:
		return 4
	default:
		return 0
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Codec is a stateless transform. Table is required in ModeFull only.
type Codec struct {
	Mode  Mode
	Table *ethertype.Table
}

func New(mode Mode, table *ethertype.Table) Codec {
	return Codec{Mode: mode, Table: table}
}

// Encode returns a new buffer holding the device representation of frame.
func (c Codec) Encode(frame []byte) ([]byte, error) {
	switch c.Mode {
	case ModeNone:
		return append([]byte(nil), frame...), nil
	case ModeHalf:
		out := make([]byte, len(frame)+2)
		copy(out[2:], frame)
		return out, nil
	case ModeFull:
		if c.Table == nil {
			return nil, ErrNoTable
		}
		if len(frame) < 1 {
			return nil, fmt.Errorf("%w: full mode needs 1 byte, got 0", ErrShortFrame)
		}
		out := make([]byte, len(frame)+3)
		binary.BigEndian.PutUint32(out[:4], uint32(c.Table.Type(frame[0])))
		copy(out[4:], frame[1:])
		return out, nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownMode, uint8(c.Mode))
	}
}

// Decode converts a device buffer to the consumer representation. In ModeFull
// the identifier is written over buf[3], so buf must not be shared.
func (c Codec) Decode(buf []byte) ([]byte, error) {
	switch c.Mode {
	case ModeNone:
		return buf, nil
	case ModeHalf:
		if len(buf) < 2 {
			return nil, fmt.Errorf("%w: half mode needs 2 bytes, got %d", ErrShortFrame, len(buf))
		}
		return buf[2:], nil
	case ModeFull:
		if c.Table == nil {
			return nil, ErrNoTable
		}
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: full mode needs 4 bytes, got %d", ErrShortFrame, len(buf))
		}
		et := uint16(binary.BigEndian.Uint32(buf[:4]))
		buf[3] = c.Table.ID(et)
		return buf[3:], nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownMode, uint8(c.Mode))
	}
}

// Split returns the ethertype a consumer frame carries and the payload
// behind its header. The payload aliases frame.
func (c Codec) Split(frame []byte) (uint16, []byte, error) {
	switch c.Mode {
	case ModeNone:
		if len(frame) < 4 {
			return 0, nil, ErrShortFrame
		}
		return binary.BigEndian.Uint16(frame[2:4]), frame[4:], nil
	case ModeHalf:
		if len(frame) < 2 {
			return 0, nil, ErrShortFrame
		}
		return binary.BigEndian.Uint16(frame[0:2]), frame[2:], nil
	case ModeFull:
		if c.Table == nil {
			return 0, nil, ErrNoTable
		}
		if len(frame) < 1 {
			return 0, nil, ErrShortFrame
		}
		return c.Table.Type(frame[0]), frame[1:], nil
	default:
		return 0, nil, fmt.Errorf("%w %d", ErrUnknownMode, uint8(c.Mode))
	}
}

// Join builds a new consumer frame carrying payload as ethertype et.
func (c Codec) Join(et uint16, payload []byte) ([]byte, error) {
	switch c.Mode {
	case ModeNone:
		out := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint16(out[2:4], et)
		copy(out[4:], payload)
		return out, nil
	case ModeHalf:
		out := make([]byte, 2+len(payload))
		binary.BigEndian.PutUint16(out[0:2], et)
		copy(out[2:], payload)
		return out, nil
	case ModeFull:
		if c.Table == nil {
			return nil, ErrNoTable
		}
		out := make([]byte, 1+len(payload))
		out[0] = c.Table.ID(et)
		copy(out[1:], payload)
		return out, nil
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownMode, uint8(c.Mode))
	}
}
