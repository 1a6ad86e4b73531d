package bridge

import (
	"encoding/binary"
	"errors"
	"fmt"

	"mcuemu.dev/canbus"
)

// binaryEncoder is the compact 12-byte-max record format:
//
//	byte 0      magic 0x42
//	byte 1      type in the low 2 bits, payload length in the high 6
//	bytes 2-3   cobId, big-endian (data and remote only)
//	bytes 4..   payload (data only)
//
// Error records are exactly 2 bytes, remote records exactly 4, data
// records exactly 4+length. The format carries no optional metadata.
type binaryEncoder struct{}

const binMagic = 0x42

var (
	errBinOptional = errors.New("binary format cannot carry optional fields")
	errBinMagic    = errors.New("bad magic byte")
	errBinLength   = errors.New("bad record length")
)

func (binaryEncoder) Name() string { return "binary" }

func (binaryEncoder) SupportsOptionalField(canbus.Field) bool { return false }

func (binaryEncoder) Encode(f canbus.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if f.Fields != 0 {
		return nil, errBinOptional
	}
	switch f.Kind {
	case canbus.Error:
		return []byte{binMagic, byte(canbus.Error)}, nil
	case canbus.Remote:
		p := make([]byte, 4)
		p[0] = binMagic
		p[1] = byte(canbus.Remote)
		binary.BigEndian.PutUint16(p[2:], f.ID)
		return p, nil
	default:
		p := make([]byte, 4+len(f.Data))
		p[0] = binMagic
		p[1] = byte(canbus.Data) | byte(len(f.Data))<<2
		binary.BigEndian.PutUint16(p[2:], f.ID)
		copy(p[4:], f.Data)
		return p, nil
	}
}

func (binaryEncoder) Decode(p []byte) (canbus.Frame, error) {
	if len(p) < 2 {
		return canbus.Frame{}, errBinLength
	}
	if p[0] != binMagic {
		return canbus.Frame{}, errBinMagic
	}
	kind := canbus.Kind(p[1] & 0b11)
	length := int(p[1] >> 2)
	var f canbus.Frame
	switch kind {
	case canbus.Error:
		if length != 0 || len(p) != 2 {
			return canbus.Frame{}, errBinLength
		}
		f.Kind = canbus.Error
		return f, nil
	case canbus.Remote:
		if length != 0 || len(p) != 4 {
			return canbus.Frame{}, errBinLength
		}
		f.Kind = canbus.Remote
	case canbus.Data:
		if length > canbus.MaxData || len(p) != 4+length {
			return canbus.Frame{}, errBinLength
		}
		f.Kind = canbus.Data
		f.Data = append([]byte(nil), p[4:]...)
	default:
		return canbus.Frame{}, fmt.Errorf("unknown frame type %d", kind)
	}
	f.ID = binary.BigEndian.Uint16(p[2:])
	if err := f.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	return f, nil
}
