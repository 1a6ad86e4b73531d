// Package canbus models classic CAN frames with 11-bit identifiers,
// plus the optional bridging metadata attached to frames in transit.
package canbus

import (
	"errors"
	"fmt"
)

// Kind is the frame variant.
type Kind uint8

const (
	Data Kind = iota
	Remote
	Error
)

func (k Kind) String() string {
	switch k {
	case Data:
		return "data"
	case Remote:
		return "remote"
	case Error:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MaxID is the largest standard-frame identifier.
const MaxID = 0x7FF

// MaxData is the classic CAN payload limit.
const MaxData = 8

// Field identifies one of the optional metadata fields. The values
// match the bridge configuration bitmask.
type Field uint8

const (
	FieldPubID Field = 1 << iota
	FieldPubCnt
	FieldTimestamp

	AllFields = FieldPubID | FieldPubCnt | FieldTimestamp
)

// Frame is a classic CAN frame. Fields records which of the optional
// metadata values are present.
type Frame struct {
	Kind Kind
	// ID is the 11-bit identifier. Unused for Error frames.
	ID uint16
	// Data is the payload, Data frames only.
	Data []byte

	Fields Field
	// PubID identifies the publishing bridge instance.
	PubID uint32
	// PubCnt is the publisher's running frame count.
	PubCnt uint32
	// Timestamp is microseconds since the Unix epoch.
	Timestamp uint64
}

var (
	errIDRange     = errors.New("identifier exceeds 11 bits")
	errDataLength  = errors.New("payload exceeds 8 bytes")
	errErrorFields = errors.New("error frame carries identifier or payload")
	errRemoteData  = errors.New("remote frame carries payload")
)

// Validate checks the frame against the classic CAN invariants.
func (f Frame) Validate() error {
	switch f.Kind {
	case Data:
		if f.ID > MaxID {
			return errIDRange
		}
		if len(f.Data) > MaxData {
			return errDataLength
		}
	case Remote:
		if f.ID > MaxID {
			return errIDRange
		}
		if len(f.Data) != 0 {
			return errRemoteData
		}
	case Error:
		if f.ID != 0 || len(f.Data) != 0 {
			return errErrorFields
		}
	default:
		return fmt.Errorf("unknown frame kind %d", f.Kind)
	}
	return nil
}

// Has reports whether the optional field fl is present.
func (f Frame) Has(fl Field) bool {
	return f.Fields&fl != 0
}

// Equal reports whether two frames match, metadata included.
func (f Frame) Equal(g Frame) bool {
	if f.Kind != g.Kind || f.ID != g.ID || f.Fields != g.Fields {
		return false
	}
	if len(f.Data) != len(g.Data) {
		return false
	}
	for i := range f.Data {
		if f.Data[i] != g.Data[i] {
			return false
		}
	}
	return f.PubID == g.PubID && f.PubCnt == g.PubCnt && f.Timestamp == g.Timestamp
}

func (f Frame) String() string {
	switch f.Kind {
	case Data:
		return fmt.Sprintf("data id=0x%03x % x", f.ID, f.Data)
	case Remote:
		return fmt.Sprintf("remote id=0x%03x", f.ID)
	default:
		return f.Kind.String()
	}
}
