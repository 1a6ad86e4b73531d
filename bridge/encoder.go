package bridge

import (
	"fmt"

	"mcuemu.dev/canbus"
)

// Encoder translates CAN frames to and from a broker payload format.
type Encoder interface {
	Encode(f canbus.Frame) ([]byte, error)
	Decode(p []byte) (canbus.Frame, error)
	// SupportsOptionalField reports whether the format can carry
	// the given metadata field. The bridge only stamps outbound
	// frames with fields the encoder supports.
	SupportsOptionalField(fl canbus.Field) bool
	Name() string
}

// NewEncoder returns the encoder for a configuration format name.
func NewEncoder(format string) (Encoder, error) {
	switch format {
	case "json":
		return jsonEncoder{}, nil
	case "binary":
		return binaryEncoder{}, nil
	case "cbor":
		return newCBOREncoder(), nil
	}
	return nil, fmt.Errorf("unknown frame format %q", format)
}
