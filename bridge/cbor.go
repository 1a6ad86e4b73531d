package bridge

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"mcuemu.dev/canbus"
)

// cborEncoder is a deterministic CBOR frame format with integer map
// keys. Like JSON it carries all optional metadata fields.
type cborEncoder struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

type cborFrame struct {
	Type   uint8   `cbor:"1,keyasint"`
	COBID  *uint16 `cbor:"2,keyasint,omitempty"`
	Data   []byte  `cbor:"3,keyasint,omitempty"`
	PubID  *uint32 `cbor:"4,keyasint,omitempty"`
	PubCnt *uint32 `cbor:"5,keyasint,omitempty"`
	TS     *uint64 `cbor:"6,keyasint,omitempty"`
}

func newCBOREncoder() cborEncoder {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return cborEncoder{enc: enc, dec: dec}
}

func (cborEncoder) Name() string { return "cbor" }

func (cborEncoder) SupportsOptionalField(canbus.Field) bool { return true }

func (e cborEncoder) Encode(f canbus.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w := cborFrame{Type: uint8(f.Kind)}
	if f.Kind != canbus.Error {
		id := f.ID
		w.COBID = &id
	}
	if f.Kind == canbus.Data {
		w.Data = f.Data
	}
	if f.Has(canbus.FieldPubID) {
		v := f.PubID
		w.PubID = &v
	}
	if f.Has(canbus.FieldPubCnt) {
		v := f.PubCnt
		w.PubCnt = &v
	}
	if f.Has(canbus.FieldTimestamp) {
		v := f.Timestamp
		w.TS = &v
	}
	return e.enc.Marshal(w)
}

func (e cborEncoder) Decode(p []byte) (canbus.Frame, error) {
	var w cborFrame
	if err := e.dec.Unmarshal(p, &w); err != nil {
		return canbus.Frame{}, err
	}
	var f canbus.Frame
	switch canbus.Kind(w.Type) {
	case canbus.Data, canbus.Remote, canbus.Error:
		f.Kind = canbus.Kind(w.Type)
	default:
		return canbus.Frame{}, fmt.Errorf("unknown frame type %d", w.Type)
	}
	if f.Kind != canbus.Error {
		if w.COBID == nil {
			return canbus.Frame{}, errors.New("frame without cobId")
		}
		f.ID = *w.COBID
	}
	if f.Kind == canbus.Data {
		f.Data = w.Data
	}
	if w.PubID != nil {
		f.PubID = *w.PubID
		f.Fields |= canbus.FieldPubID
	}
	if w.PubCnt != nil {
		f.PubCnt = *w.PubCnt
		f.Fields |= canbus.FieldPubCnt
	}
	if w.TS != nil {
		f.Timestamp = *w.TS
		f.Fields |= canbus.FieldTimestamp
	}
	if err := f.Validate(); err != nil {
		return canbus.Frame{}, err
	}
	return f, nil
}
