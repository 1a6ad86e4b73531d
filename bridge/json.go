package bridge

import (
	"encoding/json"
	"fmt"

	"mcuemu.dev/canbus"
)

// jsonEncoder is the UTF-8 JSON frame format. All optional metadata
// fields are supported.
type jsonEncoder struct{}

func (jsonEncoder) Name() string { return "json" }

func (jsonEncoder) SupportsOptionalField(canbus.Field) bool { return true }

// jsonFrame is the wire object. The data array is decoded as ints so
// out-of-range byte values are rejected instead of silently wrapped.
type jsonFrame struct {
	Type  string  `json:"type"`
	COBID *uint16 `json:"cobId,omitempty"`
	Data  []int   `json:"data,omitempty"`
	PubID *uint32 `json:"pubId,omitempty"`
	PubCnt *uint32 `json:"pubCnt,omitempty"`
	TS    *uint64 `json:"ts,omitempty"`
}

func (jsonEncoder) Encode(f canbus.Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w := jsonFrame{Type: f.Kind.String()}
	if f.Kind != canbus.Error {
		id := f.ID
		w.COBID = &id
	}
	if f.Kind == canbus.Data {
		w.Data = make([]int, len(f.Data))
		for i, b := range f.Data {
			w.Data[i] = int(b)
		}
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
	return json.Marshal(w)
}

func (jsonEncoder) Decode(p []byte) (canbus.Frame, error) {
	var w jsonFrame
	if err := json.Unmarshal(p, &w); err != nil {
		return canbus.Frame{}, err
	}
	var f canbus.Frame
	switch w.Type {
	case "data":
		f.Kind = canbus.Data
	case "remote":
		f.Kind = canbus.Remote
	case "error":
		f.Kind = canbus.Error
	default:
		return canbus.Frame{}, fmt.Errorf("unknown frame type %q", w.Type)
	}
	if f.Kind != canbus.Error {
		if w.COBID == nil {
			return canbus.Frame{}, fmt.Errorf("%s frame without cobId", w.Type)
		}
		f.ID = *w.COBID
	}
	if f.Kind == canbus.Data {
		f.Data = make([]byte, len(w.Data))
		for i, v := range w.Data {
			if v < 0 || v > 0xFF {
				return canbus.Frame{}, fmt.Errorf("data byte %d out of range", v)
			}
			f.Data[i] = byte(v)
		}
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
