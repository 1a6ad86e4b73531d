package bridge

import (
	"bytes"
	"testing"

	"mcuemu.dev/canbus"
)

var roundTripFrames = []canbus.Frame{
	{Kind: canbus.Data, ID: 0x123, Data: []byte{1, 2, 3}},
	{Kind: canbus.Data, ID: 0, Data: nil},
	{Kind: canbus.Data, ID: canbus.MaxID, Data: []byte{0, 0xFF, 0x80, 0x7F, 1, 2, 3, 4}},
	{Kind: canbus.Remote, ID: 0x234},
	{Kind: canbus.Error},
}

func TestRoundTrip(t *testing.T) {
	for _, format := range []string{"json", "binary", "cbor"} {
		enc, err := NewEncoder(format)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range roundTripFrames {
			p, err := enc.Encode(f)
			if err != nil {
				t.Errorf("%s: encode %v: %v", format, f, err)
				continue
			}
			g, err := enc.Decode(p)
			if err != nil {
				t.Errorf("%s: decode %v: %v", format, f, err)
				continue
			}
			if !f.Equal(g) {
				t.Errorf("%s: round trip %v -> %v", format, f, g)
			}
		}
	}
}

func TestRoundTripOptionalFields(t *testing.T) {
	f := canbus.Frame{
		Kind: canbus.Data, ID: 0x123, Data: []byte{9},
		Fields:    canbus.AllFields,
		PubID:     0xDEADBEEF,
		PubCnt:    42,
		Timestamp: 1700000000000000,
	}
	for _, format := range []string{"json", "cbor"} {
		enc, _ := NewEncoder(format)
		p, err := enc.Encode(f)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		g, err := enc.Decode(p)
		if err != nil {
			t.Fatalf("%s: %v", format, err)
		}
		if !f.Equal(g) {
			t.Fatalf("%s: round trip %v -> %v", format, f, g)
		}
	}
}

func TestJSONDecodeRejects(t *testing.T) {
	enc, _ := NewEncoder("json")
	bad := []string{
		`{"type":"dato","cobId":1}`,
		`{"type":"data","cobId":1,"data":[256]}`,
		`{"type":"data","cobId":1,"data":[-1]}`,
		`{"type":"data"}`,
		`{"type":"remote"}`,
		`{"type":"data","cobId":2048}`,
		`{"type":"data","cobId":1,"data":[1,2,3,4,5,6,7,8,9]}`,
		`not json`,
	}
	for _, s := range bad {
		if _, err := enc.Decode([]byte(s)); err == nil {
			t.Errorf("decoded %s", s)
		}
	}
}

func TestJSONEncodeShape(t *testing.T) {
	enc, _ := NewEncoder("json")
	p, err := enc.Encode(canbus.Frame{Kind: canbus.Error})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(p, []byte("cobId")) || bytes.Contains(p, []byte("data")) {
		t.Fatalf("error frame encoded with cobId or data: %s", p)
	}
	p, err = enc.Encode(canbus.Frame{Kind: canbus.Remote, ID: 7})
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(p, []byte("data")) {
		t.Fatalf("remote frame encoded with data: %s", p)
	}
}

func TestBinaryExactBytes(t *testing.T) {
	enc, _ := NewEncoder("binary")
	cases := []struct {
		frame canbus.Frame
		want  []byte
	}{
		{canbus.Frame{Kind: canbus.Data, ID: 0x123, Data: []byte{0xAA, 0xBB}},
			[]byte{0x42, 0x00 | 2<<2, 0x01, 0x23, 0xAA, 0xBB}},
		{canbus.Frame{Kind: canbus.Data, ID: 0x7FF, Data: nil},
			[]byte{0x42, 0x00, 0x07, 0xFF}},
		{canbus.Frame{Kind: canbus.Remote, ID: 0x123},
			[]byte{0x42, 0x01, 0x01, 0x23}},
		{canbus.Frame{Kind: canbus.Error},
			[]byte{0x42, 0x02}},
	}
	for _, tc := range cases {
		p, err := enc.Encode(tc.frame)
		if err != nil {
			t.Fatalf("%v: %v", tc.frame, err)
		}
		if !bytes.Equal(p, tc.want) {
			t.Errorf("%v: encoded % x, want % x", tc.frame, p, tc.want)
		}
	}
}

func TestBinaryRejectsOptionalFields(t *testing.T) {
	enc, _ := NewEncoder("binary")
	f := canbus.Frame{Kind: canbus.Data, ID: 1, Fields: canbus.FieldPubID, PubID: 1}
	if _, err := enc.Encode(f); err == nil {
		t.Fatal("encoded frame with optional fields")
	}
}

func TestBinaryDecodeRejects(t *testing.T) {
	enc, _ := NewEncoder("binary")
	bad := [][]byte{
		nil,
		{0x42},
		{0x41, 0x02},                   // bad magic
		{0x42, 0x03, 0x00, 0x01},      // unknown type
		{0x42, 0x02, 0x00},            // error frame too long
		{0x42, 0x02 | 1 << 2},         // error frame with length
		{0x42, 0x01, 0x01},            // remote frame too short
		{0x42, 0x01 | 1 << 2, 0x00, 0x01}, // remote frame with length
		{0x42, 0x00 | 2 << 2, 0x01, 0x23, 0xAA}, // data frame short payload
		{0x42, 0x00 | 9 << 2, 0x01, 0x23, 1, 2, 3, 4, 5, 6, 7, 8, 9}, // payload too long
		{0x42, 0x00, 0x08, 0x00},      // cobId out of range
	}
	for _, p := range bad {
		if _, err := enc.Decode(p); err == nil {
			t.Errorf("decoded % x", p)
		}
	}
}

func TestOptionalFieldSupport(t *testing.T) {
	all := []canbus.Field{canbus.FieldPubID, canbus.FieldPubCnt, canbus.FieldTimestamp}
	jsonEnc, _ := NewEncoder("json")
	binEnc, _ := NewEncoder("binary")
	cborEnc, _ := NewEncoder("cbor")
	for _, fl := range all {
		if !jsonEnc.SupportsOptionalField(fl) {
			t.Errorf("json does not support field %d", fl)
		}
		if binEnc.SupportsOptionalField(fl) {
			t.Errorf("binary claims to support field %d", fl)
		}
		if !cborEnc.SupportsOptionalField(fl) {
			t.Errorf("cbor does not support field %d", fl)
		}
	}
}

func TestUnknownFormat(t *testing.T) {
	if _, err := NewEncoder("xml"); err == nil {
		t.Fatal("unknown format accepted")
	}
}
