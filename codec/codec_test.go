package codec

import (
	"bytes"
	"errors"
	"testing"

	"tuntap/ethertype"
)

func TestNoneIsIdentity(t *testing.T) {
	c := New(ModeNone, nil)
	frame := []byte{1, 2, 3}
	enc, err := c.Encode(frame)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(enc, frame) {
		t.Fatalf("expected identity, got %x", enc)
	}
	enc[0] = 9
	if frame[0] != 1 {
		t.Fatalf("encode must not alias its input")
	}
	dec, err := c.Decode([]byte{})
	if err != nil || len(dec) != 0 {
		t.Fatalf("decode empty: %x %v", dec, err)
	}
}

func TestHalfRoundTrip(t *testing.T) {
	c := New(ModeHalf, nil)
	for _, frame := range [][]byte{{0x42}, []byte("hello world"), make([]byte, 1500)} {
		enc, err := c.Encode(frame)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if len(enc) != len(frame)+2 || enc[0] != 0 || enc[1] != 0 {
			t.Fatalf("unexpected encoding %x", enc)
		}
		dec, err := c.Decode(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !bytes.Equal(dec, frame) {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestHalfDecodeShortFrame(t *testing.T) {
	c := New(ModeHalf, nil)
	if _, err := c.Decode([]byte{0}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestFullEncode(t *testing.T) {
	table := ethertype.Default()
	c := New(ModeFull, table)
	id := table.ID(ethertype.IPv6)
	enc, err := c.Encode([]byte{id, 0x60, 0x00})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{0, 0, 0x86, 0xDD, 0x60, 0x00}
	if !bytes.Equal(enc, want) {
		t.Fatalf("expected %x, got %x", want, enc)
	}
}

func TestFullDecodeInPlace(t *testing.T) {
	table := ethertype.Default()
	c := New(ModeFull, table)
	buf := []byte{0x00, 0x00, 0x08, 0x00, 0x45, 0x00}
	dec, err := c.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(dec) != 3 || dec[0] != table.ID(ethertype.IPv4) || dec[1] != 0x45 {
		t.Fatalf("unexpected decode %x", dec)
	}
	if &dec[0] != &buf[3] {
		t.Fatalf("decode should reuse the input buffer")
	}
}

func TestFullUnknownResolvesToZero(t *testing.T) {
	table := ethertype.Default()
	c := New(ModeFull, table)
	dec, err := c.Decode([]byte{0, 0, 0x12, 0x34, 0xff})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec[0] != 0 {
		t.Fatalf("unknown ethertype decoded to id %d", dec[0])
	}
	enc, err := c.Encode([]byte{250, 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(enc, []byte{0, 0, 0, 0, 1}) {
		t.Fatalf("unpopulated id encoded as %x", enc)
	}
}

func TestFullRoundTripFromDecodedID(t *testing.T) {
	table := ethertype.Default()
	c := New(ModeFull, table)
	for _, et := range ethertype.KnownTypes {
		wire := []byte{0, 0, byte(et >> 8), byte(et), 0xaa, 0xbb}
		dec, err := c.Decode(append([]byte(nil), wire...))
		if err != nil {
			t.Fatalf("decode 0x%04x: %v", et, err)
		}
		firstID := dec[0]
		enc, err := c.Encode(dec)
		if err != nil {
			t.Fatalf("encode 0x%04x: %v", et, err)
		}
		if !bytes.Equal(enc, wire) {
			t.Fatalf("0x%04x: expected %x, got %x", et, wire, enc)
		}
		again, err := c.Decode(enc)
		if err != nil {
			t.Fatalf("decode again: %v", err)
		}
		if again[0] != firstID {
			t.Fatalf("0x%04x: id changed from %d to %d", et, firstID, again[0])
		}
	}
}

func TestFullShortFrames(t *testing.T) {
	c := New(ModeFull, ethertype.Default())
	if _, err := c.Encode(nil); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame on encode, got %v", err)
	}
	if _, err := c.Decode([]byte{0, 0, 8}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame on decode, got %v", err)
	}
	if _, err := New(ModeFull, nil).Encode([]byte{1}); !errors.Is(err, ErrNoTable) {
		t.Fatalf("expected ErrNoTable, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"none": ModeNone, "HALF": ModeHalf, " full ": ModeFull}
	for input, want := range cases {
		got, err := ParseMode(input)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", input, got, err)
		}
	}
	if _, err := ParseMode("quarter"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
	if _, err := (Codec{Mode: Mode(7)}).Encode(nil); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestSplitJoin(t *testing.T) {
	payload := []byte{0x45, 0x00, 0x00, 0x14}
	table := ethertype.Default()
	for _, mode := range []Mode{ModeNone, ModeHalf, ModeFull} {
		c := New(mode, table)
		frame, err := c.Join(ethertype.IPv4, payload)
		if err != nil {
			t.Fatalf("%s join: %v", mode, err)
		}
		if len(frame) != len(payload)+4-mode.HeaderRoom() {
			t.Fatalf("%s: unexpected frame length %d", mode, len(frame))
		}
		et, got, err := c.Split(frame)
		if err != nil {
			t.Fatalf("%s split: %v", mode, err)
		}
		if et != ethertype.IPv4 || !bytes.Equal(got, payload) {
			t.Fatalf("%s: got 0x%04x %x", mode, et, got)
		}
		wire, err := c.Encode(frame)
		if err != nil {
			t.Fatalf("%s encode: %v", mode, err)
		}
		if !bytes.Equal(wire, append([]byte{0, 0, 0x08, 0x00}, payload...)) {
			t.Fatalf("%s: joined frame encodes to %x", mode, wire)
		}
	}
	if _, _, err := New(ModeHalf, nil).Split([]byte{8}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
	if _, err := New(ModeFull, nil).Join(ethertype.IPv4, payload); !errors.Is(err, ErrNoTable) {
		t.Fatalf("expected ErrNoTable, got %v", err)
	}
}
