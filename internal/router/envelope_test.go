package router

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pion/rtp"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	in := Envelope{
		Room:     "standup",
		Sender:   "alice",
		Epoch:    7,
		Sequence: 1 << 40,
		Layer:    "h",
		Payload:  []byte{0xde, 0xad, 0xbe, 0xef},
	}

	raw, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}

	if out.Room != in.Room || out.Sender != in.Sender || out.Epoch != in.Epoch ||
		out.Sequence != in.Sequence || out.Layer != in.Layer || !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", out, in)
	}
}

func TestEnvelopeTruncated(t *testing.T) {
	raw, err := Envelope{Room: "r", Sender: "s", Payload: []byte("abc")}.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < len(raw); i++ {
		if _, err := UnmarshalEnvelope(raw[:i]); err == nil {
			t.Fatalf("prefix of %d bytes parsed without error", i)
		}
	}
}

func TestEnvelopeBadVersion(t *testing.T) {
	raw, _ := Envelope{Room: "r", Sender: "s"}.Marshal()
	raw[0] = 99
	if _, err := UnmarshalEnvelope(raw); !errors.Is(err, ErrEnvelopeVersion) {
		t.Errorf("got %v, want ErrEnvelopeVersion", err)
	}
}

func TestEnvelopePayloadTooLarge(t *testing.T) {
	_, err := Envelope{Room: "r", Sender: "s", Payload: make([]byte, MaxPayloadSize+1)}.Marshal()
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("got %v, want ErrPayloadTooLarge", err)
	}
}

func TestSequenceUnwrapperWraparound(t *testing.T) {
	var u SequenceUnwrapper

	if got := u.Unwrap(65533); got != 65533 {
		t.Fatalf("first unwrap = %d, want 65533", got)
	}
	if got := u.Unwrap(65535); got != 65535 {
		t.Fatalf("unwrap(65535) = %d", got)
	}
	// Sequence wraps to 1; the 64-bit value keeps climbing.
	if got := u.Unwrap(1); got != 65537 {
		t.Errorf("unwrap(1) after wrap = %d, want 65537", got)
	}
}

func TestEnvelopeRTPRoundtrip(t *testing.T) {
	var u SequenceUnwrapper
	pkt, err := EnvelopeToRTP(Envelope{
		Room:     "r1",
		Sender:   "alice",
		Epoch:    3,
		Sequence: 42,
		Payload:  []byte("ciphertext"),
	}, 0x1234, 111, DefaultEpochExtensionID)
	if err != nil {
		t.Fatalf("EnvelopeToRTP: %v", err)
	}

	env, err := EnvelopeFromRTP("r1", "alice", "f", pkt, DefaultEpochExtensionID, &u)
	if err != nil {
		t.Fatalf("EnvelopeFromRTP: %v", err)
	}
	if env.Epoch != 3 || env.Sequence != 42 || string(env.Payload) != "ciphertext" || env.Layer != "f" {
		t.Errorf("roundtrip mismatch: %+v", env)
	}
}

func TestEnvelopeFromRTPMissingExtension(t *testing.T) {
	var u SequenceUnwrapper
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 1}, Payload: []byte("x")}

	_, err := EnvelopeFromRTP("r1", "alice", "", pkt, DefaultEpochExtensionID, &u)
	if !errors.Is(err, ErrMissingEpochExtension) {
		t.Errorf("got %v, want ErrMissingEpochExtension", err)
	}
}
