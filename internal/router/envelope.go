package router

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	envelopeVersion = 1

	// MaxPayloadSize bounds a single encrypted media frame.
	MaxPayloadSize = 1 << 20
)

var (
	ErrEnvelopeTooShort = errors.New("router: envelope truncated")
	ErrEnvelopeVersion  = errors.New("router: unsupported envelope version")
	ErrPayloadTooLarge  = errors.New("router: envelope payload too large")
)

// Envelope is the unit flowing through the router: routing metadata plus an
// opaque ciphertext. The router reads only the metadata; the payload is
// encrypted end to end and includes its authentication tag.
type Envelope struct {
	Room     string
	Sender   string
	Epoch    uint64
	Sequence uint64
	Layer    string // simulcast layer id ("q", "h", "f"); empty for single-layer media
	Payload  []byte
}

// Marshal serialises the envelope for transport between nodes.
//
// Layout:
//
//	1 byte: version
//	1 byte: room id length, N bytes room id
//	1 byte: sender id length, N bytes sender id
//	8 bytes: epoch (big endian)
//	8 bytes: sequence (big endian)
//	1 byte: layer id length, N bytes layer id
//	4 bytes: payload length, N bytes payload
func (e Envelope) Marshal() ([]byte, error) {
	if len(e.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(e.Payload))
	}
	out := make([]byte, 0, 1+1+len(e.Room)+1+len(e.Sender)+8+8+1+len(e.Layer)+4+len(e.Payload))
	out = append(out, envelopeVersion)
	out = append(out, byte(len(e.Room)))
	out = append(out, e.Room...)
	out = append(out, byte(len(e.Sender)))
	out = append(out, e.Sender...)
	out = binary.BigEndian.AppendUint64(out, e.Epoch)
	out = binary.BigEndian.AppendUint64(out, e.Sequence)
	out = append(out, byte(len(e.Layer)))
	out = append(out, e.Layer...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(e.Payload)))
	out = append(out, e.Payload...)
	return out, nil
}

// UnmarshalEnvelope parses a serialised envelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) < 1 {
		return e, ErrEnvelopeTooShort
	}
	if data[0] != envelopeVersion {
		return e, fmt.Errorf("%w: %d", ErrEnvelopeVersion, data[0])
	}
	data = data[1:]

	readString := func() (string, error) {
		if len(data) < 1 {
			return "", ErrEnvelopeTooShort
		}
		n := int(data[0])
		if len(data) < 1+n {
			return "", ErrEnvelopeTooShort
		}
		s := string(data[1 : 1+n])
		data = data[1+n:]
		return s, nil
	}

	var err error
	if e.Room, err = readString(); err != nil {
		return Envelope{}, err
	}
	if e.Sender, err = readString(); err != nil {
		return Envelope{}, err
	}
	if len(data) < 16 {
		return Envelope{}, ErrEnvelopeTooShort
	}
	e.Epoch = binary.BigEndian.Uint64(data[:8])
	e.Sequence = binary.BigEndian.Uint64(data[8:16])
	data = data[16:]
	if e.Layer, err = readString(); err != nil {
		return Envelope{}, err
	}
	if len(data) < 4 {
		return Envelope{}, ErrEnvelopeTooShort
	}
	n := binary.BigEndian.Uint32(data[:4])
	if n > MaxPayloadSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}
	data = data[4:]
	if uint32(len(data)) < n {
		return Envelope{}, ErrEnvelopeTooShort
	}
	e.Payload = make([]byte, n)
	copy(e.Payload, data[:n])
	return e, nil
}
