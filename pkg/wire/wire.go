// Package wire implements the outer frame header and message-type
// enumeration for the encrypted chat protocol: a fixed 8-byte header
// followed by a variable-length encrypted envelope (see package
// internal/cryptoenv for the envelope itself).
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageType identifies the kind of plaintext carried inside a frame.
type MessageType uint8

const (
	Hello MessageType = 0
	Chat  MessageType = 1
	Join  MessageType = 2
	Disc  MessageType = 3
	RoomN MessageType = 4
	UserN MessageType = 5
)

func (t MessageType) String() string {
	switch t {
	case Hello:
		return "Hello"
	case Chat:
		return "Chat"
	case Join:
		return "Join"
	case Disc:
		return "Disc"
	case RoomN:
		return "RoomN"
	case UserN:
		return "UserN"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

const (
	// ProtocolVersion is the only version this codec accepts.
	ProtocolVersion uint8 = 1

	// HeaderSize is the fixed outer header length in bytes.
	HeaderSize = 8

	// MaxEncryptedPayload bounds the size of the encrypted envelope
	// that follows the header.
	MaxEncryptedPayload uint32 = 65536
)

// Header is the fixed 8-byte prefix of every frame.
type Header struct {
	Version  uint8
	Type     MessageType
	Reserved uint16
	Length   uint32 // length of the encrypted envelope that follows
}

// WriteHeader serializes hdr into network byte order.
func WriteHeader(hdr Header, out []byte) {
	out[0] = hdr.Version
	out[1] = uint8(hdr.Type)
	binary.BigEndian.PutUint16(out[2:4], hdr.Reserved)
	binary.BigEndian.PutUint32(out[4:8], hdr.Length)
}

// ReadHeader parses a Header from the first HeaderSize bytes of data.
func ReadHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("wire: short header, have %d want %d", len(data), HeaderSize)
	}
	return Header{
		Version:  data[0],
		Type:     MessageType(data[1]),
		Reserved: binary.BigEndian.Uint16(data[2:4]),
		Length:   binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// Status is the three-valued result of Decode, replacing the source's
// errno-inspection hack with an explicit outcome.
type Status int

const (
	// Complete means a full frame was parsed (and its envelope
	// decrypted and verified) out of the given buffer.
	Complete Status = iota
	// Incomplete means the buffer does not yet hold a full frame;
	// the caller should read more bytes and retry.
	Incomplete
	// Error means the buffer starts with a malformed header or the
	// envelope failed authentication; the connection must be closed.
	Error
)

// Envelope is encrypted/decrypted by the caller (internal/cryptoenv);
// this package only frames it.
type Envelope interface {
	// Open verifies and decrypts buf, returning the plaintext.
	Open(buf []byte) ([]byte, error)
}

// Sealer produces an encrypted envelope for plaintext.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// Encode builds a complete frame: header + encrypted envelope.
func Encode(typ MessageType, plaintext []byte, sealer Sealer) ([]byte, error) {
	envelope, err := sealer.Seal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("wire: seal failed: %w", err)
	}
	if uint32(len(envelope)) > MaxEncryptedPayload {
		return nil, fmt.Errorf("wire: envelope too large: %d > %d", len(envelope), MaxEncryptedPayload)
	}

	frame := make([]byte, HeaderSize+len(envelope))
	WriteHeader(Header{
		Version: ProtocolVersion,
		Type:    typ,
		Length:  uint32(len(envelope)),
	}, frame)
	copy(frame[HeaderSize:], envelope)
	return frame, nil
}

// Decode attempts to parse and decrypt one frame from the front of
// data. It returns the number of bytes consumed (valid only when
// status is Complete), the header, the plaintext, and a status
// distinguishing "need more bytes" from "malformed frame".
func Decode(data []byte, envelope Envelope) (consumed int, hdr Header, plaintext []byte, status Status) {
	if len(data) < HeaderSize {
		return 0, Header{}, nil, Incomplete
	}

	hdr, err := ReadHeader(data)
	if err != nil {
		return 0, Header{}, nil, Incomplete
	}
	if hdr.Version != ProtocolVersion || hdr.Length > MaxEncryptedPayload {
		return 0, hdr, nil, Error
	}

	total := HeaderSize + int(hdr.Length)
	if len(data) < total {
		return 0, hdr, nil, Incomplete
	}

	plaintext, err = envelope.Open(data[HeaderSize:total])
	if err != nil {
		return 0, hdr, nil, Error
	}
	return total, hdr, plaintext, Complete
}
