// Package protocol defines the ldrop wire format: a fixed frame header
// followed by a typed payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// FRAMING
// ─────────────────────────────────────────────────────────────────────────────

// Magic opens every frame. The last byte is the framing revision.
var Magic = [4]byte{'L', 'D', 'T', 0x02}

// Type identifies a frame payload.
type Type byte

const (
	TypeHello      Type = 0x01
	TypeHelloAck   Type = 0x02
	TypeDirs       Type = 0x10
	TypeFiles      Type = 0x11
	TypeChunk      Type = 0x12
	TypeFileEnd    Type = 0x13
	TypeSessionEnd Type = 0x20
	TypeCancel     Type = 0x21
	TypeError      Type = 0xFF
)

const (
	// HeaderSize is magic(4) + type(1) + length(4).
	HeaderSize = 9

	// Quantum is the largest amount of file content carried by one chunk.
	Quantum = 64000

	// MaxPayload bounds the payload a decoder accepts.
	MaxPayload = 1 << 20
)

var (
	ErrBadMagic       = errors.New("protocol: bad magic")
	ErrPayloadTooLong = errors.New("protocol: payload too long")
	ErrShortPayload   = errors.New("protocol: short payload")
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeHelloAck:
		return "HELLO_ACK"
	case TypeDirs:
		return "DIRS"
	case TypeFiles:
		return "FILES"
	case TypeChunk:
		return "CHUNK"
	case TypeFileEnd:
		return "FILE_END"
	case TypeSessionEnd:
		return "SESSION_END"
	case TypeCancel:
		return "CANCEL"
	case TypeError:
		return "ERROR"
	default:
		return fmt.Sprintf("TYPE(0x%02x)", byte(t))
	}
}

// Frame is one decoded protocol unit.
type Frame struct {
	Type    Type
	Payload []byte
}

// PutHeader writes a frame header for an n-byte payload into dst.
func PutHeader(dst []byte, t Type, n int) {
	copy(dst[:4], Magic[:])
	dst[4] = byte(t)
	binary.BigEndian.PutUint32(dst[5:], uint32(n))
}

// AppendFrame appends the encoded frame to dst and returns the extended slice.
func AppendFrame(dst []byte, t Type, payload []byte) []byte {
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], t, len(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

func parseHeader(hdr []byte) (Type, int, error) {
	if hdr[0] != Magic[0] || hdr[1] != Magic[1] || hdr[2] != Magic[2] || hdr[3] != Magic[3] {
		return 0, 0, fmt.Errorf("%w: %x", ErrBadMagic, hdr[:4])
	}
	n := binary.BigEndian.Uint32(hdr[5:])
	if n > MaxPayload {
		return 0, 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, n)
	}
	return Type(hdr[4]), int(n), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// STREAM DECODER
// ─────────────────────────────────────────────────────────────────────────────

// Decoder reassembles frames from a byte stream delivered in arbitrary pieces.
type Decoder struct {
	buf []byte
}

// Feed appends p and returns every frame completed by it. After an error
// the decoder must not be used again.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for len(d.buf) >= HeaderSize {
		t, n, err := parseHeader(d.buf[:HeaderSize])
		if err != nil {
			d.buf = nil
			return frames, err
		}
		if len(d.buf) < HeaderSize+n {
			break
		}
		payload := make([]byte, n)
		copy(payload, d.buf[HeaderSize:HeaderSize+n])
		frames = append(frames, Frame{Type: t, Payload: payload})
		d.buf = d.buf[HeaderSize+n:]
	}

	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered reports how many bytes of an incomplete frame are held.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
