package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Hello opens a session. Counts describe the manifest that follows.
type Hello struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dirs    int    `json:"dirs"`
	Files   int    `json:"files"`
	Bytes   int64  `json:"bytes"`
}

// HelloAck answers a Hello.
type HelloAck struct {
	OK      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
	Version string `json:"version"`
}

// Dirs carries a batch of directory paths.
type Dirs struct {
	Paths []string `json:"d"`
}

// FileMeta describes one file before its content is streamed.
type FileMeta struct {
	Path    string `json:"p"`
	Size    int64  `json:"s"`
	ModTime int64  `json:"m"` // unix nanoseconds
	MIME    string `json:"t,omitempty"`
}

// Files carries a batch of file descriptions.
type Files struct {
	Files []FileMeta `json:"f"`
}

// Cancel aborts a session on purpose.
type Cancel struct {
	Reason string `json:"reason"`
}

// ErrorMsg reports a fatal error to the peer.
type ErrorMsg struct {
	Msg string `json:"msg"`
}

// Encode marshals a JSON-bodied message.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// only plain structs of strings and integers are passed in
		panic(fmt.Sprintf("protocol: encode %T: %v", v, err))
	}
	return data
}

// Decode unmarshals a JSON-bodied frame payload into v.
func Decode(f Frame, v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("protocol: decode %s: %w", f.Type, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// BINARY PAYLOADS
// ─────────────────────────────────────────────────────────────────────────────

// ChunkHeaderSize is index(4) + offset(8).
const ChunkHeaderSize = 12

// PutChunkHeader writes the chunk header into the first ChunkHeaderSize bytes of dst.
func PutChunkHeader(dst []byte, index uint32, offset uint64) {
	binary.BigEndian.PutUint32(dst[0:], index)
	binary.BigEndian.PutUint64(dst[4:], offset)
}

// Chunk is a decoded CHUNK payload. Data aliases the frame payload.
type Chunk struct {
	Index  uint32
	Offset uint64
	Data   []byte
}

// ParseChunk decodes a CHUNK payload.
func ParseChunk(p []byte) (Chunk, error) {
	if len(p) < ChunkHeaderSize {
		return Chunk{}, fmt.Errorf("%w: chunk of %d bytes", ErrShortPayload, len(p))
	}
	data := p[ChunkHeaderSize:]
	if len(data) > Quantum {
		return Chunk{}, fmt.Errorf("protocol: chunk carries %d bytes, quantum is %d", len(data), Quantum)
	}
	return Chunk{
		Index:  binary.BigEndian.Uint32(p[0:]),
		Offset: binary.BigEndian.Uint64(p[4:]),
		Data:   data,
	}, nil
}

// FileEnd closes one file's content.
type FileEnd struct {
	Index uint32
	Sum   [sha256.Size]byte
}

// MarshalFileEnd encodes a FILE_END payload.
func MarshalFileEnd(e FileEnd) []byte {
	p := make([]byte, 4+sha256.Size)
	binary.BigEndian.PutUint32(p, e.Index)
	copy(p[4:], e.Sum[:])
	return p
}

// ParseFileEnd decodes a FILE_END payload.
func ParseFileEnd(p []byte) (FileEnd, error) {
	if len(p) != 4+sha256.Size {
		return FileEnd{}, fmt.Errorf("%w: file end of %d bytes", ErrShortPayload, len(p))
	}
	var e FileEnd
	e.Index = binary.BigEndian.Uint32(p)
	copy(e.Sum[:], p[4:])
	return e, nil
}
