package protocol

import (
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendFrame(t *testing.T) {
	stream := AppendFrame(nil, TypeHello, []byte(`{"name":"alice"}`))
	stream = AppendFrame(stream, TypeSessionEnd, nil)
	assert.Equal(t, []byte{'L', 'D', 'T', 0x02, byte(TypeHello), 0, 0, 0, 16}, stream[:HeaderSize])
	assert.Len(t, stream, 2*HeaderSize+16)

	var d Decoder
	frames, err := d.Feed(stream)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, TypeHello, frames[0].Type)
	assert.Equal(t, `{"name":"alice"}`, string(frames[0].Payload))
	assert.Equal(t, TypeSessionEnd, frames[1].Type)
	assert.Empty(t, frames[1].Payload)
}

func TestDecoder_BadMagic(t *testing.T) {
	var d Decoder
	_, err := d.Feed([]byte("XXXX\x01\x00\x00\x00\x00"))
	assert.True(t, errors.Is(err, ErrBadMagic))
	assert.Equal(t, 0, d.Buffered())
}

func TestDecoder_FeedByteByByte(t *testing.T) {
	stream := AppendFrame(nil, TypeDirs, Encode(Dirs{Paths: []string{"root", "root/sub"}}))
	stream = AppendFrame(stream, TypeSessionEnd, nil)

	var d Decoder
	var frames []Frame
	for i := range stream {
		got, err := d.Feed(stream[i : i+1])
		require.NoError(t, err)
		frames = append(frames, got...)
	}

	require.Len(t, frames, 2)
	assert.Equal(t, TypeDirs, frames[0].Type)
	assert.Equal(t, TypeSessionEnd, frames[1].Type)
	assert.Equal(t, 0, d.Buffered())

	var dirs Dirs
	require.NoError(t, Decode(frames[0], &dirs))
	assert.Equal(t, []string{"root", "root/sub"}, dirs.Paths)
}

func TestDecoder_ManyFramesInOneFeed(t *testing.T) {
	var stream []byte
	for i := 0; i < 5; i++ {
		stream = AppendFrame(stream, TypeCancel, Encode(Cancel{Reason: "x"}))
	}
	// plus half a header
	stream = append(stream, Magic[:]...)

	var d Decoder
	frames, err := d.Feed(stream)
	require.NoError(t, err)
	assert.Len(t, frames, 5)
	assert.Equal(t, 4, d.Buffered())
}

func TestDecoder_PayloadTooLong(t *testing.T) {
	hdr := []byte{'L', 'D', 'T', 0x02, byte(TypeChunk), 0xFF, 0xFF, 0xFF, 0xFF}
	var d Decoder
	_, err := d.Feed(hdr)
	assert.True(t, errors.Is(err, ErrPayloadTooLong))
}

func TestChunkRoundTrip(t *testing.T) {
	p := make([]byte, ChunkHeaderSize+3)
	PutChunkHeader(p, 7, 128000)
	copy(p[ChunkHeaderSize:], "abc")

	c, err := ParseChunk(p)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), c.Index)
	assert.Equal(t, uint64(128000), c.Offset)
	assert.Equal(t, []byte("abc"), c.Data)

	_, err = ParseChunk(p[:5])
	assert.True(t, errors.Is(err, ErrShortPayload))

	tooBig := make([]byte, ChunkHeaderSize+Quantum+1)
	_, err = ParseChunk(tooBig)
	assert.Error(t, err)
}

func TestFileEndRoundTrip(t *testing.T) {
	e := FileEnd{Index: 3, Sum: sha256.Sum256([]byte("hello"))}
	got, err := ParseFileEnd(MarshalFileEnd(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)

	_, err = ParseFileEnd([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		version string
		want    bool
		wantErr bool
	}{
		{"2.0.0", true, false},
		{"2.3.1", true, false},
		{"2.1.0-rc1", true, false},
		{"1.9.0", false, false},
		{"3.0.0", false, false},
		{"banana", false, true},
	}
	for _, tt := range tests {
		got, err := Compatible(tt.version)
		if tt.wantErr {
			assert.Error(t, err, tt.version)
			continue
		}
		require.NoError(t, err, tt.version)
		assert.Equal(t, tt.want, got, tt.version)
	}
}

func TestCleanRelPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"root", "root", true},
		{"root/sub/b.txt", "root/sub/b.txt", true},
		{"root//sub/", "root/sub", true},
		{"./root", "root", true},
		{"", "", false},
		{".", "", false},
		{"..", "", false},
		{"../etc/passwd", "", false},
		{"root/../../x", "", false},
		{"root/../x", "", false},
		{"/etc/passwd", "", false},
		{"C:/Windows", "", false},
		{`root\sub`, "", false},
	}
	for _, tt := range tests {
		got, err := CleanRelPath(tt.in)
		if !tt.ok {
			assert.Error(t, err, tt.in)
			assert.True(t, errors.Is(err, ErrUnsafePath), tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "CHUNK", TypeChunk.String())
	assert.Equal(t, "TYPE(0x42)", Type(0x42).String())
}
