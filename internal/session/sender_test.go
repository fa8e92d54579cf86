package session

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ldrop/internal/manifest"
	"ldrop/internal/protocol"
)

func newSenderSession(t *testing.T) (*Session, *Sender, *fakeConn, *recorder) {
	t.Helper()
	fs, m := scenario(t)
	conn := &fakeConn{}
	rec := &recorder{}
	snd := NewSender("alice", m, WithSourceFS(fs))
	s := New(conn, snd, WithLogger(zap.NewNop()), WithObserver(rec))
	return s, snd, conn, rec
}

// handshake brings a sender session to Active with the Hello drained.
func handshake(t *testing.T, s *Session, conn *fakeConn) {
	t.Helper()
	s.Connected()
	require.Equal(t, StateHandshakePending, s.State())
	require.Len(t, conn.all, 1)
	s.Drained()
	s.Received(ackFrame())
	require.Equal(t, StateActive, s.State())
}

// run drains until the session ends, checking that every drain releases
// exactly one new write.
func run(t *testing.T, s *Session, conn *fakeConn) {
	t.Helper()
	for i := 0; !s.State().Terminal(); i++ {
		require.Less(t, i, 1000)
		before := len(conn.all)
		require.True(t, s.Busy(), "session idle while active")
		s.Drained()
		if !s.State().Terminal() {
			assert.Equal(t, before+1, len(conn.all))
		}
	}
}

func TestSender_Scenario(t *testing.T) {
	s, _, conn, rec := newSenderSession(t)
	handshake(t, s, conn)
	run(t, s, conn)

	require.Equal(t, StateCompleted, s.State())
	assert.NoError(t, s.Err())
	assert.True(t, conn.closed)

	frames := conn.frames(t)
	assert.Equal(t, []protocol.Type{
		protocol.TypeHello,
		protocol.TypeDirs,
		protocol.TypeFiles,
		protocol.TypeChunk, protocol.TypeFileEnd,
		protocol.TypeChunk, protocol.TypeChunk, protocol.TypeFileEnd,
		protocol.TypeSessionEnd,
	}, frameTypes(frames))

	var hello protocol.Hello
	require.NoError(t, protocol.Decode(frames[0], &hello))
	assert.Equal(t, protocol.Hello{Name: "alice", Version: protocol.Version, Dirs: 2, Files: 2, Bytes: 70010}, hello)

	var dirs protocol.Dirs
	require.NoError(t, protocol.Decode(frames[1], &dirs))
	assert.Equal(t, []string{"root", "root/sub"}, dirs.Paths)

	var files protocol.Files
	require.NoError(t, protocol.Decode(frames[2], &files))
	require.Len(t, files.Files, 2)
	assert.Equal(t, "root/a.txt", files.Files[0].Path)
	assert.Equal(t, int64(70000), files.Files[1].Size)

	// quanta of b.txt: 64,000 then 6,000, rebuilding the file
	var sizes []int
	var b []byte
	for _, f := range frames {
		if f.Type != protocol.TypeChunk {
			continue
		}
		c, err := protocol.ParseChunk(f.Payload)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(c.Data), protocol.Quantum)
		sizes = append(sizes, len(c.Data))
		if c.Index == 1 {
			assert.Equal(t, uint64(len(b)), c.Offset)
			b = append(b, c.Data...)
		}
	}
	assert.Equal(t, []int{10, 64000, 6000}, sizes)
	assert.Equal(t, pattern(70000), b)

	end, err := protocol.ParseFileEnd(frames[7].Payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), end.Index)
	assert.Equal(t, sha256.Sum256(pattern(70000)), end.Sum)

	assert.Equal(t, []State{StateHandshakePending, StateActive, StateCompleted}, rec.states)
	require.NotEmpty(t, rec.progress)
	last := rec.progress[len(rec.progress)-1]
	assert.Equal(t, int64(70010), last.Done)
	assert.Equal(t, int64(70010), last.Total)
}

func TestSender_QuantaPerFile(t *testing.T) {
	for _, size := range []int{0, 1, 63999, 64000, 64001, 128000, 200000} {
		fs, _ := scenario(t)
		writeFile(t, fs, "/data/f.bin", pattern(size))
		b := manifest.NewBuilder(manifest.WithFilesystem(fs), manifest.WithLogger(zap.NewNop()))
		require.Empty(t, b.Add("/data/f.bin"))

		conn := &fakeConn{}
		s := New(conn, NewSender("a", b.Manifest(), WithSourceFS(fs)), WithLogger(zap.NewNop()))
		handshake(t, s, conn)
		run(t, s, conn)
		require.Equal(t, StateCompleted, s.State(), "size %d", size)

		var got []byte
		quanta := 0
		for _, f := range conn.frames(t) {
			if f.Type == protocol.TypeChunk {
				c, err := protocol.ParseChunk(f.Payload)
				require.NoError(t, err)
				got = append(got, c.Data...)
				quanta++
			}
		}
		assert.Equal(t, (size+protocol.Quantum-1)/protocol.Quantum, quanta, "size %d", size)
		assert.True(t, bytes.Equal(pattern(size), got), "size %d", size)
	}
}

func TestSender_StaleHelloDrain(t *testing.T) {
	s, _, conn, _ := newSenderSession(t)
	s.Connected()

	// the ack overtakes the drain of the Hello
	s.Received(ackFrame())
	require.Equal(t, StateActive, s.State())
	assert.Len(t, conn.all, 1, "nothing may be written while the Hello is in flight")

	s.Drained()
	assert.Len(t, conn.all, 2)
	assert.Equal(t, protocol.TypeDirs, conn.frames(t)[1].Type)
}

func TestSender_EmptyManifest(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, NewSender("a", manifest.Manifest{}), WithLogger(zap.NewNop()))
	handshake(t, s, conn)
	run(t, s, conn)

	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, []protocol.Type{protocol.TypeHello, protocol.TypeSessionEnd}, frameTypes(conn.frames(t)))
}

func TestSender_SocketErrorMidFile(t *testing.T) {
	s, snd, conn, _ := newSenderSession(t)
	handshake(t, s, conn)

	// DIRS, FILES, a.txt chunk, FILE_END, first b.txt quantum
	for range 4 {
		s.Drained()
	}
	require.NotNil(t, snd.open)
	writes := len(conn.all)

	s.Failed(errors.New("connection reset by peer"))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrIO)
	assert.Nil(t, snd.open, "file handle released")
	assert.Nil(t, snd.frame)
	assert.True(t, conn.closed)

	s.Drained()
	s.Drained()
	assert.Len(t, conn.all, writes, "no quanta after failure")

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestSender_OpenFailure(t *testing.T) {
	fs, m := scenario(t)
	require.NoError(t, fs.Remove("/data/root/sub/b.txt"))

	conn := &fakeConn{}
	s := New(conn, NewSender("a", m, WithSourceFS(fs)), WithLogger(zap.NewNop()))
	handshake(t, s, conn)
	run(t, s, conn)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrFileOpen)

	frames := conn.frames(t)
	assert.Equal(t, protocol.TypeError, frames[len(frames)-1].Type)
	for _, f := range frames {
		assert.NotEqual(t, protocol.TypeSessionEnd, f.Type)
	}
}

func TestSender_FileShrank(t *testing.T) {
	fs, m := scenario(t)
	require.NoError(t, util.WriteFile(fs, "/data/root/sub/b.txt", pattern(100), 0o644))

	conn := &fakeConn{}
	s := New(conn, NewSender("a", m, WithSourceFS(fs)), WithLogger(zap.NewNop()))
	handshake(t, s, conn)
	run(t, s, conn)

	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrFileChanged)
}

func TestSender_PeerCancel(t *testing.T) {
	s, snd, conn, _ := newSenderSession(t)
	handshake(t, s, conn)
	s.Drained()
	s.Drained()
	s.Drained()

	s.Received(frame(protocol.TypeCancel, protocol.Encode(protocol.Cancel{Reason: "no space"})))
	assert.Equal(t, StateCancelled, s.State())
	assert.ErrorIs(t, s.Err(), ErrCancelled)
	assert.Contains(t, s.Err().Error(), "no space")
	assert.Nil(t, snd.open)
}

func TestSender_PeerError(t *testing.T) {
	s, _, conn, _ := newSenderSession(t)
	handshake(t, s, conn)

	s.Received(frame(protocol.TypeError, protocol.Encode(protocol.ErrorMsg{Msg: "disk full"})))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrPeer)
}

func TestSender_LocalCancel(t *testing.T) {
	s, _, conn, rec := newSenderSession(t)
	handshake(t, s, conn)

	s.Cancel("user")
	assert.Equal(t, StateCancelled, s.State())
	assert.ErrorIs(t, s.Err(), ErrCancelled)

	frames := conn.frames(t)
	assert.Equal(t, protocol.TypeCancel, frames[len(frames)-1].Type)
	assert.Equal(t, StateCancelled, rec.states[len(rec.states)-1])

	// a second terminal event changes nothing
	s.Failed(errors.New("late"))
	assert.ErrorIs(t, s.Err(), ErrCancelled)
}

func TestSender_PeerClosedBeforeEnd(t *testing.T) {
	s, _, conn, _ := newSenderSession(t)
	handshake(t, s, conn)

	s.Closed()
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrPeerClosed)
}

// drainUntilEnd drains until SESSION_END is queued but not yet drained.
func drainUntilEnd(t *testing.T, s *Session, snd *Sender, conn *fakeConn) {
	t.Helper()
	for i := 0; !snd.Finished(); i++ {
		require.Less(t, i, 1000)
		s.Drained()
	}
	frames := conn.frames(t)
	require.Equal(t, protocol.TypeSessionEnd, frames[len(frames)-1].Type)
	require.Equal(t, StateActive, s.State())
}

func TestSender_PeerEOFBeforeLastDrain(t *testing.T) {
	s, snd, conn, _ := newSenderSession(t)
	handshake(t, s, conn)
	drainUntilEnd(t, s, snd, conn)

	// the receiver hung up after SESSION_END; its drain is still queued
	s.Failed(io.EOF)
	assert.Equal(t, StateCompleted, s.State())
	assert.NoError(t, s.Err())

	s.Drained()
	assert.Equal(t, StateCompleted, s.State())
}

func TestSender_ClosedBeforeLastDrain(t *testing.T) {
	s, snd, conn, _ := newSenderSession(t)
	handshake(t, s, conn)
	drainUntilEnd(t, s, snd, conn)

	s.Closed()
	assert.Equal(t, StateCompleted, s.State())
}

func TestSender_PeerEOFMidTransfer(t *testing.T) {
	s, snd, conn, _ := newSenderSession(t)
	handshake(t, s, conn)
	s.Drained()
	s.Drained()
	require.False(t, snd.Finished())

	s.Failed(io.EOF)
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrPeerClosed)
}

func TestSender_HandshakeRejected(t *testing.T) {
	s, _, conn, _ := newSenderSession(t)
	s.Connected()
	s.Drained()

	s.Received(frame(protocol.TypeHelloAck, protocol.Encode(protocol.HelloAck{OK: false, Reason: "busy", Version: protocol.Version})))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrHandshake)
	assert.Contains(t, s.Err().Error(), "busy")
	assert.Len(t, conn.frames(t), 2, "HELLO then ERROR")
}

func TestSender_HandshakeVersionMismatch(t *testing.T) {
	s, _, _, _ := newSenderSession(t)
	s.Connected()
	s.Drained()

	s.Received(frame(protocol.TypeHelloAck, protocol.Encode(protocol.HelloAck{OK: true, Version: "3.0.0"})))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrHandshake)
}

func TestSender_DataBeforeHandshake(t *testing.T) {
	s, _, _, _ := newSenderSession(t)
	s.Connected()

	s.Received(frame(protocol.TypeSessionEnd, nil))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrHandshake)
}

func TestSender_GarbageIsProtocolError(t *testing.T) {
	s, _, conn, _ := newSenderSession(t)
	handshake(t, s, conn)

	s.Received([]byte("GET / HTTP/1.1\r\n\r\n"))
	assert.Equal(t, StateFailed, s.State())
	assert.ErrorIs(t, s.Err(), ErrProtocol)
}

func TestSender_BatchesStayWithinQuantum(t *testing.T) {
	dirs := make([]manifest.PathEntry, 5000)
	for i := range dirs {
		dirs[i] = manifest.PathEntry{Kind: manifest.Directory, RelPath: "root/some/fairly/long/directory/name/" + string(rune('a'+i%26)) + "/" + strconv.Itoa(i)}
	}
	conn := &fakeConn{}
	s := New(conn, NewSender("a", manifest.Manifest{Directories: dirs}), WithLogger(zap.NewNop()))
	handshake(t, s, conn)
	run(t, s, conn)
	require.Equal(t, StateCompleted, s.State())

	var got []string
	batches := 0
	for _, f := range conn.frames(t) {
		if f.Type != protocol.TypeDirs {
			continue
		}
		assert.LessOrEqual(t, len(f.Payload), protocol.Quantum)
		var d protocol.Dirs
		require.NoError(t, protocol.Decode(f, &d))
		got = append(got, d.Paths...)
		batches++
	}
	assert.Greater(t, batches, 1)
	require.Len(t, got, len(dirs))
	assert.Equal(t, dirs[4999].RelPath, got[4999])
}
