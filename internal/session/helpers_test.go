package session

import (
	"path/filepath"
	"testing"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ldrop/internal/manifest"
	"ldrop/internal/protocol"
	"ldrop/internal/transport"
)

// fakeConn records writes in order. Writes queued before Close are still
// handed out by pop, like a graceful close flushes them.
type fakeConn struct {
	queue  [][]byte
	all    [][]byte
	closed bool
	err    error
}

func (c *fakeConn) Write(p []byte) error {
	if c.closed {
		return transport.ErrClosed
	}
	if c.err != nil {
		return c.err
	}
	cp := append([]byte(nil), p...)
	c.queue = append(c.queue, cp)
	c.all = append(c.all, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func (c *fakeConn) pop() []byte {
	if len(c.queue) == 0 {
		return nil
	}
	p := c.queue[0]
	c.queue = c.queue[1:]
	return p
}

// frames decodes everything written so far.
func (c *fakeConn) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	var d protocol.Decoder
	var out []protocol.Frame
	for _, p := range c.all {
		fs, err := d.Feed(p)
		require.NoError(t, err)
		out = append(out, fs...)
	}
	return out
}

func frameTypes(frames []protocol.Frame) []protocol.Type {
	out := make([]protocol.Type, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Type)
	}
	return out
}

func frame(t protocol.Type, payload []byte) []byte {
	return protocol.AppendFrame(nil, t, payload)
}

func ackFrame() []byte {
	return frame(protocol.TypeHelloAck, protocol.Encode(protocol.HelloAck{OK: true, Version: protocol.Version}))
}

func helloFrame(h protocol.Hello) []byte {
	if h.Version == "" {
		h.Version = protocol.Version
	}
	return frame(protocol.TypeHello, protocol.Encode(h))
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func writeFile(t *testing.T, fs billy.Filesystem, path string, data []byte) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, util.WriteFile(fs, path, data, 0o644))
}

// scenario builds root/a.txt (10 bytes) and root/sub/b.txt (70,000 bytes).
func scenario(t *testing.T) (billy.Filesystem, manifest.Manifest) {
	t.Helper()
	fs := memfs.New()
	writeFile(t, fs, "/data/root/a.txt", pattern(10))
	writeFile(t, fs, "/data/root/sub/b.txt", pattern(70000))

	b := manifest.NewBuilder(manifest.WithFilesystem(fs), manifest.WithLogger(zap.NewNop()))
	require.Empty(t, b.Add("/data/root"))
	return fs, b.Manifest()
}

// recorder is an Observer keeping every notification.
type recorder struct {
	states   []State
	progress []Progress
}

func (r *recorder) OnState(_, to State, _ error) { r.states = append(r.states, to) }
func (r *recorder) OnProgress(p Progress)         { r.progress = append(r.progress, p) }

// pump shuttles frames between two sessions until neither side writes.
// Each buffer is delivered to the peer before its drain is reported.
func pump(t *testing.T, a, b *Session, ca, cb *fakeConn) {
	t.Helper()
	for range 100000 {
		moved := false
		if p := ca.pop(); p != nil {
			b.Received(p)
			a.Drained()
			moved = true
		}
		if p := cb.pop(); p != nil {
			a.Received(p)
			b.Drained()
			moved = true
		}
		if !moved {
			return
		}
	}
	t.Fatal("sessions never went quiet")
}
