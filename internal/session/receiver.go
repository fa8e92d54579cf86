package session

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"ldrop/internal/metrics"
	"ldrop/internal/protocol"
)

// Receiver recreates a sender's tree inside a destination filesystem.
// Content must arrive file by file in announcement order with contiguous
// offsets; anything else fails the session.
type Receiver struct {
	fs     billy.Filesystem
	accept func(protocol.Hello) error

	total   int64
	done    int64
	files   []protocol.FileMeta
	started bool

	cur    int // file being written
	offset int64
	out    billy.File
	sum    hash.Hash

	saved []string
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithAcceptor installs a policy deciding whether a sender is let in.
func WithAcceptor(fn func(protocol.Hello) error) ReceiverOption {
	return func(r *Receiver) { r.accept = fn }
}

// NewReceiver writes into dest, typically osfs.New(dir, osfs.WithBoundOS()).
func NewReceiver(dest billy.Filesystem, opts ...ReceiverOption) *Receiver {
	r := &Receiver{fs: dest, sum: sha256.New()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Receiver) RoleName() string { return "receiver" }

// Accept records the announced size and applies the acceptor, if any.
func (r *Receiver) Accept(h protocol.Hello) error {
	r.total = h.Bytes
	if r.accept != nil {
		return r.accept(h)
	}
	return nil
}

func (r *Receiver) HandshakeFinished(*Session) error { return nil }

// Drained has nothing to do: the receiver only writes the handshake reply.
func (r *Receiver) Drained(*Session) error { return nil }

// Saved lists the files written so far, relative to the destination.
func (r *Receiver) Saved() []string {
	return r.saved
}

func (r *Receiver) ProcessReceivedData(s *Session, f protocol.Frame) error {
	switch f.Type {
	case protocol.TypeDirs:
		return r.dirs(f)
	case protocol.TypeFiles:
		return r.announce(f)
	case protocol.TypeChunk:
		return r.chunk(s, f)
	case protocol.TypeFileEnd:
		return r.fileEnd(s, f)
	case protocol.TypeSessionEnd:
		if r.cur != len(r.files) {
			return fmt.Errorf("%w: session ended after %d of %d files", ErrProtocol, r.cur, len(r.files))
		}
		s.Complete()
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s from sender", ErrProtocol, f.Type)
	}
}

func (r *Receiver) dirs(f protocol.Frame) error {
	if r.started {
		return fmt.Errorf("%w: DIRS after content", ErrProtocol)
	}
	var d protocol.Dirs
	if err := protocol.Decode(f, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	for _, p := range d.Paths {
		clean, err := protocol.CleanRelPath(p)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := r.fs.MkdirAll(clean, 0o755); err != nil {
			return fmt.Errorf("%w %s: %v", ErrFileWrite, clean, err)
		}
	}
	return nil
}

func (r *Receiver) announce(f protocol.Frame) error {
	if r.started {
		return fmt.Errorf("%w: FILES after content", ErrProtocol)
	}
	var batch protocol.Files
	if err := protocol.Decode(f, &batch); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	for _, m := range batch.Files {
		clean, err := protocol.CleanRelPath(m.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if m.Size < 0 {
			return fmt.Errorf("%w: %s has negative size", ErrProtocol, clean)
		}
		m.Path = clean
		r.files = append(r.files, m)
	}
	return nil
}

// create opens the current file for writing.
func (r *Receiver) create() error {
	m := r.files[r.cur]
	if dir := path.Dir(m.Path); dir != "." {
		if err := r.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w %s: %v", ErrFileWrite, dir, err)
		}
	}
	out, err := r.fs.OpenFile(m.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrFileWrite, m.Path, err)
	}
	r.out = out
	r.offset = 0
	r.sum.Reset()
	return nil
}

func (r *Receiver) current(idx uint32) error {
	if int(idx) != r.cur || r.cur >= len(r.files) {
		return fmt.Errorf("%w: data for file %d while expecting file %d of %d", ErrProtocol, idx, r.cur, len(r.files))
	}
	r.started = true
	if r.out == nil {
		return r.create()
	}
	return nil
}

func (r *Receiver) chunk(s *Session, f protocol.Frame) error {
	c, err := protocol.ParseChunk(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := r.current(c.Index); err != nil {
		return err
	}
	m := r.files[r.cur]
	if int64(c.Offset) != r.offset {
		return fmt.Errorf("%w: %s: chunk at offset %d, expected %d", ErrProtocol, m.Path, c.Offset, r.offset)
	}
	if r.offset+int64(len(c.Data)) > m.Size {
		return fmt.Errorf("%w: %s: content exceeds announced size %d", ErrProtocol, m.Path, m.Size)
	}

	if _, err := r.out.Write(c.Data); err != nil {
		return fmt.Errorf("%w %s: %v", ErrFileWrite, m.Path, err)
	}
	r.sum.Write(c.Data)
	r.offset += int64(len(c.Data))
	r.done += int64(len(c.Data))
	metrics.RecordBytesReceived(len(c.Data))

	s.Progress(Progress{
		File:     m.Path,
		FileDone: r.offset,
		FileSize: m.Size,
		Done:     r.done,
		Total:    r.total,
	})
	return nil
}

func (r *Receiver) fileEnd(s *Session, f protocol.Frame) error {
	end, err := protocol.ParseFileEnd(f.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := r.current(end.Index); err != nil {
		return err
	}
	m := r.files[r.cur]
	if r.offset != m.Size {
		return fmt.Errorf("%w: %s: got %d of %d bytes", ErrProtocol, m.Path, r.offset, m.Size)
	}
	if !bytes.Equal(r.sum.Sum(nil), end.Sum[:]) {
		return fmt.Errorf("%w: %s", ErrChecksum, m.Path)
	}

	err = r.out.Close()
	r.out = nil
	if err != nil {
		return fmt.Errorf("%w %s: %v", ErrFileWrite, m.Path, err)
	}

	if ch, ok := r.fs.(billy.Change); ok && m.ModTime > 0 {
		mt := time.Unix(0, m.ModTime)
		if err := ch.Chtimes(m.Path, mt, mt); err != nil {
			s.log.Debug("cannot restore mtime", zap.String("path", m.Path), zap.Error(err))
		}
	}

	s.log.Info("saved", zap.String("path", m.Path), zap.Int64("bytes", m.Size), zap.String("mime", m.MIME))
	r.saved = append(r.saved, m.Path)
	r.cur++
	return nil
}

// Release closes a file left half written and removes it.
func (r *Receiver) Release() {
	if r.out == nil {
		return
	}
	r.out.Close()
	r.out = nil
	r.fs.Remove(r.files[r.cur].Path)
}
