package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"ldrop/internal/manifest"
	"ldrop/internal/metrics"
	"ldrop/internal/protocol"
)

type phase int

const (
	phaseDirs phase = iota
	phaseFiles
	phaseContent
	phaseEnd
	phaseDone
)

// cursor tracks what goes out on the next drain.
type cursor struct {
	phase  phase
	dir    int // next directory to announce
	meta   int // next file to announce
	file   int // file whose content is streaming
	offset int64
	done   int64 // content bytes sent over all files
}

// Sender streams a manifest to a receiver. It writes exactly one frame per
// drain, so at most one quantum is ever waiting in the transport.
type Sender struct {
	name  string
	dirs  []manifest.PathEntry
	files []manifest.PathEntry
	total int64
	fs    billy.Filesystem

	cur  cursor
	open billy.File
	sum  hash.Hash

	// reused for every chunk frame
	frame []byte
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSourceFS sets the filesystem file content is read from.
func WithSourceFS(fs billy.Filesystem) SenderOption {
	return func(snd *Sender) { snd.fs = fs }
}

// NewSender prepares a sender for m. The manifest is used as given; later
// changes to the builder it came from have no effect.
func NewSender(name string, m manifest.Manifest, opts ...SenderOption) *Sender {
	snd := &Sender{
		name:  name,
		dirs:  m.Directories,
		files: m.Files,
		total: m.TotalBytes(),
		sum:   sha256.New(),
	}
	for _, opt := range opts {
		opt(snd)
	}
	if snd.fs == nil {
		snd.fs = osfs.New(string(filepath.Separator))
	}
	return snd
}

func (snd *Sender) RoleName() string { return "sender" }

// Hello announces the manifest's shape.
func (snd *Sender) Hello() protocol.Hello {
	return protocol.Hello{
		Name:  snd.name,
		Dirs:  len(snd.dirs),
		Files: len(snd.files),
		Bytes: snd.total,
	}
}

// Finished reports whether SESSION_END has been queued.
func (snd *Sender) Finished() bool {
	return snd.cur.phase == phaseDone
}

// HandshakeFinished starts streaming unless the Hello is still in flight,
// in which case its drain does it.
func (snd *Sender) HandshakeFinished(s *Session) error {
	if s.Busy() {
		return nil
	}
	return snd.Drained(s)
}

// ProcessReceivedData rejects everything: a receiver only ever answers with
// CANCEL or ERROR, which the session handles itself.
func (snd *Sender) ProcessReceivedData(_ *Session, f protocol.Frame) error {
	return fmt.Errorf("%w: unexpected %s from receiver", ErrProtocol, f.Type)
}

// Drained writes the next frame.
func (snd *Sender) Drained(s *Session) error {
	switch snd.cur.phase {
	case phaseDirs:
		if batch := snd.nextDirs(); batch != nil {
			return s.Send(protocol.TypeDirs, protocol.Encode(protocol.Dirs{Paths: batch}))
		}
		snd.cur.phase = phaseFiles
		fallthrough
	case phaseFiles:
		if batch := snd.nextFiles(); batch != nil {
			return s.Send(protocol.TypeFiles, protocol.Encode(protocol.Files{Files: batch}))
		}
		snd.cur.phase = phaseContent
		fallthrough
	case phaseContent:
		if snd.cur.file < len(snd.files) {
			return snd.sendContent(s)
		}
		snd.cur.phase = phaseEnd
		fallthrough
	case phaseEnd:
		snd.cur.phase = phaseDone
		return s.Send(protocol.TypeSessionEnd, nil)
	default:
		s.Complete()
		return nil
	}
}

// batchBudget leaves room for the JSON envelope around a batch.
const batchBudget = protocol.Quantum - 16

func (snd *Sender) nextDirs() []string {
	var (
		batch []string
		size  int
	)
	for snd.cur.dir < len(snd.dirs) {
		p := snd.dirs[snd.cur.dir].RelPath
		n := len(protocol.Encode(p)) + 1
		if batch != nil && size+n > batchBudget {
			break
		}
		batch = append(batch, p)
		size += n
		snd.cur.dir++
	}
	return batch
}

func (snd *Sender) nextFiles() []protocol.FileMeta {
	var (
		batch []protocol.FileMeta
		size  int
	)
	for snd.cur.meta < len(snd.files) {
		f := snd.files[snd.cur.meta]
		meta := protocol.FileMeta{
			Path: f.RelPath,
			Size: f.Size,
			MIME: f.MIME,
		}
		if !f.ModTime.IsZero() {
			meta.ModTime = f.ModTime.UnixNano()
		}
		n := len(protocol.Encode(meta)) + 1
		if batch != nil && size+n > batchBudget {
			break
		}
		batch = append(batch, meta)
		size += n
		snd.cur.meta++
	}
	return batch
}

func (snd *Sender) sendContent(s *Session) error {
	idx := snd.cur.file
	entry := snd.files[idx]

	if snd.open == nil {
		f, err := snd.fs.Open(entry.Source)
		if err != nil {
			return fmt.Errorf("%w %s: %v", ErrFileOpen, entry.RelPath, err)
		}
		snd.open = f
		snd.sum.Reset()
		snd.cur.offset = 0
	}

	if remaining := entry.Size - snd.cur.offset; remaining > 0 {
		n := int(min(remaining, protocol.Quantum))
		if snd.frame == nil {
			snd.frame = make([]byte, protocol.HeaderSize+protocol.ChunkHeaderSize+protocol.Quantum)
		}
		frame := snd.frame[:protocol.HeaderSize+protocol.ChunkHeaderSize+n]
		data := frame[protocol.HeaderSize+protocol.ChunkHeaderSize:]

		if _, err := io.ReadFull(snd.open, data); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: %s is shorter than %d bytes", ErrFileChanged, entry.RelPath, entry.Size)
			}
			return fmt.Errorf("%w %s: %v", ErrFileRead, entry.RelPath, err)
		}
		protocol.PutHeader(frame, protocol.TypeChunk, protocol.ChunkHeaderSize+n)
		protocol.PutChunkHeader(frame[protocol.HeaderSize:], uint32(idx), uint64(snd.cur.offset))
		snd.sum.Write(data)

		if err := s.SendFrame(frame); err != nil {
			return err
		}
		snd.cur.offset += int64(n)
		snd.cur.done += int64(n)
		metrics.RecordQuantumSent(n)
		s.Progress(Progress{
			File:     entry.RelPath,
			FileDone: snd.cur.offset,
			FileSize: entry.Size,
			Done:     snd.cur.done,
			Total:    snd.total,
		})
		return nil
	}

	end := protocol.FileEnd{Index: uint32(idx)}
	copy(end.Sum[:], snd.sum.Sum(nil))
	snd.closeFile()
	snd.cur.file++
	snd.cur.offset = 0
	return s.Send(protocol.TypeFileEnd, protocol.MarshalFileEnd(end))
}

func (snd *Sender) closeFile() {
	if snd.open != nil {
		snd.open.Close()
		snd.open = nil
	}
}

// Release closes the open file and drops the chunk buffer.
func (snd *Sender) Release() {
	snd.closeFile()
	snd.frame = nil
}
