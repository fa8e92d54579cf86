// Package session implements the ldrop transfer session: a handshake-gated
// state machine driven by connection events, with a sending and a receiving
// role.
//
// A Session is not safe for concurrent use. Every method except Cancel, Done,
// State and Err must be called from the connection's event goroutine, which
// is what transport.Conn.Serve does.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ldrop/internal/logging"
	"ldrop/internal/metrics"
	"ldrop/internal/protocol"
	"ldrop/internal/transport"
)

// Conn is the part of the transport a session writes to.
type Conn interface {
	// Write queues p without blocking; one Drained event follows per call.
	Write(p []byte) error
	Close() error
}

// Role is the application side of a session.
type Role interface {
	// RoleName labels logs and metrics.
	RoleName() string
	// HandshakeFinished runs once, right after the session becomes active.
	HandshakeFinished(s *Session) error
	// ProcessReceivedData handles a frame received while active. CANCEL
	// and ERROR frames are handled by the session.
	ProcessReceivedData(s *Session, f protocol.Frame) error
	// Drained runs when every write has been accepted by the transport.
	Drained(s *Session) error
	// Release frees handles and buffers. It runs once, on teardown.
	Release()
}

// Initiator roles speak first in the handshake.
type Initiator interface {
	Role
	Hello() protocol.Hello
}

// Finisher is implemented by roles that end the exchange with a final
// frame. Once Finished reports true, the peer closing the connection is the
// expected answer to that frame, even if its drain has not been seen yet.
type Finisher interface {
	Finished() bool
}

// Responder roles answer a peer's Hello.
type Responder interface {
	Role
	Accept(h protocol.Hello) error
}

// Progress describes content streamed so far.
type Progress struct {
	File     string
	FileDone int64
	FileSize int64
	Done     int64
	Total    int64
}

// Observer receives session notifications on the event goroutine.
type Observer interface {
	OnState(from, to State, err error)
	OnProgress(p Progress)
}

type nopObserver struct{}

func (nopObserver) OnState(State, State, error) {}
func (nopObserver) OnProgress(Progress)          {}

// Session owns one connection for the lifetime of one transfer.
type Session struct {
	id       string
	role     Role
	conn     Conn
	log      *zap.Logger
	observer Observer

	dec      protocol.Decoder
	inFlight int
	started  bool
	peer     protocol.Hello

	mu    sync.Mutex
	state State
	err   error
	done  chan struct{}
}

// Option configures a Session.
type Option func(*Session)

// WithObserver sets the observer for state and progress notifications.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithLogger sets the session logger. It should already carry the session
// id, as loggers from logging.WithSession do.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// New binds role to conn. The session starts in StateConnecting and moves on
// when the transport delivers Connected.
func New(conn Conn, role Role, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		role:     role,
		conn:     conn,
		observer: nopObserver{},
		state:    StateConnecting,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.L().With(zap.String("session", s.id))
	}
	s.log = s.log.With(zap.String("role", role.RoleName()))
	return s
}

// Run serves the session on its transport until it terminates and returns
// the terminal error, nil on completion.
func (s *Session) Run(ctx context.Context) error {
	tc, ok := s.conn.(*transport.Conn)
	if !ok {
		return fmt.Errorf("session: %T cannot be served", s.conn)
	}
	if err := tc.Serve(ctx, s); err != nil {
		return err
	}
	return s.Err()
}

func (s *Session) ID() string { return s.id }

// Peer returns the Hello received from an initiating peer.
func (s *Session) Peer() protocol.Hello { return s.peer }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the cause of a Failed or Cancelled session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Busy reports whether a write is still waiting for its drain.
func (s *Session) Busy() bool {
	return s.inFlight > 0
}

// ─────────────────────────────────────────────────────────────────────────────
// TRANSPORT EVENTS
// ─────────────────────────────────────────────────────────────────────────────

// Connected starts the handshake.
func (s *Session) Connected() {
	if s.State() != StateConnecting {
		return
	}
	s.started = true
	metrics.SessionStarted(s.role.RoleName())
	s.setState(StateHandshakePending)

	if init, ok := s.role.(Initiator); ok {
		hello := init.Hello()
		hello.Version = protocol.Version
		if err := s.Send(protocol.TypeHello, protocol.Encode(hello)); err != nil {
			s.fail(err)
		}
	}
}

// Received feeds bytes from the peer through the frame decoder.
func (s *Session) Received(p []byte) {
	if s.State().Terminal() {
		return
	}
	frames, err := s.dec.Feed(p)
	for _, f := range frames {
		if s.State().Terminal() {
			return
		}
		s.dispatch(f)
	}
	if err != nil && !s.State().Terminal() {
		s.abort(fmt.Errorf("%w: %v", ErrProtocol, err))
	}
}

// Drained releases the write gate and lets the role continue.
func (s *Session) Drained() {
	if s.inFlight > 0 {
		s.inFlight--
	}
	if s.inFlight > 0 || s.State() != StateActive {
		return
	}
	if err := s.role.Drained(s); err != nil {
		s.abort(err)
	}
}

// Failed handles socket errors and end of stream.
func (s *Session) Failed(err error) {
	if s.State().Terminal() {
		return
	}
	if errors.Is(err, io.EOF) {
		s.peerClosed()
		return
	}
	s.fail(fmt.Errorf("%w: %v", ErrIO, err))
}

// peerClosed completes a session whose role already sent its final frame
// and fails any other.
func (s *Session) peerClosed() {
	if n := s.dec.Buffered(); n > 0 {
		s.fail(fmt.Errorf("%w inside a frame (%d bytes held)", ErrPeerClosed, n))
		return
	}
	if f, ok := s.role.(Finisher); ok && s.State() == StateActive && f.Finished() {
		s.Complete()
		return
	}
	s.fail(ErrPeerClosed)
}

// Aborted handles cancellation of the serving context.
func (s *Session) Aborted(err error) {
	s.cancel(err.Error())
}

// Closed is the last event; a session still running at this point lost its
// connection without noticing.
func (s *Session) Closed() {
	if !s.State().Terminal() {
		s.peerClosed()
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// FRAMES
// ─────────────────────────────────────────────────────────────────────────────

func (s *Session) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeCancel:
		var c protocol.Cancel
		_ = protocol.Decode(f, &c)
		s.log.Info("peer cancelled", zap.String("reason", c.Reason))
		s.finish(StateCancelled, fmt.Errorf("%w by peer: %s", ErrCancelled, c.Reason))
		return
	case protocol.TypeError:
		var e protocol.ErrorMsg
		_ = protocol.Decode(f, &e)
		s.fail(fmt.Errorf("%w: %s", ErrPeer, e.Msg))
		return
	}

	switch s.State() {
	case StateHandshakePending:
		if err := s.handshake(f); err != nil {
			s.abort(err)
		}
	case StateActive:
		if err := s.role.ProcessReceivedData(s, f); err != nil {
			s.abort(err)
		}
	}
}

func (s *Session) handshake(f protocol.Frame) error {
	if _, ok := s.role.(Initiator); ok {
		if f.Type != protocol.TypeHelloAck {
			return fmt.Errorf("%w: expected HELLO_ACK, got %s", ErrHandshake, f.Type)
		}
		var ack protocol.HelloAck
		if err := protocol.Decode(f, &ack); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if !ack.OK {
			return fmt.Errorf("%w: rejected: %s", ErrHandshake, ack.Reason)
		}
		if ok, err := protocol.Compatible(ack.Version); err != nil || !ok {
			return fmt.Errorf("%w: peer speaks protocol %q", ErrHandshake, ack.Version)
		}
		return s.activate()
	}

	if f.Type != protocol.TypeHello {
		return fmt.Errorf("%w: expected HELLO, got %s", ErrHandshake, f.Type)
	}
	var hello protocol.Hello
	if err := protocol.Decode(f, &hello); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	s.peer = hello

	if ok, err := protocol.Compatible(hello.Version); err != nil || !ok {
		s.reject(fmt.Sprintf("incompatible protocol version %q", hello.Version))
		return fmt.Errorf("%w: peer speaks protocol %q", ErrHandshake, hello.Version)
	}
	if resp, ok := s.role.(Responder); ok {
		if err := resp.Accept(hello); err != nil {
			s.reject(err.Error())
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	}

	ack := protocol.HelloAck{OK: true, Version: protocol.Version}
	if err := s.Send(protocol.TypeHelloAck, protocol.Encode(ack)); err != nil {
		return err
	}
	return s.activate()
}

func (s *Session) reject(reason string) {
	ack := protocol.HelloAck{OK: false, Reason: reason, Version: protocol.Version}
	_ = s.Send(protocol.TypeHelloAck, protocol.Encode(ack))
}

func (s *Session) activate() error {
	s.setState(StateActive)
	s.log.Debug("handshake finished", zap.String("peer", s.peer.Name))
	return s.role.HandshakeFinished(s)
}

// ─────────────────────────────────────────────────────────────────────────────
// OUTPUT AND TEARDOWN
// ─────────────────────────────────────────────────────────────────────────────

// Send encodes and queues one frame.
func (s *Session) Send(t protocol.Type, payload []byte) error {
	return s.SendFrame(protocol.AppendFrame(nil, t, payload))
}

// SendFrame queues an encoded frame. The buffer must stay untouched until
// the session is no longer Busy.
func (s *Session) SendFrame(frame []byte) error {
	if err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.inFlight++
	return nil
}

// Complete ends the session successfully.
func (s *Session) Complete() {
	s.finish(StateCompleted, nil)
}

// Cancel aborts the transfer on behalf of the user and tells the peer. It
// may be called from any goroutine.
func (s *Session) Cancel(reason string) {
	if inv, ok := s.conn.(interface{ Invoke(func()) }); ok {
		inv.Invoke(func() { s.cancel(reason) })
		return
	}
	s.cancel(reason)
}

func (s *Session) cancel(reason string) {
	st := s.State()
	if st.Terminal() {
		return
	}
	if st != StateConnecting {
		_ = s.Send(protocol.TypeCancel, protocol.Encode(protocol.Cancel{Reason: reason}))
	}
	s.finish(StateCancelled, fmt.Errorf("%w: %s", ErrCancelled, reason))
}

// Progress forwards a progress report to the observer.
func (s *Session) Progress(p Progress) {
	s.observer.OnProgress(p)
}

// abort fails the session after telling the peer why.
func (s *Session) abort(err error) {
	if s.State().Terminal() {
		return
	}
	if !errors.Is(err, ErrIO) {
		_ = s.Send(protocol.TypeError, protocol.Encode(protocol.ErrorMsg{Msg: err.Error()}))
	}
	s.fail(err)
}

func (s *Session) fail(err error) {
	s.finish(StateFailed, err)
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.observer.OnState(from, to, nil)
}

// finish moves to a terminal state exactly once, releasing the role's
// resources and the connection before anyone is notified.
func (s *Session) finish(to State, err error) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = to
	s.err = err
	s.mu.Unlock()

	s.role.Release()
	if cerr := s.conn.Close(); cerr != nil {
		s.log.Debug("close failed", zap.Error(cerr))
	}

	if s.started {
		metrics.SessionFinished(s.role.RoleName(), to.String())
	}
	if err != nil {
		s.log.Warn("session ended", zap.Stringer("state", to), zap.Error(err))
	} else {
		s.log.Info("session ended", zap.Stringer("state", to))
	}

	s.observer.OnState(from, to, err)
	close(s.done)
}
