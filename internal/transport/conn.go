// Package transport turns a net.Conn into an event source: received bytes,
// write drains, errors and closure are delivered one at a time on the
// goroutine that calls Serve, so handlers never need locks.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"ldrop/internal/logging"
)

const (
	readBufSize   = 64 * 1024
	sockBuf       = 4 * 1024 * 1024
	writeQueueLen = 8
	defaultLinger = 5 * time.Second
)

var ErrClosed = errors.New("transport: connection closed")

// Handler receives connection events. Methods are never called concurrently.
type Handler interface {
	// Connected is delivered first.
	Connected()
	// Received delivers bytes read from the peer. p is owned by the handler.
	Received(p []byte)
	// Drained reports that one buffer passed to Write was fully accepted
	// by the socket. It is delivered once per Write, in order.
	Drained()
	// Failed reports a read or write error, including io.EOF.
	Failed(err error)
	// Aborted reports cancellation of the Serve context.
	Aborted(err error)
	// Closed is delivered last, after the socket is closed.
	Closed()
}

// Conn is an event-driven connection. Write, Close and Invoke are safe to
// call from any goroutine.
type Conn struct {
	nc     net.Conn
	log    *zap.Logger
	linger time.Duration

	events chan func()
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	writes  chan []byte
	serving bool
}

// Option configures a Conn.
type Option func(*Conn)

// WithLinger bounds how long Close waits for queued writes.
func WithLinger(d time.Duration) Option {
	return func(c *Conn) { c.linger = d }
}

// WithLogger sets the connection logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// New wraps an established connection.
func New(nc net.Conn, opts ...Option) *Conn {
	c := &Conn{
		nc:     nc,
		linger: defaultLinger,
		events: make(chan func(), 16),
		done:   make(chan struct{}),
		writes: make(chan []byte, writeQueueLen),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.L()
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		tuneSock(tc)
	}
	return c
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, timeout time.Duration, opts ...Option) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return New(nc, opts...), nil
}

func tuneSock(conn *net.TCPConn) {
	conn.SetNoDelay(true)
	conn.SetReadBuffer(sockBuf)
	conn.SetWriteBuffer(sockBuf)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// Write queues p for sending without blocking. p must not be modified until
// the matching Drained event.
func (c *Conn) Write(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.writes <- p:
		return nil
	default:
		return errors.New("transport: write queue full")
	}
}

// Close stops accepting writes. Queued buffers are flushed for at most the
// linger period, then the socket is closed.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.writes)
	c.nc.SetWriteDeadline(time.Now().Add(c.linger))
	if !c.serving {
		return c.nc.Close()
	}
	return nil
}

// Invoke runs fn on the event goroutine. It is dropped once Serve returned.
func (c *Conn) Invoke(fn func()) {
	c.post(fn)
}

func (c *Conn) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// Serve runs the connection until the socket is closed and every event has
// been delivered to h.
func (c *Conn) Serve(ctx context.Context, h Handler) error {
	c.mu.Lock()
	if c.serving {
		c.mu.Unlock()
		return errors.New("transport: already serving")
	}
	c.serving = true
	closedEarly := c.closed
	c.mu.Unlock()

	if closedEarly {
		c.nc.Close()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(h)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(h)
	}()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	h.Connected()
	aborted := false
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-ctx.Done():
			if !aborted {
				aborted = true
				h.Aborted(ctx.Err())
			}
			ctx = context.Background()
		case <-finished:
			// drain what the loops posted before exiting
			for {
				select {
				case fn := <-c.events:
					fn()
				default:
					close(c.done)
					h.Closed()
					return nil
				}
			}
		}
	}
}

func (c *Conn) readLoop(h Handler) {
	for {
		buf := make([]byte, readBufSize)
		n, err := c.nc.Read(buf)
		if n > 0 {
			p := buf[:n]
			c.post(func() { h.Received(p) })
		}
		if err != nil {
			c.post(func() { h.Failed(err) })
			return
		}
	}
}

func (c *Conn) writeLoop(h Handler) {
	defer c.nc.Close()
	for p := range c.writes {
		if _, err := c.nc.Write(p); err != nil {
			c.log.Debug("write failed", zap.String("peer", c.RemoteAddr()), zap.Error(err))
			c.post(func() { h.Failed(err) })
			c.discard()
			return
		}
		c.post(h.Drained)
	}
}

// discard empties the queue after a write error and closes it so that the
// range in writeLoop can never block again.
func (c *Conn) discard() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.writes)
	}
	c.mu.Unlock()
	for range c.writes {
	}
}
