package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"ldrop/internal/logging"
)

// Listener accepts incoming transfer connections.
type Listener struct {
	ln   *net.TCPListener
	opts []Option
	log  *zap.Logger
}

// Listen binds the TCP port.
func Listen(port int, opts ...Option) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln.(*net.TCPListener), opts: opts, log: logging.L()}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is done, handing each one to handle
// on its own goroutine. It waits for running handlers before returning.
func (l *Listener) Serve(ctx context.Context, handle func(context.Context, *Conn)) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		l.ln.SetDeadline(time.Now().Add(time.Second))
		nc, err := l.ln.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}

		l.log.Debug("accepted connection", zap.String("peer", nc.RemoteAddr().String()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle(ctx, New(nc, l.opts...))
		}()
	}
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.ln.Close()
}
