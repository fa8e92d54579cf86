package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/google/uuid"

	"ldrop/internal/config"
	"ldrop/internal/discovery"
	"ldrop/internal/logging"
	"ldrop/internal/manifest"
	"ldrop/internal/progress"
	"ldrop/internal/protocol"
	"ldrop/internal/session"
	"ldrop/internal/transport"
)

type app struct {
	cfg  *config.Config
	disc *discovery.Discovery

	mu  sync.Mutex
	dir string // absolute receive directory
}

func newApp(cfg *config.Config) *app {
	return &app{cfg: cfg, disc: discovery.New(cfg.Name, cfg.Port)}
}

func (a *app) startDiscovery(ctx context.Context) error {
	if err := a.disc.Start(ctx); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

// setDir creates dir and makes it the receive directory.
func (a *app) setDir(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return err
	}
	a.mu.Lock()
	a.dir = abs
	a.mu.Unlock()
	return nil
}

func (a *app) receiveDir() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dir
}

// ─────────────────────────────────────────────────────────────────────────────
// SENDING
// ─────────────────────────────────────────────────────────────────────────────

// printWarnings reports what Builder.Add skipped or redirected.
func printWarnings(w io.Writer, warns []manifest.Warning) {
	for _, warn := range warns {
		if warn.Notice() {
			fmt.Fprintf(w, "  note: %v\n", warn)
		} else {
			fmt.Fprintf(w, "  skip: %v\n", warn)
		}
	}
}

// collect builds a manifest from command line paths.
func (a *app) collect(paths []string) manifest.Manifest {
	b := manifest.NewBuilder()
	for _, p := range paths {
		printWarnings(os.Stdout, b.Add(p))
	}
	return b.Manifest()
}

func (a *app) send(ctx context.Context, target string, m manifest.Manifest) error {
	if m.Empty() {
		fmt.Println("  Nothing to send.")
		return nil
	}

	addr, found := a.disc.Resolve(ctx, target, a.cfg.Port, a.cfg.DiscoveryWait)
	if found {
		fmt.Printf("  -> %s  [%s]\n", target, addr)
	} else {
		fmt.Printf("  Peer '%s' not found, trying %s directly\n", target, addr)
	}

	conn, err := transport.Dial(ctx, addr, a.cfg.DialTimeout, transport.WithLinger(a.cfg.Linger))
	if err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}

	total := m.TotalBytes()
	fmt.Printf("  Sending %d folder(s), %d file(s)  (%s)\n\n",
		len(m.Directories), len(m.Files), strings.TrimSpace(progress.FormatSize(float64(total))))

	id := uuid.NewString()
	sctx := logging.WithSession(ctx, id, addr)
	s := session.New(conn, session.NewSender(a.cfg.Name, m),
		session.WithID(id),
		session.WithLogger(logging.WithContext(sctx)),
		session.WithObserver(progress.New(os.Stderr)),
	)

	t0 := time.Now()
	if err := s.Run(sctx); err != nil {
		if errors.Is(err, session.ErrCancelled) {
			fmt.Println("\n  Transfer cancelled.")
			return nil
		}
		return fmt.Errorf("transfer failed: %w", err)
	}

	elapsed := time.Since(t0)
	logging.WithContext(sctx).Info("transfer complete",
		logging.Int("files", len(m.Files)),
		logging.Int64("bytes", total),
		logging.Duration("elapsed", elapsed))

	dt := elapsed.Seconds()
	speed := float64(total) / max(dt, 0.001)
	fmt.Printf("\n  Done  %s in %s  (%s/s)\n",
		strings.TrimSpace(progress.FormatSize(float64(total))), progress.FormatDuration(dt),
		strings.TrimSpace(progress.FormatSize(speed)))
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// RECEIVING
// ─────────────────────────────────────────────────────────────────────────────

func (a *app) listen() (*transport.Listener, error) {
	ln, err := transport.Listen(a.cfg.Port, transport.WithLinger(a.cfg.Linger))
	if err != nil {
		return nil, fmt.Errorf("cannot bind port %d: %w", a.cfg.Port, err)
	}
	return ln, nil
}

// handle runs one incoming transfer into the current receive directory.
func (a *app) handle(ctx context.Context, conn *transport.Conn) {
	dir := a.receiveDir()
	id := uuid.NewString()
	ctx = logging.WithSession(ctx, id, conn.RemoteAddr())
	log := logging.WithContext(ctx)

	r := session.NewReceiver(osfs.New(dir, osfs.WithBoundOS()), session.WithAcceptor(func(h protocol.Hello) error {
		fmt.Printf("\n  << %s is sending %d file(s)  (%s)\n",
			h.Name, h.Files, strings.TrimSpace(progress.FormatSize(float64(h.Bytes))))
		return nil
	}))
	s := session.New(conn, r,
		session.WithID(id),
		session.WithLogger(log),
		session.WithObserver(progress.New(os.Stderr)),
	)

	t0 := time.Now()
	if err := s.Run(ctx); err != nil {
		fmt.Printf("  !! transfer from %s failed: %v\n", conn.RemoteAddr(), err)
		return
	}
	log.Info("transfer received",
		logging.String("from", s.Peer().Name),
		logging.Int("files", len(r.Saved())),
		logging.Duration("elapsed", time.Since(t0)))
	for _, p := range r.Saved() {
		fmt.Printf("  OK saved -> %s\n", filepath.Join(dir, filepath.FromSlash(p)))
	}
}

func (a *app) receiveOnly(ctx context.Context) error {
	if err := a.setDir(a.cfg.Dir); err != nil {
		return err
	}
	if err := a.startDiscovery(ctx); err != nil {
		return err
	}
	defer a.disc.Stop()

	ln, err := a.listen()
	if err != nil {
		return err
	}
	defer ln.Close()

	fmt.Printf("ldrop  |  %s  |  port %d  |  saving to %s\n", a.cfg.Name, a.cfg.Port, a.receiveDir())
	fmt.Println("Waiting for transfers... (Ctrl-C to stop)")
	return ln.Serve(ctx, a.handle)
}

func (a *app) printPeers() {
	found := a.disc.Peers()
	if len(found) == 0 {
		fmt.Println("  No peers found yet, peers announce every 5s")
		return
	}
	fmt.Printf("\n  %-20s  %-16s  PORT\n", "NAME", "IP")
	fmt.Println("  " + strings.Repeat("-", 44))
	for _, p := range found {
		fmt.Printf("  %-20s  %-16s  %d\n", p.Name, p.Host, p.Port)
	}
	fmt.Println()
}
