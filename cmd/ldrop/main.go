// ldrop sends files and folders to another machine on the local network.
//
// Usage:
//
//	ldrop                               (interactive)
//	ldrop receive [--dir DIR]
//	ldrop send <target> <path>...
//	ldrop peers [--wait 3s]
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"ldrop/internal/config"
	"ldrop/internal/logging"
	"ldrop/internal/metrics"
)

func usage() {
	fmt.Println(`ldrop -- send files over the local network

Usage:
  ldrop [options]                         Interactive mode
  ldrop [options] receive                 Receive-only mode
  ldrop [options] send <target> <path>... Send one-shot
  ldrop [options] peers [--wait 3s]       List peers

Options:
  --config FILE  Config file (default ./ldrop.toml or ~/.ldrop/ldrop.toml)
  --name NAME    Name announced to peers (default: host name)
  --port N       UDP/TCP port (default 9900)
  --dir DIR      Save directory (default ./received)

Every option can also be set as LDROP_<KEY> in the environment or a .env file.

Examples:
  ldrop --name Alice
  ldrop send Alice video.mp4
  ldrop send 192.168.1.20 ./project`)
}

// getFlag removes "name value" from args and returns the value, or def
// when the flag is absent.
func getFlag(args []string, name string, def string) (string, []string) {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1], append(args[:i:i], args[i+2:]...)
		}
	}
	return def, args
}

func main() {
	args := os.Args[1:]
	for _, a := range args {
		if a == "--help" || a == "-h" {
			usage()
			return
		}
	}

	cfg, args, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: init logging: %v\n", err)
		os.Exit(2)
	}
	defer logging.Sync()
	logging.S().Debugw("starting", "name", cfg.Name, "port", cfg.Port, "dir", cfg.Dir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	a := newApp(cfg)
	if err := run(ctx, a, args); err != nil {
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		logging.Sync()
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(args []string) (*config.Config, []string, error) {
	path, args := getFlag(args, "--config", "")
	name, args := getFlag(args, "--name", "")
	port, args := getFlag(args, "--port", "")
	dir, args := getFlag(args, "--dir", "")

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if name != "" {
		cfg.Name = name
	}
	if port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return nil, nil, fmt.Errorf("--port: %w", err)
		}
		cfg.Port = n
	}
	if dir != "" {
		cfg.Dir = dir
	}
	return cfg, args, cfg.Validate()
}

func run(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return a.interactive(ctx)
	}

	cmd := strings.ToLower(args[0])
	args = args[1:]

	switch cmd {
	case "receive":
		return a.receiveOnly(ctx)

	case "send":
		if len(args) < 2 {
			return errors.New("usage: ldrop send <target> <path> [<path>...]")
		}
		m := a.collect(args[1:])
		if err := a.startDiscovery(ctx); err != nil {
			return err
		}
		defer a.disc.Stop()
		return a.send(ctx, args[0], m)

	case "peers":
		waitStr, _ := getFlag(args, "--wait", a.cfg.DiscoveryWait.String())
		wait, err := time.ParseDuration(waitStr)
		if err != nil || wait < time.Second {
			wait = a.cfg.DiscoveryWait
		}
		if err := a.startDiscovery(ctx); err != nil {
			return err
		}
		defer a.disc.Stop()
		fmt.Printf("Scanning for %s ...\n", wait)
		a.disc.Query()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		a.printPeers()
		return nil

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logging.L().Info("metrics listening", logging.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.L().Error("metrics server stopped", logging.Err(err))
	}
}
