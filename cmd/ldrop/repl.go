package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"ldrop/internal/logging"
	"ldrop/internal/manifest"
	"ldrop/internal/progress"
)

const replHelp = `
Commands:
  add <path> [<path>...]            Add files/folders to the selection
  ls                                Show the selection
  rm <n> [<n>...]                   Remove entries by number (see ls)
  clear                             Empty the selection
  send <target>                     Send the selection to a peer
  send <target> <path> [<path>...]  Send paths right away
  peers                             List peers on the network
  dir [PATH]                        Show/change receive directory
  log <level>                       Set log level (debug, info, warn, error)
  help                              Show this message
  exit                              Quit
`

func splitArgs(line string) []string {
	// double quotes keep words with spaces together
	var parts []string
	var cur strings.Builder
	inQ := false
	for _, c := range line {
		switch {
		case c == '"':
			inQ = !inQ
		case c == ' ' && !inQ:
			if cur.Len() > 0 {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(c)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// shell is the interactive prompt. The selection persists between sends.
type shell struct {
	app *app
	sel *manifest.Builder
	out io.Writer
}

func (a *app) interactive(ctx context.Context) error {
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
	go ln.Serve(ctx, a.handle)

	fmt.Printf("ldrop  |  %s  |  port %d  |  saving to %s\n", a.cfg.Name, a.cfg.Port, a.receiveDir())
	fmt.Print("Ready. Type 'help' for commands, Ctrl-C to exit.\n\n")

	sh := &shell{app: a, sel: manifest.NewBuilder(), out: os.Stdout}
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("ldrop> ")
		select {
		case <-ctx.Done():
			fmt.Println("\nBye.")
			return nil
		case line, ok := <-lines:
			if !ok {
				fmt.Println("\nBye.")
				return nil
			}
			if !sh.exec(ctx, line) {
				fmt.Println("Bye.")
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the shell keeps going.
func (sh *shell) exec(ctx context.Context, line string) bool {
	parts := splitArgs(strings.TrimSpace(line))
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	rest := parts[1:]

	switch cmd {
	case "exit", "quit", "q":
		return false
	case "help", "h", "?":
		fmt.Fprint(sh.out, replHelp)
	case "add":
		sh.add(rest)
	case "ls":
		sh.list()
	case "rm":
		sh.remove(rest)
	case "clear":
		sh.sel.Reset()
		fmt.Fprintln(sh.out, "  Selection cleared.")
	case "send":
		sh.send(ctx, rest)
	case "peers":
		sh.app.disc.Query()
		time.Sleep(800 * time.Millisecond)
		sh.app.printPeers()
	case "dir":
		if len(rest) > 0 {
			if err := sh.app.setDir(rest[0]); err != nil {
				fmt.Fprintf(sh.out, "  Cannot use %s: %v\n", rest[0], err)
				break
			}
		}
		fmt.Fprintf(sh.out, "  Saving to: %s\n", sh.app.receiveDir())
	case "log":
		sh.setLevel(rest)
	default:
		fmt.Fprintf(sh.out, "  Unknown command: '%s'  (type 'help')\n", cmd)
	}
	return true
}

func (sh *shell) setLevel(args []string) {
	if len(args) != 1 {
		fmt.Fprintln(sh.out, "  Usage: log <debug|info|warn|error>")
		return
	}
	if err := logging.SetLevel(args[0]); err != nil {
		fmt.Fprintf(sh.out, "  %v\n", err)
		return
	}
	fmt.Fprintf(sh.out, "  Log level: %s\n", logging.Level())
}

func (sh *shell) add(paths []string) {
	if len(paths) == 0 {
		fmt.Fprintln(sh.out, "  Usage: add <path> [<path>...]")
		return
	}
	before := sh.sel.Len()
	for _, p := range paths {
		printWarnings(sh.out, sh.sel.Add(p))
	}
	fmt.Fprintf(sh.out, "  %d entries added, %d selected\n", sh.sel.Len()-before, sh.sel.Len())
}

func (sh *shell) list() {
	m := sh.sel.Manifest()
	if m.Empty() {
		fmt.Fprintln(sh.out, "  Nothing selected.")
		return
	}
	for i, e := range m.Entries() {
		if e.Kind == manifest.Directory {
			fmt.Fprintf(sh.out, "  %4d  %-4s  %s/\n", i, e.Kind, e.RelPath)
		} else {
			fmt.Fprintf(sh.out, "  %4d  %-4s  %s  (%s, %s)\n", i, e.Kind, e.RelPath, strings.TrimSpace(progress.FormatSize(float64(e.Size))), e.MIME)
		}
	}
	fmt.Fprintf(sh.out, "  %d folder(s), %d file(s), %s\n",
		len(m.Directories), len(m.Files), strings.TrimSpace(progress.FormatSize(float64(m.TotalBytes()))))
}

func (sh *shell) remove(args []string) {
	var idx []int
	for _, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 0 || n >= sh.sel.Len() {
			fmt.Fprintf(sh.out, "  No entry %s\n", a)
			continue
		}
		idx = append(idx, n)
	}
	if len(idx) == 0 {
		return
	}
	sh.sel.Remove(idx...)
	fmt.Fprintf(sh.out, "  %d selected\n", sh.sel.Len())
}

func (sh *shell) send(ctx context.Context, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(sh.out, "  Usage: send <target> [<path>...]")
		return
	}
	target := args[0]

	m := sh.sel.Manifest()
	if len(args) > 1 {
		m = sh.app.collect(args[1:])
	}
	if err := sh.app.send(ctx, target, m); err != nil {
		fmt.Fprintf(sh.out, "  %v\n", err)
	}
}
