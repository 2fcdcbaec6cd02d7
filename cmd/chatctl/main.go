package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/chatcore/internal/client"
	"github.com/matheus3301/chatcore/internal/session"
	grpcstatus "google.golang.org/grpc/status"
)

// command is one chatctl sub-command.
type command struct {
	name  string
	args  string
	help  string
	watch bool // runs until interrupted
	run   func(ctx context.Context, c *client.Client, out *printer, args []string) error
}

var errUsage = errors.New("usage")

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 10*time.Second, "timeout for unary calls")
	flag.Usage = printUsage
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	cmd, ok := lookup(args[0])
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := client.New(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if !cmd.watch {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
	}

	out := &printer{w: os.Stdout, json: *jsonFlag}
	if err := cmd.run(ctx, c, out, args[1:]); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "usage: chatctl %s %s\n", cmd.name, cmd.args)
		} else if st, ok := grpcstatus.FromError(err); ok {
			fmt.Fprintf(os.Stderr, "error: %s: %s\n", st.Code(), st.Message())
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatctl [--session <name>] [--json] [--timeout <d>] <command> [args]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-40s %s\n", c.name+" "+c.args, c.help)
	}
}

// printer writes either JSON or the human-readable form of a result.
type printer struct {
	w    io.Writer
	json bool
}

func (p *printer) print(v any, text func(w io.Writer)) {
	if p.json {
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
		}
		return
	}
	text(p.w)
}
