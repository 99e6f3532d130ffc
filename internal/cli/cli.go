// Package cli implements the traced command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/vburojevic/traced/internal/config"
	"github.com/vburojevic/traced/internal/output"
	"github.com/vburojevic/traced/internal/transport"
)

// Version and Commit are set at build time.
var (
	Version = "dev"
	Commit  = "none"
)

// CLI is the root command
type CLI struct {
	Format    string `short:"f" enum:"text,ndjson" default:"${config_format}" help:"Output format (text or ndjson)"`
	Quiet     bool   `short:"q" help:"Only print records, no progress (ndjson only)"`
	Verbose   bool   `short:"v" help:"Debug output on stderr"`
	SocketDir string `default:"${config_socket_dir}" help:"Directory holding consumer.sock and producer.sock"`

	Serve        ServeCmd        `cmd:"" help:"Run the tracing daemon"`
	Record       RecordCmd       `cmd:"" help:"Record a trace from a trace config"`
	Attach       AttachCmd       `cmd:"" help:"Reattach to a detached session and read it"`
	Clone        CloneCmd        `cmd:"" help:"Snapshot a running session without stopping it"`
	Free         FreeCmd         `cmd:"" help:"Free a kept clone"`
	State        StateCmd        `cmd:"" help:"List sessions and producers"`
	Capabilities CapabilitiesCmd `cmd:"" help:"Show what the daemon supports"`
	Watch        WatchCmd        `cmd:"" help:"Watch session lifecycle events, optionally cloning on triggers"`
	Produce      ProduceCmd      `cmd:"" help:"Act as a producer that writes stdin lines as packets"`
	Inspect      InspectCmd      `cmd:"" help:"Summarize a recorded trace file"`
	Config       ConfigCmd       `cmd:"" help:"Show or generate configuration"`
	UI           UICmd           `cmd:"" name:"ui" help:"Live view of sessions and events"`
	Schema       SchemaCmd       `cmd:"" help:"Print JSON Schema for NDJSON records"`
	Completion   CompletionCmd   `cmd:"" help:"Generate shell completions"`
	Update       UpdateCmd       `cmd:"" help:"Show how to upgrade traced"`
	Version      VersionCmd      `cmd:"" help:"Print the version"`
}

// Globals carries global flags and I/O to every command
type Globals struct {
	Format    string
	Quiet     bool
	Verbose   bool
	SocketDir string
	Stdin     io.Reader
	Stdout    io.Writer
	Stderr    io.Writer
	Config    *config.Config
}

// NewGlobalsWithConfig builds Globals from parsed flags, falling back to cfg
func NewGlobalsWithConfig(c *CLI, cfg *config.Config) *Globals {
	if cfg == nil {
		cfg = config.Default()
	}
	g := &Globals{
		Format:    c.Format,
		Quiet:     c.Quiet,
		Verbose:   c.Verbose || cfg.Verbose,
		SocketDir: c.SocketDir,
		Stdin:     os.Stdin,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		Config:    cfg,
	}
	if g.Format == "" {
		g.Format = cfg.Format
	}
	if g.SocketDir == "" {
		g.SocketDir = cfg.Daemon.SocketDir
	}
	return g
}

// Debug prints to stderr in verbose mode
func (g *Globals) Debug(format string, args ...interface{}) {
	if g == nil || !g.Verbose {
		return
	}
	fmt.Fprintf(g.Stderr, "[DEBUG] "+format+"\n", args...)
}

// Info prints progress to stderr unless quiet
func (g *Globals) Info(format string, args ...interface{}) {
	if g.Quiet {
		return
	}
	fmt.Fprintf(g.Stderr, format+"\n", args...)
}

func (g *Globals) ndjson() bool { return g.Format == "ndjson" }

func (g *Globals) writer() *output.NDJSONWriter { return output.NewNDJSONWriter(g.Stdout) }

func (g *Globals) consumerSocket() string { return filepath.Join(g.SocketDir, "consumer.sock") }

func (g *Globals) producerSocket() string { return filepath.Join(g.SocketDir, "producer.sock") }

// dial connects to the daemon's consumer socket
func (g *Globals) dial(ctx context.Context) (*transport.Client, error) {
	g.Debug("connecting to %s", g.consumerSocket())
	c, err := transport.Dial(ctx, g.consumerSocket(), nil)
	if err != nil {
		return nil, outputErrorCommon(g, "DAEMON_UNAVAILABLE", err.Error(), "start the daemon with 'traced serve' or pass --socket-dir")
	}
	return c, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// VersionCmd prints the version
type VersionCmd struct{}

func (c *VersionCmd) Run(globals *Globals) error {
	if globals.ndjson() {
		return globals.writer().WriteRecord("version", map[string]string{"version": Version, "commit": Commit})
	}
	fmt.Fprintf(globals.Stdout, "traced %s (%s)\n", Version, Commit)
	return nil
}
