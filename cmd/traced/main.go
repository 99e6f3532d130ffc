package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/vburojevic/traced/internal/cli"
	"github.com/vburojevic/traced/internal/config"
)

const quickStart = `traced - tracing daemon and consumer CLI

Quick start:
  traced serve                          Run the daemon
  traced produce -d app.log < app.log   Feed lines as a producer
  traced record -c trace.yaml -o out.trace
  traced state                          List sessions and producers

For help:
  traced --help                         All commands and flags
  traced schema -f ndjson               JSON Schema of NDJSON records
`

func main() {
	// Show quick start if no args provided
	if len(os.Args) == 1 {
		fmt.Print(quickStart)
		return
	}

	// Load configuration from files/environment
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
		cfg = config.Default()
	}

	var c cli.CLI

	// Config values become flag defaults; explicit flags still win
	vars := kong.Vars{
		"config_format":              cfg.Format,
		"config_socket_dir":          cfg.Daemon.SocketDir,
		"config_metrics_addr":        cfg.Daemon.MetricsAddr,
		"config_log_level":           cfg.Log.Level,
		"config_flush_timeout":       cfg.Flush.DefaultTimeout.String(),
		"config_clone_flush_timeout": cfg.Clone.FlushTimeout.String(),
		"config_max_chunk_bytes":     strconv.Itoa(cfg.Read.MaxChunkBytes),
		"config_max_total_kb":        strconv.FormatUint(uint64(cfg.Buffers.MaxTotalKB), 10),
	}

	ctx := kong.Parse(&c,
		kong.Name("traced"),
		kong.Description("traced: tracing daemon with consumer sessions, detach/attach and clone-on-trigger"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
		vars,
	)

	// Create globals with config fallbacks
	globals := cli.NewGlobalsWithConfig(&c, cfg)
	err = ctx.Run(globals)
	if err != nil {
		os.Exit(1)
	}
}
