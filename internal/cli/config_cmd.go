package cli

import (
	"fmt"

	"github.com/vburojevic/traced/internal/config"
)

// ConfigCmd groups configuration subcommands
type ConfigCmd struct {
	Show     ConfigShowCmd     `cmd:"" default:"1" help:"Show the effective configuration"`
	Path     ConfigPathCmd     `cmd:"" help:"Show which config file is used"`
	Generate ConfigGenerateCmd `cmd:"" help:"Print a sample traced.yaml"`
}

// ConfigShowCmd prints the effective configuration
type ConfigShowCmd struct{}

func (c *ConfigShowCmd) Run(globals *Globals) error {
	cfg := globals.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if globals.ndjson() {
		return globals.writer().WriteRecord("config", map[string]any{
			"format":  cfg.Format,
			"verbose": cfg.Verbose,
			"daemon": map[string]any{
				"socket_dir":   cfg.Daemon.SocketDir,
				"metrics_addr": cfg.Daemon.MetricsAddr,
			},
			"log":     map[string]any{"level": cfg.Log.Level},
			"flush":   map[string]any{"default_timeout": cfg.Flush.DefaultTimeout.String()},
			"clone":   map[string]any{"flush_timeout": cfg.Clone.FlushTimeout.String()},
			"read":    map[string]any{"max_chunk_bytes": cfg.Read.MaxChunkBytes},
			"buffers": map[string]any{"max_total_kb": cfg.Buffers.MaxTotalKB},
			"path":    config.ConfigFile(),
		})
	}

	fmt.Fprintln(globals.Stdout, "Current Configuration:")
	fmt.Fprintf(globals.Stdout, "  format: %s\n", cfg.Format)
	fmt.Fprintf(globals.Stdout, "  verbose: %t\n", cfg.Verbose)
	fmt.Fprintln(globals.Stdout, "Daemon:")
	fmt.Fprintf(globals.Stdout, "  socket_dir: %s\n", cfg.Daemon.SocketDir)
	fmt.Fprintf(globals.Stdout, "  metrics_addr: %s\n", cfg.Daemon.MetricsAddr)
	fmt.Fprintf(globals.Stdout, "  log level: %s\n", cfg.Log.Level)
	fmt.Fprintf(globals.Stdout, "  flush timeout: %s\n", cfg.Flush.DefaultTimeout)
	fmt.Fprintf(globals.Stdout, "  clone flush timeout: %s\n", cfg.Clone.FlushTimeout)
	fmt.Fprintf(globals.Stdout, "  max chunk bytes: %d\n", cfg.Read.MaxChunkBytes)
	fmt.Fprintf(globals.Stdout, "  max total kb: %d\n", cfg.Buffers.MaxTotalKB)
	if path := config.ConfigFile(); path != "" {
		fmt.Fprintf(globals.Stdout, "Loaded from: %s\n", path)
	}
	return nil
}

// ConfigPathCmd prints the config file in use
type ConfigPathCmd struct{}

func (c *ConfigPathCmd) Run(globals *Globals) error {
	path := config.ConfigFile()
	if globals.ndjson() {
		return globals.writer().WriteRecord("config_path", map[string]any{"path": path})
	}
	if path == "" {
		fmt.Fprintln(globals.Stdout, "No configuration file found (searched ./traced.yaml, ~/.config/traced, /etc/traced)")
		return nil
	}
	fmt.Fprintf(globals.Stdout, "Config file: %s\n", path)
	return nil
}

// ConfigGenerateCmd prints a sample configuration file
type ConfigGenerateCmd struct{}

const sampleConfig = `# traced configuration file
# Place at ./traced.yaml, ~/.config/traced/traced.yaml or /etc/traced/traced.yaml
# Every key can be overridden with TRACED_<SECTION>_<KEY>, e.g. TRACED_LOG_LEVEL.

format: text        # text or ndjson
verbose: false

daemon:
  socket_dir: /tmp/traced
  metrics_addr: ""  # e.g. 127.0.0.1:9464

log:
  level: info       # debug, info, warn, error

flush:
  default_timeout: 5s

clone:
  flush_timeout: 5s

read:
  max_chunk_bytes: 131072

buffers:
  max_total_kb: 0   # 0 = unlimited
`

func (c *ConfigGenerateCmd) Run(globals *Globals) error {
	_, err := fmt.Fprint(globals.Stdout, sampleConfig)
	return err
}
