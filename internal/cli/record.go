package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vburojevic/traced/internal/config"
	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/transport"
)

// stopTimeout bounds the DisableTracing round trip after an interrupt.
const stopTimeout = 30 * time.Second

// RecordCmd records a trace from a trace config file
type RecordCmd struct {
	Config     string        `short:"c" required:"" type:"existingfile" help:"Trace config file (yaml, json or toml)"`
	Out        string        `short:"o" help:"Write the trace to this file"`
	Duration   time.Duration `help:"Stop after this long (overrides duration_ms)"`
	Name       string        `help:"Unique session name (overrides unique_session_name)"`
	Detach     string        `help:"Leave the session running under this key and exit"`
	Deferred   bool          `help:"Create the session, then start it explicitly"`
	FlushEvery time.Duration `help:"Flush producers periodically while recording"`
	Stats      bool          `help:"Print buffer statistics before reading"`
}

// Run enables tracing and either waits for the session to end or detaches
func (c *RecordCmd) Run(globals *Globals) error {
	if err := validateFlags(globals, c.Detach, c.Out); err != nil {
		return err
	}
	cfg, err := config.LoadTraceConfig(c.Config)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_CONFIG", err.Error())
	}
	if c.Duration > 0 {
		cfg.DurationMs = uint32(c.Duration / time.Millisecond)
	}
	if c.Name != "" {
		cfg.UniqueSessionName = c.Name
	}
	if c.Deferred {
		cfg.DeferredStart = true
	}

	ctx, stop := signalContext()
	defer stop()

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	pending, err := client.EnableTracing(ctx, consumer.EnableTracingRequest{Config: cfg})
	if err != nil {
		return reportError(globals, err)
	}
	if cfg.DeferredStart {
		if err := client.StartTracing(ctx); err != nil {
			return reportError(globals, err)
		}
	}
	globals.Info("Tracing %d data source(s) into %d buffer(s)", len(cfg.DataSources), len(cfg.Buffers))

	if c.Detach != "" {
		return c.detach(ctx, globals, client, pending, cfg)
	}

	disabledErr, err := c.wait(ctx, globals, client, pending)
	if err != nil {
		return reportError(globals, err)
	}

	readCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if c.Stats {
		if err := printStats(readCtx, globals, client); err != nil {
			return err
		}
	}
	summary, err := drainToFile(readCtx, client, c.Out)
	if err != nil {
		return reportError(globals, err)
	}
	summary.Error = disabledErr
	if err := client.FreeBuffers(readCtx, consumer.FreeBuffersRequest{}); err != nil {
		globals.Debug("free buffers: %v", err)
	}
	return reportSummary(globals, summary)
}

// wait blocks until the session stops by itself or the user interrupts. An
// interrupt disables tracing so the buffers can still be read.
func (c *RecordCmd) wait(ctx context.Context, globals *Globals, client *transport.Client, pending *transport.PendingEnable) (string, error) {
	if c.FlushEvery > 0 {
		flushCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			ticker := time.NewTicker(c.FlushEvery)
			defer ticker.Stop()
			for {
				select {
				case <-flushCtx.Done():
					return
				case <-ticker.C:
					if err := client.Flush(flushCtx, 0, 0); err != nil && flushCtx.Err() == nil {
						globals.Debug("periodic flush: %v", err)
					}
				}
			}
		}()
	}

	disabled, err := pending.Wait(ctx)
	if err == nil || !errors.Is(err, context.Canceled) {
		return disabled.Error, err
	}

	globals.Info("Stopping session...")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return stopAndWait(stopCtx, client, pending)
}

func (c *RecordCmd) detach(ctx context.Context, globals *Globals, client *transport.Client, pending *transport.PendingEnable, cfg domain.TraceConfig) error {
	path, err := defaultDetachStatePath(c.Detach)
	if err != nil {
		return outputErrorCommon(globals, "INVALID_FLAGS", err.Error())
	}
	if err := client.Detach(ctx, c.Detach); err != nil {
		return reportError(globals, err)
	}
	if _, err := pending.Wait(ctx); err != nil {
		globals.Debug("enable after detach: %v", err)
	}
	st := &detachState{
		Type:          "detach_state",
		SchemaVersion: 1,
		Key:           c.Detach,
		SocketDir:     globals.SocketDir,
		SessionName:   cfg.UniqueSessionName,
		ConfigPath:    c.Config,
		DetachedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := saveDetachState(path, st); err != nil {
		globals.Debug("saving detach state: %v", err)
	}
	if globals.ndjson() {
		return globals.writer().WriteRecord("detached", st)
	}
	fmt.Fprintf(globals.Stdout, "Session detached as %q. Read it with: traced attach %s --out FILE\n", c.Detach, c.Detach)
	return nil
}

func printStats(ctx context.Context, globals *Globals, client *transport.Client) error {
	stats, err := client.GetTraceStats(ctx)
	if err != nil {
		return reportError(globals, err)
	}
	if globals.ndjson() {
		return globals.writer().WriteStats(stats)
	}
	return outputStatsTable(globals, stats)
}
