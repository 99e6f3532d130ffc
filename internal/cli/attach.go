package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/output"
)

// AttachCmd reattaches to a detached session and reads it
type AttachCmd struct {
	Key   string `arg:"" optional:"" help:"Detach key (defaults to the most recently detached session)"`
	Out   string `short:"o" required:"" help:"Write the trace to this file"`
	Stop  bool   `help:"Stop the session before reading instead of waiting for it to end"`
	Stats bool   `help:"Print buffer statistics before reading"`
}

// Run attaches, waits for or forces the end of tracing, then drains the
// buffers to --out
func (c *AttachCmd) Run(globals *Globals) error {
	if globals.Format == "text" && globals.Quiet {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--quiet is only supported with ndjson output", "switch to --format ndjson or drop --quiet")
	}
	key, statePath, err := c.resolveKey()
	if err != nil {
		return outputErrorCommon(globals, "NO_DETACHED_SESSION", err.Error(), "pass the key given to 'traced record --detach'")
	}

	ctx, stop := signalContext()
	defer stop()

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	cfg, err := client.Attach(ctx, key)
	if err != nil {
		return reportError(globals, err)
	}
	globals.Info("Attached to %q (%d buffer(s))", key, len(cfg.Buffers))
	if statePath != "" {
		_ = os.Remove(statePath)
	}

	// Register for the end-of-tracing notification without a new session.
	pending, err := client.EnableTracing(ctx, consumer.EnableTracingRequest{AttachNotificationOnly: true})
	if err != nil {
		return reportError(globals, err)
	}

	var disabledErr string
	if c.Stop {
		disabledErr, err = stopAndWait(ctx, client, pending)
	} else {
		var d consumer.Disabled
		d, err = pending.Wait(ctx)
		disabledErr = d.Error
		if ctx.Err() != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			disabledErr, err = stopAndWait(stopCtx, client, pending)
		}
	}
	if err != nil && domain.CodeOf(err) != domain.CodeInvalidState {
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

// resolveKey returns the key to attach with and the state file that
// remembered it, if any.
func (c *AttachCmd) resolveKey() (string, string, error) {
	if c.Key != "" {
		path, err := defaultDetachStatePath(c.Key)
		if err != nil {
			return "", "", err
		}
		return c.Key, path, nil
	}
	dir, err := detachStateDir()
	if err != nil {
		return "", "", err
	}
	st, err := latestDetachState(dir)
	if err != nil {
		return "", "", err
	}
	if st == nil {
		return "", "", fmt.Errorf("no detached session recorded in %s", dir)
	}
	path, err := defaultDetachStatePath(st.Key)
	if err != nil {
		return "", "", err
	}
	return st.Key, path, nil
}

func outputStatsTable(globals *Globals, stats domain.TraceStats) error {
	fmt.Fprintf(globals.Stdout, "Session %d: %d producer(s) bound, %d/%d flushes ok\n",
		stats.SessionID, stats.ProducersBound, stats.FlushesSucceeded, stats.FlushesRequested)
	return output.StatsTable(globals.Stdout, stats)
}
