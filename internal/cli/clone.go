package cli

import (
	"context"
	"fmt"

	"github.com/vburojevic/traced/internal/consumer"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/output"
	"github.com/vburojevic/traced/internal/transport"
)

// CloneCmd snapshots a running session
type CloneCmd struct {
	Session    uint64 `help:"Session id to clone"`
	Name       string `help:"Clone the session with this unique_session_name"`
	Bugreport  bool   `help:"Clone the highest-scoring bugreport-eligible session"`
	SkipFilter bool   `help:"Ignore the source session's trace filter"`
	Out        string `short:"o" help:"Write the snapshot to this file"`
	Keep       bool   `help:"Keep the clone in the daemon after reading (free it with 'traced free')"`
}

// Run clones, reads and frees the snapshot
func (c *CloneCmd) Run(globals *Globals) error {
	selectors := 0
	for _, set := range []bool{c.Session != 0, c.Name != "", c.Bugreport} {
		if set {
			selectors++
		}
	}
	if selectors != 1 {
		return outputErrorCommon(globals, "INVALID_FLAGS", "exactly one of --session, --name or --bugreport is required")
	}
	if c.Out == "" && !c.Keep {
		return outputErrorCommon(globals, "INVALID_FLAGS", "--out is required unless --keep is set")
	}

	ctx, stop := signalContext()
	defer stop()

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	res, summary, err := cloneAndRead(ctx, client, c.request(), c.Out, c.Keep)
	if err != nil {
		return reportError(globals, err)
	}

	if globals.ndjson() {
		if err := globals.writer().WriteRecord("clone", cloneRecord(res, c.Keep)); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(globals.Stdout, "Cloned session %d into %d (%s)\n", res.ClonedFrom, res.SessionID, res.UUID)
		if c.Keep {
			fmt.Fprintf(globals.Stdout, "Clone kept. Free it with: traced free --session %d\n", res.SessionID)
		}
	}
	if c.Out == "" {
		return nil
	}
	return reportSummary(globals, summary)
}

func (c *CloneCmd) request() consumer.CloneRequest {
	req := consumer.CloneRequest{
		SessionID:         domain.SessionID(c.Session),
		UniqueSessionName: c.Name,
		SkipTraceFilter:   c.SkipFilter,
	}
	if c.Bugreport {
		req.SessionID = domain.BugreportSessionID
		req.ForBugreport = true
	}
	return req
}

// cloneAndRead clones on client, drains the clone to out when set and frees
// it unless keep.
func cloneAndRead(ctx context.Context, client *transport.Client, req consumer.CloneRequest, out string, keep bool) (consumer.CloneResult, output.RecordSummary, error) {
	res, err := client.CloneSession(ctx, req)
	if err != nil {
		return res, output.RecordSummary{}, err
	}
	var summary output.RecordSummary
	if out != "" {
		summary, err = drainToFile(ctx, client, out)
		if err != nil {
			return res, summary, err
		}
		summary.SessionID = res.SessionID
	}
	if !keep {
		if err := client.FreeBuffers(ctx, consumer.FreeBuffersRequest{}); err != nil {
			return res, summary, err
		}
	}
	return res, summary, nil
}

func cloneRecord(res consumer.CloneResult, kept bool) map[string]any {
	return map[string]any{
		"session_id":  res.SessionID,
		"cloned_from": res.ClonedFrom,
		"uuid":        res.UUID,
		"kept":        kept,
	}
}

// FreeCmd frees a session the caller owns, typically a kept clone
type FreeCmd struct {
	Session uint64 `required:"" help:"Session id to free"`
}

func (c *FreeCmd) Run(globals *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.FreeBuffers(ctx, consumer.FreeBuffersRequest{SessionID: domain.SessionID(c.Session)}); err != nil {
		return reportError(globals, err)
	}
	if globals.ndjson() {
		return globals.writer().WriteRecord("freed", map[string]any{"session_id": c.Session})
	}
	fmt.Fprintf(globals.Stdout, "Freed session %d\n", c.Session)
	return nil
}
