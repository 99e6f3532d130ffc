package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/output"
	"github.com/vburojevic/traced/internal/transport"
)

// drain reads every buffer of the bound session into w as length-prefixed
// packets.
func drain(ctx context.Context, client *transport.Client, w io.Writer) (output.RecordSummary, error) {
	pw := output.NewPacketWriter(w)
	err := client.ReadBuffers(ctx, pw.WriteChunk)
	summary := output.RecordSummary{Packets: pw.Packets, Bytes: pw.Bytes, Chunks: pw.Chunks}
	if err != nil {
		return summary, err
	}
	if err := pw.Flush(); err != nil {
		return summary, err
	}
	summary.Packets, summary.Bytes = pw.Packets, pw.Bytes
	return summary, nil
}

// drainToFile is drain into a newly created file at path.
func drainToFile(ctx context.Context, client *transport.Client, path string) (output.RecordSummary, error) {
	f, err := os.Create(path)
	if err != nil {
		return output.RecordSummary{}, fmt.Errorf("creating %s: %w", path, err)
	}
	summary, err := drain(ctx, client, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	summary.Path = path
	return summary, err
}

// reportSummary prints the outcome of a read.
func reportSummary(globals *Globals, s output.RecordSummary) error {
	if globals.ndjson() {
		return globals.writer().WriteSummary(s)
	}
	fmt.Fprintf(globals.Stdout, "Wrote %d packets (%d bytes) to %s\n", s.Packets, s.Bytes, s.Path)
	if s.Error != "" {
		fmt.Fprintf(globals.Stdout, "Session stopped with error: %s\n", s.Error)
	}
	return nil
}

// stopAndWait disables tracing and waits for the session to report that it
// stopped. A session that already stopped is not an error.
func stopAndWait(ctx context.Context, client *transport.Client, pending *transport.PendingEnable) (string, error) {
	if err := client.DisableTracing(ctx); err != nil && domain.CodeOf(err) != domain.CodeInvalidState {
		return "", err
	}
	if pending == nil {
		return "", nil
	}
	disabled, err := pending.Wait(ctx)
	return disabled.Error, err
}
