package cli

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/vburojevic/traced/internal/output"
)

// InspectCmd summarizes a recorded trace file
type InspectCmd struct {
	File  string `arg:"" type:"existingfile" help:"Trace file written by record, attach, clone or watch"`
	Dump  bool   `help:"Print every packet (text packets verbatim, others as a size)"`
	Limit int    `default:"0" help:"Stop after this many packets (0 = all)"`
}

func (c *InspectCmd) Run(globals *Globals) error {
	f, err := os.Open(c.File)
	if err != nil {
		return outputErrorCommon(globals, "FILE_NOT_FOUND", err.Error())
	}
	defer f.Close()

	var packets, bytes, largest int
	errStop := errors.New("limit reached")
	err = output.ReadPackets(bufio.NewReader(f), func(pkt []byte) error {
		packets++
		bytes += len(pkt)
		largest = max(largest, len(pkt))
		if c.Dump {
			if err := c.dump(globals, packets, pkt); err != nil {
				return err
			}
		}
		if c.Limit > 0 && packets >= c.Limit {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return outputErrorCommon(globals, "INVALID_TRACE", err.Error())
	}

	if globals.ndjson() {
		return globals.writer().WriteRecord("trace_summary", map[string]any{
			"path":    c.File,
			"packets": packets,
			"bytes":   bytes,
			"largest": largest,
		})
	}
	fmt.Fprintf(globals.Stdout, "%s: %d packets, %d bytes, largest %d bytes\n", c.File, packets, bytes, largest)
	return nil
}

func (c *InspectCmd) dump(globals *Globals, n int, pkt []byte) error {
	if globals.ndjson() {
		rec := map[string]any{"index": n, "size": len(pkt)}
		if utf8.Valid(pkt) {
			rec["text"] = string(pkt)
		}
		return globals.writer().WriteRecord("packet", rec)
	}
	if utf8.Valid(pkt) {
		fmt.Fprintf(globals.Stdout, "%6d  %s\n", n, pkt)
	} else {
		fmt.Fprintf(globals.Stdout, "%6d  <%d bytes>\n", n, len(pkt))
	}
	return nil
}
