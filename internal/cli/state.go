package cli

import (
	"fmt"
	"regexp"

	"github.com/samber/lo"

	"github.com/vburojevic/traced/internal/filter"
	"github.com/vburojevic/traced/internal/output"
	"github.com/vburojevic/traced/internal/producer"
)

// StateCmd lists sessions and producers
type StateCmd struct {
	Name         string   `short:"p" help:"Regex the unique session name must match"`
	Exclude      []string `short:"x" help:"Regex of unique session names to hide (can be repeated)"`
	Where        []string `short:"w" help:"Field filter such as 'state=started' or 'buffers>=2' (can be repeated)"`
	SessionsOnly bool     `help:"Skip the producer list"`
}

// Run queries the daemon state and prints the matching sessions
func (c *StateCmd) Run(globals *Globals) error {
	pipeline, err := c.pipeline()
	if err != nil {
		return outputErrorCommon(globals, "INVALID_FILTER", err.Error())
	}

	ctx, stop := signalContext()
	defer stop()

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	state, err := client.QueryServiceState(ctx, c.SessionsOnly)
	if err != nil {
		return reportError(globals, err)
	}
	sessions := pipeline.Apply(state.Sessions)

	if globals.ndjson() {
		w := globals.writer()
		for _, p := range state.Producers {
			if err := w.WriteRecord("producer", p); err != nil {
				return err
			}
		}
		for _, s := range sessions {
			if err := w.WriteSession(s); err != nil {
				return err
			}
		}
		return w.WriteRecord("state_summary", map[string]any{
			"num_sessions":         state.NumSessions,
			"num_sessions_started": state.NumSessionsStarted,
			"matched":              len(sessions),
			"producers":            len(state.Producers),
		})
	}

	if !c.SessionsOnly {
		fmt.Fprintf(globals.Stdout, "Producers (%d)\n", len(state.Producers))
		rows := lo.Map(state.Producers, func(p producer.Info, _ int) output.ProducerRow {
			return output.ProducerRow{ID: uint64(p.ID), Name: p.Name, UID: p.UID, DataSources: p.DataSources}
		})
		if err := output.ProducerTable(globals.Stdout, rows); err != nil {
			return err
		}
		fmt.Fprintln(globals.Stdout)
	}
	fmt.Fprintf(globals.Stdout, "Sessions (%d of %d, %d started)\n", len(sessions), state.NumSessions, state.NumSessionsStarted)
	return output.SessionTable(globals.Stdout, sessions)
}

func (c *StateCmd) pipeline() (*filter.Pipeline, error) {
	var pattern *regexp.Regexp
	if c.Name != "" {
		re, err := regexp.Compile(c.Name)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern: %w", err)
		}
		pattern = re
	}
	var excludes []*regexp.Regexp
	for _, ex := range c.Exclude {
		re, err := regexp.Compile(ex)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
		excludes = append(excludes, re)
	}
	where, err := filter.NewWhereFilter(c.Where)
	if err != nil {
		return nil, err
	}
	return filter.NewPipeline(pattern, excludes, where), nil
}

// CapabilitiesCmd prints the daemon's capability descriptor
type CapabilitiesCmd struct{}

func (c *CapabilitiesCmd) Run(globals *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	client, err := globals.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	caps, err := client.QueryCapabilities(ctx)
	if err != nil {
		return reportError(globals, err)
	}
	if globals.ndjson() {
		return globals.writer().WriteRecord("capabilities", caps)
	}
	fmt.Fprintf(globals.Stdout, "Protocol version:   %d\n", caps.ProtocolVersion)
	fmt.Fprintf(globals.Stdout, "Observable events:  %v\n", caps.ObservableEvents)
	fmt.Fprintf(globals.Stdout, "Clone session:      %t\n", caps.CloneSession)
	fmt.Fprintf(globals.Stdout, "Detach/attach:      %t\n", caps.DetachAttach)
	fmt.Fprintf(globals.Stdout, "Query state:        %t\n", caps.QueryServiceState)
	fmt.Fprintf(globals.Stdout, "Trace filter:       %t\n", caps.TraceFilter)
	fmt.Fprintf(globals.Stdout, "Clone triggers:     %t\n", caps.CloneTriggers)
	fmt.Fprintf(globals.Stdout, "Max chunk bytes:    %d\n", caps.MaxChunkBytes)
	return nil
}
