package output

import (
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/vburojevic/traced/internal/domain"
)

// SessionTable renders session summaries as a text table.
func SessionTable(w io.Writer, sessions []domain.SessionInfo) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "State", "UID", "Name", "Buffers", "Sources", "Cloned From", "Error")
	for _, s := range sessions {
		cloned := ""
		if s.ClonedFrom != 0 {
			cloned = fmt.Sprint(s.ClonedFrom)
		}
		sizes := make([]string, len(s.BufferSizeKB))
		for i, kb := range s.BufferSizeKB {
			sizes[i] = fmt.Sprintf("%dK", kb)
		}
		if err := table.Append(
			fmt.Sprint(s.ID),
			s.State,
			fmt.Sprint(s.OwnerUID),
			s.UniqueSessionName,
			strings.Join(sizes, ","),
			fmt.Sprint(s.DataSources),
			cloned,
			s.LastError,
		); err != nil {
			return err
		}
	}
	return table.Render()
}

// ProducerRow is one line of the producer table.
type ProducerRow struct {
	ID          uint64
	Name        string
	UID         int
	DataSources []string
}

// ProducerTable renders connected producers as a text table.
func ProducerTable(w io.Writer, producers []ProducerRow) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Producer", "UID", "Data Sources")
	for _, p := range producers {
		if err := table.Append(fmt.Sprint(p.ID), p.Name, fmt.Sprint(p.UID), strings.Join(p.DataSources, ", ")); err != nil {
			return err
		}
	}
	return table.Render()
}

// StatsTable renders per-buffer counters as a text table.
func StatsTable(w io.Writer, stats domain.TraceStats) error {
	table := tablewriter.NewWriter(w)
	table.Header("Buffer", "Size", "Written", "Read", "Overwritten", "Packets", "Discarded")
	for _, b := range stats.Buffers {
		if err := table.Append(
			fmt.Sprint(b.BufferID),
			fmt.Sprint(b.SizeBytes),
			fmt.Sprint(b.BytesWritten),
			fmt.Sprint(b.BytesRead),
			fmt.Sprint(b.BytesOverwritten),
			fmt.Sprint(b.PacketsWritten),
			fmt.Sprint(b.PacketsDiscarded),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
