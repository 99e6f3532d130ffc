// Package output renders CLI results as NDJSON records or text.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/vburojevic/traced/internal/domain"
)

// SchemaVersion is stamped on every NDJSON record.
const SchemaVersion = 1

// NDJSONWriter writes one JSON object per line. Every record carries a
// "type" and "schemaVersion" next to its own fields.
type NDJSONWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewNDJSONWriter creates a writer on w.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{enc: json.NewEncoder(w)}
}

// WriteRecord flattens v, a struct or map, into a record of the given type.
func (w *NDJSONWriter) WriteRecord(typ string, v any) error {
	fields := map[string]any{}
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return fmt.Errorf("record %s is not an object: %w", typ, err)
		}
	}
	fields["type"] = typ
	fields["schemaVersion"] = SchemaVersion

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(fields)
}

// ErrorRecord is the NDJSON shape of a failure.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// WriteError writes an error record.
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	rec := ErrorRecord{Code: code, Message: message}
	if len(hint) > 0 {
		rec.Hint = hint[0]
	}
	return w.WriteRecord("error", rec)
}

// WriteSession writes one session summary.
func (w *NDJSONWriter) WriteSession(info domain.SessionInfo) error {
	return w.WriteRecord("session", info)
}

type eventRecord struct {
	Event     domain.EventType                 `json:"event"`
	SessionID domain.SessionID                 `json:"session_id"`
	Instances []domain.DataSourceInstanceEvent `json:"instances,omitempty"`
	Trigger   *domain.TriggerInfo              `json:"trigger,omitempty"`
}

// WriteEvent writes one observed lifecycle event. The event type goes in
// "event" since "type" names the record.
func (w *NDJSONWriter) WriteEvent(ev domain.Event) error {
	return w.WriteRecord("event", eventRecord{
		Event:     ev.Type,
		SessionID: ev.SessionID,
		Instances: ev.Instances,
		Trigger:   ev.Trigger,
	})
}

// WriteStats writes GetTraceStats counters.
func (w *NDJSONWriter) WriteStats(stats domain.TraceStats) error {
	return w.WriteRecord("stats", stats)
}

// RecordSummary describes a finished read of a session's buffers.
type RecordSummary struct {
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Path      string           `json:"path,omitempty"`
	Packets   int              `json:"packets"`
	Bytes     int64            `json:"bytes"`
	Chunks    int              `json:"chunks"`
	Error     string           `json:"disabled_error,omitempty"`
}

// WriteSummary writes a record summary.
func (w *NDJSONWriter) WriteSummary(s RecordSummary) error {
	return w.WriteRecord("summary", s)
}
