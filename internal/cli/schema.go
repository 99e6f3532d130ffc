package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vburojevic/traced/internal/domain"
)

// SchemaCmd outputs JSON Schema for traced NDJSON records
type SchemaCmd struct {
	Type []string `short:"t" help:"Record types to include (session,event,stats,summary,error,capabilities,producer,detached). Default: all"`
}

type schema = map[string]interface{}

// recordSchemas maps every NDJSON record type to its schema.
func recordSchemas() map[string]schema {
	return map[string]schema{
		"session":      sessionSchema(),
		"event":        eventSchema(),
		"stats":        statsSchema(),
		"summary":      summarySchema(),
		"error":        errorSchema(),
		"capabilities": capabilitiesSchema(),
		"producer":     producerSchema(),
		"detached":     detachedSchema(),
	}
}

// Run executes the schema command
func (c *SchemaCmd) Run(globals *Globals) error {
	schemas := recordSchemas()

	typesToOutput := c.Type
	if len(typesToOutput) == 0 {
		for name := range schemas {
			typesToOutput = append(typesToOutput, name)
		}
		sort.Strings(typesToOutput)
	}

	if globals.Format == "text" {
		return c.outputTextHelp(globals, typesToOutput)
	}

	defs := schema{}
	for _, t := range typesToOutput {
		t = strings.ToLower(strings.TrimSpace(t))
		if s, ok := schemas[t]; ok {
			defs[t] = s
		}
	}
	out := schema{
		"$schema":     "http://json-schema.org/draft-07/schema#",
		"title":       "traced Output Schemas",
		"description": "JSON Schema definitions for all traced NDJSON record types",
		"definitions": defs,
	}

	encoder := json.NewEncoder(globals.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}

// record builds an object schema carrying the common type and
// schemaVersion fields.
func record(typ, title, description string, props schema, required ...string) schema {
	props["type"] = schema{"type": "string", "const": typ}
	props["schemaVersion"] = schema{"type": "integer", "description": "NDJSON schema version"}
	return schema{
		"type":        "object",
		"title":       title,
		"description": description,
		"properties":  props,
		"required":    append([]string{"type", "schemaVersion"}, required...),
	}
}

func field(typ, description string) schema {
	return schema{"type": typ, "description": description}
}

func arrayOf(items schema, description string) schema {
	return schema{"type": "array", "items": items, "description": description}
}

func sessionSchema() schema {
	states := make([]string, 0, 6)
	for st := domain.StateConfiguring; st <= domain.StateCloned; st++ {
		states = append(states, st.String())
	}
	return record("session", "Session", "One tracing session from QueryServiceState", schema{
		"id":                  field("integer", "Session id"),
		"uuid":                field("string", "Session uuid"),
		"owner_uid":           field("integer", "Uid of the consumer that owns the session"),
		"state":               schema{"type": "string", "enum": states, "description": "Lifecycle state"},
		"unique_session_name": field("string", "Unique session name, if any"),
		"bugreport_score":     field("integer", "Bugreport eligibility score"),
		"buffers":             arrayOf(field("integer", "Buffer id"), "Buffer ids in config order"),
		"buffer_size_kb":      arrayOf(field("integer", "Size in KB"), "Buffer sizes in config order"),
		"data_sources":        field("integer", "Number of configured data sources"),
		"cloned_from":         field("integer", "Source session id for clones"),
		"duration_ms":         field("integer", "Configured tracing duration"),
		"started_at_ns":       field("integer", "Unix time tracing started, in nanoseconds"),
		"last_error":          field("string", "Error that stopped the session"),
	}, "id", "uuid", "owner_uid", "state", "buffers")
}

func eventSchema() schema {
	events := make([]string, len(domain.EventTypes))
	for i, e := range domain.EventTypes {
		events[i] = string(e)
	}
	return record("event", "Lifecycle Event", "An event delivered by ObserveEvents", schema{
		"event":      schema{"type": "string", "enum": events, "description": "Event type"},
		"session_id": field("integer", "Session the event belongs to"),
		"instances": arrayOf(schema{
			"type": "object",
			"properties": schema{
				"producer_name":    field("string", "Producer name"),
				"data_source_name": field("string", "Data source name"),
				"state":            schema{"type": "string", "enum": []string{"started", "stopped"}},
			},
		}, "Instance state changes (data_source_instances only)"),
		"trigger": schema{
			"type":        "object",
			"description": "Trigger that fired (clone_trigger_hit only)",
			"properties": schema{
				"name":             field("string", "Trigger name"),
				"producer_name":    field("string", "Producer that activated it"),
				"producer_uid":     field("integer", "Uid of that producer"),
				"boot_time_ns":     field("integer", "Activation time"),
				"trigger_delay_ms": field("integer", "Configured delay before the event"),
			},
		},
	}, "event", "session_id")
}

func statsSchema() schema {
	return record("stats", "Trace Stats", "GetTraceStats counters of a session", schema{
		"session_id": field("integer", "Session id"),
		"buffers": arrayOf(schema{
			"type": "object",
			"properties": schema{
				"buffer_id":           field("integer", "Buffer id"),
				"size_bytes":          field("integer", "Buffer capacity"),
				"bytes_written":       field("integer", "Bytes written"),
				"bytes_read":          field("integer", "Bytes read"),
				"bytes_overwritten":   field("integer", "Bytes lost to ring wraparound"),
				"packets_written":     field("integer", "Packets written"),
				"packets_overwritten": field("integer", "Packets lost to ring wraparound"),
				"packets_discarded":   field("integer", "Packets dropped by a full discard buffer"),
				"packets_read":        field("integer", "Packets read"),
			},
		}, "Per-buffer counters"),
		"producers_bound":     field("integer", "Producers with an instance in this session"),
		"flushes_requested":   field("integer", "Flushes requested"),
		"flushes_succeeded":   field("integer", "Flushes acknowledged by every producer"),
		"flushes_failed":      field("integer", "Flushes that timed out"),
		"tracing_sessions":    field("integer", "Live sessions in the daemon"),
		"producers_connected": field("integer", "Connected producers"),
	}, "session_id", "buffers")
}

func summarySchema() schema {
	return record("summary", "Read Summary", "Outcome of draining a session to a trace file", schema{
		"session_id":     field("integer", "Session read, for clones"),
		"path":           field("string", "Trace file written"),
		"packets":        field("integer", "Packets written"),
		"bytes":          field("integer", "Payload bytes written"),
		"chunks":         field("integer", "Chunks received"),
		"disabled_error": field("string", "Error the session stopped with"),
	}, "packets", "bytes", "chunks")
}

func errorSchema() schema {
	return record("error", "Error", "A failure reported by traced", schema{
		"code":    field("string", "Machine-readable error code"),
		"message": field("string", "Human-readable message"),
		"hint":    field("string", "Suggested next step"),
	}, "code", "message")
}

func capabilitiesSchema() schema {
	return record("capabilities", "Capabilities", "What the daemon supports", schema{
		"protocol_version":    field("integer", "Protocol version"),
		"observable_events":   arrayOf(field("string", "Event type"), "Events ObserveEvents accepts"),
		"clone_session":       field("boolean", "CloneSession is supported"),
		"detach_attach":       field("boolean", "Detach and Attach are supported"),
		"query_service_state": field("boolean", "QueryServiceState is supported"),
		"trace_filter":        field("boolean", "Trace filters are honored"),
		"clone_triggers":      field("boolean", "Clone triggers are supported"),
		"max_chunk_bytes":     field("integer", "Chunk size limit"),
	}, "protocol_version", "observable_events")
}

func producerSchema() schema {
	return record("producer", "Producer", "A connected producer", schema{
		"id":           field("integer", "Producer id"),
		"name":         field("string", "Producer name"),
		"uid":          field("integer", "Producer uid"),
		"data_sources": arrayOf(field("string", "Data source name"), "Offered data sources"),
	}, "id", "name")
}

func detachedSchema() schema {
	return record("detached", "Detached Session", "A session left running by record --detach", schema{
		"key":                 field("string", "Detach key"),
		"socket_dir":          field("string", "Daemon socket directory"),
		"unique_session_name": field("string", "Unique session name, if any"),
		"config_path":         field("string", "Trace config the session was created from"),
		"detached_at":         schema{"type": "string", "format": "date-time", "description": "When the session was detached"},
	}, "key")
}

func (c *SchemaCmd) outputTextHelp(globals *Globals, types []string) error {
	schemas := recordSchemas()
	fmt.Fprintln(globals.Stdout, "traced NDJSON record types:")
	fmt.Fprintln(globals.Stdout)
	for _, t := range types {
		s, ok := schemas[t]
		if !ok {
			continue
		}
		fmt.Fprintf(globals.Stdout, "  %-13s - %s\n", t, s["description"])
	}
	fmt.Fprintln(globals.Stdout)
	fmt.Fprintln(globals.Stdout, "Use --format ndjson for the JSON Schema, --type to filter: traced schema -f ndjson --type session,error")
	return nil
}
