package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// SessionID identifies a tracing session for the lifetime of the daemon.
type SessionID uint64

// BugreportSessionID is the clone selector that asks for bugreport-score
// selection instead of a literal id lookup.
const BugreportSessionID SessionID = math.MaxUint64

// BufferID identifies one trace buffer in the buffer store.
type BufferID uint32

// State is the externally visible state of a tracing session.
type State int

const (
	StateConfiguring State = iota
	StateWaitingForExplicitStart
	StateStarted
	StateStopped
	StateDetached
	StateCloned
)

var stateNames = map[State]string{
	StateConfiguring:             "configuring",
	StateWaitingForExplicitStart: "waiting_for_explicit_start",
	StateStarted:                 "started",
	StateStopped:                 "stopped",
	StateDetached:                "detached",
	StateCloned:                  "cloned",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState is the inverse of State.String, case-insensitive.
func ParseState(s string) (State, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for st, name := range stateNames {
		if name == s {
			return st, true
		}
	}
	return 0, false
}

// FillPolicy decides what a full buffer does with new packets.
type FillPolicy string

const (
	FillPolicyRingBuffer FillPolicy = "ring_buffer"
	FillPolicyDiscard    FillPolicy = "discard"
)

// BufferConfig describes one buffer requested by a trace config.
type BufferConfig struct {
	SizeKB     uint32     `mapstructure:"size_kb" cbor:"size_kb"`
	FillPolicy FillPolicy `mapstructure:"fill_policy" cbor:"fill_policy,omitempty"`
}

// DataSourceConfig enables one data source for a session. TargetBuffer is an
// index into TraceConfig.Buffers.
type DataSourceConfig struct {
	Name               string   `mapstructure:"name" cbor:"name"`
	TargetBuffer       uint32   `mapstructure:"target_buffer" cbor:"target_buffer"`
	ProducerNameFilter []string `mapstructure:"producer_name_filter" cbor:"producer_name_filter,omitempty"`
}

// MatchesProducer reports whether a producer with the given name may serve
// this data source.
func (d DataSourceConfig) MatchesProducer(name string) bool {
	if len(d.ProducerNameFilter) == 0 {
		return true
	}
	for _, f := range d.ProducerNameFilter {
		if f == name {
			return true
		}
	}
	return false
}

// TraceFilter restricts which packets are returned by ReadBuffers.
type TraceFilter struct {
	AllowedSources []string `mapstructure:"allowed_sources" cbor:"allowed_sources,omitempty"`
}

// CloneTrigger names a producer trigger that should prompt the owning
// consumer to clone the session.
type CloneTrigger struct {
	Name    string `mapstructure:"name" cbor:"name"`
	DelayMs uint32 `mapstructure:"delay_ms" cbor:"delay_ms,omitempty"`
}

// TraceConfig is the consumer supplied configuration of a session.
type TraceConfig struct {
	Buffers           []BufferConfig     `mapstructure:"buffers" cbor:"buffers"`
	DataSources       []DataSourceConfig `mapstructure:"data_sources" cbor:"data_sources,omitempty"`
	DurationMs        uint32             `mapstructure:"duration_ms" cbor:"duration_ms,omitempty"`
	DeferredStart     bool               `mapstructure:"deferred_start" cbor:"deferred_start,omitempty"`
	UniqueSessionName string             `mapstructure:"unique_session_name" cbor:"unique_session_name,omitempty"`
	BugreportScore    int32              `mapstructure:"bugreport_score" cbor:"bugreport_score,omitempty"`
	FlushTimeoutMs    uint32             `mapstructure:"flush_timeout_ms" cbor:"flush_timeout_ms,omitempty"`
	TraceFilter       *TraceFilter       `mapstructure:"trace_filter" cbor:"trace_filter,omitempty"`
	CloneTriggers     []CloneTrigger     `mapstructure:"clone_triggers" cbor:"clone_triggers,omitempty"`
}

// Duration returns the configured tracing duration, zero meaning unbounded.
func (c TraceConfig) Duration() time.Duration {
	return time.Duration(c.DurationMs) * time.Millisecond
}

// FlushTimeout returns the configured flush timeout, zero meaning the
// daemon default.
func (c TraceConfig) FlushTimeout() time.Duration {
	return time.Duration(c.FlushTimeoutMs) * time.Millisecond
}

// Clone returns a deep copy so callers never share slices with a session.
func (c TraceConfig) Clone() TraceConfig {
	out := c
	out.Buffers = append([]BufferConfig(nil), c.Buffers...)
	out.DataSources = make([]DataSourceConfig, len(c.DataSources))
	for i, ds := range c.DataSources {
		ds.ProducerNameFilter = append([]string(nil), ds.ProducerNameFilter...)
		out.DataSources[i] = ds
	}
	if len(c.DataSources) == 0 {
		out.DataSources = nil
	}
	if c.TraceFilter != nil {
		f := TraceFilter{AllowedSources: append([]string(nil), c.TraceFilter.AllowedSources...)}
		out.TraceFilter = &f
	}
	out.CloneTriggers = append([]CloneTrigger(nil), c.CloneTriggers...)
	return out
}

// Validate checks the structural requirements of a config before a session
// is created from it.
func (c TraceConfig) Validate() error {
	if len(c.Buffers) == 0 {
		return Errorf(CodeInvalidArgument, "trace config must declare at least one buffer")
	}
	for i, b := range c.Buffers {
		if b.SizeKB == 0 {
			return Errorf(CodeInvalidArgument, "buffer %d has zero size", i)
		}
		switch b.FillPolicy {
		case "", FillPolicyRingBuffer, FillPolicyDiscard:
		default:
			return Errorf(CodeInvalidArgument, "buffer %d has unknown fill policy %q", i, b.FillPolicy)
		}
	}
	for _, ds := range c.DataSources {
		if ds.Name == "" {
			return Errorf(CodeInvalidArgument, "data source without a name")
		}
		if int(ds.TargetBuffer) >= len(c.Buffers) {
			return Errorf(CodeInvalidArgument, "data source %q targets buffer %d, config has %d",
				ds.Name, ds.TargetBuffer, len(c.Buffers))
		}
	}
	if c.BugreportScore < 0 {
		return Errorf(CodeInvalidArgument, "bugreport score must not be negative")
	}
	return nil
}

// TriggerInfo describes the trigger that caused a clone.
type TriggerInfo struct {
	Name           string `cbor:"name,omitempty" json:"name,omitempty"`
	ProducerName   string `cbor:"producer_name,omitempty" json:"producer_name,omitempty"`
	ProducerUID    int    `cbor:"producer_uid,omitempty" json:"producer_uid,omitempty"`
	BootTimeNs     uint64 `cbor:"boot_time_ns,omitempty" json:"boot_time_ns,omitempty"`
	TriggerDelayMs uint32 `cbor:"trigger_delay_ms,omitempty" json:"trigger_delay_ms,omitempty"`
}

// SessionInfo is the read-only summary of a session exposed through
// QueryServiceState.
type SessionInfo struct {
	ID                SessionID  `cbor:"id" json:"id"`
	UUID              string     `cbor:"uuid" json:"uuid"`
	OwnerUID          int        `cbor:"owner_uid" json:"owner_uid"`
	State             string     `cbor:"state" json:"state"`
	UniqueSessionName string     `cbor:"unique_session_name,omitempty" json:"unique_session_name,omitempty"`
	BugreportScore    int32      `cbor:"bugreport_score,omitempty" json:"bugreport_score,omitempty"`
	Buffers           []BufferID `cbor:"buffers" json:"buffers"`
	BufferSizeKB      []uint32   `cbor:"buffer_size_kb" json:"buffer_size_kb"`
	DataSources       int        `cbor:"data_sources" json:"data_sources"`
	ClonedFrom        SessionID  `cbor:"cloned_from,omitempty" json:"cloned_from,omitempty"`
	DurationMs        uint32     `cbor:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	StartedAtNs       int64      `cbor:"started_at_ns,omitempty" json:"started_at_ns,omitempty"`
	LastError         string     `cbor:"last_error,omitempty" json:"last_error,omitempty"`
}
