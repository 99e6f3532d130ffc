package consumer

import (
	"context"
	"iter"

	"github.com/vburojevic/traced/internal/codec"
	"github.com/vburojevic/traced/internal/domain"
	"github.com/vburojevic/traced/internal/producer"
)

// ProtocolVersion is reported by QueryCapabilities.
const ProtocolVersion = 1

// ServiceState is one chunk of a QueryServiceState response. Clients merge
// chunks until LastChunk. The counters are only set on the first chunk.
type ServiceState struct {
	Producers          []producer.Info      `cbor:"producers,omitempty" json:"producers,omitempty"`
	Sessions           []domain.SessionInfo `cbor:"sessions,omitempty" json:"sessions,omitempty"`
	NumSessions        int                  `cbor:"num_sessions,omitempty" json:"num_sessions,omitempty"`
	NumSessionsStarted int                  `cbor:"num_sessions_started,omitempty" json:"num_sessions_started,omitempty"`
	LastChunk          bool                 `cbor:"last_chunk,omitempty" json:"last_chunk,omitempty"`
}

// Merge folds a later chunk into s.
func (s *ServiceState) Merge(next ServiceState) {
	s.Producers = append(s.Producers, next.Producers...)
	s.Sessions = append(s.Sessions, next.Sessions...)
	s.NumSessions += next.NumSessions
	s.NumSessionsStarted += next.NumSessionsStarted
	s.LastChunk = next.LastChunk
}

// Capabilities is the static QueryCapabilities descriptor.
type Capabilities struct {
	ProtocolVersion   int                `cbor:"protocol_version" json:"protocol_version"`
	ObservableEvents  []domain.EventType `cbor:"observable_events" json:"observable_events"`
	CloneSession      bool               `cbor:"clone_session" json:"clone_session"`
	DetachAttach      bool               `cbor:"detach_attach" json:"detach_attach"`
	QueryServiceState bool               `cbor:"query_service_state" json:"query_service_state"`
	TraceFilter       bool               `cbor:"trace_filter" json:"trace_filter"`
	CloneTriggers     bool               `cbor:"clone_triggers" json:"clone_triggers"`
	MaxChunkBytes     int                `cbor:"max_chunk_bytes" json:"max_chunk_bytes"`
}

// QueryCapabilities describes what this daemon supports.
func (c *Connection) QueryCapabilities() Capabilities {
	return Capabilities{
		ProtocolVersion:   ProtocolVersion,
		ObservableEvents:  append([]domain.EventType(nil), domain.EventTypes...),
		CloneSession:      true,
		DetachAttach:      true,
		QueryServiceState: true,
		TraceFilter:       true,
		CloneTriggers:     true,
		MaxChunkBytes:     c.svc.maxChunkBytes,
	}
}

// QueryServiceState streams the daemon state in chunks whose encoded size
// stays under the chunk limit where possible. Non-root clients only see
// their own sessions.
func (c *Connection) QueryServiceState(ctx context.Context, sessionsOnly bool) iter.Seq[ServiceState] {
	var sessions []domain.SessionInfo
	started := 0
	for _, s := range c.svc.sessions.Sessions() {
		if c.uid != 0 && s.OwnerUID != c.uid {
			continue
		}
		info := s.Info()
		if s.Lifecycle() == domain.StateStarted && !s.Cloned() {
			started++
		}
		sessions = append(sessions, info)
	}
	var producers []producer.Info
	if !sessionsOnly {
		producers = c.svc.producers.Producers()
	}
	limit := c.svc.maxChunkBytes

	return func(yield func(ServiceState) bool) {
		cur := ServiceState{NumSessions: len(sessions), NumSessionsStarted: started}
		size, _ := codec.Size(cur)

		flush := func() bool {
			if ctx.Err() != nil {
				return false
			}
			ok := yield(cur)
			cur = ServiceState{}
			size = 0
			return ok
		}
		fits := func(item any) bool {
			n, err := codec.Size(item)
			if err != nil {
				return true
			}
			if size > 0 && size+n > limit {
				return false
			}
			size += n
			return true
		}

		for _, p := range producers {
			if !fits(p) {
				if !flush() {
					return
				}
				fits(p)
			}
			cur.Producers = append(cur.Producers, p)
		}
		for _, s := range sessions {
			if !fits(s) {
				if !flush() {
					return
				}
				fits(s)
			}
			cur.Sessions = append(cur.Sessions, s)
		}
		cur.LastChunk = true
		if ctx.Err() == nil {
			yield(cur)
		}
	}
}
