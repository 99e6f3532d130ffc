package domain

import (
	"fmt"
	"strings"
)

// EventType is one of the closed set of observable lifecycle events.
type EventType string

const (
	EventDataSourceInstances   EventType = "data_source_instances"
	EventAllDataSourcesStarted EventType = "all_data_sources_started"
	EventCloneTriggerHit       EventType = "clone_trigger_hit"
)

// EventTypes lists every observable event type.
var EventTypes = []EventType{
	EventDataSourceInstances,
	EventAllDataSourcesStarted,
	EventCloneTriggerHit,
}

// ParseEventType validates a client supplied event type name.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range EventTypes {
		if t == known {
			return t, nil
		}
	}
	return "", Errorf(CodeInvalidArgument, "unknown event type %q", s)
}

// InstanceState is the state reported for a data source instance.
type InstanceState string

const (
	InstanceStarted InstanceState = "started"
	InstanceStopped InstanceState = "stopped"
)

// DataSourceInstanceEvent reports one instance state change.
type DataSourceInstanceEvent struct {
	ProducerName   string        `cbor:"producer_name" json:"producer_name"`
	DataSourceName string        `cbor:"data_source_name" json:"data_source_name"`
	State          InstanceState `cbor:"state" json:"state"`
}

// Event is one observable event. Exactly the fields that belong to Type are
// populated.
type Event struct {
	Type      EventType                 `cbor:"type" json:"type"`
	SessionID SessionID                 `cbor:"session_id" json:"session_id"`
	Instances []DataSourceInstanceEvent `cbor:"instances,omitempty" json:"instances,omitempty"`
	Trigger   *TriggerInfo              `cbor:"trigger,omitempty" json:"trigger,omitempty"`
}

func (e Event) String() string {
	switch e.Type {
	case EventDataSourceInstances:
		return fmt.Sprintf("%s session=%d instances=%d", e.Type, e.SessionID, len(e.Instances))
	case EventCloneTriggerHit:
		name := ""
		if e.Trigger != nil {
			name = e.Trigger.Name
		}
		return fmt.Sprintf("%s session=%d trigger=%s", e.Type, e.SessionID, name)
	default:
		return fmt.Sprintf("%s session=%d", e.Type, e.SessionID)
	}
}
