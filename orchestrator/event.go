package orchestrator

import (
	subgraphruntime "github.com/wippyai/subgraph-runtime"
	"github.com/wippyai/subgraph-runtime/manifest"
)

// EventBufferSize is the capacity of the lifecycle event stream.
const EventBufferSize = 100

type EventKind uint8

const (
	// EventStart carries the resolved manifest of a deployment to index.
	EventStart EventKind = iota + 1
	// EventStop asks the consumer to tear a deployment down.
	EventStop
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventStop:
		return "stop"
	}
	return "unknown"
}

// Event is a lifecycle event. Manifest is set for EventStart only.
type Event struct {
	Manifest *manifest.Manifest
	ID       subgraphruntime.DeploymentID
	Kind     EventKind
}

// StartEvent builds the event emitted after a successful start.
func StartEvent(m *manifest.Manifest) Event {
	return Event{Kind: EventStart, Manifest: m, ID: m.ID}
}

func StopEvent(id subgraphruntime.DeploymentID) Event {
	return Event{Kind: EventStop, ID: id}
}
