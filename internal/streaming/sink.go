package streaming

import "github.com/inkeep/agents-run/internal/run/engine"

// HubSink adapts the hub to engine.OperationSink so an execution's
// operations fan out to every client following its request stream.
type HubSink struct {
	hub       *Hub
	requestID string
}

func NewHubSink(hub *Hub, requestID string) *HubSink {
	return &HubSink{hub: hub, requestID: requestID}
}

func (s *HubSink) Emit(op engine.Operation) {
	s.hub.Broadcast(s.requestID, op)
}
