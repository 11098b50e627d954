// Package streaming handles WebSocket connections that follow live
// execution streams.
package streaming

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/inkeep/agents-run/internal/common/logger"
	"github.com/inkeep/agents-run/internal/run/approval"
	"github.com/inkeep/agents-run/internal/run/engine"
)

// Hub manages all WebSocket clients and routes execution operations to
// the clients following each request stream.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by request ID for efficient operation routing
	requestClients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *broadcastMessage

	// Approval events for a request are forwarded onto its stream while
	// at least one client follows it.
	approvalBus    *approval.UiBus
	approvalUnsubs map[string]func()

	mu     sync.RWMutex
	logger *logger.Logger
}

type broadcastMessage struct {
	RequestID string
	Operation engine.Operation
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:        make(map[*Client]bool),
		requestClients: make(map[string]map[*Client]bool),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan *broadcastMessage, 256),
		approvalUnsubs: make(map[string]func()),
		logger:         log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// AttachApprovalBus routes tool-approval events onto the streams of the
// requests that own them. Call before the hub starts serving clients.
func (h *Hub) AttachApprovalBus(ui *approval.UiBus) {
	h.approvalBus = ui
}

// Run starts the hub processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			// Close all client connections
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.requestClients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropClientLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			clients := h.requestClients[msg.RequestID]
			h.mu.RUnlock()
			if len(clients) == 0 {
				continue
			}

			data, err := json.Marshal(msg.Operation)
			if err != nil {
				h.logger.Error("Failed to marshal operation", zap.Error(err))
				continue
			}

			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Client send buffer is full, close connection
					h.mu.Lock()
					h.dropClientLocked(client)
					h.mu.Unlock()
				}
			}
		}
	}
}

// dropClientLocked removes a client and all of its stream subscriptions.
// Caller holds h.mu.
func (h *Hub) dropClientLocked(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	for requestID := range client.requestIDs {
		if clients, ok := h.requestClients[requestID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.requestClients, requestID)
				h.unbridgeApprovalsLocked(requestID)
			}
		}
	}
}

// bridgeApprovalsLocked starts forwarding approval events for a request
// once its first follower arrives. Caller holds h.mu.
func (h *Hub) bridgeApprovalsLocked(requestID string) {
	if h.approvalBus == nil {
		return
	}
	if _, ok := h.approvalUnsubs[requestID]; ok {
		return
	}
	h.approvalUnsubs[requestID] = h.approvalBus.Subscribe(requestID, h.forwardApproval)
}

// unbridgeApprovalsLocked stops the forwarding once the last follower is
// gone. Caller holds h.mu.
func (h *Hub) unbridgeApprovalsLocked(requestID string) {
	if unsub, ok := h.approvalUnsubs[requestID]; ok {
		unsub()
		delete(h.approvalUnsubs, requestID)
	}
}

// forwardApproval renders an approval event as a stream operation. The
// send must not block: the bus delivers events synchronously and a stall
// here would stall the approval gate.
func (h *Hub) forwardApproval(ev approval.Event) {
	msg := &broadcastMessage{RequestID: ev.RequestID, Operation: approvalOperation(ev)}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Dropped approval event, broadcast buffer full",
			zap.String("request_id", ev.RequestID),
			zap.String("tool_call_id", ev.ToolCallID))
	}
}

// approvalOperation maps approval events onto stream operations: a
// request for approval, a denied call, or an approved input that the
// tool host will now execute.
func approvalOperation(ev approval.Event) engine.Operation {
	op := engine.Operation{
		RequestID: ev.RequestID,
		Timestamp: ev.Timestamp,
		Data:      map[string]interface{}{"tool_call_id": ev.ToolCallID},
	}
	if ev.ToolName != "" {
		op.Data["tool_name"] = ev.ToolName
	}
	switch {
	case ev.Type == approval.EventApprovalNeeded:
		op.Type = engine.OpToolApprovalRequest
		if ev.Input != nil {
			op.Data["input"] = ev.Input
		}
	case ev.Approved != nil && !*ev.Approved:
		op.Type = engine.OpToolOutputDenied
		if ev.Reason != "" {
			op.Data["reason"] = ev.Reason
		}
	default:
		op.Type = engine.OpToolInputAvailable
		op.Data["approved"] = true
	}
	return op
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends an operation to all clients following a request stream
func (h *Hub) Broadcast(requestID string, op engine.Operation) {
	h.broadcast <- &broadcastMessage{RequestID: requestID, Operation: op}
}

// SubscribeClient subscribes a client to a request stream
func (h *Hub) SubscribeClient(client *Client, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.requestClients[requestID]; !ok {
		h.requestClients[requestID] = make(map[*Client]bool)
	}
	h.requestClients[requestID][client] = true
	h.bridgeApprovalsLocked(requestID)
	h.logger.Debug("Client subscribed to stream",
		zap.String("client_id", client.ID),
		zap.String("request_id", requestID))
}

// UnsubscribeClient unsubscribes a client from a request stream
func (h *Hub) UnsubscribeClient(client *Client, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.requestClients[requestID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.requestClients, requestID)
			h.unbridgeApprovalsLocked(requestID)
		}
	}
	h.logger.Debug("Client unsubscribed from stream",
		zap.String("client_id", client.ID),
		zap.String("request_id", requestID))
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetStreamSubscriberCount returns the number of clients following a stream
func (h *Hub) GetStreamSubscriberCount(requestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.requestClients[requestID]; ok {
		return len(clients)
	}
	return 0
}
