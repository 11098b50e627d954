// Package a2a implements the agent-to-agent message transport used by the
// execution loop to talk to sub-agents.
package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PartKind discriminates the closed set of message part variants.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindData PartKind = "data"
	PartKindFile PartKind = "file"
)

// Routing headers attached to every A2A request.
const (
	HeaderTenantID   = "x-inkeep-tenant-id"
	HeaderProjectID  = "x-inkeep-project-id"
	HeaderAgentID    = "x-inkeep-agent-id"
	HeaderSubAgentID = "x-inkeep-sub-agent-id"
)

// Data part types carried in Part.Data["type"].
const (
	DataTypeTransfer = "transfer"
	DataTypeTrigger  = "trigger"
)

// Part is one element of a message or artifact. Exactly one of Text, Data
// or File is populated according to Kind.
type Part struct {
	Kind     PartKind               `json:"kind"`
	Text     string                 `json:"text,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
	File     *FileRef               `json:"file,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FileRef points at stored file content by URI.
type FileRef struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	URI      string `json:"uri"`
}

// NewTextPart creates a text part.
func NewTextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// NewDataPart creates a data part.
func NewDataPart(data map[string]interface{}) Part {
	return Part{Kind: PartKindData, Data: data}
}

// Validate checks that the part is a well-formed member of the closed
// variant set. Called at the transport boundary.
func (p *Part) Validate() error {
	switch p.Kind {
	case PartKindText:
		if p.Text == "" {
			return fmt.Errorf("text part has empty text")
		}
	case PartKindData:
		if p.Data == nil {
			return fmt.Errorf("data part has nil data")
		}
	case PartKindFile:
		if p.File == nil || p.File.URI == "" {
			return fmt.Errorf("file part has no uri")
		}
	default:
		return fmt.Errorf("unknown part kind %q", p.Kind)
	}
	return nil
}

// Message is an A2A conversation message.
type Message struct {
	Role      string                 `json:"role"`
	Parts     []Part                 `json:"parts"`
	MessageID string                 `json:"messageId"`
	ContextID string                 `json:"contextId,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// NewMessage creates a user-role message with a fresh message id.
func NewMessage(contextID string, parts []Part) *Message {
	return &Message{
		Role:      "user",
		Parts:     parts,
		MessageID: uuid.New().String(),
		ContextID: contextID,
	}
}

// SendConfiguration carries per-request transport options.
type SendConfiguration struct {
	Blocking            bool     `json:"blocking"`
	AcceptedOutputModes []string `json:"acceptedOutputModes,omitempty"`
}

// SendParams is the params payload of a message/send call.
type SendParams struct {
	Message       *Message           `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// Artifact is a block of terminal output produced by a sub-agent.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// SendResult is the response of a message/send call: either terminal
// content (artifact parts) or a transfer signal embedded in a data part.
type SendResult struct {
	TaskID    string     `json:"taskId,omitempty"`
	ContextID string     `json:"contextId,omitempty"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Transfer is a sub-agent's request to hand the turn to another sub-agent.
type Transfer struct {
	TargetSubAgentID string `json:"targetSubAgentId"`
	FromSubAgentID   string `json:"fromSubAgentId"`
	Reason           string `json:"reason,omitempty"`
}

// Transfer scans artifact data parts for a transfer signal. Returns nil
// when the response carries no transfer.
func (r *SendResult) Transfer() *Transfer {
	for _, art := range r.Artifacts {
		for _, part := range art.Parts {
			if part.Kind != PartKindData {
				continue
			}
			if t, ok := part.Data["type"].(string); !ok || t != DataTypeTransfer {
				continue
			}
			tr := &Transfer{}
			if v, ok := part.Data["targetSubAgentId"].(string); ok {
				tr.TargetSubAgentID = v
			}
			if v, ok := part.Data["fromSubAgentId"].(string); ok {
				tr.FromSubAgentID = v
			}
			if v, ok := part.Data["reason"].(string); ok {
				tr.Reason = v
			}
			if tr.TargetSubAgentID != "" {
				return tr
			}
		}
	}
	return nil
}

// TextContent concatenates the text parts of all artifacts. An empty
// result means the response carried no terminal content.
func (r *SendResult) TextContent() string {
	var out string
	for _, art := range r.Artifacts {
		for _, part := range art.Parts {
			if part.Kind == PartKindText {
				out += part.Text
			}
		}
	}
	return out
}

// ContentParts returns all non-transfer parts of the result's artifacts.
func (r *SendResult) ContentParts() []Part {
	var parts []Part
	for _, art := range r.Artifacts {
		for _, part := range art.Parts {
			if part.Kind == PartKindData {
				if t, ok := part.Data["type"].(string); ok && t == DataTypeTransfer {
					continue
				}
			}
			parts = append(parts, part)
		}
	}
	return parts
}

// HasContent reports whether the result carries terminal content.
func (r *SendResult) HasContent() bool {
	return len(r.ContentParts()) > 0
}

// MarshalParts serializes parts for persistence alongside a message row.
func MarshalParts(parts []Part) string {
	data, err := json.Marshal(parts)
	if err != nil {
		return "[]"
	}
	return string(data)
}
