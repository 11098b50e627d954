// Package models defines the persisted entities of the trigger subsystem.
package models

import (
	"time"

	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// HashAlgorithm selects the HMAC hash used for signature verification.
type HashAlgorithm string

const (
	AlgorithmSHA1   HashAlgorithm = "sha1"
	AlgorithmSHA256 HashAlgorithm = "sha256"
	AlgorithmSHA512 HashAlgorithm = "sha512"
)

// SignatureEncoding selects how the computed digest is encoded before
// comparison with the header value.
type SignatureEncoding string

const (
	EncodingHex    SignatureEncoding = "hex"
	EncodingBase64 SignatureEncoding = "base64"
)

// ComponentKind discriminates the pieces joined into the signed payload.
type ComponentKind string

const (
	ComponentLiteral ComponentKind = "literal"
	ComponentHeader  ComponentKind = "header"
	ComponentBody    ComponentKind = "body"
)

// Component is one ordered element of the signed payload. Literal carries
// a fixed string, Header the named request header's value, Body the raw
// request body. Common provider schemes fall out of the ordering: a plain
// "hash(body)" scheme is a single body component, a
// "hash(literal:timestamp:body)" scheme is literal+header+body joined
// with ":".
type Component struct {
	Kind  ComponentKind `json:"kind"`
	Value string        `json:"value,omitempty"` // literal text or header name
}

// SignatureConfig describes how to verify a webhook delivery's signature.
type SignatureConfig struct {
	CredentialRefID string            `json:"credential_ref_id"`
	Header          string            `json:"header"`           // e.g. X-Hub-Signature-256
	Prefix          string            `json:"prefix,omitempty"` // e.g. "sha256="
	Algorithm       HashAlgorithm     `json:"algorithm"`
	Encoding        SignatureEncoding `json:"encoding"`
	Components      []Component       `json:"components"`
	JoinWith        string            `json:"join_with,omitempty"`
}

// HeaderAuth is one header allow-list entry. The expected value is stored
// as a salted SHA-256 hash, never in the clear.
type HeaderAuth struct {
	Name string `json:"name"`
	Hash string `json:"hash"` // hex(sha256(salt || value))
	Salt string `json:"salt"`
}

// TransformKind discriminates payload transform flavors.
type TransformKind string

const (
	TransformQuery   TransformKind = "query"   // JSON-query expression
	TransformMapping TransformKind = "mapping" // flat field mapping
)

// Transform is an optional declarative reshape of the validated payload.
type Transform struct {
	Kind    TransformKind     `json:"kind"`
	Expr    string            `json:"expr,omitempty"`
	Mapping map[string]string `json:"mapping,omitempty"`
}

// Trigger is a configured webhook entry point. Read-only to the runtime;
// mutated by management APIs.
type Trigger struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`

	// TargetSubAgentID overrides the agent's default sub-agent when set.
	TargetSubAgentID string `json:"target_sub_agent_id,omitempty"`

	// PayloadSchema is a JSON-schema document; nil/empty accepts anything.
	PayloadSchema []byte `json:"payload_schema,omitempty"`

	Transform       *Transform       `json:"transform,omitempty"`
	MessageTemplate string           `json:"message_template,omitempty"`
	AuthHeaders     []HeaderAuth     `json:"auth_headers,omitempty"`
	Signature       *SignatureConfig `json:"signature,omitempty"`

	MaxTransfers int `json:"max_transfers,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TriggerInvocation is one concrete firing of a trigger. AttemptNumber
// only increases; a manual rerun creates a fresh invocation rather than
// mutating history.
type TriggerInvocation struct {
	ID                 string              `json:"id"`
	TriggerID          string              `json:"trigger_id"`
	Status             v1.InvocationStatus `json:"status"`
	AttemptNumber      int                 `json:"attempt_number"`
	RequestPayload     string              `json:"request_payload,omitempty"`
	TransformedPayload string              `json:"transformed_payload,omitempty"`
	ConversationID     string              `json:"conversation_id,omitempty"`
	Error              string              `json:"error,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// ScheduledTrigger fires on a cron schedule or once at RunAt.
// WorkflowRunID is the generation token for the background runner: set on
// start, cleared on stop. A runner observing a mismatched or empty token
// must terminate, which prevents duplicate cron loops after a restart.
type ScheduledTrigger struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id"`
	AgentID   string `json:"agent_id"`
	Name      string `json:"name"`
	Enabled   bool   `json:"enabled"`

	CronExpr string     `json:"cron_expr,omitempty"`
	RunAt    *time.Time `json:"run_at,omitempty"`
	Timezone string     `json:"timezone,omitempty"`

	MessageTemplate string `json:"message_template,omitempty"`
	Payload         string `json:"payload,omitempty"` // JSON object sent as the data part

	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
	TimeoutSeconds    int `json:"timeout_seconds"`

	WorkflowRunID string `json:"workflow_run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleKey summarizes the fields whose change requires a runner
// restart.
func (s *ScheduledTrigger) ScheduleKey() string {
	key := s.CronExpr + "|" + s.Timezone
	if s.RunAt != nil {
		key += "|" + s.RunAt.UTC().Format(time.RFC3339)
	}
	return key
}
