// Package transform reshapes validated webhook payloads before they are
// handed to the execution engine.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/inkeep/agents-run/internal/trigger/models"
)

// Apply runs the configured transform against the raw payload and
// returns the reshaped JSON document. A nil transform returns the
// payload unchanged. Errors here mean the payload passed validation but
// could not be reshaped, which callers surface as unprocessable.
func Apply(t *models.Transform, payload []byte) ([]byte, error) {
	if t == nil {
		return payload, nil
	}
	switch t.Kind {
	case models.TransformQuery:
		return applyQuery(t.Expr, payload)
	case models.TransformMapping:
		return applyMapping(t.Mapping, payload)
	default:
		return nil, fmt.Errorf("unknown transform kind %q", t.Kind)
	}
}

// applyQuery evaluates a single gjson path expression and returns its
// result as the new payload.
func applyQuery(expr string, payload []byte) ([]byte, error) {
	if expr == "" {
		return nil, fmt.Errorf("query transform has empty expression")
	}
	result := gjson.GetBytes(payload, expr)
	if !result.Exists() {
		return nil, fmt.Errorf("query %q matched nothing in payload", expr)
	}
	if result.Index > 0 {
		// Slice out of the original document to preserve raw formatting.
		return payload[result.Index : result.Index+len(result.Raw)], nil
	}
	return []byte(result.Raw), nil
}

// applyMapping builds a flat object where each output field is a gjson
// path evaluated against the payload. Every path must resolve.
func applyMapping(mapping map[string]string, payload []byte) ([]byte, error) {
	if len(mapping) == 0 {
		return nil, fmt.Errorf("mapping transform has no fields")
	}
	out := make(map[string]interface{}, len(mapping))
	for field, path := range mapping {
		result := gjson.GetBytes(payload, path)
		if !result.Exists() {
			return nil, fmt.Errorf("mapping field %q: path %q matched nothing", field, path)
		}
		out[field] = result.Value()
	}
	return json.Marshal(out)
}

// RenderTemplate interpolates {{path}} placeholders in a message
// template with values looked up in the payload by gjson path. Unknown
// paths render as empty strings.
func RenderTemplate(template string, payload []byte) string {
	if template == "" {
		return ""
	}
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		path := strings.TrimSpace(rest[start+2 : start+end])
		result := gjson.GetBytes(payload, path)
		if result.Exists() {
			b.WriteString(result.String())
		}
		rest = rest[start+end+2:]
	}
	return b.String()
}
