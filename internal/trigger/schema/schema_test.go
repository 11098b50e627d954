package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &v))
	return v
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	s, err := Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Empty(t, s.Validate(decode(t, `{"anything":"goes"}`)))
}

func TestRequiredFields(t *testing.T) {
	s, err := Parse([]byte(`{
		"type": "object",
		"required": ["action", "repository"],
		"properties": {
			"action": {"type": "string"}
		}
	}`))
	require.NoError(t, err)

	errs := s.Validate(decode(t, `{"action":"opened"}`))
	require.Len(t, errs, 1)
	assert.Equal(t, "repository", errs[0].Field)
	assert.Contains(t, errs[0].Message, "required")

	assert.Empty(t, s.Validate(decode(t, `{"action":"opened","repository":{}}`)))
}

func TestTypeMismatchReportsFieldPath(t *testing.T) {
	s, err := Parse([]byte(`{
		"type": "object",
		"properties": {
			"issue": {
				"type": "object",
				"properties": {
					"number": {"type": "integer"}
				}
			}
		}
	}`))
	require.NoError(t, err)

	errs := s.Validate(decode(t, `{"issue":{"number":"forty-two"}}`))
	require.Len(t, errs, 1)
	assert.Equal(t, "issue.number", errs[0].Field)
	assert.Contains(t, errs[0].Message, "expected integer")
}

func TestIntegerRejectsFraction(t *testing.T) {
	s, err := Parse([]byte(`{"type":"integer"}`))
	require.NoError(t, err)

	assert.Empty(t, s.Validate(decode(t, `42`)))
	assert.Len(t, s.Validate(decode(t, `42.5`)), 1)
}

func TestEnum(t *testing.T) {
	s, err := Parse([]byte(`{
		"type": "object",
		"properties": {
			"action": {"type": "string", "enum": ["opened", "closed"]}
		}
	}`))
	require.NoError(t, err)

	assert.Empty(t, s.Validate(decode(t, `{"action":"opened"}`)))

	errs := s.Validate(decode(t, `{"action":"reopened"}`))
	require.Len(t, errs, 1)
	assert.Equal(t, "action", errs[0].Field)
}

func TestArrayItems(t *testing.T) {
	s, err := Parse([]byte(`{
		"type": "array",
		"items": {"type": "string"}
	}`))
	require.NoError(t, err)

	assert.Empty(t, s.Validate(decode(t, `["a","b"]`)))

	errs := s.Validate(decode(t, `["a", 1, "b", 2]`))
	require.Len(t, errs, 2)
	assert.Equal(t, "$[1]", errs[0].Field)
	assert.Equal(t, "$[3]", errs[1].Field)
}

func TestRootTypeMismatch(t *testing.T) {
	s, err := Parse([]byte(`{"type":"object"}`))
	require.NoError(t, err)

	errs := s.Validate(decode(t, `[1,2,3]`))
	require.Len(t, errs, 1)
	assert.Equal(t, "$", errs[0].Field)
}

func TestParseInvalidSchema(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	assert.Error(t, err)
}

func TestMultipleErrorsCollected(t *testing.T) {
	s, err := Parse([]byte(`{
		"type": "object",
		"required": ["a", "b"],
		"properties": {
			"c": {"type": "number"}
		}
	}`))
	require.NoError(t, err)

	errs := s.Validate(decode(t, `{"c":"nope"}`))
	assert.Len(t, errs, 3)
}
