// Package schema validates webhook payloads against a JSON-schema
// subset: type, properties, required, items, and enum.
package schema

import (
	"encoding/json"
	"fmt"
	"reflect"

	v1 "github.com/inkeep/agents-run/pkg/api/v1"
)

// Schema is the supported subset of a JSON-schema document.
type Schema struct {
	Type       string             `json:"type,omitempty"`
	Properties map[string]*Schema `json:"properties,omitempty"`
	Required   []string           `json:"required,omitempty"`
	Items      *Schema            `json:"items,omitempty"`
	Enum       []interface{}      `json:"enum,omitempty"`
}

// Parse decodes a schema document. An empty document yields a nil
// schema, which accepts any payload.
func Parse(raw []byte) (*Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	s := &Schema{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("invalid payload schema: %w", err)
	}
	return s, nil
}

// Validate checks a decoded JSON value against the schema and returns a
// field-level error list. A nil schema accepts anything.
func (s *Schema) Validate(value interface{}) []v1.ValidationError {
	if s == nil {
		return nil
	}
	var errs []v1.ValidationError
	s.validate("", value, &errs)
	return errs
}

func (s *Schema) validate(path string, value interface{}, errs *[]v1.ValidationError) {
	if s.Type != "" && !typeMatches(s.Type, value) {
		*errs = append(*errs, v1.ValidationError{
			Field:   orRoot(path),
			Message: fmt.Sprintf("expected %s, got %s", s.Type, typeName(value)),
		})
		return
	}

	if len(s.Enum) > 0 && !enumContains(s.Enum, value) {
		*errs = append(*errs, v1.ValidationError{
			Field:   orRoot(path),
			Message: "value is not one of the allowed values",
		})
	}

	if obj, ok := value.(map[string]interface{}); ok {
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				*errs = append(*errs, v1.ValidationError{
					Field:   join(path, name),
					Message: "required field is missing",
				})
			}
		}
		for name, sub := range s.Properties {
			if v, present := obj[name]; present {
				sub.validate(join(path, name), v, errs)
			}
		}
	}

	if arr, ok := value.([]interface{}); ok && s.Items != nil {
		for i, item := range arr {
			s.Items.validate(fmt.Sprintf("%s[%d]", orRoot(path), i), item, errs)
		}
	}
}

func typeMatches(typ string, value interface{}) bool {
	switch typ {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "null":
		return value == nil
	}
	return true
}

func typeName(value interface{}) string {
	switch value.(type) {
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case nil:
		return "null"
	}
	return reflect.TypeOf(value).String()
}

func enumContains(enum []interface{}, value interface{}) bool {
	for _, allowed := range enum {
		if reflect.DeepEqual(allowed, value) {
			return true
		}
	}
	return false
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func orRoot(path string) string {
	if path == "" {
		return "$"
	}
	return path
}
