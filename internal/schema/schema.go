// Package schema validates structured tool arguments against a tool's
// JSON Schema before they cross the process boundary.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError lists every way a value failed its schema.
type ValidationError struct {
	Problems []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema validation errors: %s", strings.Join(e.Problems, "; "))
}

// Validate checks value against schema. An empty schema accepts
// anything. A schema that cannot be compiled is reported as an error
// rather than silently accepted.
func Validate(schema map[string]any, value any) error {
	if len(schema) == 0 {
		return nil
	}
	return validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(value))
}

// ValidateJSON is Validate for a value still in wire form.
func ValidateJSON(schema map[string]any, data json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	if !json.Valid(data) {
		return fmt.Errorf("data is not valid JSON")
	}
	return validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewBytesLoader(data))
}

func validate(schemaLoader, documentLoader gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Problems: problems}
}
