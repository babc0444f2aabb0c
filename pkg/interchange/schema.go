package interchange

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/bundle.schema.json
var bundleSchemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("bundle.schema.json", bundleSchemaJSON)
	})
	return schema, schemaErr
}

// ValidateSchema checks raw bundle JSON against the interchange schema.
// This is the boundary check: the elaborator runs it on everything it
// emits, and callers loading untrusted bundles run it before Decode.
func ValidateSchema(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("interchange: schema compile failed: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("interchange: invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("interchange: schema validation failed: %w", err)
	}
	return nil
}

// DecodeValidated validates against the schema, then decodes.
func DecodeValidated(data []byte) (*Bundle, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	return Decode(data)
}
