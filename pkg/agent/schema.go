package agent

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// inputSchema builds the JSON schema for a tool's input struct from its
// json/jsonschema tags, inlined and stripped of $schema noise.
func inputSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool schema: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to decode tool schema: %w", err)
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

// mustInputSchema panics on reflection failure; tool input structs are fixed
// at compile time.
func mustInputSchema[T any]() map[string]any {
	schema, err := inputSchema[T]()
	if err != nil {
		panic(err)
	}
	return schema
}
