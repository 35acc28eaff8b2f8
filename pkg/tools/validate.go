// Package tools — JSON Schema validation for tool call arguments.
//
// ValidateAndCoerce checks the arguments produced by the model against the
// tool's declared JSON Schema, coercing simple type mismatches (e.g. "5" → 5)
// before rejecting. Failures read "Invalid arguments: <reason>" so they can
// be handed straight back to the model as an error tool result.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateAndCoerce validates args against the JSON Schema in the tool's
// Parameters field. It returns the (possibly coerced) arguments or a
// descriptive error.
//
// Coercion rules (matching what models commonly get wrong):
//   - A JSON string containing a valid number is coerced to float64/int64 when
//     the schema expects "number" or "integer".
//   - A JSON number is coerced to string when the schema expects "string".
//   - A string "true"/"false" is coerced to bool when the schema expects "boolean".
//
// If the schema cannot be compiled, args pass through unchanged (fail open).
func ValidateAndCoerce(t Tool, args map[string]any) (map[string]any, error) {
	schemaBytes := t.Definition().Parameters
	if len(schemaBytes) == 0 {
		return args, nil
	}

	schema, err := compileSchema(schemaBytes)
	if err != nil {
		// Unparseable schema — fail open so a bad schema doesn't break callers.
		return args, nil
	}

	if err := validateMap(schema, args); err == nil {
		return args, nil
	}

	coerced := coerceArgs(args, schemaBytes)
	if err := validateMap(schema, coerced); err != nil {
		return nil, fmt.Errorf("Invalid arguments: %v", err)
	}
	return coerced, nil
}

// compileSchema unmarshals the schema bytes and compiles them.
// A fresh compiler is used each time to avoid resource-collision errors.
func compileSchema(schemaBytes []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaBytes))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	const url = "mem://tool/schema"
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// validateMap round-trips the map through JSON and validates the result.
func validateMap(schema *jsonschema.Schema, args map[string]any) error {
	b, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

// coerceArgs attempts simple type coercions on top-level properties.
func coerceArgs(args map[string]any, schemaBytes []byte) map[string]any {
	var schemaDef struct {
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	}
	_ = json.Unmarshal(schemaBytes, &schemaDef)

	out := make(map[string]any, len(args))
	for k, v := range args {
		prop, ok := schemaDef.Properties[k]
		if !ok {
			out[k] = v
			continue
		}
		out[k] = coerceValue(v, prop.Type)
	}
	return out
}

func coerceValue(v any, targetType string) any {
	switch targetType {
	case "number", "integer":
		if s, ok := v.(string); ok {
			var n float64
			if err := json.Unmarshal([]byte(s), &n); err == nil {
				if targetType == "integer" {
					return int64(n)
				}
				return n
			}
		}
	case "string":
		switch n := v.(type) {
		case float64:
			return fmt.Sprintf("%g", n)
		case int64:
			return fmt.Sprintf("%d", n)
		case json.Number:
			return n.String()
		}
	case "boolean":
		if s, ok := v.(string); ok {
			switch strings.ToLower(s) {
			case "true":
				return true
			case "false":
				return false
			}
		}
	}
	return v
}
