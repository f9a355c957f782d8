// Package validation checks workflow definitions before execution: a
// structural pass against an embedded JSON Schema, then semantic checks
// the schema cannot express.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aromcp/workflow-mcp/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions. Steps
// allow additional properties because type-specific fields (message,
// command, tool, prompt) live inline in the step object.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://aromcp.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "steps"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "inputs": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/input" }
    },
    "default_state": { "type": "object" },
    "state_schema": { "$ref": "#/$defs/state_schema" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "sub_agent_tasks": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/sub_agent_task" }
    },
    "timeout_seconds": { "type": "integer", "minimum": 0 }
  },
  "additionalProperties": false,
  "$defs": {
    "input": {
      "type": "object",
      "properties": {
        "type": { "type": "string", "enum": ["string", "number", "boolean", "object", "array"] },
        "description": { "type": "string" },
        "required": { "type": "boolean" },
        "default": {}
      },
      "additionalProperties": false
    },
    "state_schema": {
      "type": "object",
      "properties": {
        "computed": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/computed_field" }
        }
      },
      "additionalProperties": false
    },
    "computed_field": {
      "type": "object",
      "required": ["from", "transform"],
      "properties": {
        "from": {
          "anyOf": [
            { "type": "string", "minLength": 1 },
            { "type": "array", "items": { "type": "string" }, "minItems": 1 }
          ]
        },
        "transform": { "type": "string", "minLength": 1 },
        "on_error": { "type": "string", "enum": ["use_fallback", "propagate", "ignore"] },
        "fallback": {}
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" },
        "then": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "else": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "items": { "type": "string" },
        "body": { "type": "array", "items": { "$ref": "#/$defs/step" } },
        "max_iterations": { "type": "integer", "minimum": 1 },
        "sub_agent_task": { "type": "string" },
        "max_parallel": { "type": "integer", "minimum": 1 },
        "state_update": { "$ref": "#/$defs/state_update" },
        "state_updates": { "type": "array", "items": { "$ref": "#/$defs/state_update" } },
        "timeout_seconds": { "type": "integer", "minimum": 0 },
        "error_handling": { "$ref": "#/$defs/error_handling" }
      },
      "additionalProperties": true
    },
    "state_update": {
      "type": "object",
      "required": ["path"],
      "properties": {
        "path": { "type": "string", "minLength": 1 },
        "value": {},
        "operation": { "type": "string", "enum": ["set", "increment", "append", "merge"] }
      },
      "additionalProperties": false
    },
    "error_handling": {
      "type": "object",
      "required": ["strategy"],
      "properties": {
        "strategy": { "type": "string", "enum": ["fail", "retry", "continue", "fallback"] },
        "max_retries": { "type": "integer", "minimum": 0 },
        "retry_delay": { "type": "number", "minimum": 0 },
        "fallback_value": {}
      },
      "additionalProperties": false
    },
    "sub_agent_task": {
      "type": "object",
      "required": ["steps"],
      "properties": {
        "name": { "type": "string" },
        "description": { "type": "string" },
        "inputs": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/input" }
        },
        "default_state": { "type": "object" },
        "state_schema": { "$ref": "#/$defs/state_schema" },
        "steps": {
          "type": "array",
          "minItems": 1,
          "items": { "$ref": "#/$defs/step" }
        },
        "timeout_seconds": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    }
  }
}`

// StructuralValidator validates definitions against the embedded JSON
// Schema. Safe for concurrent use.
type StructuralValidator struct {
	workflowSchema *jsonschema.Schema

	mu       sync.RWMutex
	cache    map[string]*jsonschema.Schema
	cacheSeq int
}

// NewStructuralValidator compiles the workflow schema once.
func NewStructuralValidator() (*StructuralValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://aromcp.dev/schemas/workflow.json", doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	compiled, err := c.Compile("https://aromcp.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &StructuralValidator{
		workflowSchema: compiled,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition runs the structural pass.
func (v *StructuralValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// ValidateInputs checks provided inputs against the declared input
// definitions by generating a JSON Schema for them. The generated schema
// is cached per definition shape.
func (v *StructuralValidator) ValidateInputs(defs map[string]*schema.InputDef, provided map[string]any) error {
	if len(defs) == 0 {
		return nil
	}
	generated, err := json.Marshal(inputSchemaFor(defs))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to build input schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(generated)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid generated input schema").WithCause(err)
	}
	if provided == nil {
		provided = map[string]any{}
	}
	doc, err := toJSONValue(provided)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize inputs").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// inputSchemaFor builds an object schema from declared inputs. Inputs with
// a default are never required.
func inputSchemaFor(defs map[string]*schema.InputDef) map[string]any {
	properties := make(map[string]any, len(defs))
	var required []string
	for name, def := range defs {
		if def == nil {
			properties[name] = map[string]any{}
			continue
		}
		prop := map[string]any{}
		if def.Type != "" {
			prop["type"] = def.Type
		}
		properties[name] = prop
		if def.Required && def.Default == nil {
			required = append(required, name)
		}
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func (v *StructuralValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	v.cacheSeq++
	url := fmt.Sprintf("aromcp://input-schema/%d", v.cacheSeq)
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError converts a jsonschema.ValidationError into a
// WorkflowError with per-location violation messages.
func toValidationError(err error) *schema.WorkflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
