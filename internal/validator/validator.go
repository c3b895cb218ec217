// Package validator provides JSON schema validation for trigger payloads.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates API payloads against embedded schemas.
type Validator struct {
	triggerSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("trigger.json", strings.NewReader(triggerSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add trigger schema: %w", err)
	}

	triggerSchema, err := compiler.Compile("trigger.json")
	if err != nil {
		return nil, fmt.Errorf("compile trigger schema: %w", err)
	}

	return &Validator{triggerSchema: triggerSchema}, nil
}

// ValidateTrigger validates a decoded trigger payload.
func (v *Validator) ValidateTrigger(payload map[string]interface{}) *ValidationResult {
	return v.validate(v.triggerSchema, payload)
}

// ValidateTriggerJSON validates a JSON-encoded trigger payload.
func (v *Validator) ValidateTriggerJSON(data []byte) *ValidationResult {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidateTrigger(payload)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schema

const triggerSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "trigger.json",
  "title": "Trigger Request",
  "description": "Payload starting or resuming a canvas execution",
  "type": "object",
  "anyOf": [
    {"required": ["prompt"]},
    {"required": ["execution_id"]}
  ],
  "properties": {
    "prompt": {
      "type": "string",
      "minLength": 1,
      "description": "User prompt for a new execution"
    },
    "execution_id": {
      "type": "string",
      "minLength": 1,
      "description": "Execution to resume"
    },
    "anchor_node_id": {
      "type": "string",
      "description": "Existing node the new input attaches to"
    },
    "tier": {
      "type": "string",
      "enum": ["standard", "premium"],
      "description": "Queue tier"
    },
    "attachments": {
      "type": "array",
      "items": {"type": "string"},
      "description": "Attachment references passed through to jobs"
    },
    "models": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["model_id"],
        "properties": {
          "model_id": {
            "type": "string",
            "minLength": 1,
            "description": "Model identifier"
          },
          "provider": {
            "type": "string",
            "description": "Provider name"
          },
          "category": {
            "type": "string",
            "enum": ["reasoning", "image", "video"],
            "description": "Model category"
          },
          "options": {
            "type": "object",
            "description": "Generation options passed through verbatim"
          }
        }
      },
      "description": "Models to run"
    }
  }
}`
