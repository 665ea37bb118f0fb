// Package validation checks workflow definitions before execution through a
// three-stage pipeline: structural (JSON Schema Draft 2020-12), semantic
// (spec and reference resolution) and graph (cycle and reachability
// analysis via the graph builder).
package validation

import (
	"errors"

	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/spec"
	"github.com/loomhq/loom/pkg/schema"
)

// WorkflowValidator orchestrates the validation pipeline.
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	specs      *spec.Registry
}

// NewWorkflowValidator creates a WorkflowValidator. specs may be nil to
// skip spec existence checks.
func NewWorkflowValidator(specs *spec.Registry) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		specs:      specs,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := wv.validateStructural(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.specs))

	// Graph stage only when references resolve, otherwise the builder
	// reports the same problems less precisely.
	if result.Valid() {
		if _, err := graph.Build(def, wv.specs); err != nil {
			var loomErr *schema.LoomError
			if errors.As(err, &loomErr) {
				result.AddError("/", loomErr.Code, loomErr.Message)
			} else {
				result.AddError("/", schema.ErrCodeGraph, err.Error())
			}
		}
	}

	return result
}

// ValidateDefinition runs Validate and folds the result into an error.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidatePayload delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidatePayload(payload map[string]any, payloadSchema []byte) error {
	return wv.jsonSchema.ValidatePayload(payload, payloadSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition,
// converting its error output into a ValidationResult.
func (wv *WorkflowValidator) validateStructural(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := wv.jsonSchema.ValidateDefinition(def)
	if err == nil {
		return result
	}

	var loomErr *schema.LoomError
	if !errors.As(err, &loomErr) {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if loomErr.Details != nil {
		if violations, ok := loomErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", loomErr.Code, loomErr.Message)
	return result
}
