// Package validate checks prediction requests against JSON schemas before any
// feature is materialized.
package validate

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"

	"github.com/threatwatch/threatwatch/internal/features"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Model types with a request schema.
const (
	ModelPhishing   = "phishing"
	ModelATO        = "ato"
	ModelBruteForce = "brute_force"
)

// batchKeys names the list field of each batch request.
var batchKeys = map[string]string{
	ModelPhishing:   "emails",
	ModelATO:        "logins",
	ModelBruteForce: "flows",
}

// Detail is one machine-readable validation failure.
type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Error is returned for any request that fails validation.
type Error struct {
	Details []Detail
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Details))
	for i, d := range e.Details {
		if d.Field == "" {
			parts[i] = d.Message
		} else {
			parts[i] = d.Field + ": " + d.Message
		}
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator holds the compiled single and batch schemas of one model type.
type Validator struct {
	model    string
	batchKey string
	single   *gojsonschema.Schema
	batch    *gojsonschema.Schema
}

// New compiles the schemas for model. maxBatch bounds the batch list length.
func New(model string, maxBatch int) (*Validator, error) {
	key, ok := batchKeys[model]
	if !ok {
		return nil, fmt.Errorf("validate: unknown model type %q", model)
	}
	if maxBatch <= 0 {
		return nil, fmt.Errorf("validate: max batch for %s must be positive", model)
	}

	record, err := recordSchema(model)
	if err != nil {
		return nil, err
	}
	single, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(record))
	if err != nil {
		return nil, fmt.Errorf("validate: compiling %s schema: %w", model, err)
	}

	item := make(map[string]any, len(record))
	for k, v := range record {
		if k != "$schema" {
			item[k] = v
		}
	}
	batchDoc := map[string]any{
		"type":     "object",
		"required": []any{key},
		"properties": map[string]any{
			key: map[string]any{
				"type":     "array",
				"minItems": 1,
				"maxItems": maxBatch,
				"items":    item,
			},
		},
	}
	batch, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(batchDoc))
	if err != nil {
		return nil, fmt.Errorf("validate: compiling %s batch schema: %w", model, err)
	}

	return &Validator{model: model, batchKey: key, single: single, batch: batch}, nil
}

// BatchKey is the name of the list field in batch requests.
func (v *Validator) BatchKey() string { return v.batchKey }

// Record validates one raw request body.
func (v *Validator) Record(body []byte) error {
	return check(v.single, body)
}

// Batch validates a raw batch request body.
func (v *Validator) Batch(body []byte) error {
	return check(v.batch, body)
}

func check(schema *gojsonschema.Schema, body []byte) error {
	if !json.Valid(body) {
		return &Error{Details: []Detail{{Message: "request body is not valid JSON", Type: "json_invalid"}}}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &Error{Details: []Detail{{Message: err.Error(), Type: "json_invalid"}}}
	}
	if result.Valid() {
		return nil
	}

	details := make([]Detail, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		details = append(details, Detail{
			Field:   fieldPath(re),
			Message: re.Description(),
			Type:    re.Type(),
		})
	}
	sort.SliceStable(details, func(i, j int) bool { return details[i].Field < details[j].Field })
	return &Error{Details: details}
}

// fieldPath renders the failing field; for missing properties it names the
// property rather than its parent.
func fieldPath(re gojsonschema.ResultError) string {
	field := re.Field()
	if field == gojsonschema.STRING_CONTEXT_ROOT || field == "(root)" {
		field = ""
	}
	if re.Type() == "required" {
		if prop, ok := re.Details()["property"].(string); ok {
			if field == "" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}

func recordSchema(model string) (map[string]any, error) {
	if model == ModelBruteForce {
		return flowSchema(), nil
	}
	data, err := schemaFS.ReadFile("schemas/" + model + ".json")
	if err != nil {
		return nil, fmt.Errorf("validate: reading %s schema: %w", model, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("validate: parsing %s schema: %w", model, err)
	}
	return doc, nil
}

// flowSchema requires every flow field as a normalized number.
func flowSchema() map[string]any {
	props := make(map[string]any, len(features.FlowFields))
	required := make([]any, len(features.FlowFields))
	for i, name := range features.FlowFields {
		props[name] = map[string]any{"type": "number", "minimum": 0, "maximum": 1}
		required[i] = name
	}
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": props,
	}
}
