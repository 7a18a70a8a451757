package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/defiflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBase = "https://defiflow.dev/schemas/"

// builtinSchemas are embedded as constants to avoid filesystem dependencies.
var builtinSchemas = map[string]string{
	"chat_request.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message"],
  "properties": {
    "message": { "type": "string", "minLength": 1, "maxLength": 4000 },
    "wallet_address": { "type": "string", "pattern": "^0x[0-9a-zA-Z]+$" },
    "user_id": { "type": "string" },
    "chain_id": { "type": "integer", "minimum": 1 },
    "balances": {
      "type": "object",
      "additionalProperties": { "type": "number", "minimum": 0 }
    },
    "positions": {
      "type": "object",
      "additionalProperties": { "type": "object" }
    }
  },
  "additionalProperties": false
}`,
	"proposal.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": { "type": "string", "enum": ["migrate", "hold"] },
    "asset": { "type": "string" },
    "from_protocol": { "type": "string" },
    "to_protocol": { "type": "string", "minLength": 1 },
    "amount": { "type": "number", "minimum": 0 },
    "current_apy": { "type": "number" },
    "target_apy": { "type": "number" },
    "apy_gain": { "type": "number" }
  },
  "if": { "properties": { "action": { "const": "migrate" } } },
  "then": { "required": ["to_protocol", "amount"] }
}`,
	"risk_assessment.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["safe", "risk_score"],
  "properties": {
    "safe": { "type": "boolean" },
    "risk_score": { "type": "number", "minimum": 0, "maximum": 10 },
    "protocol": { "type": "string" },
    "factors": { "type": "object", "additionalProperties": { "type": "number" } },
    "reasoning": { "type": "string" }
  }
}`,
	"qa_results.json": `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["passed", "checks"],
  "properties": {
    "passed": { "type": "boolean" },
    "checks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "passed"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "passed": { "type": "boolean" }
        }
      }
    }
  }
}`,
}

// JSONSchemaValidator implements the Validator interface using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	chatSchema    *jsonschema.Schema
	resultSchemas map[ResultKind]*jsonschema.Schema

	// mu guards the cache of dynamically compiled schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the builtin schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newInputCompiler()
	for name, raw := range builtinSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", name, err)
		}
		if err := c.AddResource(schemaBase+name, doc); err != nil {
			return nil, fmt.Errorf("add %s resource: %w", name, err)
		}
	}

	compile := func(name string) (*jsonschema.Schema, error) {
		sch, err := c.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		return sch, nil
	}

	v := &JSONSchemaValidator{
		resultSchemas: make(map[ResultKind]*jsonschema.Schema, 3),
		cache:         make(map[string]*jsonschema.Schema),
	}
	var err error
	if v.chatSchema, err = compile("chat_request.json"); err != nil {
		return nil, err
	}
	for _, kind := range []ResultKind{ResultProposal, ResultRiskAssessment, ResultQA} {
		if v.resultSchemas[kind], err = compile(string(kind) + ".json"); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// ValidateChatRequest validates a chat request body (any JSON-encodable value).
func (v *JSONSchemaValidator) ValidateChatRequest(req any) error {
	if req == nil {
		return schema.NewError(schema.ErrCodeValidation, "chat request is nil")
	}
	doc, err := toJSONValue(req)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize chat request").WithCause(err)
	}
	if err := v.chatSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateResult validates a structured stage result. Empty results are valid;
// stages are free to produce none.
func (v *JSONSchemaValidator) ValidateResult(kind ResultKind, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	sch, ok := v.resultSchemas[kind]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "no schema for result kind %q", kind)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s is not valid JSON", kind).WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		fe := toFlowError(err)
		fe.Message = fmt.Sprintf("%s: %s", kind, fe.Message)
		return fe
	}
	return nil
}

// ValidateInput validates input data against a JSON Schema provided as raw bytes.
// The schema is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	// Convert input to JSON-compatible value (json.Number for numbers).
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("defiflow://input-schema/%d", len(v.cache))

	// Use a fresh compiler per dynamic schema to avoid resource collision.
	c := newInputCompiler()
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

// newInputCompiler creates a Compiler configured for input/output validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	result := &schema.ValidationResult{}
	collectViolations(verr, result)
	if result.Valid() {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	var fe *schema.FlowError
	if !errors.As(result.ToError(), &fe) {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	violations := make([]string, len(result.Errors))
	for i, issue := range result.Errors {
		violations[i] = issue.Path + ": " + issue.Message
	}
	fe.Details["violations"] = violations
	return fe
}

// collectViolations walks a ValidationError tree and records leaf errors
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError, result *schema.ValidationResult) {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		result.AddError(loc, schema.ErrCodeValidation, verr.Error())
		return
	}
	for _, cause := range verr.Causes {
		collectViolations(cause, result)
	}
}

var _ Validator = (*JSONSchemaValidator)(nil)
