package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/defiflow/pkg/schema"
)

// GoJQEngine runs jq programs over execution documents: the prediction
// agent's QA checks and StatusReader queries. Inputs may be Go values of any
// JSON-encodable type; they are converted to jq's document model first.
type GoJQEngine struct {
	mu    sync.RWMutex
	codes map[string]*gojq.Code
}

// NewGoJQEngine creates a jq engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{codes: make(map[string]*gojq.Code)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs query with data as the input object.
func (e *GoJQEngine) Evaluate(ctx context.Context, query string, data map[string]any) (any, error) {
	return e.Run(ctx, query, data)
}

// Run runs query over input. A single output is returned as is; several are
// collected into a []any.
func (e *GoJQEngine) Run(ctx context.Context, query string, input any) (any, error) {
	code, err := e.code(query)
	if err != nil {
		return nil, err
	}
	doc, err := toDocument(input)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "jq input for %q: %s", query, err.Error()).
			WithCause(err)
	}

	var results []any
	iter := code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", query, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": query})
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

func (e *GoJQEngine) code(query string) (*gojq.Code, error) {
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	e.mu.RLock()
	code, ok := e.codes[query]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": query})
	}
	// No $ENV: queries come from MCP clients.
	code, err = gojq.Compile(parsed, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", query, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": query})
	}

	e.mu.Lock()
	e.codes[query] = code
	e.mu.Unlock()
	return code, nil
}

// toDocument converts v to the types gojq accepts: nil, bool, float64,
// string, []any and map[string]any. Anything else goes through encoding/json,
// so structs and json.RawMessage fields follow their JSON tags.
func toDocument(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, float64:
		return val, nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			doc, err := toDocument(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = doc
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			doc, err := toDocument(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = doc
		}
		return out, nil
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
}

var _ Engine = (*GoJQEngine)(nil)
