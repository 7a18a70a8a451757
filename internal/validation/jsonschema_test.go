package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/defiflow/pkg/schema"
)

func newValidator(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

func requireValidationError(t *testing.T, err error) *schema.FlowError {
	t.Helper()
	require.Error(t, err)
	fe, ok := err.(*schema.FlowError)
	require.True(t, ok, "want *schema.FlowError, got %T", err)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	return fe
}

func TestValidateChatRequest(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		req     map[string]any
		wantErr bool
	}{
		{"minimal", map[string]any{"message": "Find me the best yield opportunity for my USDC"}, false},
		{"full", map[string]any{
			"message":        "rebalance",
			"wallet_address": "0xDemoWallet123",
			"user_id":        "demo_user_1",
			"chain_id":       1,
			"balances":       map[string]any{"USDC": 10000, "ETH": 2},
			"positions":      map[string]any{"Aave": map[string]any{"USDC": 10000, "apy": 0.05}},
		}, false},
		{"missing message", map[string]any{"user_id": "u"}, true},
		{"empty message", map[string]any{"message": ""}, true},
		{"bad wallet", map[string]any{"message": "hi", "wallet_address": "not-a-wallet"}, true},
		{"negative balance", map[string]any{"message": "hi", "balances": map[string]any{"USDC": -1}}, true},
		{"unknown field", map[string]any{"message": "hi", "extra": true}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateChatRequest(tc.req)
			if tc.wantErr {
				requireValidationError(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateChatRequest_Nil(t *testing.T) {
	fe := requireValidationError(t, newValidator(t).ValidateChatRequest(nil))
	assert.Contains(t, fe.Message, "nil")
}

func TestValidateChatRequest_MultipleViolations(t *testing.T) {
	fe := requireValidationError(t, newValidator(t).ValidateChatRequest(map[string]any{
		"message":  "",
		"chain_id": 0,
	}))
	assert.Contains(t, fe.Message, "validation failed with")
	violations, ok := fe.Details["violations"].([]string)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(violations), 2)
}

func TestValidateResult(t *testing.T) {
	v := newValidator(t)

	tests := []struct {
		name    string
		kind    ResultKind
		raw     string
		wantErr bool
	}{
		{"hold proposal", ResultProposal, `{"action":"hold","asset":"USDC"}`, false},
		{"migrate proposal", ResultProposal, `{"action":"migrate","to_protocol":"Compound","amount":10000,"apy_gain":0.03}`, false},
		{"migrate without target", ResultProposal, `{"action":"migrate","amount":10}`, true},
		{"unknown action", ResultProposal, `{"action":"yolo"}`, true},
		{"risk ok", ResultRiskAssessment, `{"safe":true,"risk_score":3.5,"factors":{"tvl":1}}`, false},
		{"risk out of range", ResultRiskAssessment, `{"safe":true,"risk_score":11}`, true},
		{"qa ok", ResultQA, `{"passed":true,"checks":[{"name":"proposal_present","passed":true}]}`, false},
		{"qa missing checks", ResultQA, `{"passed":true}`, true},
		{"not json", ResultQA, `{`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateResult(tc.kind, json.RawMessage(tc.raw))
			if tc.wantErr {
				fe := requireValidationError(t, err)
				assert.Contains(t, fe.Message, string(tc.kind))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateResult_EmptyAndUnknownKind(t *testing.T) {
	v := newValidator(t)
	assert.NoError(t, v.ValidateResult(ResultProposal, nil))
	requireValidationError(t, v.ValidateResult("forecast", json.RawMessage(`{}`)))
}

func TestValidateInput_CachesSchemas(t *testing.T) {
	v := newValidator(t)
	sch := []byte(`{"type":"object","required":["amount"],"properties":{"amount":{"type":"number"}}}`)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, v.ValidateInput(map[string]any{"amount": 1}, sch))
		}()
	}
	wg.Wait()

	requireValidationError(t, v.ValidateInput(map[string]any{}, sch))
	assert.NoError(t, v.ValidateInput(map[string]any{"x": 1}, nil))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
