package validation

import "encoding/json"

// ResultKind names one structured stage result that has a schema.
type ResultKind string

const (
	ResultProposal       ResultKind = "proposal"
	ResultRiskAssessment ResultKind = "risk_assessment"
	ResultQA             ResultKind = "qa_results"
)

// Validator checks chat requests and structured stage results.
// Uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateChatRequest(req any) error
	ValidateResult(kind ResultKind, raw json.RawMessage) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}
