package gtx

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingField is wrapped by decode errors for a required field
// that is absent or null.
var ErrMissingField = errors.New("missing required field")

func missingField(name string) error {
	return fmt.Errorf("%w %q", ErrMissingField, name)
}

// ActionType is the kind of action a [Transaction] performs.
type ActionType string

const (
	ProposeUpdate  ActionType = "ProposeUpdate"
	EvaluateUpdate ActionType = "EvaluateUpdate"
	VoteAccept     ActionType = "VoteAccept"
	VoteReject     ActionType = "VoteReject"
	FlagMalicious  ActionType = "FlagMalicious"
	FinalizeBlock  ActionType = "FinalizeBlock"
)

// Valid reports whether a is one of the declared action types.
func (a ActionType) Valid() bool {
	switch a {
	case ProposeUpdate, EvaluateUpdate, VoteAccept, VoteReject, FlagMalicious, FinalizeBlock:
		return true
	default:
		return false
	}
}

// IsVote reports whether a is VoteAccept or VoteReject.
func (a ActionType) IsVote() bool {
	return a == VoteAccept || a == VoteReject
}

func (a *ActionType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("action type must be a string: %w", err)
	}
	if !ActionType(s).Valid() {
		return fmt.Errorf("unknown action type %q", s)
	}
	*a = ActionType(s)
	return nil
}

// VoteVerdict is the verdict carried in an [EvaluationResult].
type VoteVerdict string

const (
	VerdictAccept VoteVerdict = "Accept"
	VerdictReject VoteVerdict = "Reject"
)

func (v *VoteVerdict) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("vote verdict must be a string: %w", err)
	}
	switch VoteVerdict(s) {
	case VerdictAccept, VerdictReject:
		*v = VoteVerdict(s)
		return nil
	default:
		return fmt.Errorf("unknown vote verdict %q", s)
	}
}

// EvaluationVote is the kind of evaluation carried in an [EvaluationResult].
type EvaluationVote string

const (
	ValidateBlock EvaluationVote = "ValidateBlock"
	FlagConflict  EvaluationVote = "FlagConflict"
)

func (e *EvaluationVote) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("evaluation vote must be a string: %w", err)
	}
	switch EvaluationVote(s) {
	case ValidateBlock, FlagConflict:
		*e = EvaluationVote(s)
		return nil
	default:
		return fmt.Errorf("unknown evaluation vote %q", s)
	}
}

// ModelModification describes a proposed change to a model.
type ModelModification struct {
	ModelHash   string `json:"model_hash"`
	CID         string `json:"cid"`
	Description string `json:"description"`

	// Reference to external material (e.g. IPFS images or videos)
	// backing the modification.
	ValidationProof string `json:"validation_proof"`
}

func (m *ModelModification) UnmarshalJSON(b []byte) error {
	var raw struct {
		ModelHash       *string `json:"model_hash"`
		CID             *string `json:"cid"`
		Description     *string `json:"description"`
		ValidationProof *string `json:"validation_proof"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch {
	case raw.ModelHash == nil:
		return missingField("model_modification.model_hash")
	case raw.CID == nil:
		return missingField("model_modification.cid")
	case raw.Description == nil:
		return missingField("model_modification.description")
	case raw.ValidationProof == nil:
		return missingField("model_modification.validation_proof")
	}

	*m = ModelModification{
		ModelHash:       *raw.ModelHash,
		CID:             *raw.CID,
		Description:     *raw.Description,
		ValidationProof: *raw.ValidationProof,
	}
	return nil
}

// ModelParameters carries the scoring of a model update.
type ModelParameters struct {
	UpdateID   string  `json:"update_id"`
	Confidence float32 `json:"confidence"`
	Score      float32 `json:"score"`
}

func (p *ModelParameters) UnmarshalJSON(b []byte) error {
	var raw struct {
		UpdateID   *string  `json:"update_id"`
		Confidence *float32 `json:"confidence"`
		Score      *float32 `json:"score"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch {
	case raw.UpdateID == nil:
		return missingField("model_parameters.update_id")
	case raw.Confidence == nil:
		return missingField("model_parameters.confidence")
	case raw.Score == nil:
		return missingField("model_parameters.score")
	}

	*p = ModelParameters{
		UpdateID:   *raw.UpdateID,
		Confidence: *raw.Confidence,
		Score:      *raw.Score,
	}
	return nil
}

// EvaluationResult is the outcome of an agent evaluating an update.
type EvaluationResult struct {
	Vote       *VoteVerdict    `json:"vote"`
	Evaluation *EvaluationVote `json:"evaluation"`
}

// Payload is the action-specific content of a [Transaction].
// Which of the optional fields are set depends on the action type.
type Payload struct {
	ModelModification *ModelModification `json:"model_modification"`
	ModelParameters   *ModelParameters   `json:"model_parameters"`
	EvaluationResult  *EvaluationResult  `json:"evaluation_result"`

	Description string `json:"description"`
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	// Same fields, without the UnmarshalJSON method.
	type payload Payload
	var raw struct {
		payload
		Description *string `json:"description"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Description == nil {
		return missingField("payload.description")
	}

	*p = Payload(raw.payload)
	p.Description = *raw.Description
	return nil
}

// Transaction is a single signed action from an agent.
type Transaction struct {
	AgentID   string `json:"agent_id"`
	Signature string `json:"signature"`

	// ReasoningHash correlates a proposal with the votes on it.
	// If a change is questioned later, the reasoning it points at
	// can be checked for post-hoc rationalization.
	ReasoningHash string `json:"reasoning_hash"`

	ActionType ActionType `json:"action_type"`
	Payload    Payload    `json:"payload"`
}

// UnmarshalJSON decodes a transaction,
// rejecting any required field that is absent or null.
// Empty strings are accepted here; the consensus engine decides what they mean.
func (tx *Transaction) UnmarshalJSON(b []byte) error {
	var raw struct {
		AgentID       *string     `json:"agent_id"`
		Signature     *string     `json:"signature"`
		ReasoningHash *string     `json:"reasoning_hash"`
		ActionType    *ActionType `json:"action_type"`
		Payload       *Payload    `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	switch {
	case raw.AgentID == nil:
		return missingField("agent_id")
	case raw.Signature == nil:
		return missingField("signature")
	case raw.ReasoningHash == nil:
		return missingField("reasoning_hash")
	case raw.ActionType == nil:
		return missingField("action_type")
	case raw.Payload == nil:
		return missingField("payload")
	}

	*tx = Transaction{
		AgentID:       *raw.AgentID,
		Signature:     *raw.Signature,
		ReasoningHash: *raw.ReasoningHash,
		ActionType:    *raw.ActionType,
		Payload:       *raw.Payload,
	}
	return nil
}

// Message is the envelope in which transactions travel on the wire.
type Message struct {
	Payload Transaction `json:"payload"`
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw struct {
		Payload *Transaction `json:"payload"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Payload == nil {
		return missingField("payload")
	}

	m.Payload = *raw.Payload
	return nil
}
