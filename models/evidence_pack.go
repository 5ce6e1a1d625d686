package models

import (
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrResultRowCountSet is returned when a pack's row count is written twice.
var ErrResultRowCountSet = errors.New("result row count already recorded")

// EvidencePack binds a request, its policy decision, its compiled SQL and the dataset
// quality observed at compile time. All fields are fixed at construction; only the
// result row count may be recorded afterwards, and only once.
type EvidencePack struct {
	id        uuid.UUID
	timestamp time.Time
	plan      json.RawMessage
	decision  PolicyDecision
	sqlHash   string
	sql       string
	quality   []DatasetQuality
	requestID string
	subject   string

	rowCount atomic.Pointer[int64]
}

// EvidencePackParams are the inputs to NewEvidencePack. Slices are copied.
type EvidencePackParams struct {
	ID        uuid.UUID
	Timestamp time.Time
	Plan      json.RawMessage
	Decision  PolicyDecision
	SQLHash   string
	SQL       string
	Quality   []DatasetQuality
	RowCount  *int64
	RequestID string
	Subject   string
}

// NewEvidencePack copies params into a new immutable pack.
func NewEvidencePack(p EvidencePackParams) *EvidencePack {
	pack := &EvidencePack{
		id:        p.ID,
		timestamp: p.Timestamp.UTC(),
		plan:      append(json.RawMessage(nil), p.Plan...),
		decision:  *p.Decision.Clone(),
		sqlHash:   p.SQLHash,
		sql:       p.SQL,
		quality:   append([]DatasetQuality{}, p.Quality...),
		requestID: p.RequestID,
		subject:   p.Subject,
	}
	if p.RowCount != nil {
		n := *p.RowCount
		pack.rowCount.Store(&n)
	}
	return pack
}

// TableName returns the table name for the EvidencePack model
func (*EvidencePack) TableName() string {
	return "evidence_packs"
}

func (e *EvidencePack) ID() uuid.UUID        { return e.id }
func (e *EvidencePack) Timestamp() time.Time { return e.timestamp }
func (e *EvidencePack) SQLHash() string      { return e.sqlHash }
func (e *EvidencePack) SQL() string          { return e.sql }
func (e *EvidencePack) RequestID() string    { return e.requestID }
func (e *EvidencePack) Subject() string      { return e.subject }

// Plan returns a copy of the canonical plan bytes.
func (e *EvidencePack) Plan() json.RawMessage {
	return append(json.RawMessage(nil), e.plan...)
}

// Decision returns a copy of the recorded decision.
func (e *EvidencePack) Decision() PolicyDecision {
	return *e.decision.Clone()
}

// DatasetsQuality returns a copy of the quality snapshot.
func (e *EvidencePack) DatasetsQuality() []DatasetQuality {
	return append([]DatasetQuality{}, e.quality...)
}

// ResultRowCount returns the recorded row count, if any.
func (e *EvidencePack) ResultRowCount() (int64, bool) {
	if n := e.rowCount.Load(); n != nil {
		return *n, true
	}
	return 0, false
}

// SetResultRowCount records the row count. It succeeds at most once.
func (e *EvidencePack) SetResultRowCount(n int64) error {
	if !e.rowCount.CompareAndSwap(nil, &n) {
		return ErrResultRowCountSet
	}
	return nil
}

type evidencePackJSON struct {
	EvidencePackID  uuid.UUID        `json:"evidence_pack_id"`
	Timestamp       time.Time        `json:"timestamp"`
	DslPlan         json.RawMessage  `json:"dsl_plan"`
	PolicyDecision  PolicyDecision   `json:"policy_decision"`
	SQLHash         string           `json:"sql_hash"`
	SQL             string           `json:"sql"`
	DatasetsQuality []DatasetQuality `json:"datasets_quality"`
	ResultRowCount  *int64           `json:"result_row_count"`
	RequestID       string           `json:"request_id,omitempty"`
	Subject         string           `json:"subject,omitempty"`
}

// MarshalJSON renders the persisted evidence pack schema.
func (e *EvidencePack) MarshalJSON() ([]byte, error) {
	return json.Marshal(evidencePackJSON{
		EvidencePackID:  e.id,
		Timestamp:       e.timestamp,
		DslPlan:         e.plan,
		PolicyDecision:  e.decision,
		SQLHash:         e.sqlHash,
		SQL:             e.sql,
		DatasetsQuality: e.quality,
		ResultRowCount:  e.rowCount.Load(),
		RequestID:       e.requestID,
		Subject:         e.subject,
	})
}

// UnmarshalEvidencePack decodes a stored or submitted pack.
func UnmarshalEvidencePack(data []byte) (*EvidencePack, error) {
	var raw evidencePackJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return NewEvidencePack(EvidencePackParams{
		ID:        raw.EvidencePackID,
		Timestamp: raw.Timestamp,
		Plan:      raw.DslPlan,
		Decision:  raw.PolicyDecision,
		SQLHash:   raw.SQLHash,
		SQL:       raw.SQL,
		Quality:   raw.DatasetsQuality,
		RowCount:  raw.ResultRowCount,
		RequestID: raw.RequestID,
		Subject:   raw.Subject,
	}), nil
}
