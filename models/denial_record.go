package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DenialRecord is persisted instead of an evidence pack when policy says DENY.
// It never carries SQL or a hash.
type DenialRecord struct {
	ID             uuid.UUID       `json:"denial_id" db:"id"`
	Timestamp      time.Time       `json:"timestamp" db:"timestamp"`
	Decision       Decision        `json:"decision" db:"decision"`
	ReasonCode     string          `json:"reason_code" db:"reason_code"`
	Reason         string          `json:"reason" db:"reason"`
	Alternative    string          `json:"alternative,omitempty" db:"alternative"`
	DslPlan        json.RawMessage `json:"dsl_plan" db:"dsl_plan"`
	MatchedRules   []string        `json:"matched_rules,omitempty" db:"matched_rules"`
	RulesetVersion string          `json:"ruleset_version" db:"ruleset_version"`
	CatalogVersion string          `json:"catalog_version" db:"catalog_version"`
	Subject        string          `json:"subject,omitempty" db:"subject"`
	RequestID      string          `json:"request_id,omitempty" db:"request_id"`
}

// TableName returns the table name for the DenialRecord model
func (DenialRecord) TableName() string {
	return "denial_records"
}

// WithRequest sets request metadata
func (d *DenialRecord) WithRequest(requestID, subject string) *DenialRecord {
	d.RequestID = requestID
	d.Subject = subject
	return d
}
