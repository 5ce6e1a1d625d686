package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/compiler"
)

// Clock returns the capture time for new records.
type Clock func() time.Time

// IDGenerator returns identifiers for new records.
type IDGenerator func() uuid.UUID

// NewID returns a time-ordered UUIDv7, falling back to a random UUID.
func NewID() uuid.UUID {
	if id, err := uuid.NewV7(); err == nil {
		return id
	}
	return uuid.New()
}

// Builder assembles evidence packs and denial records.
type Builder struct {
	now   Clock
	newID IDGenerator
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(b *Builder) { b.now = c }
}

// WithIDGenerator replaces the UUIDv7 generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(b *Builder) { b.newID = g }
}

// NewBuilder creates a builder using the wall clock and UUIDv7 ids unless overridden.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{now: time.Now, newID: NewID}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Input is everything a pack binds together.
type Input struct {
	Plan      *models.DslPlan
	Decision  *models.PolicyDecision
	Query     *models.CompiledQuery
	Quality   []models.DatasetQuality
	RowCount  *int64
	RequestID string
	Subject   string
}

// HashSQL returns the lowercase hex SHA-256 of canonical SQL bytes.
func HashSQL(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Build creates an immutable pack. Packaging a DENY, or packaging without SQL, is a
// defect and fails rather than producing a partial record.
func (b *Builder) Build(in Input) (*models.EvidencePack, error) {
	if in.Decision == nil {
		return nil, services.NewEvidenceConstructionError("evidence pack needs a policy decision", nil)
	}
	if in.Decision.IsDenied() {
		return nil, services.NewEvidenceConstructionError("evidence pack requested for a DENY decision", services.ErrPackagingDenied)
	}
	if in.Query == nil || in.Query.SQL == "" {
		return nil, services.NewEvidenceConstructionError("evidence pack needs compiled SQL", nil)
	}
	if in.Plan == nil {
		return nil, services.NewEvidenceConstructionError("evidence pack needs the plan", nil)
	}
	if in.RowCount != nil && *in.RowCount < 0 {
		return nil, services.NewEvidenceConstructionError(fmt.Sprintf("negative row count %d", *in.RowCount), nil)
	}

	plan, err := compiler.CanonicalJSON(in.Plan)
	if err != nil {
		return nil, services.NewEvidenceConstructionError("plan could not be serialised", err)
	}
	canonical := in.Query.Canonical
	if len(canonical) == 0 {
		canonical = norm.NFC.Bytes([]byte(in.Query.SQL))
	}

	return models.NewEvidencePack(models.EvidencePackParams{
		ID:        b.newID(),
		Timestamp: b.now().UTC(),
		Plan:      plan,
		Decision:  *in.Decision,
		SQLHash:   HashSQL(canonical),
		SQL:       string(canonical),
		Quality:   in.Quality,
		RowCount:  in.RowCount,
		RequestID: in.RequestID,
		Subject:   in.Subject,
	}), nil
}

// NewDenialRecord records a DENY. It carries the decision and reason only.
func (b *Builder) NewDenialRecord(plan *models.DslPlan, decision *models.PolicyDecision, requestID, subject string) (*models.DenialRecord, error) {
	if decision == nil || !decision.IsDenied() {
		got := "no decision"
		if decision != nil {
			got = string(decision.Decision)
		}
		return nil, services.NewEvidenceConstructionError("denial record requested for "+got, nil)
	}
	var raw []byte
	if plan != nil {
		var err error
		if raw, err = compiler.CanonicalJSON(plan); err != nil {
			return nil, services.NewEvidenceConstructionError("plan could not be serialised", err)
		}
	}
	record := &models.DenialRecord{
		ID:             b.newID(),
		Timestamp:      b.now().UTC(),
		Decision:       models.DecisionDeny,
		ReasonCode:     decision.ReasonCode,
		Reason:         decision.Reason,
		Alternative:    decision.Alternative,
		DslPlan:        raw,
		MatchedRules:   append([]string{}, decision.MatchedRules...),
		RulesetVersion: decision.RulesetVersion,
		CatalogVersion: decision.CatalogVersion,
	}
	return record.WithRequest(requestID, subject), nil
}

// RecordRowCount attaches the post-execution row count. It may be called once per pack.
func RecordRowCount(pack *models.EvidencePack, n int64) error {
	if n < 0 {
		return services.NewEvidenceConstructionError(fmt.Sprintf("negative row count %d", n), nil)
	}
	if err := pack.SetResultRowCount(n); err != nil {
		return services.NewEvidenceConstructionError("row count already recorded", err).
			WithDetail("evidence_pack_id", pack.ID().String())
	}
	return nil
}

// VerifyResult compares a pack's stored hash with one recomputed from its SQL.
type VerifyResult struct {
	Valid          bool   `json:"valid"`
	SQLHash        string `json:"sql_hash"`
	RecomputedHash string `json:"recomputed_hash"`
}

// Verify recomputes the SQL hash of pack.
func Verify(pack *models.EvidencePack) VerifyResult {
	recomputed := HashSQL(norm.NFC.Bytes([]byte(pack.SQL())))
	return VerifyResult{
		Valid:          recomputed == pack.SQLHash(),
		SQLHash:        pack.SQLHash(),
		RecomputedHash: recomputed,
	}
}

// Drifted reports whether two packs for the same request produced different SQL.
func Drifted(a, b *models.EvidencePack) bool {
	return a.SQLHash() != b.SQLHash()
}
