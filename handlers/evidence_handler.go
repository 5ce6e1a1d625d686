package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/internal/observability"
	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/evidence"
	"github.com/upb/analytics-control-plane/utils"
)

const defaultListLimit = 50

// EvidenceReader reads persisted evidence
type EvidenceReader interface {
	GetPack(ctx context.Context, id uuid.UUID) (*models.EvidencePack, error)
	GetDenial(ctx context.Context, id uuid.UUID) (*models.DenialRecord, error)
	ListPacksBySQLHash(ctx context.Context, sqlHash string, limit int) ([]*models.EvidencePack, error)
	ListDenials(ctx context.Context, limit, offset int) ([]*models.DenialRecord, error)
}

// ListEvidenceQuery are the query parameters of GET /api/v1/evidence
type ListEvidenceQuery struct {
	SQLHash string `json:"sql_hash" validate:"required,len=64,hexadecimal"`
	Limit   int    `json:"limit" validate:"gte=1,lte=500"`
}

// ListDenialsQuery are the query parameters of GET /api/v1/evidence/denials
type ListDenialsQuery struct {
	Limit  int `json:"limit" validate:"gte=1,lte=500"`
	Offset int `json:"offset" validate:"gte=0"`
}

// EvidenceListResponse lists packs that compiled to the same SQL
type EvidenceListResponse struct {
	SQLHash       string                 `json:"sql_hash"`
	Count         int                    `json:"count"`
	EvidencePacks []*models.EvidencePack `json:"evidence_packs"`
}

// DenialListResponse is one page of denial records, newest first
type DenialListResponse struct {
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
	Denials []*models.DenialRecord `json:"denials"`
}

// EvidenceHandler serves stored evidence packs and denial records
type EvidenceHandler struct {
	repo   EvidenceReader
	logger *zap.Logger
}

// NewEvidenceHandler creates a new EvidenceHandler
func NewEvidenceHandler(repo EvidenceReader, logger *zap.Logger) *EvidenceHandler {
	return &EvidenceHandler{
		repo:   repo,
		logger: logger,
	}
}

// HandleGet handles GET /api/v1/evidence/{id}. The id may name a pack or a denial record.
func (h *EvidenceHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithRequest(ctx, h.logger)

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeValidation, "evidence id must be a UUID", err), logger)
		return
	}

	pack, err := h.repo.GetPack(ctx, id)
	if err == nil {
		_ = utils.WriteOK(w, pack)
		return
	}
	if !services.IsNotFoundError(err) {
		HandleServiceError(w, err, logger)
		return
	}

	denial, err := h.repo.GetDenial(ctx, id)
	if err != nil {
		if services.IsNotFoundError(err) {
			err = services.NewDomainError(services.ErrorTypeNotFound, "evidence record not found", nil).
				WithDetail("id", id.String())
		}
		HandleServiceError(w, err, logger)
		return
	}
	_ = utils.WriteOK(w, denial)
}

// HandleList handles GET /api/v1/evidence?sql_hash=&limit=
func (h *EvidenceHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithRequest(ctx, h.logger)

	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	q := ListEvidenceQuery{SQLHash: r.URL.Query().Get("sql_hash"), Limit: limit}
	if err := utils.ValidateStruct(&q); err != nil {
		HandleValidationError(w, err, logger)
		return
	}

	packs, err := h.repo.ListPacksBySQLHash(ctx, q.SQLHash, q.Limit)
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}
	if packs == nil {
		packs = []*models.EvidencePack{}
	}
	_ = utils.WriteOK(w, EvidenceListResponse{SQLHash: q.SQLHash, Count: len(packs), EvidencePacks: packs})
}

// HandleListDenials handles GET /api/v1/evidence/denials?limit=&offset=
func (h *EvidenceHandler) HandleListDenials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithRequest(ctx, h.logger)

	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	q := ListDenialsQuery{Limit: limit, Offset: offset}
	if err := utils.ValidateStruct(&q); err != nil {
		HandleValidationError(w, err, logger)
		return
	}

	denials, err := h.repo.ListDenials(ctx, q.Limit, q.Offset)
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}
	if denials == nil {
		denials = []*models.DenialRecord{}
	}
	_ = utils.WriteOK(w, DenialListResponse{Limit: q.Limit, Offset: q.Offset, Denials: denials})
}

// HandleVerify handles POST /api/v1/evidence/verify. The body is an evidence pack as
// returned by the API; its SQL hash is recomputed and compared.
func (h *EvidenceHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	logger := observability.WithRequest(r.Context(), h.logger)

	var raw json.RawMessage
	if err := utils.DecodeJSON(r, &raw); err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	pack, err := models.UnmarshalEvidencePack(raw)
	if err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	if pack.SQL() == "" || pack.SQLHash() == "" {
		HandleServiceError(w, services.NewDomainError(services.ErrorTypeValidation, "evidence pack must carry sql and sql_hash", nil), logger)
		return
	}

	result := evidence.Verify(pack)
	if !result.Valid {
		logger.Warn("evidence pack failed verification",
			zap.String("evidence_pack_id", pack.ID().String()),
			zap.String("sql_hash", result.SQLHash),
			zap.String("recomputed_hash", result.RecomputedHash))
	}
	_ = utils.WriteOK(w, result)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, services.NewDomainError(services.ErrorTypeValidation, name+" must be an integer", err)
	}
	return n, nil
}
