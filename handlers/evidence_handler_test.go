package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/repositories"
	"github.com/upb/analytics-control-plane/repositories/memory"
	"github.com/upb/analytics-control-plane/services/evidence"
)

var stamp = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func storedPack(t *testing.T, repo repositories.EvidenceRepository, sql string) *models.EvidencePack {
	t.Helper()
	pack := models.NewEvidencePack(models.EvidencePackParams{
		ID:        uuid.New(),
		Timestamp: stamp,
		Plan:      json.RawMessage(`{"metrics":["net_income@1.0.0"]}`),
		Decision:  models.PolicyDecision{Decision: models.DecisionAllow, ReasonCode: "POLICY_ALLOW"},
		SQLHash:   evidence.HashSQL([]byte(sql)),
		SQL:       sql,
	})
	require.NoError(t, repo.InsertPack(context.Background(), pack))
	return pack
}

func newEvidenceRouter(repo EvidenceReader) http.Handler {
	h := NewEvidenceHandler(repo, zap.NewNop())
	r := chi.NewRouter()
	r.Get("/evidence", h.HandleList)
	r.Get("/evidence/denials", h.HandleListDenials)
	r.Post("/evidence/verify", h.HandleVerify)
	r.Get("/evidence/{id}", h.HandleGet)
	return r
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, target, strings.NewReader(body)))
	return w
}

func TestEvidenceHandler_Get(t *testing.T) {
	repo := memory.NewEvidenceRepository(memory.NewStore())
	pack := storedPack(t, repo, "SELECT 1")
	denial := &models.DenialRecord{ID: uuid.New(), Timestamp: stamp, Decision: models.DecisionDeny, ReasonCode: "SENSITIVE_FIELD_DENIED"}
	require.NoError(t, repo.InsertDenial(context.Background(), denial))
	router := newEvidenceRouter(repo)

	t.Run("pack", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence/"+pack.ID().String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		got, err := models.UnmarshalEvidencePack(w.Body.Bytes())
		require.NoError(t, err)
		assert.Equal(t, pack.SQLHash(), got.SQLHash())
	})

	t.Run("denial", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence/"+denial.ID.String(), "")
		require.Equal(t, http.StatusOK, w.Code)
		var got models.DenialRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "SENSITIVE_FIELD_DENIED", got.ReasonCode)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence/"+uuid.NewString(), "")
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence/not-a-uuid", "")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

type failingReader struct {
	EvidenceReader
}

func (failingReader) GetPack(ctx context.Context, id uuid.UUID) (*models.EvidencePack, error) {
	return nil, errors.New("connection refused")
}

func TestEvidenceHandler_Get_StoreFailure(t *testing.T) {
	w := serve(newEvidenceRouter(failingReader{}), http.MethodGet, "/evidence/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "connection refused")
}

func TestEvidenceHandler_List(t *testing.T) {
	repo := memory.NewEvidenceRepository(memory.NewStore())
	first := storedPack(t, repo, "SELECT 1")
	storedPack(t, repo, "SELECT 1")
	storedPack(t, repo, "SELECT 2")
	router := newEvidenceRouter(repo)

	t.Run("packs sharing a hash", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence?sql_hash="+first.SQLHash(), "")
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			SQLHash       string            `json:"sql_hash"`
			Count         int               `json:"count"`
			EvidencePacks []json.RawMessage `json:"evidence_packs"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, first.SQLHash(), body.SQLHash)
		assert.Equal(t, 2, body.Count)
		assert.Len(t, body.EvidencePacks, 2)
	})

	t.Run("limit", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence?limit=1&sql_hash="+first.SQLHash(), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
	})

	t.Run("no matches is an empty list", func(t *testing.T) {
		w := serve(router, http.MethodGet, "/evidence?sql_hash="+strings.Repeat("0", 64), "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"evidence_packs":[]`)
	})

	tests := []struct {
		name  string
		query string
	}{
		{"missing hash", ""},
		{"short hash", "?sql_hash=abc"},
		{"non-hex hash", "?sql_hash=" + strings.Repeat("z", 64)},
		{"non-numeric limit", "?limit=ten&sql_hash=" + first.SQLHash()},
		{"limit too large", "?limit=501&sql_hash=" + first.SQLHash()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, http.MethodGet, "/evidence"+tt.query, "")
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestEvidenceHandler_ListDenials(t *testing.T) {
	repo := memory.NewEvidenceRepository(memory.NewStore())
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.InsertDenial(context.Background(), &models.DenialRecord{
			ID: uuid.New(), Timestamp: stamp.Add(time.Duration(i) * time.Minute), Decision: models.DecisionDeny, ReasonCode: "ANONYMOUS_CALLER",
		}))
	}
	router := newEvidenceRouter(repo)

	w := serve(router, http.MethodGet, "/evidence/denials?limit=2&offset=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var page DenialListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Limit)
	assert.Equal(t, 1, page.Offset)
	assert.Len(t, page.Denials, 2)

	w = serve(router, http.MethodGet, "/evidence/denials?offset=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvidenceHandler_Verify(t *testing.T) {
	repo := memory.NewEvidenceRepository(memory.NewStore())
	pack := storedPack(t, repo, "SELECT state, COUNT(*) FROM dp_complaints GROUP BY state")
	body, err := json.Marshal(pack)
	require.NoError(t, err)
	router := newEvidenceRouter(repo)

	t.Run("untouched pack verifies", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/evidence/verify", string(body))
		require.Equal(t, http.StatusOK, w.Code)

		var result evidence.VerifyResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.True(t, result.Valid)
		assert.Equal(t, pack.SQLHash(), result.RecomputedHash)
	})

	t.Run("edited SQL is detected", func(t *testing.T) {
		tampered := strings.Replace(string(body), "GROUP BY state", "GROUP BY state LIMIT 1", 1)
		w := serve(router, http.MethodPost, "/evidence/verify", tampered)
		require.Equal(t, http.StatusOK, w.Code)

		var result evidence.VerifyResult
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		assert.False(t, result.Valid)
		assert.NotEqual(t, result.SQLHash, result.RecomputedHash)
	})

	t.Run("not a pack", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/evidence/verify", `{"evidence_pack_id":"x"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("pack without sql", func(t *testing.T) {
		w := serve(router, http.MethodPost, "/evidence/verify", `{"evidence_pack_id":"`+uuid.NewString()+`"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
