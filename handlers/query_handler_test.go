package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/middleware"
	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/services/compiler"
	"github.com/upb/analytics-control-plane/services/governance"
	"github.com/upb/analytics-control-plane/services/pipeline"
	"github.com/upb/analytics-control-plane/services/policy"
	"github.com/upb/analytics-control-plane/utils"
)

// MockQueryRunner is a mock implementation of QueryRunner
type MockQueryRunner struct {
	mock.Mock
}

func (m *MockQueryRunner) Run(ctx context.Context, req pipeline.Request, opts pipeline.Options) (*pipeline.Result, error) {
	args := m.Called(ctx, req, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Result), args.Error(1)
}

func (m *MockQueryRunner) DefaultOptions() pipeline.Options {
	return m.Called().Get(0).(pipeline.Options)
}

var analyst = models.CallerContext{Subject: "u-analyst", Role: "analyst"}

func queryRequest(body string, caller *models.CallerContext) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/queries", strings.NewReader(body))
	if caller != nil {
		req = req.WithContext(middleware.WithCaller(req.Context(), *caller))
	}
	return req
}

func TestQueryHandler_RequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		caller *models.CallerContext
		status int
	}{
		{"no caller", `{"plan":{"metrics":["net_income"]}}`, nil, http.StatusUnauthorized},
		{"empty body", ``, &analyst, http.StatusBadRequest},
		{"missing plan", `{}`, &analyst, http.StatusBadRequest},
		{"unknown top-level field", `{"plan":{"metrics":["net_income"]},"sql":"DROP TABLE x"}`, &analyst, http.StatusBadRequest},
		{"bad intent", `{"plan":{"metrics":["net_income"],"intent":"dashboard"}}`, &analyst, http.StatusBadRequest},
		{"negative limit", `{"plan":{"metrics":["net_income"],"limit":-1}}`, &analyst, http.StatusBadRequest},
		{"bad sort direction", `{"plan":{"metrics":["net_income"],"sort":[{"field":"year","direction":"sideways"}]}}`, &analyst, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := new(MockQueryRunner)
			runner.On("DefaultOptions").Return(pipeline.Options{})
			h := NewQueryHandler(runner, zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleRun(w, queryRequest(tt.body, tt.caller))

			assert.Equal(t, tt.status, w.Code)
			runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestQueryHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"catalog resolution", services.NewCatalogResolutionError("unknown metric", services.ErrUnknownMetric), http.StatusUnprocessableEntity},
		{"compilation", services.NewCompilationError("unsatisfiable", services.ErrUnsatisfiablePlan), http.StatusUnprocessableEntity},
		{"execution", services.NewExecutionError("abc", errors.New("timeout")), http.StatusBadGateway},
		{"recorder", services.WrapInternal("failed to record evidence pack", services.ErrRecorderFull), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := new(MockQueryRunner)
			runner.On("DefaultOptions").Return(pipeline.Options{Execute: true})
			runner.On("Run", mock.Anything, mock.Anything, pipeline.Options{Execute: true}).
				Return(&pipeline.Result{State: pipeline.StateFailed}, tt.err)
			h := NewQueryHandler(runner, zap.NewNop())

			w := httptest.NewRecorder()
			h.HandleRun(w, queryRequest(`{"plan":{"metrics":["net_income"]}}`, &analyst))

			assert.Equal(t, tt.status, w.Code)
			runner.AssertExpectations(t)
		})
	}
}

func TestQueryHandler_CompileNeverExecutes(t *testing.T) {
	runner := new(MockQueryRunner)
	runner.On("Run", mock.Anything, mock.MatchedBy(func(req pipeline.Request) bool {
		return req.Caller.Role == "analyst" && req.Plan != nil && req.Plan.Metrics[0] == "net_income"
	}), pipeline.Options{Execute: false}).Return(&pipeline.Result{State: pipeline.StatePackaged, SQL: "SELECT 1"}, nil)
	h := NewQueryHandler(runner, zap.NewNop())

	w := httptest.NewRecorder()
	h.HandleCompile(w, queryRequest(`{"plan":{"metrics":["net_income"]}}`, &analyst))

	assert.Equal(t, http.StatusOK, w.Code)
	runner.AssertExpectations(t)
	runner.AssertNotCalled(t, "DefaultOptions")
}

func newRealQueryHandler(t *testing.T) *QueryHandler {
	t.Helper()
	logger := zap.NewNop()
	cat, err := catalog.Default()
	require.NoError(t, err)
	rs, err := policy.DefaultRuleSet()
	require.NoError(t, err)
	cache, err := compiler.NewQueryCache(8)
	require.NoError(t, err)

	rules := policy.NewStaticStore(rs, logger)
	o := pipeline.NewOrchestrator(pipeline.Deps{
		Snapshots: governance.NewReloader(catalog.NewStaticStore(cat, logger), rules, nil, logger),
		Policy:    policy.NewPolicyService(rules, policy.NewEngine(0), logger),
		Compiler:  compiler.NewCompilerService(compiler.NewCompiler(compiler.Options{}), cache, logger),
	}, pipeline.Config{}, logger)
	return NewQueryHandler(o, logger)
}

func TestQueryHandler_EndToEnd(t *testing.T) {
	h := newRealQueryHandler(t)

	t.Run("allowed plan is packaged", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleRun(w, queryRequest(`{"plan":{"metrics":["net_income"],"dimensions":["quarter"],"time_range":{"start":"2020-01-01"}}}`, &analyst))

		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var body map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.JSONEq(t, `"PACKAGED"`, string(body["state"]))
		assert.Contains(t, string(body["sql"]), "SELECT")

		pack, err := models.UnmarshalEvidencePack(body["evidence_pack"])
		require.NoError(t, err)
		_, executed := pack.ResultRowCount()
		assert.False(t, executed, "no analytics engine is configured")
		assert.Equal(t, "u-analyst", pack.Subject())
	})

	t.Run("sensitive metric is denied with a denial record", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleRun(w, queryRequest(`{"plan":{"metrics":["complaint_narrative"]}}`, &analyst))

		require.Equal(t, http.StatusForbidden, w.Code)
		var denial models.DenialRecord
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &denial))
		assert.Equal(t, models.DecisionDeny, denial.Decision)
		assert.Equal(t, "SENSITIVE_FIELD_DENIED", denial.ReasonCode)
		assert.NotContains(t, w.Body.String(), `"sql"`)
	})

	t.Run("unknown metric is unprocessable", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleRun(w, queryRequest(`{"plan":{"metrics":["does_not_exist"]}}`, &analyst))

		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		var response utils.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "unprocessable_entity", response.Error)
	})
}
