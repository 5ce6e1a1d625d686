package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/services/compiler"
	"github.com/upb/analytics-control-plane/services/evidence"
	"github.com/upb/analytics-control-plane/services/governance"
	"github.com/upb/analytics-control-plane/services/policy"
)

type fakeExecutor struct {
	rows  int64
	err   error
	block bool
	calls int
}

func (f *fakeExecutor) Execute(ctx context.Context, q *models.CompiledQuery) (int64, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return f.rows, f.err
}

type fakeRecorder struct {
	mu      sync.Mutex
	packs   []*models.EvidencePack
	denials []*models.DenialRecord
	err     error
}

func (f *fakeRecorder) RecordPack(ctx context.Context, pack *models.EvidencePack) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.packs = append(f.packs, pack)
	return nil
}

func (f *fakeRecorder) RecordDenial(ctx context.Context, record *models.DenialRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.denials = append(f.denials, record)
	return nil
}

func newTestOrchestrator(t *testing.T, exec Executor, rec Recorder, cfg Config) *Orchestrator {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	rs, err := policy.DefaultRuleSet()
	require.NoError(t, err)
	logger := zap.NewNop()

	cache, err := compiler.NewQueryCache(16)
	require.NoError(t, err)

	rules := policy.NewStaticStore(rs, logger)
	deps := Deps{
		Snapshots: governance.NewReloader(catalog.NewStaticStore(cat, logger), rules, nil, logger),
		Policy:    policy.NewPolicyService(rules, policy.NewEngine(0), logger),
		Compiler:  compiler.NewCompilerService(compiler.NewCompiler(compiler.Options{}), cache, logger),
		Executor:  exec,
		Recorder:  rec,
	}
	return NewOrchestrator(deps, cfg, logger)
}

func netIncomeRequest() Request {
	return Request{
		Plan: &models.DslPlan{
			Metrics:    []string{"net_income"},
			Dimensions: []string{"quarter"},
			TimeRange:  &models.TimeRange{Start: "2020-01-01"},
		},
		Caller:    models.CallerContext{Subject: "u-analyst", Role: "analyst"},
		RequestID: "req-1",
	}
}

func states(res *Result) []State {
	out := make([]State, 0, len(res.History))
	for _, tr := range res.History {
		out = append(out, tr.To)
	}
	return out
}

func TestOrchestrator_Run_Packaged(t *testing.T) {
	exec := &fakeExecutor{rows: 22}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, exec, rec, Config{ExecutionTimeout: time.Second})

	res, err := o.Run(context.Background(), netIncomeRequest(), o.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StatePackaged, res.State)
	assert.Equal(t, []State{StateResolved, StatePolicyEvaluated, StateCompiled, StateExecuted, StatePackaged}, states(res))
	assert.Equal(t, models.DecisionAllow, res.Decision.Decision)
	require.NotNil(t, res.Pack)
	assert.Nil(t, res.Denial)

	n, ok := res.Pack.ResultRowCount()
	assert.True(t, ok)
	assert.Equal(t, int64(22), n)
	assert.Equal(t, res.SQL, res.Pack.SQL())
	assert.Equal(t, evidence.HashSQL(res.Query.Canonical), res.Pack.SQLHash())
	assert.Equal(t, "req-1", res.Pack.RequestID())

	require.Len(t, rec.packs, 1)
	assert.Same(t, res.Pack, rec.packs[0])

	stats := o.Stats()
	assert.Equal(t, uint64(1), stats.Total)
	assert.Equal(t, uint64(1), stats.Outcomes["PACKAGED"])
}

func TestOrchestrator_Run_CompileOnly(t *testing.T) {
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, nil, rec, Config{})

	res, err := o.Run(context.Background(), netIncomeRequest(), o.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, []State{StateResolved, StatePolicyEvaluated, StateCompiled, StatePackaged}, states(res))
	_, ok := res.Pack.ResultRowCount()
	assert.False(t, ok)

	t.Run("execution without an engine is rejected", func(t *testing.T) {
		res, err := o.Run(context.Background(), netIncomeRequest(), Options{Execute: true})
		require.Error(t, err)
		assert.True(t, services.IsValidationError(err))
		assert.Equal(t, StateFailed, res.State)
		assert.Nil(t, res.Pack)
	})
}

func TestOrchestrator_Run_Denied(t *testing.T) {
	exec := &fakeExecutor{}
	rec := &fakeRecorder{}
	o := newTestOrchestrator(t, exec, rec, Config{})

	req := Request{
		Plan:      &models.DslPlan{Metrics: []string{"complaint_narrative"}},
		Caller:    models.CallerContext{Subject: "u-analyst", Role: "analyst"},
		RequestID: "req-2",
	}
	res, err := o.Run(context.Background(), req, o.DefaultOptions())
	require.NoError(t, err)

	assert.Equal(t, StateDenied, res.State)
	assert.Equal(t, []State{StateResolved, StatePolicyEvaluated, StateDenied}, states(res))
	assert.Empty(t, res.SQL)
	assert.Nil(t, res.Pack)
	require.NotNil(t, res.Denial)
	assert.Equal(t, "SENSITIVE_FIELD_DENIED", res.Denial.ReasonCode)
	assert.Equal(t, "Try a query without narrative fields, or request access elevation.", res.Denial.Alternative)
	assert.Equal(t, "req-2", res.Denial.RequestID)
	assert.Equal(t, 0, exec.calls, "denied requests never reach the engine")

	require.Len(t, rec.denials, 1)
	assert.Empty(t, rec.packs)
}

func TestOrchestrator_Run_Failures(t *testing.T) {
	t.Run("unknown metric", func(t *testing.T) {
		rec := &fakeRecorder{}
		o := newTestOrchestrator(t, nil, rec, Config{})
		req := netIncomeRequest()
		req.Plan.Metrics = []string{"no_such_metric"}

		res, err := o.Run(context.Background(), req, Options{})
		require.Error(t, err)
		assert.True(t, services.IsCatalogResolutionError(err))
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, []State{StateFailed}, states(res))
		assert.Empty(t, rec.packs)
		assert.Empty(t, rec.denials)
		assert.Equal(t, uint64(1), o.Stats().Outcomes["FAILED"])
	})

	t.Run("missing plan", func(t *testing.T) {
		o := newTestOrchestrator(t, nil, nil, Config{})
		res, err := o.Run(context.Background(), Request{}, Options{})
		assert.True(t, services.IsValidationError(err))
		assert.Equal(t, StateFailed, res.State)
	})

	t.Run("engine error", func(t *testing.T) {
		rec := &fakeRecorder{}
		o := newTestOrchestrator(t, &fakeExecutor{err: errors.New("connection reset")}, rec, Config{})

		res, err := o.Run(context.Background(), netIncomeRequest(), Options{Execute: true})
		require.Error(t, err)
		assert.True(t, services.IsExecutionError(err))
		assert.Equal(t, evidence.HashSQL(res.Query.Canonical), services.GetErrorDetails(err)["sql_hash"])
		assert.Equal(t, []State{StateResolved, StatePolicyEvaluated, StateCompiled, StateFailed}, states(res))
		assert.Nil(t, res.Pack)
		assert.Empty(t, rec.packs)
	})

	t.Run("engine timeout", func(t *testing.T) {
		o := newTestOrchestrator(t, &fakeExecutor{block: true}, nil, Config{ExecutionTimeout: 20 * time.Millisecond})

		_, err := o.Run(context.Background(), netIncomeRequest(), Options{Execute: true})
		require.Error(t, err)
		assert.True(t, services.IsExecutionError(err))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("recorder error surfaces as internal", func(t *testing.T) {
		rec := &fakeRecorder{err: services.ErrRecorderFull}
		o := newTestOrchestrator(t, nil, rec, Config{})

		res, err := o.Run(context.Background(), netIncomeRequest(), Options{})
		require.Error(t, err)
		assert.True(t, services.IsInternalError(err))
		assert.Equal(t, StatePackaged, res.State)
		assert.NotNil(t, res.Pack)
	})
}

func TestOrchestrator_Run_Deterministic(t *testing.T) {
	o := newTestOrchestrator(t, nil, nil, Config{})

	first, err := o.Run(context.Background(), netIncomeRequest(), Options{})
	require.NoError(t, err)
	second, err := o.Run(context.Background(), netIncomeRequest(), Options{})
	require.NoError(t, err)

	assert.Equal(t, first.SQL, second.SQL)
	assert.False(t, evidence.Drifted(first.Pack, second.Pack))
	assert.NotEqual(t, first.Pack.ID(), second.Pack.ID())
}
