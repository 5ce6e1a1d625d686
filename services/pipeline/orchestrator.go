package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/internal/observability"
	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/services/evidence"
	"github.com/upb/analytics-control-plane/services/policy"
)

// SnapshotSource hands out the active catalog together with the rule set published
// beside it.
type SnapshotSource interface {
	Snapshot() (*catalog.Catalog, *policy.RuleSet)
}

// PolicyEvaluator decides resolved plans.
type PolicyEvaluator interface {
	EvaluateWith(ctx context.Context, rs *policy.RuleSet, plan *catalog.ResolvedPlan, caller models.CallerContext) *models.PolicyDecision
}

// QueryCompiler renders SQL under policy constraints.
type QueryCompiler interface {
	Compile(r *catalog.ResolvedPlan, cons models.Constraints) (*models.CompiledQuery, error)
}

// Executor runs compiled SQL on the external analytics engine and returns the row count.
type Executor interface {
	Execute(ctx context.Context, q *models.CompiledQuery) (int64, error)
}

// Recorder persists evidence. Only packaged and denied outcomes are recorded.
type Recorder interface {
	RecordPack(ctx context.Context, pack *models.EvidencePack) error
	RecordDenial(ctx context.Context, record *models.DenialRecord) error
}

// Config tunes the orchestrator.
type Config struct {
	ExecutionTimeout time.Duration
	Resolve          catalog.Options
	Now              func() time.Time
}

// Request is one analytics request.
type Request struct {
	Plan      *models.DslPlan
	Caller    models.CallerContext
	RequestID string
}

// Options select per-run behaviour.
type Options struct {
	Execute bool
}

// Result is what a run produced. Exactly one of Pack and Denial is set unless the run failed.
type Result struct {
	RequestID string                 `json:"request_id,omitempty"`
	State     State                  `json:"state"`
	History   []Transition           `json:"history"`
	Decision  *models.PolicyDecision `json:"decision,omitempty"`
	SQL       string                 `json:"sql,omitempty"`
	Pack      *models.EvidencePack   `json:"evidence_pack,omitempty"`
	Denial    *models.DenialRecord   `json:"denial,omitempty"`

	Resolved *catalog.ResolvedPlan  `json:"-"`
	Query    *models.CompiledQuery `json:"-"`
}

// Orchestrator sequences resolve, evaluate, compile, execute and package for each request.
// It holds no per-request state.
type Orchestrator struct {
	snapshots SnapshotSource
	policy    PolicyEvaluator
	compiler  QueryCompiler
	executor  Executor
	recorder  Recorder
	builder   *evidence.Builder
	counters  *observability.Counters
	cfg       Config
	logger    *zap.Logger
}

// Deps are the orchestrator's collaborators. Executor and Recorder may be nil.
type Deps struct {
	Snapshots SnapshotSource
	Policy    PolicyEvaluator
	Compiler  QueryCompiler
	Executor  Executor
	Recorder  Recorder
	Builder   *evidence.Builder
	Counters  *observability.Counters
}

// NewOrchestrator creates a new Orchestrator instance
func NewOrchestrator(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Builder == nil {
		deps.Builder = evidence.NewBuilder()
	}
	if deps.Counters == nil {
		deps.Counters = observability.NewCounters()
	}
	return &Orchestrator{
		snapshots: deps.Snapshots,
		policy:    deps.Policy,
		compiler:  deps.Compiler,
		executor:  deps.Executor,
		recorder:  deps.Recorder,
		builder:   deps.Builder,
		counters:  deps.Counters,
		cfg:       cfg,
		logger:    logger,
	}
}

// DefaultOptions executes whenever an analytics engine is configured.
func (o *Orchestrator) DefaultOptions() Options {
	return Options{Execute: o.executor != nil}
}

// Stats returns the outcome counters.
func (o *Orchestrator) Stats() observability.OutcomeStats {
	return o.counters.Snapshot()
}

// Run takes one request to a terminal state. A DENY is a result, not an error. A FAILED
// run returns the partial result together with the error that stopped it; no evidence
// pack is produced for it.
func (o *Orchestrator) Run(ctx context.Context, req Request, opts Options) (*Result, error) {
	start := o.cfg.Now()
	rn := newRun(o.cfg.Now)
	res := &Result{RequestID: req.RequestID}
	logger := o.logger.With(zap.String("request_id", req.RequestID), zap.String("role", req.Caller.Role))

	defer func() {
		res.State = rn.state
		res.History = rn.history
		o.counters.RecordOutcome(string(rn.state), o.cfg.Now().Sub(start))
	}()

	fail := func(stage string, err error) (*Result, error) {
		rn.fail()
		logger.Warn("pipeline failed",
			zap.String("stage", stage),
			zap.String("error_type", string(services.GetErrorType(err))),
			zap.Error(err),
		)
		return res, err
	}

	if req.Plan == nil {
		return fail("resolve", services.NewDomainError(services.ErrorTypeValidation, "plan is required", nil))
	}

	// One pair per request, so a concurrent reload cannot mix versions.
	cat, rs := o.snapshots.Snapshot()

	resolved, err := cat.Resolve(req.Plan, o.cfg.Resolve)
	if err != nil {
		return fail("resolve", err)
	}
	res.Resolved = resolved
	if err := rn.advance(StateResolved); err != nil {
		return fail("resolve", err)
	}

	decision := o.policy.EvaluateWith(ctx, rs, resolved, req.Caller)
	res.Decision = decision
	if err := rn.advance(StatePolicyEvaluated); err != nil {
		return fail("policy", err)
	}

	if decision.IsDenied() {
		record, err := o.builder.NewDenialRecord(resolved.Plan, decision, req.RequestID, req.Caller.Subject)
		if err != nil {
			return fail("deny", err)
		}
		if err := rn.advance(StateDenied); err != nil {
			return fail("deny", err)
		}
		res.Denial = record
		logger.Info("request denied",
			zap.String("reason_code", decision.ReasonCode),
			zap.String("denial_id", record.ID.String()),
		)
		if o.recorder != nil {
			if err := o.recorder.RecordDenial(ctx, record); err != nil {
				logger.Error("failed to record denial", zap.String("denial_id", record.ID.String()), zap.Error(err))
				return res, services.WrapInternal("failed to record denial", err)
			}
		}
		return res, nil
	}

	query, err := o.compiler.Compile(resolved, decision.Constraints)
	if err != nil {
		return fail("compile", err)
	}
	res.Query = query
	res.SQL = query.SQL
	if err := rn.advance(StateCompiled); err != nil {
		return fail("compile", err)
	}

	var rowCount *int64
	if opts.Execute {
		n, err := o.execute(ctx, query)
		if err != nil {
			return fail("execute", err)
		}
		rowCount = &n
		if err := rn.advance(StateExecuted); err != nil {
			return fail("execute", err)
		}
	}

	pack, err := o.builder.Build(evidence.Input{
		Plan:      resolved.Plan,
		Decision:  decision,
		Query:     query,
		Quality:   resolved.Quality,
		RowCount:  rowCount,
		RequestID: req.RequestID,
		Subject:   req.Caller.Subject,
	})
	if err != nil {
		return fail("package", err)
	}
	if err := rn.advance(StatePackaged); err != nil {
		return fail("package", err)
	}
	res.Pack = pack
	logger.Info("evidence packaged",
		zap.String("decision", string(decision.Decision)),
		zap.String("evidence_pack_id", pack.ID().String()),
		zap.String("sql_hash", pack.SQLHash()),
		zap.Bool("executed", opts.Execute),
	)

	if o.recorder != nil {
		if err := o.recorder.RecordPack(ctx, pack); err != nil {
			logger.Error("failed to record evidence pack", zap.String("evidence_pack_id", pack.ID().String()), zap.Error(err))
			return res, services.WrapInternal("failed to record evidence pack", err)
		}
	}
	return res, nil
}

func (o *Orchestrator) execute(ctx context.Context, query *models.CompiledQuery) (int64, error) {
	hash := evidence.HashSQL(query.Canonical)
	if o.executor == nil {
		return 0, services.NewDomainError(services.ErrorTypeValidation, "query execution is not configured", nil).
			WithDetail("sql_hash", hash)
	}

	if o.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
		defer cancel()
	}
	n, err := o.executor.Execute(ctx, query)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return 0, services.NewExecutionError(hash, err)
	}
	return n, nil
}
