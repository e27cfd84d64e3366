package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/domain/assets/registry"
)

// Lease is the subset of infrastructure/lease.Manager the engine needs for
// the per-instance materialization lease.
type Lease interface {
	WithLease(ctx context.Context, key string, timeout time.Duration, action func(ctx context.Context) error) (acquired bool, err error)
}

// Logger is the minimal ambient logging surface the engine calls into;
// satisfied structurally by pkg/logger.Logger (a *logrus.Logger wrapper).
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Metrics is the minimal observability surface; satisfied by
// infrastructure/metrics.EngineMetrics.
type Metrics interface {
	ObserveTick(d time.Duration)
	IncDecision(reason assets.DecisionReason)
	IncMaterialization(status assets.MaterializationStatus)
}

// Config carries the options that govern the engine's own decision logic
// (loop pacing lives in LoopOptions, not here).
type Config struct {
	LockTimeoutMs        int64
	PostsMaxQueryLength  int
	HTTPSnapshotMaxBytes int
}

func (c Config) lockTimeout() time.Duration {
	if c.LockTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

// Engine is the planner/runner: resolves instances leaf-first, satisfies
// ingest prerequisites, and materializes segments/post corpora as needed.
// Construct with New; the zero value is not usable.
type Engine struct {
	Repo     Repository
	Registry *registry.Registry
	Lease    Lease
	Ingest   *ingest.Planner
	Graph    OperatorInputsAndGraph
	Logger   Logger
	Metrics  Metrics
	Config   Config
}

// New constructs an Engine. All fields are required collaborators; host
// wiring (cmd/assetworker) is responsible for constructing the concrete
// Postgres repository, lease manager, and ingest planner.
func New(repo Repository, reg *registry.Registry, lease Lease, ingestPlanner *ingest.Planner, graph OperatorInputsAndGraph, logger Logger, metrics Metrics, cfg Config) *Engine {
	return &Engine{
		Repo:     repo,
		Registry: reg,
		Lease:    lease,
		Ingest:   ingestPlanner,
		Graph:    graph,
		Logger:   logger,
		Metrics:  metrics,
		Config:   cfg,
	}
}

// run is the per-tick (or per-on-demand-call) execution context: a fresh
// planner_run_id, the in-process memoization map, and an abort signal.
type run struct {
	id      string
	memo    *tickMemo
	signal  context.Context
	jobID   string
}

func newRun(ctx context.Context, jobID string) *run {
	return &run{id: uuid.NewString(), memo: newTickMemo(), signal: ctx, jobID: jobID}
}

// Tick runs one planner pass over all enabled roots and fanout roots (spec
// §6.1). It returns when every root has been attempted; per-instance
// errors are captured in the decision log, never returned from Tick.
func (e *Engine) Tick(ctx context.Context) error {
	started := time.Now()
	r := newRun(ctx, "tick")

	roots, err := e.Repo.ListEnabledRoots(ctx)
	if err != nil {
		return err
	}
	for _, root := range roots {
		if ctx.Err() != nil {
			break
		}
		e.resolveInstance(r, root.InstanceID, "root_tick")
	}

	fanoutRoots, err := e.Repo.ListEnabledFanoutRoots(ctx)
	if err != nil {
		return err
	}
	for _, fr := range fanoutRoots {
		if ctx.Err() != nil {
			break
		}
		e.runFanoutRoot(r, fr)
	}

	if e.Metrics != nil {
		e.Metrics.ObserveTick(time.Since(started))
	}
	return nil
}

// MaterializeInstanceByID materializes a single instance on demand.
func (e *Engine) MaterializeInstanceByID(ctx context.Context, instanceID assets.InstanceID, triggerReason string) (Outcome, error) {
	if triggerReason == "" {
		triggerReason = "on_demand"
	}
	r := newRun(ctx, "on_demand")
	outcome := e.resolveInstance(r, instanceID, triggerReason)
	return outcome, nil
}

// MaterializeParams ensures params/instance exist then materializes.
func (e *Engine) MaterializeParams(ctx context.Context, p assets.Params, triggerReason string) (Outcome, error) {
	instanceID, err := e.mintInstance(ctx, p)
	if err != nil {
		return errorOutcome(0, err.Error()), err
	}
	return e.MaterializeInstanceByID(ctx, instanceID, triggerReason)
}

func (e *Engine) mintInstance(ctx context.Context, p assets.Params) (assets.InstanceID, error) {
	paramsID, paramsHash, paramsHashVersion, err := e.Repo.GetOrCreateAssetParams(ctx, p)
	if err != nil {
		return 0, err
	}
	instance, err := e.Repo.GetOrCreateAssetInstance(ctx, paramsID, p.Slug, paramsHash, paramsHashVersion)
	if err != nil {
		return 0, err
	}
	return instance.ID, nil
}

func (e *Engine) recordDecision(r *run, targetID string, targetParams string, decision assets.DecisionReason, reason string) {
	if e.Metrics != nil {
		e.Metrics.IncDecision(decision)
	}
	entry := assets.DecisionLogEntry{
		PlannerRunID: r.id,
		JobID:        r.jobID,
		TargetID:     targetID,
		TargetParams: targetParams,
		Decision:     decision,
		Reason:       reason,
		CreatedAt:    time.Now(),
	}
	if err := e.Repo.RecordPlannerEvent(context.Background(), entry); err != nil && e.Logger != nil {
		e.Logger.Warnf("engine: failed to record decision %s for %s: %v", decision, targetID, err)
	}
}
