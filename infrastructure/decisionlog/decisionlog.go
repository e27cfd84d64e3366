// Package decisionlog wraps a domain/assets/engine.Repository with a
// zerolog structured trace mirror of every decision log entry, so an
// operator can tail planner activity (ingest_rate_limited, checkpoint
// repairs, fanout failures...) without querying planner_decision_log
// directly. Writing to Postgres remains the append-only source of truth;
// the zerolog line is purely observational.
package decisionlog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/engine"
)

// EventRecorder is the subset of engine.Repository this wrapper decorates.
type EventRecorder interface {
	RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error
}

// TracingRecorder decorates an EventRecorder with a zerolog trace line per
// entry, gated by Enabled so disabling the trace doesn't require a
// different wiring path.
type TracingRecorder struct {
	Next          EventRecorder
	Logger        zerolog.Logger
	Enabled       bool
	RetentionDays int
}

var _ engine.Repository = (*repositoryWithTrace)(nil)

// New wraps repo so every RecordPlannerEvent call both persists to Postgres
// (via repo) and, when enabled, emits a zerolog event at a level chosen by
// the decision's severity.
func New(repo engine.Repository, logger zerolog.Logger, enabled bool, retentionDays int) engine.Repository {
	return &repositoryWithTrace{
		Repository: repo,
		trace: TracingRecorder{
			Next:          repo,
			Logger:        logger,
			Enabled:       enabled,
			RetentionDays: retentionDays,
		},
	}
}

// repositoryWithTrace embeds the full engine.Repository and overrides only
// RecordPlannerEvent, so every other method call passes straight through to
// the concrete store without a per-method forwarding stub.
type repositoryWithTrace struct {
	engine.Repository
	trace TracingRecorder
}

func (r *repositoryWithTrace) RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error {
	return r.trace.RecordPlannerEvent(ctx, entry)
}

func (t TracingRecorder) RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error {
	if err := t.Next.RecordPlannerEvent(ctx, entry); err != nil {
		return err
	}
	if !t.Enabled {
		return nil
	}

	ev := t.Logger.WithLevel(levelFor(entry.Decision)).
		Str("planner_run_id", entry.PlannerRunID).
		Str("job_id", entry.JobID).
		Str("target_id", entry.TargetID).
		Str("decision", string(entry.Decision)).
		Time("created_at", entry.CreatedAt)

	if entry.TargetParams != "" {
		ev = ev.Str("target_params", entry.TargetParams)
	}
	if entry.Reason != "" {
		ev = ev.Str("reason", entry.Reason)
	}
	ev.Msg("planner decision")
	return nil
}

// levelFor maps a decision reason to a zerolog level: failures and
// timeouts surface at Warn so they stand out in a tailed log, routine
// skip/materialize outcomes stay at Debug.
func levelFor(reason assets.DecisionReason) zerolog.Level {
	switch reason {
	case assets.DecisionValidationError,
		assets.DecisionDependencyFailed,
		assets.DecisionIngestFailed,
		assets.DecisionLockTimeout,
		assets.DecisionIngestLockTimeout,
		assets.DecisionMaterializationError,
		assets.DecisionFanoutSourceUnavailable,
		assets.DecisionFanoutTargetError:
		return zerolog.WarnLevel
	case assets.DecisionValidationWarning, assets.DecisionIngestRateLimited, assets.DecisionCheckpointRepair:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}

// PruneRetentionCutoff returns the timestamp before which decision log rows
// are eligible for housekeeping deletion, per RetentionDays. Exposed for
// cmd/assetworker's cron job; the actual DELETE is issued by the store so
// it can run inside the same connection pool and batch the deletion.
func (t TracingRecorder) PruneRetentionCutoff(now time.Time) time.Time {
	days := t.RetentionDays
	if days <= 0 {
		days = 30
	}
	return now.AddDate(0, 0, -days)
}
