// Package housekeeping runs the periodic maintenance the engine itself
// never does inline: flagging in_progress materializations abandoned by a
// crashed worker, and pruning the append-only decision log past its
// retention window. Scheduled with robfig/cron/v3 rather than the
// hand-rolled cron-field parsing services/automation carries, since a
// fixed internal schedule has no need to reimplement what the library
// already does correctly.
package housekeeping

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/graphassets/engine/infrastructure/assetstore"
	"github.com/graphassets/engine/infrastructure/decisionlog"
)

// Logger is the minimal logging surface this job needs.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Store is the subset of infrastructure/assetstore.Store this job uses.
type Store interface {
	ListStaleInProgressMaterializations(ctx context.Context, cutoff time.Time) ([]assetstore.StaleMaterialization, error)
	PruneDecisionLogBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Job schedules the stale-in-progress report and decision log pruning.
type Job struct {
	Store                  Store
	Logger                 Logger
	Tracer                 decisionlog.TracingRecorder
	StaleInProgressAfter   time.Duration
	cron                   *cron.Cron
}

// New constructs a Job. staleAfter bounds how long an in_progress
// materialization may run before it's reported as abandoned.
func New(store Store, logger Logger, retentionDays int, staleAfter time.Duration) *Job {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	return &Job{
		Store:                store,
		Logger:               logger,
		Tracer:               decisionlog.TracingRecorder{RetentionDays: retentionDays},
		StaleInProgressAfter: staleAfter,
		cron:                 cron.New(),
	}
}

// Start registers the job under schedule (a standard 5-field cron
// expression or a descriptor such as "@every 5m") and starts the cron
// scheduler in its own goroutine.
func (j *Job) Start(schedule string) error {
	_, err := j.cron.AddFunc(schedule, func() {
		j.runOnce(context.Background())
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (j *Job) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
}

func (j *Job) runOnce(ctx context.Context) {
	now := time.Now()

	staleCutoff := now.Add(-j.StaleInProgressAfter)
	stale, err := j.Store.ListStaleInProgressMaterializations(ctx, staleCutoff)
	if err != nil {
		j.Logger.Errorf("housekeeping: list stale in_progress materializations: %v", err)
	} else {
		for _, m := range stale {
			j.Logger.Warnf("housekeeping: materialization %d (instance %d, slug %s) has been in_progress since %s",
				m.ID, m.AssetInstanceID, m.Slug, m.StartedAt)
		}
	}

	retentionCutoff := j.Tracer.PruneRetentionCutoff(now)
	pruned, err := j.Store.PruneDecisionLogBefore(ctx, retentionCutoff)
	if err != nil {
		j.Logger.Errorf("housekeeping: prune decision log: %v", err)
		return
	}
	if pruned > 0 {
		j.Logger.Infof("housekeeping: pruned %d decision log rows older than %s", pruned, retentionCutoff)
	}
}
