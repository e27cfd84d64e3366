package assetstore

import (
	"context"

	"github.com/graphassets/engine/domain/assets"
)

// RecordPlannerEvent appends one row to the append-only decision log.
func (s *Store) RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO planner_decision_log
			(planner_run_id, job_id, target_id, target_params, decision, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.PlannerRunID, entry.JobID, entry.TargetID, entry.TargetParams, string(entry.Decision), entry.Reason, entry.CreatedAt)
	return err
}
