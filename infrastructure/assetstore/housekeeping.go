package assetstore

import (
	"context"
	"time"

	"github.com/graphassets/engine/domain/assets"
)

// StaleMaterialization is a row the housekeeping job flags: an
// in_progress materialization whose started_at is older than the
// configured staleness window, suggesting a crashed worker left it
// dangling (the advisory lease it ran under would have released on
// process exit, but the row itself is never auto-repaired).
type StaleMaterialization struct {
	ID              assets.MaterializationID
	AssetInstanceID assets.InstanceID
	Slug            assets.Slug
	StartedAt       time.Time
}

// ListStaleInProgressMaterializations returns in_progress rows started
// before the cutoff, for the housekeeping job to log/alert on.
func (s *Store) ListStaleInProgressMaterializations(ctx context.Context, cutoff time.Time) ([]StaleMaterialization, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, asset_instance_id, slug, started_at
		FROM asset_materializations
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at ASC
	`, string(assets.MaterializationInProgress), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StaleMaterialization
	for rows.Next() {
		var m StaleMaterialization
		var slug string
		if err := rows.Scan(&m.ID, &m.AssetInstanceID, &slug, &m.StartedAt); err != nil {
			return nil, err
		}
		m.Slug = assets.Slug(slug)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PruneDecisionLogBefore deletes planner_decision_log rows older than
// cutoff, per DecisionLogConfig.RetentionDays.
func (s *Store) PruneDecisionLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM planner_decision_log WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
