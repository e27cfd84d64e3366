package assetstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/graphassets/engine/domain/assets"
)

// GetOrCreateAssetInstance ensures exactly one instance row exists per
// params_id (enforced by the unique constraint on asset_instances.params_id)
// and returns it.
func (s *Store) GetOrCreateAssetInstance(ctx context.Context, paramsID assets.ParamsID, slug assets.Slug, paramsHash string, paramsHashVersion int) (*assets.Instance, error) {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO asset_instances (params_id, slug, params_hash, params_hash_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (params_id) DO NOTHING
	`, int64(paramsID), string(slug), paramsHash, paramsHashVersion)
	if err != nil {
		return nil, err
	}

	var instanceID int64
	err = s.q(ctx).QueryRowContext(ctx, `
		SELECT id FROM asset_instances WHERE params_id = $1
	`, int64(paramsID)).Scan(&instanceID)
	if err != nil {
		return nil, err
	}
	return s.GetAssetInstanceByID(ctx, assets.InstanceID(instanceID))
}

// GetAssetInstanceByID loads one instance row.
func (s *Store) GetAssetInstanceByID(ctx context.Context, id assets.InstanceID) (*assets.Instance, error) {
	var inst assets.Instance
	var slug string
	var checkpoint sql.NullInt64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, params_id, slug, params_hash, params_hash_version, current_membership_materialization
		FROM asset_instances WHERE id = $1
	`, int64(id)).Scan(&inst.ID, &inst.ParamsID, &slug, &inst.ParamsHash, &inst.ParamsHashVersion, &checkpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "asset_instance", Key: itoa(int64(id))}
		}
		return nil, err
	}
	inst.Slug = assets.Slug(slug)
	if checkpoint.Valid {
		matID := assets.MaterializationID(checkpoint.Int64)
		inst.CurrentMembershipMaterialization = &matID
	}
	return &inst, nil
}

// EnableAssetInstanceRoot marks instanceID as operator-kept-materialized.
func (s *Store) EnableAssetInstanceRoot(ctx context.Context, instanceID assets.InstanceID) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO asset_instance_roots (instance_id, enabled_at, disabled_at)
		VALUES ($1, now(), NULL)
		ON CONFLICT (instance_id) DO UPDATE SET enabled_at = now(), disabled_at = NULL
	`, int64(instanceID))
	return err
}

// DisableAssetInstanceRoot stops keeping instanceID materialized; the row
// is retained (disabled_at set) rather than deleted, preserving history.
func (s *Store) DisableAssetInstanceRoot(ctx context.Context, instanceID assets.InstanceID) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE asset_instance_roots SET disabled_at = now() WHERE instance_id = $1
	`, int64(instanceID))
	return err
}

// ListEnabledRoots lists roots with no disabled_at.
func (s *Store) ListEnabledRoots(ctx context.Context) ([]assets.Root, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT instance_id, enabled_at, disabled_at FROM asset_instance_roots WHERE disabled_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []assets.Root
	for rows.Next() {
		var r assets.Root
		var disabledAt sql.NullTime
		if err := rows.Scan(&r.InstanceID, &r.EnabledAt, &disabledAt); err != nil {
			return nil, err
		}
		if disabledAt.Valid {
			r.DisabledAt = &disabledAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnableAssetInstanceFanoutRoot marks (sourceInstanceID, targetSlug) as a
// fanout root with the given mode.
func (s *Store) EnableAssetInstanceFanoutRoot(ctx context.Context, sourceInstanceID assets.InstanceID, targetSlug assets.Slug, mode assets.FanoutMode) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO asset_instance_fanout_roots (source_instance_id, target_slug, mode, enabled_at, disabled_at)
		VALUES ($1, $2, $3, now(), NULL)
		ON CONFLICT (source_instance_id, target_slug) DO UPDATE SET mode = EXCLUDED.mode, enabled_at = now(), disabled_at = NULL
	`, int64(sourceInstanceID), string(targetSlug), string(mode))
	return err
}

// DisableAssetInstanceFanoutRoot stops fanning (sourceInstanceID, targetSlug).
func (s *Store) DisableAssetInstanceFanoutRoot(ctx context.Context, sourceInstanceID assets.InstanceID, targetSlug assets.Slug) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE asset_instance_fanout_roots SET disabled_at = now()
		WHERE source_instance_id = $1 AND target_slug = $2
	`, int64(sourceInstanceID), string(targetSlug))
	return err
}

// ListEnabledFanoutRoots lists fanout roots with no disabled_at.
func (s *Store) ListEnabledFanoutRoots(ctx context.Context) ([]assets.FanoutRoot, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT source_instance_id, target_slug, mode, enabled_at, disabled_at
		FROM asset_instance_fanout_roots WHERE disabled_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []assets.FanoutRoot
	for rows.Next() {
		var fr assets.FanoutRoot
		var targetSlug, mode string
		var disabledAt sql.NullTime
		if err := rows.Scan(&fr.SourceInstanceID, &targetSlug, &mode, &fr.EnabledAt, &disabledAt); err != nil {
			return nil, err
		}
		fr.TargetSlug = assets.Slug(targetSlug)
		fr.Mode = assets.FanoutMode(mode)
		if disabledAt.Valid {
			fr.DisabledAt = &disabledAt.Time
		}
		out = append(out, fr)
	}
	return out, rows.Err()
}
