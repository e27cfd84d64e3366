package assetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/graphassets/engine/domain/assets"
)

// CreateAssetMaterialization inserts a new in_progress (or otherwise
// pre-terminal) row and returns its id. Callers in the engine deliberately
// run this outside of RunInTx so the row survives a later rollback of the
// transactional steps.
func (s *Store) CreateAssetMaterialization(ctx context.Context, m assets.Materialization) (assets.MaterializationID, error) {
	var id int64
	err := s.q(ctx).QueryRowContext(ctx, `
		INSERT INTO asset_materializations
			(asset_instance_id, slug, inputs_hash, inputs_hash_version, dependency_revisions_hash, dependency_revisions_version, status, started_at, trigger_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, int64(m.AssetInstanceID), string(m.Slug), m.InputsHash, m.InputsHashVersion, m.DependencyRevisionsHash, m.DependencyRevisionsVersion, string(m.Status), m.StartedAt, m.TriggerReason).Scan(&id)
	if err != nil {
		return 0, err
	}
	return assets.MaterializationID(id), nil
}

// UpdateAssetMaterialization persists the terminal (success/error) fields
// of an existing row: status, completed_at, output_revision, error_payload.
func (s *Store) UpdateAssetMaterialization(ctx context.Context, m assets.Materialization) error {
	var errPayload []byte
	if m.Error != nil {
		b, err := json.Marshal(m.Error)
		if err != nil {
			return err
		}
		errPayload = b
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE asset_materializations
		SET status = $2, completed_at = $3, output_revision = $4, error_payload = $5
		WHERE id = $1
	`, int64(m.ID), string(m.Status), m.CompletedAt, m.OutputRevision, errPayload)
	return err
}

// GetLatestSuccessfulMaterialization returns the most recent successful row
// for instanceID (by completed_at, then id), or nil if none exists.
func (s *Store) GetLatestSuccessfulMaterialization(ctx context.Context, instanceID assets.InstanceID) (*assets.Materialization, error) {
	var id int64
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id FROM asset_materializations
		WHERE asset_instance_id = $1 AND status = $2
		ORDER BY completed_at DESC, id DESC
		LIMIT 1
	`, int64(instanceID), string(assets.MaterializationSuccess)).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.GetAssetMaterializationByID(ctx, assets.MaterializationID(id))
}

// GetAssetMaterializationByID loads one materialization row plus its
// dependency and requested-by id sets from the junction tables.
func (s *Store) GetAssetMaterializationByID(ctx context.Context, id assets.MaterializationID) (*assets.Materialization, error) {
	var m assets.Materialization
	var slug, status string
	var completedAt sql.NullTime
	var errPayload []byte
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, asset_instance_id, slug, inputs_hash, inputs_hash_version,
		       dependency_revisions_hash, dependency_revisions_version,
		       status, started_at, completed_at, output_revision, error_payload, trigger_reason
		FROM asset_materializations WHERE id = $1
	`, int64(id)).Scan(
		&m.ID, &m.AssetInstanceID, &slug, &m.InputsHash, &m.InputsHashVersion,
		&m.DependencyRevisionsHash, &m.DependencyRevisionsVersion,
		&status, &m.StartedAt, &completedAt, &m.OutputRevision, &errPayload, &m.TriggerReason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "asset_materialization", Key: itoa(int64(id))}
		}
		return nil, err
	}
	m.Slug = assets.Slug(slug)
	m.Status = assets.MaterializationStatus(status)
	if completedAt.Valid {
		m.CompletedAt = &completedAt.Time
	}
	if len(errPayload) > 0 {
		var payload assets.ErrorPayload
		if err := json.Unmarshal(errPayload, &payload); err != nil {
			return nil, err
		}
		m.Error = &payload
	}

	depRows, err := s.q(ctx).QueryContext(ctx, `
		SELECT dependency_materialization_id FROM asset_materialization_dependencies WHERE materialization_id = $1
	`, int64(id))
	if err != nil {
		return nil, err
	}
	defer depRows.Close()
	for depRows.Next() {
		var depID int64
		if err := depRows.Scan(&depID); err != nil {
			return nil, err
		}
		m.DependencyMaterializations = append(m.DependencyMaterializations, assets.MaterializationID(depID))
	}
	if err := depRows.Err(); err != nil {
		return nil, err
	}

	reqRows, err := s.q(ctx).QueryContext(ctx, `
		SELECT requested_by_materialization_id FROM asset_materialization_requests WHERE materialization_id = $1
	`, int64(id))
	if err != nil {
		return nil, err
	}
	defer reqRows.Close()
	for reqRows.Next() {
		var reqID int64
		if err := reqRows.Scan(&reqID); err != nil {
			return nil, err
		}
		m.RequestedByMaterializations = append(m.RequestedByMaterializations, assets.MaterializationID(reqID))
	}
	return &m, reqRows.Err()
}

// InsertMaterializationDependencies records the set of dependency
// materializations a materialization was computed over.
func (s *Store) InsertMaterializationDependencies(ctx context.Context, materializationID assets.MaterializationID, dependencyMaterializationIDs []assets.MaterializationID) error {
	for _, depID := range dependencyMaterializationIDs {
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO asset_materialization_dependencies (materialization_id, dependency_materialization_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, int64(materializationID), int64(depID)); err != nil {
			return err
		}
	}
	return nil
}

// InsertMaterializationRequests records which materializations requested
// (and thereby depend on the freshness of) this one's ingest work.
func (s *Store) InsertMaterializationRequests(ctx context.Context, materializationID assets.MaterializationID, requestedByMaterializationIDs []assets.MaterializationID) error {
	for _, reqID := range requestedByMaterializationIDs {
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO asset_materialization_requests (materialization_id, requested_by_materialization_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, int64(materializationID), int64(reqID)); err != nil {
			return err
		}
	}
	return nil
}
