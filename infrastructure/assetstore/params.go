package assetstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/graphassets/engine/domain/assets"
)

// GetOrCreateAssetParams computes the params hash, then inserts the row if
// absent (ON CONFLICT DO NOTHING keyed on the same uniqueness the hash
// guarantees) and returns its id either way.
func (s *Store) GetOrCreateAssetParams(ctx context.Context, p assets.Params) (assets.ParamsID, string, int, error) {
	hash, version, err := assets.ParamsHashV1(p)
	if err != nil {
		return 0, "", 0, err
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return 0, "", 0, err
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO asset_params (slug, params_hash, params_hash_version, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug, params_hash_version, params_hash) DO NOTHING
	`, string(p.Slug), hash, version, payload)
	if err != nil {
		return 0, "", 0, err
	}

	var id int64
	err = s.q(ctx).QueryRowContext(ctx, `
		SELECT id FROM asset_params WHERE slug = $1 AND params_hash_version = $2 AND params_hash = $3
	`, string(p.Slug), version, hash).Scan(&id)
	if err != nil {
		return 0, "", 0, err
	}
	return assets.ParamsID(id), hash, version, nil
}

// GetAssetParamsByID looks up a params row by its primary key.
func (s *Store) GetAssetParamsByID(ctx context.Context, id assets.ParamsID) (*assets.Params, error) {
	var slug string
	var payload []byte
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT slug, payload FROM asset_params WHERE id = $1
	`, int64(id)).Scan(&slug, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "asset_params", Key: itoa(int64(id))}
		}
		return nil, err
	}
	return decodeParams(payload)
}

// GetAssetParamsByInstanceID joins through asset_instances to find the
// params a given instance was minted from.
func (s *Store) GetAssetParamsByInstanceID(ctx context.Context, instanceID assets.InstanceID) (*assets.Params, error) {
	var payload []byte
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT p.payload
		FROM asset_instances i
		JOIN asset_params p ON p.id = i.params_id
		WHERE i.id = $1
	`, int64(instanceID)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &NotFoundError{Entity: "asset_instance", Key: itoa(int64(instanceID))}
		}
		return nil, err
	}
	return decodeParams(payload)
}

// GetAssetParamsBySlugHash looks up a params row (and its id) by its
// identity triple, used by the registry when minting dependencies whose
// params the caller already hashed.
func (s *Store) GetAssetParamsBySlugHash(ctx context.Context, slug assets.Slug, paramsHashVersion int, paramsHash string) (*assets.Params, *assets.ParamsID, error) {
	var id int64
	var payload []byte
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, payload FROM asset_params
		WHERE slug = $1 AND params_hash_version = $2 AND params_hash = $3
	`, string(slug), paramsHashVersion, paramsHash).Scan(&id, &payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	p, err := decodeParams(payload)
	if err != nil {
		return nil, nil, err
	}
	paramsID := assets.ParamsID(id)
	return p, &paramsID, nil
}

func decodeParams(payload []byte) (*assets.Params, error) {
	var p assets.Params
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
