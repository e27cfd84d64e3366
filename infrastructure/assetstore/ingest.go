package assetstore

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
)

// GetLatestFollowersSyncRun satisfies ingest.SyncRunReader for the
// followers family, optionally filtered by status and/or mode.
func (s *Store) GetLatestFollowersSyncRun(ctx context.Context, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return s.latestSyncRun(ctx, "followers_sync_runs", ingest.KindFollowers, targetUserID, status, mode)
}

// GetLatestFollowingsSyncRun satisfies ingest.SyncRunReader for the
// followed family.
func (s *Store) GetLatestFollowingsSyncRun(ctx context.Context, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return s.latestSyncRun(ctx, "followings_sync_runs", ingest.KindFollowed, targetUserID, status, mode)
}

func (s *Store) latestSyncRun(ctx context.Context, table string, kind ingest.Kind, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	query := `SELECT id, status, sync_mode, completed_at FROM ` + table + ` WHERE target_user_id = $1`
	args := []any{targetUserID}
	if status != nil {
		args = append(args, string(*status))
		query += " AND status = $" + itoa(int64(len(args)))
	}
	if mode != nil {
		args = append(args, string(*mode))
		query += " AND sync_mode = $" + itoa(int64(len(args)))
	}
	query += " ORDER BY completed_at DESC NULLS LAST, id DESC LIMIT 1"

	var run ingest.SyncRun
	var runStatus, runMode string
	var completedAt sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx, query, args...).Scan(&run.ID, &runStatus, &runMode, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	run.TargetID = itoa(targetUserID)
	run.Kind = kind
	run.Status = ingest.SyncStatus(runStatus)
	run.SyncMode = ingest.SyncMode(runMode)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// GetLatestPostsSyncRun satisfies ingest.SyncRunReader for posts, which are
// batched across a member set rather than keyed by a single target id.
func (s *Store) GetLatestPostsSyncRun(ctx context.Context, targetUserIDs []int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	query := `SELECT id, status, sync_mode, completed_at FROM posts_sync_runs WHERE target_user_ids = $1`
	args := []any{pq.Array(sortedCopy(targetUserIDs))}
	if status != nil {
		args = append(args, string(*status))
		query += " AND status = $" + itoa(int64(len(args)))
	}
	if mode != nil {
		args = append(args, string(*mode))
		query += " AND sync_mode = $" + itoa(int64(len(args)))
	}
	query += " ORDER BY completed_at DESC NULLS LAST, id DESC LIMIT 1"

	var run ingest.SyncRun
	var runStatus, runMode string
	var completedAt sql.NullTime
	err := s.q(ctx).QueryRowContext(ctx, query, args...).Scan(&run.ID, &runStatus, &runMode, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	run.Kind = ingest.KindPosts
	run.Status = ingest.SyncStatus(runStatus)
	run.SyncMode = ingest.SyncMode(runMode)
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// LinkPostsSyncRunToMaterializations records which materializations
// requested a posts sync run, so output_revision inheritance and audit
// trails can trace back to the upstream fetch that satisfied them.
func (s *Store) LinkPostsSyncRunToMaterializations(ctx context.Context, syncRunID string, materializationIDs []assets.MaterializationID) error {
	for _, matID := range materializationIDs {
		if _, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO posts_sync_run_materializations (sync_run_id, materialization_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, syncRunID, int64(matID)); err != nil {
			return err
		}
	}
	return nil
}

// CreateFollowersSyncRun and the two methods below are used by the
// upstream ingest client (not the engine) to persist the outcome of a
// follower/following/posts fetch, satisfying the rows GetLatest*SyncRun
// later reads back.
func (s *Store) CreateFollowersSyncRun(ctx context.Context, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error {
	return s.insertSyncRun(ctx, "followers_sync_runs", id, targetUserID, mode, status, completedAt)
}

func (s *Store) CreateFollowingsSyncRun(ctx context.Context, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error {
	return s.insertSyncRun(ctx, "followings_sync_runs", id, targetUserID, mode, status, completedAt)
}

func (s *Store) insertSyncRun(ctx context.Context, table string, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = *completedAt
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO `+table+` (id, target_user_id, sync_mode, status, completed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, targetUserID, string(mode), string(status), completed)
	return err
}

// CreatePostsSyncRun persists a posts sync run keyed by its full batched
// target-user-id set.
func (s *Store) CreatePostsSyncRun(ctx context.Context, id string, targetUserIDs []int64, status ingest.SyncStatus, completedAt *time.Time) error {
	var completed any
	if completedAt != nil {
		completed = *completedAt
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO posts_sync_runs (id, target_user_ids, sync_mode, status, completed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, pq.Array(sortedCopy(targetUserIDs)), string(ingest.ModeFull), string(status), completed)
	return err
}

func sortedCopy(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
