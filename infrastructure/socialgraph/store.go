// Package socialgraph is the hydrated-graph read model the registry's
// segment definitions depend on (registry.OperatorInputs and
// registry.GraphReader): specified-user cohorts, follow edges, and
// authored posts. It is deliberately a separate bounded context from
// infrastructure/assetstore — the asset engine's params/instances/
// materializations/membership own the *derived* state, this package owns
// the *raw* ingested state the ingest upstream client populates.
package socialgraph

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// Store is a thin Postgres reader/writer over the raw social graph tables.
// Grounded on the same manual database/sql + lib/pq style as
// infrastructure/assetstore.Store.
type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{DB: db}
}

// GetSpecifiedUserIDs satisfies registry.OperatorInputs: the stable-keyed
// user lists behind segment_specified_users.
func (s *Store) GetSpecifiedUserIDs(ctx context.Context, stableKey string) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT user_id FROM specified_user_list_members WHERE list_key = $1 ORDER BY user_id
	`, stableKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetFollowerIDs satisfies registry.GraphReader: who follows subjectUserID.
func (s *Store) GetFollowerIDs(ctx context.Context, subjectUserID int64) ([]int64, error) {
	return s.queryEdges(ctx, `
		SELECT follower_id FROM follow_edges WHERE followed_id = $1 ORDER BY follower_id
	`, subjectUserID)
}

// GetFollowedIDs satisfies registry.GraphReader: who subjectUserID follows.
func (s *Store) GetFollowedIDs(ctx context.Context, subjectUserID int64) ([]int64, error) {
	return s.queryEdges(ctx, `
		SELECT followed_id FROM follow_edges WHERE follower_id = $1 ORDER BY followed_id
	`, subjectUserID)
}

func (s *Store) queryEdges(ctx context.Context, query string, subjectUserID int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, query, subjectUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetPostIDsByAuthors satisfies registry.GraphReader: posts authored by any
// of authorUserIDs since the given unix timestamp (inclusive).
func (s *Store) GetPostIDsByAuthors(ctx context.Context, authorUserIDs []int64, since int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT post_id FROM authored_posts
		WHERE author_user_id = ANY($1) AND created_at_unix >= $2
		ORDER BY post_id
	`, pq.Array(authorUserIDs), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReplaceSpecifiedUserList overwrites the membership of a stable-keyed user
// cohort, used when an operator (re)defines a segment_specified_users list.
func (s *Store) ReplaceSpecifiedUserList(ctx context.Context, stableKey string, userIDs []int64) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM specified_user_list_members WHERE list_key = $1`, stableKey); err != nil {
		return err
	}
	for _, id := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO specified_user_list_members (list_key, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, stableKey, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceFollowersOf overwrites the set of users who follow subjectUserID,
// used by an incremental/full_refresh followers sync.
func (s *Store) ReplaceFollowersOf(ctx context.Context, subjectUserID int64, followerIDs []int64) error {
	return s.replaceEdgeSet(ctx, `DELETE FROM follow_edges WHERE followed_id = $1`, subjectUserID, followerIDs, true)
}

// ReplaceFollowedByOf overwrites the set of users subjectUserID follows.
func (s *Store) ReplaceFollowedByOf(ctx context.Context, subjectUserID int64, followedIDs []int64) error {
	return s.replaceEdgeSet(ctx, `DELETE FROM follow_edges WHERE follower_id = $1`, subjectUserID, followedIDs, false)
}

func (s *Store) replaceEdgeSet(ctx context.Context, deleteQuery string, subjectUserID int64, otherIDs []int64, subjectIsFollowed bool) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteQuery, subjectUserID); err != nil {
		return err
	}
	for _, other := range otherIDs {
		follower, followed := other, subjectUserID
		if !subjectIsFollowed {
			follower, followed = subjectUserID, other
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO follow_edges (follower_id, followed_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, follower, followed); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UpsertPosts records newly fetched posts, used by a posts sync.
func (s *Store) UpsertPosts(ctx context.Context, posts []Post) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, p := range posts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO authored_posts (post_id, author_user_id, created_at_unix)
			VALUES ($1, $2, $3)
			ON CONFLICT (post_id) DO UPDATE SET created_at_unix = EXCLUDED.created_at_unix
		`, p.PostID, p.AuthorUserID, p.CreatedAtUnix); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Post is one authored post fetched from upstream.
type Post struct {
	PostID        int64
	AuthorUserID  int64
	CreatedAtUnix int64
}
