// Package ingest implements the ingest-prerequisite sub-planner: mode
// selection, freshness checks, and lease-guarded invocation of the
// upstream ingest capability the registry's definitions declare they need
// before membership can be computed.
package ingest

import (
	"context"
	"time"

	"github.com/graphassets/engine/domain/assets"
)

// Kind is the family of upstream ingest the requirement targets.
type Kind string

const (
	KindFollowers Kind = "followers"
	KindFollowed  Kind = "followed"
	KindPosts     Kind = "posts"
)

// Requirement is one ingest prerequisite declared by a registry definition.
// FreshnessMs == nil means "any prior success suffices".
type Requirement struct {
	IngestKind                  Kind
	TargetUserID                int64
	TargetUserIDs                []int64 // posts only: full member set for the batch
	FreshnessMs                 *int64
	RequestedByMaterializationIDs []assets.MaterializationID
}

// Key returns the dedup key for a requirement: (kind, targetUserId) for
// followers/followed, and (kind, sorted target set) for posts.
func (r Requirement) Key() string {
	if r.IngestKind == KindPosts {
		return string(r.IngestKind) + ":" + sortedCSV(r.TargetUserIDs)
	}
	return string(r.IngestKind) + ":" + itoa(r.TargetUserID)
}

// SyncMode is the mode an ingest run was (or will be) executed under.
type SyncMode string

const (
	ModeFullRefresh SyncMode = "full_refresh"
	ModeIncremental SyncMode = "incremental"
	ModeFull        SyncMode = "full" // posts: single mode
)

// SyncStatus mirrors the ingest layer's run status.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusError   SyncStatus = "error"
	SyncStatusRunning SyncStatus = "running"
)

// SyncRun is the subset of an ingest run record the engine needs to judge
// freshness and pick a mode. Owned and written by the (out-of-scope) ingest
// layer; the engine only reads it.
type SyncRun struct {
	ID          string
	TargetID    string
	Kind        Kind
	Status      SyncStatus
	SyncMode    SyncMode
	CompletedAt *time.Time
}

// SyncRunReader is the read-side of the ingest layer's repository,
// consumed by the sub-planner to select a mode and judge freshness.
type SyncRunReader interface {
	GetLatestFollowersSyncRun(ctx context.Context, targetUserID int64, status *SyncStatus, mode *SyncMode) (*SyncRun, error)
	GetLatestFollowingsSyncRun(ctx context.Context, targetUserID int64, status *SyncStatus, mode *SyncMode) (*SyncRun, error)
	GetLatestPostsSyncRun(ctx context.Context, targetUserIDs []int64, status *SyncStatus, mode *SyncMode) (*SyncRun, error)
	LinkPostsSyncRunToMaterializations(ctx context.Context, syncRunID string, materializationIDs []assets.MaterializationID) error
}

// UpstreamClient is the capability the (out-of-scope) upstream API client
// exposes to the engine: invoke one ingest run and report its outcome.
// Rate-limit/terminal errors are surfaced via the returned error's type,
// see ErrRateLimited / ErrUpstreamFailed.
type UpstreamClient interface {
	SyncFollowers(ctx context.Context, targetUserID int64, mode SyncMode) (*SyncRun, error)
	SyncFollowed(ctx context.Context, targetUserID int64, mode SyncMode) (*SyncRun, error)
	SyncPosts(ctx context.Context, targetUserIDs []int64) (*SyncRun, error)
}

// ErrRateLimited is returned by an UpstreamClient method when the upstream
// provider's rate limit was hit.
type ErrRateLimited struct{ Detail string }

func (e ErrRateLimited) Error() string { return "ingest: rate limited: " + e.Detail }

// ErrUpstreamFailed is returned for any other terminal upstream failure.
type ErrUpstreamFailed struct{ Detail string }

func (e ErrUpstreamFailed) Error() string { return "ingest: upstream failed: " + e.Detail }
