// Package engine implements the planner/runner core: closure resolution
// over enabled roots, ingest-prerequisite satisfaction, dependency-revision
// gating, skip/materialize decisions, and the lease-guarded transactional
// materialization that writes events and snapshots.
package engine

import (
	"context"
	"time"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/domain/assets/membership"
	"github.com/graphassets/engine/domain/assets/registry"
)

// Repository is the full persistence contract the engine consumes (spec
// §6.2). infrastructure/assetstore implements it against Postgres;
// transaction scoping is carried via ctx (see WithTx).
type Repository interface {
	// AssetParams
	GetOrCreateAssetParams(ctx context.Context, p assets.Params) (assets.ParamsID, string, int, error)
	GetAssetParamsByID(ctx context.Context, id assets.ParamsID) (*assets.Params, error)
	GetAssetParamsByInstanceID(ctx context.Context, id assets.InstanceID) (*assets.Params, error)
	GetAssetParamsBySlugHash(ctx context.Context, slug assets.Slug, paramsHashVersion int, paramsHash string) (*assets.Params, *assets.ParamsID, error)

	// AssetInstance
	GetOrCreateAssetInstance(ctx context.Context, paramsID assets.ParamsID, slug assets.Slug, paramsHash string, paramsHashVersion int) (*assets.Instance, error)
	GetAssetInstanceByID(ctx context.Context, id assets.InstanceID) (*assets.Instance, error)

	// Roots
	EnableAssetInstanceRoot(ctx context.Context, instanceID assets.InstanceID) error
	DisableAssetInstanceRoot(ctx context.Context, instanceID assets.InstanceID) error
	ListEnabledRoots(ctx context.Context) ([]assets.Root, error)
	EnableAssetInstanceFanoutRoot(ctx context.Context, sourceInstanceID assets.InstanceID, targetSlug assets.Slug, mode assets.FanoutMode) error
	DisableAssetInstanceFanoutRoot(ctx context.Context, sourceInstanceID assets.InstanceID, targetSlug assets.Slug) error
	ListEnabledFanoutRoots(ctx context.Context) ([]assets.FanoutRoot, error)

	// Materializations
	CreateAssetMaterialization(ctx context.Context, m assets.Materialization) (assets.MaterializationID, error)
	UpdateAssetMaterialization(ctx context.Context, m assets.Materialization) error
	GetLatestSuccessfulMaterialization(ctx context.Context, instanceID assets.InstanceID) (*assets.Materialization, error)
	GetAssetMaterializationByID(ctx context.Context, id assets.MaterializationID) (*assets.Materialization, error)
	InsertMaterializationDependencies(ctx context.Context, materializationID assets.MaterializationID, dependencyMaterializationIDs []assets.MaterializationID) error
	InsertMaterializationRequests(ctx context.Context, materializationID assets.MaterializationID, requestedByMaterializationIDs []assets.MaterializationID) error

	// Membership (segment / post-corpus are dispatched by OutputItemKind)
	InsertEvents(ctx context.Context, kind assets.OutputItemKind, events []assets.Event) error
	ListMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) (map[int64]struct{}, error)
	ReplaceMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID, materializationID assets.MaterializationID, items []int64) error
	ListEnteredItemIDs(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) (map[int64]struct{}, error)
	GetMembershipAsOf(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID, targetMaterializationID assets.MaterializationID) ([]int64, error)
	RebuildMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) ([]int64, error)
	ListOrderedEvents(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID) ([]membership.OrderedEvent, error)
	MaterializationOrderOf(ctx context.Context, kind assets.OutputItemKind, instanceID assets.InstanceID, materializationID assets.MaterializationID) (membership.MaterializationOrder, error)

	// Advisory locks
	AcquireAdvisoryLock(ctx context.Context, key string, timeout time.Duration) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key string) error

	// Ingest artifact reads, delegated to the ingest sub-planner.
	ingest.SyncRunReader

	// Decision log
	RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error

	// Transactions: RunInTx executes fn with a context carrying a
	// transaction-scoped view of the repository; all writes inside fn are
	// committed together or rolled back on error/panic.
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OperatorInputsAndGraph bundles the registry.Context collaborators the
// repository also happens to satisfy in the default wiring (one Postgres
// connection backs params/materialization storage and graph reads alike).
type OperatorInputsAndGraph interface {
	registry.OperatorInputs
	registry.GraphReader
}
