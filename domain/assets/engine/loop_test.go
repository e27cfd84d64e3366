package engine

import (
	"context"
	"testing"
	"time"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/domain/assets/membership"
)

// fakeRepository is a full-interface stub for Repository: every method not
// overridden by a test returns a zero value, so only the handful of calls a
// given scenario actually exercises need to be configured.
type fakeRepository struct {
	ticks int
}

func (f *fakeRepository) GetOrCreateAssetParams(ctx context.Context, p assets.Params) (assets.ParamsID, string, int, error) {
	return 0, "", 0, nil
}
func (f *fakeRepository) GetAssetParamsByID(ctx context.Context, id assets.ParamsID) (*assets.Params, error) {
	return nil, nil
}
func (f *fakeRepository) GetAssetParamsByInstanceID(ctx context.Context, id assets.InstanceID) (*assets.Params, error) {
	return nil, nil
}
func (f *fakeRepository) GetAssetParamsBySlugHash(ctx context.Context, slug assets.Slug, v int, h string) (*assets.Params, *assets.ParamsID, error) {
	return nil, nil, nil
}
func (f *fakeRepository) GetOrCreateAssetInstance(ctx context.Context, paramsID assets.ParamsID, slug assets.Slug, hash string, version int) (*assets.Instance, error) {
	return nil, nil
}
func (f *fakeRepository) GetAssetInstanceByID(ctx context.Context, id assets.InstanceID) (*assets.Instance, error) {
	return nil, nil
}
func (f *fakeRepository) EnableAssetInstanceRoot(ctx context.Context, id assets.InstanceID) error {
	return nil
}
func (f *fakeRepository) DisableAssetInstanceRoot(ctx context.Context, id assets.InstanceID) error {
	return nil
}
func (f *fakeRepository) ListEnabledRoots(ctx context.Context) ([]assets.Root, error) {
	f.ticks++
	return nil, nil
}
func (f *fakeRepository) EnableAssetInstanceFanoutRoot(ctx context.Context, sourceID assets.InstanceID, targetSlug assets.Slug, mode assets.FanoutMode) error {
	return nil
}
func (f *fakeRepository) DisableAssetInstanceFanoutRoot(ctx context.Context, sourceID assets.InstanceID, targetSlug assets.Slug) error {
	return nil
}
func (f *fakeRepository) ListEnabledFanoutRoots(ctx context.Context) ([]assets.FanoutRoot, error) {
	return nil, nil
}
func (f *fakeRepository) CreateAssetMaterialization(ctx context.Context, m assets.Materialization) (assets.MaterializationID, error) {
	return 0, nil
}
func (f *fakeRepository) UpdateAssetMaterialization(ctx context.Context, m assets.Materialization) error {
	return nil
}
func (f *fakeRepository) GetLatestSuccessfulMaterialization(ctx context.Context, id assets.InstanceID) (*assets.Materialization, error) {
	return nil, nil
}
func (f *fakeRepository) GetAssetMaterializationByID(ctx context.Context, id assets.MaterializationID) (*assets.Materialization, error) {
	return nil, nil
}
func (f *fakeRepository) InsertMaterializationDependencies(ctx context.Context, id assets.MaterializationID, deps []assets.MaterializationID) error {
	return nil
}
func (f *fakeRepository) InsertMaterializationRequests(ctx context.Context, id assets.MaterializationID, reqs []assets.MaterializationID) error {
	return nil
}
func (f *fakeRepository) InsertEvents(ctx context.Context, kind assets.OutputItemKind, events []assets.Event) error {
	return nil
}
func (f *fakeRepository) ListMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) (map[int64]struct{}, error) {
	return nil, nil
}
func (f *fakeRepository) ReplaceMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID, matID assets.MaterializationID, items []int64) error {
	return nil
}
func (f *fakeRepository) ListEnteredItemIDs(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) (map[int64]struct{}, error) {
	return nil, nil
}
func (f *fakeRepository) GetMembershipAsOf(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID, matID assets.MaterializationID) ([]int64, error) {
	return nil, nil
}
func (f *fakeRepository) RebuildMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) ([]int64, error) {
	return nil, nil
}
func (f *fakeRepository) ListOrderedEvents(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) ([]membership.OrderedEvent, error) {
	return nil, nil
}
func (f *fakeRepository) MaterializationOrderOf(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID, matID assets.MaterializationID) (membership.MaterializationOrder, error) {
	return membership.MaterializationOrder{}, nil
}
func (f *fakeRepository) AcquireAdvisoryLock(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeRepository) ReleaseAdvisoryLock(ctx context.Context, key string) error { return nil }
func (f *fakeRepository) GetLatestFollowersSyncRun(ctx context.Context, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return nil, nil
}
func (f *fakeRepository) GetLatestFollowingsSyncRun(ctx context.Context, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return nil, nil
}
func (f *fakeRepository) GetLatestPostsSyncRun(ctx context.Context, targetUserIDs []int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return nil, nil
}
func (f *fakeRepository) LinkPostsSyncRunToMaterializations(ctx context.Context, syncRunID string, matIDs []assets.MaterializationID) error {
	return nil
}
func (f *fakeRepository) RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error {
	return nil
}
func (f *fakeRepository) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestRunLoopSingleTickRunsExactlyOnce(t *testing.T) {
	repo := &fakeRepository{}
	e := &Engine{Repo: repo}

	if err := e.RunLoop(context.Background(), LoopOptions{SingleTick: true}); err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
	if repo.ticks != 1 {
		t.Fatalf("expected exactly one tick, got %d", repo.ticks)
	}
}

func TestRunLoopStopsOnContextCancel(t *testing.T) {
	repo := &fakeRepository{}
	e := &Engine{Repo: repo}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := e.RunLoop(ctx, LoopOptions{Interval: 5 * time.Millisecond})
	if err == nil {
		t.Fatal("expected RunLoop to return ctx.Err() on cancellation")
	}
	if repo.ticks < 2 {
		t.Fatalf("expected multiple ticks before cancellation, got %d", repo.ticks)
	}
}
