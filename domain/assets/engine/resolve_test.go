package engine

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/domain/assets/ingest"
	"github.com/graphassets/engine/domain/assets/membership"
	"github.com/graphassets/engine/domain/assets/registry"
)

// statefulRepo is a configurable, in-memory stand-in for Repository: unlike
// loop_test.go's all-zero-value fakeRepository, this one actually stores
// instances/params/materializations/membership so resolveInstance's
// skip-on-unchanged-inputs and lock-timeout paths can be exercised.
type statefulRepo struct {
	instances       map[assets.InstanceID]*assets.Instance
	params          map[assets.InstanceID]*assets.Params
	nextMatID       assets.MaterializationID
	materializations map[assets.MaterializationID]*assets.Materialization
	latestByInstance map[assets.InstanceID]assets.MaterializationID
	snapshots       map[assets.InstanceID]map[int64]struct{}
	entered         map[assets.InstanceID]map[int64]struct{}
	decisions       []assets.DecisionLogEntry
	denyLease       bool

	// mintInstance support: paramsByID/instanceByParamsID let
	// GetOrCreateAssetParams/GetOrCreateAssetInstance behave like a real
	// dedup-by-identity store instead of always-fresh stubs, which the
	// fanout tests need since they mint one target instance per member.
	nextParamsID       assets.ParamsID
	nextInstanceID     assets.InstanceID
	paramsByID         map[assets.ParamsID]assets.Params
	instanceByParamsID map[assets.ParamsID]assets.InstanceID

	roots       []assets.Root
	fanoutRoots []assets.FanoutRoot

	// events backs ListOrderedEvents/RebuildMembershipSnapshot: the full
	// enter/exit history per instance, independent of the current snapshot,
	// so checkpoint repair can be exercised by clearing snapshots/entered
	// without losing the history it must replay.
	events map[assets.InstanceID][]membership.OrderedEvent
}

func newStatefulRepo() *statefulRepo {
	return &statefulRepo{
		instances:          map[assets.InstanceID]*assets.Instance{},
		params:             map[assets.InstanceID]*assets.Params{},
		materializations:   map[assets.MaterializationID]*assets.Materialization{},
		latestByInstance:   map[assets.InstanceID]assets.MaterializationID{},
		snapshots:          map[assets.InstanceID]map[int64]struct{}{},
		entered:            map[assets.InstanceID]map[int64]struct{}{},
		paramsByID:         map[assets.ParamsID]assets.Params{},
		instanceByParamsID: map[assets.ParamsID]assets.InstanceID{},
		events:             map[assets.InstanceID][]membership.OrderedEvent{},
		nextInstanceID:     100,
	}
}

func (r *statefulRepo) addInstance(id assets.InstanceID, p assets.Params) {
	r.instances[id] = &assets.Instance{ID: id, Slug: p.Slug, ParamsHash: "h", ParamsHashVersion: 1}
	r.params[id] = &p
}

func (r *statefulRepo) GetOrCreateAssetParams(ctx context.Context, p assets.Params) (assets.ParamsID, string, int, error) {
	hash, version, err := assets.ParamsHashV1(p)
	if err != nil {
		return 0, "", 0, err
	}
	for id, existing := range r.paramsByID {
		if existing.Slug != p.Slug {
			continue
		}
		existingHash, _, _ := assets.ParamsHashV1(existing)
		if existingHash == hash {
			return id, hash, version, nil
		}
	}
	r.nextParamsID++
	id := r.nextParamsID
	r.paramsByID[id] = p
	return id, hash, version, nil
}
func (r *statefulRepo) GetAssetParamsByID(ctx context.Context, id assets.ParamsID) (*assets.Params, error) {
	p, ok := r.paramsByID[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (r *statefulRepo) GetAssetParamsByInstanceID(ctx context.Context, id assets.InstanceID) (*assets.Params, error) {
	return r.params[id], nil
}
func (r *statefulRepo) GetAssetParamsBySlugHash(ctx context.Context, slug assets.Slug, v int, h string) (*assets.Params, *assets.ParamsID, error) {
	return nil, nil, nil
}
func (r *statefulRepo) GetOrCreateAssetInstance(ctx context.Context, paramsID assets.ParamsID, slug assets.Slug, hash string, version int) (*assets.Instance, error) {
	if id, ok := r.instanceByParamsID[paramsID]; ok {
		return r.instances[id], nil
	}
	r.nextInstanceID++
	id := r.nextInstanceID
	p := r.paramsByID[paramsID]
	inst := &assets.Instance{ID: id, ParamsID: paramsID, Slug: slug, ParamsHash: hash, ParamsHashVersion: version}
	r.instances[id] = inst
	r.params[id] = &p
	r.instanceByParamsID[paramsID] = id
	return inst, nil
}
func (r *statefulRepo) GetAssetInstanceByID(ctx context.Context, id assets.InstanceID) (*assets.Instance, error) {
	return r.instances[id], nil
}
func (r *statefulRepo) EnableAssetInstanceRoot(ctx context.Context, id assets.InstanceID) error { return nil }
func (r *statefulRepo) DisableAssetInstanceRoot(ctx context.Context, id assets.InstanceID) error { return nil }
func (r *statefulRepo) ListEnabledRoots(ctx context.Context) ([]assets.Root, error)             { return r.roots, nil }
func (r *statefulRepo) EnableAssetInstanceFanoutRoot(ctx context.Context, sourceID assets.InstanceID, targetSlug assets.Slug, mode assets.FanoutMode) error {
	return nil
}
func (r *statefulRepo) DisableAssetInstanceFanoutRoot(ctx context.Context, sourceID assets.InstanceID, targetSlug assets.Slug) error {
	return nil
}
func (r *statefulRepo) ListEnabledFanoutRoots(ctx context.Context) ([]assets.FanoutRoot, error) {
	return r.fanoutRoots, nil
}
func (r *statefulRepo) CreateAssetMaterialization(ctx context.Context, m assets.Materialization) (assets.MaterializationID, error) {
	r.nextMatID++
	id := r.nextMatID
	m.ID = id
	r.materializations[id] = &m
	return id, nil
}
func (r *statefulRepo) UpdateAssetMaterialization(ctx context.Context, m assets.Materialization) error {
	existing := r.materializations[m.ID]
	if existing == nil {
		return nil
	}
	existing.Status = m.Status
	existing.CompletedAt = m.CompletedAt
	existing.OutputRevision = m.OutputRevision
	existing.Error = m.Error
	if existing.Status == assets.MaterializationSuccess {
		r.latestByInstance[existing.AssetInstanceID] = existing.ID
	}
	return nil
}
func (r *statefulRepo) GetLatestSuccessfulMaterialization(ctx context.Context, id assets.InstanceID) (*assets.Materialization, error) {
	matID, ok := r.latestByInstance[id]
	if !ok {
		return nil, nil
	}
	return r.materializations[matID], nil
}
func (r *statefulRepo) GetAssetMaterializationByID(ctx context.Context, id assets.MaterializationID) (*assets.Materialization, error) {
	return r.materializations[id], nil
}
func (r *statefulRepo) InsertMaterializationDependencies(ctx context.Context, id assets.MaterializationID, deps []assets.MaterializationID) error {
	return nil
}
func (r *statefulRepo) InsertMaterializationRequests(ctx context.Context, id assets.MaterializationID, reqs []assets.MaterializationID) error {
	return nil
}
func (r *statefulRepo) InsertEvents(ctx context.Context, kind assets.OutputItemKind, events []assets.Event) error {
	for _, ev := range events {
		mat := r.materializations[ev.MaterializationID]
		if mat == nil {
			continue
		}
		r.events[mat.AssetInstanceID] = append(r.events[mat.AssetInstanceID], membership.OrderedEvent{
			MaterializationID: ev.MaterializationID,
			ItemID:            ev.ItemID,
			EventType:         ev.EventType,
		})
	}
	return nil
}
func (r *statefulRepo) ListMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) (map[int64]struct{}, error) {
	return r.snapshots[id], nil
}
func (r *statefulRepo) ReplaceMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID, matID assets.MaterializationID, items []int64) error {
	set := make(map[int64]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	r.snapshots[id] = set
	if r.entered[id] == nil {
		r.entered[id] = map[int64]struct{}{}
	}
	for it := range set {
		r.entered[id][it] = struct{}{}
	}
	if inst := r.instances[id]; inst != nil {
		inst.CurrentMembershipMaterialization = &matID
	}
	return nil
}
func (r *statefulRepo) ListEnteredItemIDs(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) (map[int64]struct{}, error) {
	return r.entered[id], nil
}
func (r *statefulRepo) GetMembershipAsOf(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID, matID assets.MaterializationID) ([]int64, error) {
	snapshot := r.snapshots[id]
	ids := make([]int64, 0, len(snapshot))
	for memberID := range snapshot {
		ids = append(ids, memberID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RebuildMembershipSnapshot mirrors infrastructure/assetstore's real
// RebuildMembershipSnapshot: find the latest successful materialization,
// then replay full event history through membership.Rebuild via a
// Reader/Writer adapter over this fake, same as the real store's reader().
func (r *statefulRepo) RebuildMembershipSnapshot(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) ([]int64, error) {
	latest, err := r.GetLatestSuccessfulMaterialization(ctx, id)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	a := statefulMemberReader{r: r}
	return membership.Rebuild(ctx, a, a, id, latest.ID)
}
func (r *statefulRepo) ListOrderedEvents(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID) ([]membership.OrderedEvent, error) {
	out := make([]membership.OrderedEvent, 0, len(r.events[id]))
	for _, ev := range r.events[id] {
		mat := r.materializations[ev.MaterializationID]
		if mat == nil || mat.Status != assets.MaterializationSuccess {
			continue
		}
		if mat.CompletedAt != nil {
			ev.CompletedAt = *mat.CompletedAt
		}
		out = append(out, ev)
	}
	return out, nil
}
func (r *statefulRepo) MaterializationOrderOf(ctx context.Context, kind assets.OutputItemKind, id assets.InstanceID, matID assets.MaterializationID) (membership.MaterializationOrder, error) {
	mat := r.materializations[matID]
	order := membership.MaterializationOrder{MaterializationID: matID}
	if mat != nil && mat.CompletedAt != nil {
		order.CompletedAt = *mat.CompletedAt
	}
	return order, nil
}

// statefulMemberReader adapts *statefulRepo to membership.Reader/Writer, the
// same shape infrastructure/assetstore's memberReader gives the real store,
// so RebuildMembershipSnapshot above can reuse membership.Rebuild unchanged.
type statefulMemberReader struct{ r *statefulRepo }

func (a statefulMemberReader) ListSnapshot(ctx context.Context, id assets.InstanceID) (map[int64]struct{}, error) {
	return a.r.snapshots[id], nil
}
func (a statefulMemberReader) ListOrderedEvents(ctx context.Context, id assets.InstanceID) ([]membership.OrderedEvent, error) {
	return a.r.ListOrderedEvents(ctx, "", id)
}
func (a statefulMemberReader) ListEnteredItemIDs(ctx context.Context, id assets.InstanceID) (map[int64]struct{}, error) {
	return a.r.entered[id], nil
}
func (a statefulMemberReader) MaterializationOrderOf(ctx context.Context, id assets.InstanceID, matID assets.MaterializationID) (membership.MaterializationOrder, error) {
	return a.r.MaterializationOrderOf(ctx, "", id, matID)
}
func (a statefulMemberReader) ReplaceSnapshot(ctx context.Context, id assets.InstanceID, matID assets.MaterializationID, items []int64) error {
	return a.r.ReplaceMembershipSnapshot(ctx, "", id, matID, items)
}
func (r *statefulRepo) AcquireAdvisoryLock(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (r *statefulRepo) ReleaseAdvisoryLock(ctx context.Context, key string) error { return nil }
func (r *statefulRepo) GetLatestFollowersSyncRun(ctx context.Context, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return nil, nil
}
func (r *statefulRepo) GetLatestFollowingsSyncRun(ctx context.Context, targetUserID int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return nil, nil
}
func (r *statefulRepo) GetLatestPostsSyncRun(ctx context.Context, targetUserIDs []int64, status *ingest.SyncStatus, mode *ingest.SyncMode) (*ingest.SyncRun, error) {
	return nil, nil
}
func (r *statefulRepo) LinkPostsSyncRunToMaterializations(ctx context.Context, syncRunID string, matIDs []assets.MaterializationID) error {
	return nil
}
func (r *statefulRepo) RecordPlannerEvent(ctx context.Context, entry assets.DecisionLogEntry) error {
	r.decisions = append(r.decisions, entry)
	return nil
}
func (r *statefulRepo) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeLease either always acquires (immediate call of action) or always
// denies, per the lock-timeout test below.
type fakeLease struct{ deny bool }

func (l *fakeLease) WithLease(ctx context.Context, key string, timeout time.Duration, action func(ctx context.Context) error) (bool, error) {
	if l.deny {
		return false, nil
	}
	return true, action(ctx)
}

// fakeGraph answers GetSpecifiedUserIDs with a fixed, mutable slice so
// tests can flip "inputs changed" between calls, and answers GetFollowerIDs
// per subject so fanout tests can give each target member its own
// follower set (and inject a failure for one subject, to exercise fanout
// target failure isolation).
type fakeGraph struct {
	specifiedUsers map[string][]int64
	followers      map[int64][]int64
	followerErr    map[int64]error
}

func (g *fakeGraph) GetSpecifiedUserIDs(ctx context.Context, stableKey string) ([]int64, error) {
	return g.specifiedUsers[stableKey], nil
}
func (g *fakeGraph) GetFollowerIDs(ctx context.Context, subjectUserID int64) ([]int64, error) {
	if err, ok := g.followerErr[subjectUserID]; ok {
		return nil, err
	}
	return g.followers[subjectUserID], nil
}
func (g *fakeGraph) GetFollowedIDs(ctx context.Context, subjectUserID int64) ([]int64, error) { return nil, nil }
func (g *fakeGraph) GetPostIDsByAuthors(ctx context.Context, authorUserIDs []int64, since int64) ([]int64, error) {
	return nil, nil
}

func newTestEngine(repo *statefulRepo, lease *fakeLease, graph *fakeGraph) *Engine {
	return &Engine{
		Repo:     repo,
		Registry: registry.New(),
		Lease:    lease,
		Graph:    graph,
		Config:   Config{LockTimeoutMs: 1000},
	}
}

func TestMaterializeInstanceByIDSucceedsForSpecifiedUsers(t *testing.T) {
	repo := newStatefulRepo()
	params := assets.NewSpecifiedUsers("vips", nil)
	repo.addInstance(1, params)
	graph := &fakeGraph{specifiedUsers: map[string][]int64{"vips": {10, 20}}}
	e := newTestEngine(repo, &fakeLease{}, graph)

	outcome, err := e.MaterializeInstanceByID(context.Background(), 1, "test")
	if err != nil {
		t.Fatalf("MaterializeInstanceByID: %v", err)
	}
	if outcome.Status != OutcomeSuccess {
		t.Fatalf("expected success, got %s (%s)", outcome.Status, outcome.ErrorMessage)
	}
	if outcome.MaterializationID == nil || *outcome.OutputRevision != 1 {
		t.Fatalf("expected first materialization at revision 1, got %+v", outcome)
	}
	if _, ok := repo.snapshots[1][10]; !ok {
		t.Fatalf("expected user 10 in snapshot, got %v", repo.snapshots[1])
	}
	if _, ok := repo.snapshots[1][20]; !ok {
		t.Fatalf("expected user 20 in snapshot, got %v", repo.snapshots[1])
	}
}

func TestMaterializeInstanceByIDSkipsWhenInputsUnchanged(t *testing.T) {
	repo := newStatefulRepo()
	params := assets.NewSpecifiedUsers("vips", nil)
	repo.addInstance(1, params)
	graph := &fakeGraph{specifiedUsers: map[string][]int64{"vips": {10, 20}}}
	e := newTestEngine(repo, &fakeLease{}, graph)
	ctx := context.Background()

	first, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil || first.Status != OutcomeSuccess {
		t.Fatalf("first call: outcome=%+v err=%v", first, err)
	}

	second, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Status != OutcomeSkipped {
		t.Fatalf("expected skipped on unchanged inputs, got %s", second.Status)
	}
	if *second.MaterializationID != *first.MaterializationID {
		t.Fatalf("skip should repoint to the same materialization, got %d vs %d", *second.MaterializationID, *first.MaterializationID)
	}

	foundSkip := false
	for _, d := range repo.decisions {
		if d.Decision == assets.DecisionSkipped {
			foundSkip = true
		}
	}
	if !foundSkip {
		t.Fatal("expected a skipped decision log entry")
	}
}

func TestMaterializeInstanceByIDRematerializesWhenInputsChange(t *testing.T) {
	repo := newStatefulRepo()
	params := assets.NewSpecifiedUsers("vips", nil)
	repo.addInstance(1, params)
	graph := &fakeGraph{specifiedUsers: map[string][]int64{"vips": {10, 20}}}
	e := newTestEngine(repo, &fakeLease{}, graph)
	ctx := context.Background()

	first, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil || first.Status != OutcomeSuccess {
		t.Fatalf("first call: outcome=%+v err=%v", first, err)
	}

	graph.specifiedUsers["vips"] = []int64{10, 30}
	second, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if second.Status != OutcomeSuccess {
		t.Fatalf("expected a fresh materialization, got %s", second.Status)
	}
	if *second.OutputRevision != 2 {
		t.Fatalf("expected output_revision to advance to 2, got %d", *second.OutputRevision)
	}
	if _, ok := repo.snapshots[1][20]; ok {
		t.Fatal("expected user 20 to have exited the snapshot")
	}
	if _, ok := repo.snapshots[1][30]; !ok {
		t.Fatal("expected user 30 to have entered the snapshot")
	}
}

func TestMaterializeInstanceByIDLockTimeoutProducesErrorOutcome(t *testing.T) {
	repo := newStatefulRepo()
	params := assets.NewSpecifiedUsers("vips", nil)
	repo.addInstance(1, params)
	graph := &fakeGraph{specifiedUsers: map[string][]int64{"vips": {10}}}
	e := newTestEngine(repo, &fakeLease{deny: true}, graph)

	outcome, err := e.MaterializeInstanceByID(context.Background(), 1, "test")
	if err != nil {
		t.Fatalf("MaterializeInstanceByID: %v", err)
	}
	if outcome.Status != OutcomeError {
		t.Fatalf("expected error outcome on lock timeout, got %s", outcome.Status)
	}
	if outcome.MaterializationID != nil {
		t.Fatal("expected no materialization row created on lock timeout")
	}
	if len(repo.materializations) != 0 {
		t.Fatalf("expected no materialization row persisted, got %d", len(repo.materializations))
	}

	foundLockTimeout := false
	for _, d := range repo.decisions {
		if d.Decision == assets.DecisionLockTimeout && d.TargetID == "1" {
			foundLockTimeout = true
		}
	}
	if !foundLockTimeout {
		t.Fatal("expected a lock_timeout decision log entry with matching target_id")
	}
}

func TestMaterializeInstanceByIDMissingInstanceIsError(t *testing.T) {
	repo := newStatefulRepo()
	e := newTestEngine(repo, &fakeLease{}, &fakeGraph{})

	outcome, err := e.MaterializeInstanceByID(context.Background(), 99, "test")
	if err != nil {
		t.Fatalf("MaterializeInstanceByID: %v", err)
	}
	if outcome.Status != OutcomeError {
		t.Fatalf("expected error for missing instance, got %s", outcome.Status)
	}
}

// TestMaterializeInstanceByIDRepairsCheckpointFromEventHistory exercises
// checkpoint repair: an instance whose membership pointer and snapshot have
// gone missing (simulating a crash that left current_membership_materialization
// null) despite a prior successful materialization still on record, with its
// full event history intact. ensureCheckpoint must rebuild the snapshot from
// that history before diffing this tick's membership against it, or the
// already-current members would incorrectly show up as new enters.
func TestMaterializeInstanceByIDRepairsCheckpointFromEventHistory(t *testing.T) {
	repo := newStatefulRepo()
	params := assets.NewSpecifiedUsers("vips", nil)
	repo.addInstance(1, params)
	graph := &fakeGraph{specifiedUsers: map[string][]int64{"vips": {10, 20}}}
	e := newTestEngine(repo, &fakeLease{}, graph)
	ctx := context.Background()

	first, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil || first.Status != OutcomeSuccess {
		t.Fatalf("first call: outcome=%+v err=%v", first, err)
	}

	graph.specifiedUsers["vips"] = []int64{10, 30}
	second, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil || second.Status != OutcomeSuccess {
		t.Fatalf("second call: outcome=%+v err=%v", second, err)
	}

	// Simulate the dangling checkpoint: pointer and snapshot gone, event
	// history and the successful materialization row still present.
	repo.instances[1].CurrentMembershipMaterialization = nil
	repo.snapshots[1] = nil

	graph.specifiedUsers["vips"] = []int64{10, 30, 40}
	third, err := e.MaterializeInstanceByID(ctx, 1, "test")
	if err != nil || third.Status != OutcomeSuccess {
		t.Fatalf("third call: outcome=%+v err=%v", third, err)
	}

	foundRepair := false
	for _, d := range repo.decisions {
		if d.Decision == assets.DecisionCheckpointRepair {
			foundRepair = true
		}
	}
	if !foundRepair {
		t.Fatal("expected a checkpoint_repair decision log entry")
	}

	for _, id := range []int64{10, 30, 40} {
		if _, ok := repo.snapshots[1][id]; !ok {
			t.Fatalf("expected user %d in post-repair snapshot, got %v", id, repo.snapshots[1])
		}
	}
	if _, ok := repo.snapshots[1][20]; ok {
		t.Fatal("expected user 20 to stay exited after repair")
	}

	// Had the repair not restored {10, 30} as the pre-tick snapshot, 10 and
	// 30 would wrongly show up as fresh enters on this tick alongside 40.
	reentered := map[int64]bool{}
	thirdMatID := *third.MaterializationID
	for _, ev := range repo.events[1] {
		if ev.MaterializationID == thirdMatID && ev.EventType == assets.EventEnter {
			reentered[ev.ItemID] = true
		}
	}
	if reentered[10] || reentered[30] {
		t.Fatalf("repair should have prevented 10/30 from re-entering as new members, got enter events %v", reentered)
	}
	if !reentered[40] {
		t.Fatal("expected 40 to enter as a new member on this tick")
	}
}
