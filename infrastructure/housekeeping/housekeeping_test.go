package housekeeping

import (
	"context"
	"testing"
	"time"

	"github.com/graphassets/engine/domain/assets"
	"github.com/graphassets/engine/infrastructure/assetstore"
)

type fakeStore struct {
	stale       []assetstore.StaleMaterialization
	pruned      int64
	pruneCutoff time.Time
}

func (f *fakeStore) ListStaleInProgressMaterializations(ctx context.Context, cutoff time.Time) ([]assetstore.StaleMaterialization, error) {
	return f.stale, nil
}

func (f *fakeStore) PruneDecisionLogBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.pruneCutoff = cutoff
	return f.pruned, nil
}

type fakeLogger struct {
	warnings []string
}

func (f *fakeLogger) Infof(format string, args ...any)  {}
func (f *fakeLogger) Warnf(format string, args ...any)  { f.warnings = append(f.warnings, format) }
func (f *fakeLogger) Errorf(format string, args ...any) {}

func TestRunOnceLogsStaleMaterializationsAndPrunes(t *testing.T) {
	store := &fakeStore{
		stale: []assetstore.StaleMaterialization{
			{ID: 1, AssetInstanceID: 2, Slug: assets.Slug("segment_followers"), StartedAt: time.Now().Add(-time.Hour)},
		},
		pruned: 3,
	}
	logger := &fakeLogger{}
	job := New(store, logger, 30, 10*time.Minute)

	job.runOnce(context.Background())

	if len(logger.warnings) != 1 {
		t.Fatalf("expected one stale-materialization warning, got %d", len(logger.warnings))
	}
	if store.pruneCutoff.IsZero() {
		t.Fatal("expected PruneDecisionLogBefore to be called with a non-zero cutoff")
	}
}

func TestNewDefaultsStaleAfter(t *testing.T) {
	job := New(&fakeStore{}, &fakeLogger{}, 30, 0)
	if job.StaleInProgressAfter != 30*time.Minute {
		t.Fatalf("expected default stale-after of 30m, got %v", job.StaleInProgressAfter)
	}
}
