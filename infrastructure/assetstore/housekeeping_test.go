package assetstore

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestListStaleInProgressMaterializations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().Add(-time.Hour)
	started := cutoff.Add(-time.Minute)
	mock.ExpectQuery("SELECT id, asset_instance_id, slug, started_at").
		WithArgs("in_progress", cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "asset_instance_id", "slug", "started_at"}).
			AddRow(int64(1), int64(2), "segment_followers", started))

	s := New(db)
	stale, err := s.ListStaleInProgressMaterializations(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("ListStaleInProgressMaterializations: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != 1 {
		t.Fatalf("unexpected stale rows: %+v", stale)
	}
}

func TestPruneDecisionLogBeforeReturnsRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM planner_decision_log").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 5))

	s := New(db)
	n, err := s.PruneDecisionLogBefore(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PruneDecisionLogBefore: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 rows affected, got %d", n)
	}
}
