package socialgraph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/graphassets/engine/domain/assets/ingest"
)

type fakeRunRecorder struct {
	calls []string
}

func (f *fakeRunRecorder) CreateFollowersSyncRun(ctx context.Context, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error {
	f.calls = append(f.calls, "followers:"+string(status))
	return nil
}

func (f *fakeRunRecorder) CreateFollowingsSyncRun(ctx context.Context, id string, targetUserID int64, mode ingest.SyncMode, status ingest.SyncStatus, completedAt *time.Time) error {
	f.calls = append(f.calls, "followings:"+string(status))
	return nil
}

func (f *fakeRunRecorder) CreatePostsSyncRun(ctx context.Context, id string, targetUserIDs []int64, status ingest.SyncStatus, completedAt *time.Time) error {
	f.calls = append(f.calls, "posts:"+string(status))
	return nil
}

func TestSyncFollowersReplacesEdgesAndRecordsRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(followersPage{UserIDs: []int64{1, 2, 3}})
	}))
	defer srv.Close()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM follow_edges WHERE followed_id").WillReturnResult(sqlmock.NewResult(0, 0))
	for range []int{1, 2, 3} {
		mock.ExpectExec("INSERT INTO follow_edges").WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	store := New(db)
	runs := &fakeRunRecorder{}
	client := NewUpstreamClient(srv.URL, 5*time.Second, store, runs)

	run, err := client.SyncFollowers(context.Background(), 42, ingest.ModeFullRefresh)
	if err != nil {
		t.Fatalf("SyncFollowers: %v", err)
	}
	if run.Status != ingest.SyncStatusSuccess {
		t.Fatalf("expected success status, got %v", run.Status)
	}
	if len(runs.calls) != 1 || runs.calls[0] != "followers:success" {
		t.Fatalf("expected one successful run recorded, got %v", runs.calls)
	}
}

func TestSyncFollowersRateLimitedRecordsErrorRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	store := New(db)
	runs := &fakeRunRecorder{}
	client := NewUpstreamClient(srv.URL, 5*time.Second, store, runs)
	client.retry.MaxAttempts = 1

	_, err = client.SyncFollowers(context.Background(), 42, ingest.ModeIncremental)
	if err == nil {
		t.Fatal("expected rate limit error")
	}
	if _, ok := err.(ingest.ErrRateLimited); !ok {
		t.Fatalf("expected ingest.ErrRateLimited, got %T: %v", err, err)
	}
	if len(runs.calls) != 1 || runs.calls[0] != "followers:error" {
		t.Fatalf("expected one error run recorded, got %v", runs.calls)
	}
}
