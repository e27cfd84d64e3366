package socialgraph

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGetSpecifiedUserIDsReturnsOrderedIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT user_id FROM specified_user_list_members").
		WithArgs("launch-cohort").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(int64(1)).AddRow(int64(2)))

	s := New(db)
	ids, err := s.GetSpecifiedUserIDs(context.Background(), "launch-cohort")
	if err != nil {
		t.Fatalf("GetSpecifiedUserIDs: %v", err)
	}
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGetFollowerIDsQueriesByFollowedID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT follower_id FROM follow_edges").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"follower_id"}).AddRow(int64(7)))

	s := New(db)
	ids, err := s.GetFollowerIDs(context.Background(), 42)
	if err != nil {
		t.Fatalf("GetFollowerIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestReplaceFollowersOfDeletesThenInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM follow_edges WHERE followed_id").
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO follow_edges").
		WithArgs(int64(7), int64(42)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	s := New(db)
	if err := s.ReplaceFollowersOf(context.Background(), 42, []int64{7}); err != nil {
		t.Fatalf("ReplaceFollowersOf: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
