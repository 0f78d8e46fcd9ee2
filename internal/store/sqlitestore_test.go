package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/pitabwire/formflow/model"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "formflow.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return openTestSQLite(t) })
}

func TestSQLiteStore_reopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formflow.db")
	ctx := context.Background()

	s1, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if _, err := s1.CreateSubmission(ctx, model.Submission{ID: "sub-1"}); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}
	if _, err := s1.Save(ctx, "sub-1", testPatch("manager_review", model.SubmissionStatusSubmitted, 0)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	s1.Close()

	s2, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("second OpenSQLite() error = %v", err)
	}
	defer s2.Close()

	got, err := s2.Load(ctx, "sub-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Revision != 1 || got.Status != model.SubmissionStatusSubmitted {
		t.Errorf("revision/status = %d/%s, want 1/submitted", got.Revision, got.Status)
	}
}

func TestSQLiteStore_closedHealthCheck(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "formflow.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	s.Close()
	if err := s.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() on a closed database should fail")
	}
}
