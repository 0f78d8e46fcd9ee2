package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// Backends that need a running server are exercised only when the matching
// environment variable points at one.

func TestPgStore(t *testing.T) {
	dsn := os.Getenv("FORMFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FORMFLOW_TEST_POSTGRES_DSN not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		s, err := OpenPostgres(ctx, dsn, 4, time.Minute)
		if err != nil {
			t.Fatalf("OpenPostgres() error = %v", err)
		}
		for _, table := range []string{"submissions", "users", "permission_grants"} {
			if _, err := s.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s", table)); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("FORMFLOW_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("FORMFLOW_TEST_MONGO_URI not set")
	}

	runStoreSuite(t, func(t *testing.T) Store {
		ctx := context.Background()
		db := "formflow_test_" + uuid.New().String()[:8]
		s, err := OpenMongo(ctx, uri, db, 5*time.Second)
		if err != nil {
			t.Fatalf("OpenMongo() error = %v", err)
		}
		t.Cleanup(func() {
			_ = s.client.Database(db).Drop(context.Background())
			s.Close()
		})
		return s
	})
}
