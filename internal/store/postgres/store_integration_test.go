package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	serviceID := seedService(t, ctx, st, 0)
	engine := queue.NewEngine(st, queue.Options{})
	for i := 0; i < 4; i++ {
		if _, _, err := engine.CreateToken(ctx, serviceID, uuid.NewString()); err != nil {
			t.Fatalf("create token: %v", err)
		}
	}

	var wg sync.WaitGroup
	results := make(chan callResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := engine.CallNext(ctx, serviceID)
			results <- callResult{tokenID: token.TokenID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		if seen[result.tokenID] {
			t.Fatalf("token %s called twice", result.tokenID)
		}
		seen[result.tokenID] = true
	}

	if _, err := engine.CallNext(ctx, serviceID); !errors.Is(err, store.ErrNoTokensWaiting) {
		t.Fatalf("expected no tokens waiting, got %v", err)
	}
}

func TestCreateTokenIdempotency(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	serviceID := seedService(t, ctx, st, 0)
	engine := queue.NewEngine(st, queue.Options{})
	userID := uuid.NewString()

	first, created, err := engine.CreateToken(ctx, serviceID, userID)
	if err != nil || !created {
		t.Fatalf("create token: created=%v err=%v", created, err)
	}
	second, created, err := engine.CreateToken(ctx, serviceID, userID)
	if err != nil {
		t.Fatalf("create token again: %v", err)
	}
	if created || first.TokenID != second.TokenID {
		t.Fatalf("expected existing token %s, got %s (created=%v)", first.TokenID, second.TokenID, created)
	}

	events, err := st.ListTokenEvents(ctx, first.TokenID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != store.EventTokenCreated {
		t.Fatalf("expected 1 token.created event, got %d", len(events))
	}
	if err := store.VerifyTokenEvents(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
}

func TestCallTimeoutLifecycle(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	serviceID := seedService(t, ctx, st, 1)
	engine := queue.NewEngine(st, queue.Options{})
	token, _, err := engine.CreateToken(ctx, serviceID, uuid.NewString())
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := engine.CallNext(ctx, serviceID); err != nil {
		t.Fatalf("call next: %v", err)
	}

	now := time.Now().UTC().Add(5 * time.Second)
	jobs, err := st.ClaimDueTimeouts(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TokenID != token.TokenID {
		t.Fatalf("expected job for %s, got %+v", token.TokenID, jobs)
	}
	leased, err := st.ClaimDueTimeouts(ctx, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim leased: %v", err)
	}
	if len(leased) != 0 {
		t.Fatalf("expected leased job to be hidden, got %d", len(leased))
	}

	if err := engine.HandleCallTimeout(ctx, jobs[0]); err != nil {
		t.Fatalf("handle timeout: %v", err)
	}
	current, err := st.GetToken(ctx, token.TokenID)
	if err != nil {
		t.Fatalf("get token: %v", err)
	}
	if current.Status != models.StatusNoShow {
		t.Fatalf("expected NO_SHOW, got %s", current.Status)
	}
}

func TestUnknownServiceLock(t *testing.T) {
	ctx := context.Background()
	st, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	err := st.WithServiceLock(ctx, "missing", func(store.QueueTx) error { return nil })
	if !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected service not found, got %v", err)
	}
}

type callResult struct {
	tokenID string
	err     error
}

func seedService(t *testing.T, ctx context.Context, st *Store, timeoutSeconds int) string {
	t.Helper()
	serviceID := uuid.NewString()
	err := st.UpsertService(ctx, models.Service{
		ServiceID:            serviceID,
		Code:                 "SV",
		Name:                 "Service",
		IsActive:             true,
		EstimatedServiceTime: 300,
		CallTimeoutSeconds:   timeoutSeconds,
	})
	if err != nil {
		t.Fatalf("insert service: %v", err)
	}
	return serviceID
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool, Options{}), cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
