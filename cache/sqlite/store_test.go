package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/manlek25/optantes"
	"github.com/manlek25/optantes/cache"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetMiss(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "11222333000181")
	if !errors.Is(err, optantes.ErrCacheMiss) {
		t.Errorf("Get = %v, want ErrCacheMiss", err)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := &cache.Entry{
		CNPJ:        "11222333000181",
		LegalName:   "ACME LTDA",
		Simples:     "Sim",
		Simei:       "Não",
		ConsultedAt: now,
		FetchedAt:   now,
	}
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "11222333000181")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LegalName != "ACME LTDA" || got.Simples != "Sim" || got.Simei != "Não" {
		t.Errorf("Get returned %+v", got)
	}
	if !got.ConsultedAt.Equal(now) {
		t.Errorf("ConsultedAt = %v, want %v", got.ConsultedAt, now)
	}
	if !got.FetchedAt.Equal(now) {
		t.Errorf("FetchedAt = %v, want %v", got.FetchedAt, now)
	}
	if got.NotFound {
		t.Error("NotFound set on positive entry")
	}
}

func TestPutUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	if err := store.Put(ctx, &cache.Entry{CNPJ: "11222333000181", LegalName: "OLD", FetchedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, &cache.Entry{CNPJ: "11222333000181", LegalName: "NEW", FetchedAt: now}); err != nil {
		t.Fatalf("Put (upsert): %v", err)
	}

	got, err := store.Get(ctx, "11222333000181")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LegalName != "NEW" {
		t.Errorf("LegalName = %q, want NEW", got.LegalName)
	}
}

func TestNegativeRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := cache.NotFoundEntry("11222333000181", time.Now().UTC())
	if err := store.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := store.Get(ctx, "11222333000181")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.NotFound {
		t.Error("NotFound flag lost")
	}
	if !got.ConsultedAt.IsZero() {
		t.Errorf("ConsultedAt = %v, want zero", got.ConsultedAt)
	}
}

func TestPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	store.Put(ctx, &cache.Entry{CNPJ: "11111111111111", FetchedAt: now.Add(-48 * time.Hour)})
	store.Put(ctx, &cache.Entry{CNPJ: "22222222222222", FetchedAt: now})

	dropped, err := store.Purge(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
	if _, err := store.Get(ctx, "11111111111111"); !errors.Is(err, optantes.ErrCacheMiss) {
		t.Error("stale entry survived Purge")
	}
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Now().UTC()
	if err := store.Put(ctx, &cache.Entry{CNPJ: "11222333000181", LegalName: "ACME", FetchedAt: now}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	store.Close()

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "11222333000181")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.LegalName != "ACME" {
		t.Errorf("LegalName = %q, want ACME", got.LegalName)
	}
}
