//go:build integration

package event

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/attnlabs/pacebreak/internal/testutil"
)

func seedEvents(t *testing.T, store *PostgresStore, userID string, t0 time.Time) {
	t.Helper()
	ctx := context.Background()

	specs := []struct {
		typ      Type
		offset   time.Duration
		velocity float64
	}{
		{TypeAppOpen, 0, 0},
		{TypeScroll, 1 * time.Minute, 800},
		{TypeScroll, 2 * time.Minute, 2400},
		{TypeScreenView, 3 * time.Minute, 0},
		{TypeAppOpen, 4 * time.Minute, 0},
	}
	for i, s := range specs {
		e := &Event{
			ID:         fmt.Sprintf("evt_pg_%02d", i),
			UserID:     userID,
			DeviceID:   "dev_pg_1",
			SessionID:  "ses_pg_1",
			Type:       s.typ,
			OccurredAt: t0.Add(s.offset),
		}
		if s.velocity > 0 {
			e.Payload = map[string]any{"velocity": s.velocity}
		}
		if err := store.Insert(ctx, e); err != nil {
			t.Fatalf("insert event %d: %v", i, err)
		}
	}
}

func TestPostgresStore_ListSince(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	t0 := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEvents(t, store, "usr_pg_a", t0)

	all, err := store.ListSince(ctx, "usr_pg_a", t0, 0)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("events = %d, want 5", len(all))
	}
	if all[0].ID != "evt_pg_00" || all[4].ID != "evt_pg_04" {
		t.Fatalf("events not in ascending order: %s .. %s", all[0].ID, all[4].ID)
	}
	if all[1].Payload["velocity"] != float64(800) {
		t.Fatalf("payload lost on round trip: %+v", all[1].Payload)
	}

	tail, err := store.ListSince(ctx, "usr_pg_a", t0.Add(3*time.Minute), 0)
	if err != nil {
		t.Fatalf("list since offset: %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail events = %d, want 2", len(tail))
	}

	other, _ := store.ListSince(ctx, "usr_pg_b", t0, 0)
	if len(other) != 0 {
		t.Fatalf("other user sees %d events", len(other))
	}
}

func TestPostgresStore_ListPage(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	t0 := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEvents(t, store, "usr_pg_a", t0)

	page, err := store.ListPage(ctx, "usr_pg_a", time.Time{}, "", 2)
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "evt_pg_04" || page[1].ID != "evt_pg_03" {
		t.Fatalf("first page = %+v", page)
	}

	last := page[len(page)-1]
	page, err = store.ListPage(ctx, "usr_pg_a", last.OccurredAt, last.ID, 2)
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(page) != 2 || page[0].ID != "evt_pg_02" || page[1].ID != "evt_pg_01" {
		t.Fatalf("second page = %+v", page)
	}

	last = page[len(page)-1]
	page, err = store.ListPage(ctx, "usr_pg_a", last.OccurredAt, last.ID, 2)
	if err != nil {
		t.Fatalf("last page: %v", err)
	}
	if len(page) != 1 || page[0].ID != "evt_pg_00" {
		t.Fatalf("last page = %+v", page)
	}
}

func TestPostgresStore_Aggregates(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	t0 := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEvents(t, store, "usr_pg_a", t0)

	opens, err := store.CountTypesSince(ctx, "usr_pg_a", []Type{TypeAppOpen}, t0)
	if err != nil {
		t.Fatalf("count opens: %v", err)
	}
	if opens != 2 {
		t.Fatalf("app_open count = %d, want 2", opens)
	}

	vmax, err := store.MaxScrollVelocitySince(ctx, "usr_pg_a", t0)
	if err != nil {
		t.Fatalf("max velocity: %v", err)
	}
	if vmax != 2400 {
		t.Fatalf("max velocity = %v, want 2400", vmax)
	}

	// No scroll events in the window yields zero, not an error.
	vmax, err = store.MaxScrollVelocitySince(ctx, "usr_pg_a", t0.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("max velocity empty window: %v", err)
	}
	if vmax != 0 {
		t.Fatalf("max velocity = %v, want 0", vmax)
	}
}

func TestPostgresStore_MarkProcessed(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	t0 := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	seedEvents(t, store, "usr_pg_a", t0)

	if err := store.MarkProcessed(ctx, []string{"evt_pg_00", "evt_pg_01"}); err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if err := store.MarkProcessed(ctx, nil); err != nil {
		t.Fatalf("mark processed empty: %v", err)
	}

	all, err := store.ListSince(ctx, "usr_pg_a", t0, 0)
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	var processed int
	for _, e := range all {
		if e.Processed {
			processed++
		}
	}
	if processed != 2 {
		t.Fatalf("processed events = %d, want 2", processed)
	}
}
