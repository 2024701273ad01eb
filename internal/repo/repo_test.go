package repo_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/BenjaminMensah-2255/whos-going/internal/db"
	"github.com/BenjaminMensah-2255/whos-going/internal/domain"
	"github.com/BenjaminMensah-2255/whos-going/internal/migrate"
	"github.com/BenjaminMensah-2255/whos-going/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func inTx(t *testing.T, r repo.Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func seedUser(t *testing.T, r repo.Repo, id, name string) {
	t.Helper()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertUser(context.Background(), tx, domain.User{
			ID: id, Name: name, PasswordHash: "x", CreatedAt: "2026-03-02T09:00:00Z",
		})
	})
}

func seedRun(t *testing.T, r repo.Repo, id, runnerID, departure string) {
	t.Helper()
	inTx(t, r, func(tx *sql.Tx) error {
		return r.InsertRun(context.Background(), tx, domain.Run{
			ID:            id,
			VendorName:    "Vendor",
			RunnerID:      runnerID,
			DepartureTime: departure,
			Status:        domain.RunOpen,
			CreatedAt:     "2026-03-02T09:00:00Z",
		})
	})
}

func TestRunNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetRun(context.Background(), "missing"); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.GetUser(context.Background(), "missing"); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if _, err := r.GetItem(context.Background(), "missing"); err != repo.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCloseRunIfOpenIsConditional(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedUser(t, r, "u1", "alice")
	seedRun(t, r, "r1", "u1", "2026-03-02T09:30:00Z")

	inTx(t, r, func(tx *sql.Tx) error {
		flipped, err := r.CloseRunIfOpen(ctx, tx, "r1")
		if err != nil {
			return err
		}
		if !flipped {
			t.Fatalf("first close did not flip")
		}
		return nil
	})
	inTx(t, r, func(tx *sql.Tx) error {
		flipped, err := r.CloseRunIfOpen(ctx, tx, "r1")
		if err != nil {
			return err
		}
		if flipped {
			t.Fatalf("second close flipped again")
		}
		return nil
	})
}

func TestCloseRunIfDueRespectsDeparture(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedUser(t, r, "u1", "alice")
	seedRun(t, r, "r1", "u1", "2026-03-02T09:30:00Z")

	// Not due yet.
	inTx(t, r, func(tx *sql.Tx) error {
		flipped, err := r.CloseRunIfDue(ctx, tx, "r1", "2026-03-02T09:00:00Z")
		if err != nil {
			return err
		}
		if flipped {
			t.Fatalf("closed a run before its departure")
		}
		return nil
	})
	// Due.
	inTx(t, r, func(tx *sql.Tx) error {
		flipped, err := r.CloseRunIfDue(ctx, tx, "r1", "2026-03-02T09:30:00Z")
		if err != nil {
			return err
		}
		if !flipped {
			t.Fatalf("did not close a due run")
		}
		return nil
	})
}

func TestListActiveRunsOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedUser(t, r, "u1", "alice")
	seedRun(t, r, "late", "u1", "2026-03-02T10:00:00Z")
	seedRun(t, r, "soon", "u1", "2026-03-02T09:15:00Z")
	inTx(t, r, func(tx *sql.Tx) error {
		return r.SetRunStatus(ctx, tx, "late", domain.RunCompleted)
	})
	seedRun(t, r, "mid", "u1", "2026-03-02T09:45:00Z")

	runs, err := r.ListActiveRuns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("runs = %d, want 2 (completed excluded)", len(runs))
	}
	if runs[0].ID != "soon" || runs[1].ID != "mid" {
		t.Fatalf("order = %s, %s", runs[0].ID, runs[1].ID)
	}
}

func TestListRunItemsOrder(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedUser(t, r, "u1", "alice")
	seedRun(t, r, "r1", "u1", "2026-03-02T09:30:00Z")
	for i, ts := range []string{"2026-03-02T09:01:00Z", "2026-03-02T09:01:00Z", "2026-03-02T09:05:00Z"} {
		it := domain.Item{
			ID:        []string{"a", "b", "c"}[i],
			RunID:     "r1",
			UserID:    "u1",
			Name:      "item",
			Quantity:  1,
			CreatedAt: ts,
		}
		inTx(t, r, func(tx *sql.Tx) error {
			return r.InsertItem(ctx, tx, it)
		})
	}
	items, err := r.ListRunItems(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d", len(items))
	}
	// Equal timestamps keep insertion order.
	if items[0].ID != "a" || items[1].ID != "b" || items[2].ID != "c" {
		t.Fatalf("order = %s, %s, %s", items[0].ID, items[1].ID, items[2].ID)
	}
}

func TestDisplayNames(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedUser(t, r, "u1", "alice")
	seedUser(t, r, "u2", "bob")

	names, err := r.DisplayNames(ctx, []string{"u1", "u2", "u1", "ghost"})
	if err != nil {
		t.Fatal(err)
	}
	if names["u1"] != "alice" || names["u2"] != "bob" {
		t.Fatalf("names = %v", names)
	}
	if _, ok := names["ghost"]; ok {
		t.Fatalf("unknown id resolved: %v", names)
	}
}

func TestEventCursorPaging(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	inTx(t, r, func(tx *sql.Tx) error {
		for i := 0; i < 3; i++ {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
				"2026-03-02T09:00:00Z", "run.created", "r1", "run", "r1", "u1", "{}"); err != nil {
				return err
			}
		}
		return nil
	})

	latest, err := r.LatestEventID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest != 3 {
		t.Fatalf("latest = %d, want 3", latest)
	}
	evts, err := r.EventsAfter(ctx, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].ID != 2 {
		t.Fatalf("events after 1 = %+v", evts)
	}
	tail, err := r.TailEvents(ctx, 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Fatalf("tail = %d, want 2", len(tail))
	}
}

func TestDuplicateUserNameIsUniqueViolation(t *testing.T) {
	r := newTestRepo(t)
	seedUser(t, r, "u1", "alice")

	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = r.InsertUser(context.Background(), tx, domain.User{
		ID: "u2", Name: "alice", PasswordHash: "x", CreatedAt: "2026-03-02T09:00:00Z",
	})
	if err == nil {
		t.Fatal("duplicate name inserted, want error")
	}
	if !repo.IsUniqueViolation(err) {
		t.Fatalf("IsUniqueViolation(%v) = false, want true", err)
	}
	if repo.IsUniqueViolation(repo.ErrNotFound) {
		t.Fatal("IsUniqueViolation(ErrNotFound) = true, want false")
	}
}
