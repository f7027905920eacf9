//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"spores/internal/model"
)

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "spores.db"))
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreGraphAndOptimizationRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	record := model.GraphRecord{VersionedRecord: Versioned(), ID: "run-1", DistanceThreshold: 1.5e-3, Document: sampleDocument()}
	if err := store.SaveGraph(ctx, record); err != nil {
		t.Fatalf("save graph: %v", err)
	}
	loaded, ok, err := store.GetGraph(ctx, "run-1")
	if err != nil {
		t.Fatalf("get graph: %v", err)
	}
	if !ok {
		t.Fatal("expected graph run-1")
	}
	if loaded.Document.Statistics != record.Document.Statistics || loaded.Document.Links[0].RawDt != 0.1 {
		t.Fatalf("unexpected graph loaded: %+v", loaded)
	}

	opt := model.OptimizationRecord{VersionedRecord: Versioned(), RunID: "run-1", Status: "converged", Area: 0.25, AreaTrace: []float64{0.2, 0.25}}
	if err := store.SaveOptimization(ctx, opt); err != nil {
		t.Fatalf("save optimization: %v", err)
	}
	opt.Area = 0.3
	if err := store.SaveOptimization(ctx, opt); err != nil {
		t.Fatalf("overwrite optimization: %v", err)
	}
	loadedOpt, ok, err := store.GetOptimization(ctx, "run-1")
	if err != nil {
		t.Fatalf("get optimization: %v", err)
	}
	if !ok || loadedOpt.Area != 0.3 || len(loadedOpt.AreaTrace) != 2 {
		t.Fatalf("unexpected optimization loaded: %+v", loadedOpt)
	}

	if _, ok, err := store.GetGraph(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing graph, got ok=%v err=%v", ok, err)
	}
}

func TestSQLiteStoreListRunsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := openSQLiteStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"late", "early"} {
		run := model.RunRecord{
			VersionedRecord: Versioned(),
			ID:              id,
			CreatedAt:       base.Add(time.Duration(1-i) * time.Hour),
			Pairs:           []model.PairSummary{{A: "1", B: "2", Distance: 1e-7}},
		}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("save run: %v", err)
		}
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "early" || runs[1].ID != "late" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if len(runs[0].Pairs) != 1 {
		t.Fatalf("pairs lost: %+v", runs[0])
	}
}

func TestSQLiteStoreRequiresInit(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "spores.db"))
	if _, _, err := store.GetRun(context.Background(), "x"); err == nil {
		t.Fatal("expected error before init")
	}
}
