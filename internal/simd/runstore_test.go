package simd

import (
	"errors"
	"testing"
	"time"

	"github.com/GoSim-25-26J-441/montecarlo-core/pkg/models"
)

func testRequest(runID string) models.RunRequest {
	return models.RunRequest{
		RunID:           runID,
		StockValue:      100,
		Strike:          100,
		Volatility:      0.2,
		Steps:           5,
		Horizon:         1,
		SimulationCount: 6,
		BatchSize:       2,
		OptionType:      "call",
		WorkerCount:     2,
	}
}

func TestRunStoreCreateAndGet(t *testing.T) {
	store := NewRunStore()

	rec, err := store.Create(testRequest(""))
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected generated run id")
	}
	if rec.Request.RunID != rec.ID {
		t.Fatalf("expected generated id written into request, got %q", rec.Request.RunID)
	}
	if key := rec.Request.StoreKey(); key != "workers_2" {
		t.Fatalf("expected worker-count store key for a run without id, got %q", key)
	}
	if rec.Status != models.RunStatusPending {
		t.Fatalf("expected status pending, got %v", rec.Status)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}

	got, ok := store.Get(rec.ID)
	if !ok {
		t.Fatalf("expected run to exist")
	}
	if got.ID != rec.ID {
		t.Fatalf("expected same run id")
	}
}

func TestRunStoreCreateDuplicate(t *testing.T) {
	store := NewRunStore()
	if _, err := store.Create(testRequest("run-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := store.Create(testRequest("run-1"))
	if !errors.Is(err, ErrRunExists) {
		t.Fatalf("expected ErrRunExists, got %v", err)
	}
}

func TestRunStoreCreateRejectsUnsafeIDs(t *testing.T) {
	store := NewRunStore()
	for _, id := range []string{"a/b", `a\b`, "a:b", "..", "x..y"} {
		if _, err := store.Create(testRequest(id)); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("id %q: expected ErrValidation, got %v", id, err)
		}
	}
}

func TestRunStoreSetStatusSetsTimestamps(t *testing.T) {
	store := NewRunStore()
	rec, err := store.Create(testRequest("run-1"))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if !rec.StartedAt.IsZero() || !rec.EndedAt.IsZero() {
		t.Fatalf("expected timestamps not set initially")
	}

	rec, err = store.SetStatus("run-1", models.RunStatusRunning, "")
	if err != nil {
		t.Fatalf("SetStatus running error: %v", err)
	}
	if rec.StartedAt.IsZero() {
		t.Fatalf("expected started_at set")
	}
	if !rec.EndedAt.IsZero() {
		t.Fatalf("did not expect ended_at set for running")
	}

	rec, err = store.SetStatus("run-1", models.RunStatusCompleted, "")
	if err != nil {
		t.Fatalf("SetStatus completed error: %v", err)
	}
	if rec.EndedAt.IsZero() {
		t.Fatalf("expected ended_at set")
	}
}

func TestRunStoreTerminalStatusIsFinal(t *testing.T) {
	store := NewRunStore()
	if _, err := store.Create(testRequest("run-1")); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if _, err := store.SetStatus("run-1", models.RunStatusCancelled, ""); err != nil {
		t.Fatalf("SetStatus cancelled error: %v", err)
	}

	rec, err := store.SetStatus("run-1", models.RunStatusFailed, "boom")
	if !errors.Is(err, ErrRunTerminal) {
		t.Fatalf("expected ErrRunTerminal, got %v", err)
	}
	if rec.Status != models.RunStatusCancelled || rec.Error != "" {
		t.Fatalf("expected record unchanged, got %+v", rec)
	}
}

func TestRunStoreSetStatusUnknownRun(t *testing.T) {
	store := NewRunStore()
	if _, err := store.SetStatus("missing", models.RunStatusRunning, ""); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if err := store.SetSummary("missing", models.RunSummary{}); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestRunStoreSetSummary(t *testing.T) {
	store := NewRunStore()
	if _, err := store.Create(testRequest("run-1")); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	summary := models.RunSummary{TotalSimulations: 6, SucceededSimulations: 6, AveragePayoff: 7.5, Timestamp: time.Now()}
	if err := store.SetSummary("run-1", summary); err != nil {
		t.Fatalf("SetSummary error: %v", err)
	}
	rec, _ := store.Get("run-1")
	if rec.Summary == nil || rec.Summary.AveragePayoff != 7.5 {
		t.Fatalf("expected summary attached, got %+v", rec.Summary)
	}
}

func TestRunStoreList(t *testing.T) {
	store := NewRunStore()
	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if _, err := store.Create(testRequest(id)); err != nil {
			t.Fatalf("Create %s error: %v", id, err)
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := store.SetStatus("run-b", models.RunStatusRunning, ""); err != nil {
		t.Fatalf("SetStatus error: %v", err)
	}

	all := store.List(10, 0, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != "run-c" || all[2].ID != "run-a" {
		t.Fatalf("expected newest first, got %s..%s", all[0].ID, all[2].ID)
	}

	page := store.List(1, 1, "")
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Fatalf("expected run-b on second page, got %+v", page)
	}

	running := store.List(10, 0, models.RunStatusRunning)
	if len(running) != 1 || running[0].ID != "run-b" {
		t.Fatalf("expected only run-b running, got %+v", running)
	}

	if got := store.List(10, 5, ""); len(got) != 0 {
		t.Fatalf("expected empty page past the end, got %d", len(got))
	}
}
