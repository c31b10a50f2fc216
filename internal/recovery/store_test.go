package recovery

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"forex-executor/internal/positions"
)

func openTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "snapshots.db"), keep, zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// TestStoreRoundTrip verifies a snapshot survives save and load with
// its exit bookkeeping intact
func TestStoreRoundTrip(t *testing.T) {
	store := openTestStore(t, 8)

	snap := Snapshot{
		ID:      "snap-1",
		Kind:    KindPeriodic,
		TakenAt: time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC),
		Positions: []positions.Position{
			{
				Ticket:    7701,
				Symbol:    "EURUSD",
				Direction: "BUY",
				Volume:    0.25,
				ExitState: positions.ExitState{FiredMask: 3, InitialRiskPips: 15},
			},
		},
		Strategies: []string{"trend"},
		KillSwitch: true,
	}
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if !found {
		t.Fatal("Saved snapshot should be found")
	}
	if got.ID != "snap-1" || got.Kind != KindPeriodic {
		t.Errorf("Expected snap-1/periodic, got %s/%s", got.ID, got.Kind)
	}
	if !got.TakenAt.Equal(snap.TakenAt) {
		t.Errorf("TakenAt drifted: %v", got.TakenAt)
	}
	if len(got.Positions) != 1 || got.Positions[0].Ticket != 7701 {
		t.Fatalf("Positions did not round trip: %+v", got.Positions)
	}
	if got.Positions[0].ExitState.FiredMask != 3 {
		t.Errorf("Fired mask should round trip, got %d", got.Positions[0].ExitState.FiredMask)
	}
	if !got.KillSwitch {
		t.Error("Kill switch flag should round trip")
	}
}

// TestStoreLatestEmpty verifies an empty store reports not found rather
// than an error
func TestStoreLatestEmpty(t *testing.T) {
	store := openTestStore(t, 8)

	_, found, err := store.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if found {
		t.Error("Empty store should report not found")
	}
}

// TestStoreRetention verifies old snapshots are pruned past the keep
// limit and List returns newest first
func TestStoreRetention(t *testing.T) {
	store := openTestStore(t, 3)

	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		snap := Snapshot{
			ID:      fmt.Sprintf("snap-%d", i),
			Kind:    KindPeriodic,
			TakenAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.Save(snap); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	count, err := store.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Fatalf("Expected 3 retained snapshots, got %d", count)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 listed, got %d", len(list))
	}
	if list[0].ID != "snap-4" || list[2].ID != "snap-2" {
		t.Errorf("Expected newest first snap-4..snap-2, got %s..%s", list[0].ID, list[2].ID)
	}

	latest, found, err := store.Latest()
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if latest.ID != "snap-4" {
		t.Errorf("Latest should be snap-4, got %s", latest.ID)
	}
}

// TestMarkerLifecycle verifies the crash marker write, detect, and clear
// cycle, including clearing a marker that is already gone
func TestMarkerLifecycle(t *testing.T) {
	marker := NewMarker(filepath.Join(t.TempDir(), "run", "executor.lock"))

	if marker.Exists() {
		t.Fatal("Marker should not exist before Write")
	}
	if err := marker.Write(); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !marker.Exists() {
		t.Fatal("Marker should exist after Write")
	}
	if err := marker.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if marker.Exists() {
		t.Fatal("Marker should be gone after Clear")
	}
	if err := marker.Clear(); err != nil {
		t.Errorf("Clearing a missing marker should be a no-op, got %v", err)
	}
}
