package backup

import (
	"context"
	"strings"
	"testing"
	"time"

	"feepilot/internal/lndclient"
)

func testState(fee int64) lndclient.ChannelState {
	return lndclient.ChannelState{
		ChannelID:        1234,
		ChannelPoint:     "deadbeef:0",
		RemotePubkey:     "02aa",
		Active:           true,
		CapacitySat:      2_000_000,
		LocalBalanceSat:  900_000,
		RemoteBalanceSat: 1_100_000,
		Policy:           lndclient.FeePolicy{BaseFeeMsat: 1000, FeeRatePpm: fee, TimeLockDelta: 144},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), nil)

	state := testState(500)
	snap, err := mgr.CreateSnapshot(ctx, state, "tx-1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if snap.Tier != TierHot {
		t.Fatalf("new snapshot should be HOT, got %s", snap.Tier)
	}
	if snap.Checksum == "" {
		t.Fatal("snapshot missing checksum")
	}

	restored, err := mgr.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != state {
		t.Fatalf("restored state differs: got %+v want %+v", restored, state)
	}
}

func TestRestoreFailsOnCorruption(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mgr := NewManager(store, nil)

	snap, err := mgr.CreateSnapshot(ctx, testState(500), "tx-1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	if !store.Corrupt(snap.ID) {
		t.Fatal("corrupt helper did not find the snapshot")
	}

	_, err = mgr.Restore(ctx, snap.ID)
	if err == nil {
		t.Fatal("expected restore of corrupt snapshot to fail")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("error should name the checksum mismatch: %v", err)
	}
}

func TestRestoreForChecksOwnership(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), nil)

	// Two transactions snapshot the same channel at different states.
	first, err := mgr.CreateSnapshot(ctx, testState(500), "tx-1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	second, err := mgr.CreateSnapshot(ctx, testState(800), "tx-2")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	state, err := mgr.RestoreFor(ctx, first.ID, "tx-1")
	if err != nil {
		t.Fatalf("RestoreFor: %v", err)
	}
	if state.Policy.FeeRatePpm != 500 {
		t.Fatalf("restored fee %d, want 500", state.Policy.FeeRatePpm)
	}

	// A transaction must never replay another transaction's snapshot.
	if _, err := mgr.RestoreFor(ctx, second.ID, "tx-1"); err == nil {
		t.Fatal("expected ownership mismatch to fail")
	}
	if !strings.Contains(first.TransactionID, "tx-1") {
		t.Fatalf("snapshot should record its transaction, got %q", first.TransactionID)
	}
}

func TestLatestPicksNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(NewMemoryStore(), nil)

	if _, err := mgr.CreateSnapshot(ctx, testState(500), "tx-1"); err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, err := mgr.CreateSnapshot(ctx, testState(800), "tx-2")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	latest, err := mgr.Latest(ctx, 1234)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Fatalf("expected latest snapshot %s, got %s", second.ID, latest.ID)
	}
	if latest.State.Policy.FeeRatePpm != 800 {
		t.Fatalf("latest snapshot carries fee %d, want 800", latest.State.Policy.FeeRatePpm)
	}
}

func TestSweepAgesTiers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	mgr := NewManager(store, nil)

	snap, err := mgr.CreateSnapshot(ctx, testState(500), "tx-1")
	if err != nil {
		t.Fatalf("CreateSnapshot: %v", err)
	}

	// Fresh snapshot: nothing to age.
	stats, err := mgr.Sweep(ctx, time.Now())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats != (SweepStats{}) {
		t.Fatalf("fresh snapshot should not age, got %+v", stats)
	}

	stats, err = mgr.Sweep(ctx, time.Now().Add(8*24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Demoted != 1 {
		t.Fatalf("expected 1 hot->warm demotion, got %+v", stats)
	}

	stats, err = mgr.Sweep(ctx, time.Now().Add(31*24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Cooled != 1 {
		t.Fatalf("expected 1 warm->cold transition, got %+v", stats)
	}

	stats, err = mgr.Sweep(ctx, time.Now().Add(91*24*time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Deleted != 1 {
		t.Fatalf("expected 1 deletion, got %+v", stats)
	}
	if _, err := store.Get(ctx, snap.ID); err != ErrNotFound {
		t.Fatalf("snapshot should be gone, got %v", err)
	}
}

func TestChecksumIsStable(t *testing.T) {
	a, err := stateChecksum(testState(500))
	if err != nil {
		t.Fatalf("stateChecksum: %v", err)
	}
	b, err := stateChecksum(testState(500))
	if err != nil {
		t.Fatalf("stateChecksum: %v", err)
	}
	if a != b {
		t.Fatalf("equal states hashed differently: %s vs %s", a, b)
	}
	c, err := stateChecksum(testState(501))
	if err != nil {
		t.Fatalf("stateChecksum: %v", err)
	}
	if a == c {
		t.Fatal("different states hashed identically")
	}
}
