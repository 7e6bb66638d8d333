package epoch

import (
	"context"
	"testing"
	"time"
)

func newVector(t *testing.T, slotCount uint64) *Vector {
	t.Helper()
	size := slotsOffset(0) + slotCount*uint64(slotSize)
	return Format(make([]byte, size), 0, slotCount)
}

func TestRegisterAndFrontierCAS(t *testing.T) {
	v := newVector(t, 4)
	slot, err := v.RegisterParticipant(42)
	if err != nil {
		t.Fatalf("RegisterParticipant: %v", err)
	}

	if v.Frontier() != 1 {
		t.Fatalf("fresh vector frontier = %d, want 1", v.Frontier())
	}
	if !v.CASFrontier(1, 2) {
		t.Fatalf("CASFrontier(1,2) should succeed")
	}
	if v.CASFrontier(1, 3) {
		t.Fatalf("CASFrontier(1,3) should fail, frontier already moved to 2")
	}

	v.UpdateReported(slot, 2)
	participants := v.Participants()
	if len(participants) != 1 || participants[0].ID != 42 || participants[0].Reported != 2 {
		t.Fatalf("Participants() = %+v, want one entry {ID:42 Reported:2}", participants)
	}
}

func TestRegisterParticipantsFull(t *testing.T) {
	v := newVector(t, 2)
	if _, err := v.RegisterParticipant(1); err != nil {
		t.Fatalf("RegisterParticipant: %v", err)
	}
	if _, err := v.RegisterParticipant(2); err != nil {
		t.Fatalf("RegisterParticipant: %v", err)
	}
	if _, err := v.RegisterParticipant(3); err == nil {
		t.Fatalf("RegisterParticipant should fail once every slot is taken")
	}
}

func TestUnregisterFreesSlot(t *testing.T) {
	v := newVector(t, 1)
	slot, err := v.RegisterParticipant(7)
	if err != nil {
		t.Fatalf("RegisterParticipant: %v", err)
	}
	v.UnregisterParticipant(slot)
	if len(v.Participants()) != 0 {
		t.Fatalf("Participants() after unregister should be empty")
	}
	if _, err := v.RegisterParticipant(8); err != nil {
		t.Fatalf("RegisterParticipant should succeed on a freed slot: %v", err)
	}
}

func TestAdvanceFrontierRequiresAllCaughtUp(t *testing.T) {
	v := newVector(t, 2)
	_, _ = v.RegisterParticipant(2)

	mgr, err := NewManager(v, 1, "test", nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	// mgr's own participant is caught up (NewManager reports the current
	// frontier), but the second participant never reports anything, so the
	// frontier must not advance.
	if mgr.AdvanceFrontier() {
		t.Fatalf("AdvanceFrontier should not advance while a participant lags")
	}
}

func TestAdvanceFrontierAdvancesWhenAllReport(t *testing.T) {
	v := newVector(t, 1)
	mgr, err := NewManager(v, 1, "test", nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if !mgr.AdvanceFrontier() {
		t.Fatalf("AdvanceFrontier should advance when the sole participant is caught up")
	}
	if v.Frontier() != 2 {
		t.Fatalf("Frontier = %d, want 2", v.Frontier())
	}
}

func TestEnterExitCriticalReportsFrontier(t *testing.T) {
	v := newVector(t, 1)
	mgr, err := NewManager(v, 1, "test", nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	v.CASFrontier(1, 5)

	mgr.EnterCritical()
	defer mgr.ExitCritical()

	if mgr.ReportedEpoch() != 5 {
		t.Fatalf("ReportedEpoch after EnterCritical = %d, want 5", mgr.ReportedEpoch())
	}
}

func TestManagerStartStop(t *testing.T) {
	v := newVector(t, 1)
	mgr, err := NewManager(v, 1, "test", nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Start(ctx)

	time.Sleep(3 * HeartbeatInterval)

	if err := mgr.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if len(v.Participants()) != 0 {
		t.Fatalf("Stop should unregister the participant")
	}
}

func TestLaggardTimeoutTriggersFailure(t *testing.T) {
	orig := LaggardTimeout
	LaggardTimeout = time.Millisecond
	defer func() { LaggardTimeout = orig }()

	v := newVector(t, 2)
	_, _ = v.RegisterParticipant(2) // registered, but never reports: a laggard

	mgr, err := NewManager(v, 1, "test", nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	var failed []uint64
	mgr.onFailure = func(id uint64) { failed = append(failed, id) }

	time.Sleep(5 * time.Millisecond)
	// Mark the previous scan as recent so AdvanceFrontier does not refresh
	// every participant's last-modified stamp before checking for laggards.
	mgr.lastScan = time.Now()
	mgr.AdvanceFrontier()

	found := false
	for _, id := range failed {
		if id == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("AdvanceFrontier should have reported participant 2 as a laggard, got %v", failed)
	}
}
