package ownership

import (
	"testing"
	"unsafe"

	"github.com/fenilsonani/nvmm/internal/fabric"
)

func newTable(t *testing.T, itemCount uint64) *Table {
	t.Helper()
	size := slotsOffset(0) + itemCount*uint64(unsafe.Sizeof(fabric.Guarded128{}))
	base := make([]byte, size)
	return Format(base, 0, itemCount)
}

func TestAcquireSingleOwner(t *testing.T) {
	tbl := newTable(t, 4)
	alice := ProcessID{Pid: 100, BootTime: 1}
	bob := ProcessID{Pid: 200, BootTime: 1}

	ok, err := tbl.AcquireItem(0, alice)
	if err != nil || !ok {
		t.Fatalf("AcquireItem(alice) = (%v, %v), want (true, nil)", ok, err)
	}

	ok, err = tbl.AcquireItem(0, bob)
	if err != nil || ok {
		t.Fatalf("AcquireItem(bob) on owned slot = (%v, %v), want (false, nil)", ok, err)
	}

	owner, owned, err := tbl.CheckItem(0)
	if err != nil || !owned || owner != alice {
		t.Fatalf("CheckItem = (%v, %v, %v), want (%v, true, nil)", owner, owned, err, alice)
	}
}

func TestReleaseRequiresCurrentOwner(t *testing.T) {
	tbl := newTable(t, 1)
	alice := ProcessID{Pid: 1, BootTime: 1}
	bob := ProcessID{Pid: 2, BootTime: 1}

	if ok, err := tbl.AcquireItem(0, alice); err != nil || !ok {
		t.Fatalf("AcquireItem: %v %v", ok, err)
	}
	if ok, err := tbl.ReleaseItem(0, bob); err != nil || ok {
		t.Fatalf("ReleaseItem(bob) should fail, got (%v, %v)", ok, err)
	}
	if ok, err := tbl.ReleaseItem(0, alice); err != nil || !ok {
		t.Fatalf("ReleaseItem(alice) should succeed, got (%v, %v)", ok, err)
	}
	if _, owned, _ := tbl.CheckItem(0); owned {
		t.Fatalf("slot should be unowned after Release")
	}
}

func TestCheckAndRevokeSkipsLiveOwner(t *testing.T) {
	tbl := newTable(t, 1)
	dead := ProcessID{Pid: 9, BootTime: 1}
	rescuer := ProcessID{Pid: 10, BootTime: 1}

	tbl.AcquireItem(0, dead)

	alwaysAlive := func(ProcessID) bool { return true }
	revoked, err := tbl.CheckAndRevokeItem(0, rescuer, alwaysAlive, nil)
	if err != nil || revoked {
		t.Fatalf("CheckAndRevokeItem with live owner = (%v, %v), want (false, nil)", revoked, err)
	}
}

func TestCheckAndRevokeRunsRecoveryThenSteals(t *testing.T) {
	tbl := newTable(t, 1)
	dead := ProcessID{Pid: 9, BootTime: 1}
	rescuer := ProcessID{Pid: 10, BootTime: 1}

	tbl.AcquireItem(0, dead)

	neverAlive := func(ProcessID) bool { return false }
	recovered := false
	revoked, err := tbl.CheckAndRevokeItem(0, rescuer, neverAlive, func(d ProcessID) error {
		recovered = true
		if d != dead {
			t.Fatalf("recover called with %v, want %v", d, dead)
		}
		return nil
	})
	if err != nil || !revoked {
		t.Fatalf("CheckAndRevokeItem = (%v, %v), want (true, nil)", revoked, err)
	}
	if !recovered {
		t.Fatalf("recover callback was not invoked")
	}

	owner, owned, _ := tbl.CheckItem(0)
	if !owned || owner != rescuer {
		t.Fatalf("slot owner after revoke = %v, want %v", owner, rescuer)
	}
}

func TestCheckAndRevokeNoopOnUnownedSlot(t *testing.T) {
	tbl := newTable(t, 1)
	rescuer := ProcessID{Pid: 10, BootTime: 1}
	revoked, err := tbl.CheckAndRevokeItem(0, rescuer, func(ProcessID) bool { return false }, nil)
	if err != nil || revoked {
		t.Fatalf("CheckAndRevokeItem on unowned slot = (%v, %v), want (false, nil)", revoked, err)
	}
}
