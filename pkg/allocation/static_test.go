package allocation

import (
	"testing"

	"github.com/yale-nova/spirit/pkg/types"
)

func TestStaticSplitsEquallyWithinVM(t *testing.T) {
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1, 2}}
	mon := newFakeMonitor(vmApps)
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	base := NewBase(mon, est, testScale())

	policy := NewStatic(base)
	out := policy.AllocateAndParse()

	if len(out) != 2 {
		t.Fatalf("expected 2 apps allocated, got %d", len(out))
	}
	total := out[1].CacheMB + out[2].CacheMB
	if total != int(testScale().CacheMB) {
		t.Errorf("expected cache to sum to capacity %d, got %d", int(testScale().CacheMB), total)
	}
	if out[1].CacheMB != out[2].CacheMB {
		t.Errorf("expected an even split, got %d vs %d", out[1].CacheMB, out[2].CacheMB)
	}
}

func TestStaticFallsBackToVirtualBucketsWhenVMMapIncomplete(t *testing.T) {
	// app 2 isn't present in the monitor's VM mapping at all.
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1}}
	mon := newFakeMonitor(vmApps)
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	scale := testScale()
	scale.NumVMs = 1
	base := NewBase(mon, est, scale)

	policy := NewStatic(base)
	out := policy.AllocateAndParse()

	if len(out) != 2 {
		t.Fatalf("expected virtual-bucket fallback to cover every configured app, got %d entries", len(out))
	}
}

func TestStaticRecordsLastAllocationOnMonitor(t *testing.T) {
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1}}
	mon := newFakeMonitor(vmApps)
	est := &fakeEstimator{appIDs: []types.AppID{1}}
	base := NewBase(mon, est, testScale())

	policy := NewStatic(base)
	policy.AllocateAndParse()

	if _, ok := mon.LastAllocation(1); !ok {
		t.Error("expected SetLastAllocation to be called with app 1's allocation")
	}
}
