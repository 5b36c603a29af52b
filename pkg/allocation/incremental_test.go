package allocation

import (
	"testing"

	"github.com/yale-nova/spirit/pkg/types"
)

func TestIncrementalTradeGrantsWorstPerformerFromDonor(t *testing.T) {
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1, 2}}
	mon := newFakeMonitor(vmApps)
	mon.records[1] = 10
	mon.records[2] = 10
	// Equal shares always sum to exactly 1.0 on both axes, so the free-pool
	// branch never has capacity to draw from on a first dynamic iteration;
	// the worst performer is instead funded by debiting the other app. Each
	// app's only measurement is also its baseline, so both current/baseline
	// ratios are 1.0 and the tie goes to app 1, the first app scanned.
	mon.measurements = map[types.AppID]map[int]map[int][]float64{
		1: {5120: {3840: {50}}},
		2: {5120: {3840: {80}}},
	}
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	base := NewBase(mon, est, testScale())

	policy := NewIncrementalTrade(base, 0.05)
	out := policy.AllocateAndParse()

	if len(out) != 2 {
		t.Fatalf("expected both apps allocated, got %d", len(out))
	}
	total := out[1].CacheMB + out[2].CacheMB
	if total > int(testScale().CacheMB) {
		t.Errorf("expected cache to stay within capacity, got %d", total)
	}
	if out[1].CacheMB <= out[2].CacheMB {
		t.Errorf("expected the first identified worst performer (app 1) to gain cache from app 2, got %+v", out)
	}
}

func TestIncrementalTradeStaysAtEqualShareDuringWarmUp(t *testing.T) {
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1, 2}}
	mon := newFakeMonitor(vmApps)
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	base := NewBase(mon, est, testScale())

	policy := NewIncrementalTrade(base, 0.01)
	out := policy.AllocateAndParse()

	if out[1].CacheMB != out[2].CacheMB {
		t.Errorf("expected equal-share warm-up allocation, got %+v", out)
	}
}

func TestNormalizeAllocScalesDownWhenOversubscribed(t *testing.T) {
	apps := []types.AppID{1, 2}
	cur := map[types.AppID]types.NormAlloc{
		1: {Cache: 0.7, MemBW: 0.5},
		2: {Cache: 0.6, MemBW: 0.4},
	}
	out := normalizeAlloc(cur, apps)
	sum := out[1].Cache + out[2].Cache
	if sum > 1.0+1e-9 {
		t.Errorf("expected cache shares normalized to sum <= 1, got %f", sum)
	}
}

func TestCanSpareRespectsMinClamp(t *testing.T) {
	scale := testScale()
	scale.MinCacheMB = 5120 // 0.5 normalized
	a := types.NormAlloc{Cache: 0.51, MemBW: 0.5}
	if !canSpare(a, types.ResourceCache, 0.005, scale) {
		t.Error("expected a small epsilon to be spareable above the min clamp")
	}
	if canSpare(a, types.ResourceCache, 0.1, scale) {
		t.Error("expected a large epsilon to violate the min clamp")
	}
}

// seedStep1Scenario builds an IncrementalTrade policy past warm-up with an
// equal-share allocation already in effect and a recorded decision for app 1
// from the previous iteration, so the next AllocateAndParse call re-evaluates
// app 1 via Step 1 using the monitor's recent measurement at its current
// allocation, not the estimator's model.
func seedStep1Scenario(t *testing.T, dec types.AllocationDecision, app1Perf float64) (*IncrementalTrade, *fakeMonitor, types.VMID) {
	t.Helper()
	vm := types.VMID("vm-0")
	vmApps := map[types.VMID][]types.AppID{vm: {1, 2}}
	mon := newFakeMonitor(vmApps)
	mon.records[1] = 10
	mon.records[2] = 10
	mon.measurements = map[types.AppID]map[int]map[int][]float64{
		1: {5120: {3840: {app1Perf}}},
	}
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	base := NewBase(mon, est, testScale())

	policy := NewIncrementalTrade(base, 0.05)
	policy.preferred[1] = types.ResourceCache
	policy.curAlloc[vm] = map[types.AppID]types.NormAlloc{
		1: {Cache: 0.5, MemBW: 0.5},
		2: {Cache: 0.5, MemBW: 0.5},
	}
	policy.lastAdjustedApp[vm] = 1
	policy.lastDecision[vm] = map[types.AppID]types.AllocationDecision{1: dec}
	return policy, mon, vm
}

func TestStep1SevereDegradationRevokesAndSwitchesResource(t *testing.T) {
	policy, _, _ := seedStep1Scenario(t, types.AllocationDecision{
		ResType: types.ResourceCache, Direction: types.DirectionDown, Performance: 100,
	}, 80) // ratio 0.8 < the 0.90 revoke margin

	out := policy.AllocateAndParse()

	if policy.preferred[1] != types.ResourceMemBW {
		t.Errorf("expected preferred resource to switch to mem_bw, got %v", policy.preferred[1])
	}
	if out[1].CacheMB <= out[2].CacheMB {
		t.Errorf("expected the revoke to give app 1 more cache than app 2, got %+v", out)
	}
}

func TestStep1ModestDegradationSwitchesResourceWithoutRevoking(t *testing.T) {
	policy, _, _ := seedStep1Scenario(t, types.AllocationDecision{
		ResType: types.ResourceCache, Direction: types.DirectionDown, Performance: 100,
	}, 95) // ratio 0.95: below the 0.99 flip margin, above the 0.90 revoke margin

	out := policy.AllocateAndParse()

	if policy.preferred[1] != types.ResourceMemBW {
		t.Errorf("expected preferred resource to switch to mem_bw, got %v", policy.preferred[1])
	}
	if out[1].CacheMB != out[2].CacheMB {
		t.Errorf("expected no revoke to fire, cache shares should stay equal, got %+v", out)
	}
}

func TestStep1PerformanceWithinMarginKeepsPreferredResource(t *testing.T) {
	policy, _, _ := seedStep1Scenario(t, types.AllocationDecision{
		ResType: types.ResourceCache, Direction: types.DirectionDown, Performance: 100,
	}, 99) // ratio 0.99, at the flip margin boundary: not below it

	policy.AllocateAndParse()

	if policy.preferred[1] != types.ResourceCache {
		t.Errorf("expected preferred resource to stay cache, got %v", policy.preferred[1])
	}
}

func TestStep1UnimprovedIncreaseSwitchesResource(t *testing.T) {
	policy, _, _ := seedStep1Scenario(t, types.AllocationDecision{
		ResType: types.ResourceCache, Direction: types.DirectionUp, Performance: 100,
	}, 90) // ratio 0.9 < 1.01: the increase didn't pay off

	out := policy.AllocateAndParse()

	if policy.preferred[1] != types.ResourceMemBW {
		t.Errorf("expected preferred resource to switch to mem_bw, got %v", policy.preferred[1])
	}
	if out[1].CacheMB != out[2].CacheMB {
		t.Errorf("the up-direction path never revokes, cache shares should stay equal, got %+v", out)
	}
}
