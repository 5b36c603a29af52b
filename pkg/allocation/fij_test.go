package allocation

import (
	"testing"

	"github.com/yale-nova/spirit/pkg/types"
)

// skewedEstimator rewards cache for one app and bandwidth for another, so
// the fij-trade policy has an obvious pair to trade between.
type skewedEstimator struct {
	cacheLover, bwLover types.AppID
}

func (e skewedEstimator) Estimate(appID types.AppID, cacheMB, bwGbps float64) (float64, bool) {
	switch appID {
	case e.cacheLover:
		return cacheMB*2 + bwGbps, true
	case e.bwLover:
		return cacheMB + bwGbps*2, true
	default:
		return cacheMB + bwGbps, true
	}
}

func TestFijTradeSwapsBetweenCacheAndBWSensitiveApps(t *testing.T) {
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1, 2}}
	mon := newFakeMonitor(vmApps)
	mon.records[1] = 10
	mon.records[2] = 10
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	base := NewBase(mon, est, testScale())
	base.Estimator = wrapEstimator(est, skewedEstimator{cacheLover: 1, bwLover: 2})

	policy := NewFijTrade(base, 0.01)
	out := policy.AllocateAndParse()

	if len(out) != 2 {
		t.Fatalf("expected both apps allocated, got %d", len(out))
	}
	total := out[1].CacheMB + out[2].CacheMB
	if total > int(testScale().CacheMB) {
		t.Errorf("expected cache to stay within capacity, got %d", total)
	}
	if out[1].CacheMB <= out[2].CacheMB {
		t.Errorf("expected cache-sensitive app 1 to gain cache from bw-sensitive app 2, got %+v", out)
	}
}

func TestFijTradeStaysAtEqualShareDuringWarmUp(t *testing.T) {
	vmApps := map[types.VMID][]types.AppID{"vm-0": {1, 2}}
	mon := newFakeMonitor(vmApps)
	est := &fakeEstimator{appIDs: []types.AppID{1, 2}}
	base := NewBase(mon, est, testScale())

	policy := NewFijTrade(base, 0.01)
	out := policy.AllocateAndParse()

	if out[1].CacheMB != out[2].CacheMB {
		t.Errorf("expected equal-share warm-up allocation, got %+v", out)
	}
}

// wrapEstimator swaps in a different Estimate implementation while keeping
// the rest of e's metadata (AppIDs, Profiles, Sensitivity, SearchGranularity).
type wrappedEstimator struct {
	*fakeEstimator
	impl interface {
		Estimate(types.AppID, float64, float64) (float64, bool)
	}
}

func (w wrappedEstimator) Estimate(appID types.AppID, cacheMB, bwGbps float64) (float64, bool) {
	return w.impl.Estimate(appID, cacheMB, bwGbps)
}

func wrapEstimator(base *fakeEstimator, impl skewedEstimator) *wrappedEstimator {
	return &wrappedEstimator{fakeEstimator: base, impl: impl}
}
