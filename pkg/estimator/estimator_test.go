package estimator

import (
	"testing"

	"github.com/yale-nova/spirit/pkg/types"
)

type fakeMonitor struct {
	mrc   map[types.AppID][]types.MRCPoint
	usage map[types.AppID][2]float64
	alloc map[types.AppID]types.DenormAlloc
}

func (m *fakeMonitor) LastMRC(appID types.AppID) ([]types.MRCPoint, bool) {
	v, ok := m.mrc[appID]
	return v, ok
}

func (m *fakeMonitor) LastUsage(appID types.AppID) (float64, float64, bool) {
	v, ok := m.usage[appID]
	return v[0], v[1], ok
}

func (m *fakeMonitor) LastAllocation(appID types.AppID) (types.DenormAlloc, bool) {
	v, ok := m.alloc[appID]
	return v, ok
}

func newPopulatedEstimator() (*Estimator, *fakeMonitor) {
	profiles := []types.AppProfile{
		{AppID: 1, Sensitivity: types.ResourceCache},
		{AppID: 2, Sensitivity: types.ResourceMemBW},
	}
	est := New(profiles, 0.01)
	mon := &fakeMonitor{
		mrc: map[types.AppID][]types.MRCPoint{
			1: {{CacheMB: 1024, MissRate: 0.3}, {CacheMB: 4096, MissRate: 0.05}},
		},
		usage: map[types.AppID][2]float64{1: {1024, 2000}},
		alloc: map[types.AppID]types.DenormAlloc{1: {CacheMB: 1024, MemBWMbps: 2000}},
	}
	est.SetMonitor(mon)
	return est, mon
}

func TestEstimateReturnsHigherPerformanceForMoreCache(t *testing.T) {
	est, _ := newPopulatedEstimator()
	low, ok1 := est.Estimate(1, 1024, 2.0)
	high, ok2 := est.Estimate(1, 4096, 2.0)
	if !ok1 || !ok2 {
		t.Fatalf("expected both estimates to succeed, got ok1=%v ok2=%v", ok1, ok2)
	}
	if high <= low {
		t.Errorf("expected more cache to yield higher relative performance: low=%f high=%f", low, high)
	}
}

func TestEstimateFailsWithoutMonitor(t *testing.T) {
	est := New(nil, 0.01)
	_, ok := est.Estimate(1, 1024, 2.0)
	if ok {
		t.Error("expected Estimate to fail when no monitor is wired")
	}
}

func TestEstimateFailsWithoutMRCHistory(t *testing.T) {
	est, mon := newPopulatedEstimator()
	delete(mon.mrc, 1)
	_, ok := est.Estimate(1, 1024, 2.0)
	if ok {
		t.Error("expected Estimate to fail without an MRC for the app")
	}
}

func TestSensitivityGroupsByConfiguredClass(t *testing.T) {
	est, _ := newPopulatedEstimator()
	groups := est.Sensitivity()
	if len(groups[types.ResourceCache]) != 1 || groups[types.ResourceCache][0] != 1 {
		t.Errorf("expected app 1 grouped under cache sensitivity, got %+v", groups)
	}
	if len(groups[types.ResourceMemBW]) != 1 || groups[types.ResourceMemBW][0] != 2 {
		t.Errorf("expected app 2 grouped under mem_bw sensitivity, got %+v", groups)
	}
}

func TestAppIDsPreservesProfileOrder(t *testing.T) {
	est, _ := newPopulatedEstimator()
	ids := est.AppIDs()
	if len(ids) != 2 || ids[0] != 1 || ids[1] != 2 {
		t.Errorf("expected [1 2], got %v", ids)
	}
}

func TestEstimateMissRateExtrapolatesPastEndpoints(t *testing.T) {
	mrc := []types.MRCPoint{{CacheMB: 1024, MissRate: 0.3}, {CacheMB: 4096, MissRate: 0.1}}
	below := estimateMissRate(mrc, 0)
	above := estimateMissRate(mrc, 8192)
	if below <= 0.3 {
		t.Errorf("expected extrapolation below the first point to exceed its miss rate, got %f", below)
	}
	if above >= 0.1 {
		t.Errorf("expected extrapolation above the last point to fall below its miss rate, got %f", above)
	}
}
