package allocation

import "github.com/yale-nova/spirit/pkg/types"

// fakeMonitor is a minimal in-memory stand-in for the telemetry buffer,
// shared by every policy's tests in this package.
type fakeMonitor struct {
	vmApps      map[types.VMID][]types.AppID
	records     map[types.AppID]int64
	lastAlloc   map[types.AppID]types.DenormAlloc
	measurements map[types.AppID]map[int]map[int][]float64
}

func newFakeMonitor(vmApps map[types.VMID][]types.AppID) *fakeMonitor {
	return &fakeMonitor{
		vmApps:    vmApps,
		records:   make(map[types.AppID]int64),
		lastAlloc: make(map[types.AppID]types.DenormAlloc),
	}
}

func (m *fakeMonitor) VMToAppMapping() map[types.VMID][]types.AppID { return m.vmApps }

func (m *fakeMonitor) TotalRecords(appID types.AppID) int64 { return m.records[appID] }

func (m *fakeMonitor) LastAllocation(appID types.AppID) (types.DenormAlloc, bool) {
	d, ok := m.lastAlloc[appID]
	return d, ok
}

func (m *fakeMonitor) SetLastAllocation(alloc map[types.AppID]types.DenormAlloc) {
	for id, d := range alloc {
		m.lastAlloc[id] = d
	}
}

func (m *fakeMonitor) CollectRecentMeasurement(appID types.AppID) map[int]map[int][]float64 {
	return m.measurements[appID]
}

// fakeEstimator is a deterministic stand-in for the miss-ratio estimator,
// keyed on a fixed per-app utility slope so policy tests can reason about
// "better"/"worse" without needing the real MRC math.
type fakeEstimator struct {
	appIDs      []types.AppID
	profiles    []types.AppProfile
	sensitivity map[types.ResourceType][]types.AppID
	granularity float64
	slope       map[types.AppID]float64 // utility per MB+Gbps, defaults to 1
}

func (e *fakeEstimator) Estimate(appID types.AppID, cacheMB, bwGbps float64) (float64, bool) {
	s := e.slope[appID]
	if s == 0 {
		s = 1
	}
	return s * (cacheMB + bwGbps*1024), true
}

func (e *fakeEstimator) AppIDs() []types.AppID { return e.appIDs }

func (e *fakeEstimator) Profiles() []types.AppProfile { return e.profiles }

func (e *fakeEstimator) Sensitivity() map[types.ResourceType][]types.AppID { return e.sensitivity }

func (e *fakeEstimator) SearchGranularity() float64 { return e.granularity }

func testScale() types.ResourceScale {
	return types.ResourceScale{
		CacheMB:      10240,
		MaxCacheMB:   10240,
		MemBWGbps:    7.5,
		MaxMemBWGbps: 7.5,
		NumVMs:       1,
	}
}
