// Package estimator predicts an application's relative performance at a
// hypothetical (cache, bandwidth) point from its last-known miss-ratio
// curve and recent bandwidth usage (§4.B).
package estimator

import (
	"math"
	"sort"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/types"
)

const (
	// saturationMargin is the "margin" constant of the slowdown model:
	// observed bandwidth within margin of the last-enforced allocation is
	// treated as saturating at that allocation.
	saturationMargin = 0.8

	// locToRetSlowdown is the empirical "K" proxy relating miss rate to
	// slowdown; an open tunable per §9, not derived analytically.
	locToRetSlowdown = 100.0
)

// Monitor is the subset of the telemetry buffer's contract the estimator
// depends on. Kept as an interface so construction can inject the monitor
// after both exist, breaking the estimator/monitor cycle (§9).
type Monitor interface {
	LastMRC(appID types.AppID) ([]types.MRCPoint, bool)
	LastUsage(appID types.AppID) (cacheMB, memBWMbps float64, ok bool)
	LastAllocation(appID types.AppID) (types.DenormAlloc, bool)
}

// Allocator is the minimal back-reference the estimator keeps to the active
// allocation policy, wired the same way the monitor is (§9). Nothing in
// this package currently calls back into it; the handle exists so future
// profile-retraining hooks (disabled by default, §9 adaptive_iter note)
// have somewhere to read allocator state from without reintroducing a
// constructor cycle.
type Allocator interface {
	Name() string
}

// Estimator implements the MRC/slowdown performance model of §4.B.
type Estimator struct {
	profiles      []types.AppProfile
	searchGran    float64
	clipL3Miss    map[types.AppID]float64
	clipIteration map[types.AppID]float64

	monitor   Monitor
	allocator Allocator
}

// New builds an Estimator over the given application profiles.
func New(profiles []types.AppProfile, searchGranularity float64) *Estimator {
	e := &Estimator{
		profiles:      profiles,
		searchGran:    searchGranularity,
		clipL3Miss:    make(map[types.AppID]float64),
		clipIteration: make(map[types.AppID]float64),
	}
	for _, p := range profiles {
		if p.ClipL3Miss != nil {
			e.clipL3Miss[p.AppID] = *p.ClipL3Miss
		}
		if p.ClipIteration != nil {
			e.clipIteration[p.AppID] = *p.ClipIteration
		}
	}
	return e
}

// SetMonitor wires the telemetry buffer after construction (§9).
func (e *Estimator) SetMonitor(m Monitor) { e.monitor = m }

// SetAllocator wires the active allocator after construction (§9).
func (e *Estimator) SetAllocator(a Allocator) { e.allocator = a }

// AppIDs returns every configured application, in profile order.
func (e *Estimator) AppIDs() []types.AppID {
	ids := make([]types.AppID, 0, len(e.profiles))
	for _, p := range e.profiles {
		ids = append(ids, p.AppID)
	}
	return ids
}

// Profiles exposes the raw profile list, used by the Oracle policy.
func (e *Estimator) Profiles() []types.AppProfile { return e.profiles }

// SearchGranularity is the default grid step used when a caller does not
// override it explicitly.
func (e *Estimator) SearchGranularity() float64 { return e.searchGran }

// Sensitivity groups app IDs by their configured sensitivity class.
func (e *Estimator) Sensitivity() map[types.ResourceType][]types.AppID {
	out := make(map[types.ResourceType][]types.AppID)
	for _, p := range e.profiles {
		out[p.Sensitivity] = append(out[p.Sensitivity], p.AppID)
	}
	return out
}

// Estimate returns the relative performance (1.0 == "same as now") of appID
// at the hypothetical bundle (cacheMB, bwGbps). ok is false when the
// monitor has insufficient history to answer (§4.B failure semantics).
func (e *Estimator) Estimate(appID types.AppID, cacheMB, bwGbps float64) (relativePerf float64, ok bool) {
	if e.monitor == nil {
		return 0, false
	}
	mrc, found := e.monitor.LastMRC(appID)
	if !found || len(mrc) == 0 {
		return 0, false
	}
	cacheRaw, memBWRaw, found := e.monitor.LastUsage(appID)
	if !found {
		return 0, false
	}
	alloc, found := e.monitor.LastAllocation(appID)
	if !found {
		return 0, false
	}
	_ = cacheRaw

	curMR := clamp(estimateMissRate(mrc, float64(alloc.CacheMB)), 1e-12, 1.0)
	tarMR := clamp(estimateMissRate(mrc, cacheMB), 1e-12, 1.0)

	slowdown, _ := estimateSlowDown(curMR, tarMR, memBWRaw, bwGbps*1024, float64(alloc.MemBWMbps))
	if slowdown <= 0 {
		klog.V(4).InfoS("estimator: non-positive slowdown", "app", appID, "slowdown", slowdown)
		return 0, false
	}
	return 1.0 / math.Max(1e-4, slowdown), true
}

// estimateSlowDown implements the bandwidth-saturation-aware slowdown ratio
// of §4.B. Returns (target slowdown divided by current slowdown, estimated
// achievable bandwidth at the target point); Estimate returns its inverse.
func estimateSlowDown(curMR, tarMR, curBWMbps, tarBWMbps, curAllocBWMbps float64) (float64, float64) {
	tarBWMbps = math.Max(1, tarBWMbps)
	curBWMbps = math.Max(1, curBWMbps)

	var bwEst float64
	if curBWMbps <= curAllocBWMbps*saturationMargin || curBWMbps > tarBWMbps {
		bwEst = curBWMbps * (tarMR / curMR)
	} else {
		effCur := curBWMbps
		if effCur >= curAllocBWMbps*saturationMargin {
			effCur = curAllocBWMbps
		}
		bwEst = tarBWMbps * math.Min(1, effCur/curAllocBWMbps) * (tarMR / curMR)
	}

	curSlowdown := 1 + curMR*locToRetSlowdown*math.Max(1, bwEst/curAllocBWMbps)
	tarSlowdown := 1 + tarMR*locToRetSlowdown*math.Max(1, bwEst/tarBWMbps)
	return tarSlowdown / curSlowdown, bwEst
}

// estimateMissRate linearly interpolates (or extrapolates past the
// endpoints) the miss rate at cacheMB from a monotone MRC.
func estimateMissRate(mrc []types.MRCPoint, cacheMB float64) float64 {
	pts := make([]types.MRCPoint, len(mrc))
	copy(pts, mrc)
	sort.Slice(pts, func(i, j int) bool { return pts[i].CacheMB < pts[j].CacheMB })

	if len(pts) == 1 {
		return pts[0].MissRate
	}

	if cacheMB <= pts[0].CacheMB {
		return lerp(pts[0], pts[1], cacheMB)
	}
	if cacheMB >= pts[len(pts)-1].CacheMB {
		return lerp(pts[len(pts)-2], pts[len(pts)-1], cacheMB)
	}
	for i := 0; i < len(pts)-1; i++ {
		if cacheMB >= pts[i].CacheMB && cacheMB <= pts[i+1].CacheMB {
			return lerp(pts[i], pts[i+1], cacheMB)
		}
	}
	return pts[len(pts)-1].MissRate
}

func lerp(a, b types.MRCPoint, x float64) float64 {
	denom := b.CacheMB - a.CacheMB
	if math.Abs(denom) < 1e-6 {
		return a.MissRate
	}
	return a.MissRate + (b.MissRate-a.MissRate)*(x-a.CacheMB)/denom
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
