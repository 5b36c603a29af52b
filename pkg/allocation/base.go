// Package allocation implements the allocator policy family of §4.D: a
// tagged-union-like set of concrete policies sharing common scaffolding
// (static fallback, VM iteration, denormalization) rather than a class
// hierarchy, per §9 "Policies as variants".
package allocation

import (
	"sort"
	"strconv"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/ptas"
	"github.com/yale-nova/spirit/pkg/types"
)

// Monitor is the subset of the telemetry buffer's contract every policy
// depends on.
type Monitor interface {
	VMToAppMapping() map[types.VMID][]types.AppID
	TotalRecords(appID types.AppID) int64
	LastAllocation(appID types.AppID) (types.DenormAlloc, bool)
	SetLastAllocation(alloc map[types.AppID]types.DenormAlloc)
	CollectRecentMeasurement(appID types.AppID) map[int]map[int][]float64
}

// Estimator is the subset of the estimator's contract every policy depends
// on, beyond the narrower ptas.Estimator interface the bundle search needs.
type Estimator interface {
	ptas.Estimator
	AppIDs() []types.AppID
	Profiles() []types.AppProfile
	Sensitivity() map[types.ResourceType][]types.AppID
	SearchGranularity() float64
}

// Policy is the common surface every allocator variant implements.
type Policy interface {
	Name() string
	AllocateAndParse() map[types.AppID]types.DenormAlloc
}

// initPhaseInterval is the default minimum per-app record count before a
// policy leaves warm-up and runs its dynamic phase (§4.D.6).
const initPhaseInterval = 6

// Base bundles the scaffolding shared by every policy: warm-up detection,
// static fallback, and VM iteration (§4.D.6, §9 "shared scaffolding").
type Base struct {
	Monitor           Monitor
	Estimator         Estimator
	Scale             types.ResourceScale
	InitPhaseInterval int64
}

// NewBase constructs scaffolding with the default warm-up threshold.
func NewBase(m Monitor, e Estimator, scale types.ResourceScale) Base {
	return Base{Monitor: m, Estimator: e, Scale: scale, InitPhaseInterval: initPhaseInterval}
}

// VMApps returns the current VM→app mapping, sorted for deterministic
// iteration order (the monitor's own map has no stable order).
func (b *Base) VMApps() ([]types.VMID, map[types.VMID][]types.AppID) {
	m := b.Monitor.VMToAppMapping()
	vms := make([]types.VMID, 0, len(m))
	for vm := range m {
		vms = append(vms, vm)
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i] < vms[j] })
	return vms, m
}

// IsWarmUp reports whether any app in ids has fewer than InitPhaseInterval
// history records, in which case the dynamic phase is skipped (§4.D.6).
func (b *Base) IsWarmUp(ids []types.AppID) bool {
	for _, id := range ids {
		if b.Monitor.TotalRecords(id) < b.InitPhaseInterval {
			return true
		}
	}
	return false
}

// IsCompleteVMMap reports whether every configured app appears in the
// monitor's VM mapping. When false, every policy degrades to the static
// split across num_vms virtual buckets (§4.D.6).
func (b *Base) IsCompleteVMMap(vmApps map[types.VMID][]types.AppID) bool {
	mapped := make(map[types.AppID]bool)
	for _, apps := range vmApps {
		for _, a := range apps {
			mapped[a] = true
		}
	}
	for _, id := range b.Estimator.AppIDs() {
		if !mapped[id] {
			return false
		}
	}
	return true
}

// StaticAllocation computes the equal-share-per-VM fallback (§4.D.5,
// §4.D.6). When the VM map is incomplete it buckets all configured apps
// evenly into num_vms virtual groups instead of the reported mapping.
func (b *Base) StaticAllocation() map[types.AppID]types.DenormAlloc {
	vms, vmApps := b.VMApps()
	if !b.IsCompleteVMMap(vmApps) {
		vms, vmApps = b.virtualBuckets()
	}

	out := make(map[types.AppID]types.DenormAlloc)
	for _, vm := range vms {
		apps := vmApps[vm]
		if len(apps) == 0 {
			continue
		}
		shares := make([]float64, len(apps))
		for i := range apps {
			shares[i] = 1.0 / float64(len(apps))
		}
		cacheMB := LargestRemainderRound(shares, int(b.Scale.CacheMB))
		bwMbps := LargestRemainderRound(shares, int(b.Scale.MemBWGbps*1024))
		for i, app := range apps {
			out[app] = types.DenormAlloc{CacheMB: cacheMB[i], MemBWMbps: bwMbps[i]}
		}
	}
	return out
}

// virtualBuckets distributes every configured app into num_vms buckets of
// near-equal size, used when the reported VM map doesn't cover every app.
func (b *Base) virtualBuckets() ([]types.VMID, map[types.VMID][]types.AppID) {
	numVMs := b.Scale.NumVMs
	if numVMs <= 0 {
		numVMs = 1
	}
	ids := append([]types.AppID(nil), b.Estimator.AppIDs()...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make(map[types.VMID][]types.AppID, numVMs)
	vms := make([]types.VMID, 0, numVMs)
	for i := 0; i < numVMs; i++ {
		vms = append(vms, types.VMID("vm-"+strconv.Itoa(i)))
	}
	for i, id := range ids {
		vm := vms[i%numVMs]
		out[vm] = append(out[vm], id)
	}
	return vms, out
}

// Denormalize converts one VM's normalized allocation map into denormalized
// units via the largest-remainder method so the per-VM sum never exceeds
// the pool's capacity (§4.D.6).
func (b *Base) Denormalize(norm map[types.AppID]types.NormAlloc) map[types.AppID]types.DenormAlloc {
	ids := make([]types.AppID, 0, len(norm))
	for id := range norm {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cacheShares := make([]float64, len(ids))
	bwShares := make([]float64, len(ids))
	for i, id := range ids {
		cacheShares[i] = norm[id].Cache
		bwShares[i] = norm[id].MemBW
	}
	cacheMB := LargestRemainderRound(cacheShares, int(b.Scale.CacheMB))
	bwMbps := LargestRemainderRound(bwShares, int(b.Scale.MemBWGbps*1024))

	out := make(map[types.AppID]types.DenormAlloc, len(ids))
	for i, id := range ids {
		out[id] = types.DenormAlloc{CacheMB: cacheMB[i], MemBWMbps: bwMbps[i]}
	}
	return out
}

// clampDenorm applies an app's profile-free min/max clamps to one bundle,
// logging when a clamp fires (§4.D.6, §7 AllocationViolatesClamps).
func clampDenorm(a types.DenormAlloc, scale types.ResourceScale) types.DenormAlloc {
	out := a
	if float64(out.CacheMB) < scale.MinCacheMB {
		out.CacheMB = int(scale.MinCacheMB)
	}
	if float64(out.CacheMB) > scale.MaxCacheMB {
		out.CacheMB = int(scale.MaxCacheMB)
	}
	minBW := int(scale.MinMemBWGbps * 1024)
	maxBW := int(scale.MaxMemBWGbps * 1024)
	if out.MemBWMbps < minBW {
		out.MemBWMbps = minBW
	}
	if out.MemBWMbps > maxBW {
		out.MemBWMbps = maxBW
	}
	if out != a {
		klog.V(4).InfoS("allocation: clamped bundle", "before", a, "after", out)
	}
	return out
}
