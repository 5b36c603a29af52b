package allocation

import (
	"math"
	"sort"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/types"
)

// IncrementalTrade implements the performance-feedback policy of §4.D.2:
// each iteration nudges one underperforming app's allocation up by one ε of
// its preferred resource, funded from free pool capacity or, failing that,
// from the best-performing app's allocation.
type IncrementalTrade struct {
	Base

	Epsilon float64

	curAlloc        map[types.VMID]map[types.AppID]types.NormAlloc
	preferred       map[types.AppID]types.ResourceType
	lastDecision    map[types.VMID]map[types.AppID]types.AllocationDecision
	lastAdjustedApp map[types.VMID]types.AppID
	iteration       int64
}

// NewIncrementalTrade constructs the policy, seeding each app's preferred
// resource from its configured sensitivity class.
func NewIncrementalTrade(base Base, epsilon float64) *IncrementalTrade {
	preferred := make(map[types.AppID]types.ResourceType)
	for resType, ids := range base.Estimator.Sensitivity() {
		for _, id := range ids {
			preferred[id] = resType
		}
	}
	return &IncrementalTrade{
		Base:            base,
		Epsilon:         epsilon,
		curAlloc:        make(map[types.VMID]map[types.AppID]types.NormAlloc),
		preferred:       preferred,
		lastDecision:    make(map[types.VMID]map[types.AppID]types.AllocationDecision),
		lastAdjustedApp: make(map[types.VMID]types.AppID),
	}
}

func (p *IncrementalTrade) Name() string { return "inc-trade" }

func (p *IncrementalTrade) AllocateAndParse() map[types.AppID]types.DenormAlloc {
	vms, vmApps := p.VMApps()
	if !p.IsCompleteVMMap(vmApps) {
		alloc := p.StaticAllocation()
		p.Monitor.SetLastAllocation(alloc)
		return alloc
	}
	p.iteration++

	out := make(map[types.AppID]types.DenormAlloc)
	for _, vm := range vms {
		apps := vmApps[vm]
		if len(apps) == 0 {
			continue
		}

		if p.IsWarmUp(apps) {
			share := 1.0 / float64(len(apps))
			norm := make(map[types.AppID]types.NormAlloc, len(apps))
			for _, app := range apps {
				norm[app] = types.NormAlloc{Cache: share, MemBW: share}
			}
			p.curAlloc[vm] = norm
			for app, d := range p.Denormalize(norm) {
				out[app] = clampDenorm(d, p.Scale)
			}
			continue
		}

		cur := p.curAlloc[vm]
		if cur == nil {
			share := 1.0 / float64(len(apps))
			cur = make(map[types.AppID]types.NormAlloc, len(apps))
			for _, app := range apps {
				cur[app] = types.NormAlloc{Cache: share, MemBW: share}
			}
		}
		baselineShare := 1.0 / float64(len(apps))
		baselinePerf := make(map[types.AppID]float64, len(apps))
		for _, app := range apps {
			if perf, ok := p.currentPerformance(app, types.NormAlloc{Cache: baselineShare, MemBW: baselineShare}); ok {
				baselinePerf[app] = perf
			} else {
				baselinePerf[app] = 1.0
			}
		}

		decisions := p.lastDecision[vm]
		if decisions == nil {
			decisions = make(map[types.AppID]types.AllocationDecision)
		}
		lastApp, hasLast := p.lastAdjustedApp[vm]

		// Step 1: re-evaluate the most recently adjusted user.
		if hasLast {
			if dec, ok := decisions[lastApp]; ok {
				if perfNow, ok := p.currentPerformance(lastApp, cur[lastApp]); ok && dec.Performance > 0 {
					ratio := perfNow / dec.Performance
					switch dec.Direction {
					case types.DirectionDown:
						if ratio < 0.99 {
							p.preferred[lastApp] = p.preferred[lastApp].Opposite()
							if ratio < 0.90 {
								cur = p.revoke(cur, lastApp, dec.ResType, apps)
							}
						}
					case types.DirectionUp:
						if ratio < 1.01 {
							p.preferred[lastApp] = p.preferred[lastApp].Opposite()
						}
					}
				}
			}
		}

		// Step 2: find the worst non-adjusted performer vs. its baseline.
		worst, foundWorst := types.AppID(0), false
		worstRatio := math.Inf(1)
		worstPerf := 0.0
		for _, app := range apps {
			if hasLast && app == lastApp {
				continue
			}
			perfNow, ok := p.currentPerformance(app, cur[app])
			if !ok || baselinePerf[app] <= 0 {
				continue
			}
			ratio := perfNow / baselinePerf[app]
			if !foundWorst || ratio < worstRatio {
				worstRatio = ratio
				worst = app
				worstPerf = perfNow
				foundWorst = true
			}
		}

		if foundWorst {
			cur = p.grantOrTrade(vm, cur, apps, worst, worstPerf, decisions)
		}

		cur = normalizeAlloc(cur, apps)
		p.curAlloc[vm] = cur
		p.lastDecision[vm] = decisions

		for app, d := range p.Denormalize(cur) {
			out[app] = clampDenorm(d, p.Scale)
		}
	}

	p.Monitor.SetLastAllocation(out)
	return out
}

// grantOrTrade increases worst's preferred resource by one ε, funded from
// free pool capacity if available, else debited from the best performer
// (§4.D.2 steps 3-4).
func (p *IncrementalTrade) grantOrTrade(vm types.VMID, cur map[types.AppID]types.NormAlloc, apps []types.AppID, worst types.AppID, worstPerf float64, decisions map[types.AppID]types.AllocationDecision) map[types.AppID]types.NormAlloc {
	res := p.preferred[worst]
	if res == "" {
		res = types.ResourceCache
	}

	sumCache, sumBW := 0.0, 0.0
	for _, app := range apps {
		sumCache += cur[app].Cache
		sumBW += cur[app].MemBW
	}
	free := 1.0 - sumCache
	if res == types.ResourceMemBW {
		free = 1.0 - sumBW
	}

	if free >= p.Epsilon {
		cur[worst] = addResource(cur[worst], res, p.Epsilon)
		decisions[worst] = types.AllocationDecision{ResType: res, Direction: types.DirectionUp, Performance: worstPerf, UpdatedAt: p.iteration}
		p.lastAdjustedApp[vm] = worst
		return cur
	}

	// No free capacity: debit the best-performing eligible app instead.
	best, foundBest := types.AppID(0), false
	bestRatio := math.Inf(-1)
	bestPerf := 0.0
	for _, app := range apps {
		if app == worst {
			continue
		}
		if !canSpare(cur[app], res, p.Epsilon, p.Scale) {
			continue
		}
		perf, ok := p.currentPerformance(app, cur[app])
		if !ok {
			continue
		}
		if !foundBest || perf > bestRatio {
			bestRatio = perf
			best = app
			bestPerf = perf
			foundBest = true
		}
	}
	if !foundBest {
		klog.V(4).InfoS("inc-trade: no donor available for worst performer", "vm", vm, "app", worst)
		return cur
	}

	cur[best] = addResource(cur[best], res, -p.Epsilon)
	cur[worst] = addResource(cur[worst], res, p.Epsilon)
	decisions[best] = types.AllocationDecision{ResType: res.Opposite(), Direction: types.DirectionDown, Performance: bestPerf, UpdatedAt: p.iteration}
	p.lastAdjustedApp[vm] = worst
	return cur
}

// revoke credits one ε of resType back to app, debiting the VM pool
// (§4.D.2 step 1's "revoke" branch).
func (p *IncrementalTrade) revoke(cur map[types.AppID]types.NormAlloc, app types.AppID, resType types.ResourceType, apps []types.AppID) map[types.AppID]types.NormAlloc {
	cur[app] = addResource(cur[app], resType, p.Epsilon)
	return cur
}

// currentPerformance resolves the live measured performance nearest to
// alloc from the monitor's recent-window history, mirroring
// inc_trade_allocator.py's _get_current_performance: every "current" and
// "old" performance value in the feedback loop comes from the monitor's
// telemetry, never from the estimator's deterministic model.
func (p *IncrementalTrade) currentPerformance(app types.AppID, alloc types.NormAlloc) (float64, bool) {
	data := p.Monitor.CollectRecentMeasurement(app)
	if len(data) == 0 {
		return 0, false
	}

	absCache := int(alloc.Cache * p.Scale.CacheMB)
	cacheSizes := make([]int, 0, len(data))
	for k := range data {
		cacheSizes = append(cacheSizes, k)
	}
	sort.Ints(cacheSizes)
	closestCache := cacheSizes[0]
	bestDiff := math.Abs(float64(closestCache - absCache))
	for _, c := range cacheSizes[1:] {
		if d := math.Abs(float64(c - absCache)); d < bestDiff {
			bestDiff, closestCache = d, c
		}
	}

	bwSamples := data[closestCache]
	if len(bwSamples) == 0 {
		return 0, false
	}
	absBW := int(alloc.MemBW * p.Scale.MemBWGbps * 1024)
	bws := make([]int, 0, len(bwSamples))
	for k := range bwSamples {
		bws = append(bws, k)
	}
	sort.Ints(bws)
	closestBW := bws[0]
	bestBWDiff := math.Abs(float64(closestBW - absBW))
	for _, b := range bws[1:] {
		if d := math.Abs(float64(b - absBW)); d < bestBWDiff {
			bestBWDiff, closestBW = d, b
		}
	}

	perfList := bwSamples[closestBW]
	if len(perfList) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, v := range perfList {
		sum += v
	}
	return sum / float64(len(perfList)), true
}

func addResource(a types.NormAlloc, res types.ResourceType, delta float64) types.NormAlloc {
	if res == types.ResourceCache {
		a.Cache = math.Max(0, a.Cache+delta)
	} else {
		a.MemBW = math.Max(0, a.MemBW+delta)
	}
	return a
}

func canSpare(a types.NormAlloc, res types.ResourceType, epsilon float64, scale types.ResourceScale) bool {
	if res == types.ResourceCache {
		minShare := scale.MinCacheMB / math.Max(scale.CacheMB, 1e-9)
		return a.Cache-epsilon >= minShare
	}
	minShare := scale.MinMemBWGbps / math.Max(scale.MemBWGbps, 1e-9)
	return a.MemBW-epsilon >= minShare
}

// normalizeAlloc scales each resource axis down proportionally if the VM's
// total exceeds 1.0 after trading (§4.D.2 step 5).
func normalizeAlloc(cur map[types.AppID]types.NormAlloc, apps []types.AppID) map[types.AppID]types.NormAlloc {
	sumCache, sumBW := 0.0, 0.0
	for _, app := range apps {
		sumCache += cur[app].Cache
		sumBW += cur[app].MemBW
	}
	if sumCache > 1.0 {
		for _, app := range apps {
			a := cur[app]
			a.Cache = a.Cache / sumCache
			cur[app] = a
		}
	}
	if sumBW > 1.0 {
		for _, app := range apps {
			a := cur[app]
			a.MemBW = a.MemBW / sumBW
			cur[app] = a
		}
	}
	return cur
}
