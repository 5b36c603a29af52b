package allocation

import (
	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/types"
)

// FijTrade implements the pairwise sensitivity-trade policy of §4.D.3:
// each iteration finds the most cache-sensitive and most bw-sensitive
// non-recently-adjusted apps in a VM and trades one ε between them.
type FijTrade struct {
	Base

	Epsilon float64

	curAlloc    map[types.VMID]map[types.AppID]types.NormAlloc
	recentlyAdj map[types.VMID]map[types.AppID]bool
}

// NewFijTrade constructs the policy.
func NewFijTrade(base Base, epsilon float64) *FijTrade {
	return &FijTrade{
		Base:        base,
		Epsilon:     epsilon,
		curAlloc:    make(map[types.VMID]map[types.AppID]types.NormAlloc),
		recentlyAdj: make(map[types.VMID]map[types.AppID]bool),
	}
}

func (p *FijTrade) Name() string { return "fij-trade" }

func (p *FijTrade) AllocateAndParse() map[types.AppID]types.DenormAlloc {
	vms, vmApps := p.VMApps()
	if !p.IsCompleteVMMap(vmApps) {
		alloc := p.StaticAllocation()
		p.Monitor.SetLastAllocation(alloc)
		return alloc
	}

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

		adjusted := p.recentlyAdj[vm]
		type scored struct {
			app              types.AppID
			cacheSensitivity float64
			bwSensitivity    float64
		}
		var candidates []scored
		for _, app := range apps {
			if adjusted[app] {
				continue
			}
			base, ok := p.estimateAt(app, cur[app])
			if !ok || base <= 0 {
				continue
			}
			withMoreCache, ok1 := p.estimateAt(app, types.NormAlloc{Cache: cur[app].Cache + p.Epsilon, MemBW: cur[app].MemBW - p.Epsilon})
			withMoreBW, ok2 := p.estimateAt(app, types.NormAlloc{Cache: cur[app].Cache - p.Epsilon, MemBW: cur[app].MemBW + p.Epsilon})
			s := scored{app: app}
			if ok1 {
				s.cacheSensitivity = (withMoreCache - base) / base
			}
			if ok2 {
				s.bwSensitivity = (withMoreBW - base) / base
			}
			candidates = append(candidates, s)
		}

		var cacheWinner, bwWinner *scored
		for i := range candidates {
			c := candidates[i]
			if c.cacheSensitivity > 0 && c.cacheSensitivity > c.bwSensitivity {
				if cacheWinner == nil || c.cacheSensitivity > cacheWinner.cacheSensitivity {
					cacheWinner = &candidates[i]
				}
			}
		}
		for i := range candidates {
			c := candidates[i]
			if cacheWinner != nil && c.app == cacheWinner.app {
				continue
			}
			if bwWinner == nil || c.bwSensitivity > bwWinner.bwSensitivity {
				bwWinner = &candidates[i]
			}
		}

		newAdjusted := make(map[types.AppID]bool)
		if cacheWinner != nil && bwWinner != nil && cacheWinner.app != bwWinner.app {
			a, b := cacheWinner.app, bwWinner.app
			if canSpare(cur[a], types.ResourceMemBW, p.Epsilon, p.Scale) && canSpare(cur[b], types.ResourceCache, p.Epsilon, p.Scale) {
				cur[a] = types.NormAlloc{Cache: cur[a].Cache + p.Epsilon, MemBW: cur[a].MemBW - p.Epsilon}
				cur[b] = types.NormAlloc{Cache: cur[b].Cache - p.Epsilon, MemBW: cur[b].MemBW + p.Epsilon}
				newAdjusted[a] = true
				newAdjusted[b] = true
			} else {
				klog.V(4).InfoS("fij-trade: trade would violate min clamps, skipping", "vm", vm, "cache_app", a, "bw_app", b)
			}
		}

		cur = normalizeAlloc(cur, apps)
		p.curAlloc[vm] = cur
		p.recentlyAdj[vm] = newAdjusted

		for app, d := range p.Denormalize(cur) {
			out[app] = clampDenorm(d, p.Scale)
		}
	}

	p.Monitor.SetLastAllocation(out)
	return out
}

func (p *FijTrade) estimateAt(app types.AppID, alloc types.NormAlloc) (float64, bool) {
	if alloc.Cache < 0 || alloc.MemBW < 0 {
		return 0, false
	}
	return p.Estimator.Estimate(app, alloc.Cache*p.Scale.CacheMB, alloc.MemBW*p.Scale.MemBWGbps)
}
