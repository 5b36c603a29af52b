package allocation

import (
	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/types"
)

// Oracle implements the static-profile pass-through policy of §4.D.4: each
// app's allocation comes directly from its configured oracle_allocation,
// renormalized per-VM whenever the requested totals exceed capacity.
//
// Unlike the reference implementation, where per-VM renormalization only
// runs behind a flag the live call site never sets (making it dead code),
// this always renormalizes when a VM is oversubscribed, per the spec's S3
// scenario.
type Oracle struct {
	Base
}

// NewOracle constructs the oracle policy.
func NewOracle(base Base) *Oracle { return &Oracle{Base: base} }

func (p *Oracle) Name() string { return "oracle" }

// AllocateAndParse reads every app's profile allocation, gives a whole VM the
// static split when any of its apps has none, and proportionally shrinks each
// oversubscribed resource of a VM back down to capacity.
func (p *Oracle) AllocateAndParse() map[types.AppID]types.DenormAlloc {
	vms, vmApps := p.VMApps()
	if !p.IsCompleteVMMap(vmApps) {
		vms, vmApps = p.virtualBuckets()
	}

	profiles := make(map[types.AppID]types.AppProfile)
	for _, prof := range p.Estimator.Profiles() {
		profiles[prof.AppID] = prof
	}

	out := make(map[types.AppID]types.DenormAlloc)
	for _, vm := range vms {
		apps := vmApps[vm]
		if len(apps) == 0 {
			continue
		}

		requested := make(map[types.AppID]types.DenormAlloc, len(apps))
		totalCache, totalBW := 0, 0
		missing := false
		for _, app := range apps {
			prof, ok := profiles[app]
			if !ok || prof.OracleAllocation == nil {
				missing = true
				break
			}
			requested[app] = *prof.OracleAllocation
			totalCache += prof.OracleAllocation.CacheMB
			totalBW += prof.OracleAllocation.MemBWMbps
		}
		if missing {
			klog.V(3).InfoS("oracle: vm has app without oracle_allocation, using static split", "vm", vm)
			share := 1.0 / float64(len(apps))
			shares := make([]float64, len(apps))
			for i := range shares {
				shares[i] = share
			}
			cacheMB := LargestRemainderRound(shares, int(p.Scale.CacheMB))
			bwMbps := LargestRemainderRound(shares, int(p.Scale.MemBWGbps*1024))
			for i, app := range apps {
				out[app] = types.DenormAlloc{CacheMB: cacheMB[i], MemBWMbps: bwMbps[i]}
			}
			continue
		}

		cacheCap := int(p.Scale.CacheMB)
		bwCap := int(p.Scale.MemBWGbps * 1024)
		if totalCache <= cacheCap && totalBW <= bwCap {
			for _, app := range apps {
				out[app] = requested[app]
			}
			continue
		}

		// Oversubscribed: renormalize each oversubscribed resource in
		// proportion to its requested share (§4.D.4, S3); a resource whose
		// requests fit keeps them unchanged.
		cacheShares := make([]float64, len(apps))
		bwShares := make([]float64, len(apps))
		for i, app := range apps {
			if totalCache > 0 {
				cacheShares[i] = float64(requested[app].CacheMB) / float64(totalCache)
			}
			if totalBW > 0 {
				bwShares[i] = float64(requested[app].MemBWMbps) / float64(totalBW)
			}
		}
		cacheMB := LargestRemainderRound(cacheShares, cacheCap)
		bwMbps := LargestRemainderRound(bwShares, bwCap)
		for i, app := range apps {
			d := types.DenormAlloc{CacheMB: cacheMB[i], MemBWMbps: bwMbps[i]}
			if totalCache <= cacheCap {
				d.CacheMB = requested[app].CacheMB
			}
			if totalBW <= bwCap {
				d.MemBWMbps = requested[app].MemBWMbps
			}
			out[app] = d
		}
	}

	p.Monitor.SetLastAllocation(out)
	return out
}
