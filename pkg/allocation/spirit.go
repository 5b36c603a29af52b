package allocation

import (
	"math"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/ptas"
	"github.com/yale-nova/spirit/pkg/stability"
	"github.com/yale-nova/spirit/pkg/types"
)

const (
	defaultMaxIteration             = 20
	defaultMaxRetries               = 3
	defaultClippingResDecreaseRatio = 0.25
	defaultNumConflictResolveTh     = 3
	epsFloat                        = 1e-6
)

// Spirit implements the market-clearing allocator of §4.D.1: a binary
// search over the price simplex, running one PTAS call per app at each
// candidate price, until supply meets demand within every VM.
type Spirit struct {
	Base

	Epsilon                  float64
	MaxIteration             int
	MaxRetries               int
	ClippingResDecreaseRatio float64
	NumConflictResolveTh     int

	conflictCount map[types.VMID]int
	lastAlloc     map[types.VMID]map[types.AppID]types.NormAlloc

	// lyap is a convergence diagnostic, not a control input (§9): its
	// potential is logged each iteration but never influences the price
	// search above.
	lyap *stability.LyapunovController
}

// NewSpirit constructs the Spirit policy with default search tunables.
func NewSpirit(base Base, epsilon float64) *Spirit {
	return &Spirit{
		Base:                     base,
		Epsilon:                  epsilon,
		MaxIteration:             defaultMaxIteration,
		MaxRetries:               defaultMaxRetries,
		ClippingResDecreaseRatio: defaultClippingResDecreaseRatio,
		NumConflictResolveTh:     defaultNumConflictResolveTh,
		conflictCount:            make(map[types.VMID]int),
		lastAlloc:                make(map[types.VMID]map[types.AppID]types.NormAlloc),
		lyap:                     stability.NewLyapunovController(0.5, 0.05, 1.0),
	}
}

func (p *Spirit) Name() string { return "spirit" }

func (p *Spirit) AllocateAndParse() map[types.AppID]types.DenormAlloc {
	vms, vmApps := p.VMApps()
	if !p.IsCompleteVMMap(vmApps) {
		klog.V(2).InfoS("spirit: incomplete vm map, falling back to static split")
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
			p.lastAlloc[vm] = norm
			for app, d := range p.Denormalize(norm) {
				out[app] = clampDenorm(d, p.Scale)
			}
			continue
		}

		norm, converged := p.clearMarket(vm, apps)
		if !converged {
			klog.V(2).InfoS("spirit: market did not converge, keeping previous allocation", "vm", vm)
			p.conflictCount[vm]++
			if p.conflictCount[vm] > p.NumConflictResolveTh {
				p.conflictCount[vm] = 0
			}
			// The reference implementation assigns cur_alloc = last_allocation
			// on both the over- and under-threshold branches here, making the
			// counter reset above observably inert. Preserved verbatim per
			// §9; flagged as suspicious rather than "fixed".
			if prev, ok := p.lastAlloc[vm]; ok {
				norm = prev
			} else {
				share := 1.0 / float64(len(apps))
				norm = make(map[types.AppID]types.NormAlloc, len(apps))
				for _, app := range apps {
					norm[app] = types.NormAlloc{Cache: share, MemBW: share}
				}
			}
		}

		p.lastAlloc[vm] = norm
		for app, d := range p.Denormalize(norm) {
			out[app] = clampDenorm(d, p.Scale)
		}
	}

	p.Monitor.SetLastAllocation(out)
	p.logConvergence(out)
	return out
}

// logConvergence computes the Lyapunov potential over this iteration's
// output against the equal-share baseline and logs it; it never feeds back
// into the price search.
func (p *Spirit) logConvergence(out map[types.AppID]types.DenormAlloc) {
	if len(out) == 0 {
		return
	}
	allocations := make(map[types.AppID]int64, len(out))
	params := make(map[types.AppID]stability.AllocationParams, len(out))
	baselineCache := int64(p.Scale.CacheMB) / int64(len(out))
	for app, d := range out {
		allocations[app] = int64(d.CacheMB)
		params[app] = stability.AllocationParams{Baseline: baselineCache}
	}
	v := stability.ComputePotential(allocations, params, 1.0, 1.0)
	p.lyap.CheckAndAdaptStepSize(v)
	klog.V(4).InfoS("spirit: convergence potential", "V", v, "converging", p.lyap.IsConverging())
}

// clearMarket runs the binary price search for one VM (§4.D.1).
func (p *Spirit) clearMarket(vm types.VMID, apps []types.AppID) (map[types.AppID]types.NormAlloc, bool) {
	n := len(apps)
	budget := 1.0 / float64(n)

	left := types.PriceVector{Cache: 1, MemBW: 0}
	right := types.PriceVector{Cache: 0, MemBW: 1}

	prevAlloc := p.lastAlloc[vm]

	var lastResult map[types.AppID]types.NormAlloc
	for retry := 0; retry <= p.MaxRetries; retry++ {
		for iter := 0; iter < p.MaxIteration; iter++ {
			mid := types.Mid(left, right)

			result := make(map[types.AppID]types.NormAlloc, n)
			var limited types.ResourceLimited
			sumCache, sumBW := 0.0, 0.0

			for _, app := range apps {
				var lastA *types.NormAlloc
				if v, ok := prevAlloc[app]; ok {
					lastA = &v
				}
				staticA := types.NormAlloc{Cache: budget, MemBW: budget}

				res := ptas.Search(p.Estimator, ptas.Params{
					AppID:                 app,
					Epsilon:               p.Epsilon,
					Budget:                 budget,
					Price:                  mid,
					Scale:                  p.Scale,
					SearchRangeCache:       ptas.Range{Lo: 0, Hi: 1},
					SearchRangeMemBW:       ptas.Range{Lo: 0, Hi: 1},
					LastAllocation:         lastA,
					LastStaticAllocation:   &staticA,
					PreferLastAllocation:   true,
					ReallocationThreshold:  1.005,
				})
				if res.Best == nil {
					continue
				}
				result[app] = *res.Best
				sumCache += res.Best.Cache
				sumBW += res.Best.MemBW
				limited.Update(res.ResourceLimited)
			}
			lastResult = result

			switch {
			case limited.IsResourceLimited():
				// mem_bw takes priority over cache whenever both are limited
				// in the same iteration: only one bound ever narrows per
				// iteration, matching the source's if/elif chain. Direction
				// is chosen by whether the *other* resource is oversubscribed.
				if limited.MemBWMin || limited.MemBWMax {
					if sumCache > 1+epsFloat {
						right = blend(right, mid, p.ClippingResDecreaseRatio)
					} else {
						left = blend(left, mid, p.ClippingResDecreaseRatio)
					}
				} else if limited.CacheMin || limited.CacheMax {
					if sumBW > 1+epsFloat {
						left = blend(left, mid, p.ClippingResDecreaseRatio)
					} else {
						right = blend(right, mid, p.ClippingResDecreaseRatio)
					}
				}
			case sumCache > 1+epsFloat:
				right = mid
			case sumBW > 1+epsFloat:
				left = mid
			default:
				return result, true
			}

			if math.Abs(mid.Cache) < epsFloat && math.Abs(mid.MemBW) < epsFloat {
				break
			}
		}
	}
	return lastResult, false
}

// blend moves a fraction ratio of the way from a toward target.
func blend(a, target types.PriceVector, ratio float64) types.PriceVector {
	return types.PriceVector{
		Cache:  a.Cache + (target.Cache-a.Cache)*ratio,
		MemBW:  a.MemBW + (target.MemBW-a.MemBW)*ratio,
	}
}
