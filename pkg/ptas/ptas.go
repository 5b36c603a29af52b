// Package ptas implements the per-app bundle search of §4.C: given a price
// vector and a budget, pick the (cache, bw) point maximizing estimated
// utility within resource clamps, biased toward the app's last allocation.
package ptas

import (
	"math"

	"github.com/yale-nova/spirit/pkg/types"
)

// Estimator is the subset of the estimator's contract the search needs.
type Estimator interface {
	Estimate(appID types.AppID, cacheMB, bwGbps float64) (float64, bool)
}

// Range bounds one resource's search window, in normalized units.
type Range struct {
	Lo, Hi float64
}

// Params bundles one call's tunables (§4.C inputs).
type Params struct {
	AppID                 types.AppID
	Epsilon                float64
	Budget                 float64
	Price                  types.PriceVector
	Scale                  types.ResourceScale
	SearchRangeCache       Range
	SearchRangeMemBW       Range
	LastAllocation         *types.NormAlloc
	LastStaticAllocation   *types.NormAlloc
	PreferLastAllocation   bool
	ReallocationThreshold  float64 // default 1.005
}

// Result is the outcome of one PTAS call (§4.C "Return").
type Result struct {
	Best            *types.NormAlloc
	PointsChecked   int
	ResourceLimited types.ResourceLimited
}

const defaultReallocationThreshold = 1.005

// Search runs the grid search described in §4.C.
func Search(est Estimator, p Params) Result {
	threshold := p.ReallocationThreshold
	if threshold <= 0 {
		threshold = defaultReallocationThreshold
	}

	var best *types.NormAlloc
	maxUtil := math.Inf(-1)
	var limited types.ResourceLimited

	eval := func(alloc types.NormAlloc) (float64, bool) {
		cacheMB := alloc.Cache * p.Scale.CacheMB
		bwGbps := alloc.MemBW * p.Scale.MemBWGbps
		return est.Estimate(p.AppID, cacheMB, bwGbps)
	}

	// Seed with the static allocation, projected into the search range and
	// reconciled against the budget (§4.C "Seed with static").
	if p.LastStaticAllocation != nil {
		seed := clampToRange(*p.LastStaticAllocation, p.SearchRangeCache)
		seed = fillMemBWFromBudget(seed, p.Price, p.Budget, p.Epsilon)
		if withinClamps(seed, p.Scale) {
			if util, ok := eval(seed); ok {
				maxUtil = util / threshold
				best = &seed
			}
		}
	}

	// Evaluate the candidate derived from the last allocation (§4.C
	// "Last-allocation check").
	if p.LastAllocation != nil {
		cand := lastAllocationCandidate(*p.LastAllocation, p.Price, p.Budget, p.Epsilon, p.Scale)
		if util, ok := eval(cand); ok && util > maxUtil {
			maxUtil = util
			best = &cand
		}
	}

	var closestToLast *types.NormAlloc
	closestGap := math.Inf(1)
	closestUtil := math.Inf(-1)

	// The last allocation itself, when affordable and within the clamps, is
	// at distance zero and so is the closest-to-last bundle.
	if p.LastAllocation != nil {
		last := *p.LastAllocation
		if last.Cache*p.Price.Cache+last.MemBW*p.Price.MemBW <= p.Budget+1e-9 && withinClamps(last, p.Scale) {
			if util, ok := eval(last); ok {
				closestToLast = &last
				closestGap = 0
				closestUtil = util
			}
		}
	}

	steps := int(1.0/p.Epsilon + 0.5)
	checked := 0
	for i := 1; i <= steps; i++ {
		cache := float64(i) * p.Epsilon
		if cache < p.SearchRangeCache.Lo || cache > p.SearchRangeCache.Hi {
			continue
		}
		checked++
		cost := cache * p.Price.Cache
		if cost > p.Budget {
			break
		}

		memBWSteps := clampInt(int((p.Budget-cost)/math.Max(1e-6, p.Price.MemBW)/p.Epsilon), 1, steps)
		memBW := float64(memBWSteps) * p.Epsilon
		if memBW < p.SearchRangeMemBW.Lo || memBW > p.SearchRangeMemBW.Hi {
			memBW = clampFloat(memBW, p.SearchRangeMemBW.Lo, p.SearchRangeMemBW.Hi)
		}

		cand := types.NormAlloc{Cache: cache, MemBW: memBW}

		// Forward-looking margin so the loop doesn't dead-end exactly at a
		// clamp boundary (§4.C step 3).
		margin := types.NormAlloc{
			Cache: p.Epsilon + 1e-6,
			MemBW: 2*p.Epsilon*p.Price.Cache/math.Max(1e-6, p.Price.MemBW) + 1e-6,
		}
		if violatesClampsWithMargin(cand, p.Scale, margin) {
			continue
		}

		util, ok := eval(cand)
		if !ok {
			continue
		}
		if p.LastAllocation != nil && threshold > 1.0 && cand.Cache < p.LastAllocation.Cache {
			util /= threshold
		}

		hard := classifyClamps(cand, p.Scale)
		if hard.IsResourceLimited() && util > maxUtil {
			limited.Update(hard)
		}
		if hard.IsResourceLimited() {
			continue
		}

		if p.LastAllocation != nil {
			gap := sqDist(cand, *p.LastAllocation)
			if gap < closestGap {
				closestGap = gap
				c := cand
				closestToLast = &c
				closestUtil = util
			}
		}

		if util > maxUtil {
			maxUtil = util
			c := cand
			best = &c
			if limited.IsResourceLimited() {
				break
			}
		}
	}

	// Stickiness: prefer the closest-to-last bundle unless the winner beats
	// it by the reallocation threshold (§4.C "Stickiness").
	if p.PreferLastAllocation && closestToLast != nil && maxUtil/threshold < closestUtil {
		best = closestToLast
		maxUtil = closestUtil
	}

	return Result{Best: best, PointsChecked: checked, ResourceLimited: limited}
}

func lastAllocationCandidate(last types.NormAlloc, price types.PriceVector, budget, epsilon float64, scale types.ResourceScale) types.NormAlloc {
	cache := last.Cache
	cost := cache * price.Cache
	if cost <= budget {
		memBWSteps := clampInt(int((budget-cost)/math.Max(1e-6, price.MemBW)/epsilon), 1, int(1.0/epsilon+0.5))
		return types.NormAlloc{Cache: cache, MemBW: float64(memBWSteps) * epsilon}
	}
	// Insufficient budget to keep last.cache: scale both axes by the same
	// cache:bw ratio while respecting min clamps (§4.C fallback).
	minCache := scale.MinCacheMB / math.Max(scale.CacheMB, 1e-9)
	minMemBW := scale.MinMemBWGbps / math.Max(scale.MemBWGbps, 1e-9)
	ratio := last.MemBW / math.Max(last.Cache, 1e-9)
	scaledCache := math.Max(minCache, budget/math.Max(price.Cache+ratio*price.MemBW, 1e-9))
	scaledBW := scaledCache * ratio
	if scaledBW < minMemBW {
		scaledBW = minMemBW
	}
	return types.NormAlloc{Cache: roundToEpsilon(scaledCache, epsilon), MemBW: roundToEpsilon(scaledBW, epsilon)}
}

func fillMemBWFromBudget(alloc types.NormAlloc, price types.PriceVector, budget, epsilon float64) types.NormAlloc {
	cost := alloc.Cache * price.Cache
	if cost > budget {
		return alloc
	}
	steps := clampInt(int((budget-cost)/math.Max(1e-6, price.MemBW)/epsilon), 1, int(1.0/epsilon+0.5))
	return types.NormAlloc{Cache: alloc.Cache, MemBW: float64(steps) * epsilon}
}

func withinClamps(a types.NormAlloc, scale types.ResourceScale) bool {
	cacheMB := a.Cache * scale.CacheMB
	bwGbps := a.MemBW * scale.MemBWGbps
	if cacheMB < scale.MinCacheMB || cacheMB > scale.MaxCacheMB {
		return false
	}
	if bwGbps < scale.MinMemBWGbps || bwGbps > scale.MaxMemBWGbps {
		return false
	}
	return true
}

func classifyClamps(a types.NormAlloc, scale types.ResourceScale) types.ResourceLimited {
	cacheMB := a.Cache * scale.CacheMB
	bwGbps := a.MemBW * scale.MemBWGbps
	var r types.ResourceLimited
	if cacheMB < scale.MinCacheMB {
		r.CacheMin = true
	}
	if cacheMB > scale.MaxCacheMB {
		r.CacheMax = true
	}
	if bwGbps < scale.MinMemBWGbps {
		r.MemBWMin = true
	}
	if bwGbps > scale.MaxMemBWGbps {
		r.MemBWMax = true
	}
	return r
}

func violatesClampsWithMargin(a types.NormAlloc, scale types.ResourceScale, margin types.NormAlloc) bool {
	cacheMB := a.Cache * scale.CacheMB
	bwGbps := a.MemBW * scale.MemBWGbps
	cacheMarginMB := margin.Cache * scale.CacheMB
	bwMarginGbps := margin.MemBW * scale.MemBWGbps
	if cacheMB < scale.MinCacheMB-cacheMarginMB || cacheMB > scale.MaxCacheMB+cacheMarginMB {
		return true
	}
	if bwGbps < scale.MinMemBWGbps-bwMarginGbps || bwGbps > scale.MaxMemBWGbps+bwMarginGbps {
		return true
	}
	return false
}

func clampToRange(a types.NormAlloc, r Range) types.NormAlloc {
	return types.NormAlloc{Cache: clampFloat(a.Cache, r.Lo, r.Hi), MemBW: a.MemBW}
}

func sqDist(a, b types.NormAlloc) float64 {
	dc := a.Cache - b.Cache
	db := a.MemBW - b.MemBW
	return dc*dc + db*db
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundToEpsilon(v, epsilon float64) float64 {
	if epsilon <= 0 {
		return v
	}
	return math.Round(v/epsilon) * epsilon
}

// GetSearchDict returns the bounding box around cur for the given window
// radius, clamped to [0,1] (§4.D.1 "get_search_dict" helper).
func GetSearchDict(cur types.NormAlloc, radius float64) (cacheRange, memBWRange Range) {
	cacheRange = Range{Lo: math.Max(0, cur.Cache-radius), Hi: math.Min(1, cur.Cache+radius)}
	memBWRange = Range{Lo: math.Max(0, cur.MemBW-radius), Hi: math.Min(1, cur.MemBW+radius)}
	return
}

// StaticAllocation returns the equal-share normalized bundle for numUsers
// co-resident apps (§9 "get_static_allocation").
func StaticAllocation(numUsers int) types.NormAlloc {
	if numUsers <= 0 {
		numUsers = 1
	}
	share := 1.0 / float64(numUsers)
	return types.NormAlloc{Cache: share, MemBW: share}
}
