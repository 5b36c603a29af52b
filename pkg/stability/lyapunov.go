// Package stability provides an optional convergence diagnostic for the
// market-clearing allocator: a Lyapunov potential over per-app surplus that
// should trend downward as price search converges. Nothing in §4 requires
// this; Spirit logs it each iteration as a health signal, not a control
// input (§9 "adaptive_iter... off by default" sets the precedent for
// keeping secondary heuristics behind an explicit opt-in).
package stability

import (
	"math"
	"sync"

	"github.com/yale-nova/spirit/pkg/types"
)

// MaxHistorySize limits the number of potential values retained.
const MaxHistorySize = 1000

// BaselineViolationPenalty is added for every app whose allocation falls
// below its baseline share, strongly penalizing infeasible states.
const BaselineViolationPenalty = 1e6

// LyapunovController tracks a potential function V that should be
// non-increasing across iterations as the allocator converges.
type LyapunovController struct {
	mu          sync.RWMutex
	potential   float64
	history     []float64
	stepSize    float64
	minStepSize float64
	maxStepSize float64
}

// AllocationParams is the per-app baseline this package compares allocations
// against: the static equal-share bundle and, optionally, an SLO gap.
type AllocationParams struct {
	Baseline int64
	SLOGap   float64
}

// NewLyapunovController creates a controller with the given step bounds.
func NewLyapunovController(initialStepSize, minStep, maxStep float64) *LyapunovController {
	return &LyapunovController{
		potential:   math.Inf(1),
		history:     make([]float64, 0, MaxHistorySize),
		stepSize:    initialStepSize,
		minStepSize: minStep,
		maxStepSize: maxStep,
	}
}

// ComputePotential calculates V = -Σ log(surplus_i) + α·Σ(SLO_gap_i)² +
// β·Var(surplus). Decreasing V means the allocation is moving toward the
// fair, SLO-respecting optimum.
func ComputePotential(
	allocations map[types.AppID]int64,
	params map[types.AppID]AllocationParams,
	alpha, beta float64,
) float64 {
	nashTerm := 0.0
	surpluses := make([]float64, 0, len(allocations))

	for appID, alloc := range allocations {
		p := params[appID]
		surplus := float64(alloc - p.Baseline)
		if surplus > 0 {
			nashTerm -= math.Log(surplus)
			surpluses = append(surpluses, surplus)
		} else {
			nashTerm += BaselineViolationPenalty
		}
	}

	sloTerm := 0.0
	for appID := range allocations {
		p := params[appID]
		if p.SLOGap > 0 {
			sloTerm += p.SLOGap * p.SLOGap
		}
	}

	fairnessTerm := 0.0
	if len(surpluses) > 1 {
		mean := 0.0
		for _, s := range surpluses {
			mean += s
		}
		mean /= float64(len(surpluses))

		variance := 0.0
		for _, s := range surpluses {
			diff := s - mean
			variance += diff * diff
		}
		variance /= float64(len(surpluses))
		fairnessTerm = variance
	}

	return nashTerm + alpha*sloTerm + beta*fairnessTerm
}

// CheckAndAdaptStepSize records newPotential and adapts the step size:
// grows it when the potential decreased, shrinks it otherwise. Returns
// false once the step size has been driven to its floor without recovery.
func (lc *LyapunovController) CheckAndAdaptStepSize(newPotential float64) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if math.IsInf(lc.potential, 1) {
		lc.potential = newPotential
		lc.appendHistory(newPotential)
		return true
	}

	delta := newPotential - lc.potential
	if delta <= 0 {
		lc.stepSize *= 1.1
		if lc.stepSize > lc.maxStepSize {
			lc.stepSize = lc.maxStepSize
		}
		lc.potential = newPotential
		lc.appendHistory(newPotential)
		return true
	}

	lc.stepSize *= 0.5
	if lc.stepSize < lc.minStepSize {
		lc.stepSize = lc.minStepSize
	}
	lc.appendHistory(newPotential)
	return lc.stepSize > lc.minStepSize
}

func (lc *LyapunovController) appendHistory(val float64) {
	lc.history = append(lc.history, val)
	if len(lc.history) > MaxHistorySize {
		lc.history = lc.history[len(lc.history)-MaxHistorySize:]
	}
}

// GetStepSize returns the current step size.
func (lc *LyapunovController) GetStepSize() float64 {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.stepSize
}

// GetPotential returns the reference potential: the first one recorded or the
// latest one that did not increase it. Increases go to the history only.
func (lc *LyapunovController) GetPotential() float64 {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return lc.potential
}

// GetHistory returns a copy of the recorded potential history.
func (lc *LyapunovController) GetHistory() []float64 {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	result := make([]float64, len(lc.history))
	copy(result, lc.history)
	return result
}

// BoundedUpdate applies current + stepSize*(desired-current), used when a
// caller wants a damped step toward a target rather than jumping directly.
func (lc *LyapunovController) BoundedUpdate(current, desired int64) int64 {
	return lc.BoundedUpdateWithCongestion(current, desired, 1.0)
}

// BoundedUpdateWithCongestion scales the step between 0.5x and 1.0x of the
// controller's step size based on congestionFactor ∈ [0,1].
func (lc *LyapunovController) BoundedUpdateWithCongestion(current, desired int64, congestionFactor float64) int64 {
	step := lc.GetStepSize()

	adaptiveStep := step * (0.5 + 0.5*congestionFactor)
	if adaptiveStep < lc.minStepSize {
		adaptiveStep = lc.minStepSize
	}
	if adaptiveStep > lc.maxStepSize {
		adaptiveStep = lc.maxStepSize
	}

	delta := float64(desired - current)
	boundedDelta := int64(delta * adaptiveStep)
	return current + boundedDelta
}

// ComputeCongestionFactor returns, in [0,1], how far total allocation sits
// above total baseline, saturating at 2x baseline.
func ComputeCongestionFactor(
	allocations map[types.AppID]int64,
	params map[types.AppID]AllocationParams,
) float64 {
	if len(allocations) == 0 {
		return 0.0
	}

	totalResidual := 0.0
	totalBaseline := 0.0

	for appID, alloc := range allocations {
		p, ok := params[appID]
		if !ok {
			continue
		}
		baseline := float64(p.Baseline)
		totalBaseline += baseline
		if alloc > p.Baseline {
			totalResidual += float64(alloc - p.Baseline)
		}
	}

	if totalBaseline == 0 {
		return 0.0
	}

	congestion := totalResidual / totalBaseline
	if congestion > 2.0 {
		congestion = 2.0
	}
	return congestion / 2.0
}

// IsConverging reports whether the last three recorded potentials were
// non-increasing.
func (lc *LyapunovController) IsConverging() bool {
	lc.mu.RLock()
	defer lc.mu.RUnlock()

	if len(lc.history) < 3 {
		return true
	}

	n := len(lc.history)
	return lc.history[n-1] <= lc.history[n-2] && lc.history[n-2] <= lc.history[n-3]
}
