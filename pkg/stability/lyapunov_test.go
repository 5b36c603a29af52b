package stability

import (
	"math"
	"testing"

	"github.com/yale-nova/spirit/pkg/types"
)

func TestBoundedUpdateWithCongestion(t *testing.T) {
	lc := NewLyapunovController(0.5, 0.2, 1.0)

	result := lc.BoundedUpdateWithCongestion(1000, 2000, 0.0)
	if result <= 1000 || result >= 2000 {
		t.Errorf("expected result between current and desired, got %d", result)
	}

	result2 := lc.BoundedUpdateWithCongestion(1000, 2000, 1.0)
	if result2 < result {
		t.Errorf("high congestion should use larger step, got %d vs %d", result2, result)
	}
}

func TestComputeCongestionFactor(t *testing.T) {
	allocations := map[types.AppID]int64{
		types.AppID(1): 500,
		types.AppID(2): 300,
	}
	params := map[types.AppID]AllocationParams{
		types.AppID(1): {Baseline: 200},
		types.AppID(2): {Baseline: 200},
	}

	factor := ComputeCongestionFactor(allocations, params)
	if factor < 0.0 || factor > 1.0 {
		t.Errorf("congestion factor should be in [0, 1], got %f", factor)
	}
	if factor <= 0.0 {
		t.Error("expected positive congestion factor with allocations above baseline")
	}
}

func TestComputeCongestionFactor_NoCongestion(t *testing.T) {
	allocations := map[types.AppID]int64{
		types.AppID(1): 200,
		types.AppID(2): 200,
	}
	params := map[types.AppID]AllocationParams{
		types.AppID(1): {Baseline: 200},
		types.AppID(2): {Baseline: 200},
	}

	factor := ComputeCongestionFactor(allocations, params)
	if factor < 0.0 || factor > 1.0 {
		t.Errorf("congestion factor should be in [0, 1], got %f", factor)
	}
}

func TestBoundedUpdate_BackwardCompatibility(t *testing.T) {
	lc := NewLyapunovController(0.1, 0.2, 1.0)

	result1 := lc.BoundedUpdate(1000, 2000)
	result2 := lc.BoundedUpdateWithCongestion(1000, 2000, 1.0)

	if math.Abs(float64(result1-result2)) > 1 {
		t.Errorf("BoundedUpdate should match BoundedUpdateWithCongestion(..., 1.0), got %d vs %d", result1, result2)
	}
}

func TestComputePotentialPenalizesBaselineViolation(t *testing.T) {
	allocations := map[types.AppID]int64{types.AppID(1): 100}
	params := map[types.AppID]AllocationParams{types.AppID(1): {Baseline: 200}}

	v := ComputePotential(allocations, params, 1.0, 1.0)
	if v < BaselineViolationPenalty {
		t.Errorf("expected baseline violation penalty to dominate, got %f", v)
	}
}

func TestIsConvergingTrueWithFewSamples(t *testing.T) {
	lc := NewLyapunovController(0.5, 0.2, 1.0)
	if !lc.IsConverging() {
		t.Error("expected IsConverging to default true before enough history")
	}
}
