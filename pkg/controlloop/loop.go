// Package controlloop drives the allocator's per-interval cooperative loop
// (§4.E): collect → allocate → publish → sleep, on a single goroutine.
package controlloop

import (
	"context"
	"strconv"
	"time"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/allocation"
	"github.com/yale-nova/spirit/pkg/deployer"
	"github.com/yale-nova/spirit/pkg/metrics"
	"github.com/yale-nova/spirit/pkg/types"
)

// Monitor is the subset of the telemetry buffer the loop drives directly.
type Monitor interface {
	Collect(ctx context.Context, verificationTh float64) error
	ConsumeCollectedData()
	SetLastAllocation(alloc map[types.AppID]types.DenormAlloc)
}

// Params configures one run of the loop (§4.E, §6 CLI surface).
type Params struct {
	AllocationIntervalSec float64
	MaxIteration          int
	VerificationTh        float64
	InitTimerSec          int // default 180, cache warm-up countdown
}

const defaultInitTimerSec = 180

// Loop ties together the monitor, policy, and deployer for the lifetime of
// one run.
type Loop struct {
	Monitor  Monitor
	Policy   allocation.Policy
	Deployer *deployer.Deployer
	Params   Params
}

// New constructs a Loop with InitTimerSec defaulted when unset.
func New(monitor Monitor, policy allocation.Policy, dep *deployer.Deployer, params Params) *Loop {
	if params.InitTimerSec <= 0 {
		params.InitTimerSec = defaultInitTimerSec
	}
	return &Loop{Monitor: monitor, Policy: policy, Deployer: dep, Params: params}
}

// Run executes the pre-run warm-up publish, then the bounded iteration
// loop, returning when ctx is cancelled or max_iteration is reached (§4.E).
func (l *Loop) Run(ctx context.Context) error {
	klog.InfoS("control loop: starting", "allocator", l.Policy.Name(), "max_iteration", l.Params.MaxIteration)

	initial := l.Policy.AllocateAndParse()
	if err := l.Deployer.Deploy(ctx, initial); err != nil {
		klog.ErrorS(err, "control loop: initial publish failed")
	}
	l.Monitor.SetLastAllocation(initial)

	klog.InfoS("control loop: letting initial allocation take effect", "seconds", 10)
	if !sleepOrDone(ctx, 10*time.Second) {
		return ctx.Err()
	}

	klog.InfoS("control loop: cache warm-up countdown", "seconds", l.Params.InitTimerSec)
	for remaining := l.Params.InitTimerSec; remaining > 0; remaining -= 10 {
		step := 10
		if remaining < step {
			step = remaining
		}
		klog.V(2).InfoS("control loop: warm-up countdown", "remaining_seconds", remaining)
		if !sleepOrDone(ctx, time.Duration(step)*time.Second) {
			return ctx.Err()
		}
	}

	measurementsPerAlloc := int(l.Params.AllocationIntervalSec * 0.25)
	if measurementsPerAlloc < 1 {
		measurementsPerAlloc = 1
	}
	sleepPerMeasurement := time.Duration(l.Params.AllocationIntervalSec/float64(measurementsPerAlloc)) * time.Second

	for iteration := 0; iteration < l.Params.MaxIteration; iteration++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		alloc := l.Policy.AllocateAndParse()
		metrics.AllocationDuration.Observe(time.Since(start).Seconds())
		metrics.Iterations.Inc()

		if err := l.Deployer.Deploy(ctx, alloc); err != nil {
			klog.ErrorS(err, "control loop: publish failed, continuing with stale controller state", "iteration", iteration)
		}
		l.Monitor.SetLastAllocation(alloc)
		recordAllocationMetrics(alloc)

		for m := 0; m < measurementsPerAlloc; m++ {
			if !sleepOrDone(ctx, sleepPerMeasurement) {
				return ctx.Err()
			}
			if err := l.Monitor.Collect(ctx, l.Params.VerificationTh); err != nil {
				klog.ErrorS(err, "control loop: collect failed, proceeding with stale data", "iteration", iteration)
			}
		}

		l.Monitor.ConsumeCollectedData()
		klog.V(2).InfoS("control loop: iteration complete", "iteration", iteration)
	}

	klog.InfoS("control loop: max_iteration reached, shutting down")
	return nil
}

func recordAllocationMetrics(alloc map[types.AppID]types.DenormAlloc) {
	for app, d := range alloc {
		label := strconv.Itoa(int(app))
		metrics.AppCacheMB.WithLabelValues(label).Set(float64(d.CacheMB))
		metrics.AppMemBWMbps.WithLabelValues(label).Set(float64(d.MemBWMbps))
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
