package controlloop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yale-nova/spirit/pkg/deployer"
	"github.com/yale-nova/spirit/pkg/types"
)

type fakeMonitor struct {
	collectCalls int32
	setAllocCalls int32
	consumeCalls int32
}

func (m *fakeMonitor) Collect(ctx context.Context, verificationTh float64) error {
	atomic.AddInt32(&m.collectCalls, 1)
	return nil
}

func (m *fakeMonitor) ConsumeCollectedData() { atomic.AddInt32(&m.consumeCalls, 1) }

func (m *fakeMonitor) SetLastAllocation(alloc map[types.AppID]types.DenormAlloc) {
	atomic.AddInt32(&m.setAllocCalls, 1)
}

type fakePolicy struct {
	name  string
	calls int32
}

func (p *fakePolicy) Name() string { return p.name }

func (p *fakePolicy) AllocateAndParse() map[types.AppID]types.DenormAlloc {
	atomic.AddInt32(&p.calls, 1)
	return map[types.AppID]types.DenormAlloc{1: {CacheMB: 1024, MemBWMbps: 512}}
}

func TestRunPublishesInitialAllocationBeforeIterating(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mon := &fakeMonitor{}
	policy := &fakePolicy{name: "static"}
	dep := deployer.New(srv.URL, "/deploy")

	loop := New(mon, policy, dep, Params{
		AllocationIntervalSec: 1,
		MaxIteration:          0, // skip the bounded loop, only run the initial publish + warm-up
		InitTimerSec:          0,
	})

	// Run always sleeps 10s after the initial publish before anything else;
	// a short deadline lets the test observe the initial publish without
	// waiting out the full countdown.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := loop.Run(ctx); err == nil {
		t.Fatal("expected Run to return the context's deadline error once it is cancelled mid-sleep")
	}

	if atomic.LoadInt32(&policy.calls) < 1 {
		t.Error("expected at least the initial allocation to be computed")
	}
	if atomic.LoadInt32(&mon.setAllocCalls) < 1 {
		t.Error("expected SetLastAllocation to be called after the initial publish")
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mon := &fakeMonitor{}
	policy := &fakePolicy{name: "static"}
	dep := deployer.New(srv.URL, "/deploy")

	loop := New(mon, policy, dep, Params{
		AllocationIntervalSec: 1,
		MaxIteration:          100,
		InitTimerSec:          100,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := loop.Run(ctx)
	if err == nil {
		t.Error("expected Run to return the context's cancellation error")
	}
}

func TestNewDefaultsInitTimerWhenUnset(t *testing.T) {
	mon := &fakeMonitor{}
	policy := &fakePolicy{name: "static"}
	dep := deployer.New("http://example.invalid", "/deploy")

	loop := New(mon, policy, dep, Params{AllocationIntervalSec: 15, MaxIteration: 1})
	if loop.Params.InitTimerSec != defaultInitTimerSec {
		t.Errorf("expected default init timer %d, got %d", defaultInitTimerSec, loop.Params.InitTimerSec)
	}
}
