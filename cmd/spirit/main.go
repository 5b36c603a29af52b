package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/admin"
	"github.com/yale-nova/spirit/pkg/allocation"
	"github.com/yale-nova/spirit/pkg/config"
	"github.com/yale-nova/spirit/pkg/controlloop"
	"github.com/yale-nova/spirit/pkg/deployer"
	"github.com/yale-nova/spirit/pkg/estimator"
	"github.com/yale-nova/spirit/pkg/monitor"
)

const defaultSearchGranularity = 0.005

func main() {
	fmt.Println("================================================================================")
	fmt.Println("  Spirit - Multi-tenant cache/bandwidth resource allocator")
	fmt.Println("================================================================================")
	fmt.Println()

	klog.InitFlags(nil)

	var (
		configPath    string
		allocatorName string
		allocInterval int
		maxIter       int
		adminPort     int
		verificationTh float64
	)
	flag.StringVar(&configPath, "config", "config.json", "path to the run configuration file")
	flag.StringVar(&allocatorName, "allocator", "static", "allocator policy: spirit|static|oracle|inc-trade|fij-trade")
	flag.IntVar(&allocInterval, "alloc_interval", 15, "seconds between allocation publishes; used only when the config sets no positive allocation_interval_in_sec")
	flag.IntVar(&maxIter, "max_iter", 150, "scales the iteration budget; actual iterations = max_iter*10/(effective allocation interval in seconds)")
	flag.IntVar(&adminPort, "admin-port", 60000, "port for the admin reset-metrics API")
	flag.Float64Var(&verificationTh, "verification_th", 0.1, "fraction of over-allocation tolerated before a sample is dropped")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		klog.Fatalf("loading config %q: %v", configPath, err)
	}

	scale := cfg.ResourceScale()
	profiles := cfg.AppProfiles()

	mon := monitor.New(cfg.ResourceController.BaseURL, cfg.ResourceController.CollectRoute, cfg.AllocationParameters.AllocationIntervalInSec)
	est := estimator.New(profiles, defaultSearchGranularity)
	est.SetMonitor(mon)

	base := allocation.NewBase(mon, est, scale)

	var policy allocation.Policy
	switch allocatorName {
	case "spirit":
		policy = allocation.NewSpirit(base, defaultSearchGranularity)
	case "oracle":
		policy = allocation.NewOracle(base)
	case "inc-trade":
		policy = allocation.NewIncrementalTrade(base, defaultSearchGranularity)
	case "fij-trade":
		policy = allocation.NewFijTrade(base, defaultSearchGranularity)
	case "static":
		policy = allocation.NewStatic(base)
	default:
		klog.Fatalf("unknown allocator %q (want spirit|static|oracle|inc-trade|fij-trade)", allocatorName)
	}
	est.SetAllocator(policy)

	dep := deployer.New(cfg.ResourceController.BaseURL, cfg.ResourceController.DeployRoute)

	adminServer := admin.New(mon)
	adminServer.Start(adminPort)

	intervalSec := cfg.AllocationParameters.AllocationIntervalInSec
	if intervalSec <= 0 {
		intervalSec = float64(allocInterval)
	}
	maxIteration := maxIter * 10 / int(intervalSec)
	if maxIteration <= 0 {
		maxIteration = 1
	}

	loop := controlloop.New(mon, policy, dep, controlloop.Params{
		AllocationIntervalSec: intervalSec,
		MaxIteration:          maxIteration,
		VerificationTh:        verificationTh,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.InfoS("spirit: starting control loop", "allocator", allocatorName, "max_iteration", maxIteration)
	if err := loop.Run(ctx); err != nil && err != context.Canceled {
		klog.Fatalf("control loop error: %v", err)
	}
}
