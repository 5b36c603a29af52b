// Package deployer posts computed allocations to the external controller
// over HTTP (§6 "Controller HTTP API (consumed)", out-of-scope collaborator
// per §1 but implemented here as the thin client the control loop calls).
package deployer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/apperr"
	"github.com/yale-nova/spirit/pkg/metrics"
	"github.com/yale-nova/spirit/pkg/types"
)

// Deployer posts the allocation map to {base_url}{deploy_route}.
type Deployer struct {
	client      *http.Client
	baseURL     string
	deployRoute string
}

// New constructs a Deployer with a bounded request timeout (§5 "Cancellation
// / timeouts": implementation-defined, ≥5s recommended).
func New(baseURL, deployRoute string) *Deployer {
	return &Deployer{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     baseURL,
		deployRoute: deployRoute,
	}
}

type wireAllocation struct {
	AllocationMap map[string][2]int `json:"allocation_map"`
}

// Deploy posts alloc as {"allocation_map": {"<app_id>": [cache_MB, mem_bw_Mbps]}}.
// The control loop's thread blocks on this call (§5 point 2); responses other
// than 200/202 and transport errors are logged and returned as
// ErrTransportFailure rather than aborting the loop (§7).
func (d *Deployer) Deploy(ctx context.Context, alloc map[types.AppID]types.DenormAlloc) error {
	if len(alloc) == 0 {
		klog.V(2).InfoS("deployer: empty allocation, skipping publish")
		return nil
	}

	payload := wireAllocation{AllocationMap: make(map[string][2]int, len(alloc))}
	for app, d := range alloc {
		payload.AllocationMap[fmt.Sprintf("%d", int(app))] = [2]int{d.CacheMB, d.MemBWMbps}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling allocation: %w: %w", apperr.ErrTransportFailure, err)
	}

	url := d.baseURL + d.deployRoute
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building deploy request: %w: %w", apperr.ErrTransportFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	klog.V(3).InfoS("deployer: sending allocation", "url", url, "allocation", payload.AllocationMap)

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.TransportErrors.WithLabelValues("deploy").Inc()
		return fmt.Errorf("posting allocation to %s: %w: %w", url, apperr.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		klog.V(3).InfoS("deployer: publish succeeded", "status", resp.StatusCode)
		return nil
	}

	metrics.TransportErrors.WithLabelValues("deploy").Inc()
	klog.ErrorS(apperr.ErrTransportFailure, "deployer: publish failed", "status", resp.StatusCode)
	return fmt.Errorf("deploy returned status %d: %w", resp.StatusCode, apperr.ErrTransportFailure)
}
