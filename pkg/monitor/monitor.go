// Package monitor implements the telemetry buffer (§4.A): it pulls per-VM,
// per-app snapshots from the controller, filters noise, EWMA-merges MRC and
// usage history, and answers the allocator/estimator's history queries.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/yale-nova/spirit/pkg/apperr"
	"github.com/yale-nova/spirit/pkg/types"
)

const (
	// defaultAlpha is the EWMA smoothing factor for MRC and usage merges.
	defaultAlpha = 0.95
	// defaultRecentWindow bounds the per-app recent-measurement deque.
	defaultRecentWindow = 24
	// skipNoiseAfterAlloc is the number of post-publish snapshots dropped
	// when the allocation interval is long enough to afford it.
	skipNoiseAfterAlloc = 1
	// noiseSkipIntervalThreshold matches the reference implementation's
	// skip_noise_after_alloc*5*2 derivation for a skip count of 1.
	noiseSkipIntervalThreshold = 10.0
)

// resKey identifies one (cache, mem_bw) grid point in MB/Mbps.
type resKey struct {
	CacheMB   int
	MemBWMbps int
}

type usage struct {
	CacheMB   float64
	MemBWMbps float64
}

type datapoint struct {
	Perf      float64
	Iteration int64
}

type appHistory struct {
	TotalRecords     int64
	TotalUniquePoints int64
	Datapoints       map[resKey][]datapoint
	LastUpdated      map[resKey]int64
	LastUpdateIter   int64
	LastMRC          []types.MRCPoint
}

func newAppHistory() *appHistory {
	return &appHistory{
		Datapoints:  make(map[resKey][]datapoint),
		LastUpdated: make(map[resKey]int64),
	}
}

// wireEntry is one application's record inside a controller snapshot.
type wireEntry struct {
	MemMB            float64     `json:"mem_mb"`
	BWMbps           float64     `json:"bw_mbps"`
	CacheMbps        float64     `json:"cache_mbps"`
	MissRateOpsSec   float64     `json:"miss_rate_ops_sec"`
	AccessRateOpsSec float64     `json:"access_rate_ops_sec"`
	HitRatePercent   float64     `json:"hit_rate_percent"`
	MRC              [][2]float64 `json:"mrc,omitempty"`
}

type wireSnapshot struct {
	Map map[string]map[string]wireEntry `json:"map"`
}

// Monitor is the concurrency-safe telemetry buffer described in §4.A/§5.
// All mutable state is guarded by a single RWMutex scoped to the instance.
type Monitor struct {
	mu sync.RWMutex

	httpClient   *http.Client
	baseURL      string
	collectRoute string

	allocationIntervalSec float64
	numBufferedData       int
	collectionIteration   int64

	bufferedData map[types.AppID]map[resKey][]int
	bufferedMRC  map[types.AppID]map[resKey][]types.MRCPoint

	collectedData map[types.AppID]*appHistory
	lastUsage     map[types.AppID]*usage
	// recentMeasurement holds, per app, one median-perf-per-key snapshot
	// per buffering window, capped at defaultRecentWindow entries.
	recentMeasurement map[types.AppID][]map[resKey]float64

	vmToAppMap     map[types.VMID][]types.AppID
	lastAllocation map[types.AppID]types.DenormAlloc
}

// New constructs a Monitor that collects from baseURL+collectRoute.
// allocationIntervalSec informs the noise-skip rule (§4.A); pass the
// configured allocation interval in seconds.
func New(baseURL, collectRoute string, allocationIntervalSec float64) *Monitor {
	return &Monitor{
		httpClient:        &http.Client{Timeout: 5 * time.Second},
		baseURL:           baseURL,
		collectRoute:      collectRoute,
		allocationIntervalSec: allocationIntervalSec,
		bufferedData:      make(map[types.AppID]map[resKey][]int),
		bufferedMRC:       make(map[types.AppID]map[resKey][]types.MRCPoint),
		collectedData:     make(map[types.AppID]*appHistory),
		lastUsage:         make(map[types.AppID]*usage),
		recentMeasurement: make(map[types.AppID][]map[resKey]float64),
		vmToAppMap:        make(map[types.VMID][]types.AppID),
		lastAllocation:    make(map[types.AppID]types.DenormAlloc),
	}
}

// SetLastAllocation records what the controller was last told to enforce,
// used to annotate samples with the enforced (not reported) allocation.
func (m *Monitor) SetLastAllocation(alloc map[types.AppID]types.DenormAlloc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[types.AppID]types.DenormAlloc, len(alloc))
	for k, v := range alloc {
		cp[k] = v
	}
	m.lastAllocation = cp
}

// LastAllocation returns the monitor's record of the last-enforced
// allocation for appID.
func (m *Monitor) LastAllocation(appID types.AppID) (types.DenormAlloc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.lastAllocation[appID]
	return a, ok
}

// LastMRC returns the merged miss-ratio curve last recorded for appID.
func (m *Monitor) LastMRC(appID types.AppID) ([]types.MRCPoint, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.collectedData[appID]
	if !ok || len(h.LastMRC) == 0 {
		return nil, false
	}
	out := make([]types.MRCPoint, len(h.LastMRC))
	copy(out, h.LastMRC)
	return out, true
}

// LastUsage returns the EWMA-smoothed raw cache/bandwidth usage for appID.
func (m *Monitor) LastUsage(appID types.AppID) (cacheMB, memBWMbps float64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, found := m.lastUsage[appID]
	if !found {
		return 0, 0, false
	}
	return u.CacheMB, u.MemBWMbps, true
}

// TotalRecords reports how many datapoints appID has accumulated across its
// history; used by every policy's warm-up check (§4.D.6).
func (m *Monitor) TotalRecords(appID types.AppID) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.collectedData[appID]
	if !ok {
		return 0
	}
	return h.TotalRecords
}

// VMToAppMapping returns a copy of the current VM -> [app_id] grouping.
func (m *Monitor) VMToAppMapping() map[types.VMID][]types.AppID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.VMID][]types.AppID, len(m.vmToAppMap))
	for vm, apps := range m.vmToAppMap {
		cp := make([]types.AppID, len(apps))
		copy(cp, apps)
		out[vm] = cp
	}
	return out
}

// CollectRecentMeasurement returns, for appID, the recent-window perf
// samples keyed by cache size then bandwidth (§4.A contract).
func (m *Monitor) CollectRecentMeasurement(appID types.AppID) map[int]map[int][]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[int]map[int][]float64)
	for _, entry := range m.recentMeasurement[appID] {
		for key, perf := range entry {
			if out[key.CacheMB] == nil {
				out[key.CacheMB] = make(map[int][]float64)
			}
			out[key.CacheMB][key.MemBWMbps] = append(out[key.CacheMB][key.MemBWMbps], perf)
		}
	}
	return out
}

// Collect pulls one snapshot from the controller and buffers it. Transport
// and parse failures are logged and treated as "no snapshot this cycle";
// the monitor's state is left unchanged (§4.A failure semantics).
func (m *Monitor) Collect(ctx context.Context, verificationTh float64) error {
	url := m.baseURL + m.collectRoute
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building collect request: %w: %w", apperr.ErrTransportFailure, err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		klog.ErrorS(err, "monitor: collect request failed", "url", url)
		return fmt.Errorf("collect request: %w: %w", apperr.ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		klog.ErrorS(nil, "monitor: unexpected collect status", "status", resp.StatusCode)
		return fmt.Errorf("collect status %d: %w", resp.StatusCode, apperr.ErrTransportFailure)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading collect body: %w: %w", apperr.ErrTransportFailure, err)
	}
	if len(body) == 0 || string(body) == `""` {
		klog.V(4).InfoS("monitor: empty snapshot")
		return nil
	}

	var snap wireSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		klog.ErrorS(err, "monitor: malformed snapshot")
		return fmt.Errorf("parsing snapshot: %w: %w", apperr.ErrMalformedSample, err)
	}

	m.bufferSnapshot(snap, verificationTh)
	return nil
}

func (m *Monitor) bufferSnapshot(snap wireSnapshot, verificationTh float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	vmMap := make(map[types.VMID][]types.AppID, len(snap.Map))
	for vmIDStr, apps := range snap.Map {
		vmID := types.VMID(vmIDStr)
		for appIDStr := range apps {
			id, err := strconv.Atoi(appIDStr)
			if err != nil {
				continue
			}
			vmMap[vmID] = append(vmMap[vmID], types.AppID(id))
		}
	}
	for _, apps := range vmMap {
		sort.Slice(apps, func(i, j int) bool { return apps[i] < apps[j] })
	}
	m.vmToAppMap = vmMap

	m.numBufferedData++
	if m.numBufferedData <= skipNoiseAfterAlloc &&
		(m.allocationIntervalSec < 0 || m.allocationIntervalSec > noiseSkipIntervalThreshold) {
		klog.V(4).InfoS("monitor: skipping post-publish noise snapshot")
		return
	}

	for _, apps := range snap.Map {
		for appIDStr, entry := range apps {
			idInt, err := strconv.Atoi(appIDStr)
			if err != nil {
				continue
			}
			appID := types.AppID(idInt)

			memMB, bwMbps := entry.MemMB, entry.BWMbps
			memMBRaw, bwMbpsRaw := entry.MemMB, entry.BWMbps
			if alloc, ok := m.lastAllocation[appID]; ok {
				memMB = float64(alloc.CacheMB)
				bwMbps = float64(alloc.MemBWMbps)
			}

			if memMBRaw > memMB*(1+verificationTh) || bwMbpsRaw > bwMbps*(1+verificationTh) {
				klog.V(4).InfoS("monitor: dropping sample ahead of allocation", "app", appID)
				continue
			}
			if memMBRaw > memMB {
				memMBRaw = memMB
			}
			if bwMbpsRaw > bwMbps {
				bwMbpsRaw = bwMbps
			}

			perf := int(entry.CacheMbps)
			key := resKey{CacheMB: int(memMB), MemBWMbps: int(bwMbps)}

			if m.bufferedData[appID] == nil {
				m.bufferedData[appID] = make(map[resKey][]int)
			}
			existing := m.bufferedData[appID][key]
			if len(existing) > 0 && existing[len(existing)-1] == perf {
				continue
			}
			m.bufferedData[appID][key] = append(existing, perf)

			if len(entry.MRC) > 0 {
				mrc := make([]types.MRCPoint, len(entry.MRC))
				for i, pt := range entry.MRC {
					mrc[i] = types.MRCPoint{CacheMB: pt[0], MissRate: pt[1]}
				}
				if m.bufferedMRC[appID] == nil {
					m.bufferedMRC[appID] = make(map[resKey][]types.MRCPoint)
				}
				m.bufferedMRC[appID][key] = weightedUpdateMRC(m.bufferedMRC[appID][key], mrc, defaultAlpha)
			}

			old := m.lastUsage[appID]
			next := &usage{CacheMB: memMBRaw, MemBWMbps: bwMbpsRaw}
			if old != nil {
				next.CacheMB = defaultAlpha*memMBRaw + (1-defaultAlpha)*old.CacheMB
				next.MemBWMbps = defaultAlpha*bwMbpsRaw + (1-defaultAlpha)*old.MemBWMbps
			}
			m.lastUsage[appID] = next
		}
	}
}

// ConsumeCollectedData drains the per-iteration buffer into persistent
// history, advances the global iteration counter, and refreshes the
// recent-measurement window (§4.A "Consumption").
func (m *Monitor) ConsumeCollectedData() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.bufferedData) == 0 {
		klog.V(4).InfoS("monitor: nothing buffered to consume")
	}

	m.collectionIteration++

	for appID, perKey := range m.bufferedData {
		entry := make(map[resKey]float64, len(perKey))
		for key, perfs := range perKey {
			entry[key] = median(perfs)
		}
		window := append(m.recentMeasurement[appID], entry)
		if len(window) > defaultRecentWindow {
			window = window[len(window)-defaultRecentWindow:]
		}
		m.recentMeasurement[appID] = window

		hist := m.collectedData[appID]
		if hist == nil {
			hist = newAppHistory()
			m.collectedData[appID] = hist
		}
		for key, perfs := range perKey {
			p := median(perfs)
			hist.Datapoints[key] = append(hist.Datapoints[key], datapoint{Perf: p, Iteration: m.collectionIteration})
			if _, seen := hist.LastUpdated[key]; !seen {
				hist.TotalUniquePoints++
			}
			hist.LastUpdated[key] = m.collectionIteration
			hist.TotalRecords++
		}
		// The last (cache, bw) key visited in iteration order wins the MRC
		// slot, matching the observed reference behavior: in practice one
		// app reports a single MRC snapshot per cycle, not one per key.
		for _, mrc := range m.bufferedMRC[appID] {
			hist.LastMRC = mrc
		}
		hist.LastUpdateIter = m.collectionIteration
	}

	m.bufferedData = make(map[types.AppID]map[resKey][]int)
	m.bufferedMRC = make(map[types.AppID]map[resKey][]types.MRCPoint)
	m.numBufferedData = 0
}

// ResetMetricsForApp zeroes all history for appID without disturbing any
// other app's state (§4.A, testable property 4). Returns whether anything
// was actually reset.
func (m *Monitor) ResetMetricsForApp(appID types.AppID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	if _, ok := m.collectedData[appID]; ok {
		h := newAppHistory()
		h.LastUpdateIter = m.collectionIteration
		m.collectedData[appID] = h
		found = true
	}
	if _, ok := m.bufferedData[appID]; ok {
		delete(m.bufferedData, appID)
		found = true
	}
	if _, ok := m.bufferedMRC[appID]; ok {
		delete(m.bufferedMRC, appID)
		found = true
	}
	if _, ok := m.lastUsage[appID]; ok {
		found = true
	}
	m.lastUsage[appID] = &usage{}
	if _, ok := m.recentMeasurement[appID]; ok {
		found = true
	}
	m.recentMeasurement[appID] = nil

	return found
}

func median(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]int, len(values))
	copy(sorted, values)
	sort.Ints(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return float64(sorted[mid])
	}
	return float64(sorted[mid-1]+sorted[mid]) / 2.0
}

// weightedUpdateMRC merges curves point-by-point when both share an
// identical cache-size grid; otherwise the new curve is accepted as-is
// (§4.A "Weighted merge" — this governs over the reference implementation,
// see DESIGN.md).
func weightedUpdateMRC(old, newCurve []types.MRCPoint, alpha float64) []types.MRCPoint {
	if len(old) == 0 || len(old) != len(newCurve) {
		return newCurve
	}
	for i := range old {
		if old[i].CacheMB != newCurve[i].CacheMB {
			return newCurve
		}
	}
	merged := make([]types.MRCPoint, len(old))
	for i := range old {
		merged[i] = types.MRCPoint{
			CacheMB:  old[i].CacheMB,
			MissRate: alpha*newCurve[i].MissRate + (1-alpha)*old[i].MissRate,
		}
	}
	return merged
}
