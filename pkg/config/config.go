// Package config loads the allocator's JSON configuration file into a typed
// struct. The reference agent assembles its AgentConfig field-by-field from
// a raw parsed document (there, a Kubernetes ConfigMap); this module follows
// the same assembly style but reads a local file, since there is no cluster
// API server to read from (§6, §10).
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/yale-nova/spirit/pkg/apperr"
	"github.com/yale-nova/spirit/pkg/types"
)

// Cluster mirrors the "cluster" section of the config file.
type Cluster struct {
	Name             string `json:"name"`
	TotalCacheMB     int    `json:"total_cache_in_mb"`
	TotalMemBWMbps   int    `json:"total_mem_bw_in_mbps"`
	MinCacheMB       int    `json:"min_cache_in_mb"`
	MaxCacheMB       int    `json:"max_cache_in_mb"`
	MinMemBWMbps     int    `json:"min_mem_bw_in_mbps"`
	MaxMemBWMbps     int    `json:"max_mem_bw_in_mbps"`
	NumVMs           int    `json:"num_vms"`
}

// ResourceController mirrors the "resource_controller" section.
type ResourceController struct {
	BaseURL      string `json:"base_url"`
	CollectRoute string `json:"collect_route"`
	DeployRoute  string `json:"deploy_route"`
}

// Profile mirrors one entry of the "profiles" array.
type Profile struct {
	UserID           int             `json:"user_id"`
	File             string          `json:"file"`
	Sensitivity      string          `json:"sensitivity"`
	OracleAllocation *OracleAlloc    `json:"oracle_allocation,omitempty"`
	ClipL3Miss       *float64        `json:"clip_l3miss,omitempty"`
	ClipIteration    *float64        `json:"clip_iteration,omitempty"`
}

// OracleAlloc mirrors a profile's "oracle_allocation" object.
type OracleAlloc struct {
	Cache int `json:"cache"`
	MemBW int `json:"mem_bw"`
}

// AllocationParameters mirrors the free-form "allocation_parameters" section.
// Only the keys the control loop reads are named; the rest round-trip via
// Raw for allocator-specific consumption.
type AllocationParameters struct {
	AllocationIntervalInSec float64 `json:"allocation_interval_in_sec"`
}

// Config is the fully parsed, immutable run configuration.
type Config struct {
	Cluster              Cluster
	ResourceController   ResourceController
	BenchmarkMap         map[string]string
	AllocationParameters AllocationParameters
	Profiles             []Profile

	// Raw keeps the unmarshalled document around for sections that are
	// read by a single allocator policy rather than the common loop
	// (the reference estimator calls this get_raw_config/get_config).
	Raw map[string]json.RawMessage
}

// rawDoc mirrors the top-level shape for the initial unmarshal pass.
type rawDoc struct {
	Cluster              *Cluster              `json:"cluster"`
	ResourceController   *ResourceController   `json:"resource_controller"`
	BenchmarkMap         map[string]string     `json:"benchmark_map"`
	AllocationParameters json.RawMessage       `json:"allocation_parameters"`
	Profiles             []Profile             `json:"profiles"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w: %w", path, apperr.ErrConfigInvalid, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w: %w", path, apperr.ErrConfigInvalid, err)
	}

	var doc rawDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w: %w", path, apperr.ErrConfigInvalid, err)
	}

	cfg := &Config{
		BenchmarkMap: doc.BenchmarkMap,
		Profiles:     doc.Profiles,
		Raw:          raw,
	}

	if doc.Cluster == nil {
		return nil, fmt.Errorf("config %q missing required \"cluster\" section: %w", path, apperr.ErrConfigInvalid)
	}
	cfg.Cluster = *doc.Cluster
	if cfg.Cluster.MaxCacheMB == 0 {
		cfg.Cluster.MaxCacheMB = cfg.Cluster.TotalCacheMB
	}
	if cfg.Cluster.MaxMemBWMbps == 0 {
		cfg.Cluster.MaxMemBWMbps = cfg.Cluster.TotalMemBWMbps
	}
	if cfg.Cluster.NumVMs == 0 {
		cfg.Cluster.NumVMs = 1
	}

	if doc.ResourceController == nil {
		return nil, fmt.Errorf("config %q missing required \"resource_controller\" section: %w", path, apperr.ErrConfigInvalid)
	}
	cfg.ResourceController = *doc.ResourceController

	if len(doc.AllocationParameters) > 0 {
		_ = json.Unmarshal(doc.AllocationParameters, &cfg.AllocationParameters)
	}

	for _, p := range cfg.Profiles {
		if p.UserID == 0 && p.File == "" {
			return nil, fmt.Errorf("config %q: profile entry missing user_id/file: %w", path, apperr.ErrConfigInvalid)
		}
	}

	return cfg, nil
}

// ResourceScale derives the allocator's working resource-scale constant.
// mem_bw fields are stored in Gbps internally to match the profile data's
// scale, mirroring the reference main's resource_scale construction.
func (c *Config) ResourceScale() types.ResourceScale {
	return types.ResourceScale{
		CacheMB:      float64(c.Cluster.TotalCacheMB),
		MinCacheMB:   float64(c.Cluster.MinCacheMB),
		MaxCacheMB:   float64(c.Cluster.MaxCacheMB),
		MemBWGbps:    float64(c.Cluster.TotalMemBWMbps) / 1024.,
		MinMemBWGbps: float64(c.Cluster.MinMemBWMbps) / 1024.,
		MaxMemBWGbps: float64(c.Cluster.MaxMemBWMbps) / 1024.,
		NumVMs:       c.Cluster.NumVMs,
	}
}

// AppProfiles converts the raw profile entries into domain AppProfile values.
func (c *Config) AppProfiles() []types.AppProfile {
	out := make([]types.AppProfile, 0, len(c.Profiles))
	for _, p := range c.Profiles {
		sens := types.ResourceCache
		if p.Sensitivity == string(types.ResourceMemBW) {
			sens = types.ResourceMemBW
		}
		ap := types.AppProfile{
			AppID:         types.AppID(p.UserID),
			File:          p.File,
			Sensitivity:   sens,
			ClipL3Miss:    p.ClipL3Miss,
			ClipIteration: p.ClipIteration,
		}
		if p.OracleAllocation != nil {
			ap.OracleAllocation = &types.DenormAlloc{
				CacheMB:   p.OracleAllocation.Cache,
				MemBWMbps: p.OracleAllocation.MemBW,
			}
		}
		out = append(out, ap)
	}
	return out
}
