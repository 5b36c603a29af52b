// Package types provides shared type definitions used across the allocator's packages.
package types

// AppID identifies a co-resident application. Assigned at startup from the
// profiles section of the configuration file; never mutated during a run.
type AppID int

// VMID identifies a virtual machine hosting a set of applications. Learned
// from the controller's telemetry snapshots; the set of apps behind a VMID
// may change from one snapshot to the next.
type VMID string

// ResourceScale is the per-run constant describing the shared pool's totals
// and clamps. cache fields are in MB; mem_bw fields are stored in Gbps to
// match the reference profile data's scale, except where noted otherwise.
type ResourceScale struct {
	CacheMB       float64
	MinCacheMB    float64
	MaxCacheMB    float64
	MemBWGbps     float64
	MinMemBWGbps  float64
	MaxMemBWGbps  float64
	NumVMs        int
}

// NormAlloc is a normalized (cache, mem_bw) bundle, each component in [0,1]
// where 1.0 represents the whole pool.
type NormAlloc struct {
	Cache float64
	MemBW float64
}

// DenormAlloc is a bundle in real resource units: cache in MB, mem_bw in Mbps.
type DenormAlloc struct {
	CacheMB   int
	MemBWMbps int
}

// Denormalize converts a to real units using scale. mem_bw is stored in
// Gbps in ResourceScale so the conversion multiplies by 1024 to reach Mbps.
func (a NormAlloc) Denormalize(scale ResourceScale) DenormAlloc {
	return DenormAlloc{
		CacheMB:   int(a.Cache * scale.CacheMB),
		MemBWMbps: int(a.MemBW * scale.MemBWGbps * 1024),
	}
}

// PriceVector is a pair of simplex coordinates maintained by the
// market-clearing search as a {left, right, mid} binary-search triple.
type PriceVector struct {
	Cache float64
	MemBW float64
}

// Mid returns the midpoint of the left/right price brackets.
func Mid(left, right PriceVector) PriceVector {
	return PriceVector{
		Cache: (left.Cache + right.Cache) / 2,
		MemBW: (left.MemBW + right.MemBW) / 2,
	}
}

// ResourceType distinguishes the two fungible resources the allocator trades.
type ResourceType string

const (
	ResourceCache ResourceType = "cache"
	ResourceMemBW ResourceType = "mem_bw"
)

// Opposite returns the other resource type.
func (r ResourceType) Opposite() ResourceType {
	if r == ResourceCache {
		return ResourceMemBW
	}
	return ResourceCache
}

// Direction records whether the last adjustment to a user's allocation of
// ResType increased or decreased it.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// AllocationDecision tracks the most recent adjustment made to one app's
// allocation within one VM, so the next iteration can judge whether it
// helped (Incremental Trade, §4.D.2).
type AllocationDecision struct {
	ResType     ResourceType
	Direction   Direction
	Performance float64
	UpdatedAt   int64 // iteration counter, not wall clock
}

// ResourceLimited accumulates which clamps a PTAS search run bumped into.
// Used by Spirit to decide which price bracket to move when oversubscribed.
type ResourceLimited struct {
	CacheMin bool
	CacheMax bool
	MemBWMin bool
	MemBWMax bool
}

// Update ORs other's flags into r.
func (r *ResourceLimited) Update(other ResourceLimited) {
	r.CacheMin = r.CacheMin || other.CacheMin
	r.CacheMax = r.CacheMax || other.CacheMax
	r.MemBWMin = r.MemBWMin || other.MemBWMin
	r.MemBWMax = r.MemBWMax || other.MemBWMax
}

// IsResourceLimited reports whether any clamp was hit.
func (r ResourceLimited) IsResourceLimited() bool {
	return r.CacheMin || r.CacheMax || r.MemBWMin || r.MemBWMax
}

// MRCPoint is one sample of a miss-ratio curve: miss_rate at cache_size MB.
type MRCPoint struct {
	CacheMB  float64
	MissRate float64
}

// AppProfile is the immutable, configuration-provided description of one
// application (§3, §6 "profiles").
type AppProfile struct {
	AppID            AppID
	File             string
	Sensitivity      ResourceType
	OracleAllocation *DenormAlloc // nil if not provided
	ClipL3Miss       *float64
	ClipIteration    *float64
}
