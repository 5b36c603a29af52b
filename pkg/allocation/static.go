package allocation

import "github.com/yale-nova/spirit/pkg/types"

// Static implements the equal-division policy of §4.D.5: every app within a
// VM receives the same share, with the virtual-bucket fallback from
// StaticAllocation when the VM map is incomplete.
type Static struct {
	Base
}

// NewStatic constructs the static policy.
func NewStatic(base Base) *Static { return &Static{Base: base} }

func (p *Static) Name() string { return "static" }

// AllocateAndParse always returns the equal-share split; there is no
// dynamic phase for this policy.
func (p *Static) AllocateAndParse() map[types.AppID]types.DenormAlloc {
	alloc := p.StaticAllocation()
	p.Monitor.SetLastAllocation(alloc)
	return alloc
}
