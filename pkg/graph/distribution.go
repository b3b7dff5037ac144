// Package graph holds the row-distributed CSR adjacency structure, the
// halo machinery for non-local neighbour access, and redistribution.
package graph

import (
	"sort"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/settings"
)

// Distribution maps global row indices to ranks. Two shapes exist: block
// (contiguous range per rank, boundaries a known prefix sum) and general
// (explicit sorted index list per rank).
type Distribution struct {
	globalN int64
	rank    int
	size    int

	// bounds is non-nil for block distributions: rank r owns
	// [bounds[r], bounds[r+1]).
	bounds []int64

	// General distributions carry the local list plus a replicated owner
	// table assembled once at construction.
	owned  []int64
	owners []int32
	g2l    map[int64]int
}

// NewBlockDistribution creates the standard contiguous row-block
// distribution of n rows over the group.
func NewBlockDistribution(n int64, c *comm.Comm) *Distribution {
	size := c.Size()
	bounds := make([]int64, size+1)
	for r := 0; r <= size; r++ {
		bounds[r] = int64(r) * n / int64(size)
	}
	return &Distribution{globalN: n, rank: c.Rank(), size: size, bounds: bounds}
}

// NewGenBlockDistribution creates a contiguous distribution from explicit
// range boundaries: rank r owns [bounds[r], bounds[r+1]). Used for coarse
// graphs, whose per-rank shares are uneven.
func NewGenBlockDistribution(bounds []int64, c *comm.Comm) *Distribution {
	return &Distribution{
		globalN: bounds[len(bounds)-1],
		rank:    c.Rank(),
		size:    c.Size(),
		bounds:  bounds,
	}
}

// NewGeneralDistribution creates a general distribution from this rank's
// owned global indices. Collective: the owner table is assembled by an
// all-gather. Indices must be globally unique; they are sorted locally.
func NewGeneralDistribution(n int64, owned []int64, c *comm.Comm) (*Distribution, error) {
	local := append([]int64(nil), owned...)
	sort.Slice(local, func(i, j int) bool { return local[i] < local[j] })

	parts, err := c.AllGatherInt64s(local)
	if err != nil {
		return nil, err
	}
	owners := make([]int32, n)
	for i := range owners {
		owners[i] = -1
	}
	total := int64(0)
	for r, part := range parts {
		total += int64(len(part))
		for _, g := range part {
			if g < 0 || g >= n {
				return nil, settings.NewError(settings.InconsistentInput, "owned index %d out of range [0,%d)", g, n)
			}
			if owners[g] >= 0 {
				return nil, settings.NewError(settings.InconsistentInput, "index %d owned by ranks %d and %d", g, owners[g], r)
			}
			owners[g] = int32(r)
		}
	}
	if total != n {
		return nil, settings.NewError(settings.InconsistentInput, "distribution covers %d of %d indices", total, n)
	}

	g2l := make(map[int64]int, len(local))
	for i, g := range local {
		g2l[g] = i
	}
	return &Distribution{
		globalN: n, rank: c.Rank(), size: c.Size(),
		owned: local, owners: owners, g2l: g2l,
	}, nil
}

// GlobalN returns the global number of rows.
func (d *Distribution) GlobalN() int64 { return d.globalN }

// LocalN returns the number of rows owned by this rank.
func (d *Distribution) LocalN() int {
	if d.bounds != nil {
		return int(d.bounds[d.rank+1] - d.bounds[d.rank])
	}
	return len(d.owned)
}

// IsBlock reports whether this is a contiguous block distribution.
func (d *Distribution) IsBlock() bool { return d.bounds != nil }

// IsLocal reports whether global index g is owned by this rank.
func (d *Distribution) IsLocal(g int64) bool {
	return d.OwnerOf(g) == d.rank
}

// OwnerOf returns the rank owning global index g.
func (d *Distribution) OwnerOf(g int64) int {
	if d.bounds != nil {
		// binary search over the prefix sums
		lo, hi := 0, d.size
		for lo < hi {
			mid := (lo + hi) / 2
			if d.bounds[mid+1] <= g {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		return lo
	}
	return int(d.owners[g])
}

// Local2Global converts a local row index to its global id.
func (d *Distribution) Local2Global(i int) int64 {
	if d.bounds != nil {
		return d.bounds[d.rank] + int64(i)
	}
	return d.owned[i]
}

// Global2Local converts a global id to a local row index, or -1 when the
// id is not owned here.
func (d *Distribution) Global2Local(g int64) int {
	if d.bounds != nil {
		if g < d.bounds[d.rank] || g >= d.bounds[d.rank+1] {
			return -1
		}
		return int(g - d.bounds[d.rank])
	}
	if i, ok := d.g2l[g]; ok {
		return i
	}
	return -1
}

// OwnedIndices returns the global ids owned here, ascending.
func (d *Distribution) OwnedIndices() []int64 {
	out := make([]int64, d.LocalN())
	for i := range out {
		out[i] = d.Local2Global(i)
	}
	return out
}

// SameShape reports whether two distributions assign the same local rows.
func (d *Distribution) SameShape(o *Distribution) bool {
	if d.globalN != o.globalN || d.LocalN() != o.LocalN() {
		return false
	}
	for i := 0; i < d.LocalN(); i++ {
		if d.Local2Global(i) != o.Local2Global(i) {
			return false
		}
	}
	return true
}

// CheckAligned returns a WrongDistribution error when a local vector does
// not match the distribution's local size.
func CheckAligned(d *Distribution, localLen int, what string) error {
	if localLen != d.LocalN() {
		return settings.NewError(settings.WrongDistribution,
			"%s has %d local entries but the distribution owns %d rows", what, localLen, d.LocalN())
	}
	return nil
}
