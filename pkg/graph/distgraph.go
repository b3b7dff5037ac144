package graph

import (
	"sort"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/settings"
)

// Halo is the set of non-local global indices referenced by local rows,
// with the pull plan for fetching their current values from the owners.
type Halo struct {
	// Indices lists the halo ids, sorted ascending.
	Indices []int64
	slot    map[int64]int

	// requests[p] are the global ids this rank pulls from rank p, sorted;
	// serves[p] are the local row indices this rank sends to rank p, in
	// the order p expects them.
	requests map[int][]int64
	serves   map[int][]int
}

// Size returns the number of halo slots.
func (h *Halo) Size() int { return len(h.Indices) }

// Slot returns the halo slot of a global id, or -1 when the id is local
// or never referenced.
func (h *Halo) Slot(g int64) int {
	if s, ok := h.slot[g]; ok {
		return s
	}
	return -1
}

// DistGraph is the row-distributed graph: local CSR rows plus the
// distribution and a halo that is rebuilt whenever the distribution
// changes.
type DistGraph struct {
	Dist *Distribution
	Adj  CSR

	halo      *Halo
	haloFresh bool
}

// NewDistGraph wraps local CSR rows and their distribution, validating
// the row-local invariants.
func NewDistGraph(dist *Distribution, adj CSR) (*DistGraph, error) {
	if err := adj.validateLocal(dist); err != nil {
		return nil, err
	}
	return &DistGraph{Dist: dist, Adj: adj}, nil
}

// NonLocalNeighbors returns the sorted-unique global column ids referenced
// by local rows that are not locally owned.
func (g *DistGraph) NonLocalNeighbors() []int64 {
	seen := make(map[int64]bool)
	for _, j := range g.Adj.Cols {
		if !g.Dist.IsLocal(j) {
			seen[j] = true
		}
	}
	out := make([]int64, 0, len(seen))
	for j := range seen {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// BuildHalo computes the halo and its pull plan. Collective. Must be
// called again after any redistribution before the next halo read.
func (g *DistGraph) BuildHalo(c *comm.Comm) error {
	indices := g.NonLocalNeighbors()
	h := &Halo{
		Indices:  indices,
		slot:     make(map[int64]int, len(indices)),
		requests: make(map[int][]int64),
		serves:   make(map[int][]int),
	}
	for s, gid := range indices {
		h.slot[gid] = s
		owner := g.Dist.OwnerOf(gid)
		h.requests[owner] = append(h.requests[owner], gid)
	}
	// request lists are sorted because indices is; tell each owner what
	// we need from it
	incoming, err := c.ExchangeInt64s(h.requests)
	if err != nil {
		return err
	}
	for peer, wanted := range incoming {
		serve := make([]int, len(wanted))
		for i, gid := range wanted {
			li := g.Dist.Global2Local(gid)
			if li < 0 {
				return settings.NewError(settings.InconsistentInput,
					"rank %d requested id %d which is not owned here", peer, gid)
			}
			serve[i] = li
		}
		h.serves[peer] = serve
	}
	g.halo = h
	g.haloFresh = true
	return nil
}

// Halo returns the current halo. It returns an error when the halo is
// stale or was never built.
func (g *DistGraph) Halo() (*Halo, error) {
	if g.halo == nil || !g.haloFresh {
		return nil, settings.NewError(settings.WrongDistribution, "halo is stale; call BuildHalo after redistributing")
	}
	return g.halo, nil
}

// UpdateHaloFloats pulls the current value of each halo slot from its
// owner. Blocking all-to-all. The result is indexed by halo slot.
func (g *DistGraph) UpdateHaloFloats(c *comm.Comm, local []float64) ([]float64, error) {
	h, err := g.Halo()
	if err != nil {
		return nil, err
	}
	if err := CheckAligned(g.Dist, len(local), "halo source array"); err != nil {
		return nil, err
	}
	out := make(map[int][]float64, len(h.serves))
	for peer, serve := range h.serves {
		payload := make([]float64, len(serve))
		for i, li := range serve {
			payload[i] = local[li]
		}
		out[peer] = payload
	}
	in, err := c.ExchangeFloats(out)
	if err != nil {
		return nil, err
	}
	haloArr := make([]float64, h.Size())
	for peer, wanted := range h.requests {
		payload := in[peer]
		if len(payload) != len(wanted) {
			return nil, settings.NewError(settings.CollectiveFailure,
				"halo update from rank %d returned %d of %d values", peer, len(payload), len(wanted))
		}
		for i, gid := range wanted {
			haloArr[h.slot[gid]] = payload[i]
		}
	}
	return haloArr, nil
}

// UpdateHaloInts pulls integer-valued halo data, typically block ids.
func (g *DistGraph) UpdateHaloInts(c *comm.Comm, local []int) ([]int, error) {
	asFloat := make([]float64, len(local))
	for i, v := range local {
		asFloat[i] = float64(v)
	}
	pulled, err := g.UpdateHaloFloats(c, asFloat)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(pulled))
	for i, v := range pulled {
		out[i] = int(v)
	}
	return out, nil
}

// PEGraph returns the process graph as a dense p×p count matrix:
// entry [p][q] is the number of local row-column references from rows
// owned by p to columns owned by q. Direction-aware; diagonal is zero.
func (g *DistGraph) PEGraph(c *comm.Comm) ([][]int, error) {
	p := c.Size()
	counts := make([]int, p*p)
	me := c.Rank()
	for _, j := range g.Adj.Cols {
		owner := g.Dist.OwnerOf(j)
		if owner != me {
			counts[me*p+owner]++
		}
	}
	if err := c.SumInts(counts); err != nil {
		return nil, err
	}
	out := make([][]int, p)
	for r := 0; r < p; r++ {
		out[r] = counts[r*p : (r+1)*p]
	}
	return out, nil
}

// CheckConsistency verifies global structural invariants: every edge has
// its reverse. Local invariants (self-loops, duplicates, ranges) are
// checked at construction. Collective.
func (g *DistGraph) CheckConsistency(c *comm.Comm) error {
	// edges towards non-local rows are shipped to the column owner, which
	// verifies the reverse edge exists
	queries := make(map[int][]int64)
	for i := 0; i < g.Adj.LocalRows(); i++ {
		gi := g.Dist.Local2Global(i)
		for _, j := range g.Adj.Row(i) {
			if g.Dist.IsLocal(j) {
				lj := g.Dist.Global2Local(j)
				if !containsCol(g.Adj.Row(lj), gi) {
					return settings.NewError(settings.InconsistentInput,
						"edge (%d,%d) has no reverse", gi, j)
				}
			} else {
				owner := g.Dist.OwnerOf(j)
				queries[owner] = append(queries[owner], j, gi)
			}
		}
	}
	incoming, err := c.ExchangeInt64s(queries)
	if err != nil {
		return err
	}
	peers := make([]int, 0, len(incoming))
	for peer := range incoming {
		peers = append(peers, peer)
	}
	sort.Ints(peers)
	for _, peer := range peers {
		pairs := incoming[peer]
		for i := 0; i+1 < len(pairs); i += 2 {
			row, col := pairs[i], pairs[i+1]
			li := g.Dist.Global2Local(row)
			if li < 0 || !containsCol(g.Adj.Row(li), col) {
				return settings.NewError(settings.InconsistentInput,
					"edge (%d,%d) has no reverse (reported by rank %d)", col, row, peer)
			}
		}
	}
	return nil
}

func containsCol(row []int64, col int64) bool {
	for _, j := range row {
		if j == col {
			return true
		}
	}
	return false
}

// MaxDegree returns the global maximum vertex degree. Collective.
func (g *DistGraph) MaxDegree(c *comm.Comm) (int, error) {
	local := 0
	for i := 0; i < g.Adj.LocalRows(); i++ {
		if d := g.Adj.Degree(i); d > local {
			local = d
		}
	}
	return c.MaxInt(local)
}
