package refinement

import (
	"container/heap"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/kit-parco/geographer/pkg/settings"
)

// pairRegion is the replicated boundary region of one block pair. Both
// partners assemble the identical structure and run the identical FM, so
// no result needs to be communicated back.
type pairRegion struct {
	gids   []int64
	side   []int // 0 = block A, 1 = block B
	weight []float64
	coords [][]float64

	adj  [][]int
	adjW [][]float64
	// extFixed[v][s] is the total edge weight from v to non-region
	// vertices of side s; those vertices never move.
	extFixed [][2]float64

	// full block weights (region and fixed part) and targets of the pair
	blockWeight [2]float64
	target      [2]float64
}

type moveRecord struct {
	vertex int
	from   int
	gain   float64
}

type heapEntry struct {
	vertex   int
	gain     float64
	tieBreak float64
}

type gainHeap struct {
	entries []heapEntry
	gids    []int64
}

func (h *gainHeap) Len() int { return len(h.entries) }
func (h *gainHeap) Less(i, j int) bool {
	a, b := h.entries[i], h.entries[j]
	if a.gain != b.gain {
		return a.gain > b.gain
	}
	if a.tieBreak != b.tieBreak {
		return a.tieBreak > b.tieBreak
	}
	return h.gids[a.vertex] < h.gids[b.vertex]
}
func (h *gainHeap) Swap(i, j int) { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *gainHeap) Push(x interface{}) {
	h.entries = append(h.entries, x.(heapEntry))
}
func (h *gainHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	x := old[n-1]
	h.entries = old[:n-1]
	return x
}

// gainOf computes the cut change of moving vertex v to the other side:
// edge weight towards the other side minus edge weight towards its own.
func (r *pairRegion) gainOf(v int, side []int) float64 {
	own, other := 0.0, 0.0
	mySide := side[v]
	for e, u := range r.adj[v] {
		if side[u] == mySide {
			own += r.adjW[v][e]
		} else {
			other += r.adjW[v][e]
		}
	}
	own += r.extFixed[v][mySide]
	other += r.extFixed[v][1-mySide]
	return other - own
}

// tieBreakValues precomputes the secondary priority per vertex. The
// geometric rule prefers the vertex nearest the target side's centroid;
// the diffusion rule prefers high diffusion potential towards the other
// side; otherwise balance (lighter own side first) or zero under
// gainOverBalance.
func (r *pairRegion) tieBreakValues(s settings.Settings) []float64 {
	n := len(r.gids)
	out := make([]float64, n)
	switch {
	case s.UseGeometricTieBreaking && r.coords != nil:
		centroids := [2][]float64{}
		counts := [2]int{}
		dim := len(r.coords[0])
		for sideID := 0; sideID < 2; sideID++ {
			centroids[sideID] = make([]float64, dim)
		}
		for v := 0; v < n; v++ {
			sideID := r.side[v]
			counts[sideID]++
			for d := 0; d < dim; d++ {
				centroids[sideID][d] += r.coords[v][d]
			}
		}
		for sideID := 0; sideID < 2; sideID++ {
			if counts[sideID] > 0 {
				for d := 0; d < dim; d++ {
					centroids[sideID][d] /= float64(counts[sideID])
				}
			}
		}
		for v := 0; v < n; v++ {
			target := centroids[1-r.side[v]]
			dist := 0.0
			for d := range target {
				diff := r.coords[v][d] - target[d]
				dist += diff * diff
			}
			out[v] = -dist // nearer to the target centroid wins ties
		}
	case s.UseDiffusionTieBreaking:
		out = r.diffusionPotential()
	default:
		// balance tie-break: prefer moving out of the heavier side;
		// gainOverBalance suppresses it entirely
		if !s.GainOverBalance {
			for v := 0; v < n; v++ {
				out[v] = r.blockWeight[r.side[v]] - r.blockWeight[1-r.side[v]]
			}
		}
	}
	return out
}

// diffusionPotential solves a regularized Laplacian system on the region
// with unit source on side A and unit sink on side B. Vertices with a
// potential far from their side's pole sit on the boundary and move
// first.
func (r *pairRegion) diffusionPotential() []float64 {
	n := len(r.gids)
	if n == 0 {
		return nil
	}
	lap := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)
	for v := 0; v < n; v++ {
		deg := 0.0
		for e, u := range r.adj[v] {
			w := r.adjW[v][e]
			deg += w
			lap.Set(v, u, lap.At(v, u)-w)
		}
		lap.Set(v, v, deg+1e-3) // regularization keeps the system solvable
		if r.side[v] == 0 {
			rhs.SetVec(v, 1)
		} else {
			rhs.SetVec(v, -1)
		}
	}
	var x mat.VecDense
	if err := x.SolveVec(lap, rhs); err != nil {
		return make([]float64, n)
	}
	out := make([]float64, n)
	for v := 0; v < n; v++ {
		// a side-A vertex with low potential leans towards B
		if r.side[v] == 0 {
			out[v] = -x.AtVec(v)
		} else {
			out[v] = x.AtVec(v)
		}
	}
	return out
}

// twoWayFM runs Fiduccia–Mattheyses on the pair region: repeatedly move
// the best-gain movable vertex subject to the balance cap, then roll back
// to the prefix with the largest cumulative gain. Deterministic in the
// region contents. Returns the kept moves and their total gain.
func twoWayFM(r *pairRegion, s settings.Settings) ([]moveRecord, float64) {
	n := len(r.gids)
	side := append([]int(nil), r.side...)
	moved := make([]bool, n)
	gains := make([]float64, n)
	tieBreak := r.tieBreakValues(s)

	h := &gainHeap{gids: r.gids}
	for v := 0; v < n; v++ {
		gains[v] = r.gainOf(v, side)
		h.entries = append(h.entries, heapEntry{vertex: v, gain: gains[v], tieBreak: tieBreak[v]})
	}
	heap.Init(h)

	blockWeight := r.blockWeight
	cap0 := r.target[0] * (1 + s.Epsilon)
	cap1 := r.target[1] * (1 + s.Epsilon)

	imbalanceOf := func(bw [2]float64) float64 {
		a := math.Abs(bw[0] - r.target[0])
		b := math.Abs(bw[1] - r.target[1])
		return math.Max(a, b)
	}

	var sequence []moveRecord
	cumulative := 0.0
	bestPrefix := 0
	bestGain := 0.0
	bestImbalance := imbalanceOf(blockWeight)

	for h.Len() > 0 {
		entry := heap.Pop(h).(heapEntry)
		v := entry.vertex
		if moved[v] {
			continue
		}
		if entry.gain != gains[v] {
			// stale entry; reinsert with the current gain
			heap.Push(h, heapEntry{vertex: v, gain: gains[v], tieBreak: tieBreak[v]})
			continue
		}
		from := side[v]
		to := 1 - from
		// balance cap on the receiving side
		newWeight := blockWeight[to] + r.weight[v]
		if (to == 0 && newWeight > cap0) || (to == 1 && newWeight > cap1) {
			continue
		}

		moved[v] = true
		side[v] = to
		blockWeight[from] -= r.weight[v]
		blockWeight[to] += r.weight[v]
		cumulative += gains[v]
		sequence = append(sequence, moveRecord{vertex: v, from: from, gain: gains[v]})
		// equal-gain prefixes are kept when they improve balance
		if cumulative > bestGain ||
			(cumulative == bestGain && imbalanceOf(blockWeight) < bestImbalance) {
			bestGain = cumulative
			bestPrefix = len(sequence)
			bestImbalance = imbalanceOf(blockWeight)
		}

		// incremental neighbour gain updates
		for e, u := range r.adj[v] {
			if moved[u] {
				continue
			}
			w := r.adjW[v][e]
			if side[u] == to {
				gains[u] -= 2 * w
			} else {
				gains[u] += 2 * w
			}
			heap.Push(h, heapEntry{vertex: u, gain: gains[u], tieBreak: tieBreak[u]})
		}
	}

	return sequence[:bestPrefix], bestGain
}
