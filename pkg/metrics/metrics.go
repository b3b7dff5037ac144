// Package metrics computes partition quality measures: edge cut,
// imbalance, border and inner node counts, communication volume and the
// block graph (the process graph is DistGraph.PEGraph in package graph).
// Every measure is computed from local
// counters over owned rows (using halo-updated partition data for
// non-local neighbours) followed by a global reduction.
package metrics

import (
	"gonum.org/v1/gonum/floats"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/settings"
)

// partitionWithHalo pulls the block ids of all halo neighbours.
func partitionWithHalo(c *comm.Comm, g *graph.DistGraph, part []int) ([]int, error) {
	if err := graph.CheckAligned(g.Dist, len(part), "partition"); err != nil {
		return nil, err
	}
	return g.UpdateHaloInts(c, part)
}

// blockOf resolves the block of a neighbour id, local or halo.
func blockOf(g *graph.DistGraph, h *graph.Halo, part, haloPart []int, j int64) int {
	if li := g.Dist.Global2Local(j); li >= 0 {
		return part[li]
	}
	return haloPart[h.Slot(j)]
}

// Cut returns the total weight of edges whose endpoints lie in different
// blocks. Each edge is seen from both sides, so the sum is halved.
func Cut(c *comm.Comm, g *graph.DistGraph, part []int, ignoreWeights bool) (float64, error) {
	haloPart, err := partitionWithHalo(c, g, part)
	if err != nil {
		return 0, err
	}
	h, err := g.Halo()
	if err != nil {
		return 0, err
	}
	localCut := 0.0
	for i := 0; i < g.Adj.LocalRows(); i++ {
		myBlock := part[i]
		for e := g.Adj.RowPtr[i]; e < g.Adj.RowPtr[i+1]; e++ {
			j := g.Adj.Cols[e]
			if blockOf(g, h, part, haloPart, j) != myBlock {
				if ignoreWeights {
					localCut++
				} else {
					localCut += g.Adj.EdgeWeight(e)
				}
			}
		}
	}
	total, err := c.SumFloat(localCut)
	if err != nil {
		return 0, err
	}
	return total / 2, nil
}

// BlockWeights returns the global weight of every block for every weight
// index. weights[w][i] is the w-th weight of local point i.
func BlockWeights(c *comm.Comm, part []int, weights [][]float64, k int) ([][]float64, error) {
	out := make([][]float64, len(weights))
	for w := range weights {
		if len(weights[w]) != len(part) {
			return nil, settings.NewError(settings.WrongDistribution,
				"weight %d has %d local entries but the partition has %d", w, len(weights[w]), len(part))
		}
		bw := make([]float64, k)
		for i, b := range part {
			bw[b] += weights[w][i]
		}
		if err := c.SumFloats(bw); err != nil {
			return nil, err
		}
		out[w] = bw
	}
	return out, nil
}

// Imbalance returns max_b (W[b]-T[b])/T[b] for one weight. A nil target
// means uniform targets totalWeight/k.
func Imbalance(c *comm.Comm, part []int, k int, weight []float64, target []float64) (float64, error) {
	bw, err := BlockWeights(c, part, [][]float64{weight}, k)
	if err != nil {
		return 0, err
	}
	blockWeight := bw[0]
	if target == nil {
		total := floats.Sum(blockWeight)
		target = make([]float64, k)
		for b := range target {
			target[b] = total / float64(k)
		}
	}
	imbalances := make([]float64, k)
	for b := 0; b < k; b++ {
		imbalances[b] = (blockWeight[b] - target[b]) / target[b]
	}
	return floats.Max(imbalances), nil
}

// BorderInnerNodes counts, per block, the nodes with at least one
// neighbour in another block and the remaining inner nodes.
func BorderInnerNodes(c *comm.Comm, g *graph.DistGraph, part []int, k int) (border, inner []int, err error) {
	haloPart, err := partitionWithHalo(c, g, part)
	if err != nil {
		return nil, nil, err
	}
	h, err := g.Halo()
	if err != nil {
		return nil, nil, err
	}
	border = make([]int, k)
	inner = make([]int, k)
	for i := 0; i < g.Adj.LocalRows(); i++ {
		myBlock := part[i]
		isBorder := false
		for _, j := range g.Adj.Row(i) {
			if blockOf(g, h, part, haloPart, j) != myBlock {
				isBorder = true
				break
			}
		}
		if isBorder {
			border[myBlock]++
		} else {
			inner[myBlock]++
		}
	}
	if err := c.SumInts(border); err != nil {
		return nil, nil, err
	}
	if err := c.SumInts(inner); err != nil {
		return nil, nil, err
	}
	return border, inner, nil
}

// CommVolume returns, per source block, the summed number of distinct
// other blocks each node's neighbours hit.
func CommVolume(c *comm.Comm, g *graph.DistGraph, part []int, k int) ([]int, error) {
	haloPart, err := partitionWithHalo(c, g, part)
	if err != nil {
		return nil, err
	}
	h, err := g.Halo()
	if err != nil {
		return nil, err
	}
	volume := make([]int, k)
	touched := make([]bool, k)
	for i := 0; i < g.Adj.LocalRows(); i++ {
		myBlock := part[i]
		hit := []int{}
		for _, j := range g.Adj.Row(i) {
			b := blockOf(g, h, part, haloPart, j)
			if b != myBlock && !touched[b] {
				touched[b] = true
				hit = append(hit, b)
			}
		}
		volume[myBlock] += len(hit)
		for _, b := range hit {
			touched[b] = false
		}
	}
	if err := c.SumInts(volume); err != nil {
		return nil, err
	}
	return volume, nil
}

// BlockGraph returns the k×k adjacency of the blocks: entry [a][b] is 1
// iff any edge crosses the pair. Assembled by rotating row tiles around
// the rank ring and ORing each holder's local contribution, then
// replicating the tiles.
func BlockGraph(c *comm.Comm, g *graph.DistGraph, part []int, k int) ([][]int, error) {
	haloPart, err := partitionWithHalo(c, g, part)
	if err != nil {
		return nil, err
	}
	h, err := g.Halo()
	if err != nil {
		return nil, err
	}
	local := make([]int, k*k)
	for i := 0; i < g.Adj.LocalRows(); i++ {
		a := part[i]
		for _, j := range g.Adj.Row(i) {
			b := blockOf(g, h, part, haloPart, j)
			if a != b {
				local[a*k+b] = 1
				local[b*k+a] = 1
			}
		}
	}

	p := c.Size()
	tileRows := func(r int) (int, int) { return r * k / p, (r + 1) * k / p }

	lo, hi := tileRows(c.Rank())
	tile := make([]int, 1+(hi-lo)*k)
	tile[0] = c.Rank()
	copy(tile[1:], local[lo*k:hi*k])

	for step := 0; step < p-1; step++ {
		tile, err = c.RingShiftInts(tile)
		if err != nil {
			return nil, err
		}
		owner := tile[0]
		olo, ohi := tileRows(owner)
		for idx := 0; idx < (ohi-olo)*k; idx++ {
			if local[olo*k+idx] != 0 {
				tile[1+idx] = 1
			}
		}
	}

	// every tile has now visited all ranks; replicate and reassemble
	parts, err := c.AllGatherInts(tile)
	if err != nil {
		return nil, err
	}
	full := make([]int, k*k)
	for _, t := range parts {
		owner := t[0]
		olo, _ := tileRows(owner)
		copy(full[olo*k:olo*k+len(t)-1], t[1:])
	}
	out := make([][]int, k)
	for a := 0; a < k; a++ {
		out[a] = full[a*k : (a+1)*k]
	}
	return out, nil
}

// MaxBlockGraphDegree returns the maximum row degree of the block graph.
func MaxBlockGraphDegree(blockGraph [][]int) int {
	max := 0
	for _, row := range blockGraph {
		deg := 0
		for _, v := range row {
			if v != 0 {
				deg++
			}
		}
		if deg > max {
			max = deg
		}
	}
	return max
}
