package refinement

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/settings"
)

// State is the distributed refinement state. Refinement requires one
// block per rank: the partition always equals the distribution, and
// vertices that change block are redistributed to their new owner at
// every commit.
type State struct {
	Graph   *graph.DistGraph
	Coords  *graph.Points
	Weights [][]float64
}

// Part returns the current partition, which is the ownership by
// invariant.
func (st *State) Part(c *comm.Comm) []int {
	part := make([]int, st.Graph.Dist.LocalN())
	for i := range part {
		part[i] = c.Rank()
	}
	return part
}

// Refine runs FM sweeps until a sweep's cumulative gain falls below
// MinGainForNextRound or the no-gain sweep cap is hit. targets holds the
// weight-0 target per block. Returns the total gain. Mutates st.
func Refine(c *comm.Comm, st *State, targets []float64, s settings.Settings, log zerolog.Logger, rep *metrics.Report) (float64, error) {
	start := time.Now()
	if len(targets) != c.Size() {
		return 0, settings.NewError(settings.InvalidConfiguration,
			"pair-wise refinement needs one block per process: %d targets for %d ranks", len(targets), c.Size())
	}

	totalGain := 0.0
	noGainSweeps := 0
	lastColorGain := map[int]float64{}

	for sweep := 0; ; sweep++ {
		pe, err := st.Graph.PEGraph(c)
		if err != nil {
			return totalGain, err
		}
		classes := ColorEdges(pe)

		sweepGain := 0.0
		for color, class := range classes {
			if s.SkipNoGainColors && sweep > 0 {
				if gain, seen := lastColorGain[color]; seen && gain == 0 {
					continue
				}
			}
			gain, err := exchangePair(c, st, partnerIn(class, c.Rank()), targets, s, log)
			if err != nil {
				return totalGain, err
			}
			lastColorGain[color] = gain
			sweepGain += gain
		}
		totalGain += sweepGain
		if c.IsRoot() {
			log.Debug().Int("sweep", sweep).Float64("gain", sweepGain).Msg("refinement sweep")
		}

		if sweepGain == 0 {
			noGainSweeps++
		} else {
			noGainSweeps = 0
		}
		if sweepGain < s.MinGainForNextRound || noGainSweeps >= s.StopAfterNoGainRounds {
			break
		}
	}

	rep.AddTime("timeRefinement", time.Since(start).Seconds())
	return totalGain, nil
}

// exchangePair performs one pair-wise boundary exchange with the given
// partner rank (or idles through the collectives when partner < 0). Both
// partners assemble the identical combined region and run the identical
// FM, so the move set needs no second round trip. Returns the gain summed
// over all pairs of the colour, each pair counted once on its smaller rank.
func exchangePair(c *comm.Comm, st *State, partner int, targets []float64, s settings.Settings, log zerolog.Logger) (float64, error) {
	rank := c.Rank()
	dim := st.Coords.Dim

	var outInts []int64
	var outFloats []float64
	var border []int
	if partner >= 0 {
		border = borderRegion(st, partner, s)
		outInts, outFloats = serializeRegion(st, border, partner, targets[rank], dim)
	}
	inInts, err := c.SwapInt64s(partner, outInts)
	if err != nil {
		return 0, err
	}
	inFloats, err := c.SwapFloats(partner, outFloats)
	if err != nil {
		return 0, err
	}

	gain := 0.0
	var movedOut, movedIn []int64
	if partner >= 0 {
		region := buildPairRegion(outInts, outFloats, inInts, inFloats, rank, partner, dim)
		moves, pairGain := twoWayFM(region, s)

		myRole := 0
		if rank > partner {
			myRole = 1
		}
		finalSide := append([]int(nil), region.side...)
		for _, m := range moves {
			finalSide[m.vertex] = 1 - m.from
		}
		for v, gid := range region.gids {
			if region.side[v] == myRole && finalSide[v] != myRole {
				movedOut = append(movedOut, gid)
			}
			if region.side[v] != myRole && finalSide[v] == myRole {
				movedIn = append(movedIn, gid)
			}
		}
		if rank < partner {
			gain = pairGain
		}
	}

	colorGain, err := c.SumFloat(gain)
	if err != nil {
		return 0, err
	}
	movedTotal, err := c.SumInt(len(movedOut) + len(movedIn))
	if err != nil {
		return 0, err
	}
	if movedTotal == 0 {
		return colorGain, nil
	}

	// commit: vertices change owner together with their block
	outSet := make(map[int64]bool, len(movedOut))
	for _, gid := range movedOut {
		outSet[gid] = true
	}
	owned := make([]int64, 0, st.Graph.Dist.LocalN())
	for _, gid := range st.Graph.Dist.OwnedIndices() {
		if !outSet[gid] {
			owned = append(owned, gid)
		}
	}
	owned = append(owned, movedIn...)
	sort.Slice(owned, func(a, b int) bool { return owned[a] < owned[b] })

	newDist, err := graph.NewGeneralDistribution(st.Graph.Dist.GlobalN(), owned, c)
	if err != nil {
		return 0, err
	}
	oldDist := st.Graph.Dist
	newGraph, err := st.Graph.Redistribute(c, newDist)
	if err != nil {
		return 0, err
	}
	newCoords, err := graph.RedistributeFloats(c, oldDist, newDist, st.Coords.Data, dim)
	if err != nil {
		return 0, err
	}
	for w := range st.Weights {
		moved, err := graph.RedistributeFloats(c, oldDist, newDist, st.Weights[w], 1)
		if err != nil {
			return 0, err
		}
		st.Weights[w] = moved
	}
	if err := newGraph.BuildHalo(c); err != nil {
		return 0, err
	}
	st.Graph = newGraph
	st.Coords = &graph.Points{Data: newCoords, Dim: dim}

	log.Debug().Int("moved", movedTotal).Float64("gain", colorGain).Msg("pair exchange committed")
	return colorGain, nil
}

// borderRegion collects the local vertices adjacent to the partner's
// block and grows the set by BFS inside the local block, until the depth
// cap or the minimum region size is reached.
func borderRegion(st *State, partner int, s settings.Settings) []int {
	dist := st.Graph.Dist
	inRegion := make(map[int]bool)
	var frontier []int
	for i := 0; i < st.Graph.Adj.LocalRows(); i++ {
		for _, j := range st.Graph.Adj.Row(i) {
			if dist.OwnerOf(j) == partner {
				inRegion[i] = true
				frontier = append(frontier, i)
				break
			}
		}
	}
	for depth := 1; depth < s.BorderDepth && len(inRegion) < s.MinBorderNodes; depth++ {
		var next []int
		for _, i := range frontier {
			for _, j := range st.Graph.Adj.Row(i) {
				li := dist.Global2Local(j)
				if li >= 0 && !inRegion[li] {
					inRegion[li] = true
					next = append(next, li)
				}
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	region := make([]int, 0, len(inRegion))
	for i := range inRegion {
		region = append(region, i)
	}
	sort.Ints(region)
	return region
}

// serializeRegion packs the border region for the partner. Ints:
// [n, then per vertex gid, deg, cols...]; floats: [fullBlockWeight,
// target, then per vertex weight, fixedOwn, coords..., edge weights...].
// Only edges into the region or towards the partner are shipped; edges to
// other blocks do not change under a pair exchange.
func serializeRegion(st *State, region []int, partner int, target float64, dim int) ([]int64, []float64) {
	dist := st.Graph.Dist
	inRegion := make(map[int]bool, len(region))
	for _, i := range region {
		inRegion[i] = true
	}
	fullWeight := floats.Sum(st.Weights[0])

	ints := []int64{int64(len(region))}
	floats := []float64{fullWeight, target}
	for _, i := range region {
		var cols []int64
		var colWs []float64
		fixedOwn := 0.0
		for e := st.Graph.Adj.RowPtr[i]; e < st.Graph.Adj.RowPtr[i+1]; e++ {
			j := st.Graph.Adj.Cols[e]
			w := st.Graph.Adj.EdgeWeight(e)
			if li := dist.Global2Local(j); li >= 0 {
				if inRegion[li] {
					cols = append(cols, j)
					colWs = append(colWs, w)
				} else {
					fixedOwn += w
				}
			} else if dist.OwnerOf(j) == partner {
				cols = append(cols, j)
				colWs = append(colWs, w)
			}
		}
		ints = append(ints, dist.Local2Global(i), int64(len(cols)))
		ints = append(ints, cols...)
		floats = append(floats, st.Weights[0][i], fixedOwn)
		floats = append(floats, st.Coords.At(i)...)
		floats = append(floats, colWs...)
	}
	return ints, floats
}

// buildPairRegion merges both serialized halves into the combined region.
// Side 0 is the smaller rank's block; vertices are ordered side 0 first,
// each side ascending by global id, so both partners agree bit for bit.
func buildPairRegion(myInts []int64, myFloats []float64, otherInts []int64, otherFloats []float64, rank, partner, dim int) *pairRegion {
	type rawVertex struct {
		gid      int64
		weight   float64
		fixedOwn float64
		coords   []float64
		cols     []int64
		colWs    []float64
	}
	parse := func(ints []int64, floats []float64) (float64, float64, []rawVertex) {
		n := int(ints[0])
		blockWeight := floats[0]
		target := floats[1]
		vertices := make([]rawVertex, 0, n)
		ipos, fpos := 1, 2
		for v := 0; v < n; v++ {
			gid := ints[ipos]
			deg := int(ints[ipos+1])
			ipos += 2
			cols := ints[ipos : ipos+deg]
			ipos += deg
			weight := floats[fpos]
			fixedOwn := floats[fpos+1]
			fpos += 2
			coords := floats[fpos : fpos+dim]
			fpos += dim
			colWs := floats[fpos : fpos+deg]
			fpos += deg
			vertices = append(vertices, rawVertex{gid, weight, fixedOwn, coords, cols, colWs})
		}
		return blockWeight, target, vertices
	}

	lowInts, lowFloats, highInts, highFloats := myInts, myFloats, otherInts, otherFloats
	if rank > partner {
		lowInts, lowFloats, highInts, highFloats = otherInts, otherFloats, myInts, myFloats
	}
	weightA, targetA, sideA := parse(lowInts, lowFloats)
	weightB, targetB, sideB := parse(highInts, highFloats)

	r := &pairRegion{
		blockWeight: [2]float64{weightA, weightB},
		target:      [2]float64{targetA, targetB},
	}
	index := make(map[int64]int)
	addSide := func(vertices []rawVertex, sideID int) {
		for _, v := range vertices {
			index[v.gid] = len(r.gids)
			r.gids = append(r.gids, v.gid)
			r.side = append(r.side, sideID)
			r.weight = append(r.weight, v.weight)
			r.coords = append(r.coords, v.coords)
			ext := [2]float64{}
			ext[sideID] = v.fixedOwn
			r.extFixed = append(r.extFixed, ext)
		}
	}
	addSide(sideA, 0)
	addSide(sideB, 1)

	r.adj = make([][]int, len(r.gids))
	r.adjW = make([][]float64, len(r.gids))
	resolve := func(vertices []rawVertex, sideID int) {
		for _, v := range vertices {
			vi := index[v.gid]
			for e, col := range v.cols {
				if ui, ok := index[col]; ok {
					r.adj[vi] = append(r.adj[vi], ui)
					r.adjW[vi] = append(r.adjW[vi], v.colWs[e])
				} else {
					// partner-owned but outside the partner's region:
					// fixed on the partner's side
					r.extFixed[vi][1-sideID] += v.colWs[e]
				}
			}
		}
	}
	resolve(sideA, 0)
	resolve(sideB, 1)
	return r
}
