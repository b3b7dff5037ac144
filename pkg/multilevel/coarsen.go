// Package multilevel coarsens the graph by distributed heavy-edge
// matching, partitions the coarsest level, and projects the partition
// back up through the levels, refining at each one.
package multilevel

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/settings"
)

// Level holds one graph of the multilevel hierarchy together with the
// projection map back to its finer parent.
type Level struct {
	Graph   *graph.DistGraph
	Coords  *graph.Points
	Weights [][]float64

	// FineToCoarse maps each local fine row of the parent level to the
	// global id of its coarse vertex. Nil on the finest level.
	FineToCoarse []int64
}

// matchRound performs one proposal round of distributed heavy-edge
// matching. A deterministic hash of (gid, round) splits the vertices into
// proposers and acceptors so that matches are atomic on the accepting
// side. Returns the number of local vertices newly matched.
func matchRound(c *comm.Comm, g *graph.DistGraph, matchedTo []int64, round int) (int, error) {
	localN := g.Dist.LocalN()

	matchedFlag := make([]int, localN)
	for i, m := range matchedTo {
		if m >= 0 {
			matchedFlag[i] = 1
		}
	}
	haloMatched, err := g.UpdateHaloInts(c, matchedFlag)
	if err != nil {
		return 0, err
	}
	halo, err := g.Halo()
	if err != nil {
		return 0, err
	}
	isMatched := func(gid int64) bool {
		if li := g.Dist.Global2Local(gid); li >= 0 {
			return matchedTo[li] >= 0
		}
		return haloMatched[halo.Slot(gid)] != 0
	}

	// the heaviest unmatched neighbour of every unmatched local vertex,
	// ties to the smaller global id
	pref := make([]int64, localN)
	for i := range pref {
		pref[i] = -1
		if matchedTo[i] >= 0 {
			continue
		}
		bestWeight := 0.0
		for e := g.Adj.RowPtr[i]; e < g.Adj.RowPtr[i+1]; e++ {
			j := g.Adj.Cols[e]
			if isMatched(j) {
				continue
			}
			w := g.Adj.EdgeWeight(e)
			if w > bestWeight || (w == bestWeight && (pref[i] < 0 || j < pref[i])) {
				bestWeight = w
				pref[i] = j
			}
		}
	}

	// proposals travel to the owner of the target; acceptors never
	// propose in the same round
	proposals := make(map[int][]int64)
	for i, target := range pref {
		if target < 0 {
			continue
		}
		gid := g.Dist.Local2Global(i)
		if !proposes(gid, round) || proposes(target, round) {
			continue
		}
		owner := g.Dist.OwnerOf(target)
		proposals[owner] = append(proposals[owner], target, gid)
	}
	incoming, err := c.ExchangeInt64s(proposals)
	if err != nil {
		return 0, err
	}

	// the owning side matches each target to its heaviest-edge proposer;
	// peers are processed in rank order for reproducibility
	type offer struct{ target, proposer int64 }
	var offers []offer
	peers := make([]int, 0, len(incoming))
	for peer := range incoming {
		peers = append(peers, peer)
	}
	sort.Ints(peers)
	for _, peer := range peers {
		payload := incoming[peer]
		for pos := 0; pos+1 < len(payload); pos += 2 {
			offers = append(offers, offer{payload[pos], payload[pos+1]})
		}
	}
	sort.Slice(offers, func(a, b int) bool {
		if offers[a].target != offers[b].target {
			return offers[a].target < offers[b].target
		}
		return offers[a].proposer < offers[b].proposer
	})

	accepted := make(map[int][]int64)
	newMatches := 0
	for start := 0; start < len(offers); {
		end := start
		for end < len(offers) && offers[end].target == offers[start].target {
			end++
		}
		target := offers[start].target
		li := g.Dist.Global2Local(target)
		if li >= 0 && matchedTo[li] < 0 {
			// pick the heaviest proposer, ties to the smaller id
			best := int64(-1)
			bestWeight := -1.0
			for _, o := range offers[start:end] {
				w := edgeWeightBetween(g, li, o.proposer)
				if w > bestWeight || (w == bestWeight && (best < 0 || o.proposer < best)) {
					bestWeight = w
					best = o.proposer
				}
			}
			matchedTo[li] = best
			newMatches++
			owner := g.Dist.OwnerOf(best)
			accepted[owner] = append(accepted[owner], best, target)
		}
		start = end
	}
	replies, err := c.ExchangeInt64s(accepted)
	if err != nil {
		return 0, err
	}
	replyPeers := make([]int, 0, len(replies))
	for peer := range replies {
		replyPeers = append(replyPeers, peer)
	}
	sort.Ints(replyPeers)
	for _, peer := range replyPeers {
		payload := replies[peer]
		for pos := 0; pos+1 < len(payload); pos += 2 {
			proposer, target := payload[pos], payload[pos+1]
			li := g.Dist.Global2Local(proposer)
			if li >= 0 && matchedTo[li] < 0 {
				matchedTo[li] = target
				newMatches++
			}
		}
	}
	return newMatches, nil
}

// proposes decides the proposer role of a vertex in a round, by a
// deterministic hash so that every edge regularly sees a
// proposer/acceptor orientation.
func proposes(gid int64, round int) bool {
	h := uint64(gid)*2654435761 + uint64(round)*40503
	h ^= h >> 13
	return h&1 == 0
}

func edgeWeightBetween(g *graph.DistGraph, li int, target int64) float64 {
	for e := g.Adj.RowPtr[li]; e < g.Adj.RowPtr[li+1]; e++ {
		if g.Adj.Cols[e] == target {
			return g.Adj.EdgeWeight(e)
		}
	}
	return 0
}

// Coarsen contracts the graph once: heavy-edge matching rounds followed
// by pair contraction. Matched pairs become one coarse vertex whose
// weight is the sum and whose adjacency is the union with combined edge
// weights. Returns the coarse level; its FineToCoarse maps this (fine)
// graph's local rows.
func Coarsen(c *comm.Comm, g *graph.DistGraph, coords *graph.Points, weights [][]float64, s settings.Settings, log zerolog.Logger) (*Level, error) {
	localN := g.Dist.LocalN()
	matchedTo := make([]int64, localN)
	for i := range matchedTo {
		matchedTo[i] = -1
	}

	const maxRounds = 8
	for round := 0; round < maxRounds; round++ {
		newMatches, err := matchRound(c, g, matchedTo, round)
		if err != nil {
			return nil, err
		}
		globalNew, err := c.SumInt(newMatches)
		if err != nil {
			return nil, err
		}
		if float64(globalNew) < 0.05*float64(g.Dist.GlobalN()) {
			break
		}
	}

	// the smaller endpoint of a pair is its representative and carries
	// the coarse vertex; singletons represent themselves
	repOf := make([]int64, localN)
	localCoarse := 0
	for i := range matchedTo {
		gid := g.Dist.Local2Global(i)
		if matchedTo[i] >= 0 && matchedTo[i] < gid {
			repOf[i] = matchedTo[i]
		} else {
			repOf[i] = gid
			localCoarse++
		}
	}

	counts, err := c.AllGatherInt(localCoarse)
	if err != nil {
		return nil, err
	}
	bounds := make([]int64, c.Size()+1)
	for r := 0; r < c.Size(); r++ {
		bounds[r+1] = bounds[r] + int64(counts[r])
	}
	coarseDist := graph.NewGenBlockDistribution(bounds, c)

	// local representatives get consecutive coarse ids in gid order
	fineToCoarse := make([]int64, localN)
	for i := range fineToCoarse {
		fineToCoarse[i] = -1
	}
	next := bounds[c.Rank()]
	for i := 0; i < localN; i++ {
		if repOf[i] == g.Dist.Local2Global(i) {
			fineToCoarse[i] = next
			next++
		}
	}
	// non-representative partners learn their coarse id from the
	// representative's owner
	notify := make(map[int][]int64)
	for i := 0; i < localN; i++ {
		gid := g.Dist.Local2Global(i)
		if matchedTo[i] >= 0 && gid < matchedTo[i] {
			owner := g.Dist.OwnerOf(matchedTo[i])
			notify[owner] = append(notify[owner], matchedTo[i], fineToCoarse[i])
		}
	}
	notified, err := c.ExchangeInt64s(notify)
	if err != nil {
		return nil, err
	}
	for _, payload := range notified {
		for pos := 0; pos+1 < len(payload); pos += 2 {
			li := g.Dist.Global2Local(payload[pos])
			if li >= 0 {
				fineToCoarse[li] = payload[pos+1]
			}
		}
	}
	for i, cid := range fineToCoarse {
		if cid < 0 {
			return nil, settings.NewError(settings.InconsistentInput,
				"fine vertex %d received no coarse id", g.Dist.Local2Global(i))
		}
	}

	// relabel edges through the halo and ship contributions to the
	// coarse owners
	f2cFloat := make([]float64, localN)
	for i, cid := range fineToCoarse {
		f2cFloat[i] = float64(cid)
	}
	haloF2C, err := g.UpdateHaloFloats(c, f2cFloat)
	if err != nil {
		return nil, err
	}
	halo, err := g.Halo()
	if err != nil {
		return nil, err
	}
	coarseOf := func(gid int64) int64 {
		if li := g.Dist.Global2Local(gid); li >= 0 {
			return fineToCoarse[li]
		}
		return int64(haloF2C[halo.Slot(gid)])
	}

	numWeights := len(weights)
	dim := coords.Dim
	edgeIDs := make(map[int][]int64)
	edgeWts := make(map[int][]float64)
	nodeIDs := make(map[int][]int64)
	nodeVals := make(map[int][]float64) // numWeights weights then dim weighted coords per entry
	for i := 0; i < localN; i++ {
		ci := fineToCoarse[i]
		owner := coarseDist.OwnerOf(ci)
		for e := g.Adj.RowPtr[i]; e < g.Adj.RowPtr[i+1]; e++ {
			cj := coarseOf(g.Adj.Cols[e])
			if ci == cj {
				continue // contracted pair edge disappears
			}
			edgeIDs[owner] = append(edgeIDs[owner], ci, cj)
			edgeWts[owner] = append(edgeWts[owner], g.Adj.EdgeWeight(e))
		}
		nodeIDs[owner] = append(nodeIDs[owner], ci)
		entry := make([]float64, 0, numWeights+dim)
		for w := 0; w < numWeights; w++ {
			entry = append(entry, weights[w][i])
		}
		pt := coords.At(i)
		for d := 0; d < dim; d++ {
			entry = append(entry, pt[d]*weights[0][i])
		}
		nodeVals[owner] = append(nodeVals[owner], entry...)
	}

	inEdgeIDs, err := c.ExchangeInt64s(edgeIDs)
	if err != nil {
		return nil, err
	}
	inEdgeWts, err := c.ExchangeFloats(edgeWts)
	if err != nil {
		return nil, err
	}
	inNodeIDs, err := c.ExchangeInt64s(nodeIDs)
	if err != nil {
		return nil, err
	}
	inNodeVals, err := c.ExchangeFloats(nodeVals)
	if err != nil {
		return nil, err
	}

	coarseLocalN := coarseDist.LocalN()
	merged := make([]map[int64]float64, coarseLocalN)
	for i := range merged {
		merged[i] = map[int64]float64{}
	}
	coarseWeights := make([][]float64, numWeights)
	for w := range coarseWeights {
		coarseWeights[w] = make([]float64, coarseLocalN)
	}
	coarseCoordSums := make([]float64, coarseLocalN*dim)

	inPeers := make([]int, 0, len(inEdgeIDs))
	for peer := range inEdgeIDs {
		inPeers = append(inPeers, peer)
	}
	sort.Ints(inPeers)
	for _, peer := range inPeers {
		ids := inEdgeIDs[peer]
		ws := inEdgeWts[peer]
		for pos := 0; pos+1 < len(ids); pos += 2 {
			li := coarseDist.Global2Local(ids[pos])
			merged[li][ids[pos+1]] += ws[pos/2]
		}
	}
	nodePeers := make([]int, 0, len(inNodeIDs))
	for peer := range inNodeIDs {
		nodePeers = append(nodePeers, peer)
	}
	sort.Ints(nodePeers)
	stride := numWeights + dim
	for _, peer := range nodePeers {
		ids := inNodeIDs[peer]
		vals := inNodeVals[peer]
		for pos, cid := range ids {
			li := coarseDist.Global2Local(cid)
			entry := vals[pos*stride : (pos+1)*stride]
			for w := 0; w < numWeights; w++ {
				coarseWeights[w][li] += entry[w]
			}
			for d := 0; d < dim; d++ {
				coarseCoordSums[li*dim+d] += entry[numWeights+d]
			}
		}
	}

	coarseCoords := make([]float64, coarseLocalN*dim)
	for i := 0; i < coarseLocalN; i++ {
		total := coarseWeights[0][i]
		for d := 0; d < dim; d++ {
			if total > 0 {
				coarseCoords[i*dim+d] = coarseCoordSums[i*dim+d] / total
			}
		}
	}

	adj := graph.CSR{RowPtr: make([]int, coarseLocalN+1)}
	for i := 0; i < coarseLocalN; i++ {
		cols := make([]int64, 0, len(merged[i]))
		for cj := range merged[i] {
			cols = append(cols, cj)
		}
		sort.Slice(cols, func(a, b int) bool { return cols[a] < cols[b] })
		for _, cj := range cols {
			adj.Cols = append(adj.Cols, cj)
			adj.EdgeWeights = append(adj.EdgeWeights, merged[i][cj])
		}
		adj.RowPtr[i+1] = len(adj.Cols)
	}

	coarseGraph, err := graph.NewDistGraph(coarseDist, adj)
	if err != nil {
		return nil, err
	}
	if err := coarseGraph.BuildHalo(c); err != nil {
		return nil, err
	}
	log.Debug().Int64("fineN", g.Dist.GlobalN()).Int64("coarseN", coarseDist.GlobalN()).Msg("coarsened one level")

	return &Level{
		Graph:        coarseGraph,
		Coords:       &graph.Points{Data: coarseCoords, Dim: dim},
		Weights:      coarseWeights,
		FineToCoarse: fineToCoarse,
	}, nil
}
