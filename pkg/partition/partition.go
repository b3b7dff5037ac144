// Package partition orchestrates the full pipeline: validation, the
// initial geometric partition (k-means, hierarchical k-means or plain
// SFC slicing), multilevel coarsening with FM refinement, and metrics
// collection.
package partition

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/commtree"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/kmeans"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/multilevel"
	"github.com/kit-parco/geographer/pkg/refinement"
	"github.com/kit-parco/geographer/pkg/settings"
	"github.com/kit-parco/geographer/pkg/sfc"
)

// Input bundles the distributed problem instance.
type Input struct {
	Graph   *graph.DistGraph
	Coords  *graph.Points
	Weights [][]float64 // nil means unit weights

	// TargetBlockWeights optionally gives heterogeneous targets per
	// weight and block; nil means uniform.
	TargetBlockWeights [][]float64

	// Previous enables repartition mode.
	Previous []int

	// Tree drives the hierarchical methods; nil builds a homogeneous
	// tree from settings.HierLevels (or a flat one).
	Tree *commtree.Tree
}

// Run computes the partition and its quality report. The returned
// partition is aligned with the input graph's row distribution.
func Run(c *comm.Comm, in *Input, s settings.Settings, log zerolog.Logger) ([]int, *metrics.Report, error) {
	start := time.Now()
	rep := metrics.NewReport()

	// validation runs everywhere before the first collective; a single
	// all-reduce detects divergent verdicts
	localErr := validate(in, s)
	allValid, err := c.All(localErr == nil)
	if err != nil {
		return nil, nil, err
	}
	if !allValid {
		if localErr != nil {
			return nil, nil, localErr
		}
		return nil, nil, settings.NewError(settings.InvalidConfiguration, "validation failed on another rank")
	}
	if s.DebugMode {
		if err := in.Graph.CheckConsistency(c); err != nil {
			return nil, nil, err
		}
	}

	weights := in.Weights
	if weights == nil {
		weights = kmeans.UnitWeights(in.Graph.Dist)
	}
	targets := in.TargetBlockWeights
	if targets == nil {
		if targets, err = kmeans.UniformTargets(c, weights, s.NumBlocks); err != nil {
			return nil, nil, err
		}
	}

	inputDist := in.Graph.Dist
	data := &kmeans.Data{Dist: inputDist, Coords: in.Coords, Weights: weights}

	var part []int
	switch {
	case s.Repartition && in.Previous != nil:
		part, err = kmeans.ComputeRepartition(c, data, targets, in.Previous, s, log, rep)
	case s.InitialPartition == settings.InitialSFC:
		part, err = sfcPartition(c, data, s)
	case s.InitialPartition == settings.InitialHierKMeans || s.InitialPartition == settings.InitialHierRepart:
		part, err = hierarchicalPartition(c, in, data, s, log, rep, inputDist)
	default:
		part, err = kmeans.ComputePartitionDefault(c, data, targets, s, log, rep)
	}
	if err != nil {
		return nil, nil, err
	}

	if !s.NoRefinement {
		if s.NumBlocks == c.Size() {
			part, err = refineMultiLevel(c, in, weights, targets, part, s, log, rep)
			if err != nil {
				return nil, nil, err
			}
		} else {
			log.Info().Int("numBlocks", s.NumBlocks).Int("ranks", c.Size()).
				Msg("pair-wise refinement needs one block per process; skipping")
		}
	}

	if err := rep.Gather(c, in.Graph, part, weights, targets, s.NumBlocks); err != nil {
		return nil, nil, err
	}
	rep.AddTime("timeTotal", time.Since(start).Seconds())
	return part, rep, nil
}

func validate(in *Input, s settings.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if in.Coords.Dim != s.Dimensions {
		return settings.NewError(settings.InvalidConfiguration,
			"coordinates have dimension %d, settings say %d", in.Coords.Dim, s.Dimensions)
	}
	if err := graph.CheckAligned(in.Graph.Dist, in.Coords.N(), "coordinates"); err != nil {
		return err
	}
	for w := range in.Weights {
		if err := graph.CheckAligned(in.Graph.Dist, len(in.Weights[w]), "node weights"); err != nil {
			return err
		}
	}
	if in.Weights != nil && len(in.Weights) != s.NumNodeWeights {
		return settings.NewError(settings.InvalidConfiguration,
			"got %d weight vectors, settings declare %d", len(in.Weights), s.NumNodeWeights)
	}
	if in.Previous != nil {
		if err := graph.CheckAligned(in.Graph.Dist, len(in.Previous), "previous partition"); err != nil {
			return err
		}
	}
	return nil
}

// sfcPartition slices the space-filling curve into k equal-cardinality
// chunks.
func sfcPartition(c *comm.Comm, data *kmeans.Data, s settings.Settings) ([]int, error) {
	globalMin, globalMax, err := data.Coords.GlobalMinMax(c)
	if err != nil {
		return nil, err
	}
	indices, err := sfc.IndexAll(data.Coords.Data, data.Coords.Dim, globalMin, globalMax, s.SFCResolution)
	if err != nil {
		return nil, settings.WrapError(settings.InconsistentInput, err, "cannot compute SFC indices")
	}
	allIdx, err := c.AllGatherFloats(indices)
	if err != nil {
		return nil, err
	}
	allGids, err := c.AllGatherInt64s(data.Dist.OwnedIndices())
	if err != nil {
		return nil, err
	}
	type entry struct {
		idx float64
		gid int64
	}
	var entries []entry
	for r := range allIdx {
		for i := range allIdx[r] {
			entries = append(entries, entry{allIdx[r][i], allGids[r][i]})
		}
	}
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].idx != entries[b].idx {
			return entries[a].idx < entries[b].idx
		}
		return entries[a].gid < entries[b].gid
	})
	n := int64(len(entries))
	blockOf := make(map[int64]int, n)
	for pos, e := range entries {
		blockOf[e.gid] = int(int64(pos) * int64(s.NumBlocks) / n)
	}
	part := make([]int, data.Dist.LocalN())
	for i := range part {
		part[i] = blockOf[data.Dist.Local2Global(i)]
	}
	return part, nil
}

// hierarchicalPartition runs the tree-driven method. The hierarchical
// core redistributes the data along the curve, so the resulting
// partition is moved back to the input distribution afterwards.
func hierarchicalPartition(c *comm.Comm, in *Input, data *kmeans.Data, s settings.Settings, log zerolog.Logger, rep *metrics.Report, inputDist *graph.Distribution) ([]int, error) {
	tree := in.Tree
	if tree == nil {
		levels := s.HierLevels
		if len(levels) == 0 {
			levels = []int{s.NumBlocks}
		}
		tree = commtree.NewHomogeneous(levels, len(data.Weights))
	}
	// the hierarchical core redistributes its inputs along the curve;
	// a copy keeps the caller's data aligned with the input graph
	scratch := &kmeans.Data{
		Dist:    data.Dist,
		Coords:  &graph.Points{Data: append([]float64(nil), data.Coords.Data...), Dim: data.Coords.Dim},
		Weights: make([][]float64, len(data.Weights)),
	}
	for w := range data.Weights {
		scratch.Weights[w] = append([]float64(nil), data.Weights[w]...)
	}
	var part []int
	var err error
	if s.InitialPartition == settings.InitialHierRepart {
		part, err = kmeans.ComputeHierPlusRepart(c, scratch, tree, s, log, rep)
	} else {
		part, err = kmeans.ComputeHierarchicalPartition(c, scratch, tree, s, log, rep)
	}
	if err != nil {
		return nil, err
	}
	return graph.RedistributeInts(c, scratch.Dist, inputDist, part)
}

// refineMultiLevel coarsens the graph, restricts the initial partition
// down to the coarsest level, then refines with pair-wise FM on every
// level while projecting back up.
func refineMultiLevel(c *comm.Comm, in *Input, weights [][]float64, targets [][]float64, part []int, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	levels, err := multilevel.CoarsenHierarchy(c, in.Graph, in.Coords, weights, s, log)
	if err != nil {
		return nil, err
	}

	// restrict the fine partition down the hierarchy: each coarse vertex
	// takes the block of its first fine constituent
	parts := make([][]int, len(levels))
	parts[0] = part
	for lvl := 1; lvl < len(levels); lvl++ {
		parts[lvl], err = restrict(c, levels[lvl-1], levels[lvl], parts[lvl-1])
		if err != nil {
			return nil, err
		}
	}

	current := parts[len(levels)-1]
	for lvl := len(levels) - 1; lvl >= 0; lvl-- {
		current, err = refineLevel(c, levels[lvl], current, targets[0], s, log, rep)
		if err != nil {
			return nil, err
		}
		if lvl > 0 {
			current, err = multilevel.Project(c, levels[lvl-1].Graph.Dist, levels[lvl].Graph.Dist, levels[lvl].FineToCoarse, current)
			if err != nil {
				return nil, err
			}
		}
	}
	return current, nil
}

// restrict pushes a fine partition one level down: the coarse vertex
// takes the block of the smallest-id fine vertex mapped onto it.
func restrict(c *comm.Comm, fine, coarse *multilevel.Level, finePart []int) ([]int, error) {
	claims := make(map[int][]int64)
	for i, cid := range fine.FineToCoarse {
		owner := coarse.Graph.Dist.OwnerOf(cid)
		claims[owner] = append(claims[owner], cid, fine.Graph.Dist.Local2Global(i), int64(finePart[i]))
	}
	incoming, err := c.ExchangeInt64s(claims)
	if err != nil {
		return nil, err
	}
	coarseN := coarse.Graph.Dist.LocalN()
	bestGid := make([]int64, coarseN)
	out := make([]int, coarseN)
	for i := range bestGid {
		bestGid[i] = -1
	}
	peers := make([]int, 0, len(incoming))
	for peer := range incoming {
		peers = append(peers, peer)
	}
	sort.Ints(peers)
	for _, peer := range peers {
		payload := incoming[peer]
		for pos := 0; pos+2 < len(payload); pos += 3 {
			cid, gid, block := payload[pos], payload[pos+1], payload[pos+2]
			li := coarse.Graph.Dist.Global2Local(cid)
			if li < 0 {
				continue
			}
			if bestGid[li] < 0 || gid < bestGid[li] {
				bestGid[li] = gid
				out[li] = int(block)
			}
		}
	}
	return out, nil
}

// refineLevel runs pair-wise FM on one level: the level data is
// redistributed so that ownership equals the partition, refined, and the
// refined ownership is read back as a partition over the level's
// original distribution.
func refineLevel(c *comm.Comm, level *multilevel.Level, part []int, targets []float64, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	dist := level.Graph.Dist

	// ship each vertex id to the rank of its block to assemble ownership
	byBlock := make(map[int][]int64)
	for i, b := range part {
		byBlock[b] = append(byBlock[b], dist.Local2Global(i))
	}
	incoming, err := c.ExchangeInt64s(byBlock)
	if err != nil {
		return nil, err
	}
	var owned []int64
	for _, gids := range incoming {
		owned = append(owned, gids...)
	}
	sort.Slice(owned, func(a, b int) bool { return owned[a] < owned[b] })

	newDist, err := graph.NewGeneralDistribution(dist.GlobalN(), owned, c)
	if err != nil {
		return nil, err
	}
	newGraph, err := level.Graph.Redistribute(c, newDist)
	if err != nil {
		return nil, err
	}
	if err := newGraph.BuildHalo(c); err != nil {
		return nil, err
	}
	newCoords, err := graph.RedistributeFloats(c, dist, newDist, level.Coords.Data, level.Coords.Dim)
	if err != nil {
		return nil, err
	}
	newWeights := make([][]float64, len(level.Weights))
	for w := range level.Weights {
		if newWeights[w], err = graph.RedistributeFloats(c, dist, newDist, level.Weights[w], 1); err != nil {
			return nil, err
		}
	}

	st := &refinement.State{
		Graph:   newGraph,
		Coords:  &graph.Points{Data: newCoords, Dim: level.Coords.Dim},
		Weights: newWeights,
	}
	if _, err := refinement.Refine(c, st, targets, s, log, rep); err != nil {
		return nil, err
	}

	// the refined ownership is the partition; read it back over the
	// level's original rows
	out := make([]int, dist.LocalN())
	for i := range out {
		out[i] = st.Graph.Dist.OwnerOf(dist.Local2Global(i))
	}
	return out, nil
}
