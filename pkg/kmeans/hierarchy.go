package kmeans

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/commtree"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/settings"
	"github.com/kit-parco/geographer/pkg/sfc"
)

// RedistributeSFC moves the points so that every rank owns a contiguous
// segment of the space-filling curve, which the per-block prefix sums of
// hierarchical seeding rely on. Mutates data in place. Collective.
func RedistributeSFC(c *comm.Comm, data *Data, s settings.Settings, log zerolog.Logger) error {
	globalMin, globalMax, err := data.Coords.GlobalMinMax(c)
	if err != nil {
		return err
	}
	indices, err := sfc.IndexAll(data.Coords.Data, data.Coords.Dim, globalMin, globalMax, s.SFCResolution)
	if err != nil {
		return settings.WrapError(settings.InconsistentInput, err, "cannot compute SFC indices")
	}

	// replicate (index, gid) pairs, sort along the curve and carve block
	// segments; ties break by global id for reproducibility
	gids := data.Dist.OwnedIndices()
	allIdx, err := c.AllGatherFloats(indices)
	if err != nil {
		return err
	}
	allGids, err := c.AllGatherInt64s(gids)
	if err != nil {
		return err
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
	p := int64(c.Size())
	r := int64(c.Rank())
	lo, hi := r*n/p, (r+1)*n/p
	owned := make([]int64, 0, hi-lo)
	for _, e := range entries[lo:hi] {
		owned = append(owned, e.gid)
	}
	newDist, err := graph.NewGeneralDistribution(data.Dist.GlobalN(), owned, c)
	if err != nil {
		return err
	}

	movedCoords, err := graph.RedistributeFloats(c, data.Dist, newDist, data.Coords.Data, data.Coords.Dim)
	if err != nil {
		return err
	}
	for w := range data.Weights {
		moved, err := graph.RedistributeFloats(c, data.Dist, newDist, data.Weights[w], 1)
		if err != nil {
			return err
		}
		data.Weights[w] = moved
	}
	data.Coords.Data = movedCoords
	data.Dist = newDist
	log.Debug().Int("localN", newDist.LocalN()).Msg("redistributed along the space-filling curve")
	return nil
}

// ComputeHierarchicalPartition partitions top-down along the processor
// tree: at each level every existing block is split among its children,
// with points only moving inside their parent block. Redistributes the
// data along the SFC first; data is mutated.
func ComputeHierarchicalPartition(c *comm.Comm, data *Data, tree *commtree.Tree, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	if s.NumBlocks != tree.NumLeaves() {
		return nil, settings.NewError(settings.InvalidConfiguration,
			"numBlocks is %d but the processor tree has %d leaves", s.NumBlocks, tree.NumLeaves())
	}
	if s.ErodeInfluence {
		log.Warn().Msg("influence erosion is not fully supported by the hierarchical version")
	}
	numWeights := len(data.Weights)
	if tree.NumWeights() != numWeights {
		return nil, settings.NewError(settings.InvalidConfiguration,
			"processor tree carries %d weights, input has %d", tree.NumWeights(), numWeights)
	}

	if err := RedistributeSFC(c, data, s, log); err != nil {
		return nil, err
	}

	globalMin, globalMax, err := data.Coords.GlobalMinMax(c)
	if err != nil {
		return nil, err
	}

	// scale tree capacities to the actual weight sums
	totals := make([]float64, numWeights)
	for w := 0; w < numWeights; w++ {
		if totals[w], err = c.SumFloat(floats.Sum(data.Weights[w])); err != nil {
			return nil, err
		}
	}
	if err := tree.AdaptWeights(totals); err != nil {
		return nil, err
	}

	part := make([]int, data.Coords.N())

	// the root is skipped: it fixes the number of blocks but carries no
	// sibling split
	for h := 1; h < tree.NumLevels(); h++ {
		grouping := tree.Grouping(h - 1)
		totalNewBlocks := 0
		for _, g := range grouping {
			totalNewBlocks += g
		}
		log.Info().Int("level", h).Int("blocks", totalNewBlocks).Msg("hierarchy level")

		groups, err := FindInitialCentersSFC(c, data, globalMin, globalMax, part, grouping, s)
		if err != nil {
			return nil, err
		}
		targets := tree.BalanceVectors(h)

		influence := NewInfluence(numWeights, totalNewBlocks)
		part, err = ComputePartition(c, data, targets, part, groups, influence, s, log, rep)
		if err != nil {
			return nil, err
		}
		if s.FocusOnBalance {
			part, err = ComputePartitionTargetBalance(c, data, targets, part, s, log, rep)
			if err != nil {
				return nil, err
			}
		}

		for w := 0; w < numWeights; w++ {
			imba, err := metrics.Imbalance(c, part, totalNewBlocks, data.Weights[w], targets[w])
			if err != nil {
				return nil, err
			}
			if c.IsRoot() {
				log.Info().Int("level", h).Int("weight", w).Float64("imbalance", imba).Msg("hierarchy level finished")
			}
		}
	}
	return part, nil
}

// ComputeHierPlusRepart runs the hierarchical partition and smooths the
// result with one repartition pass over the full leaf set.
func ComputeHierPlusRepart(c *comm.Comm, data *Data, tree *commtree.Tree, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	part, err := ComputeHierarchicalPartition(c, data, tree, s, log, rep)
	if err != nil {
		return nil, err
	}
	targets := tree.BalanceVectors(-1)
	return ComputeRepartition(c, data, targets, part, s, log, rep)
}

// ComputePartitionTargetBalance retries rebalancing with progressively
// tighter tolerances, keeping the best solution seen. The method is
// selected by KMBalanceMethod: a repartition pass, or the direct
// rebalance walk in lexicographic or imbalance²/membership order.
func ComputePartitionTargetBalance(c *comm.Comm, data *Data, targetBlockWeights [][]float64, part []int, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	const numTries = 5
	numWeights := len(data.Weights)
	k := len(targetBlockWeights[0])

	imbalances := make([]float64, numWeights)
	for w := 0; w < numWeights; w++ {
		imba, err := metrics.Imbalance(c, part, k, data.Weights[w], targetBlockWeights[w])
		if err != nil {
			return nil, err
		}
		imbalances[w] = imba
	}
	_, maxCurr := minMax(imbalances)
	log.Debug().Float64("imbalance", maxCurr).Msg("imbalance before target-balance loop")

	imbalanceDiff := maxCurr - s.Epsilon
	switch {
	case imbalanceDiff < 0:
		imbalanceDiff = -imbalanceDiff
	case imbalanceDiff == 0:
		imbalanceDiff = 1e-5
	default:
		imbalanceDiff *= 1.2
	}
	imbaDelta := imbalanceDiff / (numTries + 1)

	tuned := s
	tuned.Epsilons = make([]float64, numWeights)
	for w := range tuned.Epsilons {
		tuned.Epsilons[w] = maxCurr - imbaDelta
	}
	localN := data.Coords.N()
	if localN > 0 {
		tuned.BatchPercent = math.Min(1, 100.0/float64(localN))
	}

	best := append([]int(nil), part...)
	bestImbalance := maxCurr
	pointPercent := 0.005
	current := append([]int(nil), part...)

	for try := 0; try < numTries; try++ {
		var err error
		if tuned.KMBalanceMethod == settings.BalanceRepart {
			current, err = ComputeRepartition(c, data, targetBlockWeights, current, tuned, log, rep)
			if err != nil {
				return nil, err
			}
		} else {
			moves, err := Rebalance(c, data, targetBlockWeights, current, tuned, pointPercent, log)
			if err != nil {
				return nil, err
			}
			globalMoves, err := c.SumInt(moves)
			if err != nil {
				return nil, err
			}
			lowWater := float64(data.Dist.GlobalN()) * pointPercent / float64(k) * 0.1
			highWater := float64(data.Dist.GlobalN()) * pointPercent / float64(k) * 0.9
			if float64(globalMoves) < lowWater || float64(globalMoves) > highWater {
				pointPercent += 0.05
			}
			tuned.MinSamplingNodes = -1
			tuned.MaxKMeansIterations = 10
			tuned.BalanceIterations = 30
		}

		for w := 0; w < numWeights; w++ {
			imba, err := metrics.Imbalance(c, current, k, data.Weights[w], targetBlockWeights[w])
			if err != nil {
				return nil, err
			}
			imbalances[w] = imba
		}
		_, maxCurr = minMax(imbalances)
		if maxCurr < bestImbalance {
			copy(best, current)
			bestImbalance = maxCurr
		}
		for w := range tuned.Epsilons {
			tuned.Epsilons[w] -= imbaDelta
		}
	}

	log.Debug().Float64("imbalance", bestImbalance).Msg("target-balance loop finished")
	return best, nil
}
