package multilevel

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/settings"
)

// Refiner improves a partition on one level. The partition is aligned
// with level.Graph's distribution.
type Refiner func(c *comm.Comm, level *Level, part []int) ([]int, error)

// InitialPartitioner computes the partition of the coarsest level.
type InitialPartitioner func(c *comm.Comm, level *Level) ([]int, error)

// CoarsenHierarchy coarsens the input until the target coarse size is
// reached, a round stops compressing, or the level cap is hit. The
// returned slice starts with the input as level 0.
func CoarsenHierarchy(c *comm.Comm, g *graph.DistGraph, coords *graph.Points, weights [][]float64, s settings.Settings, log zerolog.Logger) ([]*Level, error) {
	levels := []*Level{{Graph: g, Coords: coords, Weights: weights}}
	stopSize := int64(s.CoarseningStopSize)
	if stopSize < int64(2*s.NumBlocks) {
		stopSize = int64(2 * s.NumBlocks)
	}
	for len(levels) <= s.MultiLevelRounds {
		finest := levels[len(levels)-1]
		if finest.Graph.Dist.GlobalN() <= stopSize {
			break
		}
		coarse, err := Coarsen(c, finest.Graph, finest.Coords, finest.Weights, s, log)
		if err != nil {
			return nil, err
		}
		if coarse.Graph.Dist.GlobalN() >= finest.Graph.Dist.GlobalN() {
			// no compression achieved; further rounds cannot help
			break
		}
		levels = append(levels, coarse)
	}
	return levels, nil
}

// Project maps a coarse partition down to the finer parent level whose
// rows FineToCoarse indexes. Every fine vertex inherits the block of its
// coarse vertex. Collective: remote coarse blocks are pulled from their
// owners.
func Project(c *comm.Comm, fineDist, coarseDist *graph.Distribution, fineToCoarse []int64, coarsePart []int) ([]int, error) {
	// request the block of every referenced remote coarse vertex
	wanted := make(map[int][]int64)
	for _, cid := range fineToCoarse {
		if coarseDist.Global2Local(cid) < 0 {
			owner := coarseDist.OwnerOf(cid)
			wanted[owner] = append(wanted[owner], cid)
		}
	}
	requests, err := c.ExchangeInt64s(wanted)
	if err != nil {
		return nil, err
	}
	answers := make(map[int][]float64)
	for peer, cids := range requests {
		payload := make([]float64, len(cids))
		for i, cid := range cids {
			li := coarseDist.Global2Local(cid)
			if li < 0 {
				return nil, settings.NewError(settings.WrongDistribution,
					"coarse vertex %d requested from the wrong owner", cid)
			}
			payload[i] = float64(coarsePart[li])
		}
		answers[peer] = payload
	}
	replies, err := c.ExchangeFloats(answers)
	if err != nil {
		return nil, err
	}
	remote := make(map[int64]int)
	for peer, cids := range wanted {
		payload := replies[peer]
		for i, cid := range cids {
			remote[cid] = int(payload[i])
		}
	}

	finePart := make([]int, len(fineToCoarse))
	for i, cid := range fineToCoarse {
		if li := coarseDist.Global2Local(cid); li >= 0 {
			finePart[i] = coarsePart[li]
		} else {
			finePart[i] = remote[cid]
		}
	}
	if err := graph.CheckAligned(fineDist, len(finePart), "projected partition"); err != nil {
		return nil, err
	}
	return finePart, nil
}

// Run executes the full multilevel schedule: coarsen, partition the
// coarsest level, then uncoarsen with refinement per level.
func Run(c *comm.Comm, g *graph.DistGraph, coords *graph.Points, weights [][]float64, initial InitialPartitioner, refine Refiner, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	start := time.Now()
	levels, err := CoarsenHierarchy(c, g, coords, weights, s, log)
	if err != nil {
		return nil, err
	}
	log.Info().Int("levels", len(levels)).
		Int64("coarsestN", levels[len(levels)-1].Graph.Dist.GlobalN()).
		Msg("multilevel hierarchy built")

	part, err := initial(c, levels[len(levels)-1])
	if err != nil {
		return nil, err
	}

	for lvl := len(levels) - 1; lvl >= 0; lvl-- {
		if refine != nil {
			part, err = refine(c, levels[lvl], part)
			if err != nil {
				return nil, err
			}
		}
		if lvl > 0 {
			part, err = Project(c, levels[lvl-1].Graph.Dist, levels[lvl].Graph.Dist, levels[lvl].FineToCoarse, part)
			if err != nil {
				return nil, err
			}
		}
	}
	rep.AddTime("timeMultiLevel", time.Since(start).Seconds())
	return part, nil
}
