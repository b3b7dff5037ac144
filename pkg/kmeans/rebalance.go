package kmeans

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/settings"
)

// fuzzyEntry is one candidate block of a point's fuzzy assignment.
type fuzzyEntry struct {
	Dist  float64
	Block int
}

// Fuzzify returns, for every local point, its centersToUse nearest block
// centers by plain Euclidean distance, nearest first. The centers are
// recomputed from the given partition.
func Fuzzify(c *comm.Comm, data *Data, part []int, k, centersToUse int) ([][]fuzzyEntry, error) {
	localN := data.Coords.N()
	sample := make([]int, localN)
	for i := range sample {
		sample[i] = i
	}
	centers, err := FindCenters(c, data, part, k, sample, data.Weights)
	if err != nil {
		return nil, err
	}
	ctu := centersToUse
	if ctu > k {
		ctu = k
	}
	out := make([][]fuzzyEntry, localN)
	all := make([]fuzzyEntry, k)
	for i := 0; i < localN; i++ {
		pt := data.Coords.At(i)
		for j := 0; j < k; j++ {
			all[j] = fuzzyEntry{Dist: floats.Distance(centers[j], pt, 2), Block: j}
		}
		sort.Slice(all, func(x, y int) bool {
			if all[x].Dist != all[y].Dist {
				return all[x].Dist < all[y].Dist
			}
			return all[x].Block < all[y].Block
		})
		out[i] = append([]fuzzyEntry(nil), all[:ctu]...)
	}
	return out, nil
}

// ComputeMembership converts a fuzzy clustering into membership values
// per candidate center, by inverse squared distance.
func ComputeMembership(fuzzy [][]fuzzyEntry) [][]float64 {
	out := make([][]float64, len(fuzzy))
	for i, entries := range fuzzy {
		distSumInv := 0.0
		for _, e := range entries {
			distSumInv += 1 / (e.Dist * e.Dist)
		}
		row := make([]float64, len(entries))
		for j, e := range entries {
			row[j] = 1 / (e.Dist * e.Dist * distSumInv)
		}
		out[i] = row
	}
	return out
}

// MembershipOneValue collapses a membership vector to one scalar per
// point: the squared deviation from the uniform membership 1/ctu. High
// values mean the point clearly belongs to one center; low values mark
// fuzzy points sitting between centers.
func MembershipOneValue(fuzzy [][]fuzzyEntry) []float64 {
	membership := ComputeMembership(fuzzy)
	out := make([]float64, len(membership))
	for i, row := range membership {
		uniform := 1 / float64(len(row))
		for _, m := range row {
			out[i] += (m - uniform) * (m - uniform)
		}
	}
	return out
}

// MembershipOneValueNormalized normalizes the scalar membership by the
// global maximum within each block. Collective.
func MembershipOneValueNormalized(c *comm.Comm, fuzzy [][]fuzzyEntry, part []int, k int) ([]float64, error) {
	mship := MembershipOneValue(fuzzy)
	maxPerBlock := make([]float64, k)
	for b := range maxPerBlock {
		maxPerBlock[b] = -math.MaxFloat64
	}
	for i, m := range mship {
		if m > maxPerBlock[part[i]] {
			maxPerBlock[part[i]] = m
		}
	}
	if err := c.MaxFloats(maxPerBlock); err != nil {
		return nil, err
	}
	for i := range mship {
		if maxPerBlock[part[i]] > 0 {
			mship[i] /= maxPerBlock[part[i]]
		}
	}
	return mship, nil
}

// Rebalance moves points between blocks to shrink the maximum imbalance,
// honouring every weight's cap. Points are visited fuzziest-first within
// the most imbalanced blocks; a move is taken only when it strictly
// lowers the maximum imbalance across all weights. Block weights are
// re-synchronized globally every batch. Returns the local move count.
func Rebalance(c *comm.Comm, data *Data, targetBlockWeights [][]float64, part []int, s settings.Settings, pointPercent float64, log zerolog.Logger) (int, error) {
	const centersToUse = 6
	const maxRestarts = 5

	numWeights := len(data.Weights)
	localN := data.Coords.N()
	k := len(targetBlockWeights[0])

	fuzzy, err := Fuzzify(c, data, part, k, centersToUse)
	if err != nil {
		return 0, err
	}
	mship, err := MembershipOneValueNormalized(c, fuzzy, part, k)
	if err != nil {
		return 0, err
	}

	blockWeights, err := metrics.BlockWeights(c, part, data.Weights, k)
	if err != nil {
		return 0, err
	}

	imbalancesPerBlock := make([][]float64, numWeights)
	maxImbalancePerBlock := make([]float64, k)
	recomputeImbalances := func() {
		for b := 0; b < k; b++ {
			maxImbalancePerBlock[b] = -math.MaxFloat64
		}
		for w := 0; w < numWeights; w++ {
			if imbalancesPerBlock[w] == nil {
				imbalancesPerBlock[w] = make([]float64, k)
			}
			for b := 0; b < k; b++ {
				imba := (blockWeights[w][b] - targetBlockWeights[w][b]) / targetBlockWeights[w][b]
				imbalancesPerBlock[w][b] = imba
				if imba > maxImbalancePerBlock[b] {
					maxImbalancePerBlock[b] = imba
				}
			}
		}
	}
	recomputeImbalances()

	// order points from the most imbalanced blocks first, fuzziest first
	lexLess := func(i, j int) bool {
		bi, bj := part[i], part[j]
		if bi == bj || maxImbalancePerBlock[bi] == maxImbalancePerBlock[bj] {
			return mship[i] < mship[j]
		}
		return maxImbalancePerBlock[bi] > maxImbalancePerBlock[bj]
	}
	imba2Less := func(i, j int) bool {
		fi := math.Pow(maxImbalancePerBlock[part[i]], 2) / mship[i]
		fj := math.Pow(maxImbalancePerBlock[part[j]], 2) / mship[j]
		return fi > fj
	}
	less := imba2Less
	if s.KMBalanceMethod == settings.BalanceRebLex {
		less = lexLess
	}

	order := make([]int, localN)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, less)

	minLocalN, err := c.MinInt(localN)
	if err != nil {
		return 0, err
	}
	numPointsToCheck := int(float64(minLocalN) * pointPercent)
	if numPointsToCheck > localN {
		numPointsToCheck = localN
	}

	batchSize := int(float64(localN)*s.BatchPercent) + 1
	batchSize, err = c.MinInt(batchSize)
	if err != nil {
		return 0, err
	}

	hasMoved := make([]bool, localN)
	weightDiff := make([][]float64, numWeights)
	for w := range weightDiff {
		weightDiff[w] = make([]float64, k)
	}

	numMoves := 0
	localI := 0
	restarts := 0
	meDone := numPointsToCheck == 0
	for {
		allDone, err := c.All(meDone)
		if err != nil {
			return numMoves, err
		}
		if allDone {
			break
		}

		if !meDone {
			idx := order[localI]
			if moved := tryMove(data, targetBlockWeights, part, fuzzy, imbalancesPerBlock,
				maxImbalancePerBlock, weightDiff, hasMoved, idx, s); moved {
				numMoves++
			}
		}

		// batched global synchronization of the block weights; every rank
		// must agree on when it happens, so the decision is reduced too
		syncNow, err := c.Any((localI+1)%batchSize == 0 || meDone)
		if err != nil {
			return numMoves, err
		}
		if syncNow {
			for w := 0; w < numWeights; w++ {
				if err := c.SumFloats(weightDiff[w]); err != nil {
					return numMoves, err
				}
				for b := 0; b < k; b++ {
					blockWeights[w][b] += weightDiff[w][b]
					weightDiff[w][b] = 0
				}
			}
			recomputeImbalances()

			if restarts < maxRestarts {
				sort.SliceStable(order, less)
				localI = -1
				restarts++
				meDone = numPointsToCheck == 0
			} else {
				grown := int(float64(batchSize) * 1.05)
				limit := localN/1000 + 1
				if limit < 1000 {
					limit = 1000
				}
				if grown > limit {
					grown = limit
				}
				batchSize, err = c.MinInt(grown)
				if err != nil {
					return numMoves, err
				}
			}
		}

		if localI < numPointsToCheck-1 {
			localI++
		} else {
			meDone = true
		}
	}

	log.Debug().Int("moves", numMoves).Msg("rebalance pass finished")
	return numMoves, nil
}

// tryMove relocates one point to the fuzzy-close block that worsens the
// imbalance the least, when that is still better than leaving it.
func tryMove(data *Data, targets [][]float64, part []int, fuzzy [][]fuzzyEntry,
	imbalancesPerBlock [][]float64, maxImbalancePerBlock []float64,
	weightDiff [][]float64, hasMoved []bool, idx int, s settings.Settings) bool {

	numWeights := len(data.Weights)
	myBlock := part[idx]
	if hasMoved[idx] {
		return false
	}
	if maxImbalancePerBlock[myBlock] < -0.05 {
		// the block is already light; removing points would hurt
		return false
	}

	myWeights := make([]float64, numWeights)
	for w := range myWeights {
		myWeights[w] = data.Weights[w][idx]
	}

	thisBlockNewImbalances := make([]float64, numWeights)
	thisBlockNewMax := -math.MaxFloat64
	for w := 0; w < numWeights; w++ {
		thisBlockNewImbalances[w] = imbalancesPerBlock[w][myBlock] - myWeights[w]/targets[w][myBlock]
		if thisBlockNewImbalances[w] > thisBlockNewMax {
			thisBlockNewMax = thisBlockNewImbalances[w]
		}
	}
	if thisBlockNewMax <= 0 {
		return false
	}

	bestBlock := myBlock
	bestMaxNewImbalance := math.MaxFloat64
	var bestNewImbalances []float64

	for _, cand := range fuzzy[idx] {
		b := cand.Block
		if b == myBlock {
			continue
		}
		if maxImbalancePerBlock[b] > s.Epsilon {
			continue
		}
		perWeightOK := true
		newImbalances := make([]float64, numWeights)
		maxNew := -math.MaxFloat64
		for w := 0; w < numWeights; w++ {
			newImbalances[w] = imbalancesPerBlock[w][b] + myWeights[w]/targets[w][b]
			if newImbalances[w] > maxNew {
				maxNew = newImbalances[w]
			}
			if newImbalances[w] > s.EpsilonFor(w) && newImbalances[w] > imbalancesPerBlock[w][myBlock] {
				perWeightOK = false
			}
		}
		if !perWeightOK {
			continue
		}
		if maxNew < bestMaxNewImbalance {
			bestMaxNewImbalance = maxNew
			bestBlock = b
			bestNewImbalances = newImbalances
		}
	}

	if bestBlock == myBlock || thisBlockNewMax < bestMaxNewImbalance {
		return false
	}

	part[idx] = bestBlock
	hasMoved[idx] = true
	maxImbalancePerBlock[myBlock] = thisBlockNewMax
	maxImbalancePerBlock[bestBlock] = -math.MaxFloat64
	for w := 0; w < numWeights; w++ {
		weightDiff[w][myBlock] -= myWeights[w]
		weightDiff[w][bestBlock] += myWeights[w]
		imbalancesPerBlock[w][myBlock] = thisBlockNewImbalances[w]
		imbalancesPerBlock[w][bestBlock] = bestNewImbalances[w]
		if bestNewImbalances[w] > maxImbalancePerBlock[bestBlock] {
			maxImbalancePerBlock[bestBlock] = bestNewImbalances[w]
		}
	}
	return true
}
