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

type assignArgs struct {
	data       *Data
	centers    [][]float64
	prefixSum  []int
	sample     []int
	normalized [][]float64
	// assignment is updated in place; oldBlocks constrains each point to
	// the centers of its block from the previous hierarchy level (or is
	// the partition under refinement in repartition mode).
	assignment []int
	oldBlocks  []int
	targets    [][]float64
	boxMin     []float64
	boxMax     []float64
	upperOwn   []float64
	lowerNext  []float64
	influence  [][]float64
	imbalances []float64
	settings   settings.Settings
	log        zerolog.Logger
	report     *metrics.Report
}

// boxMinSqDist returns the squared distance from the local bounding box
// to a center, zero when the center lies inside the box.
func boxMinSqDist(min, max, center []float64) float64 {
	d := 0.0
	for i := range center {
		if center[i] < min[i] {
			diff := min[i] - center[i]
			d += diff * diff
		} else if center[i] > max[i] {
			diff := center[i] - max[i]
			d += diff * diff
		}
	}
	return d
}

// assignBlocks assigns every sampled point to the block with the smallest
// effective distance, then adapts the influence values until all weights
// are balanced or the balance-iteration cap is reached. Effective
// distance is squared Euclidean distance times the weighted influence of
// the candidate block; blocks over their target grow their influence and
// repel points in the next pass.
func assignBlocks(c *comm.Comm, a *assignArgs) error {
	s := a.settings
	numWeights := len(a.data.Weights)
	k := len(a.centers)
	numOldBlocks := len(a.prefixSum) - 1

	// squared box distances, scaled by the most favourable influence a
	// center can offer; used to prune the center scan
	minSqDist := make([]float64, k)
	effMinDist := make([]float64, k)
	for j := 0; j < k; j++ {
		minSqDist[j] = boxMinSqDist(a.boxMin, a.boxMax, a.centers[j])
		effMinDist[j] = minSqDist[j] * minInfluenceOf(a.influence, j)
	}

	// center candidates, sorted per old-block range by effective box
	// distance
	candidates := make([]int, k)
	for j := range candidates {
		candidates[j] = j
	}
	sortCandidateRanges(candidates, effMinDist, a.prefixSum)

	influenceUpper := make([]float64, k)
	influenceLower := make([]float64, k)
	for j := range influenceUpper {
		influenceUpper[j] = 1 + s.InfluenceChangeCap
		influenceLower[j] = 1 - s.InfluenceChangeCap
	}
	influenceGrew := make([][]bool, numWeights)
	for w := range influenceGrew {
		influenceGrew[w] = make([]bool, k)
	}

	influenceEffectOfOwn := make([]float64, len(a.sample))
	exponent := s.ResolvedInfluenceExponent()

	iter := 0
	allBalanced := false
	for {
		blockWeights := make([][]float64, numWeights)
		for w := range blockWeights {
			blockWeights[w] = make([]float64, k)
		}

		for veryLocal, i := range a.sample {
			oldCluster := a.assignment[i]
			fatherBlock := a.oldBlocks[i]

			effOwn := 0.0
			for w := 0; w < numWeights; w++ {
				effOwn += a.influence[w][oldCluster] * a.normalized[w][i]
			}
			influenceEffectOfOwn[veryLocal] = effOwn

			if a.lowerNext[i] <= a.upperOwn[i] {
				// recompute the own distance and retry the bound test
				pt := a.data.Coords.At(i)
				distOwn := floats.Distance(a.centers[oldCluster], pt, 2)
				a.upperOwn[i] = distOwn * distOwn * effOwn
				if a.lowerNext[i] <= a.upperOwn[i] {
					// scan the centers of the father block, nearest
					// bounding-box distance first; in repartition mode
					// the old blocks do not constrain the scan
					rangeStart, rangeEnd := 0, a.prefixSum[numOldBlocks]
					if !s.Repartition {
						rangeStart = a.prefixSum[fatherBlock]
						rangeEnd = a.prefixSum[fatherBlock+1]
					}
					bestBlock := oldCluster
					bestValue := math.MaxFloat64
					bestEff := effOwn
					secondBestValue := math.MaxFloat64

					for ci := rangeStart; ci < rangeEnd && secondBestValue > effMinDist[ci]; ci++ {
						j := candidates[ci]
						dist := floats.Distance(a.centers[j], pt, 2)
						sqDist := dist * dist
						eff := 0.0
						for w := 0; w < numWeights; w++ {
							eff += a.influence[w][j] * a.normalized[w][i]
						}
						effDist := sqDist * eff
						if effDist < bestValue {
							secondBestValue = bestValue
							bestBlock = j
							bestValue = effDist
							bestEff = eff
						} else if effDist < secondBestValue {
							secondBestValue = effDist
						}
					}

					a.upperOwn[i] = bestValue
					a.lowerNext[i] = secondBestValue
					influenceEffectOfOwn[veryLocal] = bestEff
					a.assignment[i] = bestBlock
				}
			}

			for w := 0; w < numWeights; w++ {
				blockWeights[w][a.assignment[i]] += a.data.Weights[w][i]
			}
		}

		for w := 0; w < numWeights; w++ {
			if err := c.SumFloats(blockWeights[w]); err != nil {
				return err
			}
		}

		allBalanced = true
		for w := 0; w < numWeights; w++ {
			worst := -math.MaxFloat64
			for j := 0; j < k; j++ {
				imba := (blockWeights[w][j] - a.targets[w][j]) / a.targets[w][j]
				if imba > worst {
					worst = imba
				}
			}
			a.imbalances[w] = worst
			if worst > s.EpsilonFor(w) {
				allBalanced = false
			}
		}
		if allBalanced || iter+1 >= s.BalanceIterations {
			iter++
			break
		}

		// adapt influence towards balance
		minRatio := math.MaxFloat64
		maxRatio := -math.MaxFloat64
		oldInfluence := copyInfluence(a.influence)
		for w := 0; w < numWeights; w++ {
			for j := 0; j < k; j++ {
				ratio := blockWeights[w][j] / a.targets[w][j]
				if math.Abs(ratio-1) < s.EpsilonFor(w) && s.FreezeBalancedInfluence {
					if minRatio > 1 {
						minRatio = 1
					}
					if maxRatio < 1 {
						maxRatio = 1
					}
					continue
				}
				multiplier := math.Pow(ratio, exponent)
				if multiplier > influenceUpper[j] {
					multiplier = influenceUpper[j]
				}
				if multiplier < influenceLower[j] {
					multiplier = influenceLower[j]
				}
				a.influence[w][j] *= multiplier

				influenceRatio := a.influence[w][j] / oldInfluence[w][j]
				if influenceRatio < minRatio {
					minRatio = influenceRatio
				}
				if influenceRatio > maxRatio {
					maxRatio = influenceRatio
				}

				grew := ratio > 1
				if s.TightenBounds && iter > 0 && grew != influenceGrew[w][j] {
					// the imbalance direction flipped: close in on 1
					influenceUpper[j] = 0.1 + 0.9*influenceUpper[j]
					influenceLower[j] = 0.1 + 0.9*influenceLower[j]
				}
				influenceGrew[w][j] = grew
			}
		}

		// the changed influences invalidate the triangle bounds
		for veryLocal, i := range a.sample {
			cluster := a.assignment[i]
			newEffect := 0.0
			for w := 0; w < numWeights; w++ {
				newEffect += a.influence[w][cluster] * a.normalized[w][i]
			}
			a.upperOwn[i] *= newEffect/influenceEffectOfOwn[veryLocal] + 1e-5
			a.lowerNext[i] *= minRatio - 1e-5
			if a.lowerNext[i] < 0 {
				a.lowerNext[i] = 0
			}
		}

		for j := 0; j < k; j++ {
			effMinDist[j] = minSqDist[j] * minInfluenceOf(a.influence, j)
		}
		sortCandidateRanges(candidates, effMinDist, a.prefixSum)
		iter++
	}

	a.report.NumBalanceIter = append(a.report.NumBalanceIter, iter)
	return nil
}

func minInfluenceOf(influence [][]float64, j int) float64 {
	m := math.MaxFloat64
	for w := range influence {
		if influence[w][j] < m {
			m = influence[w][j]
		}
	}
	return m
}

// sortCandidateRanges sorts each old block's slice of candidate centers
// by effective bounding-box distance, keeping effMinDist aligned so the
// scan can stop once the sorted minimum exceeds the current second best.
func sortCandidateRanges(candidates []int, effMinDist []float64, prefixSum []int) {
	dist := append([]float64(nil), effMinDist...)
	for b := 0; b+1 < len(prefixSum); b++ {
		lo, hi := prefixSum[b], prefixSum[b+1]
		part := candidates[lo:hi]
		sort.Slice(part, func(x, y int) bool {
			dx, dy := dist[part[x]], dist[part[y]]
			if dx != dy {
				return dx < dy
			}
			return part[x] < part[y]
		})
		for ci := lo; ci < hi; ci++ {
			effMinDist[ci] = dist[candidates[ci]]
		}
	}
}
