// Package kmeans implements the balanced, multi-weight, sampling-aware
// k-means partitioning core: SFC-seeded centers, influence-based balance
// adaptation, triangle-inequality assignment pruning, a rebalancing pass
// for hard constraints, and a hierarchical variant driven by a processor
// tree.
package kmeans

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/settings"
)

// Data bundles the distributed point set: the row distribution, the
// coordinates and the node weights. The three always share one
// distribution.
type Data struct {
	Dist    *graph.Distribution
	Coords  *graph.Points
	Weights [][]float64
}

// Validate checks the alignment of coordinates and weights.
func (d *Data) Validate() error {
	if err := graph.CheckAligned(d.Dist, d.Coords.N(), "coordinates"); err != nil {
		return err
	}
	for w := range d.Weights {
		if err := graph.CheckAligned(d.Dist, len(d.Weights[w]), "node weights"); err != nil {
			return err
		}
	}
	return nil
}

// UnitWeights returns a single unit weight aligned with dist.
func UnitWeights(dist *graph.Distribution) [][]float64 {
	w := make([]float64, dist.LocalN())
	for i := range w {
		w[i] = 1
	}
	return [][]float64{w}
}

// UniformTargets returns uniform target block weights totalWeight/k for
// every weight. Collective.
func UniformTargets(c *comm.Comm, weights [][]float64, k int) ([][]float64, error) {
	out := make([][]float64, len(weights))
	for w := range weights {
		total, err := c.SumFloat(floats.Sum(weights[w]))
		if err != nil {
			return nil, err
		}
		out[w] = make([]float64, k)
		for b := range out[w] {
			out[w][b] = total / float64(k)
		}
	}
	return out, nil
}

// ComputePartition is the core balanced k-means. centerGroups holds one
// group of initial centers per old block (one group with k centers in
// the flat case); prevPart gives every point's old block. The influence
// array is indexed [weight][block] and is updated in place.
//
// When s.Repartition is set, prevPart is instead the partition to be
// refined and centerGroups must contain a single group.
func ComputePartition(c *comm.Comm, data *Data, targetBlockWeights [][]float64, prevPart []int, centerGroups [][][]float64, influence [][]float64, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	start := time.Now()
	if err := data.Validate(); err != nil {
		return nil, err
	}
	if err := graph.CheckAligned(data.Dist, len(prevPart), "previous partition"); err != nil {
		return nil, err
	}

	dim := data.Coords.Dim
	localN := data.Coords.N()
	globalN := data.Dist.GlobalN()
	numWeights := len(data.Weights)

	numOldBlocks := len(centerGroups)
	prefixSum := make([]int, numOldBlocks+1)
	for b, group := range centerGroups {
		prefixSum[b+1] = prefixSum[b] + len(group)
	}
	k := prefixSum[numOldBlocks]
	centers := make([][]float64, 0, k)
	for _, group := range centerGroups {
		for _, center := range group {
			centers = append(centers, append([]float64(nil), center...))
		}
	}

	if len(influence) != numWeights {
		return nil, settings.NewError(settings.InvalidConfiguration, "influence carries %d weights, expected %d", len(influence), numWeights)
	}

	// total node weight and feasibility of the targets
	nodeWeightSum := make([]float64, numWeights)
	for w := 0; w < numWeights; w++ {
		total, err := c.SumFloat(floats.Sum(data.Weights[w]))
		if err != nil {
			return nil, err
		}
		nodeWeightSum[w] = total
		targetSum := floats.Sum(targetBlockWeights[w])
		if total > targetSum*(1+s.EpsilonFor(w)) {
			return nil, settings.NewError(settings.InvalidConfiguration,
				"total weight %g of weight %d exceeds the target block capacity %g; the input does not fit", total, w, targetSum)
		}
	}

	normalizedWeights := normalizeWeights(data.Weights, localN)

	// bounding boxes: the local one prunes center scans, the global one
	// scales the convergence threshold
	localMin, localMax := data.Coords.LocalMinMax()
	globalMin, globalMax, err := data.Coords.GlobalMinMax(c)
	if err != nil {
		return nil, err
	}
	diagonal := 0.0
	volume := 1.0
	for d := 0; d < dim; d++ {
		diff := globalMax[d] - globalMin[d]
		diagonal += diff * diff
		volume *= diff
	}
	diagonal = math.Sqrt(diagonal)
	expectedBlockDiameter := math.Pow(volume/float64(k), 1.0/float64(dim))

	upperOwn := make([]float64, localN)
	lowerNext := make([]float64, localN)
	for i := range upperOwn {
		upperOwn[i] = math.MaxFloat64
	}

	// progressive sampling: rounds double the sample until every local
	// point participates
	localIndices := sampleOrder(localN, s)
	minNodes := localN
	samplingRounds := 0
	var samples []int
	if s.MinSamplingNodes > 0 {
		avgBlocksPerRank := float64(k) / float64(c.Size())
		minNodes = int(float64(s.MinSamplingNodes) * avgBlocksPerRank)
		if minNodes < 1 {
			minNodes = 1
		}
		useSampling, err := c.All(localN > minNodes)
		if err != nil {
			return nil, err
		}
		if useSampling {
			samplingRounds = int(math.Ceil(math.Log2(float64(globalN)/float64(s.MinSamplingNodes*k)))) + 1
			if samplingRounds < 1 {
				samplingRounds = 0
			}
		}
		if samplingRounds > 0 {
			samples = make([]int, samplingRounds)
			samples[0] = min(minNodes, localN)
			for i := 1; i < samplingRounds; i++ {
				samples[i] = min(samples[i-1]*2, localN)
			}
			samples[samplingRounds-1] = localN
		}
	}

	result := make([]int, localN)
	if s.Repartition {
		copy(result, prevPart)
	}
	mostBalanced := make([]int, localN)
	minImbalance := float64(k + 1)
	minAchieved := s.Epsilon
	haveMostBalanced := false

	imbalances := make([]float64, numWeights)
	for w := range imbalances {
		imbalances[w] = 1
	}
	imbalancesOld := make([]float64, numWeights)

	threshold := 0.002 * diagonal
	delta := 0.0
	balanced := false
	iter := 0

	log.Debug().Int("k", k).Int("samplingRounds", samplingRounds).
		Float64("deltaThreshold", threshold).Msg("starting k-means")

	for {
		sample := localIndices
		if iter < samplingRounds {
			sample = append([]int(nil), localIndices[:samples[iter]]...)
			// ascending order increases locality of the scan
			sortInts(sample)
		}

		// scale the targets down to the sampled share of the weight
		adjustedTargets := make([][]float64, numWeights)
		for w := 0; w < numWeights; w++ {
			localSampleWeight := 0.0
			for _, i := range sample {
				localSampleWeight += data.Weights[w][i]
			}
			sampledTotal, err := c.SumFloat(localSampleWeight)
			if err != nil {
				return nil, err
			}
			ratio := sampledTotal / nodeWeightSum[w]
			adjustedTargets[w] = make([]float64, k)
			for b := range adjustedTargets[w] {
				adjustedTargets[w][b] = targetBlockWeights[w][b] * ratio
			}
		}

		if err := assignBlocks(c, &assignArgs{
			data:           data,
			centers:        centers,
			prefixSum:      prefixSum,
			sample:         sample,
			normalized:     normalizedWeights,
			assignment:     result,
			oldBlocks:      prevPart,
			targets:        adjustedTargets,
			boxMin:         localMin,
			boxMax:         localMax,
			upperOwn:       upperOwn,
			lowerNext:      lowerNext,
			influence:      influence,
			imbalances:     imbalances,
			settings:       s,
			log:            log,
			report:         rep,
		}); err != nil {
			return nil, err
		}

		newCenters, err := FindCenters(c, data, result, k, sample, data.Weights)
		if err != nil {
			return nil, err
		}
		// empty blocks keep their previous center position
		for j := 0; j < k; j++ {
			if math.IsNaN(newCenters[j][0]) {
				copy(newCenters[j], centers[j])
			}
		}

		deltas := make([]float64, k)
		squaredDeltas := make([]float64, k)
		for j := 0; j < k; j++ {
			deltas[j] = floats.Distance(centers[j], newCenters[j], 2)
			squaredDeltas[j] = deltas[j] * deltas[j]
		}

		oldInfluence := copyInfluence(influence)
		minErosionRatio := math.MaxFloat64
		if s.ErodeInfluence {
			if numWeights > 1 && iter == 0 {
				log.Warn().Msg("influence erosion is only partially defined for multiple node weights")
			}
			for j := 0; j < k; j++ {
				erosion := 2/(1+math.Exp(-math.Max(deltas[j]/expectedBlockDiameter-0.1, 0))) - 1
				for w := 0; w < numWeights; w++ {
					influence[w][j] = math.Exp((1 - erosion) * math.Log(influence[w][j]))
					if r := oldInfluence[w][j] / influence[w][j]; r < minErosionRatio {
						minErosionRatio = r
					}
				}
			}
		}

		centers = newCenters
		delta = 0
		for _, d := range deltas {
			if d > delta {
				delta = d
			}
		}
		deltaSq := delta * delta
		maxInfluence := 0.0
		for w := 0; w < numWeights; w++ {
			for j := 0; j < k; j++ {
				if influence[w][j] > maxInfluence {
					maxInfluence = influence[w][j]
				}
			}
		}

		// widen the own-center bound by drift and erosion, shrink the
		// next-center bound accordingly
		for _, i := range sample {
			cluster := result[i]
			influenceEffect := 0.0
			for w := 0; w < numWeights; w++ {
				influenceEffect += influence[w][cluster] * normalizedWeights[w][i]
			}
			if s.ErodeInfluence {
				upperOwn[i] *= influence[0][cluster]/oldInfluence[0][cluster] + 1e-6
				lowerNext[i] *= minErosionRatio - 1e-6
				if lowerNext[i] < 0 {
					lowerNext[i] = 0
				}
			}
			upperOwn[i] += (2*deltas[cluster]*math.Sqrt(upperOwn[i]/influenceEffect) + squaredDeltas[cluster]) * (influenceEffect + 1e-6)
			pureSqrt := math.Sqrt(lowerNext[i] / maxInfluence)
			if pureSqrt < delta {
				lowerNext[i] = 0
			} else {
				lowerNext[i] += (-2*delta*pureSqrt + deltaSq) * (maxInfluence + 1e-6)
				if lowerNext[i] < 0 {
					lowerNext[i] = 0
				}
			}
		}

		// block weights over the sample decide balance
		blockWeights := make([][]float64, numWeights)
		for w := 0; w < numWeights; w++ {
			bw := make([]float64, k)
			for _, i := range sample {
				bw[result[i]] += data.Weights[w][i]
			}
			if err := c.SumFloats(bw); err != nil {
				return nil, err
			}
			blockWeights[w] = bw
		}
		balanced = true
		for w := 0; w < numWeights; w++ {
			for j := 0; j < k; j++ {
				if blockWeights[w][j] > adjustedTargets[w][j]*(1+s.EpsilonFor(w)) {
					balanced = false
				}
			}
		}

		// when the imbalance stops moving, further iterations cannot help
		imbalanceDiff := 0.0
		for w := 0; w < numWeights; w++ {
			imbalanceDiff += math.Abs(imbalancesOld[w] - imbalances[w])
		}
		if imbalanceDiff/float64(numWeights) < 0.001 {
			balanced = true
		}
		copy(imbalancesOld, imbalances)

		if s.KeepMostBalanced && len(sample) == localN {
			currMin, currMax := minMax(imbalances)
			if numWeights < 2 {
				if currMin < minImbalance {
					copy(mostBalanced, result)
					minImbalance = currMin
					haveMostBalanced = true
				}
			} else {
				if currMax < minAchieved {
					copy(mostBalanced, result)
					minAchieved = currMax
					haveMostBalanced = true
				} else if currMax < minImbalance {
					copy(mostBalanced, result)
					minImbalance = currMax
					haveMostBalanced = true
				}
			}
		}

		iter++
		if c.IsRoot() {
			log.Debug().Int("iter", iter).Float64("delta", delta).
				Floats64("imbalance", imbalances).Msg("k-means iteration")
		}
		if iter < samplingRounds {
			continue
		}
		if iter >= s.MaxKMeansIterations {
			if !balanced {
				rep.Converged = false
			}
			break
		}
		if delta <= threshold && balanced {
			break
		}
	}

	rep.AddTime("timeKmeans", time.Since(start).Seconds())
	log.Debug().Int("iterations", iter).Msg("k-means finished")

	if s.KeepMostBalanced && haveMostBalanced {
		return mostBalanced, nil
	}
	return result, nil
}

// ComputePartitionDefault seeds centers from the space-filling curve and
// runs the core with a fresh influence array.
func ComputePartitionDefault(c *comm.Comm, data *Data, targetBlockWeights [][]float64, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	globalMin, globalMax, err := data.Coords.GlobalMinMax(c)
	if err != nil {
		return nil, err
	}
	centers, err := FindInitialCentersFlatSFC(c, data, globalMin, globalMax, s)
	if err != nil {
		return nil, err
	}
	prevPart := make([]int, data.Coords.N())
	influence := NewInfluence(len(data.Weights), s.NumBlocks)
	return ComputePartition(c, data, targetBlockWeights, prevPart, [][][]float64{centers}, influence, s, log, rep)
}

// ComputePartitionSimple partitions with unit weights and uniform targets.
func ComputePartitionSimple(c *comm.Comm, data *Data, s settings.Settings, log zerolog.Logger) ([]int, error) {
	weights := data.Weights
	if len(weights) == 0 {
		weights = UnitWeights(data.Dist)
	}
	d := &Data{Dist: data.Dist, Coords: data.Coords, Weights: weights}
	targets, err := UniformTargets(c, weights, s.NumBlocks)
	if err != nil {
		return nil, err
	}
	return ComputePartitionDefault(c, d, targets, s, log, metrics.NewReport())
}

// ComputeRepartition refines an existing partition while preserving
// locality: when the partition matches the distribution (one block per
// rank), centers are seeded from each rank's local center of mass.
func ComputeRepartition(c *comm.Comm, data *Data, targetBlockWeights [][]float64, previous []int, s settings.Settings, log zerolog.Logger, rep *metrics.Report) ([]int, error) {
	if err := graph.CheckAligned(data.Dist, len(previous), "previous partition"); err != nil {
		return nil, err
	}
	k := len(targetBlockWeights[0])

	var centers [][]float64
	partIsDist := k == c.Size()
	if partIsDist {
		localMatch := true
		for _, b := range previous {
			if b != c.Rank() {
				localMatch = false
				break
			}
		}
		var err error
		partIsDist, err = c.All(localMatch)
		if err != nil {
			return nil, err
		}
	}
	if partIsDist {
		var err error
		centers, err = FindLocalCenters(c, data, data.Weights[0])
		if err != nil {
			return nil, err
		}
	} else {
		sample := make([]int, data.Coords.N())
		for i := range sample {
			sample[i] = i
		}
		var err error
		centers, err = FindCenters(c, data, previous, k, sample, data.Weights)
		if err != nil {
			return nil, err
		}
	}

	repartSettings := s
	repartSettings.Repartition = true
	influence := NewInfluence(len(data.Weights), k)
	return ComputePartition(c, data, targetBlockWeights, previous, [][][]float64{centers}, influence, repartSettings, log, rep)
}

// NewInfluence allocates a unit influence array [weight][block].
func NewInfluence(numWeights, k int) [][]float64 {
	out := make([][]float64, numWeights)
	for w := range out {
		out[w] = make([]float64, k)
		for b := range out[w] {
			out[w][b] = 1
		}
	}
	return out
}

// normalizeWeights scales each point's weights to sum to one when several
// weights exist; with a single weight the normalization is identically 1.
func normalizeWeights(weights [][]float64, localN int) [][]float64 {
	numWeights := len(weights)
	out := make([][]float64, numWeights)
	for w := range out {
		out[w] = make([]float64, localN)
		for i := range out[w] {
			out[w][i] = 1
		}
	}
	if numWeights > 1 {
		for i := 0; i < localN; i++ {
			sum := 0.0
			for w := 0; w < numWeights; w++ {
				sum += weights[w][i]
			}
			if sum > 0 {
				for w := 0; w < numWeights; w++ {
					out[w][i] = weights[w][i] / sum
				}
			}
		}
	}
	return out
}

func copyInfluence(influence [][]float64) [][]float64 {
	out := make([][]float64, len(influence))
	for w := range influence {
		out[w] = append([]float64(nil), influence[w]...)
	}
	return out
}

func minMax(xs []float64) (min, max float64) {
	min, max = xs[0], xs[0]
	for _, x := range xs[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}

func sortInts(xs []int) {
	sort.Ints(xs)
}
