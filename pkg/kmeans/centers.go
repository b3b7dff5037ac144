package kmeans

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/settings"
	"github.com/kit-parco/geographer/pkg/sfc"
)

// FindInitialCentersSFC seeds centers for each old block separately by
// walking its points in space-filling-curve order. For old block b with
// global size Nb splitting into kb new blocks, the seeds are the points
// at within-block SFC positions i*(Nb/kb) + (Nb/kb)/2. Returns one center
// group per old block; collective.
func FindInitialCentersSFC(c *comm.Comm, data *Data, minCoords, maxCoords []float64, part []int, numNewPerOldBlock []int, s settings.Settings) ([][][]float64, error) {
	dim := data.Coords.Dim
	localN := data.Coords.N()
	numOldBlocks := len(numNewPerOldBlock)

	indices, err := sfc.IndexAll(data.Coords.Data, dim, minCoords, maxCoords, s.SFCResolution)
	if err != nil {
		return nil, settings.WrapError(settings.InconsistentInput, err, "cannot compute SFC indices")
	}
	sortedLocal := make([]int, localN)
	for i := range sortedLocal {
		sortedLocal[i] = i
	}
	sort.Slice(sortedLocal, func(a, b int) bool {
		ia, ib := indices[sortedLocal[a]], indices[sortedLocal[b]]
		if ia != ib {
			return ia < ib
		}
		return sortedLocal[a] < sortedLocal[b]
	})

	// per-block per-rank prefix sums of the block populations
	localBlockSizes := make([]int, numOldBlocks)
	for _, b := range part {
		if b < 0 || b >= numOldBlocks {
			return nil, settings.NewError(settings.InconsistentInput, "previous partition has block id %d for %d blocks", b, numOldBlocks)
		}
		localBlockSizes[b]++
	}
	perRank, err := c.AllGatherInts(localBlockSizes)
	if err != nil {
		return nil, err
	}
	p := c.Size()
	// prefix[b][r] is the number of block-b points owned by ranks < r
	prefix := make([][]int, numOldBlocks)
	globalBlockSizes := make([]int, numOldBlocks)
	for b := 0; b < numOldBlocks; b++ {
		prefix[b] = make([]int, p+1)
		for r := 0; r < p; r++ {
			prefix[b][r+1] = prefix[b][r] + perRank[r][b]
		}
		globalBlockSizes[b] = prefix[b][p]
	}

	// wanted within-block positions of the new centers
	wanted := make([][]int, numOldBlocks)
	for b := 0; b < numOldBlocks; b++ {
		kb := numNewPerOldBlock[b]
		wanted[b] = make([]int, kb)
		for i := 0; i < kb; i++ {
			wanted[b][i] = i*(globalBlockSizes[b]/kb) + (globalBlockSizes[b]/kb)/2
		}
	}

	centers := make([][][]float64, numOldBlocks)
	flat := make([][]float64, numOldBlocks)
	for b := 0; b < numOldBlocks; b++ {
		centers[b] = make([][]float64, numNewPerOldBlock[b])
		flat[b] = make([]float64, numNewPerOldBlock[b]*dim)
	}

	// emit locally owned seeds: walk the SFC-sorted local points of each
	// block, tracking the within-block position
	for b := 0; b < numOldBlocks; b++ {
		rangeStart := prefix[b][c.Rank()]
		rangeEnd := prefix[b][c.Rank()+1]
		for j, centerInd := range wanted[b] {
			if centerInd < rangeStart || centerInd >= rangeEnd {
				continue
			}
			counter := rangeStart
			for _, si := range sortedLocal {
				if part[si] != b {
					continue
				}
				if counter == centerInd {
					copy(flat[b][j*dim:(j+1)*dim], data.Coords.At(si))
					break
				}
				counter++
			}
		}
	}

	// a global sum assembles the full center set; only one rank wrote
	// each seed
	for b := 0; b < numOldBlocks; b++ {
		if err := c.SumFloats(flat[b]); err != nil {
			return nil, err
		}
		for j := range centers[b] {
			centers[b][j] = flat[b][j*dim : (j+1)*dim]
		}
	}
	return centers, nil
}

// FindInitialCentersFlatSFC is the non-hierarchical wrapper: every point
// in one root block, one group of k centers.
func FindInitialCentersFlatSFC(c *comm.Comm, data *Data, minCoords, maxCoords []float64, s settings.Settings) ([][]float64, error) {
	part := make([]int, data.Coords.N())
	groups, err := FindInitialCentersSFC(c, data, minCoords, maxCoords, part, []int{s.NumBlocks}, s)
	if err != nil {
		return nil, err
	}
	return groups[0], nil
}

// FindInitialCentersFromSFCOnly places k centers at equidistant curve
// positions (2i+1)/2k without looking at the points, inverting the curve
// back into the bounding box.
func FindInitialCentersFromSFCOnly(minCoords, maxCoords []float64, s settings.Settings) ([][]float64, error) {
	k := s.NumBlocks
	dim := s.Dimensions
	centers := make([][]float64, k)
	for i := 0; i < k; i++ {
		h := (float64(i) + 0.5) / float64(k)
		unit, err := sfc.Inverse(h, dim, s.SFCResolution)
		if err != nil {
			return nil, err
		}
		center := make([]float64, dim)
		for d := 0; d < dim; d++ {
			center[d] = unit[d]*(maxCoords[d]-minCoords[d]) + minCoords[d]
		}
		centers[i] = center
	}
	return centers, nil
}

// FindLocalCenters returns one center per rank: the weighted center of
// mass of the rank's local points. Used by repartition mode, where the
// previous partition equals the distribution.
func FindLocalCenters(c *comm.Comm, data *Data, weight []float64) ([][]float64, error) {
	dim := data.Coords.Dim
	localN := data.Coords.N()
	localWeightSum := floats.Sum(weight)
	local := make([]float64, dim)
	if localWeightSum > 0 {
		for i := 0; i < localN; i++ {
			pt := data.Coords.At(i)
			for d := 0; d < dim; d++ {
				// dividing inside the loop trades speed for overflow safety
				local[d] += weight[i] * pt[d] / localWeightSum
			}
		}
	}
	flat := make([]float64, c.Size()*dim)
	copy(flat[c.Rank()*dim:], local)
	if err := c.SumFloats(flat); err != nil {
		return nil, err
	}
	centers := make([][]float64, c.Size())
	for r := range centers {
		centers[r] = flat[r*dim : (r+1)*dim]
	}
	return centers, nil
}

// FindCenters recomputes the center of every block as the weighted mean
// of its points, restricted to the sampled index subset. With several
// node weights, a center is computed per weight and averaged. Blocks with
// zero sampled weight get NaN coordinates; the caller keeps their
// previous position.
func FindCenters(c *comm.Comm, data *Data, part []int, k int, sample []int, nodeWeights [][]float64) ([][]float64, error) {
	dim := data.Coords.Dim
	numWeights := len(nodeWeights)
	out := make([][]float64, k)
	for j := range out {
		out[j] = make([]float64, dim)
	}

	for w := 0; w < numWeights; w++ {
		sums := make([]float64, k*dim)
		weightSum := make([]float64, k)
		for _, i := range sample {
			b := part[i]
			wi := nodeWeights[w][i]
			weightSum[b] += wi
			pt := data.Coords.At(i)
			for d := 0; d < dim; d++ {
				sums[b*dim+d] += wi * pt[d]
			}
		}
		if err := c.SumFloats(sums); err != nil {
			return nil, err
		}
		if err := c.SumFloats(weightSum); err != nil {
			return nil, err
		}
		for j := 0; j < k; j++ {
			for d := 0; d < dim; d++ {
				if weightSum[j] == 0 {
					out[j][d] = math.NaN()
				} else {
					out[j][d] += sums[j*dim+d] / weightSum[j] / float64(numWeights)
				}
			}
		}
	}
	return out, nil
}
