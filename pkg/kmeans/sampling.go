package kmeans

import (
	"math/rand"

	"github.com/kit-parco/geographer/pkg/settings"
)

// sampleOrder returns the permutation of local indices used by the
// progressive-sampling rounds. The Cantor interleave is deterministic and
// spreads early samples across the whole local range; Fisher-Yates is a
// seeded random shuffle with higher variance.
func sampleOrder(n int, s settings.Settings) []int {
	if s.SamplingOrder == settings.SamplingFisherYates {
		return fisherYatesOrder(n, s.SamplingSeed)
	}
	return cantorOrder(n)
}

// cantorOrder interleaves the index range recursively: first the range
// endpoints' midpoints at coarse stride, then finer strides, so any
// prefix of the result is a near-uniform subsample.
func cantorOrder(n int) []int {
	out := make([]int, 0, n)
	taken := make([]bool, n)
	for stride := n; stride >= 1; stride /= 2 {
		for i := stride / 2; i < n; i += stride {
			if !taken[i] {
				taken[i] = true
				out = append(out, i)
			}
		}
	}
	for i := 0; i < n; i++ {
		if !taken[i] {
			out = append(out, i)
		}
	}
	return out
}

func fisherYatesOrder(n int, seed int64) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
