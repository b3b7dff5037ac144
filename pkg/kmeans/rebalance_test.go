package kmeans

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/metrics"
	"github.com/kit-parco/geographer/pkg/settings"
)

func TestFuzzifyReturnsNearestCenters(t *testing.T) {
	c := comm.Single()
	data := gridData(c, 6)
	// left/right halves
	part := make([]int, data.Dist.LocalN())
	for i := range part {
		if data.Coords.At(i)[0] >= 3 {
			part[i] = 1
		}
	}
	fuzzy, err := Fuzzify(c, data, part, 2, 6)
	if err != nil {
		t.Fatal(err)
	}
	if len(fuzzy) != data.Dist.LocalN() {
		t.Fatalf("fuzzify returned %d entries", len(fuzzy))
	}
	for i, entries := range fuzzy {
		if len(entries) != 2 {
			t.Fatalf("point %d has %d candidates, want 2 (capped at k)", i, len(entries))
		}
		if entries[0].Dist > entries[1].Dist {
			t.Fatalf("candidates of point %d not sorted by distance", i)
		}
	}
	// a far-left point is closest to the left center
	if fuzzy[0][0].Block != part[0] {
		t.Fatalf("leftmost point's nearest center is block %d", fuzzy[0][0].Block)
	}
}

func TestMembershipSumsToOne(t *testing.T) {
	fuzzy := [][]fuzzyEntry{
		{{Dist: 1, Block: 0}, {Dist: 2, Block: 1}, {Dist: 4, Block: 2}},
		{{Dist: 3, Block: 1}, {Dist: 3, Block: 0}},
	}
	membership := ComputeMembership(fuzzy)
	for i, row := range membership {
		sum := 0.0
		for _, m := range row {
			sum += m
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Fatalf("membership of point %d sums to %v", i, sum)
		}
	}
	// equidistant centers give uniform membership, hence zero sharpness
	one := MembershipOneValue(fuzzy)
	if one[1] > 1e-12 {
		t.Fatalf("equidistant point has sharpness %v, want 0", one[1])
	}
	if one[0] <= one[1] {
		t.Fatal("clearly assigned point must be sharper than an equidistant one")
	}
}

func TestRebalanceReducesImbalance(t *testing.T) {
	for _, ranks := range []int{1, 2} {
		t.Run(fmt.Sprintf("ranks=%d", ranks), func(t *testing.T) {
			grp, _ := comm.NewGroup(ranks)
			err := grp.Run(context.Background(), func(c *comm.Comm) error {
				data := gridData(c, 8)
				const k = 2
				// skewed start: only the last row is in block 1
				part := make([]int, data.Dist.LocalN())
				for i := range part {
					if data.Dist.Local2Global(i) >= 56 {
						part[i] = 1
					}
				}
				targets := [][]float64{{32, 32}}

				before, err := metrics.Imbalance(c, part, k, data.Weights[0], targets[0])
				if err != nil {
					return err
				}

				s := testSettings(k)
				s.KMBalanceMethod = settings.BalanceRebLex
				s.BatchPercent = 0.25
				_, err = Rebalance(c, data, targets, part, s, 1.0, zerolog.Nop())
				if err != nil {
					return err
				}

				after, err := metrics.Imbalance(c, part, k, data.Weights[0], targets[0])
				if err != nil {
					return err
				}
				if after >= before {
					return fmt.Errorf("rebalance did not improve imbalance: %v -> %v", before, after)
				}
				// weight conservation
				bw, err := metrics.BlockWeights(c, part, data.Weights, k)
				if err != nil {
					return err
				}
				if bw[0][0]+bw[0][1] != 64 {
					return fmt.Errorf("block weights sum to %v after rebalance", bw[0][0]+bw[0][1])
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestTargetBalanceLoopKeepsBestSolution(t *testing.T) {
	c := comm.Single()
	data := gridData(c, 8)
	const k = 2
	part := make([]int, data.Dist.LocalN())
	for i := range part {
		if data.Coords.At(i)[0] >= 4 {
			part[i] = 1
		}
	}
	targets := [][]float64{{32, 32}}
	s := testSettings(k)
	s.KMBalanceMethod = settings.BalanceRebImba2

	result, err := ComputePartitionTargetBalance(c, data, targets, part, s, zerolog.Nop(), metrics.NewReport())
	if err != nil {
		t.Fatal(err)
	}
	imba, err := metrics.Imbalance(c, result, k, data.Weights[0], targets[0])
	if err != nil {
		t.Fatal(err)
	}
	if imba > s.Epsilon {
		t.Fatalf("target-balance loop left imbalance %v", imba)
	}
}
