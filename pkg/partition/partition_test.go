package partition

import (
	"context"
	"fmt"
	"testing"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/settings"
)

func testSettings(k int) settings.Settings {
	s := settings.Default()
	s.NumBlocks = k
	s.Epsilon = 0.05
	s.MinSamplingNodes = -1
	s.LogLevel = "error"
	return s
}

// gridInput builds a side×side grid graph with matching coordinates.
func gridInput(c *comm.Comm, side int) (*Input, error) {
	n := int64(side * side)
	var edges [][2]int64
	id := func(r, col int64) int64 { return r*int64(side) + col }
	for r := int64(0); r < int64(side); r++ {
		for col := int64(0); col < int64(side); col++ {
			if col+1 < int64(side) {
				edges = append(edges, [2]int64{id(r, col), id(r, col+1)})
			}
			if r+1 < int64(side) {
				edges = append(edges, [2]int64{id(r, col), id(r+1, col)})
			}
		}
	}
	dist := graph.NewBlockDistribution(n, c)
	dg, err := graph.NewDistGraph(dist, graph.CSRFromEdges(dist, edges, nil))
	if err != nil {
		return nil, err
	}
	if err := dg.BuildHalo(c); err != nil {
		return nil, err
	}
	coords := make([]float64, dist.LocalN()*2)
	for i := 0; i < dist.LocalN(); i++ {
		gid := dist.Local2Global(i)
		coords[i*2] = float64(gid % int64(side))
		coords[i*2+1] = float64(gid / int64(side))
	}
	return &Input{Graph: dg, Coords: &graph.Points{Data: coords, Dim: 2}}, nil
}

func TestGridQuadrantScenario(t *testing.T) {
	// 16×16 grid, k = 4, unit weights: expect near-quadrant blocks,
	// imbalance within epsilon, and a cut no worse than 2x the ideal 32.
	grp, _ := comm.NewGroup(4)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		in, err := gridInput(c, 16)
		if err != nil {
			return err
		}
		s := testSettings(4)
		part, rep, err := Run(c, in, s, s.CreateLogger())
		if err != nil {
			return err
		}
		if len(part) != in.Graph.Dist.LocalN() {
			return fmt.Errorf("partition misaligned: %d entries", len(part))
		}
		for _, b := range part {
			if b < 0 || b >= 4 {
				return fmt.Errorf("block id %d out of range", b)
			}
		}
		if rep.Imbalances[0] > 2*s.Epsilon {
			return fmt.Errorf("imbalance %v exceeds tolerance", rep.Imbalances[0])
		}
		if rep.Cut > 64 {
			return fmt.Errorf("cut %v is far from the quadrant optimum of 32", rep.Cut)
		}
		if rep.MaxVertexDegree != 4 {
			return fmt.Errorf("max degree %d", rep.MaxVertexDegree)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestKEquals1(t *testing.T) {
	c := comm.Single()
	in, err := gridInput(c, 4)
	if err != nil {
		t.Fatal(err)
	}
	s := testSettings(1)
	s.NoRefinement = true
	part, rep, err := Run(c, in, s, s.CreateLogger())
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range part {
		if b != 0 {
			t.Fatalf("k=1 must put every vertex in block 0")
		}
	}
	if rep.Cut != 0 {
		t.Fatalf("k=1 cut = %v, want 0", rep.Cut)
	}
}

func TestSFCInitialPartition(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		in, err := gridInput(c, 8)
		if err != nil {
			return err
		}
		s := testSettings(2)
		s.InitialPartition = settings.InitialSFC
		s.NoRefinement = false // 2 blocks on 2 ranks: refinement runs
		part, rep, err := Run(c, in, s, s.CreateLogger())
		if err != nil {
			return err
		}
		sizes := make([]int, 2)
		for _, b := range part {
			sizes[b]++
		}
		if err := c.SumInts(sizes); err != nil {
			return err
		}
		if sizes[0]+sizes[1] != 64 {
			return fmt.Errorf("blocks cover %d of 64 vertices", sizes[0]+sizes[1])
		}
		if rep.Imbalances[0] > s.Epsilon+1e-9 {
			return fmt.Errorf("SFC slicing left imbalance %v", rep.Imbalances[0])
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectedComponentsSeparate(t *testing.T) {
	// two 4×4 grids far apart, k=2: each component one block, zero cut
	c := comm.Single()
	const side = 4
	const per = side * side
	var edges [][2]int64
	for comp := int64(0); comp < 2; comp++ {
		base := comp * per
		id := func(r, col int64) int64 { return base + r*side + col }
		for r := int64(0); r < side; r++ {
			for col := int64(0); col < side; col++ {
				if col+1 < side {
					edges = append(edges, [2]int64{id(r, col), id(r, col+1)})
				}
				if r+1 < side {
					edges = append(edges, [2]int64{id(r, col), id(r+1, col)})
				}
			}
		}
	}
	dist := graph.NewBlockDistribution(2*per, c)
	dg, err := graph.NewDistGraph(dist, graph.CSRFromEdges(dist, edges, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := dg.BuildHalo(c); err != nil {
		t.Fatal(err)
	}
	coords := make([]float64, dist.LocalN()*2)
	for i := 0; i < dist.LocalN(); i++ {
		gid := dist.Local2Global(i)
		comp := gid / per
		within := gid % per
		coords[i*2] = float64(within%side) + float64(comp)*100
		coords[i*2+1] = float64(within / side)
	}
	in := &Input{Graph: dg, Coords: &graph.Points{Data: coords, Dim: 2}}

	s := testSettings(2)
	s.NoRefinement = true
	part, rep, err := Run(c, in, s, s.CreateLogger())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Cut != 0 {
		t.Fatalf("cut = %v, want 0", rep.Cut)
	}
	if rep.Imbalances[0] != 0 {
		t.Fatalf("imbalance = %v, want 0", rep.Imbalances[0])
	}
	if part[0] == part[per] {
		t.Fatal("both components landed in one block")
	}
}

func TestInvalidConfigurationSurfacesEverywhere(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		in, err := gridInput(c, 4)
		if err != nil {
			return err
		}
		s := testSettings(0) // numBlocks = 0 is invalid
		_, _, runErr := Run(c, in, s, s.CreateLogger())
		if runErr == nil {
			return fmt.Errorf("expected a validation error")
		}
		if settings.KindOf(runErr) != settings.InvalidConfiguration {
			return fmt.Errorf("wrong error kind: %v", runErr)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHierarchicalThroughDriver(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		in, err := gridInput(c, 12)
		if err != nil {
			return err
		}
		s := testSettings(4)
		s.InitialPartition = settings.InitialHierKMeans
		s.HierLevels = []int{2, 2}
		s.NoRefinement = true
		part, _, err := Run(c, in, s, s.CreateLogger())
		if err != nil {
			return err
		}
		// partition must come back aligned with the input distribution
		if len(part) != in.Graph.Dist.LocalN() {
			return fmt.Errorf("partition has %d entries for %d rows", len(part), in.Graph.Dist.LocalN())
		}
		sizes := make([]int, 4)
		for _, b := range part {
			sizes[b]++
		}
		if err := c.SumInts(sizes); err != nil {
			return err
		}
		for b, size := range sizes {
			if size == 0 {
				return fmt.Errorf("block %d empty: %v", b, sizes)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRepartitionThroughDriver(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		in, err := gridInput(c, 8)
		if err != nil {
			return err
		}
		previous := make([]int, in.Graph.Dist.LocalN())
		for i := range previous {
			previous[i] = c.Rank()
		}
		in.Previous = previous

		s := testSettings(2)
		s.Repartition = true
		s.NoRefinement = true
		part, _, err := Run(c, in, s, s.CreateLogger())
		if err != nil {
			return err
		}
		moves := 0
		for i := range part {
			if part[i] != previous[i] {
				moves++
			}
		}
		globalMoves, err := c.SumInt(moves)
		if err != nil {
			return err
		}
		if globalMoves > 32 {
			return fmt.Errorf("repartition moved %d of 64 vertices", globalMoves)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
