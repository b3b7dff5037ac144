package graph

import (
	"context"
	"fmt"
	"testing"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/settings"
)

// pathEdges builds the edge list of a path graph 0-1-2-...-(n-1).
func pathEdges(n int64) [][2]int64 {
	edges := make([][2]int64, 0, n-1)
	for i := int64(0); i+1 < n; i++ {
		edges = append(edges, [2]int64{i, i + 1})
	}
	return edges
}

func TestBlockDistribution(t *testing.T) {
	g, _ := comm.NewGroup(4)
	err := g.Run(context.Background(), func(c *comm.Comm) error {
		d := NewBlockDistribution(10, c)
		total, err := c.SumInt(d.LocalN())
		if err != nil {
			return err
		}
		if total != 10 {
			return fmt.Errorf("local sizes sum to %d, want 10", total)
		}
		for i := 0; i < d.LocalN(); i++ {
			gid := d.Local2Global(i)
			if d.OwnerOf(gid) != c.Rank() {
				return fmt.Errorf("index %d owned by %d, expected %d", gid, d.OwnerOf(gid), c.Rank())
			}
			if d.Global2Local(gid) != i {
				return fmt.Errorf("round trip failed for %d", gid)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGeneralDistributionOwnerTable(t *testing.T) {
	g, _ := comm.NewGroup(2)
	err := g.Run(context.Background(), func(c *comm.Comm) error {
		// rank 0 owns evens, rank 1 owns odds
		var owned []int64
		for i := int64(0); i < 8; i++ {
			if int(i%2) == c.Rank() {
				owned = append(owned, i)
			}
		}
		d, err := NewGeneralDistribution(8, owned, c)
		if err != nil {
			return err
		}
		for i := int64(0); i < 8; i++ {
			if d.OwnerOf(i) != int(i%2) {
				return fmt.Errorf("owner of %d is %d", i, d.OwnerOf(i))
			}
		}
		if d.LocalN() != 4 {
			return fmt.Errorf("localN = %d, want 4", d.LocalN())
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHaloCoversEveryNonLocalNeighbor(t *testing.T) {
	for _, ranks := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("ranks=%d", ranks), func(t *testing.T) {
			grp, _ := comm.NewGroup(ranks)
			err := grp.Run(context.Background(), func(c *comm.Comm) error {
				const n = 12
				dist := NewBlockDistribution(n, c)
				dg, err := NewDistGraph(dist, CSRFromEdges(dist, pathEdges(n), nil))
				if err != nil {
					return err
				}
				if err := dg.BuildHalo(c); err != nil {
					return err
				}
				h, err := dg.Halo()
				if err != nil {
					return err
				}
				// every non-local neighbour has exactly one slot
				seen := map[int64]int{}
				for _, gid := range h.Indices {
					seen[gid]++
				}
				for i := 0; i < dg.Adj.LocalRows(); i++ {
					for _, j := range dg.Adj.Row(i) {
						if dist.IsLocal(j) {
							continue
						}
						if seen[j] != 1 {
							return fmt.Errorf("neighbour %d has %d halo slots", j, seen[j])
						}
					}
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestHaloUpdatePullsOwnerValues(t *testing.T) {
	grp, _ := comm.NewGroup(3)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		const n = 9
		dist := NewBlockDistribution(n, c)
		dg, err := NewDistGraph(dist, CSRFromEdges(dist, pathEdges(n), nil))
		if err != nil {
			return err
		}
		if err := dg.BuildHalo(c); err != nil {
			return err
		}
		// each row's value is its global id
		local := make([]float64, dist.LocalN())
		for i := range local {
			local[i] = float64(dist.Local2Global(i))
		}
		haloArr, err := dg.UpdateHaloFloats(c, local)
		if err != nil {
			return err
		}
		h, _ := dg.Halo()
		for s, gid := range h.Indices {
			if haloArr[s] != float64(gid) {
				return fmt.Errorf("halo slot %d: got %v, want %d", s, haloArr[s], gid)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestHaloStaleAfterRedistribute(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		const n = 6
		dist := NewBlockDistribution(n, c)
		dg, err := NewDistGraph(dist, CSRFromEdges(dist, pathEdges(n), nil))
		if err != nil {
			return err
		}
		if err := dg.BuildHalo(c); err != nil {
			return err
		}
		// swap ownership: rank 0 takes odds, rank 1 takes evens
		var owned []int64
		for i := int64(0); i < n; i++ {
			if int(i%2) != c.Rank() {
				owned = append(owned, i)
			}
		}
		newDist, err := NewGeneralDistribution(n, owned, c)
		if err != nil {
			return err
		}
		moved, err := dg.Redistribute(c, newDist)
		if err != nil {
			return err
		}
		if _, err := moved.Halo(); err == nil {
			return fmt.Errorf("expected stale-halo error on the redistributed graph")
		}
		if err := moved.BuildHalo(c); err != nil {
			return err
		}
		if _, err := moved.Halo(); err != nil {
			return err
		}
		// degrees survive the move
		for i := 0; i < newDist.LocalN(); i++ {
			gid := newDist.Local2Global(i)
			wantDeg := 2
			if gid == 0 || gid == n-1 {
				wantDeg = 1
			}
			if moved.Adj.Degree(i) != wantDeg {
				return fmt.Errorf("row %d has degree %d after redistribution", gid, moved.Adj.Degree(i))
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestRedistributeFloatsRoundTrip(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		const n = 8
		blockDist := NewBlockDistribution(n, c)
		var owned []int64
		for i := int64(0); i < n; i++ {
			if int(i%2) == c.Rank() {
				owned = append(owned, i)
			}
		}
		cyclicDist, err := NewGeneralDistribution(n, owned, c)
		if err != nil {
			return err
		}
		data := make([]float64, blockDist.LocalN()*2)
		for i := 0; i < blockDist.LocalN(); i++ {
			gid := blockDist.Local2Global(i)
			data[i*2] = float64(gid)
			data[i*2+1] = float64(gid) * 10
		}
		moved, err := RedistributeFloats(c, blockDist, cyclicDist, data, 2)
		if err != nil {
			return err
		}
		back, err := RedistributeFloats(c, cyclicDist, blockDist, moved, 2)
		if err != nil {
			return err
		}
		for i := range data {
			if back[i] != data[i] {
				return fmt.Errorf("round trip mismatch at %d: %v vs %v", i, back[i], data[i])
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestPEGraphCountsCrossEdges(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		const n = 6
		dist := NewBlockDistribution(n, c)
		dg, err := NewDistGraph(dist, CSRFromEdges(dist, pathEdges(n), nil))
		if err != nil {
			return err
		}
		pe, err := dg.PEGraph(c)
		if err != nil {
			return err
		}
		// only the edge 2-3 crosses the rank boundary
		if pe[0][1] != 1 || pe[1][0] != 1 {
			return fmt.Errorf("pe graph wrong: %v", pe)
		}
		if pe[0][0] != 0 || pe[1][1] != 0 {
			return fmt.Errorf("pe graph diagonal must be zero: %v", pe)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestValidateRejectsBadGraphs(t *testing.T) {
	c := comm.Single()
	dist := NewBlockDistribution(3, c)

	tests := []struct {
		name string
		adj  CSR
	}{
		{"self loop", CSR{RowPtr: []int{0, 1, 1, 1}, Cols: []int64{0}}},
		{"duplicate edge", CSR{RowPtr: []int{0, 2, 3, 3}, Cols: []int64{1, 1, 0}}},
		{"out of range", CSR{RowPtr: []int{0, 1, 1, 1}, Cols: []int64{7}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDistGraph(dist, tt.adj)
			if err == nil {
				t.Fatal("expected error")
			}
			if settings.KindOf(err) != settings.InconsistentInput && settings.KindOf(err) != settings.WrongDistribution {
				t.Fatalf("unexpected error kind: %v", err)
			}
		})
	}
}

func TestCheckConsistencyFindsAsymmetry(t *testing.T) {
	c := comm.Single()
	dist := NewBlockDistribution(3, c)
	// edge 0->1 without 1->0
	adj := CSR{RowPtr: []int{0, 1, 1, 1}, Cols: []int64{1}}
	dg, err := NewDistGraph(dist, adj)
	if err != nil {
		t.Fatal(err)
	}
	if err := dg.CheckConsistency(c); err == nil {
		t.Fatal("expected asymmetry to be detected")
	}
}

func TestPointsMinMax(t *testing.T) {
	p := &Points{Data: []float64{0, 0, 2, 3, -1, 5}, Dim: 2}
	min, max := p.LocalMinMax()
	if min[0] != -1 || min[1] != 0 || max[0] != 2 || max[1] != 5 {
		t.Fatalf("min %v max %v", min, max)
	}
}
