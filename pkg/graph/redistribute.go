package graph

import (
	"sort"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/settings"
)

// RedistributeFloats moves a row-aligned float array (stride values per
// row) from oldDist to newDist. Collective.
func RedistributeFloats(c *comm.Comm, oldDist, newDist *Distribution, data []float64, stride int) ([]float64, error) {
	if err := CheckAligned(oldDist, len(data)/stride, "redistribution source"); err != nil {
		return nil, err
	}
	ids := make(map[int][]int64)
	vals := make(map[int][]float64)
	for i := 0; i < oldDist.LocalN(); i++ {
		gid := oldDist.Local2Global(i)
		owner := newDist.OwnerOf(gid)
		ids[owner] = append(ids[owner], gid)
		vals[owner] = append(vals[owner], data[i*stride:(i+1)*stride]...)
	}
	inIDs, err := c.ExchangeInt64s(ids)
	if err != nil {
		return nil, err
	}
	inVals, err := c.ExchangeFloats(vals)
	if err != nil {
		return nil, err
	}
	out := make([]float64, newDist.LocalN()*stride)
	for peer, gids := range inIDs {
		payload := inVals[peer]
		for i, gid := range gids {
			li := newDist.Global2Local(gid)
			if li < 0 {
				return nil, settings.NewError(settings.WrongDistribution,
					"received row %d not owned under the new distribution", gid)
			}
			copy(out[li*stride:(li+1)*stride], payload[i*stride:(i+1)*stride])
		}
	}
	return out, nil
}

// RedistributeInts moves a row-aligned int array between distributions.
func RedistributeInts(c *comm.Comm, oldDist, newDist *Distribution, data []int) ([]int, error) {
	asFloat := make([]float64, len(data))
	for i, v := range data {
		asFloat[i] = float64(v)
	}
	moved, err := RedistributeFloats(c, oldDist, newDist, asFloat, 1)
	if err != nil {
		return nil, err
	}
	out := make([]int, len(moved))
	for i, v := range moved {
		out[i] = int(v)
	}
	return out, nil
}

// Redistribute moves the graph's rows to a new distribution and returns
// the redistributed graph. The halo of the result is unbuilt; callers
// must BuildHalo before the next halo read.
func (g *DistGraph) Redistribute(c *comm.Comm, newDist *Distribution) (*DistGraph, error) {
	weighted := g.Adj.EdgeWeights != nil

	// rows are packed per target owner as [gid, degree, cols...]
	rows := make(map[int][]int64)
	wts := make(map[int][]float64)
	for i := 0; i < g.Dist.LocalN(); i++ {
		gid := g.Dist.Local2Global(i)
		owner := newDist.OwnerOf(gid)
		row := g.Adj.Row(i)
		rows[owner] = append(rows[owner], gid, int64(len(row)))
		rows[owner] = append(rows[owner], row...)
		if weighted {
			wts[owner] = append(wts[owner], g.Adj.RowWeights(i)...)
		}
	}
	inRows, err := c.ExchangeInt64s(rows)
	if err != nil {
		return nil, err
	}
	var inWts map[int][]float64
	if weighted {
		if inWts, err = c.ExchangeFloats(wts); err != nil {
			return nil, err
		}
	}

	type packedRow struct {
		cols []int64
		wts  []float64
	}
	byGID := make(map[int64]packedRow, newDist.LocalN())
	peers := make([]int, 0, len(inRows))
	for peer := range inRows {
		peers = append(peers, peer)
	}
	sort.Ints(peers)
	for _, peer := range peers {
		payload := inRows[peer]
		var wpayload []float64
		if weighted {
			wpayload = inWts[peer]
		}
		wpos := 0
		for pos := 0; pos < len(payload); {
			gid := payload[pos]
			deg := int(payload[pos+1])
			pos += 2
			pr := packedRow{cols: payload[pos : pos+deg]}
			pos += deg
			if weighted {
				pr.wts = wpayload[wpos : wpos+deg]
				wpos += deg
			}
			byGID[gid] = pr
		}
	}

	adj := CSR{RowPtr: make([]int, newDist.LocalN()+1)}
	if weighted {
		adj.EdgeWeights = []float64{}
	}
	for i := 0; i < newDist.LocalN(); i++ {
		gid := newDist.Local2Global(i)
		pr, ok := byGID[gid]
		if !ok {
			return nil, settings.NewError(settings.WrongDistribution,
				"row %d missing after redistribution", gid)
		}
		adj.Cols = append(adj.Cols, pr.cols...)
		if weighted {
			adj.EdgeWeights = append(adj.EdgeWeights, pr.wts...)
		}
		adj.RowPtr[i+1] = len(adj.Cols)
	}
	return &DistGraph{Dist: newDist, Adj: adj}, nil
}
