package graph

import "github.com/kit-parco/geographer/pkg/comm"

// Points stores the locally owned coordinates point-major: the i-th local
// point occupies Data[i*Dim : (i+1)*Dim]. Points share the row
// distribution of the graph.
type Points struct {
	Data []float64
	Dim  int
}

// N returns the number of local points.
func (p *Points) N() int {
	if p.Dim == 0 {
		return 0
	}
	return len(p.Data) / p.Dim
}

// At returns a view of the i-th local point.
func (p *Points) At(i int) []float64 {
	return p.Data[i*p.Dim : (i+1)*p.Dim]
}

// LocalMinMax returns the bounding box of the local points.
func (p *Points) LocalMinMax() (min, max []float64) {
	min = make([]float64, p.Dim)
	max = make([]float64, p.Dim)
	if p.N() == 0 {
		return min, max
	}
	copy(min, p.At(0))
	copy(max, p.At(0))
	for i := 1; i < p.N(); i++ {
		pt := p.At(i)
		for d := 0; d < p.Dim; d++ {
			if pt[d] < min[d] {
				min[d] = pt[d]
			}
			if pt[d] > max[d] {
				max[d] = pt[d]
			}
		}
	}
	return min, max
}

// GlobalMinMax reduces the bounding box over all ranks. Collective.
func (p *Points) GlobalMinMax(c *comm.Comm) (min, max []float64, err error) {
	min, max = p.LocalMinMax()
	if p.N() == 0 {
		// empty ranks must not distort the reduction
		for d := 0; d < p.Dim; d++ {
			min[d] = 1e300
			max[d] = -1e300
		}
	}
	if err = c.MinFloats(min); err != nil {
		return nil, nil, err
	}
	if err = c.MaxFloats(max); err != nil {
		return nil, nil, err
	}
	return min, max, nil
}

// CSRFromEdges assembles the local CSR rows from a replicated undirected
// edge list. Each edge {u,v} is stored in both directions; only rows owned
// by dist are kept. Intended for input assembly and tests.
func CSRFromEdges(dist *Distribution, edges [][2]int64, weights []float64) CSR {
	type nb struct {
		col int64
		w   float64
	}
	localN := dist.LocalN()
	adj := make([][]nb, localN)
	add := func(u, v int64, w float64) {
		if li := dist.Global2Local(u); li >= 0 {
			adj[li] = append(adj[li], nb{v, w})
		}
	}
	for e, edge := range edges {
		w := 1.0
		if weights != nil {
			w = weights[e]
		}
		add(edge[0], edge[1], w)
		add(edge[1], edge[0], w)
	}
	out := CSR{RowPtr: make([]int, localN+1)}
	if weights != nil {
		out.EdgeWeights = []float64{}
	}
	for i := 0; i < localN; i++ {
		row := adj[i]
		// deterministic neighbour order
		for a := 1; a < len(row); a++ {
			for b := a; b > 0 && row[b].col < row[b-1].col; b-- {
				row[b], row[b-1] = row[b-1], row[b]
			}
		}
		for _, nbr := range row {
			out.Cols = append(out.Cols, nbr.col)
			if weights != nil {
				out.EdgeWeights = append(out.EdgeWeights, nbr.w)
			}
		}
		out.RowPtr[i+1] = len(out.Cols)
	}
	return out
}
