package graph

import (
	"github.com/kit-parco/geographer/pkg/settings"
)

// CSR stores the locally owned rows of the adjacency matrix. Column ids
// are global; EdgeWeights is nil for unweighted graphs.
type CSR struct {
	RowPtr      []int
	Cols        []int64
	EdgeWeights []float64
}

// LocalRows returns the number of locally stored rows.
func (m *CSR) LocalRows() int {
	if len(m.RowPtr) == 0 {
		return 0
	}
	return len(m.RowPtr) - 1
}

// Degree returns the number of neighbours of local row i.
func (m *CSR) Degree(i int) int {
	return m.RowPtr[i+1] - m.RowPtr[i]
}

// Row returns the neighbour ids of local row i.
func (m *CSR) Row(i int) []int64 {
	return m.Cols[m.RowPtr[i]:m.RowPtr[i+1]]
}

// RowWeights returns the edge weights of local row i, or nil for an
// unweighted graph.
func (m *CSR) RowWeights(i int) []float64 {
	if m.EdgeWeights == nil {
		return nil
	}
	return m.EdgeWeights[m.RowPtr[i]:m.RowPtr[i+1]]
}

// EdgeWeight returns the weight of the e-th stored edge, 1 when the graph
// is unweighted.
func (m *CSR) EdgeWeight(e int) float64 {
	if m.EdgeWeights == nil {
		return 1
	}
	return m.EdgeWeights[e]
}

// NumLocalEdges returns the number of locally stored directed edges.
func (m *CSR) NumLocalEdges() int { return len(m.Cols) }

// validateLocal checks the row-local invariants: indices in range, no
// self-loops, no duplicate columns within a row.
func (m *CSR) validateLocal(d *Distribution) error {
	if m.LocalRows() != d.LocalN() {
		return settings.NewError(settings.WrongDistribution,
			"CSR has %d rows but distribution owns %d", m.LocalRows(), d.LocalN())
	}
	if m.EdgeWeights != nil && len(m.EdgeWeights) != len(m.Cols) {
		return settings.NewError(settings.InconsistentInput,
			"edge weight array has %d entries for %d edges", len(m.EdgeWeights), len(m.Cols))
	}
	n := d.GlobalN()
	for i := 0; i < m.LocalRows(); i++ {
		gid := d.Local2Global(i)
		seen := make(map[int64]bool, m.Degree(i))
		for _, j := range m.Row(i) {
			if j < 0 || j >= n {
				return settings.NewError(settings.InconsistentInput, "neighbour %d of row %d out of range", j, gid)
			}
			if j == gid {
				return settings.NewError(settings.InconsistentInput, "self-loop at row %d", gid)
			}
			if seen[j] {
				return settings.NewError(settings.InconsistentInput, "duplicate edge (%d,%d)", gid, j)
			}
			seen[j] = true
		}
	}
	return nil
}
