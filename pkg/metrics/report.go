package metrics

import (
	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
)

// Report aggregates the partition quality measures and run statistics the
// driver returns alongside the partition.
type Report struct {
	Cut             float64   `json:"cut"`
	Imbalances      []float64 `json:"imbalances"`
	CommVolumeTotal int       `json:"comm_volume_total"`
	CommVolumeMax   int       `json:"comm_volume_max"`
	BorderNodes     []int     `json:"border_nodes"`
	InnerNodes      []int     `json:"inner_nodes"`
	MaxBlockDegree  int       `json:"max_block_degree"`
	MaxVertexDegree int       `json:"max_vertex_degree"`

	// Converged is false when an iteration cap stopped an algorithm
	// before the balance target was met. Not fatal.
	Converged bool `json:"converged"`

	// NumBalanceIter records the inner balance-loop iteration counts of
	// each k-means assignment round.
	NumBalanceIter []int `json:"num_balance_iter,omitempty"`

	// Timings in seconds, keyed by phase.
	Timings map[string]float64 `json:"timings,omitempty"`
}

// NewReport returns an empty report with the convergence flag set; the
// algorithms clear it when they hit an iteration cap.
func NewReport() *Report {
	return &Report{Converged: true, Timings: map[string]float64{}}
}

// AddTime accumulates a phase timing.
func (r *Report) AddTime(phase string, seconds float64) {
	r.Timings[phase] += seconds
}

// Gather fills the quality measures of the report for a final partition.
// Collective.
func (r *Report) Gather(c *comm.Comm, g *graph.DistGraph, part []int, weights [][]float64, targets [][]float64, k int) error {
	cut, err := Cut(c, g, part, g.Adj.EdgeWeights == nil)
	if err != nil {
		return err
	}
	r.Cut = cut

	r.Imbalances = make([]float64, len(weights))
	for w := range weights {
		var target []float64
		if targets != nil {
			target = targets[w]
		}
		imba, err := Imbalance(c, part, k, weights[w], target)
		if err != nil {
			return err
		}
		r.Imbalances[w] = imba
	}

	border, inner, err := BorderInnerNodes(c, g, part, k)
	if err != nil {
		return err
	}
	r.BorderNodes = border
	r.InnerNodes = inner

	volume, err := CommVolume(c, g, part, k)
	if err != nil {
		return err
	}
	r.CommVolumeTotal = 0
	r.CommVolumeMax = 0
	for _, v := range volume {
		r.CommVolumeTotal += v
		if v > r.CommVolumeMax {
			r.CommVolumeMax = v
		}
	}

	blockGraph, err := BlockGraph(c, g, part, k)
	if err != nil {
		return err
	}
	r.MaxBlockDegree = MaxBlockGraphDegree(blockGraph)

	maxDeg, err := g.MaxDegree(c)
	if err != nil {
		return err
	}
	r.MaxVertexDegree = maxDeg
	return nil
}
