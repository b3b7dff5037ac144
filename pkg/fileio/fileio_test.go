package fileio

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadMetisGraph(t *testing.T) {
	// a 4-cycle: 0-1-2-3-0
	path := writeFile(t, "cycle.graph", "4 4\n2 4\n1 3\n2 4\n3 1\n")
	c := comm.Single()
	g, weights, err := ReadMetisGraph(path, c)
	require.NoError(t, err)
	assert.Nil(t, weights)
	assert.EqualValues(t, 4, g.Dist.GlobalN())
	for i := 0; i < 4; i++ {
		assert.Equal(t, 2, g.Adj.Degree(i), "vertex %d", i)
	}
	assert.Equal(t, []int64{1, 3}, g.Adj.Row(0))
}

func TestReadMetisGraphWithWeights(t *testing.T) {
	// fmt 11: vertex weights and edge weights; 2 vertices, 1 edge
	path := writeFile(t, "weighted.graph", "2 1 11\n5 2 3\n7 1 3\n")
	c := comm.Single()
	g, weights, err := ReadMetisGraph(path, c)
	require.NoError(t, err)
	require.Len(t, weights, 1)
	assert.Equal(t, []float64{5, 7}, weights[0])
	assert.Equal(t, 3.0, g.Adj.EdgeWeight(0))
}

func TestReadMetisGraphRejectsBadEdgeCount(t *testing.T) {
	path := writeFile(t, "bad.graph", "2 3\n2\n1\n")
	_, _, err := ReadMetisGraph(path, comm.Single())
	require.Error(t, err)
}

func TestMetisRoundTripPreservesDegrees(t *testing.T) {
	for _, ranks := range []int{1, 2} {
		t.Run(fmt.Sprintf("ranks=%d", ranks), func(t *testing.T) {
			original := writeFile(t, "grid.graph", "6 7\n2 4\n1 3 5\n2 6\n1 5\n2 4 6\n3 5\n")
			grp, _ := comm.NewGroup(ranks)
			err := grp.Run(context.Background(), func(c *comm.Comm) error {
				g, _, err := ReadMetisGraph(original, c)
				if err != nil {
					return err
				}
				copyPath := filepath.Join(filepath.Dir(original), fmt.Sprintf("copy-%d.graph", c.Size()))
				if err := WriteMetisGraph(copyPath, g, nil, c); err != nil {
					return err
				}
				if err := c.Barrier(); err != nil {
					return err
				}
				back, _, err := ReadMetisGraph(copyPath, c)
				if err != nil {
					return err
				}
				for i := 0; i < g.Adj.LocalRows(); i++ {
					if g.Adj.Degree(i) != back.Adj.Degree(i) {
						return fmt.Errorf("degree of row %d changed: %d -> %d", i, g.Adj.Degree(i), back.Adj.Degree(i))
					}
				}
				return nil
			})
			require.NoError(t, err)
		})
	}
}

func TestReadCoords(t *testing.T) {
	path := writeFile(t, "coords.txt", "0.0 0.0\n1.5 2.5\n3.0 4.0\n")
	c := comm.Single()
	dist := graph.NewBlockDistribution(3, c)
	pts, err := ReadCoords(path, dist, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, pts.N())
	assert.Equal(t, []float64{1.5, 2.5}, pts.At(1))
}

func TestReadCoordsTooShort(t *testing.T) {
	path := writeFile(t, "coords.txt", "0.0 0.0\n")
	dist := graph.NewBlockDistribution(3, comm.Single())
	_, err := ReadCoords(path, dist, 2)
	require.Error(t, err)
}

func TestReadBinaryCoords(t *testing.T) {
	values := []float64{0, 1, 2.5, -3, 4, 5}
	raw := make([]byte, len(values)*8)
	for i, v := range values {
		binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
	}
	path := filepath.Join(t.TempDir(), "coords.bin")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	dist := graph.NewBlockDistribution(3, comm.Single())
	pts, err := ReadBinaryCoords(path, dist, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, -3}, pts.At(1))
}

func TestPartitionRoundTrip(t *testing.T) {
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		dist := graph.NewBlockDistribution(6, c)
		part := make([]int, dist.LocalN())
		for i := range part {
			part[i] = int(dist.Local2Global(i) % 3)
		}
		dir := os.TempDir()
		path := filepath.Join(dir, fmt.Sprintf("geographer-part-test-%d.txt", os.Getpid()))
		if err := WritePartition(path, part, dist, c); err != nil {
			return err
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		back, err := ReadPartition(path, dist)
		if err != nil {
			return err
		}
		for i := range part {
			if back[i] != part[i] {
				return fmt.Errorf("partition entry %d changed: %d -> %d", i, part[i], back[i])
			}
		}
		if err := c.Barrier(); err != nil {
			return err
		}
		if c.IsRoot() {
			os.Remove(path)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadNodeWeights(t *testing.T) {
	path := writeFile(t, "weights.txt", "1 10\n1 1\n1 10\n1 1\n")
	grp, _ := comm.NewGroup(2)
	err := grp.Run(context.Background(), func(c *comm.Comm) error {
		dist := graph.NewBlockDistribution(4, c)
		weights, err := ReadNodeWeights(path, dist, 2)
		if err != nil {
			return err
		}
		if len(weights) != 2 {
			return fmt.Errorf("got %d weight vectors", len(weights))
		}
		for i := 0; i < dist.LocalN(); i++ {
			gid := dist.Local2Global(i)
			if weights[0][i] != 1 {
				return fmt.Errorf("vertex %d weight 0 is %v", gid, weights[0][i])
			}
			want := 1.0
			if gid%2 == 0 {
				want = 10
			}
			if weights[1][i] != want {
				return fmt.Errorf("vertex %d weight 1 is %v, want %v", gid, weights[1][i], want)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestReadNodeWeightsRejectsBadFiles(t *testing.T) {
	dist := graph.NewBlockDistribution(3, comm.Single())

	short := writeFile(t, "short.txt", "1\n1\n")
	_, err := ReadNodeWeights(short, dist, 1)
	require.Error(t, err)

	negative := writeFile(t, "negative.txt", "1\n-2\n1\n")
	_, err = ReadNodeWeights(negative, dist, 1)
	require.Error(t, err)

	missing := writeFile(t, "missing.txt", "1 2\n1\n1 2\n")
	_, err = ReadNodeWeights(missing, dist, 2)
	require.Error(t, err)
}

func TestReadBlockSizes(t *testing.T) {
	path := writeFile(t, "sizes.txt", "10 20 30\n1 1 1\n")
	sizes, err := ReadBlockSizes(path, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 20, 30}, sizes[0])
	assert.Equal(t, []float64{1, 1, 1}, sizes[1])

	_, err = ReadBlockSizes(path, 3, 3)
	require.Error(t, err)
}

func TestReadMatrixMarket(t *testing.T) {
	content := "%%MatrixMarket matrix coordinate pattern symmetric\n3 3 3\n1 2\n2 3\n1 1\n"
	path := writeFile(t, "m.mtx", content)
	g, err := ReadMatrixMarket(path, comm.Single())
	require.NoError(t, err)
	assert.EqualValues(t, 3, g.Dist.GlobalN())
	// the diagonal entry is dropped; edges are symmetrized
	assert.Equal(t, 1, g.Adj.Degree(0))
	assert.Equal(t, 2, g.Adj.Degree(1))
}
