// Package fileio reads and writes the on-disk formats the driver
// accepts: METIS-style adjacency, plain and binary coordinates,
// partition vectors and per-block target sizes. Every rank parses the
// input and keeps its own rows; writers gather to rank 0.
package fileio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/kit-parco/geographer/pkg/comm"
	"github.com/kit-parco/geographer/pkg/graph"
	"github.com/kit-parco/geographer/pkg/settings"
)

// ReadMetisGraph reads a METIS adjacency file into a block-distributed
// graph. The optional fmt field enables vertex weights (10) and edge
// weights (1); vertex weights are returned per weight index.
func ReadMetisGraph(path string, c *comm.Comm) (*graph.DistGraph, [][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot open graph file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	header, err := nextDataLine(scanner)
	if err != nil {
		return nil, nil, settings.WrapError(settings.InconsistentInput, err, "graph file %s has no header", path)
	}
	fields := strings.Fields(header)
	if len(fields) < 2 {
		return nil, nil, settings.NewError(settings.InconsistentInput, "graph header %q needs at least n and m", header)
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return nil, nil, settings.WrapError(settings.InconsistentInput, err, "bad vertex count in %s", path)
	}
	m, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, nil, settings.WrapError(settings.InconsistentInput, err, "bad edge count in %s", path)
	}

	hasVertexWeights := false
	hasEdgeWeights := false
	numWeights := 0
	if len(fields) >= 3 {
		fmtField := fields[2]
		hasEdgeWeights = strings.HasSuffix(fmtField, "1")
		hasVertexWeights = len(fmtField) >= 2 && fmtField[len(fmtField)-2] == '1'
	}
	if hasVertexWeights {
		numWeights = 1
		if len(fields) >= 4 {
			if ncon, err := strconv.Atoi(fields[3]); err == nil {
				numWeights = ncon
			}
		}
	}

	dist := graph.NewBlockDistribution(n, c)
	adj := graph.CSR{RowPtr: make([]int, dist.LocalN()+1)}
	if hasEdgeWeights {
		adj.EdgeWeights = []float64{}
	}
	weights := make([][]float64, numWeights)
	for w := range weights {
		weights[w] = make([]float64, dist.LocalN())
	}

	countedEdges := int64(0)
	for v := int64(0); v < n; v++ {
		// a blank vertex line is an isolated vertex, so only comment
		// lines are skipped here
		line, found := "", false
		for scanner.Scan() {
			line = strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "%") && !strings.HasPrefix(line, "#") {
				found = true
				break
			}
		}
		if !found {
			return nil, nil, settings.NewError(settings.InconsistentInput, "graph file %s ends after %d of %d vertex lines", path, v, n)
		}
		tokens := strings.Fields(line)
		li := dist.Global2Local(v)
		pos := 0
		for w := 0; w < numWeights; w++ {
			if pos >= len(tokens) {
				return nil, nil, settings.NewError(settings.InconsistentInput, "vertex %d is missing weight %d", v, w)
			}
			value, err := strconv.ParseFloat(tokens[pos], 64)
			if err != nil {
				return nil, nil, settings.WrapError(settings.InconsistentInput, err, "bad weight of vertex %d", v)
			}
			if li >= 0 {
				weights[w][li] = value
			}
			pos++
		}
		for pos < len(tokens) {
			neighbour, err := strconv.ParseInt(tokens[pos], 10, 64)
			if err != nil {
				return nil, nil, settings.WrapError(settings.InconsistentInput, err, "bad neighbour of vertex %d", v)
			}
			pos++
			edgeWeight := 1.0
			if hasEdgeWeights {
				if pos >= len(tokens) {
					return nil, nil, settings.NewError(settings.InconsistentInput, "vertex %d is missing an edge weight", v)
				}
				if edgeWeight, err = strconv.ParseFloat(tokens[pos], 64); err != nil {
					return nil, nil, settings.WrapError(settings.InconsistentInput, err, "bad edge weight of vertex %d", v)
				}
				pos++
			}
			countedEdges++
			if li >= 0 {
				adj.Cols = append(adj.Cols, neighbour-1) // METIS is 1-indexed
				if hasEdgeWeights {
					adj.EdgeWeights = append(adj.EdgeWeights, edgeWeight)
				}
			}
		}
		if li >= 0 {
			adj.RowPtr[li+1] = len(adj.Cols)
		}
	}
	if countedEdges != 2*m {
		return nil, nil, settings.NewError(settings.InconsistentInput,
			"graph file %s lists %d directed edges for m=%d", path, countedEdges, m)
	}

	dg, err := graph.NewDistGraph(dist, adj)
	if err != nil {
		return nil, nil, err
	}
	if len(weights) == 0 {
		return dg, nil, nil
	}
	return dg, weights, nil
}

// WriteMetisGraph gathers the graph to rank 0 and writes it in METIS
// format. Collective.
func WriteMetisGraph(path string, g *graph.DistGraph, weights [][]float64, c *comm.Comm) error {
	// serialize local rows as [gid, deg, cols...]
	var rows []int64
	for i := 0; i < g.Adj.LocalRows(); i++ {
		row := g.Adj.Row(i)
		rows = append(rows, g.Dist.Local2Global(i), int64(len(row)))
		rows = append(rows, row...)
	}
	allRows, err := c.AllGatherInt64s(rows)
	if err != nil {
		return err
	}
	var localWeightData []float64
	numWeights := len(weights)
	for i := 0; i < g.Adj.LocalRows(); i++ {
		for w := 0; w < numWeights; w++ {
			localWeightData = append(localWeightData, weights[w][i])
		}
	}
	var localEdgeWeights []float64
	weighted := g.Adj.EdgeWeights != nil
	if weighted {
		for i := 0; i < g.Adj.LocalRows(); i++ {
			localEdgeWeights = append(localEdgeWeights, g.Adj.RowWeights(i)...)
		}
	}
	allWeights, err := c.AllGatherFloats(localWeightData)
	if err != nil {
		return err
	}
	allEdgeWeights, err := c.AllGatherFloats(localEdgeWeights)
	if err != nil {
		return err
	}
	if !c.IsRoot() {
		return nil
	}

	n := g.Dist.GlobalN()
	type rowData struct {
		cols    []int64
		weights []float64
		edgeWs  []float64
	}
	table := make([]rowData, n)
	edges := int64(0)
	for r := range allRows {
		payload := allRows[r]
		wpos, epos := 0, 0
		for pos := 0; pos < len(payload); {
			gid := payload[pos]
			deg := int(payload[pos+1])
			pos += 2
			rd := rowData{cols: payload[pos : pos+deg]}
			pos += deg
			rd.weights = allWeights[r][wpos : wpos+numWeights]
			wpos += numWeights
			if weighted {
				rd.edgeWs = allEdgeWeights[r][epos : epos+deg]
				epos += deg
			}
			table[gid] = rd
			edges += int64(deg)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return settings.WrapError(settings.InvalidConfiguration, err, "cannot create %s", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	fmtField := ""
	switch {
	case numWeights > 0 && weighted:
		fmtField = " 11"
	case numWeights > 0:
		fmtField = " 10"
	case weighted:
		fmtField = " 1"
	}
	if numWeights > 1 {
		fmtField += fmt.Sprintf(" %d", numWeights)
	}
	fmt.Fprintf(w, "%d %d%s\n", n, edges/2, fmtField)
	for gid := int64(0); gid < n; gid++ {
		rd := table[gid]
		sep := ""
		for _, wt := range rd.weights {
			fmt.Fprintf(w, "%s%g", sep, wt)
			sep = " "
		}
		for e, col := range rd.cols {
			fmt.Fprintf(w, "%s%d", sep, col+1)
			sep = " "
			if weighted {
				fmt.Fprintf(w, " %g", rd.edgeWs[e])
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}

// ReadCoords reads whitespace-separated coordinates, one point per line,
// keeping only the locally owned rows.
func ReadCoords(path string, dist *graph.Distribution, dim int) (*graph.Points, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot open coordinate file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	data := make([]float64, dist.LocalN()*dim)
	for v := int64(0); v < dist.GlobalN(); v++ {
		line, err := nextDataLine(scanner)
		if err != nil {
			return nil, settings.NewError(settings.InconsistentInput,
				"coordinate file %s has %d of %d points", path, v, dist.GlobalN())
		}
		li := dist.Global2Local(v)
		if li < 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < dim {
			return nil, settings.NewError(settings.InconsistentInput,
				"point %d has %d of %d coordinates", v, len(fields), dim)
		}
		for d := 0; d < dim; d++ {
			if data[li*dim+d], err = strconv.ParseFloat(fields[d], 64); err != nil {
				return nil, settings.WrapError(settings.InconsistentInput, err, "bad coordinate of point %d", v)
			}
		}
	}
	return &graph.Points{Data: data, Dim: dim}, nil
}

// ReadBinaryCoords reads little-endian float64 coordinates, dim values
// per point.
func ReadBinaryCoords(path string, dist *graph.Distribution, dim int) (*graph.Points, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot read coordinate file %s", path)
	}
	want := int(dist.GlobalN()) * dim * 8
	if len(raw) != want {
		return nil, settings.NewError(settings.InconsistentInput,
			"binary coordinate file %s has %d bytes, expected %d", path, len(raw), want)
	}
	data := make([]float64, dist.LocalN()*dim)
	for i := 0; i < dist.LocalN(); i++ {
		gid := dist.Local2Global(i)
		for d := 0; d < dim; d++ {
			offset := (int(gid)*dim + d) * 8
			bits := binary.LittleEndian.Uint64(raw[offset : offset+8])
			data[i*dim+d] = math.Float64frombits(bits)
		}
	}
	return &graph.Points{Data: data, Dim: dim}, nil
}

// ReadNodeWeights reads per-vertex weights from a standalone file: one
// line per vertex, numWeights values each. Returned per weight index,
// local rows only. Weights given this way take precedence over weights
// embedded in the graph file.
func ReadNodeWeights(path string, dist *graph.Distribution, numWeights int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot open weights file %s", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	out := make([][]float64, numWeights)
	for w := range out {
		out[w] = make([]float64, dist.LocalN())
	}
	for v := int64(0); v < dist.GlobalN(); v++ {
		line, err := nextDataLine(scanner)
		if err != nil {
			return nil, settings.NewError(settings.InconsistentInput,
				"weights file %s has %d of %d vertex lines", path, v, dist.GlobalN())
		}
		fields := strings.Fields(line)
		if len(fields) < numWeights {
			return nil, settings.NewError(settings.InconsistentInput,
				"vertex %d has %d of %d weights", v, len(fields), numWeights)
		}
		li := dist.Global2Local(v)
		for w := 0; w < numWeights; w++ {
			value, err := strconv.ParseFloat(fields[w], 64)
			if err != nil {
				return nil, settings.WrapError(settings.InconsistentInput, err, "bad weight of vertex %d", v)
			}
			if value < 0 {
				return nil, settings.NewError(settings.InconsistentInput, "negative weight %g of vertex %d", value, v)
			}
			if li >= 0 {
				out[w][li] = value
			}
		}
	}
	return out, nil
}

// ReadPartition reads one block id per line, keeping the local rows.
func ReadPartition(path string, dist *graph.Distribution) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot open partition file %s", path)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	part := make([]int, dist.LocalN())
	for v := int64(0); v < dist.GlobalN(); v++ {
		line, err := nextDataLine(scanner)
		if err != nil {
			return nil, settings.NewError(settings.InconsistentInput,
				"partition file %s has %d of %d entries", path, v, dist.GlobalN())
		}
		block, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return nil, settings.WrapError(settings.InconsistentInput, err, "bad block id on line %d", v+1)
		}
		if li := dist.Global2Local(v); li >= 0 {
			part[li] = block
		}
	}
	return part, nil
}

// WritePartition gathers the partition to rank 0 and writes one block id
// per line in global order. Collective.
func WritePartition(path string, part []int, dist *graph.Distribution, c *comm.Comm) error {
	allGids, err := c.AllGatherInt64s(dist.OwnedIndices())
	if err != nil {
		return err
	}
	allParts, err := c.AllGatherInts(part)
	if err != nil {
		return err
	}
	if !c.IsRoot() {
		return nil
	}
	full := make([]int, dist.GlobalN())
	for r := range allGids {
		for i, gid := range allGids[r] {
			full[gid] = allParts[r][i]
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return settings.WrapError(settings.InvalidConfiguration, err, "cannot create %s", path)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()
	for _, b := range full {
		fmt.Fprintln(w, b)
	}
	return nil
}

// ReadBlockSizes reads target block weights: one line per weight, k
// values each.
func ReadBlockSizes(path string, numWeights, k int) ([][]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot open block-sizes file %s", path)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	out := make([][]float64, numWeights)
	for w := 0; w < numWeights; w++ {
		line, err := nextDataLine(scanner)
		if err != nil {
			return nil, settings.NewError(settings.InconsistentInput,
				"block-sizes file %s has %d of %d weight rows", path, w, numWeights)
		}
		fields := strings.Fields(line)
		if len(fields) != k {
			return nil, settings.NewError(settings.InconsistentInput,
				"weight row %d has %d of %d block sizes", w, len(fields), k)
		}
		out[w] = make([]float64, k)
		for b, field := range fields {
			if out[w][b], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, settings.WrapError(settings.InconsistentInput, err, "bad block size in row %d", w)
			}
		}
	}
	return out, nil
}

// ReadMatrixMarket reads a symmetric pattern MatrixMarket file as an
// unweighted graph, dropping the diagonal.
func ReadMatrixMarket(path string, c *comm.Comm) (*graph.DistGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot open matrix file %s", path)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if !scanner.Scan() || !strings.HasPrefix(scanner.Text(), "%%MatrixMarket") {
		return nil, settings.NewError(settings.InconsistentInput, "%s is not a MatrixMarket file", path)
	}
	header, err := nextDataLine(scanner)
	if err != nil {
		return nil, settings.WrapError(settings.InconsistentInput, err, "matrix file %s has no size line", path)
	}
	fields := strings.Fields(header)
	if len(fields) < 3 {
		return nil, settings.NewError(settings.InconsistentInput, "bad size line %q", header)
	}
	rows, _ := strconv.ParseInt(fields[0], 10, 64)
	cols, _ := strconv.ParseInt(fields[1], 10, 64)
	if rows != cols {
		return nil, settings.NewError(settings.InconsistentInput, "matrix is %dx%d, expected square", rows, cols)
	}
	var edges [][2]int64
	for {
		line, err := nextDataLine(scanner)
		if err != nil {
			break
		}
		f := strings.Fields(line)
		if len(f) < 2 {
			continue
		}
		a, _ := strconv.ParseInt(f[0], 10, 64)
		b, _ := strconv.ParseInt(f[1], 10, 64)
		if a == b {
			continue
		}
		edges = append(edges, [2]int64{a - 1, b - 1})
	}
	dist := graph.NewBlockDistribution(rows, c)
	return graph.NewDistGraph(dist, graph.CSRFromEdges(dist, edges, nil))
}

func nextDataLine(scanner *bufio.Scanner) (string, error) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "%") || strings.HasPrefix(line, "#") {
			continue
		}
		return line, nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("unexpected end of file")
}
