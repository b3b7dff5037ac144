// Package commtree models the processor hierarchy driving hierarchical
// partitioning: an ordered tree whose leaves are blocks and whose nodes
// carry per-weight capacities. The tree is stored as flat arrays with
// parent/child index edges; there are no shared handles or cycles.
package commtree

import (
	"os"

	"github.com/kit-parco/geographer/pkg/settings"
	"gopkg.in/yaml.v3"
)

// Node is one tree node. Leaves are blocks; internal nodes aggregate the
// capacities of their children.
type Node struct {
	Parent   int
	Children []int
	// Weights holds the per-weight capacity of this node's subtree.
	Weights []float64
	// LeafID is the dense block id of a leaf, -1 for internal nodes.
	LeafID int
}

// IsLeaf reports whether the node has no children.
func (n *Node) IsLeaf() bool { return len(n.Children) == 0 }

// Tree is the processor tree. Node 0 is the root; levels[h] lists the
// node indices of hierarchy level h in order, level 0 being the root.
type Tree struct {
	Nodes      []Node
	levels     [][]int
	numWeights int
}

// NumLevels returns the number of hierarchy levels including the root.
func (t *Tree) NumLevels() int { return len(t.levels) }

// NumLeaves returns the number of leaves, i.e. blocks.
func (t *Tree) NumLeaves() int { return len(t.levels[len(t.levels)-1]) }

// NumWeights returns the number of capacities per node.
func (t *Tree) NumWeights() int { return t.numWeights }

// Root returns the root node index.
func (t *Tree) Root() int { return 0 }

// Level returns the node indices of hierarchy level h in order.
func (t *Tree) Level(h int) []int { return t.levels[h] }

// Grouping returns, for each node of level h, its number of children:
// how many new blocks each old block splits into at level h+1.
func (t *Tree) Grouping(h int) []int {
	nodes := t.levels[h]
	out := make([]int, len(nodes))
	for i, idx := range nodes {
		out[i] = len(t.Nodes[idx].Children)
	}
	return out
}

// BalanceVectors returns the per-weight capacities of level h, indexed
// [weight][node]. h = -1 addresses the leaf level.
func (t *Tree) BalanceVectors(h int) [][]float64 {
	if h < 0 {
		h = t.NumLevels() - 1
	}
	nodes := t.levels[h]
	out := make([][]float64, t.numWeights)
	for w := range out {
		out[w] = make([]float64, len(nodes))
		for i, idx := range nodes {
			out[w][i] = t.Nodes[idx].Weights[w]
		}
	}
	return out
}

// AdaptWeights rescales all capacities so that, per weight, the leaf sum
// equals the given total point weight. Internal nodes are recomputed as
// the sum of their children.
func (t *Tree) AdaptWeights(totals []float64) error {
	if len(totals) != t.numWeights {
		return settings.NewError(settings.InvalidConfiguration,
			"got %d weight totals for a tree with %d weights", len(totals), t.numWeights)
	}
	leafLevel := t.levels[t.NumLevels()-1]
	for w := 0; w < t.numWeights; w++ {
		leafSum := 0.0
		for _, idx := range leafLevel {
			leafSum += t.Nodes[idx].Weights[w]
		}
		if leafSum <= 0 {
			return settings.NewError(settings.InvalidConfiguration, "leaf capacities of weight %d sum to %g", w, leafSum)
		}
		scale := totals[w] / leafSum
		for _, idx := range leafLevel {
			t.Nodes[idx].Weights[w] *= scale
		}
	}
	// recompute internal capacities bottom-up
	for h := t.NumLevels() - 2; h >= 0; h-- {
		for _, idx := range t.levels[h] {
			node := &t.Nodes[idx]
			for w := 0; w < t.numWeights; w++ {
				sum := 0.0
				for _, ch := range node.Children {
					sum += t.Nodes[ch].Weights[w]
				}
				node.Weights[w] = sum
			}
		}
	}
	return nil
}

// NewFlat builds the identity tree: a root with k equal-capacity leaf
// children. Hierarchical k-means over it is equivalent to flat k-means.
func NewFlat(k, numWeights int) *Tree {
	return NewHomogeneous([]int{k}, numWeights)
}

// NewHomogeneous builds a uniform tree from the branching factors of each
// level: branching[h] children per node at depth h. Leaf capacities are 1
// per weight; call AdaptWeights to match the input.
func NewHomogeneous(branching []int, numWeights int) *Tree {
	t := &Tree{numWeights: numWeights}
	unit := func() []float64 {
		w := make([]float64, numWeights)
		for i := range w {
			w[i] = 1
		}
		return w
	}
	t.Nodes = append(t.Nodes, Node{Parent: -1, LeafID: -1, Weights: unit()})
	current := []int{0}
	t.levels = append(t.levels, current)
	for _, b := range branching {
		var next []int
		for _, parent := range current {
			for c := 0; c < b; c++ {
				idx := len(t.Nodes)
				t.Nodes = append(t.Nodes, Node{Parent: parent, LeafID: -1, Weights: unit()})
				t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
				next = append(next, idx)
			}
		}
		current = next
		t.levels = append(t.levels, current)
	}
	for leafID, idx := range current {
		t.Nodes[idx].LeafID = leafID
	}
	// internal capacities as sums of children
	for h := len(t.levels) - 2; h >= 0; h-- {
		for _, idx := range t.levels[h] {
			node := &t.Nodes[idx]
			for w := 0; w < numWeights; w++ {
				sum := 0.0
				for _, ch := range node.Children {
					sum += t.Nodes[ch].Weights[w]
				}
				node.Weights[w] = sum
			}
		}
	}
	return t
}

// treeFile is the YAML description of a processor tree: nested nodes with
// optional per-weight capacities on the leaves.
type treeFile struct {
	NumWeights int        `yaml:"numWeights"`
	Root       yamlNode   `yaml:"root"`
}

type yamlNode struct {
	Weights  []float64  `yaml:"weights,omitempty"`
	Children []yamlNode `yaml:"children,omitempty"`
}

// Load reads a processor tree from its YAML description.
func Load(path string) (*Tree, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot read commTree file %s", path)
	}
	var tf treeFile
	if err := yaml.Unmarshal(raw, &tf); err != nil {
		return nil, settings.WrapError(settings.InvalidConfiguration, err, "cannot parse commTree file %s", path)
	}
	if tf.NumWeights < 1 {
		tf.NumWeights = 1
	}
	t := &Tree{numWeights: tf.NumWeights}
	if err := t.addYAML(&tf.Root, -1, 0); err != nil {
		return nil, err
	}
	leafID := 0
	for _, nodes := range t.levels {
		for _, idx := range nodes {
			if t.Nodes[idx].IsLeaf() {
				if len(t.levels)-1 != t.depthOf(idx) {
					return nil, settings.NewError(settings.InconsistentInput,
						"leaf at depth %d in a tree of depth %d: ragged trees are not supported", t.depthOf(idx), len(t.levels)-1)
				}
				t.Nodes[idx].LeafID = leafID
				leafID++
			}
		}
	}
	// internal capacities as sums of children
	for h := len(t.levels) - 2; h >= 0; h-- {
		for _, idx := range t.levels[h] {
			node := &t.Nodes[idx]
			for w := 0; w < t.numWeights; w++ {
				sum := 0.0
				for _, ch := range node.Children {
					sum += t.Nodes[ch].Weights[w]
				}
				node.Weights[w] = sum
			}
		}
	}
	return t, nil
}

func (t *Tree) addYAML(yn *yamlNode, parent, depth int) error {
	idx := len(t.Nodes)
	weights := yn.Weights
	if len(weights) == 0 {
		weights = make([]float64, t.numWeights)
		for i := range weights {
			weights[i] = 1
		}
	}
	if len(weights) != t.numWeights {
		return settings.NewError(settings.InvalidConfiguration,
			"node carries %d weights, tree declares %d", len(weights), t.numWeights)
	}
	t.Nodes = append(t.Nodes, Node{Parent: parent, LeafID: -1, Weights: append([]float64(nil), weights...)})
	if parent >= 0 {
		t.Nodes[parent].Children = append(t.Nodes[parent].Children, idx)
	}
	for len(t.levels) <= depth {
		t.levels = append(t.levels, nil)
	}
	t.levels[depth] = append(t.levels[depth], idx)
	for i := range yn.Children {
		if err := t.addYAML(&yn.Children[i], idx, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) depthOf(idx int) int {
	d := 0
	for t.Nodes[idx].Parent >= 0 {
		idx = t.Nodes[idx].Parent
		d++
	}
	return d
}
