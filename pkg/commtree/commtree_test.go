package commtree

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFlatTree(t *testing.T) {
	tree := NewFlat(4, 1)
	if tree.NumLevels() != 2 {
		t.Fatalf("flat tree has %d levels, want 2", tree.NumLevels())
	}
	if tree.NumLeaves() != 4 {
		t.Fatalf("flat tree has %d leaves, want 4", tree.NumLeaves())
	}
	grouping := tree.Grouping(0)
	if len(grouping) != 1 || grouping[0] != 4 {
		t.Fatalf("grouping = %v, want [4]", grouping)
	}
	// root capacity is the sum of the leaves
	if tree.Nodes[tree.Root()].Weights[0] != 4 {
		t.Fatalf("root capacity = %v, want 4", tree.Nodes[tree.Root()].Weights[0])
	}
}

func TestHomogeneousTreeShape(t *testing.T) {
	tree := NewHomogeneous([]int{3, 4, 10}, 1)
	if tree.NumLeaves() != 120 {
		t.Fatalf("leaves = %d, want 120", tree.NumLeaves())
	}
	if tree.NumLevels() != 4 {
		t.Fatalf("levels = %d, want 4", tree.NumLevels())
	}
	if got := len(tree.Level(1)); got != 3 {
		t.Fatalf("level 1 size = %d, want 3", got)
	}
	if got := len(tree.Level(2)); got != 12 {
		t.Fatalf("level 2 size = %d, want 12", got)
	}
	// leaves have dense ids 0..119 in order
	for i, idx := range tree.Level(3) {
		if tree.Nodes[idx].LeafID != i {
			t.Fatalf("leaf %d has id %d", i, tree.Nodes[idx].LeafID)
		}
	}
	for _, g := range tree.Grouping(2) {
		if g != 10 {
			t.Fatalf("grouping at level 2 contains %d, want 10", g)
		}
	}
}

func TestBalanceVectors(t *testing.T) {
	tree := NewHomogeneous([]int{2, 3}, 2)
	vecs := tree.BalanceVectors(2)
	if len(vecs) != 2 || len(vecs[0]) != 6 {
		t.Fatalf("balance vectors shape wrong: %d x %d", len(vecs), len(vecs[0]))
	}
	leafVecs := tree.BalanceVectors(-1)
	for w := range vecs {
		for i := range vecs[w] {
			if vecs[w][i] != leafVecs[w][i] {
				t.Fatal("level -1 should address the leaf level")
			}
		}
	}
}

func TestAdaptWeights(t *testing.T) {
	tree := NewFlat(4, 1)
	if err := tree.AdaptWeights([]float64{100}); err != nil {
		t.Fatal(err)
	}
	vecs := tree.BalanceVectors(-1)
	for _, w := range vecs[0] {
		if w != 25 {
			t.Fatalf("leaf capacity = %v, want 25", w)
		}
	}
	if tree.Nodes[tree.Root()].Weights[0] != 100 {
		t.Fatalf("root capacity = %v, want 100", tree.Nodes[tree.Root()].Weights[0])
	}
}

func TestLoadYAML(t *testing.T) {
	content := `
numWeights: 1
root:
  children:
    - weights: [2]
      children: []
    - weights: [1]
      children: []
    - weights: [1]
      children: []
`
	// yaml children: [] means leaves
	path := filepath.Join(t.TempDir(), "tree.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	tree, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tree.NumLeaves() != 3 {
		t.Fatalf("leaves = %d, want 3", tree.NumLeaves())
	}
	vecs := tree.BalanceVectors(-1)
	if vecs[0][0] != 2 || vecs[0][1] != 1 || vecs[0][2] != 1 {
		t.Fatalf("leaf capacities = %v", vecs[0])
	}
	if tree.Nodes[tree.Root()].Weights[0] != 4 {
		t.Fatalf("root capacity = %v, want 4", tree.Nodes[tree.Root()].Weights[0])
	}
}

func TestLoadRejectsRaggedTree(t *testing.T) {
	content := `
numWeights: 1
root:
  children:
    - children:
        - children: []
        - children: []
    - children: []
`
	path := filepath.Join(t.TempDir(), "tree.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected ragged tree to be rejected")
	}
}
