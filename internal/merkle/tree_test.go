package merkle

import (
	"bytes"
	"fmt"
	"testing"
)

func leaves(n int) []Leaf {
	out := make([]Leaf, n)
	for i := range out {
		out[i] = Leaf{ID: fmt.Sprintf("task-%02d", i), Amount: int64((i + 1) * 10)}
	}
	return out
}

func TestBuildRejectsEmptyAndDuplicate(t *testing.T) {
	if _, err := Build(nil, nil); err == nil {
		t.Fatalf("expected error for empty leaf set")
	}
	dup := []Leaf{{ID: "a", Amount: 1}, {ID: "a", Amount: 2}}
	if _, err := Build(dup, nil); err == nil {
		t.Fatalf("expected error for duplicate leaf id")
	}
}

func TestRoundTripAllLeaves(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		set := leaves(n)
		tree, err := Build(set, nil)
		if err != nil {
			t.Fatalf("build %d leaves: %v", n, err)
		}
		root := tree.Root()
		for _, leaf := range set {
			proof, err := tree.Prove(leaf.ID)
			if err != nil {
				t.Fatalf("prove %s: %v", leaf.ID, err)
			}
			if !Verify(proof, root, leaf, nil) {
				t.Fatalf("%d leaves: proof for %s did not verify", n, leaf.ID)
			}
		}
	}
}

func TestDeterministicRootRegardlessOfOrder(t *testing.T) {
	set := leaves(6)
	reversed := make([]Leaf, len(set))
	for i, leaf := range set {
		reversed[len(set)-1-i] = leaf
	}

	a, err := Build(set, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	b, err := Build(reversed, nil)
	if err != nil {
		t.Fatalf("build reversed: %v", err)
	}
	if !bytes.Equal(a.Root(), b.Root()) {
		t.Fatalf("root depends on insertion order")
	}
}

func TestTamperedAmountInvalidatesProof(t *testing.T) {
	set := leaves(5)
	tree, err := Build(set, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	root := tree.Root()

	for _, leaf := range set {
		proof, err := tree.Prove(leaf.ID)
		if err != nil {
			t.Fatalf("prove: %v", err)
		}
		tampered := Leaf{ID: leaf.ID, Amount: leaf.Amount + 1}
		if Verify(proof, root, tampered, nil) {
			t.Fatalf("tampered amount for %s still verifies", leaf.ID)
		}
	}
}

func TestFourLeafProofShape(t *testing.T) {
	tree, err := Build(leaves(4), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	proof, err := tree.Prove("task-02")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if len(proof.Siblings) != 2 {
		t.Fatalf("4-leaf proof should carry exactly 2 siblings, got %d", len(proof.Siblings))
	}
	if !Verify(proof, tree.Root(), Leaf{ID: "task-02", Amount: 30}, nil) {
		t.Fatalf("proof did not verify against computed root")
	}
}

func TestOddLeafCountSelfPairs(t *testing.T) {
	set := leaves(5)
	tree, err := Build(set, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	// 5 -> 3 -> 2 -> 1: three hashing levels.
	if tree.Depth() != 3 {
		t.Fatalf("expected depth 3 for 5 leaves, got %d", tree.Depth())
	}

	// The final leaf pairs with itself at level 0; its proof must still
	// verify.
	last := set[len(set)-1]
	proof, err := tree.Prove(last.ID)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if !proof.Right[0] || !bytes.Equal(proof.Siblings[0], SHA256Hasher{}.HashLeaf(last)) {
		t.Fatalf("odd tail should be self-paired")
	}
	if !Verify(proof, tree.Root(), last, nil) {
		t.Fatalf("self-paired proof did not verify")
	}
}

func TestSingleLeafTree(t *testing.T) {
	leaf := Leaf{ID: "only", Amount: 42}
	tree, err := Build([]Leaf{leaf}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.Prove("only")
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if len(proof.Siblings) != 0 {
		t.Fatalf("single-leaf proof should be empty")
	}
	if !Verify(proof, tree.Root(), leaf, nil) {
		t.Fatalf("single-leaf proof did not verify")
	}
}

func TestVerifyRejectsWrongRoot(t *testing.T) {
	tree, _ := Build(leaves(4), nil)
	proof, _ := tree.Prove("task-00")
	bogus := make([]byte, 32)
	if Verify(proof, bogus, Leaf{ID: "task-00", Amount: 10}, nil) {
		t.Fatalf("proof verified against a bogus root")
	}
}
