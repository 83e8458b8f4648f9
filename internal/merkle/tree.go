// Package merkle builds commitment trees over milestone payout leaves and
// derives inclusion proofs against them.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
)

// Leaf is one (sub-task id, payout amount) pair in the committed set.
type Leaf struct {
	ID     string
	Amount int64
}

// LeafHasher abstracts the hash function so it can be swapped per deployment
// and faked in tests.
type LeafHasher interface {
	// HashLeaf hashes a single leaf.
	HashLeaf(leaf Leaf) []byte
	// HashPair hashes an ordered (left, right) node pair.
	HashPair(left, right []byte) []byte
}

// SHA256Hasher is the default LeafHasher.
type SHA256Hasher struct{}

// HashLeaf returns SHA-256(id || ':' || amount).
func (SHA256Hasher) HashLeaf(leaf Leaf) []byte {
	h := sha256.New()
	h.Write([]byte(leaf.ID))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.FormatInt(leaf.Amount, 10)))
	return h.Sum(nil)
}

// HashPair returns SHA-256(left || right).
func (SHA256Hasher) HashPair(left, right []byte) []byte {
	h := sha256.New()
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// Tree is a balanced binary commitment tree over a fixed, id-sorted leaf
// set. Construction is pure and the tree is immutable once built.
type Tree struct {
	hasher LeafHasher
	leaves []Leaf
	index  map[string]int // leaf id -> position in sorted order
	levels [][][]byte     // levels[0] = leaf hashes, last level = root
}

// Build constructs a tree over the given leaves. Leaves are sorted by id
// before hashing so the same set always yields the same root regardless of
// insertion order. An odd trailing node at any level is paired with itself
// rather than promoted, keeping the tree balanced.
func Build(leaves []Leaf, hasher LeafHasher) (*Tree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle: at least one leaf required")
	}
	if hasher == nil {
		hasher = SHA256Hasher{}
	}

	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	index := make(map[string]int, len(sorted))
	level := make([][]byte, len(sorted))
	for i, leaf := range sorted {
		if _, dup := index[leaf.ID]; dup {
			return nil, fmt.Errorf("merkle: duplicate leaf id %q", leaf.ID)
		}
		index[leaf.ID] = i
		level[i] = hasher.HashLeaf(leaf)
	}

	levels := [][][]byte{level}
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left // duplicate-leaf padding for an odd tail
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hasher.HashPair(left, right))
		}
		levels = append(levels, next)
		level = next
	}

	return &Tree{hasher: hasher, leaves: sorted, index: index, levels: levels}, nil
}

// Root returns the root hash.
func (t *Tree) Root() []byte {
	root := t.levels[len(t.levels)-1][0]
	out := make([]byte, len(root))
	copy(out, root)
	return out
}

// RootHex returns the hex-encoded root hash.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.Root())
}

// Leaves returns the id-sorted leaf set the tree commits to.
func (t *Tree) Leaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Depth returns the number of hashing levels above the leaves.
func (t *Tree) Depth() int {
	return len(t.levels) - 1
}
