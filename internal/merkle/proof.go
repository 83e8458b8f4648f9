package merkle

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Proof is the minimal sibling-hash path proving one leaf's membership. For
// each level, Siblings[i] is the neighbouring node and Right[i] reports
// whether that sibling sits to the right of the running hash.
type Proof struct {
	LeafID   string
	Siblings [][]byte
	Right    []bool
}

// SiblingsHex returns the sibling path hex-encoded, the form carried in
// on-chain call parameters.
func (p Proof) SiblingsHex() []string {
	out := make([]string, len(p.Siblings))
	for i, s := range p.Siblings {
		out[i] = hex.EncodeToString(s)
	}
	return out
}

// Prove derives the inclusion proof for the leaf with the given id.
func (t *Tree) Prove(leafID string) (Proof, error) {
	pos, ok := t.index[leafID]
	if !ok {
		return Proof{}, fmt.Errorf("merkle: leaf %q not in tree", leafID)
	}

	proof := Proof{LeafID: leafID}
	for level := 0; level < len(t.levels)-1; level++ {
		nodes := t.levels[level]
		var sibling []byte
		var right bool
		if pos%2 == 0 {
			right = true
			if pos+1 < len(nodes) {
				sibling = nodes[pos+1]
			} else {
				sibling = nodes[pos] // self-paired odd tail
			}
		} else {
			sibling = nodes[pos-1]
		}
		cp := make([]byte, len(sibling))
		copy(cp, sibling)
		proof.Siblings = append(proof.Siblings, cp)
		proof.Right = append(proof.Right, right)
		pos /= 2
	}
	return proof, nil
}

// Verify recomputes the hash chain from leaf to root, folding in each
// sibling according to its position bit, and succeeds iff the final value
// equals root. It is pure and safe for concurrent use.
func Verify(proof Proof, root []byte, leaf Leaf, hasher LeafHasher) bool {
	if hasher == nil {
		hasher = SHA256Hasher{}
	}
	if len(proof.Siblings) != len(proof.Right) {
		return false
	}

	current := hasher.HashLeaf(leaf)
	for i, sibling := range proof.Siblings {
		if proof.Right[i] {
			current = hasher.HashPair(current, sibling)
		} else {
			current = hasher.HashPair(sibling, current)
		}
	}
	return bytes.Equal(current, root)
}
