package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// Proof is a Merkle membership path for one ledger entry hash. Ephemeral:
// computed on demand, never persisted.
type Proof struct {
	LeafHash string   `json:"leaf_hash"`
	Index    uint64   `json:"index"`
	Siblings []string `json:"siblings"`
	Root     string   `json:"root"`
}

func nodeHash(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}

// buildLevels constructs the full tree bottom-up. Leaf order is sequence
// order; an odd node count at any level duplicates the last node. That
// tie-break is fixed so the same entries always produce the same root.
func buildLevels(leaves []string) [][]string {
	current := make([]string, len(leaves))
	copy(current, leaves)
	levels := [][]string{current}
	for len(current) > 1 {
		if len(current)%2 == 1 {
			current = append(current, current[len(current)-1])
			levels[len(levels)-1] = current
		}
		next := make([]string, 0, len(current)/2)
		for i := 0; i < len(current); i += 2 {
			next = append(next, nodeHash(current[i], current[i+1]))
		}
		levels = append(levels, next)
		current = next
	}
	return levels
}

// merkleRoot computes the root over the leaves. A single leaf is its own
// root; an empty leaf set has no root and callers must reject it earlier.
func merkleRoot(leaves []string) string {
	levels := buildLevels(leaves)
	top := levels[len(levels)-1]
	return top[0]
}

// merklePath returns the sibling hashes from the leaf at index up to the
// root.
func merklePath(leaves []string, index uint64) []string {
	levels := buildLevels(leaves)

	siblings := make([]string, 0, len(levels)-1)
	idx := index
	for _, level := range levels[:len(levels)-1] {
		siblings = append(siblings, level[idx^1])
		idx /= 2
	}
	return siblings
}

// VerifyProof recomputes the path from the leaf and reports whether it
// resolves to the proof's root. It does not check that the root was ever
// committed; that is the engine's job.
func VerifyProof(p Proof) bool {
	if p.LeafHash == "" || p.Root == "" {
		return false
	}
	current := p.LeafHash
	idx := p.Index
	for _, sibling := range p.Siblings {
		if idx%2 == 0 {
			current = nodeHash(current, sibling)
		} else {
			current = nodeHash(sibling, current)
		}
		idx /= 2
	}
	return current == p.Root
}
