// Package merkle builds binary hash trees over ordered items and issues
// inclusion proofs against their roots.
//
// Interior nodes hash the concatenation of their children's hex digests.
// When a level has an odd number of nodes the last one is promoted to the
// next level unchanged rather than paired with a copy of itself. Proofs
// already handed out depend on this construction, so it must not change.
package merkle

import (
	"mediashare/pkg/hashing"
	"mediashare/pkg/types"
)

type Position string

const (
	Left  Position = "left"
	Right Position = "right"
)

// Step is one sibling on the path from a leaf to the root. Position names
// the side of the sibling relative to the running hash.
type Step struct {
	Position Position `json:"position"`
	Hash     string   `json:"hash"`
}

type Proof []Step

type Tree struct {
	Leaves []string   `json:"leaves"`
	Levels [][]string `json:"levels"`
	Root   string     `json:"root"`
}

// Builder builds and checks trees with a fixed content hasher.
type Builder struct {
	hasher *hashing.Hasher
}

func NewBuilder(hasher *hashing.Hasher) *Builder {
	if hasher == nil {
		hasher = hashing.Default()
	}
	return &Builder{hasher: hasher}
}

func (b *Builder) hashPair(left, right string) string {
	return string(b.hasher.HashBytes([]byte(left + right)))
}

// Build hashes every item into a leaf and folds the levels up to a root.
func (b *Builder) Build(items [][]byte) (*Tree, error) {
	if len(items) == 0 {
		return nil, types.InputError("merkle tree needs at least one item")
	}

	leaves := make([]string, len(items))
	for i, item := range items {
		leaves[i] = string(b.hasher.HashBytes(item))
	}

	levels := [][]string{leaves}
	current := leaves
	for len(current) > 1 {
		next := make([]string, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			if i+1 < len(current) {
				next = append(next, b.hashPair(current[i], current[i+1]))
			} else {
				next = append(next, current[i])
			}
		}
		levels = append(levels, next)
		current = next
	}

	return &Tree{
		Leaves: leaves,
		Levels: levels,
		Root:   current[0],
	}, nil
}

// Proof returns the sibling path for the first leaf matching item.
func (b *Builder) Proof(tree *Tree, item []byte) (Proof, error) {
	if tree == nil || len(tree.Levels) == 0 {
		return nil, types.InputError("empty merkle tree")
	}

	leaf := string(b.hasher.HashBytes(item))
	index := -1
	for i, l := range tree.Leaves {
		if l == leaf {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, types.NotFoundError("merkle leaf", leaf)
	}

	proof := Proof{}
	for _, level := range tree.Levels[:len(tree.Levels)-1] {
		if index%2 == 0 {
			if index+1 < len(level) {
				proof = append(proof, Step{Position: Right, Hash: level[index+1]})
			}
		} else {
			proof = append(proof, Step{Position: Left, Hash: level[index-1]})
		}
		index /= 2
	}
	return proof, nil
}

// VerifyProof folds the proof over the item's hash and compares with root.
func (b *Builder) VerifyProof(item []byte, proof Proof, root string) bool {
	current := string(b.hasher.HashBytes(item))
	for _, step := range proof {
		switch step.Position {
		case Right:
			current = b.hashPair(current, step.Hash)
		case Left:
			current = b.hashPair(step.Hash, current)
		default:
			return false
		}
	}
	return current == root
}
