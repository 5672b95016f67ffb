// Package merkle builds and verifies Merkle trees over anchor batches: a
// full O(n) rebuild on every append (correctness over incrementality) plus
// sibling-proof generation and verification.
//
// Adapted from the teacher's audit-log Merkle tree
// (_examples/Generativebots-ocx-backend-go-svc/internal/ledger/merkle.go),
// generalized from tenant-scoped log-entry leaves to the anchor queue's
// `(seq, vdf_output)` pair leaves (spec §4.5) — multi-tenancy is an
// explicit spec Non-goal, so TenantRoots has no home here.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// Node is one node of the tree; only leaves carry Data.
type Node struct {
	Left  *Node
	Right *Node
	Hash  string
	Data  string
}

// Tree accumulates leaves and rebuilds its root on every Append.
type Tree struct {
	mu     sync.Mutex
	Leaves []*Node
	Root   *Node
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{}
}

func hashData(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// LeafData is the canonical string form of one anchor-batch leaf.
func LeafData(seq uint64, vdfOutput string) string {
	return fmt.Sprintf("%d:%s", seq, vdfOutput)
}

// Append adds a leaf for (seq, vdfOutput) and rebuilds the root. Returns the
// new root hash.
func (t *Tree) Append(seq uint64, vdfOutput string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := &Node{Hash: hashData(LeafData(seq, vdfOutput)), Data: LeafData(seq, vdfOutput)}
	t.Leaves = append(t.Leaves, node)
	t.rebuildLocked()
	return t.Root.Hash
}

// RootHash returns the current root hash, or "" if the tree is empty.
func (t *Tree) RootHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Root == nil {
		return ""
	}
	return t.Root.Hash
}

// Reset clears the tree — called after a batch is anchored and a new batch
// begins accumulating.
func (t *Tree) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Leaves = nil
	t.Root = nil
}

func (t *Tree) rebuildLocked() {
	if len(t.Leaves) == 0 {
		return
	}
	if len(t.Leaves) == 1 {
		t.Root = t.Leaves[0]
		return
	}

	nodes := t.Leaves
	for len(nodes) > 1 {
		var next []*Node
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			next = append(next, &Node{
				Left:  left,
				Right: right,
				Hash:  hashData(left.Hash + right.Hash),
			})
		}
		nodes = next
	}
	t.Root = nodes[0]
}

// Proof is a sibling-hash inclusion proof for one leaf.
type Proof struct {
	LeafHash string
	Siblings []ProofSibling
	RootHash string
}

// ProofSibling is a sibling hash and which side it sits on.
type ProofSibling struct {
	Hash   string
	IsLeft bool
}

// GenerateProof builds an inclusion proof for the leaf with hash leafHash.
func (t *Tree) GenerateProof(leafHash string) *Proof {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, leaf := range t.Leaves {
		if leaf.Hash == leafHash {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	proof := &Proof{LeafHash: t.Leaves[idx].Hash}
	if t.Root != nil {
		proof.RootHash = t.Root.Hash
	}

	nodes := make([]*Node, len(t.Leaves))
	copy(nodes, t.Leaves)

	for len(nodes) > 1 {
		var next []*Node
		newIdx := idx / 2
		for i := 0; i < len(nodes); i += 2 {
			left := nodes[i]
			right := left
			if i+1 < len(nodes) {
				right = nodes[i+1]
			}
			if i == idx {
				proof.Siblings = append(proof.Siblings, ProofSibling{Hash: right.Hash, IsLeft: false})
			} else if i+1 == idx {
				proof.Siblings = append(proof.Siblings, ProofSibling{Hash: left.Hash, IsLeft: true})
			}
			next = append(next, &Node{Left: left, Right: right, Hash: hashData(left.Hash + right.Hash)})
		}
		nodes = next
		idx = newIdx
	}
	return proof
}

// VerifyProof recomputes the root from proof's leaf hash and sibling path
// and compares it against expectedRoot.
func VerifyProof(proof *Proof, expectedRoot string) bool {
	if proof == nil {
		return false
	}
	current := proof.LeafHash
	for _, s := range proof.Siblings {
		if s.IsLeft {
			current = hashData(s.Hash + current)
		} else {
			current = hashData(current + s.Hash)
		}
	}
	return current == expectedRoot
}
