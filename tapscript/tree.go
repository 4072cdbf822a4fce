// Package tapscript builds taproot script trees, their commitments and the
// control blocks needed for script path spends.
package tapscript

import (
	"bytes"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
)

// MaxDepth is the deepest a leaf may sit in a tap tree.
const MaxDepth = 128

var (
	// ErrTreeTooDeep is returned for trees with leaves below MaxDepth.
	ErrTreeTooDeep = errors.New("tap tree too deep")

	// ErrEmptyTree is returned when a tree is needed but none exists.
	ErrEmptyTree = errors.New("empty tap tree")

	// ErrLeafNotFound is returned when asking for the proof of a leaf
	// that is not part of the tree.
	ErrLeafNotFound = errors.New("leaf not in tap tree")

	// ErrInvalidTree is returned for depth-annotated leaf lists that do
	// not describe a complete binary tree.
	ErrInvalidTree = errors.New("invalid tap tree")
)

// Leaf is a tapscript leaf.
type Leaf struct {
	Version txscript.TapscriptLeafVersion
	Script  []byte
}

// NewLeaf returns a leaf of the base tapscript version.
func NewLeaf(script []byte) Leaf {
	return Leaf{Version: txscript.BaseLeafVersion, Script: script}
}

// TapLeaf converts the leaf to its txscript form.
func (l Leaf) TapLeaf() txscript.TapLeaf {
	return txscript.NewTapLeaf(l.Version, l.Script)
}

// Hash returns the TapLeaf tagged hash of the leaf.
func (l Leaf) Hash() chainhash.Hash {
	return l.TapLeaf().TapHash()
}

func (l Leaf) equal(o Leaf) bool {
	return l.Version == o.Version && bytes.Equal(l.Script, o.Script)
}

// Node is a node of a tap tree. A leaf node has Leaf set, a branch node has
// both children set.
type Node struct {
	Leaf  *Leaf
	Left  *Node
	Right *Node
}

// NewLeafNode wraps a leaf into a node.
func NewLeafNode(l Leaf) *Node {
	return &Node{Leaf: &l}
}

// NewBranch joins two subtrees.
func NewBranch(left, right *Node) *Node {
	return &Node{Left: left, Right: right}
}

// IsLeaf returns true for leaf nodes.
func (n *Node) IsLeaf() bool {
	return n.Leaf != nil
}

// Hash returns the commitment of the subtree rooted at n.
func (n *Node) Hash() chainhash.Hash {
	if n.IsLeaf() {
		return n.Leaf.Hash()
	}

	return branchHash(n.Left.Hash(), n.Right.Hash())
}

// Depth returns the depth of the deepest leaf below n.
func (n *Node) Depth() int {
	if n == nil || n.IsLeaf() {
		return 0
	}

	return 1 + max(n.Left.Depth(), n.Right.Depth())
}

// Leaves returns all leaves in depth-first, left to right order.
func (n *Node) Leaves() []Leaf {
	if n.IsLeaf() {
		return []Leaf{*n.Leaf}
	}

	return append(n.Left.Leaves(), n.Right.Leaves()...)
}

// branchHash hashes two child commitments, ordered by their bytes so the
// result does not depend on which side a child is on.
func branchHash(a, b chainhash.Hash) chainhash.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}

	return *chainhash.TaggedHash(chainhash.TagTapBranch, a[:], b[:])
}

func (n *Node) validate(depth int) error {
	if n == nil {
		return ErrEmptyTree
	}
	if depth > MaxDepth {
		return ErrTreeTooDeep
	}
	if n.IsLeaf() {
		if n.Left != nil || n.Right != nil {
			return ErrInvalidTree
		}

		return nil
	}
	if n.Left == nil || n.Right == nil {
		return ErrInvalidTree
	}
	if err := n.Left.validate(depth + 1); err != nil {
		return err
	}

	return n.Right.validate(depth + 1)
}
