package tapscript

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// DepthLeaf is a leaf annotated with its depth. A depth-first list of these
// describes a tree completely.
type DepthLeaf struct {
	Depth uint8
	Leaf  Leaf
}

// DepthLeaves returns the leaves of the tree in depth-first order with their
// depths.
func (n *Node) DepthLeaves() []DepthLeaf {
	var leaves []DepthLeaf
	n.collect(0, &leaves)

	return leaves
}

func (n *Node) collect(depth uint8, leaves *[]DepthLeaf) {
	if n.IsLeaf() {
		*leaves = append(*leaves, DepthLeaf{Depth: depth, Leaf: *n.Leaf})
		return
	}

	n.Left.collect(depth+1, leaves)
	n.Right.collect(depth+1, leaves)
}

// FromDepthLeaves rebuilds a tree from its depth-first leaf list.
func FromDepthLeaves(leaves []DepthLeaf) (*Node, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	type entry struct {
		depth uint8
		node  *Node
	}

	var stack []entry
	for i, l := range leaves {
		if l.Depth > MaxDepth {
			return nil, ErrTreeTooDeep
		}
		if len(stack) == 1 && stack[0].depth == 0 {
			return nil, fmt.Errorf("%w: leaf %d after complete tree",
				ErrInvalidTree, i)
		}

		stack = append(stack, entry{depth: l.Depth, node: NewLeafNode(l.Leaf)})
		for len(stack) >= 2 {
			top, below := stack[len(stack)-1], stack[len(stack)-2]
			if top.depth != below.depth {
				break
			}
			stack = stack[:len(stack)-2]
			stack = append(stack, entry{
				depth: top.depth - 1,
				node:  NewBranch(below.node, top.node),
			})
		}
	}

	if len(stack) != 1 || stack[0].depth != 0 {
		return nil, fmt.Errorf("%w: incomplete tree", ErrInvalidTree)
	}

	return stack[0].node, nil
}

// EncodeTapTree serializes a tree as a list of (depth, leaf version, script)
// tuples.
func EncodeTapTree(root *Node) ([]byte, error) {
	if err := root.validate(0); err != nil {
		return nil, err
	}

	var b bytes.Buffer
	for _, l := range root.DepthLeaves() {
		b.WriteByte(l.Depth)
		b.WriteByte(byte(l.Leaf.Version))
		if err := wire.WriteVarBytes(&b, 0, l.Leaf.Script); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// DecodeTapTree parses the output of EncodeTapTree.
func DecodeTapTree(b []byte) (*Node, error) {
	r := bytes.NewReader(b)

	var leaves []DepthLeaf
	for r.Len() > 0 {
		depth, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		version, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated leaf", ErrInvalidTree)
		}
		if version&1 != 0 {
			return nil, fmt.Errorf("%w: odd leaf version %#x",
				ErrInvalidTree, version)
		}
		script, err := wire.ReadVarBytes(r, 0, uint32(len(b)), "tapscript")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidTree, err)
		}

		leaves = append(leaves, DepthLeaf{
			Depth: depth,
			Leaf: Leaf{
				Version: txscript.TapscriptLeafVersion(version),
				Script:  script,
			},
		})
	}

	return FromDepthLeaves(leaves)
}
