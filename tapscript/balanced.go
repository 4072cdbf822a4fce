package tapscript

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// BuildBalanced arranges leaves into a tree using the pairing of
// txscript.AssembleTaprootScriptTree: leaves are paired left to right and a
// lone last node is carried up to the next level.
func BuildBalanced(leaves []Leaf) (*Node, error) {
	if len(leaves) == 0 {
		return nil, ErrEmptyTree
	}

	tapLeaves := make([]txscript.TapLeaf, len(leaves))
	for i, l := range leaves {
		tapLeaves[i] = l.TapLeaf()
	}

	tree := txscript.AssembleTaprootScriptTree(tapLeaves...)

	return fromTapNode(tree.RootNode)
}

func fromTapNode(n txscript.TapNode) (*Node, error) {
	switch node := n.(type) {
	case txscript.TapLeaf:
		return NewLeafNode(Leaf{
			Version: node.LeafVersion,
			Script:  node.Script,
		}), nil

	case *txscript.TapLeaf:
		return NewLeafNode(Leaf{
			Version: node.LeafVersion,
			Script:  node.Script,
		}), nil
	}

	if n == nil || n.Left() == nil || n.Right() == nil {
		return nil, fmt.Errorf("%w: unexpected node %T", ErrInvalidTree, n)
	}

	left, err := fromTapNode(n.Left())
	if err != nil {
		return nil, err
	}
	right, err := fromTapNode(n.Right())
	if err != nil {
		return nil, err
	}

	return NewBranch(left, right), nil
}
