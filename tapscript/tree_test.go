package tapscript

import (
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testLeaf(i int) Leaf {
	return NewLeaf([]byte{txscript.OP_DATA_1, byte(i), txscript.OP_DROP,
		txscript.OP_TRUE})
}

func testKey(t require.TestingT) *btcec.PublicKey {
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	return priv.PubKey()
}

// genTree draws a random tree shape with distinct leaves.
func genTree(t *rapid.T, next *int, depth int) *Node {
	if depth >= 6 || rapid.Bool().Draw(t, fmt.Sprintf("leaf%d", *next)) {
		*next++
		return NewLeafNode(testLeaf(*next))
	}

	return NewBranch(genTree(t, next, depth+1), genTree(t, next, depth+1))
}

func TestBranchOrderIndependent(t *testing.T) {
	a, b := NewLeafNode(testLeaf(1)), NewLeafNode(testLeaf(2))
	require.Equal(t, NewBranch(a, b).Hash(), NewBranch(b, a).Hash())
}

func TestBuildMatchesTxscript(t *testing.T) {
	internal := testKey(t)

	for n := 1; n <= 7; n++ {
		leaves := make([]Leaf, n)
		tapLeaves := make([]txscript.TapLeaf, n)
		for i := range leaves {
			leaves[i] = testLeaf(i)
			tapLeaves[i] = leaves[i].TapLeaf()
		}

		root, err := BuildBalanced(leaves)
		require.NoError(t, err)
		c, err := Build(root)
		require.NoError(t, err)

		want := txscript.AssembleTaprootScriptTree(tapLeaves...)
		require.Equal(t, want.RootNode.TapHash(), c.Root)

		outputKey, odd := OutputKey(internal, c)
		for i, l := range leaves {
			cb, err := c.ControlBlock(l, internal, odd)
			require.NoError(t, err)

			wantCB := want.LeafMerkleProofs[i].ToControlBlock(internal)
			wantBytes, err := wantCB.ToBytes()
			require.NoError(t, err)
			require.Equal(t, wantBytes, cb)

			require.NoError(t, VerifyControlBlock(outputKey, l.Script, cb))
		}
	}
}

func TestControlBlocksReproduceRoot(t *testing.T) {
	internal := testKey(t)

	rapid.Check(t, func(t *rapid.T) {
		var next int
		root := genTree(t, &next, 0)

		c, err := Build(root)
		require.NoError(t, err)
		require.Equal(t, root.Hash(), c.Root)
		require.Len(t, c.Leaves, len(root.Leaves()))

		outputKey, odd := OutputKey(internal, c)
		for _, p := range c.Leaves {
			require.Len(t, p.Siblings, p.Depth)

			cb, err := c.ControlBlock(p.Leaf, internal, odd)
			require.NoError(t, err)

			parsed, err := txscript.ParseControlBlock(cb)
			require.NoError(t, err)
			require.Equal(t, c.Root[:], parsed.RootHash(p.Leaf.Script))
			require.NoError(t, VerifyControlBlock(
				outputKey, p.Leaf.Script, cb,
			))
		}

		// The depth-first encoding rebuilds the same tree.
		enc, err := EncodeTapTree(root)
		require.NoError(t, err)
		dec, err := DecodeTapTree(enc)
		require.NoError(t, err)
		require.Equal(t, root.Hash(), dec.Hash())
		require.Equal(t, root.DepthLeaves(), dec.DepthLeaves())
	})
}

func TestWrongLeafFailsVerification(t *testing.T) {
	internal := testKey(t)
	root := NewBranch(NewLeafNode(testLeaf(1)), NewLeafNode(testLeaf(2)))

	c, err := Build(root)
	require.NoError(t, err)
	outputKey, odd := OutputKey(internal, c)

	cb, err := c.ControlBlock(testLeaf(1), internal, odd)
	require.NoError(t, err)
	require.Error(t, VerifyControlBlock(outputKey, testLeaf(2).Script, cb))

	_, err = c.ControlBlock(testLeaf(3), internal, odd)
	require.ErrorIs(t, err, ErrLeafNotFound)
}

func TestTreeTooDeep(t *testing.T) {
	node := NewLeafNode(testLeaf(0))
	for i := 1; i <= MaxDepth; i++ {
		node = NewBranch(node, NewLeafNode(testLeaf(i)))
	}
	_, err := Build(node)
	require.NoError(t, err)

	node = NewBranch(node, NewLeafNode(testLeaf(MaxDepth+1)))
	_, err = Build(node)
	require.ErrorIs(t, err, ErrTreeTooDeep)

	_, err = FromDepthLeaves([]DepthLeaf{{Depth: MaxDepth + 1}})
	require.ErrorIs(t, err, ErrTreeTooDeep)
}

func TestEmptyTree(t *testing.T) {
	_, err := Build(nil)
	require.ErrorIs(t, err, ErrEmptyTree)

	var c *Commitment
	_, err = c.ControlBlock(testLeaf(0), testKey(t), false)
	require.ErrorIs(t, err, ErrEmptyTree)

	_, err = BuildBalanced(nil)
	require.ErrorIs(t, err, ErrEmptyTree)

	// Key path only outputs tweak with an empty root.
	internal := testKey(t)
	key, _ := OutputKey(internal, nil)
	require.True(t, txscript.ComputeTaprootKeyNoScript(internal).IsEqual(key))
}

func TestFromDepthLeavesInvalid(t *testing.T) {
	tests := []struct {
		name   string
		depths []uint8
	}{
		{"lone deep leaf", []uint8{1}},
		{"leaf after complete tree", []uint8{1, 1, 1}},
		{"unpaired", []uint8{2, 1, 2}},
		{"two roots", []uint8{0, 0}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			leaves := make([]DepthLeaf, len(tc.depths))
			for i, d := range tc.depths {
				leaves[i] = DepthLeaf{Depth: d, Leaf: testLeaf(i)}
			}
			_, err := FromDepthLeaves(leaves)
			require.ErrorIs(t, err, ErrInvalidTree)
		})
	}
}
