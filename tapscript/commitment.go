package tapscript

import (
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// LeafProof is a leaf together with its position in the tree.
type LeafProof struct {
	Leaf  Leaf
	Hash  chainhash.Hash
	Depth int

	// Siblings is the merkle path ordered from the leaf up to the root.
	Siblings []chainhash.Hash
}

// InclusionProof returns the concatenated merkle path.
func (p *LeafProof) InclusionProof() []byte {
	proof := make([]byte, 0, len(p.Siblings)*chainhash.HashSize)
	for _, h := range p.Siblings {
		proof = append(proof, h[:]...)
	}

	return proof
}

// Commitment is the result of building a tree.
type Commitment struct {
	Root   chainhash.Hash
	Leaves []LeafProof
}

// Build computes the root commitment of the tree and a proof for each leaf.
func Build(root *Node) (*Commitment, error) {
	if err := root.validate(0); err != nil {
		return nil, err
	}

	c := &Commitment{}
	c.Root = c.walk(root, 0)

	return c, nil
}

// walk returns the hash of n and records a proof for every leaf below it.
func (c *Commitment) walk(n *Node, depth int) chainhash.Hash {
	if n.IsLeaf() {
		h := n.Leaf.Hash()
		c.Leaves = append(c.Leaves, LeafProof{
			Leaf:  *n.Leaf,
			Hash:  h,
			Depth: depth,
		})

		return h
	}

	first := len(c.Leaves)
	left := c.walk(n.Left, depth+1)
	mid := len(c.Leaves)
	right := c.walk(n.Right, depth+1)

	// Leaves under the left child get the right hash as their next
	// sibling and vice versa. Proofs are built leaf to root, so each
	// level appends on the way back up.
	for i := first; i < mid; i++ {
		c.Leaves[i].Siblings = append(c.Leaves[i].Siblings, right)
	}
	for i := mid; i < len(c.Leaves); i++ {
		c.Leaves[i].Siblings = append(c.Leaves[i].Siblings, left)
	}

	return branchHash(left, right)
}

// Proof returns the proof of the first leaf equal to l.
func (c *Commitment) Proof(l Leaf) (*LeafProof, error) {
	if c == nil {
		return nil, ErrEmptyTree
	}

	idx := slices.IndexFunc(c.Leaves, func(p LeafProof) bool {
		return p.Leaf.equal(l)
	})
	if idx < 0 {
		return nil, ErrLeafNotFound
	}

	return &c.Leaves[idx], nil
}

// ControlBlock returns the serialized control block spending leaf l of an
// output with the given internal key and output key parity.
func (c *Commitment) ControlBlock(l Leaf, internalKey *btcec.PublicKey,
	outputKeyYIsOdd bool) ([]byte, error) {

	proof, err := c.Proof(l)
	if err != nil {
		return nil, err
	}

	cb := txscript.ControlBlock{
		InternalKey:     internalKey,
		OutputKeyYIsOdd: outputKeyYIsOdd,
		LeafVersion:     l.Version,
		InclusionProof:  proof.InclusionProof(),
	}

	return cb.ToBytes()
}

// RootBytes returns the root hash, or nil for a nil commitment. The result
// is what the taproot tweak commits to.
func (c *Commitment) RootBytes() []byte {
	if c == nil {
		return nil
	}

	return c.Root[:]
}

// OutputKey tweaks the internal key with the commitment. A nil commitment
// gives the key-path-only output key.
func OutputKey(internalKey *btcec.PublicKey,
	c *Commitment) (*btcec.PublicKey, bool) {

	outputKey := txscript.ComputeTaprootOutputKey(
		internalKey, c.RootBytes(),
	)
	odd := outputKey.SerializeCompressed()[0] ==
		secp256k1.PubKeyFormatCompressedOdd

	return outputKey, odd
}

// VerifyControlBlock checks that script is committed to by outputKey through
// the given control block.
func VerifyControlBlock(outputKey *btcec.PublicKey, script,
	controlBlock []byte) error {

	cb, err := txscript.ParseControlBlock(controlBlock)
	if err != nil {
		return err
	}

	return txscript.VerifyTaprootLeafCommitment(
		cb, schnorr.SerializePubKey(outputKey), script,
	)
}
