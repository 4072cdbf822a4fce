package descriptor

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/tapscript"
)

// SatisfactionKind tells a finalizer what a script expects on the stack.
type SatisfactionKind uint8

const (
	// SatisfyNone is used for raw scripts, nothing is known about them.
	SatisfyNone SatisfactionKind = iota

	// SatisfyPk expects a signature.
	SatisfyPk

	// SatisfyPkh expects a signature and the key.
	SatisfyPkh

	// SatisfyMulti expects Threshold signatures in key order behind the
	// CHECKMULTISIG dummy element.
	SatisfyMulti

	// SatisfyMultiA expects one element per key, a signature or empty.
	SatisfyMultiA
)

func (k SatisfactionKind) String() string {
	switch k {
	case SatisfyPk:
		return "pk"
	case SatisfyPkh:
		return "pkh"
	case SatisfyMulti:
		return "multi"
	case SatisfyMultiA:
		return "multi_a"
	default:
		return "none"
	}
}

// Satisfaction is the template of the signatures a script needs. Keys are
// in the order the script checks them.
type Satisfaction struct {
	Kind      SatisfactionKind
	Threshold int
	Keys      []*keyexpr.DerivedKey
}

// SpendInfo is everything known about spending the output of a descriptor
// at one index.
type SpendInfo struct {
	Class        SpkClass
	ScriptPubKey []byte

	// RedeemScript is set for sh() outputs, WitnessScript for wsh()
	// outputs, native or nested.
	RedeemScript  []byte
	WitnessScript []byte

	// Keys holds every derived key in the order it appears in the
	// descriptor.
	Keys []*keyexpr.DerivedKey

	Satisfaction Satisfaction

	// Taproot is set for tr() outputs only.
	Taproot *TaprootInfo
}

// TaprootInfo describes a tr() output.
type TaprootInfo struct {
	InternalKey     *keyexpr.DerivedKey
	OutputKey       *btcec.PublicKey
	OutputKeyYIsOdd bool

	// MerkleRoot is nil for key path only outputs.
	MerkleRoot []byte

	Tree       *tapscript.Node
	Commitment *tapscript.Commitment
	Leaves     []TaprootLeafInfo
}

// TaprootLeafInfo describes one leaf of a tr() tree.
type TaprootLeafInfo struct {
	Leaf         tapscript.Leaf
	Hash         chainhash.Hash
	ControlBlock []byte
	Keys         []*keyexpr.DerivedKey
	Satisfaction Satisfaction
}

// Resolver turns descriptors into concrete scripts. It is safe for
// concurrent use if its Deriver is.
type Resolver struct {
	deriver keyexpr.Deriver
}

// NewResolver returns a resolver deriving keys through d. A nil d derives
// directly with hdkeychain.
func NewResolver(d keyexpr.Deriver) *Resolver {
	if d == nil {
		d = keyexpr.HDDeriver{}
	}

	return &Resolver{deriver: d}
}

var defaultResolver = NewResolver(nil)

// SpendInfoAt resolves d at index with the default resolver.
func SpendInfoAt(d Descriptor, index uint32) (*SpendInfo, error) {
	return defaultResolver.SpendInfo(d, index)
}

// ScriptPubKey resolves the output script of d at index with the default
// resolver.
func ScriptPubKey(d Descriptor, index uint32) ([]byte, error) {
	return defaultResolver.ScriptPubKey(d, index)
}

// Address resolves the address of d at index with the default resolver.
func Address(d Descriptor, index uint32,
	params *chaincfg.Params) (btcutil.Address, error) {

	return defaultResolver.Address(d, index, params)
}

// ScriptPubKey returns the output script of d at index.
func (r *Resolver) ScriptPubKey(d Descriptor, index uint32) ([]byte, error) {
	info, err := r.SpendInfo(d, index)
	if err != nil {
		return nil, err
	}

	return info.ScriptPubKey, nil
}

// Address returns the address of d at index. Bare scripts have none.
func (r *Resolver) Address(d Descriptor, index uint32,
	params *chaincfg.Params) (btcutil.Address, error) {

	spk, err := r.ScriptPubKey(d, index)
	if err != nil {
		return nil, err
	}
	if classifyScript(spk) == SpkBare {
		return nil, ErrNoAddress
	}

	_, addrs, _, err := txscript.ExtractPkScriptAddrs(spk, params)
	if err != nil {
		return nil, err
	}
	if len(addrs) != 1 {
		return nil, ErrNoAddress
	}

	log.Tracef("Resolved %v at index %d to %v", d, index, addrs[0])

	return addrs[0], nil
}

// SpendInfo resolves d at index.
func (r *Resolver) SpendInfo(d Descriptor, index uint32) (*SpendInfo, error) {
	switch d := d.(type) {
	case *Sh:
		inner, err := r.SpendInfo(d.Inner, index)
		if err != nil {
			return nil, err
		}

		// The inner output script becomes the redeem script, for
		// wpkh and wsh that is the witness program.
		spk, err := p2shScript(inner.ScriptPubKey)
		if err != nil {
			return nil, err
		}

		return &SpendInfo{
			Class:         SpkP2SH,
			ScriptPubKey:  spk,
			RedeemScript:  inner.ScriptPubKey,
			WitnessScript: inner.WitnessScript,
			Keys:          inner.Keys,
			Satisfaction:  inner.Satisfaction,
		}, nil

	case *Wsh:
		inner, err := r.SpendInfo(d.Inner, index)
		if err != nil {
			return nil, err
		}

		h := sha256.Sum256(inner.ScriptPubKey)
		spk, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).
			AddData(h[:]).Script()
		if err != nil {
			return nil, err
		}

		return &SpendInfo{
			Class:         SpkP2WSH,
			ScriptPubKey:  spk,
			WitnessScript: inner.ScriptPubKey,
			Keys:          inner.Keys,
			Satisfaction:  inner.Satisfaction,
		}, nil

	case *Tr:
		return r.resolveTr(d, index)
	}

	script, keys, sat, err := r.leafScript(d, index)
	if err != nil {
		return nil, err
	}

	return &SpendInfo{
		Class:        classifyScript(script),
		ScriptPubKey: script,
		Keys:         keys,
		Satisfaction: sat,
	}, nil
}

// leafScript builds the scripts that do not wrap other descriptors. For
// Pk and MultiA inside a tr() tree the keys are x-only.
func (r *Resolver) leafScript(d any, index uint32) ([]byte,
	[]*keyexpr.DerivedKey, Satisfaction, error) {

	var (
		b       = txscript.NewScriptBuilder()
		sat     Satisfaction
		ordered []*keyexpr.DerivedKey
	)

	switch d := d.(type) {
	case *Pk:
		key, err := r.derive(d.Key, index)
		if err != nil {
			return nil, nil, sat, err
		}
		b.AddData(key.Bytes()).AddOp(txscript.OP_CHECKSIG)
		sat = Satisfaction{Kind: SatisfyPk, Threshold: 1,
			Keys: []*keyexpr.DerivedKey{key}}

	case *Pkh:
		key, err := r.derive(d.Key, index)
		if err != nil {
			return nil, nil, sat, err
		}
		b.AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).
			AddData(btcutil.Hash160(key.Bytes())).
			AddOp(txscript.OP_EQUALVERIFY).
			AddOp(txscript.OP_CHECKSIG)
		sat = Satisfaction{Kind: SatisfyPkh, Threshold: 1,
			Keys: []*keyexpr.DerivedKey{key}}

	case *Wpkh:
		key, err := r.derive(d.Key, index)
		if err != nil {
			return nil, nil, sat, err
		}
		b.AddOp(txscript.OP_0).AddData(btcutil.Hash160(key.Bytes()))
		sat = Satisfaction{Kind: SatisfyPkh, Threshold: 1,
			Keys: []*keyexpr.DerivedKey{key}}

	case *Multi:
		var err error
		if ordered, err = r.deriveList(d.Keys, index); err != nil {
			return nil, nil, sat, err
		}
		keys := scriptOrder(ordered, d.Sorted)
		b.AddInt64(int64(d.Threshold))
		for _, k := range keys {
			b.AddData(k.Bytes())
		}
		b.AddInt64(int64(len(keys))).AddOp(txscript.OP_CHECKMULTISIG)
		sat = Satisfaction{Kind: SatisfyMulti, Threshold: d.Threshold,
			Keys: keys}

	case *MultiA:
		var err error
		if ordered, err = r.deriveList(d.Keys, index); err != nil {
			return nil, nil, sat, err
		}
		keys := scriptOrder(ordered, d.Sorted)
		for i, k := range keys {
			b.AddData(k.Bytes())
			if i == 0 {
				b.AddOp(txscript.OP_CHECKSIG)
			} else {
				b.AddOp(txscript.OP_CHECKSIGADD)
			}
		}
		b.AddInt64(int64(d.Threshold)).AddOp(txscript.OP_NUMEQUAL)
		sat = Satisfaction{Kind: SatisfyMultiA, Threshold: d.Threshold,
			Keys: keys}

	case *Raw:
		return d.Script, nil, sat, nil

	default:
		return nil, nil, sat, fmt.Errorf("%w: cannot resolve %T",
			ErrInvalidDescriptor, d)
	}

	script, err := b.Script()
	if err != nil {
		return nil, nil, sat, err
	}
	if ordered == nil {
		ordered = sat.Keys
	}

	return script, ordered, sat, nil
}

func (r *Resolver) derive(k *keyexpr.KeyExpression,
	index uint32) (*keyexpr.DerivedKey, error) {

	return k.DeriveAt(r.deriver, index)
}

func (r *Resolver) deriveList(keys []*keyexpr.KeyExpression,
	index uint32) ([]*keyexpr.DerivedKey, error) {

	out := make([]*keyexpr.DerivedKey, len(keys))
	for i, k := range keys {
		var err error
		if out[i], err = r.derive(k, index); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// scriptOrder returns the keys in the order a multisig script lists them.
// Sorted variants order by serialized key.
func scriptOrder(keys []*keyexpr.DerivedKey,
	sorted bool) []*keyexpr.DerivedKey {

	if !sorted {
		return keys
	}

	out := slices.Clone(keys)
	slices.SortStableFunc(out, func(a, b *keyexpr.DerivedKey) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})

	return out
}

func (r *Resolver) resolveTr(d *Tr, index uint32) (*SpendInfo, error) {
	internal, err := r.derive(d.Internal, index)
	if err != nil {
		return nil, err
	}
	internal = xOnly(internal)

	info := &TaprootInfo{InternalKey: internal}
	keys := []*keyexpr.DerivedKey{internal}

	if d.Tree != nil {
		var leaves []TaprootLeafInfo
		info.Tree, err = r.buildTree(d.Tree, index, &leaves)
		if err != nil {
			return nil, err
		}
		info.Commitment, err = tapscript.Build(info.Tree)
		if err != nil {
			return nil, err
		}
		info.MerkleRoot = info.Commitment.RootBytes()
		info.Leaves = leaves
	}

	info.OutputKey, info.OutputKeyYIsOdd = tapscript.OutputKey(
		internal.PubKey, info.Commitment,
	)

	for i := range info.Leaves {
		leaf := &info.Leaves[i]
		leaf.ControlBlock, err = info.Commitment.ControlBlock(
			leaf.Leaf, internal.PubKey, info.OutputKeyYIsOdd,
		)
		if err != nil {
			return nil, err
		}
		keys = append(keys, leaf.Keys...)
	}

	spk, err := txscript.PayToTaprootScript(info.OutputKey)
	if err != nil {
		return nil, err
	}

	return &SpendInfo{
		Class:        SpkP2TR,
		ScriptPubKey: spk,
		Keys:         keys,
		Taproot:      info,
	}, nil
}

func (r *Resolver) buildTree(t *TapTree, index uint32,
	leaves *[]TaprootLeafInfo) (*tapscript.Node, error) {

	if t.Leaf == nil {
		left, err := r.buildTree(t.Left, index, leaves)
		if err != nil {
			return nil, err
		}
		right, err := r.buildTree(t.Right, index, leaves)
		if err != nil {
			return nil, err
		}

		return tapscript.NewBranch(left, right), nil
	}

	leafDesc, err := tapKeys(t.Leaf)
	if err != nil {
		return nil, err
	}

	script, keys, sat, err := r.leafScript(leafDesc, index)
	if err != nil {
		return nil, err
	}

	leaf := tapscript.NewLeaf(script)
	*leaves = append(*leaves, TaprootLeafInfo{
		Leaf:         leaf,
		Hash:         leaf.Hash(),
		Keys:         keys,
		Satisfaction: sat,
	})

	return tapscript.NewLeafNode(leaf), nil
}

// tapKeys marks the keys of a leaf as x-only so they serialize as 32
// bytes.
func tapKeys(l TapLeaf) (any, error) {
	mark := func(k *keyexpr.KeyExpression) (*keyexpr.KeyExpression, error) {
		if k.XOnly {
			return k, nil
		}
		c := *k
		c.XOnly = true

		return &c, nil
	}

	switch l := l.(type) {
	case *Pk:
		k, err := mark(l.Key)
		return &Pk{Key: k}, err

	case *MultiA:
		keys, err := mapKeyList(l.Keys, mark)
		if err != nil {
			return nil, err
		}

		return &MultiA{Threshold: l.Threshold, Keys: keys,
			Sorted: l.Sorted}, nil

	case *Raw:
		return l, nil
	}

	return nil, fmt.Errorf("%w: tap leaf %T", ErrInvalidDescriptor, l)
}

func xOnly(k *keyexpr.DerivedKey) *keyexpr.DerivedKey {
	c := *k
	c.XOnly = true

	return &c
}

func p2shScript(redeem []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().AddOp(txscript.OP_HASH160).
		AddData(btcutil.Hash160(redeem)).AddOp(txscript.OP_EQUAL).
		Script()
}
