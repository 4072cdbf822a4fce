// Package descriptor implements output script descriptors: parsing,
// printing, checksums and resolution into concrete scripts.
package descriptor

import (
	"errors"
	"fmt"

	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/tapscript"
)

const (
	// maxBareMultiKeys is the standardness limit for bare multisig.
	maxBareMultiKeys = 3

	// maxShMultiKeys keeps a multisig redeem script under the 520 byte
	// push limit with compressed keys.
	maxShMultiKeys = 15

	// maxMultiKeys is the limit of OP_CHECKMULTISIG.
	maxMultiKeys = 20

	// maxMultiAKeys is the limit of multi_a leaves.
	maxMultiAKeys = 999
)

var (
	// ErrUnsupportedNesting is returned when a descriptor is placed inside
	// one that may not contain it.
	ErrUnsupportedNesting = errors.New("unsupported descriptor nesting")

	// ErrInvalidDescriptor is returned for malformed descriptor text or
	// arguments.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrInvalidChecksum is returned when the checksum of a descriptor
	// does not match its body.
	ErrInvalidChecksum = errors.New("invalid descriptor checksum")

	// ErrNoAddress is returned for scripts without an address form.
	ErrNoAddress = errors.New("script has no address")
)

// Descriptor is an output script template. The concrete types are Pk, Pkh,
// Wpkh, Sh, Wsh, Multi, Tr and Raw.
type Descriptor interface {
	fmt.Stringer

	// Class returns the class of the output script the descriptor
	// produces at the top level.
	Class() SpkClass

	isDescriptor()
}

// TapLeaf is a descriptor allowed as a leaf of a tr() tree: Pk, MultiA or
// Raw.
type TapLeaf interface {
	fmt.Stringer

	isTapLeaf()
}

// Pk is pk(KEY).
type Pk struct {
	Key *keyexpr.KeyExpression
}

// Pkh is pkh(KEY).
type Pkh struct {
	Key *keyexpr.KeyExpression
}

// Wpkh is wpkh(KEY).
type Wpkh struct {
	Key *keyexpr.KeyExpression
}

// Sh is sh(SCRIPT).
type Sh struct {
	Inner Descriptor
}

// Wsh is wsh(SCRIPT).
type Wsh struct {
	Inner Descriptor
}

// Multi is multi(t,KEY,...) or, when Sorted, sortedmulti(t,KEY,...).
type Multi struct {
	Threshold int
	Keys      []*keyexpr.KeyExpression
	Sorted    bool
}

// MultiA is the tapscript multi_a(t,KEY,...) or sortedmulti_a.
type MultiA struct {
	Threshold int
	Keys      []*keyexpr.KeyExpression
	Sorted    bool
}

// Tr is tr(KEY) or tr(KEY,TREE).
type Tr struct {
	Internal *keyexpr.KeyExpression
	Tree     *TapTree
}

// TapTree is the script tree of a Tr. A leaf node has Leaf set, a branch
// has both children.
type TapTree struct {
	Leaf  TapLeaf
	Left  *TapTree
	Right *TapTree
}

// Raw is raw(HEX).
type Raw struct {
	Script []byte
}

func (*Pk) isDescriptor()    {}
func (*Pkh) isDescriptor()   {}
func (*Wpkh) isDescriptor()  {}
func (*Sh) isDescriptor()    {}
func (*Wsh) isDescriptor()   {}
func (*Multi) isDescriptor() {}
func (*Tr) isDescriptor()    {}
func (*Raw) isDescriptor()   {}

func (*Pk) isTapLeaf()     {}
func (*MultiA) isTapLeaf() {}
func (*Raw) isTapLeaf()    {}

func (*Pk) Class() SpkClass    { return SpkBare }
func (*Pkh) Class() SpkClass   { return SpkP2PKH }
func (*Wpkh) Class() SpkClass  { return SpkP2WPKH }
func (*Sh) Class() SpkClass    { return SpkP2SH }
func (*Wsh) Class() SpkClass   { return SpkP2WSH }
func (*Multi) Class() SpkClass { return SpkBare }
func (*Tr) Class() SpkClass    { return SpkP2TR }
func (r *Raw) Class() SpkClass { return classifyScript(r.Script) }

// NewWpkh checks that the key can be used in a segwit script.
func NewWpkh(key *keyexpr.KeyExpression) (*Wpkh, error) {
	if err := checkSegwitKey(key); err != nil {
		return nil, err
	}

	return &Wpkh{Key: key}, nil
}

// NewSh wraps inner into sh(). Only wpkh, wsh, multi, sortedmulti, pk and
// pkh may be wrapped.
func NewSh(inner Descriptor) (*Sh, error) {
	switch inner := inner.(type) {
	case *Wpkh, *Wsh, *Pk, *Pkh:

	case *Multi:
		if len(inner.Keys) > maxShMultiKeys {
			return nil, fmt.Errorf("%w: %d keys in sh multisig",
				ErrInvalidDescriptor, len(inner.Keys))
		}

	default:
		return nil, fmt.Errorf("%w: %T inside sh()",
			ErrUnsupportedNesting, inner)
	}

	return &Sh{Inner: inner}, nil
}

// NewWsh wraps inner into wsh(). Only multi, sortedmulti, pk and pkh may be
// wrapped, all with compressed keys.
func NewWsh(inner Descriptor) (*Wsh, error) {
	var keys []*keyexpr.KeyExpression
	switch inner := inner.(type) {
	case *Multi:
		keys = inner.Keys
	case *Pk:
		keys = []*keyexpr.KeyExpression{inner.Key}
	case *Pkh:
		keys = []*keyexpr.KeyExpression{inner.Key}
	default:
		return nil, fmt.Errorf("%w: %T inside wsh()",
			ErrUnsupportedNesting, inner)
	}

	for _, k := range keys {
		if err := checkSegwitKey(k); err != nil {
			return nil, err
		}
	}

	return &Wsh{Inner: inner}, nil
}

// NewMulti checks 1 <= threshold <= len(keys) <= 20.
func NewMulti(threshold int, keys []*keyexpr.KeyExpression,
	sorted bool) (*Multi, error) {

	if err := checkThreshold(threshold, len(keys), maxMultiKeys); err != nil {
		return nil, err
	}

	return &Multi{Threshold: threshold, Keys: keys, Sorted: sorted}, nil
}

// NewMultiA checks 1 <= threshold <= len(keys) <= 999.
func NewMultiA(threshold int, keys []*keyexpr.KeyExpression,
	sorted bool) (*MultiA, error) {

	if err := checkThreshold(threshold, len(keys), maxMultiAKeys); err != nil {
		return nil, err
	}

	return &MultiA{Threshold: threshold, Keys: keys, Sorted: sorted}, nil
}

// NewTr checks the internal key and the depth of the tree.
func NewTr(internal *keyexpr.KeyExpression, tree *TapTree) (*Tr, error) {
	if internal.Uncompressed {
		return nil, fmt.Errorf("%w: uncompressed taproot key",
			keyexpr.ErrInvalidKey)
	}
	if tree != nil {
		if err := tree.validate(0); err != nil {
			return nil, err
		}
	}

	return &Tr{Internal: internal, Tree: tree}, nil
}

func checkThreshold(threshold, n, max int) error {
	switch {
	case n == 0:
		return fmt.Errorf("%w: multisig without keys",
			ErrInvalidDescriptor)
	case n > max:
		return fmt.Errorf("%w: %d keys, at most %d allowed",
			ErrInvalidDescriptor, n, max)
	case threshold < 1 || threshold > n:
		return fmt.Errorf("%w: threshold %d of %d keys",
			ErrInvalidDescriptor, threshold, n)
	}

	return nil
}

func checkSegwitKey(k *keyexpr.KeyExpression) error {
	if k.Uncompressed || k.XOnly {
		return fmt.Errorf("%w: %s is not a compressed key",
			keyexpr.ErrInvalidKey, k)
	}

	return nil
}

func (t *TapTree) validate(depth int) error {
	if depth > tapscript.MaxDepth {
		return tapscript.ErrTreeTooDeep
	}
	if t.Leaf != nil {
		return nil
	}
	if t.Left == nil || t.Right == nil {
		return fmt.Errorf("%w: tap branch without two children",
			ErrInvalidDescriptor)
	}
	if err := t.Left.validate(depth + 1); err != nil {
		return err
	}

	return t.Right.validate(depth + 1)
}

// Leaves returns the leaves of the tree in depth-first order.
func (t *TapTree) Leaves() []TapLeaf {
	if t == nil {
		return nil
	}
	if t.Leaf != nil {
		return []TapLeaf{t.Leaf}
	}

	return append(t.Left.Leaves(), t.Right.Leaves()...)
}

// Keys returns every key expression of d in the order they appear in its
// text form.
func Keys(d Descriptor) []*keyexpr.KeyExpression {
	var keys []*keyexpr.KeyExpression
	_, _ = mapKeys(d, func(k *keyexpr.KeyExpression) (*keyexpr.KeyExpression,
		error) {

		keys = append(keys, k)
		return k, nil
	})

	return keys
}

// Keychains returns the number of keychains a multipath descriptor has, or 1
// for single-path descriptors.
func Keychains(d Descriptor) int {
	n := 1
	for _, k := range Keys(d) {
		n = max(n, k.Keychains())
	}

	return n
}

// ForKeychain returns a copy of d with every multipath key narrowed to
// keychain i.
func ForKeychain(d Descriptor, i int) (Descriptor, error) {
	return mapKeys(d, func(k *keyexpr.KeyExpression) (*keyexpr.KeyExpression,
		error) {

		return k.SelectKeychain(i)
	})
}

type keyMapper func(*keyexpr.KeyExpression) (*keyexpr.KeyExpression, error)

// mapKeys rebuilds d with f applied to each key.
func mapKeys(d Descriptor, f keyMapper) (Descriptor, error) {
	switch d := d.(type) {
	case *Pk:
		k, err := f(d.Key)
		return &Pk{Key: k}, err

	case *Pkh:
		k, err := f(d.Key)
		return &Pkh{Key: k}, err

	case *Wpkh:
		k, err := f(d.Key)
		return &Wpkh{Key: k}, err

	case *Sh:
		inner, err := mapKeys(d.Inner, f)
		return &Sh{Inner: inner}, err

	case *Wsh:
		inner, err := mapKeys(d.Inner, f)
		return &Wsh{Inner: inner}, err

	case *Multi:
		keys, err := mapKeyList(d.Keys, f)
		return &Multi{Threshold: d.Threshold, Keys: keys, Sorted: d.Sorted},
			err

	case *Tr:
		internal, err := f(d.Internal)
		if err != nil {
			return nil, err
		}
		tree, err := d.Tree.mapKeys(f)
		return &Tr{Internal: internal, Tree: tree}, err

	case *Raw:
		return d, nil
	}

	return nil, fmt.Errorf("%w: unknown descriptor %T", ErrInvalidDescriptor,
		d)
}

func mapKeyList(keys []*keyexpr.KeyExpression,
	f keyMapper) ([]*keyexpr.KeyExpression, error) {

	out := make([]*keyexpr.KeyExpression, len(keys))
	for i, k := range keys {
		var err error
		if out[i], err = f(k); err != nil {
			return nil, err
		}
	}

	return out, nil
}

func (t *TapTree) mapKeys(f keyMapper) (*TapTree, error) {
	if t == nil {
		return nil, nil
	}

	if t.Leaf != nil {
		switch leaf := t.Leaf.(type) {
		case *Pk:
			k, err := f(leaf.Key)
			return &TapTree{Leaf: &Pk{Key: k}}, err

		case *MultiA:
			keys, err := mapKeyList(leaf.Keys, f)
			return &TapTree{Leaf: &MultiA{
				Threshold: leaf.Threshold,
				Keys:      keys,
				Sorted:    leaf.Sorted,
			}}, err

		default:
			return t, nil
		}
	}

	left, err := t.Left.mapKeys(f)
	if err != nil {
		return nil, err
	}
	right, err := t.Right.mapKeys(f)
	if err != nil {
		return nil, err
	}

	return &TapTree{Left: left, Right: right}, nil
}
