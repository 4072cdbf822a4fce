// Package keyexpr implements descriptor key expressions: a public or
// extended key with an optional origin and a derivation tail that may end in
// a wildcard.
package keyexpr

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Context is the script context a key expression appears in. It decides
// which single-key encodings are allowed.
type Context uint8

const (
	// ContextLegacy allows compressed and uncompressed keys.
	ContextLegacy Context = iota

	// ContextSegwitV0 allows compressed keys only.
	ContextSegwitV0

	// ContextTaproot allows compressed and x-only keys.
	ContextTaproot
)

// Wildcard describes the final step of a ranged key expression.
type Wildcard uint8

const (
	WildcardNone Wildcard = iota
	WildcardUnhardened
	WildcardHardened
)

// Multipath is a tail step with several alternatives, written <0;1>. Each
// alternative selects one keychain.
type Multipath struct {
	// Position is the index into Tail the step occupies.
	Position int

	Indexes []uint32
}

// KeyExpression is a key source inside a descriptor. Exactly one of PubKey
// and ExtKey is set.
type KeyExpression struct {
	Origin fn.Option[Origin]

	PubKey       *btcec.PublicKey
	XOnly        bool
	Uncompressed bool

	ExtKey *hdkeychain.ExtendedKey

	// Tail holds the steps after the extended key. When Multipath is set
	// the step at its position is a placeholder.
	Tail      Path
	Multipath *Multipath
	Wildcard  Wildcard

	fingerprint Fingerprint
}

// DerivedKey is a concrete key produced by resolving an expression, along
// with the master fingerprint and full path that lead to it.
type DerivedKey struct {
	PubKey       *btcec.PublicKey
	XOnly        bool
	Uncompressed bool
	Fingerprint  Fingerprint
	Path         Path
}

// Bytes returns the key serialized the way it appears in scripts of the
// context it was parsed in.
func (d *DerivedKey) Bytes() []byte {
	switch {
	case d.XOnly:
		return schnorr.SerializePubKey(d.PubKey)
	case d.Uncompressed:
		return d.PubKey.SerializeUncompressed()
	default:
		return d.PubKey.SerializeCompressed()
	}
}

// Parse parses a key expression of the form [fp/path]KEY/tail/*.
func Parse(s string, ctx Context) (*KeyExpression, error) {
	k := &KeyExpression{Origin: fn.None[Origin]()}

	if strings.HasPrefix(s, "[") {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated origin in %q",
				ErrInvalidKey, s)
		}
		origin, err := parseOrigin(s[1:end])
		if err != nil {
			return nil, err
		}
		k.Origin = fn.Some(origin)
		s = s[end+1:]
	}

	parts := strings.Split(s, "/")
	if err := k.parseKey(parts[0], ctx); err != nil {
		return nil, err
	}

	tail := parts[1:]
	if k.ExtKey == nil && len(tail) > 0 {
		return nil, fmt.Errorf("%w: derivation steps on a single key",
			ErrInvalidDerivation)
	}
	if err := k.parseTail(tail); err != nil {
		return nil, err
	}

	k.fingerprint = k.computeFingerprint()

	return k, nil
}

func (k *KeyExpression) parseKey(s string, ctx Context) error {
	if s == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		ext, err := hdkeychain.NewKeyFromString(s)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		k.ExtKey = ext

		return nil
	}

	switch len(raw) {
	case secp256k1.PubKeyBytesLenCompressed:
		k.PubKey, err = btcec.ParsePubKey(raw)

	case secp256k1.PubKeyBytesLenUncompressed:
		if ctx != ContextLegacy {
			return fmt.Errorf("%w: uncompressed key outside legacy "+
				"context", ErrInvalidKey)
		}
		k.PubKey, err = btcec.ParsePubKey(raw)
		k.Uncompressed = true

	case schnorr.PubKeyBytesLen:
		if ctx != ContextTaproot {
			return fmt.Errorf("%w: x-only key outside taproot "+
				"context", ErrInvalidKey)
		}
		k.PubKey, err = schnorr.ParsePubKey(raw)
		k.XOnly = true

	default:
		return fmt.Errorf("%w: key of %d bytes", ErrInvalidKey, len(raw))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	return nil
}

func (k *KeyExpression) parseTail(tail []string) error {
	k.Tail = Path{}
	for i, part := range tail {
		last := i == len(tail)-1

		switch {
		case part == "*":
			if !last {
				return fmt.Errorf("%w: wildcard must be the last "+
					"step", ErrInvalidDerivation)
			}
			k.Wildcard = WildcardUnhardened

		case len(part) == 2 && part[0] == '*' &&
			isHardenedMarker(part[1]):

			if !last {
				return fmt.Errorf("%w: wildcard must be the last "+
					"step", ErrInvalidDerivation)
			}
			k.Wildcard = WildcardHardened

		case strings.HasPrefix(part, "<"):
			if k.Multipath != nil {
				return fmt.Errorf("%w: more than one multipath "+
					"step", ErrInvalidDerivation)
			}
			mp, err := parseMultipath(part)
			if err != nil {
				return err
			}
			mp.Position = len(k.Tail)
			k.Multipath = mp
			k.Tail = append(k.Tail, mp.Indexes[0])

		default:
			step, err := parseStep(part)
			if err != nil {
				return err
			}
			k.Tail = append(k.Tail, step)
		}
	}

	needsPrivate := k.Tail.HasHardened() || k.Wildcard == WildcardHardened
	if k.Multipath != nil {
		needsPrivate = needsPrivate || Path(k.Multipath.Indexes).HasHardened()
	}
	if needsPrivate && !k.ExtKey.IsPrivate() {
		return fmt.Errorf("%w: hardened step from a public key",
			ErrInvalidDerivation)
	}

	return nil
}

func parseMultipath(s string) (*Multipath, error) {
	if !strings.HasSuffix(s, ">") {
		return nil, fmt.Errorf("%w: unterminated multipath step %q",
			ErrInvalidDerivation, s)
	}

	alts := strings.Split(s[1:len(s)-1], ";")
	if len(alts) < 2 {
		return nil, fmt.Errorf("%w: multipath step %q needs two or more "+
			"alternatives", ErrInvalidDerivation, s)
	}

	seen := make(map[uint32]struct{}, len(alts))
	mp := &Multipath{Indexes: make([]uint32, 0, len(alts))}
	for _, alt := range alts {
		step, err := parseStep(alt)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[step]; ok {
			return nil, fmt.Errorf("%w: duplicate multipath index %s",
				ErrInvalidDerivation, formatStep(step))
		}
		seen[step] = struct{}{}
		mp.Indexes = append(mp.Indexes, step)
	}

	return mp, nil
}

func (k *KeyExpression) computeFingerprint() Fingerprint {
	if origin, err := k.Origin.UnwrapOrErr(ErrInvalidKey); err == nil {
		return origin.Fingerprint
	}

	if k.ExtKey != nil {
		pub, err := k.ExtKey.ECPubKey()
		if err != nil {
			return Fingerprint{}
		}

		return KeyFingerprint(pub)
	}

	return KeyFingerprint(k.PubKey)
}

// Fingerprint returns the master fingerprint of the expression. Without an
// origin this is the fingerprint of the key itself.
func (k *KeyExpression) Fingerprint() Fingerprint {
	return k.fingerprint
}

// IsRange returns true if the expression ends in a wildcard.
func (k *KeyExpression) IsRange() bool {
	return k.Wildcard != WildcardNone
}

// Keychains returns the number of alternatives of the multipath step, or 1
// if there is none.
func (k *KeyExpression) Keychains() int {
	if k.Multipath == nil {
		return 1
	}

	return len(k.Multipath.Indexes)
}

// SelectKeychain returns a copy of the expression with the multipath step
// replaced by its i-th alternative.
func (k *KeyExpression) SelectKeychain(i int) (*KeyExpression, error) {
	if k.Multipath == nil {
		if i != 0 {
			return nil, fmt.Errorf("%w: keychain %d of a single-path "+
				"key", ErrInvalidDerivation, i)
		}

		return k, nil
	}
	if i < 0 || i >= len(k.Multipath.Indexes) {
		return nil, fmt.Errorf("%w: keychain %d of %d",
			ErrInvalidDerivation, i, len(k.Multipath.Indexes))
	}

	sel := *k
	sel.Tail = make(Path, len(k.Tail))
	copy(sel.Tail, k.Tail)
	sel.Tail[k.Multipath.Position] = k.Multipath.Indexes[i]
	sel.Multipath = nil

	return &sel, nil
}

// Resolve derives the concrete key at the wildcard position index.
func (k *KeyExpression) Resolve(index uint32) (*DerivedKey, error) {
	return k.ResolveWith(HDDeriver{}, index)
}

// ResolveWith is Resolve with an explicit derivation collaborator.
func (k *KeyExpression) ResolveWith(d Deriver,
	index uint32) (*DerivedKey, error) {

	if !k.IsRange() {
		return nil, fmt.Errorf("%w: index %d on a non-ranged key",
			ErrInvalidDerivation, index)
	}
	if index >= HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d out of range",
			ErrInvalidDerivation, index)
	}

	step := index
	if k.Wildcard == WildcardHardened {
		step += HardenedKeyStart
	}

	return k.derive(d, k.Tail.Child(step))
}

// Fixed returns the concrete key of a non-ranged expression.
func (k *KeyExpression) Fixed() (*DerivedKey, error) {
	return k.FixedWith(HDDeriver{})
}

// FixedWith is Fixed with an explicit derivation collaborator.
func (k *KeyExpression) FixedWith(d Deriver) (*DerivedKey, error) {
	if k.IsRange() {
		return nil, fmt.Errorf("%w: ranged key needs an index",
			ErrInvalidDerivation)
	}

	return k.derive(d, k.Tail)
}

// DeriveAt resolves ranged expressions at index and returns non-ranged
// expressions unchanged. Descriptors mixing both kinds of keys resolve
// through this.
func (k *KeyExpression) DeriveAt(d Deriver, index uint32) (*DerivedKey,
	error) {

	if k.IsRange() {
		return k.ResolveWith(d, index)
	}

	return k.FixedWith(d)
}

func (k *KeyExpression) derive(d Deriver, tail Path) (*DerivedKey, error) {
	if k.Multipath != nil {
		return nil, fmt.Errorf("%w: multipath key needs a keychain",
			ErrInvalidDerivation)
	}
	if d == nil {
		d = HDDeriver{}
	}

	path := Path{}
	k.Origin.WhenSome(func(o Origin) {
		path = append(path, o.Path...)
	})

	if k.ExtKey == nil {
		return &DerivedKey{
			PubKey:       k.PubKey,
			XOnly:        k.XOnly,
			Uncompressed: k.Uncompressed,
			Fingerprint:  k.fingerprint,
			Path:         path,
		}, nil
	}

	key := k.ExtKey
	for _, step := range tail {
		var err error
		key, err = d.DeriveChild(key, step)
		if err != nil {
			return nil, fmt.Errorf("%w: child %s: %v",
				ErrInvalidDerivation, formatStep(step), err)
		}
	}

	pub, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDerivation, err)
	}

	return &DerivedKey{
		PubKey:      pub,
		XOnly:       k.XOnly,
		Fingerprint: k.fingerprint,
		Path:        append(path, tail...),
	}, nil
}

// String returns the expression in canonical descriptor form.
func (k *KeyExpression) String() string {
	var b strings.Builder
	k.Origin.WhenSome(func(o Origin) {
		b.WriteString(o.String())
	})

	switch {
	case k.ExtKey != nil:
		b.WriteString(k.ExtKey.String())
	case k.XOnly:
		b.WriteString(hex.EncodeToString(schnorr.SerializePubKey(k.PubKey)))
	case k.Uncompressed:
		b.WriteString(hex.EncodeToString(k.PubKey.SerializeUncompressed()))
	default:
		b.WriteString(hex.EncodeToString(k.PubKey.SerializeCompressed()))
	}

	for i, step := range k.Tail {
		b.WriteByte('/')
		if k.Multipath != nil && k.Multipath.Position == i {
			alts := make([]string, len(k.Multipath.Indexes))
			for j, idx := range k.Multipath.Indexes {
				alts[j] = formatStep(idx)
			}
			b.WriteString("<" + strings.Join(alts, ";") + ">")

			continue
		}
		b.WriteString(formatStep(step))
	}

	switch k.Wildcard {
	case WildcardUnhardened:
		b.WriteString("/*")
	case WildcardHardened:
		b.WriteString("/*'")
	}

	return b.String()
}

// GoString is used by %#v and keeps key material in descriptor form.
func (k *KeyExpression) GoString() string {
	return "keyexpr.KeyExpression(" + strconv.Quote(k.String()) + ")"
}
