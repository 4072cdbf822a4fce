package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/tapscript"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

const (
	// BIP32 test vector 1.
	masterXPub = "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGheP" +
		"Y2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8"
	childXPub = "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP" +
		"6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw"

	// The generator point.
	genKey = "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16" +
		"f81798"
	genKeyUncompressed = "0479be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d" +
		"959f2815b16f81798483ada7726a3c4655da4fbfc0e1108a8fd17b448a6855419" +
		"9c47d08ffb10d4b8"
	genXOnly = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f8" +
		"1798"
)

// testKeys are deterministic keys for building descriptors.
var testKeys = func() []*btcec.PrivateKey {
	keys := make([]*btcec.PrivateKey, 8)
	for i := range keys {
		seed := sha256.Sum256([]byte(fmt.Sprintf("descriptor key %d", i)))
		keys[i], _ = btcec.PrivKeyFromBytes(seed[:])
	}

	return keys
}()

func pubHex(i int) string {
	return hex.EncodeToString(testKeys[i].PubKey().SerializeCompressed())
}

func xOnlyHex(i int) string {
	return hex.EncodeToString(schnorr.SerializePubKey(testKeys[i].PubKey()))
}

func mustHex(t *testing.T, s string) []byte {
	b, err := hex.DecodeString(s)
	require.NoError(t, err)

	return b
}

func TestChecksum(t *testing.T) {
	sum, err := Checksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "89f8spxm", sum)

	d, err := Parse("raw(deadbeef)#89f8spxm")
	require.NoError(t, err)
	require.Equal(t, "raw(deadbeef)#89f8spxm", StringWithChecksum(d))

	_, err = Parse("raw(deadbeef)#89f8spxn")
	require.ErrorIs(t, err, ErrInvalidChecksum)

	_, err = Parse("raw(deadbeef)#89f8")
	require.ErrorIs(t, err, ErrInvalidChecksum)

	_, err = Checksum("raw(deadé)")
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}

func TestParseRoundTrip(t *testing.T) {
	tests := []string{
		"pk(" + genKey + ")",
		"pk(" + genKeyUncompressed + ")",
		"pkh([3442193e/0']" + childXPub + "/1/*)",
		"wpkh(" + masterXPub + "/0/*)",
		"wpkh([3442193e/84'/0'/0']" + childXPub + "/<0;1>/*)",
		"sh(wpkh(" + pubHex(0) + "))",
		"sh(multi(1," + pubHex(0) + "," + pubHex(1) + "))",
		"sh(wsh(pkh(" + pubHex(2) + ")))",
		"wsh(multi(2," + pubHex(0) + "," + pubHex(1) + "))",
		"wsh(sortedmulti(2," + masterXPub + "/0/*," + childXPub + "/0/*))",
		"multi(1," + pubHex(0) + "," + pubHex(1) + "," + pubHex(2) + ")",
		"tr(" + genXOnly + ")",
		"tr(" + masterXPub + "/0/*,pk(" + xOnlyHex(1) + "))",
		"tr(" + pubHex(0) + ",{pk(" + xOnlyHex(1) + "),multi_a(1," +
			xOnlyHex(2) + "," + xOnlyHex(3) + ")})",
		"tr(" + xOnlyHex(0) + ",{raw(51),{pk(" + xOnlyHex(1) +
			"),sortedmulti_a(2," + xOnlyHex(2) + "," + xOnlyHex(3) + ")}})",
		"raw(deadbeef)",
	}

	for _, s := range tests {
		d, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, s, d.String())

		again, err := Parse(StringWithChecksum(d))
		require.NoError(t, err)
		require.Equal(t, s, again.String())
	}
}

func TestParseAcceptsHardenedMarkers(t *testing.T) {
	d, err := Parse("pkh([3442193e/0h]" + childXPub + "/1/*)")
	require.NoError(t, err)
	require.Equal(t, "pkh([3442193e/0']"+childXPub+"/1/*)", d.String())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
		err  error
	}{
		{"sh in sh", "sh(sh(pk(" + genKey + ")))", ErrUnsupportedNesting},
		{"wpkh in wsh", "wsh(wpkh(" + genKey + "))", ErrUnsupportedNesting},
		{"sh in wsh", "wsh(sh(pk(" + genKey + ")))", ErrUnsupportedNesting},
		{"tr in wsh", "wsh(tr(" + genKey + "))", ErrUnsupportedNesting},
		{"pkh leaf", "tr(" + genXOnly + ",pkh(" + genKey + "))",
			ErrUnsupportedNesting},
		{"multi leaf", "tr(" + genXOnly + ",multi(1," + genKey + "))",
			ErrUnsupportedNesting},
		{"bare multi_a", "multi_a(1," + genXOnly + ")",
			ErrUnsupportedNesting},
		{"unknown function", "foo(" + genKey + ")", ErrInvalidDescriptor},
		{"unclosed", "pk(" + genKey, ErrInvalidDescriptor},
		{"trailing", "pk(" + genKey + "))", ErrInvalidDescriptor},
		{"empty", "", ErrInvalidDescriptor},
		{"bare key", genKey, ErrInvalidDescriptor},
		{"empty argument", "multi(1,," + genKey + ")", ErrInvalidDescriptor},
		{"zero threshold", "multi(0," + genKey + ")", ErrInvalidDescriptor},
		{"threshold above n", "wsh(multi(3," + pubHex(0) + "," +
			pubHex(1) + "))", ErrInvalidDescriptor},
		{"bare multi too large", "multi(1," + pubHex(0) + "," + pubHex(1) +
			"," + pubHex(2) + "," + pubHex(3) + ")", ErrInvalidDescriptor},
		{"uncompressed wpkh", "wpkh(" + genKeyUncompressed + ")",
			keyexpr.ErrInvalidKey},
		{"uncompressed wsh", "wsh(pk(" + genKeyUncompressed + "))",
			keyexpr.ErrInvalidKey},
		{"x-only outside tr", "pk(" + genXOnly + ")", keyexpr.ErrInvalidKey},
		{"bad hex", "raw(zz)", ErrInvalidDescriptor},
		{"half branch", "tr(" + genXOnly + ",{pk(" + xOnlyHex(1) + ")})",
			ErrInvalidDescriptor},
		{"keychain mismatch", "wsh(multi(1," + masterXPub + "/<0;1>/*," +
			childXPub + "/<0;1;2>/*))", ErrInvalidDescriptor},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.in)
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestConstructorsRejectNesting(t *testing.T) {
	key, err := keyexpr.Parse(genKey, keyexpr.ContextLegacy)
	require.NoError(t, err)

	_, err = NewSh(&Sh{Inner: &Pk{Key: key}})
	require.ErrorIs(t, err, ErrUnsupportedNesting)

	_, err = NewWsh(&Wpkh{Key: key})
	require.ErrorIs(t, err, ErrUnsupportedNesting)

	_, err = NewWsh(&Tr{Internal: key})
	require.ErrorIs(t, err, ErrUnsupportedNesting)
}

func TestScripts(t *testing.T) {
	k0 := testKeys[0].PubKey().SerializeCompressed()
	k1 := testKeys[1].PubKey().SerializeCompressed()
	h0 := btcutil.Hash160(k0)

	multi := func(a, b []byte) []byte {
		s := []byte{txscript.OP_2, txscript.OP_DATA_33}
		s = append(s, a...)
		s = append(s, txscript.OP_DATA_33)
		s = append(s, b...)

		return append(s, txscript.OP_2, txscript.OP_CHECKMULTISIG)
	}
	p2wsh := func(ws []byte) []byte {
		h := sha256.Sum256(ws)
		return append([]byte{txscript.OP_0, txscript.OP_DATA_32}, h[:]...)
	}
	p2sh := func(rs []byte) []byte {
		s := append([]byte{txscript.OP_HASH160, txscript.OP_DATA_20},
			btcutil.Hash160(rs)...)
		return append(s, txscript.OP_EQUAL)
	}
	wpkh := append([]byte{txscript.OP_0, txscript.OP_DATA_20}, h0...)

	lo, hi := k0, k1
	if hex.EncodeToString(lo) > hex.EncodeToString(hi) {
		lo, hi = hi, lo
	}

	tests := []struct {
		desc string
		want []byte
	}{{
		desc: "pk(" + genKey + ")",
		want: mustHex(t, "21"+genKey+"ac"),
	}, {
		desc: "pkh(" + pubHex(0) + ")",
		want: append(append([]byte{txscript.OP_DUP, txscript.OP_HASH160,
			txscript.OP_DATA_20}, h0...), txscript.OP_EQUALVERIFY,
			txscript.OP_CHECKSIG),
	}, {
		desc: "wpkh(" + pubHex(0) + ")",
		want: wpkh,
	}, {
		desc: "sh(wpkh(" + pubHex(0) + "))",
		want: p2sh(wpkh),
	}, {
		desc: "wsh(multi(2," + pubHex(0) + "," + pubHex(1) + "))",
		want: p2wsh(multi(k0, k1)),
	}, {
		desc: "wsh(multi(2," + pubHex(1) + "," + pubHex(0) + "))",
		want: p2wsh(multi(k1, k0)),
	}, {
		desc: "wsh(sortedmulti(2," + pubHex(1) + "," + pubHex(0) + "))",
		want: p2wsh(multi(lo, hi)),
	}, {
		desc: "sh(wsh(multi(2," + pubHex(0) + "," + pubHex(1) + ")))",
		want: p2sh(p2wsh(multi(k0, k1))),
	}, {
		desc: "raw(deadbeef)",
		want: mustHex(t, "deadbeef"),
	}}

	for _, tc := range tests {
		d, err := Parse(tc.desc)
		require.NoError(t, err)

		spk, err := ScriptPubKey(d, 0)
		require.NoError(t, err)
		require.Equal(t, tc.want, spk, tc.desc)
	}
}

func TestSpendInfoNested(t *testing.T) {
	d, err := Parse("sh(wsh(sortedmulti(1," + pubHex(1) + "," + pubHex(0) +
		")))")
	require.NoError(t, err)

	info, err := SpendInfoAt(d, 0)
	require.NoError(t, err)
	require.Equal(t, SpkP2SH, info.Class)
	require.Equal(t, SpkP2WSH, ClassifyScript(info.RedeemScript))
	require.NotEmpty(t, info.WitnessScript)

	// Keys keep the text order, the satisfaction follows the script.
	require.Len(t, info.Keys, 2)
	require.True(t, info.Keys[0].PubKey.IsEqual(testKeys[1].PubKey()))
	require.Equal(t, SatisfyMulti, info.Satisfaction.Kind)
	require.Equal(t, 1, info.Satisfaction.Threshold)
	a := info.Satisfaction.Keys[0].Bytes()
	b := info.Satisfaction.Keys[1].Bytes()
	require.Negative(t, strings.Compare(hex.EncodeToString(a),
		hex.EncodeToString(b)))
}

func TestTaprootKeyOnly(t *testing.T) {
	d, err := Parse("tr(" + genXOnly + ")")
	require.NoError(t, err)

	info, err := SpendInfoAt(d, 0)
	require.NoError(t, err)
	require.Equal(t, SpkP2TR, info.Class)
	require.Nil(t, info.Taproot.MerkleRoot)
	require.Empty(t, info.Taproot.Leaves)

	internal, err := schnorr.ParsePubKey(mustHex(t, genXOnly))
	require.NoError(t, err)
	want, err := txscript.PayToTaprootScript(
		txscript.ComputeTaprootKeyNoScript(internal),
	)
	require.NoError(t, err)
	require.Equal(t, want, info.ScriptPubKey)
}

// TestTaprootWalletVector checks the first key path vector of the BIP341
// wallet test vectors.
func TestTaprootWalletVector(t *testing.T) {
	d, err := Parse("tr(d6889cb081036e0faefa3a35157ad71086b123b2b144b6" +
		"49798b494c300a961d)")
	require.NoError(t, err)

	spk, err := ScriptPubKey(d, 0)
	require.NoError(t, err)
	require.Equal(t, "512053a1f6e454df1aa2776a2814a721372d6258050de330b3"+
		"c6d10ee8f4e0dda343", hex.EncodeToString(spk))

	addr, err := Address(d, 0, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, "bc1p2wsldez5mud2yam29q22wgfh9439spgduvct83k3pm50fcx"+
		"a5dps59h4z5", addr.EncodeAddress())
}

func TestTaprootTree(t *testing.T) {
	d, err := Parse("tr(" + pubHex(0) + ",{pk(" + xOnlyHex(1) +
		"),multi_a(2," + xOnlyHex(2) + "," + xOnlyHex(3) + ")})")
	require.NoError(t, err)

	info, err := SpendInfoAt(d, 0)
	require.NoError(t, err)
	tr := info.Taproot
	require.Len(t, tr.Leaves, 2)
	require.Len(t, info.Keys, 4)
	require.Len(t, tr.InternalKey.Bytes(), schnorr.PubKeyBytesLen)

	pkLeaf := mustHex(t, "20"+xOnlyHex(1)+"ac")
	require.Equal(t, pkLeaf, tr.Leaves[0].Leaf.Script)
	require.Equal(t, SatisfyPk, tr.Leaves[0].Satisfaction.Kind)

	multiA := mustHex(t, "20"+xOnlyHex(2)+"ac20"+xOnlyHex(3)+"ba529c")
	require.Equal(t, multiA, tr.Leaves[1].Leaf.Script)
	require.Equal(t, SatisfyMultiA, tr.Leaves[1].Satisfaction.Kind)
	require.Equal(t, 2, tr.Leaves[1].Satisfaction.Threshold)

	root := tapscript.NewBranch(
		tapscript.NewLeafNode(tapscript.NewLeaf(pkLeaf)),
		tapscript.NewLeafNode(tapscript.NewLeaf(multiA)),
	).Hash()
	require.Equal(t, root[:], tr.MerkleRoot)

	want, err := txscript.PayToTaprootScript(tr.OutputKey)
	require.NoError(t, err)
	require.Equal(t, want, info.ScriptPubKey)

	for _, leaf := range tr.Leaves {
		require.Equal(t, leaf.Leaf.Hash(), leaf.Hash)
		require.NoError(t, tapscript.VerifyControlBlock(
			tr.OutputKey, leaf.Leaf.Script, leaf.ControlBlock,
		))
	}
}

func TestRangedAndMultipath(t *testing.T) {
	d, err := Parse("wpkh(" + masterXPub + "/<0;1>/*)")
	require.NoError(t, err)
	require.Equal(t, 2, Keychains(d))

	_, err = ScriptPubKey(d, 0)
	require.ErrorIs(t, err, keyexpr.ErrInvalidDerivation)

	change, err := ForKeychain(d, 1)
	require.NoError(t, err)
	require.Equal(t, "wpkh("+masterXPub+"/1/*)", change.String())

	plain, err := Parse("wpkh(" + masterXPub + "/1/*)")
	require.NoError(t, err)
	for i := uint32(0); i < 3; i++ {
		a, err := ScriptPubKey(change, i)
		require.NoError(t, err)
		b, err := ScriptPubKey(plain, i)
		require.NoError(t, err)
		require.Equal(t, a, b)
	}

	_, err = ForKeychain(d, 2)
	require.ErrorIs(t, err, keyexpr.ErrInvalidDerivation)

	// Resolution goes through the given deriver.
	cached := keyexpr.NewCachedDeriver(nil, 0)
	r := NewResolver(cached)
	a, err := r.ScriptPubKey(plain, 7)
	require.NoError(t, err)
	b, err := ScriptPubKey(plain, 7)
	require.NoError(t, err)
	require.Equal(t, b, a)
	require.Equal(t, 2, cached.Len())
}

func TestAddress(t *testing.T) {
	d, err := Parse("wpkh(" + genKey + ")")
	require.NoError(t, err)

	addr, err := Address(d, 0, &chaincfg.MainNetParams)
	require.NoError(t, err)
	require.Equal(t, "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		addr.EncodeAddress())

	d, err = Parse("pk(" + genKey + ")")
	require.NoError(t, err)
	_, err = Address(d, 0, &chaincfg.MainNetParams)
	require.ErrorIs(t, err, ErrNoAddress)

	d, err = Parse("tr(" + genXOnly + ")")
	require.NoError(t, err)
	addr, err = Address(d, 0, &chaincfg.TestNet3Params)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(addr.EncodeAddress(), "tb1p"))
}

func TestClassDustLimit(t *testing.T) {
	tests := []struct {
		class  SpkClass
		dust   int64
		segwit bool
	}{
		{SpkBare, 0, false},
		{SpkP2PKH, 546, false},
		{SpkP2SH, 540, false},
		{SpkP2WPKH, 294, true},
		{SpkP2WSH, 330, true},
		{SpkP2TR, 330, true},
	}

	for _, tc := range tests {
		require.Equal(t, tc.dust, tc.class.DustLimit(), tc.class.String())
		require.Equal(t, tc.segwit, tc.class.IsSegwit())
		require.Equal(t, tc.class == SpkP2TR, tc.class.IsTaproot())
	}
}

func TestDescrID(t *testing.T) {
	multi, err := Parse("wpkh(" + masterXPub + "/<0;1>/*)")
	require.NoError(t, err)
	receive, err := Parse("wpkh(" + masterXPub + "/0/*)")
	require.NoError(t, err)
	other, err := Parse("wpkh(" + childXPub + "/0/*)")
	require.NoError(t, err)

	a, err := ID(multi)
	require.NoError(t, err)
	b, err := ID(receive)
	require.NoError(t, err)
	c, err := ID(other)
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.Len(t, a.String(), 17)
	require.Equal(t, byte('-'), a.String()[8])
}

// genDescriptor draws a random descriptor text from the supported shapes.
func genDescriptor(t *rapid.T) string {
	key := func(label string) string {
		i := rapid.IntRange(0, len(testKeys)-1).Draw(t, label)
		switch rapid.IntRange(0, 2).Draw(t, label+"kind") {
		case 0:
			return pubHex(i)
		case 1:
			return masterXPub + "/" + fmt.Sprint(i) + "/*"
		default:
			return "[3442193e/0']" + childXPub + "/<0;1>/*"
		}
	}
	keys := func(label string) (int, string) {
		n := rapid.IntRange(1, 3).Draw(t, label+"n")
		parts := make([]string, n)
		for i := range parts {
			parts[i] = key(fmt.Sprintf("%s%d", label, i))
		}
		threshold := rapid.IntRange(1, n).Draw(t, label+"t")

		return threshold, strings.Join(parts, ",")
	}
	xonly := func(label string) string {
		return xOnlyHex(rapid.IntRange(0, len(testKeys)-1).Draw(t, label))
	}

	var leaf func(depth int) string
	leaf = func(depth int) string {
		if depth < 3 && rapid.Bool().Draw(t, "branch") {
			return "{" + leaf(depth+1) + "," + leaf(depth+1) + "}"
		}
		switch rapid.IntRange(0, 2).Draw(t, "leaf") {
		case 0:
			return "pk(" + xonly("leafkey") + ")"
		case 1:
			return "multi_a(1," + xonly("a") + "," + xonly("b") + ")"
		default:
			return "raw(51)"
		}
	}

	switch rapid.IntRange(0, 6).Draw(t, "shape") {
	case 0:
		return "pkh(" + key("pkh") + ")"
	case 1:
		return "wpkh(" + key("wpkh") + ")"
	case 2:
		return "sh(wpkh(" + key("shwpkh") + "))"
	case 3:
		threshold, ks := keys("wsh")
		return fmt.Sprintf("wsh(sortedmulti(%d,%s))", threshold, ks)
	case 4:
		threshold, ks := keys("shwsh")
		return fmt.Sprintf("sh(wsh(multi(%d,%s)))", threshold, ks)
	case 5:
		return "tr(" + xonly("internal") + ")"
	default:
		return "tr(" + xonly("internal") + "," + leaf(0) + ")"
	}
}

func TestRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := genDescriptor(t)

		d, err := Parse(s)
		require.NoError(t, err, s)
		require.Equal(t, s, d.String())

		again, err := Parse(StringWithChecksum(d))
		require.NoError(t, err)
		require.Equal(t, d.String(), again.String())

		// Every keychain resolves at some index.
		for k := 0; k < Keychains(d); k++ {
			sel, err := ForKeychain(d, k)
			require.NoError(t, err)
			_, err = ScriptPubKey(sel, 1)
			require.NoError(t, err)
		}
	})
}
