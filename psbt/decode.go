package psbt

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Global key types of BIP370 that btcutil/psbt does not name.
const (
	txVersionType        byte = 0x02
	fallbackLockTimeType byte = 0x03
	inputCountType       byte = 0x04
	outputCountType      byte = 0x05
	txModifiableType     byte = 0x06
)

// Input key types of BIP370.
const (
	previousTxidType           byte = 0x0e
	outputIndexType            byte = 0x0f
	sequenceType               byte = 0x10
	requiredTimeLocktimeType   byte = 0x11
	requiredHeightLocktimeType byte = 0x12
)

// Output key types of BIP370.
const (
	amountType byte = 0x03
	scriptType byte = 0x04
)

// Decode parses the binary serialization of a packet.
func Decode(b []byte) (*Packet, error) {
	r := bytes.NewReader(b)
	p, err := NewFromRawBytes(r, false)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, globalErr("trailer", fmt.Errorf("%w: %d trailing "+
			"bytes", ErrMalformedEncoding, r.Len()))
	}

	return p, nil
}

// DecodeBase64 parses the base64 serialization of a packet.
func DecodeBase64(s string) (*Packet, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, globalErr("base64", fmt.Errorf("%w: %v",
			ErrMalformedEncoding, err))
	}

	return Decode(b)
}

// NewFromRawBytes reads a packet from r, decoding base64 first if b64 is
// set.
func NewFromRawBytes(r io.Reader, b64 bool) (*Packet, error) {
	if b64 {
		r = base64.NewDecoder(base64.StdEncoding, r)
	}

	var m [len(magic)]byte
	if _, err := io.ReadFull(r, m[:]); err != nil || m != magic {
		return nil, globalErr("magic", fmt.Errorf("%w: bad magic bytes",
			ErrMalformedEncoding))
	}

	g, err := readGlobal(r)
	if err != nil {
		return nil, err
	}
	p := g.packet

	// The maps are allocated as they are read. A version 2 count is
	// only a claim until the maps behind it are there.
	for i := 0; uint64(i) < g.numInputs; i++ {
		in := g.newInput(i)
		if err := readInput(r, g, i, &in); err != nil {
			return nil, err
		}
		p.Inputs = append(p.Inputs, in)
	}
	for i := 0; uint64(i) < g.numOutputs; i++ {
		out := g.newOutput(i)
		if err := readOutput(r, g, i, &out); err != nil {
			return nil, err
		}
		p.Outputs = append(p.Outputs, out)
	}

	if err := p.SanityCheck(); err != nil {
		return nil, err
	}
	p.sortRecords()

	return p, nil
}

// globalState carries what the global map tells the input and output
// parsers.
type globalState struct {
	packet *Packet
	tx     *wire.MsgTx

	numInputs  uint64
	numOutputs uint64
}

// newInput returns input i as the global map describes it, before its own
// map is read.
func (g *globalState) newInput(i int) Input {
	if g.tx == nil {
		return NewInput(wire.OutPoint{})
	}

	in := NewInput(g.tx.TxIn[i].PreviousOutPoint)
	in.Sequence = g.tx.TxIn[i].Sequence

	return in
}

// newOutput returns output i as the global map describes it.
func (g *globalState) newOutput(i int) Output {
	if g.tx == nil {
		return Output{}
	}

	out := g.tx.TxOut[i]

	return Output{Amount: out.Value, PkScript: out.PkScript}
}

func readGlobal(r io.Reader) (*globalState, error) {
	var (
		p = &Packet{
			FallbackLockTime: fn.None[uint32](),
			TxModifiable:     fn.None[ModifiableFlags](),
		}
		keys = keySet{}

		tx                      *wire.MsgTx
		version                 fn.Option[uint32]
		txVersion               fn.Option[int32]
		inputCount, outputCount fn.Option[uint64]
	)

	fail := func(field string, format string, args ...any) error {
		return globalErr(field, fmt.Errorf("%w: "+format,
			append([]any{ErrMalformedEncoding}, args...)...))
	}

	for {
		kv, err := readKV(r)
		if err != nil {
			return nil, globalErr("record", err)
		}
		if kv == nil {
			break
		}
		if !keys.add(kv) {
			return nil, fail("record", "duplicate key %x", kv.fullKey())
		}

		switch kv.keyType {
		case byte(psbt.UnsignedTxType):
			if kv.keyData != nil {
				return nil, fail("unsigned tx", "key data")
			}
			tx = wire.NewMsgTx(wire.TxVersion)
			err := tx.DeserializeNoWitness(bytes.NewReader(kv.value))
			if err != nil {
				return nil, fail("unsigned tx", "%v", err)
			}
			if !isUnsigned(tx) {
				return nil, fail("unsigned tx", "transaction is signed")
			}

		case byte(psbt.XpubType):
			x, err := decodeXPub(kv)
			if err != nil {
				return nil, globalErr("xpub", err)
			}
			p.XPubs = append(p.XPubs, x)

		case txVersionType:
			v, err := readUint32(kv.value)
			if err != nil || kv.keyData != nil {
				return nil, fail("tx version", "invalid record")
			}
			txVersion = fn.Some(int32(v))

		case fallbackLockTimeType:
			v, err := readUint32(kv.value)
			if err != nil || kv.keyData != nil {
				return nil, fail("fallback locktime", "invalid record")
			}
			p.FallbackLockTime = fn.Some(v)

		case inputCountType, outputCountType:
			vr := bytes.NewReader(kv.value)
			n, err := wire.ReadVarInt(vr, 0)
			if err != nil || vr.Len() != 0 || kv.keyData != nil {
				return nil, fail("count", "invalid record")
			}
			if kv.keyType == inputCountType {
				inputCount = fn.Some(n)
			} else {
				outputCount = fn.Some(n)
			}

		case txModifiableType:
			if len(kv.value) != 1 || kv.keyData != nil {
				return nil, fail("tx modifiable", "invalid record")
			}
			p.TxModifiable = fn.Some(ModifiableFlags(kv.value[0]))

		case byte(psbt.VersionType):
			v, err := readUint32(kv.value)
			if err != nil || kv.keyData != nil {
				return nil, fail("version", "invalid record")
			}
			version = fn.Some(v)

		default:
			p.Unknowns = append(p.Unknowns, &psbt.Unknown{
				Key: kv.fullKey(), Value: kv.value,
			})
		}
	}

	p.Version = Version(version.UnwrapOr(0))
	switch p.Version {
	case V0:
		if tx == nil {
			return nil, fail("unsigned tx", "missing in version 0")
		}
		if txVersion.IsSome() || inputCount.IsSome() ||
			outputCount.IsSome() || p.FallbackLockTime.IsSome() ||
			p.TxModifiable.IsSome() {

			return nil, fail("version", "version 2 field in version 0")
		}

		p.TxVersion = tx.Version
		p.LockTime = tx.LockTime
		inputCount = fn.Some(uint64(len(tx.TxIn)))
		outputCount = fn.Some(uint64(len(tx.TxOut)))

	case V2:
		if tx != nil {
			return nil, fail("unsigned tx", "present in version 2")
		}
		if txVersion.IsNone() || inputCount.IsNone() ||
			outputCount.IsNone() {

			return nil, fail("version", "missing version 2 field")
		}

		nIn := inputCount.UnwrapOr(0)
		nOut := outputCount.UnwrapOr(0)
		if nIn > maxValueLength || nOut > maxValueLength {
			return nil, fail("count", "%d inputs and %d outputs",
				nIn, nOut)
		}

		p.TxVersion = txVersion.UnwrapOr(0)

	default:
		return nil, fail("version", "unsupported version %d", p.Version)
	}

	return &globalState{
		packet:     p,
		tx:         tx,
		numInputs:  inputCount.UnwrapOr(0),
		numOutputs: outputCount.UnwrapOr(0),
	}, nil
}

func readInput(r io.Reader, g *globalState, index int, in *Input) error {
	var (
		keys     = keySet{}
		v2       = g.packet.Version == V2
		txid     fn.Option[chainhash.Hash]
		outIndex fn.Option[uint32]
	)

	fail := func(field string, err error) error {
		return InputError(index, field, err)
	}
	malformed := func(field, format string, args ...any) error {
		return fail(field, fmt.Errorf("%w: "+format,
			append([]any{ErrMalformedEncoding}, args...)...))
	}
	noKey := func(kv *kvPair, field string) error {
		if kv.keyData != nil {
			return malformed(field, "unexpected key data")
		}

		return nil
	}
	v2Only := func(field string) error {
		if !v2 {
			return malformed(field, "version 2 field in version 0")
		}

		return nil
	}

	for {
		kv, err := readKV(r)
		if err != nil {
			return fail("record", err)
		}
		if kv == nil {
			break
		}
		if !keys.add(kv) {
			return malformed("record", "duplicate key %x", kv.fullKey())
		}

		switch kv.keyType {
		case byte(psbt.NonWitnessUtxoType):
			if err := noKey(kv, "non-witness utxo"); err != nil {
				return err
			}
			tx := wire.NewMsgTx(wire.TxVersion)
			if err := tx.Deserialize(bytes.NewReader(kv.value)); err != nil {
				return malformed("non-witness utxo", "%v", err)
			}
			in.NonWitnessUtxo = tx

		case byte(psbt.WitnessUtxoType):
			if err := noKey(kv, "witness utxo"); err != nil {
				return err
			}
			out, err := readTxOut(kv.value)
			if err != nil {
				return malformed("witness utxo", "%v", err)
			}
			in.WitnessUtxo = out

		case byte(psbt.PartialSigType):
			sig, err := decodePartialSig(kv)
			if err != nil {
				return fail("partial sig", err)
			}
			in.PartialSigs = append(in.PartialSigs, sig)

		case byte(psbt.SighashType):
			if err := noKey(kv, "sighash type"); err != nil {
				return err
			}
			v, err := readUint32(kv.value)
			if err != nil {
				return fail("sighash type", err)
			}
			in.SighashType = fn.Some(txscript.SigHashType(v))

		case byte(psbt.RedeemScriptInputType):
			if err := noKey(kv, "redeem script"); err != nil {
				return err
			}
			in.RedeemScript = kv.value

		case byte(psbt.WitnessScriptInputType):
			if err := noKey(kv, "witness script"); err != nil {
				return err
			}
			in.WitnessScript = kv.value

		case byte(psbt.Bip32DerivationInputType):
			d, err := decodeBip32(kv)
			if err != nil {
				return fail("bip32 derivation", err)
			}
			in.Bip32Derivation = append(in.Bip32Derivation, d)

		case byte(psbt.FinalScriptSigType):
			if err := noKey(kv, "final scriptsig"); err != nil {
				return err
			}
			in.FinalScriptSig = kv.value

		case byte(psbt.FinalScriptWitnessType):
			if err := noKey(kv, "final witness"); err != nil {
				return err
			}
			in.FinalScriptWitness = kv.value

		case previousTxidType:
			if err := v2Only("previous txid"); err != nil {
				return err
			}
			if err := noKey(kv, "previous txid"); err != nil {
				return err
			}
			h, err := chainhash.NewHash(kv.value)
			if err != nil {
				return malformed("previous txid", "%v", err)
			}
			txid = fn.Some(*h)

		case outputIndexType, sequenceType, requiredTimeLocktimeType,
			requiredHeightLocktimeType:

			field := map[byte]string{
				outputIndexType:            "output index",
				sequenceType:               "sequence",
				requiredTimeLocktimeType:   "required time locktime",
				requiredHeightLocktimeType: "required height locktime",
			}[kv.keyType]
			if err := v2Only(field); err != nil {
				return err
			}
			if err := noKey(kv, field); err != nil {
				return err
			}
			v, err := readUint32(kv.value)
			if err != nil {
				return fail(field, err)
			}

			switch kv.keyType {
			case outputIndexType:
				outIndex = fn.Some(v)
			case sequenceType:
				in.Sequence = v
			case requiredTimeLocktimeType:
				if v < LockTimeThreshold {
					return malformed(field, "%d is a height", v)
				}
				in.RequiredTimeLocktime = fn.Some(v)
			default:
				if v == 0 || v >= LockTimeThreshold {
					return malformed(field, "%d is not a height",
						v)
				}
				in.RequiredHeightLocktime = fn.Some(v)
			}

		case byte(psbt.TaprootKeySpendSignatureType):
			if err := noKey(kv, "taproot key sig"); err != nil {
				return err
			}
			if !validSchnorrSig(kv.value) {
				return malformed("taproot key sig", "invalid signature")
			}
			in.TaprootKeySpendSig = kv.value

		case byte(psbt.TaprootScriptSpendSignatureType):
			sig, err := decodeTapScriptSig(kv)
			if err != nil {
				return fail("taproot script sig", err)
			}
			in.TaprootScriptSpendSig = append(
				in.TaprootScriptSpendSig, sig,
			)

		case byte(psbt.TaprootLeafScriptType):
			leaf, err := decodeTapLeaf(kv)
			if err != nil {
				return fail("taproot leaf script", err)
			}
			in.TaprootLeafScript = append(in.TaprootLeafScript, leaf)

		case byte(psbt.TaprootBip32DerivationInputType):
			d, err := decodeTapBip32(kv)
			if err != nil {
				return fail("taproot bip32 derivation", err)
			}
			in.TaprootBip32Derivation = append(
				in.TaprootBip32Derivation, d,
			)

		case byte(psbt.TaprootInternalKeyInputType):
			if err := noKey(kv, "taproot internal key"); err != nil {
				return err
			}
			if !validXOnly(kv.value) {
				return malformed("taproot internal key",
					"invalid x-only key")
			}
			in.TaprootInternalKey = kv.value

		case byte(psbt.TaprootMerkleRootType):
			if err := noKey(kv, "taproot merkle root"); err != nil {
				return err
			}
			if len(kv.value) != chainhash.HashSize {
				return malformed("taproot merkle root",
					"%d bytes", len(kv.value))
			}
			in.TaprootMerkleRoot = kv.value

		default:
			in.Unknowns = append(in.Unknowns, &psbt.Unknown{
				Key: kv.fullKey(), Value: kv.value,
			})
		}
	}

	if !v2 {
		return nil
	}

	prevHash, err := txid.UnwrapOrErr(
		fmt.Errorf("%w: missing", ErrMalformedEncoding),
	)
	if err != nil {
		return fail("previous txid", err)
	}
	prevIndex, err := outIndex.UnwrapOrErr(
		fmt.Errorf("%w: missing", ErrMalformedEncoding),
	)
	if err != nil {
		return fail("output index", err)
	}
	in.PrevOut = wire.OutPoint{Hash: prevHash, Index: prevIndex}

	return nil
}

func readOutput(r io.Reader, g *globalState, index int, out *Output) error {
	var (
		keys   = keySet{}
		v2     = g.packet.Version == V2
		amount fn.Option[int64]
		script fn.Option[[]byte]
	)

	fail := func(field string, err error) error {
		return OutputError(index, field, err)
	}
	malformed := func(field, format string, args ...any) error {
		return fail(field, fmt.Errorf("%w: "+format,
			append([]any{ErrMalformedEncoding}, args...)...))
	}
	noKey := func(kv *kvPair, field string) error {
		if kv.keyData != nil {
			return malformed(field, "unexpected key data")
		}

		return nil
	}

	for {
		kv, err := readKV(r)
		if err != nil {
			return fail("record", err)
		}
		if kv == nil {
			break
		}
		if !keys.add(kv) {
			return malformed("record", "duplicate key %x", kv.fullKey())
		}

		switch kv.keyType {
		case byte(psbt.RedeemScriptOutputType):
			if err := noKey(kv, "redeem script"); err != nil {
				return err
			}
			out.RedeemScript = kv.value

		case byte(psbt.WitnessScriptOutputType):
			if err := noKey(kv, "witness script"); err != nil {
				return err
			}
			out.WitnessScript = kv.value

		case byte(psbt.Bip32DerivationOutputType):
			d, err := decodeBip32(kv)
			if err != nil {
				return fail("bip32 derivation", err)
			}
			out.Bip32Derivation = append(out.Bip32Derivation, d)

		case amountType:
			if !v2 {
				return malformed("amount", "version 2 field in "+
					"version 0")
			}
			if err := noKey(kv, "amount"); err != nil {
				return err
			}
			if len(kv.value) != 8 {
				return malformed("amount", "%d bytes", len(kv.value))
			}
			amount = fn.Some(int64(binary.LittleEndian.Uint64(kv.value)))

		case scriptType:
			if !v2 {
				return malformed("script", "version 2 field in "+
					"version 0")
			}
			if err := noKey(kv, "script"); err != nil {
				return err
			}
			script = fn.Some(kv.value)

		case byte(psbt.TaprootInternalKeyOutputType):
			if err := noKey(kv, "taproot internal key"); err != nil {
				return err
			}
			if !validXOnly(kv.value) {
				return malformed("taproot internal key",
					"invalid x-only key")
			}
			out.TaprootInternalKey = kv.value

		case byte(psbt.TaprootTapTreeType):
			if err := noKey(kv, "taproot tap tree"); err != nil {
				return err
			}
			if len(kv.value) == 0 {
				return malformed("taproot tap tree", "empty tree")
			}
			out.TaprootTapTree = kv.value

		case byte(psbt.TaprootBip32DerivationOutputType):
			d, err := decodeTapBip32(kv)
			if err != nil {
				return fail("taproot bip32 derivation", err)
			}
			out.TaprootBip32Derivation = append(
				out.TaprootBip32Derivation, d,
			)

		default:
			out.Unknowns = append(out.Unknowns, &psbt.Unknown{
				Key: kv.fullKey(), Value: kv.value,
			})
		}
	}

	if !v2 {
		return nil
	}

	var err error
	if out.Amount, err = amount.UnwrapOrErr(
		fmt.Errorf("%w: missing", ErrMalformedEncoding),
	); err != nil {
		return fail("amount", err)
	}
	if out.PkScript, err = script.UnwrapOrErr(
		fmt.Errorf("%w: missing", ErrMalformedEncoding),
	); err != nil {
		return fail("script", err)
	}

	return nil
}
