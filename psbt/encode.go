package psbt

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// mapWriter writes the records of one map and keeps the first error.
type mapWriter struct {
	w   io.Writer
	err error
}

func (m *mapWriter) kv(keyType byte, keyData, value []byte) {
	if m.err != nil {
		return
	}
	m.err = writeKV(m.w, keyType, keyData, value)
}

func (m *mapWriter) records(keyType byte, recs []record) {
	for _, r := range sortedRecords(recs) {
		m.kv(keyType, r.key, r.value)
	}
}

func (m *mapWriter) unknowns(unknowns []*psbt.Unknown) {
	recs := make([]record, len(unknowns))
	for i, u := range unknowns {
		recs[i] = unknownRecord(u)
	}
	for _, r := range sortedRecords(recs) {
		if m.err != nil {
			return
		}
		m.err = writeRawKV(m.w, r.key, r.value)
	}
}

func (m *mapWriter) end() error {
	if m.err != nil {
		return m.err
	}

	return writeSeparator(m.w)
}

func sortedRecords(recs []record) []record {
	return slices.SortedStableFunc(slices.Values(recs), func(a,
		b record) int {

		return bytes.Compare(a.key, b.key)
	})
}

func toRecords[T any](items []T, f func(T) record) []record {
	recs := make([]record, len(items))
	for i, item := range items {
		recs[i] = f(item)
	}

	return recs
}

// Serialize writes the binary form of the packet. Keyed records of one type
// are written sorted by their key, unknown records after all known ones.
func (p *Packet) Serialize(w io.Writer) error {
	if _, err := w.Write(magic[:]); err != nil {
		return err
	}

	g := &mapWriter{w: w}
	if p.Version == V0 {
		tx, err := p.UnsignedTx()
		if err != nil {
			return err
		}
		var b bytes.Buffer
		if err := tx.SerializeNoWitness(&b); err != nil {
			return err
		}
		g.kv(byte(psbt.UnsignedTxType), nil, b.Bytes())
	}
	g.records(byte(psbt.XpubType), toRecords(p.XPubs, xpubRecord))

	if p.Version == V2 {
		g.kv(txVersionType, nil, uint32Bytes(uint32(p.TxVersion)))
		p.FallbackLockTime.WhenSome(func(v uint32) {
			g.kv(fallbackLockTimeType, nil, uint32Bytes(v))
		})
		g.kv(inputCountType, nil, varIntBytes(uint64(len(p.Inputs))))
		g.kv(outputCountType, nil, varIntBytes(uint64(len(p.Outputs))))
		p.TxModifiable.WhenSome(func(f ModifiableFlags) {
			g.kv(txModifiableType, nil, []byte{byte(f)})
		})
		g.kv(byte(psbt.VersionType), nil, uint32Bytes(uint32(p.Version)))
	}
	g.unknowns(p.Unknowns)
	if err := g.end(); err != nil {
		return err
	}

	for i := range p.Inputs {
		if err := p.Inputs[i].serialize(w, p.Version); err != nil {
			return InputError(i, "record", err)
		}
	}
	for i := range p.Outputs {
		if err := p.Outputs[i].serialize(w, p.Version); err != nil {
			return OutputError(i, "record", err)
		}
	}

	return nil
}

func (in *Input) serialize(w io.Writer, version Version) error {
	m := &mapWriter{w: w}

	if in.NonWitnessUtxo != nil {
		var b bytes.Buffer
		if err := in.NonWitnessUtxo.Serialize(&b); err != nil {
			return err
		}
		m.kv(byte(psbt.NonWitnessUtxoType), nil, b.Bytes())
	}
	if in.WitnessUtxo != nil {
		b, err := serializeTxOut(in.WitnessUtxo)
		if err != nil {
			return err
		}
		m.kv(byte(psbt.WitnessUtxoType), nil, b)
	}
	m.records(byte(psbt.PartialSigType),
		toRecords(in.PartialSigs, partialSigRecord))
	in.SighashType.WhenSome(func(t txscript.SigHashType) {
		m.kv(byte(psbt.SighashType), nil, uint32Bytes(uint32(t)))
	})
	if in.RedeemScript != nil {
		m.kv(byte(psbt.RedeemScriptInputType), nil, in.RedeemScript)
	}
	if in.WitnessScript != nil {
		m.kv(byte(psbt.WitnessScriptInputType), nil, in.WitnessScript)
	}
	m.records(byte(psbt.Bip32DerivationInputType),
		toRecords(in.Bip32Derivation, bip32Record))
	if in.FinalScriptSig != nil {
		m.kv(byte(psbt.FinalScriptSigType), nil, in.FinalScriptSig)
	}
	if in.FinalScriptWitness != nil {
		m.kv(byte(psbt.FinalScriptWitnessType), nil,
			in.FinalScriptWitness)
	}

	if version == V2 {
		m.kv(previousTxidType, nil, in.PrevOut.Hash[:])
		m.kv(outputIndexType, nil, uint32Bytes(in.PrevOut.Index))
		if in.Sequence != wire.MaxTxInSequenceNum {
			m.kv(sequenceType, nil, uint32Bytes(in.Sequence))
		}
		in.RequiredTimeLocktime.WhenSome(func(v uint32) {
			m.kv(requiredTimeLocktimeType, nil, uint32Bytes(v))
		})
		in.RequiredHeightLocktime.WhenSome(func(v uint32) {
			m.kv(requiredHeightLocktimeType, nil, uint32Bytes(v))
		})
	}

	if in.TaprootKeySpendSig != nil {
		m.kv(byte(psbt.TaprootKeySpendSignatureType), nil,
			in.TaprootKeySpendSig)
	}
	m.records(byte(psbt.TaprootScriptSpendSignatureType),
		toRecords(in.TaprootScriptSpendSig, tapScriptSigRecord))
	m.records(byte(psbt.TaprootLeafScriptType),
		toRecords(in.TaprootLeafScript, tapLeafRecord))
	m.records(byte(psbt.TaprootBip32DerivationInputType),
		toRecords(in.TaprootBip32Derivation, tapBip32Record))
	if in.TaprootInternalKey != nil {
		m.kv(byte(psbt.TaprootInternalKeyInputType), nil,
			in.TaprootInternalKey)
	}
	if in.TaprootMerkleRoot != nil {
		m.kv(byte(psbt.TaprootMerkleRootType), nil, in.TaprootMerkleRoot)
	}

	m.unknowns(in.Unknowns)

	return m.end()
}

func (out *Output) serialize(w io.Writer, version Version) error {
	m := &mapWriter{w: w}

	if out.RedeemScript != nil {
		m.kv(byte(psbt.RedeemScriptOutputType), nil, out.RedeemScript)
	}
	if out.WitnessScript != nil {
		m.kv(byte(psbt.WitnessScriptOutputType), nil, out.WitnessScript)
	}
	m.records(byte(psbt.Bip32DerivationOutputType),
		toRecords(out.Bip32Derivation, bip32Record))

	if version == V2 {
		var amount [8]byte
		binary.LittleEndian.PutUint64(amount[:], uint64(out.Amount))
		m.kv(amountType, nil, amount[:])
		m.kv(scriptType, nil, out.PkScript)
	}

	if out.TaprootInternalKey != nil {
		m.kv(byte(psbt.TaprootInternalKeyOutputType), nil,
			out.TaprootInternalKey)
	}
	if out.TaprootTapTree != nil {
		m.kv(byte(psbt.TaprootTapTreeType), nil, out.TaprootTapTree)
	}
	m.records(byte(psbt.TaprootBip32DerivationOutputType),
		toRecords(out.TaprootBip32Derivation, tapBip32Record))

	m.unknowns(out.Unknowns)

	return m.end()
}

// Bytes returns the binary form of the packet.
func (p *Packet) Bytes() ([]byte, error) {
	var b bytes.Buffer
	if err := p.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// B64Encode returns the base64 form of the packet.
func (p *Packet) B64Encode() (string, error) {
	b, err := p.Bytes()
	if err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(b), nil
}

func varIntBytes(v uint64) []byte {
	var b bytes.Buffer
	_ = wire.WriteVarInt(&b, 0, v)

	return b.Bytes()
}

// SerializeWitness encodes a witness stack the way the final witness record
// stores it.
func SerializeWitness(witness wire.TxWitness) ([]byte, error) {
	var b bytes.Buffer
	if err := wire.WriteVarInt(&b, 0, uint64(len(witness))); err != nil {
		return nil, err
	}
	for _, item := range witness {
		if err := wire.WriteVarBytes(&b, 0, item); err != nil {
			return nil, err
		}
	}

	return b.Bytes(), nil
}

// ParseWitness decodes a final witness record.
func ParseWitness(b []byte) (wire.TxWitness, error) {
	r := bytes.NewReader(b)
	n, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(b)) {
		return nil, ErrMalformedEncoding
	}

	witness := make(wire.TxWitness, n)
	for i := range witness {
		witness[i], err = wire.ReadVarBytes(
			r, 0, maxValueLength, "witness item",
		)
		if err != nil {
			return nil, err
		}
	}
	if r.Len() != 0 {
		return nil, ErrMalformedEncoding
	}

	return witness, nil
}
