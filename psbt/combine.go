package psbt

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Combine merges two packets describing the same transaction. Fields set
// on only one side are taken over, keyed records are unioned, and a field
// that is set on both sides with different values is an ErrConflict.
// Signatures are keyed records too, so two different signatures by one key
// conflict in either order instead of one of them being kept. Neither
// argument is modified.
func Combine(a, b *Packet) (*Packet, error) {
	if a.Version != b.Version {
		return nil, globalErr("version", fmt.Errorf("%w: version %d "+
			"and %d", ErrConflict, a.Version, b.Version))
	}
	if len(a.Inputs) != len(b.Inputs) || len(a.Outputs) != len(b.Outputs) {
		return nil, globalErr("unsigned tx", fmt.Errorf("%w: different "+
			"input or output counts", ErrConflict))
	}

	txidA, err := a.TxHash()
	if err != nil {
		return nil, err
	}
	txidB, err := b.TxHash()
	if err != nil {
		return nil, err
	}
	if txidA != txidB {
		return nil, globalErr("unsigned tx", fmt.Errorf("%w: txid %v "+
			"and %v", ErrConflict, txidA, txidB))
	}

	c := a.Copy()

	if c.FallbackLockTime, err = mergeOption(
		a.FallbackLockTime, b.FallbackLockTime,
	); err != nil {
		return nil, globalErr("fallback locktime", err)
	}

	// Each side may only have narrowed what can be changed.
	if a.TxModifiable.IsSome() || b.TxModifiable.IsSome() {
		fa := a.TxModifiable.UnwrapOr(InputsModifiable | OutputsModifiable)
		fb := b.TxModifiable.UnwrapOr(InputsModifiable | OutputsModifiable)
		both := InputsModifiable | OutputsModifiable
		c.TxModifiable = fn.Some(
			(fa & fb & both) | ((fa | fb) & HasSighashSingle),
		)
	}

	if c.XPubs, err = mergeRecords(a.XPubs, b.XPubs, xpubRecord); err != nil {
		return nil, globalErr("xpub", err)
	}
	c.Unknowns, err = mergeRecords(a.Unknowns, b.Unknowns, unknownRecord)
	if err != nil {
		return nil, globalErr("unknown", err)
	}

	for i := range c.Inputs {
		c.Inputs[i], err = combineInput(&a.Inputs[i], &b.Inputs[i])
		if err != nil {
			return nil, wrapField("input", i, err)
		}
	}
	for i := range c.Outputs {
		c.Outputs[i], err = combineOutput(&a.Outputs[i], &b.Outputs[i])
		if err != nil {
			return nil, wrapField("output", i, err)
		}
	}

	log.Debugf("Combined packets for tx %v", txidA)

	return c, nil
}

// fieldConflict is an error of one named field, positioned by wrapField.
type fieldConflict struct {
	field string
	err   error
}

func (f *fieldConflict) Error() string { return f.field + ": " + f.err.Error() }
func (f *fieldConflict) Unwrap() error { return f.err }

func conflictIn(field string, err error) error {
	if err == nil {
		return nil
	}

	return &fieldConflict{field: field, err: err}
}

func wrapField(section string, index int, err error) error {
	fc, ok := err.(*fieldConflict)
	if !ok {
		return &FieldError{Section: section, Index: index,
			Field: "record", Err: err}
	}

	return &FieldError{Section: section, Index: index, Field: fc.field,
		Err: fc.err}
}

func combineInput(a, b *Input) (Input, error) {
	// A finalized side wins, only the UTXO data of the other is used.
	switch {
	case a.IsFinalized() && b.IsFinalized():
		if !bytes.Equal(a.FinalScriptSig, b.FinalScriptSig) ||
			!bytes.Equal(a.FinalScriptWitness, b.FinalScriptWitness) {

			return Input{}, conflictIn("final witness", ErrConflict)
		}

	case b.IsFinalized():
		a, b = b, a
		fallthrough

	case a.IsFinalized():
		c := a.Copy()
		if err := mergeUtxos(&c, a, b); err != nil {
			return Input{}, err
		}
		unknowns, err := mergeRecords(a.Unknowns, b.Unknowns,
			unknownRecord)
		if err != nil {
			return Input{}, conflictIn("unknown", err)
		}
		c.Unknowns = unknowns

		return c, nil
	}

	c := a.Copy()
	if err := mergeUtxos(&c, a, b); err != nil {
		return Input{}, err
	}

	var err error
	if c.Sequence != b.Sequence {
		return Input{}, conflictIn("sequence", ErrConflict)
	}
	if c.RequiredTimeLocktime, err = mergeOption(
		a.RequiredTimeLocktime, b.RequiredTimeLocktime,
	); err != nil {
		return Input{}, conflictIn("required time locktime", err)
	}
	if c.RequiredHeightLocktime, err = mergeOption(
		a.RequiredHeightLocktime, b.RequiredHeightLocktime,
	); err != nil {
		return Input{}, conflictIn("required height locktime", err)
	}
	if c.SighashType, err = mergeOption(
		a.SighashType, b.SighashType,
	); err != nil {
		return Input{}, conflictIn("sighash type", err)
	}

	scalars := []struct {
		field string
		dst   *[]byte
		a, b  []byte
	}{
		{"redeem script", &c.RedeemScript, a.RedeemScript, b.RedeemScript},
		{"witness script", &c.WitnessScript, a.WitnessScript,
			b.WitnessScript},
		{"final scriptsig", &c.FinalScriptSig, a.FinalScriptSig,
			b.FinalScriptSig},
		{"taproot key sig", &c.TaprootKeySpendSig,
			a.TaprootKeySpendSig, b.TaprootKeySpendSig},
		{"taproot internal key", &c.TaprootInternalKey,
			a.TaprootInternalKey, b.TaprootInternalKey},
		{"taproot merkle root", &c.TaprootMerkleRoot,
			a.TaprootMerkleRoot, b.TaprootMerkleRoot},
	}
	for _, s := range scalars {
		if *s.dst, err = mergeBytes(s.a, s.b); err != nil {
			return Input{}, conflictIn(s.field, err)
		}
	}

	if c.PartialSigs, err = mergeRecords(
		a.PartialSigs, b.PartialSigs, partialSigRecord,
	); err != nil {
		return Input{}, conflictIn("partial sig", err)
	}
	if c.Bip32Derivation, err = mergeRecords(
		a.Bip32Derivation, b.Bip32Derivation, bip32Record,
	); err != nil {
		return Input{}, conflictIn("bip32 derivation", err)
	}
	if c.TaprootScriptSpendSig, err = mergeRecords(
		a.TaprootScriptSpendSig, b.TaprootScriptSpendSig,
		tapScriptSigRecord,
	); err != nil {
		return Input{}, conflictIn("taproot script sig", err)
	}
	if c.TaprootLeafScript, err = mergeRecords(
		a.TaprootLeafScript, b.TaprootLeafScript, tapLeafRecord,
	); err != nil {
		return Input{}, conflictIn("taproot leaf script", err)
	}
	if c.TaprootBip32Derivation, err = mergeRecords(
		a.TaprootBip32Derivation, b.TaprootBip32Derivation,
		tapBip32Record,
	); err != nil {
		return Input{}, conflictIn("taproot bip32 derivation", err)
	}
	if c.Unknowns, err = mergeRecords(
		a.Unknowns, b.Unknowns, unknownRecord,
	); err != nil {
		return Input{}, conflictIn("unknown", err)
	}

	return c, nil
}

func mergeUtxos(c *Input, a, b *Input) error {
	switch {
	case a.NonWitnessUtxo == nil:
		c.NonWitnessUtxo = b.NonWitnessUtxo

	case b.NonWitnessUtxo != nil &&
		a.NonWitnessUtxo.TxHash() != b.NonWitnessUtxo.TxHash():

		return conflictIn("non-witness utxo", ErrConflict)
	}

	switch {
	case a.WitnessUtxo == nil:
		c.WitnessUtxo = b.WitnessUtxo

	case b.WitnessUtxo != nil && !txOutEqual(a.WitnessUtxo, b.WitnessUtxo):
		return conflictIn("witness utxo", ErrConflict)
	}

	return nil
}

func txOutEqual(a, b *wire.TxOut) bool {
	return a.Value == b.Value && bytes.Equal(a.PkScript, b.PkScript)
}

func combineOutput(a, b *Output) (Output, error) {
	c := a.Copy()

	var err error
	scalars := []struct {
		field string
		dst   *[]byte
		a, b  []byte
	}{
		{"redeem script", &c.RedeemScript, a.RedeemScript, b.RedeemScript},
		{"witness script", &c.WitnessScript, a.WitnessScript,
			b.WitnessScript},
		{"taproot internal key", &c.TaprootInternalKey,
			a.TaprootInternalKey, b.TaprootInternalKey},
		{"taproot tap tree", &c.TaprootTapTree, a.TaprootTapTree,
			b.TaprootTapTree},
	}
	for _, s := range scalars {
		if *s.dst, err = mergeBytes(s.a, s.b); err != nil {
			return Output{}, conflictIn(s.field, err)
		}
	}

	if c.Bip32Derivation, err = mergeRecords(
		a.Bip32Derivation, b.Bip32Derivation, bip32Record,
	); err != nil {
		return Output{}, conflictIn("bip32 derivation", err)
	}
	if c.TaprootBip32Derivation, err = mergeRecords(
		a.TaprootBip32Derivation, b.TaprootBip32Derivation,
		tapBip32Record,
	); err != nil {
		return Output{}, conflictIn("taproot bip32 derivation", err)
	}
	if c.Unknowns, err = mergeRecords(
		a.Unknowns, b.Unknowns, unknownRecord,
	); err != nil {
		return Output{}, conflictIn("unknown", err)
	}

	return c, nil
}

func mergeBytes(a, b []byte) ([]byte, error) {
	switch {
	case a == nil:
		return b, nil
	case b == nil:
		return a, nil
	case !bytes.Equal(a, b):
		return nil, ErrConflict
	}

	return a, nil
}

func mergeOption[T comparable](a, b fn.Option[T]) (fn.Option[T], error) {
	if a.IsNone() {
		return b, nil
	}
	if b.IsNone() {
		return a, nil
	}
	if a.UnsafeFromSome() != b.UnsafeFromSome() {
		return a, ErrConflict
	}

	return a, nil
}

// mergeRecords unions two keyed lists. The result is sorted by key and is
// nil when both lists are empty. A key with a different value on each side
// is an ErrConflict.
func mergeRecords[T any](a, b []T, f func(T) record) ([]T, error) {
	if len(a) == 0 && len(b) == 0 {
		return nil, nil
	}

	byKey := make(map[string]record, len(a))
	out := make([]T, 0, len(a)+len(b))
	for _, item := range a {
		r := f(item)
		byKey[string(r.key)] = r
		out = append(out, item)
	}
	for _, item := range b {
		r := f(item)
		prev, ok := byKey[string(r.key)]
		switch {
		case !ok:
			byKey[string(r.key)] = r
			out = append(out, item)

		case !bytes.Equal(prev.value, r.value):
			return nil, fmt.Errorf("%w: key %x", ErrConflict, r.key)
		}
	}
	sortByKey(out, f)

	return out, nil
}
