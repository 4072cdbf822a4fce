package psbt

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// InputState is the position of an input in its signing lifecycle. It is
// derived from the fields present.
type InputState uint8

const (
	StateEmpty InputState = iota
	StateUpdated
	StatePartiallySigned
	StateFinalized
)

func (s InputState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateUpdated:
		return "updated"
	case StatePartiallySigned:
		return "partially signed"
	case StateFinalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// State returns the lifecycle state of the input.
func (in *Input) State() InputState {
	switch {
	case in.IsFinalized():
		return StateFinalized

	case len(in.PartialSigs) > 0 || in.TaprootKeySpendSig != nil ||
		len(in.TaprootScriptSpendSig) > 0:

		return StatePartiallySigned

	case in.NonWitnessUtxo != nil || in.WitnessUtxo != nil ||
		in.SighashType.IsSome() || in.RedeemScript != nil ||
		in.WitnessScript != nil || len(in.Bip32Derivation) > 0 ||
		len(in.TaprootLeafScript) > 0 ||
		len(in.TaprootBip32Derivation) > 0 ||
		in.TaprootInternalKey != nil || in.TaprootMerkleRoot != nil:

		return StateUpdated
	}

	return StateEmpty
}

// IsFinalized returns true once a final scriptSig or witness is set.
func (in *Input) IsFinalized() bool {
	return in.FinalScriptSig != nil || in.FinalScriptWitness != nil
}

// SetFinal stores the final scriptSig and witness and drops every field
// that only matters while signing. At least one of the two must be set.
func (in *Input) SetFinal(scriptSig []byte, witness wire.TxWitness) error {
	if in.IsFinalized() {
		return ErrAlreadyFinalized
	}
	if len(scriptSig) == 0 && len(witness) == 0 {
		return fmt.Errorf("%w: empty final scriptsig and witness",
			ErrMalformedEncoding)
	}

	var witnessBytes []byte
	if len(witness) > 0 {
		var err error
		if witnessBytes, err = SerializeWitness(witness); err != nil {
			return err
		}
	}

	*in = Input{
		PrevOut:                in.PrevOut,
		Sequence:               in.Sequence,
		RequiredTimeLocktime:   in.RequiredTimeLocktime,
		RequiredHeightLocktime: in.RequiredHeightLocktime,
		NonWitnessUtxo:         in.NonWitnessUtxo,
		WitnessUtxo:            in.WitnessUtxo,
		SighashType:            fn.None[txscript.SigHashType](),
		FinalScriptSig:         scriptSig,
		FinalScriptWitness:     witnessBytes,
		Unknowns:               in.Unknowns,
	}
	if len(scriptSig) == 0 {
		in.FinalScriptSig = nil
	}

	return nil
}

// FinalWitness returns the decoded final witness, nil if there is none.
func (in *Input) FinalWitness() (wire.TxWitness, error) {
	if in.FinalScriptWitness == nil {
		return nil, nil
	}

	return ParseWitness(in.FinalScriptWitness)
}

// SpentOutput returns the output the input spends, taken from the witness
// UTXO or else from the non-witness UTXO.
func (p *Packet) SpentOutput(index int) (*wire.TxOut, error) {
	if err := p.CheckInputIndex(index); err != nil {
		return nil, err
	}

	in := &p.Inputs[index]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo != nil {
		return p.RequireNonWitnessUtxo(index)
	}

	return nil, InputError(index, "utxo", fmt.Errorf("%w: missing",
		ErrMalformedEncoding))
}

// RequireWitnessUtxo returns the witness UTXO of a segwit input.
func (p *Packet) RequireWitnessUtxo(index int) (*wire.TxOut, error) {
	if err := p.CheckInputIndex(index); err != nil {
		return nil, err
	}

	in := &p.Inputs[index]
	if in.WitnessUtxo == nil {
		return nil, InputError(index, "witness utxo",
			fmt.Errorf("%w: required for segwit spends, missing",
				ErrMalformedEncoding))
	}

	return in.WitnessUtxo, nil
}

// RequireNonWitnessUtxo returns the output spent by a legacy input, read
// from its non-witness UTXO after checking that the UTXO is the transaction
// the input points to.
func (p *Packet) RequireNonWitnessUtxo(index int) (*wire.TxOut, error) {
	if err := p.CheckInputIndex(index); err != nil {
		return nil, err
	}

	in := &p.Inputs[index]
	if in.NonWitnessUtxo == nil {
		return nil, InputError(index, "non-witness utxo",
			fmt.Errorf("%w: required for legacy spends, missing",
				ErrMalformedEncoding))
	}
	if err := checkNonWitnessUtxo(in); err != nil {
		return nil, InputError(index, "non-witness utxo", err)
	}

	return in.NonWitnessUtxo.TxOut[in.PrevOut.Index], nil
}

func checkNonWitnessUtxo(in *Input) error {
	if in.NonWitnessUtxo.TxHash() != in.PrevOut.Hash {
		return fmt.Errorf("%w: txid %v does not match prevout %v",
			ErrMalformedEncoding, in.NonWitnessUtxo.TxHash(),
			in.PrevOut)
	}
	if int(in.PrevOut.Index) >= len(in.NonWitnessUtxo.TxOut) {
		return fmt.Errorf("%w: prevout %v past %d outputs",
			ErrMalformedEncoding, in.PrevOut,
			len(in.NonWitnessUtxo.TxOut))
	}

	return nil
}

// PrevOutputFetcher returns a fetcher over every input with known UTXO
// data. With requireAll set a missing UTXO is an error, taproot sighashes
// commit to all of them.
func (p *Packet) PrevOutputFetcher(
	requireAll bool) (*txscript.MultiPrevOutFetcher, error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range p.Inputs {
		out, err := p.SpentOutput(i)
		if err != nil {
			if requireAll {
				return nil, err
			}

			continue
		}
		fetcher.AddPrevOut(p.Inputs[i].PrevOut, out)
	}

	return fetcher, nil
}

// SanityCheck verifies the rules a packet must satisfy as a whole.
func (p *Packet) SanityCheck() error {
	if p.Version != V0 && p.Version != V2 {
		return globalErr("version", fmt.Errorf("%w: version %d",
			ErrMalformedEncoding, p.Version))
	}

	seen := make(map[string]struct{}, len(p.XPubs))
	for _, x := range p.XPubs {
		if _, ok := seen[string(x.ExtendedKey)]; ok {
			return globalErr("xpub", fmt.Errorf("%w: duplicate "+
				"extended key", ErrMalformedEncoding))
		}
		seen[string(x.ExtendedKey)] = struct{}{}
	}

	if p.Version == V2 {
		if _, err := p.computeLockTime(); err != nil {
			return fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
		}
	}

	for i := range p.Inputs {
		in := &p.Inputs[i]
		if in.NonWitnessUtxo != nil {
			if err := checkNonWitnessUtxo(in); err != nil {
				return InputError(i, "non-witness utxo", err)
			}
		}
		if in.WitnessUtxo != nil && in.NonWitnessUtxo != nil {
			out := in.NonWitnessUtxo.TxOut[in.PrevOut.Index]
			if out.Value != in.WitnessUtxo.Value ||
				!bytes.Equal(out.PkScript, in.WitnessUtxo.PkScript) {

				return InputError(i, "witness utxo", fmt.Errorf(
					"%w: does not match non-witness utxo",
					ErrMalformedEncoding))
			}
		}
		if in.IsFinalized() && len(in.PartialSigs) > 0 {
			return InputError(i, "partial sig", fmt.Errorf("%w: "+
				"partial signatures on a finalized input",
				ErrMalformedEncoding))
		}
	}

	return nil
}

// modifiable reports whether the flag bits in want are all set. Version 0
// packets can change as long as nothing is signed.
func (p *Packet) modifiable(want ModifiableFlags) bool {
	if p.Version == V0 {
		return !slices.ContainsFunc(p.Inputs, func(in Input) bool {
			return in.State() >= StatePartiallySigned
		})
	}

	flags := p.TxModifiable.UnwrapOr(0)

	return flags&want == want
}

// AddInput appends an input. For version 2 packets the inputs modifiable
// flag must be set, and an input with locktime requirements may not change
// the locktime once anything is signed.
func (p *Packet) AddInput(in Input) error {
	if !p.modifiable(InputsModifiable) {
		return globalErr("tx modifiable", fmt.Errorf("%w: inputs",
			ErrNotModifiable))
	}
	if slices.ContainsFunc(p.Inputs, func(o Input) bool {
		return o.PrevOut == in.PrevOut
	}) {
		return InputError(len(p.Inputs), "previous output",
			fmt.Errorf("%w: %v already spent by the packet",
				ErrConflict, in.PrevOut))
	}

	if p.Version == V2 {
		before, err := p.computeLockTime()
		if err != nil {
			return err
		}

		next := p.Copy()
		next.Inputs = append(next.Inputs, in)
		after, err := next.computeLockTime()
		if err != nil {
			return err
		}

		signed := slices.ContainsFunc(p.Inputs, func(o Input) bool {
			return o.State() >= StatePartiallySigned
		})
		if signed && before != after {
			return globalErr("locktime", fmt.Errorf("%w: new input "+
				"changes the locktime of signed inputs",
				ErrNotModifiable))
		}
	}

	in.sortRecords()
	p.Inputs = append(p.Inputs, in)
	log.Debugf("Added input %d spending %v", len(p.Inputs)-1, in.PrevOut)

	return nil
}

// AddOutput appends an output if the packet allows it.
func (p *Packet) AddOutput(out Output) error {
	if !p.modifiable(OutputsModifiable) {
		return globalErr("tx modifiable", fmt.Errorf("%w: outputs",
			ErrNotModifiable))
	}

	out.sortRecords()
	p.Outputs = append(p.Outputs, out)
	log.Debugf("Added output %d of %d sats", len(p.Outputs)-1, out.Amount)

	return nil
}

// NoteSignature narrows the modifiable flags of a version 2 packet after a
// signature with the given sighash type has been added.
func (p *Packet) NoteSignature(hashType txscript.SigHashType) {
	if p.Version != V2 {
		return
	}

	flags := p.TxModifiable.UnwrapOr(0)
	if hashType&txscript.SigHashAnyOneCanPay == 0 {
		flags &^= InputsModifiable
	}

	switch hashType & sigHashMask {
	case txscript.SigHashNone:
	case txscript.SigHashSingle:
		flags |= HasSighashSingle
	default:
		flags &^= OutputsModifiable
	}

	p.TxModifiable = fn.Some(flags)
}

// sigHashMask selects the base type of a sighash flag.
const sigHashMask = 0x1f

func sortByKey[T any](items []T, f func(T) record) {
	slices.SortStableFunc(items, func(a, b T) int {
		return bytes.Compare(f(a).key, f(b).key)
	})
}

// sortRecords puts the keyed records into the order Serialize writes them.
func (in *Input) sortRecords() {
	sortByKey(in.PartialSigs, partialSigRecord)
	sortByKey(in.Bip32Derivation, bip32Record)
	sortByKey(in.TaprootScriptSpendSig, tapScriptSigRecord)
	sortByKey(in.TaprootLeafScript, tapLeafRecord)
	sortByKey(in.TaprootBip32Derivation, tapBip32Record)
	sortByKey(in.Unknowns, unknownRecord)
}

func (out *Output) sortRecords() {
	sortByKey(out.Bip32Derivation, bip32Record)
	sortByKey(out.TaprootBip32Derivation, tapBip32Record)
	sortByKey(out.Unknowns, unknownRecord)
}

func (p *Packet) sortRecords() {
	sortByKey(p.XPubs, xpubRecord)
	sortByKey(p.Unknowns, unknownRecord)
	for i := range p.Inputs {
		p.Inputs[i].sortRecords()
	}
	for i := range p.Outputs {
		p.Outputs[i].sortRecords()
	}
}

// Normalize sorts every keyed record list by key, the order the packet is
// serialized and decoded in.
func (p *Packet) Normalize() {
	p.sortRecords()
}

// UpsertPartialSig adds or replaces the signature of pubKey.
func (in *Input) UpsertPartialSig(sig *psbt.PartialSig) {
	in.PartialSigs = upsert(in.PartialSigs, sig, partialSigRecord)
}

// UpsertBip32Derivation adds or replaces the derivation of a key.
func (in *Input) UpsertBip32Derivation(d *psbt.Bip32Derivation) {
	in.Bip32Derivation = upsert(in.Bip32Derivation, d, bip32Record)
}

// UpsertTaprootScriptSig adds or replaces a script path signature.
func (in *Input) UpsertTaprootScriptSig(sig *psbt.TaprootScriptSpendSig) {
	in.TaprootScriptSpendSig = upsert(
		in.TaprootScriptSpendSig, sig, tapScriptSigRecord,
	)
}

// UpsertTaprootLeafScript adds or replaces a leaf script.
func (in *Input) UpsertTaprootLeafScript(l *psbt.TaprootTapLeafScript) {
	in.TaprootLeafScript = upsert(in.TaprootLeafScript, l, tapLeafRecord)
}

// UpsertTaprootBip32Derivation adds or replaces a taproot derivation.
func (in *Input) UpsertTaprootBip32Derivation(
	d *psbt.TaprootBip32Derivation) {

	in.TaprootBip32Derivation = upsert(
		in.TaprootBip32Derivation, d, tapBip32Record,
	)
}

// UpsertBip32Derivation adds or replaces the derivation of a key.
func (out *Output) UpsertBip32Derivation(d *psbt.Bip32Derivation) {
	out.Bip32Derivation = upsert(out.Bip32Derivation, d, bip32Record)
}

// UpsertTaprootBip32Derivation adds or replaces a taproot derivation.
func (out *Output) UpsertTaprootBip32Derivation(
	d *psbt.TaprootBip32Derivation) {

	out.TaprootBip32Derivation = upsert(
		out.TaprootBip32Derivation, d, tapBip32Record,
	)
}

// upsert keeps items sorted by key and replaces an item with the same key.
func upsert[T any](items []T, item T, f func(T) record) []T {
	key := f(item).key
	i, found := slices.BinarySearchFunc(items, key, func(e T,
		k []byte) int {

		return bytes.Compare(f(e).key, k)
	})
	if found {
		items = slices.Clone(items)
		items[i] = item

		return items
	}

	return slices.Insert(slices.Clone(items), i, item)
}
