// Package psbt implements the container of Partially Signed Bitcoin
// Transactions in both the BIP174 (version 0) and BIP370 (version 2)
// layouts.
//
// Unlike a version 0 serialization, a Packet does not hold an unsigned
// transaction. The transaction is derived from the per input and per output
// records on demand, so the counts of both always agree.
package psbt

import (
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// Version is the PSBT format version.
type Version uint32

const (
	V0 Version = 0
	V2 Version = 2
)

var (
	// ErrMalformedEncoding is returned for serializations and records
	// violating the format rules.
	ErrMalformedEncoding = errors.New("malformed psbt encoding")

	// ErrIndexOutOfRange is returned for input or output indexes past the
	// end of the packet.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrAlreadyFinalized is returned when changing a finalized input.
	ErrAlreadyFinalized = errors.New("input already finalized")

	// ErrConflict is returned when combining packets that disagree, or
	// when records about the same input disagree.
	ErrConflict = errors.New("conflicting psbts")

	// ErrNotModifiable is returned when adding inputs or outputs to a
	// packet that does not allow it.
	ErrNotModifiable = errors.New("psbt not modifiable")

	// ErrIncompatibleLockTime is returned when the inputs of a version 2
	// packet require both a height and a time based locktime.
	ErrIncompatibleLockTime = errors.New("incompatible locktime " +
		"requirements")
)

// FieldError reports which record of a packet a failure is about.
type FieldError struct {
	// Section is one of "global", "input" and "output".
	Section string

	// Index is the input or output index, -1 for the global section.
	Index int

	Field string
	Err   error
}

func (e *FieldError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("psbt %s %s: %v", e.Section, e.Field, e.Err)
	}

	return fmt.Sprintf("psbt %s %d %s: %v", e.Section, e.Index, e.Field,
		e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func globalErr(field string, err error) error {
	return &FieldError{Section: "global", Index: -1, Field: field, Err: err}
}

// InputError wraps err with the position of an input field.
func InputError(index int, field string, err error) error {
	return &FieldError{Section: "input", Index: index, Field: field,
		Err: err}
}

// OutputError wraps err with the position of an output field.
func OutputError(index int, field string, err error) error {
	return &FieldError{Section: "output", Index: index, Field: field,
		Err: err}
}

// ModifiableFlags is the PSBT_GLOBAL_TX_MODIFIABLE bit field.
type ModifiableFlags uint8

const (
	InputsModifiable  ModifiableFlags = 1 << 0
	OutputsModifiable ModifiableFlags = 1 << 1
	HasSighashSingle  ModifiableFlags = 1 << 2
)

// XPub is a global extended public key record.
type XPub struct {
	// ExtendedKey is the 78 byte serialized key.
	ExtendedKey          []byte
	MasterKeyFingerprint uint32
	Bip32Path            []uint32
}

// Packet is a PSBT.
type Packet struct {
	Version Version

	TxVersion int32

	// LockTime is the locktime of a version 0 packet.
	LockTime uint32

	// FallbackLockTime and TxModifiable only exist in version 2.
	FallbackLockTime fn.Option[uint32]
	TxModifiable     fn.Option[ModifiableFlags]

	XPubs    []*XPub
	Inputs   []Input
	Outputs  []Output
	Unknowns []*psbt.Unknown
}

// Input is the per input map.
type Input struct {
	PrevOut wire.OutPoint

	// Sequence defaults to wire.MaxTxInSequenceNum.
	Sequence uint32

	RequiredTimeLocktime   fn.Option[uint32]
	RequiredHeightLocktime fn.Option[uint32]

	NonWitnessUtxo *wire.MsgTx
	WitnessUtxo    *wire.TxOut

	PartialSigs     []*psbt.PartialSig
	SighashType     fn.Option[txscript.SigHashType]
	RedeemScript    []byte
	WitnessScript   []byte
	Bip32Derivation []*psbt.Bip32Derivation

	FinalScriptSig     []byte
	FinalScriptWitness []byte

	TaprootKeySpendSig     []byte
	TaprootScriptSpendSig  []*psbt.TaprootScriptSpendSig
	TaprootLeafScript      []*psbt.TaprootTapLeafScript
	TaprootBip32Derivation []*psbt.TaprootBip32Derivation
	TaprootInternalKey     []byte
	TaprootMerkleRoot      []byte

	Unknowns []*psbt.Unknown
}

// Output is the per output map.
type Output struct {
	Amount   int64
	PkScript []byte

	RedeemScript    []byte
	WitnessScript   []byte
	Bip32Derivation []*psbt.Bip32Derivation

	TaprootInternalKey     []byte
	TaprootTapTree         []byte
	TaprootBip32Derivation []*psbt.TaprootBip32Derivation

	Unknowns []*psbt.Unknown
}

// NewInput returns an input spending prevOut with the default sequence.
func NewInput(prevOut wire.OutPoint) Input {
	return Input{
		PrevOut:                prevOut,
		Sequence:               wire.MaxTxInSequenceNum,
		RequiredTimeLocktime:   fn.None[uint32](),
		RequiredHeightLocktime: fn.None[uint32](),
		SighashType:            fn.None[txscript.SigHashType](),
	}
}

// New creates a packet without any metadata. Sequences may be nil, in which
// case every input gets the default sequence. For version 2 packets a
// non-zero lockTime becomes the fallback locktime and both inputs and
// outputs stay modifiable.
func New(version Version, inputs []*wire.OutPoint, outputs []*wire.TxOut,
	txVersion int32, lockTime uint32, sequences []uint32) (*Packet, error) {

	if version != V0 && version != V2 {
		return nil, globalErr("version", fmt.Errorf("%w: version %d",
			ErrMalformedEncoding, version))
	}
	if sequences != nil && len(sequences) != len(inputs) {
		return nil, fmt.Errorf("%w: %d sequences for %d inputs",
			ErrIndexOutOfRange, len(sequences), len(inputs))
	}

	p := &Packet{
		Version:          version,
		TxVersion:        txVersion,
		FallbackLockTime: fn.None[uint32](),
		TxModifiable:     fn.None[ModifiableFlags](),
		Inputs:           make([]Input, len(inputs)),
		Outputs:          make([]Output, len(outputs)),
	}

	if version == V0 {
		p.LockTime = lockTime
	} else {
		if lockTime != 0 {
			p.FallbackLockTime = fn.Some(lockTime)
		}
		p.TxModifiable = fn.Some(InputsModifiable | OutputsModifiable)
	}

	for i, op := range inputs {
		p.Inputs[i] = NewInput(*op)
		if sequences != nil {
			p.Inputs[i].Sequence = sequences[i]
		}
	}
	for i, out := range outputs {
		p.Outputs[i] = Output{Amount: out.Value, PkScript: out.PkScript}
	}

	return p, nil
}

// NewFromUnsignedTx creates a version 0 packet from a transaction without
// signatures.
func NewFromUnsignedTx(tx *wire.MsgTx) (*Packet, error) {
	if !isUnsigned(tx) {
		return nil, globalErr("unsigned tx", fmt.Errorf("%w: transaction "+
			"has signatures", ErrMalformedEncoding))
	}

	p := &Packet{
		Version:          V0,
		TxVersion:        tx.Version,
		LockTime:         tx.LockTime,
		FallbackLockTime: fn.None[uint32](),
		TxModifiable:     fn.None[ModifiableFlags](),
		Inputs:           make([]Input, len(tx.TxIn)),
		Outputs:          make([]Output, len(tx.TxOut)),
	}
	for i, in := range tx.TxIn {
		p.Inputs[i] = NewInput(in.PreviousOutPoint)
		p.Inputs[i].Sequence = in.Sequence
	}
	for i, out := range tx.TxOut {
		p.Outputs[i] = Output{Amount: out.Value, PkScript: out.PkScript}
	}

	return p, nil
}

func isUnsigned(tx *wire.MsgTx) bool {
	for _, in := range tx.TxIn {
		if len(in.SignatureScript) != 0 || len(in.Witness) != 0 {
			return false
		}
	}

	return true
}

// UnsignedTx builds the transaction the packet describes, without any
// signatures.
func (p *Packet) UnsignedTx() (*wire.MsgTx, error) {
	lockTime := p.LockTime
	if p.Version == V2 {
		var err error
		if lockTime, err = p.computeLockTime(); err != nil {
			return nil, err
		}
	}

	tx := wire.NewMsgTx(p.TxVersion)
	tx.LockTime = lockTime
	for i := range p.Inputs {
		in := wire.NewTxIn(&p.Inputs[i].PrevOut, nil, nil)
		in.Sequence = p.Inputs[i].Sequence
		tx.AddTxIn(in)
	}
	for i := range p.Outputs {
		tx.AddTxOut(wire.NewTxOut(p.Outputs[i].Amount, p.Outputs[i].PkScript))
	}

	return tx, nil
}

// TxHash returns the id of the unsigned transaction.
func (p *Packet) TxHash() (chainhash.Hash, error) {
	tx, err := p.UnsignedTx()
	if err != nil {
		return chainhash.Hash{}, err
	}

	return tx.TxHash(), nil
}

// ConvertVersion switches the packet layout between version 0 and 2. Going
// down to version 0 fixes the locktime and drops the version 2 only fields.
func (p *Packet) ConvertVersion(v Version) error {
	switch {
	case v == p.Version:
		return nil

	case v == V2:
		p.FallbackLockTime = fn.None[uint32]()
		if p.LockTime != 0 {
			p.FallbackLockTime = fn.Some(p.LockTime)
		}
		p.LockTime = 0
		p.TxModifiable = fn.Some(ModifiableFlags(0))
		p.Version = V2

		return nil

	case v == V0:
		lockTime, err := p.computeLockTime()
		if err != nil {
			return err
		}
		p.LockTime = lockTime
		p.FallbackLockTime = fn.None[uint32]()
		p.TxModifiable = fn.None[ModifiableFlags]()
		for i := range p.Inputs {
			p.Inputs[i].RequiredTimeLocktime = fn.None[uint32]()
			p.Inputs[i].RequiredHeightLocktime = fn.None[uint32]()
		}
		p.Version = V0

		return nil
	}

	return globalErr("version", fmt.Errorf("%w: version %d",
		ErrMalformedEncoding, v))
}

// Copy returns a copy of the packet that can be changed without affecting
// p. Records are shared, they are never modified in place.
func (p *Packet) Copy() *Packet {
	c := *p
	c.XPubs = slices.Clone(p.XPubs)
	c.Unknowns = slices.Clone(p.Unknowns)

	c.Inputs = make([]Input, len(p.Inputs))
	for i := range p.Inputs {
		c.Inputs[i] = p.Inputs[i].Copy()
	}
	c.Outputs = make([]Output, len(p.Outputs))
	for i := range p.Outputs {
		c.Outputs[i] = p.Outputs[i].Copy()
	}

	return &c
}

// Copy returns a copy of the input with its own record lists.
func (in *Input) Copy() Input {
	c := *in
	c.PartialSigs = slices.Clone(in.PartialSigs)
	c.Bip32Derivation = slices.Clone(in.Bip32Derivation)
	c.TaprootScriptSpendSig = slices.Clone(in.TaprootScriptSpendSig)
	c.TaprootLeafScript = slices.Clone(in.TaprootLeafScript)
	c.TaprootBip32Derivation = slices.Clone(in.TaprootBip32Derivation)
	c.Unknowns = slices.Clone(in.Unknowns)

	return c
}

// Copy returns a copy of the output with its own record lists.
func (out *Output) Copy() Output {
	c := *out
	c.Bip32Derivation = slices.Clone(out.Bip32Derivation)
	c.TaprootBip32Derivation = slices.Clone(out.TaprootBip32Derivation)
	c.Unknowns = slices.Clone(out.Unknowns)

	return c
}

// CheckInputIndex returns ErrIndexOutOfRange unless index names an input.
func (p *Packet) CheckInputIndex(index int) error {
	if index < 0 || index >= len(p.Inputs) {
		return fmt.Errorf("%w: input %d of %d", ErrIndexOutOfRange,
			index, len(p.Inputs))
	}

	return nil
}

// CheckOutputIndex returns ErrIndexOutOfRange unless index names an output.
func (p *Packet) CheckOutputIndex(index int) error {
	if index < 0 || index >= len(p.Outputs) {
		return fmt.Errorf("%w: output %d of %d", ErrIndexOutOfRange,
			index, len(p.Outputs))
	}

	return nil
}
