package psbt_sdk

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/kyleo-o/psbt-sdk/descriptor"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/psbt"
)

// derivationCacheSize bounds the child keys a builder remembers.
const derivationCacheSize = 1024

// PsbtBuilder drives one packet through the roles of BIP174 with the
// string based inputs of the SDK.
type PsbtBuilder struct {
	NetParams *chaincfg.Params
	Packet    *psbt.Packet

	deriver keyexpr.Deriver
}

func newBuilder(netParams *chaincfg.Params, p *psbt.Packet) *PsbtBuilder {
	return &PsbtBuilder{
		NetParams: netParams,
		Packet:    p,
		deriver: keyexpr.NewCachedDeriver(
			keyexpr.HDDeriver{}, derivationCacheSize,
		),
	}
}

// Create new psbt builder
func CreatePsbtBuilder(netParams *chaincfg.Params, version psbt.Version,
	ins []Input, outs []Output) (*PsbtBuilder, error) {

	var (
		txIns      = make([]*wire.OutPoint, 0, len(ins))
		nSequences = make([]uint32, 0, len(ins))
	)
	for _, in := range ins {
		prevOut, err := in.outPoint()
		if err != nil {
			return nil, err
		}
		txIns = append(txIns, prevOut)
		nSequences = append(nSequences, in.sequence())
	}

	txOuts, err := toTxOuts(netParams, outs)
	if err != nil {
		return nil, err
	}

	p, err := psbt.New(version, txIns, txOuts, 2, 0, nSequences)
	if err != nil {
		return nil, err
	}

	return newBuilder(netParams, p), nil
}

// NewPsbtBuilder loads a hex encoded packet.
func NewPsbtBuilder(netParams *chaincfg.Params,
	psbtHex string) (*PsbtBuilder, error) {

	b, err := hex.DecodeString(psbtHex)
	if err != nil {
		return nil, err
	}
	p, err := psbt.Decode(b)
	if err != nil {
		return nil, err
	}

	return newBuilder(netParams, p), nil
}

// NewPsbtBuilderFromBase64 loads a base64 encoded packet.
func NewPsbtBuilderFromBase64(netParams *chaincfg.Params,
	psbtB64 string) (*PsbtBuilder, error) {

	p, err := psbt.DecodeBase64(psbtB64)
	if err != nil {
		return nil, err
	}

	return newBuilder(netParams, p), nil
}

func (in *Input) outPoint() (*wire.OutPoint, error) {
	txHash, err := chainhash.NewHashFromStr(in.OutTxId)
	if err != nil {
		return nil, err
	}

	return wire.NewOutPoint(txHash, in.OutIndex), nil
}

func (in *Input) sequence() uint32 {
	if in.Sequence == 0 {
		return wire.MaxTxInSequenceNum
	}

	return in.Sequence
}

func toTxOuts(netParams *chaincfg.Params, outs []Output) ([]*wire.TxOut,
	error) {

	txOuts := make([]*wire.TxOut, 0, len(outs))
	for _, out := range outs {
		var pkScript []byte
		if out.Script != "" {
			scriptByte, err := hex.DecodeString(out.Script)
			if err != nil {
				return nil, err
			}
			pkScript = scriptByte
		} else {
			address, err := btcutil.DecodeAddress(out.Address, netParams)
			if err != nil {
				return nil, err
			}

			pkScript, err = txscript.PayToAddrScript(address)
			if err != nil {
				return nil, err
			}
		}

		txOuts = append(txOuts, wire.NewTxOut(int64(out.Amount), pkScript))
	}

	return txOuts, nil
}

func (u *InputUtxo) utxoData() (UtxoData, error) {
	var data UtxoData
	switch u.UtxoType {
	case NonWitness:
		raw, err := hex.DecodeString(u.NonWitnessUtxo)
		if err != nil {
			return data, err
		}
		tx := wire.NewMsgTx(2)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return data, err
		}
		data.NonWitnessUtxo = tx

	case Witness:
		pkScript, err := hex.DecodeString(u.WitnessUtxoPkScript)
		if err != nil {
			return data, err
		}
		data.WitnessUtxo = wire.NewTxOut(
			int64(u.WitnessUtxoAmount), pkScript,
		)

	default:
		return data, fmt.Errorf("unknown utxo type %d", u.UtxoType)
	}

	return data, nil
}

// UpdateInputs records the UTXO and descriptor data of the given inputs. A
// zero sighash type leaves the choice to the signer.
func (s *PsbtBuilder) UpdateInputs(utxos []*InputUtxo) error {
	for _, v := range utxos {
		d, err := descriptor.Parse(v.Descriptor)
		if err != nil {
			return fmt.Errorf("Index-[%d] %w", v.Index, err)
		}
		data, err := v.utxoData()
		if err != nil {
			return fmt.Errorf("Index-[%d] %w", v.Index, err)
		}

		opts := []UpdaterOption{WithDeriver(s.deriver)}
		if v.SighashType != txscript.SigHashDefault {
			opts = append(opts, WithSighashType(v.SighashType))
		}

		err = NewUpdater(opts...).UpdateInput(
			s.Packet, v.Index, d, v.DerivationIndex, data,
		)
		if err != nil {
			return err
		}
	}

	return nil
}

// UpdateOutputs records descriptor data for outputs the wallet owns.
func (s *PsbtBuilder) UpdateOutputs(outs []*OutputDescriptor) error {
	u := NewUpdater(WithDeriver(s.deriver))
	for _, v := range outs {
		d, err := descriptor.Parse(v.Descriptor)
		if err != nil {
			return fmt.Errorf("Index-[%d] %w", v.Index, err)
		}
		err = u.UpdateOutput(s.Packet, v.Index, d, v.DerivationIndex)
		if err != nil {
			return err
		}
	}

	return nil
}

// Sign adds the signatures signer can make for keys selected by filter.
func (s *PsbtBuilder) Sign(ctx context.Context, signer Signer,
	filter KeyFilter) (int, error) {

	return Sign(ctx, s.Packet, signer, filter)
}

// Combine merges a packet produced by another participant, hex encoded.
func (s *PsbtBuilder) Combine(psbtHex string) error {
	other, err := NewPsbtBuilder(s.NetParams, psbtHex)
	if err != nil {
		return err
	}

	combined, err := psbt.Combine(s.Packet, other.Packet)
	if err != nil {
		return err
	}
	s.Packet = combined

	return nil
}

// Finalize finalizes every input.
func (s *PsbtBuilder) Finalize(opts ...FinalizeOption) error {
	return Finalize(s.Packet, opts...)
}

func (s *PsbtBuilder) ToString() (string, error) {
	b, err := s.Packet.Bytes()
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}

func (s *PsbtBuilder) ToBase64() (string, error) {
	return s.Packet.B64Encode()
}

func (s *PsbtBuilder) GetInputs() []*wire.TxIn {
	tx, err := s.Packet.UnsignedTx()
	if err != nil {
		return nil
	}

	return tx.TxIn
}

func (s *PsbtBuilder) GetOutputs() []*wire.TxOut {
	tx, err := s.Packet.UnsignedTx()
	if err != nil {
		return nil
	}

	return tx.TxOut
}

// AddInput appends an input, optionally updating it right away. The packet
// is left as it was if either step fails.
func (s *PsbtBuilder) AddInput(in Input, utxo *InputUtxo) error {
	prevOut, err := in.outPoint()
	if err != nil {
		return err
	}

	prev := s.Packet
	s.Packet = prev.Copy()

	pIn := psbt.NewInput(*prevOut)
	pIn.Sequence = in.sequence()
	if err := s.Packet.AddInput(pIn); err != nil {
		s.Packet = prev
		return err
	}
	if utxo == nil {
		return nil
	}

	u := *utxo
	u.Index = len(s.Packet.Inputs) - 1
	if err := s.UpdateInputs([]*InputUtxo{&u}); err != nil {
		s.Packet = prev
		return err
	}

	return nil
}

func (s *PsbtBuilder) AddOutput(outs []Output) error {
	txOuts, err := toTxOuts(s.NetParams, outs)
	if err != nil {
		return err
	}

	for _, out := range txOuts {
		err := s.Packet.AddOutput(psbt.Output{
			Amount:   out.Value,
			PkScript: out.PkScript,
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// IsComplete returns true when every input is finalized.
func (s *PsbtBuilder) IsComplete() bool {
	for i := range s.Packet.Inputs {
		if !s.Packet.Inputs[i].IsFinalized() {
			return false
		}
	}

	return true
}

// Fee returns the inputs' amount minus the outputs' amount. Every input
// needs UTXO data.
func (s *PsbtBuilder) Fee() (int64, error) {
	var fee int64
	for i := range s.Packet.Inputs {
		out, err := s.Packet.SpentOutput(i)
		if err != nil {
			return 0, err
		}
		fee += out.Value
	}
	for _, out := range s.Packet.Outputs {
		fee -= out.Amount
	}

	return fee, nil
}

// ExtractPsbtTransaction finalizes what is left and returns the signed
// transaction as hex.
func (s *PsbtBuilder) ExtractPsbtTransaction() (string, error) {
	if !s.IsComplete() {
		if err := s.Finalize(); err != nil {
			return "", err
		}
	}

	tx, err := Extract(s.Packet)
	if err != nil {
		return "", err
	}
	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b.Bytes()), nil
}
