package psbt_sdk_test

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	psbtsdk "github.com/kyleo-o/psbt-sdk"
	"github.com/kyleo-o/psbt-sdk/descriptor"
	"github.com/kyleo-o/psbt-sdk/psbt"
	"github.com/stretchr/testify/require"
)

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()

	var b bytes.Buffer
	require.NoError(t, tx.Serialize(&b))

	return hex.EncodeToString(b.Bytes())
}

func TestPsbtBuilder_MultisigAndLegacy(t *testing.T) {
	alice, bob := newParty(t, 21), newParty(t, 22)

	multisig := "wsh(multi(2," + alice.key + "/0/*," + bob.key + "/0/*))"
	legacy := "pkh(" + alice.key + "/0/*)"
	dMulti, err := descriptor.Parse(multisig)
	require.NoError(t, err)
	dLegacy, err := descriptor.Parse(legacy)
	require.NoError(t, err)

	fundMulti, fundLegacy := fundingTx(t, dMulti), fundingTx(t, dLegacy)

	change, err := descriptor.Address(dMulti, 1, netParams)
	require.NoError(t, err)
	other, err := descriptor.ScriptPubKey(dLegacy, 5)
	require.NoError(t, err)

	ins := []psbtsdk.Input{{
		OutTxId: fundMulti.TxHash().String(),
	}, {
		OutTxId:  fundLegacy.TxHash().String(),
		Sequence: wire.MaxTxInSequenceNum - 2,
	}}
	outs := []psbtsdk.Output{{
		Address: change.EncodeAddress(),
		Amount:  120_000,
	}, {
		Script: hex.EncodeToString(other),
		Amount: 70_000,
	}}

	b, err := psbtsdk.CreatePsbtBuilder(netParams, psbt.V0, ins, outs)
	require.NoError(t, err)

	err = b.UpdateInputs([]*psbtsdk.InputUtxo{{
		UtxoType:            psbtsdk.Witness,
		WitnessUtxoPkScript: hex.EncodeToString(fundMulti.TxOut[0].PkScript),
		WitnessUtxoAmount:   fundingValue,
		Descriptor:          multisig,
		Index:               0,
	}, {
		UtxoType:       psbtsdk.NonWitness,
		SighashType:    txscript.SigHashAll,
		NonWitnessUtxo: txHex(t, fundLegacy),
		Descriptor:     legacy,
		Index:          1,
	}})
	require.NoError(t, err)
	require.Equal(t, txscript.SigHashAll,
		b.Packet.Inputs[1].SighashType.UnwrapOr(0))
	require.True(t, b.Packet.Inputs[0].SighashType.IsNone())

	err = b.UpdateOutputs([]*psbtsdk.OutputDescriptor{{
		Descriptor:      multisig,
		DerivationIndex: 1,
		Index:           0,
	}})
	require.NoError(t, err)
	require.Len(t, b.Packet.Outputs[0].Bip32Derivation, 2)
	require.NotEmpty(t, b.Packet.Outputs[0].WitnessScript)
	require.Empty(t, b.Packet.Outputs[1].Bip32Derivation)

	fee, err := b.Fee()
	require.NoError(t, err)
	require.EqualValues(t, 2*fundingValue-190_000, fee)

	txIns := b.GetInputs()
	require.Len(t, txIns, 2)
	require.Equal(t, fundMulti.TxHash(), txIns[0].PreviousOutPoint.Hash)
	require.Equal(t, wire.MaxTxInSequenceNum, txIns[0].Sequence)
	require.Equal(t, wire.MaxTxInSequenceNum-2, txIns[1].Sequence)
	require.Len(t, b.GetOutputs(), 2)

	// Bob works on his own copy of the updated packet.
	unsigned, err := b.ToString()
	require.NoError(t, err)
	bobBuilder, err := psbtsdk.NewPsbtBuilder(netParams, unsigned)
	require.NoError(t, err)

	n, err := b.Sign(context.Background(), alice.signer, alice.filter())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, b.IsComplete())

	n, err = bobBuilder.Sign(
		context.Background(), bob.signer, bob.filter(),
	)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Version 0 packets are frozen once signed.
	err = b.AddOutput([]psbtsdk.Output{{
		Script: hex.EncodeToString(other),
		Amount: 1_000,
	}})
	require.ErrorIs(t, err, psbt.ErrNotModifiable)

	bobHex, err := bobBuilder.ToString()
	require.NoError(t, err)
	require.NoError(t, b.Combine(bobHex))
	require.Len(t, b.Packet.Inputs[0].PartialSigs, 2)

	signed, err := b.ExtractPsbtTransaction()
	require.NoError(t, err)
	require.True(t, b.IsComplete())

	raw, err := hex.DecodeString(signed)
	require.NoError(t, err)
	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	verifyTx(t, b.Packet, tx)

	b64, err := b.ToBase64()
	require.NoError(t, err)
	reloaded, err := psbtsdk.NewPsbtBuilderFromBase64(netParams, b64)
	require.NoError(t, err)
	require.True(t, reloaded.IsComplete())

	final, err := b.ToString()
	require.NoError(t, err)
	reloadedHex, err := reloaded.ToString()
	require.NoError(t, err)
	require.Equal(t, final, reloadedHex)
}

func TestPsbtBuilder_AddInput(t *testing.T) {
	alice := newParty(t, 23)
	desc := "wpkh(" + alice.key + "/0/*)"
	d, err := descriptor.Parse(desc)
	require.NoError(t, err)

	first := fundingTx(t, d)
	second := fundingTx(t, d)
	second.TxIn[0].PreviousOutPoint.Index = 1

	b, err := psbtsdk.CreatePsbtBuilder(netParams, psbt.V2,
		[]psbtsdk.Input{{OutTxId: first.TxHash().String()}},
		[]psbtsdk.Output{{
			Script: hex.EncodeToString(first.TxOut[0].PkScript),
			Amount: 150_000,
		}},
	)
	require.NoError(t, err)

	utxo := func(tx *wire.MsgTx) *psbtsdk.InputUtxo {
		return &psbtsdk.InputUtxo{
			UtxoType:       psbtsdk.NonWitness,
			NonWitnessUtxo: txHex(t, tx),
			Descriptor:     desc,
		}
	}
	require.NoError(t, b.UpdateInputs([]*psbtsdk.InputUtxo{utxo(first)}))

	// The index of the given utxo is replaced by the new input's.
	err = b.AddInput(
		psbtsdk.Input{OutTxId: second.TxHash().String()}, utxo(second),
	)
	require.NoError(t, err)
	require.Len(t, b.Packet.Inputs, 2)
	require.Equal(t, psbt.StateUpdated, b.Packet.Inputs[1].State())

	// The same outpoint cannot be spent twice.
	err = b.AddInput(psbtsdk.Input{OutTxId: second.TxHash().String()}, nil)
	require.ErrorIs(t, err, psbtsdk.ErrConflict)

	// A failed update takes the new input back out.
	third := fundingTx(t, d)
	third.TxIn[0].PreviousOutPoint.Index = 2
	before, err := b.ToString()
	require.NoError(t, err)

	err = b.AddInput(
		psbtsdk.Input{OutTxId: third.TxHash().String()}, utxo(second),
	)
	require.ErrorIs(t, err, psbtsdk.ErrMalformedEncoding)
	require.Len(t, b.Packet.Inputs, 2)

	after, err := b.ToString()
	require.NoError(t, err)
	require.Equal(t, before, after)

	fee, err := b.Fee()
	require.NoError(t, err)
	require.EqualValues(t, 50_000, fee)

	_, err = b.Sign(context.Background(), alice.signer, alice.filter())
	require.NoError(t, err)

	signed, err := b.ExtractPsbtTransaction()
	require.NoError(t, err)
	require.NotEmpty(t, signed)
}

func TestPsbtBuilder_BadInputs(t *testing.T) {
	_, err := psbtsdk.CreatePsbtBuilder(netParams, psbt.V2,
		[]psbtsdk.Input{{OutTxId: "not a txid"}}, nil)
	require.Error(t, err)

	_, err = psbtsdk.CreatePsbtBuilder(netParams, psbt.V2, nil,
		[]psbtsdk.Output{{Address: "not an address", Amount: 1}})
	require.Error(t, err)

	_, err = psbtsdk.NewPsbtBuilder(netParams, "70736274ff")
	require.ErrorIs(t, err, psbtsdk.ErrMalformedEncoding)

	b, err := psbtsdk.CreatePsbtBuilder(netParams, psbt.V2, nil, nil)
	require.NoError(t, err)
	err = b.UpdateInputs([]*psbtsdk.InputUtxo{{
		UtxoType:   psbtsdk.Witness,
		Descriptor: "wpkh(",
	}})
	require.Error(t, err)
}
