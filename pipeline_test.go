package psbt_sdk_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	psbtsdk "github.com/kyleo-o/psbt-sdk"
	"github.com/kyleo-o/psbt-sdk/descriptor"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/psbt"
	"github.com/kyleo-o/psbt-sdk/signer"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

const (
	h = keyexpr.HardenedKeyStart

	fundingValue = 100_000
	changeValue  = 90_000
)

var (
	netParams   = &chaincfg.RegressionNetParams
	accountPath = keyexpr.Path{84 + h, 1 + h, 0 + h}
)

// party is one signing participant.
type party struct {
	signer *signer.HDSigner

	// key is the account key expression with origin, without the
	// derivation tail.
	key string
}

func newParty(t *testing.T, seedByte byte) *party {
	t.Helper()

	s, err := signer.NewFromSeed(bytes.Repeat([]byte{seedByte}, 32),
		netParams)
	require.NoError(t, err)

	xpub, err := s.Account(accountPath)
	require.NoError(t, err)

	return &party{
		signer: s,
		key: "[" + s.Fingerprint().String() + "/" +
			accountPath.String() + "]" + xpub.String(),
	}
}

func (p *party) filter() psbtsdk.KeyFilter {
	return psbtsdk.FingerprintFilter(p.signer.Fingerprint())
}

func (p *party) sign(t *testing.T, pkt *psbt.Packet) int {
	t.Helper()

	n, err := psbtsdk.Sign(context.Background(), pkt, p.signer, p.filter())
	require.NoError(t, err)

	return n
}

// fundingTx pays fundingValue to d at index 0.
func fundingTx(t *testing.T, d descriptor.Descriptor) *wire.MsgTx {
	t.Helper()

	spk, err := descriptor.ScriptPubKey(d, 0)
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{1}}, nil,
		nil))
	tx.AddTxOut(wire.NewTxOut(fundingValue, spk))

	return tx
}

// spendPacket returns an updated packet spending the funding output of d
// to d at index 1.
func spendPacket(t *testing.T, d descriptor.Descriptor,
	utxo func(*wire.MsgTx) psbtsdk.UtxoData,
	opts ...psbtsdk.UpdaterOption) *psbt.Packet {

	t.Helper()

	funding := fundingTx(t, d)
	change, err := descriptor.ScriptPubKey(d, 1)
	require.NoError(t, err)

	p, err := psbt.New(
		psbt.V2,
		[]*wire.OutPoint{{Hash: funding.TxHash()}},
		[]*wire.TxOut{wire.NewTxOut(changeValue, change)},
		2, 0, nil,
	)
	require.NoError(t, err)

	err = psbtsdk.NewUpdater(opts...).UpdateInput(
		p, 0, d, 0, utxo(funding),
	)
	require.NoError(t, err)
	require.Equal(t, psbt.StateUpdated, p.Inputs[0].State())

	return p
}

func witnessUtxo(tx *wire.MsgTx) psbtsdk.UtxoData {
	return psbtsdk.UtxoData{WitnessUtxo: tx.TxOut[0]}
}

func nonWitnessUtxo(tx *wire.MsgTx) psbtsdk.UtxoData {
	return psbtsdk.UtxoData{NonWitnessUtxo: tx}
}

// verifyTx runs every input of tx through the script engine.
func verifyTx(t *testing.T, p *psbt.Packet, tx *wire.MsgTx) {
	t.Helper()

	fetcher, err := p.PrevOutputFetcher(true)
	require.NoError(t, err)
	hashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, txIn := range tx.TxIn {
		prev := fetcher.FetchPrevOutput(txIn.PreviousOutPoint)
		require.NotNil(t, prev)

		vm, err := txscript.NewEngine(
			prev.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, hashes, prev.Value, fetcher,
		)
		require.NoError(t, err)
		require.NoError(t, vm.Execute(), "input %d", i)
	}
}

func finalWitness(t *testing.T, p *psbt.Packet, index int) wire.TxWitness {
	t.Helper()

	w, err := p.Inputs[index].FinalWitness()
	require.NoError(t, err)

	return w
}

func TestMultisigRound(t *testing.T) {
	alice, bob := newParty(t, 1), newParty(t, 2)
	d, err := descriptor.Parse("wsh(multi(2," + alice.key + "/0/*," +
		bob.key + "/0/*))")
	require.NoError(t, err)

	p := spendPacket(t, d, witnessUtxo)
	require.Len(t, p.Inputs[0].Bip32Derivation, 2)
	require.NotEmpty(t, p.Inputs[0].WitnessScript)
	witnessScript := p.Inputs[0].WitnessScript

	// Each party signs its own copy.
	pa, pb := p.Copy(), p.Copy()
	require.Equal(t, 1, alice.sign(t, pa))
	require.Equal(t, 1, bob.sign(t, pb))
	require.Equal(t, psbt.StatePartiallySigned, pa.Inputs[0].State())

	// Signing again adds nothing.
	require.Zero(t, alice.sign(t, pa))

	// One signature does not satisfy the script.
	before := pa.Inputs[0].Copy()
	err = psbtsdk.FinalizeInput(pa, 0)
	require.ErrorIs(t, err, psbtsdk.ErrInsufficientSignatures)
	require.Equal(t, before, pa.Inputs[0])

	combined, err := psbt.Combine(pa, pb)
	require.NoError(t, err)
	require.Len(t, combined.Inputs[0].PartialSigs, 2)

	require.NoError(t, psbtsdk.Finalize(combined))
	require.Equal(t, psbt.StateFinalized, combined.Inputs[0].State())
	require.Empty(t, combined.Inputs[0].PartialSigs)

	w := finalWitness(t, combined, 0)
	require.Len(t, w, 4)
	require.Empty(t, w[0])
	require.Equal(t, witnessScript, w[3])

	err = psbtsdk.FinalizeInput(combined, 0)
	require.ErrorIs(t, err, psbtsdk.ErrAlreadyFinalized)

	_, err = psbtsdk.SignInput(
		context.Background(), combined, 0, alice.signer, alice.filter(),
	)
	require.ErrorIs(t, err, psbtsdk.ErrAlreadyFinalized)

	tx, err := psbtsdk.Extract(combined)
	require.NoError(t, err)
	verifyTx(t, combined, tx)
}

func TestTaprootScriptAndKeyPath(t *testing.T) {
	alice, bob := newParty(t, 3), newParty(t, 4)
	d, err := descriptor.Parse("tr(" + alice.key + "/0/*,pk(" + bob.key +
		"/0/*))")
	require.NoError(t, err)

	p := spendPacket(t, d, witnessUtxo)
	require.Len(t, p.Inputs[0].TaprootLeafScript, 1)
	require.Len(t, p.Inputs[0].TaprootBip32Derivation, 2)
	require.NotEmpty(t, p.Inputs[0].TaprootMerkleRoot)

	t.Run("script path", func(t *testing.T) {
		pkt := p.Copy()
		require.Equal(t, 1, bob.sign(t, pkt))
		require.Len(t, pkt.Inputs[0].TaprootScriptSpendSig, 1)
		require.Empty(t, pkt.Inputs[0].TaprootKeySpendSig)

		before := pkt.Inputs[0].Copy()
		err := psbtsdk.FinalizeInput(
			pkt, 0, psbtsdk.WithSpendPath(psbtsdk.SpendPathKeyOnly),
		)
		require.ErrorIs(t, err, psbtsdk.ErrInsufficientSignatures)
		require.Equal(t, before, pkt.Inputs[0])

		require.NoError(t, psbtsdk.FinalizeInput(pkt, 0))
		w := finalWitness(t, pkt, 0)
		require.Len(t, w, 3)
		require.Len(t, w[0], 64)
		require.Equal(t, p.Inputs[0].TaprootLeafScript[0].Script, w[1])

		tx, err := psbtsdk.Extract(pkt)
		require.NoError(t, err)
		verifyTx(t, pkt, tx)
	})

	t.Run("key path", func(t *testing.T) {
		pkt := p.Copy()
		require.Equal(t, 1, alice.sign(t, pkt))
		require.Len(t, pkt.Inputs[0].TaprootKeySpendSig, 64)

		err := psbtsdk.FinalizeInput(
			pkt, 0,
			psbtsdk.WithSpendPath(psbtsdk.SpendPathScriptOnly),
		)
		require.ErrorIs(t, err, psbtsdk.ErrInsufficientSignatures)

		require.NoError(t, psbtsdk.Finalize(pkt))
		require.Len(t, finalWitness(t, pkt, 0), 1)

		tx, err := psbtsdk.Extract(pkt)
		require.NoError(t, err)
		verifyTx(t, pkt, tx)
	})

	t.Run("both paths prefer the key", func(t *testing.T) {
		pkt := p.Copy()
		alice.sign(t, pkt)
		bob.sign(t, pkt)

		require.NoError(t, psbtsdk.Finalize(pkt))
		require.Len(t, finalWitness(t, pkt, 0), 1)
	})
}

func TestSingleKeySpends(t *testing.T) {
	alice := newParty(t, 5)

	tests := []struct {
		name          string
		desc          string
		utxo          func(*wire.MsgTx) psbtsdk.UtxoData
		wantScriptSig bool
		wantWitness   int
	}{{
		name:          "pkh",
		desc:          "pkh(%s/0/*)",
		utxo:          nonWitnessUtxo,
		wantScriptSig: true,
	}, {
		name:        "wpkh",
		desc:        "wpkh(%s/0/*)",
		utxo:        nonWitnessUtxo,
		wantWitness: 2,
	}, {
		name:          "sh wpkh",
		desc:          "sh(wpkh(%s/0/*))",
		utxo:          nonWitnessUtxo,
		wantScriptSig: true,
		wantWitness:   2,
	}, {
		name:        "tr key only",
		desc:        "tr(%s/0/*)",
		utxo:        nonWitnessUtxo,
		wantWitness: 1,
	}, {
		name:        "wpkh witness utxo",
		desc:        "wpkh(%s/0/*)",
		utxo:        witnessUtxo,
		wantWitness: 2,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d, err := descriptor.Parse(fmt.Sprintf(tc.desc, alice.key))
			require.NoError(t, err)

			p := spendPacket(t, d, tc.utxo)
			require.Equal(t, 1, alice.sign(t, p))
			require.NoError(t, psbtsdk.Finalize(p))

			in := &p.Inputs[0]
			require.Equal(t, tc.wantScriptSig, len(in.FinalScriptSig) > 0)
			require.Len(t, finalWitness(t, p, 0), tc.wantWitness)

			tx, err := psbtsdk.Extract(p)
			require.NoError(t, err)
			verifyTx(t, p, tx)
		})
	}
}

func TestMissingUtxo(t *testing.T) {
	alice := newParty(t, 6)
	d, err := descriptor.Parse("wpkh(" + alice.key + "/0/*)")
	require.NoError(t, err)

	funding := fundingTx(t, d)
	p, err := psbt.New(psbt.V2, []*wire.OutPoint{{Hash: funding.TxHash()}},
		[]*wire.TxOut{funding.TxOut[0]}, 2, 0, nil)
	require.NoError(t, err)

	err = psbtsdk.NewUpdater().UpdateInput(p, 0, d, 0, psbtsdk.UtxoData{})
	require.ErrorIs(t, err, psbtsdk.ErrMalformedEncoding)
	require.Equal(t, psbt.StateEmpty, p.Inputs[0].State())

	// The wrong derivation index gives another script.
	err = psbtsdk.NewUpdater().UpdateInput(
		p, 0, d, 3, witnessUtxo(funding),
	)
	require.ErrorIs(t, err, psbtsdk.ErrInvalidDerivation)
	require.Equal(t, psbt.StateEmpty, p.Inputs[0].State())

	require.NoError(t, psbtsdk.NewUpdater().UpdateInput(
		p, 0, d, 0, witnessUtxo(funding),
	))
	p.Inputs[0].WitnessUtxo = nil

	_, err = psbtsdk.Sign(
		context.Background(), p, alice.signer, alice.filter(),
	)
	require.ErrorIs(t, err, psbtsdk.ErrMalformedEncoding)
}

func TestUpdateInputErrors(t *testing.T) {
	alice := newParty(t, 9)
	parse := func(t *testing.T, desc string) descriptor.Descriptor {
		d, err := descriptor.Parse(fmt.Sprintf(desc, alice.key))
		require.NoError(t, err)

		return d
	}

	tests := []struct {
		name    string
		desc    string
		index   int
		prepare func(t *testing.T, p *psbt.Packet)
		utxo    func(*wire.MsgTx) psbtsdk.UtxoData
		wantErr error
	}{{
		name:    "index out of range",
		desc:    "wpkh(%s/0/*)",
		index:   1,
		utxo:    witnessUtxo,
		wantErr: psbtsdk.ErrIndexOutOfRange,
	}, {
		name:    "negative index",
		desc:    "wpkh(%s/0/*)",
		index:   -1,
		utxo:    witnessUtxo,
		wantErr: psbtsdk.ErrIndexOutOfRange,
	}, {
		name: "partially signed",
		desc: "wpkh(%s/0/*)",
		prepare: func(t *testing.T, p *psbt.Packet) {
			require.Equal(t, 1, alice.sign(t, p))
		},
		utxo:    witnessUtxo,
		wantErr: psbtsdk.ErrAlreadyFinalized,
	}, {
		name: "finalized",
		desc: "wpkh(%s/0/*)",
		prepare: func(t *testing.T, p *psbt.Packet) {
			require.Equal(t, 1, alice.sign(t, p))
			require.NoError(t, psbtsdk.Finalize(p))
		},
		utxo:    witnessUtxo,
		wantErr: psbtsdk.ErrAlreadyFinalized,
	}, {
		name: "utxos disagree",
		desc: "wpkh(%s/0/*)",
		utxo: func(tx *wire.MsgTx) psbtsdk.UtxoData {
			return psbtsdk.UtxoData{
				NonWitnessUtxo: tx,
				WitnessUtxo: wire.NewTxOut(
					fundingValue+1, tx.TxOut[0].PkScript,
				),
			}
		},
		wantErr: psbtsdk.ErrConflict,
	}, {
		name: "other internal key",
		desc: "tr(%s/0/*)",
		prepare: func(t *testing.T, p *psbt.Packet) {
			p.Inputs[0].TaprootInternalKey = bytes.Repeat(
				[]byte{2}, 32,
			)
		},
		utxo:    witnessUtxo,
		wantErr: psbtsdk.ErrConflict,
	}, {
		name: "merkle root on a key path output",
		desc: "tr(%s/0/*)",
		prepare: func(t *testing.T, p *psbt.Packet) {
			p.Inputs[0].TaprootMerkleRoot = bytes.Repeat(
				[]byte{3}, 32,
			)
		},
		utxo:    witnessUtxo,
		wantErr: psbtsdk.ErrConflict,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := parse(t, tc.desc)
			funding := fundingTx(t, d)

			p, err := psbt.New(
				psbt.V2,
				[]*wire.OutPoint{{Hash: funding.TxHash()}},
				[]*wire.TxOut{wire.NewTxOut(
					changeValue, funding.TxOut[0].PkScript,
				)},
				2, 0, nil,
			)
			require.NoError(t, err)
			if tc.prepare != nil {
				require.NoError(t, psbtsdk.NewUpdater().UpdateInput(
					p, 0, d, 0, witnessUtxo(funding),
				))
				tc.prepare(t, p)
			}

			before := p.Copy()
			err = psbtsdk.NewUpdater(
				psbtsdk.WithSighashType(txscript.SigHashAll),
			).UpdateInput(p, tc.index, d, 0, tc.utxo(funding))
			require.ErrorIs(t, err, tc.wantErr)
			require.Equal(t, before, p)
		})
	}
}

func TestSignerFailures(t *testing.T) {
	alice := newParty(t, 7)
	d, err := descriptor.Parse("wpkh(" + alice.key + "/0/*)")
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	denying, err := signer.NewFromSeed(bytes.Repeat([]byte{7}, 32),
		netParams, signer.Deny(func(*psbtsdk.SignRequest) bool {
			return true
		}))
	require.NoError(t, err)

	garbage := psbtsdk.SignerFunc(func(context.Context,
		*psbtsdk.SignRequest) ([]byte, error) {

		return bytes.Repeat([]byte{0x30}, 70), nil
	})

	tests := []struct {
		name    string
		ctx     context.Context
		signer  psbtsdk.Signer
		wantErr error
	}{{
		name:    "cancelled",
		ctx:     cancelled,
		signer:  alice.signer,
		wantErr: context.Canceled,
	}, {
		name:    "denied",
		ctx:     context.Background(),
		signer:  denying,
		wantErr: psbtsdk.ErrSigningDenied,
	}, {
		name:    "bad signature",
		ctx:     context.Background(),
		signer:  garbage,
		wantErr: psbtsdk.ErrInvalidSignature,
	}, {
		name:    "foreign key",
		ctx:     context.Background(),
		signer:  newParty(t, 8).signer,
		wantErr: psbtsdk.ErrKeyNotFound,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := spendPacket(t, d, witnessUtxo)
			n, err := psbtsdk.Sign(tc.ctx, p, tc.signer, nil)
			require.ErrorIs(t, err, tc.wantErr)
			require.Zero(t, n)
			require.Equal(t, psbt.StateUpdated, p.Inputs[0].State())
			require.Empty(t, p.Inputs[0].PartialSigs)
		})
	}
}

func TestSighashNarrowsModifiable(t *testing.T) {
	alice := newParty(t, 9)
	d, err := descriptor.Parse("wpkh(" + alice.key + "/0/*)")
	require.NoError(t, err)

	all := psbt.InputsModifiable | psbt.OutputsModifiable

	tests := []struct {
		name      string
		opts      []psbtsdk.UpdaterOption
		wantFlags psbt.ModifiableFlags
	}{{
		name:      "default",
		wantFlags: 0,
	}, {
		name: "single anyonecanpay",
		opts: []psbtsdk.UpdaterOption{psbtsdk.WithSighashType(
			txscript.SigHashSingle | txscript.SigHashAnyOneCanPay,
		)},
		wantFlags: all | psbt.HasSighashSingle,
	}, {
		name: "none",
		opts: []psbtsdk.UpdaterOption{psbtsdk.WithSighashType(
			txscript.SigHashNone,
		)},
		wantFlags: psbt.OutputsModifiable,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := spendPacket(t, d, witnessUtxo, tc.opts...)
			require.Equal(t, fn.Some(all), p.TxModifiable)

			alice.sign(t, p)
			require.Equal(t, fn.Some(tc.wantFlags), p.TxModifiable)

			require.NoError(t, psbtsdk.Finalize(p))
			tx, err := psbtsdk.Extract(p)
			require.NoError(t, err)
			verifyTx(t, p, tx)
		})
	}
}

func TestExtractNeedsFinalInputs(t *testing.T) {
	alice := newParty(t, 10)
	d, err := descriptor.Parse("wpkh(" + alice.key + "/0/*)")
	require.NoError(t, err)

	first, second := fundingTx(t, d), fundingTx(t, d)
	second.TxIn[0].PreviousOutPoint.Index = 1

	spk, err := descriptor.ScriptPubKey(d, 1)
	require.NoError(t, err)
	outs := []*wire.TxOut{
		wire.NewTxOut(50_000, spk),
		wire.NewTxOut(140_000, first.TxOut[0].PkScript),
	}
	p, err := psbt.New(psbt.V2, []*wire.OutPoint{
		{Hash: second.TxHash()}, {Hash: first.TxHash()},
	}, outs, 2, 0, nil)
	require.NoError(t, err)

	u := psbtsdk.NewUpdater()
	require.NoError(t, u.UpdateInput(p, 0, d, 0, witnessUtxo(second)))
	require.NoError(t, u.UpdateInput(p, 1, d, 0, witnessUtxo(first)))

	require.Equal(t, 2, alice.sign(t, p))
	require.NoError(t, psbtsdk.FinalizeInput(p, 1))

	_, err = psbtsdk.Extract(p)
	require.ErrorIs(t, err, psbtsdk.ErrNotFullyFinalized)

	require.NoError(t, psbtsdk.Finalize(p))
	tx, err := psbtsdk.Extract(p)
	require.NoError(t, err)

	require.Equal(t, second.TxHash(), tx.TxIn[0].PreviousOutPoint.Hash)
	require.Equal(t, first.TxHash(), tx.TxIn[1].PreviousOutPoint.Hash)
	require.Equal(t, outs[0].Value, tx.TxOut[0].Value)
	require.Equal(t, outs[1].Value, tx.TxOut[1].Value)
	verifyTx(t, p, tx)
}
