package psbt_sdk

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	btcpsbt "github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/kyleo-o/psbt-sdk/descriptor"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/psbt"
	"github.com/kyleo-o/psbt-sdk/tapscript"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// UtxoData is the previous output an input spends. Segwit spends need the
// witness UTXO, legacy spends the full previous transaction. When only the
// previous transaction is given for a segwit spend, the witness UTXO is
// taken from it.
type UtxoData struct {
	NonWitnessUtxo *wire.MsgTx
	WitnessUtxo    *wire.TxOut
}

type updaterCfg struct {
	deriver     keyexpr.Deriver
	sighashType fn.Option[txscript.SigHashType]
}

// UpdaterOption configures an Updater.
type UpdaterOption func(*updaterCfg)

// WithDeriver sets the derivation collaborator, for example a
// keyexpr.CachedDeriver shared between updates.
func WithDeriver(d keyexpr.Deriver) UpdaterOption {
	return func(c *updaterCfg) {
		c.deriver = d
	}
}

// WithSighashType makes the updater record a sighash type on every input.
func WithSighashType(t txscript.SigHashType) UpdaterOption {
	return func(c *updaterCfg) {
		c.sighashType = fn.Some(t)
	}
}

// Updater fills inputs and outputs with what signers and finalizers need
// to know about the scripts a descriptor produces.
type Updater struct {
	resolver    *descriptor.Resolver
	sighashType fn.Option[txscript.SigHashType]
}

// NewUpdater creates an updater.
func NewUpdater(opts ...UpdaterOption) *Updater {
	cfg := &updaterCfg{
		deriver:     keyexpr.HDDeriver{},
		sighashType: fn.None[txscript.SigHashType](),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Updater{
		resolver:    descriptor.NewResolver(cfg.deriver),
		sighashType: cfg.sighashType,
	}
}

// UpdateInput records the UTXO spent by input index, and the scripts, key
// origins and taproot data of descriptor d at derivIndex. The input must be
// empty or updated, and the spent output must be the one the descriptor
// produces. On error the input is left unchanged.
func (u *Updater) UpdateInput(p *psbt.Packet, index int,
	d descriptor.Descriptor, derivIndex uint32, utxo UtxoData) error {

	if err := p.CheckInputIndex(index); err != nil {
		return err
	}

	in := &p.Inputs[index]
	if state := in.State(); state > psbt.StateUpdated {
		return psbt.InputError(index, "state", fmt.Errorf("%w: input "+
			"is %v", psbt.ErrAlreadyFinalized, state))
	}

	info, err := u.resolver.SpendInfo(d, derivIndex)
	if err != nil {
		return psbt.InputError(index, "descriptor", err)
	}

	next := in.Copy()
	if err := setUtxo(&next, index, info, utxo); err != nil {
		return err
	}

	spent := next.WitnessUtxo
	if spent == nil {
		spent = next.NonWitnessUtxo.TxOut[next.PrevOut.Index]
	}
	if !bytes.Equal(spent.PkScript, info.ScriptPubKey) {
		return psbt.InputError(index, "utxo", fmt.Errorf("%w: %s at "+
			"index %d gives script %x, the input spends %x",
			keyexpr.ErrInvalidDerivation, d, derivIndex,
			info.ScriptPubKey, spent.PkScript))
	}

	if info.Taproot != nil {
		if err := setTaprootInput(&next, info.Taproot); err != nil {
			return psbt.InputError(index, "taproot", err)
		}
	} else {
		next.RedeemScript = info.RedeemScript
		next.WitnessScript = info.WitnessScript
		for _, k := range info.Keys {
			next.UpsertBip32Derivation(bip32Derivation(k))
		}
	}

	u.sighashType.WhenSome(func(t txscript.SigHashType) {
		next.SighashType = fn.Some(t)
	})

	p.Inputs[index] = next

	log.Debugf("Updated input %d with %v at index %d", index, d,
		derivIndex)
	log.Tracef("Input %d: %v", index, newLogClosure(func() string {
		return spew.Sdump(p.Inputs[index])
	}))

	return nil
}

// isWitnessSpend reports whether the output of info is spent with a
// witness, natively or nested in P2SH.
func isWitnessSpend(info *descriptor.SpendInfo) bool {
	if info.Class.IsSegwit() {
		return true
	}

	return info.Class == descriptor.SpkP2SH &&
		txscript.IsWitnessProgram(info.RedeemScript)
}

func setUtxo(in *psbt.Input, index int, info *descriptor.SpendInfo,
	utxo UtxoData) error {

	if tx := utxo.NonWitnessUtxo; tx != nil {
		if tx.TxHash() != in.PrevOut.Hash ||
			int(in.PrevOut.Index) >= len(tx.TxOut) {

			return psbt.InputError(index, "non-witness utxo",
				fmt.Errorf("%w: transaction %v does not contain "+
					"%v", psbt.ErrMalformedEncoding,
					tx.TxHash(), in.PrevOut))
		}
		in.NonWitnessUtxo = tx
	}
	if utxo.WitnessUtxo != nil {
		in.WitnessUtxo = utxo.WitnessUtxo
	}
	if in.NonWitnessUtxo != nil && in.WitnessUtxo != nil {
		out := in.NonWitnessUtxo.TxOut[in.PrevOut.Index]
		if out.Value != in.WitnessUtxo.Value ||
			!bytes.Equal(out.PkScript, in.WitnessUtxo.PkScript) {

			return psbt.InputError(index, "witness utxo",
				fmt.Errorf("%w: pays %d to %x, the previous "+
					"transaction pays %d to %x",
					psbt.ErrConflict, in.WitnessUtxo.Value,
					in.WitnessUtxo.PkScript, out.Value,
					out.PkScript))
		}
	}

	if !isWitnessSpend(info) {
		if in.NonWitnessUtxo == nil {
			return psbt.InputError(index, "non-witness utxo",
				fmt.Errorf("%w: required for %v spends, missing",
					psbt.ErrMalformedEncoding, info.Class))
		}

		return nil
	}

	if in.WitnessUtxo == nil && in.NonWitnessUtxo != nil {
		in.WitnessUtxo = in.NonWitnessUtxo.TxOut[in.PrevOut.Index]
	}
	if in.WitnessUtxo == nil {
		return psbt.InputError(index, "witness utxo", fmt.Errorf("%w: "+
			"required for segwit spends, missing",
			psbt.ErrMalformedEncoding))
	}

	return nil
}

func bip32Derivation(k *keyexpr.DerivedKey) *btcpsbt.Bip32Derivation {
	return &btcpsbt.Bip32Derivation{
		PubKey:               k.Bytes(),
		MasterKeyFingerprint: k.Fingerprint.Uint32(),
		Bip32Path:            k.Path,
	}
}

// taprootDerivations returns one derivation per distinct x-only key, listing
// the leaves the key appears in. The internal key has no leaves unless it is
// also used in one.
func taprootDerivations(
	info *descriptor.TaprootInfo) []*btcpsbt.TaprootBip32Derivation {

	var (
		out   []*btcpsbt.TaprootBip32Derivation
		byKey = make(map[string]*btcpsbt.TaprootBip32Derivation)
	)
	add := func(k *keyexpr.DerivedKey, leafHash []byte) {
		xOnly := schnorr.SerializePubKey(k.PubKey)
		d, ok := byKey[string(xOnly)]
		if !ok {
			d = &btcpsbt.TaprootBip32Derivation{
				XOnlyPubKey:          xOnly,
				MasterKeyFingerprint: k.Fingerprint.Uint32(),
				Bip32Path:            k.Path,
			}
			byKey[string(xOnly)] = d
			out = append(out, d)
		}
		if leafHash != nil {
			d.LeafHashes = append(d.LeafHashes, leafHash)
		}
	}

	add(info.InternalKey, nil)
	for _, leaf := range info.Leaves {
		hash := leaf.Hash
		for _, k := range leaf.Keys {
			add(k, hash[:])
		}
	}

	return out
}

// setTaprootInput records the key and script paths of info. Keys and roots
// the input already carries must be the ones info commits to.
func setTaprootInput(in *psbt.Input, info *descriptor.TaprootInfo) error {
	internalKey := schnorr.SerializePubKey(info.InternalKey.PubKey)
	if in.TaprootInternalKey != nil &&
		!bytes.Equal(in.TaprootInternalKey, internalKey) {

		return fmt.Errorf("%w: internal key %x, the descriptor gives %x",
			psbt.ErrConflict, in.TaprootInternalKey, internalKey)
	}
	if in.TaprootMerkleRoot != nil &&
		!bytes.Equal(in.TaprootMerkleRoot, info.MerkleRoot) {

		return fmt.Errorf("%w: merkle root %x, the descriptor gives %x",
			psbt.ErrConflict, in.TaprootMerkleRoot, info.MerkleRoot)
	}

	in.TaprootInternalKey = internalKey
	in.TaprootMerkleRoot = info.MerkleRoot

	for _, leaf := range info.Leaves {
		in.UpsertTaprootLeafScript(&btcpsbt.TaprootTapLeafScript{
			ControlBlock: leaf.ControlBlock,
			Script:       leaf.Leaf.Script,
			LeafVersion:  leaf.Leaf.Version,
		})
	}
	for _, d := range taprootDerivations(info) {
		in.UpsertTaprootBip32Derivation(d)
	}

	return nil
}

// UpdateOutput records the scripts, key origins and taproot data of output
// index, which must pay to descriptor d at derivIndex.
func (u *Updater) UpdateOutput(p *psbt.Packet, index int,
	d descriptor.Descriptor, derivIndex uint32) error {

	if err := p.CheckOutputIndex(index); err != nil {
		return err
	}

	info, err := u.resolver.SpendInfo(d, derivIndex)
	if err != nil {
		return psbt.OutputError(index, "descriptor", err)
	}

	out := p.Outputs[index].Copy()
	if !bytes.Equal(out.PkScript, info.ScriptPubKey) {
		return psbt.OutputError(index, "script", fmt.Errorf("%w: %s at "+
			"index %d gives script %x, the output pays to %x",
			keyexpr.ErrInvalidDerivation, d, derivIndex,
			info.ScriptPubKey, out.PkScript))
	}

	if tr := info.Taproot; tr != nil {
		out.TaprootInternalKey = schnorr.SerializePubKey(
			tr.InternalKey.PubKey,
		)
		if tr.Tree != nil {
			out.TaprootTapTree, err = tapscript.EncodeTapTree(tr.Tree)
			if err != nil {
				return psbt.OutputError(index, "taproot tap tree",
					err)
			}
		}
		for _, d := range taprootDerivations(tr) {
			out.UpsertTaprootBip32Derivation(d)
		}
	} else {
		out.RedeemScript = info.RedeemScript
		out.WitnessScript = info.WitnessScript
		for _, k := range info.Keys {
			out.UpsertBip32Derivation(bip32Derivation(k))
		}
	}

	p.Outputs[index] = out

	log.Debugf("Updated output %d with %v at index %d", index, d,
		derivIndex)

	return nil
}
