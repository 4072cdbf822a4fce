package psbt_sdk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	btcpsbt "github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/psbt"
	"github.com/kyleo-o/psbt-sdk/tapscript"
	"golang.org/x/sync/errgroup"
)

// signJob is one signature an input needs.
type signJob struct {
	req *SignRequest

	// verify checks a signature returned by the signer.
	verify func(sig []byte) error

	// apply records a verified signature on the input.
	apply func(in *psbt.Input, sig []byte)
}

// Sign asks signer for every signature the inputs of p need from keys
// selected by filter. Finalized inputs are skipped. It returns the number
// of signatures added. The first failing input stops the run, the inputs
// before it keep their new signatures.
func Sign(ctx context.Context, p *psbt.Packet, signer Signer,
	filter KeyFilter) (int, error) {

	session, err := NewSigHashSession(p)
	if err != nil {
		return 0, err
	}

	var total int
	for i := range p.Inputs {
		if p.Inputs[i].IsFinalized() {
			continue
		}

		n, err := signInput(ctx, p, session, i, signer, filter)
		total += n
		if err != nil {
			return total, err
		}
	}

	log.Debugf("Added %d signatures to %d inputs", total, len(p.Inputs))

	return total, nil
}

// SignInput is Sign for the single input index.
func SignInput(ctx context.Context, p *psbt.Packet, index int, signer Signer,
	filter KeyFilter) (int, error) {

	if err := p.CheckInputIndex(index); err != nil {
		return 0, err
	}
	if p.Inputs[index].IsFinalized() {
		return 0, psbt.InputError(index, "state", ErrAlreadyFinalized)
	}

	session, err := NewSigHashSession(p)
	if err != nil {
		return 0, err
	}

	return signInput(ctx, p, session, index, signer, filter)
}

func signInput(ctx context.Context, p *psbt.Packet, s *SigHashSession,
	index int, signer Signer, filter KeyFilter) (int, error) {

	if filter == nil {
		filter = AllKeys
	}

	jobs, hashType, err := planInput(p, s, index, filter)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	sigs := make([][]byte, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			sig, err := signer.Sign(gctx, job.req)
			if err != nil {
				return fmt.Errorf("key %v: %w", job.req.Key, err)
			}
			if err := job.verify(sig); err != nil {
				return fmt.Errorf("key %v: %w", job.req.Key, err)
			}
			sigs[i] = sig

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, psbt.InputError(index, "signature", err)
	}

	next := p.Inputs[index].Copy()
	for i, job := range jobs {
		job.apply(&next, sigs[i])
	}
	p.Inputs[index] = next
	p.NoteSignature(hashType)

	log.Debugf("Signed input %d with %d keys, sighash %v", index,
		len(jobs), hashType)

	return len(jobs), nil
}

// planInput lists the signatures input index still lacks from the selected
// keys, together with the sighash type they commit to.
func planInput(p *psbt.Packet, s *SigHashSession, index int,
	filter KeyFilter) ([]*signJob, txscript.SigHashType, error) {

	in := &p.Inputs[index]
	if len(in.Bip32Derivation) == 0 && len(in.TaprootBip32Derivation) == 0 {
		return nil, 0, nil
	}

	spent, err := p.SpentOutput(index)
	if err != nil {
		return nil, 0, err
	}

	if txscript.IsPayToTaproot(spent.PkScript) {
		hashType := in.SighashType.UnwrapOr(txscript.SigHashDefault)
		jobs, err := planTaproot(s, in, index, spent, hashType, filter)

		return jobs, hashType, err
	}

	hashType := in.SighashType.UnwrapOr(txscript.SigHashAll)
	jobs, err := planECDSA(p, s, index, spent, hashType, filter)

	return jobs, hashType, err
}

// scriptCode returns the script signatures of a non-taproot input commit
// to, and whether the spend is segwit.
func scriptCode(p *psbt.Packet, index int, spent *wire.TxOut) ([]byte, bool,
	error) {

	in := &p.Inputs[index]
	script := spent.PkScript

	if txscript.IsPayToScriptHash(script) {
		if in.RedeemScript == nil {
			return nil, false, psbt.InputError(index, "redeem script",
				fmt.Errorf("%w: required for p2sh spends, missing",
					ErrMalformedEncoding))
		}
		if !bytes.Equal(btcutil.Hash160(in.RedeemScript), script[2:22]) {
			return nil, false, psbt.InputError(index, "redeem script",
				fmt.Errorf("%w: does not hash to the spent script",
					ErrMalformedEncoding))
		}
		script = in.RedeemScript
	}

	switch {
	case txscript.IsPayToWitnessScriptHash(script):
		if in.WitnessScript == nil {
			return nil, false, psbt.InputError(index, "witness script",
				fmt.Errorf("%w: required for p2wsh spends, missing",
					ErrMalformedEncoding))
		}
		h := sha256.Sum256(in.WitnessScript)
		if !bytes.Equal(h[:], script[2:]) {
			return nil, false, psbt.InputError(index, "witness script",
				fmt.Errorf("%w: does not hash to the spent script",
					ErrMalformedEncoding))
		}

		return in.WitnessScript, true, nil

	case txscript.IsPayToWitnessPubKeyHash(script):
		return script, true, nil

	case txscript.IsWitnessProgram(script):
		return nil, false, psbt.InputError(index, "utxo", fmt.Errorf(
			"%w: witness program %x", ErrUnknownScript, script))
	}

	// Legacy sighashes do not commit to the amount, so only the full
	// previous transaction proves what is spent.
	if _, err := p.RequireNonWitnessUtxo(index); err != nil {
		return nil, false, err
	}

	return script, false, nil
}

// scriptHasKey reports whether script refers to pubKey, directly or by its
// hash.
func scriptHasKey(script, pubKey []byte) bool {
	return bytes.Contains(script, pubKey) ||
		bytes.Contains(script, btcutil.Hash160(pubKey))
}

func hasPartialSig(in *psbt.Input, pubKey []byte) bool {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}

	return false
}

func keyID(fp uint32, path []uint32, pubKey []byte) KeyID {
	return KeyID{
		Fingerprint: keyexpr.FingerprintFromUint32(fp),
		Path:        path,
		PubKey:      pubKey,
	}
}

func planECDSA(p *psbt.Packet, s *SigHashSession, index int,
	spent *wire.TxOut, hashType txscript.SigHashType,
	filter KeyFilter) ([]*signJob, error) {

	in := &p.Inputs[index]

	var candidates []*btcpsbt.Bip32Derivation
	for _, d := range in.Bip32Derivation {
		if hasPartialSig(in, d.PubKey) {
			continue
		}
		if !filter(keyID(d.MasterKeyFingerprint, d.Bip32Path, d.PubKey)) {
			continue
		}
		candidates = append(candidates, d)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	script, segwit, err := scriptCode(p, index, spent)
	if err != nil {
		return nil, err
	}

	var digest [32]byte
	if segwit {
		digest, err = s.SegwitV0(index, script, spent.Value, hashType)
	} else {
		digest, err = s.Legacy(index, script, hashType)
	}
	if err != nil {
		return nil, psbt.InputError(index, "sighash", err)
	}

	var jobs []*signJob
	for _, d := range candidates {
		if !scriptHasKey(script, d.PubKey) {
			continue
		}

		pubKey, err := btcec.ParsePubKey(d.PubKey)
		if err != nil {
			return nil, psbt.InputError(index, "bip32 derivation",
				fmt.Errorf("%w: %w", ErrMalformedEncoding, err))
		}

		jobs = append(jobs, &signJob{
			req: &SignRequest{
				Key: keyID(
					d.MasterKeyFingerprint, d.Bip32Path,
					d.PubKey,
				),
				Digest:     digest,
				Scheme:     SchemeECDSA,
				InputIndex: index,
			},
			verify: func(sig []byte) error {
				return verifyECDSA(sig, digest, pubKey)
			},
			apply: func(in *psbt.Input, sig []byte) {
				in.UpsertPartialSig(&btcpsbt.PartialSig{
					PubKey: d.PubKey,
					Signature: append(
						bytes.Clone(sig), byte(hashType),
					),
				})
			},
		})
	}

	return jobs, nil
}

func verifyECDSA(sig []byte, digest [32]byte, pubKey *btcec.PublicKey) error {
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !parsed.Verify(digest[:], pubKey) {
		return ErrInvalidSignature
	}

	return nil
}

func verifySchnorr(sig []byte, digest [32]byte, pubKey *btcec.PublicKey) error {
	parsed, err := schnorr.ParseSignature(sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	if !parsed.Verify(digest[:], pubKey) {
		return ErrInvalidSignature
	}

	return nil
}

func hasTapScriptSig(in *psbt.Input, xOnly, leafHash []byte) bool {
	for _, sig := range in.TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, xOnly) &&
			bytes.Equal(sig.LeafHash, leafHash) {

			return true
		}
	}

	return false
}

// findLeaf returns the leaf script of in whose hash is leafHash.
func findLeaf(in *psbt.Input, leafHash []byte) (tapscript.Leaf, bool) {
	for _, l := range in.TaprootLeafScript {
		leaf := tapscript.Leaf{Version: l.LeafVersion, Script: l.Script}
		h := leaf.Hash()
		if bytes.Equal(h[:], leafHash) {
			return leaf, true
		}
	}

	return tapscript.Leaf{}, false
}

func planTaproot(s *SigHashSession, in *psbt.Input, index int,
	spent *wire.TxOut, hashType txscript.SigHashType,
	filter KeyFilter) ([]*signJob, error) {

	outputKey, err := schnorr.ParsePubKey(spent.PkScript[2:])
	if err != nil {
		return nil, psbt.InputError(index, "utxo", fmt.Errorf("%w: %w",
			ErrMalformedEncoding, err))
	}

	var jobs []*signJob
	for _, d := range in.TaprootBip32Derivation {
		id := keyID(d.MasterKeyFingerprint, d.Bip32Path, d.XOnlyPubKey)
		if !filter(id) {
			continue
		}

		if in.TaprootKeySpendSig == nil &&
			bytes.Equal(d.XOnlyPubKey, in.TaprootInternalKey) {

			job, err := keySpendJob(s, in, index, id, outputKey,
				hashType)
			if err != nil {
				return nil, err
			}
			if job != nil {
				jobs = append(jobs, job)
			}
		}

		for _, leafHash := range d.LeafHashes {
			if hasTapScriptSig(in, d.XOnlyPubKey, leafHash) {
				continue
			}
			leaf, ok := findLeaf(in, leafHash)
			if !ok {
				continue
			}

			job, err := scriptSpendJob(s, index, id, leaf, hashType)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}

	return jobs, nil
}

func keySpendJob(s *SigHashSession, in *psbt.Input, index int, id KeyID,
	outputKey *btcec.PublicKey,
	hashType txscript.SigHashType) (*signJob, error) {

	internalKey, err := schnorr.ParsePubKey(in.TaprootInternalKey)
	if err != nil {
		return nil, psbt.InputError(index, "taproot internal key",
			fmt.Errorf("%w: %w", ErrMalformedEncoding, err))
	}

	// A key that does not commit to the spent output key cannot sign
	// for it, whatever the signer holds.
	tweaked := txscript.ComputeTaprootOutputKey(
		internalKey, in.TaprootMerkleRoot,
	)
	if !bytes.Equal(schnorr.SerializePubKey(tweaked),
		schnorr.SerializePubKey(outputKey)) {

		log.Debugf("Input %d: internal key %x does not tweak to the "+
			"output key", index, in.TaprootInternalKey)

		return nil, nil
	}

	digest, err := s.TaprootKeySpend(index, hashType)
	if err != nil {
		return nil, err
	}

	return &signJob{
		req: &SignRequest{
			Key:             id,
			Digest:          digest,
			Scheme:          SchemeSchnorr,
			TaprootKeySpend: true,
			TapTweak:        bytes.Clone(in.TaprootMerkleRoot),
			InputIndex:      index,
		},
		verify: func(sig []byte) error {
			return verifySchnorr(sig, digest, outputKey)
		},
		apply: func(in *psbt.Input, sig []byte) {
			in.TaprootKeySpendSig = schnorrSig(sig, hashType)
		},
	}, nil
}

func scriptSpendJob(s *SigHashSession, index int, id KeyID,
	leaf tapscript.Leaf, hashType txscript.SigHashType) (*signJob, error) {

	pubKey, err := schnorr.ParsePubKey(id.PubKey)
	if err != nil {
		return nil, psbt.InputError(index, "taproot bip32 derivation",
			fmt.Errorf("%w: %w", ErrMalformedEncoding, err))
	}

	digest, err := s.TaprootScriptSpend(index, leaf.TapLeaf(), hashType)
	if err != nil {
		return nil, err
	}

	leafHash := leaf.Hash()

	return &signJob{
		req: &SignRequest{
			Key:        id,
			Digest:     digest,
			Scheme:     SchemeSchnorr,
			InputIndex: index,
		},
		verify: func(sig []byte) error {
			return verifySchnorr(sig, digest, pubKey)
		},
		apply: func(in *psbt.Input, sig []byte) {
			in.UpsertTaprootScriptSig(&btcpsbt.TaprootScriptSpendSig{
				XOnlyPubKey: id.PubKey,
				LeafHash:    leafHash[:],
				Signature:   bytes.Clone(sig),
				SigHash:     hashType,
			})
		},
	}, nil
}

// schnorrSig appends the sighash byte to a schnorr signature, unless the
// type is SIGHASH_DEFAULT which is implied by a bare 64 byte signature.
func schnorrSig(sig []byte, hashType txscript.SigHashType) []byte {
	out := bytes.Clone(sig)
	if hashType != txscript.SigHashDefault {
		out = append(out, byte(hashType))
	}

	return out
}
