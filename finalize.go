package psbt_sdk

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/kyleo-o/psbt-sdk/psbt"
	"github.com/kyleo-o/psbt-sdk/tapscript"
)

// SpendPath restricts how a taproot input may be finalized.
type SpendPath uint8

const (
	// SpendPathAuto uses the key path when it is signed and the
	// cheapest satisfied leaf otherwise.
	SpendPathAuto SpendPath = iota

	// SpendPathKeyOnly only accepts a key path signature.
	SpendPathKeyOnly

	// SpendPathScriptOnly only accepts script path spends.
	SpendPathScriptOnly
)

type finalizeCfg struct {
	spendPath SpendPath
}

// FinalizeOption configures finalization.
type FinalizeOption func(*finalizeCfg)

// WithSpendPath restricts taproot inputs to the given spend path.
func WithSpendPath(sp SpendPath) FinalizeOption {
	return func(c *finalizeCfg) {
		c.spendPath = sp
	}
}

// Finalize finalizes every input in order. The first failure stops the
// run, earlier inputs stay finalized. Inputs finalized before the call are
// skipped.
func Finalize(p *psbt.Packet, opts ...FinalizeOption) error {
	for i := range p.Inputs {
		if p.Inputs[i].IsFinalized() {
			continue
		}
		if err := FinalizeInput(p, i, opts...); err != nil {
			return err
		}
	}

	return nil
}

// FinalizeInput builds the final scriptSig and witness of input index from
// its signatures and scripts. When the signatures do not satisfy the spent
// script, ErrInsufficientSignatures is returned and the input is left
// unchanged.
func FinalizeInput(p *psbt.Packet, index int, opts ...FinalizeOption) error {
	cfg := &finalizeCfg{}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := p.CheckInputIndex(index); err != nil {
		return err
	}
	in := &p.Inputs[index]
	if in.IsFinalized() {
		return psbt.InputError(index, "state", ErrAlreadyFinalized)
	}

	spent, err := p.SpentOutput(index)
	if err != nil {
		return err
	}

	var (
		scriptSig []byte
		witness   wire.TxWitness
	)
	if txscript.IsPayToTaproot(spent.PkScript) {
		witness, err = finalizeTaproot(in, spent, cfg.spendPath)
	} else {
		scriptSig, witness, err = finalizeECDSA(in, spent)
	}
	if err != nil {
		return psbt.InputError(index, "final witness", err)
	}

	next := in.Copy()
	if err := next.SetFinal(scriptSig, witness); err != nil {
		return psbt.InputError(index, "final witness", err)
	}
	p.Inputs[index] = next

	log.Debugf("Finalized input %d", index)
	log.Tracef("Input %d scriptsig %x witness %v", index, scriptSig,
		newLogClosure(func() string {
			return spew.Sdump(witness)
		}))

	return nil
}

func finalizeECDSA(in *psbt.Input, spent *wire.TxOut) ([]byte,
	wire.TxWitness, error) {

	script := spent.PkScript

	var redeem []byte
	if txscript.IsPayToScriptHash(script) {
		redeem = in.RedeemScript
		if redeem == nil || !bytes.Equal(
			btcutil.Hash160(redeem), script[2:22],
		) {

			return nil, nil, fmt.Errorf("%w: redeem script missing "+
				"or not matching", ErrMalformedEncoding)
		}
		script = redeem
	}

	var witness wire.TxWitness
	switch {
	case txscript.IsPayToWitnessScriptHash(script):
		ws := in.WitnessScript
		h := sha256.Sum256(ws)
		if ws == nil || !bytes.Equal(h[:], script[2:]) {
			return nil, nil, fmt.Errorf("%w: witness script missing "+
				"or not matching", ErrMalformedEncoding)
		}

		items, err := satisfyScript(ws, in)
		if err != nil {
			return nil, nil, err
		}
		witness = append(items, ws)

	case txscript.IsPayToWitnessPubKeyHash(script):
		items, err := satisfyPkh(script[2:], in)
		if err != nil {
			return nil, nil, err
		}
		witness = items

	case txscript.IsWitnessProgram(script):
		return nil, nil, fmt.Errorf("%w: witness program %x",
			ErrUnknownScript, script)

	default:
		items, err := satisfyScript(script, in)
		if err != nil {
			return nil, nil, err
		}
		if redeem != nil {
			items = append(items, redeem)
		}
		scriptSig, err := pushAll(items)

		return scriptSig, nil, err
	}

	// Nested segwit only pushes the witness program.
	if redeem != nil {
		scriptSig, err := pushAll([][]byte{redeem})
		return scriptSig, witness, err
	}

	return nil, witness, nil
}

func pushAll(items [][]byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	for _, item := range items {
		b.AddData(item)
	}

	return b.Script()
}

// partialSig returns the signature of pubKey, nil if there is none.
func partialSig(in *psbt.Input, pubKey []byte) []byte {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return sig.Signature
		}
	}

	return nil
}

func satisfyPkh(hash []byte, in *psbt.Input) ([][]byte, error) {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(btcutil.Hash160(sig.PubKey), hash) {
			return [][]byte{sig.Signature, sig.PubKey}, nil
		}
	}

	return nil, fmt.Errorf("%w: no signature for key hash %x",
		ErrInsufficientSignatures, hash)
}

// satisfyScript returns the stack items satisfying a pk, pkh or multisig
// script, bottom first.
func satisfyScript(script []byte, in *psbt.Input) ([][]byte, error) {
	ops, err := scriptOps(script)
	if err != nil {
		return nil, err
	}

	if key, ok := matchPk(ops); ok {
		sig := partialSig(in, key)
		if sig == nil {
			return nil, fmt.Errorf("%w: no signature for key %x",
				ErrInsufficientSignatures, key)
		}

		return [][]byte{sig}, nil
	}

	if hash, ok := matchPkh(ops); ok {
		return satisfyPkh(hash, in)
	}

	if threshold, keys, ok := matchMulti(ops); ok {
		// CHECKMULTISIG pops one item too many, and wants the
		// signatures in key order.
		items := [][]byte{{}}
		for _, key := range keys {
			if len(items) == threshold+1 {
				break
			}
			if sig := partialSig(in, key); sig != nil {
				items = append(items, sig)
			}
		}
		if len(items) < threshold+1 {
			return nil, fmt.Errorf("%w: %d of %d signatures",
				ErrInsufficientSignatures, len(items)-1,
				threshold)
		}

		return items, nil
	}

	return nil, fmt.Errorf("%w: %x", ErrUnknownScript, script)
}

// scriptOp is one parsed opcode and its push data.
type scriptOp struct {
	op   byte
	data []byte
}

func scriptOps(script []byte) ([]scriptOp, error) {
	var ops []scriptOp
	tok := txscript.MakeScriptTokenizer(0, script)
	for tok.Next() {
		ops = append(ops, scriptOp{op: tok.Opcode(), data: tok.Data()})
	}
	if err := tok.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownScript, err)
	}

	return ops, nil
}

func isPush(op scriptOp, sizes ...int) bool {
	if op.op > txscript.OP_PUSHDATA4 {
		return false
	}
	for _, size := range sizes {
		if len(op.data) == size {
			return true
		}
	}

	return false
}

// smallInt decodes OP_1 to OP_16 and single byte pushes.
func smallInt(op scriptOp) (int, bool) {
	switch {
	case op.op >= txscript.OP_1 && op.op <= txscript.OP_16:
		return int(op.op-txscript.OP_1) + 1, true

	case op.op == 1 && len(op.data) == 1:
		return int(op.data[0]), true
	}

	return 0, false
}

func matchPk(ops []scriptOp) ([]byte, bool) {
	if len(ops) != 2 || !isPush(ops[0], 33, 65) ||
		ops[1].op != txscript.OP_CHECKSIG {

		return nil, false
	}

	return ops[0].data, true
}

func matchPkh(ops []scriptOp) ([]byte, bool) {
	if len(ops) != 5 || ops[0].op != txscript.OP_DUP ||
		ops[1].op != txscript.OP_HASH160 || !isPush(ops[2], 20) ||
		ops[3].op != txscript.OP_EQUALVERIFY ||
		ops[4].op != txscript.OP_CHECKSIG {

		return nil, false
	}

	return ops[2].data, true
}

func matchMulti(ops []scriptOp) (int, [][]byte, bool) {
	if len(ops) < 4 || ops[len(ops)-1].op != txscript.OP_CHECKMULTISIG {
		return 0, nil, false
	}

	threshold, ok := smallInt(ops[0])
	if !ok {
		return 0, nil, false
	}
	n, ok := smallInt(ops[len(ops)-2])
	if !ok || n != len(ops)-3 || threshold < 1 || threshold > n {
		return 0, nil, false
	}

	keys := make([][]byte, 0, n)
	for _, op := range ops[1 : len(ops)-2] {
		if !isPush(op, 33, 65) {
			return 0, nil, false
		}
		keys = append(keys, op.data)
	}

	return threshold, keys, true
}

func finalizeTaproot(in *psbt.Input, spent *wire.TxOut,
	path SpendPath) (wire.TxWitness, error) {

	if path != SpendPathScriptOnly && in.TaprootKeySpendSig != nil {
		return wire.TxWitness{in.TaprootKeySpendSig}, nil
	}
	if path == SpendPathKeyOnly {
		return nil, fmt.Errorf("%w: no key path signature",
			ErrInsufficientSignatures)
	}

	outputKey, err := schnorr.ParsePubKey(spent.PkScript[2:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEncoding, err)
	}

	var (
		best       wire.TxWitness
		bestCBLen  int
		bestSize   int
		lastReason error
	)
	for _, l := range in.TaprootLeafScript {
		err := tapscript.VerifyControlBlock(
			outputKey, l.Script, l.ControlBlock,
		)
		if err != nil {
			lastReason = err
			continue
		}

		leaf := tapscript.Leaf{Version: l.LeafVersion, Script: l.Script}
		items, err := satisfyLeaf(leaf, in)
		if err != nil {
			lastReason = err
			continue
		}

		witness := wire.TxWitness(append(items, l.Script, l.ControlBlock))
		size := witness.SerializeSize()
		if best == nil || len(l.ControlBlock) < bestCBLen ||
			(len(l.ControlBlock) == bestCBLen && size < bestSize) {

			best, bestCBLen, bestSize = witness, len(l.ControlBlock),
				size
		}
	}

	switch {
	case best != nil:
		return best, nil

	case lastReason == nil:
		return nil, fmt.Errorf("%w: no signed spend path",
			ErrInsufficientSignatures)

	case errors.Is(lastReason, ErrInsufficientSignatures):
		return nil, lastReason
	}

	return nil, fmt.Errorf("%w: %w", ErrInsufficientSignatures, lastReason)
}

// tapScriptSig returns the signature of xOnly for the leaf, with its
// sighash byte, nil if there is none.
func tapScriptSig(in *psbt.Input, xOnly []byte,
	leafHash []byte) []byte {

	for _, sig := range in.TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, xOnly) &&
			bytes.Equal(sig.LeafHash, leafHash) {

			return schnorrSig(sig.Signature, sig.SigHash)
		}
	}

	return nil
}

// satisfyLeaf returns the stack items for a pk or multi_a leaf, bottom
// first.
func satisfyLeaf(leaf tapscript.Leaf, in *psbt.Input) ([][]byte, error) {
	if leaf.Version != txscript.BaseLeafVersion {
		return nil, fmt.Errorf("%w: leaf version %d", ErrUnknownScript,
			leaf.Version)
	}

	ops, err := scriptOps(leaf.Script)
	if err != nil {
		return nil, err
	}
	hash := leaf.Hash()

	if len(ops) == 2 && isPush(ops[0], schnorr.PubKeyBytesLen) &&
		ops[1].op == txscript.OP_CHECKSIG {

		sig := tapScriptSig(in, ops[0].data, hash[:])
		if sig == nil {
			return nil, fmt.Errorf("%w: no signature for key %x",
				ErrInsufficientSignatures, ops[0].data)
		}

		return [][]byte{sig}, nil
	}

	threshold, keys, ok := matchMultiA(ops)
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrUnknownScript, leaf.Script)
	}

	// The first key is checked first, so its item is on top of the
	// stack, which is the end of the witness.
	sigs := make([][]byte, len(keys))
	var have int
	for i, key := range keys {
		if have == threshold {
			break
		}
		if sig := tapScriptSig(in, key, hash[:]); sig != nil {
			sigs[i] = sig
			have++
		}
	}
	if have < threshold {
		return nil, fmt.Errorf("%w: %d of %d signatures",
			ErrInsufficientSignatures, have, threshold)
	}

	items := make([][]byte, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if sigs[i] == nil {
			items = append(items, []byte{})
			continue
		}
		items = append(items, sigs[i])
	}

	return items, nil
}

// matchMultiA parses <k1> CHECKSIG <k2> CHECKSIGADD ... <t> NUMEQUAL.
func matchMultiA(ops []scriptOp) (int, [][]byte, bool) {
	if len(ops) < 4 || len(ops)%2 != 0 ||
		ops[len(ops)-1].op != txscript.OP_NUMEQUAL {

		return 0, nil, false
	}

	var keys [][]byte
	for i := 0; i < len(ops)-2; i += 2 {
		want := byte(txscript.OP_CHECKSIGADD)
		if i == 0 {
			want = txscript.OP_CHECKSIG
		}
		if !isPush(ops[i], schnorr.PubKeyBytesLen) ||
			ops[i+1].op != want {

			return 0, nil, false
		}
		keys = append(keys, ops[i].data)
	}

	threshold, ok := scriptNum(ops[len(ops)-2])
	if !ok || threshold < 1 || threshold > len(keys) {
		return 0, nil, false
	}

	return threshold, keys, true
}

// scriptNum decodes the threshold push of a multi_a leaf, which may exceed
// 16.
func scriptNum(op scriptOp) (int, bool) {
	if n, ok := smallInt(op); ok {
		return n, true
	}
	if op.op > txscript.OP_PUSHDATA4 || len(op.data) > 4 {
		return 0, false
	}

	n, err := txscript.MakeScriptNum(op.data, true, 4)
	if err != nil {
		return 0, false
	}

	return int(n), true
}
