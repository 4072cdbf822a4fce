package psbt_sdk

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/kyleo-o/psbt-sdk/psbt"
)

// SigHashSession computes the sighashes of one packet. The BIP143 and
// BIP341 midstates are computed once and shared by every input signed
// through the session. A session must not outlive changes to the
// transaction of the packet.
type SigHashSession struct {
	packet  *psbt.Packet
	tx      *wire.MsgTx
	fetcher *txscript.MultiPrevOutFetcher

	// complete is set when every input has UTXO data, which taproot
	// sighashes require.
	complete bool

	hashes *txscript.TxSigHashes
}

// NewSigHashSession prepares a session for p.
func NewSigHashSession(p *psbt.Packet) (*SigHashSession, error) {
	tx, err := p.UnsignedTx()
	if err != nil {
		return nil, err
	}

	fetcher, err := p.PrevOutputFetcher(false)
	if err != nil {
		return nil, err
	}

	complete := true
	for i := range p.Inputs {
		if fetcher.FetchPrevOutput(p.Inputs[i].PrevOut) == nil {
			complete = false

			// The midstate computation looks at every prevout.
			// Placeholders are fine for v0 sighashes, which only
			// commit to the outpoints.
			fetcher.AddPrevOut(p.Inputs[i].PrevOut, &wire.TxOut{})
		}
	}

	return &SigHashSession{
		packet:   p,
		tx:       tx,
		fetcher:  fetcher,
		complete: complete,
	}, nil
}

func (s *SigHashSession) sigHashes() *txscript.TxSigHashes {
	if s.hashes == nil {
		s.hashes = txscript.NewTxSigHashes(s.tx, s.fetcher)
	}

	return s.hashes
}

// Legacy returns the pre-segwit sighash of input index spending script.
func (s *SigHashSession) Legacy(index int, script []byte,
	hashType txscript.SigHashType) ([32]byte, error) {

	h, err := txscript.CalcSignatureHash(script, hashType, s.tx, index)
	if err != nil {
		return [32]byte{}, err
	}

	return toDigest(h)
}

// SegwitV0 returns the BIP143 sighash of input index. For P2WPKH the
// witness program may be passed as script.
func (s *SigHashSession) SegwitV0(index int, script []byte, amount int64,
	hashType txscript.SigHashType) ([32]byte, error) {

	h, err := txscript.CalcWitnessSigHash(
		script, s.sigHashes(), hashType, s.tx, index, amount,
	)
	if err != nil {
		return [32]byte{}, err
	}

	return toDigest(h)
}

// TaprootKeySpend returns the BIP341 key path sighash of input index.
func (s *SigHashSession) TaprootKeySpend(index int,
	hashType txscript.SigHashType) ([32]byte, error) {

	if err := s.requireComplete(index); err != nil {
		return [32]byte{}, err
	}

	h, err := txscript.CalcTaprootSignatureHash(
		s.sigHashes(), hashType, s.tx, index, s.fetcher,
	)
	if err != nil {
		return [32]byte{}, err
	}

	return toDigest(h)
}

// TaprootScriptSpend returns the BIP342 sighash of input index spending
// through leaf. The leaf hash is part of the message, so the signature is
// valid for that leaf only.
func (s *SigHashSession) TaprootScriptSpend(index int, leaf txscript.TapLeaf,
	hashType txscript.SigHashType) ([32]byte, error) {

	if err := s.requireComplete(index); err != nil {
		return [32]byte{}, err
	}

	h, err := txscript.CalcTapscriptSignaturehash(
		s.sigHashes(), hashType, s.tx, index, s.fetcher, leaf,
	)
	if err != nil {
		return [32]byte{}, err
	}

	return toDigest(h)
}

func (s *SigHashSession) requireComplete(index int) error {
	if s.complete {
		return nil
	}

	for i := range s.packet.Inputs {
		if _, err := s.packet.SpentOutput(i); err != nil {
			return psbt.InputError(index, "taproot sighash",
				fmt.Errorf("%w: utxo of input %d is needed for "+
					"taproot sighashes",
					psbt.ErrMalformedEncoding, i))
		}
	}

	return nil
}

func toDigest(h []byte) ([32]byte, error) {
	var d [32]byte
	if len(h) != len(d) {
		return d, fmt.Errorf("sighash of %d bytes", len(h))
	}
	copy(d[:], h)

	return d, nil
}
