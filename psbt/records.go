package psbt

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// extKeyLength is the size of a serialized BIP32 extended key.
	extKeyLength = 78

	schnorrSigLength = schnorr.SignatureSize
)

// record is the key data and value of one keyed entry of a map.
type record struct {
	key   []byte
	value []byte
}

func partialSigRecord(s *psbt.PartialSig) record {
	return record{key: s.PubKey, value: s.Signature}
}

func bip32Record(d *psbt.Bip32Derivation) record {
	return record{
		key: d.PubKey,
		value: psbt.SerializeBIP32Derivation(
			d.MasterKeyFingerprint, d.Bip32Path,
		),
	}
}

func tapScriptSigRecord(s *psbt.TaprootScriptSpendSig) record {
	key := make([]byte, 0, 2*schnorr.PubKeyBytesLen)
	key = append(key, s.XOnlyPubKey...)
	key = append(key, s.LeafHash...)

	return record{key: key, value: schnorrSigBytes(s.Signature, s.SigHash)}
}

func tapLeafRecord(l *psbt.TaprootTapLeafScript) record {
	value := make([]byte, 0, len(l.Script)+1)
	value = append(value, l.Script...)
	value = append(value, byte(l.LeafVersion))

	return record{key: l.ControlBlock, value: value}
}

// tapBip32Record assumes the number of leaf hashes fits a compact size,
// which is enforced when decoding.
func tapBip32Record(d *psbt.TaprootBip32Derivation) record {
	value, _ := psbt.SerializeTaprootBip32Derivation(d)
	return record{key: d.XOnlyPubKey, value: value}
}

func xpubRecord(x *XPub) record {
	return record{
		key: x.ExtendedKey,
		value: psbt.SerializeBIP32Derivation(
			x.MasterKeyFingerprint, x.Bip32Path,
		),
	}
}

func unknownRecord(u *psbt.Unknown) record {
	return record{key: u.Key, value: u.Value}
}

// schnorrSigBytes appends the sighash type unless it is the default.
func schnorrSigBytes(sig []byte, hashType txscript.SigHashType) []byte {
	if hashType == txscript.SigHashDefault {
		return sig
	}

	out := make([]byte, 0, len(sig)+1)
	out = append(out, sig...)

	return append(out, byte(hashType))
}

func validPubKey(b []byte) bool {
	if len(b) != btcec.PubKeyBytesLenCompressed &&
		len(b) != secp256k1.PubKeyBytesLenUncompressed {

		return false
	}
	_, err := btcec.ParsePubKey(b)

	return err == nil
}

func validXOnly(b []byte) bool {
	if len(b) != schnorr.PubKeyBytesLen {
		return false
	}
	_, err := schnorr.ParsePubKey(b)

	return err == nil
}

func validSchnorrSig(b []byte) bool {
	switch len(b) {
	case schnorrSigLength, schnorrSigLength + 1:
	default:
		return false
	}
	_, err := schnorr.ParseSignature(b[:schnorrSigLength])

	return err == nil
}

func decodePartialSig(kv *kvPair) (*psbt.PartialSig, error) {
	if !validPubKey(kv.keyData) {
		return nil, fmt.Errorf("%w: invalid pubkey", ErrMalformedEncoding)
	}
	if len(kv.value) == 0 {
		return nil, fmt.Errorf("%w: empty signature",
			ErrMalformedEncoding)
	}

	return &psbt.PartialSig{PubKey: kv.keyData, Signature: kv.value}, nil
}

func decodeBip32(kv *kvPair) (*psbt.Bip32Derivation, error) {
	if !validPubKey(kv.keyData) {
		return nil, fmt.Errorf("%w: invalid pubkey", ErrMalformedEncoding)
	}
	fp, path, err := readDerivation(kv.value)
	if err != nil {
		return nil, err
	}

	return &psbt.Bip32Derivation{
		PubKey:               kv.keyData,
		MasterKeyFingerprint: fp,
		Bip32Path:            path,
	}, nil
}

func readDerivation(b []byte) (uint32, []uint32, error) {
	if len(b) < 4 || len(b)%4 != 0 {
		return 0, nil, fmt.Errorf("%w: derivation of %d bytes",
			ErrMalformedEncoding, len(b))
	}

	// An empty path is a master key, which ReadBip32Derivation refuses.
	fp := binary.LittleEndian.Uint32(b[:4])
	var path []uint32
	for i := 4; i < len(b); i += 4 {
		path = append(path, binary.LittleEndian.Uint32(b[i:i+4]))
	}

	return fp, path, nil
}

func decodeXPub(kv *kvPair) (*XPub, error) {
	if len(kv.keyData) != extKeyLength {
		return nil, fmt.Errorf("%w: xpub of %d bytes",
			ErrMalformedEncoding, len(kv.keyData))
	}
	fp, path, err := readDerivation(kv.value)
	if err != nil {
		return nil, err
	}

	return &XPub{
		ExtendedKey:          kv.keyData,
		MasterKeyFingerprint: fp,
		Bip32Path:            path,
	}, nil
}

func decodeTapScriptSig(kv *kvPair) (*psbt.TaprootScriptSpendSig, error) {
	if len(kv.keyData) != schnorr.PubKeyBytesLen+chainhash.HashSize ||
		!validXOnly(kv.keyData[:schnorr.PubKeyBytesLen]) {

		return nil, fmt.Errorf("%w: invalid key", ErrMalformedEncoding)
	}
	if !validSchnorrSig(kv.value) {
		return nil, fmt.Errorf("%w: invalid signature",
			ErrMalformedEncoding)
	}

	sig := &psbt.TaprootScriptSpendSig{
		XOnlyPubKey: kv.keyData[:schnorr.PubKeyBytesLen],
		LeafHash:    kv.keyData[schnorr.PubKeyBytesLen:],
		Signature:   kv.value[:schnorrSigLength],
		SigHash:     txscript.SigHashDefault,
	}
	if len(kv.value) > schnorrSigLength {
		sig.SigHash = txscript.SigHashType(kv.value[schnorrSigLength])
		if sig.SigHash == txscript.SigHashDefault {
			return nil, fmt.Errorf("%w: explicit default sighash",
				ErrMalformedEncoding)
		}
	}

	return sig, nil
}

func decodeTapLeaf(kv *kvPair) (*psbt.TaprootTapLeafScript, error) {
	if len(kv.value) < 1 {
		return nil, fmt.Errorf("%w: empty leaf", ErrMalformedEncoding)
	}
	if _, err := txscript.ParseControlBlock(kv.keyData); err != nil {
		return nil, fmt.Errorf("%w: control block: %v",
			ErrMalformedEncoding, err)
	}

	version := kv.value[len(kv.value)-1]
	if kv.keyData[0]&txscript.TaprootLeafMask != version {
		return nil, fmt.Errorf("%w: leaf version %#x does not match "+
			"control block", ErrMalformedEncoding, version)
	}

	return &psbt.TaprootTapLeafScript{
		ControlBlock: kv.keyData,
		Script:       kv.value[:len(kv.value)-1],
		LeafVersion:  txscript.TapscriptLeafVersion(version),
	}, nil
}

func decodeTapBip32(kv *kvPair) (*psbt.TaprootBip32Derivation, error) {
	if !validXOnly(kv.keyData) {
		return nil, fmt.Errorf("%w: invalid x-only key",
			ErrMalformedEncoding)
	}

	d, err := psbt.ReadTaprootBip32Derivation(kv.keyData, kv.value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	if len(d.LeafHashes) == 0 {
		d.LeafHashes = nil
	}
	if len(d.Bip32Path) == 0 {
		d.Bip32Path = nil
	}

	// Re-encoding must give the same bytes, trailing data is rejected.
	if !bytes.Equal(tapBip32Record(d).value, kv.value) {
		return nil, fmt.Errorf("%w: trailing derivation data",
			ErrMalformedEncoding)
	}

	return d, nil
}

func uint32Bytes(v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)

	return b[:]
}

func readUint32(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: expected 4 bytes, got %d",
			ErrMalformedEncoding, len(b))
	}

	return binary.LittleEndian.Uint32(b), nil
}
