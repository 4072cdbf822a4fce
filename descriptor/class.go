package descriptor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// SpkClass is the class of an output script.
type SpkClass uint8

const (
	SpkBare SpkClass = iota
	SpkP2PKH
	SpkP2SH
	SpkP2WPKH
	SpkP2WSH
	SpkP2TR
)

func (c SpkClass) String() string {
	switch c {
	case SpkP2PKH:
		return "p2pkh"
	case SpkP2SH:
		return "p2sh"
	case SpkP2WPKH:
		return "p2wpkh"
	case SpkP2WSH:
		return "p2wsh"
	case SpkP2TR:
		return "p2tr"
	default:
		return "bare"
	}
}

// DustLimit returns the smallest output value relayed by default nodes for
// the class, in satoshis.
func (c SpkClass) DustLimit() int64 {
	switch c {
	case SpkP2PKH:
		return 546
	case SpkP2SH:
		return 540
	case SpkP2WPKH:
		return 294
	case SpkP2WSH, SpkP2TR:
		return 330
	default:
		return 0
	}
}

// IsSegwit is true for witness version 0 and 1 outputs.
func (c SpkClass) IsSegwit() bool {
	return c == SpkP2WPKH || c == SpkP2WSH || c == SpkP2TR
}

func (c SpkClass) IsTaproot() bool {
	return c == SpkP2TR
}

func classifyScript(script []byte) SpkClass {
	switch txscript.GetScriptClass(script) {
	case txscript.PubKeyHashTy:
		return SpkP2PKH
	case txscript.ScriptHashTy:
		return SpkP2SH
	case txscript.WitnessV0PubKeyHashTy:
		return SpkP2WPKH
	case txscript.WitnessV0ScriptHashTy:
		return SpkP2WSH
	case txscript.WitnessV1TaprootTy:
		return SpkP2TR
	default:
		return SpkBare
	}
}

// ClassifyScript returns the class of an arbitrary output script.
func ClassifyScript(script []byte) SpkClass {
	return classifyScript(script)
}

const descrIDPrefix = "wallet-descriptor"

// DescrID is a short identifier of a descriptor derived from the script at
// index 0 of its first keychain.
type DescrID [8]byte

func (id DescrID) String() string {
	s := hex.EncodeToString(id[:])

	return s[:8] + "-" + s[8:]
}

// ID computes the identifier of d.
func ID(d Descriptor) (DescrID, error) {
	var id DescrID

	first, err := ForKeychain(d, 0)
	if err != nil {
		return id, err
	}
	spk, err := ScriptPubKey(first, 0)
	if err != nil {
		return id, fmt.Errorf("descriptor id: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(descrIDPrefix))
	if err := wire.WriteVarBytes(h, 0, spk); err != nil {
		return id, err
	}
	copy(id[:], h.Sum(nil))

	return id, nil
}
