package psbt_sdk

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"

	"github.com/kyleo-o/psbt-sdk/keyexpr"
)

// Scheme is the signature algorithm a request asks for.
type Scheme uint8

const (
	// SchemeECDSA requests a DER encoded ECDSA signature.
	SchemeECDSA Scheme = iota

	// SchemeSchnorr requests a 64 byte BIP340 signature.
	SchemeSchnorr
)

func (s Scheme) String() string {
	if s == SchemeSchnorr {
		return "schnorr"
	}

	return "ecdsa"
}

// KeyID names the key a signer is asked to use: where it sits below some
// master key, and what the derived public key is.
type KeyID struct {
	Fingerprint keyexpr.Fingerprint
	Path        keyexpr.Path

	// PubKey is serialized as the packet stores it: 33 or 65 bytes for
	// ECDSA keys, 32 bytes x-only for schnorr keys.
	PubKey []byte
}

func (k KeyID) String() string {
	return fmt.Sprintf("%v/%v:%s", k.Fingerprint, k.Path,
		hex.EncodeToString(k.PubKey))
}

// SignRequest is one signature the engine needs.
type SignRequest struct {
	Key    KeyID
	Digest [32]byte
	Scheme Scheme

	// TaprootKeySpend is set for taproot key path spends. The key has
	// to be tweaked by TapTweak, the merkle root of the output, before
	// signing. An empty tweak commits to no script tree.
	TaprootKeySpend bool
	TapTweak        []byte

	InputIndex int
}

// Signer produces signatures over digests. Implementations hold the private
// keys, possibly in other processes or devices, and never see the packet.
//
// Sign returns a DER signature without sighash byte for ECDSA requests and
// a 64 byte signature for schnorr requests. It fails with ErrKeyNotFound or
// ErrSigningDenied, and must honor cancellation of ctx.
type Signer interface {
	Sign(ctx context.Context, req *SignRequest) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface.
type SignerFunc func(ctx context.Context, req *SignRequest) ([]byte, error)

// Sign calls f.
func (f SignerFunc) Sign(ctx context.Context, req *SignRequest) ([]byte,
	error) {

	return f(ctx, req)
}

// KeyFilter selects the keys a signer is asked for.
type KeyFilter func(KeyID) bool

// FingerprintFilter selects the keys below any of the given master keys.
func FingerprintFilter(fps ...keyexpr.Fingerprint) KeyFilter {
	return func(k KeyID) bool {
		return slices.Contains(fps, k.Fingerprint)
	}
}

// AllKeys selects every key.
func AllKeys(KeyID) bool {
	return true
}
