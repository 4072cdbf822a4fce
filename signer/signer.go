// Package signer holds private keys of one BIP32 tree in memory and signs
// the requests of the signing engine with them.
package signer

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	psbtsdk "github.com/kyleo-o/psbt-sdk"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// privKeyLen is the length of a serialized private key.
const privKeyLen = 32

var (
	// ErrKeyNotFound is returned for keys outside the signer's tree.
	ErrKeyNotFound = psbtsdk.ErrKeyNotFound

	// ErrSigningDenied is returned when the policy rejects a request.
	ErrSigningDenied = psbtsdk.ErrSigningDenied
)

// Option configures an HDSigner.
type Option func(*HDSigner)

// Deny installs a policy hook. Requests it returns true for fail with
// ErrSigningDenied.
func Deny(f func(*psbtsdk.SignRequest) bool) Option {
	return func(s *HDSigner) {
		s.deny = f
	}
}

// HDSigner signs with the keys below one master key.
type HDSigner struct {
	params      *chaincfg.Params
	master      *bip32.Key
	fingerprint keyexpr.Fingerprint

	deny func(*psbtsdk.SignRequest) bool

	mu   sync.Mutex
	keys map[string]*bip32.Key
}

// A compile time check to ensure HDSigner implements the Signer interface.
var _ psbtsdk.Signer = (*HDSigner)(nil)

// NewFromMnemonic creates a signer from a BIP39 mnemonic and passphrase.
func NewFromMnemonic(mnemonic, passphrase string, params *chaincfg.Params,
	opts ...Option) (*HDSigner, error) {

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, passphrase)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	return NewFromSeed(seed, params, opts...)
}

// NewFromSeed creates a signer from a BIP32 seed.
func NewFromSeed(seed []byte, params *chaincfg.Params,
	opts ...Option) (*HDSigner, error) {

	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	var fp keyexpr.Fingerprint
	copy(fp[:], btcutil.Hash160(master.PublicKey().Key))

	s := &HDSigner{
		params:      params,
		master:      master,
		fingerprint: fp,
		keys:        make(map[string]*bip32.Key),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Fingerprint returns the fingerprint of the master key.
func (s *HDSigner) Fingerprint() keyexpr.Fingerprint {
	return s.fingerprint
}

// Account returns the extended public key at path, with the version bytes
// of the signer's network.
func (s *HDSigner) Account(path keyexpr.Path) (*hdkeychain.ExtendedKey,
	error) {

	k, err := s.derive(path)
	if err != nil {
		return nil, err
	}

	xpub, err := hdkeychain.NewKeyFromString(k.PublicKey().B58Serialize())
	if err != nil {
		return nil, err
	}

	return xpub.CloneWithVersion(s.params.HDPublicKeyID[:])
}

// derive returns the key at path, caching every key it computes.
func (s *HDSigner) derive(path keyexpr.Path) (*bip32.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.master
	for i, step := range path {
		id := path[:i+1].String()
		if child, ok := s.keys[id]; ok {
			k = child
			continue
		}

		child, err := k.NewChildKey(step)
		if err != nil {
			return nil, fmt.Errorf("%w: %v: %w", ErrKeyNotFound,
				path, err)
		}

		// Hardened derivation hashes the parent key, which has to be
		// the full 32 bytes.
		if child.IsPrivate && len(child.Key) < privKeyLen {
			padded := make([]byte, privKeyLen)
			copy(padded[privKeyLen-len(child.Key):], child.Key)
			child.Key = padded
		}
		s.keys[id] = child
		k = child
	}

	return k, nil
}

// privKey returns the private key of the request, checking that it is the
// key the request names.
func (s *HDSigner) privKey(req *psbtsdk.SignRequest) (*btcec.PrivateKey,
	error) {

	if req.Key.Fingerprint != s.fingerprint {
		return nil, fmt.Errorf("%w: fingerprint %v, have %v",
			ErrKeyNotFound, req.Key.Fingerprint, s.fingerprint)
	}

	k, err := s.derive(req.Key.Path)
	if err != nil {
		return nil, err
	}
	priv, pub := btcec.PrivKeyFromBytes(k.Key)

	var match bool
	switch len(req.Key.PubKey) {
	case schnorr.PubKeyBytesLen:
		match = bytes.Equal(req.Key.PubKey, schnorr.SerializePubKey(pub))
	case btcec.PubKeyBytesLenCompressed:
		match = bytes.Equal(req.Key.PubKey, pub.SerializeCompressed())
	case secp256k1.PubKeyBytesLenUncompressed:
		match = bytes.Equal(req.Key.PubKey, pub.SerializeUncompressed())
	}
	if !match {
		return nil, fmt.Errorf("%w: %v derives to %x", ErrKeyNotFound,
			req.Key.Path, pub.SerializeCompressed())
	}

	return priv, nil
}

// Sign signs the digest of req.
func (s *HDSigner) Sign(ctx context.Context,
	req *psbtsdk.SignRequest) ([]byte, error) {

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.deny != nil && s.deny(req) {
		return nil, fmt.Errorf("%w: input %d key %v", ErrSigningDenied,
			req.InputIndex, req.Key)
	}

	priv, err := s.privKey(req)
	if err != nil {
		return nil, err
	}

	log.Debugf("Signing input %d with %v key %v", req.InputIndex,
		req.Scheme, req.Key.Path)

	if req.Scheme == psbtsdk.SchemeECDSA {
		return ecdsa.Sign(priv, req.Digest[:]).Serialize(), nil
	}

	if req.TaprootKeySpend {
		priv = txscript.TweakTaprootPrivKey(*priv, req.TapTweak)
	}
	sig, err := schnorr.Sign(priv, req.Digest[:])
	if err != nil {
		return nil, err
	}

	return sig.Serialize(), nil
}
