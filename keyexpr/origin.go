package keyexpr

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// Fingerprint is the first four bytes of the hash160 of a key. For an
// origin it identifies the master key the path starts from.
type Fingerprint [4]byte

// ParseFingerprint decodes an 8 character hex fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	if len(s) != 2*len(fp) {
		return fp, fmt.Errorf("%w: fingerprint %q must be 4 bytes",
			ErrInvalidKey, s)
	}
	if _, err := hex.Decode(fp[:], []byte(s)); err != nil {
		return fp, fmt.Errorf("%w: fingerprint %q: %v", ErrInvalidKey,
			s, err)
	}

	return fp, nil
}

// KeyFingerprint computes the fingerprint of a public key.
func KeyFingerprint(pub *btcec.PublicKey) Fingerprint {
	var fp Fingerprint
	copy(fp[:], btcutil.Hash160(pub.SerializeCompressed()))

	return fp
}

// FingerprintFromUint32 is the inverse of Fingerprint.Uint32.
func FingerprintFromUint32(v uint32) Fingerprint {
	var fp Fingerprint
	binary.LittleEndian.PutUint32(fp[:], v)

	return fp
}

// Uint32 returns the fingerprint in the integer form the PSBT derivation
// records use.
func (f Fingerprint) Uint32() uint32 {
	return binary.LittleEndian.Uint32(f[:])
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// Origin records where a key sits in the tree of some master key.
type Origin struct {
	Fingerprint Fingerprint
	Path        Path
}

// String returns the origin in descriptor form, e.g. [d34db33f/44'/0'/0'].
func (o Origin) String() string {
	if len(o.Path) == 0 {
		return "[" + o.Fingerprint.String() + "]"
	}

	return "[" + o.Fingerprint.String() + "/" + o.Path.String() + "]"
}

// parseOrigin parses the inside of the brackets of a key origin.
func parseOrigin(s string) (Origin, error) {
	fpStr, pathStr, _ := strings.Cut(s, "/")

	fp, err := ParseFingerprint(fpStr)
	if err != nil {
		return Origin{}, err
	}

	path := Path{}
	if pathStr != "" {
		path, err = ParsePath(pathStr)
		if err != nil {
			return Origin{}, err
		}
	} else if strings.HasSuffix(s, "/") {
		return Origin{}, fmt.Errorf("%w: trailing slash in origin",
			ErrInvalidDerivation)
	}

	return Origin{Fingerprint: fp, Path: path}, nil
}
