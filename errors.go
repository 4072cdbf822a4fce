package psbt_sdk

import (
	"errors"

	"github.com/kyleo-o/psbt-sdk/descriptor"
	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/psbt"
	"github.com/kyleo-o/psbt-sdk/tapscript"
)

var (
	// ErrInsufficientSignatures is returned when finalizing an input
	// whose signatures do not satisfy any way of spending it.
	ErrInsufficientSignatures = errors.New("insufficient signatures")

	// ErrNotFullyFinalized is returned when extracting a transaction from
	// a packet with inputs that are not finalized.
	ErrNotFullyFinalized = errors.New("psbt not fully finalized")

	// ErrSigningDenied is returned by signers refusing a request.
	ErrSigningDenied = errors.New("signing denied")

	// ErrKeyNotFound is returned by signers that do not hold the
	// requested key.
	ErrKeyNotFound = errors.New("key not found")

	// ErrInvalidSignature is returned when a signer produces a signature
	// that does not verify against the digest it was asked to sign.
	ErrInvalidSignature = errors.New("invalid signature from signer")

	// ErrUnknownScript is returned for inputs spending scripts the
	// finalizer has no template for.
	ErrUnknownScript = errors.New("unknown script template")
)

// Errors of the packages the pipeline is built from, re-exported so callers
// can match on them without importing each package.
var (
	ErrInvalidDerivation  = keyexpr.ErrInvalidDerivation
	ErrUnsupportedNesting = descriptor.ErrUnsupportedNesting
	ErrTreeTooDeep        = tapscript.ErrTreeTooDeep
	ErrEmptyTree          = tapscript.ErrEmptyTree
	ErrIndexOutOfRange    = psbt.ErrIndexOutOfRange
	ErrAlreadyFinalized   = psbt.ErrAlreadyFinalized
	ErrConflict           = psbt.ErrConflict
	ErrMalformedEncoding  = psbt.ErrMalformedEncoding
)
