package keyexpr

import "errors"

var (
	// ErrInvalidDerivation is returned when a key expression cannot be
	// resolved at the requested index, or when its path is malformed.
	ErrInvalidDerivation = errors.New("invalid derivation")

	// ErrInvalidKey is returned when the key part of an expression is
	// not a valid key for the context it appears in.
	ErrInvalidKey = errors.New("invalid key")
)
