package keyexpr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// HardenedKeyStart is the index at which hardened child keys begin.
const HardenedKeyStart = hdkeychain.HardenedKeyStart

// Path is a sequence of BIP32 child indices. Hardened steps carry the
// HardenedKeyStart offset.
type Path []uint32

// ParsePath parses a derivation path such as "m/84'/0'/0'" or "84h/0h/0h".
// The leading "m" is optional and "h", "H" and "'" all mark a hardened step.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(s, "m")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return Path{}, nil
	}

	parts := strings.Split(s, "/")
	path := make(Path, 0, len(parts))
	for _, part := range parts {
		step, err := parseStep(part)
		if err != nil {
			return nil, err
		}
		path = append(path, step)
	}

	return path, nil
}

func isHardenedMarker(c byte) bool {
	return c == '\'' || c == 'h' || c == 'H'
}

func parseStep(s string) (uint32, error) {
	var hardened bool
	if n := len(s); n > 0 && isHardenedMarker(s[n-1]) {
		hardened = true
		s = s[:n-1]
	}
	if s == "" {
		return 0, fmt.Errorf("%w: empty path step",
			ErrInvalidDerivation)
	}

	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: bad path step %q",
			ErrInvalidDerivation, s)
	}
	if v >= HardenedKeyStart {
		return 0, fmt.Errorf("%w: path step %d out of range",
			ErrInvalidDerivation, v)
	}

	step := uint32(v)
	if hardened {
		step += HardenedKeyStart
	}

	return step, nil
}

func formatStep(step uint32) string {
	if step >= HardenedKeyStart {
		return strconv.FormatUint(uint64(step-HardenedKeyStart), 10) +
			"'"
	}

	return strconv.FormatUint(uint64(step), 10)
}

// String returns the path in canonical form, without the "m/" prefix and
// with "'" as the hardened marker.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, step := range p {
		parts[i] = formatStep(step)
	}

	return strings.Join(parts, "/")
}

// HasHardened returns true if any step of the path is hardened.
func (p Path) HasHardened() bool {
	for _, step := range p {
		if step >= HardenedKeyStart {
			return true
		}
	}

	return false
}

// Child returns a new path with the given step appended.
func (p Path) Child(step uint32) Path {
	child := make(Path, len(p), len(p)+1)
	copy(child, p)

	return append(child, step)
}
