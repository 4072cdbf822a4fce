package psbt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"
)

// LockTimeThreshold separates block heights from unix timestamps in
// locktime values.
const LockTimeThreshold = txscript.LockTimeThreshold

// LockTime is a transaction locktime. Values below LockTimeThreshold are
// block heights, the rest are timestamps.
type LockTime uint32

// IsHeight returns true if the locktime is a block height.
func (l LockTime) IsHeight() bool {
	return uint32(l) < LockTimeThreshold
}

// String returns height(N) or time(N).
func (l LockTime) String() string {
	if l.IsHeight() {
		return fmt.Sprintf("height(%d)", uint32(l))
	}

	return fmt.Sprintf("time(%d)", uint32(l))
}

// ParseLockTime parses the output of LockTime.String. A bare number is
// accepted as well.
func ParseLockTime(s string) (LockTime, error) {
	var (
		body     = s
		isHeight bool
		isTime   bool
	)
	switch {
	case strings.HasPrefix(s, "height(") && strings.HasSuffix(s, ")"):
		body, isHeight = s[len("height("):len(s)-1], true

	case strings.HasPrefix(s, "time(") && strings.HasSuffix(s, ")"):
		body, isTime = s[len("time("):len(s)-1], true
	}

	v, err := strconv.ParseUint(body, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid locktime %q: %w", s, err)
	}

	l := LockTime(v)
	switch {
	case isHeight && !l.IsHeight():
		return 0, fmt.Errorf("invalid locktime %q: not a height", s)
	case isTime && l.IsHeight():
		return 0, fmt.Errorf("invalid locktime %q: not a timestamp", s)
	}

	return l, nil
}

// computeLockTime applies the BIP370 locktime rules: without any input
// requirement the fallback applies, otherwise the largest requirement of the
// kind every constraining input accepts wins, heights first.
func (p *Packet) computeLockTime() (uint32, error) {
	var (
		constrained        bool
		allHeight, allTime = true, true
		maxHeight, maxTime uint32
	)
	for i := range p.Inputs {
		in := &p.Inputs[i]
		hasHeight := in.RequiredHeightLocktime.IsSome()
		hasTime := in.RequiredTimeLocktime.IsSome()
		if !hasHeight && !hasTime {
			continue
		}

		constrained = true
		allHeight = allHeight && hasHeight
		allTime = allTime && hasTime
		maxHeight = max(maxHeight, in.RequiredHeightLocktime.UnwrapOr(0))
		maxTime = max(maxTime, in.RequiredTimeLocktime.UnwrapOr(0))
	}

	switch {
	case !constrained:
		return p.FallbackLockTime.UnwrapOr(0), nil
	case allHeight:
		return maxHeight, nil
	case allTime:
		return maxTime, nil
	}

	return 0, globalErr("locktime", ErrIncompatibleLockTime)
}

// TxLockTime returns the locktime of the transaction the packet describes.
func (p *Packet) TxLockTime() (LockTime, error) {
	if p.Version == V0 {
		return LockTime(p.LockTime), nil
	}

	l, err := p.computeLockTime()

	return LockTime(l), err
}
