package descriptor

import (
	"fmt"
	"strings"
)

const (
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	checksumLength = 8
)

var polymodGenerators = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

func polymod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	for i, g := range polymodGenerators {
		if c0&(1<<i) != 0 {
			c ^= g
		}
	}

	return c
}

// Checksum computes the 8 character checksum of a descriptor body.
func Checksum(desc string) (string, error) {
	var (
		c        uint64 = 1
		cls      int
		clsCount int
	)
	for i := 0; i < len(desc); i++ {
		pos := strings.IndexByte(inputCharset, desc[i])
		if pos < 0 {
			return "", fmt.Errorf("%w: character %q not allowed",
				ErrInvalidDescriptor, desc[i])
		}

		c = polymod(c, pos&31)

		// Group numbers are folded in three at a time.
		cls = cls*3 + (pos >> 5)
		clsCount++
		if clsCount == 3 {
			c = polymod(c, cls)
			cls = 0
			clsCount = 0
		}
	}
	if clsCount > 0 {
		c = polymod(c, cls)
	}
	for i := 0; i < checksumLength; i++ {
		c = polymod(c, 0)
	}
	c ^= 1

	var sum [checksumLength]byte
	for i := range sum {
		sum[i] = checksumCharset[(c>>(5*(7-i)))&31]
	}

	return string(sum[:]), nil
}

// splitChecksum separates desc#checksum and verifies the checksum if one is
// present.
func splitChecksum(s string) (string, error) {
	body, sum, found := strings.Cut(s, "#")
	if !found {
		return s, nil
	}
	if len(sum) != checksumLength {
		return "", fmt.Errorf("%w: checksum %q must be %d characters",
			ErrInvalidChecksum, sum, checksumLength)
	}

	want, err := Checksum(body)
	if err != nil {
		return "", err
	}
	if want != sum {
		return "", fmt.Errorf("%w: got %s, expected %s",
			ErrInvalidChecksum, sum, want)
	}

	return body, nil
}
