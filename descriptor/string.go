package descriptor

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/kyleo-o/psbt-sdk/keyexpr"
)

func (d *Pk) String() string   { return "pk(" + d.Key.String() + ")" }
func (d *Pkh) String() string  { return "pkh(" + d.Key.String() + ")" }
func (d *Wpkh) String() string { return "wpkh(" + d.Key.String() + ")" }
func (d *Sh) String() string   { return "sh(" + d.Inner.String() + ")" }
func (d *Wsh) String() string  { return "wsh(" + d.Inner.String() + ")" }
func (d *Raw) String() string  { return "raw(" + hex.EncodeToString(d.Script) + ")" }

func (d *Multi) String() string {
	name := "multi"
	if d.Sorted {
		name = "sortedmulti"
	}

	return thresholdString(name, d.Threshold, d.Keys)
}

func (d *MultiA) String() string {
	name := "multi_a"
	if d.Sorted {
		name = "sortedmulti_a"
	}

	return thresholdString(name, d.Threshold, d.Keys)
}

func (d *Tr) String() string {
	if d.Tree == nil {
		return "tr(" + d.Internal.String() + ")"
	}

	return "tr(" + d.Internal.String() + "," + d.Tree.String() + ")"
}

func (t *TapTree) String() string {
	if t.Leaf != nil {
		return t.Leaf.String()
	}

	return "{" + t.Left.String() + "," + t.Right.String() + "}"
}

func thresholdString(name string, threshold int,
	keys []*keyexpr.KeyExpression) string {

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	b.WriteString(strconv.Itoa(threshold))
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k.String())
	}
	b.WriteByte(')')

	return b.String()
}

// StringWithChecksum returns the canonical text of d followed by its
// checksum.
func StringWithChecksum(d Descriptor) string {
	s := d.String()

	// Canonical text only uses characters of the checksum alphabet.
	sum, _ := Checksum(s)

	return s + "#" + sum
}
