package descriptor

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/kyleo-o/psbt-sdk/keyexpr"
	"github.com/kyleo-o/psbt-sdk/tapscript"
)

// scope is the position of an expression inside a descriptor.
type scope uint8

const (
	scopeTop scope = iota
	scopeSh
	scopeWsh
	scopeTap
)

func (s scope) String() string {
	switch s {
	case scopeSh:
		return "sh()"
	case scopeWsh:
		return "wsh()"
	case scopeTap:
		return "a tr() tree"
	default:
		return "the top level"
	}
}

// expr is a node of the syntax tree. A call has its arguments in args, a
// brace node holds the two halves of a tap branch.
type expr struct {
	name  string
	args  []*expr
	call  bool
	brace bool
}

func isSeparator(c rune) bool {
	switch c {
	case '(', ')', ',', '{', '}':
		return true
	}

	return false
}

// splitTokens splits s at separators, keeping each separator as its own
// token.
func splitTokens(s string) []string {
	var tokens []string
	for len(s) > 0 {
		i := strings.IndexFunc(s, isSeparator)
		if i < 0 {
			return append(tokens, s)
		}
		if i > 0 {
			tokens = append(tokens, s[:i])
		}
		tokens = append(tokens, s[i:i+1])
		s = s[i+1:]
	}

	return tokens
}

type tokenReader struct {
	tokens []string
	pos    int
}

func (r *tokenReader) peek() string {
	if r.pos >= len(r.tokens) {
		return ""
	}

	return r.tokens[r.pos]
}

func (r *tokenReader) next() string {
	tok := r.peek()
	r.pos++

	return tok
}

func (r *tokenReader) expect(want string) error {
	if got := r.next(); got != want {
		return fmt.Errorf("%w: expected %q at token %d, got %q",
			ErrInvalidDescriptor, want, r.pos-1, got)
	}

	return nil
}

// readExpr reads one identifier, call or brace group.
func (r *tokenReader) readExpr() (*expr, error) {
	tok := r.next()
	switch {
	case tok == "":
		return nil, fmt.Errorf("%w: unexpected end", ErrInvalidDescriptor)

	case tok == "{":
		left, err := r.readExpr()
		if err != nil {
			return nil, err
		}
		if err := r.expect(","); err != nil {
			return nil, err
		}
		right, err := r.readExpr()
		if err != nil {
			return nil, err
		}
		if err := r.expect("}"); err != nil {
			return nil, err
		}

		return &expr{brace: true, args: []*expr{left, right}}, nil

	case isSeparator(rune(tok[0])):
		return nil, fmt.Errorf("%w: unexpected %q at token %d",
			ErrInvalidDescriptor, tok, r.pos-1)
	}

	e := &expr{name: tok}
	if r.peek() != "(" {
		return e, nil
	}
	r.next()
	e.call = true

	for {
		arg, err := r.readExpr()
		if err != nil {
			return nil, err
		}
		e.args = append(e.args, arg)

		switch sep := r.next(); sep {
		case ")":
			return e, nil
		case ",":
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %s()",
				ErrInvalidDescriptor, sep, e.name)
		}
	}
}

func parseExpr(s string) (*expr, error) {
	r := &tokenReader{tokens: splitTokens(s)}
	e, err := r.readExpr()
	if err != nil {
		return nil, err
	}
	if r.pos != len(r.tokens) {
		return nil, fmt.Errorf("%w: trailing %q", ErrInvalidDescriptor,
			strings.Join(r.tokens[r.pos:], ""))
	}

	return e, nil
}

// Parse parses a descriptor. A trailing #checksum is verified when present.
func Parse(s string) (Descriptor, error) {
	body, err := splitChecksum(s)
	if err != nil {
		return nil, err
	}

	e, err := parseExpr(body)
	if err != nil {
		return nil, err
	}

	d, err := build(e, scopeTop)
	if err != nil {
		return nil, err
	}

	if err := checkKeychains(d); err != nil {
		return nil, err
	}

	return d, nil
}

// MustParse is like Parse but panics on error. It is meant for descriptors
// that are constants of the calling program.
func MustParse(s string) Descriptor {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}

	return d
}

// checkKeychains ensures all multipath keys agree on the keychain count.
func checkKeychains(d Descriptor) error {
	n := 0
	for _, k := range Keys(d) {
		if k.Multipath == nil {
			continue
		}
		switch {
		case n == 0:
			n = k.Keychains()
		case n != k.Keychains():
			return fmt.Errorf("%w: multipath keys with %d and %d "+
				"keychains", ErrInvalidDescriptor, n, k.Keychains())
		}
	}

	return nil
}

// allowed lists where each function may appear.
var allowed = map[string][]scope{
	"pk":            {scopeTop, scopeSh, scopeWsh, scopeTap},
	"pkh":           {scopeTop, scopeSh, scopeWsh},
	"wpkh":          {scopeTop, scopeSh},
	"sh":            {scopeTop},
	"wsh":           {scopeTop, scopeSh},
	"multi":         {scopeTop, scopeSh, scopeWsh},
	"sortedmulti":   {scopeTop, scopeSh, scopeWsh},
	"multi_a":       {scopeTap},
	"sortedmulti_a": {scopeTap},
	"tr":            {scopeTop},
	"raw":           {scopeTop, scopeTap},
}

func build(e *expr, sc scope) (Descriptor, error) {
	if !e.call {
		return nil, fmt.Errorf("%w: expected a script expression, got "+
			"%q", ErrInvalidDescriptor, e.name)
	}

	scopes, ok := allowed[e.name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %s()",
			ErrInvalidDescriptor, e.name)
	}
	if !containsScope(scopes, sc) {
		return nil, fmt.Errorf("%w: %s() in %s", ErrUnsupportedNesting,
			e.name, sc)
	}

	switch e.name {
	case "pk":
		key, err := singleKey(e, keyContext(sc))
		if err != nil {
			return nil, err
		}

		return &Pk{Key: key}, nil

	case "pkh":
		key, err := singleKey(e, keyContext(sc))
		if err != nil {
			return nil, err
		}

		return &Pkh{Key: key}, nil

	case "wpkh":
		key, err := singleKey(e, keyexpr.ContextSegwitV0)
		if err != nil {
			return nil, err
		}

		return NewWpkh(key)

	case "sh":
		inner, err := singleScript(e, scopeSh)
		if err != nil {
			return nil, err
		}

		return NewSh(inner)

	case "wsh":
		inner, err := singleScript(e, scopeWsh)
		if err != nil {
			return nil, err
		}

		return NewWsh(inner)

	case "multi", "sortedmulti":
		threshold, keys, err := thresholdArgs(e, keyContext(sc))
		if err != nil {
			return nil, err
		}
		m, err := NewMulti(threshold, keys, e.name == "sortedmulti")
		if err != nil {
			return nil, err
		}
		if sc == scopeTop && len(keys) > maxBareMultiKeys {
			return nil, fmt.Errorf("%w: %d keys in bare multisig",
				ErrInvalidDescriptor, len(keys))
		}

		return m, nil

	case "tr":
		return buildTr(e)

	case "raw":
		if len(e.args) != 1 || e.args[0].call || e.args[0].brace {
			return nil, fmt.Errorf("%w: raw() takes one hex argument",
				ErrInvalidDescriptor)
		}
		script, err := hex.DecodeString(e.args[0].name)
		if err != nil {
			return nil, fmt.Errorf("%w: raw(): %v",
				ErrInvalidDescriptor, err)
		}

		return &Raw{Script: script}, nil

	default:
		// multi_a and sortedmulti_a are only reachable as tap leaves.
		return nil, fmt.Errorf("%w: %s() in %s", ErrUnsupportedNesting,
			e.name, sc)
	}
}

func buildTr(e *expr) (Descriptor, error) {
	if len(e.args) < 1 || len(e.args) > 2 {
		return nil, fmt.Errorf("%w: tr() takes a key and an optional "+
			"tree", ErrInvalidDescriptor)
	}

	internal, err := parseKey(e.args[0], keyexpr.ContextTaproot)
	if err != nil {
		return nil, err
	}

	var tree *TapTree
	if len(e.args) == 2 {
		tree, err = buildTree(e.args[1], 0)
		if err != nil {
			return nil, err
		}
	}

	return NewTr(internal, tree)
}

func buildTree(e *expr, depth int) (*TapTree, error) {
	if depth > tapscript.MaxDepth {
		return nil, tapscript.ErrTreeTooDeep
	}

	if e.brace {
		left, err := buildTree(e.args[0], depth+1)
		if err != nil {
			return nil, err
		}
		right, err := buildTree(e.args[1], depth+1)
		if err != nil {
			return nil, err
		}

		return &TapTree{Left: left, Right: right}, nil
	}

	leaf, err := buildLeaf(e)
	if err != nil {
		return nil, err
	}

	return &TapTree{Leaf: leaf}, nil
}

func buildLeaf(e *expr) (TapLeaf, error) {
	switch e.name {
	case "multi_a", "sortedmulti_a":
		if !e.call {
			break
		}
		threshold, keys, err := thresholdArgs(e, keyexpr.ContextTaproot)
		if err != nil {
			return nil, err
		}

		return NewMultiA(threshold, keys, e.name == "sortedmulti_a")
	}

	d, err := build(e, scopeTap)
	if err != nil {
		return nil, err
	}

	leaf, ok := d.(TapLeaf)
	if !ok {
		return nil, fmt.Errorf("%w: %s() as a tap leaf",
			ErrUnsupportedNesting, e.name)
	}

	return leaf, nil
}

func keyContext(sc scope) keyexpr.Context {
	switch sc {
	case scopeWsh:
		return keyexpr.ContextSegwitV0
	case scopeTap:
		return keyexpr.ContextTaproot
	default:
		return keyexpr.ContextLegacy
	}
}

func containsScope(scopes []scope, sc scope) bool {
	for _, s := range scopes {
		if s == sc {
			return true
		}
	}

	return false
}

func parseKey(e *expr, ctx keyexpr.Context) (*keyexpr.KeyExpression, error) {
	if e.call || e.brace {
		return nil, fmt.Errorf("%w: expected a key, got %s()",
			ErrInvalidDescriptor, e.name)
	}

	return keyexpr.Parse(e.name, ctx)
}

func singleKey(e *expr, ctx keyexpr.Context) (*keyexpr.KeyExpression, error) {
	if len(e.args) != 1 {
		return nil, fmt.Errorf("%w: %s() takes one key",
			ErrInvalidDescriptor, e.name)
	}

	return parseKey(e.args[0], ctx)
}

func singleScript(e *expr, sc scope) (Descriptor, error) {
	if len(e.args) != 1 {
		return nil, fmt.Errorf("%w: %s() takes one script",
			ErrInvalidDescriptor, e.name)
	}

	return build(e.args[0], sc)
}

func thresholdArgs(e *expr, ctx keyexpr.Context) (int,
	[]*keyexpr.KeyExpression, error) {

	if len(e.args) < 2 {
		return 0, nil, fmt.Errorf("%w: %s() needs a threshold and keys",
			ErrInvalidDescriptor, e.name)
	}
	if e.args[0].call || e.args[0].brace {
		return 0, nil, fmt.Errorf("%w: %s() threshold must be a number",
			ErrInvalidDescriptor, e.name)
	}

	threshold, err := strconv.Atoi(e.args[0].name)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s() threshold %q",
			ErrInvalidDescriptor, e.name, e.args[0].name)
	}

	keys := make([]*keyexpr.KeyExpression, 0, len(e.args)-1)
	for _, arg := range e.args[1:] {
		key, err := parseKey(arg, ctx)
		if err != nil {
			return 0, nil, err
		}
		keys = append(keys, key)
	}

	return threshold, keys, nil
}
