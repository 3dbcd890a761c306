// Package filter parses and evaluates the boolean metadata predicates applied
// to embeddings during HNSW search: strings shaped like `key = value` or
// `key != value`.
package filter

import (
	"strings"

	"github.com/vectorkv/vectorkv/pkg/block"
	"github.com/vectorkv/vectorkv/pkg/verrors"
)

// Op is a filter comparison operator.
type Op int

const (
	Eq Op = iota
	Ne
)

// Predicate is one parsed `key <op> value` clause.
type Predicate struct {
	Key   string
	Op    Op
	Value string
}

// Set is a conjunction of Predicates: an embedding matches only if every
// Predicate in the set matches. An empty Set matches everything.
type Set []Predicate

// Parse parses a list of filter strings into a Set. Each string must be
// shaped `key = value` or `key != value`. Bare values are trimmed of
// surrounding whitespace; a double-quoted value preserves internal
// whitespace verbatim. Malformed input is a verrors.FilterParse error,
// never silently dropped.
func Parse(raw []string) (Set, error) {
	set := make(Set, 0, len(raw))
	for _, s := range raw {
		p, err := parseOne(s)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return set, nil
}

func parseOne(s string) (Predicate, error) {
	key, op, rest, err := splitOp(s)
	if err != nil {
		return Predicate{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return Predicate{}, verrors.Wrap("Parse", verrors.FilterParse, verrors.ErrFilterParse)
	}

	value := strings.TrimSpace(rest)
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		value = value[1 : len(value)-1]
	}

	return Predicate{Key: key, Op: op, Value: value}, nil
}

// splitOp locates the operator in s and splits around it. `!=` is checked
// before `=` so it isn't mistaken for a bare `=` with a stray `!`.
func splitOp(s string) (key string, op Op, value string, err error) {
	if i := strings.Index(s, "!="); i >= 0 {
		return s[:i], Ne, s[i+2:], nil
	}
	if i := strings.Index(s, "="); i >= 0 {
		// Reject a second '=' immediately after (e.g. "lang ==" or "lang==rs"
		// with a doubled operator) as malformed rather than guessing intent.
		if i+1 < len(s) && s[i+1] == '=' {
			return "", 0, "", verrors.Wrap("Parse", verrors.FilterParse, verrors.ErrFilterParse)
		}
		return s[:i], Eq, s[i+1:], nil
	}
	return "", 0, "", verrors.Wrap("Parse", verrors.FilterParse, verrors.ErrFilterParse)
}

// Match reports whether meta satisfies every predicate in the set. A key
// absent from meta never matches Eq and always matches Ne.
func (set Set) Match(meta []block.MetaTag) bool {
	for _, p := range set {
		if !p.matches(meta) {
			return false
		}
	}
	return true
}

func (p Predicate) matches(meta []block.MetaTag) bool {
	for _, tag := range meta {
		if tag.Key == p.Key && tag.Value == p.Value {
			return p.Op == Eq
		}
	}
	return p.Op == Ne
}
