// Package path implements the path algebra (spec module A): parsing,
// validating, and transforming model paths and query paths, and the
// structural match between them.
//
// Grounded on a bracket-aware tokenizer (in the spirit of
// internal/utils/tree.ParseCursor) generalized to carry index-specifier
// kinds (digit / identifier / wildcard-bound identifier for model paths;
// digit / wildcard / negative-digit for query paths) instead of treating
// every bracket as an opaque path component.
package path

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mrsonne/hubit-go/pkg/hubit/herrors"
)

// SpecKind classifies a single `[...]` index specifier.
type SpecKind int

const (
	// KindDigit is a fixed numeric position, valid in both path forms.
	KindDigit SpecKind = iota
	// KindIdentifier is a model-path index identifier shared across bindings.
	KindIdentifier
	// KindWildcardIdent is a model-path `:@NAME` wildcard bound to NAME.
	KindWildcardIdent
	// KindWildcard is a query-path `:` (iterate all positions).
	KindWildcard
	// KindNegDigit is a query-path negative digit (count from the end).
	KindNegDigit
)

var identRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Spec is a single parsed index specifier.
type Spec struct {
	Kind       SpecKind
	Raw        string
	Identifier string // set for KindIdentifier / KindWildcardIdent
	Digit      int    // set for KindDigit / KindNegDigit
}

// Segment is the name text preceding one index specifier, or the trailing
// name text after the final specifier (Index == nil in that case).
type Segment struct {
	Name  string
	Index *Spec
}

// Path is a parsed path in either surface form. Which classifier
// (classifyModelSpec or classifyQuerySpec) was used to build Segments is
// recorded so later operations know which spec vocabulary applies.
type Path struct {
	Raw      string
	Segments []Segment
	isQuery  bool
}

var bracketSpan = regexp.MustCompile(`\[([^\[\]]*)\]`)

// Balanced reports whether p's brackets are balanced, returning a
// MalformedPathError describing the first violation otherwise.
func Balanced(p string) error {
	depth := 0
	for i, r := range p {
		switch r {
		case '[':
			if depth > 0 {
				return herrors.MalformedPathError{Path: p, Reason: fmt.Sprintf("nested '[' at position %d", i)}
			}
			depth++
		case ']':
			depth--
			if depth < 0 {
				return herrors.MalformedPathError{Path: p, Reason: fmt.Sprintf("unmatched ']' at position %d", i)}
			}
		}
	}
	if depth != 0 {
		return herrors.MalformedPathError{Path: p, Reason: "unbalanced brackets"}
	}
	return nil
}

func tokenize(p string) ([]Segment, error) {
	if err := Balanced(p); err != nil {
		return nil, err
	}

	var segs []Segment
	var name strings.Builder
	var bracket strings.Builder
	bracketed := false
	skipDotAfterBracket := false

	flushTrailing := func() {
		if name.Len() > 0 {
			segs = append(segs, Segment{Name: name.String()})
			name.Reset()
		}
	}

	for _, r := range p {
		switch {
		case r == '[' && !bracketed:
			bracketed = true
		case r == ']' && bracketed:
			raw := bracket.String()
			if strings.Contains(raw, ".") {
				return nil, herrors.MalformedPathError{Path: p, Reason: "index specifier contains '.'"}
			}
			spec := &Spec{Raw: raw}
			segs = append(segs, Segment{Name: name.String(), Index: spec})
			name.Reset()
			bracket.Reset()
			bracketed = false
			skipDotAfterBracket = true
		case bracketed:
			bracket.WriteRune(r)
		case r == '.' && skipDotAfterBracket:
			skipDotAfterBracket = false
		default:
			skipDotAfterBracket = false
			name.WriteRune(r)
		}
	}
	flushTrailing()
	return segs, nil
}

// classifyModelSpec validates and classifies a model-path index specifier.
func classifyModelSpec(raw string) (Spec, error) {
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return Spec{Kind: KindDigit, Raw: raw, Digit: n}, nil
	}
	if strings.HasPrefix(raw, ":@") {
		ident := raw[2:]
		if !identRe.MatchString(ident) {
			return Spec{}, herrors.MalformedPathError{Path: raw, Reason: "invalid wildcard-bound identifier"}
		}
		return Spec{Kind: KindWildcardIdent, Raw: raw, Identifier: ident}, nil
	}
	if identRe.MatchString(raw) {
		return Spec{Kind: KindIdentifier, Raw: raw, Identifier: raw}, nil
	}
	return Spec{}, herrors.MalformedPathError{Path: raw, Reason: "invalid model index specifier"}
}

// classifyQuerySpec validates and classifies a query-path index specifier.
func classifyQuerySpec(raw string) (Spec, error) {
	if raw == ":" {
		return Spec{Kind: KindWildcard, Raw: raw}, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return Spec{Kind: KindNegDigit, Raw: raw, Digit: n}, nil
		}
		return Spec{Kind: KindDigit, Raw: raw, Digit: n}, nil
	}
	return Spec{}, herrors.MalformedPathError{Path: raw, Reason: "invalid query index specifier"}
}

// ParseModel parses p as a model path, validating every index specifier.
func ParseModel(p string) (*Path, error) {
	segs, err := tokenize(p)
	if err != nil {
		return nil, err
	}
	for i := range segs {
		if segs[i].Index == nil {
			continue
		}
		spec, err := classifyModelSpec(segs[i].Index.Raw)
		if err != nil {
			return nil, err
		}
		segs[i].Index = &spec
	}
	return &Path{Raw: p, Segments: segs}, nil
}

// ParseQuery parses p as a query path, validating every index specifier.
func ParseQuery(p string) (*Path, error) {
	segs, err := tokenize(p)
	if err != nil {
		return nil, err
	}
	for i := range segs {
		if segs[i].Index == nil {
			continue
		}
		spec, err := classifyQuerySpec(segs[i].Index.Raw)
		if err != nil {
			return nil, err
		}
		segs[i].Index = &spec
	}
	return &Path{Raw: p, Segments: segs, isQuery: true}, nil
}

// QuerySpecs returns p's index specifiers classified as query-path specs.
func QuerySpecs(p string) ([]Spec, error) {
	qp, err := ParseQuery(p)
	if err != nil {
		return nil, err
	}
	return specsOf(qp), nil
}

// ModelSpecs returns p's index specifiers classified as model-path specs.
func ModelSpecs(p string) ([]Spec, error) {
	mp, err := ParseModel(p)
	if err != nil {
		return nil, err
	}
	return specsOf(mp), nil
}

// HasWildcard reports whether query path p carries a `:` specifier at any
// position.
func HasWildcard(p string) (bool, error) {
	specs, err := QuerySpecs(p)
	if err != nil {
		return false, err
	}
	for _, s := range specs {
		if s.Kind == KindWildcard {
			return true, nil
		}
	}
	return false, nil
}

// GetIndexSpecifiers returns the ordered list of raw index specifier
// strings appearing in p.
func GetIndexSpecifiers(p string) ([]string, error) {
	segs, err := tokenize(p)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range segs {
		if s.Index != nil {
			out = append(out, s.Index.Raw)
		}
	}
	return out, nil
}

// GetIndexIdentifiers returns the ordered list of index identifiers on a
// model path (plain identifiers and wildcard-bound identifiers, stripped
// of any leading ":@"). Digit specifiers contribute nothing.
func GetIndexIdentifiers(p string) ([]string, error) {
	mp, err := ParseModel(p)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range mp.Segments {
		if s.Index == nil {
			continue
		}
		switch s.Index.Kind {
		case KindIdentifier, KindWildcardIdent:
			out = append(out, s.Index.Identifier)
		}
	}
	return out, nil
}

// IdxContext returns the `-`-joined identifier tuple that determines which
// length tree a model path belongs to.
func IdxContext(p string) (string, error) {
	ids, err := GetIndexIdentifiers(p)
	if err != nil {
		return "", err
	}
	return strings.Join(ids, "-"), nil
}

// RemoveBrackets elides every `[...]` (bracket and contents), used for
// topology comparisons, not dispatch.
func RemoveBrackets(p string) string {
	return bracketSpan.ReplaceAllString(p, "")
}

// AsInternal returns the internal dotted form used as a flat-store key:
// `[` becomes `.`, `]` is dropped.
func AsInternal(p string) string {
	var b strings.Builder
	for _, r := range p {
		switch r {
		case '[':
			b.WriteByte('.')
		case ']':
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SetIndices substitutes each bracket's content, left to right, with the
// supplied string values. Returns herrors errors on arity mismatch.
func SetIndices(p string, values []string) (string, error) {
	specs, err := GetIndexSpecifiers(p)
	if err != nil {
		return "", err
	}
	if len(specs) != len(values) {
		return "", herrors.MalformedPathError{
			Path:   p,
			Reason: fmt.Sprintf("arity-mismatch: path has %d index specifiers, %d values supplied", len(specs), len(values)),
		}
	}
	i := 0
	return bracketSpan.ReplaceAllStringFunc(p, func(string) string {
		v := values[i]
		i++
		return "[" + v + "]"
	}), nil
}

// Match reports whether model path `model` can satisfy query path `query`:
// their topology (name skeleton) must agree, they must carry the same
// number of index specifiers, and each specifier pair must satisfy the
// structural match rule from spec §4.A.
func Match(query, model string) (bool, error) {
	if RemoveBrackets(query) != RemoveBrackets(model) {
		return false, nil
	}
	qp, err := ParseQuery(query)
	if err != nil {
		return false, err
	}
	mp, err := ParseModel(model)
	if err != nil {
		return false, err
	}
	qSpecs := specsOf(qp)
	mSpecs := specsOf(mp)
	if len(qSpecs) != len(mSpecs) {
		return false, nil
	}
	for i := range qSpecs {
		if !specMatch(qSpecs[i], mSpecs[i]) {
			return false, nil
		}
	}
	return true, nil
}

func specsOf(p *Path) []Spec {
	var out []Spec
	for _, s := range p.Segments {
		if s.Index != nil {
			out = append(out, *s.Index)
		}
	}
	return out
}

func specMatch(q, m Spec) bool {
	switch q.Kind {
	case KindWildcard:
		return true
	case KindDigit:
		if m.Kind == KindDigit {
			return m.Digit == q.Digit
		}
		return m.Kind == KindIdentifier || m.Kind == KindWildcardIdent
	case KindNegDigit:
		// Sign cannot be compared against a fixed model digit without a
		// length tree to normalize against; only identifiers are safe here.
		return m.Kind == KindIdentifier || m.Kind == KindWildcardIdent
	default:
		return false
	}
}

// Normalize replaces any negative digit d at position pos of a query path
// with siblingCounts[pos] + d, the number of siblings available at that
// position counted from the end. Positions not carrying a
// negative digit are left untouched. siblingCounts must have one entry per
// index specifier in p, in order; entries for non-negative specifiers are
// ignored.
func Normalize(p string, siblingCounts []int) (string, error) {
	specs, err := GetIndexSpecifiers(p)
	if err != nil {
		return "", err
	}
	if len(siblingCounts) != len(specs) {
		return "", herrors.MalformedPathError{Path: p, Reason: "sibling-count arity mismatch during normalization"}
	}
	values := make([]string, len(specs))
	for i, raw := range specs {
		spec, err := classifyQuerySpec(raw)
		if err != nil {
			return "", err
		}
		if spec.Kind == KindNegDigit {
			values[i] = strconv.Itoa(siblingCounts[i] + spec.Digit)
		} else {
			values[i] = raw
		}
	}
	return SetIndices(p, values)
}
