// Package query implements query expansion (spec module C): matching a
// query path to one or more model provider paths, decomposing across
// multiple providers when necessary, and expanding wildcards to the
// concrete set of fully-indexed paths a length tree admits.
//
// Grounded on original_source/hubit/shared.py's get_matches/expand_query
// for the match/expand algorithm, generalized to cover the decomposition
// case (spec §4.C step 2) that the single-provider Python original does
// not need to handle explicitly for every query.
package query

import (
	"sort"

	"github.com/mrsonne/hubit-go/pkg/hubit/herrors"
	"github.com/mrsonne/hubit-go/pkg/hubit/ltree"
	"github.com/mrsonne/hubit-go/pkg/hubit/path"
)

// TreeProvider resolves the length tree for a given index context string
// (the `-`-joined identifier tuple). The model façade implements this
// against its per-context tree cache.
type TreeProvider func(idxContext string) (ltree.ShapeTree, error)

// Expansion is the query expansion record (spec §3): the original query
// path, its decomposed provider-fixed paths, and for each decomposed path
// the set of fully-expanded concrete paths.
type Expansion struct {
	Query       string
	Decomposed  []string
	ExpandedFor map[string][]string // decomposed path -> concrete expanded paths
	ProviderFor map[string]string   // decomposed path -> provider model path
	HadWildcard bool
}

// Terminals flattens every decomposed path's expanded concrete paths into
// one ordered, deduplicated slice — the terminal paths a watcher waits on.
func (e *Expansion) Terminals() []string {
	seen := map[string]bool{}
	var out []string
	for _, d := range e.Decomposed {
		for _, p := range e.ExpandedFor[d] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Expand resolves query against providerPaths (every component's
// provides-results model path), using trees to obtain each matching
// provider's length tree, per spec §4.C.
func Expand(query string, providerPaths []string, trees TreeProvider) (*Expansion, error) {
	hasWildcard, err := path.HasWildcard(query)
	if err != nil {
		return nil, err
	}

	var matches []string
	for _, mp := range providerPaths {
		ok, err := path.Match(query, mp)
		if err != nil {
			return nil, err
		}
		if ok {
			matches = append(matches, mp)
		}
	}

	if len(matches) == 0 {
		return nil, herrors.NoProviderError{Query: query}
	}
	if len(matches) >= 2 && !hasWildcard {
		return nil, herrors.AmbiguousProviderError{Query: query, Components: matches}
	}

	exp := &Expansion{
		Query:       query,
		ExpandedFor: map[string][]string{},
		ProviderFor: map[string]string{},
		HadWildcard: hasWildcard,
	}

	if len(matches) == 1 {
		provider := matches[0]
		exp.Decomposed = []string{query}
		exp.ProviderFor[query] = provider
	} else {
		decomposed, providerFor, err := decompose(query, matches)
		if err != nil {
			return nil, err
		}
		exp.Decomposed = decomposed
		exp.ProviderFor = providerFor
	}

	normalizedD := map[string]string{}
	for _, d := range exp.Decomposed {
		provider := exp.ProviderFor[d]
		idxCtx, err := path.IdxContext(provider)
		if err != nil {
			return nil, err
		}
		tree, err := trees(idxCtx)
		if err != nil {
			return nil, err
		}

		// A context-free provider (idxCtx == "") carries no identifier
		// positions, so path.Match already guarantees d has no negative
		// digit against it (specMatch only lets KindNegDigit through
		// against an identifier model spec); skip normalization rather
		// than feed Normalize a sibling-count arity it can't satisfy.
		normalized := d
		if idxCtx != "" {
			normalized, err = path.Normalize(d, tree.SiblingCounts())
			if err != nil {
				return nil, err
			}
		}

		pruned, err := tree.PruneFrom(normalized, false)
		if err != nil {
			return nil, err
		}
		flat, err := pruned.Expand(normalized, true)
		if err != nil {
			return nil, err
		}
		exp.ExpandedFor[normalized] = flat.([]string)
		if normalized != d {
			exp.ProviderFor[normalized] = provider
			delete(exp.ProviderFor, d)
			normalizedD[d] = normalized
		}
	}
	for i, d := range exp.Decomposed {
		if n, ok := normalizedD[d]; ok {
			exp.Decomposed[i] = n
		}
	}

	return exp, nil
}

// decomposedCandidate is the per-provider decomposition bookkeeping used
// while validating spec §4.C step 2's exactly-one-digit invariant.
type decomposedCandidate struct {
	provider string
	position int
	digit    int
	context  string
}

func decompose(query string, providers []string) ([]string, map[string]string, error) {
	qSpecs, err := path.QuerySpecs(query)
	if err != nil {
		return nil, nil, err
	}

	var candidates []decomposedCandidate
	for _, provider := range providers {
		mSpecs, err := path.ModelSpecs(provider)
		if err != nil {
			return nil, nil, err
		}
		ctx, err := path.IdxContext(provider)
		if err != nil {
			return nil, nil, err
		}

		fixedPositions := []int{}
		var digit int
		for i := range qSpecs {
			if qSpecs[i].Kind == path.KindWildcard && mSpecs[i].Kind == path.KindDigit {
				fixedPositions = append(fixedPositions, i)
				digit = mSpecs[i].Digit
			}
		}
		if len(fixedPositions) != 1 {
			return nil, nil, herrors.DecompositionError{
				Query:  query,
				Reason: "provider " + provider + " must fix exactly one wildcard position to a digit",
			}
		}
		candidates = append(candidates, decomposedCandidate{
			provider: provider,
			position: fixedPositions[0],
			digit:    digit,
			context:  ctx,
		})
	}

	firstPos := candidates[0].position
	firstCtx := candidates[0].context
	seenDigits := map[int]bool{}
	for _, c := range candidates {
		if c.position != firstPos {
			return nil, nil, herrors.DecompositionError{Query: query, Reason: "providers fix different wildcard positions"}
		}
		if c.context != firstCtx {
			return nil, nil, herrors.InconsistentContextError{Query: query, Components: providerNames(candidates)}
		}
		if seenDigits[c.digit] {
			return nil, nil, herrors.DecompositionError{Query: query, Reason: "two providers fix the same digit"}
		}
		seenDigits[c.digit] = true
	}

	// Deterministic ordering makes Expansion.Terminals() and any caller
	// iterating exp.Decomposed reproducible across runs.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].digit < candidates[j].digit })

	values := make([]string, len(qSpecs))
	for i, s := range qSpecs {
		values[i] = s.Raw
	}

	decomposed := make([]string, 0, len(candidates))
	providerFor := map[string]string{}
	for _, c := range candidates {
		v := append([]string{}, values...)
		v[c.position] = itoa(c.digit)
		dp, err := path.SetIndices(query, v)
		if err != nil {
			return nil, nil, err
		}
		decomposed = append(decomposed, dp)
		providerFor[dp] = c.provider
	}
	return decomposed, providerFor, nil
}

func providerNames(cs []decomposedCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.provider
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	if neg {
		b = append([]byte{'-'}, b...)
	}
	return string(b)
}
