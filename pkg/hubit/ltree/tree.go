// Package ltree implements the length tree (spec module B): a per-index
// context shape descriptor inferred from input, supporting pruning,
// clipping, path expansion, and reshaping flat values back into nested
// structures.
//
// Grounded on original_source/hubit/tree.py's LengthNode/LeafNode/
// LengthTree/DummyLengthTree classes (construction, prune_from_path,
// clip_at_level, fix_idx_at_level, expand_path, reshape, none_like),
// reworked as a single recursive Node type instead of Python's
// LengthNode/LeafNode pair, since a Go leaf needs no behavior beyond what
// an ordinary zero-children Node already has.
package ltree

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/mrsonne/hubit-go/pkg/hubit/herrors"
	"github.com/mrsonne/hubit-go/pkg/hubit/path"
)

// ShapeTree is satisfied by both Tree and DummyTree, so callers (query
// expansion, the worker, the runner) never need to special-case a
// context-free path.
type ShapeTree interface {
	IdxContext() string
	PruneFrom(p string, inplace bool) (ShapeTree, error)
	ClipAt(levelName string, inplace bool) (ShapeTree, error)
	FixAt(levelName string, idx int) error
	Expand(p string, flat bool) (interface{}, error)
	Reshape(flatValues []interface{}) (interface{}, error)
	NoneLike() (interface{}, error)
	Equal(other ShapeTree) bool
	SiblingCounts() []int
}

// Node is one node of a length tree. Nodes whose Children is nil are
// leaves: sentinels carrying only their sibling index.
type Node struct {
	parent      *Node
	children    []*Node
	level       int
	index       int
	constrained bool
	tree        *Tree
}

// NChildren returns the number of children n currently has.
func (n *Node) NChildren() int { return len(n.children) }

// Index returns n's sibling index within its parent's children.
func (n *Node) Index() int { return n.index }

// Constrained reports whether n was pruned down to a single child.
func (n *Node) Constrained() bool { return n.constrained }

// Tree is the real (non-dummy) length tree for one index context.
type Tree struct {
	levelNames    []string
	nodesForLevel [][]*Node
	root          *Node
}

// DummyTree satisfies ShapeTree for context-free paths (spec §3: "a path
// with all digit indices, or all wildcards, at every level against a
// context-free path yields a dummy tree").
type DummyTree struct{}

// IdxContext always returns "" for a dummy tree.
func (DummyTree) IdxContext() string { return "" }

// PruneFrom is a no-op for a dummy tree.
func (d DummyTree) PruneFrom(string, bool) (ShapeTree, error) { return d, nil }

// ClipAt is a no-op for a dummy tree.
func (d DummyTree) ClipAt(string, bool) (ShapeTree, error) { return d, nil }

// FixAt is a no-op for a dummy tree.
func (DummyTree) FixAt(string, int) error { return nil }

// Expand returns the path unchanged, wrapped in a one-element list when
// flat is requested, matching DummyLengthTree.expand_path.
func (DummyTree) Expand(p string, flat bool) (interface{}, error) {
	if flat {
		return []string{p}, nil
	}
	return p, nil
}

// Reshape expects exactly one value (there is nothing to reshape).
func (DummyTree) Reshape(flatValues []interface{}) (interface{}, error) {
	if len(flatValues) != 1 {
		return nil, herrors.MalformedPathError{Reason: "dummy tree reshape expects exactly one value"}
	}
	return flatValues[0], nil
}

// NoneLike returns a bare nil.
func (DummyTree) NoneLike() (interface{}, error) { return nil, nil }

// Equal reports whether other is also a DummyTree.
func (DummyTree) Equal(other ShapeTree) bool {
	_, ok := other.(DummyTree)
	return ok
}

// SiblingCounts is empty: a dummy tree carries no list levels to count
// siblings against, so a query path matching it can never carry a
// negative-digit specifier needing normalization.
func (DummyTree) SiblingCounts() []int { return nil }

// navigate walks into input along loc (dot-split name components and
// numeric list indices) and returns the list found at the end.
func navigate(input interface{}, loc []string) ([]interface{}, error) {
	cur := input
	for _, seg := range loc {
		switch t := cur.(type) {
		case map[string]interface{}:
			v, ok := t[seg]
			if !ok {
				return nil, herrors.MalformedPathError{Path: strings.Join(loc, "."), Reason: "path not found in input"}
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, herrors.IndexOutOfRangeError{Path: strings.Join(loc, ".")}
			}
			cur = t[i]
		default:
			return nil, herrors.MalformedPathError{Path: strings.Join(loc, "."), Reason: "expected a map or list while walking input"}
		}
	}
	lst, ok := cur.([]interface{})
	if !ok {
		return nil, herrors.MalformedPathError{Path: strings.Join(loc, "."), Reason: "expected a list at this position in input"}
	}
	return lst, nil
}

func splitName(name string) []string {
	name = strings.Trim(name, ".")
	if name == "" {
		return nil
	}
	return strings.Split(name, ".")
}

// Build constructs the unpruned length tree for modelPath's index context
// against input, walking modelPath's inter-identifier segments and
// recording list lengths (spec §4.B). A context-free path (no index
// identifiers) returns a DummyTree.
func Build(modelPath string, input interface{}) (ShapeTree, error) {
	ids, err := path.GetIndexIdentifiers(modelPath)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return DummyTree{}, nil
	}

	mp, err := path.ParseModel(modelPath)
	if err != nil {
		return nil, err
	}

	t := &Tree{levelNames: ids, nodesForLevel: make([][]*Node, len(ids))}
	root := &Node{tree: t}
	t.root = root
	t.nodesForLevel[0] = []*Node{root}

	type frontierItem struct {
		node *Node
		loc  []string
	}
	frontier := []frontierItem{{node: root}}
	level := 0

	for _, seg := range mp.Segments {
		if seg.Index == nil {
			continue
		}
		var next []frontierItem
		for _, item := range frontier {
			loc := append(append([]string{}, item.loc...), splitName(seg.Name)...)
			lst, err := navigate(input, loc)
			if err != nil {
				return nil, err
			}
			children := make([]*Node, len(lst))
			for i := range lst {
				c := &Node{parent: item.node, level: level + 1, index: i, tree: t}
				children[i] = c
				next = append(next, frontierItem{node: c, loc: append(append([]string{}, loc...), strconv.Itoa(i))})
			}
			item.node.children = children
			if level+1 < len(t.nodesForLevel) {
				t.nodesForLevel[level+1] = append(t.nodesForLevel[level+1], children...)
			}
		}
		frontier = next
		level++
	}
	return t, nil
}

// IdxContext returns the `-`-joined level names.
func (t *Tree) IdxContext() string { return strings.Join(t.levelNames, "-") }

func (t *Tree) nlevels() int { return len(t.levelNames) }

// deepCopy returns a structurally identical tree with no aliasing.
func (t *Tree) deepCopy() *Tree {
	nt := &Tree{levelNames: append([]string{}, t.levelNames...), nodesForLevel: make([][]*Node, len(t.nodesForLevel))}
	var copyNode func(n *Node, parent *Node) *Node
	copyNode = func(n *Node, parent *Node) *Node {
		cn := &Node{parent: parent, level: n.level, index: n.index, constrained: n.constrained, tree: nt}
		if n.level < len(nt.nodesForLevel) {
			nt.nodesForLevel[n.level] = append(nt.nodesForLevel[n.level], cn)
		}
		for _, c := range n.children {
			cn.children = append(cn.children, copyNode(c, cn))
		}
		return cn
	}
	nt.root = copyNode(t.root, nil)
	return nt
}

// removeSubtree drops n and every descendant from the tree's level
// registry; it does not touch n's parent's children slice (callers do
// that themselves).
func removeSubtree(n *Node) {
	if n.level < len(n.tree.nodesForLevel) {
		reg := n.tree.nodesForLevel[n.level]
		for i, c := range reg {
			if c == n {
				n.tree.nodesForLevel[n.level] = append(reg[:i], reg[i+1:]...)
				break
			}
		}
	}
	for _, c := range n.children {
		removeSubtree(c)
	}
}

// keepOnly narrows n's children down to the single one whose sibling
// index equals d, marking n constrained. Returns IndexOutOfRangeError if
// no child carries that index.
func (n *Node) keepOnly(d int) error {
	var kept *Node
	for _, c := range n.children {
		if c.index == d {
			kept = c
			break
		}
	}
	if kept == nil {
		return herrors.IndexOutOfRangeError{Index: d}
	}
	for _, c := range n.children {
		if c != kept {
			removeSubtree(c)
		}
	}
	n.children = []*Node{kept}
	n.constrained = true
	return nil
}

// PruneFrom narrows the tree to the fixed digit positions in p, per level.
// Non-digit specifiers (wildcard or identifier) leave that level
// untouched. inplace controls whether t itself is mutated or a pruned
// copy is returned.
func (t *Tree) PruneFrom(p string, inplace bool) (ShapeTree, error) {
	target := t
	if !inplace {
		target = t.deepCopy()
	}
	specs, err := path.GetIndexSpecifiers(p)
	if err != nil {
		return nil, err
	}
	if len(specs) != target.nlevels() {
		return nil, herrors.MalformedPathError{Path: p, Reason: "index specifier count does not match this tree's context"}
	}
	for level, raw := range specs {
		d, isDigit := parseDigit(raw)
		if !isDigit {
			continue
		}
		for _, node := range append([]*Node{}, target.nodesForLevel[level]...) {
			if err := node.keepOnly(d); err != nil {
				return nil, err
			}
		}
	}
	return target, nil
}

// FixAt is PruneFrom's single-position variant: prune every node at the
// named level down to child idx.
func (t *Tree) FixAt(levelName string, idx int) error {
	level := t.levelIndex(levelName)
	if level < 0 {
		return herrors.MalformedPathError{Reason: "unknown level name " + levelName}
	}
	for _, node := range append([]*Node{}, t.nodesForLevel[level]...) {
		if err := node.keepOnly(idx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) levelIndex(name string) int {
	for i, n := range t.levelNames {
		if n == name {
			return i
		}
	}
	return -1
}

// ClipAt removes all descendants below levelName, trimming the level
// tables so the named level becomes the tree's deepest.
func (t *Tree) ClipAt(levelName string, inplace bool) (ShapeTree, error) {
	target := t
	if !inplace {
		target = t.deepCopy()
	}
	level := target.levelIndex(levelName)
	if level < 0 {
		return nil, herrors.MalformedPathError{Reason: "unknown level name " + levelName}
	}
	if level+1 < len(target.nodesForLevel) {
		for _, n := range target.nodesForLevel[level+1] {
			n.children = nil
		}
	}
	target.levelNames = target.levelNames[:level+1]
	target.nodesForLevel = target.nodesForLevel[:level+1]
	return target, nil
}

func parseDigit(raw string) (int, bool) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Expand walks p's index specifiers level by level; at each level a
// fixed digit substitutes without introducing a list dimension, while a
// wildcard or identifier iterates every surviving child and introduces
// one. Each concrete path is returned in the internal dotted form used as
// a flat-store key. Returns a nested structure when flat is false, or a
// flat list of those paths when flat is true.
func (t *Tree) Expand(p string, flat bool) (interface{}, error) {
	specs, err := path.GetIndexSpecifiers(p)
	if err != nil {
		return nil, err
	}
	if len(specs) != t.nlevels() {
		return nil, herrors.MalformedPathError{Path: p, Reason: "index specifier count does not match this tree's context"}
	}
	values := make([]string, len(specs))
	nested, flatList, err := t.expand(p, specs, values, 0, t.root)
	if err != nil {
		return nil, err
	}
	if flat {
		return flatList, nil
	}
	return nested, nil
}

func (t *Tree) expand(p string, specs []string, values []string, level int, node *Node) (interface{}, []string, error) {
	if level == len(specs) {
		full, err := path.SetIndices(p, values)
		if err != nil {
			return nil, nil, err
		}
		internal := path.AsInternal(full)
		return internal, []string{internal}, nil
	}

	if d, isDigit := parseDigit(specs[level]); isDigit {
		var child *Node
		for _, c := range node.children {
			if c.index == d {
				child = c
				break
			}
		}
		if child == nil {
			return nil, nil, herrors.IndexOutOfRangeError{Index: d}
		}
		values[level] = strconv.Itoa(d)
		return t.expand(p, specs, values, level+1, child)
	}

	var nested []interface{}
	var flatAll []string
	for _, c := range node.children {
		values[level] = strconv.Itoa(c.index)
		n, f, err := t.expand(p, specs, values, level+1, c)
		if err != nil {
			return nil, nil, err
		}
		nested = append(nested, n)
		flatAll = append(flatAll, f...)
	}
	return nested, flatAll, nil
}

// Reshape is the inverse of Expand: it groups a flat list of N values
// into the nested shape defined by surviving node counts, skipping any
// level whose nodes are all constrained (that dimension collapses).
func (t *Tree) Reshape(flatValues []interface{}) (interface{}, error) {
	idx := 0
	var rec func(node *Node, level int) interface{}
	rec = func(node *Node, level int) interface{} {
		if level == t.nlevels() {
			v := flatValues[idx]
			idx++
			return v
		}
		if allConstrained(t.nodesForLevel[level]) && len(node.children) == 1 {
			return rec(node.children[0], level+1)
		}
		var out []interface{}
		for _, c := range node.children {
			out = append(out, rec(c, level+1))
		}
		return out
	}
	result := rec(t.root, 0)
	if idx != len(flatValues) {
		return nil, herrors.MalformedPathError{Reason: "reshape received the wrong number of values"}
	}
	return result, nil
}

func allConstrained(nodes []*Node) bool {
	if len(nodes) == 0 {
		return false
	}
	for _, n := range nodes {
		if !n.constrained {
			return false
		}
	}
	return true
}

// NoneLike returns reshape([None...None]) with N = the tree's total leaf
// count, the nested all-nil placeholder a query's response is seeded
// with before terminal values are filled in.
func (t *Tree) NoneLike() (interface{}, error) {
	n := t.leafCount()
	vals := make([]interface{}, n)
	return t.Reshape(vals)
}

func (t *Tree) leafCount() int {
	count := 0
	var walk func(n *Node, level int)
	walk = func(n *Node, level int) {
		if level == t.nlevels() {
			count++
			return
		}
		for _, c := range n.children {
			walk(c, level+1)
		}
	}
	walk(t.root, 0)
	return count
}

// Equal reports whether two trees share the same shape (surviving child
// counts at every node), per spec §4.B.
func (t *Tree) Equal(other ShapeTree) bool {
	ot, ok := other.(*Tree)
	if !ok {
		return false
	}
	return reflect.DeepEqual(shapeOf(t.root), shapeOf(ot.root))
}

// SiblingCounts returns, for each level, the child count of that level's
// first surviving node — the list length a negative query index at that
// position is counted against (spec §4.A's "negative index... normalized
// ... before expansion"). Ragged lists (siblings with differing lengths)
// aren't modeled: the first node stands in for the level.
func (t *Tree) SiblingCounts() []int {
	counts := make([]int, t.nlevels())
	for level := range counts {
		nodes := t.nodesForLevel[level]
		if len(nodes) == 0 {
			continue
		}
		counts[level] = nodes[0].NChildren()
	}
	return counts
}

func shapeOf(n *Node) interface{} {
	if len(n.children) == 0 {
		return 0
	}
	out := make([]interface{}, len(n.children))
	for i, c := range n.children {
		out[i] = shapeOf(c)
	}
	return out
}
