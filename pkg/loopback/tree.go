package loopback

// Derived from the generic fork of https://github.com/armon/go-radix:
// edges are whole topic levels instead of byte prefixes so that MQTT
// wildcards can be resolved while walking.

import (
	"iter"
	"sort"
	"strings"
)

const (
	levelSeparator = "/"
	singleLevel    = "+"
	multiLevel     = "#"
)

// leafNode is used to represent a value
type leafNode[T any] struct {
	key string
	val T
}

// edge is used to represent an edge node
type edge[T any] struct {
	label string
	node  *node[T]
}

type node[T any] struct {
	// leaf is used to store possible leaf
	leaf *leafNode[T]

	// Edges are stored in-order for iteration.
	edges edges[T]
}

func (n *node[T]) isLeaf() bool {
	return n.leaf != nil
}

func (n *node[T]) addEdge(e edge[T]) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= e.label
	})

	n.edges = append(n.edges, edge[T]{})
	copy(n.edges[idx+1:], n.edges[idx:])
	n.edges[idx] = e
}

func (n *node[T]) getEdge(label string) *node[T] {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		return n.edges[idx].node
	}
	return nil
}

func (n *node[T]) delEdge(label string) {
	num := len(n.edges)
	idx := sort.Search(num, func(i int) bool {
		return n.edges[i].label >= label
	})
	if idx < num && n.edges[idx].label == label {
		copy(n.edges[idx:], n.edges[idx+1:])
		n.edges[len(n.edges)-1] = edge[T]{}
		n.edges = n.edges[:len(n.edges)-1]
	}
}

type edges[T any] []edge[T]

// Tree indexes values by topic filter, one node per topic level.
type Tree[T any] struct {
	root *node[T]
	size int
}

func NewTree[T any]() *Tree[T] {
	return &Tree[T]{root: &node[T]{}}
}

// Len is used to return the number of filters in the tree
func (t *Tree[T]) Len() int {
	return t.size
}

// Insert is used to add a new filter or update an existing one.
// Returns true if an existing record is updated.
func (t *Tree[T]) Insert(filter string, v T) (old T, updated bool) {
	n := t.root
	for _, level := range strings.Split(filter, levelSeparator) {
		child := n.getEdge(level)
		if child == nil {
			child = &node[T]{}
			n.addEdge(edge[T]{label: level, node: child})
		}
		n = child
	}

	if n.isLeaf() {
		old = n.leaf.val
		n.leaf.val = v
		return old, true
	}
	n.leaf = &leafNode[T]{key: filter, val: v}
	t.size++
	return old, false
}

// Delete is used to delete a filter, returning the previous value and
// if it was deleted. Branches left without filters are pruned.
func (t *Tree[T]) Delete(filter string) (removed T, hasRemoved bool) {
	levels := strings.Split(filter, levelSeparator)
	path := make([]*node[T], 0, len(levels)+1)
	n := t.root
	path = append(path, n)
	for _, level := range levels {
		n = n.getEdge(level)
		if n == nil {
			return
		}
		path = append(path, n)
	}
	if !n.isLeaf() {
		return
	}

	removed = n.leaf.val
	n.leaf = nil
	t.size--

	for i := len(path) - 1; i > 0; i-- {
		if path[i].isLeaf() || len(path[i].edges) > 0 {
			break
		}
		path[i-1].delEdge(levels[i-1])
	}
	return removed, true
}

// Get is used to lookup a specific filter, returning the value and if
// it was found
func (t *Tree[T]) Get(filter string) (val T, found bool) {
	n := t.root
	for _, level := range strings.Split(filter, levelSeparator) {
		n = n.getEdge(level)
		if n == nil {
			return
		}
	}
	if n.isLeaf() {
		return n.leaf.val, true
	}
	return
}

// Walk is used to walk the tree in filter order.
func (t *Tree[T]) Walk() iter.Seq2[string, T] {
	return func(yield func(string, T) bool) {
		recursiveWalk(t.root, yield)
	}
}

// recursiveWalk is used to do a pre-order walk of a node
// recursively. Returns true if the walk should be aborted
func recursiveWalk[T any](n *node[T], yield func(string, T) bool) bool {
	if n.leaf != nil && !yield(n.leaf.key, n.leaf.val) {
		return true
	}
	for _, e := range n.edges {
		if recursiveWalk(e.node, yield) {
			return true
		}
	}
	return false
}

// Match walks every filter matching the topic name `topic`.
//
// Wildcards in the first level never match topics starting with `$`,
// and `a/#` also matches `a`.
func (t *Tree[T]) Match(topic string) iter.Seq2[string, T] {
	levels := strings.Split(topic, levelSeparator)
	system := strings.HasPrefix(topic, "$")
	return func(yield func(string, T) bool) {
		matchInner(t.root, levels, 0, system, yield)
	}
}

// matchInner returns false if the walk should be aborted.
func matchInner[T any](n *node[T], levels []string, depth int, system bool, yield func(string, T) bool) bool {
	wildcards := depth > 0 || !system

	if wildcards {
		if child := n.getEdge(multiLevel); child != nil && child.isLeaf() {
			if !yield(child.leaf.key, child.leaf.val) {
				return false
			}
		}
	}

	if depth == len(levels) {
		if n.isLeaf() && !yield(n.leaf.key, n.leaf.val) {
			return false
		}
		return true
	}

	if wildcards {
		if child := n.getEdge(singleLevel); child != nil {
			if !matchInner(child, levels, depth+1, system, yield) {
				return false
			}
		}
	}

	if child := n.getEdge(levels[depth]); child != nil {
		return matchInner(child, levels, depth+1, system, yield)
	}
	return true
}

// ValidFilter reports whether `filter` is a well-formed topic filter.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	levels := strings.Split(filter, levelSeparator)
	for i, level := range levels {
		switch {
		case level == multiLevel:
			if i != len(levels)-1 {
				return false
			}
		case level == singleLevel:
		case strings.ContainsAny(level, singleLevel+multiLevel):
			return false
		}
	}
	return true
}

// ValidTopic reports whether `topic` is a valid topic name to publish on.
func ValidTopic(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, singleLevel+multiLevel)
}
