package loopback

import (
	"maps"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func matches(t *Tree[int], topic string) []string {
	return slices.Sorted(maps.Keys(maps.Collect(t.Match(topic))))
}

func TestTreeInsertDelete(t *testing.T) {
	tree := NewTree[int]()

	_, updated := tree.Insert("a/b", 1)
	require.False(t, updated)
	_, updated = tree.Insert("a/b/c", 2)
	require.False(t, updated)
	old, updated := tree.Insert("a/b", 3)
	require.True(t, updated)
	require.Equal(t, 1, old)
	require.Equal(t, 2, tree.Len())

	_, found := tree.Get("a")
	require.False(t, found, "intermediate levels are not filters")

	removed, ok := tree.Delete("a/b")
	require.True(t, ok)
	require.Equal(t, 3, removed)
	v, found := tree.Get("a/b/c")
	require.True(t, found)
	require.Equal(t, 2, v)

	_, ok = tree.Delete("a/b")
	require.False(t, ok)
	_, ok = tree.Delete("a/b/c")
	require.True(t, ok)
	require.Zero(t, tree.Len())
	require.Empty(t, tree.root.edges, "empty branches are pruned")
}

func TestTreeWalkOrder(t *testing.T) {
	tree := NewTree[int]()
	for i, filter := range []string{"b", "a/c", "a", "a/b/#"} {
		tree.Insert(filter, i)
	}

	var keys []string
	for k := range tree.Walk() {
		keys = append(keys, k)
	}
	require.Equal(t, []string{"a", "a/b/#", "a/c", "b"}, keys)
}

func TestTreeMatch(t *testing.T) {
	tree := NewTree[int]()
	filters := []string{
		"#",
		"+",
		"svc/lamp/get/accepted",
		"svc/+/get/accepted",
		"svc/lamp/#",
		"svc/+/+/rejected",
		"$aws/things/lamp/shadow/get/accepted",
		"$aws/things/+/shadow/#",
		"+/things/#",
	}
	for i, filter := range filters {
		tree.Insert(filter, i)
	}

	require.Equal(t,
		[]string{"#", "svc/+/get/accepted", "svc/lamp/#", "svc/lamp/get/accepted"},
		matches(tree, "svc/lamp/get/accepted"),
	)
	require.Equal(t,
		[]string{"#", "svc/+/+/rejected", "svc/lamp/#"},
		matches(tree, "svc/lamp/get/rejected"),
	)
	require.Equal(t,
		[]string{"#", "svc/lamp/#"},
		matches(tree, "svc/lamp"),
		"a multi-level wildcard matches its parent level",
	)
	require.Equal(t, []string{"#", "+"}, matches(tree, "svc"))
	require.Equal(t,
		[]string{"$aws/things/+/shadow/#", "$aws/things/lamp/shadow/get/accepted"},
		matches(tree, "$aws/things/lamp/shadow/get/accepted"),
		"first level wildcards never match system topics",
	)
}

func TestValidFilter(t *testing.T) {
	for _, filter := range []string{"a", "a/+/b", "#", "a/#", "+/+", "a//b"} {
		require.True(t, ValidFilter(filter), filter)
	}
	for _, filter := range []string{"", "a/#/b", "a+/b", "a/b#"} {
		require.False(t, ValidFilter(filter), filter)
	}
	require.True(t, ValidTopic("$aws/things/lamp/shadow/get"))
	require.False(t, ValidTopic("a/+"))
	require.False(t, ValidTopic(""))
}
