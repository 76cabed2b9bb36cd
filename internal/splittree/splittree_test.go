package splittree

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAndRemove(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)

	b := &Panel{ID: "b"}
	require.NoError(t, tree.Split("a", DirRight, b))

	assert.ElementsMatch(t, []string{"a", "b"}, panelIDs(tree))
	assert.Equal(t, Horizontal, tree.Root.Dir)
	assert.Equal(t, 0.5, tree.Root.Ratio)
	assert.Same(t, a, tree.Root.First.Leaf)
	assert.Same(t, b, tree.Root.Second.Leaf)

	require.NoError(t, tree.Remove("b"))
	assert.ElementsMatch(t, []string{"a"}, panelIDs(tree))
	assert.True(t, tree.Root.IsLeaf())

	err := tree.Remove("a")
	assert.ErrorIs(t, err, ErrSoleLeaf)
}

func TestSplitLeftPutsNewPanelFirst(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)
	b := &Panel{ID: "b"}
	require.NoError(t, tree.Split("a", DirLeft, b))
	assert.Same(t, b, tree.Root.First.Leaf)
	assert.Same(t, a, tree.Root.Second.Leaf)
	assert.Equal(t, Horizontal, tree.Root.Dir)
}

func TestEqualize(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)
	require.NoError(t, tree.Split("a", DirRight, &Panel{ID: "b"}))
	require.NoError(t, tree.Split("b", DirDown, &Panel{ID: "c"}))
	require.NoError(t, tree.Split("b", DirDown, &Panel{ID: "d"}))

	tree.Equalize()
	assert.InDelta(t, 0.25, tree.Root.Ratio, 1e-9)
}

func TestRatioClamped(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)
	require.NoError(t, tree.Split("a", DirRight, &Panel{ID: "b"}))
	require.NoError(t, tree.ResizeSplit("a", DirLeft, -10))
	assert.Equal(t, MinRatio, tree.Root.Ratio)
	require.NoError(t, tree.ResizeSplit("a", DirLeft, 10))
	assert.Equal(t, MaxRatio, tree.Root.Ratio)
}

func TestFindContainer(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)
	assert.Nil(t, tree.FindContainer("a"))

	require.NoError(t, tree.Split("a", DirRight, &Panel{ID: "b"}))
	container := tree.FindContainer("a")
	require.NotNil(t, container)
	assert.Same(t, tree.Root, container)
}

func TestSelectInDirection(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)
	require.NoError(t, tree.Split("a", DirRight, &Panel{ID: "b"}))
	require.NoError(t, tree.Split("a", DirDown, &Panel{ID: "c"}))

	area := Rect{0, 0, 100, 100}
	id, ok := tree.SelectInDirection("a", DirRight, area)
	require.True(t, ok)
	assert.Equal(t, "b", id)

	id, ok = tree.SelectInDirection("a", DirDown, area)
	require.True(t, ok)
	assert.Equal(t, "c", id)
}

func TestWellFormed(t *testing.T) {
	a := &Panel{ID: "a"}
	tree := NewTree(a)
	require.NoError(t, tree.Split("a", DirRight, &Panel{ID: "b"}))
	assert.True(t, tree.WellFormed(map[string]bool{"a": true, "b": true}))
	assert.False(t, tree.WellFormed(map[string]bool{"a": true}))
}

func panelIDs(t *Tree) []string {
	var ids []string
	for _, p := range t.GetAllPanels() {
		ids = append(ids, p.ID)
	}
	return ids
}
