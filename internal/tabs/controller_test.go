package tabs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchong/termweb-sub002/internal/splittree"
)

type fakeEmitter struct {
	focused []uint32
}

func (f *fakeEmitter) FocusPanel(serverID uint32) { f.focused = append(f.focused, serverID) }

// After closing the active tab, the next active tab
// is the most-recent surviving entry in LRU history; if none, both
// active-tab and active-panel become empty.
func TestFocusDeterminismAfterClose(t *testing.T) {
	c := NewController(&fakeEmitter{})

	t1, _ := c.CreateTab()
	t2, _ := c.CreateTab()
	t3, _ := c.CreateTab()

	require.NoError(t, c.SetActiveTab(t1.ID))
	require.NoError(t, c.SetActiveTab(t2.ID))
	require.NoError(t, c.SetActiveTab(t3.ID))

	c.CloseTab(t3.ID)
	active, ok := c.ActiveTab()
	require.True(t, ok)
	assert.Equal(t, t2.ID, active.ID)

	c.CloseTab(t2.ID)
	active, ok = c.ActiveTab()
	require.True(t, ok)
	assert.Equal(t, t1.ID, active.ID)

	c.CloseTab(t1.ID)
	assert.True(t, c.EmptyState())
	_, ok = c.ActivePanelID()
	assert.False(t, ok)
}

func TestBindAndRejectSplit(t *testing.T) {
	c := NewController(&fakeEmitter{})
	tab, root := c.CreateTab()

	panel, err := c.CreateLocalSplit(tab.ID, root.ID, splittree.DirRight)
	require.NoError(t, err)
	assert.Nil(t, panel.ServerID)

	require.NoError(t, c.BindPanel(panel.ID, 42))
	assert.Equal(t, uint32(42), *panel.ServerID)

	// Reject a second tentative split rolls it back.
	panel2, err := c.CreateLocalSplit(tab.ID, root.ID, splittree.DirDown)
	require.NoError(t, err)
	require.NoError(t, c.RejectSplit(tab.ID, panel2.ID))

	ids := map[string]bool{}
	for _, p := range tab.Tree.GetAllPanels() {
		ids[p.ID] = true
	}
	assert.True(t, ids[root.ID])
	assert.True(t, ids[panel.ID])
	assert.False(t, ids[panel2.ID])
}

func TestReconcileEmptySnapshotEntersEmptyState(t *testing.T) {
	c := NewController(&fakeEmitter{})
	c.CreateTab()
	c.Reconcile(LayoutSnapshot{})
	assert.True(t, c.EmptyState())
}

func TestReconcileRebuildsFromSnapshot(t *testing.T) {
	c := NewController(&fakeEmitter{})
	snap := LayoutSnapshot{
		ActiveTabID: "tab1",
		Tabs: []TabSnapshot{
			{
				ID: "tab1",
				Root: &NodeSnapshot{
					Dir:   splittree.Horizontal,
					Ratio: 0.5,
					First: &NodeSnapshot{ServerID: 1},
					Second: &NodeSnapshot{
						Dir:    splittree.Vertical,
						Ratio:  0.5,
						First:  &NodeSnapshot{ServerID: 2},
						Second: &NodeSnapshot{ServerID: 3},
					},
				},
				ActivePanelID: 2,
			},
		},
	}
	c.Reconcile(snap)

	tab, ok := c.Tab("tab1")
	require.True(t, ok)
	assert.Len(t, tab.Tree.GetAllPanels(), 3)

	active, ok := c.ActiveTab()
	require.True(t, ok)
	assert.Equal(t, "tab1", active.ID)

	panelID, ok := c.ActivePanelID()
	require.True(t, ok)
	var found bool
	for _, p := range tab.Tree.GetAllPanels() {
		if p.ID == panelID {
			found = true
			assert.Equal(t, uint32(2), *p.ServerID)
		}
	}
	assert.True(t, found)
}
