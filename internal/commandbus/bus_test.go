package commandbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchong/termweb-sub002/internal/tabs"
)

type fakeSender struct {
	serverID uint32
	action   string
	calls    int
}

func (f *fakeSender) ViewAction(serverID uint32, action string) error {
	f.serverID, f.action = serverID, action
	f.calls++
	return nil
}

func TestParseSplitsNameAndArg(t *testing.T) {
	a := Parse("increase_font_size:1")
	assert.Equal(t, "increase_font_size", a.Name)
	assert.Equal(t, "1", a.Arg)
	assert.False(t, a.Local)
}

func TestParseLocalActionHasNoArg(t *testing.T) {
	a := Parse("_split_right")
	assert.Equal(t, "_split_right", a.Name)
	assert.Equal(t, "", a.Arg)
	assert.True(t, a.Local)
}

func TestDispatchRemoteActionForwardsViewAction(t *testing.T) {
	controller := tabs.NewController(nil)
	tab, panel := controller.CreateTab()
	sid := uint32(5)
	require.NoError(t, controller.BindPanel(panel.ID, sid))
	require.NoError(t, controller.SetActivePanel(tab.ID, panel.ID))

	sender := &fakeSender{}
	bus := New(controller, sender)
	bus.Dispatch("copy_to_clipboard")

	assert.Equal(t, 1, sender.calls)
	assert.Equal(t, sid, sender.serverID)
	assert.Equal(t, "copy_to_clipboard", sender.action)
}

func TestDispatchRemoteActionWithoutBoundPanelDrops(t *testing.T) {
	controller := tabs.NewController(nil)
	sender := &fakeSender{}
	bus := New(controller, sender)
	bus.Dispatch("copy_to_clipboard")
	assert.Equal(t, 0, sender.calls)
}

func TestDispatchUnknownLocalActionDrops(t *testing.T) {
	controller := tabs.NewController(nil)
	controller.CreateTab()
	bus := New(controller, &fakeSender{})
	bus.Dispatch("_not_a_real_action")
	// no panic, no crash: nothing to assert beyond "did not explode"
}

func TestDispatchNewTabInvokesCallback(t *testing.T) {
	controller := tabs.NewController(nil)
	bus := New(controller, &fakeSender{})
	called := false
	bus.OnNewTab = func() { called = true }
	bus.Dispatch("_new_tab")
	assert.True(t, called)
}

func TestDispatchZoomSplitTogglesAndCallsBack(t *testing.T) {
	controller := tabs.NewController(nil)
	tab, panel := controller.CreateTab()
	bus := New(controller, &fakeSender{})
	var gotTab, gotPanel string
	bus.OnZoomChanged = func(tabID, panelID string) { gotTab, gotPanel = tabID, panelID }

	bus.Dispatch("_zoom_split")
	assert.Equal(t, tab.ID, gotTab)
	assert.Equal(t, panel.ID, gotPanel)

	bus.Dispatch("_zoom_split")
	assert.Equal(t, "", gotPanel)
}

func TestDispatchToggleFullscreen(t *testing.T) {
	controller := tabs.NewController(nil)
	controller.CreateTab()
	bus := New(controller, &fakeSender{})
	var got bool
	bus.OnFullscreenChanged = func(fullscreen bool) { got = fullscreen }
	bus.Dispatch("_toggle_fullscreen")
	assert.True(t, got)
	bus.Dispatch("_toggle_fullscreen")
	assert.False(t, got)
}

func TestDispatchSplitRightCreatesNewPanel(t *testing.T) {
	controller := tabs.NewController(nil)
	tab, panel := controller.CreateTab()
	bus := New(controller, &fakeSender{})
	bus.Dispatch("_split_right")

	_, tree, ok := controller.ActiveTabAndTree()
	require.True(t, ok)
	assert.Len(t, tree.GetAllPanels(), 2)
	assert.Equal(t, tab.ID, tab.ID)
	_ = panel
}
