package tabs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerTitleMirroredOntoTab(t *testing.T) {
	c := NewController(nil)
	tab, panel := c.CreateTab()
	require.NoError(t, c.BindPanel(panel.ID, 42))

	c.SetPanelTitle(42, "vim ~/notes")
	assert.Equal(t, "vim ~/notes", panel.Title)
	assert.Equal(t, "vim ~/notes", tab.Title)

	c.SetPanelPwd(42, "/home/u/notes")
	assert.Equal(t, "/home/u/notes", panel.Pwd)

	// unknown server ids are ignored
	c.SetPanelTitle(99, "nope")
	assert.Equal(t, "vim ~/notes", tab.Title)
}
