package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamchong/termweb-sub002/internal/tabs"
)

func TestDecodePanelTitleBinary(t *testing.T) {
	// [code][serverId:4][titleLen:2]["bash"]
	msg := []byte{EventPanelTitle, 7, 0, 0, 0, 4, 0, 'b', 'a', 's', 'h'}
	ev, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, uint8(EventPanelTitle), ev.Code)
	assert.Equal(t, uint32(7), ev.ServerID)
	assert.Equal(t, "bash", ev.Title)
}

func TestDecodeJSONForm(t *testing.T) {
	ev, err := Decode([]byte(`{"type":"panel_bell","serverId":9}`))
	require.NoError(t, err)
	assert.Equal(t, uint8(EventPanelBell), ev.Code)
	assert.Equal(t, uint32(9), ev.ServerID)
}

func TestDispatchLayoutUpdate(t *testing.T) {
	s := NewSession(nil)
	var gotActiveTab string
	s.OnLayoutUpdate = func(snap tabs.LayoutSnapshot) {
		gotActiveTab = snap.ActiveTabID
	}
	s.dispatch(Event{
		Code: EventLayoutUpdate,
		LayoutUpdate: LayoutUpdate{
			ActiveTabID: "t1",
			Tabs:        []TabWire{{ID: "t1", Root: &NodeWire{ServerID: 1}}},
		},
	})
	assert.Equal(t, "t1", gotActiveTab)
}

func TestToSnapshotConversion(t *testing.T) {
	lu := LayoutUpdate{
		ActiveTabID: "t1",
		Tabs: []TabWire{
			{ID: "t1", Root: &NodeWire{ServerID: 1}, ActivePanelID: 1},
		},
	}
	snap := ToSnapshot(lu)
	assert.Equal(t, "t1", snap.ActiveTabID)
	require.Len(t, snap.Tabs, 1)
	assert.Equal(t, uint32(1), snap.Tabs[0].Root.ServerID)
}

func TestNextBackoffCapsAtOneSecond(t *testing.T) {
	d := 900 * time.Millisecond
	for i := 0; i < 5; i++ {
		d = nextBackoff(d)
	}
	assert.Equal(t, maxReconnectBackoff, d)
}
