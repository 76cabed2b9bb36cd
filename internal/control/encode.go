package control

import "github.com/teamchong/termweb-sub002/internal/wire"

// Outbound control message type codes. Binary framing is used uniformly
// for symmetry with every other stream in the system.
const (
	outFocusPanel            = 0x40
	outClosePanel             = 0x41
	outResizePanel            = 0x42
	outViewAction             = 0x43
	outInspectorSubscribe     = 0x44
	outInspectorUnsubscribe   = 0x45
	outSetOverviewOpen        = 0x46
)

// EncodeFocusPanel builds a focus_panel control message.
func EncodeFocusPanel(serverID uint32) []byte {
	return wire.NewWriter(5).Byte(outFocusPanel).U32(serverID).Build()
}

// EncodeClosePanel builds a close_panel control message.
func EncodeClosePanel(serverID uint32) []byte {
	return wire.NewWriter(5).Byte(outClosePanel).U32(serverID).Build()
}

// EncodeResizePanel builds a resize_panel(serverId, w, h) control message.
func EncodeResizePanel(serverID uint32, w, h uint16) []byte {
	return wire.NewWriter(9).Byte(outResizePanel).U32(serverID).U16(w).U16(h).Build()
}

// EncodeViewAction builds a view_action(serverId, action) control message.
func EncodeViewAction(serverID uint32, action string) []byte {
	return wire.NewWriter(7 + len(action)).Byte(outViewAction).U32(serverID).StringU16(action).Build()
}

// EncodeInspectorSubscribe builds an inspector_subscribe(panelId[, tab])
// control message; tab may be empty.
func EncodeInspectorSubscribe(panelID, tab string) []byte {
	return wire.NewWriter(8 + len(panelID) + len(tab)).Byte(outInspectorSubscribe).StringU16(panelID).StringU16(tab).Build()
}

// EncodeInspectorUnsubscribe builds an inspector_unsubscribe(panelId[, tab]) control message.
func EncodeInspectorUnsubscribe(panelID, tab string) []byte {
	return wire.NewWriter(8 + len(panelID) + len(tab)).Byte(outInspectorUnsubscribe).StringU16(panelID).StringU16(tab).Build()
}

// EncodeSetOverviewOpen builds a set_overview_open(bool) control message.
func EncodeSetOverviewOpen(open bool) []byte {
	b := byte(0)
	if open {
		b = 1
	}
	return wire.NewWriter(2).Byte(outSetOverviewOpen).Byte(b).Build()
}
