package control

// Inbound binary event codes, first byte of every control-stream message
// that is not a textual JSON envelope.
const (
	EventPanelList         = 0x01
	EventPanelCreated      = 0x02
	EventPanelClosed       = 0x03
	EventPanelTitle        = 0x04
	EventPanelPwd          = 0x05
	EventPanelBell         = 0x06
	EventLayoutUpdate      = 0x07
	EventClipboard         = 0x08
	EventInspectorState    = 0x09
	EventAuthState         = 0x0A
	EventSessionList       = 0x0B
	EventShareLinks        = 0x0C
	EventPanelNotification = 0x0D
)

// PanelInfo is one entry of a panel_list event.
type PanelInfo struct {
	ServerID uint32
	Title    string
	Pwd      string
}

// Event is the decoded result of one inbound control message. Exactly one
// of the typed fields is meaningful, selected by Code; events this package
// does not model the payload of in detail carry it verbatim in Raw.
type Event struct {
	Code uint8

	PanelList    []PanelInfo
	ServerID     uint32
	Title        string
	Pwd          string
	LayoutUpdate LayoutUpdate
	Clipboard    string
	Authed       bool

	Raw []byte
}

// NodeWire mirrors tabs.NodeSnapshot for the wire form of a layout_update,
// kept decoupled from the tabs package so control has no dependency on it.
type NodeWire struct {
	ServerID uint32
	Dir      uint8 // 0 = horizontal, 1 = vertical
	Ratio    float64
	First    *NodeWire
	Second   *NodeWire
}

// TabWire is one tab entry of a layout_update payload.
type TabWire struct {
	ID            string
	Root          *NodeWire
	ActivePanelID uint32
}

// LayoutUpdate is the decoded payload of EventLayoutUpdate.
type LayoutUpdate struct {
	Tabs        []TabWire
	ActiveTabID string
}
