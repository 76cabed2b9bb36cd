package control

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/wire"
)

// Decode parses one inbound control-stream message. Both textual JSON
// (leading '{') and binary (leading type byte) forms are accepted; where an
// event is defined in both forms binary takes precedence, but a given
// message is only ever one or the other.
func Decode(msg []byte) (Event, error) {
	if len(msg) == 0 {
		return Event{}, errors.New("control: empty message")
	}
	if msg[0] == '{' {
		return decodeJSON(msg)
	}
	return decodeBinary(msg)
}

func decodeJSON(msg []byte) (Event, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		return Event{}, errors.Wrap(err, "control: invalid JSON event")
	}
	var ev Event
	switch envelope.Type {
	case "panel_created":
		var p struct {
			ServerID uint32 `json:"serverId"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventPanelCreated, ServerID: p.ServerID}
	case "panel_closed":
		var p struct {
			ServerID uint32 `json:"serverId"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventPanelClosed, ServerID: p.ServerID}
	case "panel_title":
		var p struct {
			ServerID uint32 `json:"serverId"`
			Title    string `json:"title"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventPanelTitle, ServerID: p.ServerID, Title: p.Title}
	case "panel_pwd":
		var p struct {
			ServerID uint32 `json:"serverId"`
			Pwd      string `json:"pwd"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventPanelPwd, ServerID: p.ServerID, Pwd: p.Pwd}
	case "panel_bell":
		var p struct {
			ServerID uint32 `json:"serverId"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventPanelBell, ServerID: p.ServerID}
	case "clipboard":
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventClipboard, Clipboard: p.Text}
	case "auth_state":
		var p struct {
			Authenticated bool `json:"authenticated"`
		}
		_ = json.Unmarshal(msg, &p)
		ev = Event{Code: EventAuthState, Authed: p.Authenticated}
	default:
		ev = Event{Code: 0xFF, Raw: msg}
	}
	return ev, nil
}

func decodeBinary(msg []byte) (Event, error) {
	code := msg[0]
	r := wire.NewReader(msg[1:])

	switch code {
	case EventPanelList:
		count, err := r.U32()
		if err != nil {
			return Event{}, err
		}
		list := make([]PanelInfo, 0, count)
		for i := uint32(0); i < count; i++ {
			serverID, err := r.U32()
			if err != nil {
				return Event{}, err
			}
			title, err := r.StringU16()
			if err != nil {
				return Event{}, err
			}
			pwd, err := r.StringU16()
			if err != nil {
				return Event{}, err
			}
			list = append(list, PanelInfo{ServerID: serverID, Title: title, Pwd: pwd})
		}
		return Event{Code: code, PanelList: list}, nil

	case EventPanelCreated, EventPanelClosed, EventPanelBell:
		serverID, err := r.U32()
		if err != nil {
			return Event{}, err
		}
		return Event{Code: code, ServerID: serverID}, nil

	case EventPanelTitle:
		serverID, err := r.U32()
		if err != nil {
			return Event{}, err
		}
		title, err := r.StringU16()
		if err != nil {
			return Event{}, err
		}
		return Event{Code: code, ServerID: serverID, Title: title}, nil

	case EventPanelPwd:
		serverID, err := r.U32()
		if err != nil {
			return Event{}, err
		}
		pwd, err := r.StringU16()
		if err != nil {
			return Event{}, err
		}
		return Event{Code: code, ServerID: serverID, Pwd: pwd}, nil

	case EventLayoutUpdate:
		lu, err := decodeLayoutUpdate(r)
		if err != nil {
			return Event{}, err
		}
		return Event{Code: code, LayoutUpdate: lu}, nil

	case EventClipboard:
		text, err := r.StringU16()
		if err != nil {
			return Event{}, err
		}
		return Event{Code: code, Clipboard: text}, nil

	case EventAuthState:
		b, err := r.Byte()
		if err != nil {
			return Event{}, err
		}
		return Event{Code: code, Authed: b != 0}, nil

	case EventInspectorState, EventSessionList, EventShareLinks, EventPanelNotification:
		return Event{Code: code, Raw: r.Rest()}, nil

	default:
		return Event{}, errors.Errorf("control: unknown event code 0x%02X", code)
	}
}

func decodeLayoutUpdate(r *wire.Reader) (LayoutUpdate, error) {
	var lu LayoutUpdate
	tabCount, err := r.U16()
	if err != nil {
		return lu, err
	}
	for i := uint16(0); i < tabCount; i++ {
		id, err := r.StringU16()
		if err != nil {
			return lu, err
		}
		node, err := decodeNode(r)
		if err != nil {
			return lu, err
		}
		activePanelID, err := r.U32()
		if err != nil {
			return lu, err
		}
		lu.Tabs = append(lu.Tabs, TabWire{ID: id, Root: node, ActivePanelID: activePanelID})
	}
	activeTabID, err := r.StringU16()
	if err != nil {
		return lu, err
	}
	lu.ActiveTabID = activeTabID
	return lu, nil
}

func decodeNode(r *wire.Reader) (*NodeWire, error) {
	isLeaf, err := r.Byte()
	if err != nil {
		return nil, err
	}
	if isLeaf != 0 {
		serverID, err := r.U32()
		if err != nil {
			return nil, err
		}
		return &NodeWire{ServerID: serverID}, nil
	}
	dir, err := r.Byte()
	if err != nil {
		return nil, err
	}
	ratio, err := r.F64()
	if err != nil {
		return nil, err
	}
	first, err := decodeNode(r)
	if err != nil {
		return nil, err
	}
	second, err := decodeNode(r)
	if err != nil {
		return nil, err
	}
	return &NodeWire{Dir: dir, Ratio: ratio, First: first, Second: second}, nil
}
