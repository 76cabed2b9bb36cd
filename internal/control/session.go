package control

import (
	"context"
	"sync"
	"time"

	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/metrics"
	"github.com/teamchong/termweb-sub002/internal/splittree"
	"github.com/teamchong/termweb-sub002/internal/tabs"
)

// maxReconnectBackoff caps control-stream reconnection at one attempt per second.
const maxReconnectBackoff = time.Second

// Transport is the control stream's byte-message transport (a websocket
// connection to /ws/control in production).
type Transport interface {
	Send(msg []byte) error
	Receive() ([]byte, error)
	Close() error
}

// Dialer opens a fresh Transport, used both for the initial connect and for
// every reconnection attempt.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// Session owns the control stream: it dispatches inbound events to callback
// handlers and encodes outbound control messages. On stream loss it
// reconnects with exponential backoff capped at maxReconnectBackoff; the
// server's first panel_list after reconnect is treated as authoritative.
type Session struct {
	mu        sync.Mutex
	dialer    Dialer
	transport Transport

	// Handlers. Any may be nil; Session.dispatch skips nil callbacks.
	OnPanelList         func([]PanelInfo)
	OnPanelCreated      func(serverID uint32)
	OnPanelClosed       func(serverID uint32)
	OnPanelTitle        func(serverID uint32, title string)
	OnPanelPwd          func(serverID uint32, pwd string)
	OnPanelBell         func(serverID uint32)
	OnLayoutUpdate      func(tabs.LayoutSnapshot)
	OnClipboard         func(text string)
	OnAuthState         func(authed bool)
	OnInspectorState    func(raw []byte)
	OnSessionList       func(raw []byte)
	OnShareLinks        func(raw []byte)
	OnPanelNotification func(raw []byte)
}

// NewSession builds a Session that will dial through dialer.
func NewSession(dialer Dialer) *Session {
	return &Session{dialer: dialer}
}

// FocusPanel implements tabs.Emitter.
func (s *Session) FocusPanel(serverID uint32) {
	_ = s.send(EncodeFocusPanel(serverID))
}

// ClosePanel sends close_panel.
func (s *Session) ClosePanel(serverID uint32) error {
	return s.send(EncodeClosePanel(serverID))
}

// ResizePanel sends resize_panel.
func (s *Session) ResizePanel(serverID uint32, w, h uint16) error {
	return s.send(EncodeResizePanel(serverID, w, h))
}

// ViewAction sends view_action, used by CommandBus for server-bound actions.
func (s *Session) ViewAction(serverID uint32, action string) error {
	return s.send(EncodeViewAction(serverID, action))
}

// InspectorSubscribe sends inspector_subscribe.
func (s *Session) InspectorSubscribe(panelID, tab string) error {
	return s.send(EncodeInspectorSubscribe(panelID, tab))
}

// InspectorUnsubscribe sends inspector_unsubscribe.
func (s *Session) InspectorUnsubscribe(panelID, tab string) error {
	return s.send(EncodeInspectorUnsubscribe(panelID, tab))
}

// SetOverviewOpen sends set_overview_open.
func (s *Session) SetOverviewOpen(open bool) error {
	return s.send(EncodeSetOverviewOpen(open))
}

func (s *Session) send(msg []byte) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return errNotConnected
	}
	return t.Send(msg)
}

// Connect dials the initial transport and starts the receive loop.
func (s *Session) Connect(ctx context.Context) error {
	t, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	go s.receiveLoop(ctx)
	return nil
}

func (s *Session) receiveLoop(ctx context.Context) {
	backoff := 50 * time.Millisecond
	for {
		s.mu.Lock()
		t := s.transport
		s.mu.Unlock()
		if t == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := s.reconnect(ctx); err != nil {
				backoff = nextBackoff(backoff)
				continue
			}
			backoff = 50 * time.Millisecond
			continue
		}

		msg, err := t.Receive()
		if err != nil {
			logging.Errorf(nil, "control: stream closed: %v", err)
			s.mu.Lock()
			s.transport = nil
			s.mu.Unlock()
			continue
		}
		ev, err := Decode(msg)
		if err != nil {
			logging.Errorf(nil, "control: protocol error, dropping message: %v", err)
			continue
		}
		s.dispatch(ev)
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxReconnectBackoff {
		return maxReconnectBackoff
	}
	return next
}

func (s *Session) reconnect(ctx context.Context) error {
	t, err := s.dialer.Dial(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	metrics.ControlReconnects.Inc()
	logging.Logf(nil, "control: reconnected")
	return nil
}

func (s *Session) dispatch(ev Event) {
	switch ev.Code {
	case EventPanelList:
		if s.OnPanelList != nil {
			s.OnPanelList(ev.PanelList)
		}
	case EventPanelCreated:
		if s.OnPanelCreated != nil {
			s.OnPanelCreated(ev.ServerID)
		}
	case EventPanelClosed:
		if s.OnPanelClosed != nil {
			s.OnPanelClosed(ev.ServerID)
		}
	case EventPanelTitle:
		if s.OnPanelTitle != nil {
			s.OnPanelTitle(ev.ServerID, ev.Title)
		}
	case EventPanelPwd:
		if s.OnPanelPwd != nil {
			s.OnPanelPwd(ev.ServerID, ev.Pwd)
		}
	case EventPanelBell:
		if s.OnPanelBell != nil {
			s.OnPanelBell(ev.ServerID)
		}
	case EventLayoutUpdate:
		if s.OnLayoutUpdate != nil {
			s.OnLayoutUpdate(ToSnapshot(ev.LayoutUpdate))
		}
	case EventClipboard:
		if s.OnClipboard != nil {
			s.OnClipboard(ev.Clipboard)
		}
	case EventAuthState:
		if s.OnAuthState != nil {
			s.OnAuthState(ev.Authed)
		}
	case EventInspectorState:
		if s.OnInspectorState != nil {
			s.OnInspectorState(ev.Raw)
		}
	case EventSessionList:
		if s.OnSessionList != nil {
			s.OnSessionList(ev.Raw)
		}
	case EventShareLinks:
		if s.OnShareLinks != nil {
			s.OnShareLinks(ev.Raw)
		}
	case EventPanelNotification:
		if s.OnPanelNotification != nil {
			s.OnPanelNotification(ev.Raw)
		}
	}
}

// ToSnapshot converts the wire-level layout_update payload into the shape
// TabController reconciles against.
func ToSnapshot(lu LayoutUpdate) tabs.LayoutSnapshot {
	snap := tabs.LayoutSnapshot{ActiveTabID: lu.ActiveTabID}
	for _, tw := range lu.Tabs {
		snap.Tabs = append(snap.Tabs, tabs.TabSnapshot{
			ID:            tw.ID,
			Root:          toNodeSnapshot(tw.Root),
			ActivePanelID: tw.ActivePanelID,
		})
	}
	return snap
}

func toNodeSnapshot(n *NodeWire) *tabs.NodeSnapshot {
	if n == nil {
		return nil
	}
	if n.First == nil && n.Second == nil {
		return &tabs.NodeSnapshot{ServerID: n.ServerID}
	}
	dir := splittree.Horizontal
	if n.Dir == 1 {
		dir = splittree.Vertical
	}
	return &tabs.NodeSnapshot{
		Dir:    dir,
		Ratio:  n.Ratio,
		First:  toNodeSnapshot(n.First),
		Second: toNodeSnapshot(n.Second),
	}
}
