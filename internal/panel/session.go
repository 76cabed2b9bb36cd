// Package panel implements PanelSession, the per-panel wire endpoint: it
// owns the panel stream, encodes input events, and drives pause/resume and
// resize notifications.
package panel

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/frame"
	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/wire"
)

// State is PanelSession's lifecycle state.
type State int

// The panel session lifecycle: Idle -> Opening -> (CreatePending |
// ConnectPending) -> Streaming -> Paused <-> Streaming -> Closed.
const (
	StateIdle State = iota
	StateOpening
	StateCreatePending
	StateConnectPending
	StateStreaming
	StatePaused
	StateClosed
)

// Outbound message type codes.
const (
	msgCreatePanel     = 0x01
	msgConnectPanel    = 0x02
	msgKeyInput        = 0x10
	msgMouseInput      = 0x11
	msgMouseMove       = 0x12
	msgMouseScroll     = 0x13
	msgTextInput       = 0x14
	msgRequestKeyframe = 0x20
	msgPauseStream     = 0x21
	msgResumeStream    = 0x22
)

// Modifier bit flags, as carried in KeyInput/MouseInput/MouseMove/MouseScroll.
const (
	ModShift = 1 << 0
	ModCtrl  = 1 << 1
	ModAlt   = 1 << 2
	ModSuper = 1 << 3
)

// resizeDebounce is the stability window before a size change is reported.
const resizeDebounce = 16 * time.Millisecond

// Transport is the narrow byte-stream contract a Session drives; in
// production it is backed by a websocket connection dialed to the
// per-connection panel stream URL.
type Transport interface {
	Send(msg []byte) error
	Close() error
}

// Session is one panel's wire endpoint and frame decoder owner.
type Session struct {
	mu sync.Mutex

	transport Transport
	decoder   *frame.Decoder
	state     State

	lastW, lastH int
	resizeTimer  *time.Timer

	// OnResize is invoked (outside the lock) once a stable size change is
	// observed; ControlSession owns turning this into a resize_panel
	// control message.
	OnResize func(w, h int)
}

// NewSession wraps transport and decoder into a fresh, Idle session.
func NewSession(transport Transport, decoder *frame.Decoder) *Session {
	return &Session{transport: transport, decoder: decoder, state: StateIdle}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OpenCreate opens the stream for a brand-new panel (serverId unknown).
func (s *Session) OpenCreate(width, height uint16, scale float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return errors.Errorf("panel: OpenCreate called in state %v", s.state)
	}
	s.state = StateOpening
	msg := wire.NewWriter(9).Byte(msgCreatePanel).U16(width).U16(height).F32(scale).Build()
	if err := s.transport.Send(msg); err != nil {
		return err
	}
	s.state = StateCreatePending
	s.lastW, s.lastH = int(width), int(height)
	return nil
}

// OpenConnect opens the stream for a known server id (reattaching).
func (s *Session) OpenConnect(serverID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return errors.Errorf("panel: OpenConnect called in state %v", s.state)
	}
	s.state = StateOpening
	msg := wire.NewWriter(5).Byte(msgConnectPanel).U32(serverID).Build()
	if err := s.transport.Send(msg); err != nil {
		return err
	}
	s.state = StateConnectPending
	return nil
}

// MarkStreaming transitions CreatePending/ConnectPending -> Streaming once
// the server acknowledges (panel_created / first frame arrives).
func (s *Session) MarkStreaming() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateCreatePending || s.state == StateConnectPending {
		s.state = StateStreaming
	}
}

// HandleFrame forwards one panel-stream message to the frame decoder. It is
// a no-op while Paused, since the server is expected to stop sending frames
// once PauseStream has been acknowledged, but a late frame must not corrupt
// presented state.
func (s *Session) HandleFrame(msg []byte) error {
	s.mu.Lock()
	paused := s.state == StatePaused
	s.mu.Unlock()
	if paused {
		return nil
	}
	return s.decoder.Decode(msg)
}

func (s *Session) send(msg []byte) error {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return errors.New("panel: send on closed session")
	}
	return s.transport.Send(msg)
}

// SendKey encodes a KeyInput message. press=true for key-down.
func (s *Session) SendKey(press bool, mods byte, code, text string) error {
	action := byte(0)
	if press {
		action = 1
	}
	msg := wire.NewWriter(16).Byte(msgKeyInput).Byte(action).Byte(mods).StringU8(code).StringU8(text).Build()
	return s.send(msg)
}

// SendMouseButton encodes a MouseInput message.
func (s *Session) SendMouseButton(x, y float64, button, state, mods byte) error {
	msg := wire.NewWriter(27).Byte(msgMouseInput).F64(x).F64(y).Byte(button).Byte(state).Byte(mods).Build()
	return s.send(msg)
}

// SendMouseMove encodes a MouseMove message.
func (s *Session) SendMouseMove(x, y float64, mods byte) error {
	msg := wire.NewWriter(18).Byte(msgMouseMove).F64(x).F64(y).Byte(mods).Build()
	return s.send(msg)
}

// SendMouseScroll encodes a MouseScroll message.
func (s *Session) SendMouseScroll(x, y, dx, dy float64, mods byte) error {
	msg := wire.NewWriter(34).Byte(msgMouseScroll).F64(x).F64(y).F64(dx).F64(dy).Byte(mods).Build()
	return s.send(msg)
}

// SendText encodes a TextInput message (raw UTF-8, no length prefix).
func (s *Session) SendText(text string) error {
	msg := wire.NewWriter(1 + len(text)).Byte(msgTextInput).Bytes([]byte(text)).Build()
	return s.send(msg)
}

// RequestKeyframe asks the server to resend a full keyframe.
func (s *Session) RequestKeyframe() error {
	return s.send([]byte{msgRequestKeyframe})
}

// Pause suppresses rendering; input and control messages still flow.
func (s *Session) Pause() error {
	s.mu.Lock()
	if s.state == StateStreaming {
		s.state = StatePaused
	}
	s.mu.Unlock()
	return s.send([]byte{msgPauseStream})
}

// Resume leaves Paused and requests a fresh keyframe, per the visibility contract.
func (s *Session) Resume() error {
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateStreaming
	}
	s.mu.Unlock()
	if err := s.send([]byte{msgResumeStream}); err != nil {
		return err
	}
	return s.RequestKeyframe()
}

// OnVisibilityChange implements the visibility contract: becoming non-visible
// pauses the panel, becoming visible resumes and requests a keyframe.
func (s *Session) OnVisibilityChange(visible bool) error {
	if visible {
		return s.Resume()
	}
	return s.Pause()
}

// ReportSize debounces a size observation: only the last size reported
// within resizeDebounce of stability fires OnResize.
func (s *Session) ReportSize(w, h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w == s.lastW && h == s.lastH {
		return
	}
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.resizeTimer = time.AfterFunc(resizeDebounce, func() {
		s.mu.Lock()
		s.lastW, s.lastH = w, h
		cb := s.OnResize
		s.mu.Unlock()
		if cb != nil {
			cb(w, h)
		}
	})
}

// Close transitions to Closed and releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.resizeTimer != nil {
		s.resizeTimer.Stop()
	}
	s.state = StateClosed
	s.mu.Unlock()
	logging.Debugf(nil, "panel: session closed")
	return s.transport.Close()
}
