// Package commandbus maps stable action strings from keyboard, menu, or
// command-palette input onto either a local TabController operation or a
// server-bound view_action, in the style of control.Session's callback-based
// dispatch: callers wire behavior through func fields rather than through an
// interface hierarchy.
package commandbus

import (
	"strings"

	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/splittree"
	"github.com/teamchong/termweb-sub002/internal/tabs"
)

// ViewActionSender forwards a non-local action to the server on the active
// panel's serverId. Satisfied by *control.Session.
type ViewActionSender interface {
	ViewAction(serverID uint32, action string) error
}

// Action is a parsed command-bus invocation.
type Action struct {
	Name  string // without the ":arg" suffix
	Arg   string // empty if no suffix was present
	Local bool   // true if Name begins with "_"
}

// Parse splits a raw action string into name and optional ":"-suffixed
// argument, per the action-string grammar.
func Parse(raw string) Action {
	name, arg, _ := strings.Cut(raw, ":")
	return Action{Name: name, Arg: arg, Local: strings.HasPrefix(name, "_")}
}

type localHandler func(b *Bus, tabID string, tree *splittree.Tree, arg string)

// localHandlers is the finite, build-time-known enumeration of local
// actions. Unknown local actions are logged and dropped by Dispatch rather
// than by failing to appear here.
var localHandlers = map[string]localHandler{
	"_split_right":       func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.split(tabID, splittree.DirRight) },
	"_split_left":        func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.split(tabID, splittree.DirLeft) },
	"_split_up":          func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.split(tabID, splittree.DirUp) },
	"_split_down":        func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.split(tabID, splittree.DirDown) },
	"_select_split_left":  func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.selectDirection(tabID, tree, splittree.DirLeft) },
	"_select_split_right": func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.selectDirection(tabID, tree, splittree.DirRight) },
	"_select_split_up":    func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.selectDirection(tabID, tree, splittree.DirUp) },
	"_select_split_down":  func(b *Bus, tabID string, tree *splittree.Tree, arg string) { b.selectDirection(tabID, tree, splittree.DirDown) },
	"_equalize_splits": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		tree.Equalize()
	},
	"_new_tab": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		if b.OnNewTab != nil {
			b.OnNewTab()
		}
	},
	"_close": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		panelID, ok := b.controller.ActivePanelID()
		if !ok {
			return
		}
		if err := tree.Remove(panelID); err != nil {
			b.controller.CloseTab(tabID)
		}
	},
	"_close_tab": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		b.controller.CloseTab(tabID)
	},
	"_zoom_split": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		panelID, ok := b.controller.ActivePanelID()
		if !ok {
			return
		}
		b.zoomed[tabID] = toggleZoom(b.zoomed[tabID], panelID)
		if b.OnZoomChanged != nil {
			b.OnZoomChanged(tabID, b.zoomed[tabID])
		}
	},
	"_toggle_fullscreen": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		b.fullscreen = !b.fullscreen
		if b.OnFullscreenChanged != nil {
			b.OnFullscreenChanged(b.fullscreen)
		}
	},
	"_toggle_overview": func(b *Bus, tabID string, tree *splittree.Tree, arg string) {
		b.overviewOpen = !b.overviewOpen
		if b.OnOverviewChanged != nil {
			b.OnOverviewChanged(b.overviewOpen)
		}
	},
}

func toggleZoom(current, requested string) string {
	if current == requested {
		return ""
	}
	return requested
}

// Bus dispatches action strings. Callbacks for actions with no direct
// TabController equivalent follow control.Session's On*-func-field idiom.
type Bus struct {
	controller *tabs.Controller
	sender     ViewActionSender

	zoomed       map[string]string // tabID -> zoomed panelID, empty if unzoomed
	fullscreen   bool
	overviewOpen bool

	OnNewTab            func()
	OnZoomChanged       func(tabID, zoomedPanelID string)
	OnFullscreenChanged func(fullscreen bool)
	OnOverviewChanged   func(open bool)
}

// New builds a Bus routing local actions through controller and remote
// actions through sender.
func New(controller *tabs.Controller, sender ViewActionSender) *Bus {
	return &Bus{
		controller: controller,
		sender:     sender,
		zoomed:     make(map[string]string),
	}
}

func (b *Bus) split(tabID string, dir splittree.SplitDir) {
	panelID, ok := b.controller.ActivePanelID()
	if !ok {
		return
	}
	if _, err := b.controller.CreateLocalSplit(tabID, panelID, dir); err != nil {
		logging.Debugf(tabID, "commandbus: split failed: %v", err)
	}
}

func (b *Bus) selectDirection(tabID string, tree *splittree.Tree, dir splittree.SplitDir) {
	panelID, ok := b.controller.ActivePanelID()
	if !ok {
		return
	}
	area := tree.Layout(splittree.Rect{W: 1, H: 1})
	rect, ok := area[panelID]
	if !ok {
		return
	}
	next, ok := tree.SelectInDirection(panelID, dir, rect)
	if !ok {
		return
	}
	if err := b.controller.SetActivePanel(tabID, next); err != nil {
		logging.Debugf(tabID, "commandbus: select-in-direction failed: %v", err)
	}
}

// Dispatch parses and routes one action string. Unknown local actions and
// remote actions issued with no active bound panel are logged and dropped.
func (b *Bus) Dispatch(raw string) {
	action := Parse(raw)
	if !action.Local {
		serverID, ok := b.controller.ActivePanelServerID()
		if !ok {
			logging.Debugf(raw, "commandbus: no bound active panel for remote action %q", raw)
			return
		}
		if err := b.sender.ViewAction(serverID, raw); err != nil {
			logging.Errorf(raw, "commandbus: view_action %q failed: %v", raw, err)
		}
		return
	}

	handler, ok := localHandlers[action.Name]
	if !ok {
		logging.Logf(raw, "commandbus: unknown local action %q", action.Name)
		return
	}
	if action.Name == "_new_tab" {
		// the only local action with no active-tab precondition: it is what
		// creates the first tab.
		handler(b, "", nil, action.Arg)
		return
	}
	tabID, tree, ok := b.controller.ActiveTabAndTree()
	if !ok {
		logging.Debugf(raw, "commandbus: no active tab for local action %q", action.Name)
		return
	}
	handler(b, tabID, tree, action.Arg)
}
