// Package tabs implements TabController: the process-wide state machine for
// tabs, their split trees, LRU-ordered focus history, and reconciliation
// against server-authoritative layout snapshots.
package tabs

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/teamchong/termweb-sub002/internal/logging"
	"github.com/teamchong/termweb-sub002/internal/splittree"
)

// ErrNotFound is returned when an operation names an unknown tab or panel.
var ErrNotFound = errors.New("tabs: not found")

// Controller owns every Tab, the LRU tab-activation history, and the single
// process-wide active panel.
type Controller struct {
	mu sync.Mutex

	tabs map[string]*Tab
	lru  []string // most-recently-active last

	activeTabID   string
	activePanelID string

	// panelsByServerID lets reconciliation reuse the same local Panel object
	// (and its title/pwd) across successive layout snapshots.
	panelsByServerID map[uint32]*splittree.Panel

	emitter Emitter
}

// NewController builds an empty controller routed through emitter.
func NewController(emitter Emitter) *Controller {
	return &Controller{
		tabs:             make(map[string]*Tab),
		panelsByServerID: make(map[uint32]*splittree.Panel),
		emitter:          emitter,
	}
}

// ActiveTab returns the currently active tab, if any.
func (c *Controller) ActiveTab() (*Tab, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[c.activeTabID]
	return t, ok
}

// ActivePanelID returns the id of the single process-wide active panel.
func (c *Controller) ActivePanelID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePanelID, c.activePanelID != ""
}

// ActivePanelServerID returns the server id of the active panel, if it is
// bound. CommandBus uses this to address server-forwarded view actions.
func (c *Controller) ActivePanelServerID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tab := range c.tabs {
		for _, p := range tab.Tree.GetAllPanels() {
			if p.ID == c.activePanelID && p.ServerID != nil {
				return *p.ServerID, true
			}
		}
	}
	return 0, false
}

// ActiveTabAndTree returns the active tab's id and split tree, for
// operations that need direct tree access (select-in-direction, equalize).
func (c *Controller) ActiveTabAndTree() (string, *splittree.Tree, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tab, ok := c.tabs[c.activeTabID]
	if !ok {
		return "", nil, false
	}
	return tab.ID, tab.Tree, true
}

// EmptyState reports whether no tab is active (all tabs closed).
func (c *Controller) EmptyState() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeTabID == ""
}

// Tab looks up a tab by id.
func (c *Controller) Tab(id string) (*Tab, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[id]
	return t, ok
}

// CreateTab creates a new tab with a single tentative (unbound) panel and
// makes it active, appending the previously active tab to LRU history.
func (c *Controller) CreateTab() (*Tab, *splittree.Panel) {
	c.mu.Lock()
	defer c.mu.Unlock()

	panel := &splittree.Panel{ID: uuid.NewString()}
	tab := &Tab{ID: uuid.NewString(), Tree: splittree.NewTree(panel)}
	c.tabs[tab.ID] = tab
	c.activateLocked(tab.ID)
	c.setActivePanelLocked(panel.ID, nil)
	return tab, panel
}

// CloseTab tears down a tab. If it was active, the next active tab is the
// most-recent surviving entry of the LRU history; if
// none remain, the controller enters the empty state.
func (c *Controller) CloseTab(tabID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeTabLocked(tabID)
}

func (c *Controller) closeTabLocked(tabID string) {
	if _, ok := c.tabs[tabID]; !ok {
		return
	}
	delete(c.tabs, tabID)
	c.removeFromLRULocked(tabID)

	if c.activeTabID != tabID {
		return
	}
	c.activeTabID = ""
	c.activePanelID = ""
	for i := len(c.lru) - 1; i >= 0; i-- {
		if _, ok := c.tabs[c.lru[i]]; ok {
			c.activateLocked(c.lru[i])
			return
		}
	}
	// empty state: no surviving tab.
}

func (c *Controller) removeFromLRULocked(tabID string) {
	out := c.lru[:0]
	for _, id := range c.lru {
		if id != tabID {
			out = append(out, id)
		}
	}
	c.lru = out
}

// activateLocked switches the active tab, pushing the previously active one
// onto LRU history.
func (c *Controller) activateLocked(tabID string) {
	if c.activeTabID != "" && c.activeTabID != tabID {
		c.removeFromLRULocked(c.activeTabID)
		c.lru = append(c.lru, c.activeTabID)
	}
	c.activeTabID = tabID
}

// SetActiveTab switches the active tab by id.
func (c *Controller) SetActiveTab(tabID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tabs[tabID]; !ok {
		return ErrNotFound
	}
	c.activateLocked(tabID)
	return nil
}

// setActivePanelLocked sets the process-wide active panel and emits a
// focus_panel control message if the panel is server-bound.
func (c *Controller) setActivePanelLocked(panelID string, serverID *uint32) {
	c.activePanelID = panelID
	if serverID != nil && c.emitter != nil {
		c.emitter.FocusPanel(*serverID)
	}
}

// SetActivePanel sets the active panel within tabID.
func (c *Controller) SetActivePanel(tabID, panelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tab, ok := c.tabs[tabID]
	if !ok {
		return ErrNotFound
	}
	for _, p := range tab.Tree.GetAllPanels() {
		if p.ID == panelID {
			c.setActivePanelLocked(panelID, p.ServerID)
			return nil
		}
	}
	return ErrNotFound
}

// CreateLocalSplit inserts a new, locally tentative (unbound) panel next to
// fromPanelID in tabID, rendered immediately ahead of server confirmation
// (the "split creation latency" design). Returns the new panel.
func (c *Controller) CreateLocalSplit(tabID, fromPanelID string, dir splittree.SplitDir) (*splittree.Panel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tab, ok := c.tabs[tabID]
	if !ok {
		return nil, ErrNotFound
	}
	panel := &splittree.Panel{ID: uuid.NewString()}
	if err := tab.Tree.Split(fromPanelID, dir, panel); err != nil {
		return nil, err
	}
	return panel, nil
}

// BindPanel attaches a server-assigned id to a previously tentative local
// panel, wherever it lives, and registers it for snapshot reuse.
func (c *Controller) BindPanel(panelID string, serverID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tab := range c.tabs {
		for _, p := range tab.Tree.GetAllPanels() {
			if p.ID == panelID {
				p.ServerID = &serverID
				c.panelsByServerID[serverID] = p
				return nil
			}
		}
	}
	return ErrNotFound
}

// SetPanelTitle records a server-sent panel title and mirrors it onto the
// owning tab, which always displays its most recently retitled panel.
func (c *Controller) SetPanelTitle(serverID uint32, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.panelsByServerID[serverID]
	if !ok {
		return
	}
	p.Title = title
	for _, tab := range c.tabs {
		for _, tp := range tab.Tree.GetAllPanels() {
			if tp.ID == p.ID {
				tab.Title = title
				return
			}
		}
	}
}

// SetPanelPwd records a server-sent working directory for a panel.
func (c *Controller) SetPanelPwd(serverID uint32, pwd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.panelsByServerID[serverID]; ok {
		p.Pwd = pwd
	}
}

// RejectSplit undoes a tentative local split after the server refuses the
// corresponding CreatePanel.
func (c *Controller) RejectSplit(tabID, panelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tab, ok := c.tabs[tabID]
	if !ok {
		return ErrNotFound
	}
	if err := tab.Tree.Remove(panelID); err != nil {
		return err
	}
	logging.Logf(tabID, "split for panel %s rejected by server, rolled back", panelID)
	return nil
}

// ClosePanelByServerID removes the panel with the given server id from
// whichever tab holds it (panel_closed event). If it was its tab's sole
// leaf, the tab itself is closed.
func (c *Controller) ClosePanelByServerID(serverID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.panelsByServerID, serverID)
	for tabID, tab := range c.tabs {
		for _, p := range tab.Tree.GetAllPanels() {
			if p.ServerID != nil && *p.ServerID == serverID {
				if err := tab.Tree.Remove(p.ID); err != nil {
					// sole leaf: close the tab instead.
					c.closeTabLocked(tabID)
				}
				return
			}
		}
	}
}

// Reconcile applies a server layout snapshot as ground truth: tabs absent
// from the snapshot are torn down, tabs present are rebuilt (reusing Panel
// objects by ServerID so title/pwd survive), and active tab/panel follow
// the snapshot. An empty snapshot enters the empty state.
func (c *Controller) Reconcile(snap LayoutSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wanted := make(map[string]bool, len(snap.Tabs))
	for _, ts := range snap.Tabs {
		wanted[ts.ID] = true
	}
	for id := range c.tabs {
		if !wanted[id] {
			delete(c.tabs, id)
			c.removeFromLRULocked(id)
		}
	}

	for _, ts := range snap.Tabs {
		tree := c.buildTreeLocked(ts.Root)
		if tab, ok := c.tabs[ts.ID]; ok {
			tab.Tree = tree
		} else {
			c.tabs[ts.ID] = &Tab{ID: ts.ID, Tree: tree}
		}
	}

	if len(snap.Tabs) == 0 {
		c.activeTabID = ""
		c.activePanelID = ""
		return
	}

	if _, ok := c.tabs[snap.ActiveTabID]; ok {
		c.activateLocked(snap.ActiveTabID)
	}
	for _, ts := range snap.Tabs {
		if ts.ID != snap.ActiveTabID {
			continue
		}
		if p, ok := c.panelsByServerID[ts.ActivePanelID]; ok {
			c.activePanelID = p.ID
		}
	}
}

func (c *Controller) buildTreeLocked(root *NodeSnapshot) *splittree.Tree {
	node := c.buildNodeLocked(root)
	return &splittree.Tree{Root: node}
}

func (c *Controller) buildNodeLocked(ns *NodeSnapshot) *splittree.Node {
	if ns == nil {
		return nil
	}
	if ns.isLeaf() {
		panel, ok := c.panelsByServerID[ns.ServerID]
		if !ok {
			serverID := ns.ServerID
			panel = &splittree.Panel{ID: uuid.NewString(), ServerID: &serverID}
			c.panelsByServerID[ns.ServerID] = panel
		}
		return &splittree.Node{Leaf: panel}
	}
	return &splittree.Node{
		Dir:    ns.Dir,
		Ratio:  ns.Ratio,
		First:  c.buildNodeLocked(ns.First),
		Second: c.buildNodeLocked(ns.Second),
	}
}
