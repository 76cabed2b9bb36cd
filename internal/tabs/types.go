package tabs

import "github.com/teamchong/termweb-sub002/internal/splittree"

// Tab is one top-level container: a title and a split tree of panels.
type Tab struct {
	ID    string
	Title string
	Tree  *splittree.Tree
}

// NodeSnapshot mirrors one node of a server-authoritative layout snapshot.
// A leaf has ServerID set and First/Second nil; a split has both children
// set and ServerID zero.
type NodeSnapshot struct {
	ServerID uint32 // 0 for split nodes
	Dir      splittree.Direction
	Ratio    float64
	First    *NodeSnapshot
	Second   *NodeSnapshot
}

func (n *NodeSnapshot) isLeaf() bool { return n.First == nil && n.Second == nil }

// TabSnapshot is one tab entry of a server layout_update.
type TabSnapshot struct {
	ID            string
	Root          *NodeSnapshot
	ActivePanelID uint32
}

// LayoutSnapshot is the full server-authoritative state TabController
// reconciles local tabs and trees against.
type LayoutSnapshot struct {
	Tabs        []TabSnapshot
	ActiveTabID string
}

// Emitter is the narrow ControlSession surface TabController needs: routing
// focus changes to the server.
type Emitter interface {
	FocusPanel(serverID uint32)
}
