// Package splittree implements the per-tab binary split tree: leaves hold
// panels, internal nodes hold a direction and ratio. Parent links are never
// stored (see design note on weak back-references); every operation that
// needs to walk upward re-descends from the tree root.
package splittree

import (
	"math"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when an operation names a panel absent from the tree.
var ErrNotFound = errors.New("splittree: panel not found")

// ErrSoleLeaf is returned by Remove when the removed panel was the tree's
// only leaf; the caller must close the owning tab instead of calling Remove again.
var ErrSoleLeaf = errors.New("splittree: removing the tree's sole leaf")

// Tree is one tab's split tree. It is not safe for concurrent use; the
// owning TabController serializes access the same way every other
// single-threaded-cooperative component does.
type Tree struct {
	Root *Node
}

// NewTree builds a single-leaf tree around the given panel.
func NewTree(p *Panel) *Tree {
	return &Tree{Root: &Node{Leaf: p}}
}

// GetAllPanels returns every panel reachable from the root, in-order.
func (t *Tree) GetAllPanels() []*Panel {
	var out []*Panel
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if n.IsLeaf() {
			out = append(out, n.Leaf)
			return
		}
		walk(n.First)
		walk(n.Second)
	}
	walk(t.Root)
	return out
}

// nodePtr returns a pointer to the field holding the node that is, or
// contains, the target panel, so the caller can reassign it in place; and
// the pointer to the field holding its parent (nil at the root). This
// mirrors finding a mutable slot without maintaining parent back-pointers.
func nodePtr(slot **Node, panelID string) (target, parent **Node) {
	n := *slot
	if n == nil {
		return nil, nil
	}
	if n.IsLeaf() {
		if n.Leaf.ID == panelID {
			return slot, nil
		}
		return nil, nil
	}
	if t, p := nodePtr(&n.First, panelID); t != nil {
		if p == nil {
			return t, slot
		}
		return t, p
	}
	if t, p := nodePtr(&n.Second, panelID); t != nil {
		if p == nil {
			return t, slot
		}
		return t, p
	}
	return nil, nil
}

// FindContainer returns the innermost Split whose subtree contains panelID,
// or nil if the panel is the tree's sole leaf (no enclosing split exists).
func (t *Tree) FindContainer(panelID string) *Node {
	_, parent := nodePtr(&t.Root, panelID)
	if parent == nil {
		return nil
	}
	return *parent
}

// Split replaces the leaf holding target with a Split node of the
// orientation implied by dir, with a 0.5 ratio, and inserts newPanel as the
// new leaf on the side dir names.
func (t *Tree) Split(targetPanelID string, dir SplitDir, newPanel *Panel) error {
	slot, _ := nodePtr(&t.Root, targetPanelID)
	if slot == nil {
		return ErrNotFound
	}
	oldLeaf := *slot
	newLeaf := &Node{Leaf: newPanel}

	split := &Node{Dir: dir.orientation(), Ratio: 0.5}
	if dir == DirUp || dir == DirLeft {
		split.First, split.Second = newLeaf, oldLeaf
	} else {
		split.First, split.Second = oldLeaf, newLeaf
	}
	*slot = split
	return nil
}

// Remove removes the leaf holding panelID, collapsing its enclosing split by
// replacing it with the sibling subtree. If panelID is the tree's only leaf,
// ErrSoleLeaf is returned and the tree is left untouched; the caller is
// responsible for closing the owning tab.
func (t *Tree) Remove(panelID string) error {
	target, parent := nodePtr(&t.Root, panelID)
	if target == nil {
		return ErrNotFound
	}
	if parent == nil {
		return ErrSoleLeaf
	}
	parentNode := *parent
	var sibling *Node
	if parentNode.First == *target {
		sibling = parentNode.Second
	} else {
		sibling = parentNode.First
	}
	*parent = sibling
	return nil
}

func countLeaves(n *Node) int {
	if n == nil {
		return 0
	}
	if n.IsLeaf() {
		return 1
	}
	return countLeaves(n.First) + countLeaves(n.Second)
}

// Equalize recursively sets every Split's ratio to the proportion of leaves
// on its first side.
func (t *Tree) Equalize() {
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil || n.IsLeaf() {
			return
		}
		walk(n.First)
		walk(n.Second)
		fl, sl := countLeaves(n.First), countLeaves(n.Second)
		if fl+sl > 0 {
			n.Ratio = clampRatio(float64(fl) / float64(fl+sl))
		}
	}
	walk(t.Root)
}

// ResizeSplit adjusts the ratio of the nearest ancestor of panelID whose
// orientation matches dir, by deltaRatio (positive grows the first side),
// clamped to [MinRatio, MaxRatio]. It returns ErrNotFound if no such split
// exists in the ancestor chain.
func (t *Tree) ResizeSplit(panelID string, dir SplitDir, deltaRatio float64) error {
	chain := ancestorChain(t.Root, panelID)
	orientation := dir.orientation()
	for i := len(chain) - 1; i >= 0; i-- {
		if chain[i].Dir == orientation {
			chain[i].Ratio = clampRatio(chain[i].Ratio + deltaRatio)
			return nil
		}
	}
	return ErrNotFound
}

// ancestorChain returns the path of Split nodes from root to (but excluding)
// the leaf holding panelID, root-first. Empty if panelID is not found or is
// the sole leaf.
func ancestorChain(n *Node, panelID string) []*Node {
	if n == nil || n.IsLeaf() {
		return nil
	}
	if contains(n.First, panelID) {
		return append([]*Node{n}, ancestorChain(n.First, panelID)...)
	}
	if contains(n.Second, panelID) {
		return append([]*Node{n}, ancestorChain(n.Second, panelID)...)
	}
	return nil
}

func contains(n *Node, panelID string) bool {
	if n == nil {
		return false
	}
	if n.IsLeaf() {
		return n.Leaf.ID == panelID
	}
	return contains(n.First, panelID) || contains(n.Second, panelID)
}

// Layout computes the rendered rectangle of every leaf given the tab's
// content area, recursively splitting along each node's direction and ratio.
func (t *Tree) Layout(area Rect) map[string]Rect {
	out := make(map[string]Rect)
	var walk func(n *Node, r Rect)
	walk = func(n *Node, r Rect) {
		if n == nil {
			return
		}
		if n.IsLeaf() {
			out[n.Leaf.ID] = r
			return
		}
		if n.Dir == Horizontal {
			firstW := r.W * n.Ratio
			walk(n.First, Rect{r.X, r.Y, firstW, r.H})
			walk(n.Second, Rect{r.X + firstW, r.Y, r.W - firstW, r.H})
		} else {
			firstH := r.H * n.Ratio
			walk(n.First, Rect{r.X, r.Y, r.W, firstH})
			walk(n.Second, Rect{r.X, r.Y + firstH, r.W, r.H - firstH})
		}
	}
	walk(t.Root, area)
	return out
}

// SelectInDirection chooses the leaf geometrically adjacent to fromPanelID
// in dir: the rectangle on the correct side with the greatest perpendicular
// overlap, ties broken by the closer centroid distance.
func (t *Tree) SelectInDirection(fromPanelID string, dir SplitDir, area Rect) (string, bool) {
	rects := t.Layout(area)
	from, ok := rects[fromPanelID]
	if !ok {
		return "", false
	}

	type candidate struct {
		id       string
		overlap  float64
		distance float64
	}
	var best *candidate

	fromCx, fromCy := from.X+from.W/2, from.Y+from.H/2

	for id, r := range rects {
		if id == fromPanelID {
			continue
		}
		var adjacent bool
		var overlap float64
		switch dir {
		case DirLeft:
			adjacent = r.X+r.W <= from.X+1e-6
			overlap = verticalOverlap(from, r)
		case DirRight:
			adjacent = r.X >= from.X+from.W-1e-6
			overlap = verticalOverlap(from, r)
		case DirUp:
			adjacent = r.Y+r.H <= from.Y+1e-6
			overlap = horizontalOverlap(from, r)
		case DirDown:
			adjacent = r.Y >= from.Y+from.H-1e-6
			overlap = horizontalOverlap(from, r)
		}
		if !adjacent || overlap <= 0 {
			continue
		}
		cx, cy := r.X+r.W/2, r.Y+r.H/2
		dist := math.Hypot(cx-fromCx, cy-fromCy)
		cand := candidate{id: id, overlap: overlap, distance: dist}
		if best == nil || cand.overlap > best.overlap ||
			(cand.overlap == best.overlap && cand.distance < best.distance) {
			best = &cand
		}
	}
	if best == nil {
		return "", false
	}
	return best.id, true
}

func verticalOverlap(a, b Rect) float64 {
	top := math.Max(a.Y, b.Y)
	bottom := math.Min(a.Y+a.H, b.Y+b.H)
	return bottom - top
}

func horizontalOverlap(a, b Rect) float64 {
	left := math.Max(a.X, b.X)
	right := math.Min(a.X+a.W, b.X+b.W)
	return right - left
}

// DragDivider live-updates a split node's ratio while the user drags its
// divider, clamped to bounds. Callers coalesce to one update per animation
// frame.
func (t *Tree) DragDivider(node *Node, ratio float64) {
	node.Ratio = clampRatio(ratio)
}

// WellFormed checks the structural invariant: every Split has two non-nil
// children, and owned contains exactly the reachable leaves (set
// equality, order-independent).
func (t *Tree) WellFormed(owned map[string]bool) bool {
	reachable := make(map[string]bool)
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		if n == nil {
			return false
		}
		if n.IsLeaf() {
			reachable[n.Leaf.ID] = true
			return true
		}
		if n.First == nil || n.Second == nil {
			return false
		}
		return walk(n.First) && walk(n.Second)
	}
	if !walk(t.Root) {
		return false
	}
	if len(reachable) != len(owned) {
		return false
	}
	for id := range owned {
		if !reachable[id] {
			return false
		}
	}
	return true
}
