// Package forwardstar implements an ordered rooted tree stored as adjacency
// arrays: node i's children are toNode[firstLink[i]:firstLink[i+1]].
package forwardstar

import (
	"fmt"
	"iter"

	"github.com/cognicore/xmlflat/pkg/xmlflat/internalerr"
)

// ambiguous marks a caption that names more than one node in the index.
const ambiguous = -1

// Data is the persisted form of a ForwardStar.
type Data[C comparable] struct {
	NodeCaption  []C   `json:"node_caption"`
	FirstLink    []int `json:"first_link"`
	ToNode       []int `json:"to_node"`
	NumLinks     int   `json:"num_links"`
	NumNodes     int   `json:"num_nodes"`
	SelectedNode int   `json:"selected_node"`
}

// ForwardStar is a rooted tree over nodes identified by captions.
// Node 0 is the root. It is not safe for concurrent mutation.
type ForwardStar[C comparable] struct {
	nodeCaption  []C
	firstLink    []int
	toNode       []int
	numLinks     int
	numNodes     int
	selectedNode int
	index        map[C]int
}

// New creates a tree holding only the root node.
func New[C comparable](root C) *ForwardStar[C] {
	return &ForwardStar[C]{
		nodeCaption:  []C{root},
		firstLink:    []int{0, 0},
		numNodes:     1,
		selectedNode: -1,
		index:        map[C]int{root: 0},
	}
}

// FromData builds a tree from its persisted form.
func FromData[C comparable](d Data[C]) (*ForwardStar[C], error) {
	f := &ForwardStar[C]{}
	if err := f.LoadFromData(d); err != nil {
		return nil, err
	}
	return f, nil
}

// NumNodes returns the number of nodes including the root.
func (f *ForwardStar[C]) NumNodes() int { return f.numNodes }

// NumLinks returns the number of parent/child links.
func (f *ForwardStar[C]) NumLinks() int { return f.numLinks }

// Caption returns the caption of node i.
func (f *ForwardStar[C]) Caption(i int) C { return f.nodeCaption[i] }

// Root returns the caption of the root node.
func (f *ForwardStar[C]) Root() C { return f.nodeCaption[0] }

// Children returns the node indices of i's children in insertion order.
func (f *ForwardStar[C]) Children(i int) []int {
	out := make([]int, f.firstLink[i+1]-f.firstLink[i])
	copy(out, f.toNode[f.firstLink[i]:f.firstLink[i+1]])
	return out
}

// NodeIndex resolves a caption to its node index.
func (f *ForwardStar[C]) NodeIndex(caption C) (int, error) {
	node, ok := f.index[caption]
	if !ok {
		return -1, fmt.Errorf("node caption %v: %w", caption, internalerr.ErrNotFound)
	}
	if node == ambiguous {
		return -1, fmt.Errorf("node caption %v is not unique: %w", caption, internalerr.ErrAmbiguousCaption)
	}
	return node, nil
}

// AddChild appends a new node captioned child as the last child of parent.
func (f *ForwardStar[C]) AddChild(parent, child C) error {
	from, err := f.NodeIndex(parent)
	if err != nil {
		return fmt.Errorf("add child %v: %w", child, err)
	}
	f.selectedNode = from
	node := f.newNode(child)
	f.addLink(from, node)
	return nil
}

func (f *ForwardStar[C]) newNode(caption C) int {
	f.firstLink = append(f.firstLink, f.firstLink[f.numNodes])
	f.nodeCaption = append(f.nodeCaption, caption)
	if _, exists := f.index[caption]; exists {
		f.index[caption] = ambiguous
	} else {
		f.index[caption] = f.numNodes
	}
	node := f.numNodes
	f.numNodes++
	return node
}

// addLink inserts to as the last child of from, shifting later links right.
func (f *ForwardStar[C]) addLink(from, to int) {
	pos := f.firstLink[from+1]
	f.toNode = append(f.toNode, 0)
	copy(f.toNode[pos+1:], f.toNode[pos:f.numLinks])
	f.toNode[pos] = to
	f.numLinks++

	for i := from + 1; i <= f.numNodes; i++ {
		f.firstLink[i]++
	}
}

// FindParent returns the parent of node and the link index pointing at it,
// or (-1, -1) for the root.
func (f *ForwardStar[C]) FindParent(node int) (parent, link int) {
	for p := 0; p < f.numNodes; p++ {
		for l := f.firstLink[p]; l < f.firstLink[p+1]; l++ {
			if f.toNode[l] == node {
				return p, l
			}
		}
	}
	return -1, -1
}

// FindParentByCaption returns the caption of the parent of the named node.
// ok is false for the root.
func (f *ForwardStar[C]) FindParentByCaption(caption C) (parent C, ok bool, err error) {
	node, err := f.NodeIndex(caption)
	if err != nil {
		return parent, false, err
	}
	p, _ := f.FindParent(node)
	if p < 0 {
		return parent, false, nil
	}
	return f.nodeCaption[p], true, nil
}

// VisitNodeDescendants yields (parent, child) caption pairs of the subtree
// rooted at caption in depth-first pre-order. The start node itself is
// never yielded as a child.
func (f *ForwardStar[C]) VisitNodeDescendants(caption C) (iter.Seq2[C, C], error) {
	start, err := f.NodeIndex(caption)
	if err != nil {
		return nil, err
	}
	return f.descendants(start), nil
}

// VisitTree yields every (parent, child) pair from the root.
func (f *ForwardStar[C]) VisitTree() iter.Seq2[C, C] {
	return f.descendants(0)
}

func (f *ForwardStar[C]) descendants(start int) iter.Seq2[C, C] {
	return func(yield func(C, C) bool) {
		type frame struct{ node, parent int }
		stack := []frame{{start, start}}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.node != top.parent {
				if !yield(f.nodeCaption[top.parent], f.nodeCaption[top.node]) {
					return
				}
			}
			for l := f.firstLink[top.node+1] - 1; l >= f.firstLink[top.node]; l-- {
				stack = append(stack, frame{f.toNode[l], top.node})
			}
		}
	}
}

// VisitNodeAncestors yields (parent, node) caption pairs walking from
// caption up to the root.
func (f *ForwardStar[C]) VisitNodeAncestors(caption C) (iter.Seq2[C, C], error) {
	start, err := f.NodeIndex(caption)
	if err != nil {
		return nil, err
	}
	return func(yield func(C, C) bool) {
		node := start
		for {
			parent, _ := f.FindParent(node)
			if parent < 0 {
				return
			}
			if !yield(f.nodeCaption[parent], f.nodeCaption[node]) {
				return
			}
			node = parent
		}
	}, nil
}

// ExportData copies the tree into its persisted form.
func (f *ForwardStar[C]) ExportData() Data[C] {
	return Data[C]{
		NodeCaption:  append([]C(nil), f.nodeCaption...),
		FirstLink:    append([]int(nil), f.firstLink...),
		ToNode:       append([]int{}, f.toNode...),
		NumLinks:     f.numLinks,
		NumNodes:     f.numNodes,
		SelectedNode: f.selectedNode,
	}
}

// LoadFromData replaces the tree with a copy of d.
func (f *ForwardStar[C]) LoadFromData(d Data[C]) error {
	loaded := ForwardStar[C]{
		nodeCaption:  append([]C(nil), d.NodeCaption...),
		firstLink:    append([]int(nil), d.FirstLink...),
		toNode:       append([]int{}, d.ToNode...),
		numLinks:     d.NumLinks,
		numNodes:     d.NumNodes,
		selectedNode: d.SelectedNode,
		index:        make(map[C]int, len(d.NodeCaption)),
	}
	for i, c := range loaded.nodeCaption {
		if _, exists := loaded.index[c]; exists {
			loaded.index[c] = ambiguous
		} else {
			loaded.index[c] = i
		}
	}
	if err := loaded.Check(); err != nil {
		return fmt.Errorf("load forward star: %w", err)
	}
	*f = loaded
	return nil
}

// Check verifies the adjacency-array invariants.
func (f *ForwardStar[C]) Check() error {
	switch {
	case f.numNodes < 1:
		return fmt.Errorf("tree without root: %w", internalerr.ErrInvalidInput)
	case len(f.nodeCaption) != f.numNodes:
		return fmt.Errorf("%d captions for %d nodes: %w", len(f.nodeCaption), f.numNodes, internalerr.ErrInvalidInput)
	case len(f.firstLink) != f.numNodes+1:
		return fmt.Errorf("%d first links for %d nodes: %w", len(f.firstLink), f.numNodes, internalerr.ErrInvalidInput)
	case len(f.toNode) != f.numLinks:
		return fmt.Errorf("%d to nodes for %d links: %w", len(f.toNode), f.numLinks, internalerr.ErrInvalidInput)
	case f.firstLink[0] != 0 || f.firstLink[f.numNodes] != f.numLinks:
		return fmt.Errorf("first link bounds [%d, %d]: %w", f.firstLink[0], f.firstLink[f.numNodes], internalerr.ErrInvalidInput)
	}
	for i := 1; i < len(f.firstLink); i++ {
		if f.firstLink[i] < f.firstLink[i-1] {
			return fmt.Errorf("first link decreases at %d: %w", i, internalerr.ErrInvalidInput)
		}
	}
	for l, to := range f.toNode {
		if to <= 0 || to >= f.numNodes {
			return fmt.Errorf("link %d points at node %d: %w", l, to, internalerr.ErrInvalidInput)
		}
	}
	return nil
}
