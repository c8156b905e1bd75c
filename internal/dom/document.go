// Package dom owns the parsed document tree for a loaded page. It is pure
// data: nodes live in an arena and reference each other by stable NodeID
// indices, so the style and layout trees can point at them without cycles.
// Every mutation records a dirty-region notification consumed by the layout
// engine in production order.
package dom

import (
	"fmt"
	"sync"

	"github.com/xkilldash9x/wisp/api/schemas"
)

// NodeID is a stable arena index identifying one node for the lifetime of
// the page. IDs are never reused while the document is alive.
type NodeID int32

// InvalidNode is the zero-value-adjacent sentinel for "no node".
const InvalidNode NodeID = -1

// NodeKind discriminates the node variants.
type NodeKind uint8

const (
	NodeElement NodeKind = iota
	NodeText
	NodeComment
)

func (k NodeKind) String() string {
	switch k {
	case NodeElement:
		return "element"
	case NodeText:
		return "text"
	case NodeComment:
		return "comment"
	default:
		return "unknown"
	}
}

// Attribute is a single element attribute.
type Attribute struct {
	Key string
	Val string
}

// ResourceState tracks an external resource referenced by a node (image,
// stylesheet). Unresolved references render as placeholders.
type ResourceState uint8

const (
	ResourceNone ResourceState = iota
	ResourcePending
	ResourceReady
	ResourceUnresolved
)

// node is the arena representation. Parent owns children by index.
type node struct {
	kind     NodeKind
	tag      string
	attrs    []Attribute
	text     string
	parent   NodeID
	children []NodeID
	revision uint64
	attached bool

	resource    ResourceState
	resourceURL string
}

// MutationKind discriminates the supported document changes.
type MutationKind uint8

const (
	// MutationSetText replaces the text content of a text or comment node.
	MutationSetText MutationKind = iota
	// MutationSetAttribute sets or replaces one attribute of an element.
	MutationSetAttribute
	// MutationAppendChild attaches a detached node as the last child.
	MutationAppendChild
	// MutationRemoveChild detaches a child subtree.
	MutationRemoveChild
)

// Mutation describes one change applied via ApplyMutation.
type Mutation struct {
	Kind  MutationKind
	Text  string
	Attr  Attribute
	Child NodeID
}

// DirtyRegion identifies a subtree whose cached style/layout output no
// longer reflects document state.
type DirtyRegion struct {
	Node     NodeID
	Revision uint64
}

// Document is the arena-backed DOM tree for one page.
type Document struct {
	mu       sync.RWMutex
	nodes    []node
	root     NodeID
	revision uint64

	dirty    []DirtyRegion
	detached []NodeID
	signal   chan struct{}
}

// NewDocument creates an empty document with a root element.
func NewDocument() *Document {
	d := &Document{
		root:   InvalidNode,
		signal: make(chan struct{}, 1),
	}
	d.root = d.newNode(node{kind: NodeElement, tag: "html", parent: InvalidNode, attached: true})
	return d
}

// Root returns the document root.
func (d *Document) Root() NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// Len returns the number of nodes ever allocated in the arena.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

func (d *Document) newNode(n node) NodeID {
	id := NodeID(len(d.nodes))
	d.nodes = append(d.nodes, n)
	return id
}

// CreateElement allocates a detached element node.
func (d *Document) CreateElement(tag string, attrs ...Attribute) NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newNode(node{kind: NodeElement, tag: tag, attrs: attrs, parent: InvalidNode})
}

// CreateText allocates a detached text node.
func (d *Document) CreateText(text string) NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newNode(node{kind: NodeText, text: text, parent: InvalidNode})
}

// CreateComment allocates a detached comment node.
func (d *Document) CreateComment(text string) NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newNode(node{kind: NodeComment, text: text, parent: InvalidNode})
}

func (d *Document) valid(id NodeID) bool {
	return id >= 0 && int(id) < len(d.nodes)
}

// attachedNode returns the node if it exists and is attached to the tree.
func (d *Document) attachedNode(id NodeID) (*node, error) {
	if !d.valid(id) {
		return nil, fmt.Errorf("node %d: %w", id, schemas.ErrInvalidReference)
	}
	n := &d.nodes[id]
	if !n.attached {
		return nil, fmt.Errorf("node %d is detached: %w", id, schemas.ErrInvalidReference)
	}
	return n, nil
}

// ApplyMutation mutates the tree and enqueues a dirty-region notification
// for the affected subtree. It fails with ErrInvalidReference when the
// target does not exist or has already been detached.
func (d *Document) ApplyMutation(id NodeID, m Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	n, err := d.attachedNode(id)
	if err != nil {
		return err
	}

	switch m.Kind {
	case MutationSetText:
		if n.kind == NodeElement {
			return fmt.Errorf("set text on element node %d: %w", id, schemas.ErrInvalidReference)
		}
		n.text = m.Text

	case MutationSetAttribute:
		if n.kind != NodeElement {
			return fmt.Errorf("set attribute on non-element node %d: %w", id, schemas.ErrInvalidReference)
		}
		replaced := false
		for i := range n.attrs {
			if n.attrs[i].Key == m.Attr.Key {
				n.attrs[i].Val = m.Attr.Val
				replaced = true
				break
			}
		}
		if !replaced {
			n.attrs = append(n.attrs, m.Attr)
		}

	case MutationAppendChild:
		if !d.valid(m.Child) {
			return fmt.Errorf("child %d: %w", m.Child, schemas.ErrInvalidReference)
		}
		child := &d.nodes[m.Child]
		if child.attached {
			return fmt.Errorf("child %d already attached: %w", m.Child, schemas.ErrInvalidReference)
		}
		child.parent = id
		d.attachSubtree(m.Child)
		n.children = append(n.children, m.Child)

	case MutationRemoveChild:
		idx := -1
		for i, c := range n.children {
			if c == m.Child {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("node %d has no child %d: %w", id, m.Child, schemas.ErrInvalidReference)
		}
		n.children = append(n.children[:idx], n.children[idx+1:]...)
		d.detachSubtree(m.Child)

	default:
		return fmt.Errorf("unknown mutation kind %d: %w", m.Kind, schemas.ErrInvalidReference)
	}

	d.markDirtyLocked(id)
	return nil
}

func (d *Document) attachSubtree(id NodeID) {
	n := &d.nodes[id]
	n.attached = true
	for _, c := range n.children {
		d.attachSubtree(c)
	}
}

func (d *Document) detachSubtree(id NodeID) {
	n := &d.nodes[id]
	n.attached = false
	n.parent = InvalidNode
	d.detached = append(d.detached, id)
	for _, c := range n.children {
		d.detachSubtree(c)
	}
}

// markDirtyLocked bumps revisions up the ancestor chain and records the
// dirty region. Callers hold d.mu.
func (d *Document) markDirtyLocked(id NodeID) {
	d.revision++
	for cur := id; cur != InvalidNode; cur = d.nodes[cur].parent {
		d.nodes[cur].revision = d.revision
	}
	d.dirty = append(d.dirty, DirtyRegion{Node: id, Revision: d.revision})
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// TakeDirty drains pending dirty-region notifications in production order.
func (d *Document) TakeDirty() []DirtyRegion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.dirty
	d.dirty = nil
	return out
}

// TakeDetached drains the IDs of nodes removed from the tree since the last
// call, so downstream caches can evict them.
func (d *Document) TakeDetached() []NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.detached
	d.detached = nil
	return out
}

// DirtySignal is closed-over by the layout loop to wake on new mutations.
func (d *Document) DirtySignal() <-chan struct{} {
	return d.signal
}

// Revision returns the document-wide mutation counter.
func (d *Document) Revision() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.revision
}

// NodeRevision returns the revision of one node.
func (d *Document) NodeRevision(id NodeID) (uint64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return 0, fmt.Errorf("node %d: %w", id, schemas.ErrInvalidReference)
	}
	return d.nodes[id].revision, nil
}

// MarkResourcePending records that a node references an external resource
// that has been scheduled for fetch.
func (d *Document) MarkResourcePending(id NodeID, url string) error {
	return d.setResource(id, ResourcePending, url)
}

// MarkResourceReady records resource arrival and dirties the node so layout
// can replace its placeholder.
func (d *Document) MarkResourceReady(id NodeID) error {
	return d.setResource(id, ResourceReady, "")
}

// MarkResourceUnresolved records a terminally failed fetch. The node keeps
// rendering as a placeholder; the page never blocks on it.
func (d *Document) MarkResourceUnresolved(id NodeID) error {
	return d.setResource(id, ResourceUnresolved, "")
}

func (d *Document) setResource(id NodeID, state ResourceState, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.attachedNode(id)
	if err != nil {
		return err
	}
	n.resource = state
	if url != "" {
		n.resourceURL = url
	}
	d.markDirtyLocked(id)
	return nil
}
