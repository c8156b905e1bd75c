package dom

import (
	"fmt"

	"github.com/xkilldash9x/wisp/api/schemas"
)

// SnapshotNode is one node of an immutable subtree view. The layout engine
// consumes snapshots so it never observes a concurrent mutation mid-walk.
type SnapshotNode struct {
	ID       NodeID
	Kind     NodeKind
	Tag      string
	Attrs    []Attribute
	Text     string
	Revision uint64
	Resource ResourceState
	Children []SnapshotNode
}

// Attr returns the value of the named attribute, if present.
func (n *SnapshotNode) Attr(key string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Snapshot returns an immutable deep copy of the subtree rooted at id.
// Fails with ErrInvalidReference for unknown or detached nodes.
func (d *Document) Snapshot(id NodeID) (*SnapshotNode, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, err := d.attachedNode(id); err != nil {
		return nil, err
	}
	snap := d.snapshotLocked(id)
	return &snap, nil
}

func (d *Document) snapshotLocked(id NodeID) SnapshotNode {
	n := &d.nodes[id]
	snap := SnapshotNode{
		ID:       id,
		Kind:     n.kind,
		Tag:      n.tag,
		Text:     n.text,
		Revision: n.revision,
		Resource: n.resource,
	}
	if len(n.attrs) > 0 {
		snap.Attrs = make([]Attribute, len(n.attrs))
		copy(snap.Attrs, n.attrs)
	}
	for _, c := range n.children {
		snap.Children = append(snap.Children, d.snapshotLocked(c))
	}
	return snap
}

// Kind returns the node kind.
func (d *Document) Kind(id NodeID) (NodeKind, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return 0, fmt.Errorf("node %d: %w", id, schemas.ErrInvalidReference)
	}
	return d.nodes[id].kind, nil
}

// Tag returns the element tag name, or "" for non-elements.
func (d *Document) Tag(id NodeID) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return ""
	}
	return d.nodes[id].tag
}

// Text returns the node's text content.
func (d *Document) Text(id NodeID) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return ""
	}
	return d.nodes[id].text
}

// Attr returns the value of the named attribute on an element.
func (d *Document) Attr(id NodeID, key string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return "", false
	}
	for _, a := range d.nodes[id].attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// Parent returns the parent of id, or InvalidNode for the root.
func (d *Document) Parent(id NodeID) NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return InvalidNode
	}
	return d.nodes[id].parent
}

// Children returns a copy of the ordered child list of id.
func (d *Document) Children(id NodeID) []NodeID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return nil
	}
	out := make([]NodeID, len(d.nodes[id].children))
	copy(out, d.nodes[id].children)
	return out
}

// Resource returns the resource state and URL recorded on id.
func (d *Document) Resource(id NodeID) (ResourceState, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.valid(id) {
		return ResourceNone, ""
	}
	return d.nodes[id].resource, d.nodes[id].resourceURL
}
