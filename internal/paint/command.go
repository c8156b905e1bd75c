// Package paint turns a laid-out box tree into bounded batches of draw
// commands. A frame never exceeds the governor's per-window command cap;
// oversized display lists are delivered across consecutive frames through
// a resume cursor, so progressive rendering drops nothing and repeats
// nothing.
package paint

import (
	"github.com/google/uuid"

	"github.com/xkilldash9x/wisp/internal/dom"
	"github.com/xkilldash9x/wisp/internal/layout"
	"github.com/xkilldash9x/wisp/internal/style"
)

// Op identifies a draw command type.
type Op uint8

const (
	// OpRect fills a rectangle with a solid color.
	OpRect Op = iota
	// OpText draws a text run at the given origin.
	OpText
	// OpImage draws a decoded image resource.
	OpImage
	// OpPlaceholder draws the box for an image that is pending or failed.
	OpPlaceholder
)

func (o Op) String() string {
	switch o {
	case OpRect:
		return "rect"
	case OpText:
		return "text"
	case OpImage:
		return "image"
	case OpPlaceholder:
		return "placeholder"
	default:
		return "unknown"
	}
}

// Command is one draw operation in viewport coordinates.
type Command struct {
	Op   Op          `json:"op"`
	Node dom.NodeID  `json:"node"`
	X    float64     `json:"x"`
	Y    float64     `json:"y"`
	W    float64     `json:"w"`
	H    float64     `json:"h"`
	Col  style.Color `json:"color,omitempty"`
	Text string      `json:"text,omitempty"`
	Size float64     `json:"size,omitempty"`
	URL  string      `json:"url,omitempty"`
}

// Batch is one frame's worth of commands for a page.
type Batch struct {
	Page     uuid.UUID `json:"page"`
	Seq      uint64    `json:"seq"`
	Commands []Command `json:"commands"`
	// Partial marks a frame cut short by the command cap; the remainder
	// follows in later frames.
	Partial bool `json:"partial"`
}

// BuildDisplayList flattens the visible portion of a box tree into paint
// order: each box's border, then its background, then its content, then its
// children.
func BuildDisplayList(root *layout.Box) []Command {
	var out []Command
	appendBox(&out, root)
	return out
}

func hasBorder(st style.Computed) bool {
	if st.BorderColor.A == 0 {
		return false
	}
	w := st.BorderWidth
	return w.Top > 0 || w.Right > 0 || w.Bottom > 0 || w.Left > 0
}

func appendBox(out *[]Command, b *layout.Box) {
	if b == nil || !b.Visible {
		return
	}
	sn := b.Style

	// The border fills the border box; the background fills the padding box
	// on top of it, leaving the border visible as a ring.
	if hasBorder(sn.Style) {
		border := b.Dims.BorderBox()
		*out = append(*out, Command{
			Op:   OpRect,
			Node: b.Node,
			X:    border.X, Y: border.Y, W: border.Width, H: border.Height,
			Col: sn.Style.BorderColor,
		})
	}

	if sn.Style.HasBackground {
		pad := b.Dims.PaddingBox()
		*out = append(*out, Command{
			Op:   OpRect,
			Node: b.Node,
			X:    pad.X, Y: pad.Y, W: pad.Width, H: pad.Height,
			Col: sn.Style.Background,
		})
	}

	switch {
	case sn.Kind == dom.NodeText:
		*out = append(*out, Command{
			Op:   OpText,
			Node: b.Node,
			X:    b.Dims.Content.X, Y: b.Dims.Content.Y,
			W: b.Dims.Content.Width, H: b.Dims.Content.Height,
			Col:  sn.Style.Color,
			Text: sn.Text,
			Size: sn.Style.FontSize,
		})

	case sn.Tag == "img":
		op := OpPlaceholder
		if sn.Resource == dom.ResourceReady {
			op = OpImage
		}
		*out = append(*out, Command{
			Op:   op,
			Node: b.Node,
			X:    b.Dims.Content.X, Y: b.Dims.Content.Y,
			W: b.Dims.Content.Width, H: b.Dims.Content.Height,
		})
	}

	for _, c := range b.Children {
		appendBox(out, c)
	}
}
