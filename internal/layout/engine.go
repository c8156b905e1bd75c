// Package layout computes box geometry for a styled document tree. The
// engine is incremental: clean subtrees are reused from the previous pass
// (shifted when earlier content changed height), and dirty subtrees that
// sit entirely below the look-ahead region keep their stale geometry until
// scrolling brings them near the viewport.
//
// The flow model is deliberately narrow. Blocks stack vertically; inline
// content is laid out as stacked line boxes rather than a full inline
// formatting context.
package layout

import (
	"math"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wisp/api/schemas"
	"github.com/xkilldash9x/wisp/internal/config"
	"github.com/xkilldash9x/wisp/internal/dom"
	"github.com/xkilldash9x/wisp/internal/style"
)

const (
	// DefaultLineHeight multiplies the font size for text line boxes.
	DefaultLineHeight = 1.2
	// averageGlyphWidth approximates text advance as a font size fraction.
	averageGlyphWidth = 0.5

	// Replaced element fallback size when neither style nor markup give one.
	DefaultReplacedWidth  = 300.0
	DefaultReplacedHeight = 150.0
)

// Box is one node of the layout tree.
type Box struct {
	Node  dom.NodeID
	Style *style.StyleNode
	Dims  Dimensions

	Children []*Box

	// Visible means the border box intersects the look-ahead region.
	Visible bool
	// Stale means the box was dirty but offscreen, so its geometry still
	// reflects the previous content.
	Stale bool
	// Version is the pass number that last recomputed this box's content.
	Version uint64

	// hasStale marks a subtree that still contains deferred boxes, which
	// blocks wholesale reuse so the deferral is re-evaluated every pass.
	hasStale bool
}

func (b *Box) deferred() bool { return b.Stale || b.hasStale }

// Engine lays out styled trees against a scrollable viewport.
type Engine struct {
	cfg    config.LayoutConfig
	log    *zap.Logger
	pass   uint64
	scroll float64

	boxes map[dom.NodeID]*Box
	next  map[dom.NodeID]*Box
	root  *Box
}

// NewEngine creates a layout engine for the configured viewport.
func NewEngine(cfg config.LayoutConfig, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:   cfg,
		log:   logger.Named("layout"),
		boxes: make(map[dom.NodeID]*Box),
	}
}

// SetScroll moves the viewport to the given document y offset.
func (e *Engine) SetScroll(y float64) {
	if y < 0 {
		y = 0
	}
	e.scroll = y
}

// Scroll returns the current viewport offset.
func (e *Engine) Scroll() float64 { return e.scroll }

// Viewport returns the viewport rectangle in document coordinates.
func (e *Engine) Viewport() Rect {
	return Rect{X: 0, Y: e.scroll, Width: e.cfg.ViewportWidth, Height: e.cfg.ViewportHeight}
}

// lookAhead returns the viewport expanded by the look-ahead margin.
func (e *Engine) lookAhead() Rect {
	return e.Viewport().Grow(e.cfg.LookAheadMargin)
}

// Root returns the box tree from the last Recompute, if any.
func (e *Engine) Root() *Box { return e.root }

// BoxFor returns the current box for a document node, if it generated one.
func (e *Engine) BoxFor(id dom.NodeID) (*Box, bool) {
	b, ok := e.boxes[id]
	return b, ok
}

// Pass returns the current layout pass number.
func (e *Engine) Pass() uint64 { return e.pass }

// Recompute lays out the styled tree and returns the new root box. Subtrees
// whose style node is unchanged since the previous pass keep their geometry
// version; only repositioning is applied.
func (e *Engine) Recompute(styled *style.StyleNode) *Box {
	if styled == nil {
		e.root = nil
		e.boxes = make(map[dom.NodeID]*Box)
		return nil
	}
	e.pass++
	e.next = make(map[dom.NodeID]*Box, len(e.boxes))

	cb := Rect{X: 0, Y: 0, Width: e.cfg.ViewportWidth, Height: math.Inf(1)}
	root := e.layoutNode(styled, cb, 0)

	e.boxes = e.next
	e.next = nil
	e.root = root

	if root != nil {
		e.markVisibility(root, e.lookAhead())
	}
	return root
}

// Classify maps box geometry to a fetch priority tier.
func (e *Engine) Classify(d Dimensions) schemas.FetchPriority {
	border := d.BorderBox()
	switch {
	case border.Intersects(e.Viewport()):
		return schemas.PriorityVisible
	case border.Intersects(e.lookAhead()):
		return schemas.PriorityNearViewport
	default:
		return schemas.PriorityBackground
	}
}

func (e *Engine) layoutNode(sn *style.StyleNode, cb Rect, cursorY float64) *Box {
	if sn.Style.Display == style.DisplayNone {
		return nil
	}
	if sn.Kind == dom.NodeText && strings.TrimSpace(sn.Text) == "" {
		return nil
	}

	st := sn.Style
	contentX := cb.X + st.Margin.Left + st.BorderWidth.Left + st.Padding.Left
	contentY := cursorY + st.Margin.Top + st.BorderWidth.Top + st.Padding.Top

	width := st.Width
	if style.IsAuto(width) {
		width = cb.Width - st.Margin.Left - st.Margin.Right -
			st.BorderWidth.Left - st.BorderWidth.Right -
			st.Padding.Left - st.Padding.Right
		if width < 0 {
			width = 0
		}
	}

	if prev, ok := e.boxes[sn.Node]; ok {
		if prev.Style == sn && !prev.deferred() && prev.Dims.Content.Width == width {
			// Clean subtree. Shift into place if earlier content moved.
			dy := contentY - prev.Dims.Content.Y
			dx := contentX - prev.Dims.Content.X
			if dx != 0 || dy != 0 {
				translate(prev, dx, dy)
			}
			e.adopt(prev)
			return prev
		}
		if prev.Style != sn {
			// Dirty subtree. When it sits entirely below the look-ahead
			// region, keep the stale geometry and defer the real work.
			staleTop := cursorY + st.Margin.Top
			if staleTop > e.lookAhead().Y+e.lookAhead().Height {
				dy := contentY - prev.Dims.Content.Y
				dx := contentX - prev.Dims.Content.X
				if dx != 0 || dy != 0 {
					translate(prev, dx, dy)
				}
				prev.Stale = true
				e.adopt(prev)
				return prev
			}
		}
	}

	box := &Box{
		Node:    sn.Node,
		Style:   sn,
		Version: e.pass,
		Dims: Dimensions{
			Content: Rect{X: contentX, Y: contentY, Width: width},
			Padding: st.Padding,
			Border:  st.BorderWidth,
			Margin:  st.Margin,
		},
	}

	switch {
	case sn.Kind == dom.NodeText:
		box.Dims.Content.Width, box.Dims.Content.Height = measureText(sn.Text, st.FontSize, width)

	case sn.Tag == "img":
		w, h := width, st.Height
		if style.IsAuto(st.Width) {
			w = DefaultReplacedWidth
		}
		if style.IsAuto(h) {
			h = DefaultReplacedHeight
		}
		box.Dims.Content.Width = w
		box.Dims.Content.Height = h

	default:
		childCB := box.Dims.Content
		childCursor := contentY
		for _, child := range sn.Children {
			cbox := e.layoutNode(child, childCB, childCursor)
			if cbox == nil {
				continue
			}
			box.Children = append(box.Children, cbox)
			childCursor = cbox.Dims.MarginBox().Y + cbox.Dims.MarginBox().Height
			if cbox.deferred() {
				box.hasStale = true
			}
		}
		if style.IsAuto(st.Height) {
			box.Dims.Content.Height = childCursor - contentY
		} else {
			box.Dims.Content.Height = st.Height
		}
	}

	e.adopt(box)
	return box
}

// adopt records a box (and its subtree when reused wholesale) in the map
// for the next pass.
func (e *Engine) adopt(b *Box) {
	e.next[b.Node] = b
	for _, c := range b.Children {
		if e.next[c.Node] == nil {
			e.adopt(c)
		}
	}
}

func translate(b *Box, dx, dy float64) {
	b.Dims.Content.X += dx
	b.Dims.Content.Y += dy
	for _, c := range b.Children {
		translate(c, dx, dy)
	}
}

func (e *Engine) markVisibility(b *Box, region Rect) {
	b.Visible = b.Dims.BorderBox().Intersects(region)
	for _, c := range b.Children {
		e.markVisibility(c, region)
	}
}

// measureText approximates a text run as wrapped line boxes.
func measureText(text string, fontSize, maxWidth float64) (w, h float64) {
	runes := float64(len([]rune(strings.TrimSpace(text))))
	if runes == 0 {
		return 0, 0
	}
	advance := runes * fontSize * averageGlyphWidth
	lineHeight := fontSize * DefaultLineHeight
	if maxWidth <= 0 {
		return advance, lineHeight
	}
	lines := math.Ceil(advance / maxWidth)
	if lines < 1 {
		lines = 1
	}
	if lines == 1 {
		return advance, lineHeight
	}
	return maxWidth, lines * lineHeight
}
