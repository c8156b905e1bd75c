// Package style resolves computed styles for a document snapshot. Styled
// nodes are immutable once built; recomputation replaces the affected
// subtree wholesale instead of patching values in place, so the layout
// engine can hold references without locking.
package style

import (
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wisp/internal/css"
	"github.com/xkilldash9x/wisp/internal/dom"
)

// userAgentSheet supplies defaults for common tags before any author
// stylesheet applies.
const userAgentSheet = `
html, body, div, p, h1, h2, h3, h4, h5, h6, ul, ol, li, section, header, footer, nav, article, aside, main { display: block; }
head, style, script, title, meta, link { display: none; }
body { margin: 8px; font-size: 16px; color: black; }
h1 { font-size: 32px; margin: 21px 0; }
h2 { font-size: 24px; margin: 19px 0; }
h3 { font-size: 19px; margin: 18px 0; }
p { margin: 16px 0; }
ul, ol { margin: 16px 0; padding: 0 0 0 40px; }
a { color: blue; }
`

// DefaultFontSize is the root font size in px.
const DefaultFontSize = 16.0

// Computed is the resolved style of one node after the cascade.
type Computed struct {
	Display       Display
	Color         Color
	Background    Color
	HasBackground bool
	BorderColor   Color
	BorderWidth   Edges
	Margin        Edges
	Padding       Edges
	FontSize      float64
	FontFamily    string
	Width         float64
	Height        float64
}

// inherited carries the properties that flow from parent to child.
type inherited struct {
	Color      Color
	FontSize   float64
	FontFamily string
}

func rootInherited() inherited {
	return inherited{
		Color:      Color{A: 255},
		FontSize:   DefaultFontSize,
		FontFamily: "sans-serif",
	}
}

// StyleNode pairs a document node with its computed style. Nodes form an
// immutable tree; a new resolve pass swaps in fresh nodes for dirty
// subtrees and reuses clean ones.
type StyleNode struct {
	Node     dom.NodeID
	Kind     dom.NodeKind
	Tag      string
	Text     string
	Resource dom.ResourceState
	Revision uint64
	Style    Computed
	Children []*StyleNode

	in       inherited
	sheetGen uint64
}

// Engine owns the stylesheet set and the resolve cache for one page.
type Engine struct {
	sheets   []css.Stylesheet
	sheetGen uint64
	cache    map[dom.NodeID]*StyleNode
	log      *zap.Logger
}

// NewEngine creates an engine preloaded with the user-agent sheet.
func NewEngine(logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sheets: []css.Stylesheet{css.NewParser(userAgentSheet).Parse()},
		cache:  make(map[dom.NodeID]*StyleNode),
		log:    logger.Named("style"),
	}
}

// AddStylesheet parses and appends an author sheet. All cached styles are
// invalidated since any rule may now match differently.
func (e *Engine) AddStylesheet(src string) {
	sheet := css.NewParser(src).Parse()
	e.sheets = append(e.sheets, sheet)
	e.sheetGen++
	e.log.Debug("author stylesheet added",
		zap.Int("rules", len(sheet.Rules)),
		zap.Uint64("generation", e.sheetGen))
}

// Resolve computes the styled tree for a snapshot. Subtrees whose document
// revision and inherited inputs are unchanged are reused from the previous
// pass, so a localized mutation rebuilds only its own ancestor chain.
func (e *Engine) Resolve(snap *dom.SnapshotNode) *StyleNode {
	if snap == nil {
		return nil
	}
	return e.resolve(snap, rootInherited())
}

func (e *Engine) resolve(snap *dom.SnapshotNode, in inherited) *StyleNode {
	if prev, ok := e.cache[snap.ID]; ok &&
		prev.Revision == snap.Revision &&
		prev.sheetGen == e.sheetGen &&
		prev.in == in {
		return prev
	}

	n := &StyleNode{
		Node:     snap.ID,
		Kind:     snap.Kind,
		Tag:      snap.Tag,
		Text:     snap.Text,
		Resource: snap.Resource,
		Revision: snap.Revision,
		in:       in,
		sheetGen: e.sheetGen,
	}

	switch snap.Kind {
	case dom.NodeElement:
		n.Style = e.computeElement(snap, in)
	default:
		// Text and comment nodes carry inherited values only.
		n.Style = Computed{
			Display:    DisplayInline,
			Color:      in.Color,
			FontSize:   in.FontSize,
			FontFamily: in.FontFamily,
			Width:      Auto,
			Height:     Auto,
		}
		if snap.Kind == dom.NodeComment {
			n.Style.Display = DisplayNone
		}
	}

	childIn := inherited{
		Color:      n.Style.Color,
		FontSize:   n.Style.FontSize,
		FontFamily: n.Style.FontFamily,
	}
	for i := range snap.Children {
		n.Children = append(n.Children, e.resolve(&snap.Children[i], childIn))
	}

	e.cache[snap.ID] = n
	return n
}

// candidate is one declaration with its cascade sort key.
type candidate struct {
	decl        css.Declaration
	specA       int
	specB       int
	specC       int
	sourceOrder int
}

func (e *Engine) computeElement(snap *dom.SnapshotNode, in inherited) Computed {
	var cands []candidate
	order := 0
	for _, sheet := range e.sheets {
		for _, rule := range sheet.Rules {
			for _, sel := range rule.Selectors {
				if !matches(sel, snap) {
					continue
				}
				a, b, c := sel.Specificity()
				for _, d := range rule.Declarations {
					cands = append(cands, candidate{decl: d, specA: a, specB: b, specC: c, sourceOrder: order})
					order++
				}
				break
			}
		}
	}

	// Inline style wins over any non-important sheet declaration.
	if inline, ok := snap.Attr("style"); ok {
		for _, d := range css.ParseDeclarations(inline) {
			cands = append(cands, candidate{decl: d, specA: 2, sourceOrder: order})
			order++
		}
	}

	// Ascending precedence; later applications overwrite earlier ones.
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.decl.Important != b.decl.Important {
			return !a.decl.Important
		}
		if a.specA != b.specA {
			return a.specA < b.specA
		}
		if a.specB != b.specB {
			return a.specB < b.specB
		}
		if a.specC != b.specC {
			return a.specC < b.specC
		}
		return a.sourceOrder < b.sourceOrder
	})

	return e.computeFromCascade(snap.Tag, cands, in)
}

// computeFromCascade applies the sorted declarations in order, so the last
// write to each field is the cascade winner. Shorthands and their longhands
// interleave correctly because application order is cascade order, never
// map iteration order.
func (e *Engine) computeFromCascade(tag string, cands []candidate, in inherited) Computed {
	out := Computed{
		Display:    defaultDisplay(tag),
		Color:      in.Color,
		FontSize:   in.FontSize,
		FontFamily: in.FontFamily,
		Width:      Auto,
		Height:     Auto,
	}

	// Font size first; other lengths resolve em units against it.
	for _, c := range cands {
		if c.decl.Property != "font-size" {
			continue
		}
		if fs := ParseLength(string(c.decl.Value), in.FontSize); !IsAuto(fs) && fs > 0 {
			out.FontSize = fs
		}
	}
	fs := out.FontSize

	for _, c := range cands {
		applyDeclaration(&out, c.decl.Property, string(c.decl.Value), fs)
	}
	return out
}

func applyDeclaration(out *Computed, prop css.Property, s string, fs float64) {
	switch prop {
	case "display":
		if d, ok := ParseDisplay(s); ok {
			out.Display = d
		}
	case "color":
		if c, ok := ParseColor(s); ok {
			out.Color = c
		}
	case "background", "background-color":
		if c, ok := ParseColor(s); ok {
			out.Background = c
			out.HasBackground = c.A > 0
		}
	case "border-color":
		if c, ok := ParseColor(s); ok {
			out.BorderColor = c
		}
	case "border-width":
		out.BorderWidth = ParseEdges(s, fs)
	case "margin":
		out.Margin = ParseEdges(s, fs)
	case "padding":
		out.Padding = ParseEdges(s, fs)
	case "margin-top":
		out.Margin.Top = lengthOrZero(s, fs)
	case "margin-right":
		out.Margin.Right = lengthOrZero(s, fs)
	case "margin-bottom":
		out.Margin.Bottom = lengthOrZero(s, fs)
	case "margin-left":
		out.Margin.Left = lengthOrZero(s, fs)
	case "padding-top":
		out.Padding.Top = lengthOrZero(s, fs)
	case "padding-right":
		out.Padding.Right = lengthOrZero(s, fs)
	case "padding-bottom":
		out.Padding.Bottom = lengthOrZero(s, fs)
	case "padding-left":
		out.Padding.Left = lengthOrZero(s, fs)
	case "font-family":
		out.FontFamily = s
	case "width":
		out.Width = ParseLength(s, fs)
	case "height":
		out.Height = ParseLength(s, fs)
	case "font-size":
		// handled before the main pass
	default:
		// Unknown properties are ignored, not errors.
	}
}

func lengthOrZero(v string, fontSize float64) float64 {
	l := ParseLength(v, fontSize)
	if IsAuto(l) {
		return 0
	}
	return l
}

// matches reports whether a simple selector matches an element snapshot.
func matches(sel css.Selector, snap *dom.SnapshotNode) bool {
	if sel.TagName != "" && sel.TagName != "*" && sel.TagName != snap.Tag {
		return false
	}
	if sel.ID != "" {
		id, ok := snap.Attr("id")
		if !ok || id != sel.ID {
			return false
		}
	}
	if len(sel.Classes) > 0 {
		classAttr, _ := snap.Attr("class")
		have := splitClasses(classAttr)
		for _, want := range sel.Classes {
			if _, ok := have[want]; !ok {
				return false
			}
		}
	}
	return true
}

func splitClasses(attr string) map[string]struct{} {
	out := make(map[string]struct{})
	start := -1
	for i := 0; i <= len(attr); i++ {
		if i < len(attr) && attr[i] != ' ' && attr[i] != '\t' && attr[i] != '\n' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			out[attr[start:i]] = struct{}{}
			start = -1
		}
	}
	return out
}

func defaultDisplay(tag string) Display {
	switch tag {
	case "html", "body", "div", "p", "h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "section", "header", "footer", "nav", "article",
		"aside", "main", "blockquote", "pre", "table", "form":
		return DisplayBlock
	case "head", "style", "script", "title", "meta", "link":
		return DisplayNone
	default:
		return DisplayInline
	}
}

// Evict drops cached entries for a subtree that was removed from the
// document, keeping the cache from pinning dead nodes.
func (e *Engine) Evict(ids ...dom.NodeID) {
	for _, id := range ids {
		delete(e.cache, id)
	}
}
