// Package css parses the stylesheet subset the pipeline understands:
// rule sets with tag/#id/.class selector groups and declaration blocks,
// including !important and comment handling. Full CSS conformance is out
// of scope; unknown constructs are skipped, never fatal.
package css

import (
	"fmt"
	"strings"
)

// Property is a CSS property name (e.g. "display").
type Property string

// Value is a raw CSS value (e.g. "none", "10px").
type Value string

// Declaration is a single property: value pair.
type Declaration struct {
	Property  Property
	Value     Value
	Important bool
}

// Selector is a simple selector: optional tag, optional #id, classes.
type Selector struct {
	TagName string
	ID      string
	Classes []string
}

// Specificity returns the (id, class, tag) counts used by the cascade.
func (s Selector) Specificity() (a, b, c int) {
	if s.ID != "" {
		a = 1
	}
	b = len(s.Classes)
	if s.TagName != "" && s.TagName != "*" {
		c = 1
	}
	return a, b, c
}

// IsValid reports whether the selector has at least one component.
func (s Selector) IsValid() bool {
	return s.TagName != "" || s.ID != "" || len(s.Classes) > 0
}

// Rule is one rule set: a comma-separated selector group and its block.
type Rule struct {
	Selectors    []Selector
	Declarations []Declaration
}

// Stylesheet is a parsed sheet in source order.
type Stylesheet struct {
	Rules []Rule
}

// Parser holds parse state over one input sheet.
type Parser struct {
	input string
	pos   int
}

// NewParser returns a parser for the given CSS text.
func NewParser(input string) *Parser {
	return &Parser{input: input}
}

// Parse builds a Stylesheet. Malformed rules are skipped.
func (p *Parser) Parse() Stylesheet {
	var rules []Rule
	for {
		p.consumeWhitespace()
		if p.eof() {
			break
		}
		if p.startsWith("/*") {
			p.skipComment()
			continue
		}
		if p.current() == '@' {
			p.skipAtRule()
			continue
		}

		selectors := p.parseSelectorGroup()
		if len(selectors) == 0 {
			p.skipTo('{')
			if !p.eof() {
				p.skipBlock()
			}
			continue
		}

		decls, err := p.parseDeclarations()
		if err != nil {
			continue
		}
		if len(decls) > 0 {
			rules = append(rules, Rule{Selectors: selectors, Declarations: decls})
		}
	}
	return Stylesheet{Rules: rules}
}

// ParseDeclarations parses a bare declaration list, as found in an
// element's style attribute.
func ParseDeclarations(input string) []Declaration {
	p := &Parser{input: input}
	var decls []Declaration
	for {
		p.consumeWhitespace()
		if p.eof() {
			break
		}
		d, err := p.parseDeclaration()
		if err != nil {
			p.skipTo(';')
			if !p.eof() {
				p.pos++
			}
			continue
		}
		decls = append(decls, d)
	}
	return decls
}

func (p *Parser) parseSelectorGroup() []Selector {
	var group []Selector
	for {
		p.consumeWhitespace()
		if p.eof() || p.current() == '{' {
			break
		}
		sel, err := p.parseSelector()
		if err == nil && sel.IsValid() {
			group = append(group, sel)
		} else {
			p.skipTo(',', '{')
		}

		p.consumeWhitespace()
		if p.eof() || p.current() == '{' {
			break
		}
		if p.current() == ',' {
			p.pos++
			continue
		}
		// Combinators and descendant chains are unsupported; skip the rest
		// of this selector so the rule degrades instead of mismatching.
		p.skipTo(',', '{')
		if !p.eof() && p.current() == ',' {
			p.pos++
		}
	}
	return group
}

func (p *Parser) parseSelector() (Selector, error) {
	sel := Selector{}
	if !p.eof() {
		switch {
		case p.current() == '*':
			p.pos++
			sel.TagName = "*"
		case isIdentStart(p.current()):
			sel.TagName = strings.ToLower(p.parseIdentifier())
		}
	}
	for !p.eof() {
		switch p.current() {
		case '#':
			p.pos++
			sel.ID = p.parseIdentifier()
		case '.':
			p.pos++
			sel.Classes = append(sel.Classes, p.parseIdentifier())
		default:
			if !sel.IsValid() && sel.TagName != "*" {
				return sel, fmt.Errorf("invalid selector at %d", p.pos)
			}
			return sel, nil
		}
	}
	if !sel.IsValid() && sel.TagName != "*" {
		return sel, fmt.Errorf("empty selector")
	}
	return sel, nil
}

func (p *Parser) parseDeclarations() ([]Declaration, error) {
	p.consumeWhitespace()
	if p.eof() || p.current() != '{' {
		return nil, fmt.Errorf("expected declaration block at %d", p.pos)
	}
	p.pos++ // '{'

	var decls []Declaration
	for {
		p.consumeWhitespace()
		if p.eof() {
			return decls, fmt.Errorf("unterminated declaration block")
		}
		if p.current() == '}' {
			p.pos++
			return decls, nil
		}
		if p.startsWith("/*") {
			p.skipComment()
			continue
		}
		d, err := p.parseDeclaration()
		if err != nil {
			p.skipTo(';', '}')
			if !p.eof() && p.current() == ';' {
				p.pos++
			}
			continue
		}
		decls = append(decls, d)
	}
}

func (p *Parser) parseDeclaration() (Declaration, error) {
	name := p.parseIdentifier()
	if name == "" {
		return Declaration{}, fmt.Errorf("expected property name at %d", p.pos)
	}
	p.consumeWhitespace()
	if p.eof() || p.current() != ':' {
		return Declaration{}, fmt.Errorf("expected ':' after %q", name)
	}
	p.pos++ // ':'
	p.consumeWhitespace()

	start := p.pos
	for !p.eof() && p.current() != ';' && p.current() != '}' {
		p.pos++
	}
	raw := strings.TrimSpace(p.input[start:p.pos])
	if !p.eof() && p.current() == ';' {
		p.pos++
	}

	important := false
	if idx := strings.LastIndex(strings.ToLower(raw), "!important"); idx >= 0 {
		important = true
		raw = strings.TrimSpace(raw[:idx])
	}
	if raw == "" {
		return Declaration{}, fmt.Errorf("empty value for %q", name)
	}
	return Declaration{
		Property:  Property(strings.ToLower(name)),
		Value:     Value(raw),
		Important: important,
	}, nil
}

// -- lexing helpers --

func (p *Parser) eof() bool { return p.pos >= len(p.input) }

func (p *Parser) current() byte { return p.input[p.pos] }

func (p *Parser) startsWith(s string) bool {
	return strings.HasPrefix(p.input[p.pos:], s)
}

func (p *Parser) consumeWhitespace() {
	for !p.eof() {
		switch p.current() {
		case ' ', '\t', '\n', '\r', '\f':
			p.pos++
		default:
			return
		}
	}
}

func (p *Parser) parseIdentifier() string {
	start := p.pos
	for !p.eof() && isIdentChar(p.current()) {
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *Parser) skipComment() {
	end := strings.Index(p.input[p.pos:], "*/")
	if end < 0 {
		p.pos = len(p.input)
		return
	}
	p.pos += end + 2
}

func (p *Parser) skipTo(chars ...byte) {
	for !p.eof() {
		c := p.current()
		for _, want := range chars {
			if c == want {
				return
			}
		}
		p.pos++
	}
}

// skipAtRule skips @media and friends, including any nested block.
func (p *Parser) skipAtRule() {
	p.skipTo('{', ';')
	if p.eof() {
		return
	}
	if p.current() == ';' {
		p.pos++
		return
	}
	p.skipBlock()
}

// skipBlock consumes a balanced { ... } block starting at the current '{'.
func (p *Parser) skipBlock() {
	depth := 0
	for !p.eof() {
		switch p.current() {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				p.pos++
				return
			}
		}
		p.pos++
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
