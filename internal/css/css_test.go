package css

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasicRules(t *testing.T) {
	sheet := NewParser(`
		/* heading defaults */
		h1, .title { font-size: 24px; color: #333; }
		#hero { display: block; width: 100px !important; }
	`).Parse()

	require.Len(t, sheet.Rules, 2)

	first := sheet.Rules[0]
	require.Len(t, first.Selectors, 2)
	assert.Equal(t, "h1", first.Selectors[0].TagName)
	assert.Equal(t, []string{"title"}, first.Selectors[1].Classes)
	require.Len(t, first.Declarations, 2)
	assert.Equal(t, Property("font-size"), first.Declarations[0].Property)
	assert.Equal(t, Value("24px"), first.Declarations[0].Value)

	second := sheet.Rules[1]
	assert.Equal(t, "hero", second.Selectors[0].ID)
	require.Len(t, second.Declarations, 2)
	assert.True(t, second.Declarations[1].Important)
	assert.Equal(t, Value("100px"), second.Declarations[1].Value)
}

func TestSpecificity(t *testing.T) {
	cases := []struct {
		sel     Selector
		a, b, c int
	}{
		{Selector{TagName: "p"}, 0, 0, 1},
		{Selector{TagName: "p", Classes: []string{"x", "y"}}, 0, 2, 1},
		{Selector{ID: "hero"}, 1, 0, 0},
		{Selector{TagName: "*"}, 0, 0, 0},
	}
	for _, tc := range cases {
		a, b, c := tc.sel.Specificity()
		assert.Equal(t, [3]int{tc.a, tc.b, tc.c}, [3]int{a, b, c})
	}
}

func TestParseSkipsAtRulesAndGarbage(t *testing.T) {
	sheet := NewParser(`
		@media screen and (max-width: 600px) { p { color: blue; } }
		@import url("other.css");
		p { color: green; }
		{{{ not css
	`).Parse()

	require.Len(t, sheet.Rules, 1)
	assert.Equal(t, "p", sheet.Rules[0].Selectors[0].TagName)
	assert.Equal(t, Value("green"), sheet.Rules[0].Declarations[0].Value)
}

func TestParseCompoundSelector(t *testing.T) {
	sheet := NewParser(`div#main.wide.dark { margin: 8px; }`).Parse()
	require.Len(t, sheet.Rules, 1)
	sel := sheet.Rules[0].Selectors[0]
	assert.Equal(t, "div", sel.TagName)
	assert.Equal(t, "main", sel.ID)
	assert.Equal(t, []string{"wide", "dark"}, sel.Classes)
}

func TestParseDeclarationsInline(t *testing.T) {
	decls := ParseDeclarations("color: red; margin: 4px;; broken ; padding: 2px")
	require.Len(t, decls, 3)
	assert.Equal(t, Property("color"), decls[0].Property)
	assert.Equal(t, Property("margin"), decls[1].Property)
	assert.Equal(t, Property("padding"), decls[2].Property)
}

func TestDescendantSelectorsDegrade(t *testing.T) {
	// Combinator chains are unsupported; the group head is kept and the
	// rest of the chain is dropped.
	sheet := NewParser(`div p { color: red; } span { color: blue; }`).Parse()
	require.Len(t, sheet.Rules, 2)
	assert.Equal(t, "div", sheet.Rules[0].Selectors[0].TagName)
	assert.Equal(t, "span", sheet.Rules[1].Selectors[0].TagName)
}
