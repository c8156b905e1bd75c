package dom

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/wisp/api/schemas"
)

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <style>p { color: red; }</style>
  <link rel="stylesheet" href="site.css">
  <script>alert("dropped")</script>
</head>
<body>
  <div id="content">
    <p>Hello, <b>world</b></p>
    <img src="hero.png" width="100" height="50">
  </div>
</body>
</html>`

func TestParseBuildsArenaTree(t *testing.T) {
	doc, res, err := Parse(strings.NewReader(samplePage))
	require.NoError(t, err)

	require.Len(t, res.InlineStyles, 1)
	assert.Contains(t, res.InlineStyles[0], "color: red")

	require.Len(t, res.Stylesheets, 1)
	assert.Equal(t, "site.css", res.Stylesheets[0].URL)
	assert.Equal(t, schemas.ResourceStylesheet, res.Stylesheets[0].Kind)

	require.Len(t, res.Images, 1)
	assert.Equal(t, "hero.png", res.Images[0].URL)

	snap, err := doc.Snapshot(doc.Root())
	require.NoError(t, err)

	var div, img, script *SnapshotNode
	var walk func(n *SnapshotNode)
	walk = func(n *SnapshotNode) {
		if n.Kind == NodeElement {
			switch n.Tag {
			case "div":
				div = n
			case "img":
				img = n
			case "script":
				script = n
			}
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(snap)

	require.NotNil(t, div)
	v, _ := div.Attr("id")
	assert.Equal(t, "content", v)
	require.NotNil(t, img)
	assert.Nil(t, script, "script elements must be dropped")
}

func TestParseSkipsWhitespaceText(t *testing.T) {
	doc, _, err := Parse(strings.NewReader("<html><body>  \n\t  <p>x</p></body></html>"))
	require.NoError(t, err)

	snap, err := doc.Snapshot(doc.Root())
	require.NoError(t, err)

	var texts []string
	var walk func(n *SnapshotNode)
	walk = func(n *SnapshotNode) {
		if n.Kind == NodeText {
			texts = append(texts, n.Text)
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(snap)
	assert.Equal(t, []string{"x"}, texts)
}

func TestParseFragmentInvalidParent(t *testing.T) {
	doc := NewDocument()
	_, err := ParseFragment(doc, NodeID(42), strings.NewReader("<p>x</p>"))
	assert.ErrorIs(t, err, schemas.ErrInvalidReference)
}

func TestParseFragmentAppendsUnderParent(t *testing.T) {
	doc := NewDocument()
	host := doc.CreateElement("div")
	require.NoError(t, doc.ApplyMutation(doc.Root(), Mutation{Kind: MutationAppendChild, Child: host}))

	res, err := ParseFragment(doc, host, strings.NewReader(`<p>injected</p><img src="inner.gif">`))
	require.NoError(t, err)
	require.Len(t, res.Images, 1)

	kids := doc.Children(host)
	require.Len(t, kids, 2)
	assert.Equal(t, "p", doc.Tag(kids[0]))
	assert.Equal(t, "img", doc.Tag(kids[1]))
}
