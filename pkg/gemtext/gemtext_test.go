package gemtext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLineTypes(t *testing.T) {
	cases := []struct {
		raw  string
		want Line
	}{
		{"", Line{Type: Blank}},
		{"hello", Line{Type: Text, Text: "hello"}},
		{"=> gemini://a/b  Label here", Line{Type: Link, URL: "gemini://a/b", Text: "Label here"}},
		{"=>gemini://a/b", Line{Type: Link, URL: "gemini://a/b"}},
		{"# Title", Line{Type: Heading1, Text: "Title"}},
		{"## Sub", Line{Type: Heading2, Text: "Sub"}},
		{"### Subsub", Line{Type: Heading3, Text: "Subsub"}},
		{"* item", Line{Type: ListItem, Text: "item"}},
		{"> quoted", Line{Type: Quote, Text: "quoted"}},
		{"```go", Line{Type: PreformatToggle, Text: "go"}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ParseLine(c.raw, false), "raw %q", c.raw)
	}
	assert.Equal(t, Line{Type: Preformatted, Text: "# not a heading"}, ParseLine("# not a heading", true))
}

func TestDocumentRoundTrip(t *testing.T) {
	src := "# Title\n\nSome text\n=> gemini://x/ X\n```\n* raw\n```\n* item\n"
	doc := Parse(src)
	require.Equal(t, 8, doc.Len())
	assert.Equal(t, Preformatted, doc.Lines[5].Type)
	assert.Equal(t, ListItem, doc.Lines[7].Type)
	assert.Equal(t, src, doc.String())
	assert.Equal(t, "Title", doc.Title())
	assert.Equal(t, "", Parse("## only sub\n").Title())
}

func TestParseLineType(t *testing.T) {
	lt, ok := ParseLineType("LINK")
	require.True(t, ok)
	assert.Equal(t, Link, lt)
	lt, ok = ParseLineType("regular")
	require.True(t, ok)
	assert.Equal(t, Text, lt)
	_, ok = ParseLineType("bogus")
	assert.False(t, ok)
}
