// Package gemtext models text/gemini documents as typed lines and runs
// configurable line filters over them.
package gemtext

import (
	"strings"
)

// LineType identifies the kind of a gemtext line.
type LineType int

const (
	Blank LineType = iota
	Text
	Link
	Heading1
	Heading2
	Heading3
	ListItem
	Quote
	PreformatToggle
	Preformatted
)

var lineTypeNames = map[LineType]string{
	Blank:           "blank",
	Text:            "text",
	Link:            "link",
	Heading1:        "heading1",
	Heading2:        "heading2",
	Heading3:        "heading3",
	ListItem:        "list",
	Quote:           "quote",
	PreformatToggle: "preformat_toggle",
	Preformatted:    "preformatted",
}

var lineTypeAliases = map[string]LineType{
	"regular":    Text,
	"paragraph":  Text,
	"h1":         Heading1,
	"h2":         Heading2,
	"h3":         Heading3,
	"list_item":  ListItem,
	"blockquote": Quote,
	"pre":        Preformatted,
	"preformat":  PreformatToggle,
	"link_line":  Link,
	"empty":      Blank,
	"blank_line": Blank,
}

func (t LineType) String() string {
	if n, ok := lineTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseLineType resolves a line type name as used in filter parameters.
func ParseLineType(name string) (LineType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range lineTypeNames {
		if n == name {
			return t, true
		}
	}
	t, ok := lineTypeAliases[name]
	return t, ok
}

// Line is one gemtext line. URL is only set for links; Text holds the label,
// heading text, item text, quote text or preformat alt text.
type Line struct {
	Type LineType
	Text string
	URL  string
}

// IsText reports whether the line carries prose (text, quote or list item).
func (l Line) IsText() bool {
	return l.Type == Text || l.Type == Quote || l.Type == ListItem
}

// IsHeading reports whether the line is a heading of any level.
func (l Line) IsHeading() bool {
	return l.Type == Heading1 || l.Type == Heading2 || l.Type == Heading3
}

func (l Line) String() string {
	switch l.Type {
	case Link:
		if l.Text == "" {
			return "=> " + l.URL
		}
		return "=> " + l.URL + " " + l.Text
	case Heading1:
		return "# " + l.Text
	case Heading2:
		return "## " + l.Text
	case Heading3:
		return "### " + l.Text
	case ListItem:
		return "* " + l.Text
	case Quote:
		return "> " + l.Text
	case PreformatToggle:
		return "```" + l.Text
	case Blank:
		return ""
	default:
		return l.Text
	}
}

// ParseLine classifies raw. inPre tells whether the line sits inside a
// preformatted block.
func ParseLine(raw string, inPre bool) Line {
	raw = strings.TrimRight(raw, "\r")
	if strings.HasPrefix(raw, "```") {
		return Line{Type: PreformatToggle, Text: strings.TrimSpace(raw[3:])}
	}
	if inPre {
		return Line{Type: Preformatted, Text: raw}
	}
	switch {
	case strings.TrimSpace(raw) == "":
		return Line{Type: Blank}
	case strings.HasPrefix(raw, "=>"):
		rest := strings.TrimSpace(raw[2:])
		target, label := rest, ""
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			target, label = rest[:i], strings.TrimSpace(rest[i:])
		}
		return Line{Type: Link, URL: target, Text: label}
	case strings.HasPrefix(raw, "###"):
		return Line{Type: Heading3, Text: strings.TrimSpace(raw[3:])}
	case strings.HasPrefix(raw, "##"):
		return Line{Type: Heading2, Text: strings.TrimSpace(raw[2:])}
	case strings.HasPrefix(raw, "#"):
		return Line{Type: Heading1, Text: strings.TrimSpace(raw[1:])}
	case strings.HasPrefix(raw, "* "):
		return Line{Type: ListItem, Text: strings.TrimSpace(raw[2:])}
	case strings.HasPrefix(raw, ">"):
		return Line{Type: Quote, Text: strings.TrimSpace(raw[1:])}
	default:
		return Line{Type: Text, Text: raw}
	}
}

// Document is an ordered list of gemtext lines.
type Document struct {
	Lines []Line
	inPre bool
}

// Parse splits src into lines, tracking preformatted blocks.
func Parse(src string) *Document {
	d := &Document{}
	src = strings.TrimSuffix(src, "\n")
	if src == "" {
		return d
	}
	for _, raw := range strings.Split(src, "\n") {
		d.Append(raw)
	}
	return d
}

// Append parses raw in the document's current preformatting state and adds it.
func (d *Document) Append(raw string) {
	l := ParseLine(raw, d.inPre)
	if l.Type == PreformatToggle {
		d.inPre = !d.inPre
	}
	d.Lines = append(d.Lines, l)
}

// AppendLine adds an already typed line.
func (d *Document) AppendLine(l Line) {
	if l.Type == PreformatToggle {
		d.inPre = !d.inPre
	}
	d.Lines = append(d.Lines, l)
}

// Len returns the number of lines.
func (d *Document) Len() int { return len(d.Lines) }

// Title returns the text of the first level one heading, if any.
func (d *Document) Title() string {
	for _, l := range d.Lines {
		if l.Type == Heading1 {
			return l.Text
		}
	}
	return ""
}

func (d *Document) String() string {
	if len(d.Lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, l := range d.Lines {
		b.WriteString(l.String())
		b.WriteByte('\n')
	}
	return b.String()
}
