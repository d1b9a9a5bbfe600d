package convert

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultFeathers is the feathers level of rules that do not set one.
const DefaultFeathers = 4

var bannedTags = []string{"script", "style", "form", "input"}

// skipped elements never carry readable content.
var skipped = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Iframe:   true,
	atom.Button:   true,
	atom.Select:   true,
	atom.Textarea: true,
}

var blockTags = map[atom.Atom]bool{
	atom.Address: true, atom.Article: true, atom.Aside: true, atom.Blockquote: true,
	atom.Body: true, atom.Center: true, atom.Dd: true, atom.Details: true,
	atom.Dialog: true, atom.Dir: true, atom.Div: true, atom.Dl: true,
	atom.Dt: true, atom.Fieldset: true, atom.Figcaption: true, atom.Figure: true,
	atom.Footer: true, atom.H1: true, atom.H2: true, atom.H3: true,
	atom.H4: true, atom.H5: true, atom.H6: true, atom.Header: true,
	atom.Hgroup: true, atom.Hr: true, atom.Html: true, atom.Li: true,
	atom.Main: true, atom.Nav: true, atom.Ol: true, atom.P: true,
	atom.Pre: true, atom.Section: true, atom.Summary: true, atom.Table: true,
	atom.Tbody: true, atom.Td: true, atom.Tfoot: true, atom.Th: true,
	atom.Thead: true, atom.Tr: true, atom.Ul: true, atom.Caption: true,
}

// PageOptions controls the HTML to Markdown pass.
type PageOptions struct {
	Rewriter
	// Feathers is 0 to 7; lower levels keep less of the page.
	Feathers int
	// Images may disable images regardless of feathers.
	Images bool
	// BannedTags are removed with their content, beside script, style, form and input.
	BannedTags []string
}

const hardBreak = "\x00"

// blockMarkers start a Markdown block when found at the beginning of a line.
const blockMarkers = "#>*-+`"

type htmlConverter struct {
	opts   PageOptions
	banned map[string]bool
	out    strings.Builder
}

// HTMLToMarkdown converts an HTML document into Markdown, rewriting links
// and images with opts.
func HTMLToMarkdown(doc string, opts PageOptions) (string, error) {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	if opts.Feathers < 0 || opts.Feathers > 7 {
		opts.Feathers = DefaultFeathers
	}
	if opts.Feathers == 0 && !opts.Passthrough {
		opts.LinksDomains = []string{opts.Domain}
	}
	c := &htmlConverter{opts: opts, banned: make(map[string]bool)}
	for _, t := range append(bannedTags, opts.BannedTags...) {
		c.banned[strings.ToLower(t)] = true
	}
	c.blocks(root)
	return strings.TrimSpace(c.out.String()) + "\n", nil
}

func (c *htmlConverter) imagesAllowed() bool {
	if c.opts.Passthrough {
		return true
	}
	return c.opts.Feathers > 1 && c.opts.Images
}

func (c *htmlConverter) ignored(n *html.Node) bool {
	switch n.Type {
	case html.CommentNode, html.DoctypeNode:
		return true
	case html.ElementNode:
		return c.banned[strings.ToLower(n.Data)] || skipped[n.DataAtom]
	}
	return false
}

func isBlock(n *html.Node) bool {
	return n.Type == html.ElementNode && blockTags[n.DataAtom]
}

func (c *htmlConverter) paragraph(text string) {
	var lines []string
	for _, part := range strings.Split(text, hardBreak) {
		if p := collapse(part); p != "" {
			if strings.ContainsRune(blockMarkers, rune(p[0])) {
				p = `\` + p
			}
			lines = append(lines, p)
		}
	}
	if len(lines) == 0 {
		return
	}
	c.out.WriteString(strings.Join(lines, "  \n"))
	c.out.WriteString("\n\n")
}

// blocks renders the children of n, grouping inline runs into paragraphs.
func (c *htmlConverter) blocks(n *html.Node) {
	var run strings.Builder
	flush := func() {
		c.paragraph(run.String())
		run.Reset()
	}
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if c.ignored(ch) {
			continue
		}
		if isBlock(ch) {
			flush()
			c.block(ch)
			continue
		}
		run.WriteString(c.inline(ch))
	}
	flush()
}

func (c *htmlConverter) block(n *html.Node) {
	switch n.DataAtom {
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		level := int(n.Data[1] - '0')
		if level > 3 {
			level = 3
		}
		if t := collapse(strings.ReplaceAll(c.inlineChildren(n), hardBreak, " ")); t != "" {
			fmt.Fprintf(&c.out, "%s %s\n\n", strings.Repeat("#", level), t)
		}
	case atom.Ul, atom.Ol:
		c.list(n, 0)
		c.out.WriteString("\n")
	case atom.Blockquote:
		for _, part := range strings.Split(c.inlineChildren(n), hardBreak) {
			if t := collapse(part); t != "" {
				fmt.Fprintf(&c.out, "> %s\n", t)
			}
		}
		c.out.WriteString("\n")
	case atom.Pre:
		text := strings.Trim(textContent(n), "\n")
		if text != "" {
			fmt.Fprintf(&c.out, "```\n%s\n```\n\n", text)
		}
	case atom.Hr:
		c.out.WriteString("---\n\n")
	case atom.Tr:
		// rows are flattened into one paragraph each
		c.paragraph(c.inlineChildren(n))
	default:
		c.blocks(n)
	}
}

func (c *htmlConverter) list(n *html.Node, depth int) {
	idx := 0
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li || c.ignored(li) {
			continue
		}
		idx++
		var text strings.Builder
		var nested []*html.Node
		for ch := li.FirstChild; ch != nil; ch = ch.NextSibling {
			if c.ignored(ch) {
				continue
			}
			if ch.Type == html.ElementNode && (ch.DataAtom == atom.Ul || ch.DataAtom == atom.Ol) {
				nested = append(nested, ch)
				continue
			}
			text.WriteString(c.inline(ch))
		}
		if t := collapse(strings.ReplaceAll(text.String(), hardBreak, " ")); t != "" {
			marker := "*"
			if n.DataAtom == atom.Ol {
				marker = fmt.Sprintf("%d.", idx)
			}
			fmt.Fprintf(&c.out, "%s%s %s\n", strings.Repeat("  ", depth), marker, t)
		}
		for _, sub := range nested {
			c.list(sub, depth+1)
		}
	}
}

func (c *htmlConverter) inlineChildren(n *html.Node) string {
	var b strings.Builder
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		b.WriteString(c.inline(ch))
	}
	return b.String()
}

func (c *htmlConverter) inline(n *html.Node) string {
	if c.ignored(n) {
		return ""
	}
	switch n.Type {
	case html.TextNode:
		return escapeText(strings.ReplaceAll(n.Data, hardBreak, ""))
	case html.ElementNode:
	default:
		return c.inlineChildren(n)
	}
	switch n.DataAtom {
	case atom.Br:
		return hardBreak
	case atom.A:
		return c.anchor(n)
	case atom.Img:
		return c.image(n)
	case atom.Td, atom.Th:
		return " " + c.inlineChildren(n) + " "
	}
	if isBlock(n) {
		return hardBreak + c.inlineChildren(n) + hardBreak
	}
	return c.inlineChildren(n)
}

func (c *htmlConverter) anchor(n *html.Node) string {
	var text strings.Builder
	var images []string
	for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
		if ch.Type == html.ElementNode && ch.DataAtom == atom.Img {
			if img := c.image(ch); img != "" {
				images = append(images, img)
			}
			if text.Len() == 0 {
				text.WriteString(escapeText(attr(ch, "alt")))
			}
			continue
		}
		text.WriteString(c.inline(ch))
	}
	label := collapse(strings.ReplaceAll(text.String(), hardBreak, " "))
	suffix := strings.Join(images, " ")
	if suffix != "" {
		suffix = " " + suffix
	}

	href := attr(n, "href")
	scheme := strings.ToLower(strings.SplitN(strings.TrimSpace(href), ":", 2)[0])
	target, ok := c.opts.Rewrite(href)
	if !ok {
		// links to foreign domains are removed with their text
		if (scheme == "http" || scheme == "https") && len(c.opts.LinksDomains) > 0 {
			return suffix
		}
		return label + suffix
	}
	return " " + mdLink(label, target) + " " + suffix
}

func (c *htmlConverter) image(n *html.Node) string {
	if !c.imagesAllowed() {
		return ""
	}
	src := attr(n, "src")
	target, ok := c.opts.Rewrite(src)
	if !ok {
		return ""
	}
	return " !" + mdLink(collapse(escapeText(attr(n, "alt"))), target) + " "
}

var textEscaper = strings.NewReplacer(`\`, `\\`, "[", `\[`, "]", `\]`)

// escapeText protects literal brackets from being read as link syntax.
func escapeText(s string) string { return textEscaper.Replace(s) }

// mdLink renders a link; label must already be escaped.
func mdLink(label, target string) string {
	target = strings.NewReplacer(" ", "%20", "(", "%28", ")", "%29").Replace(target)
	return "[" + label + "](" + target + ")"
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch {
		case n.Type == html.TextNode:
			b.WriteString(n.Data)
		case n.Type == html.ElementNode && n.DataAtom == atom.Br:
			b.WriteString("\n")
		}
		for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return b.String()
}

// collapse folds whitespace runs into single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
