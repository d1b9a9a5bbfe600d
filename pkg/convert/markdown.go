package convert

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrEmptyOutput is returned when a conversion produces no content.
var ErrEmptyOutput = errors.New("convert: empty output")

// WrapWidth is the column at which paragraph text is wrapped.
const WrapWidth = 80

// LinksMode selects where link lines are placed in the gemtext output.
type LinksMode string

const (
	LinksParagraph LinksMode = "paragraph"
	LinksNewline   LinksMode = "newline"
	LinksAtEnd     LinksMode = "at-end"
	LinksCopy      LinksMode = "copy"
	LinksOff       LinksMode = "off"
)

// ParseLinksMode validates a links mode. The empty string selects paragraph.
func ParseLinksMode(s string) (LinksMode, error) {
	switch m := LinksMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return LinksParagraph, nil
	case LinksParagraph, LinksNewline, LinksAtEnd, LinksCopy, LinksOff:
		return m, nil
	default:
		return "", fmt.Errorf("unknown links mode %q", s)
	}
}

var (
	headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)
	hrRe      = regexp.MustCompile(`^\s*(?:(?:\*\s*){3,}|(?:-\s*){3,}|(?:_\s*){3,})$`)
	itemRe    = regexp.MustCompile(`^\s*([*+-]|\d{1,9}[.)])\s+(.*)$`)
	quoteRe   = regexp.MustCompile(`^\s*>\s?(.*)$`)
	linkRe    = regexp.MustCompile(`(!?)\[((?:\\.|[^\\\]])*)\]\(([^)\s]*)(?:\s+"[^"]*")?\)`)
	strongRe  = regexp.MustCompile(`\*\*|__|~~|` + "`")
	emRe      = regexp.MustCompile(`(^|[\s(])[*_]([^*_\s](?:[^*_]*[^*_\s])?)[*_]($|[\s).,;:!?])`)
)

var textUnescaper = strings.NewReplacer(`\\`, `\`, `\[`, `[`, `\]`, `]`)

type mdLinkRef struct {
	url   string
	label string
}

type piece struct {
	text string
	link *mdLinkRef
}

type blockKind int

const (
	kindNone blockKind = iota
	kindPara
	kindHeading
	kindItem
	kindQuote
	kindPre
	kindRule
)

type gemWriter struct {
	mode  LinksMode
	width int
	out   []string
	last  blockKind
	refs  int
	atEnd []string
}

// MarkdownToGemtext converts Markdown into gemtext, placing links according
// to mode and wrapping paragraphs at WrapWidth.
func MarkdownToGemtext(md string, mode LinksMode) (string, error) {
	if mode == "" {
		mode = LinksParagraph
	}
	w := &gemWriter{mode: mode, width: WrapWidth}
	lines := strings.Split(strings.ReplaceAll(md, "\r\n", "\n"), "\n")

	var para []string
	flush := func() {
		if len(para) > 0 {
			w.paragraph(para)
			para = nil
		}
	}
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "```"):
			flush()
			var pre []string
			for i++; i < len(lines) && !strings.HasPrefix(strings.TrimSpace(lines[i]), "```"); i++ {
				pre = append(pre, lines[i])
			}
			w.preformatted(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")), pre)
		case trimmed == "":
			flush()
			w.last = kindNone
		case strings.HasPrefix(trimmed, `\`) && len(trimmed) > 1 && strings.ContainsRune(blockMarkers, rune(trimmed[1])):
			para = append(para, line[strings.Index(line, `\`)+1:])
		case headingRe.MatchString(trimmed):
			flush()
			m := headingRe.FindStringSubmatch(trimmed)
			w.heading(len(m[1]), m[2])
		case hrRe.MatchString(trimmed):
			flush()
			w.rule()
		case itemRe.MatchString(line):
			flush()
			m := itemRe.FindStringSubmatch(line)
			w.item(m[1], m[2])
		case quoteRe.MatchString(line):
			flush()
			w.quote(quoteRe.FindStringSubmatch(line)[1])
		default:
			para = append(para, line)
		}
	}
	flush()
	return w.finish()
}

func (w *gemWriter) begin(k blockKind) {
	if len(w.out) > 0 && w.out[len(w.out)-1] != "" {
		sameRun := (k == kindItem || k == kindQuote) && k == w.last
		if !sameRun {
			w.out = append(w.out, "")
		}
	}
	w.last = k
}

func (w *gemWriter) emit(lines ...string) { w.out = append(w.out, lines...) }

func (w *gemWriter) paragraph(lines []string) {
	var rows [][]piece
	for _, l := range lines {
		hard := strings.HasSuffix(l, "  ") || strings.HasSuffix(l, `\`)
		l = strings.TrimSpace(strings.TrimSuffix(strings.TrimRight(l, " "), `\`))
		ps := parseInline(l)
		if len(rows) == 0 {
			rows = append(rows, nil)
		}
		last := len(rows) - 1
		if len(rows[last]) > 0 {
			rows[last] = append(rows[last], piece{text: " "})
		}
		rows[last] = append(rows[last], ps...)
		if hard {
			rows = append(rows, nil)
		}
	}

	var all []piece
	for _, r := range rows {
		all = append(all, r...)
	}
	if onlyLinks(all) && w.mode != LinksOff {
		w.begin(kindPara)
		for _, p := range all {
			if p.link != nil {
				w.emit(linkLine(p.link.url, p.link.label))
			}
		}
		return
	}

	w.begin(kindPara)
	if w.mode == LinksNewline {
		for _, r := range rows {
			var text strings.Builder
			for _, p := range r {
				if p.link == nil {
					text.WriteString(p.text)
					continue
				}
				w.emit(wrap(collapse(text.String()), w.width)...)
				text.Reset()
				w.emit(linkLine(p.link.url, p.link.label))
			}
			w.emit(wrap(collapse(text.String()), w.width)...)
		}
		return
	}
	var refs []*mdLinkRef
	for _, r := range rows {
		text, rs := w.render(r)
		refs = append(refs, rs...)
		w.emit(wrap(text, w.width)...)
	}
	w.links(refs)
}

// render flattens pieces into text, numbering links when the mode uses
// references.
func (w *gemWriter) render(ps []piece) (string, []*mdLinkRef) {
	var b strings.Builder
	var refs []*mdLinkRef
	for _, p := range ps {
		if p.link == nil {
			b.WriteString(p.text)
			continue
		}
		b.WriteString(p.link.label)
		if w.mode == LinksOff {
			continue
		}
		if w.mode == LinksParagraph || w.mode == LinksAtEnd {
			w.refs++
			b.WriteString("[" + strconv.Itoa(w.refs) + "]")
			refs = append(refs, &mdLinkRef{url: p.link.url, label: strconv.Itoa(w.refs) + ": " + p.link.label})
			continue
		}
		refs = append(refs, p.link)
	}
	return collapse(b.String()), refs
}

func (w *gemWriter) links(refs []*mdLinkRef) {
	for _, r := range refs {
		l := linkLine(r.url, r.label)
		if w.mode == LinksAtEnd {
			w.atEnd = append(w.atEnd, l)
			continue
		}
		w.emit(l)
	}
}

func (w *gemWriter) heading(level int, text string) {
	if level > 3 {
		level = 3
	}
	t, refs := w.render(parseInline(text))
	if t == "" {
		return
	}
	w.begin(kindHeading)
	w.emit(strings.Repeat("#", level) + " " + t)
	w.links(refs)
}

func (w *gemWriter) item(marker, text string) {
	t, refs := w.render(parseInline(text))
	if t == "" && len(refs) == 0 {
		return
	}
	w.begin(kindItem)
	if marker[0] >= '0' && marker[0] <= '9' {
		w.emit("* " + strings.TrimRight(marker, ".)") + ". " + t)
	} else {
		w.emit("* " + t)
	}
	w.links(refs)
}

func (w *gemWriter) quote(text string) {
	t, refs := w.render(parseInline(text))
	w.begin(kindQuote)
	if t == "" {
		w.emit(">")
	}
	for _, l := range wrap(t, w.width-2) {
		w.emit("> " + l)
	}
	w.links(refs)
}

func (w *gemWriter) preformatted(alt string, lines []string) {
	w.begin(kindPre)
	w.emit(strings.TrimSpace("```" + " " + alt))
	w.emit(lines...)
	w.emit("```")
}

func (w *gemWriter) rule() {
	w.begin(kindRule)
	w.emit("---")
}

func (w *gemWriter) finish() (string, error) {
	if len(w.atEnd) > 0 {
		w.begin(kindNone)
		w.emit(w.atEnd...)
	}
	out := strings.TrimSpace(strings.Join(w.out, "\n"))
	if out == "" {
		return "", ErrEmptyOutput
	}
	return out + "\n", nil
}

func linkLine(url, label string) string {
	label = strings.TrimSpace(label)
	if label == "" || label == url {
		return "=> " + url
	}
	return "=> " + url + " " + label
}

func onlyLinks(ps []piece) bool {
	found := false
	for _, p := range ps {
		if p.link != nil {
			found = true
			continue
		}
		if strings.TrimSpace(p.text) != "" {
			return false
		}
	}
	return found
}

// parseInline splits Markdown inline text into plain text and links.
// Images become links labelled with their alt text.
func parseInline(s string) []piece {
	var out []piece
	pos := 0
	for _, m := range linkRe.FindAllStringSubmatchIndex(s, -1) {
		start := m[0]
		if escaped(s, start) {
			continue
		}
		if start > pos {
			out = append(out, piece{text: plain(s[pos:start])})
		}
		label := plain(s[m[4]:m[5]])
		target := s[m[6]:m[7]]
		if m[3] > m[2] && label == "" {
			label = target
		}
		out = append(out, piece{link: &mdLinkRef{url: target, label: collapse(label)}})
		pos = m[1]
	}
	if pos < len(s) {
		out = append(out, piece{text: plain(s[pos:])})
	}
	return out
}

func escaped(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// plain strips emphasis markup and escapes.
func plain(s string) string {
	s = strongRe.ReplaceAllString(s, "")
	s = emRe.ReplaceAllString(s, "$1$2$3")
	return textUnescaper.Replace(s)
}

// wrap breaks text into lines of at most width runes, on word boundaries.
func wrap(text string, width int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var lines []string
	var cur strings.Builder
	n := 0
	for _, word := range words {
		wl := len([]rune(word))
		if n > 0 && n+1+wl > width {
			lines = append(lines, cur.String())
			cur.Reset()
			n = 0
		}
		if n > 0 {
			cur.WriteByte(' ')
			n++
		}
		cur.WriteString(word)
		n += wl
	}
	return append(lines, cur.String())
}
