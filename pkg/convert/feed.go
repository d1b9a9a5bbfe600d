package convert

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"jaytaylor.com/html2text"
)

var feedTypes = map[string]bool{
	"application/rss+xml":   true,
	"application/x-rss+xml": true,
	"application/atom+xml":  true,
	"application/rdf+xml":   true,
	"application/feed+json": true,
	"application/xml":       true,
	"text/xml":              true,
}

// IsFeed reports whether the media type is converted as a syndication feed.
func IsFeed(mediaType string) bool { return feedTypes[mediaType] }

// ParseFeed parses an RSS, Atom or JSON feed.
func ParseFeed(data []byte) (*gofeed.Feed, error) {
	f, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return f, nil
}

// FeedToGemtext renders a single feed as a gemtext digest.
func FeedToGemtext(data []byte) (string, error) {
	f, err := ParseFeed(data)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n", oneLine(f.Title))
	if d := htmlText(f.Description); d != "" {
		b.WriteString(d + "\n")
	}
	if f.Published != "" {
		fmt.Fprintf(&b, "Feed publishing date: %s\n", f.Published)
	}
	b.WriteString("\n")
	for _, it := range f.Items {
		switch {
		case it.Published != "":
			fmt.Fprintf(&b, "## %s\n", it.Published)
		case it.Updated != "":
			fmt.Fprintf(&b, "## %s\n", it.Updated)
		}
		fmt.Fprintf(&b, "%s\n", linkLine(it.Link, oneLine(it.Title)))
		for _, l := range it.Links {
			if l != "" && l != it.Link {
				fmt.Fprintf(&b, "=> %s %s\n", l, l)
			}
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// FeedSource is one feed of an aggregation with its display settings.
type FeedSource struct {
	Feed *gofeed.Feed
	// Title overrides the feed's own title.
	Title string
	// TitleDisplayMode "header" renders each entry under a sub-heading.
	TitleDisplayMode string
	ShowEntryDates   bool
	// EntryDateFormat is a time layout, 15:04:05 by default.
	EntryDateFormat string
	ShowEntryLinks  bool
}

type feedEntry struct {
	item *gofeed.Item
	src  *FeedSource
	date time.Time
}

func entryDate(it *gofeed.Item) (time.Time, bool) {
	switch {
	case it.UpdatedParsed != nil:
		return *it.UpdatedParsed, true
	case it.PublishedParsed != nil:
		return *it.PublishedParsed, true
	}
	return time.Time{}, false
}

// AggregateFeeds merges the entries of several feeds, newest first, under
// one heading per day. Entries without a date are skipped.
func AggregateFeeds(sources []FeedSource) string {
	var entries []feedEntry
	for i := range sources {
		src := &sources[i]
		if src.Feed == nil {
			continue
		}
		for _, it := range src.Feed.Items {
			if d, ok := entryDate(it); ok {
				entries = append(entries, feedEntry{item: it, src: src, date: d})
			}
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].date.After(entries[j].date) })

	var b strings.Builder
	lastDay := ""
	for _, e := range entries {
		day := e.date.Format("02/01/2006")
		if day != lastDay {
			fmt.Fprintf(&b, "# %s\n", day)
			lastDay = day
		}
		title := e.src.Title
		if title == "" {
			title = oneLine(e.src.Feed.Title)
		}
		it := e.item
		if e.src.TitleDisplayMode == "header" {
			stamp := it.Published
			if stamp == "" {
				stamp = it.Updated
			}
			fmt.Fprintf(&b, "## %s (%s)\n", title, stamp)
			fmt.Fprintf(&b, "=> %s  %s\n", it.Link, oneLine(it.Title))
		} else {
			label := fmt.Sprintf("(%s) %s", title, oneLine(it.Title))
			if e.src.ShowEntryDates {
				layout := e.src.EntryDateFormat
				if layout == "" {
					layout = "15:04:05"
				}
				label += " (" + e.date.Format(layout) + ")"
			}
			fmt.Fprintf(&b, "=> %s  %s\n", it.Link, label)
		}
		if e.src.ShowEntryLinks {
			for _, l := range it.Links {
				if l != "" && l != it.Link {
					fmt.Fprintf(&b, "=> %s %s\n", l, l)
				}
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func htmlText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	t, err := html2text.FromString(s, html2text.Options{OmitLinks: true})
	if err != nil {
		return oneLine(s)
	}
	return strings.TrimSpace(t)
}

func oneLine(s string) string { return collapse(s) }
