package convert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rssMine = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>My Feed</title>
<link>https://example.org/</link>
<description>&lt;p&gt;About things&lt;/p&gt;</description>
<pubDate>Mon, 01 Jan 2024 10:00:00 GMT</pubDate>
<item><title>First</title><link>https://example.org/1</link><pubDate>Tue, 02 Jan 2024 08:00:00 GMT</pubDate></item>
<item><title>Second</title><link>https://example.org/2</link><pubDate>Mon, 01 Jan 2024 09:00:00 GMT</pubDate></item>
<item><title>Undated</title><link>https://example.org/3</link></item>
</channel></rss>`

const rssOther = `<?xml version="1.0"?>
<rss version="2.0"><channel>
<title>B</title>
<item><title>B-one</title><link>https://b.org/1</link><pubDate>Tue, 02 Jan 2024 12:00:00 GMT</pubDate></item>
</channel></rss>`

func TestFeedToGemtext(t *testing.T) {
	out, err := FeedToGemtext([]byte(rssMine))
	require.NoError(t, err)
	assert.Contains(t, out, "# My Feed\n")
	assert.Contains(t, out, "About things\n")
	assert.Contains(t, out, "Feed publishing date: Mon, 01 Jan 2024 10:00:00 GMT\n")
	assert.Contains(t, out, "## Tue, 02 Jan 2024 08:00:00 GMT\n=> https://example.org/1 First\n")
	assert.Contains(t, out, "## Mon, 01 Jan 2024 09:00:00 GMT\n=> https://example.org/2 Second\n")
	assert.Contains(t, out, "=> https://example.org/3 Undated\n")
	assert.NotContains(t, out, "<p>")

	_, err = FeedToGemtext([]byte("<html>nope</html>"))
	assert.Error(t, err)
}

func TestAggregateFeeds(t *testing.T) {
	mine, err := ParseFeed([]byte(rssMine))
	require.NoError(t, err)
	other, err := ParseFeed([]byte(rssOther))
	require.NoError(t, err)

	out := AggregateFeeds([]FeedSource{
		{Feed: mine, Title: "Mine"},
		{Feed: other},
	})
	want := "# 02/01/2024\n" +
		"=> https://b.org/1  (B) B-one\n\n" +
		"=> https://example.org/1  (Mine) First\n\n" +
		"# 01/01/2024\n" +
		"=> https://example.org/2  (Mine) Second\n\n"
	assert.Equal(t, want, out)
}

func TestAggregateFeedsDisplayModes(t *testing.T) {
	other, err := ParseFeed([]byte(rssOther))
	require.NoError(t, err)

	out := AggregateFeeds([]FeedSource{{Feed: other, TitleDisplayMode: "header"}})
	assert.Equal(t, "# 02/01/2024\n## B (Tue, 02 Jan 2024 12:00:00 GMT)\n=> https://b.org/1  B-one\n\n", out)

	out = AggregateFeeds([]FeedSource{{Feed: other, ShowEntryDates: true, EntryDateFormat: "15:04"}})
	assert.Equal(t, "# 02/01/2024\n=> https://b.org/1  (B) B-one (12:00)\n\n", out)
}
