// Package convert turns fetched web content into gemtext: HTML goes through
// Markdown with its links rewritten onto the gateway, feeds become digests.
package convert

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jnovack/gemini-gateway/pkg/gemini"
	"github.com/jnovack/gemini-gateway/pkg/gemtext"
)

// DefaultMaxDocSize bounds the documents handed to the converters.
const DefaultMaxDocSize = 4 << 20

// Input is one document to render.
type Input struct {
	ContentType string
	// Text is the decoded HTML document; Body the raw payload otherwise.
	Text string
	Body []byte

	Page      PageOptions
	LinksMode LinksMode
	Filters   []gemtext.Filter
	// MaxDocSize skips conversion of bigger documents. Zero selects DefaultMaxDocSize.
	MaxDocSize int
}

// Output is a rendered document. Doc is nil when the payload was passed through.
type Output struct {
	ContentType string
	Body        []byte
	Doc         *gemtext.Document
}

// Title returns the first level-one heading of a gemtext output.
func (o *Output) Title() string {
	if o.Doc == nil {
		return ""
	}
	return o.Doc.Title()
}

func passthrough(in Input) *Output {
	body := in.Body
	if body == nil {
		body = []byte(in.Text)
	}
	return &Output{ContentType: in.ContentType, Body: body}
}

// Render converts in according to its content type. The only error is a
// conversion that yields nothing, wrapped around ErrEmptyOutput.
func Render(ctx context.Context, in Input) (*Output, error) {
	limit := in.MaxDocSize
	if limit <= 0 {
		limit = DefaultMaxDocSize
	}
	size := len(in.Text) + len(in.Body)

	var src string
	switch {
	case size > limit:
		log.Ctx(ctx).Debug().Int("size", size).Int("max", limit).Msg("document too large to convert")
		return passthrough(in), nil
	case IsFeed(in.ContentType):
		body := in.Body
		if body == nil {
			body = []byte(in.Text)
		}
		out, err := FeedToGemtext(body)
		if err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("feed conversion failed, passing through")
			return passthrough(in), nil
		}
		src = out
	case IsHTML(in.ContentType):
		md, err := HTMLToMarkdown(in.Text, in.Page)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEmptyOutput, err)
		}
		out, err := MarkdownToGemtext(md, in.LinksMode)
		if err != nil {
			return nil, err
		}
		src = out
	case in.ContentType == "text/markdown":
		out, err := MarkdownToGemtext(string(in.Body), in.LinksMode)
		if err != nil {
			return nil, err
		}
		src = out
	case in.ContentType == gemini.MediaType:
		src = string(in.Body)
	default:
		return passthrough(in), nil
	}

	doc := gemtext.Parse(src)
	if len(in.Filters) > 0 {
		doc = gemtext.Run(ctx, doc, in.Filters)
	}
	return &Output{ContentType: gemini.MediaType, Body: []byte(doc.String()), Doc: doc}, nil
}

// IsHTML reports whether the media type is an HTML document.
func IsHTML(mediaType string) bool {
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// IsEmptyOutput reports whether err is a failed conversion.
func IsEmptyOutput(err error) bool { return errors.Is(err, ErrEmptyOutput) }
