package gemini

import (
	"strings"
	"unicode/utf8"
)

// Response is a fully buffered Gemini response.
type Response struct {
	Status Status
	Meta   string
	Body   []byte
}

// Success builds a status 20 response.
func Success(mediaType string, body []byte) *Response {
	if mediaType == "" {
		mediaType = MediaType
	}
	return &Response{Status: StatusSuccess, Meta: mediaType, Body: body}
}

// Gemtext builds a status 20 text/gemini response.
func Gemtext(doc string) *Response {
	return Success(MediaType, []byte(doc))
}

// Input builds a status 10 prompt.
func Input(prompt string) *Response {
	return &Response{Status: StatusInput, Meta: prompt}
}

// Redirect builds a temporary redirect to target.
func Redirect(target string) *Response {
	return &Response{Status: StatusRedirectTemporary, Meta: target}
}

// Failure builds an error response with a human readable reason.
func Failure(status Status, reason string) *Response {
	return &Response{Status: status, Meta: reason}
}

// ContentType returns the media type for success responses, empty otherwise.
func (r *Response) ContentType() string {
	if r.Status.Class() != 2 {
		return ""
	}
	return r.Meta
}

// HeaderMeta returns the meta as sent on the header line: line breaks become
// spaces and it is cut to MaxRequestLength bytes on a rune boundary.
func (r *Response) HeaderMeta() string {
	meta := strings.Map(func(c rune) rune {
		if c == '\r' || c == '\n' {
			return ' '
		}
		return c
	}, r.Meta)
	if len(meta) <= MaxRequestLength {
		return meta
	}
	n := MaxRequestLength
	for n > 0 && !utf8.RuneStart(meta[n]) {
		n--
	}
	return meta[:n]
}
