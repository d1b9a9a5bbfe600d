package fetch

import (
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding/charmap"
)

var htmlTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
}

// IsHTML reports whether the media type is converted as an HTML document.
func IsHTML(mediaType string) bool { return htmlTypes[mediaType] }

// mediaType returns the lower-cased media type without parameters.
func mediaType(header string) string {
	if mt, _, err := mime.ParseMediaType(header); err == nil {
		return mt
	}
	mt, _, _ := strings.Cut(header, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

// decodeText decodes an HTML body using the declared or sniffed charset and
// falls back to ISO-8859-1, which cannot fail.
func decodeText(body []byte, contentType string) (text, charsetName string) {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		if utf8.Valid(body) {
			return string(body), name
		}
		return latin1(body), "iso-8859-1"
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return latin1(body), "iso-8859-1"
	}
	return string(out), name
}

func latin1(b []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		// every byte maps to a rune in ISO-8859-1
		return string(b)
	}
	return string(out)
}
