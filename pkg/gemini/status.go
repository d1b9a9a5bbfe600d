// Package gemini is the Gemini protocol layer of the gateway: statuses,
// buffered responses and a TLS server built on gemax.
package gemini

import (
	"github.com/ninedraft/gemax/gemax"
	"github.com/ninedraft/gemax/gemax/status"
)

// Status is a two-digit Gemini response status, numbered as gemax's
// status.Code.
type Status int

const (
	StatusInput               = Status(status.Input)
	StatusSensitiveInput      = Status(status.InputSensitive)
	StatusSuccess             = Status(status.Success)
	StatusRedirectTemporary   = Status(status.Redirect)
	StatusRedirectPermanent   = Status(status.RedirectPermanent)
	StatusTemporaryFailure    = Status(status.TemporaryFailure)
	StatusServerUnavailable   = Status(status.ServerUnavailable)
	StatusCGIError            = Status(status.CGIError)
	StatusProxyError          = Status(status.ProxyError)
	StatusSlowDown            = Status(status.SlowDown)
	StatusPermanentFailure    = Status(status.PermanentFailure)
	StatusNotFound            = Status(status.NotFound)
	StatusGone                = Status(status.Gone)
	StatusProxyRequestRefused = Status(status.ProxyRequestRefused)
	StatusBadRequest          = Status(status.BadRequest)
)

const (
	// MediaType is the gemtext MIME type.
	MediaType = gemax.MIMEGemtext
	// DefaultPort is the IANA port for Gemini.
	DefaultPort = 1965
	// MaxRequestLength is the maximum length of a request URL, CRLF excluded.
	MaxRequestLength = 1024
)

func (s Status) String() string { return status.Code(s).String() }

// Class returns the first digit of the status (1 to 6).
func (s Status) Class() int { return int(s) / 10 }

// StatusFromHTTP maps an origin HTTP status code to the closest Gemini status.
func StatusFromHTTP(code int) Status {
	switch code {
	case 400:
		return StatusBadRequest
	case 404:
		return StatusNotFound
	case 410:
		return StatusGone
	case 429:
		return StatusSlowDown
	case 502, 504:
		return StatusProxyError
	case 503:
		return StatusServerUnavailable
	default:
		return StatusTemporaryFailure
	}
}
