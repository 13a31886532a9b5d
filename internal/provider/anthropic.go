package provider

import (
	"net/http"
	"strings"
)

// anthropicAdapter implements the Anthropic Messages/Complete wire
// protocol (spec §4.B.2).
type anthropicAdapter struct {
	host string
}

func NewAnthropic() Adapter {
	return &anthropicAdapter{host: "https://api.anthropic.com"}
}

func (a *anthropicAdapter) Tag() string { return "anthropic" }

func (a *anthropicAdapter) Recognize(method, path string) (Recognition, error) {
	switch strings.SplitN(path, "?", 2)[0] {
	case "/v1/messages", "/messages":
		return Recognition{Kind: EndpointMessages}, nil
	case "/v1/complete", "/complete":
		return Recognition{Kind: EndpointComplete}, nil
	default:
		return Recognition{}, &UnknownEndpointError{Path: path}
	}
}

func (a *anthropicAdapter) Normalize(body []byte, header http.Header) []byte {
	return normalizeJSON(body)
}

func (a *anthropicAdapter) UpstreamURL(pathAndQuery string, rec Recognition) (string, error) {
	return a.host + pathAndQuery, nil
}

// Authorize passes x-api-key / anthropic-version headers through
// unchanged — Anthropic authenticates via a header the client already
// set (spec §4.B(4)).
func (a *anthropicAdapter) Authorize(req *UpstreamRequest, rec Recognition) error {
	return nil
}

func (a *anthropicAdapter) TranslateError(statusCode int, header http.Header, body []byte) (int, http.Header, []byte) {
	return statusCode, header, body
}
