package provider

import (
	"net/http"
	"regexp"
	"strings"
)

// vertexAdapter implements the Google Vertex AI generateContent wire
// protocol (spec §4.B.2). The upstream host is region-specific
// (https://{location}-aiplatform.googleapis.com), derived straight from
// the location path parameter — no extra header needed, unlike Azure.
type vertexAdapter struct{}

func NewVertex() Adapter {
	return &vertexAdapter{}
}

var vertexPath = regexp.MustCompile(`^/projects/([^/]+)/locations/([^/]+)/publishers/google/models/([^/:]+):generateContent$`)

func (a *vertexAdapter) Tag() string { return "vertex_ai" }

func (a *vertexAdapter) Recognize(method, path string) (Recognition, error) {
	clean := strings.SplitN(path, "?", 2)[0]
	m := vertexPath.FindStringSubmatch(clean)
	if m == nil {
		return Recognition{}, &UnknownEndpointError{Path: path}
	}
	return Recognition{Kind: EndpointGenerateContent, ModelID: m[3]}, nil
}

func (a *vertexAdapter) Normalize(body []byte, header http.Header) []byte {
	return normalizeJSON(body)
}

func (a *vertexAdapter) UpstreamURL(pathAndQuery string, rec Recognition) (string, error) {
	clean := strings.SplitN(pathAndQuery, "?", 2)[0]
	m := vertexPath.FindStringSubmatch(clean)
	location := "us-central1"
	if m != nil {
		location = m[2]
	}
	return "https://" + location + "-aiplatform.googleapis.com" + pathAndQuery, nil
}

// Authorize passes the bearer OAuth2 token through unchanged — Vertex
// authenticates the way the client already authenticated with Google
// (spec §4.B(4)).
func (a *vertexAdapter) Authorize(req *UpstreamRequest, rec Recognition) error {
	return nil
}

func (a *vertexAdapter) TranslateError(statusCode int, header http.Header, body []byte) (int, http.Header, []byte) {
	return statusCode, header, body
}
