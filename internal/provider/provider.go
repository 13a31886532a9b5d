// Package provider implements the per-vendor request normalization, path
// recognition, upstream URL synthesis, and authorization handling spec
// §4.B requires — one adapter per supported LLM vendor, discovered at
// process start and dispatched on a proxy's provider_tag. No runtime
// plugin loading: every adapter is compiled in (spec §9).
package provider

import (
	"fmt"
	"net/http"
)

// EndpointKind abstractly labels a provider operation, assigned by the
// adapter at recognition time (spec glossary).
type EndpointKind string

const (
	EndpointChatCompletion    EndpointKind = "chat_completion"
	EndpointLegacyCompletion  EndpointKind = "legacy_completion"
	EndpointEmbedding         EndpointKind = "embedding"
	EndpointMessages          EndpointKind = "messages"
	EndpointComplete          EndpointKind = "complete"
	EndpointBedrockInvoke     EndpointKind = "invoke"
	EndpointBedrockInvokeSSE  EndpointKind = "invoke_with_response_stream"
	EndpointBedrockFoundation EndpointKind = "foundation_models"
	EndpointBedrockCustom     EndpointKind = "custom_models"
	EndpointGenerateContent   EndpointKind = "generate_content"
)

// UnknownEndpointError is returned by Recognize when no path pattern
// matches (spec §4.B.1).
type UnknownEndpointError struct {
	Path string
}

func (e *UnknownEndpointError) Error() string {
	return fmt.Sprintf("unrecognized endpoint path %q", e.Path)
}

// AuthError is returned by Authorize when a request can't be
// authorized against the upstream (spec §4.B.1, Bedrock without
// credentials).
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Recognition is the result of classifying an inbound request path.
type Recognition struct {
	Kind    EndpointKind
	ModelID string // populated when the path carries a model/deployment id
}

// UpstreamRequest is the fully prepared request ready to send upstream:
// method, URL, headers (including auth) and body. The handler builds it
// from the inbound *http.Request and the adapter's UpstreamURL; Authorize
// then adjusts its headers (and, for some adapters, its URL) in place.
type UpstreamRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Adapter is implemented once per supported vendor. All five operations
// named in spec §4.B are methods here.
type Adapter interface {
	// Tag identifies the adapter for proxy.provider_tag dispatch.
	Tag() string

	// Recognize classifies an inbound request path.
	Recognize(method, path string) (Recognition, error)

	// Normalize produces a canonical byte string suitable for hashing,
	// per the rules in spec §4.B(2).
	Normalize(body []byte, header http.Header) []byte

	// UpstreamURL computes the real provider URL for path (and any
	// query string already present on it).
	UpstreamURL(pathAndQuery string, rec Recognition) (string, error)

	// Authorize prepares the outbound request: either pass-through
	// credential headers unchanged, or re-sign (Bedrock).
	Authorize(req *UpstreamRequest, rec Recognition) error

	// TranslateError rewrites an upstream error response if this
	// adapter declares it necessary. Most adapters are pass-through
	// and return the response unchanged.
	TranslateError(statusCode int, header http.Header, body []byte) (int, http.Header, []byte)
}

// RegionConfigurable is implemented by adapters whose default upstream
// region can be changed after construction. Only the Bedrock adapter
// implements it today; the config watcher type-asserts for it when
// rubberduckd.yaml's bedrock.defaultRegion changes (spec §10
// "Configuration").
type RegionConfigurable interface {
	SetDefaultRegion(region string)
}
