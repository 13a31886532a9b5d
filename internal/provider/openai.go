package provider

import (
	"net/http"
	"strings"
)

// openAICompatible implements the OpenAI Chat/Completions/Embeddings
// wire protocol. OpenAI and Deepseek both speak this protocol against
// different hosts, so one implementation backs both adapters (spec
// §4.B.2's OpenAI / Deepseek row).
type openAICompatible struct {
	tag  string
	host string // e.g. "https://api.openai.com"
}

// NewOpenAI returns the adapter for OpenAI's own API.
func NewOpenAI() Adapter {
	return &openAICompatible{tag: "openai", host: "https://api.openai.com"}
}

// NewDeepseek returns the adapter for Deepseek's OpenAI-compatible API.
func NewDeepseek() Adapter {
	return &openAICompatible{tag: "deepseek", host: "https://api.deepseek.com"}
}

func (a *openAICompatible) Tag() string { return a.tag }

func (a *openAICompatible) Recognize(method, path string) (Recognition, error) {
	clean := strings.SplitN(path, "?", 2)[0]
	switch clean {
	case "/v1/chat/completions":
		return Recognition{Kind: EndpointChatCompletion}, nil
	case "/v1/completions":
		return Recognition{Kind: EndpointLegacyCompletion}, nil
	case "/v1/embeddings":
		return Recognition{Kind: EndpointEmbedding}, nil
	default:
		return Recognition{}, &UnknownEndpointError{Path: path}
	}
}

func (a *openAICompatible) Normalize(body []byte, header http.Header) []byte {
	return normalizeJSON(body)
}

func (a *openAICompatible) UpstreamURL(pathAndQuery string, rec Recognition) (string, error) {
	return a.host + pathAndQuery, nil
}

// Authorize passes the Authorization header through untouched — OpenAI
// and Deepseek both authenticate with a bearer API key the client
// already supplied (spec §4.B(4)).
func (a *openAICompatible) Authorize(req *UpstreamRequest, rec Recognition) error {
	return nil
}

func (a *openAICompatible) TranslateError(statusCode int, header http.Header, body []byte) (int, http.Header, []byte) {
	return statusCode, header, body
}
