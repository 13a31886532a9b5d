package provider

import (
	"net/http"
	"regexp"
	"strings"
)

// azureAdapter implements the Azure OpenAI deployment-based wire
// protocol (spec §4.B.2). Azure OpenAI is multi-tenant by resource
// name (https://{resource}.openai.azure.com/...), and that resource
// name isn't part of the path — the client supplies it the same way it
// supplies credentials, via an X-Azure-Resource header, which this
// adapter strips before forwarding so it never reaches the upstream as
// an extra header.
type azureAdapter struct{}

func NewAzure() Adapter {
	return &azureAdapter{}
}

var azureDeploymentPath = regexp.MustCompile(`^/openai/deployments/([^/]+)/(chat/completions|completions|embeddings)$`)

func (a *azureAdapter) Tag() string { return "azure_openai" }

func (a *azureAdapter) Recognize(method, path string) (Recognition, error) {
	clean := strings.SplitN(path, "?", 2)[0]
	m := azureDeploymentPath.FindStringSubmatch(clean)
	if m == nil {
		return Recognition{}, &UnknownEndpointError{Path: path}
	}

	var kind EndpointKind
	switch m[2] {
	case "chat/completions":
		kind = EndpointChatCompletion
	case "completions":
		kind = EndpointLegacyCompletion
	case "embeddings":
		kind = EndpointEmbedding
	}
	return Recognition{Kind: kind, ModelID: m[1]}, nil
}

func (a *azureAdapter) Normalize(body []byte, header http.Header) []byte {
	return normalizeJSON(body)
}

// UpstreamURL can't resolve the real host yet — the resource name
// travels in a header, not the path, and isn't available until
// Authorize runs. It returns a placeholder host that Authorize
// rewrites once it reads X-Azure-Resource, keeping UpstreamURL's
// signature uniform across adapters.
func (a *azureAdapter) UpstreamURL(pathAndQuery string, rec Recognition) (string, error) {
	return "{azure-resource}" + pathAndQuery, nil
}

func (a *azureAdapter) Authorize(req *UpstreamRequest, rec Recognition) error {
	resource := req.Header.Get("X-Azure-Resource")
	req.Header.Del("X-Azure-Resource")
	if resource == "" {
		return &AuthError{Message: "missing X-Azure-Resource header identifying the target Azure OpenAI resource"}
	}
	req.URL = resolveAzureHost(req.URL, resource)
	return nil
}

func resolveAzureHost(urlWithPlaceholder, resource string) string {
	const placeholder = "{azure-resource}"
	host := "https://" + resource + ".openai.azure.com"
	return host + urlWithPlaceholder[len(placeholder):]
}

func (a *azureAdapter) TranslateError(statusCode int, header http.Header, body []byte) (int, http.Header, []byte) {
	return statusCode, header, body
}

