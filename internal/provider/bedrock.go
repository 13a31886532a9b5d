package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// bedrockAdapter implements AWS Bedrock's invoke/invoke-with-response-stream
// wire protocol, including the SigV4 re-signing spec §4.B.1 requires.
//
// Signing follows the same shape as a plain net/http client hitting AWS
// directly: build the request, compute a body hash, call the v4 signer
// with a static credentials provider built from the headers the client
// supplied. There is no AWS SDK service client involved — Bedrock's
// request/response bodies pass through unchanged; only the
// Authorization header is synthesized.
//
// region is an atomic.Value (not a plain string) so SetDefaultRegion can
// be called from the config watcher's reload goroutine while in-flight
// requests are reading it on other goroutines (spec §10 "Configuration"
// hot-reload).
type bedrockAdapter struct {
	region atomic.Value // string
	signer *v4.Signer
}

func NewBedrock(defaultRegion string) Adapter {
	a := &bedrockAdapter{signer: v4.NewSigner()}
	a.region.Store(defaultRegion)
	return a
}

// SetDefaultRegion updates the region used for Bedrock requests that
// don't otherwise specify one (via X-AWS-Region), taking effect on the
// next request. Implements RegionConfigurable.
func (a *bedrockAdapter) SetDefaultRegion(region string) {
	a.region.Store(region)
}

func (a *bedrockAdapter) defaultRegion() string {
	return a.region.Load().(string)
}

var bedrockInvokePath = regexp.MustCompile(`^/model/([a-zA-Z0-9._:-]+)/(invoke|invoke-with-response-stream)$`)

func (a *bedrockAdapter) Tag() string { return "aws_bedrock" }

func (a *bedrockAdapter) Recognize(method, path string) (Recognition, error) {
	clean := strings.SplitN(path, "?", 2)[0]

	if m := bedrockInvokePath.FindStringSubmatch(clean); m != nil {
		kind := EndpointBedrockInvoke
		if m[2] == "invoke-with-response-stream" {
			kind = EndpointBedrockInvokeSSE
		}
		return Recognition{Kind: kind, ModelID: m[1]}, nil
	}

	switch clean {
	case "/foundation-models":
		return Recognition{Kind: EndpointBedrockFoundation}, nil
	case "/custom-models":
		return Recognition{Kind: EndpointBedrockCustom}, nil
	default:
		return Recognition{}, &UnknownEndpointError{Path: path}
	}
}

func (a *bedrockAdapter) Normalize(body []byte, header http.Header) []byte {
	return normalizeJSON(body)
}

func (a *bedrockAdapter) UpstreamURL(pathAndQuery string, rec Recognition) (string, error) {
	region := a.defaultRegion()
	host := "bedrock-runtime." + region + ".amazonaws.com"
	switch rec.Kind {
	case EndpointBedrockFoundation, EndpointBedrockCustom:
		host = "bedrock." + region + ".amazonaws.com"
	}
	return "https://" + host + pathAndQuery, nil
}

// IsBedrockStreaming reports whether rec is the invoke-with-response-stream
// endpoint, which the handler must forward incrementally rather than
// buffer (spec §4.B.2, open question resolved in favor of incremental
// forwarding).
func IsBedrockStreaming(rec Recognition) bool {
	return rec.Kind == EndpointBedrockInvokeSSE
}

// Authorize implements both Bedrock auth modes (spec §4.B.1).
//
// Custom-headers mode: the client sends unsigned body plus
// X-AWS-Access-Key / X-AWS-Secret-Key / optional X-AWS-Session-Token.
// Those headers are stripped and used to build a SigV4 signature over
// the real Bedrock request.
//
// Signed-passthrough mode: the client already set an AWS4-HMAC-SHA256
// Authorization header. It's forwarded as-is; Bedrock will reject it
// because the signature was computed over the proxy's host, not
// Bedrock's. This is documented as lossy — no attempt is made to
// rewrite it.
func (a *bedrockAdapter) Authorize(req *UpstreamRequest, rec Recognition) error {
	if strings.HasPrefix(req.Header.Get("Authorization"), "AWS4-HMAC-SHA256") {
		return nil
	}

	accessKey := req.Header.Get("X-AWS-Access-Key")
	secretKey := req.Header.Get("X-AWS-Secret-Key")
	sessionToken := req.Header.Get("X-AWS-Session-Token")
	req.Header.Del("X-AWS-Access-Key")
	req.Header.Del("X-AWS-Secret-Key")
	req.Header.Del("X-AWS-Session-Token")

	if accessKey == "" || secretKey == "" {
		return &AuthError{Message: "missing Bedrock credentials: supply X-AWS-Access-Key and X-AWS-Secret-Key headers, or a pre-signed AWS4-HMAC-SHA256 Authorization header"}
	}

	region := a.defaultRegion()
	if r := req.Header.Get("X-AWS-Region"); r != "" {
		region = r
		req.Header.Del("X-AWS-Region")
	}

	credsProvider := credentials.NewStaticCredentialsProvider(accessKey, secretKey, sessionToken)
	ctx := context.Background()
	creds, err := credsProvider.Retrieve(ctx)
	if err != nil {
		return &AuthError{Message: "resolving Bedrock credentials: " + err.Error()}
	}

	httpReq, err := http.NewRequest(req.Method, req.URL, nil)
	if err != nil {
		return &AuthError{Message: "building request to sign: " + err.Error()}
	}
	httpReq.Header = req.Header.Clone()

	bodyHash := sha256Hex(req.Body)

	if err := a.signer.SignHTTP(ctx, creds, httpReq, bodyHash, "bedrock", region, time.Now()); err != nil {
		return &AuthError{Message: "signing Bedrock request: " + err.Error()}
	}

	req.Header = httpReq.Header
	return nil
}

func (a *bedrockAdapter) TranslateError(statusCode int, header http.Header, body []byte) (int, http.Header, []byte) {
	return statusCode, header, body
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
