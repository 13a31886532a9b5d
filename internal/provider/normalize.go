package provider

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
)

// nonDeterministicFields are dropped before hashing because they vary
// between otherwise-identical requests without changing what the
// provider is being asked to do (spec §4.B(2)).
var nonDeterministicFields = map[string]bool{
	"stream":         true,
	"stream_options": true,
	"user":           true,
	"seed":           true,
	"salt":           true,
}

// normalizeJSON implements the shared canonicalization rules every
// adapter's Normalize delegates to: parse as structured data, drop
// non-deterministic fields, round floats to 2 decimal places, and emit
// object keys in sorted order. Bodies that aren't valid JSON are
// returned as their raw bytes, unchanged.
//
// encoding/json.Marshal already emits map[string]any keys in sorted
// order, so canonicalizing reduces to: decode, strip/round, re-encode.
func normalizeJSON(body []byte) []byte {
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return body
	}

	canon := canonicalize(parsed)

	out, err := json.Marshal(canon)
	if err != nil {
		return body
	}
	return out
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		keys := make([]string, 0, len(t))
		for k := range t {
			if nonDeterministicFields[k] {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = canonicalize(t[k])
		}
		return out

	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out

	case float64:
		return roundTo2(t)

	default:
		return v
	}
}

func roundTo2(f float64) float64 {
	return math.Round(f*100) / 100
}

// headerString returns the first value of h[key], case-insensitively
// ("" if absent or if h is nil). No adapter calls it; they read headers
// with http.Header.Get directly.
func headerString(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}
