package logging

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"

	"github.com/rubberduck/rubberduck/internal/store"
)

// csvColumns lists the LogEntry fields (spec §3) written to CSV, in export
// order: every field except the optional token_usage and cost, which the
// CSV export leaves out (WriteJSONL includes them). Request/response
// bodies and credentials are never in LogEntry to begin with, so
// exporting its fields is always safe (spec §4.G "Export... must not
// include credentials or bodies").
var csvColumns = []string{
	"id", "timestamp", "proxy_id", "client_ip", "method", "path",
	"status_code", "latency_ms", "cache_hit", "prompt_hash",
	"upstream_bytes", "failure_type", "response_delay_ms",
}

// WriteCSV writes entries as CSV with a header row.
func WriteCSV(w io.Writer, entries []*store.LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvColumns); err != nil {
		return err
	}
	for _, e := range entries {
		if err := cw.Write(rowFor(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSONL writes entries one JSON object per line.
func WriteJSONL(w io.Writer, entries []*store.LogEntry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func rowFor(e *store.LogEntry) []string {
	return []string{
		e.ID,
		e.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		e.ProxyID,
		e.ClientIP,
		e.Method,
		e.Path,
		strconv.Itoa(e.StatusCode),
		strconv.FormatInt(e.LatencyMs, 10),
		strconv.FormatBool(e.CacheHit),
		e.PromptHash,
		strconv.FormatInt(e.UpstreamBytes, 10),
		string(e.FailureType),
		strconv.FormatInt(e.ResponseDelayMs, 10),
	}
}
