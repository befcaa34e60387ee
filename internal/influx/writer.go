// Package influx writes measurements to an InfluxDB v2 compatible write API.
package influx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	"cloudpico-beam/internal/config"
	"cloudpico-beam/internal/telemetry"
)

// ErrEncode marks a batch that cannot be expressed in line protocol.
// Sending it again will not help.
var ErrEncode = errors.New("line protocol encode")

// StatusError is a non-2xx answer from the endpoint.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("write api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("write api: %d %s: %s", e.Code, http.StatusText(e.Code), e.Message)
}

const maxErrorBody = 4 << 10

type Writer struct {
	client *http.Client
}

// NewWriter uses client for requests; nil means http.DefaultClient. Timeouts
// come from the request context.
func NewWriter(client *http.Client) *Writer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Writer{client: client}
}

// Write posts ms to the endpoint's org and bucket in one request.
func (w *Writer) Write(ctx context.Context, ep config.Endpoint, ms []telemetry.Measurement) error {
	body, err := Encode(ms)
	if err != nil {
		return err
	}

	u, err := writeURL(ep)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+ep.Token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Message: errorMessage(raw)}
}

func writeURL(ep config.Endpoint) (string, error) {
	base, err := url.Parse(strings.TrimRight(ep.URL, "/"))
	if err != nil {
		return "", fmt.Errorf("endpoint url: %w", err)
	}
	base = base.JoinPath("api", "v2", "write")
	q := base.Query()
	q.Set("org", ep.Org)
	q.Set("bucket", ep.Bucket)
	q.Set("precision", "ns")
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// The v2 API answers errors with {"code": "...", "message": "..."}.
func errorMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Message != "" {
		return body.Message
	}
	return strings.TrimSpace(string(raw))
}

// Encode renders ms as line protocol with nanosecond timestamps. Tags are
// written in key order and empty tag values are omitted.
func Encode(ms []telemetry.Measurement) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	for _, m := range ms {
		if len(m.Fields) == 0 {
			return nil, fmt.Errorf("%w: measurement %q has no fields", ErrEncode, m.Name)
		}
		enc.StartLine(m.Name)

		for _, k := range sortedKeys(m.Tags) {
			if v := m.Tags[k]; v != "" {
				enc.AddTag(k, v)
			}
		}
		for _, k := range sortedKeys(m.Fields) {
			v, ok := lineprotocol.FloatValue(m.Fields[k])
			if !ok {
				return nil, fmt.Errorf("%w: field %s.%s is not finite", ErrEncode, m.Name, k)
			}
			enc.AddField(k, v)
		}
		enc.EndLine(m.Timestamp)
	}

	if err := enc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return enc.Bytes(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
