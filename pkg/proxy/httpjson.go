package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"egress-pool/pkg/fetch"
)

func requestJSON(ctx context.Context, method, url string, headers []string, body interface{}) (interface{}, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
		headers = append(headers, "Content-Type: application/json")
	}
	headers = append(headers, "Accept: application/json")

	res, err := fetch.Fetch(ctx, url, fetch.Options{
		Method:  method,
		Headers: headers,
		Body:    reader,
		Timeout: timeoutFrom(ctx),
	})
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d: %s", res.StatusCode, snippet(res.Body))
	}
	return parseJSON(res.Body)
}

func snippet(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// timeoutFrom converts the context deadline into a fetch timeout so the
// http.Client and the context agree.
func timeoutFrom(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return 0
}
