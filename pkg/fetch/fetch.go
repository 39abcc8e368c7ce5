// Package fetch makes HTTP requests directly or through a proxy endpoint.
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// Options contains all the configuration options for making a fetch request
type Options struct {
	// Proxy to route through. http:// and https:// URLs are used as HTTP
	// proxies, anything else (socks5://, ss://, ...) as an outline transport
	// config. Empty means a direct connection.
	Transport string
	// HTTP method to use (default: "GET")
	Method string
	// Raw HTTP headers to add (without \r\n)
	Headers []string
	Body    io.Reader
	// Timeout for the whole request (default: 10s)
	Timeout time.Duration
	// Limit on the response body read (default: 1 MiB)
	MaxBody int64
}

// Result contains the response from a fetch request
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// Fetch makes an HTTP request with the given options
func Fetch(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBody == 0 {
		opts.MaxBody = 1 << 20
	}

	transport, err := newTransport(opts.Transport)
	if err != nil {
		return nil, err
	}
	defer transport.CloseIdleConnections()

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, rawURL, opts.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, opts.MaxBody))
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Latency:    time.Since(start),
	}, nil
}

func newTransport(proxy string) (*http.Transport, error) {
	if proxy == "" {
		return &http.Transport{Proxy: nil}, nil
	}

	if u, err := url.Parse(proxy); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return &http.Transport{Proxy: http.ProxyURL(u)}, nil
	}

	dialer, err := configurl.NewDefaultConfigToDialer().NewStreamDialer(proxy)
	if err != nil {
		return nil, fmt.Errorf("could not create dialer: %w", err)
	}
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !strings.HasPrefix(network, "tcp") {
			return nil, fmt.Errorf("protocol not supported: %v", network)
		}
		return dialer.DialStream(ctx, addr)
	}
	return &http.Transport{DialContext: dialContext}, nil
}
