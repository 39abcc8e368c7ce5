// Package connectivity runs an outline-sdk DNS reachability test through a
// proxy transport, recording the DNS lookups and connections it made.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/dns"
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
	"github.com/Jigsaw-Code/outline-sdk/x/connectivity"
)

type Report struct {
	Resolver    string       `json:"resolver"`
	Proto       string       `json:"proto"`
	Time        time.Time    `json:"time"`
	DurationMs  int64        `json:"duration_ms"`
	Error       *ErrorRecord `json:"error,omitempty"`
	DNSQueries  []DNSReport  `json:"dns_queries,omitempty"`
	Connections []ConnReport `json:"connections,omitempty"`
}

type DNSReport struct {
	QueryName  string   `json:"query_name"`
	DurationMs int64    `json:"duration_ms"`
	AnswerIPs  []string `json:"answer_ips,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// ConnReport is one dial made by the base dialer, i.e. the hop to the proxy.
type ConnReport struct {
	Network    string `json:"network"`
	Hostname   string `json:"hostname"`
	IP         string `json:"ip"`
	Port       string `json:"port"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type ErrorRecord struct {
	Op string `json:"op,omitempty"`
	// Posix error, when available
	PosixError string `json:"posix_error,omitempty"`
	Msg        string `json:"msg,omitempty"`
	MsgVerbose string `json:"msg_verbose,omitempty"`
}

func (r Report) IsSuccess() bool {
	return r.Error == nil
}

func makeErrorRecord(result *connectivity.ConnectivityError) *ErrorRecord {
	if result == nil {
		return nil
	}
	return &ErrorRecord{
		Op:         result.Op,
		PosixError: result.PosixError,
		Msg:        findBaseError(result.Err).Error(),
		MsgVerbose: result.Err.Error(),
	}
}

// findBaseError unwraps an error chain to find the most basic underlying error
func findBaseError(err error) error {
	for err != nil {
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			if errs := joined.Unwrap(); len(errs) > 0 {
				// the last joined error is usually the most specific
				err = errs[len(errs)-1]
				continue
			}
		}
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err
		}
		err = unwrapped
	}
	return err
}

// tracer collects DNS and dial observations from the base dialers.
type tracer struct {
	mu    sync.Mutex
	dns   []DNSReport
	conns []ConnReport
}

func (t *tracer) trace(ctx context.Context, network, hostname string) context.Context {
	var dnsStart, dialStart time.Time
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		DNSStart: func(di httptrace.DNSStartInfo) {
			dnsStart = time.Now()
		},
		DNSDone: func(di httptrace.DNSDoneInfo) {
			r := DNSReport{QueryName: hostname, DurationMs: time.Since(dnsStart).Milliseconds()}
			if di.Err != nil {
				r.Error = di.Err.Error()
			}
			for _, ip := range di.Addrs {
				r.AnswerIPs = append(r.AnswerIPs, ip.IP.String())
			}
			t.mu.Lock()
			t.dns = append(t.dns, r)
			t.mu.Unlock()
		},
		ConnectStart: func(_, addr string) {
			dialStart = time.Now()
		},
		ConnectDone: func(_, addr string, connErr error) {
			ip, port, err := net.SplitHostPort(addr)
			if err != nil {
				return
			}
			r := ConnReport{
				Network:    network,
				Hostname:   hostname,
				IP:         ip,
				Port:       port,
				DurationMs: time.Since(dialStart).Milliseconds(),
			}
			if connErr != nil {
				r.Error = connErr.Error()
			}
			t.mu.Lock()
			t.conns = append(t.conns, r)
			t.mu.Unlock()
		},
	})
}

// Check resolves domain with the DNS server at resolver, reaching it through
// transportConfig over proto ("tcp" or "udp"). A failed resolution is
// reported in Report.Error; the returned error is for bad input.
func Check(ctx context.Context, transportConfig, proto, resolver, domain string) (Report, error) {
	resolverAddress := net.JoinHostPort(resolver, "53")
	t := &tracer{}
	tcp := &transport.TCPDialer{}
	udp := &transport.UDPDialer{}
	configToDialer := configurl.NewDefaultConfigToDialer()
	configToDialer.BaseStreamDialer = transport.FuncStreamDialer(func(ctx context.Context, addr string) (transport.StreamConn, error) {
		hostname, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return tcp.DialStream(t.trace(ctx, "tcp", hostname), addr)
	})
	configToDialer.BasePacketDialer = transport.FuncPacketDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		hostname, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		return udp.DialPacket(t.trace(ctx, "udp", hostname), addr)
	})

	var dnsResolver dns.Resolver
	switch proto {
	case "tcp":
		streamDialer, err := configToDialer.NewStreamDialer(transportConfig)
		if err != nil {
			return Report{}, fmt.Errorf("could not create stream dialer: %w", err)
		}
		dnsResolver = dns.NewTCPResolver(streamDialer, resolverAddress)
	case "udp":
		packetDialer, err := configToDialer.NewPacketDialer(transportConfig)
		if err != nil {
			return Report{}, fmt.Errorf("could not create packet dialer: %w", err)
		}
		dnsResolver = dns.NewUDPResolver(packetDialer, resolverAddress)
	default:
		return Report{}, errors.New("invalid protocol")
	}

	startTime := time.Now()
	result, err := connectivity.TestConnectivityWithResolver(ctx, dnsResolver, domain)
	if err != nil {
		return Report{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return Report{
		Resolver:    resolverAddress,
		Proto:       proto,
		Time:        startTime.UTC().Truncate(time.Second),
		DurationMs:  time.Since(startTime).Milliseconds(),
		Error:       makeErrorRecord(result),
		DNSQueries:  t.dns,
		Connections: t.conns,
	}, nil
}
