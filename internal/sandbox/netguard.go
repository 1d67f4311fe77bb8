package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"
)

const maxFetchBody = 4 << 20 // 4 MiB

var (
	errSchemeDenied = errors.New("scheme must be http or https")
	errHostDenied   = errors.New("destination is always denied")
	errNotAllowed   = errors.New("destination host is not in the network allow-list")
)

// NetPolicy decides which outbound destinations a skill may reach. The
// allow-list comes from the manifest; the denylist (loopback, private and
// link-local ranges, the node's own hostname, non-http schemes) applies
// regardless of what the manifest declares.
type NetPolicy struct {
	allow   []string
	ownHost string
}

// NewNetPolicy builds a policy from the manifest's network allow-list.
func NewNetPolicy(allow []string) *NetPolicy {
	hostname, _ := os.Hostname()
	return &NetPolicy{
		allow:   allow,
		ownHost: strings.ToLower(hostname),
	}
}

// CheckURL validates a destination before any connection is attempted.
func (p *NetPolicy) CheckURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return errSchemeDenied
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return errHostDenied
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return errHostDenied
	}
	if p.ownHost != "" && host == p.ownHost {
		return errHostDenied
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if deniedAddr(addr) {
			return errHostDenied
		}
	}

	if !p.hostAllowed(host) {
		return errNotAllowed
	}
	return nil
}

// hostAllowed checks the manifest allow-list: exact entry, *.domain
// suffix entry, or the literal wildcard "*".
func (p *NetPolicy) hostAllowed(host string) bool {
	for _, entry := range p.allow {
		entry = strings.ToLower(entry)
		switch {
		case entry == "*":
			return true
		case strings.HasPrefix(entry, "*."):
			if strings.HasSuffix(host, entry[1:]) {
				return true
			}
		case entry == host:
			return true
		}
	}
	return false
}

// deniedAddr reports whether an address falls in a range the sandbox may
// never reach.
func deniedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsMulticast() ||
		addr.IsUnspecified()
}

// FetchRequest is the guest-facing shape of an outbound HTTP call.
type FetchRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is returned to the guest.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Fetcher performs policy-checked outbound HTTP calls for a sandbox.
type Fetcher struct {
	policy *NetPolicy
	client *http.Client
}

// NewFetcher wires a policy into an HTTP client whose dialer re-checks
// every resolved address, so a DNS answer pointing an allowed name at a
// denied range still fails.
func NewFetcher(policy *NetPolicy) *Fetcher {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
			if err != nil {
				return nil, err
			}
			var lastErr error
			for _, a := range addrs {
				if deniedAddr(a) {
					lastErr = errHostDenied
					continue
				}
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = fmt.Errorf("no addresses for %s", host)
			}
			return nil, lastErr
		},
		MaxIdleConns:        4,
		IdleConnTimeout:     time.Minute,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects")
			}
			return policy.CheckURL(req.URL)
		},
	}

	return &Fetcher{policy: policy, client: client}
}

// Do executes one guest fetch.
func (f *Fetcher) Do(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if err := f.policy.CheckURL(u); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &FetchResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(data),
	}, nil
}
