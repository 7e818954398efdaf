package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	fetchTimeout  = 30 * time.Second
	fetchRedirect = 5
)

// ErrBlockedAddress is returned for fetch targets that resolve to loopback,
// link-local, or private address space.
var ErrBlockedAddress = errors.New("target address not allowed")

// Fetcher downloads remote media referenced by URL attachments. Hostnames are
// resolved up front, the resolved address is validated and then pinned into
// the dialer so a DNS flip between check and connect cannot reach a private
// address. Redirect targets go through the same resolve-validate-pin cycle.
type Fetcher struct {
	maxBytes int64
	resolve  func(ctx context.Context, host string) ([]net.IP, error)
}

// NewFetcher returns a fetcher capped at maxBytes per download.
func NewFetcher(maxBytes int64) *Fetcher {
	return &Fetcher{
		maxBytes: maxBytes,
		resolve: func(ctx context.Context, host string) ([]net.IP, error) {
			addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]net.IP, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP)
			}
			return ips, nil
		},
	}
}

// Fetch downloads rawURL and returns the body and its content type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, "", errors.New("missing hostname")
	}

	pin, err := f.pinFor(ctx, parsed)
	if err != nil {
		return nil, "", err
	}

	redirects := 0
	client := &http.Client{
		Transport: &http.Transport{
			DialContext:         pin.dial,
			TLSHandshakeTimeout: 15 * time.Second,
			IdleConnTimeout:     30 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			redirects++
			if redirects > fetchRedirect {
				return fmt.Errorf("stopped after %d redirects", fetchRedirect)
			}
			next, err := f.pinFor(req.Context(), req.URL)
			if err != nil {
				return err
			}
			pin.swap(next)
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", fmt.Errorf("body exceeds %d bytes", f.maxBytes)
	}

	mime := resp.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return body, mime, nil
}

// pinnedDialer rewrites the dial address for a known host:port to the vetted
// IP. swap retargets it for redirects; the transport reuses one dialer.
type pinnedDialer struct {
	hostPort string
	ip       net.IP
}

func (f *Fetcher) pinFor(ctx context.Context, u *url.URL) (*pinnedDialer, error) {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := f.resolve(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", host, err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlockedAddress, host, ip)
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	return &pinnedDialer{hostPort: net.JoinHostPort(host, port), ip: ips[0]}, nil
}

func (p *pinnedDialer) swap(next *pinnedDialer) {
	p.hostPort = next.hostPort
	p.ip = next.ip
}

func (p *pinnedDialer) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if addr != p.hostPort {
		return nil, fmt.Errorf("dial %s not pinned", addr)
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	return d.DialContext(ctx, network, net.JoinHostPort(p.ip.String(), port))
}

// blockedIP rejects loopback, link-local, private, unspecified, and multicast
// address space.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
