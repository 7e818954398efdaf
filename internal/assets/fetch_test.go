package assets

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestFetchRejectsBadTargets(t *testing.T) {
	f := NewFetcher(1 << 20)
	tests := []struct {
		name string
		url  string
	}{
		{"loopback literal", "http://127.0.0.1/x"},
		{"loopback v6", "http://[::1]/x"},
		{"private literal", "http://10.0.0.5/x"},
		{"link local", "http://169.254.169.254/latest/meta-data"},
		{"unspecified", "http://0.0.0.0/x"},
		{"file scheme", "file:///etc/passwd"},
		{"ftp scheme", "ftp://example.com/x"},
		{"no host", "http:///x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := f.Fetch(context.Background(), tt.url); err == nil {
				t.Fatalf("Fetch(%q) succeeded", tt.url)
			}
		})
	}
}

func TestFetchRejectsHostResolvingToPrivate(t *testing.T) {
	f := NewFetcher(1 << 20)
	f.resolve = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.168.1.10")}, nil
	}
	_, _, err := f.Fetch(context.Background(), "http://evil.example.com/img.png")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("err = %v, want ErrBlockedAddress", err)
	}
}

func TestFetchRejectsWhenAnyAddressBlocked(t *testing.T) {
	// A host that resolves to one public and one private address is rejected
	// outright; picking only the public one would still allow rebinding games.
	f := NewFetcher(1 << 20)
	f.resolve = func(ctx context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("127.0.0.1")}, nil
	}
	_, _, err := f.Fetch(context.Background(), "http://mixed.example.com/img.png")
	if !errors.Is(err, ErrBlockedAddress) {
		t.Fatalf("err = %v, want ErrBlockedAddress", err)
	}
}

func TestPinnedDialerRejectsUnpinnedAddr(t *testing.T) {
	p := &pinnedDialer{hostPort: "example.com:80", ip: net.ParseIP("93.184.216.34")}
	if _, err := p.dial(context.Background(), "tcp", "other.example.com:80"); err == nil {
		t.Fatal("dial to unpinned address succeeded")
	}
}

func TestBlockedIP(t *testing.T) {
	blocked := []string{"127.0.0.1", "::1", "10.1.2.3", "172.16.0.1", "192.168.0.1", "169.254.169.254", "0.0.0.0", "224.0.0.1", "fe80::1"}
	for _, s := range blocked {
		if !blockedIP(net.ParseIP(s)) {
			t.Errorf("blockedIP(%s) = false", s)
		}
	}
	allowed := []string{"93.184.216.34", "8.8.8.8", "2606:2800:220:1:248:1893:25c8:1946"}
	for _, s := range allowed {
		if blockedIP(net.ParseIP(s)) {
			t.Errorf("blockedIP(%s) = true", s)
		}
	}
}
