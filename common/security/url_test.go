package security

import (
	"net"
	"strings"
	"testing"
)

func TestURLGuard_AllowsPublicHTTPS(t *testing.T) {
	g := NewURLGuard(false, nil)
	g.lookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	if err := g.Validate("https://api.example.com/v1/prices?symbol=ETH"); err != nil {
		t.Fatalf("public https URL rejected: %v", err)
	}
}

func TestURLGuard_BlocksSchemes(t *testing.T) {
	g := NewURLGuard(false, nil)

	for _, raw := range []string{
		"file:///etc/passwd",
		"ftp://example.com/data",
		"gopher://example.com",
		"redis://localhost:6379",
	} {
		if err := g.Validate(raw); err == nil {
			t.Errorf("scheme of %q should be rejected", raw)
		}
	}
}

func TestURLGuard_BlocksLoopbackAndPrivate(t *testing.T) {
	g := NewURLGuard(false, nil)

	cases := []string{
		"http://localhost:8080/admin",
		"http://127.0.0.1/",
		"http://[::1]/",
		"http://0.0.0.0/",
		"http://10.0.0.5/internal",
		"http://192.168.1.1/router",
		"http://169.254.169.254/latest/meta-data/",
	}
	for _, raw := range cases {
		if err := g.Validate(raw); err == nil {
			t.Errorf("%q should be rejected", raw)
		}
	}
}

func TestURLGuard_BlocksHostsResolvingToPrivate(t *testing.T) {
	g := NewURLGuard(false, nil)
	g.lookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("10.1.2.3")}, nil
	}

	err := g.Validate("http://internal.example.com/query")
	if err == nil {
		t.Fatal("host resolving to a private IP should be rejected")
	}
	if !strings.Contains(err.Error(), "private network") {
		t.Errorf("error should name the private network, got %v", err)
	}
}

func TestURLGuard_DNSFailureIsNotAViolation(t *testing.T) {
	g := NewURLGuard(false, nil)
	g.lookupIP = func(string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "no such host", Name: "gone.example.com"}
	}

	if err := g.Validate("https://gone.example.com/"); err != nil {
		t.Fatalf("unresolvable host should pass screening (request fails later): %v", err)
	}
}

func TestURLGuard_AllowPrivateLiftsIPChecks(t *testing.T) {
	g := NewURLGuard(true, nil)

	if err := g.Validate("http://192.168.1.50:9000/hook"); err != nil {
		t.Fatalf("private IP should pass with allowPrivate: %v", err)
	}
	// The explicit blocklist still applies.
	if err := g.Validate("http://localhost/"); err == nil {
		t.Error("localhost stays blocked even with allowPrivate")
	}
}

func TestURLGuard_OperatorBlocklist(t *testing.T) {
	g := NewURLGuard(false, []string{"Payments.Internal.Example.com"})
	g.lookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	if err := g.Validate("https://payments.internal.example.com/charge"); err == nil {
		t.Fatal("operator-blocked host should be rejected case-insensitively")
	}
}

func TestURLGuard_BlocksTraversalPaths(t *testing.T) {
	g := NewURLGuard(true, nil)

	cases := []string{
		"http://example.com/../../etc/passwd",
		"http://example.com/download?path=%2e%2e%2fsecrets",
		"http://example.com/read?f=/etc/shadow",
	}
	for _, raw := range cases {
		if err := g.Validate(raw); err == nil {
			t.Errorf("%q should be rejected", raw)
		}
	}
}
