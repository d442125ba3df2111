package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in       string
		wantNorm string
		wantHost string
		wantOK   bool
	}{
		{"https://example.com", "https://example.com", "example.com", true},
		{"https://Example.COM:443", "https://example.com", "example.com", true},
		{"http://example.com:80", "http://example.com", "example.com", true},
		{"http://example.com:8080", "http://example.com:8080", "example.com:8080", true},
		{"https://[2001:db8::1]:8443", "https://[2001:db8::1]:8443", "[2001:db8::1]:8443", true},
		{"null", "null", "", true},
		{"", "", "", false},
		{"ftp://example.com", "", "", false},
		{"https://user@example.com", "", "", false},
		{"https://example.com/path", "", "", false},
		{"https://example.com?q=1", "", "", false},
		{"https://example.com:0", "", "", false},
		{"not a url", "", "", false},
	}
	for _, tc := range tests {
		norm, host, ok := NormalizeHeader(tc.in)
		if ok != tc.wantOK || norm != tc.wantNorm || host != tc.wantHost {
			t.Fatalf("NormalizeHeader(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tc.in, norm, host, ok, tc.wantNorm, tc.wantHost, tc.wantOK)
		}
	}
}

func TestIsAllowed_Allowlist(t *testing.T) {
	allow := []string{"https://app.example.com"}
	if !IsAllowed("https://app.example.com", "app.example.com", "relay.internal:8080", allow) {
		t.Fatalf("allowlisted origin rejected")
	}
	if IsAllowed("https://evil.example.com", "evil.example.com", "relay.internal:8080", allow) {
		t.Fatalf("non-allowlisted origin accepted")
	}
	if !IsAllowed("https://anything.example", "anything.example", "relay.internal", []string{"*"}) {
		t.Fatalf("wildcard allowlist rejected an origin")
	}
}

func TestIsAllowed_SameHostDefault(t *testing.T) {
	if !IsAllowed("https://relay.example.com", "relay.example.com", "relay.example.com:443", nil) {
		t.Fatalf("same host with default port rejected")
	}
	if IsAllowed("https://other.example.com", "other.example.com", "relay.example.com", nil) {
		t.Fatalf("cross-host origin accepted under same-host policy")
	}
	if IsAllowed("null", "", "relay.example.com", nil) {
		t.Fatalf("null origin accepted under same-host policy")
	}
}
