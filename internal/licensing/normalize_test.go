package licensing

import "testing"

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a.com", "a.com"},
		{"https://Example.COM/path/to", "example.com"},
		{"http://a.com:8080/", "a.com:8080"},
		{"www.a.com", "www.a.com"},
		{"a.com/wp-admin", "a.com"},
		// Only the exact lowercase schemes are stripped.
		{"HTTPS://a.com", "https:"},
		{"ftp://a.com", "ftp:"},
		// No trimming happens.
		{" a.com", " a.com"},
		{"https://", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDomain(tt.in); got != tt.want {
			t.Errorf("NormalizeDomain(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"widget", "widget"},
		{"My Widget Pro", "my-widget-pro"},
		{"  --Widget!!v2--  ", "widget-v2"},
		{"über", "ber"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		if got := SanitizeSlug(tt.in); got != tt.want {
			t.Errorf("SanitizeSlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
