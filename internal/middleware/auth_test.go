package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/keygate/internal/auth"
)

type stubVerifier map[string]auth.AuthContext

func (s stubVerifier) Verify(raw string) (auth.AuthContext, error) {
	ac, ok := s[raw]
	if !ok {
		return auth.AuthContext{}, auth.ErrInvalidToken
	}
	return ac, nil
}

func TestRequireAdmin(t *testing.T) {
	verifier := stubVerifier{
		"good":   {Subject: "ops", Role: auth.RoleAdmin},
		"viewer": {Subject: "eve", Role: "viewer"},
	}
	var gotSubject string
	handler := RequireAdmin(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = auth.Subject(r.Context())
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"no token", "", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", "", http.StatusUnauthorized},
		{"invalid", "Bearer nope", "", http.StatusUnauthorized},
		{"non admin", "Bearer viewer", "", http.StatusForbidden},
		{"valid header", "Bearer good", "", http.StatusOK},
		{"valid lowercase scheme", "bearer good", "", http.StatusOK},
		{"valid query", "", "?access_token=good", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSubject = ""
			req := httptest.NewRequest("GET", "/admin/events"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want == http.StatusOK && gotSubject != "ops" {
				t.Errorf("subject = %q, want ops", gotSubject)
			}
		})
	}
}

func TestStubVerifierMatchesSentinel(t *testing.T) {
	_, err := stubVerifier{}.Verify("x")
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatal("stub should return ErrInvalidToken")
	}
}

func TestForbidNonAdmin(t *testing.T) {
	verifier := stubVerifier{"good": {Subject: "ops", Role: auth.RoleAdmin}}
	handler := ForbidNonAdmin(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for header, want := range map[string]int{
		"":            http.StatusForbidden,
		"Bearer nope": http.StatusForbidden,
		"Bearer good": http.StatusOK,
	} {
		req := httptest.NewRequest("GET", "/licensing/v1/stats", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Errorf("%q: status = %d, want %d", header, rec.Code, want)
		}
	}
}
