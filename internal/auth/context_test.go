package auth

import (
	"context"
	"testing"
)

func TestWithAuthAndFromContext(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Subject: "ops", Role: RoleAdmin, TokenID: "t-1"})

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected AuthContext in context")
	}
	if got.Subject != "ops" {
		t.Errorf("Subject = %q, want ops", got.Subject)
	}
	if got.TokenID != "t-1" {
		t.Errorf("TokenID = %q", got.TokenID)
	}
	if !IsAdmin(ctx) {
		t.Error("expected admin")
	}
	if Subject(ctx) != "ops" {
		t.Errorf("Subject() = %q", Subject(ctx))
	}
}

func TestFromContextMissing(t *testing.T) {
	ctx := context.Background()
	if _, ok := FromContext(ctx); ok {
		t.Error("expected false for missing AuthContext")
	}
	if IsAdmin(ctx) {
		t.Error("expected non-admin for empty context")
	}
	if Subject(ctx) != "" {
		t.Error("expected empty subject")
	}
}
