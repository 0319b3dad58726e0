package common

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/teemow/schedulefewer/internal/mcp/oauth"
)

func TestUserIDFromContext(t *testing.T) {
	claims := &oauth.AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "google-user-1"},
	}
	ctx := oauth.ContextWithClaims(context.Background(), claims)

	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("UserIDFromContext() error = %v", err)
	}
	if userID != "google-user-1" {
		t.Errorf("userID = %q, want %q", userID, "google-user-1")
	}
}

func TestUserIDFromContextMissing(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("UserIDFromContext() expected error without claims")
	}
}

func TestUserIDFromContextEmptySubject(t *testing.T) {
	ctx := oauth.ContextWithClaims(context.Background(), &oauth.AccessClaims{})
	if _, err := UserIDFromContext(ctx); err == nil {
		t.Error("UserIDFromContext() expected error for empty subject")
	}
}
