package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/nulpointcorp/inference-gateway/internal/auth"
	"github.com/nulpointcorp/inference-gateway/internal/domain"
)

func TestParseBearerToken(t *testing.T) {
	cases := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer sk-abc123", "sk-abc123"},
		{"case insensitive scheme", "bearer sk-abc123", "sk-abc123"},
		{"empty", "", ""},
		{"wrong scheme", "Basic dXNlcjpwYXNz", ""},
		{"no token", "Bearer", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := auth.ParseBearerToken(tc.header); got != tc.want {
				t.Errorf("ParseBearerToken(%q) = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
}

func TestHashAPIKeyIsDeterministic(t *testing.T) {
	a := auth.HashAPIKey("sk-abc123")
	b := auth.HashAPIKey("sk-abc123")
	if a != b {
		t.Error("expected identical hashes for identical input")
	}
	if a == auth.HashAPIKey("sk-different") {
		t.Error("expected different hashes for different input")
	}
}

func TestAuthenticateResolvesUser(t *testing.T) {
	wantUser := domain.User{ID: "user-1", APIKeyID: auth.HashAPIKey("sk-abc123")}
	lookup := func(ctx context.Context, apiKeyID string) (domain.User, error) {
		if apiKeyID != wantUser.APIKeyID {
			t.Fatalf("lookup received unexpected key id %q", apiKeyID)
		}
		return wantUser, nil
	}
	a := auth.New(lookup)

	u, err := a.Authenticate(context.Background(), "Bearer sk-abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != wantUser.ID {
		t.Errorf("got user %q, want %q", u.ID, wantUser.ID)
	}
}

func TestAuthenticateRejectsMissingHeader(t *testing.T) {
	a := auth.New(func(ctx context.Context, apiKeyID string) (domain.User, error) {
		t.Fatal("lookup should not be called without a token")
		return domain.User{}, nil
	})
	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, auth.ErrMissingBearerToken) {
		t.Fatalf("expected ErrMissingBearerToken, got %v", err)
	}
}
