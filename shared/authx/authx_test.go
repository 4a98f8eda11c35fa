package authx

import (
	"context"
	"testing"
)

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewJWTVerifier("https://issuer.example", "", "", 60, 0); err == nil {
		t.Fatalf("expected error for missing audience")
	}
}

func TestVerifyRejectsEmptyToken(t *testing.T) {
	v, err := NewJWTVerifier("https://issuer.example", "aud", "", 60, 0)
	if err != nil {
		t.Fatalf("verifier init: %v", err)
	}
	if _, err := v.Verify(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty token")
	}
}

func TestAuthContextRoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), AuthContext{Subject: "svc-ingest"})
	got, ok := FromContext(ctx)
	if !ok || got.Subject != "svc-ingest" {
		t.Fatalf("expected auth context round trip, got %#v ok=%v", got, ok)
	}
}
