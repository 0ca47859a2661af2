package auth

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestWithCallerRoundTrip(t *testing.T) {
	ctx := WithCaller(context.Background(), Caller{Service: "pdf-renderer", RequestID: "req-1"})

	c, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected caller in context")
	}
	if c.Service != "pdf-renderer" || c.RequestID != "req-1" {
		t.Errorf("got %+v", c)
	}
	if got := Service(ctx); got != "pdf-renderer" {
		t.Errorf("Service = %q", got)
	}
}

func TestServiceEmptyContext(t *testing.T) {
	if got := Service(context.Background()); got != "" {
		t.Errorf("Service = %q, want empty", got)
	}
}

func TestHashAndVerifyToken(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	if err := VerifyToken(string(hash), "s3cret"); err != nil {
		t.Errorf("verify good token: %v", err)
	}
	if err := VerifyToken(string(hash), "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("verify bad token = %v", err)
	}
	if err := VerifyToken("", "s3cret"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("verify with empty hash = %v", err)
	}
}

func TestHashTokenRejectsEmpty(t *testing.T) {
	if _, err := HashToken("  "); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc", "abc"},
		{"bearer abc ", "abc"},
		{"Basic abc", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := BearerToken(tt.header); got != tt.want {
			t.Errorf("BearerToken(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}
