package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zulandar/switchboard/internal/chaterr"
)

var secret = []byte("test-secret")

func TestNewJWTResolver_RequiresSecret(t *testing.T) {
	if _, err := NewJWTResolver(nil, ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveUser(t *testing.T) {
	r, err := NewJWTResolver(secret, "marketplace")
	if err != nil {
		t.Fatal(err)
	}
	future := jwt.NewNumericDate(time.Now().Add(time.Hour))
	past := jwt.NewNumericDate(time.Now().Add(-time.Hour))

	good, _ := Sign(secret, "user-1", "marketplace", jwt.RegisteredClaims{ExpiresAt: future})
	expired, _ := Sign(secret, "user-1", "marketplace", jwt.RegisteredClaims{ExpiresAt: past})
	wrongKey, _ := Sign([]byte("other"), "user-1", "marketplace", jwt.RegisteredClaims{})
	wrongIssuer, _ := Sign(secret, "user-1", "elsewhere", jwt.RegisteredClaims{})
	noSubject, _ := Sign(secret, "", "marketplace", jwt.RegisteredClaims{})
	none, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-1", Issuer: "marketplace"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := []struct {
		name  string
		token string
		want  string
	}{
		{"valid", good, "user-1"},
		{"bearer prefix", "Bearer " + good, "user-1"},
		{"expired", expired, ""},
		{"wrong key", wrongKey, ""},
		{"wrong issuer", wrongIssuer, ""},
		{"no subject", noSubject, ""},
		{"alg none", none, ""},
		{"garbage", "not.a.token", ""},
		{"empty", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.ResolveUser(context.Background(), tc.token)
			if tc.want == "" {
				if !chaterr.Is(err, chaterr.CodeAuthFailed) {
					t.Errorf("error = %v, want AUTHENTICATION_FAILED", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveUser: %v", err)
			}
			if got != tc.want {
				t.Errorf("user = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestResolveUser_AnyIssuer(t *testing.T) {
	r, _ := NewJWTResolver(secret, "")
	tok, _ := Sign(secret, "user-2", "whoever", jwt.RegisteredClaims{})
	got, err := r.ResolveUser(context.Background(), tok)
	if err != nil || got != "user-2" {
		t.Errorf("ResolveUser = %q, %v", got, err)
	}
}

func TestResolverFunc(t *testing.T) {
	r := ResolverFunc(func(ctx context.Context, token string) (string, error) { return "u-" + token, nil })
	if got, _ := r.ResolveUser(context.Background(), "x"); got != "u-x" {
		t.Errorf("got %q", got)
	}
}
