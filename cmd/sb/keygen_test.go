package main

import (
	"context"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/crypt"
	"github.com/zulandar/switchboard/internal/identity"
)

func TestKeygenCmd(t *testing.T) {
	out, err := runCmd(t, "keygen")
	if err != nil {
		t.Fatalf("keygen failed: %v", err)
	}
	key := strings.TrimSpace(out)
	if _, err := crypt.ParseKey(key); err != nil {
		t.Errorf("keygen printed unusable key %q: %v", key, err)
	}

	again, _ := runCmd(t, "keygen")
	if strings.TrimSpace(again) == key {
		t.Error("two keygen runs printed the same key")
	}
}

func TestTokenCmd(t *testing.T) {
	path := writeConfig(t, "")
	out, err := runCmd(t, "token", "--config", path, "--user", "alice")
	if err != nil {
		t.Fatalf("token failed: %v", err)
	}
	resolver, err := identity.NewJWTResolver([]byte("test-secret"), "switchboard-test")
	if err != nil {
		t.Fatal(err)
	}
	user, err := resolver.ResolveUser(context.Background(), strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("resolve signed token: %v", err)
	}
	if user != "alice" {
		t.Errorf("user = %q", user)
	}
}

func TestTokenCmd_RequiresUser(t *testing.T) {
	path := writeConfig(t, "")
	if _, err := runCmd(t, "token", "--config", path); err == nil {
		t.Fatal("expected error without --user")
	}
}
