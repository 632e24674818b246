package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/api"
)

func TestUserIDs(t *testing.T) {
	if ids := userIDs(3, "u", 5, nil); len(ids) != 3 || ids[0] != "u-5" || ids[2] != "u-7" {
		t.Fatalf("unexpected ids %v", ids)
	}
	if ids := userIDs(1, "u", 1, nil); len(ids) != 1 || ids[0] != "u" {
		t.Fatalf("unexpected single id %v", ids)
	}
	if ids := userIDs(1, "u", 1, []string{"acc-9"}); len(ids) != 1 || ids[0] != "acc-9" {
		t.Fatalf("explicit id ignored: %v", ids)
	}
}

func TestGenerateAndWriteTokens(t *testing.T) {
	auth, err := api.NewAuth("secret", time.Hour)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	tokens, err := generateTokens(auth, []string{"a", "b"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i, want := range []string{"a", "b"} {
		got, err := auth.UserIDFromToken(tokens[i])
		if err != nil || got != want {
			t.Fatalf("token %d resolves to %q, %v", i, got, err)
		}
	}

	path := filepath.Join(t.TempDir(), "nested", "tokens.json")
	if err := writeTokens(path, tokens); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var stored []string
	if err := sonic.Unmarshal(data, &stored); err != nil || len(stored) != 2 {
		t.Fatalf("unexpected file %q: %v", data, err)
	}
}
