package crypto

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealSecret("PRD-cert-123", "hunter2")
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	got, err := OpenSecret(sealed, "hunter2")
	if err != nil || got != "PRD-cert-123" {
		t.Fatalf("OpenSecret = %q, %v", got, err)
	}
	if _, err := OpenSecret(sealed, "wrong"); err == nil {
		t.Fatal("wrong password should fail")
	}
}

func TestSealRejectsEmptyInput(t *testing.T) {
	if _, err := SealSecret("x", ""); err == nil {
		t.Fatal("empty password should fail")
	}
	if _, err := SealSecret("", "pw"); err == nil {
		t.Fatal("empty secret should fail")
	}
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	if _, err := OpenSecret([]byte(`{"version":9}`), "pw"); err == nil {
		t.Fatal("expected version error")
	}
}

func TestLoadSecret(t *testing.T) {
	if got, err := LoadSecret(SecretConfig{Raw: " cert ", Path: "/nonexistent"}); err != nil || got != "cert" {
		t.Fatalf("raw = %q, %v", got, err)
	}
	if _, err := LoadSecret(SecretConfig{}); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}

	sealed, err := SealSecret("from-file", "pw")
	if err != nil {
		t.Fatalf("SealSecret: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cert.json")
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		t.Fatal(err)
	}
	if got, err := LoadSecret(SecretConfig{Path: path, Password: "pw"}); err != nil || got != "from-file" {
		t.Fatalf("file = %q, %v", got, err)
	}
}
