// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/tomtom215/bastion/internal/config"
)

func testProvider(t *testing.T) Provider {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p, err := NewProvider(config.SecretsConfig{Provider: "local", MasterKey: key})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	p := testProvider(t)

	plaintext := "webhook-token-abc123"
	ciphertext, err := p.Encrypt("notify", plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := p.Decrypt("notify", ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecryptWrongPurposeFails(t *testing.T) {
	p := testProvider(t)

	ciphertext, err := p.Encrypt("fingerprint", "device-salt")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := p.Decrypt("notify", ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("cross-purpose decrypt err = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptMalformedCiphertext(t *testing.T) {
	p := testProvider(t)

	if _, err := p.Decrypt("notify", "!!!not-base64!!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("err = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := p.Decrypt("notify", "c2hvcnQ="); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short ciphertext err = %v, want ErrInvalidCiphertext", err)
	}
}

func TestEmptyStringsPassThrough(t *testing.T) {
	p := testProvider(t)

	ct, err := p.Encrypt("notify", "")
	if err != nil || ct != "" {
		t.Errorf("Encrypt(\"\") = %q, %v", ct, err)
	}
	pt, err := p.Decrypt("notify", "")
	if err != nil || pt != "" {
		t.Errorf("Decrypt(\"\") = %q, %v", pt, err)
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	p := testProvider(t)

	a, err := p.Encrypt("notify", "same input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Encrypt("notify", "same input")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext should differ (random nonce)")
	}
}

func TestEphemeralKeyWhenUnconfigured(t *testing.T) {
	p, err := NewProvider(config.SecretsConfig{Provider: "local"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	ct, err := p.Encrypt("notify", "hello")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := p.Decrypt("notify", ct)
	if err != nil || pt != "hello" {
		t.Errorf("round trip with ephemeral key: %q, %v", pt, err)
	}
}

func TestShortMasterKeyRejected(t *testing.T) {
	_, err := NewProvider(config.SecretsConfig{Provider: "local", MasterKey: "dG9vc2hvcnQ="})
	if err == nil || !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("err = %v, want short-key rejection", err)
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("BASTION_SECRET_NOTIFY_WEBHOOK_URL", "https://hooks.example.com/x")

	p, err := NewProvider(config.SecretsConfig{Provider: "env"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	got, err := p.GetSecret("notify.webhook_url")
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got != "https://hooks.example.com/x" {
		t.Errorf("secret = %q", got)
	}

	if _, err := p.GetSecret("absent.secret"); !errors.Is(err, ErrSecretNotFound) {
		t.Errorf("err = %v, want ErrSecretNotFound", err)
	}
}

func TestUnknownProvider(t *testing.T) {
	if _, err := NewProvider(config.SecretsConfig{Provider: "vault"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
