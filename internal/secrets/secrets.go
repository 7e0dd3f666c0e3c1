// Bastion - Real-Time Security Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bastion

// Package secrets provides encryption for sensitive material persisted by
// the pipeline: device fingerprint salts, webhook credentials used by the
// notify action, and any attribute a producer marks confidential.
//
// The local provider derives per-purpose AES-256-GCM keys from a single
// master key via HKDF-SHA256, so rotating the master key rotates every
// derived key at once.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/tomtom215/bastion/internal/config"
	"github.com/tomtom215/bastion/internal/logging"
)

var (
	// ErrDecryptionFailed indicates the decryption operation failed.
	ErrDecryptionFailed = errors.New("secrets: decryption failed")

	// ErrInvalidCiphertext indicates the ciphertext is malformed.
	ErrInvalidCiphertext = errors.New("secrets: invalid ciphertext")

	// ErrSecretNotFound indicates a named secret is not configured.
	ErrSecretNotFound = errors.New("secrets: not found")
)

// Provider supplies named secrets and encryption for data at rest.
type Provider interface {
	// GetSecret returns the named secret, or ErrSecretNotFound.
	GetSecret(name string) (string, error)

	// Encrypt encrypts plaintext under the purpose-derived key and
	// returns base64-encoded ciphertext with the nonce prepended.
	Encrypt(purpose, plaintext string) (string, error)

	// Decrypt reverses Encrypt for the same purpose.
	Decrypt(purpose, ciphertext string) (string, error)
}

// NewProvider builds the provider selected by the configuration.
func NewProvider(cfg config.SecretsConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "local":
		return newLocalProvider(cfg.MasterKey)
	case "env":
		local, err := newLocalProvider(cfg.MasterKey)
		if err != nil {
			return nil, err
		}
		return &envProvider{local: local}, nil
	default:
		return nil, fmt.Errorf("secrets: unknown provider %q", cfg.Provider)
	}
}

// localProvider derives per-purpose AEADs from a master key.
type localProvider struct {
	masterKey []byte
}

func newLocalProvider(masterKeyB64 string) (*localProvider, error) {
	var masterKey []byte
	if masterKeyB64 == "" {
		// No configured key: generate an ephemeral one. Anything encrypted
		// with it will not be readable after a restart.
		masterKey = make([]byte, 32)
		if _, err := io.ReadFull(rand.Reader, masterKey); err != nil {
			return nil, fmt.Errorf("generate ephemeral master key: %w", err)
		}
		logging.Warn().
			Str("component", "secrets").
			Msg("no master key configured; using ephemeral key, encrypted state will not survive restart")
	} else {
		decoded, err := base64.StdEncoding.DecodeString(masterKeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		if len(decoded) < 32 {
			return nil, errors.New("master key must be at least 32 bytes")
		}
		masterKey = decoded
	}

	return &localProvider{masterKey: masterKey}, nil
}

// aeadFor derives the AES-GCM cipher for a purpose via HKDF-SHA256.
func (p *localProvider) aeadFor(purpose string) (cipher.AEAD, error) {
	reader := hkdf.New(sha256.New, p.masterKey, nil, []byte("bastion:"+purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key for %q: %w", purpose, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

func (p *localProvider) GetSecret(name string) (string, error) {
	return "", fmt.Errorf("%w: %s (local provider holds no named secrets)", ErrSecretNotFound, name)
}

// Encrypt encrypts the plaintext and returns base64-encoded ciphertext.
// The nonce is prepended to the ciphertext. Empty strings pass through.
func (p *localProvider) Encrypt(purpose, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := p.aeadFor(purpose)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext produced by Encrypt with the
// same purpose. Empty strings pass through.
func (p *localProvider) Decrypt(purpose, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	aead, err := p.aeadFor(purpose)
	if err != nil {
		return "", err
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: base64 decode failed", ErrInvalidCiphertext)
	}

	nonceSize := aead.NonceSize()
	if len(data) < nonceSize+1+aead.Overhead() {
		return "", fmt.Errorf("%w: data too short", ErrInvalidCiphertext)
	}

	nonce := data[:nonceSize]
	plaintext, err := aead.Open(nil, nonce, data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrDecryptionFailed, err.Error())
	}
	return string(plaintext), nil
}

// envProvider resolves named secrets from BASTION_SECRET_* environment
// variables and delegates encryption to the local provider.
type envProvider struct {
	local *localProvider
}

func (p *envProvider) GetSecret(name string) (string, error) {
	envName := "BASTION_SECRET_" + strings.ToUpper(strings.ReplaceAll(name, ".", "_"))
	if val, ok := os.LookupEnv(envName); ok {
		return val, nil
	}
	return "", fmt.Errorf("%w: %s (env %s unset)", ErrSecretNotFound, name, envName)
}

func (p *envProvider) Encrypt(purpose, plaintext string) (string, error) {
	return p.local.Encrypt(purpose, plaintext)
}

func (p *envProvider) Decrypt(purpose, ciphertext string) (string, error) {
	return p.local.Decrypt(purpose, ciphertext)
}

// GenerateMasterKey generates a cryptographically secure master key.
// Returns the key as a base64-encoded string suitable for configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32) // 256 bits
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
