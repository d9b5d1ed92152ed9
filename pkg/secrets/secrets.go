// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

// Package secrets lets operators keep credentials encrypted at rest in the
// config file. Values carrying the "enc:" prefix are decrypted at load time
// with a per-installation key; plaintext values pass through untouched, so
// encryption is opt-in per field.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const encPrefix = "enc:"

// Store encrypts and decrypts config values with XChaCha20-Poly1305.
type Store struct {
	key [32]byte
}

// Open loads the installation key at keyPath, generating one on first use.
// The key file holds 64 hex characters and is created with 0600 permissions.
func Open(keyPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(keyPath), 0755); err != nil {
		return nil, fmt.Errorf("secrets: create key directory: %w", err)
	}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		return parseKey(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("secrets: read key file: %w", err)
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key[:])), 0600); err != nil {
		return nil, fmt.Errorf("secrets: write key file: %w", err)
	}
	return &Store{key: key}, nil
}

func parseKey(hexKey string) (*Store, error) {
	decoded, err := hex.DecodeString(hexKey)
	if err != nil || len(decoded) != 32 {
		return nil, errors.New("secrets: invalid key file (expected 64 hex characters)")
	}
	s := &Store{}
	copy(s.key[:], decoded)
	return s, nil
}

// IsEncrypted reports whether value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// Encrypt returns "enc:" + hex(nonce || ciphertext || tag). Empty and
// already-encrypted values are returned unchanged.
func (s *Store) Encrypt(plaintext string) (string, error) {
	if plaintext == "" || IsEncrypted(plaintext) {
		return plaintext, nil
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + hex.EncodeToString(ciphertext), nil
}

// Resolve decrypts an "enc:" value; anything else passes through unchanged.
func (s *Store) Resolve(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := hex.DecodeString(value[len(encPrefix):])
	if err != nil {
		return "", fmt.Errorf("secrets: hex decode: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("secrets: create cipher: %w", err)
	}
	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("secrets: ciphertext too short")
	}
	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: decrypt: %w", err)
	}
	return string(plaintext), nil
}
