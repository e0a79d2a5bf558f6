// feed_credentials.go: Credential sources for authenticated library feeds
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"strings"

	"github.com/99designs/keyring"
)

// DefaultKeyringService is the keyring service feed tokens are stored under.
const DefaultKeyringService = "go-pluginhost"

// CredentialSource returns the bearer token stored under a key.
type CredentialSource interface {
	Token(key string) (string, error)
}

// KeyringCredentials reads feed tokens from the operating system keyring.
type KeyringCredentials struct {
	ring keyring.Keyring
}

// OpenKeyringCredentials opens the system keyring for serviceName.
func OpenKeyringCredentials(serviceName string) (*KeyringCredentials, error) {
	if serviceName == "" {
		serviceName = DefaultKeyringService
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
	})
	if err != nil {
		return nil, NewFeedCredentialError(serviceName, err)
	}
	return &KeyringCredentials{ring: ring}, nil
}

// NewKeyringCredentials wraps an already opened keyring.
func NewKeyringCredentials(ring keyring.Keyring) *KeyringCredentials {
	return &KeyringCredentials{ring: ring}
}

// Token returns the token stored under key, trimmed of whitespace.
func (k *KeyringCredentials) Token(key string) (string, error) {
	item, err := k.ring.Get(key)
	if err != nil {
		return "", NewFeedCredentialError(key, err)
	}
	return strings.TrimSpace(string(item.Data)), nil
}

// StaticCredentials serves tokens from a fixed map.
type StaticCredentials map[string]string

// Token returns the token stored under key.
func (s StaticCredentials) Token(key string) (string, error) {
	token, ok := s[key]
	if !ok {
		return "", NewFeedCredentialError(key, nil)
	}
	return token, nil
}
