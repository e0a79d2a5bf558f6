// handshake.go: Handshake between the host and exec plugin processes
//
// The host launches an exec plugin with a magic cookie and the protocol
// version in its environment. The plugin checks the cookie, then writes a
// handshake line on stdout before any other frame:
//
//	{"protocol_version":1,"plugin_id":"economy"}
//
// The cookie is not a security feature. It keeps a plugin binary from being
// run by hand by mistake and keeps the host from talking to a program that
// is not a plugin.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"
)

// Environment variables set for exec plugins besides the magic cookie.
const (
	EnvProtocolVersion = "PLUGINHOST_PROTOCOL_VERSION"
	EnvPluginID        = "PLUGINHOST_PLUGIN_ID"
	EnvDataDir         = "PLUGINHOST_DATA_DIR"
)

// HandshakeTimeout is the default time a started plugin has to write its
// handshake line.
const HandshakeTimeout = 10 * time.Second

// HandshakeConfig is the cookie and protocol version both sides agree on.
type HandshakeConfig struct {
	ProtocolVersion  uint   `json:"protocol_version" yaml:"protocol_version"`
	MagicCookieKey   string `json:"magic_cookie_key" yaml:"magic_cookie_key" env:"COOKIE_KEY"`
	MagicCookieValue string `json:"magic_cookie_value" yaml:"magic_cookie_value" env:"COOKIE_VALUE"`
}

// DefaultHandshakeConfig is used when the host configuration sets none.
var DefaultHandshakeConfig = HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PLUGINHOST_MAGIC_COOKIE",
	MagicCookieValue: "go-pluginhost-exec-v1",
}

var envVarNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Validate checks the configuration is usable.
func (hc *HandshakeConfig) Validate() error {
	if hc.ProtocolVersion == 0 {
		return NewHandshakeError("protocol version must be greater than 0", nil)
	}
	if hc.MagicCookieKey == "" {
		return NewHandshakeError("magic cookie key is required", nil)
	}
	if hc.MagicCookieValue == "" {
		return NewHandshakeError("magic cookie value is required", nil)
	}
	if !envVarNamePattern.MatchString(hc.MagicCookieKey) {
		return NewHandshakeError("magic cookie key must be a valid environment variable name", nil)
	}
	return nil
}

// HandshakeInfo is what the host tells a plugin process at launch and what
// the plugin answers with.
type HandshakeInfo struct {
	ProtocolVersion uint   `json:"protocol_version"`
	PluginID        string `json:"plugin_id"`
	DataDir         string `json:"data_dir,omitempty"`
}

// PrepareEnvironment returns the launch environment of a plugin process:
// the host environment plus the handshake variables.
func (hc *HandshakeConfig) PrepareEnvironment(info HandshakeInfo) []string {
	env := os.Environ()
	env = append(env,
		fmt.Sprintf("%s=%s", hc.MagicCookieKey, hc.MagicCookieValue),
		fmt.Sprintf("%s=%d", EnvProtocolVersion, hc.ProtocolVersion),
		fmt.Sprintf("%s=%s", EnvPluginID, info.PluginID),
	)
	if info.DataDir != "" {
		env = append(env, fmt.Sprintf("%s=%s", EnvDataDir, info.DataDir))
	}
	return env
}

// ValidatePluginEnvironment is called on the plugin side to check it was
// launched by a compatible host.
func (hc *HandshakeConfig) ValidatePluginEnvironment() (HandshakeInfo, error) {
	if got := os.Getenv(hc.MagicCookieKey); got != hc.MagicCookieValue {
		return HandshakeInfo{}, NewHandshakeError("invalid magic cookie, this program is meant to be launched by the plugin host", nil)
	}
	raw := os.Getenv(EnvProtocolVersion)
	if raw == "" {
		return HandshakeInfo{}, NewHandshakeError("missing "+EnvProtocolVersion, nil)
	}
	version, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return HandshakeInfo{}, NewHandshakeError("invalid protocol version", err)
	}
	if uint(version) != hc.ProtocolVersion {
		return HandshakeInfo{}, NewHandshakeError(
			fmt.Sprintf("protocol version mismatch: expected %d, got %d", hc.ProtocolVersion, version), nil)
	}
	return HandshakeInfo{
		ProtocolVersion: uint(version),
		PluginID:        os.Getenv(EnvPluginID),
		DataDir:         os.Getenv(EnvDataDir),
	}, nil
}

// checkHandshake validates the handshake line a plugin wrote.
func (hc *HandshakeConfig) checkHandshake(pluginID string, got HandshakeInfo) error {
	if got.ProtocolVersion != hc.ProtocolVersion {
		return NewHandshakeError(
			fmt.Sprintf("protocol version mismatch: expected %d, got %d", hc.ProtocolVersion, got.ProtocolVersion), nil).
			WithContext("plugin_id", pluginID)
	}
	if got.PluginID != "" && got.PluginID != pluginID {
		return NewHandshakeError("plugin answered with id "+got.PluginID, nil).
			WithContext("plugin_id", pluginID)
	}
	return nil
}
