// errors.go: structured error definitions for the plugin host runtime
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"fmt"
	"strings"

	goerrors "github.com/agilira/go-errors"
)

// Error codes for the plugin host runtime
const (
	// Metadata errors (1000-1099): the bundle is excluded, the batch continues
	ErrCodeMetadataNotFound     = "METADATA_1001"
	ErrCodeMetadataParse        = "METADATA_1002"
	ErrCodeMetadataInvalid      = "METADATA_1003"
	ErrCodeDuplicatePluginID    = "METADATA_1004"
	ErrCodeUnsafePluginID       = "METADATA_1005"
	ErrCodeInvalidVersion       = "METADATA_1006"
	ErrCodeInvalidVersionRange  = "METADATA_1007"
	ErrCodeBundleDirUnavailable = "METADATA_1008"

	// Dependency errors (2000-2099): static validation of the descriptor graph
	ErrCodeMissingDependency         = "DEPENDENCY_2001"
	ErrCodeDependencyVersionMismatch = "DEPENDENCY_2002"
	ErrCodeDeclaredConflict          = "DEPENDENCY_2003"
	ErrCodeDependencyCycle           = "DEPENDENCY_2004"
	ErrCodeHostVersionTooLow         = "DEPENDENCY_2005"
	ErrCodeHostVersionTooHigh        = "DEPENDENCY_2006"
	ErrCodeMissingOptionalDependency = "DEPENDENCY_2007"
	ErrCodeDependencyNotReady        = "DEPENDENCY_2008"
	ErrCodeValidationFailed          = "DEPENDENCY_2010"

	// Resolution errors (3000-3099): shared-library version conflicts
	ErrCodeUnresolvedConflict = "RESOLUTION_3001"
	ErrCodeUnknownStrategy    = "RESOLUTION_3002"
	ErrCodeLibraryBlocked     = "RESOLUTION_3003"

	// Fetch errors (4000-4099): staging shared libraries from feeds
	ErrCodeNoMatchingVersion = "FETCH_4001"
	ErrCodeFeedUnavailable   = "FETCH_4002"
	ErrCodeArtifactNotFound  = "FETCH_4003"
	ErrCodeArtifactExtract   = "FETCH_4004"
	ErrCodeCacheIndex        = "FETCH_4005"
	ErrCodeFeedCredential    = "FETCH_4006"

	// Load errors (5000-5499): boundary construction, binding, instantiation, hooks
	ErrCodeBoundaryCreate     = "LOAD_5001"
	ErrCodeEntryNotFound      = "LOAD_5002"
	ErrCodeUnsupportedEntry   = "LOAD_5003"
	ErrCodeNoConstructor      = "LOAD_5004"
	ErrCodeInstantiate        = "LOAD_5005"
	ErrCodeHookFailed         = "LOAD_5006"
	ErrCodeModuleNotFound     = "LOAD_5007"
	ErrCodeBoundaryTornDown   = "LOAD_5008"
	ErrCodeEntryAlreadyExists = "LOAD_5009"
	ErrCodeLibraryOutOfRange  = "LOAD_5010"

	// Enable errors (5500-5599)
	ErrCodeEnableFailed  = "ENABLE_5501"
	ErrCodeDisableFailed = "ENABLE_5502"

	// Messaging errors (6000-6099): returned to the sender, never panicked into it
	ErrCodeTargetUnavailable = "MESSAGING_6001"
	ErrCodeNoHandler         = "MESSAGING_6002"
	ErrCodeHandlerFailed     = "MESSAGING_6003"
	ErrCodeRemoteBridge      = "MESSAGING_6004"

	// Lifecycle errors (7000-7099)
	ErrCodePluginNotFound    = "LIFECYCLE_7001"
	ErrCodeInvalidTransition = "LIFECYCLE_7002"
	ErrCodeBatchAborted      = "LIFECYCLE_7003"
	ErrCodeReloadFailed      = "LIFECYCLE_7004"

	// Configuration errors (8000-8099)
	ErrCodeConfigNotFound   = "CONFIG_8001"
	ErrCodeConfigParse      = "CONFIG_8002"
	ErrCodeConfigValidation = "CONFIG_8003"
	ErrCodeConfigWatcher    = "CONFIG_8004"
	ErrCodeConfigStore      = "CONFIG_8005"
	ErrCodePathTraversal    = "CONFIG_8006"

	// Runtime errors (9000-9099): process, script and wasm runtimes
	ErrCodeProcess       = "RUNTIME_9001"
	ErrCodeHandshake     = "RUNTIME_9002"
	ErrCodeProtocol      = "RUNTIME_9003"
	ErrCodeScript        = "RUNTIME_9004"
	ErrCodeWasm          = "RUNTIME_9005"
	ErrCodeSerialization = "RUNTIME_9006"
)

// wrapOrNew builds a coded error, wrapping cause when there is one.
func wrapOrNew(cause error, code goerrors.ErrorCode, message string) *goerrors.Error {
	if cause != nil {
		return goerrors.Wrap(cause, code, message)
	}
	return goerrors.New(code, message)
}

// ErrorCodeOf returns the structured error code carried by err, or "" if err
// is not (and does not wrap) a *goerrors.Error.
func ErrorCodeOf(err error) string {
	var coded *goerrors.Error
	if errors.As(err, &coded) {
		return string(coded.ErrorCode())
	}
	return ""
}

// IsErrorCode reports whether err carries the given structured error code.
func IsErrorCode(err error, code string) bool {
	return err != nil && ErrorCodeOf(err) == code
}

// Metadata error constructors

func NewMetadataNotFoundError(bundleDir string) *goerrors.Error {
	return goerrors.New(ErrCodeMetadataNotFound, "Plugin metadata file not found").
		WithUserMessage("Bundle directory has no plugin.json, plugin.yaml or plugin.yml").
		WithContext("bundle_dir", bundleDir).
		WithSeverity("warning")
}

func NewMetadataParseError(path string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeMetadataParse, "Failed to parse plugin metadata").
		WithUserMessage("Plugin metadata file is malformed").
		WithContext("path", path).
		WithSeverity("error")
}

func NewMetadataInvalidError(pluginID string, problems []string) *goerrors.Error {
	return goerrors.New(ErrCodeMetadataInvalid, "Invalid plugin metadata: "+strings.Join(problems, "; ")).
		WithUserMessage("Plugin metadata is missing required fields or has invalid values").
		WithContext("plugin_id", pluginID).
		WithContext("problems", problems).
		WithSeverity("error")
}

func NewDuplicatePluginIDError(pluginID, bundleDir, existingDir string) *goerrors.Error {
	return goerrors.New(ErrCodeDuplicatePluginID, "Duplicate plugin id").
		WithUserMessage("Another bundle already declares this plugin id").
		WithContext("plugin_id", pluginID).
		WithContext("bundle_dir", bundleDir).
		WithContext("existing_dir", existingDir).
		WithSeverity("error")
}

func NewUnsafePluginIDError(pluginID, reason string) *goerrors.Error {
	return goerrors.New(ErrCodeUnsafePluginID, "Unsafe plugin id: "+reason).
		WithUserMessage("Plugin id contains characters that are not allowed").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewInvalidVersionError(value string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeInvalidVersion, "Invalid version").
		WithUserMessage("Version must look like MAJOR[.MINOR[.PATCH]][-prerelease][+build]").
		WithContext("version", value).
		WithSeverity("error")
}

func NewInvalidVersionRangeError(value string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeInvalidVersionRange, "Invalid version range").
		WithUserMessage("Version range could not be parsed").
		WithContext("range", value).
		WithSeverity("error")
}

func NewBundleDirUnavailableError(dir string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeBundleDirUnavailable, "Plugins directory is not readable").
		WithUserMessage("Plugins directory could not be scanned").
		WithContext("plugins_dir", dir).
		WithSeverity("warning")
}

// Dependency error constructors

func NewValidationFailedError(errorCount, warningCount int) *goerrors.Error {
	return goerrors.New(ErrCodeValidationFailed, fmt.Sprintf("Dependency validation failed with %d error(s)", errorCount)).
		WithUserMessage("Plugin dependency validation reported hard errors").
		WithContext("errors", errorCount).
		WithContext("warnings", warningCount).
		WithSeverity("error")
}

// NewDependencyIssueError scopes a validation issue to one plugin.
func NewDependencyIssueError(pluginID string, issue ValidationIssue) *goerrors.Error {
	return goerrors.New(goerrors.ErrorCode(issue.Code), issue.Message).
		WithUserMessage("Plugin was excluded by dependency validation").
		WithContext("plugin_id", pluginID).
		WithContext("plugins", strings.Join(issue.Plugins, ",")).
		WithSeverity("error")
}

func NewDependencyNotReadyError(pluginID, dependency string, state PluginState) *goerrors.Error {
	return goerrors.New(ErrCodeDependencyNotReady, "Required dependency "+dependency+" is "+string(state)).
		WithUserMessage("A required plugin dependency failed or was excluded").
		WithContext("plugin_id", pluginID).
		WithContext("dependency", dependency).
		WithContext("dependency_state", string(state)).
		WithSeverity("error")
}

// Resolution error constructors

func NewUnresolvedConflictError(library string, requirements []ConflictRequirement, reason string) *goerrors.Error {
	parts := make([]string, 0, len(requirements))
	for _, req := range requirements {
		parts = append(parts, req.PluginID+"="+req.Range)
	}
	return goerrors.New(ErrCodeUnresolvedConflict, "Unresolved shared library conflict: "+library+" ("+reason+")").
		WithUserMessage("Plugins require incompatible versions of a shared library").
		WithContext("library", library).
		WithContext("requirements", strings.Join(parts, ", ")).
		WithContext("reason", reason).
		WithSeverity("error")
}

func NewUnknownStrategyError(strategy string) *goerrors.Error {
	return goerrors.New(ErrCodeUnknownStrategy, "Unknown conflict resolution strategy").
		WithUserMessage("Conflict strategy must be one of highest, lowest or fail").
		WithContext("strategy", strategy).
		WithSeverity("error")
}

func NewLibraryBlockedError(pluginID, library string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeLibraryBlocked, "Plugin blocked by shared library "+library).
		WithUserMessage("A shared library this plugin requires could not be resolved or staged").
		WithContext("plugin_id", pluginID).
		WithContext("library", library).
		WithSeverity("error")
}

// Fetch error constructors

func NewNoMatchingVersionError(library, versionRange string) *goerrors.Error {
	return goerrors.New(ErrCodeNoMatchingVersion, "No feed provides a matching version of "+library).
		WithUserMessage("Shared library could not be found in any configured feed").
		WithContext("library", library).
		WithContext("range", versionRange).
		WithSeverity("error")
}

func NewFeedError(feed string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeFeedUnavailable, "Library feed request failed").
		WithUserMessage("Library feed is unavailable").
		WithContext("feed", feed).
		WithSeverity("warning").
		AsRetryable()
}

func NewArtifactNotFoundError(library, pkg string) *goerrors.Error {
	return goerrors.New(ErrCodeArtifactNotFound, "Library package has no artifact named "+library).
		WithUserMessage("Downloaded package does not contain the expected library artifact").
		WithContext("library", library).
		WithContext("package", pkg).
		WithSeverity("error")
}

func NewArtifactExtractError(library string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeArtifactExtract, "Failed to extract library artifact").
		WithUserMessage("Library artifact could not be written to the cache").
		WithContext("library", library).
		WithSeverity("error")
}

func NewCacheIndexError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeCacheIndex, "Library cache index error: "+message).
		WithUserMessage("Shared library cache index operation failed").
		WithSeverity("error")
}

func NewFeedCredentialError(key string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeFeedCredential, "Failed to read feed credential").
		WithUserMessage("Feed credential could not be read from the keyring").
		WithContext("credential", key).
		WithSeverity("error")
}

// Load and enable error constructors

func NewBoundaryError(pluginID string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeBoundaryCreate, "Failed to create isolation boundary").
		WithUserMessage("Plugin isolation boundary could not be created").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewBoundaryTornDownError(pluginID string) *goerrors.Error {
	return goerrors.New(ErrCodeBoundaryTornDown, "Isolation boundary already torn down").
		WithUserMessage("Plugin isolation boundary is no longer usable").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewEntryNotFoundError(pluginID, entry string) *goerrors.Error {
	return goerrors.New(ErrCodeEntryNotFound, "Plugin entry point not found: "+entry).
		WithUserMessage("Plugin entry point does not exist").
		WithContext("plugin_id", pluginID).
		WithContext("entry", entry).
		WithSeverity("error")
}

func NewUnsupportedEntryError(pluginID, entry string) *goerrors.Error {
	return goerrors.New(ErrCodeUnsupportedEntry, "Unsupported entry point kind: "+entry).
		WithUserMessage("Entry point must be builtin:, lua:, exec: or wasm:").
		WithContext("plugin_id", pluginID).
		WithContext("entry", entry).
		WithSeverity("error")
}

func NewEntryAlreadyExistsError(name string) *goerrors.Error {
	return goerrors.New(ErrCodeEntryAlreadyExists, "Entry already registered: "+name).
		WithUserMessage("A builtin entry with this name is already registered").
		WithContext("entry", name).
		WithSeverity("error")
}

func NewNoConstructorError(pluginID string, missing []string) *goerrors.Error {
	return goerrors.New(ErrCodeNoConstructor, "No constructor has all required capabilities").
		WithUserMessage("Plugin requires host capabilities that are not registered").
		WithContext("plugin_id", pluginID).
		WithContext("missing", strings.Join(missing, ", ")).
		WithSeverity("error")
}

func NewInstantiateError(pluginID string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeInstantiate, "Failed to instantiate plugin").
		WithUserMessage("Plugin constructor failed").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewHookError(pluginID, hook string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeHookFailed, "Lifecycle hook "+hook+" failed").
		WithUserMessage("Plugin lifecycle hook returned an error").
		WithContext("plugin_id", pluginID).
		WithContext("hook", hook).
		WithSeverity("error")
}

func NewModuleNotFoundError(pluginID, module string) *goerrors.Error {
	return goerrors.New(ErrCodeModuleNotFound, "Module not found: "+module).
		WithUserMessage("Module could not be resolved in the shared cache, bundle or host").
		WithContext("plugin_id", pluginID).
		WithContext("module", module).
		WithSeverity("error")
}

func NewLibraryOutOfRangeError(pluginID, library, staged, want string) *goerrors.Error {
	return goerrors.New(ErrCodeLibraryOutOfRange, "Staged version "+staged+" of "+library+" is outside "+want).
		WithUserMessage("The shared library version in the cache does not satisfy the plugin").
		WithContext("plugin_id", pluginID).
		WithContext("library", library).
		WithContext("staged", staged).
		WithContext("range", want).
		WithSeverity("error")
}

func NewEnableError(pluginID string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeEnableFailed, "Failed to enable plugin").
		WithUserMessage("Plugin could not be enabled").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewDisableError(pluginID string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeDisableFailed, "Plugin disable hook failed").
		WithUserMessage("Plugin reported an error while disabling").
		WithContext("plugin_id", pluginID).
		WithSeverity("warning")
}

// Messaging error constructors

func NewTargetUnavailableError(target string) *goerrors.Error {
	return goerrors.New(ErrCodeTargetUnavailable, "Message target is not enabled: "+target).
		WithUserMessage("Target plugin is not available").
		WithContext("target", target).
		WithSeverity("warning")
}

func NewNoHandlerError(target, channel string) *goerrors.Error {
	return goerrors.New(ErrCodeNoHandler, "No handler for channel "+channel).
		WithUserMessage("Target plugin has not subscribed to this channel").
		WithContext("target", target).
		WithContext("channel", channel).
		WithSeverity("warning")
}

func NewHandlerFailedError(target, channel string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeHandlerFailed, "Message handler failed").
		WithUserMessage("Target plugin failed to handle the message").
		WithContext("target", target).
		WithContext("channel", channel).
		WithSeverity("error")
}

func NewRemoteBridgeError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeRemoteBridge, "Remote bridge error: "+message).
		WithUserMessage("Cross-node message delivery failed").
		WithSeverity("error").
		AsRetryable()
}

// Lifecycle error constructors

func NewPluginNotFoundError(pluginID string) *goerrors.Error {
	return goerrors.New(ErrCodePluginNotFound, "Plugin not found: "+pluginID).
		WithUserMessage("No plugin with this id is registered").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewInvalidTransitionError(pluginID string, from, to PluginState) *goerrors.Error {
	return goerrors.New(ErrCodeInvalidTransition, fmt.Sprintf("Invalid state transition %s -> %s", from, to)).
		WithUserMessage("Plugin cannot move to the requested state from its current state").
		WithContext("plugin_id", pluginID).
		WithContext("from", string(from)).
		WithContext("to", string(to)).
		WithSeverity("error")
}

func NewBatchAbortedError(phase string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeBatchAborted, "Load batch aborted during "+phase).
		WithUserMessage("Plugin batch was aborted before any plugin was loaded").
		WithContext("phase", phase).
		WithSeverity("error")
}

func NewReloadFailedError(pluginID, step string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeReloadFailed, "Reload failed at "+step).
		WithUserMessage("Plugin reload failed; the plugin is left in the error state").
		WithContext("plugin_id", pluginID).
		WithContext("step", step).
		WithSeverity("error")
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *goerrors.Error {
	return goerrors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The specified configuration file does not exist").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeConfigParse, "Failed to parse configuration").
		WithUserMessage("Configuration file contains invalid syntax").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeConfigValidation, "Configuration validation failed: "+message).
		WithUserMessage("Configuration contains invalid values").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeConfigWatcher, "Watcher error: "+message).
		WithUserMessage("File watching failed").
		WithSeverity("error")
}

func NewConfigStoreError(pluginID, name string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeConfigStore, "Plugin config store error").
		WithUserMessage("Plugin configuration could not be loaded or saved").
		WithContext("plugin_id", pluginID).
		WithContext("name", name).
		WithSeverity("error")
}

func NewPathTraversalError(path string) *goerrors.Error {
	return goerrors.New(ErrCodePathTraversal, "Path traversal attempt detected").
		WithUserMessage("Path escapes its allowed root directory").
		WithContext("path", path).
		WithSeverity("error")
}

// Runtime error constructors

func NewProcessError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeProcess, "Process error: "+message).
		WithUserMessage("Plugin process management failed").
		WithSeverity("error")
}

func NewHandshakeError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeHandshake, "Handshake error: "+message).
		WithUserMessage("Plugin handshake failed").
		WithSeverity("error")
}

func NewProtocolError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeProtocol, "Protocol error: "+message).
		WithUserMessage("Plugin protocol error occurred").
		WithSeverity("error")
}

func NewScriptError(pluginID, message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeScript, "Script error: "+message).
		WithUserMessage("Lua plugin script failed").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewWasmError(pluginID, message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeWasm, "Wasm error: "+message).
		WithUserMessage("Wasm plugin module failed").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewSerializationError(message string, cause error) *goerrors.Error {
	return wrapOrNew(cause, ErrCodeSerialization, "Serialization error: "+message).
		WithUserMessage("Data serialization failed").
		WithSeverity("error")
}
