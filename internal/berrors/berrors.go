// Package berrors implements the error taxonomy of spec.md §7 as concrete
// Go types satisfying error. Every type that carries a Cause exposes it via
// Unwrap so github.com/pkg/errors/errors.As and errors.Is keep working
// through the chain; DigestMismatch and DaemonLoadError carry no cause. IsRetryable and IsTransient classify an error for the pipeline's
// retry policy, grounded on the teacher's ErrorClassifier keyword-matching
// pattern in pkg/builder/errors.go and the retry predicate in
// pkg/registry/retry.go.
package berrors

import (
	"fmt"
	"strings"
)

// Coordinate identifies the image an error occurred against, rendered as
// "<server>/<repo>[:tag|@digest]" per spec.md §7's user-visible format.
type Coordinate struct {
	Server string
	Repo   string
	Tag    string
	Digest string
}

func (c Coordinate) String() string {
	if c.Server == "" && c.Repo == "" {
		return ""
	}
	ref := c.Server + "/" + c.Repo
	switch {
	case c.Digest != "":
		return ref + "@" + c.Digest
	case c.Tag != "":
		return ref + ":" + c.Tag
	default:
		return ref
	}
}

// userMessage renders the "Tried to <action> but failed because: <reasons>"
// format spec.md §7 requires, appending the image coordinate when present.
func userMessage(action, reason string, coord Coordinate) string {
	msg := fmt.Sprintf("Tried to %s but failed because: %s", action, reason)
	if c := coord.String(); c != "" {
		msg += " (" + c + ")"
	}
	return msg
}

// ConfigurationError covers an unresolved base image, an empty platform
// set, or a missing credential required for a private push.
type ConfigurationError struct {
	Action string
	Reason string
	Coord  Coordinate
	Cause  error
}

func (e *ConfigurationError) Error() string { return userMessage(e.Action, e.Reason, e.Coord) }
func (e *ConfigurationError) Unwrap() error { return e.Cause }

// NetworkError covers a connect/read failure, a TLS handshake failure, or
// an unexpected EOF.
type NetworkError struct {
	Action string
	Coord  Coordinate
	Cause  error
}

func (e *NetworkError) Error() string {
	reason := "network failure"
	if e.Cause != nil {
		reason = e.Cause.Error()
	}
	return userMessage(e.Action, reason, e.Coord)
}
func (e *NetworkError) Unwrap() error { return e.Cause }

// RegistryErrorEntry is one {code, message, detail} entry from a registry's
// documented error response body.
type RegistryErrorEntry struct {
	Code    string
	Message string
	Detail  any
}

// RegistryError wraps a documented registry error response. Transient
// marks 5xx/408/429 responses eligible for pipeline-level retry per
// spec.md §7's propagation policy.
type RegistryError struct {
	Action    string
	Coord     Coordinate
	Entries   []RegistryErrorEntry
	Transient bool
	Cause     error
}

func (e *RegistryError) Error() string {
	var reasons []string
	for _, entry := range e.Entries {
		reasons = append(reasons, entry.Message)
	}
	reason := strings.Join(reasons, "; ")
	if reason == "" && e.Cause != nil {
		reason = e.Cause.Error()
	}
	return userMessage(e.Action, reason, e.Coord)
}
func (e *RegistryError) Unwrap() error { return e.Cause }

// UnauthorizedReason distinguishes why a registry rejected a request.
type UnauthorizedReason int

const (
	// CredentialsRejected means credentials were sent and the server
	// refused them.
	CredentialsRejected UnauthorizedReason = iota
	// CredentialsNotSent means credentials were stripped by the HTTP
	// failover ladder before the request that got a 401/403.
	CredentialsNotSent
)

// RegistryUnauthorized is a 401/403 response, per spec.md §7.
type RegistryUnauthorized struct {
	Action string
	Coord  Coordinate
	Reason UnauthorizedReason
	Cause  error
}

func (e *RegistryUnauthorized) Error() string {
	reason := "credentials were rejected"
	if e.Reason == CredentialsNotSent {
		reason = "credentials were not sent (stripped before a plain-HTTP request)"
	}
	return userMessage(e.Action, reason, e.Coord)
}
func (e *RegistryUnauthorized) Unwrap() error { return e.Cause }

// ManifestFormatError covers an unrecognized schemaVersion or media type.
type ManifestFormatError struct {
	Action    string
	Coord     Coordinate
	MediaType string
	Cause     error
}

func (e *ManifestFormatError) Error() string {
	return userMessage(e.Action, "unrecognized manifest format "+e.MediaType, e.Coord)
}
func (e *ManifestFormatError) Unwrap() error { return e.Cause }

// DigestMismatch covers a computed digest that does not match an expected
// digest, whether from pulled bytes or a server Docker-Content-Digest.
type DigestMismatch struct {
	Action   string
	Coord    Coordinate
	Expected string
	Actual   string
}

func (e *DigestMismatch) Error() string {
	reason := fmt.Sprintf("expected digest %s but computed %s", e.Expected, e.Actual)
	return userMessage(e.Action, reason, e.Coord)
}

// CacheCorrupted covers a file digest mismatch on disk, or a selector
// pointing at a missing blob.
type CacheCorrupted struct {
	Action string
	Digest string
	Reason string
	Cause  error
}

func (e *CacheCorrupted) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "cache entry for " + e.Digest + " is corrupted"
	}
	return userMessage(e.Action, reason, Coordinate{})
}
func (e *CacheCorrupted) Unwrap() error { return e.Cause }

// ArchiveError covers an I/O failure during tar assembly.
type ArchiveError struct {
	SourcePath string
	Cause      error
}

func (e *ArchiveError) Error() string {
	return userMessage("archive "+e.SourcePath, e.Cause.Error(), Coordinate{})
}
func (e *ArchiveError) Unwrap() error { return e.Cause }

// DaemonLoadError covers a non-zero exit from `docker load`.
type DaemonLoadError struct {
	ExitCode int
	Stderr   string
}

func (e *DaemonLoadError) Error() string {
	reason := fmt.Sprintf("docker load exited %d: %s", e.ExitCode, strings.TrimSpace(e.Stderr))
	return userMessage("load image into the local daemon", reason, Coordinate{})
}

// IsRetryable reports whether err is eligible for pipeline-level retry:
// spec.md §7 restricts this to NetworkError and transient RegistryError.
func IsRetryable(err error) bool {
	switch e := err.(type) {
	case *NetworkError:
		return true
	case *RegistryError:
		return e.Transient
	default:
		return false
	}
}

// IsTransient reports whether err is worth surfacing as a warning instead
// of aborting: it is true for everything IsRetryable accepts and, in
// addition, for *CacheCorrupted (§7's CacheCorrupted handling), which the
// pipeline's retry policy (spec.md §5 "Retries") does not retry.
func IsTransient(err error) bool {
	if _, ok := err.(*CacheCorrupted); ok {
		return true
	}
	return IsRetryable(err)
}
