package berrors

import (
	"strings"
	"testing"
)

func TestCoordinateString(t *testing.T) {
	cases := []struct {
		coord Coordinate
		want  string
	}{
		{Coordinate{}, ""},
		{Coordinate{Server: "registry.example.com", Repo: "foo/bar"}, "registry.example.com/foo/bar"},
		{Coordinate{Server: "registry.example.com", Repo: "foo/bar", Tag: "v1"}, "registry.example.com/foo/bar:v1"},
		{Coordinate{Server: "registry.example.com", Repo: "foo/bar", Digest: "sha256:abc"}, "registry.example.com/foo/bar@sha256:abc"},
	}
	for _, c := range cases {
		if got := c.coord.String(); got != c.want {
			t.Errorf("Coordinate(%+v).String() = %q, want %q", c.coord, got, c.want)
		}
	}
}

func TestErrorMessagesIncludeActionAndCoordinate(t *testing.T) {
	coord := Coordinate{Server: "registry.example.com", Repo: "foo/bar", Tag: "v1"}

	errs := []error{
		&ConfigurationError{Action: "resolve base image", Reason: "no base image configured", Coord: coord},
		&NetworkError{Action: "pull manifest", Coord: coord, Cause: errSentinel("connection reset")},
		&RegistryError{Action: "push blob", Coord: coord, Entries: []RegistryErrorEntry{{Code: "BLOB_UNKNOWN", Message: "blob unknown to registry"}}},
		&RegistryUnauthorized{Action: "push manifest", Coord: coord, Reason: CredentialsRejected},
		&ManifestFormatError{Action: "pull manifest", Coord: coord, MediaType: "application/x-unknown"},
		&DigestMismatch{Action: "pull blob", Coord: coord, Expected: "sha256:aaa", Actual: "sha256:bbb"},
	}

	for _, err := range errs {
		msg := err.Error()
		if !strings.HasPrefix(msg, "Tried to ") {
			t.Errorf("%T message missing action prefix: %q", err, msg)
		}
		if !strings.Contains(msg, "registry.example.com/foo/bar:v1") {
			t.Errorf("%T message missing coordinate: %q", err, msg)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(&NetworkError{}) != true {
		t.Error("NetworkError should be retryable")
	}
	if IsRetryable(&RegistryError{Transient: true}) != true {
		t.Error("transient RegistryError should be retryable")
	}
	if IsRetryable(&RegistryError{Transient: false}) != false {
		t.Error("non-transient RegistryError should not be retryable")
	}
	if IsRetryable(&ConfigurationError{}) != false {
		t.Error("ConfigurationError should not be retryable")
	}
}

func TestIsTransientIncludesCacheCorrupted(t *testing.T) {
	if !IsTransient(&CacheCorrupted{Digest: "sha256:aaa"}) {
		t.Error("CacheCorrupted should be transient")
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
