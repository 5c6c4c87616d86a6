// Package digest provides streaming SHA-256 hashing and the content-address
// types shared by every other package: a blob's Digest and its
// BlobDescriptor (digest + size).
package digest

import (
	"crypto/sha256"
	"hash"
	"io"

	godigest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Digest is an opaque "algorithm:hex" content identifier. This core only
// ever produces and verifies sha256 digests; the underlying representation
// is go-digest's so registry responses and OCI descriptors round-trip
// without conversion.
type Digest = godigest.Digest

// Algorithm is the only hash algorithm this core computes.
const Algorithm = godigest.SHA256

// FromBytes computes the digest of an in-memory byte slice.
func FromBytes(b []byte) Digest {
	return godigest.FromBytes(b)
}

// Parse validates and returns d as a Digest, rejecting anything that is not
// a well-formed "sha256:<64 lowercase hex chars>" value.
func Parse(d string) (Digest, error) {
	parsed, err := godigest.Parse(d)
	if err != nil {
		return "", errors.Wrapf(err, "parse digest %q", d)
	}
	if parsed.Algorithm() != Algorithm {
		return "", errors.Errorf("unsupported digest algorithm %q in %q", parsed.Algorithm(), d)
	}
	return parsed, nil
}

// BlobDescriptor is the minimal (size, digest, media type) triple that
// identifies a blob on the wire. Two BlobDescriptors computed over the same
// bytes are always equal.
type BlobDescriptor struct {
	Size      int64  `json:"size"`
	Digest    Digest `json:"digest"`
	MediaType string `json:"mediaType,omitempty"`
}

// HashError wraps a failure in the underlying sink a DigestingWriter writes
// through to; it is never returned for a hashing failure, since hash.Hash
// writes never fail.
type HashError struct {
	Cause error
}

func (e *HashError) Error() string { return "digest: write to sink failed: " + e.Cause.Error() }
func (e *HashError) Unwrap() error { return e.Cause }

// DigestingWriter tees every Write to an underlying sink while accumulating
// a running SHA-256 hash and byte count. Descriptor yields the
// BlobDescriptor for everything written so far; the type has no Close
// method. It allocates no buffer of its own: each Write is passed straight
// to the sink and then to the hash.
type DigestingWriter struct {
	sink   io.Writer
	hasher hash.Hash
	size   int64
}

// NewDigestingWriter returns a DigestingWriter that tees writes to sink.
// sink may be io.Discard if only the descriptor is wanted.
func NewDigestingWriter(sink io.Writer) *DigestingWriter {
	return &DigestingWriter{
		sink:   sink,
		hasher: sha256.New(),
	}
}

// Write implements io.Writer. It hashes only the n bytes the sink accepted
// before reporting an error from the sink, so the digest reflects exactly
// the bytes successfully written downstream up to the failure point --
// callers that get a HashError should discard the partial descriptor.
func (w *DigestingWriter) Write(p []byte) (int, error) {
	n, err := w.sink.Write(p)
	if n > 0 {
		w.hasher.Write(p[:n])
		w.size += int64(n)
	}
	if err != nil {
		return n, &HashError{Cause: err}
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (w *DigestingWriter) Size() int64 { return w.size }

// Digest returns the digest of the bytes written so far without closing
// the writer; it may be called multiple times.
func (w *DigestingWriter) Digest() Digest {
	return godigest.NewDigestFromBytes(Algorithm, w.hasher.Sum(nil))
}

// Descriptor returns the BlobDescriptor for everything written so far.
func (w *DigestingWriter) Descriptor() BlobDescriptor {
	return BlobDescriptor{Size: w.size, Digest: w.Digest()}
}

// Verifier reads from an underlying reader, computing a digest as it goes,
// and reports whether the final digest matched an expected value. Used by
// the registry client to verify pulled blobs per spec §4.7's pull
// verification and §8 invariant 3.
type Verifier struct {
	r        io.Reader
	hasher   hash.Hash
	expected Digest
	size     int64
}

// NewVerifier wraps r, verifying its content hashes to expected once fully
// read.
func NewVerifier(r io.Reader, expected Digest) *Verifier {
	return &Verifier{r: r, hasher: sha256.New(), expected: expected}
}

func (v *Verifier) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.hasher.Write(p[:n])
		v.size += int64(n)
	}
	return n, err
}

// Verified reports whether the bytes read so far hash to the expected
// digest. Call only after the underlying reader has returned io.EOF.
func (v *Verifier) Verified() bool {
	return v.Digest() == v.expected
}

// Digest returns the digest of the bytes read so far.
func (v *Verifier) Digest() Digest {
	return godigest.NewDigestFromBytes(Algorithm, v.hasher.Sum(nil))
}

// Size returns the number of bytes read so far.
func (v *Verifier) Size() int64 { return v.size }
