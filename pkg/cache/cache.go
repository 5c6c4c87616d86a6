// Package cache implements the content-addressed blob cache described in
// spec.md §4.2: atomic writes under a user-configurable root, a selector
// index that lets the builder skip re-archiving unchanged source trees, and
// self-healing corruption handling.
package cache

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/pkg/digest"
)

// Layout, relative to the cache root (spec.md §4.2):
//
//	<root>/layers/<sha256>           compressed blob bytes, mode 0644
//	<root>/selectors/<selector-sha>  one line: target digest
//	<root>/tmp/                      in-progress writes, named by uuid
const (
	layersDir    = "layers"
	selectorsDir = "selectors"
	tmpDir       = "tmp"
)

// CacheCorrupted is returned by Get and ResolveSelector when an on-disk
// blob's recomputed digest does not match its filename, or a selector
// points at a digest no longer present under layers/. The offending file
// under layers/ is deleted before this error is returned, so the caller's
// retry re-materialises rather than looping on the same corrupt bytes.
type CacheCorrupted struct {
	Digest digest.Digest
	Reason string
}

func (e *CacheCorrupted) Error() string {
	return "cache entry for " + e.Digest.String() + " is corrupted: " + e.Reason
}

// Cache is a process-wide, content-addressed, append-only blob store. All
// methods are safe for concurrent use from multiple goroutines; Put is also
// safe across processes sharing the same root, since the only cross-writer
// coordination is the POSIX atomic rename in Put (I3 in spec.md §4.2).
type Cache struct {
	root string
}

// Open prepares (creating if necessary) a Cache rooted at dir.
func Open(dir string) (*Cache, error) {
	c := &Cache{root: dir}
	for _, sub := range []string{layersDir, selectorsDir, tmpDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create cache directory %s", sub)
		}
	}
	return c, nil
}

// Root returns the cache's root directory.
func (c *Cache) Root() string { return c.root }

func (c *Cache) blobPath(d digest.Digest) string {
	return filepath.Join(c.root, layersDir, d.Encoded())
}

func (c *Cache) selectorPath(selector string) string {
	return filepath.Join(c.root, selectorsDir, selector)
}

// Contains reports whether d is present in the cache. It does not verify
// the blob's integrity; use Get for that.
func (c *Cache) Contains(d digest.Digest) bool {
	_, err := os.Stat(c.blobPath(d))
	return err == nil
}

// CachedBlob is a read handle onto a cached blob's bytes plus its
// descriptor.
type CachedBlob struct {
	io.ReadCloser
	Descriptor digest.BlobDescriptor
}

// Get opens the cached blob for d. It fails with *CacheCorrupted (after
// deleting the offending file) if the bytes on disk no longer hash to d --
// spec.md invariant I1.
func (c *Cache) Get(d digest.Digest) (*CachedBlob, error) {
	path := c.blobPath(d)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "blob %s not in cache", d)
		}
		return nil, errors.Wrapf(err, "open cached blob %s", d)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat cached blob %s", d)
	}

	verifier := digest.NewVerifier(f, d)
	if _, err := io.Copy(io.Discard, verifier); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "read cached blob %s", d)
	}
	if !verifier.Verified() {
		f.Close()
		os.Remove(path)
		return nil, &CacheCorrupted{Digest: d, Reason: "stored bytes hash to " + verifier.Digest().String()}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "rewind cached blob %s", d)
	}

	return &CachedBlob{
		ReadCloser: f,
		Descriptor: digest.BlobDescriptor{Size: info.Size(), Digest: d},
	}, nil
}

// Put streams r into the cache, hashing as it goes, and atomically installs
// the result under layers/<digest>. If another writer has already installed
// the same digest, the rename replaces that file with identical bytes on
// POSIX; if the rename fails but the final file exists, the failure is
// ignored and the temp file is removed. The returned descriptor is correct
// either way since both writers hashed identical bytes.
func (c *Cache) Put(ctx context.Context, r io.Reader) (digest.BlobDescriptor, error) {
	tmpPath := filepath.Join(c.root, tmpDir, uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return digest.BlobDescriptor{}, errors.Wrap(err, "create temp cache file")
	}
	defer os.Remove(tmpPath) // no-op once renamed away

	dw := digest.NewDigestingWriter(f)
	_, copyErr := io.Copy(dw, &contextReader{ctx: ctx, r: r})
	closeErr := f.Close()
	if copyErr != nil {
		return digest.BlobDescriptor{}, errors.Wrap(copyErr, "write cache blob")
	}
	if closeErr != nil {
		return digest.BlobDescriptor{}, errors.Wrap(closeErr, "close temp cache file")
	}

	desc := dw.Descriptor()
	finalPath := c.blobPath(desc.Digest)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		// Another writer may have already won; only a genuine fault (not
		// "already exists", which rename silently overwrites into on
		// POSIX) is worth surfacing.
		if _, statErr := os.Stat(finalPath); statErr != nil {
			return digest.BlobDescriptor{}, errors.Wrapf(err, "install cache blob %s", desc.Digest)
		}
	}
	return desc, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}

// LinkSelector atomically records that selector (a stable hash of a
// FileEntriesLayer's source tree, see spec.md §3 "CacheEntry") currently
// resolves to d. It does not check that d is present; callers call this
// only right after a successful Put.
func (c *Cache) LinkSelector(selector string, d digest.Digest) error {
	tmpPath := filepath.Join(c.root, tmpDir, uuid.NewString())
	if err := os.WriteFile(tmpPath, []byte(d.String()), 0o644); err != nil {
		return errors.Wrap(err, "write selector temp file")
	}
	defer os.Remove(tmpPath)

	if err := os.Rename(tmpPath, c.selectorPath(selector)); err != nil {
		return errors.Wrapf(err, "install selector %s", selector)
	}
	return nil
}

// ResolveSelector looks up the digest last linked to selector. It returns
// ("", nil) if there is no such selector. If the selector names a digest no
// longer present in layers/ (I2 violated by external tampering or a janitor
// race) it returns *CacheCorrupted rather than a stale digest.
func (c *Cache) ResolveSelector(selector string) (digest.Digest, error) {
	raw, err := os.ReadFile(c.selectorPath(selector))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "read selector %s", selector)
	}

	d, err := digest.Parse(string(raw))
	if err != nil {
		return "", errors.Wrapf(err, "selector %s contains invalid digest", selector)
	}
	if !c.Contains(d) {
		return "", &CacheCorrupted{Digest: d, Reason: "selector points at a digest no longer present"}
	}
	return d, nil
}

// diffIDKey namespaces the diffID sidecar index away from FileEntriesLayer
// selectors in the same selectors/ directory.
func diffIDKey(blob digest.Digest) string { return "diffid-" + blob.Encoded() }

// LinkDiffID records that blob's uncompressed tar stream hashes to diffID,
// so a later ResolveSelector hit for the same FileEntriesLayer can skip
// re-archiving without losing the diffID that rootfs.diff_ids needs.
func (c *Cache) LinkDiffID(blob, diffID digest.Digest) error {
	return c.LinkSelector(diffIDKey(blob), diffID)
}

// ResolveDiffID looks up the diffID linked to blob. Unlike ResolveSelector
// it does not validate presence under layers/ -- diffIDs are never
// themselves cache blobs -- so it returns ("", nil) for "not found" and
// only a read/parse error otherwise.
func (c *Cache) ResolveDiffID(blob digest.Digest) (digest.Digest, error) {
	raw, err := os.ReadFile(c.selectorPath(diffIDKey(blob)))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", errors.Wrapf(err, "read diffID sidecar for %s", blob)
	}
	d, err := digest.Parse(string(raw))
	if err != nil {
		return "", errors.Wrapf(err, "diffID sidecar for %s contains invalid digest", blob)
	}
	return d, nil
}
