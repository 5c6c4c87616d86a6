// Package registry implements the Docker Registry v2 HTTP API client of
// spec.md §4.7: manifest pull/push, blob existence checks, blob pull with
// digest verification, blob push (cross-repository mount, single-PUT, and
// chunked-PATCH fallback on 413), and error classification against the
// taxonomy in internal/berrors.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	distribution "github.com/docker/distribution"
	"github.com/docker/distribution/registry/api/errcode"
	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/internal/berrors"
	"github.com/stevedore/stevedore/pkg/auth"
	"github.com/stevedore/stevedore/pkg/digest"
	"github.com/stevedore/stevedore/pkg/image"
)

// chunkSize is the PATCH chunk size used for the 413 fallback path, per
// spec.md §4.7.
const chunkSize = 4 << 20 // 4 MiB

// Doer is the subset of *transport.Client a Client needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to one registry host.
type Client struct {
	host      string
	transport Doer
	authz     *auth.Authorizer
	userAgent string
}

// New builds a Client for host (already normalized via auth.NormalizeRegistry
// by the caller). userAgent is sent on every request; empty disables the
// header per spec.md §6.
func New(host string, t Doer, authz *auth.Authorizer, userAgent string) *Client {
	return &Client{host: host, transport: t, authz: authz, userAgent: userAgent}
}

func (c *Client) baseURL(repo string) string {
	return "https://" + c.host + "/v2/" + repo
}

// do issues req, retrying once with an Authorization header if the first
// attempt gets a 401/403 and authz resolves one (spec.md §4.6 step 1-5).
func (c *Client) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	_, rewind, err := snapshotBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.transport.Do(req)
	if err != nil {
		return nil, &berrors.NetworkError{Action: req.Method + " " + req.URL.Path, Cause: err}
	}

	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && c.authz != nil {
		challengeHeader := resp.Header.Get("Www-Authenticate")
		resp.Body.Close()
		if challengeHeader == "" {
			return resp, nil
		}
		challenge, err := auth.ParseWWWAuthenticate(challengeHeader)
		if err != nil {
			return nil, err
		}
		header, authErr := c.authz.Authorize(ctx, c.host, challenge)
		if authErr != nil {
			return nil, authErr
		}

		retryReq := req.Clone(ctx)
		if err := rewind(retryReq); err != nil {
			return nil, err
		}
		retryReq.Header.Set("Authorization", header)
		resp, err = c.transport.Do(retryReq)
		if err != nil {
			return nil, &berrors.NetworkError{Action: req.Method + " " + req.URL.Path, Cause: err}
		}
	}

	return resp, nil
}

// snapshotBody captures req.Body (if any and re-readable) so it can be
// replayed on the authenticated retry; most bodies here are small JSON
// manifests or already-buffered blob chunks.
func snapshotBody(req *http.Request) ([]byte, func(*http.Request) error, error) {
	if req.Body == nil {
		return nil, func(*http.Request) error { return nil }, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "buffer request body for retry")
	}
	req.Body = io.NopCloser(bytes.NewReader(b))
	rewind := func(r *http.Request) error {
		r.Body = io.NopCloser(bytes.NewReader(b))
		r.ContentLength = int64(len(b))
		return nil
	}
	return b, rewind, nil
}

// PullManifest fetches the manifest or index for ref (a tag or a bare digest),
// returning the decoded document and the digest of the raw bytes received.
func (c *Client) PullManifest(ctx context.Context, repo, ref string) (*image.Manifest, *image.Index, digest.Digest, error) {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL(repo), ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, "", errors.Wrap(err, "build manifest request")
	}
	req.Header.Set("Accept", image.AcceptHeader)

	action := fmt.Sprintf("pull manifest %s", ref)
	coord := berrors.Coordinate{Server: c.host, Repo: repo, Tag: ref}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, "", &berrors.NetworkError{Action: action, Coord: coord, Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, "", classifyError(action, coord, resp, body, false)
	}

	kind, m, idx, err := image.ParseManifestOrIndex(body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, "", &berrors.ManifestFormatError{Action: action, Coord: coord, MediaType: resp.Header.Get("Content-Type"), Cause: err}
	}

	d := digest.FromBytes(body)
	if serverDigest := resp.Header.Get("Docker-Content-Digest"); serverDigest != "" {
		if parsed, err := digest.Parse(serverDigest); err == nil && parsed != d {
			return nil, nil, "", &berrors.DigestMismatch{Action: action, Coord: coord, Expected: serverDigest, Actual: d.String()}
		}
	}

	if kind == image.KindIndex {
		return nil, idx, d, nil
	}
	return m, nil, d, nil
}

// PushManifest PUTs raw (already-marshaled) manifest bytes as tag.
func (c *Client) PushManifest(ctx context.Context, repo, tag, mediaType string, raw []byte) (digest.Digest, error) {
	url := fmt.Sprintf("%s/manifests/%s", c.baseURL(repo), tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(raw))
	if err != nil {
		return "", errors.Wrap(err, "build manifest push request")
	}
	req.Header.Set("Content-Type", mediaType)
	req.ContentLength = int64(len(raw))

	action := fmt.Sprintf("push manifest %s", tag)
	coord := berrors.Coordinate{Server: c.host, Repo: repo, Tag: tag}

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return "", classifyError(action, coord, resp, body, false)
	}
	return digest.FromBytes(raw), nil
}

// BlobExists issues a HEAD for d, returning its descriptor, or (nil, nil)
// if the registry reports BLOB_UNKNOWN -- a 404 on HEAD is "not found", not
// an error, per spec.md §4.7.
func (c *Client) BlobExists(ctx context.Context, repo string, d digest.Digest) (*digest.BlobDescriptor, error) {
	url := fmt.Sprintf("%s/blobs/%s", c.baseURL(repo), d)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build blob head request")
	}

	action := fmt.Sprintf("check blob %s", d)
	coord := berrors.Coordinate{Server: c.host, Repo: repo, Digest: d.String()}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return &digest.BlobDescriptor{Digest: d, Size: resp.ContentLength, MediaType: resp.Header.Get("Content-Type")}, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyError(action, coord, resp, body, true)
	}
}

// PullBlob streams blob d, returning a reader that verifies the digest as
// it is consumed; a mismatch surfaces as *berrors.DigestMismatch from the
// final Read instead of io.EOF, per spec.md §4.7's pull verification and
// invariant 3 in §8.
func (c *Client) PullBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	url := fmt.Sprintf("%s/blobs/%s", c.baseURL(repo), d)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build blob pull request")
	}

	action := fmt.Sprintf("pull blob %s", d)
	coord := berrors.Coordinate{Server: c.host, Repo: repo, Digest: d.String()}

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, classifyError(action, coord, resp, body, false)
	}

	return &verifyingReadCloser{
		rc:       resp.Body,
		verifier: digest.NewVerifier(resp.Body, d),
		action:   action,
		coord:    coord,
	}, nil
}

type verifyingReadCloser struct {
	rc       io.ReadCloser
	verifier *digest.Verifier
	action   string
	coord    berrors.Coordinate
}

func (v *verifyingReadCloser) Read(p []byte) (int, error) {
	n, err := v.verifier.Read(p)
	if err == io.EOF && !v.verifier.Verified() {
		return n, &berrors.DigestMismatch{
			Action:   v.action,
			Coord:    v.coord,
			Expected: v.coord.Digest,
			Actual:   v.verifier.Digest().String(),
		}
	}
	return n, err
}

func (v *verifyingReadCloser) Close() error { return v.rc.Close() }

// MountOrPush implements spec.md §4.7's blob push algorithm. If
// sourceRepo is non-empty it first attempts a cross-repository mount
// (step 1); otherwise, or if the mount is not acknowledged with 201, it
// falls through to a single-PUT upload with a chunked-PATCH fallback on
// 413 (step 2), and verifies the response Docker-Content-Digest (step 3).
func (c *Client) MountOrPush(ctx context.Context, repo string, desc digest.BlobDescriptor, sourceRepo string, content io.Reader) error {
	action := fmt.Sprintf("push blob %s", desc.Digest)
	coord := berrors.Coordinate{Server: c.host, Repo: repo, Digest: desc.Digest.String()}

	if sourceRepo != "" {
		mounted, err := c.tryMount(ctx, repo, desc.Digest, sourceRepo, action, coord)
		if err != nil {
			return err
		}
		if mounted {
			return nil
		}
	}

	uploadURL, err := c.initiateUpload(ctx, repo, action, coord)
	if err != nil {
		return err
	}

	return c.uploadBlob(ctx, uploadURL, desc, content, action, coord)
}

func (c *Client) tryMount(ctx context.Context, repo string, d digest.Digest, sourceRepo, action string, coord berrors.Coordinate) (bool, error) {
	url := fmt.Sprintf("%s/blobs/uploads/?mount=%s&from=%s", c.baseURL(repo), d, sourceRepo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return false, errors.Wrap(err, "build mount request")
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		return true, nil
	case http.StatusAccepted:
		return false, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return false, classifyError(action, coord, resp, body, false)
	}
}

func (c *Client) initiateUpload(ctx context.Context, repo, action string, coord berrors.Coordinate) (string, error) {
	url := fmt.Sprintf("%s/blobs/uploads/", c.baseURL(repo))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "build upload-initiate request")
	}
	resp, err := c.do(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyError(action, coord, resp, body, false)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return "", &berrors.RegistryError{Action: action, Coord: coord, Entries: []berrors.RegistryErrorEntry{{Message: "upload initiate response had no Location header"}}}
	}
	if resolved, err := req.URL.Parse(location); err == nil {
		location = resolved.String()
	}
	return location, nil
}

func (c *Client) uploadBlob(ctx context.Context, uploadURL string, desc digest.BlobDescriptor, content io.Reader, action string, coord berrors.Coordinate) error {
	buf, err := io.ReadAll(content)
	if err != nil {
		return errors.Wrap(err, "buffer blob for upload")
	}

	finalURL := appendQuery(uploadURL, "digest", desc.Digest.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, finalURL, bytes.NewReader(buf))
	if err != nil {
		return errors.Wrap(err, "build blob put request")
	}
	req.ContentLength = int64(len(buf))
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestEntityTooLarge {
		return c.uploadChunked(ctx, uploadURL, desc, buf, action, coord)
	}
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return classifyError(action, coord, resp, body, false)
	}
	return verifyContentDigest(resp, desc.Digest, action, coord)
}

// uploadChunked is the fallback named in spec.md §4.7 step 2: PATCHed
// chunks of 4 MiB followed by a terminating PUT.
func (c *Client) uploadChunked(ctx context.Context, uploadURL string, desc digest.BlobDescriptor, data []byte, action string, coord berrors.Coordinate) error {
	location := uploadURL
	offset := 0
	for offset < len(data) {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]

		req, err := http.NewRequestWithContext(ctx, http.MethodPatch, location, bytes.NewReader(chunk))
		if err != nil {
			return errors.Wrap(err, "build chunk patch request")
		}
		req.ContentLength = int64(len(chunk))
		req.Header.Set("Content-Range", fmt.Sprintf("%d-%d", offset, end-1))
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := c.do(ctx, req)
		if err != nil {
			return err
		}
		status := resp.StatusCode
		nextLocation := resp.Header.Get("Location")
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if status != http.StatusAccepted {
			return classifyErrorFromParts(action, coord, status, body, false)
		}
		if nextLocation != "" {
			location = nextLocation
		}
		offset = end
	}

	finalURL := appendQuery(location, "digest", desc.Digest.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, finalURL, nil)
	if err != nil {
		return errors.Wrap(err, "build chunk finalize request")
	}
	req.ContentLength = 0

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return classifyError(action, coord, resp, body, false)
	}
	return verifyContentDigest(resp, desc.Digest, action, coord)
}

func verifyContentDigest(resp *http.Response, want digest.Digest, action string, coord berrors.Coordinate) error {
	got := resp.Header.Get("Docker-Content-Digest")
	if got == "" {
		return nil
	}
	parsed, err := digest.Parse(got)
	if err != nil || parsed != want {
		return &berrors.DigestMismatch{Action: action, Coord: coord, Expected: want.String(), Actual: got}
	}
	return nil
}

func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if containsRune(rawURL, '?') {
		sep = "&"
	}
	return rawURL + sep + key + "=" + value
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

// classifyError reads a registry error body and maps it to the
// internal/berrors taxonomy per spec.md §4.7's classification table.
func classifyError(action string, coord berrors.Coordinate, resp *http.Response, body []byte, isHead bool) error {
	return classifyErrorFromParts(action, coord, resp.StatusCode, body, isHead)
}

func classifyErrorFromParts(action string, coord berrors.Coordinate, statusCode int, body []byte, isHead bool) error {
	switch statusCode {
	case http.StatusUnauthorized:
		return &berrors.RegistryUnauthorized{Action: action, Coord: coord, Reason: berrors.CredentialsRejected}
	case http.StatusForbidden:
		return &berrors.RegistryUnauthorized{Action: action, Coord: coord, Reason: berrors.CredentialsRejected}
	case http.StatusNotFound:
		if isHead {
			return nil
		}
	}

	entries := parseErrorBody(body)
	transient := statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	return &berrors.RegistryError{Action: action, Coord: coord, Entries: entries, Transient: transient}
}

// parseErrorBody decodes a registry error response body using
// docker/distribution's errcode vocabulary, per spec.md §4.7: known codes
// like MANIFEST_UNKNOWN/TAG_INVALID/MANIFEST_UNVERIFIED keep the server
// message verbatim, MANIFEST_INVALID is reworded, and unrecognized codes
// get an "other:" prefix.
func parseErrorBody(body []byte) []berrors.RegistryErrorEntry {
	var wire errcode.Errors
	if err := json.Unmarshal(body, &wire); err != nil || len(wire) == 0 {
		if len(body) == 0 {
			return nil
		}
		return []berrors.RegistryErrorEntry{{Message: string(body)}}
	}

	entries := make([]berrors.RegistryErrorEntry, 0, len(wire))
	for _, raw := range wire {
		ec, ok := raw.(errcode.Error)
		if !ok {
			entries = append(entries, berrors.RegistryErrorEntry{Message: raw.Error()})
			continue
		}
		entries = append(entries, berrors.RegistryErrorEntry{
			Code:    ec.Code.String(),
			Message: messageForCode(ec),
			Detail:  ec.Detail,
		})
	}
	return entries
}

func messageForCode(ec errcode.Error) string {
	switch ec.Code {
	case distribution.ErrorCodeManifestUnknown, distribution.ErrorCodeTagInvalid, distribution.ErrorCodeManifestUnverified:
		return ec.Message
	case distribution.ErrorCodeManifestInvalid:
		return "something went wrong"
	default:
		return "other: " + ec.Message
	}
}
