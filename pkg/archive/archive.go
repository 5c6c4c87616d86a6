// Package archive builds reproducible tar layers from a plan.FileEntriesLayer,
// per spec.md §4.3. Everything here runs purely against io.Writer/io.Reader
// and the plan's FileEntry list -- no knowledge of cache layout or registry
// wire format leaks in.
package archive

import (
	"archive/tar"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/pkg/digest"
	"github.com/stevedore/stevedore/pkg/plan"
)

// ArchiveError wraps an I/O failure encountered while building a layer,
// carrying the offending source path per spec.md §4.3's stated failure
// mode.
type ArchiveError struct {
	SourcePath string
	Cause      error
}

func (e *ArchiveError) Error() string {
	return "archiving " + e.SourcePath + ": " + e.Cause.Error()
}

func (e *ArchiveError) Unwrap() error { return e.Cause }

// Result is the pair of digests a layer needs: diffId is the digest of the
// uncompressed tar stream (goes in the container config's rootfs diff_ids),
// and the blob descriptor is the digest/size of the compressed bytes that
// get pushed to a registry (spec.md §4.3: "Both pipes are hashed").
type Result struct {
	DiffID digest.Digest
	Blob   digest.BlobDescriptor
}

// Build archives entries into a sorted, deterministic tar stream, compresses
// it with algo, and writes the compressed bytes to out. It returns the
// uncompressed diffId and the compressed blob descriptor.
func Build(out io.Writer, entries []plan.FileEntry, algo plan.Compression) (Result, error) {
	sorted := make([]plan.FileEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ExtractionPath < sorted[j].ExtractionPath
	})

	blobWriter := digest.NewDigestingWriter(out)
	compressor, err := newCompressor(blobWriter, algo)
	if err != nil {
		return Result{}, err
	}
	diffWriter := digest.NewDigestingWriter(io.Discard)

	return writeAll(sorted, blobWriter, diffWriter, compressor)
}

func writeAll(sorted []plan.FileEntry, blobWriter *digest.DigestingWriter, diffWriter *digest.DigestingWriter, compressor io.WriteCloser) (Result, error) {
	tw := tar.NewWriter(io.MultiWriter(compressor, diffWriter))

	seenDirs := map[string]bool{"/": true}
	ensureParents := func(extractionPath string) error {
		dir := path.Dir(extractionPath)
		var missing []string
		for dir != "/" && dir != "." && !seenDirs[dir] {
			missing = append(missing, dir)
			seenDirs[dir] = true
			dir = path.Dir(dir)
		}
		for i := len(missing) - 1; i >= 0; i-- {
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     strings.TrimPrefix(missing[i], "/") + "/",
				Mode:     0o755,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return &ArchiveError{SourcePath: missing[i], Cause: err}
			}
		}
		return nil
	}

	for _, entry := range sorted {
		name := strings.TrimPrefix(entry.ExtractionPath, "/")
		if entry.IsDirectory() {
			if err := ensureParents(entry.ExtractionPath); err != nil {
				return Result{}, err
			}
			uid, gid := parseOwnership(entry.Ownership)
			hdr := &tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     int64(entry.Permissions),
				Uid:      uid,
				Gid:      gid,
				ModTime:  entry.ModTime,
				Format:   tar.FormatPAX,
			}
			seenDirs[entry.ExtractionPath] = true
			if err := tw.WriteHeader(hdr); err != nil {
				return Result{}, &ArchiveError{SourcePath: entry.ExtractionPath, Cause: err}
			}
			continue
		}

		if err := ensureParents(entry.ExtractionPath); err != nil {
			return Result{}, err
		}

		f, err := os.Open(entry.SourcePath)
		if err != nil {
			return Result{}, &ArchiveError{SourcePath: entry.SourcePath, Cause: err}
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return Result{}, &ArchiveError{SourcePath: entry.SourcePath, Cause: err}
		}

		uid, gid := parseOwnership(entry.Ownership)
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     name,
			Size:     info.Size(),
			Mode:     int64(entry.Permissions),
			Uid:      uid,
			Gid:      gid,
			ModTime:  entry.ModTime,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			f.Close()
			return Result{}, &ArchiveError{SourcePath: entry.SourcePath, Cause: err}
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return Result{}, &ArchiveError{SourcePath: entry.SourcePath, Cause: err}
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return Result{}, errors.Wrap(err, "close tar writer")
	}
	if err := compressor.Close(); err != nil {
		return Result{}, errors.Wrap(err, "close compressor")
	}

	return Result{
		DiffID: diffWriter.Digest(),
		Blob:   blobWriter.Descriptor(),
	}, nil
}

func parseOwnership(ownership string) (uid, gid int) {
	if ownership == "" {
		return 0, 0
	}
	parts := strings.SplitN(ownership, ":", 2)
	if len(parts) != 2 {
		return 0, 0
	}
	uid = atoiOr(parts[0], 0)
	gid = atoiOr(parts[1], 0)
	return uid, gid
}

func atoiOr(s string, fallback int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 && s != "0" {
		return fallback
	}
	return n
}

// nopWriteCloser adapts an io.Writer with no Close semantics (the "none"
// compression path writes tar bytes straight through) into an io.WriteCloser.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newCompressor(out io.Writer, algo plan.Compression) (io.WriteCloser, error) {
	switch algo {
	case plan.CompressionGzip, "":
		return gzip.NewWriterLevel(out, gzip.BestSpeed)
	case plan.CompressionZstd:
		return zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case plan.CompressionNone:
		return nopWriteCloser{out}, nil
	default:
		return nil, errors.Errorf("unsupported compression algorithm %q", algo)
	}
}

// DiffIDFromCompressed decompresses r per algo and returns the digest of the
// uncompressed tar stream, for an ArchiveLayer whose caller supplies only
// already-compressed bytes and no separately-known diffId.
func DiffIDFromCompressed(r io.Reader, algo plan.Compression) (digest.Digest, error) {
	var uncompressed io.Reader
	switch algo {
	case plan.CompressionGzip, "":
		gr, err := gzip.NewReader(r)
		if err != nil {
			return "", errors.Wrap(err, "open gzip layer stream")
		}
		defer gr.Close()
		uncompressed = gr
	case plan.CompressionZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return "", errors.Wrap(err, "open zstd layer stream")
		}
		defer zr.Close()
		uncompressed = zr
	case plan.CompressionNone:
		uncompressed = r
	default:
		return "", errors.Errorf("unsupported compression algorithm %q", algo)
	}

	w := digest.NewDigestingWriter(io.Discard)
	if _, err := io.Copy(w, uncompressed); err != nil {
		return "", errors.Wrap(err, "hash decompressed layer stream")
	}
	return w.Digest(), nil
}

// MediaTypeSuffix returns the registry media-type suffix ("", "+gzip",
// "+zstd") matching a compression algorithm, for callers assembling
// manifest layer media types.
func MediaTypeSuffix(algo plan.Compression) string {
	switch algo {
	case plan.CompressionZstd:
		return "+zstd"
	case plan.CompressionNone:
		return ""
	default:
		return "+gzip"
	}
}
