package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stevedore/stevedore/pkg/plan"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return p
}

func TestBuildDeterministic(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "hello")
	b := writeTempFile(t, dir, "b.txt", "world")

	mtime := time.Unix(1, 0).UTC()
	entries := []plan.FileEntry{
		{SourcePath: b, ExtractionPath: "/app/b.txt", Permissions: 0o644, ModTime: mtime, Ownership: "0:0"},
		{SourcePath: a, ExtractionPath: "/app/a.txt", Permissions: 0o644, ModTime: mtime, Ownership: "0:0"},
	}

	var out1, out2 bytes.Buffer
	r1, err := Build(&out1, entries, plan.CompressionGzip)
	if err != nil {
		t.Fatalf("Build 1: %v", err)
	}
	r2, err := Build(&out2, entries, plan.CompressionGzip)
	if err != nil {
		t.Fatalf("Build 2: %v", err)
	}

	if r1.DiffID != r2.DiffID {
		t.Errorf("diffId not deterministic: %s != %s", r1.DiffID, r2.DiffID)
	}
	if r1.Blob.Digest != r2.Blob.Digest {
		t.Errorf("blob digest not deterministic: %s != %s", r1.Blob.Digest, r2.Blob.Digest)
	}
}

func TestBuildSortsEntriesByExtractionPath(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "hello")
	b := writeTempFile(t, dir, "b.txt", "world")
	mtime := time.Unix(1, 0).UTC()

	forward := []plan.FileEntry{
		{SourcePath: a, ExtractionPath: "/app/a.txt", Permissions: 0o644, ModTime: mtime},
		{SourcePath: b, ExtractionPath: "/app/b.txt", Permissions: 0o644, ModTime: mtime},
	}
	reversed := []plan.FileEntry{forward[1], forward[0]}

	var out1, out2 bytes.Buffer
	r1, err := Build(&out1, forward, plan.CompressionGzip)
	if err != nil {
		t.Fatalf("Build forward: %v", err)
	}
	r2, err := Build(&out2, reversed, plan.CompressionGzip)
	if err != nil {
		t.Fatalf("Build reversed: %v", err)
	}
	if r1.DiffID != r2.DiffID {
		t.Errorf("entry order affected diffId: %s != %s", r1.DiffID, r2.DiffID)
	}
}

func TestBuildEmitsIntermediateDirectories(t *testing.T) {
	dir := t.TempDir()
	a := writeTempFile(t, dir, "a.txt", "hello")
	mtime := time.Unix(1, 0).UTC()

	entries := []plan.FileEntry{
		{SourcePath: a, ExtractionPath: "/app/nested/dir/a.txt", Permissions: 0o644, ModTime: mtime},
	}

	var out bytes.Buffer
	if _, err := Build(&out, entries, plan.CompressionGzip); err != nil {
		t.Fatalf("Build: %v", err)
	}

	gz, err := gzip.NewReader(&out)
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	tr := tar.NewReader(gz)

	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		names = append(names, hdr.Name)
	}

	want := []string{"app/", "app/nested/", "app/nested/dir/", "app/nested/dir/a.txt"}
	if len(names) != len(want) {
		t.Fatalf("got names %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("entry %d = %q, want %q", i, names[i], n)
		}
	}
}

func TestBuildArchiveErrorCarriesSourcePath(t *testing.T) {
	entries := []plan.FileEntry{
		{SourcePath: "/nonexistent/path/missing.txt", ExtractionPath: "/app/missing.txt", Permissions: 0o644},
	}

	var out bytes.Buffer
	_, err := Build(&out, entries, plan.CompressionGzip)
	if err == nil {
		t.Fatal("expected error for missing source file")
	}
	var archErr *ArchiveError
	if !asArchiveError(err, &archErr) {
		t.Fatalf("expected *ArchiveError, got %T: %v", err, err)
	}
	if archErr.SourcePath != "/nonexistent/path/missing.txt" {
		t.Errorf("SourcePath = %q, want the missing source path", archErr.SourcePath)
	}
}

func asArchiveError(err error, target **ArchiveError) bool {
	for err != nil {
		if ae, ok := err.(*ArchiveError); ok {
			*target = ae
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func TestMediaTypeSuffix(t *testing.T) {
	cases := []struct {
		algo plan.Compression
		want string
	}{
		{plan.CompressionGzip, "+gzip"},
		{plan.CompressionZstd, "+zstd"},
		{plan.CompressionNone, ""},
	}
	for _, c := range cases {
		if got := MediaTypeSuffix(c.algo); got != c.want {
			t.Errorf("MediaTypeSuffix(%v) = %q, want %q", c.algo, got, c.want)
		}
	}
}
