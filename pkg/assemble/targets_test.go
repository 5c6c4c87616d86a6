package assemble

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stevedore/stevedore/pkg/cache"
	"github.com/stevedore/stevedore/pkg/digest"
)

func newTestCacheWithBlob(t *testing.T, data []byte) (*cache.Cache, digest.BlobDescriptor) {
	t.Helper()
	c, err := cache.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cache.Open: %v", err)
	}
	desc, err := c.Put(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("cache.Put: %v", err)
	}
	return c, desc
}

func readTarEntries(t *testing.T, raw []byte) map[string][]byte {
	t.Helper()
	entries := map[string][]byte{}
	tr := tar.NewReader(bytes.NewReader(raw))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar.Next: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read tar entry %s: %v", hdr.Name, err)
		}
		entries[hdr.Name] = data
	}
	return entries
}

func TestWriteDockerTarLayout(t *testing.T) {
	blobCache, desc := newTestCacheWithBlob(t, []byte("layer bytes"))
	layers := []layerBuild{{Blob: desc}}
	configBytes := []byte(`{"architecture":"amd64"}`)

	var buf bytes.Buffer
	if err := writeDockerTar(&buf, configBytes, layers, blobCache, []string{"app:latest"}); err != nil {
		t.Fatalf("writeDockerTar: %v", err)
	}

	entries := readTarEntries(t, buf.Bytes())
	if !bytes.Equal(entries["config.json"], configBytes) {
		t.Fatalf("config.json = %q", entries["config.json"])
	}

	layerName := desc.Digest.Encoded() + ".tar.gz"
	if _, ok := entries[layerName]; !ok {
		t.Fatalf("missing layer entry %s, have %v", layerName, keysOf(entries))
	}

	var manifest []dockerManifestEntry
	if err := json.Unmarshal(entries["manifest.json"], &manifest); err != nil {
		t.Fatalf("unmarshal manifest.json: %v", err)
	}
	if len(manifest) != 1 || manifest[0].Config != "config.json" {
		t.Fatalf("manifest.json = %+v", manifest)
	}
	if len(manifest[0].Layers) != 1 || manifest[0].Layers[0] != layerName {
		t.Fatalf("manifest[0].Layers = %v", manifest[0].Layers)
	}
	if len(manifest[0].RepoTags) != 1 || manifest[0].RepoTags[0] != "app:latest" {
		t.Fatalf("manifest[0].RepoTags = %v", manifest[0].RepoTags)
	}
}

func TestWriteOCITarLayout(t *testing.T) {
	blobCache, desc := newTestCacheWithBlob(t, []byte("oci layer bytes"))
	layers := []layerBuild{{Blob: desc}}
	configBytes := []byte(`{"architecture":"amd64"}`)
	manifestBytes := []byte(`{"schemaVersion":2}`)
	manifestDigest := digest.FromBytes(manifestBytes)

	var buf bytes.Buffer
	if err := writeOCITar(&buf, manifestDigest, manifestBytes, configBytes, layers, blobCache); err != nil {
		t.Fatalf("writeOCITar: %v", err)
	}

	entries := readTarEntries(t, buf.Bytes())
	if _, ok := entries["oci-layout"]; !ok {
		t.Fatal("missing oci-layout")
	}
	if _, ok := entries["index.json"]; !ok {
		t.Fatal("missing index.json")
	}

	configDigest := digest.FromBytes(configBytes)
	if _, ok := entries["blobs/sha256/"+configDigest.Encoded()]; !ok {
		t.Fatalf("missing config blob, have %v", keysOf(entries))
	}
	if _, ok := entries["blobs/sha256/"+manifestDigest.Encoded()]; !ok {
		t.Fatalf("missing manifest blob, have %v", keysOf(entries))
	}
	if _, ok := entries["blobs/sha256/"+desc.Digest.Encoded()]; !ok {
		t.Fatalf("missing layer blob, have %v", keysOf(entries))
	}
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
