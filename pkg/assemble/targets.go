package assemble

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/internal/berrors"
	"github.com/stevedore/stevedore/pkg/cache"
	"github.com/stevedore/stevedore/pkg/digest"
	"github.com/stevedore/stevedore/pkg/image"
	"github.com/stevedore/stevedore/pkg/plan"
	"github.com/stevedore/stevedore/pkg/registry"
)

// epoch is the modtime every metadata entry in an exported tar archive
// carries, per spec.md §6 ("directories and metadata files use epoch").
var epoch = time.Unix(0, 0).UTC()

// dispatch sends the assembled image to t, per spec.md §4.10 step 4.
func dispatch(
	ctx context.Context,
	getClient func(host string) (*registry.Client, error),
	t plan.Target,
	oci bool,
	manifestDigest digest.Digest,
	manifestBytes []byte,
	manifestMediaType string,
	configBytes []byte,
	layers []layerBuild,
	blobCache *cache.Cache,
) error {
	switch v := t.(type) {
	case plan.RegistryTarget:
		// The config blob was already pushed by the per-platform pipeline's
		// PushContainerConfig step; only the manifest (and its additional
		// tags) remain.
		return pushManifestToRegistry(ctx, getClient, v, manifestBytes, manifestMediaType)

	case plan.TarTarget:
		f, err := os.Create(v.Path)
		if err != nil {
			return errors.Wrapf(err, "create tar target %s", v.Path)
		}
		defer f.Close()
		if oci {
			return writeOCITar(f, manifestDigest, manifestBytes, configBytes, layers, blobCache)
		}
		return writeDockerTar(f, configBytes, layers, blobCache, nil)

	case plan.DaemonTarget:
		return loadDaemon(ctx, v.DockerPath, configBytes, layers, blobCache, v.Tags)

	default:
		return errors.Errorf("unsupported target type %T", t)
	}
}

func pushManifestToRegistry(ctx context.Context, getClient func(string) (*registry.Client, error), t plan.RegistryTarget, manifestBytes []byte, manifestMediaType string) error {
	ref, err := parseReference(t.Reference)
	if err != nil {
		return err
	}
	client, err := getClient(ref.Host)
	if err != nil {
		return err
	}

	if _, err := client.PushManifest(ctx, ref.Repo, ref.Ref(), manifestMediaType, manifestBytes); err != nil {
		return err
	}
	for _, tag := range t.AdditionalTags {
		if _, err := client.PushManifest(ctx, ref.Repo, tag, manifestMediaType, manifestBytes); err != nil {
			return err
		}
	}
	return nil
}

func readCachedBlob(blobCache *cache.Cache, d digest.Digest) ([]byte, error) {
	blob, err := blobCache.Get(d)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	return io.ReadAll(blob)
}

func addTarEntry(tw *tar.Writer, name string, data []byte, modTime time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  modTime,
		Format:   tar.FormatPAX,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return errors.Wrapf(err, "write tar header for %s", name)
	}
	if _, err := tw.Write(data); err != nil {
		return errors.Wrapf(err, "write tar entry %s", name)
	}
	return nil
}

// dockerManifestEntry is one element of the top-level manifest.json array
// in a Docker-format image tar, per spec.md §4.10.
type dockerManifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags,omitempty"`
	Layers   []string `json:"Layers"`
}

// writeDockerTar writes the Docker-format tar layout to w: manifest.json,
// config.json, and one <digest>.tar.gz per layer.
func writeDockerTar(w io.Writer, configBytes []byte, layers []layerBuild, blobCache *cache.Cache, repoTags []string) error {
	tw := tar.NewWriter(w)

	if err := addTarEntry(tw, "config.json", configBytes, epoch); err != nil {
		return err
	}

	layerFiles := make([]string, 0, len(layers))
	for _, l := range layers {
		data, err := readCachedBlob(blobCache, l.Blob.Digest)
		if err != nil {
			return err
		}
		name := l.Blob.Digest.Encoded() + ".tar.gz"
		if err := addTarEntry(tw, name, data, epoch); err != nil {
			return err
		}
		layerFiles = append(layerFiles, name)
	}

	entries := []dockerManifestEntry{{Config: "config.json", RepoTags: repoTags, Layers: layerFiles}}
	manifestJSON, err := json.Marshal(entries)
	if err != nil {
		return errors.Wrap(err, "marshal docker manifest.json")
	}
	if err := addTarEntry(tw, "manifest.json", manifestJSON, epoch); err != nil {
		return err
	}

	return tw.Close()
}

// writeOCITar writes the OCI-format tar layout to w: oci-layout, index.json,
// and blobs/sha256/<digest> for every config, manifest and layer blob.
func writeOCITar(w io.Writer, manifestDigest digest.Digest, manifestBytes, configBytes []byte, layers []layerBuild, blobCache *cache.Cache) error {
	tw := tar.NewWriter(w)

	if err := addTarEntry(tw, "oci-layout", []byte(`{"imageLayoutVersion":"1.0.0"}`), epoch); err != nil {
		return err
	}

	blobPath := func(d digest.Digest) string { return "blobs/sha256/" + d.Encoded() }

	configDigest := digest.FromBytes(configBytes)
	if err := addTarEntry(tw, blobPath(configDigest), configBytes, epoch); err != nil {
		return err
	}
	if err := addTarEntry(tw, blobPath(manifestDigest), manifestBytes, epoch); err != nil {
		return err
	}
	for _, l := range layers {
		data, err := readCachedBlob(blobCache, l.Blob.Digest)
		if err != nil {
			return err
		}
		if err := addTarEntry(tw, blobPath(l.Blob.Digest), data, epoch); err != nil {
			return err
		}
	}

	idx := image.Index{
		SchemaVersion: 2,
		MediaType:     image.MediaTypeOCIIndex,
		Manifests: []image.Descriptor{{
			MediaType: image.MediaTypeOCIManifest,
			Digest:    manifestDigest,
			Size:      int64(len(manifestBytes)),
		}},
	}
	indexJSON, err := json.Marshal(idx)
	if err != nil {
		return errors.Wrap(err, "marshal index.json")
	}
	if err := addTarEntry(tw, "index.json", indexJSON, epoch); err != nil {
		return err
	}

	return tw.Close()
}

// loadDaemon builds the Docker-format tar stream and feeds it to
// `docker load` via stdin, per spec.md §4.10's DaemonTarget.
func loadDaemon(ctx context.Context, dockerPath string, configBytes []byte, layers []layerBuild, blobCache *cache.Cache, tags []string) error {
	if dockerPath == "" {
		dockerPath = "docker"
	}

	var buf bytes.Buffer
	if err := writeDockerTar(&buf, configBytes, layers, blobCache, tags); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, dockerPath, "load")
	cmd.Stdin = &buf
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &berrors.DaemonLoadError{ExitCode: exitCode, Stderr: stderr.String()}
	}
	return nil
}
