// Package image implements the manifest/config model of spec.md §4.4:
// Docker V2.2 and OCI manifests, the OCI index, and the container
// configuration JSON, plus the schema-version sniffer that dispatches a raw
// registry response to the right parser.
package image

import (
	"encoding/json"
	"time"

	specv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/pkg/digest"
)

// Media types, spelled out rather than imported from a single shared
// constant set because the Docker and OCI dialects use distinct strings for
// what is structurally the same document (manifest, index/list, config).
const (
	MediaTypeDockerManifestV2   = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestV1   = "application/vnd.docker.distribution.manifest.v1+prettyjws"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	MediaTypeDockerConfig       = "application/vnd.docker.container.image.v1+json"
	MediaTypeDockerLayerGzip    = "application/vnd.docker.image.rootfs.diff.tar.gzip"

	MediaTypeOCIManifest     = specv1.MediaTypeImageManifest
	MediaTypeOCIIndex        = specv1.MediaTypeImageIndex
	MediaTypeOCIConfig       = specv1.MediaTypeImageConfig
	MediaTypeOCILayer        = specv1.MediaTypeImageLayerGzip
	MediaTypeOCILayerZstd    = specv1.MediaTypeImageLayerZstd
	MediaTypeOCILayerNoComp  = specv1.MediaTypeImageLayer
)

// LayerMediaType returns the registry media type for a layer given its
// dialect and compression suffix ("", "+gzip", "+zstd" -- see
// pkg/archive.MediaTypeSuffix). Docker only ever supports gzip layers per
// spec.md §6.
func LayerMediaType(oci bool, suffix string) string {
	if !oci {
		return MediaTypeDockerLayerGzip
	}
	switch suffix {
	case "+zstd":
		return MediaTypeOCILayerZstd
	case "":
		return MediaTypeOCILayerNoComp
	default:
		return MediaTypeOCILayer
	}
}

// AcceptHeader is the Accept value used when requesting a manifest,
// negotiating every dialect this core understands, per spec.md §4.4.
const AcceptHeader = MediaTypeDockerManifestV2 + ", " +
	MediaTypeOCIManifest + ", " +
	MediaTypeDockerManifestList + ", " +
	MediaTypeOCIIndex + ", " +
	MediaTypeDockerManifestV1

// Descriptor is the (mediaType, digest, size) triple referencing a blob or
// sub-manifest, shared by both dialects.
type Descriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
	Platform  *Platform     `json:"platform,omitempty"`
}

// Platform identifies the OS/architecture an index entry targets.
type Platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Variant      string `json:"variant,omitempty"`
}

// Manifest is the parsed form of a single-platform manifest, regardless of
// which dialect it was decoded from; MediaType records which one so callers
// can round-trip it on push.
type Manifest struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        Descriptor   `json:"config"`
	Layers        []Descriptor `json:"layers"`
}

// Validate checks the invariants spec.md §4.4 names for a decoded manifest
// against the config bytes it references.
func (m *Manifest) Validate(containerConfigJSON []byte, diffIDs []digest.Digest) error {
	want := digest.FromBytes(containerConfigJSON)
	if m.Config.Digest != want {
		return errors.Errorf("manifest config digest %s does not match sha256 of config bytes %s", m.Config.Digest, want)
	}
	if len(m.Layers) != len(diffIDs) {
		return errors.Errorf("manifest has %d layers but config has %d diff_ids", len(m.Layers), len(diffIDs))
	}
	return nil
}

// MarshalDocker renders m as a Docker V2.2 manifest document.
func (m *Manifest) MarshalDocker() ([]byte, error) {
	cp := *m
	cp.SchemaVersion = 2
	cp.MediaType = MediaTypeDockerManifestV2
	cp.Config.MediaType = MediaTypeDockerConfig
	cp.Layers = append([]Descriptor(nil), m.Layers...)
	for i := range cp.Layers {
		if cp.Layers[i].MediaType == "" || cp.Layers[i].MediaType == MediaTypeOCILayer {
			cp.Layers[i].MediaType = MediaTypeDockerLayerGzip
		}
	}
	return json.Marshal(cp)
}

// MarshalOCI renders m as an OCI image manifest document.
func (m *Manifest) MarshalOCI() ([]byte, error) {
	cp := *m
	cp.SchemaVersion = 2
	cp.MediaType = MediaTypeOCIManifest
	cp.Config.MediaType = MediaTypeOCIConfig
	cp.Layers = append([]Descriptor(nil), m.Layers...)
	for i := range cp.Layers {
		if cp.Layers[i].MediaType == "" || cp.Layers[i].MediaType == MediaTypeDockerLayerGzip {
			cp.Layers[i].MediaType = MediaTypeOCILayer
		}
	}
	return json.Marshal(cp)
}

// Index is a multi-platform manifest list (Docker manifest list or OCI
// index); ManifestFor resolves the single-platform manifest matching a
// requested platform.
type Index struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Manifests     []Descriptor `json:"manifests"`
}

// ManifestFor returns the descriptor of the sub-manifest matching os/arch,
// or nil if the index carries no such platform.
func (idx *Index) ManifestFor(os, arch string) *Descriptor {
	for i := range idx.Manifests {
		p := idx.Manifests[i].Platform
		if p != nil && p.OS == os && p.Architecture == arch {
			return &idx.Manifests[i]
		}
	}
	return nil
}

// HistoryEntry is one entry in the container config's build history.
type HistoryEntry struct {
	Created    time.Time `json:"created"`
	CreatedBy  string    `json:"created_by,omitempty"`
	Comment    string    `json:"comment,omitempty"`
	EmptyLayer bool      `json:"empty_layer,omitempty"`
}

// ContainerConfig is the `config` object embedded in the container
// configuration JSON, per spec.md §4.4's field list.
type ContainerConfig struct {
	Env          []string          `json:"Env,omitempty"`
	Entrypoint   []string          `json:"Entrypoint,omitempty"`
	Cmd          []string          `json:"Cmd,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	Volumes      map[string]struct{} `json:"Volumes,omitempty"`
	Labels       map[string]string `json:"Labels,omitempty"`
	WorkingDir   string            `json:"WorkingDir,omitempty"`
	User         string            `json:"User,omitempty"`
}

// RootFS names the layer diff_ids, in application order, that make up the
// image filesystem.
type RootFS struct {
	Type    string          `json:"type"`
	DiffIDs []digest.Digest `json:"diff_ids"`
}

// ImageConfig is the full container configuration JSON document, whose
// digest is what manifest.Config.Digest references.
type ImageConfig struct {
	Architecture string          `json:"architecture"`
	OS           string          `json:"os"`
	Created      time.Time       `json:"created,omitempty"`
	Config       ContainerConfig `json:"config"`
	RootFS       RootFS          `json:"rootfs"`
	History      []HistoryEntry  `json:"history,omitempty"`
}

// Marshal renders the config as canonical JSON, suitable for hashing into
// manifest.Config.Digest.
func (c *ImageConfig) Marshal() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal container config")
	}
	return b, nil
}

// schemaSniff is the subset of fields needed to decide how to parse a raw
// manifest body, per spec.md §4.4's "schema-version sniffer".
type schemaSniff struct {
	SchemaVersion int    `json:"schemaVersion"`
	MediaType     string `json:"mediaType"`
	FSLayers      []struct {
		BlobSum digest.Digest `json:"blobSum"`
	} `json:"fsLayers"`
}

// Kind classifies a decoded manifest document.
type Kind int

const (
	KindManifest Kind = iota
	KindIndex
)

// ParseManifestOrIndex sniffs schemaVersion/mediaType from raw and decodes
// it as either a single-platform Manifest or a multi-platform Index.
// contentType is the response's Content-Type header and takes precedence
// when the body's mediaType field is absent (schema v1 has none).
func ParseManifestOrIndex(raw []byte, contentType string) (Kind, *Manifest, *Index, error) {
	var sniff schemaSniff
	if err := json.Unmarshal(raw, &sniff); err != nil {
		return 0, nil, nil, errors.Wrap(err, "sniff manifest schema")
	}

	mediaType := sniff.MediaType
	if mediaType == "" {
		mediaType = contentType
	}

	switch mediaType {
	case MediaTypeDockerManifestList, MediaTypeOCIIndex:
		var idx Index
		if err := json.Unmarshal(raw, &idx); err != nil {
			return 0, nil, nil, errors.Wrap(err, "decode manifest index")
		}
		return KindIndex, nil, &idx, nil

	case MediaTypeDockerManifestV1, "":
		if sniff.SchemaVersion == 1 || len(sniff.FSLayers) > 0 {
			m, err := translateV1(raw)
			if err != nil {
				return 0, nil, nil, err
			}
			return KindManifest, m, nil, nil
		}
		fallthrough

	default:
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil {
			return 0, nil, nil, errors.Wrap(err, "decode manifest")
		}
		return KindManifest, &m, nil, nil
	}
}

// v1Manifest is the legacy schema-1 wire shape: an ordered, top-to-base
// fsLayers list with no size or rootfs information. It carries no usable
// size (schema v1 does not report blob sizes), so translated descriptors
// have Size 0; nothing in this package fills the size in afterwards.
type v1Manifest struct {
	SchemaVersion int `json:"schemaVersion"`
	FSLayers      []struct {
		BlobSum digest.Digest `json:"blobSum"`
	} `json:"fsLayers"`
}

// translateV1 recomputes a V22-shaped Manifest from a schema-1 document, per
// spec.md §4.4: "the core translates V2.1 fsLayers to a V22-shaped manifest
// by recomputing descriptors." Schema v1 lists layers top-to-bottom; V2.2
// lists them base-to-top, so the order is reversed.
func translateV1(raw []byte) (*Manifest, error) {
	var v1 v1Manifest
	if err := json.Unmarshal(raw, &v1); err != nil {
		return nil, errors.Wrap(err, "decode schema v1 manifest")
	}

	layers := make([]Descriptor, len(v1.FSLayers))
	for i, fs := range v1.FSLayers {
		layers[len(v1.FSLayers)-1-i] = Descriptor{
			MediaType: MediaTypeDockerLayerGzip,
			Digest:    fs.BlobSum,
		}
	}

	return &Manifest{
		SchemaVersion: 2,
		MediaType:     MediaTypeDockerManifestV2,
		Layers:        layers,
	}, nil
}
