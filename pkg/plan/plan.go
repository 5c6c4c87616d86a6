// Package plan defines the BuildPlan and its constituent value types -- the
// external, fully-resolved input the core consumes (spec.md §3 and §6).
// Nothing in this package parses YAML, flags, or build-tool configuration;
// front ends construct a BuildPlan programmatically and hand it to
// pkg/assemble's Build.
package plan

import (
	"time"
)

// Compression identifies the layer compression algorithm, restricted per
// spec.md §6 ("zstd/none restricted to OCI").
type Compression string

const (
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
	CompressionNone Compression = "none"
)

// Format selects the manifest/config dialect written by the assembler.
type Format string

const (
	FormatDocker Format = "docker"
	FormatOCI    Format = "oci"
)

// Platform is an {arch, os} pair used for base-image manifest-list
// selection and recorded in the container configuration.
type Platform struct {
	Architecture string
	OS           string
}

func (p Platform) String() string { return p.OS + "/" + p.Architecture }

// FileEntry describes one file destined for a layer, exactly as spec.md §3
// defines it: a local source, its extraction path in the image, and the
// metadata the archiver bakes into the tar header.
type FileEntry struct {
	SourcePath      string    // local filesystem path to read bytes from
	ExtractionPath  string    // absolute unix path in the image
	Permissions     uint16    // 12-bit mode (e.g. 0755)
	ModTime         time.Time
	Ownership       string // "uid:gid"
	isDirectoryOnly bool   // true for directory entries with no backing file
}

// NewDirectoryEntry builds a FileEntry representing an explicit (as opposed
// to implicitly-emitted) empty directory.
func NewDirectoryEntry(extractionPath string, permissions uint16, modTime time.Time, ownership string) FileEntry {
	return FileEntry{
		ExtractionPath:  extractionPath,
		Permissions:     permissions,
		ModTime:         modTime,
		Ownership:       ownership,
		isDirectoryOnly: true,
	}
}

// IsDirectory reports whether this entry has no backing source file.
func (f FileEntry) IsDirectory() bool { return f.isDirectoryOnly }

// Equal reports value equality per spec.md's determinism invariant: "for an
// equal FileEntry list (by value equality) and equal file contents, the
// produced ... digests are bit-identical."
func (f FileEntry) Equal(other FileEntry) bool {
	return f.SourcePath == other.SourcePath &&
		f.ExtractionPath == other.ExtractionPath &&
		f.Permissions == other.Permissions &&
		f.ModTime.Equal(other.ModTime) &&
		f.Ownership == other.Ownership &&
		f.isDirectoryOnly == other.isDirectoryOnly
}

// LayerSource is implemented by the two layer-object variants a BuildPlan
// may carry: FileEntriesLayer (built from a source tree) and ArchiveLayer
// (a pre-built tar handed through verbatim).
type LayerSource interface {
	layerSource()
}

// FileEntriesLayer is an ordered set of files to be archived into one
// layer. Name is informative only -- spec.md §3: "not hashed".
type FileEntriesLayer struct {
	Name    string
	Entries []FileEntry
}

func (FileEntriesLayer) layerSource() {}

// ArchiveLayer wraps an already-built tar (optionally compressed) supplied
// directly by the caller, bypassing the archiver.
type ArchiveLayer struct {
	Name        string
	ArchivePath string
	MediaType   string // optional override; inferred from Compression otherwise
}

func (ArchiveLayer) layerSource() {}

// Target is implemented by the three places an assembled image can be
// written to (spec.md §4.10).
type Target interface {
	target()
}

// RegistryTarget pushes blobs, config and manifest to a remote registry,
// then PUTs any additional tags against the same manifest digest.
type RegistryTarget struct {
	Reference       string // registry/repo[:tag]
	AdditionalTags  []string
	AlwaysCacheBase bool // spec.md §4.8: disables the BlobCheck skip-pull optimisation
}

func (RegistryTarget) target() {}

// TarTarget writes the Docker- or OCI-format tarball described in
// spec.md §4.10 to a local path.
type TarTarget struct {
	Path string
}

func (TarTarget) target() {}

// DaemonTarget feeds the Docker-format tar stream to `docker load`.
type DaemonTarget struct {
	DockerPath string // path to the docker executable; "" = look up on PATH
	Tags       []string
}

func (DaemonTarget) target() {}

// Credential is either a username/password pair or a bearer identity token,
// as returned by a CredentialRetriever (spec.md §3).
type Credential struct {
	Username       string
	Password       string
	IdentityToken  string
}

// IsToken reports whether this credential carries a bearer identity token
// rather than a username/password pair.
func (c Credential) IsToken() bool { return c.IdentityToken != "" }

// CredentialRetriever resolves credentials for a registry host. The core
// calls an ordered chain of these (spec.md §4.6); the first one to return a
// non-nil credential wins. Discovery of *which* retrievers to chain
// (Docker config parsing, credential-helper lookup) is out of scope per
// spec.md §1 -- callers construct the chain themselves.
type CredentialRetriever func(registry string) (*Credential, error)

// RegistryMirror maps a base-image registry to an ordered list of mirror
// hosts. The builder does not read BuildPlan.RegistryMirrors: base images
// are always pulled from their own registry, and no mirror is tried.
type RegistryMirror struct {
	Registry string
	Mirrors  []string
}

// BuildPlan is the immutable, fully-resolved description of one build. It
// is created once by the front end, owned exclusively by the pipeline for
// the duration of the build, and discarded at build end (spec.md §3
// "Ownership & lifecycle").
type BuildPlan struct {
	// Base image. "scratch" means no base layers/config to pull.
	BaseImage string

	Platforms []Platform // default set by NewBuildPlan: {amd64,linux}

	CreationTime time.Time // default set by NewBuildPlan: epoch+1s

	Format      Format
	Compression Compression

	Environment map[string]string
	Labels      map[string]string
	Volumes     []string // absolute paths
	ExposedPorts []string // "port/proto"
	User         string
	WorkingDirectory string
	Entrypoint       []string
	Cmd              []string

	Layers []LayerSource

	Targets []Target

	CacheDir string

	CredentialRetrievers []CredentialRetriever
	RegistryMirrors      []RegistryMirror

	AllowInsecureRegistries  bool
	SendCredentialsOverHTTP  bool
	HTTPTimeout              time.Duration // 0 = transport.DefaultTimeout (20s); no value disables the timeout
	PoolSize                 int           // 0 = default to NumCPU
}

// NewBuildPlan returns a BuildPlan with the defaults spec.md §6 specifies:
// platform amd64/linux, creation time epoch+1s, Docker format, gzip
// compression.
func NewBuildPlan(baseImage string) *BuildPlan {
	return &BuildPlan{
		BaseImage:    baseImage,
		Platforms:    []Platform{{Architecture: "amd64", OS: "linux"}},
		CreationTime: time.Unix(1, 0).UTC(),
		Format:       FormatDocker,
		Compression:  CompressionGzip,
		Environment:  map[string]string{},
		Labels:       map[string]string{},
	}
}

// IsScratch reports whether the plan builds from an empty base.
func (p *BuildPlan) IsScratch() bool { return p.BaseImage == "" || p.BaseImage == "scratch" }
