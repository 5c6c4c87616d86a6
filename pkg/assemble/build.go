// Package assemble implements the image assembler and target dispatch of
// spec.md §4.10, and wires the rest of the core (cache, archiver, registry
// client, pipeline/scheduler) into the end-to-end build spec.md §4.8
// describes -- this is the one place a caller (cmd/stevedore) needs to call
// to run a whole build.
package assemble

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/internal/berrors"
	"github.com/stevedore/stevedore/pkg/archive"
	"github.com/stevedore/stevedore/pkg/auth"
	"github.com/stevedore/stevedore/pkg/cache"
	"github.com/stevedore/stevedore/pkg/digest"
	"github.com/stevedore/stevedore/pkg/event"
	"github.com/stevedore/stevedore/pkg/image"
	"github.com/stevedore/stevedore/pkg/pipeline"
	"github.com/stevedore/stevedore/pkg/plan"
	"github.com/stevedore/stevedore/pkg/registry"
	"github.com/stevedore/stevedore/pkg/transport"
)

// toolVersion is stamped into the User-Agent header per spec.md §6's
// "jib <toolVersion> <toolName> [<upstreamClient>]" template.
const toolVersion = "0.1.0"

// Options carries the ambient settings a build needs beyond the BuildPlan
// itself (internal/settings' JIB_* values, already resolved by the
// caller).
type Options struct {
	CrossRepositoryBlobMounts bool
	DisableUserAgent          bool
	PoolSize                  int // 0 = the BuildPlan's PoolSize, or runtime.NumCPU() when that is 0 too
}

// Result is what a completed build produced.
type Result struct {
	ManifestDigest digest.Digest
	Platforms      []PlatformResult
}

// PlatformResult is one platform's assembled image within a (possibly
// multi-platform) build.
type PlatformResult struct {
	Platform       plan.Platform
	ManifestDigest digest.Digest
}

// platformBuild is everything buildPlatform produces for one platform.
type platformBuild struct {
	Platform          plan.Platform
	ManifestDigest    digest.Digest
	ManifestBytes     []byte
	ManifestMediaType string
	ConfigBytes       []byte
	Layers            []layerBuild
}

// Build runs p end to end: pulls and/or mounts base layers, archives
// application layers, assembles the container configuration and manifest,
// and dispatches to every configured target, per spec.md §4.8/§4.10.
// With more than one platform, registry targets receive the index over all
// platform manifests, while tar and daemon targets receive only the first
// platform's manifest, config and layers.
func Build(ctx context.Context, p *plan.BuildPlan, opts Options, bus *event.Bus) (*Result, error) {
	if len(p.Platforms) == 0 {
		return nil, &berrors.ConfigurationError{Action: "resolve build platforms", Reason: "BuildPlan has no platforms"}
	}
	if len(p.Targets) == 0 {
		return nil, &berrors.ConfigurationError{Action: "resolve build targets", Reason: "BuildPlan has no targets"}
	}
	if p.Format != plan.FormatOCI && p.Compression != "" && p.Compression != plan.CompressionGzip {
		return nil, &berrors.ConfigurationError{Action: "resolve layer compression", Reason: "compression " + string(p.Compression) + " requires the OCI format"}
	}
	if bus == nil {
		bus = event.NewBus()
	}

	blobCache, err := cache.Open(p.CacheDir)
	if err != nil {
		return nil, err
	}

	transportClient := transport.New(transport.Options{
		AllowInsecureRegistries: p.AllowInsecureRegistries,
		SendCredentialsOverHTTP: p.SendCredentialsOverHTTP,
		Timeout:                 p.HTTPTimeout,
	})
	authz := auth.New(transportClient, p.CredentialRetrievers)

	userAgent := ""
	if !opts.DisableUserAgent {
		userAgent = fmt.Sprintf("jib %s stevedore", toolVersion)
	}

	var clientsMu sync.Mutex
	clients := map[string]*registry.Client{}
	getClient := func(host string) (*registry.Client, error) {
		clientsMu.Lock()
		defer clientsMu.Unlock()
		if c, ok := clients[host]; ok {
			return c, nil
		}
		c := registry.New(host, transportClient, authz, userAgent)
		clients[host] = c
		return c, nil
	}

	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = p.PoolSize
	}
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
	}

	root := bus.NewRootAllocation(len(p.Platforms))

	platformResults := make([]platformBuild, len(p.Platforms))
	for i, platform := range p.Platforms {
		bus.Logf(event.LevelInfo, "building platform %s", platform.String())
		pb, err := buildPlatform(ctx, p, platform, blobCache, getClient, opts, poolSize, bus)
		if err != nil {
			return nil, err
		}
		platformResults[i] = *pb
		bus.Progress(root, 1)
	}

	oci := p.Format == plan.FormatOCI

	finalDigest, finalBytes, finalMediaType, err := assembleFinalManifest(ctx, p, oci, getClient, platformResults)
	if err != nil {
		return nil, err
	}

	primary := platformResults[0]
	for _, t := range p.Targets {
		d, b, mt := finalDigest, finalBytes, finalMediaType
		if _, ok := t.(plan.RegistryTarget); !ok {
			d, b, mt = primary.ManifestDigest, primary.ManifestBytes, primary.ManifestMediaType
		}
		if err := dispatch(ctx, getClient, t, oci, d, b, mt, primary.ConfigBytes, primary.Layers, blobCache); err != nil {
			return nil, err
		}
	}

	results := make([]PlatformResult, len(platformResults))
	for i, pb := range platformResults {
		results[i] = PlatformResult{Platform: pb.Platform, ManifestDigest: pb.ManifestDigest}
	}
	return &Result{ManifestDigest: finalDigest, Platforms: results}, nil
}

// assembleFinalManifest returns the manifest actually pushed under the
// target reference/tags: the single platform's manifest directly when
// there is exactly one, or an index referencing every platform manifest
// (itself pushed by digest, untagged) otherwise.
func assembleFinalManifest(ctx context.Context, p *plan.BuildPlan, oci bool, getClient func(string) (*registry.Client, error), platforms []platformBuild) (digest.Digest, []byte, string, error) {
	if len(platforms) == 1 {
		pb := platforms[0]
		return pb.ManifestDigest, pb.ManifestBytes, pb.ManifestMediaType, nil
	}

	idx := image.Index{SchemaVersion: 2}
	if oci {
		idx.MediaType = image.MediaTypeOCIIndex
	} else {
		idx.MediaType = image.MediaTypeDockerManifestList
	}

	for _, pb := range platforms {
		idx.Manifests = append(idx.Manifests, image.Descriptor{
			MediaType: pb.ManifestMediaType,
			Digest:    pb.ManifestDigest,
			Size:      int64(len(pb.ManifestBytes)),
			Platform:  &image.Platform{OS: pb.Platform.OS, Architecture: pb.Platform.Architecture},
		})

		for _, t := range p.Targets {
			rt, ok := t.(plan.RegistryTarget)
			if !ok {
				continue
			}
			ref, err := parseReference(rt.Reference)
			if err != nil {
				return "", nil, "", err
			}
			client, err := getClient(ref.Host)
			if err != nil {
				return "", nil, "", err
			}
			if _, err := client.PushManifest(ctx, ref.Repo, pb.ManifestDigest.String(), pb.ManifestMediaType, pb.ManifestBytes); err != nil {
				return "", nil, "", err
			}
		}
	}

	indexBytes, err := json.Marshal(idx)
	if err != nil {
		return "", nil, "", errors.Wrap(err, "marshal manifest index")
	}
	return digest.FromBytes(indexBytes), indexBytes, idx.MediaType, nil
}

// buildPlatform resolves the base image (if any) for platform, materialises
// every layer in final order (base.layers ++ plan.layers per spec.md §4.8),
// and assembles the container config and manifest.
func buildPlatform(
	ctx context.Context,
	p *plan.BuildPlan,
	platform plan.Platform,
	blobCache *cache.Cache,
	getClient func(string) (*registry.Client, error),
	opts Options,
	poolSize int,
	bus *event.Bus,
) (*platformBuild, error) {
	var baseRef reference
	var baseClient *registry.Client
	var baseManifest *image.Manifest
	var baseConfig *image.ImageConfig

	if !p.IsScratch() {
		var err error
		baseRef, err = parseReference(p.BaseImage)
		if err != nil {
			return nil, &berrors.ConfigurationError{Action: "resolve base image", Reason: err.Error()}
		}
		baseClient, err = getClient(baseRef.Host)
		if err != nil {
			return nil, err
		}
		baseManifest, err = resolveBaseManifest(ctx, baseClient, baseRef, platform)
		if err != nil {
			return nil, err
		}
		baseConfig, err = fetchBaseConfig(ctx, baseClient, baseRef, baseManifest)
		if err != nil {
			return nil, err
		}
	}

	var baseLayerCount int
	if baseManifest != nil {
		baseLayerCount = len(baseManifest.Layers)
	}
	appLayerCount := len(p.Layers)

	layers := make([]layerBuild, baseLayerCount+appLayerCount)
	skipped := make([]bool, baseLayerCount)

	pl := pipeline.New()

	for i := 0; i < baseLayerCount; i++ {
		i := i
		desc := baseManifest.Layers[i]
		pullName := fmt.Sprintf("pull-base-layer-%d", i)
		pushName := fmt.Sprintf("push-base-layer-%d", i)

		if err := pl.AddStep(pipeline.Step{Name: pullName, Run: func(ctx context.Context) error {
			mustPull, err := needsBasePull(ctx, p, desc.Digest, getClient)
			if err != nil {
				return err
			}
			skipped[i] = !mustPull
			// DiffID is left unset: base layers' diff_ids come from the base
			// config's own RootFS, which buildImageConfig copies wholesale.
			layers[i] = layerBuild{Blob: digest.BlobDescriptor{Digest: desc.Digest, Size: desc.Size}, MediaType: desc.MediaType, FromBase: true}
			if !mustPull {
				return nil
			}
			rc, err := baseClient.PullBlob(ctx, baseRef.Repo, desc.Digest)
			if err != nil {
				return err
			}
			defer rc.Close()
			blobDesc, err := blobCache.Put(ctx, rc)
			if err != nil {
				return err
			}
			layers[i].Blob = blobDesc
			return nil
		}}); err != nil {
			return nil, err
		}

		if err := pl.AddStep(pipeline.Step{Name: pushName, Deps: []string{pullName}, Run: func(ctx context.Context) error {
			if skipped[i] {
				return nil
			}
			for _, t := range p.Targets {
				rt, ok := t.(plan.RegistryTarget)
				if !ok {
					continue
				}
				ref, err := parseReference(rt.Reference)
				if err != nil {
					return err
				}
				client, err := getClient(ref.Host)
				if err != nil {
					return err
				}
				sourceRepo := ""
				if opts.CrossRepositoryBlobMounts && ref.Host == baseRef.Host {
					sourceRepo = baseRef.Repo
				}
				blob, err := blobCache.Get(layers[i].Blob.Digest)
				if err != nil {
					return err
				}
				err = client.MountOrPush(ctx, ref.Repo, layers[i].Blob, sourceRepo, blob)
				blob.Close()
				if err != nil {
					return err
				}
			}
			return nil
		}}); err != nil {
			return nil, err
		}
	}

	for j := 0; j < appLayerCount; j++ {
		j := j
		idx := baseLayerCount + j
		layerSrc := p.Layers[j]
		buildName := fmt.Sprintf("build-app-layer-%d", j)
		pushName := fmt.Sprintf("push-app-layer-%d", j)

		if err := pl.AddStep(pipeline.Step{Name: buildName, Run: func(ctx context.Context) error {
			lb, err := materializeAppLayer(ctx, p, layerSrc, blobCache)
			if err != nil {
				return err
			}
			layers[idx] = lb
			return nil
		}}); err != nil {
			return nil, err
		}

		if err := pl.AddStep(pipeline.Step{Name: pushName, Deps: []string{buildName}, Run: func(ctx context.Context) error {
			for _, t := range p.Targets {
				rt, ok := t.(plan.RegistryTarget)
				if !ok {
					continue
				}
				ref, err := parseReference(rt.Reference)
				if err != nil {
					return err
				}
				client, err := getClient(ref.Host)
				if err != nil {
					return err
				}
				blob, err := blobCache.Get(layers[idx].Blob.Digest)
				if err != nil {
					return err
				}
				err = client.MountOrPush(ctx, ref.Repo, layers[idx].Blob, "", blob)
				blob.Close()
				if err != nil {
					return err
				}
			}
			return nil
		}}); err != nil {
			return nil, err
		}
	}

	allPushSteps := make([]string, 0, baseLayerCount+appLayerCount)
	for i := 0; i < baseLayerCount; i++ {
		allPushSteps = append(allPushSteps, fmt.Sprintf("push-base-layer-%d", i))
	}
	for j := 0; j < appLayerCount; j++ {
		allPushSteps = append(allPushSteps, fmt.Sprintf("push-app-layer-%d", j))
	}

	var configBytes []byte
	var manifestDoc *image.Manifest
	var manifestBytes []byte
	var manifestMediaType string
	oci := p.Format == plan.FormatOCI

	if err := pl.AddStep(pipeline.Step{Name: "assemble-image", Deps: allPushSteps, Run: func(ctx context.Context) error {
		cfg := buildImageConfig(p, platform, baseConfig, layers)
		raw, err := cfg.Marshal()
		if err != nil {
			return err
		}
		configBytes = raw
		configDesc := digest.BlobDescriptor{Digest: digest.FromBytes(raw), Size: int64(len(raw))}
		manifestDoc = buildManifest(oci, configDesc, layers)
		return nil
	}}); err != nil {
		return nil, err
	}

	if err := pl.AddStep(pipeline.Step{Name: "push-container-config", Deps: []string{"assemble-image"}, Run: func(ctx context.Context) error {
		for _, t := range p.Targets {
			rt, ok := t.(plan.RegistryTarget)
			if !ok {
				continue
			}
			ref, err := parseReference(rt.Reference)
			if err != nil {
				return err
			}
			client, err := getClient(ref.Host)
			if err != nil {
				return err
			}
			configDesc := digest.BlobDescriptor{Digest: digest.FromBytes(configBytes), Size: int64(len(configBytes))}
			if err := client.MountOrPush(ctx, ref.Repo, configDesc, "", bytes.NewReader(configBytes)); err != nil {
				return err
			}
		}
		return nil
	}}); err != nil {
		return nil, err
	}

	if err := pl.AddStep(pipeline.Step{Name: "push-manifest", Deps: []string{"push-container-config"}, Run: func(ctx context.Context) error {
		raw, err := marshalManifest(oci, manifestDoc)
		if err != nil {
			return err
		}
		manifestBytes = raw
		if oci {
			manifestMediaType = image.MediaTypeOCIManifest
		} else {
			manifestMediaType = image.MediaTypeDockerManifestV2
		}
		return nil
	}}); err != nil {
		return nil, err
	}

	if err := pl.Run(ctx, poolSize); err != nil {
		return nil, err
	}

	return &platformBuild{
		Platform:          platform,
		ManifestDigest:    digest.FromBytes(manifestBytes),
		ManifestBytes:     manifestBytes,
		ManifestMediaType: manifestMediaType,
		ConfigBytes:       configBytes,
		Layers:            layers,
	}, nil
}

func resolveBaseManifest(ctx context.Context, client *registry.Client, ref reference, platform plan.Platform) (*image.Manifest, error) {
	m, idx, _, err := client.PullManifest(ctx, ref.Repo, ref.Ref())
	if err != nil {
		return nil, err
	}
	if idx == nil {
		return m, nil
	}
	d := idx.ManifestFor(platform.OS, platform.Architecture)
	if d == nil {
		return nil, &berrors.ManifestFormatError{
			Action:    "select base image platform manifest",
			Coord:     berrors.Coordinate{Server: ref.Host, Repo: ref.Repo, Tag: ref.Ref()},
			MediaType: "no manifest for platform " + platform.String(),
		}
	}
	resolved, _, _, err := client.PullManifest(ctx, ref.Repo, d.Digest.String())
	return resolved, err
}

func fetchBaseConfig(ctx context.Context, client *registry.Client, ref reference, m *image.Manifest) (*image.ImageConfig, error) {
	rc, err := client.PullBlob(ctx, ref.Repo, m.Config.Digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Wrap(err, "read base container config")
	}
	var cfg image.ImageConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "decode base container config")
	}
	return &cfg, nil
}

// needsBasePull decides whether a base layer's bytes must actually be
// materialised locally, per spec.md §4.8's skip-pull rule: a tar/daemon
// target always needs the bytes; a registry target with AlwaysCacheBase
// forces materialisation; otherwise, if every registry target already has
// the blob, the pull is skipped entirely.
func needsBasePull(ctx context.Context, p *plan.BuildPlan, d digest.Digest, getClient func(string) (*registry.Client, error)) (bool, error) {
	var registryTargets []plan.RegistryTarget
	for _, t := range p.Targets {
		switch v := t.(type) {
		case plan.RegistryTarget:
			registryTargets = append(registryTargets, v)
			if v.AlwaysCacheBase {
				return true, nil
			}
		default:
			return true, nil
		}
	}
	if len(registryTargets) == 0 {
		return true, nil
	}
	for _, rt := range registryTargets {
		ref, err := parseReference(rt.Reference)
		if err != nil {
			return true, nil
		}
		client, err := getClient(ref.Host)
		if err != nil {
			return true, nil
		}
		desc, err := client.BlobExists(ctx, ref.Repo, d)
		if err != nil {
			return false, err
		}
		if desc == nil {
			return true, nil
		}
	}
	return false, nil
}

// materializeAppLayer archives (or reads, for ArchiveLayer) one
// plan.LayerSource into the cache, reusing a prior archive via the
// selector/diffID sidecar index when the FileEntry list is unchanged.
func materializeAppLayer(ctx context.Context, p *plan.BuildPlan, src plan.LayerSource, blobCache *cache.Cache) (layerBuild, error) {
	suffix := archive.MediaTypeSuffix(p.Compression)
	mediaType := image.LayerMediaType(p.Format == plan.FormatOCI, suffix)

	switch v := src.(type) {
	case plan.FileEntriesLayer:
		selectorBytes, err := json.Marshal(v.Entries)
		if err != nil {
			return layerBuild{}, errors.Wrap(err, "hash layer selector")
		}
		selector := digest.FromBytes(selectorBytes).Encoded()

		if blobDigest, err := blobCache.ResolveSelector(selector); err == nil && blobDigest != "" {
			if diffID, err := blobCache.ResolveDiffID(blobDigest); err == nil && diffID != "" {
				blob, err := blobCache.Get(blobDigest)
				if err == nil {
					size := blob.Descriptor.Size
					blob.Close()
					return layerBuild{
						DiffID:    diffID,
						Blob:      digest.BlobDescriptor{Digest: blobDigest, Size: size},
						MediaType: mediaType,
						CreatedBy: "copy " + v.Name,
					}, nil
				}
			}
		}

		var buf bytes.Buffer
		result, err := archive.Build(&buf, v.Entries, p.Compression)
		if err != nil {
			return layerBuild{}, err
		}
		blobDesc, err := blobCache.Put(ctx, bytes.NewReader(buf.Bytes()))
		if err != nil {
			return layerBuild{}, err
		}
		_ = blobCache.LinkSelector(selector, blobDesc.Digest)
		_ = blobCache.LinkDiffID(blobDesc.Digest, result.DiffID)

		return layerBuild{DiffID: result.DiffID, Blob: blobDesc, MediaType: mediaType, CreatedBy: "copy " + v.Name}, nil

	case plan.ArchiveLayer:
		f, err := os.Open(v.ArchivePath)
		if err != nil {
			return layerBuild{}, &berrors.ArchiveError{SourcePath: v.ArchivePath, Cause: err}
		}
		defer f.Close()
		blobDesc, err := blobCache.Put(ctx, f)
		if err != nil {
			return layerBuild{}, err
		}

		df, err := os.Open(v.ArchivePath)
		if err != nil {
			return layerBuild{}, &berrors.ArchiveError{SourcePath: v.ArchivePath, Cause: err}
		}
		defer df.Close()
		diffID, err := archive.DiffIDFromCompressed(df, p.Compression)
		if err != nil {
			return layerBuild{}, err
		}

		mt := v.MediaType
		if mt == "" {
			mt = mediaType
		}
		return layerBuild{DiffID: diffID, Blob: blobDesc, MediaType: mt, CreatedBy: "add " + v.Name}, nil

	default:
		return layerBuild{}, errors.Errorf("unsupported layer source type %T", src)
	}
}
