package assemble

import (
	"fmt"
	"sort"

	"github.com/stevedore/stevedore/pkg/digest"
	"github.com/stevedore/stevedore/pkg/image"
	"github.com/stevedore/stevedore/pkg/plan"
)

// layerBuild is one materialised layer (base or application), in final
// manifest order, carrying everything the assembler needs: spec.md §4.10
// step 1-3.
type layerBuild struct {
	DiffID    digest.Digest
	Blob      digest.BlobDescriptor
	MediaType string
	CreatedBy string
	FromBase  bool
}

// buildImageConfig assembles the container configuration JSON: base's
// config overlaid with the plan's fields, and rootfs/history extended with
// every layer in final order, per spec.md §4.10 step 1.
func buildImageConfig(p *plan.BuildPlan, platform plan.Platform, base *image.ImageConfig, layers []layerBuild) *image.ImageConfig {
	cfg := &image.ImageConfig{
		Architecture: platform.Architecture,
		OS:           platform.OS,
		Created:      p.CreationTime,
	}

	env := map[string]string{}
	labels := map[string]string{}
	if base != nil {
		cfg.Config = base.Config
		cfg.RootFS = base.RootFS
		cfg.History = append(cfg.History, base.History...)
		for _, kv := range base.Config.Env {
			if k, v, ok := splitEnv(kv); ok {
				env[k] = v
			}
		}
		for k, v := range base.Config.Labels {
			labels[k] = v
		}
	}
	if cfg.RootFS.Type == "" {
		cfg.RootFS.Type = "layers"
	}

	for k, v := range p.Environment {
		env[k] = v
	}
	for k, v := range p.Labels {
		labels[k] = v
	}
	cfg.Config.Env = mapToEnv(env)
	cfg.Config.Labels = labels

	if p.User != "" {
		cfg.Config.User = p.User
	}
	if p.WorkingDirectory != "" {
		cfg.Config.WorkingDir = p.WorkingDirectory
	}
	if len(p.Entrypoint) > 0 {
		cfg.Config.Entrypoint = p.Entrypoint
	}
	if len(p.Cmd) > 0 {
		cfg.Config.Cmd = p.Cmd
	}
	if len(p.Volumes) > 0 {
		if cfg.Config.Volumes == nil {
			cfg.Config.Volumes = map[string]struct{}{}
		}
		for _, v := range p.Volumes {
			cfg.Config.Volumes[v] = struct{}{}
		}
	}
	if len(p.ExposedPorts) > 0 {
		if cfg.Config.ExposedPorts == nil {
			cfg.Config.ExposedPorts = map[string]struct{}{}
		}
		for _, port := range p.ExposedPorts {
			cfg.Config.ExposedPorts[port] = struct{}{}
		}
	}

	// Base layers' diff_ids and history entries are already present via
	// cfg.RootFS/cfg.History above (copied from the base config); only the
	// layers this build adds need appending here.
	for _, l := range layers {
		if l.FromBase {
			continue
		}
		cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, l.DiffID)
		cfg.History = append(cfg.History, image.HistoryEntry{
			Created:   p.CreationTime,
			CreatedBy: l.CreatedBy,
		})
	}

	return cfg
}

// buildManifest builds the single-platform manifest referencing configDesc
// and layers in final order, per spec.md §4.10 step 2-3.
func buildManifest(oci bool, configDesc digest.BlobDescriptor, layers []layerBuild) *image.Manifest {
	m := &image.Manifest{
		SchemaVersion: 2,
		Config: image.Descriptor{
			Digest: configDesc.Digest,
			Size:   configDesc.Size,
		},
	}
	for _, l := range layers {
		m.Layers = append(m.Layers, image.Descriptor{
			MediaType: l.MediaType,
			Digest:    l.Blob.Digest,
			Size:      l.Blob.Size,
		})
	}
	if oci {
		m.MediaType = image.MediaTypeOCIManifest
		m.Config.MediaType = image.MediaTypeOCIConfig
	} else {
		m.MediaType = image.MediaTypeDockerManifestV2
		m.Config.MediaType = image.MediaTypeDockerConfig
	}
	return m
}

func marshalManifest(oci bool, m *image.Manifest) ([]byte, error) {
	if oci {
		return m.MarshalOCI()
	}
	return m.MarshalDocker()
}

func splitEnv(kv string) (key, value string, ok bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func mapToEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
