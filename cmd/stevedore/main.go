package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stevedore/stevedore/internal/settings"
	"github.com/stevedore/stevedore/pkg/assemble"
	"github.com/stevedore/stevedore/pkg/auth"
	"github.com/stevedore/stevedore/pkg/event"
	"github.com/stevedore/stevedore/pkg/plan"
)

var (
	version = "dev"
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:     "stevedore",
	Short:   "A daemonless container image builder",
	Version: version,
}

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build and publish a container image without a Docker daemon",
	RunE:  runBuild,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	buildCmd.Flags().String("base", "scratch", "base image reference, or \"scratch\"")
	buildCmd.Flags().StringSlice("target", nil, "output target, repeatable: registry:REF, tar:PATH, or docker:[TAG]")
	buildCmd.Flags().StringSliceP("tag", "t", nil, "additional tags for registry targets")
	buildCmd.Flags().String("dir", "", "directory whose regular files become one application layer")
	buildCmd.Flags().String("format", "docker", "manifest/config dialect: docker or oci")
	buildCmd.Flags().String("compression", "gzip", "layer compression: gzip, zstd, or none")
	buildCmd.Flags().String("cache-dir", filepath.Join(os.TempDir(), "stevedore-cache"), "content-addressed blob cache directory")
	buildCmd.Flags().Bool("insecure", false, "allow falling back to unverified HTTPS/plain HTTP registries")
	buildCmd.Flags().Bool("allow-insecure-registries", false, "alias for --insecure")
	buildCmd.Flags().StringSlice("platform", []string{"linux/amd64"}, "target platform(s), os/arch")
	buildCmd.Flags().String("user", "", "container config: User")
	buildCmd.Flags().String("workdir", "", "container config: WorkingDir")
	buildCmd.Flags().StringSlice("env", nil, "container config: Env entries, KEY=VALUE")
	buildCmd.Flags().StringSlice("label", nil, "container config: Labels, KEY=VALUE")

	rootCmd.AddCommand(buildCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	s, err := settings.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	p, err := buildPlanFromFlags(cmd, s)
	if err != nil {
		return fmt.Errorf("build plan: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nbuild interrupted")
		cancel()
	}()

	bus := event.NewBus()
	bus.Subscribe(func(e any) {
		switch ev := e.(type) {
		case event.LogEvent:
			if ev.Level == event.LevelDebug && !verbose {
				return
			}
			fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Level, ev.Msg)
		case event.ProgressEvent:
			if verbose && ev.Allocation != nil {
				fmt.Fprintf(os.Stderr, "progress: %s %d/%d\n", ev.Allocation.Name, ev.Units, ev.Allocation.Units)
			}
		}
	})

	opts := assemble.Options{
		CrossRepositoryBlobMounts: s.CrossRepositoryBlobMounts,
		DisableUserAgent:          s.DisableUserAgent,
		PoolSize:                  s.PoolSize(0),
	}

	result, err := assemble.Build(ctx, p, opts, bus)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}

	fmt.Fprintf(os.Stdout, "built %s\n", result.ManifestDigest)
	for _, pr := range result.Platforms {
		fmt.Fprintf(os.Stdout, "  %s -> %s\n", pr.Platform.String(), pr.ManifestDigest)
	}
	return nil
}

func buildPlanFromFlags(cmd *cobra.Command, s *settings.Settings) (*plan.BuildPlan, error) {
	base, _ := cmd.Flags().GetString("base")
	p := plan.NewBuildPlan(base)

	p.HTTPTimeout = s.HTTPTimeout
	p.SendCredentialsOverHTTP = s.SendCredentialsOverHTTP

	insecure, _ := cmd.Flags().GetBool("insecure")
	allowInsecure, _ := cmd.Flags().GetBool("allow-insecure-registries")
	p.AllowInsecureRegistries = insecure || allowInsecure

	cacheDir, _ := cmd.Flags().GetString("cache-dir")
	p.CacheDir = cacheDir

	formatFlag, _ := cmd.Flags().GetString("format")
	switch strings.ToLower(formatFlag) {
	case "oci":
		p.Format = plan.FormatOCI
	case "docker", "":
		p.Format = plan.FormatDocker
	default:
		return nil, fmt.Errorf("unknown --format %q", formatFlag)
	}

	compressionFlag, _ := cmd.Flags().GetString("compression")
	switch strings.ToLower(compressionFlag) {
	case "gzip", "":
		p.Compression = plan.CompressionGzip
	case "zstd":
		p.Compression = plan.CompressionZstd
	case "none":
		p.Compression = plan.CompressionNone
	default:
		return nil, fmt.Errorf("unknown --compression %q", compressionFlag)
	}

	platformFlags, _ := cmd.Flags().GetStringSlice("platform")
	platforms, err := parsePlatforms(platformFlags)
	if err != nil {
		return nil, err
	}
	p.Platforms = platforms

	p.User, _ = cmd.Flags().GetString("user")
	p.WorkingDirectory, _ = cmd.Flags().GetString("workdir")

	envFlags, _ := cmd.Flags().GetStringSlice("env")
	for _, kv := range envFlags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --env %q, want KEY=VALUE", kv)
		}
		p.Environment[k] = v
	}

	labelFlags, _ := cmd.Flags().GetStringSlice("label")
	for _, kv := range labelFlags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --label %q, want KEY=VALUE", kv)
		}
		p.Labels[k] = v
	}

	dir, _ := cmd.Flags().GetString("dir")
	if dir != "" {
		layer, err := layerFromDirectory(dir)
		if err != nil {
			return nil, err
		}
		p.Layers = append(p.Layers, layer)
	}

	tags, _ := cmd.Flags().GetStringSlice("tag")
	targetFlags, _ := cmd.Flags().GetStringSlice("target")
	targets, err := parseTargets(targetFlags, tags)
	if err != nil {
		return nil, err
	}
	p.Targets = targets

	retrievers := []plan.CredentialRetriever{auth.EnvRetriever("STEVEDORE_REGISTRY")}
	if configPath, err := auth.DefaultDockerConfigPath(); err == nil {
		retrievers = append(retrievers, auth.DockerConfigRetriever(configPath))
	}
	p.CredentialRetrievers = retrievers

	return p, nil
}

func parsePlatforms(raw []string) ([]plan.Platform, error) {
	var out []plan.Platform
	for _, r := range raw {
		osArch := strings.SplitN(r, "/", 2)
		if len(osArch) != 2 {
			return nil, fmt.Errorf("invalid --platform %q, want os/arch", r)
		}
		out = append(out, plan.Platform{OS: osArch[0], Architecture: osArch[1]})
	}
	return out, nil
}

// parseTargets turns repeated --target flags (registry:REF, tar:PATH,
// docker:[TAG]) into plan.Target values; tags collected from --tag apply
// to every registry target.
func parseTargets(raw []string, tags []string) ([]plan.Target, error) {
	var out []plan.Target
	for _, r := range raw {
		kind, value, ok := strings.Cut(r, ":")
		if !ok {
			return nil, fmt.Errorf("invalid --target %q, want kind:value", r)
		}
		switch kind {
		case "registry":
			out = append(out, plan.RegistryTarget{Reference: value, AdditionalTags: tags})
		case "tar":
			out = append(out, plan.TarTarget{Path: value})
		case "docker":
			var dockerTags []string
			if value != "" {
				dockerTags = append(dockerTags, value)
			}
			out = append(out, plan.DaemonTarget{Tags: dockerTags})
		default:
			return nil, fmt.Errorf("unknown target kind %q", kind)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --target is required")
	}
	return out, nil
}

// layerFromDirectory walks dir and turns every regular file into one
// FileEntry in a single FileEntriesLayer, extracted under /app.
func layerFromDirectory(dir string) (plan.FileEntriesLayer, error) {
	layer := plan.FileEntriesLayer{Name: dir}

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		layer.Entries = append(layer.Entries, plan.FileEntry{
			SourcePath:     path,
			ExtractionPath: "/app/" + filepath.ToSlash(rel),
			Permissions:    0o644,
			ModTime:        time.Unix(1, 0).UTC(),
		})
		return nil
	})
	if err != nil {
		return plan.FileEntriesLayer{}, fmt.Errorf("walk %s: %w", dir, err)
	}
	return layer, nil
}
