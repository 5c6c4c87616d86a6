package assemble

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stevedore/stevedore/pkg/event"
	"github.com/stevedore/stevedore/pkg/image"
	"github.com/stevedore/stevedore/pkg/plan"
)

// fakeRegistry is a minimal, in-memory Docker Registry v2 HTTP API server
// covering the handful of routes an end-to-end scratch-base build exercises:
// blob upload (POST+PUT), blob HEAD, and manifest PUT.
type fakeRegistry struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	manifests map[string][]byte
}

func newFakeRegistry() *httptest.Server {
	reg := &fakeRegistry{blobs: map[string][]byte{}, manifests: map[string][]byte{}}
	return httptest.NewTLSServer(http.HandlerFunc(reg.handle))
}

func (f *fakeRegistry) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v2/")

	switch {
	case strings.Contains(path, "/blobs/uploads/") && r.Method == http.MethodPost:
		id := uuid.NewString()
		repo := strings.SplitN(path, "/blobs/uploads/", 2)[0]
		w.Header().Set("Location", "https://"+r.Host+"/v2/"+repo+"/blobs/uploads/"+id)
		w.WriteHeader(http.StatusAccepted)

	case strings.Contains(path, "/blobs/uploads/") && r.Method == http.MethodPut:
		digest := r.URL.Query().Get("digest")
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.mu.Lock()
		f.blobs[digest] = data
		f.mu.Unlock()
		w.Header().Set("Docker-Content-Digest", digest)
		w.WriteHeader(http.StatusCreated)

	case strings.Contains(path, "/blobs/") && r.Method == http.MethodHead:
		d := path[strings.LastIndex(path, "/")+1:]
		f.mu.Lock()
		data, ok := f.blobs[d]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", itoa(len(data)))
		w.WriteHeader(http.StatusOK)

	case strings.Contains(path, "/manifests/") && r.Method == http.MethodPut:
		parts := strings.SplitN(path, "/manifests/", 2)
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.mu.Lock()
		f.manifests[parts[0]+":"+parts[1]] = data
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)

	case strings.Contains(path, "/manifests/") && r.Method == http.MethodGet:
		parts := strings.SplitN(path, "/manifests/", 2)
		f.mu.Lock()
		data, ok := f.manifests[parts[0]+":"+parts[1]]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", image.MediaTypeDockerManifestV2)
		w.Write(data)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestBuildScratchSinglePlatformRegistryTarget(t *testing.T) {
	srv := newFakeRegistry()
	defer srv.Close()
	host := srv.Listener.Addr().String()

	srcFile := filepath.Join(t.TempDir(), "hello.txt")
	if err := os.WriteFile(srcFile, []byte("hello world"), 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	p := plan.NewBuildPlan("scratch")
	p.CacheDir = t.TempDir()
	p.AllowInsecureRegistries = true
	p.Layers = []plan.LayerSource{
		plan.FileEntriesLayer{
			Name: "app",
			Entries: []plan.FileEntry{
				{SourcePath: srcFile, ExtractionPath: "/app/hello.txt", Permissions: 0o644, ModTime: time.Unix(1, 0).UTC()},
			},
		},
	}
	p.Targets = []plan.Target{
		plan.RegistryTarget{Reference: host + "/test/app:latest"},
	}

	result, err := Build(context.Background(), p, Options{}, event.NewBus())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.ManifestDigest == "" {
		t.Fatal("Build returned empty ManifestDigest")
	}
	if len(result.Platforms) != 1 {
		t.Fatalf("Platforms = %v, want 1 entry", result.Platforms)
	}
}

func TestBuildRejectsEmptyTargets(t *testing.T) {
	p := plan.NewBuildPlan("scratch")
	p.CacheDir = t.TempDir()
	p.Layers = []plan.LayerSource{plan.FileEntriesLayer{Name: "app"}}

	if _, err := Build(context.Background(), p, Options{}, event.NewBus()); err == nil {
		t.Fatal("Build succeeded with no targets")
	}
}

func TestBuildRejectsEmptyPlatforms(t *testing.T) {
	p := plan.NewBuildPlan("scratch")
	p.CacheDir = t.TempDir()
	p.Platforms = nil
	p.Targets = []plan.Target{plan.RegistryTarget{Reference: "example.com/a/b:latest"}}

	if _, err := Build(context.Background(), p, Options{}, event.NewBus()); err == nil {
		t.Fatal("Build succeeded with no platforms")
	}
}
