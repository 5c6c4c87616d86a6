package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stevedore/stevedore/pkg/plan"
)

func TestParseWWWAuthenticateBearer(t *testing.T) {
	c, err := ParseWWWAuthenticate(`Bearer realm="https://auth.example.com/token",service="registry.example.com",scope="repository:foo/bar:pull"`)
	if err != nil {
		t.Fatalf("ParseWWWAuthenticate: %v", err)
	}
	if c.Scheme != SchemeBearer {
		t.Fatalf("Scheme = %v, want SchemeBearer", c.Scheme)
	}
	if c.Realm != "https://auth.example.com/token" {
		t.Errorf("Realm = %q", c.Realm)
	}
	if c.Service != "registry.example.com" {
		t.Errorf("Service = %q", c.Service)
	}
	if c.Scope != "repository:foo/bar:pull" {
		t.Errorf("Scope = %q", c.Scope)
	}
}

func TestParseWWWAuthenticateBasic(t *testing.T) {
	c, err := ParseWWWAuthenticate(`Basic realm="registry"`)
	if err != nil {
		t.Fatalf("ParseWWWAuthenticate: %v", err)
	}
	if c.Scheme != SchemeBasic {
		t.Fatalf("Scheme = %v, want SchemeBasic", c.Scheme)
	}
}

func TestNormalizeRegistry(t *testing.T) {
	for _, alias := range []string{"registry.hub.docker.com", "index.docker.io", "docker.io", "registry-1.docker.io"} {
		if got := NormalizeRegistry(alias); got != "registry-1.docker.io" {
			t.Errorf("NormalizeRegistry(%q) = %q, want registry-1.docker.io", alias, got)
		}
	}
	if got := NormalizeRegistry("ghcr.io"); got != "ghcr.io" {
		t.Errorf("NormalizeRegistry(ghcr.io) = %q, want unchanged", got)
	}
}

func TestAuthorizeBasicScheme(t *testing.T) {
	retriever := func(registry string) (*plan.Credential, error) {
		return &plan.Credential{Username: "user", Password: "pass"}, nil
	}
	a := New(nil, []plan.CredentialRetriever{retriever})

	header, err := a.Authorize(context.Background(), "registry.example.com", &Challenge{Scheme: SchemeBasic})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	if header != want {
		t.Errorf("Authorize = %q, want %q", header, want)
	}
}

func TestAuthorizeBasicNoCredentials(t *testing.T) {
	a := New(nil, nil)
	_, err := a.Authorize(context.Background(), "registry.example.com", &Challenge{Scheme: SchemeBasic})
	if err == nil {
		t.Fatal("expected Unauthorized error")
	}
	var unauthorized *Unauthorized
	if ue, ok := err.(*Unauthorized); ok {
		unauthorized = ue
	}
	if unauthorized == nil {
		t.Fatalf("expected *Unauthorized, got %T", err)
	}
	if unauthorized.CredentialAttempted {
		t.Error("CredentialAttempted should be false when no retriever matched")
	}
}

func TestAuthorizeBearerFetchesAndCachesToken(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"token":"abc123","expires_in":300}`))
	}))
	defer srv.Close()

	retriever := func(registry string) (*plan.Credential, error) {
		return &plan.Credential{Username: "user", Password: "pass"}, nil
	}
	a := New(srv.Client(), []plan.CredentialRetriever{retriever})
	challenge := &Challenge{Scheme: SchemeBearer, Realm: srv.URL, Service: "registry.example.com", Scope: "repository:foo:pull"}

	header1, err := a.Authorize(context.Background(), "registry.example.com", challenge)
	if err != nil {
		t.Fatalf("Authorize 1: %v", err)
	}
	if header1 != "Bearer abc123" {
		t.Errorf("header = %q", header1)
	}

	header2, err := a.Authorize(context.Background(), "registry.example.com", challenge)
	if err != nil {
		t.Fatalf("Authorize 2: %v", err)
	}
	if header2 != header1 {
		t.Errorf("second Authorize = %q, want cached %q", header2, header1)
	}
	if calls != 1 {
		t.Errorf("token endpoint called %d times, want 1 (should be cached)", calls)
	}
}

func TestEnvRetriever(t *testing.T) {
	t.Setenv("STEVEDORE_USERNAME", "u")
	t.Setenv("STEVEDORE_PASSWORD", "p")

	cred, err := EnvRetriever("STEVEDORE")("registry.example.com")
	if err != nil {
		t.Fatalf("EnvRetriever: %v", err)
	}
	if cred == nil || cred.Username != "u" || cred.Password != "p" {
		t.Fatalf("cred = %+v", cred)
	}
}

func TestEnvRetrieverNoCredentials(t *testing.T) {
	os.Unsetenv("STEVEDORE_UNSET_USERNAME")
	os.Unsetenv("STEVEDORE_UNSET_PASSWORD")
	os.Unsetenv("STEVEDORE_UNSET_TOKEN")

	cred, err := EnvRetriever("STEVEDORE_UNSET")("registry.example.com")
	if err != nil {
		t.Fatalf("EnvRetriever: %v", err)
	}
	if cred != nil {
		t.Fatalf("expected nil credential, got %+v", cred)
	}
}

func TestDockerConfigRetriever(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	auth := base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	content := `{"auths":{"registry.example.com":{"auth":"` + auth + `"}}}`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	retriever := DockerConfigRetriever(configPath)
	cred, err := retriever("registry.example.com")
	if err != nil {
		t.Fatalf("retriever: %v", err)
	}
	if cred == nil || cred.Username != "alice" || cred.Password != "secret" {
		t.Fatalf("cred = %+v", cred)
	}

	cred2, err := retriever("other.example.com")
	if err != nil {
		t.Fatalf("retriever: %v", err)
	}
	if cred2 != nil {
		t.Fatalf("expected nil for unknown registry, got %+v", cred2)
	}
}
