package assemble

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/stevedore/stevedore/pkg/auth"
)

// reference is a parsed "registry/repo[:tag|@digest]" string, grounded on
// the teacher's ClientImpl.parseReference in pkg/registry/client.go, with
// the registry side normalized through pkg/auth.NormalizeRegistry so
// Docker Hub's several historical hostnames all land on one registry
// client.
type reference struct {
	Host string
	Repo string
	Tag  string // a tag, or "sha256:..." if the reference pinned a digest; "" means "latest"
}

func (r reference) Ref() string {
	if r.Tag != "" {
		return r.Tag
	}
	return "latest"
}

// parseReference splits ref into registry host, repository path, and
// tag/digest.
func parseReference(ref string) (reference, error) {
	if ref == "" {
		return reference{}, errors.New("empty image reference")
	}

	host := "registry-1.docker.io"
	rest := ref

	if slash := strings.Index(ref, "/"); slash >= 0 {
		candidate := ref[:slash]
		if strings.ContainsAny(candidate, ".:") || candidate == "localhost" {
			host = candidate
			rest = ref[slash+1:]
		} else {
			rest = ref
		}
	}

	repo := rest
	tag := ""
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		repo = rest[:at]
		tag = rest[at+1:]
	} else if colon := strings.LastIndex(rest, ":"); colon >= 0 && !strings.Contains(rest[colon:], "/") {
		repo = rest[:colon]
		tag = rest[colon+1:]
	}
	if repo == "" {
		return reference{}, errors.Errorf("invalid image reference %q: no repository", ref)
	}

	return reference{Host: auth.NormalizeRegistry(host), Repo: repo, Tag: tag}, nil
}
