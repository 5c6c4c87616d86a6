// Package settings loads the process-wide immutable Settings spec.md §9
// names ("Global state: process-wide system-properties are captured into
// an immutable Settings at build start; no other process-wide mutable
// state remains"), bound to the JIB_* environment variables of spec.md §6
// via viper, grounded on the teacher's internal/config/config.go.
package settings

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings is captured once at build start and never mutated afterward.
type Settings struct {
	HTTPTimeout                  time.Duration
	SendCredentialsOverHTTP      bool
	Serialize                    bool
	CrossRepositoryBlobMounts    bool
	DisableUserAgent             bool
}

// Load binds the JIB_* environment variables and returns an immutable
// Settings. It never reads a config file; spec.md §1 keeps YAML/CLI
// parsing out of scope, so env vars are this core's only ambient input.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("JIB")
	v.AutomaticEnv()

	v.SetDefault("http_timeout_ms", 20000)
	v.SetDefault("send_credentials_over_http", false)
	v.SetDefault("serialize", false)
	v.SetDefault("cross_repository_blob_mounts", true)
	v.SetDefault("disable_user_agent", false)

	for _, key := range []string{
		"http_timeout_ms",
		"send_credentials_over_http",
		"serialize",
		"cross_repository_blob_mounts",
		"disable_user_agent",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "bind env var for %s", key)
		}
	}

	timeoutMS := v.GetInt("http_timeout_ms")
	var timeout time.Duration
	if timeoutMS > 0 {
		timeout = time.Duration(timeoutMS) * time.Millisecond
	}

	return &Settings{
		HTTPTimeout:               timeout,
		SendCredentialsOverHTTP:   v.GetBool("send_credentials_over_http"),
		Serialize:                 v.GetBool("serialize"),
		CrossRepositoryBlobMounts: v.GetBool("cross_repository_blob_mounts"),
		DisableUserAgent:          v.GetBool("disable_user_agent"),
	}, nil
}

// PoolSize returns 1 when Serialize forces single-threaded cooperative
// mode, per spec.md §5; otherwise it returns defaultSize unchanged.
func (s *Settings) PoolSize(defaultSize int) int {
	if s.Serialize {
		return 1
	}
	return defaultSize
}
