// Package config loads the transfer agent's process-wide settings from
// environment variables and the -cache flag, the same envOr-driven shape
// the teacher's internal/config used for the proxy.
package config

import (
	"fmt"
	"os"
	"strings"

	"log/slog"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/cache"
)

// AWS SDK credential environment variables (AWS_ACCESS_KEY_ID,
// AWS_SECRET_ACCESS_KEY) are read directly by the SDK's default credential
// chain when the google_cloud_storage cache backend is selected without
// explicit credentials, and do not appear in this struct. That backend's
// region and endpoint come from its cache args, not from AWS_REGION or
// AWS_ENDPOINT_URL.

// Config is the agent process's settings: an optional secondary cache and
// the ambient SSH/logging knobs discovery and the request loop need.
type Config struct {
	Cache    *cache.Args
	SSHBin   string
	LogLevel slog.Level
}

// Load reads GIT_LFS_CACHE_AGENT_CACHE and the rest of the agent's
// environment variables. cacheFlag, when non-empty, is the -cache flag
// value and takes priority over the environment variable.
func Load(cacheFlag string) (Config, error) {
	cfg := Config{
		SSHBin:   envOr("GIT_SSH_COMMAND", envOr("GIT_LFS_CACHE_AGENT_SSH", "ssh")),
		LogLevel: parseLogLevel(envOr("GIT_LFS_CACHE_AGENT_LOG_LEVEL", "info")),
	}

	raw := cacheFlag
	if raw == "" {
		raw = os.Getenv("GIT_LFS_CACHE_AGENT_CACHE")
	}
	if raw != "" {
		args, err := cache.ParseArgs([]byte(raw))
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		cfg.Cache = &args
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
