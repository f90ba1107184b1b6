// Command git-lfs-cache-agent is a git-lfs custom-transfer-agent that
// interposes a secondary cache in front of the authoritative LFS server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/agent"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/cache"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/config"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/discovery"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/gitproc"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/lfsapi"
	"github.com/Hakuyume/git-lfs-cache-agent/internal/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: git-lfs-cache-agent <transfer-agent|install|stats> [flags]")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "transfer-agent":
		runTransferAgent(os.Args[2:])
	case "install", "stats":
		fmt.Fprintf(os.Stderr, "git-lfs-cache-agent %s: not implemented in this build\n", os.Args[1])
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "git-lfs-cache-agent: unknown subcommand %q\n", os.Args[1])
		os.Exit(1)
	}
}

func runTransferAgent(args []string) {
	fs := flag.NewFlagSet("transfer-agent", flag.ExitOnError)
	cacheFlag := fs.String("cache", "", "JSON cache backend configuration (see GIT_LFS_CACHE_AGENT_CACHE)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := config.Load(*cacheFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "git-lfs-cache-agent: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := newSession(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialise agent", "error", err)
		os.Exit(1)
	}
	defer func() {
		if session.Telemetry != nil {
			if err := session.Telemetry.Close(); err != nil {
				slog.Warn("failed to close telemetry log", "error", err)
			}
		}
	}()

	if err := session.Serve(ctx, os.Stdin, os.Stdout); err != nil {
		slog.Error("agent: serve failed", "error", err)
		os.Exit(1)
	}
}

func newSession(ctx context.Context, cfg config.Config) (*agent.Session, error) {
	gitDir, err := gitproc.RevParseGitDir(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving git directory: %w", err)
	}

	var store cache.Store
	if cfg.Cache != nil {
		store, err = cache.New(ctx, *cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("constructing cache backend: %w", err)
		}
	}

	client, err := lfsapi.NewClient()
	if err != nil {
		return nil, fmt.Errorf("constructing http client: %w", err)
	}

	tel, err := telemetry.NewWriter(gitDir)
	if err != nil {
		return nil, fmt.Errorf("opening telemetry log: %w", err)
	}

	return &agent.Session{
		Cache:     store,
		GitDir:    gitDir,
		Discovery: discovery.Config{WorkDir: gitDir, SSHBin: cfg.SSHBin},
		Client:    client,
		Telemetry: tel,
	}, nil
}
