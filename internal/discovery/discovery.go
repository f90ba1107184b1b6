// Package discovery resolves a git remote name to the LFS server endpoint
// and headers a batch request should carry (https://github.com/git-lfs/git-lfs/blob/main/docs/api/server-discovery.md).
package discovery

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Hakuyume/git-lfs-cache-agent/internal/gitproc"
)

// ErrUnknownScheme is returned when the resolved remote URL's scheme is
// neither http(s) nor ssh.
var ErrUnknownScheme = errors.New("discovery: unsupported scheme")

// Operation names the LFS operation discovery is performed for.
type Operation string

const (
	OperationUpload   Operation = "upload"
	OperationDownload Operation = "download"
)

// Result is the (href, headers) pair a batch request is issued against.
type Result struct {
	Href   string
	Header http.Header
}

// Config carries the collaborator inputs discovery needs but does not own:
// the version-control working directory and the configured SSH client
// binary (empty means "ssh").
type Config struct {
	WorkDir string
	SSHBin  string
}

// The git process invocations are package-level hooks, not direct calls,
// so tests can substitute a fake git/ssh environment (spec.md §8's six
// discovery scenarios) without a real repository or credential helper.
var (
	configGetURLMatch = gitproc.ConfigGetURLMatch
	credentialFill    = gitproc.CredentialFill
	remoteGetURL      = gitproc.RemoteGetURL
	sshAuthenticate   = gitproc.SSHAuthenticate
)

// Discover resolves remote to a (href, headers) pair. When authorize is
// false, headers carry only what configuration already supplies (extra
// headers, or none); when true, the credential helper (HTTP) or
// git-lfs-authenticate (SSH) is consulted.
func Discover(ctx context.Context, cfg Config, remote string, operation Operation, authorize bool) (Result, error) {
	base, custom, err := resolveBaseURL(ctx, cfg.WorkDir, remote)
	if err != nil {
		return Result{}, fmt.Errorf("discovery: resolving remote %q: %w", remote, err)
	}

	switch base.Scheme {
	case "http", "https":
		return discoverHTTP(ctx, cfg.WorkDir, base, custom, authorize)
	case "ssh":
		sshBin := cfg.SSHBin
		if sshBin == "" {
			sshBin = "ssh"
		}
		return discoverSSH(ctx, cfg.WorkDir, sshBin, base, operation, authorize)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownScheme, base.Scheme)
	}
}

// resolveBaseURL applies spec.md §4.D step 1's priority order: a custom
// lfs.url, then remote.<name>.lfsurl, falling back to the remote's resolved
// URL and then to the remote name parsed as a URL. Both custom settings are
// read with `git config --get-urlmatch`, so only git's own config files are
// consulted; a workspace .lfsconfig file is not read. The second return
// reports whether base came from
// one of those custom lfs.url settings: spec.md §4.D step 2 and §8
// scenarios 3 & 4 require such a URL to be used verbatim, with no
// ".git/info/lfs" appended, unlike a URL derived from the remote itself.
func resolveBaseURL(ctx context.Context, dir, remote string) (*url.URL, bool, error) {
	if custom, err := configGetURLMatch(ctx, dir, "lfs.url", remote); err == nil && len(custom) > 0 {
		u, err := url.Parse(custom[len(custom)-1])
		return u, true, err
	}
	if custom, err := configGetURLMatch(ctx, dir, fmt.Sprintf("remote.%s.lfsurl", remote), remote); err == nil && len(custom) > 0 {
		u, err := url.Parse(custom[len(custom)-1])
		return u, true, err
	}

	raw, err := remoteGetURL(ctx, dir, remote)
	if err != nil {
		// Not a configured remote name; treat it as a URL directly.
		u, err := url.Parse(remote)
		return u, false, err
	}
	u, err := url.Parse(raw)
	return u, false, err
}

func stripDotGit(path string) string {
	return strings.TrimSuffix(path, ".git")
}

func discoverHTTP(ctx context.Context, dir string, base *url.URL, custom, authorize bool) (Result, error) {
	href := *base
	if !custom {
		href.Path = stripDotGit(href.Path) + ".git/info/lfs"
	}

	header := http.Header{}
	if lines, err := configGetURLMatch(ctx, dir, "http.extraheader", base.String()); err == nil {
		for _, line := range lines {
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	if authorize && header.Get("Authorization") == "" {
		cred, err := credentialFill(ctx, dir, base.Scheme, base.Host, base.Path)
		if err == nil && cred.Username != "" && cred.Password != "" {
			token := base64.StdEncoding.EncodeToString([]byte(cred.Username + ":" + cred.Password))
			header.Set("Authorization", "Basic "+token)
		}
	}

	return Result{Href: href.String(), Header: header}, nil
}

// sshAuthenticateResponse is the JSON body git-lfs-authenticate returns.
type sshAuthenticateResponse struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

func discoverSSH(ctx context.Context, dir, sshBin string, base *url.URL, operation Operation, authorize bool) (Result, error) {
	https := *base
	https.Scheme = "https"
	https.Path = stripDotGit(https.Path) + ".git/info/lfs"

	if !authorize {
		return Result{Href: https.String(), Header: http.Header{}}, nil
	}

	out, err := sshAuthenticate(ctx, dir, sshBin, base.Host, base.Path, string(operation))
	if err != nil {
		return Result{}, fmt.Errorf("discovery: git-lfs-authenticate: %w", err)
	}

	var resp sshAuthenticateResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return Result{}, fmt.Errorf("discovery: parsing git-lfs-authenticate response: %w", err)
	}

	header := http.Header{}
	for k, v := range resp.Header {
		header.Set(k, v)
	}
	href := resp.Href
	if href == "" {
		href = https.String()
	}
	return Result{Href: href, Header: header}, nil
}
