// Package gitproc wraps the external processes the agent shells out to:
// git itself (config lookup, credential fill, remote resolution) and the
// configured SSH client (git-lfs-authenticate over a remote shell).
package gitproc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Run executes name with args in dir (the caller's cwd if dir is empty),
// feeding stdin (may be nil) and returning stdout. A nonzero exit returns
// stderr as the error text.
func Run(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %s", name, strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// ConfigGetURLMatch runs `git config --get-urlmatch <key> <url>` in dir,
// returning one result line per matching config entry (most specific last).
func ConfigGetURLMatch(ctx context.Context, dir, key, url string) ([]string, error) {
	out, err := Run(ctx, dir, nil, "git", "config", "--get-urlmatch", key, url)
	if err != nil {
		// git config returns a nonzero exit with no stderr when the key is
		// simply unset; that is not an error condition for callers. Run
		// wraps the *exec.ExitError only when stderr was empty.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, nil
		}
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// Credential is the username/password pair `git credential fill` resolves.
type Credential struct {
	Username string
	Password string
}

// CredentialFill runs `git credential fill` in dir, feeding it the IOFMT
// protocol/host/path lines (https://git-scm.com/docs/git-credential#IOFMT)
// derived from scheme, host, and path.
func CredentialFill(ctx context.Context, dir, scheme, host, path string) (Credential, error) {
	var in strings.Builder
	if scheme != "" {
		fmt.Fprintf(&in, "protocol=%s\n", scheme)
	}
	if host != "" {
		fmt.Fprintf(&in, "host=%s\n", host)
	}
	fmt.Fprintf(&in, "path=%s\n", strings.TrimPrefix(path, "/"))

	out, err := Run(ctx, dir, []byte(in.String()), "git", "credential", "fill")
	if err != nil {
		return Credential{}, err
	}

	var cred Credential
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch key {
		case "username":
			cred.Username = value
		case "password":
			cred.Password = value
		}
	}
	return cred, nil
}

// RemoteGetURL runs `git remote get-url <remote>` in dir.
func RemoteGetURL(ctx context.Context, dir, remote string) (string, error) {
	out, err := Run(ctx, dir, nil, "git", "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// RevParseGitDir runs `git rev-parse --git-dir` in the caller's own working
// directory, to locate the repository before any workspace dir is known.
func RevParseGitDir(ctx context.Context) (string, error) {
	out, err := Run(ctx, "", nil, "git", "rev-parse", "--git-dir")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SSHAuthenticate runs `<ssh> <host> "git-lfs-authenticate <path> <op>"`
// in dir, against the configured SSH client binary, and returns its
// stdout, the JSON-encoded discovery result spec.md §4.D's SSH branch
// expects.
func SSHAuthenticate(ctx context.Context, dir, sshBin, host, path, op string) ([]byte, error) {
	remoteCmd := fmt.Sprintf("git-lfs-authenticate %s %s", path, op)
	return Run(ctx, dir, nil, sshBin, host, remoteCmd)
}
