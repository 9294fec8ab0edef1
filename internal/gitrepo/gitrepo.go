// Package gitrepo reads commits from a local checkout with the git CLI.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wesm/github-review-mirror/internal/models"
)

// Repo is a local git checkout.
type Repo struct {
	path          string
	maxDiffLength int
}

// RepoExists checks if a git repository exists at the given path.
func RepoExists(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}

// Open returns the checkout at path. Diffs longer than maxDiffLength bytes
// are truncated; zero disables truncation.
func Open(path string, maxDiffLength int) (*Repo, error) {
	if !RepoExists(path) {
		return nil, fmt.Errorf("no git repository at %s", path)
	}
	return &Repo{path: path, maxDiffLength: maxDiffLength}, nil
}

// Path returns the checkout directory.
func (r *Repo) Path() string { return r.path }

// RefExists reports whether ref names a commit.
func (r *Repo) RefExists(ctx context.Context, ref string) bool {
	_, err := r.output(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = r.path
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("git merge-base --is-ancestor %s %s failed: %w", ancestor, descendant, err)
}

// CommitsSince lists the commits reachable from ref but not from since,
// oldest first. An empty since lists the whole history of ref.
func (r *Repo) CommitsSince(ctx context.Context, since, ref string) ([]string, error) {
	rng := ref
	if since != "" {
		rng = since + ".." + ref
	}
	out, err := r.output(ctx, "rev-list", "--reverse", "--first-parent", rng)
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

const fieldSep = "\x1f"

// Commit reads one commit with its diff.
func (r *Repo) Commit(ctx context.Context, hash string) (*models.Commit, error) {
	format := strings.Join([]string{"%H", "%an <%ae>", "%cI", "%s", "%b"}, fieldSep)
	out, err := r.output(ctx, "show", "-s", "--format="+format, hash)
	if err != nil {
		return nil, err
	}

	fields := strings.SplitN(out, fieldSep, 5)
	if len(fields) != 5 {
		return nil, fmt.Errorf("unexpected git show output for %s", hash)
	}
	committedAt, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse commit date of %s: %w", hash, err)
	}

	diff, err := r.output(ctx, "show", "--format=", "--patch", "--no-color", hash)
	if err != nil {
		return nil, err
	}
	diff, truncated := Truncate(strings.TrimLeft(diff, "\n"), r.maxDiffLength)

	return &models.Commit{
		Hash:           strings.TrimSpace(fields[0]),
		AuthorIdentity: fields[1],
		CommittedAt:    committedAt,
		Subject:        fields[3],
		Body:           strings.TrimSpace(fields[4]),
		Diff:           diff,
		DiffTruncated:  truncated,
	}, nil
}

// Truncate cuts diff to at most max bytes at a line boundary when possible,
// and never inside a UTF-8 sequence.
func Truncate(diff string, max int) (string, bool) {
	if max <= 0 || len(diff) <= max {
		return diff, false
	}
	cut := diff[:RuneBoundary(diff, max)]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i+1]
	}
	return cut, true
}

// RuneBoundary returns the largest n <= max at which s can be cut without
// splitting a rune.
func RuneBoundary(s string, max int) int {
	if max >= len(s) {
		return len(s)
	}
	n := max
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

func (r *Repo) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.path
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w\n%s", strings.Join(args, " "), err, stderr.String())
	}
	return string(out), nil
}
