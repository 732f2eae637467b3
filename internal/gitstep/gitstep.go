// Package gitstep turns a git worktree's pending changes into trajectory
// steps for the pre-commit gate.
package gitstep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-git/go-git/v5"
	"github.com/google/uuid"

	"github.com/fyrsmithlabs/immunity/internal/ignore"
	"github.com/fyrsmithlabs/immunity/internal/immunity"
)

// ErrNotRepository indicates the path is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// DefaultMaxFileBytes matches the coordinator's default content limit.
const DefaultMaxFileBytes = 1 << 20

var stepNamespace = uuid.MustParse("0b7f4e2a-9c1d-4e55-8a3b-6d2f1c9e7a14")

// Skip reasons.
const (
	SkipBinary   = "binary"
	SkipTooLarge = "too_large"
	SkipEmpty    = "empty"
	SkipIgnored  = "ignored"
)

// Options controls which changes become steps.
type Options struct {
	// IncludeUnstaged adds modified and untracked worktree files. By default
	// only the index is read, which is what a commit would record.
	IncludeUnstaged bool

	// MaxFileBytes skips larger files (default DefaultMaxFileBytes).
	MaxFileBytes int

	// Intent is copied onto every step.
	Intent string

	// NoIgnore scans paths matched by .immunityignore (or its defaults).
	NoIgnore bool
}

// Skipped is a changed file that did not become a step.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result is the set of steps for one worktree.
type Result struct {
	Branch  string                     `json:"branch,omitempty"`
	Steps   []*immunity.TrajectoryStep `json:"steps"`
	Skipped []Skipped                  `json:"skipped,omitempty"`
}

// Build opens the repository containing path and builds one file_write
// step per changed file, ordered by path. Deleted files produce no step.
func Build(ctx context.Context, path string, opts Options) (*Result, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotRepository, path)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	var ignored *ignore.Matcher
	if !opts.NoIgnore {
		ignored, err = ignore.Default().Matcher(wt.Filesystem.Root())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", ignore.FileName, err)
		}
	}

	res := &Result{Branch: currentBranch(repo)}
	paths := make([]string, 0, len(status))
	for p := range status {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	now := time.Now().UTC()
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fs := status[p]
		var content []byte
		switch {
		case staged(fs.Staging):
			content, err = readIndexed(repo, p)
		case opts.IncludeUnstaged && unstaged(fs.Worktree):
			content, err = readWorktree(wt, p)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		if ignored.Ignored(p) {
			res.Skipped = append(res.Skipped, Skipped{Path: p, Reason: SkipIgnored})
			continue
		}

		if reason := skipReason(content, opts.MaxFileBytes); reason != "" {
			res.Skipped = append(res.Skipped, Skipped{Path: p, Reason: reason})
			continue
		}
		res.Steps = append(res.Steps, &immunity.TrajectoryStep{
			ID:        uuid.NewSHA1(stepNamespace, append([]byte(p+"\x00"), content...)).String(),
			SessionID: "git:" + res.Branch,
			Kind:      immunity.StepKindFileWrite,
			Path:      p,
			Content:   string(content),
			Intent:    opts.Intent,
			Sequence:  uint64(len(res.Steps) + 1),
			CreatedAt: now,
		})
	}
	return res, nil
}

func staged(c git.StatusCode) bool {
	switch c {
	case git.Added, git.Modified, git.Renamed, git.Copied:
		return true
	}
	return false
}

func unstaged(c git.StatusCode) bool {
	return c == git.Modified || c == git.Untracked
}

func skipReason(content []byte, max int) string {
	switch {
	case len(content) == 0:
		return SkipEmpty
	case len(content) > max:
		return SkipTooLarge
	case strings.IndexByte(string(content), 0) >= 0 || !utf8.Valid(content):
		return SkipBinary
	}
	return ""
}

// readIndexed returns the staged blob, which can differ from the worktree file.
func readIndexed(repo *git.Repository, path string) ([]byte, error) {
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, err
	}
	entry, err := idx.Entry(path)
	if err != nil {
		return nil, err
	}
	blob, err := repo.BlobObject(entry.Hash)
	if err != nil {
		return nil, err
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func readWorktree(wt *git.Worktree, path string) ([]byte, error) {
	f, err := wt.Filesystem.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// currentBranch returns the short branch name, or "" for detached HEAD or
// an unborn branch.
func currentBranch(repo *git.Repository) string {
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return ""
}
