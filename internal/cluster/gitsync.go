package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Syncer replicates the shared data directory between devices.
type Syncer interface {
	// Pull fetches remote state and merges it in, doing nothing when the
	// remote has no new commits.
	Pull(ctx context.Context) error
	// HasLocalChanges reports whether path has uncommitted modifications.
	HasLocalChanges(ctx context.Context, path string) (bool, error)
	// CommitAndPush stages paths, commits them with message and pushes.
	CommitAndPush(ctx context.Context, paths []string, message string) error
}

// GitSyncer replicates state through an ordinary git remote. Every device
// clones the same repository; the commit log doubles as a sync audit trail.
type GitSyncer struct {
	Dir    string
	Remote string
	Branch string
}

func NewGitSyncer(dir string) *GitSyncer {
	return &GitSyncer{Dir: dir, Remote: "origin", Branch: "main"}
}

func (g *GitSyncer) Pull(ctx context.Context) error {
	if _, err := g.run(ctx, "fetch", g.Remote, g.Branch); err != nil {
		return fmt.Errorf("git fetch: %w", err)
	}
	out, err := g.run(ctx, "rev-list", "--count", "HEAD.."+g.Remote+"/"+g.Branch)
	if err != nil {
		return fmt.Errorf("git rev-list: %w", err)
	}
	if strings.TrimSpace(out) == "0" {
		return nil
	}
	if _, err := g.run(ctx, "pull", g.Remote, g.Branch); err != nil {
		return fmt.Errorf("git pull: %w", err)
	}
	return nil
}

func (g *GitSyncer) HasLocalChanges(ctx context.Context, path string) (bool, error) {
	out, err := g.run(ctx, "status", "--porcelain", "--", path)
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return strings.TrimSpace(out) != "", nil
}

func (g *GitSyncer) CommitAndPush(ctx context.Context, paths []string, message string) error {
	args := append([]string{"add", "--"}, paths...)
	if _, err := g.run(ctx, args...); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		// A commit with nothing staged is not a failure; another writer
		// may have already committed the same content.
		if strings.Contains(err.Error(), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w", err)
	}
	if _, err := g.run(ctx, "push", g.Remote, g.Branch); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

func (g *GitSyncer) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(errBuf.String())
		if msg == "" {
			msg = strings.TrimSpace(out.String())
		}
		return "", fmt.Errorf("git %s: %s: %w", args[0], msg, err)
	}
	return out.String(), nil
}
