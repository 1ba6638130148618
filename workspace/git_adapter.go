package workspace

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/prompt-dock/bridge/internal/logger"
)

// GitAdapter is the bridge's default WorkspaceAdapter: every operation
// shells out to the git binary already on the host, mirroring how a
// developer would drive the same repository by hand.
type GitAdapter struct {
	log       logger.Logger
	backupDir string
}

// NewGitAdapter builds a GitAdapter. backupDir is where
// CreateBackupSnapshot writes its tarballs; it is created on first use.
func NewGitAdapter(backupDir string, log logger.Logger) *GitAdapter {
	return &GitAdapter{log: log, backupDir: backupDir}
}

func (g *GitAdapter) run(ctx context.Context, workdir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("workspace: git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// Status reports the working directory's branch, dirty-file list, and
// ahead/behind counts relative to its upstream.
func (g *GitAdapter) Status(ctx context.Context, workdir string) (*Status, error) {
	branchOut, err := g.run(ctx, workdir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, err
	}

	porcelain, err := g.run(ctx, workdir, "status", "--porcelain")
	if err != nil {
		return nil, err
	}

	st := &Status{Branch: strings.TrimSpace(branchOut), Clean: true}
	for _, line := range strings.Split(porcelain, "\n") {
		if line == "" {
			continue
		}
		st.Clean = false
		path := strings.TrimSpace(line[3:])
		if strings.HasPrefix(line, "??") {
			st.UntrackedFiles = append(st.UntrackedFiles, path)
		} else {
			st.ChangedFiles = append(st.ChangedFiles, path)
		}
	}

	if aheadBehind, err := g.run(ctx, workdir, "rev-list", "--left-right", "--count", "HEAD...@{u}"); err == nil {
		fields := strings.Fields(aheadBehind)
		if len(fields) == 2 {
			st.Ahead, _ = strconv.Atoi(fields[0])
			st.Behind, _ = strconv.Atoi(fields[1])
		}
	}

	return st, nil
}

// CreateBackupSnapshot archives workdir (excluding .git) into a
// gzip-compressed tarball under the adapter's backup directory and returns
// its path. Grounded on the standard library since no example repo ships a
// file-tree snapshot/archive library for this concern.
func (g *GitAdapter) CreateBackupSnapshot(ctx context.Context, workdir string) (string, error) {
	if g.backupDir == "" {
		return "", fmt.Errorf("workspace: no backup directory configured")
	}
	if err := os.MkdirAll(g.backupDir, 0o755); err != nil {
		return "", fmt.Errorf("workspace: create backup dir: %w", err)
	}

	name := fmt.Sprintf("snapshot-%s.tar.gz", time.Now().UTC().Format("20060102T150405.000000000Z"))
	dest := filepath.Join(g.backupDir, name)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("workspace: create snapshot file: %w", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(workdir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workdir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if parts := strings.Split(rel, string(filepath.Separator)); len(parts) > 0 && parts[0] == ".git" {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})

	closeTarErr := tw.Close()
	closeGzErr := gz.Close()

	if walkErr != nil {
		return "", fmt.Errorf("workspace: snapshot walk: %w", walkErr)
	}
	if closeTarErr != nil {
		return "", fmt.Errorf("workspace: close tar writer: %w", closeTarErr)
	}
	if closeGzErr != nil {
		return "", fmt.Errorf("workspace: close gzip writer: %w", closeGzErr)
	}
	return dest, nil
}

// CreateWorktree adds a new git worktree off baseBranch. metadata entries
// are written, best effort, as `bridge.meta.<key>` git config values from
// inside the new worktree; ListWorktrees does not read them back.
func (g *GitAdapter) CreateWorktree(ctx context.Context, workdir, baseBranch string, metadata map[string]string) (*WorktreeInfo, error) {
	branch := fmt.Sprintf("bridge/%d", time.Now().UnixNano())
	worktreePath := filepath.Join(filepath.Dir(workdir), filepath.Base(workdir)+"-"+strings.ReplaceAll(branch, "/", "-"))

	if _, err := g.run(ctx, workdir, "worktree", "add", "-b", branch, worktreePath, baseBranch); err != nil {
		return nil, err
	}

	for k, v := range metadata {
		_, _ = g.run(ctx, worktreePath, "config", "bridge.meta."+k, v)
	}

	head, err := g.run(ctx, worktreePath, "rev-parse", "HEAD")
	if err != nil {
		head = ""
	}

	return &WorktreeInfo{Path: worktreePath, Branch: branch, Head: strings.TrimSpace(head)}, nil
}

// DeleteWorktree removes a worktree and, if branchName is set, the branch
// it was checked out from.
func (g *GitAdapter) DeleteWorktree(ctx context.Context, workdir, worktreePath, branchName string, force bool) error {
	args := []string{"worktree", "remove", worktreePath}
	if force {
		args = append(args, "--force")
	}
	if _, err := g.run(ctx, workdir, args...); err != nil {
		return err
	}
	if branchName != "" {
		branchArgs := []string{"branch", "-D", branchName}
		if !force {
			branchArgs = []string{"branch", "-d", branchName}
		}
		if _, err := g.run(ctx, workdir, branchArgs...); err != nil {
			return err
		}
	}
	return nil
}

// ListWorktrees enumerates the repository's worktrees via porcelain output.
func (g *GitAdapter) ListWorktrees(ctx context.Context, workdir string) ([]WorktreeInfo, error) {
	out, err := g.run(ctx, workdir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var result []WorktreeInfo
	var cur WorktreeInfo
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur.Path != "" {
				result = append(result, cur)
			}
			cur = WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(line, "branch ")
		}
	}
	if cur.Path != "" {
		result = append(result, cur)
	}
	return result, nil
}

// Commit stages files (or everything, if files is empty) and commits with
// message, returning the new commit hash.
func (g *GitAdapter) Commit(ctx context.Context, workdir, message string, files []string) (string, error) {
	addArgs := []string{"add"}
	if len(files) == 0 {
		addArgs = append(addArgs, "-A")
	} else {
		addArgs = append(addArgs, files...)
	}
	if _, err := g.run(ctx, workdir, addArgs...); err != nil {
		return "", err
	}

	if _, err := g.run(ctx, workdir, "commit", "-m", message); err != nil {
		return "", err
	}

	hash, err := g.run(ctx, workdir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

// Diff returns the unstaged+staged diff for file, or the whole tree if
// file is empty.
func (g *GitAdapter) Diff(ctx context.Context, file, workdir string) (string, error) {
	args := []string{"diff", "HEAD"}
	if file != "" {
		args = append(args, "--", file)
	}
	return g.run(ctx, workdir, args...)
}

// GeneratePullRequest stops at the local git boundary: it pushes nothing
// and contacts no hosting API (the contract is silent on those), instead
// producing the branch name and diff a caller can hand to its own hosting
// integration.
func (g *GitAdapter) GeneratePullRequest(ctx context.Context, workdir string, options PullRequestOptions) (*PullRequestResult, error) {
	diff, err := g.run(ctx, workdir, "diff", options.BaseBranch+"..."+options.HeadBranch)
	if err != nil {
		return nil, err
	}
	return &PullRequestResult{Branch: options.HeadBranch, Diff: diff}, nil
}

// WatchWorkspace streams filesystem change events for workdir until ctx is
// cancelled.
func (g *GitAdapter) WatchWorkspace(ctx context.Context, workdir string, callback WatchCallback) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("workspace: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, workdir); err != nil {
		return fmt.Errorf("workspace: watch %s: %w", workdir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if strings.Contains(event.Name, string(filepath.Separator)+".git"+string(filepath.Separator)) {
				continue
			}
			callback(ChangeEvent{Path: event.Name, Kind: fsEventKind(event.Op)})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if g.log != nil {
				g.log.Warn("workspace: watcher error", logger.Err(err))
			}
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if filepath.Base(path) == ".git" {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}

func fsEventKind(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return "created"
	case op&fsnotify.Remove != 0:
		return "removed"
	case op&fsnotify.Rename != 0:
		return "removed"
	default:
		return "modified"
	}
}
