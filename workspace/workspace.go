// Package workspace defines the bridge's WorkspaceAdapter contract — the
// boundary through which the ExecutionCoordinator observes and mutates the
// user's source tree — and ships one concrete implementation, GitAdapter,
// that shells out to git.
package workspace

import "context"

// Status summarises a working directory's git state.
type Status struct {
	Branch         string
	Clean          bool
	ChangedFiles   []string
	UntrackedFiles []string
	Ahead          int
	Behind         int
}

// WorktreeInfo describes one git worktree.
type WorktreeInfo struct {
	Path   string
	Branch string
	Head   string
}

// PullRequestOptions parameterises GeneratePullRequest.
type PullRequestOptions struct {
	Title      string
	Body       string
	BaseBranch string
	HeadBranch string
}

// PullRequestResult is what GeneratePullRequest produces: a prepared
// branch/diff, not a remote API call (the contract is silent on hosting,
// so the default implementation stops at the local git boundary).
type PullRequestResult struct {
	Branch string
	Diff   string
}

// ChangeEvent is delivered to a WatchWorkspace callback whenever a file
// under the watched workdir changes.
type ChangeEvent struct {
	Path string
	Kind string // created, modified, removed
}

// WatchCallback receives workspace change events until its context is
// cancelled.
type WatchCallback func(ChangeEvent)

// Adapter is the WorkspaceAdapter contract (spec §6): the coordinator
// depends only on these operations, never on how they're implemented.
type Adapter interface {
	Status(ctx context.Context, workdir string) (*Status, error)
	CreateBackupSnapshot(ctx context.Context, workdir string) (string, error)
	CreateWorktree(ctx context.Context, workdir, baseBranch string, metadata map[string]string) (*WorktreeInfo, error)
	DeleteWorktree(ctx context.Context, workdir, worktreePath, branchName string, force bool) error
	ListWorktrees(ctx context.Context, workdir string) ([]WorktreeInfo, error)
	Commit(ctx context.Context, workdir, message string, files []string) (string, error)
	Diff(ctx context.Context, file, workdir string) (string, error)
	GeneratePullRequest(ctx context.Context, workdir string, options PullRequestOptions) (*PullRequestResult, error)
	WatchWorkspace(ctx context.Context, workdir string, callback WatchCallback) error
}
