package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/sashakarcz/ironvpn/internal/logger"
)

// RepositoryConfig holds configuration for the pool inventory repository
type RepositoryConfig struct {
	URL       string
	Branch    string
	LocalPath string
	Token     string
	// PoolsFile is the inventory file path within the repository
	PoolsFile string
	// Depth limits clone history; 0 clones everything
	Depth int
}

// Repository manages the local checkout of the inventory repository
type Repository struct {
	config *RepositoryConfig
	repo   *git.Repository
}

// CommitInfo contains information about a Git commit
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
}

// NewRepository creates a new Git repository manager
func NewRepository(config *RepositoryConfig) *Repository {
	return &Repository{
		config: config,
	}
}

// Initialize opens the local checkout, cloning it first if needed
func (r *Repository) Initialize(ctx context.Context) error {
	if _, err := os.Stat(filepath.Join(r.config.LocalPath, ".git")); err == nil {
		repo, err := git.PlainOpen(r.config.LocalPath)
		if err != nil {
			return fmt.Errorf("failed to open existing repository: %w", err)
		}
		r.repo = repo

		logger.Info().
			Str("path", r.config.LocalPath).
			Msg("Opened existing Git repository")

		return nil
	}

	if err := r.clone(ctx); err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	return nil
}

func (r *Repository) auth() transport.AuthMethod {
	if r.config.Token == "" {
		return nil
	}
	// hosting providers accept any non-empty username with a token
	return &http.BasicAuth{
		Username: "ironvpn",
		Password: r.config.Token,
	}
}

func (r *Repository) clone(ctx context.Context) error {
	logger.Info().
		Str("url", r.config.URL).
		Str("branch", r.config.Branch).
		Str("path", r.config.LocalPath).
		Msg("Cloning Git repository")

	if err := os.MkdirAll(r.config.LocalPath, 0755); err != nil {
		return fmt.Errorf("failed to create local path: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, r.config.LocalPath, false, &git.CloneOptions{
		URL:           r.config.URL,
		ReferenceName: plumbing.NewBranchReferenceName(r.config.Branch),
		SingleBranch:  true,
		Depth:         r.config.Depth,
		Auth:          r.auth(),
	})
	if err != nil {
		return fmt.Errorf("failed to clone repository: %w", err)
	}

	r.repo = repo

	logger.Info().
		Str("path", r.config.LocalPath).
		Msg("Successfully cloned Git repository")

	return nil
}

// Pull fetches the latest inventory and reports whether HEAD moved
func (r *Repository) Pull(ctx context.Context) (*CommitInfo, bool, error) {
	if r.repo == nil {
		return nil, false, fmt.Errorf("repository not initialized")
	}

	headBefore, err := r.repo.Head()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get HEAD before pull: %w", err)
	}

	worktree, err := r.repo.Worktree()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get worktree: %w", err)
	}

	err = worktree.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: plumbing.NewBranchReferenceName(r.config.Branch),
		SingleBranch:  true,
		Auth:          r.auth(),
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, false, fmt.Errorf("failed to pull: %w", err)
	}

	commitInfo, err := r.CurrentCommit()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get commit info: %w", err)
	}

	hasChanges := headBefore.Hash().String() != commitInfo.Hash
	if hasChanges {
		logger.Info().
			Str("commit", commitInfo.Hash).
			Str("author", commitInfo.Author).
			Msg("Pulled new pool inventory")
	}

	return commitInfo, hasChanges, nil
}

// CurrentCommit returns information about the current HEAD commit
func (r *Repository) CurrentCommit() (*CommitInfo, error) {
	if r.repo == nil {
		return nil, fmt.Errorf("repository not initialized")
	}

	head, err := r.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to get HEAD: %w", err)
	}

	commit, err := r.repo.CommitObject(head.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to get commit object: %w", err)
	}

	return &CommitInfo{
		Hash:      commit.Hash.String(),
		Message:   commit.Message,
		Author:    commit.Author.Name,
		Timestamp: commit.Author.When,
	}, nil
}

// PoolsFilePath returns the full path to the inventory file
func (r *Repository) PoolsFilePath() string {
	return filepath.Join(r.config.LocalPath, r.config.PoolsFile)
}
