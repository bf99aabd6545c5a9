// internal/tasks/fetch.go
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/internal/config"
)

// Fetch mirrors the configured task repository into the local cache and
// returns the cache path. A fresh cache is cloned; an existing one is
// fast-forwarded, and an already up to date checkout is not an error.
func Fetch(ctx context.Context, cfg config.TasksConfig, logger *zap.Logger) (string, error) {
	if cfg.RepoURL == "" {
		return "", errors.New("no task repository configured (tasks.repo_url)")
	}

	log := logger.Named("tasks.fetch")
	cacheDir, err := homedir.Expand(cfg.CacheDir)
	if err != nil {
		return "", fmt.Errorf("failed to expand cache dir %q: %w", cfg.CacheDir, err)
	}

	ref := plumbing.NewBranchReferenceName(cfg.RepoRef)

	repo, err := git.PlainOpen(cacheDir)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		log.Info("Cloning task repository.",
			zap.String("url", cfg.RepoURL),
			zap.String("ref", cfg.RepoRef),
			zap.String("dir", cacheDir))
		if err := os.MkdirAll(filepath.Dir(cacheDir), 0o755); err != nil {
			return "", fmt.Errorf("failed to create cache parent: %w", err)
		}
		if _, err := git.PlainCloneContext(ctx, cacheDir, false, &git.CloneOptions{
			URL:           cfg.RepoURL,
			ReferenceName: ref,
			SingleBranch:  true,
		}); err != nil {
			return "", fmt.Errorf("failed to clone %q: %w", cfg.RepoURL, err)
		}
		return cacheDir, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open task cache %q: %w", cacheDir, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    "origin",
		ReferenceName: ref,
		SingleBranch:  true,
	})
	switch {
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		log.Debug("Task cache already up to date.", zap.String("dir", cacheDir))
	case err != nil:
		return "", fmt.Errorf("failed to pull %q: %w", cfg.RepoURL, err)
	default:
		log.Info("Task cache updated.", zap.String("dir", cacheDir), zap.String("ref", cfg.RepoRef))
	}
	return cacheDir, nil
}
