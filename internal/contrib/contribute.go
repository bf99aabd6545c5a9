// internal/contrib/contribute.go

// Package contrib submits task bundles to the shared task repository:
// validate locally, commit on a branch, push, open a pull request.
package contrib

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gogithub "github.com/google/go-github/v58/github"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette/api/schemas"
	"github.com/xkilldash9x/marionette/internal/config"
)

// Submission describes what a contribution produced.
type Submission struct {
	Branch   string
	Commit   string
	PRNumber int
	PRURL    string
}

// Contributor pushes task bundles and opens pull requests against the
// configured GitHub repository.
type Contributor struct {
	cfg config.ContribConfig
	gh  *gogithub.Client
	log *zap.Logger
}

// New builds a contributor. httpClient and baseURL exist for tests pointing
// at a local server; zero values mean the public GitHub API.
func New(cfg config.ContribConfig, httpClient *http.Client, baseURL string, logger *zap.Logger) (*Contributor, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("contribution is disabled (contrib.enabled)")
	}

	client := gogithub.NewClient(httpClient).WithAuthToken(cfg.GitHub.Token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to configure API base URL: %w", err)
		}
	}

	return &Contributor{
		cfg: cfg,
		gh:  client,
		log: logger.Named("contrib"),
	}, nil
}

// Contribute copies the bundle into the task repository checkout at repoDir,
// commits it on a task/<name> branch, pushes the branch and opens a pull
// request against the configured base branch. The checkout is restored to
// its previous branch afterwards so later fetches keep working.
func (c *Contributor) Contribute(ctx context.Context, repoDir string, task *schemas.Task) (*Submission, error) {
	if task == nil || task.Dir == "" {
		return nil, fmt.Errorf("no loaded task bundle to contribute")
	}

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open task repository %q: %w", repoDir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository head: %w", err)
	}

	dst := filepath.Join(repoDir, task.Name)
	if _, err := os.Stat(dst); err == nil {
		return nil, fmt.Errorf("task %q already exists in the repository", task.Name)
	}

	branch := "task/" + task.Name
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to create branch %q: %w", branch, err)
	}
	defer func() {
		if err := wt.Checkout(&git.CheckoutOptions{Branch: head.Name()}); err != nil {
			c.log.Warn("Failed to restore task repository branch",
				zap.String("branch", head.Name().Short()),
				zap.Error(err))
		}
	}()

	if err := copyBundle(task.Dir, dst); err != nil {
		return nil, fmt.Errorf("failed to copy bundle into repository: %w", err)
	}
	if _, err := wt.Add(task.Name); err != nil {
		return nil, fmt.Errorf("failed to stage bundle: %w", err)
	}

	commit, err := wt.Commit(fmt.Sprintf("Add task %s", task.Name), &git.CommitOptions{
		Author: &object.Signature{
			Name:  c.cfg.Git.AuthorName,
			Email: c.cfg.Git.AuthorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit bundle: %w", err)
	}

	auth, err := c.pushAuth(repo)
	if err != nil {
		return nil, err
	}
	refSpec := gitconfig.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/%s", branch, branch))
	if err := repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{refSpec},
		Auth:       auth,
	}); err != nil {
		return nil, fmt.Errorf("failed to push branch %q: %w", branch, err)
	}
	c.log.Info("Bundle pushed.",
		zap.String("task", task.Name),
		zap.String("branch", branch),
		zap.String("commit", commit.String()))

	pr, _, err := c.gh.PullRequests.Create(ctx, c.cfg.GitHub.RepoOwner, c.cfg.GitHub.RepoName, &gogithub.NewPullRequest{
		Title:               gogithub.String("Add task: " + task.Name),
		Head:                gogithub.String(branch),
		Base:                gogithub.String(c.cfg.GitHub.BaseBranch),
		Body:                gogithub.String(prBody(task)),
		MaintainerCanModify: gogithub.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pull request: %w", err)
	}
	c.log.Info("Pull request opened.",
		zap.String("task", task.Name),
		zap.Int("number", pr.GetNumber()),
		zap.String("url", pr.GetHTMLURL()))

	return &Submission{
		Branch:   branch,
		Commit:   commit.String(),
		PRNumber: pr.GetNumber(),
		PRURL:    pr.GetHTMLURL(),
	}, nil
}

// pushAuth returns token auth for http(s) remotes. Local and ssh remotes
// authenticate by other means and get none.
func (c *Contributor) pushAuth(repo *git.Repository) (transport.AuthMethod, error) {
	if c.cfg.GitHub.Token == "" {
		return nil, nil
	}
	remote, err := repo.Remote("origin")
	if err != nil {
		return nil, fmt.Errorf("failed to resolve origin remote: %w", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 || !strings.HasPrefix(urls[0], "http") {
		return nil, nil
	}
	// Any non-empty username works for GitHub token auth.
	return &githttp.BasicAuth{Username: "marionette", Password: c.cfg.GitHub.Token}, nil
}

func copyBundle(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func prBody(task *schemas.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Adds the `%s` task bundle.\n\n", task.Name)

	excerpt := []rune(strings.TrimSpace(task.Instruction))
	if len(excerpt) > 280 {
		excerpt = append(excerpt[:280], []rune("...")...)
	}
	fmt.Fprintf(&b, "Instruction:\n\n> %s\n", strings.ReplaceAll(string(excerpt), "\n", "\n> "))

	if task.Environment != nil {
		b.WriteString("\nThe bundle ships a container environment.\n")
	}
	if task.EvalScript != "" {
		b.WriteString("The bundle ships a scripted evaluation.\n")
	}
	return b.String()
}
