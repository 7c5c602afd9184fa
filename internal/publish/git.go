package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	ggitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	appcfg "git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// GitPublisher force-pushes each site's optimized copy to a deploy branch.
// It keeps one staging repository per site under root so consecutive
// publishes become incremental commits instead of fresh histories.
type GitPublisher struct {
	cfg  appcfg.PublishConfig
	root string
	log  *slog.Logger

	mu sync.Mutex // staging repos are not safe for concurrent worktree syncs
}

var _ Publisher = (*GitPublisher)(nil)

// NewGit validates the publish configuration and returns the publisher.
// Remote and URL template are required; branch and author fall back to the
// configuration defaults.
func NewGit(cfg appcfg.PublishConfig, root string, logger *slog.Logger) (*GitPublisher, error) {
	if cfg.Remote == "" {
		return nil, pferrors.ValidationFailed("publish.remote", "required")
	}
	if cfg.URLTemplate == "" {
		return nil, pferrors.ValidationFailed("publish.url_template", "required")
	}
	if root == "" {
		return nil, pferrors.ValidationFailed("root", "required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "pageforge"
	}
	if cfg.AuthorEmail == "" {
		cfg.AuthorEmail = "pageforge@localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitPublisher{cfg: cfg, root: root, log: logger}, nil
}

// Publish syncs outputDir into the site's staging repository, commits when
// anything changed, and force-pushes the deploy branch. Re-publishing
// identical content is not an error.
func (p *GitPublisher) Publish(ctx context.Context, siteID, outputDir string) (string, error) {
	if siteID == "" {
		return "", pferrors.ValidationFailed("siteID", "required")
	}
	info, err := os.Stat(outputDir)
	if err != nil || !info.IsDir() {
		return "", pferrors.ValidationFailed("outputDir", "must be an existing directory")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	remoteURL := expandSite(p.cfg.Remote, siteID)
	branch := expandSite(p.cfg.Branch, siteID)
	staging := filepath.Join(p.root, siteID)

	repo, err := openOrInit(staging, branch)
	if err != nil {
		return "", pferrors.PublishError(remoteURL, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", pferrors.PublishError(remoteURL, err)
	}

	if err := syncTree(outputDir, staging); err != nil {
		return "", pferrors.PublishError(remoteURL, err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", pferrors.PublishError(remoteURL, err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", pferrors.PublishError(remoteURL, err)
	}
	if !status.IsClean() {
		hash, err := wt.Commit(fmt.Sprintf("publish %s", siteID), &git.CommitOptions{
			Author: &object.Signature{Name: p.cfg.AuthorName, Email: p.cfg.AuthorEmail, When: time.Now()},
		})
		if err != nil {
			return "", pferrors.PublishError(remoteURL, err)
		}
		p.log.Debug("publish commit created",
			logfields.SiteID(siteID), slog.String("commit", hash.String()[:8]))
	}
	if _, err := repo.Head(); err != nil {
		return "", pferrors.PublishError(remoteURL, fmt.Errorf("nothing to publish: %w", err))
	}

	if err := p.push(ctx, repo, remoteURL, branch); err != nil {
		return "", err
	}

	edge := expandSite(p.cfg.URLTemplate, siteID)
	p.log.Info("site published",
		logfields.SiteID(siteID), logfields.URL(edge), slog.String("branch", branch))
	return edge, nil
}

func (p *GitPublisher) push(ctx context.Context, repo *git.Repository, remoteURL, branch string) error {
	if err := ensureOrigin(repo, remoteURL); err != nil {
		return pferrors.PublishError(remoteURL, err)
	}
	refspec := ggitcfg.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/heads/%s", branch, branch))
	opts := &git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []ggitcfg.RefSpec{refspec},
	}
	if p.cfg.Token != "" {
		// Git hosting services accept the token as a basic-auth password.
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: p.cfg.Token}
	}
	err := repo.PushContext(ctx, opts)
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		p.log.Debug("edge already up to date", logfields.URL(remoteURL))
		return nil
	}
	if err != nil {
		return pferrors.PublishError(remoteURL, err)
	}
	return nil
}

// openOrInit opens the staging repository, initializing it on the deploy
// branch the first time. go-git initializes HEAD on master, so a fresh repo
// gets its HEAD repointed before the first commit.
func openOrInit(staging, branch string) (*git.Repository, error) {
	repo, err := git.PlainOpen(staging)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, err
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, err
	}
	repo, err = git.PlainInit(staging, false)
	if err != nil {
		return nil, err
	}
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return nil, err
	}
	return repo, nil
}

// ensureOrigin points the origin remote at url, replacing a stale one left
// over from an earlier configuration.
func ensureOrigin(repo *git.Repository, url string) error {
	remote, err := repo.Remote("origin")
	if errors.Is(err, git.ErrRemoteNotFound) {
		_, err = repo.CreateRemote(&ggitcfg.RemoteConfig{Name: "origin", URLs: []string{url}})
		return err
	}
	if err != nil {
		return err
	}
	urls := remote.Config().URLs
	if len(urls) == 1 && urls[0] == url {
		return nil
	}
	if err := repo.DeleteRemote("origin"); err != nil {
		return err
	}
	_, err = repo.CreateRemote(&ggitcfg.RemoteConfig{Name: "origin", URLs: []string{url}})
	return err
}
