package publish

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport/client"
	"github.com/go-git/go-git/v5/plumbing/transport/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appcfg "git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// installFileTransport swaps the exec-based file transport for the
// in-process server so pushes need no git binaries.
func installFileTransport(t *testing.T) {
	t.Helper()
	prev := client.Protocols["file"]
	client.InstallProtocol("file", server.NewClient(server.DefaultLoader))
	t.Cleanup(func() {
		if prev == nil {
			delete(client.Protocols, "file")
			return
		}
		client.InstallProtocol("file", prev)
	})
}

func newBareRemote(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, true)
	require.NoError(t, err)
	return dir
}

func writeOutput(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func newGitPublisher(t *testing.T, remote string) *GitPublisher {
	t.Helper()
	pub, err := NewGit(appcfg.PublishConfig{
		Remote:      "file://" + remote,
		Branch:      "main",
		URLTemplate: "https://{site}.edge.test",
	}, t.TempDir(), discardLogger())
	require.NoError(t, err)
	return pub
}

// branchFiles reads the file contents at the tip of a branch in a bare repo.
func branchFiles(t *testing.T, bare, branch string) (plumbing.Hash, map[string]string) {
	t.Helper()
	repo, err := git.PlainOpen(bare)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	commit, err := repo.CommitObject(ref.Hash())
	require.NoError(t, err)
	tree, err := commit.Tree()
	require.NoError(t, err)

	files := map[string]string{}
	iter := tree.Files()
	require.NoError(t, iter.ForEach(func(f *object.File) error {
		body, ferr := f.Contents()
		if ferr != nil {
			return ferr
		}
		files[f.Name] = body
		return nil
	}))
	return ref.Hash(), files
}

func TestGitPublisherPushesToRemote(t *testing.T) {
	installFileTransport(t)
	bare := newBareRemote(t)
	pub := newGitPublisher(t, bare)
	out := writeOutput(t, map[string]string{
		"index.html":     "<html>v1</html>",
		"assets/app.css": "body{}",
	})

	edge, err := pub.Publish(t.Context(), "site-1", out)
	require.NoError(t, err)
	assert.Equal(t, "https://site-1.edge.test", edge)

	_, files := branchFiles(t, bare, "main")
	assert.Equal(t, "<html>v1</html>", files["index.html"])
	assert.Equal(t, "body{}", files["assets/app.css"])
}

func TestGitPublisherIncrementalPublish(t *testing.T) {
	installFileTransport(t)
	bare := newBareRemote(t)
	pub := newGitPublisher(t, bare)

	out1 := writeOutput(t, map[string]string{"index.html": "v1", "old.css": "gone soon"})
	_, err := pub.Publish(t.Context(), "site-1", out1)
	require.NoError(t, err)
	first, _ := branchFiles(t, bare, "main")

	out2 := writeOutput(t, map[string]string{"index.html": "v2"})
	_, err = pub.Publish(t.Context(), "site-1", out2)
	require.NoError(t, err)

	second, files := branchFiles(t, bare, "main")
	assert.NotEqual(t, first, second, "changed content advances the branch")
	assert.Equal(t, "v2", files["index.html"])
	_, stale := files["old.css"]
	assert.False(t, stale, "files absent from the new output are removed from the edge")
}

func TestGitPublisherIdenticalContentIsNoop(t *testing.T) {
	installFileTransport(t)
	bare := newBareRemote(t)
	pub := newGitPublisher(t, bare)
	out := writeOutput(t, map[string]string{"index.html": "stable"})

	_, err := pub.Publish(t.Context(), "site-1", out)
	require.NoError(t, err)
	first, _ := branchFiles(t, bare, "main")

	edge, err := pub.Publish(t.Context(), "site-1", out)
	require.NoError(t, err, "republishing identical content is not an error")
	assert.Equal(t, "https://site-1.edge.test", edge)

	second, _ := branchFiles(t, bare, "main")
	assert.Equal(t, first, second, "no empty commit, no new push")
}

func TestGitPublisherSitesAreIsolated(t *testing.T) {
	installFileTransport(t)
	bareA := newBareRemote(t)
	bareB := newBareRemote(t)

	// {site} in the remote routes each site to its own repository.
	remotes := map[string]string{"site-a": bareA, "site-b": bareB}
	root := t.TempDir()
	for site, bare := range remotes {
		pub, err := NewGit(appcfg.PublishConfig{
			Remote:      "file://" + bare,
			Branch:      "main",
			URLTemplate: "https://{site}.edge.test",
		}, root, discardLogger())
		require.NoError(t, err)
		out := writeOutput(t, map[string]string{"index.html": site})
		_, err = pub.Publish(t.Context(), site, out)
		require.NoError(t, err)
	}

	_, filesA := branchFiles(t, bareA, "main")
	_, filesB := branchFiles(t, bareB, "main")
	assert.Equal(t, "site-a", filesA["index.html"])
	assert.Equal(t, "site-b", filesB["index.html"])
}

func TestNewGitValidation(t *testing.T) {
	_, err := NewGit(appcfg.PublishConfig{URLTemplate: "https://x"}, t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))

	_, err = NewGit(appcfg.PublishConfig{Remote: "https://edge.test/r.git"}, t.TempDir(), nil)
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))
}

func TestGitPublisherRejectsBadOutputDir(t *testing.T) {
	pub := newGitPublisher(t, t.TempDir())

	_, err := pub.Publish(t.Context(), "site-1", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))

	_, err = pub.Publish(t.Context(), "", t.TempDir())
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation))
}

func TestExpandSite(t *testing.T) {
	assert.Equal(t, "https://s1.edge.test", expandSite("https://{site}.edge.test", "s1"))
	assert.Equal(t, "https://edge.test/shared.git", expandSite("https://edge.test/shared.git", "s1"))
	assert.Equal(t, "deploy-s1", expandSite("deploy-{site}", "s1"))
}
