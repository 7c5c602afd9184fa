package pipeline

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"log/slog"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// phaseWrite materializes the bundle: every surviving page under
// output/<path>/index.html, the downloaded same-origin asset tree mirrored
// into output/assets/, and the staged transformed files on top. Any write
// failure fails the build.
func (o *Orchestrator) phaseWrite(ctx context.Context, bs *buildState) error {
	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return pferrors.WorkspaceError("create output dir", err)
	}

	for _, p := range bs.pages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		dst := filepath.Join(bs.outputDir, filepath.FromSlash(pageOutputPath(p.Path)))
		if err := writeFileAtomic(dst, p.HTML); err != nil {
			return pferrors.WorkspaceError("write page", err)
		}
	}

	copied := 0
	for _, u := range sortedAssetURLs(bs) {
		a := bs.req.Inventory.Assets[u]
		sp := bs.sitePath(a.URL)
		if a.LocalPath == "" || sp == "" || bs.skipCopy[sp] {
			continue
		}
		if _, ok := bs.staged[sp]; ok {
			continue // transformed overlay wins
		}
		src := filepath.Join(bs.assetsDir, filepath.FromSlash(a.LocalPath))
		dst := filepath.Join(bs.outputDir, "assets", filepath.FromSlash(sp))
		if err := copyFile(src, dst); err != nil {
			return pferrors.WorkspaceError("copy asset", err)
		}
		copied++
	}

	staged := make([]string, 0, len(bs.staged))
	for sp := range bs.staged {
		staged = append(staged, sp)
	}
	sort.Strings(staged)
	for _, sp := range staged {
		dst := filepath.Join(bs.outputDir, "assets", filepath.FromSlash(sp))
		if err := writeFileAtomic(dst, bs.staged[sp]); err != nil {
			return pferrors.WorkspaceError("write asset", err)
		}
	}

	bs.log.Info("bundle written", logfields.Path(bs.outputDir),
		slog.Int("pages", len(bs.pages)), slog.Int("copied", copied), slog.Int("staged", len(staged)))
	bs.emitLog(ctx, events.LevelInfo, events.PhaseWrite, "bundle written", nil)
	return nil
}

// pageOutputPath maps a page path to its bundle location: "/" becomes
// index.html, "/pricing" becomes pricing/index.html.
func pageOutputPath(p string) string {
	rel := strings.Trim(path.Clean("/"+p), "/")
	if rel == "" {
		return "index.html"
	}
	return rel + "/index.html"
}

// sortedAssetURLs orders the inventory assets for a deterministic copy pass.
func sortedAssetURLs(bs *buildState) []string {
	urls := make([]string, 0, len(bs.req.Inventory.Assets))
	for u := range bs.req.Inventory.Assets {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return writeFileAtomic(dst, data)
}
