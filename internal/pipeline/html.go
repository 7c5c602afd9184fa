package pipeline

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/rewrite"
)

// phaseHTML rewrites every captured page through the step sequence, feeding
// it the rename maps and image plans from the asset phases. Pages run one at
// a time so memory stays bounded and log ordering deterministic; a failed
// page is dropped from the output.
func (o *Orchestrator) phaseHTML(ctx context.Context, bs *buildState) error {
	fopts := assets.FontOptionsFrom(bs.effective)
	preloads := bs.fontPreloads
	if len(preloads) > fopts.PreloadCount {
		preloads = preloads[:fopts.PreloadCount]
	}

	rw, err := rewrite.New(rewrite.Config{
		Logger:        bs.log,
		Origin:        bs.req.Inventory.Origin,
		Settings:      bs.effective,
		CSSRenames:    bs.cssRenames,
		JSRenames:     bs.jsRenames,
		Images:        bs.imagePlans,
		CSSContent:    bs.cssContent,
		FontCSS:       bs.fontCSS,
		FontPreloads:  preloads,
		Dimensions:    bs.dim,
		ScreenshotFor: bs.posterFor,
	})
	if err != nil {
		return err
	}

	pages := bs.req.Inventory.Pages
	total := len(pages)
	for i := range pages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p := &pages[i]
		res, err := rw.Page(p)
		if err != nil {
			bs.itemFailure(ctx, events.PhaseHTML, p.URL, pferrors.RewriteStepError(p.URL, "parse", err))
			continue
		}
		for _, w := range res.Warnings {
			bs.emitLog(ctx, events.LevelWarn, events.PhaseHTML, w, &events.LogMeta{PageURL: p.URL})
		}

		bs.pages = append(bs.pages, pageOutput{URL: p.URL, Path: p.Path, HTML: res.HTML})
		bs.stats.FacadesApplied += res.FacadesApplied
		bs.stats.ScriptsRemoved += res.ScriptsRemoved
		bs.stats.Pages = append(bs.stats.Pages, PageStats{
			URL:         p.URL,
			Path:        p.Path,
			BytesBefore: int64(len(p.HTML)),
			BytesAfter:  int64(len(res.HTML)),
		})
		bs.addStat(CategoryHTML, int64(len(p.HTML)), int64(len(res.HTML)))

		bs.emitPhase(ctx, events.PhaseHTML, i+1, total)
		bs.emitLog(ctx, events.LevelInfo, events.PhaseHTML, "page rewritten", &events.LogMeta{
			PageURL: p.URL,
			Savings: &events.Savings{Before: int64(len(p.HTML)), After: int64(len(res.HTML))},
		})
	}

	if len(bs.pages) == 0 {
		return errors.New("no pages survived the rewrite")
	}
	return nil
}

// posterFor stages the page's baseline screenshot into the bundle the first
// time a facade needs a poster for it. Pages without a screenshot get no
// poster.
func (bs *buildState) posterFor(pageURL string) string {
	var shot string
	for i := range bs.req.Inventory.Pages {
		if bs.req.Inventory.Pages[i].URL == pageURL {
			shot = bs.req.Inventory.Pages[i].ScreenshotPath
			break
		}
	}
	if shot == "" {
		return ""
	}

	bundle := path.Join("assets/posters", path.Base(shot))
	bs.mu.Lock()
	_, ok := bs.staged[bundle]
	bs.mu.Unlock()
	if ok {
		return "/" + bundle
	}

	data, err := os.ReadFile(filepath.Join(bs.req.WorkDir, filepath.FromSlash(shot)))
	if err != nil {
		bs.log.Warn("poster read failed", logfields.Path(shot), logfields.Error(err))
		return ""
	}
	bs.stage(bundle, data)
	return "/" + bundle
}
