package pipeline

import (
	"bytes"
	"context"
	"sort"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// phaseCSS self-hosts Google Fonts stylesheets, then transforms every
// downloaded stylesheet: purge, font-display injection and minification,
// either combined into one sheet or renamed in place. Individual sheet
// failures leave the original reference intact.
func (o *Orchestrator) phaseCSS(ctx context.Context, bs *buildState) error {
	o.localizeFonts(ctx, bs)

	opts := assets.CSSOptionsFrom(bs.effective)
	if opts.Purge {
		opts.Matcher = bs.usageMatcher()
	}

	sheets := bs.assetsOfClass(inventory.ClassCSS)
	if opts.Combine && len(sheets) > 1 {
		o.combineStylesheets(ctx, bs, sheets, opts)
	} else {
		for _, a := range sheets {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			o.transformStylesheet(ctx, bs, a, opts)
		}
	}

	for _, a := range bs.sameOriginPassThrough(inventory.ClassCSS) {
		bs.renameCSS(a.URL, a.URL)
	}
	return ctx.Err()
}

func (o *Orchestrator) transformStylesheet(ctx context.Context, bs *buildState, a *inventory.Asset, opts assets.CSSOptions) {
	raw, err := bs.readAsset(a)
	if err != nil {
		bs.itemFailure(ctx, events.PhaseCSS, a.URL, err)
		bs.addStat(CategoryCSS, a.OriginalBytes, a.OriginalBytes)
		return
	}

	res, err := assets.TransformCSS(raw, opts)
	if err != nil {
		bs.itemFailure(ctx, events.PhaseCSS, a.URL, pferrors.TransformError(a.URL, err))
		bs.addStat(CategoryCSS, int64(len(raw)), int64(len(raw)))
		return
	}
	for _, w := range res.Warnings {
		bs.emitLog(ctx, events.LevelWarn, events.PhaseCSS, w, &events.LogMeta{AssetURL: a.URL})
	}
	if bytes.Equal(res.Output, raw) {
		bs.addStat(CategoryCSS, int64(len(raw)), int64(len(raw)))
		return
	}

	out := res.Output
	bundle := assets.HashedName(bs.sitePath(a.URL), out)
	ref := "/" + bundle
	bs.stage(bundle, out)
	bs.renameCSS(a.URL, ref)
	bs.setCSSContent(ref, out)
	a.Rename = &inventory.Rename{NewPath: ref, NewHash: inventory.ShortHash(out)}
	bs.addStat(CategoryCSS, int64(len(raw)), int64(len(out)))

	if res.DroppedRules > 0 {
		bs.emitLog(ctx, events.LevelInfo, events.PhaseCSS,
			"purged unused rules", &events.LogMeta{AssetURL: a.URL})
	}
	bs.emitLog(ctx, events.LevelInfo, events.PhaseCSS, "stylesheet optimized", &events.LogMeta{
		AssetURL: a.URL,
		Savings:  &events.Savings{Before: int64(len(raw)), After: int64(len(out))},
	})
}

// combineStylesheets folds every readable sheet into one content-hashed file
// and points all of their references at it.
func (o *Orchestrator) combineStylesheets(ctx context.Context, bs *buildState, sheets []*inventory.Asset, opts assets.CSSOptions) {
	var src []assets.SourceSheet
	var combined []*inventory.Asset
	var before int64
	for _, a := range sheets {
		raw, err := bs.readAsset(a)
		if err != nil {
			bs.itemFailure(ctx, events.PhaseCSS, a.URL, err)
			bs.addStat(CategoryCSS, a.OriginalBytes, a.OriginalBytes)
			continue
		}
		src = append(src, assets.SourceSheet{Path: bs.sitePath(a.URL), Data: raw})
		combined = append(combined, a)
		before += int64(len(raw))
	}
	if len(src) == 0 {
		return
	}

	out := assets.CombineCSS(src)
	res, err := assets.TransformCSS(out, opts)
	if err != nil {
		bs.itemFailure(ctx, events.PhaseCSS, "combined stylesheet", pferrors.TransformError("combined stylesheet", err))
	} else {
		out = res.Output
		for _, w := range res.Warnings {
			bs.emitLog(ctx, events.LevelWarn, events.PhaseCSS, w, nil)
		}
	}

	bundle := assets.HashedName("assets/combined.css", out)
	ref := "/" + bundle
	bs.stage(bundle, out)
	bs.setCSSContent(ref, out)
	for _, a := range combined {
		bs.renameCSS(a.URL, ref)
		a.Rename = &inventory.Rename{NewPath: ref, NewHash: inventory.ShortHash(out)}
	}
	bs.addStat(CategoryCSS, before, int64(len(out)))
	bs.emitLog(ctx, events.LevelInfo, events.PhaseCSS, "stylesheets combined", &events.LogMeta{
		Savings: &events.Savings{Before: before, After: int64(len(out))},
	})
}

// localizeFonts self-hosts every Google Fonts stylesheet the crawl saw.
// Failures keep the remote reference; the rewriter then falls back to adding
// a display parameter on the remote URL.
func (o *Orchestrator) localizeFonts(ctx context.Context, bs *buildState) {
	fopts := assets.FontOptionsFrom(bs.effective)
	if !fopts.SelfHost {
		return
	}

	var urls []string
	for u := range bs.req.Inventory.Assets {
		if assets.IsGoogleFontsCSS(u) {
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)

	for _, u := range urls {
		lf, err := o.fonts.Localize(ctx, u, fopts)
		if err != nil {
			bs.itemFailure(ctx, events.PhaseFonts, u, err)
			continue
		}
		var faceBytes int64
		for rel, data := range lf.Files {
			bs.stage(rel, data)
			faceBytes += int64(len(data))
		}
		bundle := assets.HashedName("assets/fonts/fonts.css", lf.CSS)
		bs.stage(bundle, lf.CSS)
		bs.fontCSS[u] = "/" + bundle
		bs.fontPreloads = append(bs.fontPreloads, lf.Preload...)
		bs.addStat(CategoryFonts, faceBytes, faceBytes)
		bs.emitLog(ctx, events.LevelInfo, events.PhaseFonts, "google fonts self-hosted",
			&events.LogMeta{AssetURL: u})
	}
}

// usageMatcher folds every page's coverage report and parsed document into
// one matcher for the purge pass. The matcher caches lookups and is not safe
// for concurrent use, which keeps the stylesheet loop sequential.
func (bs *buildState) usageMatcher() *assets.UsageMatcher {
	coverage := map[string]bool{}
	for _, p := range bs.req.Inventory.Pages {
		for _, c := range p.Coverage {
			for _, sel := range c.UsedSelectors {
				coverage[sel] = true
			}
		}
	}
	var docs []*goquery.Document
	for _, d := range bs.docs() {
		docs = append(docs, d)
	}
	aggr := settings.String(bs.effective, "safe", "css", "purgeAggressiveness")
	return assets.NewUsageMatcher(coverage, docs, aggr)
}
