package pipeline

import (
	"bytes"
	"context"
	"path"
	"runtime"
	"sync"

	"log/slog"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// phaseJS transforms every downloaded script with bounded parallelism.
// Scripts matching the removal patterns, and jQuery when its removal is on,
// map to the removal sentinel so the rewriter drops their tags.
func (o *Orchestrator) phaseJS(ctx context.Context, bs *buildState) error {
	opts := assets.JSOptionsFrom(bs.effective)
	removeJQ := settings.Bool(bs.effective, false, "js", "removeJquery")
	patterns := settings.Strings(bs.effective, "js", "removePatterns")

	jq := map[string]bool{}
	for _, n := range bs.req.Inventory.JQueryScripts {
		jq[n] = true
	}

	scripts := bs.assetsOfClass(inventory.ClassJS)
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup
	for _, a := range scripts {
		sp := bs.sitePath(a.URL)
		if (removeJQ && jq[path.Base(sp)]) || assets.MatchesRemovePattern(a.URL, patterns) {
			bs.renameJS(a.URL, assets.RemovedSentinel)
			bs.skipOriginal(sp)
			bs.addStat(CategoryJS, a.OriginalBytes, 0)
			bs.emitLog(ctx, events.LevelInfo, events.PhaseJS, "script removed", &events.LogMeta{
				AssetURL: a.URL,
				Savings:  &events.Savings{Before: a.OriginalBytes, After: 0},
			})
			continue
		}

		wg.Add(1)
		go func(a *inventory.Asset) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			o.transformScript(ctx, bs, a, opts)
		}(a)
	}
	wg.Wait()

	for _, a := range bs.sameOriginPassThrough(inventory.ClassJS) {
		bs.renameJS(a.URL, a.URL)
	}
	return ctx.Err()
}

func (o *Orchestrator) transformScript(ctx context.Context, bs *buildState, a *inventory.Asset, opts assets.JSOptions) {
	raw, err := bs.readAsset(a)
	if err != nil {
		bs.itemFailure(ctx, events.PhaseJS, a.URL, err)
		bs.addStat(CategoryJS, a.OriginalBytes, a.OriginalBytes)
		return
	}

	res, err := assets.TransformJS(raw, opts)
	if err != nil {
		bs.itemFailure(ctx, events.PhaseJS, a.URL, pferrors.TransformError(a.URL, err))
		bs.addStat(CategoryJS, int64(len(raw)), int64(len(raw)))
		return
	}
	if bytes.Equal(res.Output, raw) {
		bs.addStat(CategoryJS, int64(len(raw)), int64(len(raw)))
		return
	}

	out := res.Output
	bundle := assets.HashedName(bs.sitePath(a.URL), out)
	ref := "/" + bundle
	bs.stage(bundle, out)
	bs.renameJS(a.URL, ref)
	a.Rename = &inventory.Rename{NewPath: ref, NewHash: inventory.ShortHash(out)}
	bs.addStat(CategoryJS, int64(len(raw)), int64(len(out)))

	if res.DroppedConsole > 0 || res.DroppedDebugger > 0 {
		bs.log.Debug("dead calls dropped", logfields.Asset(a.URL),
			slog.Int("console", res.DroppedConsole), slog.Int("debugger", res.DroppedDebugger))
	}
	bs.emitLog(ctx, events.LevelInfo, events.PhaseJS, "script optimized", &events.LogMeta{
		AssetURL: a.URL,
		Savings:  &events.Savings{Before: int64(len(raw)), After: int64(len(out))},
	})
}
