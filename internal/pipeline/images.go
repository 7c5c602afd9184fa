package pipeline

import (
	"bytes"
	"context"
	"image"
	"net/url"
	"path"
	"runtime"
	"strings"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"log/slog"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/rewrite"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// phaseImages recompresses every downloaded image with bounded parallelism
// and records an image plan per asset for the html phase: overwrites, webp
// and avif siblings, and breakpoint variants.
func (o *Orchestrator) phaseImages(ctx context.Context, bs *buildState) error {
	opts := assets.ImageOptionsFrom(bs.effective, bs.req.Overrides)
	lcp := bs.lcpCandidates()

	imgs := bs.assetsOfClass(inventory.ClassImage)
	sem := make(chan struct{}, runtime.NumCPU())
	var wg sync.WaitGroup
	for _, a := range imgs {
		wg.Add(1)
		go func(a *inventory.Asset) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			o.transformImage(ctx, bs, a, opts, lcp[a.URL])
		}(a)
	}
	wg.Wait()

	for _, a := range bs.sameOriginPassThrough(inventory.ClassImage) {
		bs.setPlan(a.URL, &rewrite.ImagePlan{Src: a.URL})
	}
	return ctx.Err()
}

func (o *Orchestrator) transformImage(ctx context.Context, bs *buildState, a *inventory.Asset, base assets.ImageOptions, isLCP bool) {
	raw, err := bs.readAsset(a)
	if err != nil {
		bs.itemFailure(ctx, events.PhaseImages, a.URL, err)
		bs.addStat(CategoryImages, a.OriginalBytes, a.OriginalBytes)
		return
	}
	before := int64(len(raw))
	sp := bs.sitePath(a.URL)
	ext := strings.ToLower(path.Ext(sp))

	if ext == ".svg" {
		if base.OptimizeSVG {
			out, err := assets.TransformSVG(raw)
			switch {
			case err != nil:
				bs.itemFailure(ctx, events.PhaseImages, a.URL, pferrors.TransformError(a.URL, err))
			case len(out) < len(raw):
				bs.stage(sp, out)
				bs.addStat(CategoryImages, before, int64(len(out)))
				return
			}
		}
		bs.addStat(CategoryImages, before, before)
		return
	}

	if w, h, err := decodeDims(raw); err == nil {
		bs.setDims(a.URL, w, h)
	}

	opts := base
	opts.PathHint = sp
	opts.LCP = isLCP
	res := assets.TransformImage(raw, ext, opts)

	plan := &rewrite.ImagePlan{}
	if w, h, ok := bs.dim(a.URL); ok {
		plan.Width, plan.Height = w, h
	}

	after := before
	if res.Overwrite != nil {
		bs.stage(sp, res.Overwrite)
		after = int64(len(res.Overwrite))
	}
	for _, v := range res.Variants {
		name := assets.VariantName(sp, v.Suffix)
		bs.stage(name, v.Data)
		ref := "/" + name
		switch v.Kind {
		case "webp":
			plan.WebP = ref
		case "avif":
			plan.AVIF = ref
		case "breakpoint":
			plan.Breakpoints = append(plan.Breakpoints, rewrite.BreakpointVariant{Width: v.Width, Path: ref})
		}
		a.Variants = append(a.Variants, inventory.Variant{Path: ref, Kind: v.Kind, Width: v.Width})
	}
	if !base.KeepOriginal && plan.WebP != "" {
		plan.Src = plan.WebP
		bs.skipOriginal(sp)
	}

	bs.setPlan(a.URL, plan)
	bs.addStat(CategoryImages, before, after)

	if res.PassThrough {
		bs.log.Debug("image passed through",
			logfields.Asset(a.URL), slog.String("reason", res.Reason))
		return
	}
	bs.emitLog(ctx, events.LevelInfo, events.PhaseImages, "image optimized", &events.LogMeta{
		AssetURL: a.URL,
		Savings:  &events.Savings{Before: before, After: after},
	})
}

// decodeDims reads the intrinsic dimensions from the image header.
func decodeDims(raw []byte) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// lcpCandidates unions each page's candidate set: in auto mode the first
// lcpCandidateCount raster images in document order, in manual mode the
// images under the configured selector. Keys are absolute asset URLs.
func (bs *buildState) lcpCandidates() map[string]bool {
	mode := settings.String(bs.effective, "auto", "images", "lcpMode")
	selector := settings.String(bs.effective, "", "images", "lcpSelector")
	k := settings.Int(bs.effective, 3, "images", "lcpCandidateCount")

	out := map[string]bool{}
	for _, p := range bs.req.Inventory.Pages {
		doc := bs.docs()[p.URL]
		if doc == nil {
			continue
		}
		base, err := url.Parse(p.URL)
		if err != nil {
			continue
		}

		collect := func(s *goquery.Selection) {
			src, _ := s.Attr("src")
			if abs := resolveRef(base, src); abs != "" {
				out[abs] = true
			}
		}

		if mode == "manual" && selector != "" {
			if sel := safeFind(doc, selector); sel != nil {
				sel.Each(func(_ int, s *goquery.Selection) {
					if goquery.NodeName(s) == "img" {
						collect(s)
						return
					}
					s.Find("img").Each(func(_ int, img *goquery.Selection) { collect(img) })
				})
			}
			continue
		}

		count := 0
		doc.Find("img").Each(func(_ int, s *goquery.Selection) {
			if count >= k {
				return
			}
			src, _ := s.Attr("src")
			if inventory.Classify(src) != inventory.ClassImage || strings.HasSuffix(strings.ToLower(src), ".svg") {
				return
			}
			if abs := resolveRef(base, src); abs != "" {
				out[abs] = true
				count++
			}
		})
	}
	return out
}

// resolveRef resolves a page-relative reference to an absolute URL, dropping
// fragments and non-fetchable schemes.
func resolveRef(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "#") {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return ""
	}
	abs.Fragment = ""
	return abs.String()
}

// safeFind guards against invalid user-supplied selectors, which make the
// underlying matcher panic.
func safeFind(doc *goquery.Document, selector string) (sel *goquery.Selection) {
	defer func() {
		if recover() != nil {
			sel = nil
		}
	}()
	return doc.Find(selector)
}
