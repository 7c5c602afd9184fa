package rewrite

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
)

// stepImageTags wraps planned raster images in <picture> with AVIF/WebP
// sources and a breakpoint srcset, and applies the loading strategy: the
// LCP candidates load eagerly with high fetch priority, everything else
// lazily.
func (r *Rewriter) stepImageTags(ps *pageState) error {
	r.markLCPCandidates(ps)

	each(ps.doc.Find("img"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := ps.absoluteURL(src)
		plan := r.cfg.Images[abs]
		isLCP := ps.lcp[s.Nodes[0]]

		if plan != nil {
			if plan.Src != "" {
				s.SetAttr("src", plan.Src)
			}
			if plan.Width > 0 && plan.Height > 0 {
				s.SetAttr("width", strconv.Itoa(plan.Width))
				s.SetAttr("height", strconv.Itoa(plan.Height))
			}
		}

		if isLCP {
			s.SetAttr("loading", "eager")
			s.SetAttr("fetchpriority", "high")
			s.RemoveAttr("decoding")
		} else if r.opts.lazyLoad {
			s.SetAttr("loading", "lazy")
			s.SetAttr("decoding", "async")
		}

		if plan == nil {
			return
		}

		hasVariants := plan.WebP != "" || plan.AVIF != "" || len(plan.Breakpoints) > 0
		display := displayWidth(s, plan.Width)
		if _, ok := s.Attr("sizes"); !ok && display > 0 && hasVariants {
			s.SetAttr("sizes", fmt.Sprintf("(max-width: 768px) 100vw, (max-width: 1200px) 80vw, %dpx", display))
		}

		if s.ParentsFiltered("picture").Length() > 0 {
			return // already responsive, attributes only
		}

		full := plan.Width
		if r.opts.maxWidth > 0 && r.opts.maxWidth > full {
			full = r.opts.maxWidth
		}

		var sources []string
		if r.opts.convertAVIF && plan.AVIF != "" {
			sources = append(sources,
				fmt.Sprintf(`<source srcset="%s %dw" type="image/avif"/>`, plan.AVIF, full))
		}
		if r.opts.convertWebP && plan.WebP != "" {
			var entries []string
			for _, bp := range plan.Breakpoints {
				entries = append(entries, fmt.Sprintf("%s %dw", bp.Path, bp.Width))
			}
			entries = append(entries, fmt.Sprintf("%s %dw", plan.WebP, full))
			sources = append(sources,
				fmt.Sprintf(`<source srcset="%s" type="image/webp"/>`, strings.Join(entries, ", ")))
		}
		if len(sources) == 0 {
			return
		}

		s.WrapHtml("<picture></picture>")
		for _, src := range sources {
			s.BeforeHtml(src)
		}
	})

	// remember the best preload target for the first LCP candidate
	if len(ps.lcpPreloads) == 0 {
		each(ps.doc.Find("img"), func(s *goquery.Selection) {
			if len(ps.lcpPreloads) > 0 || !ps.lcp[s.Nodes[0]] {
				return
			}
			src, _ := s.Attr("src")
			abs := ps.absoluteURL(src)
			if plan := r.cfg.Images[abs]; plan != nil && plan.WebP != "" {
				ps.lcpPreloads = append(ps.lcpPreloads, plan.WebP)
				return
			}
			if src != "" {
				ps.lcpPreloads = append(ps.lcpPreloads, src)
			}
		})
	}
	return nil
}

// markLCPCandidates selects which images load eagerly. Auto mode takes the
// first lcpCandidateCount raster images in document order; manual mode
// trusts the configured selector exclusively.
func (r *Rewriter) markLCPCandidates(ps *pageState) {
	if r.opts.lcpMode == "manual" {
		if r.opts.lcpSelector == "" {
			return
		}
		each(ps.doc.Find(r.opts.lcpSelector), func(s *goquery.Selection) {
			if goquery.NodeName(s) == "img" {
				ps.lcp[s.Nodes[0]] = true
				return
			}
			each(s.Find("img"), func(img *goquery.Selection) {
				ps.lcp[img.Nodes[0]] = true
			})
		})
		return
	}

	k := r.opts.lcpCandidates
	if k <= 0 {
		return
	}
	count := 0
	each(ps.doc.Find("img"), func(s *goquery.Selection) {
		if count >= k {
			return
		}
		src, _ := s.Attr("src")
		if inventory.Classify(src) != inventory.ClassImage || strings.HasSuffix(strings.ToLower(src), ".svg") {
			return
		}
		ps.lcp[s.Nodes[0]] = true
		count++
	})
}

// displayWidth caps the rendered width by the data-sizes/width hint when one
// parses, else the intrinsic width.
func displayWidth(s *goquery.Selection, intrinsic int) int {
	for _, attr := range []string{"data-sizes", "width"} {
		if v, ok := s.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(v), "px")); err == nil && n > 0 {
				if intrinsic > 0 && n > intrinsic {
					return intrinsic
				}
				return n
			}
		}
	}
	return intrinsic
}

// stepImageDimensions backfills width/height so the browser can reserve
// layout space. Images whose intrinsic size stays unknown get an aspect
// ratio marker instead.
func (r *Rewriter) stepImageDimensions(ps *pageState) error {
	each(ps.doc.Find("img"), func(s *goquery.Selection) {
		_, hasW := s.Attr("width")
		_, hasH := s.Attr("height")
		if hasW && hasH {
			return
		}

		src, _ := s.Attr("src")
		abs := ps.absoluteURL(src)
		var w, h int
		if plan := r.cfg.Images[abs]; plan != nil && plan.Width > 0 && plan.Height > 0 {
			w, h = plan.Width, plan.Height
		} else if r.cfg.Dimensions != nil && abs != "" {
			if dw, dh, ok := r.cfg.Dimensions(abs); ok {
				w, h = dw, dh
			}
		}

		switch {
		case w > 0 && h > 0:
			s.SetAttr("width", strconv.Itoa(w))
			s.SetAttr("height", strconv.Itoa(h))
		case !hasW && !hasH:
			if _, ok := s.Attr("data-aspect-ratio"); !ok {
				s.SetAttr("data-aspect-ratio", "auto")
			}
		}
	})
	return nil
}
