package rewrite

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/assets"
)

var (
	styleURLRe    = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)['"]?\s*\)`)
	styleImportRe = regexp.MustCompile(`@import\s+(?:url\(\s*)?['"]?([^'")]+)['"]?\)?`)
)

// stepReferences rewrites every stylesheet and script reference through the
// rename maps. Scripts whose rename is the removal sentinel are dropped.
func (r *Rewriter) stepReferences(ps *pageState) error {
	each(ps.doc.Find("link[href]"), func(s *goquery.Selection) {
		href, _ := s.Attr("href")
		if to, ok := r.cssRename(ps, href); ok {
			s.SetAttr("href", to)
		}
	})

	each(ps.doc.Find("script[src]"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := ps.absoluteURL(src)
		if abs == "" {
			return
		}
		to, ok := r.cfg.JSRenames[abs]
		if !ok {
			return
		}
		if to == assets.RemovedSentinel {
			s.Remove()
			ps.scriptsGone++
			return
		}
		s.SetAttr("src", to)
	})

	// @import and url() inside inline style blocks and style attributes.
	each(ps.doc.Find("style"), func(s *goquery.Selection) {
		css := s.Text()
		if out := r.rewriteCSSRefs(ps, css); out != css {
			s.SetText(out)
		}
	})
	each(ps.doc.Find("[style]"), func(s *goquery.Selection) {
		style, _ := s.Attr("style")
		if out := r.rewriteCSSRefs(ps, style); out != style {
			s.SetAttr("style", out)
		}
	})
	return nil
}

// cssRename maps one stylesheet reference through the rename table,
// returning the new root-relative path.
func (r *Rewriter) cssRename(ps *pageState, ref string) (string, bool) {
	abs := ps.absoluteURL(ref)
	if abs == "" {
		return "", false
	}
	to, ok := r.cfg.CSSRenames[abs]
	return to, ok
}

func (r *Rewriter) rewriteCSSRefs(ps *pageState, css string) string {
	out := styleImportRe.ReplaceAllStringFunc(css, func(m string) string {
		sub := styleImportRe.FindStringSubmatch(m)
		if to, ok := r.cssRename(ps, sub[1]); ok {
			return `@import "` + to + `"`
		}
		return m
	})
	out = styleURLRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := styleURLRe.FindStringSubmatch(m)
		if to, ok := r.cssRename(ps, sub[2]); ok {
			return "url(" + to + ")"
		}
		return m
	})
	return out
}

// refTargets collects every absolute URL the page references, used by the
// resource-hint step to validate preconnects. Recomputed on demand so it
// sees the current DOM state.
func (ps *pageState) refTargets() map[string]bool {
	targets := map[string]bool{}
	add := func(ref string) {
		if abs := ps.absoluteURL(ref); abs != "" {
			targets[abs] = true
		}
	}
	each(ps.doc.Find("link[href]"), func(s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		if rel == "preconnect" || rel == "dns-prefetch" {
			return // origin hints are not references themselves
		}
		href, _ := s.Attr("href")
		add(href)
	})
	each(ps.doc.Find("script[src]"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	each(ps.doc.Find("img[src], iframe[src], source[src], video[src], audio[src]"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src)
	})
	each(ps.doc.Find("img[srcset], source[srcset]"), func(s *goquery.Selection) {
		srcset, _ := s.Attr("srcset")
		for _, c := range strings.Split(srcset, ",") {
			fields := strings.Fields(strings.TrimSpace(c))
			if len(fields) > 0 {
				add(fields[0])
			}
		}
	})
	return targets
}
