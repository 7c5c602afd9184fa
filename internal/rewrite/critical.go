package rewrite

import (
	"fmt"
	"html"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/assets"
)

// stepCriticalCSS inlines the above-fold subset of each stylesheet and
// defers the full sheet with a preload/onload swap. If extraction yields
// nothing usable the stylesheets are still made async, unconditionally.
func (r *Rewriter) stepCriticalCSS(ps *pageState) error {
	if !r.opts.critical {
		return nil
	}

	oldByNew := map[string]string{}
	for old, nw := range r.cfg.CSSRenames {
		oldByNew[nw] = old
	}
	aboveFold := func(origURL string) map[string]bool {
		set := map[string]bool{}
		for _, cov := range ps.page.Coverage {
			if cov.StylesheetURL != origURL {
				continue
			}
			for _, sel := range cov.AboveFoldSelectors {
				set[sel] = true
			}
		}
		return set
	}

	var critical strings.Builder
	var links []*goquery.Selection
	each(ps.doc.Find(`link[rel="stylesheet"]`), func(s *goquery.Selection) {
		href, _ := s.Attr("href")
		links = append(links, s)

		// critical extraction needs the sheet's content and coverage;
		// sheets the CSS phase never touched still get asyncified below
		orig, ok := oldByNew[href]
		if !ok {
			return
		}
		content, ok := r.cfg.CSSContent[href]
		if !ok {
			return
		}
		fold := aboveFold(orig)
		if len(fold) == 0 {
			return
		}
		out, err := assets.CriticalCSS(content, fold)
		if err != nil {
			ps.warnings = append(ps.warnings,
				fmt.Sprintf("critical extraction failed for %s: %v", href, err))
			return
		}
		critical.Write(out)
	})

	if len(links) == 0 {
		return nil
	}
	if critical.Len() > 0 {
		links[0].BeforeHtml(`<style data-pf-critical>` + critical.String() + `</style>`)
	}
	for _, s := range links {
		asyncifyStylesheet(s)
	}
	return nil
}

// asyncifyStylesheet turns a blocking stylesheet link into the
// preload/onload pattern with a noscript fallback.
func asyncifyStylesheet(s *goquery.Selection) {
	href, _ := s.Attr("href")
	s.SetAttr("rel", "preload")
	s.SetAttr("as", "style")
	s.SetAttr("onload", "this.rel='stylesheet'")
	s.AfterHtml(`<noscript><link rel="stylesheet" href="` + html.EscapeString(href) + `"></noscript>`)
}
