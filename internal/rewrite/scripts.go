package rewrite

import (
	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/assets"
)

// stepMoveScripts relocates head scripts with a src to the end of the body
// so parsing never blocks on them. Inline scripts stay put: they often
// define globals later markup depends on.
func (r *Rewriter) stepMoveScripts(ps *pageState) error {
	if !r.opts.moveToBodyEnd {
		return nil
	}
	body := ps.doc.Find("body")
	if body.Length() == 0 {
		return nil
	}
	each(ps.doc.Find("head script[src]"), func(s *goquery.Selection) {
		body.AppendSelection(s.Remove())
	})
	return nil
}

// stepDeferScripts applies the default loading strategy to every script
// that has neither async nor defer, honoring the exceptions list.
func (r *Rewriter) stepDeferScripts(ps *pageState) error {
	attr := ""
	switch r.opts.loadingStrategy {
	case "defer":
		attr = "defer"
	case "async":
		attr = "async"
	default:
		return nil
	}

	each(ps.doc.Find("script[src]"), func(s *goquery.Selection) {
		if _, ok := s.Attr("defer"); ok {
			return
		}
		if _, ok := s.Attr("async"); ok {
			return
		}
		if t, ok := s.Attr("type"); ok && t == "module" {
			return // modules defer by themselves
		}
		src, _ := s.Attr("src")
		if assets.MatchesRemovePattern(src, r.opts.deferExceptions) {
			return
		}
		s.SetAttr(attr, "")
	})
	return nil
}
