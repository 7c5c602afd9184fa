package rewrite

import (
	"net/url"

	"github.com/PuerkitoBio/goquery"
)

// stepFonts points Google Fonts stylesheets at their self-hosted copies.
// When self-hosting is off (or a sheet was not localized) the href at least
// gains a display parameter so text renders before the font arrives.
func (r *Rewriter) stepFonts(ps *pageState) error {
	each(ps.doc.Find("link[href]"), func(s *goquery.Selection) {
		rel, _ := s.Attr("rel")
		if rel != "stylesheet" {
			return
		}
		href, _ := s.Attr("href")
		abs := ps.absoluteURL(href)
		if abs == "" {
			return
		}
		u, err := url.Parse(abs)
		if err != nil || u.Host != "fonts.googleapis.com" {
			return
		}

		if r.opts.selfHostFonts {
			if local, ok := r.cfg.FontCSS[abs]; ok {
				s.SetAttr("href", local)
				return
			}
		}
		if r.opts.fontDisplay != "" && u.Query().Get("display") == "" {
			q := u.Query()
			q.Set("display", r.opts.fontDisplay)
			u.RawQuery = q.Encode()
			s.SetAttr("href", u.String())
		}
	})
	return nil
}
