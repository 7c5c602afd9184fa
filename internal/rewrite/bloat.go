package rewrite

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// stepBloat strips the CMS boilerplate tags nothing on a static copy needs.
// Every removal is gated by its own settings toggle.
func (r *Rewriter) stepBloat(ps *pageState) error {
	o := r.opts

	if o.removeGeneratorMeta {
		ps.doc.Find(`meta[name="generator"]`).Remove()
	}
	if o.removeRsdLink {
		ps.doc.Find(`link[rel="EditURI"]`).Remove()
		removeLinksBy(ps.doc, func(href string) bool { return strings.Contains(href, "rsd.xml") })
	}
	if o.removeWlwManifest {
		ps.doc.Find(`link[rel="wlwmanifest"]`).Remove()
		removeLinksBy(ps.doc, func(href string) bool { return strings.Contains(href, "wlwmanifest.xml") })
	}
	if o.removeShortlink {
		ps.doc.Find(`link[rel="shortlink"]`).Remove()
	}
	if o.removeOembedLinks {
		ps.doc.Find(`link[rel="alternate"][type="application/json+oembed"]`).Remove()
		ps.doc.Find(`link[rel="alternate"][type="text/xml+oembed"]`).Remove()
	}
	if o.removePingback {
		ps.doc.Find(`link[rel="pingback"]`).Remove()
	}
	if o.removeEmojiScripts {
		each(ps.doc.Find("script"), func(s *goquery.Selection) {
			src, _ := s.Attr("src")
			body := s.Text()
			if strings.Contains(src, "wp-emoji-release") ||
				strings.Contains(body, "window._wpemojiSettings") {
				s.Remove()
				ps.scriptsGone++
			}
		})
		removeLinksBy(ps.doc, func(href string) bool {
			return strings.Contains(href, "s.w.org") // emoji CDN prefetch
		})
		each(ps.doc.Find("style"), func(s *goquery.Selection) {
			if strings.Contains(s.Text(), "img.wp-smiley") {
				s.Remove()
			}
		})
	}
	return nil
}

func removeLinksBy(doc *goquery.Document, match func(href string) bool) {
	each(doc.Find("link[href]"), func(s *goquery.Selection) {
		href, _ := s.Attr("href")
		if match(href) {
			s.Remove()
		}
	})
}
