package rewrite

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var adContainerSelector = strings.Join([]string{
	".ad", ".ads", ".ad-container", ".ad-slot", ".adsbygoogle", `[id^="div-gpt-ad"]`,
}, ", ")

var cookieBannerSelector = strings.Join([]string{
	"#cookie-banner", ".cookie-banner", ".cookie-consent", "#cookie-notice",
	".cookie-notice", ".cc-window", "#onetrust-banner-sdk", "#CybotCookiebotDialog",
}, ", ")

var containmentSelector = strings.Join([]string{
	"header", "footer", "aside", "main", ".container", ".wrapper",
}, ", ")

// stepCLSFixes stabilizes layout: aspect-ratio boxes for sized iframes,
// reserved height for ad slots, fixed positioning for consent banners, and
// optional CSS containment for structural elements.
func (r *Rewriter) stepCLSFixes(ps *pageState) error {
	o := r.opts

	if o.clsIframe {
		each(ps.doc.Find("iframe[width][height]"), func(s *goquery.Selection) {
			if s.ParentsFiltered(".pf-facade, .pf-aspect").Length() > 0 {
				return
			}
			ratio := iframeRatio(s)
			s.WrapHtml(fmt.Sprintf(
				`<div class="pf-aspect" style="position:relative;padding-bottom:%.4f%%;height:0;overflow:hidden"></div>`,
				ratio*100))
			appendStyle(s, "position:absolute;inset:0;width:100%;height:100%")
		})
	}

	if o.clsAdMinHeight {
		each(ps.doc.Find(adContainerSelector), func(s *goquery.Selection) {
			appendStyle(s, "min-height:250px")
		})
	}

	if o.clsCookieFixed {
		each(ps.doc.Find(cookieBannerSelector), func(s *goquery.Selection) {
			appendStyle(s, "position:fixed")
		})
	}

	if o.clsContainment {
		each(ps.doc.Find(containmentSelector), func(s *goquery.Selection) {
			appendStyle(s, "contain:layout style")
		})
	}
	return nil
}

// appendStyle adds declarations to the inline style without clobbering
// existing ones; properties the element already sets win.
func appendStyle(s *goquery.Selection, decl string) {
	existing, _ := s.Attr("style")
	prop := strings.SplitN(decl, ":", 2)[0]
	if strings.Contains(existing, prop+":") {
		return
	}
	if existing == "" {
		s.SetAttr("style", decl)
		return
	}
	s.SetAttr("style", strings.TrimSuffix(existing, ";")+";"+decl)
}
