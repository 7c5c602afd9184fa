package rewrite

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/assets"
)

// vendorScript fingerprints one third-party embed by host substring. The ID
// pattern pulls the account/container identifier out of the src so a
// removed tag can still be reported and re-injected on interaction.
type vendorScript struct {
	name      string
	kind      string // analytics|pixel|heatmap|ads|tagmanager
	host      string
	idPattern *regexp.Regexp
}

var vendorCatalog = []vendorScript{
	{"google-analytics", "analytics", "google-analytics.com", regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`)},
	{"gtag", "analytics", "googletagmanager.com/gtag", regexp.MustCompile(`[?&]id=([A-Za-z0-9_-]+)`)},
	{"google-tag-manager", "tagmanager", "googletagmanager.com/gtm.js", regexp.MustCompile(`[?&]id=(GTM-[A-Za-z0-9]+)`)},
	{"facebook-pixel", "pixel", "connect.facebook.net", nil},
	{"hotjar", "heatmap", "static.hotjar.com", regexp.MustCompile(`hotjar-(\d+)`)},
	{"clarity", "heatmap", "clarity.ms", nil},
	{"fullstory", "heatmap", "fullstory.com", nil},
	{"segment", "analytics", "cdn.segment.com", nil},
	{"mixpanel", "analytics", "cdn.mxpnl.com", nil},
	{"matomo", "analytics", "matomo.js", nil},
	{"linkedin-insight", "pixel", "snap.licdn.com", nil},
	{"twitter-pixel", "pixel", "static.ads-twitter.com", nil},
	{"tiktok-pixel", "pixel", "analytics.tiktok.com", nil},
	{"doubleclick", "ads", "doubleclick.net", nil},
	{"adsense", "ads", "pagead2.googlesyndication.com", nil},
}

type removedVendor struct {
	Vendor string `json:"vendor"`
	Kind   string `json:"kind"`
	ID     string `json:"id,omitempty"`
	Src    string `json:"src"`
}

// stepThirdParty classifies external scripts against the vendor catalog and
// applies the configured action. Custom remove patterns and the jQuery
// toggle are handled here too since they share the removal machinery.
func (r *Rewriter) stepThirdParty(ps *pageState) error {
	action := r.opts.thirdPartyAction
	var removed []removedVendor

	each(ps.doc.Find("script[src]"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := ps.absoluteURL(src)
		if abs == "" || r.sameOrigin(abs) {
			return
		}
		v, ok := matchVendor(abs)
		if !ok {
			return
		}
		switch action {
		case "remove":
			rv := removedVendor{Vendor: v.name, Kind: v.kind, Src: abs}
			if v.idPattern != nil {
				if m := v.idPattern.FindStringSubmatch(abs); m != nil {
					rv.ID = m[1]
				}
			}
			removed = append(removed, rv)
			s.Remove()
			ps.scriptsGone++
		case "defer":
			if _, hasAsync := s.Attr("async"); !hasAsync {
				s.SetAttr("defer", "")
			}
		}
	})

	// custom removal patterns hit both external and first-party scripts
	if len(r.opts.removePatterns) > 0 {
		each(ps.doc.Find("script"), func(s *goquery.Selection) {
			src, _ := s.Attr("src")
			target := src
			if target == "" {
				target = s.Text()
			}
			if assets.MatchesRemovePattern(target, r.opts.removePatterns) {
				s.Remove()
				ps.scriptsGone++
			}
		})
	}

	if r.opts.removeJquery {
		each(ps.doc.Find("script[src]"), func(s *goquery.Selection) {
			src, _ := s.Attr("src")
			if isJQuerySrc(src) {
				s.Remove()
				ps.scriptsGone++
			}
		})
	}

	if len(removed) > 0 {
		blob, err := json.Marshal(removed)
		if err != nil {
			return err
		}
		tag := ps.doc.Find("body")
		tag.AppendHtml(`<script data-pf-vendors='` + string(blob) + `'>` + vendorLoaderJS + `</script>`)
	}
	return nil
}

func matchVendor(abs string) (vendorScript, bool) {
	for _, v := range vendorCatalog {
		if strings.Contains(abs, v.host) {
			return v, true
		}
	}
	return vendorScript{}, false
}

var jquerySrcRe = regexp.MustCompile(`(?i)/jquery([.-][0-9.]+)?([.-]min|[.-]slim)*\.js`)

func isJQuerySrc(src string) bool {
	return jquerySrcRe.MatchString(src)
}

// vendorLoaderJS re-injects removed vendor tags on the first user
// interaction, preserving analytics while keeping them off the critical
// path.
const vendorLoaderJS = `(function(){var d=document.currentScript.getAttribute("data-pf-vendors");if(!d)return;var v=JSON.parse(d),done=false;function load(){if(done)return;done=true;v.forEach(function(e){var t=document.createElement("script");t.src=e.src;t.async=true;document.head.appendChild(t)})}["pointerdown","keydown","scroll","touchstart"].forEach(function(n){addEventListener(n,load,{once:true,passive:true,capture:true})})})();`
