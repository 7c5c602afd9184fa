package rewrite

import (
	"net/url"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const preconnectCap = 4

// stepResourceHints injects preload/preconnect/dns-prefetch links in
// priority order and drops stale preconnects pointing at origins the page
// no longer references.
func (r *Rewriter) stepResourceHints(ps *pageState) error {
	if !r.opts.resourceHints {
		return nil
	}
	head := ps.doc.Find("head")
	if head.Length() == 0 {
		return nil
	}

	targets := ps.refTargets()
	origins := externalOrigins(targets, r.origin.Host)

	// stale preconnects first, and remember which hints already exist
	existing := map[string]bool{}
	each(ps.doc.Find(`link[rel="preconnect"], link[rel="dns-prefetch"]`), func(s *goquery.Selection) {
		href, _ := s.Attr("href")
		o := originOf(ps.absoluteURL(href))
		if o == "" {
			o = originOf("https:" + href) // protocol-relative hint
		}
		if o == "" || !origins[o] {
			s.Remove()
			return
		}
		existing[o] = true
	})

	var hints strings.Builder

	for _, p := range ps.lcpPreloads {
		if !hasPreload(ps.doc, p) {
			hints.WriteString(`<link rel="preload" as="image" href="` + p + `" fetchpriority="high">`)
		}
	}
	for i, p := range r.cfg.FontPreloads {
		if i == 0 || pageReferencesFont(targets, p) {
			if !hasPreload(ps.doc, p) {
				hints.WriteString(`<link rel="preload" as="font" type="font/woff2" href="` + p + `" crossorigin>`)
			}
		}
	}

	ordered := make([]string, 0, len(origins))
	for o := range origins {
		ordered = append(ordered, o)
	}
	sort.Strings(ordered)
	emitted := 0
	for _, o := range ordered {
		if existing[o] {
			continue
		}
		if emitted < preconnectCap {
			hints.WriteString(`<link rel="preconnect" href="` + o + `" crossorigin>`)
			emitted++
		} else {
			hints.WriteString(`<link rel="dns-prefetch" href="` + o + `">`)
		}
	}

	if hints.Len() > 0 {
		head.PrependHtml(hints.String())
	}
	return nil
}

// externalOrigins reduces the reference set to distinct third-party origins.
func externalOrigins(targets map[string]bool, ownHost string) map[string]bool {
	out := map[string]bool{}
	for t := range targets {
		o := originOf(t)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != ownHost {
			out[o] = true
		}
	}
	return out
}

func originOf(abs string) string {
	u, err := url.Parse(abs)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func hasPreload(doc *goquery.Document, href string) bool {
	found := false
	each(doc.Find(`link[rel="preload"]`), func(s *goquery.Selection) {
		if h, _ := s.Attr("href"); h == href {
			found = true
		}
	})
	return found
}

// pageReferencesFont reports whether any page reference mentions the font
// path, so only the faces this page can actually use get preloaded.
func pageReferencesFont(targets map[string]bool, fontPath string) bool {
	for t := range targets {
		if strings.Contains(t, fontPath) {
			return true
		}
	}
	return false
}
