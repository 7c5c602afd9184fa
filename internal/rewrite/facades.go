package rewrite

import (
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// videoPlatform is one tagged record in the facade catalog: a URL matcher,
// the real embed URL to load on click, and an optional public thumbnail.
// Adding a platform is adding a record.
type videoPlatform struct {
	name   string // settings toggle under html.videoFacades
	match  func(u *url.URL) (id string, ok bool)
	embed  func(id string, privacy bool) string
	poster func(id, quality string) string
}

var ytQuality = map[string]string{
	"sd": "sddefault", "mq": "mqdefault", "hq": "hqdefault", "maxres": "maxresdefault",
}

var videoCatalog = []videoPlatform{
	{
		name: "youtube",
		match: func(u *url.URL) (string, bool) {
			if !strings.HasSuffix(u.Host, "youtube.com") && !strings.HasSuffix(u.Host, "youtube-nocookie.com") {
				return "", false
			}
			return pathID(u.Path, "/embed/")
		},
		embed: func(id string, privacy bool) string {
			host := "www.youtube.com"
			if privacy {
				host = "www.youtube-nocookie.com"
			}
			return "https://" + host + "/embed/" + id + "?autoplay=1"
		},
		poster: func(id, quality string) string {
			q, ok := ytQuality[quality]
			if !ok {
				q = "hqdefault"
			}
			return "https://i.ytimg.com/vi/" + id + "/" + q + ".jpg"
		},
	},
	{
		name: "vimeo",
		match: func(u *url.URL) (string, bool) {
			if u.Host != "player.vimeo.com" {
				return "", false
			}
			return pathID(u.Path, "/video/")
		},
		embed: func(id string, privacy bool) string {
			s := "https://player.vimeo.com/video/" + id + "?autoplay=1"
			if privacy {
				s += "&dnt=1"
			}
			return s
		},
		poster: func(id, _ string) string { return "https://vumbnail.com/" + id + ".jpg" },
	},
	{
		name: "wistia",
		match: func(u *url.URL) (string, bool) {
			if !strings.HasSuffix(u.Host, "wistia.net") && !strings.HasSuffix(u.Host, "wistia.com") {
				return "", false
			}
			return pathID(u.Path, "/embed/iframe/")
		},
		embed: func(id string, _ bool) string {
			return "https://fast.wistia.net/embed/iframe/" + id + "?autoPlay=true"
		},
		poster: func(string, string) string { return "" },
	},
	{
		name: "loom",
		match: func(u *url.URL) (string, bool) {
			if !strings.HasSuffix(u.Host, "loom.com") {
				return "", false
			}
			return pathID(u.Path, "/embed/")
		},
		embed: func(id string, _ bool) string {
			return "https://www.loom.com/embed/" + id + "?autoplay=1"
		},
		poster: func(string, string) string { return "" },
	},
	{
		name: "bunny",
		match: func(u *url.URL) (string, bool) {
			if u.Host != "iframe.mediadelivery.net" {
				return "", false
			}
			id := strings.TrimPrefix(u.Path, "/embed/")
			if id == u.Path || id == "" {
				return "", false
			}
			return id, true
		},
		embed: func(id string, _ bool) string {
			return "https://iframe.mediadelivery.net/embed/" + id + "?autoplay=true"
		},
		poster: func(string, string) string { return "" },
	},
	{
		name: "mux",
		match: func(u *url.URL) (string, bool) {
			if u.Host != "player.mux.com" && u.Host != "stream.mux.com" {
				return "", false
			}
			return pathID(u.Path, "/")
		},
		embed: func(id string, _ bool) string {
			return "https://player.mux.com/" + id + "?autoplay=true"
		},
		poster: func(id, _ string) string { return "https://image.mux.com/" + id + "/thumbnail.jpg" },
	},
	{
		name: "dailymotion",
		match: func(u *url.URL) (string, bool) {
			if !strings.HasSuffix(u.Host, "dailymotion.com") {
				return "", false
			}
			return pathID(u.Path, "/embed/video/")
		},
		embed: func(id string, _ bool) string {
			return "https://www.dailymotion.com/embed/video/" + id + "?autoplay=1"
		},
		poster: func(id, _ string) string {
			return "https://www.dailymotion.com/thumbnail/video/" + id
		},
	},
	{
		name: "streamable",
		match: func(u *url.URL) (string, bool) {
			if !strings.HasSuffix(u.Host, "streamable.com") {
				return "", false
			}
			if id, ok := pathID(u.Path, "/e/"); ok {
				return id, true
			}
			return pathID(u.Path, "/o/")
		},
		embed: func(id string, _ bool) string {
			return "https://streamable.com/e/" + id + "?autoplay=1"
		},
		poster: func(string, string) string { return "" },
	},
	{
		name: "twitch",
		match: func(u *url.URL) (string, bool) {
			if u.Host != "player.twitch.tv" {
				return "", false
			}
			q := u.Query()
			if v := q.Get("video"); v != "" {
				return "video=" + v, true
			}
			if c := q.Get("channel"); c != "" {
				return "channel=" + c, true
			}
			return "", false
		},
		embed: func(id string, _ bool) string {
			return "https://player.twitch.tv/?" + id + "&autoplay=true&parent=" + twitchParentPlaceholder
		},
		poster: func(string, string) string { return "" },
	},
}

// The twitch player requires the embedding hostname; the activator script
// substitutes location.hostname at click time.
const twitchParentPlaceholder = "__PF_PARENT__"

func pathID(p, prefix string) (string, bool) {
	rest := strings.TrimPrefix(p, prefix)
	if rest == p || rest == "" {
		return "", false
	}
	id := strings.SplitN(rest, "/", 2)[0]
	if id == "" {
		return "", false
	}
	return id, true
}

// stepVideoFacades swaps heavy video embeds for click-to-load placeholders.
func (r *Rewriter) stepVideoFacades(ps *pageState) error {
	if !r.opts.facadesEnabled {
		return nil
	}

	each(ps.doc.Find("iframe[src]"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := ps.absoluteURL(src)
		if abs == "" {
			return
		}
		u, err := url.Parse(abs)
		if err != nil {
			return
		}
		for _, p := range videoCatalog {
			if !r.opts.platformEnabled[p.name] {
				continue
			}
			id, ok := p.match(u)
			if !ok {
				continue
			}
			poster := p.poster(id, r.opts.posterQuality)
			if poster == "" && r.cfg.ScreenshotFor != nil {
				poster = r.cfg.ScreenshotFor(ps.page.URL)
			}
			r.replaceWithFacade(ps, s, p.embed(id, r.opts.privacyEnhanced), poster, iframeRatio(s), "")
			return
		}
	})

	if r.opts.platformEnabled["directVideo"] {
		each(ps.doc.Find("video"), func(s *goquery.Selection) {
			if _, auto := s.Attr("autoplay"); auto {
				return // autoplaying media is the page's hero, leave it
			}
			poster, _ := s.Attr("poster")
			if abs := ps.absoluteURL(poster); abs != "" && r.sameOrigin(abs) {
				poster = rootRelative(abs)
			}
			inner, err := goquery.OuterHtml(s)
			if err != nil {
				return
			}
			r.replaceWithFacade(ps, s, "", poster, iframeRatio(s), inner)
		})
	}
	return nil
}

// stepWidgetFacades handles the non-video embeds, currently Google Maps.
func (r *Rewriter) stepWidgetFacades(ps *pageState) error {
	if !r.opts.mapsFacade {
		return nil
	}
	each(ps.doc.Find("iframe[src]"), func(s *goquery.Selection) {
		src, _ := s.Attr("src")
		abs := ps.absoluteURL(src)
		if !strings.Contains(abs, "google.com/maps") {
			return
		}
		ratio := iframeRatio(s)
		s.ReplaceWithHtml(fmt.Sprintf(
			`<div class="pf-facade pf-facade-map" data-pf-embed="%s" style="position:relative;padding-bottom:%.4f%%;height:0;overflow:hidden;cursor:pointer;background:#e8eaed">`+
				`<div style="position:absolute;inset:0;display:flex;align-items:center;justify-content:center;font:14px sans-serif;color:#444">Click to load map</div>`+
				`</div>`,
			html.EscapeString(abs), ratio*100))
		ps.facades++
		r.ensureActivator(ps)
	})
	return nil
}

// replaceWithFacade substitutes an embed element with the placeholder box.
// template carries the original element for direct-video facades.
func (r *Rewriter) replaceWithFacade(ps *pageState, s *goquery.Selection, embedURL, poster string, ratio float64, template string) {
	var b strings.Builder
	fmt.Fprintf(&b,
		`<div class="pf-facade" data-pf-embed="%s" style="position:relative;padding-bottom:%.4f%%;height:0;overflow:hidden;cursor:pointer;background:#000">`,
		html.EscapeString(embedURL), ratio*100)
	if poster != "" {
		fmt.Fprintf(&b,
			`<img src="%s" alt="" loading="lazy" decoding="async" style="position:absolute;inset:0;width:100%%;height:100%%;object-fit:cover">`,
			html.EscapeString(poster))
	}
	b.WriteString(`<button type="button" class="pf-facade-play" aria-label="Play" style="position:absolute;top:50%;left:50%;transform:translate(-50%,-50%);width:68px;height:48px;border:0;border-radius:10px;background:rgba(0,0,0,.7);color:#fff;font-size:22px;cursor:pointer">&#9654;</button>`)
	if template != "" {
		b.WriteString(`<template class="pf-facade-media">` + template + `</template>`)
	}
	b.WriteString(`</div>`)

	s.ReplaceWithHtml(b.String())
	ps.facades++
	r.ensureActivator(ps)
}

// ensureActivator appends the shared click handler once per page.
func (r *Rewriter) ensureActivator(ps *pageState) {
	if ps.facadeScript {
		return
	}
	ps.facadeScript = true
	ps.doc.Find("body").AppendHtml(`<script data-pf-facade>` + facadeActivatorJS + `</script>`)
}

var iframeSizeRe = regexp.MustCompile(`^\d+$`)

// iframeRatio derives height/width from the element's attributes, falling
// back to 16:9.
func iframeRatio(s *goquery.Selection) float64 {
	w, _ := s.Attr("width")
	h, _ := s.Attr("height")
	if iframeSizeRe.MatchString(w) && iframeSizeRe.MatchString(h) {
		var wi, hi int
		fmt.Sscanf(w, "%d", &wi)
		fmt.Sscanf(h, "%d", &hi)
		if wi > 0 && hi > 0 {
			return float64(hi) / float64(wi)
		}
	}
	return 9.0 / 16.0
}

func rootRelative(abs string) string {
	u, err := url.Parse(abs)
	if err != nil {
		return abs
	}
	out := u.Path
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}

// facadeActivatorJS swaps a clicked placeholder for the real embed. Direct
// video facades restore their original element from the inline template.
const facadeActivatorJS = `document.addEventListener("click",function(e){var f=e.target&&e.target.closest?e.target.closest(".pf-facade"):null;if(!f)return;var t=f.querySelector("template.pf-facade-media");if(t){var c=t.content.cloneNode(true),v=c.querySelector("video");f.replaceWith(c);if(v&&v.play)v.play();return}var s=f.getAttribute("data-pf-embed");if(!s)return;s=s.replace("__PF_PARENT__",location.hostname);var i=document.createElement("iframe");i.src=s;i.allow="autoplay; fullscreen; picture-in-picture; encrypted-media";i.allowFullscreen=true;i.style.cssText="position:absolute;inset:0;width:100%;height:100%;border:0";f.innerHTML="";f.appendChild(i);f.removeAttribute("data-pf-embed")},true);`
