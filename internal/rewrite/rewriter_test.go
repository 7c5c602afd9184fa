package rewrite

import (
	"bytes"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

func testRewriter(t *testing.T, cfg Config, patch map[string]any) *Rewriter {
	t.Helper()
	if cfg.Origin == "" {
		cfg.Origin = "https://example.com"
	}
	cfg.Settings = settings.Resolve(settings.Defaults(), patch)
	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func runPage(t *testing.T, r *Rewriter, pageURL, html string) (Result, *goquery.Document) {
	t.Helper()
	res, err := r.Page(&inventory.CrawledPage{URL: pageURL, HTML: []byte(html)})
	require.NoError(t, err)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.HTML))
	require.NoError(t, err)
	return res, doc
}

func srcsetEntries(t *testing.T, srcset string) []string {
	t.Helper()
	var out []string
	for _, e := range strings.Split(srcset, ",") {
		out = append(out, strings.Join(strings.Fields(e), " "))
	}
	return out
}

func TestResponsiveImageRewrite(t *testing.T) {
	plan := &ImagePlan{
		WebP:   "/a.webp",
		Width:  1200,
		Height: 800,
		Breakpoints: []BreakpointVariant{
			{320, "/a-320w.webp"}, {640, "/a-640w.webp"},
			{768, "/a-768w.webp"}, {1024, "/a-1024w.webp"},
		},
	}
	r := testRewriter(t, Config{
		Images: map[string]*ImagePlan{"https://example.com/a.jpg": plan},
	}, nil)

	_, doc := runPage(t, r, "https://example.com/",
		`<html><head></head><body><img src="/a.jpg"></body></html>`)

	picture := doc.Find("picture")
	require.Equal(t, 1, picture.Length(), "img wrapped in picture")

	source := picture.Find(`source[type="image/webp"]`)
	require.Equal(t, 1, source.Length())
	srcset, _ := source.Attr("srcset")
	assert.Equal(t, []string{
		"/a-320w.webp 320w", "/a-640w.webp 640w", "/a-768w.webp 768w",
		"/a-1024w.webp 1024w", "/a.webp 1920w",
	}, srcsetEntries(t, srcset))

	img := picture.Find("img")
	require.Equal(t, 1, img.Length())
	for attr, want := range map[string]string{
		"src": "/a.jpg", "width": "1200", "height": "800",
		"loading": "eager", "fetchpriority": "high",
	} {
		got, ok := img.Attr(attr)
		require.True(t, ok, attr)
		assert.Equal(t, want, got, attr)
	}
	sizes, _ := img.Attr("sizes")
	assert.Equal(t, "(max-width: 768px) 100vw, (max-width: 1200px) 80vw, 1200px",
		strings.Join(strings.Fields(sizes), " "))
	assert.Equal(t, 0, picture.Find(`source[type="image/avif"]`).Length(),
		"avif disabled by default")
}

func TestLateImagesLoadLazily(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"images": map[string]any{"lcpCandidateCount": 1},
	})
	_, doc := runPage(t, r, "https://example.com/",
		`<html><body><img src="/first.jpg"><img src="/second.jpg"></body></html>`)

	first := doc.Find(`img[src="/first.jpg"]`)
	loading, _ := first.Attr("loading")
	assert.Equal(t, "eager", loading)

	second := doc.Find(`img[src="/second.jpg"]`)
	loading, _ = second.Attr("loading")
	assert.Equal(t, "lazy", loading)
	decoding, _ := second.Attr("decoding")
	assert.Equal(t, "async", decoding)
}

func TestManualLCPSelector(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"images": map[string]any{"lcpMode": "manual", "lcpSelector": ".hero img"},
	})
	_, doc := runPage(t, r, "https://example.com/",
		`<html><body><img src="/first.jpg"><div class="hero"><img src="/banner.jpg"></div></body></html>`)

	banner := doc.Find(`img[src="/banner.jpg"]`)
	fp, _ := banner.Attr("fetchpriority")
	assert.Equal(t, "high", fp, "manual selector wins")

	first := doc.Find(`img[src="/first.jpg"]`)
	_, hasFP := first.Attr("fetchpriority")
	assert.False(t, hasFP, "document order ignored in manual mode")
}

func TestImageDimensionFallback(t *testing.T) {
	r := testRewriter(t, Config{
		Dimensions: func(abs string) (int, int, bool) {
			if abs == "https://example.com/known.png" {
				return 640, 480, true
			}
			return 0, 0, false
		},
	}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><body><img src="/known.png"><img src="/unknown.png"></body></html>`)

	known := doc.Find(`img[src="/known.png"]`)
	w, _ := known.Attr("width")
	h, _ := known.Attr("height")
	assert.Equal(t, "640", w)
	assert.Equal(t, "480", h)

	unknown := doc.Find(`img[src="/unknown.png"]`)
	_, hasRatio := unknown.Attr("data-aspect-ratio")
	assert.True(t, hasRatio, "images without known size carry an aspect marker")
}

func TestHeadScriptMovedAndDeferred(t *testing.T) {
	r := testRewriter(t, Config{
		JSRenames: map[string]string{"https://example.com/app.js": "/app-1a2b3c4d.js"},
	}, map[string]any{
		"js": map[string]any{"moveToBodyEnd": true},
	})
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head><script src="/app.js"></script></head><body><p>hi</p></body></html>`)

	assert.Equal(t, 0, doc.Find("head script").Length(), "no scripts left in head")

	script := doc.Find("body script")
	require.Equal(t, 1, script.Length())
	src, _ := script.Attr("src")
	assert.Equal(t, "/app-1a2b3c4d.js", src)
	_, deferred := script.Attr("defer")
	assert.True(t, deferred)

	body := doc.Find("body").Nodes[0]
	last := body.LastChild
	require.NotNil(t, last)
	assert.Equal(t, "script", last.Data, "script sits just before </body>")
}

func TestRemovedScriptDropped(t *testing.T) {
	r := testRewriter(t, Config{
		JSRenames: map[string]string{"https://example.com/junk.js": assets.RemovedSentinel},
	}, nil)
	res, doc := runPage(t, r, "https://example.com/",
		`<html><body><script src="/junk.js"></script><script src="/keep.js"></script></body></html>`)

	assert.Equal(t, 0, doc.Find(`script[src="/junk.js"]`).Length())
	assert.Equal(t, 1, doc.Find(`script[src="/keep.js"]`).Length())
	assert.Equal(t, 1, res.ScriptsRemoved)
}

func TestStylesheetRenameAndInlineImport(t *testing.T) {
	r := testRewriter(t, Config{
		CSSRenames: map[string]string{"https://example.com/css/main.css": "/css/main-feedc0de.css"},
	}, nil)
	_, doc := runPage(t, r, "https://example.com/sub/page",
		`<html><head>
		<link rel="stylesheet" href="../css/main.css">
		<style>@import "/css/main.css";</style>
		</head><body></body></html>`)

	href, _ := doc.Find(`link[rel="stylesheet"]`).Attr("href")
	assert.Equal(t, "/css/main-feedc0de.css", href, "relative reference resolved against the page URL")
	assert.Contains(t, doc.Find("style").Text(), `@import "/css/main-feedc0de.css"`)
}

func TestCMSBloatRemoval(t *testing.T) {
	page := `<html><head>
	<meta name="generator" content="WordPress 6.4">
	<link rel="EditURI" type="application/rsd+xml" href="https://example.com/xmlrpc.php?rsd">
	<link rel="wlwmanifest" type="application/wlwmanifest+xml" href="https://example.com/wp-includes/wlwmanifest.xml">
	<link rel="shortlink" href="https://example.com/?p=1">
	<link rel="alternate" type="application/json+oembed" href="https://example.com/oembed">
	<link rel="pingback" href="https://example.com/xmlrpc.php">
	<link rel="dns-prefetch" href="//s.w.org">
	<script src="/wp-includes/js/wp-emoji-release.min.js"></script>
	</head><body></body></html>`

	r := testRewriter(t, Config{}, nil)
	_, doc := runPage(t, r, "https://example.com/", page)

	assert.Equal(t, 0, doc.Find(`meta[name="generator"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[rel="EditURI"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[rel="wlwmanifest"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[rel="shortlink"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[rel="alternate"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[rel="pingback"]`).Length())
	assert.Equal(t, 0, doc.Find(`script[src*="wp-emoji"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[href*="s.w.org"]`).Length())
}

func TestBloatKeptWhenToggledOff(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"html": map[string]any{"removeGeneratorMeta": false},
	})
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head><meta name="generator" content="WordPress"></head><body></body></html>`)
	assert.Equal(t, 1, doc.Find(`meta[name="generator"]`).Length())
}

func TestThirdPartyRemoveCollectsVendors(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"html": map[string]any{"thirdPartyScriptAction": "remove"},
	})
	res, doc := runPage(t, r, "https://example.com/",
		`<html><body>
		<script src="https://www.googletagmanager.com/gtag/js?id=G-ABC123"></script>
		<script src="/js/site.js"></script>
		</body></html>`)

	assert.Equal(t, 0, doc.Find(`script[src*="googletagmanager"]`).Length())
	assert.Equal(t, 1, doc.Find(`script[src="/js/site.js"]`).Length(), "first-party scripts untouched")
	assert.Equal(t, 1, res.ScriptsRemoved)

	placeholder := doc.Find("script[data-pf-vendors]")
	require.Equal(t, 1, placeholder.Length(), "removed vendors collected into a placeholder block")
	vendors, _ := placeholder.Attr("data-pf-vendors")
	assert.Contains(t, vendors, "G-ABC123")
	assert.Contains(t, vendors, "gtag")
}

func TestThirdPartyDeferDefault(t *testing.T) {
	r := testRewriter(t, Config{}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><body><script src="https://static.hotjar.com/c/hotjar-12345.js"></script></body></html>`)

	s := doc.Find(`script[src*="hotjar"]`)
	require.Equal(t, 1, s.Length(), "defer action keeps the tag")
	_, deferred := s.Attr("defer")
	assert.True(t, deferred)
}

func TestYouTubeFacade(t *testing.T) {
	r := testRewriter(t, Config{}, nil)
	res, doc := runPage(t, r, "https://example.com/",
		`<html><body><iframe width="560" height="315" src="https://www.youtube.com/embed/dQw4w9WgXcQ"></iframe></body></html>`)

	assert.Equal(t, 0, doc.Find("iframe").Length(), "iframe replaced")
	facade := doc.Find("div.pf-facade")
	require.Equal(t, 1, facade.Length())
	embed, _ := facade.Attr("data-pf-embed")
	assert.Contains(t, embed, "youtube-nocookie.com/embed/dQw4w9WgXcQ", "privacy-enhanced host swap")

	poster := facade.Find("img")
	require.Equal(t, 1, poster.Length())
	src, _ := poster.Attr("src")
	assert.Equal(t, "https://i.ytimg.com/vi/dQw4w9WgXcQ/hqdefault.jpg", src)

	style, _ := facade.Attr("style")
	assert.Contains(t, style, "padding-bottom:56.25", "aspect ratio from iframe dimensions")

	assert.Equal(t, 1, res.FacadesApplied)
	assert.Equal(t, 1, doc.Find("script[data-pf-facade]").Length(), "activator injected once")
}

func TestFacadeDisabledPlatform(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"html": map[string]any{"videoFacades": map[string]any{"youtube": false}},
	})
	res, doc := runPage(t, r, "https://example.com/",
		`<html><body><iframe src="https://www.youtube.com/embed/xyz"></iframe></body></html>`)

	assert.Equal(t, 1, doc.Find("iframe").Length(), "disabled platform left alone")
	assert.Zero(t, res.FacadesApplied)
}

func TestGoogleFontsSelfHostRewrite(t *testing.T) {
	fontsURL := "https://fonts.googleapis.com/css2?family=Inter"
	r := testRewriter(t, Config{
		FontCSS:      map[string]string{fontsURL: "/assets/fonts/inter.css"},
		FontPreloads: []string{"/assets/fonts/regular.woff2"},
	}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head><link rel="stylesheet" href="`+fontsURL+`"></head><body></body></html>`)

	href, _ := doc.Find(`link[rel="stylesheet"]`).Attr("href")
	assert.Equal(t, "/assets/fonts/inter.css", href)

	preload := doc.Find(`link[rel="preload"][as="font"]`)
	require.Equal(t, 1, preload.Length())
	ph, _ := preload.Attr("href")
	assert.Equal(t, "/assets/fonts/regular.woff2", ph)
	_, cross := preload.Attr("crossorigin")
	assert.True(t, cross)
}

func TestFontDisplayParamWhenNotSelfHosting(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"fonts": map[string]any{"selfHostGoogleFonts": false},
	})
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head><link rel="stylesheet" href="https://fonts.googleapis.com/css2?family=Inter"></head><body></body></html>`)

	href, _ := doc.Find(`link[rel="stylesheet"]`).Attr("href")
	assert.Contains(t, href, "display=swap")
}

func TestCriticalCSSInlineAndAsync(t *testing.T) {
	origCSS := "https://example.com/css/main.css"
	newPath := "/css/main-0badc0de.css"
	r := testRewriter(t, Config{
		CSSRenames: map[string]string{origCSS: newPath},
		CSSContent: map[string][]byte{newPath: []byte(".above{color:red}.below{color:blue}")},
	}, map[string]any{
		"css": map[string]any{"critical": true},
	})

	page := &inventory.CrawledPage{
		URL:  "https://example.com/",
		HTML: []byte(`<html><head><link rel="stylesheet" href="/css/main.css"></head><body></body></html>`),
		Coverage: []inventory.StylesheetCoverage{{
			StylesheetURL:      origCSS,
			AboveFoldSelectors: []string{".above"},
		}},
	}
	res, err := r.Page(page)
	require.NoError(t, err)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.HTML))
	require.NoError(t, err)

	style := doc.Find("style[data-pf-critical]")
	require.Equal(t, 1, style.Length())
	assert.Contains(t, style.Text(), ".above")
	assert.NotContains(t, style.Text(), ".below")

	link := doc.Find(`link[as="style"]`)
	require.Equal(t, 1, link.Length())
	rel, _ := link.Attr("rel")
	assert.Equal(t, "preload", rel)
	onload, _ := link.Attr("onload")
	assert.Contains(t, onload, "stylesheet")
	assert.Equal(t, 1, doc.Find("noscript").Length(), "noscript fallback present")
}

func TestCriticalCSSAsyncifiesUnrenamedStylesheets(t *testing.T) {
	origCSS := "https://example.com/css/main.css"
	newPath := "/css/main-0badc0de.css"
	r := testRewriter(t, Config{
		CSSRenames: map[string]string{origCSS: newPath},
		CSSContent: map[string][]byte{newPath: []byte(".above{color:red}")},
	}, map[string]any{
		"css": map[string]any{"critical": true},
	})

	page := &inventory.CrawledPage{
		URL: "https://example.com/",
		HTML: []byte(`<html><head>
			<link rel="stylesheet" href="/css/main.css">
			<link rel="stylesheet" href="/css/legacy.css">
			</head><body></body></html>`),
		Coverage: []inventory.StylesheetCoverage{{
			StylesheetURL:      origCSS,
			AboveFoldSelectors: []string{".above"},
		}},
	}
	res, err := r.Page(page)
	require.NoError(t, err)
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.HTML))
	require.NoError(t, err)

	// the sheet the CSS phase never rewrote must not stay render-blocking
	assert.Equal(t, 2, doc.Find(`link[as="style"]`).Length())
	assert.Equal(t, 0, doc.Find(`link[rel="stylesheet"]`).Length())
	legacy := doc.Find(`link[href="/css/legacy.css"][as="style"]`)
	require.Equal(t, 1, legacy.Length())
	rel, _ := legacy.Attr("rel")
	assert.Equal(t, "preload", rel)
	assert.Equal(t, 2, doc.Find("noscript").Length())
	assert.Equal(t, 1, doc.Find("style[data-pf-critical]").Length())
}

func TestSVGSpriteDedup(t *testing.T) {
	icon := `<svg class="icon" viewBox="0 0 16 16"><path d="M1 1h14v14H1z"></path></svg>`
	r := testRewriter(t, Config{}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><body>`+icon+`<p>between</p>`+icon+icon+`</body></html>`)

	uses := doc.Find("svg use")
	assert.Equal(t, 2, uses.Length(), "later duplicates become references")
	href, _ := uses.First().Attr("href")
	assert.True(t, strings.HasPrefix(href, "#pf-sprite-"))

	withPath := doc.Find("svg path")
	assert.Equal(t, 1, withPath.Length(), "exactly one definition survives")
	id, _ := withPath.Parent().Attr("id")
	assert.Equal(t, strings.TrimPrefix(href, "#"), id)
}

func TestResourceHints(t *testing.T) {
	r := testRewriter(t, Config{}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head>
		<link rel="preconnect" href="https://stale.example.net">
		</head><body>
		<script src="https://cdn-a.example.net/a.js" defer></script>
		<script src="https://cdn-b.example.net/b.js" defer></script>
		<img src="https://cdn-c.example.net/c.png">
		</body></html>`)

	assert.Equal(t, 0, doc.Find(`link[href="https://stale.example.net"]`).Length(),
		"stale preconnect removed")

	var preconnects []string
	each(doc.Find(`link[rel="preconnect"]`), func(s *goquery.Selection) {
		h, _ := s.Attr("href")
		preconnects = append(preconnects, h)
	})
	assert.ElementsMatch(t, []string{
		"https://cdn-a.example.net", "https://cdn-b.example.net", "https://cdn-c.example.net",
	}, preconnects)
}

func TestPreconnectCapOverflowsToDNSPrefetch(t *testing.T) {
	r := testRewriter(t, Config{}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head></head><body>
		<img src="https://a.example.net/1.png">
		<img src="https://b.example.net/2.png">
		<img src="https://c.example.net/3.png">
		<img src="https://d.example.net/4.png">
		<img src="https://e.example.net/5.png">
		<img src="https://f.example.net/6.png">
		</body></html>`)

	assert.Equal(t, 4, doc.Find(`link[rel="preconnect"]`).Length())
	assert.Equal(t, 2, doc.Find(`link[rel="dns-prefetch"]`).Length())
}

func TestExistingPreconnectsDoNotConsumeCap(t *testing.T) {
	r := testRewriter(t, Config{}, nil)
	_, doc := runPage(t, r, "https://example.com/",
		`<html><head>
		<link rel="preconnect" href="https://a.example.net">
		</head><body>
		<img src="https://a.example.net/1.png">
		<img src="https://b.example.net/2.png">
		<img src="https://c.example.net/3.png">
		<img src="https://d.example.net/4.png">
		<img src="https://e.example.net/5.png">
		<img src="https://f.example.net/6.png">
		</body></html>`)

	// the kept hint for a.example.net leaves the full budget of four for
	// the remaining origins
	assert.Equal(t, 5, doc.Find(`link[rel="preconnect"]`).Length())
	assert.Equal(t, 1, doc.Find(`link[rel="dns-prefetch"]`).Length())
	assert.Equal(t, 1, doc.Find(`link[rel="dns-prefetch"][href="https://f.example.net"]`).Length())
}

func TestCLSFixes(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"html": map[string]any{"videoFacades": map[string]any{"enabled": false}},
	})
	_, doc := runPage(t, r, "https://example.com/",
		`<html><body>
		<iframe src="https://example.org/embed" width="400" height="300"></iframe>
		<div class="ad-container">ad</div>
		<div class="cookie-banner">cookies</div>
		</body></html>`)

	wrap := doc.Find("div.pf-aspect")
	require.Equal(t, 1, wrap.Length())
	style, _ := wrap.Attr("style")
	assert.Contains(t, style, "padding-bottom:75.0000%")
	iframeStyle, _ := wrap.Find("iframe").Attr("style")
	assert.Contains(t, iframeStyle, "position:absolute")

	adStyle, _ := doc.Find(".ad-container").Attr("style")
	assert.Contains(t, adStyle, "min-height:250px")

	cookieStyle, _ := doc.Find(".cookie-banner").Attr("style")
	assert.Contains(t, cookieStyle, "position:fixed")
}

func TestMinifyMatrix(t *testing.T) {
	page := `<html><head></head><body>
	<!-- a comment -->
	<p   class="x">  spaced   text  </p>
	<div></div>
	</body></html>`

	r := testRewriter(t, Config{}, nil)
	res, err := r.Page(&inventory.CrawledPage{URL: "https://example.com/", HTML: []byte(page)})
	require.NoError(t, err)
	out := string(res.HTML)
	assert.NotContains(t, out, "a comment", "comments removed by default")
	assert.NotContains(t, out, "  spaced", "whitespace collapsed by default")
	assert.Contains(t, out, `class="x"`, "attribute quotes kept by default")
	assert.Contains(t, out, "<div>", "empty elements kept by default")

	r = testRewriter(t, Config{}, map[string]any{
		"html": map[string]any{"removeComments": false, "removeEmptyElements": true},
	})
	res, err = r.Page(&inventory.CrawledPage{URL: "https://example.com/", HTML: []byte(page)})
	require.NoError(t, err)
	out = string(res.HTML)
	assert.Contains(t, out, "a comment")
	assert.NotContains(t, out, "<div>", "attribute-less empty div dropped")
	assert.NotEmpty(t, res.Warnings, "aggressive toggles warn")
}

func TestStepFailureIsIsolated(t *testing.T) {
	r := testRewriter(t, Config{}, map[string]any{
		"images": map[string]any{"lcpMode": "manual", "lcpSelector": "::not-a-selector"},
	})
	res, err := r.Page(&inventory.CrawledPage{
		URL:  "https://example.com/",
		HTML: []byte(`<html><body><img src="/a.jpg"><!-- note --></body></html>`),
	})
	require.NoError(t, err, "a panicking step never fails the page")
	assert.NotEmpty(t, res.Warnings)
	assert.NotContains(t, string(res.HTML), "note", "later steps still ran")
}
