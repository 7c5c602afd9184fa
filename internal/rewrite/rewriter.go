// Package rewrite transforms captured page HTML into its optimized form:
// renamed asset references, CMS bloat removal, third-party script handling,
// embed facades, responsive images, font self-hosting, script loading
// strategy, critical CSS, sprite dedup, resource hints, CLS fixes and final
// minification. Steps run in a fixed order; a failing step is skipped for
// the current page, never fatal.
package rewrite

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// BreakpointVariant is one responsive sibling of an image.
type BreakpointVariant struct {
	Width int
	Path  string // root-relative site path
}

// ImagePlan tells the rewriter what the image phase produced for one raster
// asset. All paths are root-relative.
type ImagePlan struct {
	Src         string // replacement src; empty keeps the original reference
	WebP        string // full-size webp, empty when not emitted
	AVIF        string
	Breakpoints []BreakpointVariant // ascending widths
	Width       int                 // intrinsic source dimensions
	Height      int
}

// Config wires one Rewriter for one build.
type Config struct {
	Logger   *slog.Logger
	Origin   string         // scheme://host of the crawled site
	Settings map[string]any // effective settings tree

	// Rename maps keyed by absolute asset URL. JS values may be the
	// removal sentinel.
	CSSRenames map[string]string
	JSRenames  map[string]string
	Images     map[string]*ImagePlan

	// Transformed stylesheet bytes keyed by new root-relative path, for
	// critical CSS extraction.
	CSSContent map[string][]byte

	// Google Fonts stylesheets localized by the font phase: absolute CSS
	// URL -> local root-relative path, plus the preload candidates.
	FontCSS      map[string]string
	FontPreloads []string

	// Dimensions resolves the intrinsic size of a non-planned image
	// reference, normally by decoding the downloaded file header.
	Dimensions func(absURL string) (w, h int, ok bool)

	// ScreenshotFor returns a root-relative poster path for a page, used
	// when a video platform offers no thumbnail URL. Empty disables the
	// poster image.
	ScreenshotFor func(pageURL string) string
}

// Rewriter applies the per-page step sequence. One instance serves a whole
// build; Page is safe to call from a single goroutine at a time.
type Rewriter struct {
	log    *slog.Logger
	cfg    Config
	opts   options
	origin *url.URL
	steps  []step
}

// Result is the outcome for one page.
type Result struct {
	HTML           []byte
	FacadesApplied int
	ScriptsRemoved int
	Warnings       []string
}

type step struct {
	name string
	fn   func(*pageState) error
}

type pageState struct {
	page    *inventory.CrawledPage
	pageURL *url.URL
	doc     *goquery.Document
	out     []byte // set by the final minify step

	lcp          map[*html.Node]bool
	lcpPreloads  []string
	facades      int
	scriptsGone  int
	warnings     []string
	facadeScript bool
}

type options struct {
	removeGeneratorMeta bool
	removeRsdLink       bool
	removeWlwManifest   bool
	removeShortlink     bool
	removeOembedLinks   bool
	removeEmojiScripts  bool
	removePingback      bool

	thirdPartyAction string
	facadesEnabled   bool
	platformEnabled  map[string]bool
	privacyEnhanced  bool
	posterQuality    string
	mapsFacade       bool

	collapseWhitespace    bool
	removeComments        bool
	removeAttributeQuotes bool
	removeOptionalTags    bool
	removeEmptyElements   bool

	clsIframe      bool
	clsAdMinHeight bool
	clsCookieFixed bool
	clsContainment bool

	resourceHints  bool
	svgSpriteDedup bool

	moveToBodyEnd   bool
	loadingStrategy string
	deferExceptions []string
	removeJquery    bool
	removePatterns  []string

	critical bool

	lazyLoad      bool
	convertWebP   bool
	convertAVIF   bool
	lcpMode       string
	lcpSelector   string
	lcpCandidates int
	maxWidth      int

	selfHostFonts bool
	fontDisplay   string
}

func optionsFrom(s map[string]any) options {
	platforms := map[string]bool{}
	for _, p := range []string{"youtube", "vimeo", "wistia", "loom", "bunny", "mux",
		"dailymotion", "streamable", "twitch", "directVideo"} {
		platforms[p] = settings.Bool(s, true, "html", "videoFacades", p)
	}
	return options{
		removeGeneratorMeta: settings.Bool(s, true, "html", "removeGeneratorMeta"),
		removeRsdLink:       settings.Bool(s, true, "html", "removeRsdLink"),
		removeWlwManifest:   settings.Bool(s, true, "html", "removeWlwManifest"),
		removeShortlink:     settings.Bool(s, true, "html", "removeShortlink"),
		removeOembedLinks:   settings.Bool(s, true, "html", "removeOembedLinks"),
		removeEmojiScripts:  settings.Bool(s, true, "html", "removeEmojiScripts"),
		removePingback:      settings.Bool(s, true, "html", "removePingback"),

		thirdPartyAction: settings.String(s, "defer", "html", "thirdPartyScriptAction"),
		facadesEnabled:   settings.Bool(s, true, "html", "videoFacades", "enabled"),
		platformEnabled:  platforms,
		privacyEnhanced:  settings.Bool(s, true, "html", "videoFacades", "privacyEnhanced"),
		posterQuality:    settings.String(s, "hq", "html", "videoFacades", "posterQuality"),
		mapsFacade:       settings.Bool(s, false, "html", "mapsFacade"),

		collapseWhitespace:    settings.Bool(s, true, "html", "collapseWhitespace"),
		removeComments:        settings.Bool(s, true, "html", "removeComments"),
		removeAttributeQuotes: settings.Bool(s, false, "html", "removeAttributeQuotes"),
		removeOptionalTags:    settings.Bool(s, false, "html", "removeOptionalTags"),
		removeEmptyElements:   settings.Bool(s, false, "html", "removeEmptyElements"),

		clsIframe:      settings.Bool(s, true, "html", "clsFixes", "iframeAspectRatio"),
		clsAdMinHeight: settings.Bool(s, true, "html", "clsFixes", "adMinHeight"),
		clsCookieFixed: settings.Bool(s, true, "html", "clsFixes", "cookieBannerFixed"),
		clsContainment: settings.Bool(s, false, "html", "clsFixes", "containment"),

		resourceHints:  settings.Bool(s, true, "html", "resourceHints"),
		svgSpriteDedup: settings.Bool(s, true, "html", "svgSpriteDedup"),

		moveToBodyEnd:   settings.Bool(s, false, "js", "moveToBodyEnd"),
		loadingStrategy: settings.String(s, "defer", "js", "defaultLoadingStrategy"),
		deferExceptions: settings.Strings(s, "js", "deferExceptions"),
		removeJquery:    settings.Bool(s, false, "js", "removeJquery"),
		removePatterns:  settings.Strings(s, "js", "removePatterns"),

		critical: settings.Bool(s, false, "css", "critical"),

		lazyLoad:      settings.Bool(s, true, "images", "lazyLoad"),
		convertWebP:   settings.Bool(s, true, "images", "convertToWebp"),
		convertAVIF:   settings.Bool(s, false, "images", "convertToAvif"),
		lcpMode:       settings.String(s, "auto", "images", "lcpMode"),
		lcpSelector:   settings.String(s, "", "images", "lcpSelector"),
		lcpCandidates: settings.Int(s, 3, "images", "lcpCandidateCount"),
		maxWidth:      settings.Int(s, 1920, "images", "maxWidth"),

		selfHostFonts: settings.Bool(s, true, "fonts", "selfHostGoogleFonts"),
		fontDisplay:   settings.String(s, "swap", "fonts", "fontDisplay"),
	}
}

// New builds a Rewriter for one build run.
func New(cfg Config) (*Rewriter, error) {
	origin, err := url.Parse(cfg.Origin)
	if err != nil || origin.Host == "" {
		return nil, fmt.Errorf("rewrite: bad origin %q", cfg.Origin)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	r := &Rewriter{log: log, cfg: cfg, opts: optionsFrom(cfg.Settings), origin: origin}
	r.steps = []step{
		{"references", r.stepReferences},
		{"cms-bloat", r.stepBloat},
		{"third-party-scripts", r.stepThirdParty},
		{"video-facades", r.stepVideoFacades},
		{"widget-facades", r.stepWidgetFacades},
		{"image-tags", r.stepImageTags},
		{"image-dimensions", r.stepImageDimensions},
		{"fonts", r.stepFonts},
		{"move-scripts", r.stepMoveScripts},
		{"defer-scripts", r.stepDeferScripts},
		{"critical-css", r.stepCriticalCSS},
		{"svg-sprites", r.stepSVGSprites},
		{"resource-hints", r.stepResourceHints},
		{"cls-fixes", r.stepCLSFixes},
		{"minify", r.stepMinify},
	}
	return r, nil
}

// Page runs the full step sequence over one captured page.
func (r *Rewriter) Page(page *inventory.CrawledPage) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.HTML))
	if err != nil {
		return Result{}, fmt.Errorf("parse %s: %w", page.URL, err)
	}
	pageURL, err := url.Parse(page.URL)
	if err != nil {
		return Result{}, fmt.Errorf("page url %s: %w", page.URL, err)
	}

	ps := &pageState{page: page, pageURL: pageURL, doc: doc, lcp: map[*html.Node]bool{}}
	for _, st := range r.steps {
		r.runStep(ps, st)
	}

	out := ps.out
	if out == nil {
		rendered, err := doc.Html()
		if err != nil {
			return Result{}, fmt.Errorf("render %s: %w", page.URL, err)
		}
		out = []byte(rendered)
	}
	return Result{
		HTML:           out,
		FacadesApplied: ps.facades,
		ScriptsRemoved: ps.scriptsGone,
		Warnings:       ps.warnings,
	}, nil
}

// runStep isolates one step: a panic or error logs a warning and skips the
// step for this page only.
func (r *Rewriter) runStep(ps *pageState, st step) {
	defer func() {
		if rec := recover(); rec != nil {
			msg := fmt.Sprintf("step %s panicked: %v", st.name, rec)
			ps.warnings = append(ps.warnings, msg)
			r.log.Warn("rewrite step panicked",
				logfields.Page(ps.page.URL), logfields.Step(st.name), slog.Any("panic", rec))
		}
	}()
	if err := st.fn(ps); err != nil {
		ps.warnings = append(ps.warnings, fmt.Sprintf("step %s: %v", st.name, err))
		r.log.Warn("rewrite step failed",
			logfields.Page(ps.page.URL), logfields.Step(st.name), logfields.Error(err))
	}
}

// absoluteURL resolves a reference as the browser would, against the page
// URL, and strips the fragment. Empty, javascript:, mailto:, data: and
// malformed references return "".
func (ps *pageState) absoluteURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(ref, "data:"),
		strings.HasPrefix(ref, "javascript:"),
		strings.HasPrefix(ref, "mailto:"),
		strings.HasPrefix(ref, "tel:"),
		strings.HasPrefix(ref, "#"):
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	abs := ps.pageURL.ResolveReference(u)
	abs.Fragment = ""
	return abs.String()
}

// sameOrigin reports whether an absolute URL belongs to the crawled site.
func (r *Rewriter) sameOrigin(abs string) bool {
	u, err := url.Parse(abs)
	if err != nil {
		return false
	}
	return u.Host == r.origin.Host
}

// each iterates a selection with the underlying node available.
func each(sel *goquery.Selection, fn func(*goquery.Selection)) {
	sel.Each(func(_ int, s *goquery.Selection) { fn(s) })
}
