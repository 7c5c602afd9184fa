package crawl

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gobwas/glob"
	"github.com/gocolly/colly/v2"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// seedFetchTimeout bounds each non-rendered discovery request (sitemap,
// link-graph pages).
const seedFetchTimeout = 15 * time.Second

// DiscoverSeeds resolves the ordered list of page URLs to capture. When the
// scope is "custom" the explicit URL list wins and pageSelection is ignored;
// otherwise pageSelection picks sitemap parsing, an explicit url_list, or
// glob-pattern expansion over the homepage link graph. Exclusion globs apply
// to every mode and match against the URL path, with * crossing slashes.
func DiscoverSeeds(ctx context.Context, opts Options, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, pferrors.ValidationFailed("origin", fmt.Sprintf("not an absolute http(s) URL: %q", opts.Origin))
	}

	excludes, err := compileGlobs(opts.ExcludePatterns)
	if err != nil {
		return nil, pferrors.ValidationFailed("build.excludePatterns", err.Error())
	}

	var raw []string
	switch {
	case opts.Scope == "custom":
		if len(opts.CustomURLs) == 0 {
			return nil, pferrors.ValidationFailed("build.customUrls", "scope is custom but no custom URLs are set")
		}
		raw = opts.CustomURLs
	case opts.PageSelection == "url_list":
		if len(opts.URLList) == 0 {
			return nil, pferrors.ValidationFailed("build.urlList", "pageSelection is url_list but the list is empty")
		}
		raw = opts.URLList
	case opts.PageSelection == "pattern":
		raw, err = expandPattern(ctx, origin, opts, logger)
		if err != nil {
			return nil, err
		}
	default: // sitemap
		raw = sitemapSeeds(ctx, origin, opts, logger)
		if len(raw) == 0 {
			logger.Warn("sitemap yielded no pages, falling back to the homepage",
				logfields.URL(origin.String()))
			raw = []string{origin.String()}
		}
	}

	seeds := make([]string, 0, len(raw))
	seen := map[string]bool{}
	for _, entry := range raw {
		u, ok := normalizeSeed(origin, entry)
		if !ok {
			logger.Warn("skipping seed outside the site origin", logfields.URL(entry))
			continue
		}
		if matchAny(excludes, u.Path) {
			logger.Debug("seed excluded by pattern", logfields.URL(u.String()))
			continue
		}
		s := u.String()
		if seen[s] {
			continue
		}
		seen[s] = true
		seeds = append(seeds, s)
		if len(seeds) >= opts.maxPages() {
			break
		}
	}
	if len(seeds) == 0 {
		return nil, pferrors.CrawlError(opts.Origin, errNoSeeds)
	}
	return seeds, nil
}

// sitemapSeeds fetches and parses /sitemap.xml, following nested sitemap
// indexes. Failures degrade to an empty list; the caller falls back to the
// homepage.
func sitemapSeeds(ctx context.Context, origin *url.URL, opts Options, logger *slog.Logger) []string {
	c := newCollector(ctx, origin, opts, 3) // tolerates one level of nested indexes

	var mu sync.Mutex
	var pages []string
	c.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" {
			return
		}
		mu.Lock()
		pages = append(pages, loc)
		mu.Unlock()
	})
	c.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if loc == "" {
			return
		}
		if err := e.Request.Visit(loc); err != nil {
			logger.Debug("nested sitemap fetch failed", logfields.URL(loc), logfields.Error(err))
		}
	})

	sitemapURL := origin.ResolveReference(&url.URL{Path: "/sitemap.xml"}).String()
	if err := c.Visit(sitemapURL); err != nil {
		logger.Warn("sitemap fetch failed", logfields.URL(sitemapURL), logfields.Error(err))
		return nil
	}
	return pages
}

// expandPattern walks the homepage link graph two hops deep and keeps URLs
// whose path matches build.pagePattern.
func expandPattern(ctx context.Context, origin *url.URL, opts Options, logger *slog.Logger) ([]string, error) {
	pattern := opts.PagePattern
	if pattern == "" {
		pattern = "/*"
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, pferrors.ValidationFailed("build.pagePattern", err.Error())
	}

	c := newCollector(ctx, origin, opts, 3) // homepage plus two hops

	var mu sync.Mutex
	var ordered []string
	seen := map[string]bool{}
	record := func(u *url.URL) {
		if !g.Match(u.Path) {
			return
		}
		s := u.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[s] {
			return
		}
		seen[s] = true
		ordered = append(ordered, s)
	}

	home := *origin
	if home.Path == "" {
		home.Path = "/"
	}
	record(&home)

	c.OnHTML("a[href]", func(e *colly.HTMLElement) {
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" {
			return
		}
		u, err := url.Parse(link)
		if err != nil || u.Host != origin.Host {
			return
		}
		u.Fragment = ""
		record(u)
		// depth and revisit limits surface as errors here, not worth logging
		_ = e.Request.Visit(u.String())
	})

	if err := c.Visit(origin.String()); err != nil {
		return nil, pferrors.CrawlError(origin.String(), err)
	}
	if len(ordered) == 0 {
		logger.Warn("pattern matched no pages, falling back to the homepage",
			slog.String("pattern", pattern))
		ordered = []string{home.String()}
	}
	return ordered, nil
}

// newCollector builds a synchronous colly collector pinned to the origin
// host. colly enforces robots.txt on the discovery fetches itself.
func newCollector(ctx context.Context, origin *url.URL, opts Options, maxDepth int) *colly.Collector {
	collectorOpts := []colly.CollectorOption{
		colly.AllowedDomains(origin.Hostname(), origin.Host),
		colly.MaxDepth(maxDepth),
		colly.StdlibContext(ctx),
	}
	if opts.UserAgent != "" {
		collectorOpts = append(collectorOpts, colly.UserAgent(opts.UserAgent))
	}
	c := colly.NewCollector(collectorOpts...)
	c.SetRequestTimeout(seedFetchTimeout)
	return c
}

// normalizeSeed resolves an entry against the origin and verifies it stays
// on the origin host. Fragments are stripped, queries kept.
func normalizeSeed(origin *url.URL, entry string) (*url.URL, bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return nil, false
	}
	ref, err := url.Parse(entry)
	if err != nil {
		return nil, false
	}
	u := origin.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if u.Host != origin.Host {
		return nil, false
	}
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u, true
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	var out []glob.Glob
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

func matchAny(globs []glob.Glob, path string) bool {
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
