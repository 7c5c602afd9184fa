// Package crawl captures a rendered snapshot of a site: seed discovery over
// sitemap/url-list/pattern selection, headless page capture with coverage and
// interaction probes, and bounded-parallel asset download. The output is a
// SiteInventory the optimization pipeline consumes.
package crawl

import (
	"context"
	"errors"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"git.home.luguber.info/inful/pageforge/internal/browser"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/retry"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

var (
	errNoSeeds = errors.New("no pages left to crawl after exclusions")
	errNoPages = errors.New("no pages could be captured")
)

// Options carries the crawl-relevant slice of the effective settings tree
// plus run-scoped paths. Zero values fall back to the schema defaults.
type Options struct {
	Origin    string
	WorkDir   string
	UserAgent string

	Scope         string // full|custom
	CustomURLs    []string
	PageSelection string // sitemap|url_list|pattern
	URLList       []string
	PagePattern   string

	MaxPages           int
	MaxConcurrent      int
	CrawlWait          time.Duration
	PageLoadTimeout    time.Duration
	NetworkIdleTimeout time.Duration
	ExcludePatterns    []string

	RetryPolicy retry.Policy
}

// OptionsFromSettings extracts crawl options from an effective settings tree.
func OptionsFromSettings(effective map[string]any, origin, workDir string) Options {
	backoff := time.Duration(settings.Int(effective, 1000, "build", "retryBackoffMs")) * time.Millisecond
	return Options{
		Origin:             origin,
		WorkDir:            workDir,
		Scope:              settings.String(effective, "full", "build", "scope"),
		CustomURLs:         settings.Strings(effective, "build", "customUrls"),
		PageSelection:      settings.String(effective, "sitemap", "build", "pageSelection"),
		URLList:            settings.Strings(effective, "build", "urlList"),
		PagePattern:        settings.String(effective, "/*", "build", "pagePattern"),
		MaxPages:           settings.Int(effective, 25, "build", "maxPages"),
		MaxConcurrent:      settings.Int(effective, 4, "build", "maxConcurrentPages"),
		CrawlWait:          time.Duration(settings.Int(effective, 1500, "build", "crawlWaitMs")) * time.Millisecond,
		PageLoadTimeout:    time.Duration(settings.Int(effective, 30000, "build", "pageLoadTimeoutMs")) * time.Millisecond,
		NetworkIdleTimeout: time.Duration(settings.Int(effective, 10000, "build", "networkIdleTimeoutMs")) * time.Millisecond,
		ExcludePatterns:    settings.Strings(effective, "build", "excludePatterns"),
		RetryPolicy:        retry.NewPolicy(retry.BackoffLinear, backoff, 0, settings.Int(effective, 2, "build", "maxRetries")),
	}
}

func (o Options) maxPages() int {
	if o.MaxPages <= 0 {
		return 25
	}
	return o.MaxPages
}

func (o Options) maxConcurrent() int {
	if o.MaxConcurrent <= 0 {
		return 4
	}
	return o.MaxConcurrent
}

// Crawler drives the headless browser over the discovered seeds and builds
// the site inventory.
type Crawler struct {
	browser *browser.Manager
	logger  *slog.Logger
	rec     metrics.Recorder
}

func New(mgr *browser.Manager, logger *slog.Logger, rec metrics.Recorder) *Crawler {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Crawler{browser: mgr, logger: logger, rec: rec}
}

// Crawl discovers seeds, captures each page and downloads the referenced
// assets into workDir. Individual page failures are logged and the page
// dropped; the crawl fails only when nothing could be captured at all.
func (c *Crawler) Crawl(ctx context.Context, opts Options) (*inventory.SiteInventory, error) {
	seeds, err := DiscoverSeeds(ctx, opts, c.logger)
	if err != nil {
		return nil, err
	}

	robots := fetchRobots(ctx, nil, opts.Origin, opts.UserAgent)
	seeds = filterRobots(seeds, robots, c.logger)
	if len(seeds) == 0 {
		return nil, pferrors.CrawlError(opts.Origin, errNoSeeds)
	}

	if err := c.browser.Start(ctx); err != nil {
		return nil, err
	}

	captures := make([]*captureResult, len(seeds))
	sem := make(chan struct{}, opts.maxConcurrent())
	var wg sync.WaitGroup
	for i, seed := range seeds {
		wg.Add(1)
		go func(idx int, pageURL string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			cr, cerr := c.capturePage(ctx, opts, pageURL, idx)
			if cerr != nil {
				c.logger.Warn("page capture failed, dropping page",
					logfields.URL(pageURL), logfields.Error(cerr))
				return
			}
			captures[idx] = cr
		}(i, seed)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	inv := c.assemble(opts, captures)
	if len(inv.Pages) == 0 {
		return nil, pferrors.CrawlError(opts.Origin, errNoPages)
	}
	c.rec.AddPagesCrawled(len(inv.Pages))
	c.logger.Info("crawl captured pages",
		slog.Int("pages", len(inv.Pages)), slog.Int("assets", len(inv.Assets)))

	dl := &Downloader{
		Logger:    c.logger,
		Policy:    opts.RetryPolicy,
		Workers:   opts.maxConcurrent(),
		UserAgent: opts.UserAgent,
		Robots:    robots,
	}
	if err := dl.FetchAll(ctx, inv, opts.WorkDir); err != nil {
		return nil, err
	}
	return inv, nil
}

// captureResult pairs a captured page with page-level signals that roll up
// to the site inventory.
type captureResult struct {
	page      *inventory.CrawledPage
	hasJQuery bool
}

// assemble orders captures by discovery position, drops content-hash
// duplicates, caps the page count and builds the site asset map.
func (c *Crawler) assemble(opts Options, captures []*captureResult) *inventory.SiteInventory {
	inv := &inventory.SiteInventory{
		Origin:     opts.Origin,
		Assets:     map[string]*inventory.Asset{},
		CapturedAt: time.Now().UTC(),
	}
	seen := map[string]bool{}
	jquery := map[string]bool{}
	for _, cr := range captures {
		if cr == nil {
			continue
		}
		p := cr.page
		if seen[p.ContentHash] {
			c.logger.Debug("dropping duplicate page", logfields.URL(p.URL))
			continue
		}
		if len(inv.Pages) >= opts.maxPages() {
			break
		}
		seen[p.ContentHash] = true
		inv.UsesJQuery = inv.UsesJQuery || cr.hasJQuery
		for _, raw := range p.AssetURLs {
			if _, ok := inv.Assets[raw]; ok {
				continue
			}
			inv.Assets[raw] = &inventory.Asset{URL: raw, Class: inventory.Classify(raw)}
			if name, ok := jqueryScriptName(raw); ok {
				jquery[name] = true
			}
		}
		inv.Pages = append(inv.Pages, *p)
	}
	for name := range jquery {
		inv.JQueryScripts = append(inv.JQueryScripts, name)
	}
	sort.Strings(inv.JQueryScripts)
	if len(inv.JQueryScripts) > 0 {
		inv.UsesJQuery = true
	}
	return inv
}

// normalizeAssetURLs resolves raw references against the page URL, drops
// non-http(s) schemes and dedupes while keeping discovery order.
func normalizeAssetURLs(pageURL string, raws []string) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, raw := range raws {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "data:") || strings.HasPrefix(raw, "blob:") ||
			strings.HasPrefix(raw, "javascript:") || strings.HasPrefix(raw, "about:") {
			continue
		}
		ref, err := url.Parse(raw)
		if err != nil {
			continue
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			continue
		}
		abs.Fragment = ""
		s := abs.String()
		if s == pageURL || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var jqueryNameRe = regexp.MustCompile(`(?i)^jquery([.-][^/]*)?\.m?js$`)

// jqueryScriptName reports the basename of a script URL when the name marks
// it as jQuery core or a jQuery-namespaced plugin.
func jqueryScriptName(rawURL string) (string, bool) {
	p := rawURL
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	base := path.Base(p)
	if jqueryNameRe.MatchString(base) {
		return base, true
	}
	return "", false
}

// pagePath returns the URL path of a page, "/" for the root.
func pagePath(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
