package verify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

const probeUserAgent = "PageForge-Verifier/1.0"

// skippedSchemes are href prefixes that never resolve to a probeable URL.
var skippedSchemes = []string{"#", "mailto:", "tel:", "javascript:", "data:"}

// OutboundLinks extracts the deduplicated cross-origin anchor targets from
// the crawled pages. Same-origin links are served by the optimized copy
// itself and already covered by the write phase, so only external targets
// are probed.
func OutboundLinks(inv *inventory.SiteInventory) []string {
	origin, err := url.Parse(inv.Origin)
	if err != nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, pg := range inv.Pages {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pg.HTML))
		if err != nil {
			continue
		}
		base := *origin
		base.Path = pg.Path
		doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
			href := strings.TrimSpace(sel.AttrOr("href", ""))
			if href == "" || hasSkippedScheme(href) {
				return
			}
			ref, err := url.Parse(href)
			if err != nil {
				return
			}
			abs := base.ResolveReference(ref)
			if abs.Scheme != "http" && abs.Scheme != "https" {
				return
			}
			if abs.Host == origin.Host {
				return
			}
			abs.Fragment = ""
			seen[abs.String()] = struct{}{}
		})
	}
	links := make([]string, 0, len(seen))
	for u := range seen {
		links = append(links, u)
	}
	sort.Strings(links)
	return links
}

func hasSkippedScheme(href string) bool {
	for _, p := range skippedSchemes {
		if strings.HasPrefix(href, p) {
			return true
		}
	}
	return false
}

// LinkCache is the shared probe result store consulted before hitting the
// network. Implementations apply their TTL on read, so Get only returns
// entries that are still fresh.
type LinkCache interface {
	Get(ctx context.Context, url string) (*CacheEntry, bool)
	Put(ctx context.Context, entry *CacheEntry)
}

// LinkProber checks outbound link reachability with bounded concurrency. A
// nil cache means every link is probed directly.
type LinkProber struct {
	client *http.Client
	cache  LinkCache
	sem    chan struct{}
	log    *slog.Logger
}

// NewLinkProber wires a prober. Nil client gets a 10s-timeout default,
// non-positive concurrency falls back to 10.
func NewLinkProber(client *http.Client, cache LinkCache, concurrency int, logger *slog.Logger) *LinkProber {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if concurrency <= 0 {
		concurrency = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkProber{
		client: client,
		cache:  cache,
		sem:    make(chan struct{}, concurrency),
		log:    logger,
	}
}

// Probe checks every URL and returns one result per input, in input order.
func (p *LinkProber) Probe(ctx context.Context, urls []string) []LinkResult {
	results := make([]LinkResult, len(urls))
	var wg sync.WaitGroup
	for i, u := range urls {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = LinkResult{URL: u, Detail: ctx.Err().Error()}
			continue
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			defer func() { <-p.sem }()
			results[i] = p.probeOne(ctx, u)
		}(i, u)
	}
	wg.Wait()
	return results
}

func (p *LinkProber) probeOne(ctx context.Context, link string) LinkResult {
	if p.cache != nil {
		if e, ok := p.cache.Get(ctx, link); ok {
			return LinkResult{URL: link, Status: e.Status, OK: e.OK, Cached: true, Detail: e.Error}
		}
	}

	status, err := p.check(ctx, link)
	res := LinkResult{URL: link, Status: status, OK: err == nil}
	if err != nil {
		res.Detail = err.Error()
		p.log.Debug("broken outbound link", logfields.URL(link), logfields.Status(status), logfields.Error(err))
	}

	if p.cache != nil {
		p.cache.Put(ctx, &CacheEntry{
			URL:         link,
			Status:      status,
			OK:          res.OK,
			Error:       res.Detail,
			LastChecked: time.Now(),
		})
	}
	return res
}

// check probes one link: HEAD first, with a GET retry when the transport
// fails or the server rejects HEAD. The client follows redirects, so a chain
// ending on an error page surfaces as its final status.
func (p *LinkProber) check(ctx context.Context, link string) (int, error) {
	status, err := p.request(ctx, http.MethodHead, link)
	if err == nil && status < 400 {
		return status, nil
	}
	if isAuthStatus(status) {
		return status, nil
	}

	status, err = p.request(ctx, http.MethodGet, link)
	if err != nil {
		return status, err
	}
	if isAuthStatus(status) {
		return status, nil
	}
	if status >= 400 {
		return status, fmt.Errorf("HTTP %d", status)
	}
	return status, nil
}

func (p *LinkProber) request(ctx context.Context, method, link string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", probeUserAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// isAuthStatus reports the status codes meaning the URL exists but wants
// credentials, which the reachability gate counts as reachable.
func isAuthStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusMethodNotAllowed:
		return true
	}
	return false
}
