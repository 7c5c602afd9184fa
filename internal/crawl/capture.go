package crawl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/retry"
)

// capturePage renders one seed in a fresh incognito tab and extracts the
// page snapshot. Navigation timeouts are retried per the crawl policy; any
// other failure drops the page after a single attempt. The DOM-mutating
// interaction probes run last so the HTML and screenshot stay pristine.
func (c *Crawler) capturePage(ctx context.Context, opts Options, pageURL string, idx int) (*captureResult, error) {
	var result *captureResult
	attempt := func() error {
		pg, err := c.browser.NewPage(ctx)
		if err != nil {
			return err
		}
		defer pg.Close()
		pg.SetTimeouts(opts.PageLoadTimeout, opts.NetworkIdleTimeout)

		if err := pg.Navigate(ctx, pageURL); err != nil {
			return pferrors.NavigationTimeout(pageURL, err)
		}
		pg.Settle(ctx, opts.CrawlWait)

		html, err := pg.HTML(ctx)
		if err != nil {
			return fmt.Errorf("capture html: %w", err)
		}
		title, err := pg.Title(ctx)
		if err != nil {
			title = ""
		}

		page := &inventory.CrawledPage{
			URL:         pageURL,
			Path:        pagePath(pageURL),
			HTML:        []byte(html),
			Title:       title,
			ContentHash: inventory.HashBytes([]byte(html)),
		}

		var rawAssets []string
		if err := c.eval(ctx, pg, assetURLsJS, &rawAssets); err != nil {
			c.logger.Warn("asset discovery failed", logfields.URL(pageURL), logfields.Error(err))
		}
		page.AssetURLs = normalizeAssetURLs(pageURL, rawAssets)

		var coverage []coverageEntry
		if err := c.eval(ctx, pg, coverageJS, &coverage); err != nil {
			c.logger.Warn("coverage collection failed", logfields.URL(pageURL), logfields.Error(err))
		}
		page.Coverage = convertCoverage(pageURL, coverage)

		page.ScreenshotPath = c.screenshot(ctx, pg, opts.WorkDir, idx, page.Path)

		hasJQuery := false
		if err := c.eval(ctx, pg, jqueryJS, &hasJQuery); err != nil {
			hasJQuery = false
		}

		var probes probeOutcome
		if err := c.eval(ctx, pg, probeJS, &probes); err != nil {
			c.logger.Warn("interaction probing failed", logfields.URL(pageURL), logfields.Error(err))
		}
		page.Interactive = probes.Elements
		page.Behaviors = probes.Behaviors

		result = &captureResult{page: page, hasJQuery: hasJQuery}
		return nil
	}
	if err := retry.Do(ctx, opts.RetryPolicy, attempt); err != nil {
		return nil, err
	}
	return result, nil
}

type pageEvaler interface {
	Eval(ctx context.Context, js string, args ...any) (json.RawMessage, error)
}

func (c *Crawler) eval(ctx context.Context, pg pageEvaler, js string, out any) error {
	raw, err := pg.Eval(ctx, js)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type pageScreenshotter interface {
	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
}

// screenshot stores the pristine full-page render under workDir/screenshots
// and returns the workDir-relative path, empty when capture failed.
func (c *Crawler) screenshot(ctx context.Context, pg pageScreenshotter, workDir string, idx int, pagePath string) string {
	png, err := pg.Screenshot(ctx, true)
	if err != nil {
		c.logger.Warn("screenshot failed", logfields.Page(pagePath), logfields.Error(err))
		return ""
	}
	rel := filepath.Join("screenshots", fmt.Sprintf("page-%03d-%s.png", idx, pageSlug(pagePath)))
	abs := filepath.Join(workDir, rel)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		c.logger.Warn("screenshot dir failed", logfields.Error(err))
		return ""
	}
	if err := os.WriteFile(abs, png, 0o644); err != nil {
		c.logger.Warn("screenshot write failed", logfields.Path(abs), logfields.Error(err))
		return ""
	}
	return filepath.ToSlash(rel)
}

// pageSlug derives a filename-safe slug from a URL path. The root becomes
// "home".
func pageSlug(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return "home"
	}
	var b strings.Builder
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > 60 {
		slug = slug[:60]
	}
	if slug == "" {
		return "page"
	}
	return slug
}

type coverageEntry struct {
	URL   string   `json:"url"`
	Used  []string `json:"used"`
	Above []string `json:"above"`
}

// convertCoverage resolves stylesheet URLs and keeps entries for every
// same-document stylesheet, including ones with zero matched selectors;
// an empty used list is exactly what the CSS purge wants to know.
func convertCoverage(pageURL string, entries []coverageEntry) []inventory.StylesheetCoverage {
	var out []inventory.StylesheetCoverage
	for _, e := range entries {
		urls := normalizeAssetURLs(pageURL, []string{e.URL})
		resolved := e.URL
		if len(urls) == 1 {
			resolved = urls[0]
		}
		out = append(out, inventory.StylesheetCoverage{
			StylesheetURL:      resolved,
			UsedSelectors:      e.Used,
			AboveFoldSelectors: e.Above,
		})
	}
	return out
}

type probeOutcome struct {
	Elements  []inventory.InteractiveElement `json:"elements"`
	Behaviors []inventory.Behavior           `json:"behaviors"`
}

// assetURLsJS enumerates every asset reference in the rendered DOM: images
// with srcset variants, stylesheets, preloads, icons, scripts, media posters
// and inline-style backgrounds.
const assetURLsJS = `() => {
	const out = [];
	const push = (u) => { if (u) out.push(u); };
	const pushSrcset = (v) => {
		for (const part of (v || '').split(',')) {
			push(part.trim().split(/\s+/)[0]);
		}
	};
	for (const img of document.querySelectorAll('img')) {
		push(img.currentSrc || img.getAttribute('src'));
		pushSrcset(img.getAttribute('srcset'));
	}
	for (const s of document.querySelectorAll('source')) {
		push(s.getAttribute('src'));
		pushSrcset(s.getAttribute('srcset'));
	}
	for (const l of document.querySelectorAll('link[rel="stylesheet"][href], link[rel="preload"][href], link[rel="icon"][href], link[rel="shortcut icon"][href], link[rel="apple-touch-icon"][href]')) {
		push(l.href);
	}
	for (const s of document.querySelectorAll('script[src]')) push(s.src);
	for (const v of document.querySelectorAll('video[poster]')) push(v.getAttribute('poster'));
	for (const el of document.querySelectorAll('[style*="url("]')) {
		const m = (el.getAttribute('style') || '').match(/url\(['"]?([^'")]+)['"]?\)/);
		if (m) push(m[1]);
	}
	return out;
}`

// coverageJS walks every same-origin stylesheet and records which selectors
// match the rendered document, and which of those match an element
// intersecting the viewport. Selectors that only match with their
// pseudo-class stripped (:hover and friends) count as used so interaction
// styling survives a purge.
const coverageJS = `() => {
	const sheets = [];
	const vh = window.innerHeight || 900;
	const stripPseudo = (sel) => sel.replace(/::?[a-zA-Z-]+(\([^)]*\))?/g, '').trim();
	for (const sheet of Array.from(document.styleSheets)) {
		let rules = null;
		try { rules = sheet.cssRules; } catch (e) { continue; }
		if (!rules) continue;
		const used = new Set();
		const above = new Set();
		for (const rule of Array.from(rules)) {
			if (!rule.selectorText) continue;
			for (const raw of rule.selectorText.split(',')) {
				const sel = raw.trim();
				if (!sel || used.has(sel)) continue;
				let el = null;
				try { el = document.querySelector(sel); } catch (e) { /* unsupported selector */ }
				if (!el) {
					const bare = stripPseudo(sel);
					if (bare && bare !== sel) {
						try { el = document.querySelector(bare); } catch (e) { /* ignore */ }
					}
				}
				if (!el) continue;
				used.add(sel);
				const r = el.getBoundingClientRect();
				if (r.top < vh && r.bottom > 0) above.add(sel);
			}
		}
		sheets.push({ url: sheet.href || '', used: Array.from(used), above: Array.from(above) });
	}
	return sheets;
}`

const jqueryJS = `() => typeof window.jQuery === 'function' || typeof window.$ === 'function'`

// probeJS catalogs interactive elements and records replayable click
// behaviors. Each probed element is clicked once; the observed effect
// (class added on the element or body, aria-expanded flip, or nothing)
// becomes the assertion a later verification replays. Probing is capped and
// anchors/forms are catalogued but never clicked, since following links or
// submitting forms would tear down the page.
const probeJS = `async () => {
	const toSelector = (el) => {
		if (el.id) return '#' + CSS.escape(el.id);
		const parts = [];
		let cur = el;
		while (cur && cur.nodeType === 1 && parts.length < 5) {
			let part = cur.tagName.toLowerCase();
			if (cur.id) { parts.unshift('#' + CSS.escape(cur.id)); break; }
			const parent = cur.parentElement;
			if (parent) {
				const same = Array.from(parent.children).filter(c => c.tagName === cur.tagName);
				if (same.length > 1) part += ':nth-of-type(' + (same.indexOf(cur) + 1) + ')';
			}
			parts.unshift(part);
			cur = parent;
		}
		return parts.join(' > ');
	};
	const kindOf = (el) => {
		const cls = (typeof el.className === 'string' ? el.className : '').toLowerCase();
		const tag = el.tagName.toLowerCase();
		if (/modal|lightbox|popup/.test(cls)) return 'modal';
		if (/dropdown|menu-toggle|nav-toggle|hamburger/.test(cls)) return 'dropdown';
		if (/slider|carousel|swiper|slick/.test(cls)) return 'slider';
		if (/accordion|collapse|tab-/.test(cls)) return 'accordion';
		if (tag === 'form') return 'form';
		if (tag === 'button' || el.getAttribute('role') === 'button' || (tag === 'input' && el.type === 'submit')) return 'button';
		if (tag === 'a') return 'anchor';
		if (tag === 'select' || tag === 'textarea' || (tag === 'input' && el.type !== 'hidden')) return 'input';
		return '';
	};
	const candidates = [];
	const seen = new Set();
	const register = (el) => {
		const kind = kindOf(el);
		if (!kind) return;
		const sel = toSelector(el);
		if (!sel || seen.has(sel)) return;
		let match = null;
		try { match = document.querySelector(sel); } catch (e) { return; }
		if (match !== el) return;
		seen.add(sel);
		candidates.push({ el, sel, kind });
	};
	document.querySelectorAll('form').forEach(register);
	document.querySelectorAll('button, [role="button"], input[type="submit"]').forEach(register);
	document.querySelectorAll('a[href^="#"], a[data-toggle]').forEach(register);
	document.querySelectorAll('select, textarea, input:not([type="hidden"])').forEach(register);
	document.querySelectorAll('[class*="modal"], [class*="dropdown"], [class*="accordion"], [class*="slider"], [class*="carousel"], [data-toggle], [aria-haspopup]').forEach(register);

	const elements = candidates.map(c => ({
		selector: c.sel,
		kind: c.kind,
		baseline: (c.el.getAttribute('class') || '') + '|' + (c.el.getAttribute('aria-expanded') || ''),
	}));

	const sleep = (ms) => new Promise(r => setTimeout(r, ms));
	const classesOf = (v) => v.split(/\s+/).filter(x => x);
	const added = (after, before) => classesOf(after).filter(x => !classesOf(before).includes(x));

	const behaviors = [];
	const clickable = candidates.filter(c => c.kind !== 'form' && c.kind !== 'input' && c.kind !== 'anchor');
	for (const c of clickable.slice(0, 12)) {
		const beforeSelf = c.el.getAttribute('class') || '';
		const beforeBody = document.body.getAttribute('class') || '';
		const beforeExpanded = c.el.getAttribute('aria-expanded');
		try { c.el.click(); } catch (e) { continue; }
		await sleep(200);
		if (!document.contains(c.el)) {
			behaviors.push({ selector: c.sel, action: 'click', assertKind: 'exists', assertTarget: c.sel, assertValue: '' });
			continue;
		}
		const selfAdded = added(c.el.getAttribute('class') || '', beforeSelf);
		const bodyAdded = added(document.body.getAttribute('class') || '', beforeBody);
		const afterExpanded = c.el.getAttribute('aria-expanded');
		let b;
		if (selfAdded.length > 0) {
			b = { selector: c.sel, action: 'click', assertKind: 'classAdded', assertTarget: c.sel, assertValue: selfAdded[0] };
		} else if (bodyAdded.length > 0) {
			b = { selector: c.sel, action: 'click', assertKind: 'classAdded', assertTarget: 'body', assertValue: bodyAdded[0] };
		} else if (beforeExpanded !== null && afterExpanded !== beforeExpanded) {
			b = { selector: c.sel, action: 'click', assertKind: 'attrChanged', assertTarget: c.sel, assertValue: 'aria-expanded' };
		} else {
			b = { selector: c.sel, action: 'click', assertKind: 'exists', assertTarget: c.sel, assertValue: '' };
		}
		behaviors.push(b);
		try { c.el.click(); } catch (e) { /* toggle back, best effort */ }
		await sleep(100);
	}
	return { elements, behaviors };
}`
