package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/PuerkitoBio/goquery"

	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/rewrite"
)

// buildState carries one build through the phase sequence. The css/js/images
// phases fill the rename maps and stage transformed bytes, the html phase
// consumes them, write and headers materialize the bundle. The mutex guards
// everything the asset fan-out touches.
type buildState struct {
	req       Request
	log       *slog.Logger
	rec       metrics.Recorder
	bus       *events.Bus
	origin    *url.URL
	effective map[string]any

	assetsDir string // downloaded asset tree from the crawl
	outputDir string // optimized bundle root

	mu           sync.Mutex
	cssRenames   map[string]string // absolute asset URL -> new reference
	jsRenames    map[string]string
	imagePlans   map[string]*rewrite.ImagePlan
	cssContent   map[string][]byte // new reference -> transformed bytes
	fontCSS      map[string]string // Google Fonts CSS URL -> local reference
	fontPreloads []string
	staged       map[string][]byte // bundle path under output/assets -> bytes
	skipCopy     map[string]bool   // bundle paths whose originals stay out
	dims         map[string][2]int // absolute image URL -> intrinsic w, h
	phaseWarn    int

	pages   []pageOutput
	stats   Stats
	timings map[string]time.Duration

	docsOnce sync.Once
	docCache map[string]*goquery.Document
}

// pageOutput is one rewritten page awaiting the write phase.
type pageOutput struct {
	URL  string
	Path string
	HTML []byte
}

func newBuildState(o *Orchestrator, req Request, origin *url.URL, effective map[string]any) *buildState {
	return &buildState{
		req:       req,
		log:       o.log.With(logfields.SiteID(req.SiteID), logfields.BuildID(req.BuildID)),
		rec:       o.rec,
		bus:       o.bus,
		origin:    origin,
		effective: effective,

		assetsDir: filepath.Join(req.WorkDir, "assets"),
		outputDir: filepath.Join(req.WorkDir, "output"),

		cssRenames: map[string]string{},
		jsRenames:  map[string]string{},
		imagePlans: map[string]*rewrite.ImagePlan{},
		cssContent: map[string][]byte{},
		fontCSS:    map[string]string{},
		staged:     map[string][]byte{},
		skipCopy:   map[string]bool{},
		dims:       map[string][2]int{},
		timings:    map[string]time.Duration{},
	}
}

// sitePath maps a same-origin asset URL to its bundle path under
// output/assets: https://example.com/css/app.css -> css/app.css.
// Cross-origin assets return "".
func (bs *buildState) sitePath(absURL string) string {
	u, err := url.Parse(absURL)
	if err != nil || u.Host != bs.origin.Host {
		return ""
	}
	if strings.HasSuffix(u.Path, "/") {
		return ""
	}
	p := path.Clean("/" + u.Path)
	if p == "/" {
		return ""
	}
	return strings.TrimPrefix(p, "/")
}

// assetsOfClass returns the downloaded same-origin assets of one class,
// ordered by URL so logs and stats are deterministic.
func (bs *buildState) assetsOfClass(class inventory.AssetClass) []*inventory.Asset {
	var out []*inventory.Asset
	for _, a := range bs.req.Inventory.Assets {
		if a.Class != class || a.LocalPath == "" || bs.sitePath(a.URL) == "" {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// sameOriginPassThrough returns the same-origin assets of one class that
// were never downloaded (robots, size cap, fetch failure). Their references
// are pointed back at the original origin so they keep resolving.
func (bs *buildState) sameOriginPassThrough(class inventory.AssetClass) []*inventory.Asset {
	var out []*inventory.Asset
	for _, a := range bs.req.Inventory.Assets {
		if a.Class != class || !a.PassThrough() || bs.sitePath(a.URL) == "" {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

func (bs *buildState) readAsset(a *inventory.Asset) ([]byte, error) {
	return os.ReadFile(filepath.Join(bs.assetsDir, filepath.FromSlash(a.LocalPath)))
}

func (bs *buildState) stage(bundlePath string, data []byte) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.staged[bundlePath] = data
}

func (bs *buildState) skipOriginal(bundlePath string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.skipCopy[bundlePath] = true
}

func (bs *buildState) renameCSS(absURL, ref string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.cssRenames[absURL] = ref
}

func (bs *buildState) renameJS(absURL, ref string) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.jsRenames[absURL] = ref
}

func (bs *buildState) setPlan(absURL string, p *rewrite.ImagePlan) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.imagePlans[absURL] = p
}

func (bs *buildState) setCSSContent(ref string, data []byte) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.cssContent[ref] = data
}

func (bs *buildState) setDims(absURL string, w, h int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.dims[absURL] = [2]int{w, h}
}

// dim satisfies the rewriter's dimension callback.
func (bs *buildState) dim(absURL string) (int, int, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	d, ok := bs.dims[absURL]
	return d[0], d[1], ok
}

// addStat accumulates category byte accounting and forwards real savings to
// the metrics recorder.
func (bs *buildState) addStat(category string, before, after int64) {
	bs.mu.Lock()
	bs.stats.add(category, before, after)
	bs.mu.Unlock()
	if d := before - after; d > 0 {
		bs.rec.AddBytesSaved(category, d)
	}
}

func (bs *buildState) beginPhase() {
	bs.mu.Lock()
	bs.phaseWarn = 0
	bs.mu.Unlock()
}

func (bs *buildState) warnings() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.phaseWarn
}

// docs parses every captured page once, shared by the CSS usage matcher and
// the LCP candidate scan. The documents are treated as read-only.
func (bs *buildState) docs() map[string]*goquery.Document {
	bs.docsOnce.Do(func() {
		bs.docCache = make(map[string]*goquery.Document, len(bs.req.Inventory.Pages))
		for i := range bs.req.Inventory.Pages {
			p := &bs.req.Inventory.Pages[i]
			doc, err := goquery.NewDocumentFromReader(bytes.NewReader(p.HTML))
			if err != nil {
				bs.log.Warn("page parse failed", logfields.Page(p.URL), logfields.Error(err))
				continue
			}
			bs.docCache[p.URL] = doc
		}
	})
	return bs.docCache
}

func (bs *buildState) event(ctx context.Context, evt any) {
	if bs.bus == nil {
		return
	}
	if err := bs.bus.Publish(ctx, evt); err != nil {
		bs.log.Debug("event publish failed", logfields.Error(err))
	}
}

func (bs *buildState) emitPhase(ctx context.Context, name string, done, total int) {
	bs.event(ctx, events.PhaseEvent{
		SiteID:     bs.req.SiteID,
		BuildID:    bs.req.BuildID,
		Phase:      name,
		PagesDone:  done,
		PagesTotal: total,
		At:         time.Now().UTC(),
	})
}

func (bs *buildState) emitLog(ctx context.Context, level, phase, msg string, meta *events.LogMeta) {
	bs.event(ctx, events.LogEvent{
		SiteID:    bs.req.SiteID,
		BuildID:   bs.req.BuildID,
		Timestamp: time.Now().UTC(),
		Level:     level,
		Phase:     phase,
		Message:   msg,
		Meta:      meta,
	})
}

// itemFailure records one isolated per-item failure: logged, streamed and
// counted toward the phase's warning classification.
func (bs *buildState) itemFailure(ctx context.Context, phase, item string, err error) {
	bs.mu.Lock()
	bs.phaseWarn++
	bs.mu.Unlock()

	meta := &events.LogMeta{AssetURL: item}
	field := logfields.Asset(item)
	if phase == events.PhaseHTML {
		meta = &events.LogMeta{PageURL: item}
		field = logfields.Page(item)
	}
	bs.log.Warn("item skipped", logfields.Phase(phase), field, logfields.Error(err))
	bs.emitLog(ctx, events.LevelWarn, phase, fmt.Sprintf("%s skipped: %v", item, err), meta)
}
