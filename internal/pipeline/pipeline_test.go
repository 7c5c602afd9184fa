package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"log/slog"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pageforge/internal/assets"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/metrics"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureRecorder keeps the last result per phase and every build outcome.
type captureRecorder struct {
	metrics.NoopRecorder
	mu       sync.Mutex
	results  map[string]metrics.ResultLabel
	outcomes []string
}

func newCaptureRecorder() *captureRecorder {
	return &captureRecorder{results: map[string]metrics.ResultLabel{}}
}

func (c *captureRecorder) IncPhaseResult(phase string, r metrics.ResultLabel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[phase] = r
}

func (c *captureRecorder) IncBuildOutcome(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func noiseJPEG(t *testing.T, w, h, quality int) []byte {
	t.Helper()
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = byte(rng.Intn(256))
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

const fixtureHTML = `<!DOCTYPE html>
<html>
<head>
<title>Home</title>
<link rel="stylesheet" href="/css/main.css">
</head>
<body>
<img src="/a.jpg" alt="hero">
<p>Welcome.</p>
<script src="/app.js"></script>
<script src="/vendor/analytics.js"></script>
</body>
</html>`

const fixtureCSS = `body {
  color: #ff0000;
  margin: 0px;
}
.kept {
  display: block;
}
`

const fixtureJS = `function greet( name ) {
  return "hi " + name;
}
window.greet = greet;
`

// fixtureSite lays a small crawled site into workDir/assets and returns the
// matching inventory: one page, one stylesheet, two scripts, one photo.
func fixtureSite(t *testing.T, workDir string) *inventory.SiteInventory {
	t.Helper()

	files := map[string][]byte{
		"css/main.css":        []byte(fixtureCSS),
		"app.js":              []byte(fixtureJS),
		"vendor/analytics.js": []byte(`console.log("track");`),
		"a.jpg":               noiseJPEG(t, 800, 600, 95),
	}
	inv := &inventory.SiteInventory{
		Origin: "https://example.com",
		Pages: []inventory.CrawledPage{{
			URL:  "https://example.com/",
			Path: "/",
			HTML: []byte(fixtureHTML),
		}},
		Assets: map[string]*inventory.Asset{},
	}
	for rel, data := range files {
		dst := filepath.Join(workDir, "assets", filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(dst), 0o755))
		require.NoError(t, os.WriteFile(dst, data, 0o644))

		u := "https://example.com/" + rel
		inv.Assets[u] = &inventory.Asset{
			URL:           u,
			LocalPath:     rel,
			Class:         inventory.Classify(rel),
			OriginalBytes: int64(len(data)),
			ContentHash:   inventory.HashBytes(data),
		}
	}
	return inv
}

func TestBuildEndToEnd(t *testing.T) {
	workDir := t.TempDir()
	inv := fixtureSite(t, workDir)
	effective := settings.Resolve(settings.Defaults(), map[string]any{
		"js": map[string]any{"removePatterns": []any{"analytics"}},
	})

	bus := events.NewBus()
	defer bus.Close()
	phases, unsubPhases := events.Subscribe[events.PhaseEvent](bus, 64)
	logs, unsubLogs := events.SubscribeDropOldest[events.LogEvent](bus, 256)

	o := New(discardLogger(), nil, bus, nil)
	res, err := o.Build(context.Background(), Request{
		SiteID:    "site-1",
		BuildID:   "build-1",
		WorkDir:   workDir,
		Inventory: inv,
		Effective: effective,
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, filepath.Join(workDir, "output"), res.OutputDir)
	assert.Len(t, res.PhaseTimings, 6)

	page, err := os.ReadFile(filepath.Join(res.OutputDir, "index.html"))
	require.NoError(t, err)
	html := string(page)

	// renamed references replace the originals
	assert.Regexp(t, `/css/main-[0-9a-f]{8}\.css`, html)
	assert.Regexp(t, `/app-[0-9a-f]{8}\.js`, html)
	assert.NotContains(t, html, "/css/main.css")
	assert.NotContains(t, html, "/app.js")
	assert.NotContains(t, html, "analytics")

	// the photo becomes a responsive picture with intrinsic dimensions
	assert.Contains(t, html, "<picture>")
	assert.Contains(t, html, `type="image/webp"`)
	assert.Contains(t, html, "/a-640w.webp 640w")
	assert.Contains(t, html, "/a.webp 1920w")
	assert.Contains(t, html, `width="800"`)
	assert.Contains(t, html, `height="600"`)
	assert.Contains(t, html, `loading="eager"`)
	assert.Contains(t, html, `fetchpriority="high"`)

	// hashed stylesheet on disk, digest in the name matches the contents
	matches, err := filepath.Glob(filepath.Join(res.OutputDir, "assets", "css", "main-*.css"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	sheet, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	wantName := "main-" + inventory.ShortHash(sheet) + ".css"
	assert.Equal(t, wantName, filepath.Base(matches[0]))

	for _, rel := range []string{"a.jpg", "a-320w.webp", "a-640w.webp", "a-768w.webp"} {
		_, err := os.Stat(filepath.Join(res.OutputDir, "assets", rel))
		assert.NoError(t, err, rel)
	}
	_, err = os.Stat(filepath.Join(res.OutputDir, "assets", "vendor", "analytics.js"))
	assert.True(t, os.IsNotExist(err), "removed script stays out of the bundle")

	manifest, err := os.ReadFile(filepath.Join(res.OutputDir, "_headers"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "/assets/*-*.css")
	assert.Contains(t, string(manifest), "X-Content-Type-Options: nosniff")

	// every phase ran once, in pipeline order
	unsubPhases()
	var order []string
	for e := range phases {
		if len(order) == 0 || order[len(order)-1] != e.Phase {
			order = append(order, e.Phase)
		}
	}
	assert.Equal(t, []string{
		events.PhaseCSS, events.PhaseJS, events.PhaseImages,
		events.PhaseHTML, events.PhaseWrite, events.PhaseHeaders,
	}, order)

	unsubLogs()
	var removed bool
	for e := range logs {
		if e.Message == "script removed" {
			removed = true
			require.NotNil(t, e.Meta)
			assert.Equal(t, "https://example.com/vendor/analytics.js", e.Meta.AssetURL)
		}
	}
	assert.True(t, removed, "script removal is reported on the log stream")

	assert.GreaterOrEqual(t, res.Stats.ScriptsRemoved, 1)
	js := res.Stats.Categories[CategoryJS]
	assert.Less(t, js.OptimizedBytes, js.OriginalBytes, "dropping a script saves its bytes")
	require.Len(t, res.Stats.Pages, 1)
	assert.Equal(t, "https://example.com/", res.Stats.Pages[0].URL)
	assert.Positive(t, res.Stats.TotalSavings())
}

func TestBuildValidation(t *testing.T) {
	o := New(discardLogger(), nil, nil, nil)
	page := inventory.CrawledPage{URL: "https://example.com/", Path: "/", HTML: []byte("<html></html>")}

	cases := map[string]Request{
		"nil inventory": {WorkDir: t.TempDir()},
		"no pages":      {WorkDir: t.TempDir(), Inventory: &inventory.SiteInventory{Origin: "https://example.com"}},
		"no workdir":    {Inventory: &inventory.SiteInventory{Origin: "https://example.com", Pages: []inventory.CrawledPage{page}}},
		"bad origin":    {WorkDir: t.TempDir(), Inventory: &inventory.SiteInventory{Origin: "://nope", Pages: []inventory.CrawledPage{page}}},
	}
	for name, req := range cases {
		_, err := o.Build(context.Background(), req)
		require.Error(t, err, name)
		assert.True(t, pferrors.IsCategory(err, pferrors.CategoryValidation), name)
	}
}

func testState(t *testing.T, o *Orchestrator) *buildState {
	t.Helper()
	origin, err := url.Parse("https://example.com")
	require.NoError(t, err)
	req := Request{
		SiteID:  "site-1",
		BuildID: "build-1",
		WorkDir: t.TempDir(),
		Inventory: &inventory.SiteInventory{
			Origin: "https://example.com",
			Assets: map[string]*inventory.Asset{},
		},
	}
	return newBuildState(o, req, origin, settings.Defaults())
}

func TestRunPhasesClassification(t *testing.T) {
	rec := newCaptureRecorder()
	o := New(discardLogger(), rec, nil, nil)
	bs := testState(t, o)

	var ran []string
	err := o.runPhases(context.Background(), bs, []phase{
		{"alpha", func(context.Context, *buildState) error {
			ran = append(ran, "alpha")
			return nil
		}},
		{"beta", func(ctx context.Context, bs *buildState) error {
			ran = append(ran, "beta")
			bs.itemFailure(ctx, "beta", "https://example.com/x.css", errors.New("unreadable"))
			return nil
		}},
		{"gamma", func(context.Context, *buildState) error {
			ran = append(ran, "gamma")
			return errors.New("disk full")
		}},
		{"delta", func(context.Context, *buildState) error {
			ran = append(ran, "delta")
			return nil
		}},
	})
	require.Error(t, err)
	assert.True(t, pferrors.IsCategory(err, pferrors.CategoryBuild))
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, ran, "the fatal phase stops the sequence")

	assert.Equal(t, metrics.ResultSuccess, rec.results["alpha"])
	assert.Equal(t, metrics.ResultWarning, rec.results["beta"], "item failures classify the phase as warning")
	assert.Equal(t, metrics.ResultFatal, rec.results["gamma"])
	assert.NotContains(t, rec.results, "delta")

	assert.Contains(t, bs.timings, "alpha")
	assert.Contains(t, bs.timings, "gamma")
	assert.NotContains(t, bs.timings, "delta")
}

func TestRunPhasesCanceledContext(t *testing.T) {
	rec := newCaptureRecorder()
	o := New(discardLogger(), rec, nil, nil)
	bs := testState(t, o)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := o.runPhases(ctx, bs, []phase{
		{"alpha", func(context.Context, *buildState) error {
			t.Fatal("must not run under a canceled context")
			return nil
		}},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, metrics.ResultCanceled, rec.results["alpha"])
}

func TestCombineStylesheets(t *testing.T) {
	workDir := t.TempDir()
	for rel, body := range map[string]string{
		"one.css": "a { color: #ff0000; }",
		"two.css": "b { margin: 0px; }",
	} {
		require.NoError(t, os.MkdirAll(filepath.Join(workDir, "assets"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(workDir, "assets", rel), []byte(body), 0o644))
	}

	o := New(discardLogger(), nil, nil, nil)
	bs := testState(t, o)
	bs.req.WorkDir = workDir
	bs.assetsDir = filepath.Join(workDir, "assets")
	for _, rel := range []string{"one.css", "two.css"} {
		u := "https://example.com/" + rel
		data, err := os.ReadFile(filepath.Join(workDir, "assets", rel))
		require.NoError(t, err)
		bs.req.Inventory.Assets[u] = &inventory.Asset{
			URL: u, LocalPath: rel, Class: inventory.ClassCSS, OriginalBytes: int64(len(data)),
		}
	}
	bs.effective = settings.Resolve(settings.Defaults(), map[string]any{
		"css": map[string]any{"combineStylesheets": true},
	})

	require.NoError(t, o.phaseCSS(context.Background(), bs))

	refOne := bs.cssRenames["https://example.com/one.css"]
	refTwo := bs.cssRenames["https://example.com/two.css"]
	require.NotEmpty(t, refOne)
	assert.Equal(t, refOne, refTwo, "all sheets point at the combined bundle")
	assert.Regexp(t, `^/assets/combined-[0-9a-f]{8}\.css$`, refOne)

	bundle := strings.TrimPrefix(refOne, "/")
	data, ok := bs.staged[bundle]
	require.True(t, ok)
	assert.Contains(t, string(data), "color:red")
	assert.Contains(t, string(data), "margin:0")
	assert.Equal(t, bundle, assets.HashedName("assets/combined.css", data),
		"digest in the bundle name matches its contents")
}

func TestLocalizeFontsStagesBundle(t *testing.T) {
	cssURL := "https://fonts.googleapis.com/css2?family=Inter:wght@400"
	faceCSS := "@font-face{font-family:'Inter';font-style:normal;font-weight:400;" +
		"src:url(https://fonts.gstatic.com/s/inter/v13/regular.woff2) format('woff2')}"
	client := &http.Client{Transport: cannedTransport{
		cssURL: faceCSS,
		"https://fonts.gstatic.com/s/inter/v13/regular.woff2": "WOFF2-REGULAR",
	}}

	o := New(discardLogger(), nil, nil, assets.NewFontLocalizer(client, discardLogger()))
	bs := testState(t, o)
	bs.req.Inventory.Assets[cssURL] = &inventory.Asset{URL: cssURL}

	o.localizeFonts(context.Background(), bs)

	ref := bs.fontCSS[cssURL]
	require.NotEmpty(t, ref, "stylesheet reference localized")
	assert.Regexp(t, `^/assets/fonts/fonts-[0-9a-f]{8}\.css$`, ref)

	_, ok := bs.staged[strings.TrimPrefix(ref, "/")]
	assert.True(t, ok, "localized stylesheet staged")
	assert.Equal(t, []byte("WOFF2-REGULAR"), bs.staged["assets/fonts/regular.woff2"])
	assert.NotEmpty(t, bs.fontPreloads)
}

// cannedTransport serves fixed bodies keyed by URL so no test touches the
// network.
type cannedTransport map[string]string

func (c cannedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body, ok := c[req.URL.String()]
	status := http.StatusOK
	if !ok {
		status = http.StatusNotFound
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{},
		Request:    req,
	}, nil
}

func TestSitePath(t *testing.T) {
	o := New(discardLogger(), nil, nil, nil)
	bs := testState(t, o)

	cases := map[string]string{
		"https://example.com/css/app.css": "css/app.css",
		"https://example.com/a/../b.css":  "b.css",
		"https://example.com/b.css?v=9":   "b.css",
		"https://example.com/":            "",
		"https://example.com/dir/":        "",
		"https://other.example.org/a.css": "",
		"not a url":                       "",
	}
	for in, want := range cases {
		assert.Equal(t, want, bs.sitePath(in), in)
	}
}

func TestPageOutputPath(t *testing.T) {
	cases := map[string]string{
		"/":          "index.html",
		"":           "index.html",
		"/pricing":   "pricing/index.html",
		"/pricing/":  "pricing/index.html",
		"/blog/post": "blog/post/index.html",
		"//double":   "double/index.html",
	}
	for in, want := range cases {
		assert.Equal(t, want, pageOutputPath(in), "path %q", in)
	}
}

func TestBuildRecordsOutcome(t *testing.T) {
	rec := newCaptureRecorder()
	workDir := t.TempDir()
	inv := fixtureSite(t, workDir)

	o := New(discardLogger(), rec, nil, nil)
	_, err := o.Build(context.Background(), Request{
		SiteID: "site-1", BuildID: "build-1", WorkDir: workDir, Inventory: inv,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"success"}, rec.outcomes)
}
