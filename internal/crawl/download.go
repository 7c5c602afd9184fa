package crawl

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/temoto/robotstxt"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/retry"
)

const (
	// robotsAgent is the product token robots.txt groups are matched
	// against.
	robotsAgent = "PageForge"

	// maxAssetBytes guards against runaway media downloads. Anything
	// larger is left remote and passed through untouched.
	maxAssetBytes = 64 << 20
)

// Downloader fetches the discovered assets into the run workspace. Zero
// values are usable; failures mark the asset pass-through instead of
// failing the crawl.
type Downloader struct {
	Client    *http.Client
	Logger    *slog.Logger
	Policy    retry.Policy
	Workers   int
	UserAgent string
	Robots    *robotstxt.RobotsData
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return &http.Client{Timeout: 60 * time.Second}
}

func (d *Downloader) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Downloader) workers() int {
	if d.Workers <= 0 {
		return 4
	}
	return d.Workers
}

// FetchAll downloads every fetchable asset in the inventory into
// workDir/assets with bounded parallelism. Individual failures leave the
// asset with OriginalBytes zero so the pipeline copies it through; only
// context cancellation aborts.
func (d *Downloader) FetchAll(ctx context.Context, inv *inventory.SiteInventory, workDir string) error {
	origin, err := url.Parse(inv.Origin)
	if err != nil {
		return pferrors.ValidationFailed("origin", err.Error())
	}
	assetsDir := filepath.Join(workDir, "assets")

	sem := make(chan struct{}, d.workers())
	var wg sync.WaitGroup
	for _, a := range inv.Assets {
		wg.Add(1)
		go func(a *inventory.Asset) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			d.fetchOne(ctx, origin, a, assetsDir)
		}(a)
	}
	wg.Wait()
	return ctx.Err()
}

func (d *Downloader) fetchOne(ctx context.Context, origin *url.URL, a *inventory.Asset, assetsDir string) {
	u, err := url.Parse(a.URL)
	if err != nil {
		return
	}
	if !shouldFetch(origin, u, a.Class) {
		d.logger().Debug("leaving third-party asset remote", logfields.Asset(a.URL))
		return
	}
	if d.Robots != nil && u.Host == origin.Host && !d.Robots.TestAgent(u.Path, robotsAgent) {
		d.logger().Info("robots.txt disallows asset, leaving it remote", logfields.Asset(a.URL))
		return
	}

	var body []byte
	err = retry.Do(ctx, d.Policy, func() error {
		var ferr error
		body, ferr = d.get(ctx, a.URL)
		return ferr
	})
	if err != nil {
		d.logger().Warn("asset download failed, passing through",
			logfields.Asset(a.URL), logfields.Error(err))
		return
	}

	rel := localRelPath(u)
	abs := filepath.Join(assetsDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		d.logger().Warn("asset dir failed", logfields.Path(abs), logfields.Error(err))
		return
	}
	if err := os.WriteFile(abs, body, 0o644); err != nil {
		d.logger().Warn("asset write failed", logfields.Path(abs), logfields.Error(err))
		return
	}

	a.LocalPath = rel
	a.OriginalBytes = int64(len(body))
	a.ContentHash = inventory.HashBytes(body)
	d.logger().Debug("asset downloaded",
		logfields.Asset(a.URL), slog.Int64("bytes", a.OriginalBytes))
}

func (d *Downloader) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, pferrors.DownloadError(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, pferrors.DownloadError(rawURL, fmt.Errorf("status %d", resp.StatusCode))
	default:
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		return nil, pferrors.DownloadError(rawURL, err)
	}
	if len(body) > maxAssetBytes {
		return nil, fmt.Errorf("download %s: exceeds %d byte cap", rawURL, maxAssetBytes)
	}
	return body, nil
}

// shouldFetch decides whether an asset is localized into the output.
// Same-origin assets always are. Cross-origin assets are fetched only for
// the font pipeline (font files and the Google Fonts CSS endpoints);
// everything else third-party stays remote.
func shouldFetch(origin, u *url.URL, class inventory.AssetClass) bool {
	if u.Host == origin.Host {
		return true
	}
	if class == inventory.ClassFont {
		return true
	}
	switch u.Host {
	case "fonts.googleapis.com", "fonts.gstatic.com":
		return true
	}
	return false
}

// localRelPath maps an asset URL to its path under workDir/assets. The host
// keeps assets from different origins apart; a query string folds into the
// filename so variants do not collide. Always slash-separated.
func localRelPath(u *url.URL) string {
	p := path.Clean("/" + u.Path)
	if strings.HasSuffix(u.Path, "/") || p == "/" {
		p = p + "/index"
	}
	if u.RawQuery != "" {
		ext := path.Ext(p)
		p = strings.TrimSuffix(p, ext) + "-q" + inventory.HashBytes([]byte(u.RawQuery))[:8] + ext
	}
	return path.Join(u.Host, p)
}

// fetchRobots retrieves and parses the origin's robots.txt. Missing or
// unreachable robots data means no restrictions.
func fetchRobots(ctx context.Context, client *http.Client, origin, userAgent string) *robotstxt.RobotsData {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil
	}
	robotsURL := u.ResolveReference(&url.URL{Path: "/robots.txt"}).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data
}

// filterRobots drops seeds robots.txt disallows for our agent, logging each
// skip.
func filterRobots(seeds []string, robots *robotstxt.RobotsData, logger *slog.Logger) []string {
	if robots == nil {
		return seeds
	}
	out := seeds[:0]
	for _, s := range seeds {
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		if !robots.TestAgent(u.Path, robotsAgent) {
			logger.Info("robots.txt disallows page, skipping", logfields.URL(s))
			continue
		}
		out = append(out, s)
	}
	return out
}
