package assets

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// FontOptions carries the fonts.* slice of the effective settings.
type FontOptions struct {
	SelfHost     bool
	FontDisplay  string
	PreloadCount int
}

// FontOptionsFrom extracts font options from the effective settings tree.
func FontOptionsFrom(effective map[string]any) FontOptions {
	n := settings.Int(effective, 3, "fonts", "preloadCount")
	if n < 0 {
		n = 0
	}
	if n > 3 {
		n = 3
	}
	return FontOptions{
		SelfHost:     settings.Bool(effective, true, "fonts", "selfHostGoogleFonts"),
		FontDisplay:  settings.String(effective, "swap", "fonts", "fontDisplay"),
		PreloadCount: n,
	}
}

// LocalizedFonts is the outcome of self-hosting one Google Fonts stylesheet:
// the rewritten CSS, the downloaded face files keyed by their output path
// under the site root, and the preload candidates in appearance order.
type LocalizedFonts struct {
	CSS     []byte
	Files   map[string][]byte
	Preload []string
}

// Chrome-class user agent so the fonts API serves woff2 sources instead of
// the legacy ttf fallback.
const fontFetchUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxFontBytes = 8 << 20

// FontLocalizer fetches Google Fonts stylesheets and their font files so the
// optimized site serves them from its own origin.
type FontLocalizer struct {
	Client *http.Client
	Logger *slog.Logger
}

// NewFontLocalizer wires a localizer over the given HTTP client; a nil
// client falls back to http.DefaultClient.
func NewFontLocalizer(client *http.Client, logger *slog.Logger) *FontLocalizer {
	if client == nil {
		client = http.DefaultClient
	}
	return &FontLocalizer{Client: client, Logger: logger}
}

// IsGoogleFontsCSS reports whether a stylesheet reference points at the
// Google Fonts CSS API.
func IsGoogleFontsCSS(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	return u.Host == "fonts.googleapis.com"
}

var fontURLRe = regexp.MustCompile(`url\(\s*(['"]?)(https://fonts\.gstatic\.com/[^'")]+)['"]?\s*\)`)

// Localize downloads the stylesheet behind cssURL, pulls every
// fonts.gstatic.com face it references into assets/fonts/, and rewrites the
// CSS to the local paths. Face files are deduplicated by URL; name
// collisions between distinct URLs get a short query-style hash suffix.
func (f *FontLocalizer) Localize(ctx context.Context, cssURL string, opts FontOptions) (*LocalizedFonts, error) {
	raw, err := f.fetch(ctx, cssURL)
	if err != nil {
		return nil, err
	}

	out := &LocalizedFonts{Files: map[string][]byte{}}
	local := map[string]string{} // face URL -> local path
	taken := map[string]bool{}

	var order []string
	for _, m := range fontURLRe.FindAllStringSubmatch(string(raw), -1) {
		faceURL := m[2]
		if _, ok := local[faceURL]; ok {
			continue
		}
		name := path.Base(strings.SplitN(faceURL, "?", 2)[0])
		if name == "" || name == "." || name == "/" {
			name = inventory.ShortHash([]byte(faceURL)) + ".woff2"
		}
		if taken[name] {
			ext := path.Ext(name)
			name = strings.TrimSuffix(name, ext) + "-" + inventory.ShortHash([]byte(faceURL)) + ext
		}
		taken[name] = true
		rel := "assets/fonts/" + name

		data, err := f.fetch(ctx, faceURL)
		if err != nil {
			if f.Logger != nil {
				f.Logger.Warn("font face download failed, keeping remote URL",
					slog.String("url", faceURL), slog.Any("error", err))
			}
			continue
		}
		out.Files[rel] = data
		local[faceURL] = "/" + rel
		order = append(order, rel)
	}

	css := fontURLRe.ReplaceAllStringFunc(string(raw), func(m string) string {
		sub := fontURLRe.FindStringSubmatch(m)
		if p, ok := local[sub[2]]; ok {
			return "url(" + p + ")"
		}
		return m
	})
	out.CSS = injectFontDisplay([]byte(css), opts.FontDisplay)

	for i, rel := range order {
		if i >= opts.PreloadCount {
			break
		}
		out.Preload = append(out.Preload, "/"+rel)
	}
	return out, nil
}

func (f *FontLocalizer) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, pferrors.DownloadError(rawURL, err)
	}
	req.Header.Set("User-Agent", fontFetchUA)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, pferrors.DownloadError(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, pferrors.DownloadError(rawURL, fmt.Errorf("status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFontBytes))
	if err != nil {
		return nil, pferrors.DownloadError(rawURL, err)
	}
	return data, nil
}
