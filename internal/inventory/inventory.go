// Package inventory defines the crawl artifacts consumed by the optimization
// pipeline: pages, assets, interactive behaviors and coverage. Instances are
// created by the crawler and immutable for the remainder of the run.
package inventory

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
	"time"
)

// AssetClass is the coarse MIME class the pipeline dispatches on.
type AssetClass string

const (
	ClassImage AssetClass = "image"
	ClassCSS   AssetClass = "css"
	ClassJS    AssetClass = "js"
	ClassFont  AssetClass = "font"
	ClassOther AssetClass = "other"
)

// SiteInventory is the complete crawl result for one site.
type SiteInventory struct {
	Origin        string            `json:"origin"`
	Pages         []CrawledPage     `json:"pages"`
	Assets        map[string]*Asset `json:"assets"` // keyed by absolute URL
	UsesJQuery    bool              `json:"usesJquery"`
	JQueryScripts []string          `json:"jqueryScripts,omitempty"`
	CapturedAt    time.Time         `json:"capturedAt"`
}

// CrawledPage is one rendered page snapshot. HTML is kept as raw bytes so a
// checkpoint round-trip reproduces it exactly.
type CrawledPage struct {
	URL            string                 `json:"url"`
	Path           string                 `json:"path"` // URL path, "/" for the root
	HTML           []byte                 `json:"html"`
	Title          string                 `json:"title"`
	ContentHash    string                 `json:"contentHash"`
	AssetURLs      []string               `json:"assetUrls"` // discovery order
	Interactive    []InteractiveElement   `json:"interactive,omitempty"`
	Behaviors      []Behavior             `json:"behaviors,omitempty"`
	ScreenshotPath string                 `json:"screenshotPath,omitempty"`
	Coverage       []StylesheetCoverage   `json:"coverage,omitempty"`
}

// InteractiveElement is a catalogued interactive DOM element.
type InteractiveElement struct {
	Selector string `json:"selector"`
	Kind     string `json:"kind"` // button|form|anchor|input|modal|dropdown|slider|accordion
	Baseline string `json:"baseline,omitempty"`
}

// Behavior is a small replayable probe recorded against the original site.
type Behavior struct {
	Selector     string `json:"selector"`
	Action       string `json:"action"`     // click
	AssertKind   string `json:"assertKind"` // classAdded|attrChanged|exists
	AssertTarget string `json:"assertTarget,omitempty"`
	AssertValue  string `json:"assertValue,omitempty"`
}

// StylesheetCoverage records which selectors of one stylesheet matched the
// rendered page, and which of those matched above the fold.
type StylesheetCoverage struct {
	StylesheetURL      string   `json:"stylesheetUrl"`
	UsedSelectors      []string `json:"usedSelectors"`
	AboveFoldSelectors []string `json:"aboveFoldSelectors,omitempty"`
}

// Rename records the content-hashed output path of a transformed asset.
type Rename struct {
	NewPath string `json:"newPath"`
	NewHash string `json:"newHash"`
}

// Variant is a sibling output derived from an asset (e.g. foo-640w.webp).
type Variant struct {
	Path  string `json:"path"`
	Kind  string `json:"kind"` // webp|avif|breakpoint
	Width int    `json:"width,omitempty"`
}

// Asset is one downloaded site asset plus its transformation outcome.
type Asset struct {
	URL           string     `json:"url"`
	LocalPath     string     `json:"localPath"` // relative to workDir/assets
	Class         AssetClass `json:"class"`
	OriginalBytes int64      `json:"originalBytes"`
	ContentHash   string     `json:"contentHash"`
	Rename        *Rename    `json:"rename,omitempty"`
	Variants      []Variant  `json:"variants,omitempty"`
}

// PassThrough reports whether the asset must be copied untouched (download
// failed or nothing was recorded for it).
func (a *Asset) PassThrough() bool {
	return a.OriginalBytes == 0
}

// Classify maps a URL or file path to its asset class by extension.
func Classify(ref string) AssetClass {
	ext := strings.ToLower(path.Ext(stripQuery(ref)))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".avif", ".svg", ".ico", ".bmp":
		return ClassImage
	case ".css":
		return ClassCSS
	case ".js", ".mjs":
		return ClassJS
	case ".woff", ".woff2", ".ttf", ".otf", ".eot":
		return ClassFont
	default:
		return ClassOther
	}
}

func stripQuery(ref string) string {
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		return ref[:i]
	}
	return ref
}

// HashBytes returns the lowercase hex sha256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 8 hex chars of the content hash, the segment
// embedded in hashed output filenames.
func ShortHash(b []byte) string {
	return HashBytes(b)[:8]
}
