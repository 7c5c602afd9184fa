package verify

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	"github.com/orisano/pixelmatch"

	"git.home.luguber.info/inful/pageforge/internal/browser"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
)

// pixelThreshold is the per-pixel color distance below which two pixels
// count as matching, on pixelmatch's 0-1 scale.
const pixelThreshold = 0.1

// compareVisual screenshots the already-loaded page and diffs it against the
// baseline recorded at crawl time. Baselines are full-page captures, so the
// fresh shot is taken full-page as well.
func (v *Verifier) compareVisual(ctx context.Context, page *browser.Page, workDir string, pg inventory.CrawledPage, opts Options) VisualResult {
	res := VisualResult{Path: pg.Path}

	baseline, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(pg.ScreenshotPath)))
	if err != nil {
		res.Status = VisualFailed
		res.Detail = "baseline unreadable: " + err.Error()
		return res
	}
	shot, err := page.Screenshot(ctx, true)
	if err != nil {
		res.Status = VisualFailed
		res.Detail = "screenshot failed: " + err.Error()
		return res
	}

	ratio, err := MismatchRatio(baseline, shot)
	if err != nil {
		res.Status = VisualFailed
		res.Detail = err.Error()
		return res
	}
	res.MismatchRatio = ratio
	res.Status = statusFor(ratio, opts)
	return res
}

func statusFor(ratio float64, opts Options) string {
	switch {
	case ratio <= opts.EpsilonIdentical:
		return VisualIdentical
	case ratio <= opts.EpsilonAcceptable:
		return VisualAcceptable
	default:
		return VisualNeedsReview
	}
}

// MismatchRatio decodes two PNGs and returns the fraction of differing
// pixels, 0 for identical images and 1 for fully different ones.
func MismatchRatio(baseline, current []byte) (float64, error) {
	a, err := png.Decode(bytes.NewReader(baseline))
	if err != nil {
		return 0, fmt.Errorf("decode baseline: %w", err)
	}
	b, err := png.Decode(bytes.NewReader(current))
	if err != nil {
		return 0, fmt.Errorf("decode screenshot: %w", err)
	}
	return diffRatio(a, b)
}

// diffRatio compares two images pixel by pixel. Full-page captures of the
// original and the optimized copy may differ in height (fonts, image
// dimensions), so differing sizes are compared over the top-left
// intersection and every uncovered pixel counts as mismatched.
func diffRatio(a, b image.Image) (float64, error) {
	ab, bb := a.Bounds(), b.Bounds()
	w := min(ab.Dx(), bb.Dx())
	h := min(ab.Dy(), bb.Dy())
	if w == 0 || h == 0 {
		return 1, nil
	}
	if ab.Dx() != bb.Dx() || ab.Dy() != bb.Dy() {
		a = cropTopLeft(a, w, h)
		b = cropTopLeft(b, w, h)
	}
	mismatched, err := pixelmatch.MatchPixel(a, b, pixelmatch.Threshold(pixelThreshold))
	if err != nil {
		return 0, fmt.Errorf("pixel diff: %w", err)
	}
	maxArea := max(ab.Dx()*ab.Dy(), bb.Dx()*bb.Dy())
	uncovered := maxArea - w*h
	return (float64(mismatched) + float64(uncovered)) / float64(maxArea), nil
}

// cropTopLeft copies the w×h top-left region into a fresh NRGBA image,
// normalizing whatever color model the PNG decoder produced.
func cropTopLeft(img image.Image, w, h int) image.Image {
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), img, img.Bounds().Min, draw.Src)
	return out
}
