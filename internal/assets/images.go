package assets

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gen2brain/avif"
	"github.com/gen2brain/webp"

	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// Size gates. An overwrite must beat the original by 5% (any win suffices
// for the LCP image); AVIF is slow to encode and decode, so marginal wins
// are rejected outright.
const (
	overwriteRatio   = 0.95
	avifVariantRatio = 0.70
)

// Quality tiers by image role. User settings override a derived tier value
// leaf-wise.
type qualityTier struct {
	name string
	jpeg int
	webp int
	avif int
}

var (
	tierHero      = qualityTier{"hero", 88, 88, 60}
	tierStandard  = qualityTier{"standard", 75, 75, 45}
	tierThumbnail = qualityTier{"thumbnail", 65, 65, 40}
)

var (
	heroHints  = []string{"hero", "banner", "header", "cover", "splash", "jumbotron"}
	thumbHints = []string{"thumb", "icon", "avatar", "logo", "badge", "favicon"}
)

// ImageOptions carries the images.* slice of the effective settings plus the
// per-image hints the pipeline derives.
type ImageOptions struct {
	ConvertWebP   bool
	ConvertAVIF   bool
	MaxWidth      int
	Breakpoints   []int
	Effort        int // 0 fastest .. 9 most effort
	StripMetadata bool
	KeepOriginal  bool
	OptimizeSVG   bool

	// Explicit quality overrides; zero means derive from the tier.
	JPEGQuality int
	WebPQuality int
	AVIFQuality int

	// Per-image hints.
	PathHint string
	LCP      bool
}

// ImageOptionsFrom extracts image options from the effective settings tree.
// The sparse overrides tree marks which quality leaves the user pinned;
// pinned leaves beat the derived tier.
func ImageOptionsFrom(effective, overrides map[string]any) ImageOptions {
	opts := ImageOptions{
		ConvertWebP:   settings.Bool(effective, true, "images", "convertToWebp"),
		ConvertAVIF:   settings.Bool(effective, false, "images", "convertToAvif"),
		MaxWidth:      settings.Int(effective, 1920, "images", "maxWidth"),
		Breakpoints:   settings.Ints(effective, "images", "breakpoints"),
		Effort:        settings.Int(effective, 4, "images", "effort"),
		StripMetadata: settings.Bool(effective, true, "images", "stripMetadata"),
		KeepOriginal:  settings.Bool(effective, true, "images", "keepOriginal"),
		OptimizeSVG:   settings.Bool(effective, true, "images", "optimizeSvg"),
	}
	if _, ok := settings.Lookup(overrides, "images", "quality", "jpeg"); ok {
		opts.JPEGQuality = settings.Int(effective, 0, "images", "quality", "jpeg")
	}
	if _, ok := settings.Lookup(overrides, "images", "quality", "webp"); ok {
		opts.WebPQuality = settings.Int(effective, 0, "images", "quality", "webp")
	}
	if _, ok := settings.Lookup(overrides, "images", "quality", "avif"); ok {
		opts.AVIFQuality = settings.Int(effective, 0, "images", "quality", "avif")
	}
	return opts
}

// ImageVariant is one derived sibling output.
type ImageVariant struct {
	Suffix string // appended to the base name, e.g. ".webp", "-640w.webp"
	Kind   string // webp|avif|breakpoint
	Width  int
	Data   []byte
}

// ImageResult is the outcome for one raster image.
type ImageResult struct {
	Tier        string
	Overwrite   []byte // nil keeps the original bytes
	Variants    []ImageVariant
	PassThrough bool
	Reason      string // set when passing through
}

// TransformImage recompresses one raster image and derives its variants.
// ext is the lowercase original extension including the dot. Decode or
// encode failures pass the original through; they are reported in the
// result, never as an error.
func TransformImage(input []byte, ext string, opts ImageOptions) ImageResult {
	switch ext {
	case ".gif", ".ico":
		return ImageResult{PassThrough: true, Reason: "format passed through"}
	case ".svg":
		// handled by TransformSVG
		return ImageResult{PassThrough: true, Reason: "svg handled separately"}
	}

	tier := deriveTier(opts.PathHint, opts.LCP)
	img, err := decodeImage(input, ext)
	if err != nil {
		return ImageResult{Tier: tier.name, PassThrough: true, Reason: fmt.Sprintf("decode: %v", err)}
	}

	srcWidth := img.Bounds().Dx()
	resized := img
	if opts.MaxWidth > 0 && srcWidth > opts.MaxWidth {
		resized = imaging.Resize(img, opts.MaxWidth, 0, imaging.Lanczos)
	}

	res := ImageResult{Tier: tier.name}

	// In-place recompression of the original format. Skipped when metadata
	// must be kept: the stdlib codecs cannot carry it through a re-encode.
	if opts.StripMetadata {
		if out, err := encodeOriginal(resized, ext, opts, tier); err == nil {
			ratio := float64(len(out)) / float64(len(input))
			if ratio < overwriteRatio || (opts.LCP && ratio <= 1.0) {
				res.Overwrite = out
			}
		}
	}

	if opts.ConvertWebP {
		if out, err := encodeWebP(resized, opts, tier); err == nil && len(out) < len(input) {
			res.Variants = append(res.Variants, ImageVariant{Suffix: ".webp", Kind: "webp", Data: out})
		}
		for _, w := range breakpointWidths(opts.Breakpoints, srcWidth) {
			scaled := imaging.Resize(img, w, 0, imaging.Lanczos)
			out, err := encodeWebP(scaled, opts, tier)
			if err != nil {
				continue
			}
			res.Variants = append(res.Variants, ImageVariant{
				Suffix: fmt.Sprintf("-%dw.webp", w),
				Kind:   "breakpoint",
				Width:  w,
				Data:   out,
			})
		}
	}

	if opts.ConvertAVIF {
		if out, err := encodeAVIF(resized, opts, tier); err == nil &&
			float64(len(out)) < float64(len(input))*avifVariantRatio {
			res.Variants = append(res.Variants, ImageVariant{Suffix: ".avif", Kind: "avif", Data: out})
		}
	}

	if res.Overwrite == nil && len(res.Variants) == 0 {
		res.PassThrough = true
		if res.Reason == "" {
			res.Reason = "no variant beat the original"
		}
	}
	return res
}

func deriveTier(pathHint string, lcp bool) qualityTier {
	if lcp {
		return tierHero
	}
	p := strings.ToLower(pathHint)
	for _, h := range heroHints {
		if strings.Contains(p, h) {
			return tierHero
		}
	}
	for _, h := range thumbHints {
		if strings.Contains(p, h) {
			return tierThumbnail
		}
	}
	return tierStandard
}

func (o ImageOptions) jpegQuality(t qualityTier) int {
	if o.JPEGQuality > 0 {
		return o.JPEGQuality
	}
	return t.jpeg
}

func (o ImageOptions) webpQuality(t qualityTier) int {
	if o.WebPQuality > 0 {
		return o.WebPQuality
	}
	return t.webp
}

func (o ImageOptions) avifQuality(t qualityTier) int {
	if o.AVIFQuality > 0 {
		return o.AVIFQuality
	}
	return t.avif
}

func decodeImage(input []byte, ext string) (image.Image, error) {
	switch ext {
	case ".webp":
		return webp.Decode(bytes.NewReader(input))
	case ".avif":
		return avif.Decode(bytes.NewReader(input))
	default:
		return imaging.Decode(bytes.NewReader(input), imaging.AutoOrientation(true))
	}
}

func encodeOriginal(img image.Image, ext string, opts ImageOptions, tier qualityTier) ([]byte, error) {
	var buf bytes.Buffer
	switch ext {
	case ".jpg", ".jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: opts.jpegQuality(tier)}); err != nil {
			return nil, err
		}
	case ".png":
		out := img
		// Palette encoding shrinks flat-color PNGs hard but quantizes;
		// never applied to the LCP image.
		if !opts.LCP {
			if p, ok := tryPalette(img); ok {
				out = p
			}
		}
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, out); err != nil {
			return nil, err
		}
	case ".webp":
		return encodeWebP(img, opts, tier)
	case ".avif":
		return encodeAVIF(img, opts, tier)
	default:
		return nil, fmt.Errorf("no encoder for %s", ext)
	}
	return buf.Bytes(), nil
}

func encodeWebP(img image.Image, opts ImageOptions, tier qualityTier) ([]byte, error) {
	q := opts.webpQuality(tier)
	o := webp.Options{Quality: q, Method: webpMethod(opts.Effort)}
	if q > 90 && opts.LCP {
		o.Lossless = true
	}
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, o); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeAVIF(img image.Image, opts ImageOptions, tier qualityTier) ([]byte, error) {
	var buf bytes.Buffer
	err := avif.Encode(&buf, img, avif.Options{
		Quality:           opts.avifQuality(tier),
		QualityAlpha:      opts.avifQuality(tier),
		Speed:             avifSpeed(opts.Effort),
		ChromaSubsampling: image.YCbCrSubsampleRatio420,
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// webpMethod maps effort 0-9 onto the codec's 0-6 method scale.
func webpMethod(effort int) int {
	m := effort * 6 / 9
	if m < 0 {
		return 0
	}
	if m > 6 {
		return 6
	}
	return m
}

// avifSpeed inverts effort onto the codec's speed scale, 0 slowest.
func avifSpeed(effort int) int {
	s := 10 - effort
	if s < 0 {
		return 0
	}
	if s > 10 {
		return 10
	}
	return s
}

// breakpointWidths returns the configured breakpoints strictly below the
// source width, ascending.
func breakpointWidths(breakpoints []int, srcWidth int) []int {
	var out []int
	for _, w := range breakpoints {
		if w > 0 && w < srcWidth {
			out = append(out, w)
		}
	}
	sort.Ints(out)
	return out
}

// tryPalette converts an image to 8-bit paletted form when it has at most
// 256 distinct colors, losslessly.
func tryPalette(img image.Image) (image.Image, bool) {
	bounds := img.Bounds()
	seen := make(map[uint64]struct{}, 257)
	var palette color.Palette
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.At(x, y)
			r, g, b, a := c.RGBA()
			key := uint64(r)<<48 | uint64(g)<<32 | uint64(b)<<16 | uint64(a)
			if _, ok := seen[key]; ok {
				continue
			}
			if len(seen) >= 256 {
				return nil, false
			}
			seen[key] = struct{}{}
			palette = append(palette, c)
		}
	}
	if len(palette) == 0 {
		return nil, false
	}
	p := image.NewPaletted(bounds, palette)
	draw.Draw(p, bounds, img, bounds.Min, draw.Src)
	return p, true
}
