package assets

import (
	"regexp"

	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/svg"
)

var svgMinifier = func() *minify.M {
	m := minify.New()
	m.AddFunc("image/svg+xml", svg.Minify)
	return m
}()

var (
	svgRootRe    = regexp.MustCompile(`(?is)<svg\b[^>]*>`)
	svgDimRe     = regexp.MustCompile(`(?i)\s(?:width|height)\s*=\s*("[^"]*"|'[^']*')`)
	svgViewBoxRe = regexp.MustCompile(`(?i)viewbox\s*=`)
)

// TransformSVG minifies an SVG in up to two passes and strips the root
// width/height attributes when a viewBox is present, keeping the smaller of
// input and output. On error the input comes back unchanged alongside the
// error.
func TransformSVG(input []byte) ([]byte, error) {
	out := input
	for i := 0; i < 2; i++ {
		next, err := svgMinifier.Bytes("image/svg+xml", out)
		if err != nil {
			return input, err
		}
		if len(next) >= len(out) {
			break
		}
		out = next
	}
	out = removeRootDimensions(out)
	if len(out) >= len(input) {
		return input, nil
	}
	return out, nil
}

// removeRootDimensions drops width/height from the root svg element when a
// viewBox already fixes the aspect ratio; CSS then controls the display
// size.
func removeRootDimensions(in []byte) []byte {
	loc := svgRootRe.FindIndex(in)
	if loc == nil {
		return in
	}
	tag := in[loc[0]:loc[1]]
	if !svgViewBoxRe.Match(tag) {
		return in
	}
	cleaned := svgDimRe.ReplaceAll(tag, nil)
	out := make([]byte, 0, len(in))
	out = append(out, in[:loc[0]]...)
	out = append(out, cleaned...)
	out = append(out, in[loc[1]:]...)
	return out
}
