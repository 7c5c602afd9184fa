// Package assets implements the per-class asset transformers: raster and SVG
// image recompression with variant generation, CSS purge/minify/combine, JS
// minification and removal, and Google Fonts self-hosting. Transformers are
// pure byte-in/byte-out functions; the pipeline owns file placement.
package assets

import (
	"path"
	"strings"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
)

// HashedName returns the content-hashed output name for a transformed asset:
// css/app.css -> css/app-1a2b3c4d.css. The hash is the first 8 hex chars of
// the content sha256, so equal content always maps to the same name.
func HashedName(relPath string, content []byte) string {
	ext := path.Ext(relPath)
	return strings.TrimSuffix(relPath, ext) + "-" + inventory.ShortHash(content) + ext
}

// VariantName returns a deterministic sibling name for an image variant:
// img/hero.jpg + ".webp" -> img/hero.webp, + "-640w.webp" -> img/hero-640w.webp.
func VariantName(relPath, suffix string) string {
	ext := path.Ext(relPath)
	return strings.TrimSuffix(relPath, ext) + suffix
}
