package assets

import (
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func matcherFor(t *testing.T, html, aggressiveness string, coverage ...string) *UsageMatcher {
	t.Helper()
	cov := map[string]bool{}
	for _, s := range coverage {
		cov[s] = true
	}
	var docs []*goquery.Document
	if html != "" {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	return NewUsageMatcher(cov, docs, aggressiveness)
}

func TestTransformCSSPurgeDropsUnusedRules(t *testing.T) {
	input := []byte(`.kept{color:red}.gone{color:blue}`)
	m := matcherFor(t, "", "aggressive", ".kept")

	res, err := TransformCSS(input, CSSOptions{Purge: true, Matcher: m, Minify: false})
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), ".kept")
	assert.NotContains(t, string(res.Output), ".gone")
	assert.Equal(t, 1, res.DroppedRules)
}

func TestPurgeKeepsFontFaceAlways(t *testing.T) {
	input := []byte(`@font-face{font-family:Inter;src:url(/f.woff2)}.gone{color:blue}`)
	m := matcherFor(t, "", "aggressive")

	res, err := TransformCSS(input, CSSOptions{Purge: true, Matcher: m, Minify: false, FontDisplay: ""})
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), "@font-face")
	assert.NotContains(t, string(res.Output), ".gone")
}

func TestPurgeKeepsReferencedKeyframesOnly(t *testing.T) {
	input := []byte(`@keyframes spin{from{transform:rotate(0)}to{transform:rotate(360deg)}}` +
		`@keyframes dead{from{opacity:0}}` +
		`.kept{animation:spin 1s linear infinite}`)
	m := matcherFor(t, "", "aggressive", ".kept")

	res, err := TransformCSS(input, CSSOptions{Purge: true, Matcher: m, Minify: false, FontDisplay: ""})
	require.NoError(t, err)
	out := string(res.Output)
	assert.Contains(t, out, "@keyframes spin")
	assert.NotContains(t, out, "@keyframes dead")
}

func TestPurgeDropsEmptyMediaWrapper(t *testing.T) {
	input := []byte(`@media (min-width:640px){.gone{display:none}}` +
		`@media print{.kept{color:black}}`)
	m := matcherFor(t, "", "aggressive", ".kept")

	res, err := TransformCSS(input, CSSOptions{Purge: true, Matcher: m, Minify: false})
	require.NoError(t, err)
	out := string(res.Output)
	assert.Contains(t, out, "@media print")
	assert.NotContains(t, out, "min-width:640px", "wrapper with no surviving rules is dropped")
}

func TestSafeModeKeepsCMSClassesWithoutCoverage(t *testing.T) {
	input := []byte(`.wp-block-gallery{display:grid}.totally-custom{color:red}`)

	safe := matcherFor(t, "", "safe")
	res, err := TransformCSS(input, CSSOptions{Purge: true, Matcher: safe, Minify: false})
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), ".wp-block-gallery")
	assert.NotContains(t, string(res.Output), ".totally-custom")

	aggr := matcherFor(t, "", "aggressive")
	res, err = TransformCSS(input, CSSOptions{Purge: true, Matcher: aggr, Minify: false})
	require.NoError(t, err)
	assert.NotContains(t, string(res.Output), ".wp-block-gallery")
}

func TestMatcherLiveDOMMatch(t *testing.T) {
	m := matcherFor(t, `<html><body><nav class="site-menu"><a href="/">x</a></nav></body></html>`, "aggressive")

	assert.True(t, m.Used("nav.site-menu a"), "selector matching the document survives")
	assert.False(t, m.Used(".nowhere"), "selector matching nothing is dropped")
	assert.True(t, m.Used(".site-menu:hover"), "pseudo classes are stripped before matching")
	assert.True(t, m.Used(":root"), "pure pseudo selectors always apply")
}

func TestTransformCSSInjectsFontDisplay(t *testing.T) {
	input := []byte(`@font-face{font-family:A;src:url(/a.woff2)}` +
		`@font-face{font-family:B;font-display:block;src:url(/b.woff2)}`)

	res, err := TransformCSS(input, CSSOptions{Minify: false, FontDisplay: "swap"})
	require.NoError(t, err)
	out := string(res.Output)
	assert.Contains(t, out, "font-display:swap")
	assert.Contains(t, out, "font-display:block", "existing descriptor is left alone")
	assert.Equal(t, 1, strings.Count(out, "font-display:swap"))
}

func TestTransformCSSAdvancedCollapsesKeyframes(t *testing.T) {
	input := []byte(`@keyframes long-descriptive-name{from{opacity:0}to{opacity:1}}` +
		`.a{animation:long-descriptive-name .3s}`)

	res, err := TransformCSS(input, CSSOptions{Minify: true, MinifyPreset: "advanced", FontDisplay: ""})
	require.NoError(t, err)
	assert.NotContains(t, string(res.Output), "long-descriptive-name")
	assert.Contains(t, string(res.Output), "k0")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "keyframes")
}

func TestTransformCSSLitePreservesStructure(t *testing.T) {
	input := []byte("/* banner */\n.a {\n  color : red ;\n}\n")

	res, err := TransformCSS(input, CSSOptions{Minify: true, MinifyPreset: "lite", FontDisplay: ""})
	require.NoError(t, err)
	out := string(res.Output)
	assert.Contains(t, out, "/* banner */", "lite keeps comments")
	assert.Contains(t, out, "color:red")
	assert.Less(t, len(out), len(input))
}

func TestCombineCSSMarkersAndRebase(t *testing.T) {
	out := CombineCSS([]SourceSheet{
		{Path: "css/app.css", Data: []byte(`.a{background:url(../img/bg.png)}`)},
		{Path: "vendor/lib.css", Data: []byte(`@import "theme.css";.b{background:url(data:image/gif;base64,R0)}`)},
	})
	s := string(out)
	assert.Contains(t, s, "/* Source: css/app.css */")
	assert.Contains(t, s, "/* Source: vendor/lib.css */")
	assert.Contains(t, s, "url(/img/bg.png)", "relative url rebased onto the site root")
	assert.Contains(t, s, `@import "/vendor/theme.css"`)
	assert.Contains(t, s, "url(data:image/gif;base64,R0)", "data URIs untouched")
	assert.Less(t, strings.Index(s, "css/app.css"), strings.Index(s, "vendor/lib.css"), "discovery order preserved")
}

func TestCriticalCSSExactMatchesOnly(t *testing.T) {
	input := []byte(`.above{color:red}.below{color:blue}.wp-widget{color:green}`)

	out, err := CriticalCSS(input, map[string]bool{".above": true})
	require.NoError(t, err)
	assert.Contains(t, string(out), ".above")
	assert.NotContains(t, string(out), ".below")
	assert.NotContains(t, string(out), ".wp-widget", "no safelist in critical extraction")
}
