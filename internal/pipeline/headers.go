package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/events"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

const immutableYear = "public,max-age=31536000,immutable"

// phaseHeaders emits the _headers manifest at the bundle root: a
// cache-control block for each duration category plus the enabled security
// headers.
func (o *Orchestrator) phaseHeaders(ctx context.Context, bs *buildState) error {
	manifest := headersManifest(bs.effective)
	if err := writeFileAtomic(filepath.Join(bs.outputDir, "_headers"), manifest); err != nil {
		return pferrors.WorkspaceError("write headers manifest", err)
	}
	bs.emitLog(ctx, events.LevelInfo, events.PhaseHeaders, "headers manifest written", nil)
	return nil
}

// headersManifest renders the newline-separated path/header blocks. When a
// rule pattern overlaps an earlier one (the responsive webp variants inside
// the generic webp rule), the later block wins, so the specific patterns
// come last.
func headersManifest(effective map[string]any) []byte {
	dur := func(key, fallback string) string {
		return settings.String(effective, fallback, "headers", "cacheDurations", key)
	}

	var b strings.Builder
	block := func(pattern string, headers ...string) {
		b.WriteString(pattern)
		b.WriteByte('\n')
		for _, h := range headers {
			b.WriteString("  ")
			b.WriteString(h)
			b.WriteByte('\n')
		}
	}

	block("/*.html", "Cache-Control: "+dur("html", "public,max-age=3600"))
	block("/assets/*-*.css", "Cache-Control: "+dur("hashedCssJs", immutableYear))
	block("/assets/*-*.js", "Cache-Control: "+dur("hashedCssJs", immutableYear))
	for _, ext := range []string{"jpg", "jpeg", "png", "gif", "webp", "avif", "svg"} {
		block("/assets/*."+ext, "Cache-Control: "+dur("images", "public,max-age=604800"))
	}
	block("/assets/*-*w.webp", "Cache-Control: "+dur("hashedImages", immutableYear))
	for _, ext := range []string{"woff2", "woff", "ttf"} {
		block("/assets/*."+ext, "Cache-Control: "+dur("fonts", "public,max-age=31536000"))
	}
	block("/favicon.ico", "Cache-Control: "+dur("favicon", "public,max-age=86400"))

	sec := func(key string) bool {
		return settings.Bool(effective, true, "headers", "security", key)
	}
	var hs []string
	if sec("contentTypeOptions") {
		hs = append(hs, "X-Content-Type-Options: nosniff")
	}
	if sec("frameOptions") {
		hs = append(hs, "X-Frame-Options: SAMEORIGIN")
	}
	if sec("hsts") {
		hs = append(hs, "Strict-Transport-Security: max-age=63072000; includeSubDomains; preload")
	}
	if sec("referrerPolicy") {
		hs = append(hs, "Referrer-Policy: strict-origin-when-cross-origin")
	}
	if sec("permissionsPolicy") {
		hs = append(hs, "Permissions-Policy: camera=(), microphone=(), geolocation=()")
	}
	if sec("xssProtection") {
		hs = append(hs, "X-XSS-Protection: 0")
	}
	if len(hs) > 0 {
		block("/*", hs...)
	}
	return []byte(b.String())
}
