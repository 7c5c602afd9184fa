package settings

// Defaults returns the process-wide default settings tree. Every leaf the
// engine reads has a default here; the effective settings for a site are
// Resolve(Defaults(), site overrides).
//
// Scope precedence: when build.scope is "custom" the customUrls list seeds
// the crawl and build.pageSelection is ignored; otherwise pageSelection
// picks sitemap, url_list or pattern discovery.
func Defaults() map[string]any {
	return map[string]any{
		"build": map[string]any{
			"scope":                "full",    // full|custom
			"customUrls":           []any{},   // used when scope=custom
			"pageSelection":        "sitemap", // sitemap|url_list|pattern
			"urlList":              []any{},
			"pagePattern":          "/*",
			"maxPages":             25,
			"maxConcurrentPages":   4,
			"crawlWaitMs":          1500,
			"pageLoadTimeoutMs":    30000,
			"networkIdleTimeoutMs": 10000,
			"excludePatterns":      []any{},
			"maxRetries":           2,
			"retryBackoffMs":       1000,
			"pipelineTimeoutMin":   30,
		},
		"images": map[string]any{
			"convertToWebp": true,
			"convertToAvif": false,
			"quality": map[string]any{
				"jpeg": 75,
				"webp": 75,
				"avif": 45,
			},
			"maxWidth":          1920,
			"breakpoints":       []any{320, 640, 768, 1024, 1366, 1920},
			"effort":            4,
			"stripMetadata":     true,
			"keepOriginal":      true,
			"optimizeSvg":       true,
			"lazyLoad":          true,
			"lcpMode":           "auto", // auto|manual
			"lcpSelector":       "",
			"lcpCandidateCount": 3,
		},
		"css": map[string]any{
			"purge":              false,
			"purgeAggressiveness": "safe", // safe|aggressive
			"minify":             true,
			"minifyPreset":       "safe", // safe|advanced|lite
			"critical":           false,
			"fontDisplay":        "swap", // auto|block|swap|fallback|optional
			"combineStylesheets": false,
		},
		"js": map[string]any{
			"minify":                 true,
			"terserPasses":           1,
			"dropConsole":            false,
			"dropDebugger":           false,
			"removeJquery":           false,
			"removePatterns":         []any{},
			"defaultLoadingStrategy": "defer", // defer|async|none
			"moveToBodyEnd":          false,
			"deferExceptions":        []any{},
		},
		"html": map[string]any{
			"removeGeneratorMeta": true,
			"removeRsdLink":       true,
			"removeWlwManifest":   true,
			"removeShortlink":     true,
			"removeOembedLinks":   true,
			"removeEmojiScripts":  true,
			"removePingback":      true,
			"thirdPartyScriptAction": "defer", // remove|defer|keep
			"videoFacades": map[string]any{
				"enabled":         true,
				"youtube":         true,
				"vimeo":           true,
				"wistia":          true,
				"loom":            true,
				"bunny":           true,
				"mux":             true,
				"dailymotion":     true,
				"streamable":      true,
				"twitch":          true,
				"directVideo":     true,
				"privacyEnhanced": true,
				"posterQuality":   "hq", // sd|mq|hq|maxres
			},
			"mapsFacade":            false,
			"collapseWhitespace":    true,
			"removeComments":        true,
			"removeAttributeQuotes": false,
			"removeOptionalTags":    false,
			"removeEmptyElements":   false,
			"clsFixes": map[string]any{
				"iframeAspectRatio": true,
				"adMinHeight":       true,
				"cookieBannerFixed": true,
				"containment":       false,
			},
			"resourceHints":  true,
			"svgSpriteDedup": true,
		},
		"fonts": map[string]any{
			"selfHostGoogleFonts": true,
			"fontDisplay":         "swap",
			"preloadCount":        3,
		},
		"headers": map[string]any{
			"cacheDurations": map[string]any{
				"html":         "public,max-age=3600",
				"hashedCssJs":  "public,max-age=31536000,immutable",
				"hashedImages": "public,max-age=31536000,immutable",
				"images":       "public,max-age=604800",
				"fonts":        "public,max-age=31536000",
				"favicon":      "public,max-age=86400",
			},
			"security": map[string]any{
				"contentTypeOptions": true,
				"frameOptions":       true,
				"hsts":               true,
				"referrerPolicy":     true,
				"permissionsPolicy":  true,
				"xssProtection":      true,
			},
		},
		"verify": map[string]any{
			"visualEpsilonIdentical":  0.001,
			"visualEpsilonAcceptable": 0.02,
			"performanceThreshold":    80,
			"pageSpeed": map[string]any{
				"enabled":  false,
				"strategy": "mobile", // mobile|desktop
				"hardMin":  85,
				"softMin":  75,
			},
		},
		"agent": map[string]any{
			"maxIterations":   10,
			"workDirTTLHours": 1,
			"sslWaitSec":      120,
		},
	}
}
