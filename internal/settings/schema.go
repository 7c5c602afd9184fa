package settings

import (
	"fmt"
	"sort"
	"strings"
)

// LeafError reports a rejected settings leaf.
type LeafError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e LeafError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Reason) }

// intRange bounds an integer leaf.
type intRange struct {
	min, max int
}

// Closed enum sets and integer bounds, keyed by dotted path. Leaves not
// listed here are type-checked against the default tree only.
var (
	enumConstraints = map[string][]string{
		"build.scope":                 {"full", "custom"},
		"build.pageSelection":         {"sitemap", "url_list", "pattern"},
		"images.lcpMode":              {"auto", "manual"},
		"css.purgeAggressiveness":     {"safe", "aggressive"},
		"css.minifyPreset":            {"safe", "advanced", "lite"},
		"css.fontDisplay":             {"auto", "block", "swap", "fallback", "optional"},
		"fonts.fontDisplay":           {"auto", "block", "swap", "fallback", "optional"},
		"js.defaultLoadingStrategy":   {"defer", "async", "none"},
		"html.thirdPartyScriptAction": {"remove", "defer", "keep"},
		"html.videoFacades.posterQuality": {"sd", "mq", "hq", "maxres"},
		"verify.pageSpeed.strategy":   {"mobile", "desktop"},
	}

	intConstraints = map[string]intRange{
		"build.maxPages":             {1, 500},
		"build.maxConcurrentPages":   {1, 16},
		"build.crawlWaitMs":          {0, 60000},
		"build.pageLoadTimeoutMs":    {1000, 120000},
		"build.networkIdleTimeoutMs": {0, 120000},
		"build.maxRetries":           {0, 10},
		"build.retryBackoffMs":       {0, 60000},
		"build.pipelineTimeoutMin":   {1, 240},
		"images.quality.jpeg":        {1, 100},
		"images.quality.webp":        {1, 100},
		"images.quality.avif":        {1, 100},
		"images.maxWidth":            {320, 7680},
		"images.effort":              {0, 9},
		"images.lcpCandidateCount":   {0, 10},
		"js.terserPasses":            {1, 5},
		"fonts.preloadCount":         {0, 10},
		"verify.performanceThreshold": {0, 100},
		"verify.pageSpeed.hardMin":   {0, 100},
		"verify.pageSpeed.softMin":   {0, 100},
		"agent.maxIterations":        {0, 50},
		"agent.workDirTTLHours":      {0, 720},
		"agent.sslWaitSec":           {0, 600},
	}
)

// Validate checks an override tree against the schema derived from the
// default tree plus the enum and range constraints. It returns the list of
// unknown paths (accepted and preserved, surfaced as warnings) and the list
// of rejected leaves. Overrides with any rejected leaf must not be persisted.
func Validate(overrides map[string]any) (warnings []string, errs []LeafError) {
	validateNode(Defaults(), overrides, "", &warnings, &errs)
	sort.Strings(warnings)
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	return warnings, errs
}

func validateNode(defaults, node map[string]any, prefix string, warnings *[]string, errs *[]LeafError) {
	for key, val := range node {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		dv, known := defaults[key]
		if !known {
			*warnings = append(*warnings, path)
			continue
		}

		dm, defaultIsMap := dv.(map[string]any)
		vm, valueIsMap := val.(map[string]any)
		switch {
		case defaultIsMap && valueIsMap:
			validateNode(dm, vm, path, warnings, errs)
		case defaultIsMap != valueIsMap:
			*errs = append(*errs, LeafError{Path: path, Reason: "subtree and leaf mismatch"})
		default:
			validateLeaf(path, dv, val, errs)
		}
	}
}

func validateLeaf(path string, defaultVal, val any, errs *[]LeafError) {
	if enum, ok := enumConstraints[path]; ok {
		s, isStr := val.(string)
		if !isStr {
			*errs = append(*errs, LeafError{Path: path, Reason: "expected enum string"})
			return
		}
		for _, allowed := range enum {
			if s == allowed {
				return
			}
		}
		*errs = append(*errs, LeafError{
			Path:   path,
			Reason: fmt.Sprintf("unknown enum value %q (allowed: %s)", s, strings.Join(enum, ", ")),
		})
		return
	}

	if bounds, ok := intConstraints[path]; ok {
		f, isNum := asFloat(val)
		if !isNum || f != float64(int(f)) {
			*errs = append(*errs, LeafError{Path: path, Reason: "expected integer"})
			return
		}
		n := int(f)
		if n < bounds.min || n > bounds.max {
			*errs = append(*errs, LeafError{
				Path:   path,
				Reason: fmt.Sprintf("value %d out of range [%d, %d]", n, bounds.min, bounds.max),
			})
		}
		return
	}

	// Remaining leaves type-check against the default's kind.
	switch defaultVal.(type) {
	case bool:
		if _, ok := val.(bool); !ok {
			*errs = append(*errs, LeafError{Path: path, Reason: "expected boolean"})
		}
	case string:
		if _, ok := val.(string); !ok {
			*errs = append(*errs, LeafError{Path: path, Reason: "expected string"})
		}
	case int, int64, float64:
		if _, ok := asFloat(val); !ok {
			*errs = append(*errs, LeafError{Path: path, Reason: "expected number"})
		}
	case []any, []string:
		if !isList(val) {
			*errs = append(*errs, LeafError{Path: path, Reason: "expected list"})
		}
	}
}

func isList(v any) bool {
	switch v.(type) {
	case []any, []string, []int:
		return true
	default:
		return false
	}
}
