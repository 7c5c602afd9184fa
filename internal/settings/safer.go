package settings

// SaferPatch returns the curated conservative patch merged onto current
// settings after an iteration that errored or whose build failed: CSS purge
// off and pinned safe, jQuery removal off, and the three aggressive HTML
// minifier flags off. The patch is idempotent under Merge.
func SaferPatch() map[string]any {
	return map[string]any{
		"css": map[string]any{
			"purge":               false,
			"purgeAggressiveness": "safe",
		},
		"js": map[string]any{
			"removeJquery": false,
		},
		"html": map[string]any{
			"removeAttributeQuotes": false,
			"removeOptionalTags":    false,
			"removeEmptyElements":   false,
		},
	}
}

// ApplySafer merges the safer patch onto current and returns the result.
func ApplySafer(current map[string]any) map[string]any {
	return Merge(current, SaferPatch())
}
