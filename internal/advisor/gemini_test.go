package advisor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/verify"
)

func TestParsePlanEnvelope(t *testing.T) {
	text := `{"summary":"enable AVIF for the hero images","settingsPatch":"{\"images\":{\"convertToAvif\":true}}"}`

	plan, err := parsePlan(text)
	require.NoError(t, err)
	assert.Equal(t, "enable AVIF for the hero images", plan.Summary)
	assert.True(t, settings.Bool(plan.SettingsPatch, false, "images", "convertToAvif"))
}

func TestParsePlanRejectsInvalidLeaf(t *testing.T) {
	text := `{"summary":"bad","settingsPatch":"{\"css\":{\"purge\":\"yes\"}}"}`

	_, err := parsePlan(text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected boolean")
}

func TestParsePatchEmptyForms(t *testing.T) {
	for _, raw := range []string{"", "{}", "null", "  {} "} {
		patch, err := parsePatch(raw)
		require.NoError(t, err, "raw %q", raw)
		assert.Empty(t, patch, "raw %q", raw)
	}
}

func TestParsePatchMalformed(t *testing.T) {
	_, err := parsePatch(`{"css": `)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode settings patch")
}

func TestParsePatchUnknownEnumValue(t *testing.T) {
	_, err := parsePatch(`{"css":{"purgeAggressiveness":"brutal"}}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "css.purgeAggressiveness")
}

func TestParseReviewEnvelope(t *testing.T) {
	text := `{
		"shouldRebuild": true,
		"settingChanges": "{\"css\":{\"purge\":false}}",
		"overallVerdict": "incomplete",
		"reasoning": "visual drift on the landing page"
	}`

	rev, err := parseReview(text)
	require.NoError(t, err)
	assert.True(t, rev.ShouldRebuild)
	assert.Equal(t, VerdictIncomplete, rev.Verdict)
	assert.Equal(t, false, settings.Bool(rev.SettingChanges, true, "css", "purge"))
	assert.Equal(t, "visual drift on the landing page", rev.Reasoning)
}

func TestParseReviewUnknownVerdict(t *testing.T) {
	text := `{"shouldRebuild":false,"settingChanges":"{}","overallVerdict":"maybe","reasoning":""}`

	_, err := parseReview(text)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown verdict")
}

func TestBuildPlanPromptEmbedsEvidence(t *testing.T) {
	inv := emptyInventory()
	inv.Assets["https://example.com/hero.jpg"] = &inventory.Asset{
		URL: "https://example.com/hero.jpg", Class: inventory.ClassImage, OriginalBytes: 400 * 1024,
	}
	prompt, err := buildPlanPrompt(PlanRequest{
		Origin:    "https://example.com",
		Inventory: inv,
		Current:   settings.Resolve(settings.Defaults(), map[string]any{"css": map[string]any{"purge": true}}),
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, `"origin":"https://example.com"`)
	assert.Contains(t, prompt, `"largeImages":1`)
	assert.Contains(t, prompt, "only legal keys")
	// The diff keeps the prompt small: only the purge override appears, not
	// the whole resolved tree.
	assert.Contains(t, prompt, "Current overrides already applied:\n{\"css\":{\"purge\":true}}")
}

func TestBuildReviewPromptEmbedsOutcome(t *testing.T) {
	rep := passingReport()
	rep.Visual = []verify.VisualResult{{Path: "/", Status: verify.VisualFailed}}

	prompt, err := buildReviewPrompt(ReviewRequest{
		Iteration:     2,
		MaxIterations: 10,
		Report:        rep,
		History:       []IterationOutcome{{Iteration: 1, BuildOK: true, VisualFailures: 2}},
		Current:       settings.Defaults(),
	})
	require.NoError(t, err)
	assert.Contains(t, prompt, `"visualFailures":1`)
	assert.Contains(t, prompt, `"iteration":2`)
	assert.Contains(t, prompt, `"visualFailures":2`) // the history line
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(t.Context(), "", DefaultGeminiModel, discardLogger())
	require.Error(t, err)
}
