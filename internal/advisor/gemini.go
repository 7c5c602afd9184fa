package advisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/settings"
)

// DefaultGeminiModel is used when the config names no model.
const DefaultGeminiModel = "gemini-2.0-flash"

const planSystemPrompt = `You are the planning module of a website performance
optimization engine. Given a crawl digest of a site, propose a sparse
settings patch that improves load performance without breaking layout or
behavior. Only emit leaves that exist in the default settings tree provided
in the request; never invent keys. Prefer low-risk changes first. Respond
with JSON only.`

const reviewSystemPrompt = `You are the review module of a website performance
optimization engine. An optimized copy of a site was built and verified
against the original. Given the gate outcomes and the iteration history,
decide whether another build with adjusted settings is worth it. Failures
usually trace back to the passes that touch what broke: CSS purge/critical
for visual drift, script handling for behavior breaks. Only emit setting
leaves that exist in the default settings tree provided in the request.
Respond with JSON only.`

// planSchema constrains the model to the plan envelope. The patch itself is
// JSON-in-a-string because the settings tree is too open-ended to schema.
var planSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"summary": {
			Type:        genai.TypeString,
			Description: "One or two sentences on what the patch targets and why.",
		},
		"settingsPatch": {
			Type:        genai.TypeString,
			Description: "JSON object of sparse settings overrides, e.g. {\"css\":{\"purge\":true}}. \"{}\" when nothing should change.",
		},
	},
	Required: []string{"summary", "settingsPatch"},
}

var reviewSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"shouldRebuild": {
			Type:        genai.TypeBoolean,
			Description: "Whether another iteration with the suggested changes is worth running.",
		},
		"settingChanges": {
			Type:        genai.TypeString,
			Description: "JSON object of sparse settings overrides to merge before rebuilding. \"{}\" when not rebuilding.",
		},
		"overallVerdict": {
			Type: genai.TypeString,
			Enum: []string{"pass", "acceptable", "incomplete", "failed"},
		},
		"reasoning": {
			Type:        genai.TypeString,
			Description: "Short justification of the decision.",
		},
	},
	Required: []string{"shouldRebuild", "settingChanges", "overallVerdict"},
}

// Gemini is the model-backed advisor. All its errors are retryable so the
// resilient wrapper can retry and then fall back to the heuristic.
type Gemini struct {
	client *genai.Client
	model  string
	log    *slog.Logger
}

func NewGemini(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, pferrors.New(pferrors.CategoryConfig, pferrors.SeverityError, "gemini API key is required")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, pferrors.Wrap(err, pferrors.CategoryConfig, pferrors.SeverityError, "create gemini client")
	}
	return &Gemini{client: client, model: model, log: logger}, nil
}

var _ Advisor = (*Gemini)(nil)

func (g *Gemini) Close() error {
	return nil
}

func (g *Gemini) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	if req.Inventory == nil {
		return Plan{}, pferrors.ValidationFailed("inventory", "required")
	}
	prompt, err := buildPlanPrompt(req)
	if err != nil {
		return Plan{}, pferrors.Wrap(err, pferrors.CategoryAdvisor, pferrors.SeverityError, "build plan prompt")
	}

	text, err := g.generate(ctx, planSystemPrompt, prompt, planSchema)
	if err != nil {
		return Plan{}, err
	}
	plan, err := parsePlan(text)
	if err != nil {
		return Plan{}, pferrors.WrapRetryable(err, pferrors.CategoryAdvisor, pferrors.SeverityWarning, "gemini returned an unusable plan")
	}
	g.log.Info("gemini plan accepted", slog.String("summary", plan.Summary))
	return plan, nil
}

func (g *Gemini) Review(ctx context.Context, req ReviewRequest) (Review, error) {
	if req.Report == nil {
		return Review{}, pferrors.ValidationFailed("report", "required")
	}
	prompt, err := buildReviewPrompt(req)
	if err != nil {
		return Review{}, pferrors.Wrap(err, pferrors.CategoryAdvisor, pferrors.SeverityError, "build review prompt")
	}

	text, err := g.generate(ctx, reviewSystemPrompt, prompt, reviewSchema)
	if err != nil {
		return Review{}, err
	}
	review, err := parseReview(text)
	if err != nil {
		return Review{}, pferrors.WrapRetryable(err, pferrors.CategoryAdvisor, pferrors.SeverityWarning, "gemini returned an unusable review")
	}
	g.log.Info("gemini review accepted",
		slog.Bool("rebuild", review.ShouldRebuild), slog.String("verdict", string(review.Verdict)))
	return review, nil
}

func (g *Gemini) generate(ctx context.Context, system, prompt string, schema *genai.Schema) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.2),
		ResponseMIMEType:  "application/json",
		ResponseSchema:    schema,
	})
	if err != nil {
		return "", pferrors.WrapRetryable(err, pferrors.CategoryAdvisor, pferrors.SeverityWarning, "gemini call failed")
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", pferrors.Retryable(pferrors.CategoryAdvisor, pferrors.SeverityWarning, "gemini returned an empty response")
	}
	return text, nil
}

// siteDigest is the compact crawl summary embedded in prompts.
type siteDigest struct {
	Origin        string           `json:"origin"`
	Pages         int              `json:"pages"`
	AssetCounts   map[string]int   `json:"assetCounts"`
	AssetBytes    map[string]int64 `json:"assetBytes"`
	LargeImages   int              `json:"largeImages"`
	UsesJQuery    bool             `json:"usesJquery"`
	JQueryScripts int              `json:"jqueryScripts"`
	HasCoverage   bool             `json:"hasCoverage"`
	PageSpeed     *int             `json:"pageSpeedPerformance,omitempty"`
}

func digest(req PlanRequest) siteDigest {
	d := siteDigest{
		Origin:        req.Origin,
		Pages:         len(req.Inventory.Pages),
		AssetCounts:   map[string]int{},
		AssetBytes:    map[string]int64{},
		LargeImages:   countLargeImages(req.Inventory),
		UsesJQuery:    req.Inventory.UsesJQuery,
		JQueryScripts: len(req.Inventory.JQueryScripts),
		HasCoverage:   hasCoverage(req.Inventory),
	}
	for _, a := range req.Inventory.Assets {
		d.AssetCounts[string(a.Class)]++
		d.AssetBytes[string(a.Class)] += a.OriginalBytes
	}
	if req.PageSpeed != nil {
		perf := req.PageSpeed.Performance
		d.PageSpeed = &perf
	}
	return d
}

func buildPlanPrompt(req PlanRequest) (string, error) {
	dig, err := json.Marshal(digest(req))
	if err != nil {
		return "", err
	}
	defaults, err := json.Marshal(settings.Defaults())
	if err != nil {
		return "", err
	}
	overrides, err := json.Marshal(settings.Diff(settings.Defaults(), req.Current))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Site digest:\n")
	b.Write(dig)
	b.WriteString("\n\nDefault settings tree (the only legal keys):\n")
	b.Write(defaults)
	b.WriteString("\n\nCurrent overrides already applied:\n")
	b.Write(overrides)
	b.WriteString("\n\nPropose the settings patch for the first optimization build.")
	return b.String(), nil
}

func buildReviewPrompt(req ReviewRequest) (string, error) {
	rep := req.Report
	outcome := map[string]any{
		"iteration":          req.Iteration,
		"maxIterations":      req.MaxIterations,
		"visualFailures":     countVisualFailures(rep),
		"visualTotal":        len(rep.Visual),
		"functionalFailures": countFunctionalFailures(rep),
		"functionalTotal":    len(rep.Functional),
		"brokenLinks":        countBrokenLinks(rep),
		"linksTotal":         len(rep.Links),
		"avgPerformance":     rep.AvgPerformance(),
	}
	if rep.PageSpeed != nil {
		outcome["pageSpeed"] = rep.PageSpeed.Performance
	}
	out, err := json.Marshal(outcome)
	if err != nil {
		return "", err
	}
	history, err := json.Marshal(req.History)
	if err != nil {
		return "", err
	}
	defaults, err := json.Marshal(settings.Defaults())
	if err != nil {
		return "", err
	}
	overrides, err := json.Marshal(settings.Diff(settings.Defaults(), req.Current))
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Latest iteration outcome:\n")
	b.Write(out)
	b.WriteString("\n\nIteration history:\n")
	b.Write(history)
	b.WriteString("\n\nDefault settings tree (the only legal keys):\n")
	b.Write(defaults)
	b.WriteString("\n\nOverrides the failing build used:\n")
	b.Write(overrides)
	b.WriteString("\n\nDecide whether to rebuild and with which setting changes.")
	return b.String(), nil
}

type planEnvelope struct {
	Summary       string `json:"summary"`
	SettingsPatch string `json:"settingsPatch"`
}

type reviewEnvelope struct {
	ShouldRebuild  bool   `json:"shouldRebuild"`
	SettingChanges string `json:"settingChanges"`
	OverallVerdict string `json:"overallVerdict"`
	Reasoning      string `json:"reasoning"`
}

func parsePlan(text string) (Plan, error) {
	var env planEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Plan{}, fmt.Errorf("decode plan envelope: %w", err)
	}
	patch, err := parsePatch(env.SettingsPatch)
	if err != nil {
		return Plan{}, err
	}
	return Plan{Summary: env.Summary, SettingsPatch: patch}, nil
}

func parseReview(text string) (Review, error) {
	var env reviewEnvelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		return Review{}, fmt.Errorf("decode review envelope: %w", err)
	}
	verdict := Verdict(env.OverallVerdict)
	if !KnownVerdict(verdict) {
		return Review{}, fmt.Errorf("unknown verdict %q", env.OverallVerdict)
	}
	changes, err := parsePatch(env.SettingChanges)
	if err != nil {
		return Review{}, err
	}
	return Review{
		ShouldRebuild:  env.ShouldRebuild,
		SettingChanges: changes,
		Verdict:        verdict,
		Reasoning:      env.Reasoning,
	}, nil
}

// parsePatch decodes the JSON-in-a-string patch and validates its leaves
// against the settings schema. A patch naming illegal values is rejected
// whole so the caller can retry or fall back.
func parsePatch(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "null" {
		return map[string]any{}, nil
	}
	var patch map[string]any
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return nil, fmt.Errorf("decode settings patch: %w", err)
	}
	if _, errs := settings.Validate(patch); len(errs) > 0 {
		return nil, fmt.Errorf("patch failed validation: %s at %s", errs[0].Reason, errs[0].Path)
	}
	return patch, nil
}
