package advisor

import (
	"context"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/config"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/retry"
)

// Resilient retries the primary advisor on transient failures and falls back
// to the secondary when it stays unusable. Validation errors never fall back:
// a malformed request would fail against any backend.
type Resilient struct {
	primary  Advisor
	fallback Advisor
	policy   retry.Policy
	log      *slog.Logger
}

func NewResilient(primary, fallback Advisor, policy retry.Policy, logger *slog.Logger) *Resilient {
	if logger == nil {
		logger = slog.Default()
	}
	if fallback == nil {
		fallback = NewHeuristic(logger)
	}
	return &Resilient{primary: primary, fallback: fallback, policy: policy, log: logger}
}

var _ Advisor = (*Resilient)(nil)

func (r *Resilient) Plan(ctx context.Context, req PlanRequest) (Plan, error) {
	if r.primary == nil {
		return r.fallback.Plan(ctx, req)
	}
	var plan Plan
	err := retry.Do(ctx, r.policy, func() error {
		var callErr error
		plan, callErr = r.primary.Plan(ctx, req)
		return callErr
	})
	if err == nil {
		return plan, nil
	}
	if ctx.Err() != nil || pferrors.IsCategory(err, pferrors.CategoryValidation) {
		return Plan{}, err
	}
	r.log.Warn("planner unavailable, falling back to heuristic rules", logfields.Error(err))
	return r.fallback.Plan(ctx, req)
}

func (r *Resilient) Review(ctx context.Context, req ReviewRequest) (Review, error) {
	if r.primary == nil {
		return r.fallback.Review(ctx, req)
	}
	var review Review
	err := retry.Do(ctx, r.policy, func() error {
		var callErr error
		review, callErr = r.primary.Review(ctx, req)
		return callErr
	})
	if err == nil {
		return review, nil
	}
	if ctx.Err() != nil || pferrors.IsCategory(err, pferrors.CategoryValidation) {
		return Review{}, err
	}
	r.log.Warn("reviewer unavailable, falling back to heuristic rules", logfields.Error(err))
	return r.fallback.Review(ctx, req)
}

// FromConfig builds the advisor the configuration asks for. Auto prefers
// Gemini when a key is present, wrapped so it degrades to the heuristic.
func FromConfig(ctx context.Context, cfg config.AdvisorConfig, logger *slog.Logger) (Advisor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.Provider
	if provider == "" {
		provider = config.AdvisorAuto
	}

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 2
	}
	policy := retry.NewPolicy(retry.BackoffExponential, time.Second, 10*time.Second, attempts-1)

	switch provider {
	case config.AdvisorHeuristic:
		return NewHeuristic(logger), nil
	case config.AdvisorGemini:
		gem, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, err
		}
		return NewResilient(gem, NewHeuristic(logger), policy, logger), nil
	default: // auto
		if cfg.GeminiAPIKey == "" {
			logger.Info("no gemini key configured, planning heuristically")
			return NewHeuristic(logger), nil
		}
		gem, err := NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, logger)
		if err != nil {
			return nil, err
		}
		return NewResilient(gem, NewHeuristic(logger), policy, logger), nil
	}
}
