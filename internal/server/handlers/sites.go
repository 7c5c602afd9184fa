package handlers

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
	"git.home.luguber.info/inful/pageforge/internal/server/responses"
	"git.home.luguber.info/inful/pageforge/internal/settings"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// SiteHandlers serves site registration, settings management and build history.
type SiteHandlers struct {
	store   store.Store
	adapter *pferrors.HTTPErrorAdapter
	logger  *slog.Logger
}

// NewSiteHandlers creates a new site handlers instance.
func NewSiteHandlers(st store.Store, adapter *pferrors.HTTPErrorAdapter, logger *slog.Logger) *SiteHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &SiteHandlers{store: st, adapter: adapter, logger: logger}
}

type registerSiteRequest struct {
	Origin    string         `json:"origin"`
	Overrides map[string]any `json:"overrides,omitempty"`
}

// HandleListSites returns every registered site.
func (h *SiteHandlers) HandleListSites(w http.ResponseWriter, r *http.Request) {
	sites, err := h.store.ListSites(r.Context())
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	resp := responses.SiteListResponse{Sites: make([]responses.SiteResponse, 0, len(sites)), Count: len(sites)}
	for _, site := range sites {
		resp.Sites = append(resp.Sites, siteResponse(site))
	}
	h.reply(w, r, http.StatusOK, resp)
}

// HandleRegisterSite creates or updates a site under a caller-chosen ID.
// Registration is the one write that accepts an origin; settings writes go
// through the settings endpoints.
func (h *SiteHandlers) HandleRegisterSite(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validSiteID(id); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	var req registerSiteRequest
	if err := readJSON(w, r, &req); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	origin, err := normalizeOrigin(req.Origin)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	var overrides map[string]any
	if req.Overrides != nil {
		overrides, err = h.canonicalOverrides(id, req.Overrides)
		if err != nil {
			h.adapter.WriteErrorResponse(w, err)
			return
		}
	}

	status := http.StatusOK
	site, err := h.store.GetSite(r.Context(), id)
	switch {
	case pferrors.IsCategory(err, pferrors.CategoryNotFound):
		status = http.StatusCreated
		site = &store.Site{ID: id, Origin: origin, Overrides: overrides}
	case err != nil:
		h.adapter.WriteErrorResponse(w, err)
		return
	default:
		site.Origin = origin
		if req.Overrides != nil {
			site.Overrides = overrides
		}
	}
	if err := h.store.UpsertSite(r.Context(), site); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	h.reply(w, r, status, siteResponse(site))
}

// HandleGetSite returns one site record.
func (h *SiteHandlers) HandleGetSite(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	h.reply(w, r, http.StatusOK, siteResponse(site))
}

// HandleGetSettings returns the site's effective settings next to the defaults.
func (h *SiteHandlers) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	defaults := settings.Defaults()
	h.reply(w, r, http.StatusOK, responses.SettingsResponse{
		Settings: settings.Resolve(defaults, site.Overrides),
		Defaults: defaults,
	})
}

// HandleSettingsDiff returns the sparse override tree and its leaf count.
func (h *SiteHandlers) HandleSettingsDiff(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	defaults := settings.Defaults()
	diff := settings.Diff(defaults, settings.Resolve(defaults, site.Overrides))
	h.reply(w, r, http.StatusOK, responses.SettingsDiffResponse{
		Diff:          diff,
		OverrideCount: settings.OverrideCount(diff),
	})
}

// HandlePutSettings replaces the site's override tree. The body is the full
// tree; leaves equal to the defaults are dropped before persisting.
func (h *SiteHandlers) HandlePutSettings(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := readJSON(w, r, &body); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	overrides, err := h.canonicalOverrides(site.ID, body)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	site.Overrides = overrides
	if err := h.store.UpsertSite(r.Context(), site); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDeleteSettings resets the site to the default settings.
func (h *SiteHandlers) HandleDeleteSettings(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	site.Overrides = nil
	if err := h.store.UpsertSite(r.Context(), site); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleListBuilds returns the site's recent builds, newest first.
func (h *SiteHandlers) HandleListBuilds(w http.ResponseWriter, r *http.Request) {
	site, ok := h.loadSite(w, r)
	if !ok {
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.adapter.WriteErrorResponse(w, pferrors.ValidationError("limit must be a positive integer").
				WithContext("limit", raw))
			return
		}
		limit = n
	}
	builds, err := h.store.ListBuilds(r.Context(), site.ID, limit)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	resp := responses.BuildListResponse{Builds: make([]responses.BuildResponse, 0, len(builds)), Count: len(builds)}
	for _, b := range builds {
		resp.Builds = append(resp.Builds, responses.BuildResponse{
			ID:         b.ID,
			SiteID:     b.SiteID,
			Trigger:    b.Trigger,
			Status:     b.Status,
			PagesDone:  b.PagesDone,
			PagesTotal: b.PagesTotal,
			Error:      b.Error,
			EdgeURL:    b.EdgeURL,
			CreatedAt:  b.CreatedAt,
			FinishedAt: b.FinishedAt,
		})
	}
	h.reply(w, r, http.StatusOK, resp)
}

// loadSite validates the path ID and fetches the site, writing the error
// response itself when either step fails.
func (h *SiteHandlers) loadSite(w http.ResponseWriter, r *http.Request) (*store.Site, bool) {
	id := r.PathValue("id")
	if err := validSiteID(id); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return nil, false
	}
	site, err := h.store.GetSite(r.Context(), id)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return nil, false
	}
	return site, true
}

// canonicalOverrides validates an override tree and strips leaves that match
// the defaults. Validation warnings are logged, not surfaced.
func (h *SiteHandlers) canonicalOverrides(siteID string, tree map[string]any) (map[string]any, error) {
	warnings, errs := settings.Validate(tree)
	if len(errs) > 0 {
		err := pferrors.New(pferrors.CategoryValidation, pferrors.SeverityWarning, "settings rejected")
		for _, le := range errs {
			err = err.WithContext(le.Path, le.Reason)
		}
		return nil, err
	}
	for _, warn := range warnings {
		h.logger.Warn("settings warning", logfields.SiteID(siteID), slog.String("detail", warn))
	}
	defaults := settings.Defaults()
	return settings.Diff(defaults, settings.Resolve(defaults, tree)), nil
}

func (h *SiteHandlers) reply(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSONPretty(w, r, status, v); err != nil {
		h.adapter.WriteErrorResponse(w, pferrors.WrapError(err, pferrors.CategoryInternal, "failed to write response"))
	}
}

func siteResponse(site *store.Site) responses.SiteResponse {
	defaults := settings.Defaults()
	diff := settings.Diff(defaults, settings.Resolve(defaults, site.Overrides))
	return responses.SiteResponse{
		ID:            site.ID,
		Origin:        site.Origin,
		State:         site.State,
		EdgeURL:       site.EdgeURL,
		OverrideCount: settings.OverrideCount(diff),
		CreatedAt:     site.CreatedAt,
		UpdatedAt:     site.UpdatedAt,
	}
}

// normalizeOrigin parses and canonicalizes a crawl origin: http or https,
// a host, no query or fragment. Trailing slashes are trimmed so equal
// origins compare equal.
func normalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", pferrors.ValidationError("origin is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", pferrors.Wrap(err, pferrors.CategoryValidation, pferrors.SeverityWarning, "origin is not a valid URL").
			WithContext("origin", raw)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", pferrors.ValidationError("origin must be an absolute http(s) URL").
			WithContext("origin", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String(), nil
}
