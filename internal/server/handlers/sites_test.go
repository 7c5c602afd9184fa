package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/server/responses"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

func newSiteRig(t *testing.T) (*SiteHandlers, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSiteHandlers(st, pferrors.NewHTTPErrorAdapter(logger), logger), st
}

// siteRequest builds a request with the {id} path value set, the way the mux
// would before dispatch.
func siteRequest(method, target, id, body string) *http.Request {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, target, rd)
	if id != "" {
		r.SetPathValue("id", id)
	}
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) pferrors.HTTPErrorResponse {
	t.Helper()
	var resp pferrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRegisterSiteCreates(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog",
		`{"origin": "https://example.com/"}`))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var site responses.SiteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &site))
	assert.Equal(t, "blog", site.ID)
	assert.Equal(t, "https://example.com", site.Origin, "trailing slash is trimmed")
	assert.Equal(t, "active", site.State)
	assert.Zero(t, site.OverrideCount)
	assert.False(t, site.CreatedAt.IsZero())
}

func TestRegisterSiteUpdateKeepsOverrides(t *testing.T) {
	h, st := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/shop", "shop",
		`{"origin": "https://old.example.com", "overrides": {"css": {"purge": true}}}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Re-registering with a new origin and no overrides key must not reset
	// the stored overrides.
	rec = httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/shop", "shop",
		`{"origin": "https://new.example.com"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var site responses.SiteResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &site))
	assert.Equal(t, "https://new.example.com", site.Origin)
	assert.Equal(t, 1, site.OverrideCount)

	stored, err := st.GetSite(t.Context(), "shop")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"css": map[string]any{"purge": true}}, stored.Overrides)
}

func TestRegisterSiteRejectsBadID(t *testing.T) {
	h, _ := newSiteRig(t)

	for _, id := range []string{
		"Blog",
		"my_site",
		"-leading",
		"trailing-",
		"a/b",
		strings.Repeat("x", 64),
	} {
		t.Run(id, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/x", id,
				`{"origin": "https://example.com"}`))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(pferrors.CategoryValidation), decodeError(t, rec).Code)
		})
	}
}

func TestRegisterSiteRejectsBadOrigin(t *testing.T) {
	h, _ := newSiteRig(t)

	for _, tt := range []struct {
		name   string
		origin string
	}{
		{name: "empty", origin: ""},
		{name: "wrong scheme", origin: "ftp://files.example.com"},
		{name: "no scheme", origin: "example.com"},
		{name: "no host", origin: "http://"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			body, err := json.Marshal(map[string]string{"origin": tt.origin})
			require.NoError(t, err)
			rec := httptest.NewRecorder()
			h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog", string(body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, string(pferrors.CategoryValidation), decodeError(t, rec).Code)
		})
	}
}

func TestRegisterSiteRejectsInvalidJSON(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog", `{"origin":`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON body", decodeError(t, rec).Error)
}

func TestGetSiteNotFound(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleGetSite(rec, siteRequest(http.MethodGet, "/sites/ghost", "ghost", ""))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(pferrors.CategoryNotFound), decodeError(t, rec).Code)
}

func TestListSites(t *testing.T) {
	h, st := newSiteRig(t)
	require.NoError(t, st.UpsertSite(t.Context(), &store.Site{ID: "alpha", Origin: "https://a.example.com"}))
	require.NoError(t, st.UpsertSite(t.Context(), &store.Site{ID: "beta", Origin: "https://b.example.com"}))

	rec := httptest.NewRecorder()
	h.HandleListSites(rec, httptest.NewRequest(http.MethodGet, "/sites", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp responses.SiteListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Sites, 2)
}

func TestSettingsRoundTrip(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog",
		`{"origin": "https://example.com"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	// webp quality 75 matches the default, so only css.purge survives as an
	// override.
	rec = httptest.NewRecorder()
	h.HandlePutSettings(rec, siteRequest(http.MethodPut, "/sites/blog/settings", "blog",
		`{"css": {"purge": true}, "images": {"quality": {"webp": 75}}}`))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleGetSettings(rec, siteRequest(http.MethodGet, "/sites/blog/settings", "blog", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var got responses.SettingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	css, ok := got.Settings["css"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, css["purge"])
	assert.Equal(t, "safe", css["purgeAggressiveness"], "untouched leaves keep their defaults")

	rec = httptest.NewRecorder()
	h.HandleSettingsDiff(rec, siteRequest(http.MethodGet, "/sites/blog/settings/diff", "blog", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	var diff responses.SettingsDiffResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	assert.Equal(t, 1, diff.OverrideCount)
	assert.Equal(t, map[string]any{"css": map[string]any{"purge": true}}, diff.Diff)
}

func TestPutSettingsRejectsTypeMismatch(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog",
		`{"origin": "https://example.com"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.HandlePutSettings(rec, siteRequest(http.MethodPut, "/sites/blog/settings", "blog",
		`{"css": {"purge": "yes"}}`))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "settings rejected", resp.Error)
	assert.Equal(t, "expected boolean", resp.Details["css.purge"])
}

func TestPutSettingsAcceptsUnknownPaths(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog",
		`{"origin": "https://example.com"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	// Unknown leaves warn but are preserved so newer daemons can read them.
	rec = httptest.NewRecorder()
	h.HandlePutSettings(rec, siteRequest(http.MethodPut, "/sites/blog/settings", "blog",
		`{"experimental": {"speculationRules": true}}`))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	h.HandleSettingsDiff(rec, siteRequest(http.MethodGet, "/sites/blog/settings/diff", "blog", ""))
	var diff responses.SettingsDiffResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	assert.Equal(t, 1, diff.OverrideCount)
}

func TestDeleteSettingsResets(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog",
		`{"origin": "https://example.com", "overrides": {"css": {"purge": true}}}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleDeleteSettings(rec, siteRequest(http.MethodDelete, "/sites/blog/settings", "blog", ""))
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleSettingsDiff(rec, siteRequest(http.MethodGet, "/sites/blog/settings/diff", "blog", ""))
	var diff responses.SettingsDiffResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	assert.Zero(t, diff.OverrideCount)
	assert.Empty(t, diff.Diff)
}

func TestListBuildsNewestFirstWithLimit(t *testing.T) {
	h, st := newSiteRig(t)
	require.NoError(t, st.UpsertSite(t.Context(), &store.Site{ID: "blog", Origin: "https://example.com"}))

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"b1", "b2", "b3"} {
		require.NoError(t, st.SaveBuild(t.Context(), &store.Build{
			ID:        id,
			SiteID:    "blog",
			Trigger:   "manual",
			Status:    "success",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec := httptest.NewRecorder()
	h.HandleListBuilds(rec, siteRequest(http.MethodGet, "/sites/blog/builds?limit=2", "blog", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp responses.BuildListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Count)
	assert.Equal(t, "b3", resp.Builds[0].ID)
	assert.Equal(t, "b2", resp.Builds[1].ID)
}

func TestListBuildsRejectsBadLimit(t *testing.T) {
	h, st := newSiteRig(t)
	require.NoError(t, st.UpsertSite(t.Context(), &store.Site{ID: "blog", Origin: "https://example.com"}))

	for _, limit := range []string{"0", "-3", "many"} {
		t.Run(limit, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.HandleListBuilds(rec, siteRequest(http.MethodGet, "/sites/blog/builds?limit="+limit, "blog", ""))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "limit must be a positive integer", decodeError(t, rec).Error)
		})
	}
}

func TestPrettyPrinting(t *testing.T) {
	h, _ := newSiteRig(t)

	rec := httptest.NewRecorder()
	h.HandleRegisterSite(rec, siteRequest(http.MethodPut, "/sites/blog", "blog",
		`{"origin": "https://example.com"}`))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = httptest.NewRecorder()
	h.HandleGetSite(rec, siteRequest(http.MethodGet, "/sites/blog?pretty=1", "blog", ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "\n  \"id\"")
}
