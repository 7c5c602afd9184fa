package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

func newChain(t *testing.T) (func(http.Handler) http.Handler, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return Chain(logger, pferrors.NewHTTPErrorAdapter(logger)), &buf
}

func TestChainLogsRequests(t *testing.T) {
	chain, buf := newChain(t)
	handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/sites/blog/settings", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	logged := buf.String()
	assert.Contains(t, logged, "HTTP request")
	assert.Contains(t, logged, "method=DELETE")
	assert.Contains(t, logged, "path=/sites/blog/settings")
	assert.Contains(t, logged, "status=204")
}

func TestChainRecoversFromPanic(t *testing.T) {
	chain, buf := newChain(t)
	handler := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp pferrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "internal server error", resp.Error)
	assert.Equal(t, string(pferrors.CategoryInternal), resp.Code)
	assert.Contains(t, buf.String(), "HTTP handler panic")
}

func TestChainPreservesFlusher(t *testing.T) {
	chain, _ := newChain(t)
	var sawFlusher bool
	handler := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawFlusher = w.(http.Flusher)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/builds/b1/logs", nil))
	assert.True(t, sawFlusher, "SSE handlers need the wrapped writer to flush")
}

func TestMasterKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	adapter := pferrors.NewHTTPErrorAdapter(logger)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name   string
		key    string
		header string
		want   int
	}{
		{name: "matching key", key: "s3cret", header: "s3cret", want: http.StatusOK},
		{name: "wrong key", key: "s3cret", header: "guess", want: http.StatusUnauthorized},
		{name: "missing header", key: "s3cret", header: "", want: http.StatusUnauthorized},
		{name: "auth disabled", key: "", header: "", want: http.StatusOK},
		{name: "auth disabled ignores header", key: "", header: "anything", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := MasterKey(tt.key, adapter)(next)
			req := httptest.NewRequest(http.MethodGet, "/sites", nil)
			if tt.header != "" {
				req.Header.Set(KeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				var resp pferrors.HTTPErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, string(pferrors.CategoryAuth), resp.Code)
			}
		})
	}
}
