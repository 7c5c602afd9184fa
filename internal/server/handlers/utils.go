// Package handlers implements the HTTP handlers of the PageForge control plane.
package handlers

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// maxBodyBytes bounds request bodies. Settings trees and registration
// payloads are small; anything near this limit is hostile.
const maxBodyBytes = 1 << 20

// siteIDPattern is the DNS-label shape site IDs must have. IDs end up as
// workspace path segments and edge hostname labels, so the boundary rejects
// anything else.
var siteIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

func validSiteID(id string) error {
	if siteIDPattern.MatchString(id) {
		return nil
	}
	return pferrors.ValidationError("site id must be a lowercase DNS label").
		WithContext("site_id", id)
}

// writeJSON serializes the provided value to JSON and writes it with the given
// status code. It sets a consistent Content-Type header. Encoding is performed
// into an intermediate buffer so that we don't send partial responses if
// serialization fails. On failure it attempts to write a 500 error (unless
// headers/body already sent) and returns the encode error.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		// Do not write fallback responses here; let callers surface via their adapters.
		return err
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		slog.Error("failed writing JSON response body", logfields.Error(err))
		return err
	}
	return nil
}

// writeJSONPretty optionally pretty prints when pretty=true via query parameter.
// It falls back to compact form if marshalling fails for any reason.
func writeJSONPretty(w http.ResponseWriter, r *http.Request, status int, v any) error {
	if r != nil {
		if p := r.URL.Query().Get("pretty"); p == "1" || p == "true" {
			b, err := json.MarshalIndent(v, "", "  ")
			if err == nil {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(status)
				if _, werr := w.Write(append(b, '\n')); werr != nil { // newline parity with Encoder
					slog.Error("failed writing pretty JSON", logfields.Error(werr))
					return werr
				}
				return nil
			}
			slog.Warn("pretty JSON marshal failed, falling back to standard encode", logfields.Error(err))
		}
	}
	return writeJSON(w, status, v)
}

// readJSON decodes the request body into v, bounding its size first.
func readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return pferrors.Wrap(err, pferrors.CategoryValidation, pferrors.SeverityWarning,
			"invalid JSON body")
	}
	return nil
}
