// Package publish pushes an optimized site copy to its serving edge and
// reports the URL it is reachable under. The git publisher targets
// branch-deploy edges; the local publisher serves the copy itself for runs
// without a configured remote.
package publish

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// Publisher deploys one build output directory for a site and returns the
// edge URL serving it.
type Publisher interface {
	Publish(ctx context.Context, siteID, outputDir string) (string, error)
}

// expandSite substitutes the {site} placeholder. Templates without the
// placeholder pass through unchanged, which lets every site share one remote.
func expandSite(template, siteID string) string {
	return strings.ReplaceAll(template, "{site}", siteID)
}

// WaitReady polls the edge URL until it answers over a working TLS session.
// Fresh subdomains wait on certificate provisioning, so connection and
// handshake errors keep polling; any HTTP status below 500 counts as ready
// (the edge is up even if the path 404s). The failure is informational:
// callers log it and verify anyway.
func WaitReady(ctx context.Context, client *http.Client, edgeURL string, interval, budget time.Duration) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(budget)

	var lastErr error
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, edgeURL, nil)
		if err != nil {
			return pferrors.ValidationFailed("edgeURL", err.Error())
		}
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if resp.StatusCode < http.StatusInternalServerError {
				return nil
			}
			lastErr = pferrors.New(pferrors.CategoryNetwork, pferrors.SeverityWarning,
				"edge answered "+resp.Status).WithContext(logfields.KeyURL, edgeURL)
		} else {
			lastErr = err
		}

		if time.Now().After(deadline) {
			return pferrors.NetworkTimeout(edgeURL, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
