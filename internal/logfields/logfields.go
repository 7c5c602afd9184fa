package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeySiteID      = "site_id"
	KeyBuildID     = "build_id"
	KeyRunID       = "run_id"
	KeyJobStatus   = "job_status"
	KeyPhase       = "phase"
	KeyStep        = "step"
	KeyIteration   = "iteration"
	KeyPage        = "page"
	KeyAsset       = "asset"
	KeyURL         = "url"
	KeyPath        = "path"
	KeyDurationMS  = "duration_ms"
	KeyBytesBefore = "bytes_before"
	KeyBytesAfter  = "bytes_after"
	KeyWorker      = "worker"
	KeyMethod      = "method"
	KeyStatus      = "status"
	KeyUserAgent   = "user_agent"
	KeyRemoteAddr  = "remote_addr"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func SiteID(id string) slog.Attr       { return slog.String(KeySiteID, id) }
func BuildID(id string) slog.Attr      { return slog.String(KeyBuildID, id) }
func RunID(id string) slog.Attr        { return slog.String(KeyRunID, id) }
func JobStatus(s string) slog.Attr     { return slog.String(KeyJobStatus, s) }
func Phase(name string) slog.Attr      { return slog.String(KeyPhase, name) }
func Step(name string) slog.Attr       { return slog.String(KeyStep, name) }
func Iteration(n int) slog.Attr        { return slog.Int(KeyIteration, n) }
func Page(p string) slog.Attr          { return slog.String(KeyPage, p) }
func Asset(a string) slog.Attr         { return slog.String(KeyAsset, a) }
func URL(u string) slog.Attr           { return slog.String(KeyURL, u) }
func Path(p string) slog.Attr          { return slog.String(KeyPath, p) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func BytesBefore(n int64) slog.Attr    { return slog.Int64(KeyBytesBefore, n) }
func BytesAfter(n int64) slog.Attr     { return slog.Int64(KeyBytesAfter, n) }
func Worker(w string) slog.Attr        { return slog.String(KeyWorker, w) }
func Method(m string) slog.Attr        { return slog.String(KeyMethod, m) }
func Status(code int) slog.Attr        { return slog.Int(KeyStatus, code) }
func UserAgent(ua string) slog.Attr    { return slog.String(KeyUserAgent, ua) }
func RemoteAddr(addr string) slog.Attr { return slog.String(KeyRemoteAddr, addr) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
