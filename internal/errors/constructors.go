package errors

// Convenience functions for common error patterns

// Config errors

func ConfigNotFound(path string) *PageForgeError {
	return New(CategoryConfig, SeverityFatal, "configuration file not found").
		WithContext("path", path)
}

func ConfigRequired(field string) *PageForgeError {
	return New(CategoryConfig, SeverityFatal, "required configuration missing").
		WithContext("field", field)
}

func ValidationFailed(path, reason string) *PageForgeError {
	return New(CategoryValidation, SeverityFatal, "validation failed").
		WithContext("path", path).
		WithContext("reason", reason)
}

// Crawl errors

func CrawlError(url string, cause error) *PageForgeError {
	return Wrap(cause, CategoryCrawl, SeverityError, "page crawl failed").
		WithContext("url", url)
}

func NavigationTimeout(url string, cause error) *PageForgeError {
	return WrapRetryable(cause, CategoryBrowser, SeverityWarning, "navigation timed out").
		WithContext("url", url)
}

func DownloadError(url string, cause error) *PageForgeError {
	return WrapRetryable(cause, CategoryNetwork, SeverityWarning, "asset download failed").
		WithContext("url", url)
}

// Pipeline errors

func TransformError(asset string, cause error) *PageForgeError {
	return Wrap(cause, CategoryTransform, SeverityWarning, "asset transform failed").
		WithContext("asset", asset)
}

func RewriteStepError(page, step string, cause error) *PageForgeError {
	return Wrap(cause, CategoryTransform, SeverityWarning, "rewrite step failed").
		WithContext("page", page).
		WithContext("step", step)
}

func BuildFailed(phase string, cause error) *PageForgeError {
	return Wrap(cause, CategoryBuild, SeverityFatal, "build failed").
		WithContext("phase", phase)
}

func WorkspaceError(operation string, cause error) *PageForgeError {
	return Wrap(cause, CategoryFileSystem, SeverityFatal, "workspace operation failed").
		WithContext("operation", operation)
}

// Verification errors

func VerifyFailed(gate string, cause error) *PageForgeError {
	return Wrap(cause, CategoryVerify, SeverityError, "verification failed").
		WithContext("gate", gate)
}

// Agent errors

func RunAborted(runID string) *PageForgeError {
	return New(CategoryAborted, SeverityError, "agent run aborted").
		WithContext("run_id", runID)
}

func RunConflict(siteID string) *PageForgeError {
	return New(CategoryConflict, SeverityError, "site already has an active run").
		WithContext("site_id", siteID)
}

func RunNotFound(runID string) *PageForgeError {
	return New(CategoryNotFound, SeverityError, "agent run not found").
		WithContext("run_id", runID)
}

// Network errors

func NetworkTimeout(url string, cause error) *PageForgeError {
	return WrapRetryable(cause, CategoryNetwork, SeverityWarning, "network timeout").
		WithContext("url", url)
}

func PublishError(target string, cause error) *PageForgeError {
	return WrapRetryable(cause, CategoryPublish, SeverityError, "edge publish failed").
		WithContext("target", target)
}

// Store errors

func StoreError(operation string, cause error) *PageForgeError {
	return Wrap(cause, CategoryStore, SeverityFatal, "store operation failed").
		WithContext("operation", operation)
}

// Internal errors

func InternalError(message string, cause error) *PageForgeError {
	return Wrap(cause, CategoryInternal, SeverityFatal, message)
}
