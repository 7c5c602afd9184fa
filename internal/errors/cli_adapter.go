package errors

import (
	"fmt"
	"log/slog"
	"os"
)

// CLIErrorAdapter handles error presentation and exit code determination for CLI applications.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{
		verbose: verbose,
		logger:  logger,
	}
}

// ExitCodeFor determines the appropriate exit code for an error.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}

	if pfe, ok := err.(*PageForgeError); ok {
		return a.exitCodeFromPageForge(pfe)
	}

	return 1
}

// exitCodeFromPageForge maps PageForgeError to exit codes.
func (a *CLIErrorAdapter) exitCodeFromPageForge(err *PageForgeError) int {
	switch err.Category {
	case CategoryValidation, CategoryConfig:
		return 2 // Invalid input or configuration
	case CategoryBuild, CategoryCrawl, CategoryTransform, CategoryFileSystem:
		return 3 // Build failure
	case CategoryVerify:
		return 4 // Verification failure
	case CategoryAborted:
		return 5 // Run aborted
	default:
		return 1 // General error
	}
}

// FormatError formats an error for user-friendly display.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}

	if pfe, ok := err.(*PageForgeError); ok {
		return a.formatPageForge(pfe)
	}

	return fmt.Sprintf("Error: %v", err)
}

// formatPageForge formats a PageForgeError for display.
func (a *CLIErrorAdapter) formatPageForge(err *PageForgeError) string {
	if a.verbose {
		return err.Error()
	}

	switch err.Category {
	case CategoryConfig, CategoryValidation, CategoryAuth:
		return err.Message
	default:
		return fmt.Sprintf("%s: %s", err.Category, err.Message)
	}
}

// HandleError processes an error and exits the program with appropriate code.
func (a *CLIErrorAdapter) HandleError(err error) {
	if err == nil {
		return
	}

	exitCode := a.ExitCodeFor(err)
	message := a.FormatError(err)

	if a.shouldLog(err) {
		a.logError(err)
	}

	fmt.Fprintf(os.Stderr, "%s\n", message)
	os.Exit(exitCode)
}

// shouldLog determines if an error should be logged.
func (a *CLIErrorAdapter) shouldLog(err error) bool {
	if a.verbose {
		return true
	}

	if pfe, ok := err.(*PageForgeError); ok {
		return pfe.Category == CategoryInternal ||
			pfe.Category == CategoryDaemon ||
			pfe.Severity == SeverityFatal
	}

	return true
}

// logError logs an error with appropriate level and context.
func (a *CLIErrorAdapter) logError(err error) {
	if pfe, ok := err.(*PageForgeError); ok {
		level := a.slogLevelFromSeverity(pfe.Severity)
		attrs := []slog.Attr{
			slog.String("category", string(pfe.Category)),
		}
		if pfe.Retryable {
			attrs = append(attrs, slog.Bool("retryable", true))
		}

		a.logger.LogAttrs(nil, level, pfe.Message, attrs...)
		return
	}

	a.logger.Error("Unclassified error", "error", err)
}

// slogLevelFromSeverity converts PageForgeError severity to slog level.
func (a *CLIErrorAdapter) slogLevelFromSeverity(severity ErrorSeverity) slog.Level {
	switch severity {
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityFatal:
		return slog.LevelError
	default:
		return slog.LevelError
	}
}
