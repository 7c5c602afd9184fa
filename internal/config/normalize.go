package config

import (
	"fmt"
	"strings"
)

// NormalizationResult captures adjustments and warnings from the normalization pass.
type NormalizationResult struct {
	Warnings []string
}

// NormalizeConfig performs canonicalization on enumerated and bounded fields
// prior to default application. It mutates the provided config in-place and
// returns a result describing any coercions.
func NormalizeConfig(c *Config) (*NormalizationResult, error) {
	if c == nil {
		return nil, fmt.Errorf("config nil")
	}
	res := &NormalizationResult{}
	normalizeAdvisor(&c.Advisor, res)
	normalizeLogging(&c.Logging, res)
	normalizeBounds(c, res)
	return res, nil
}

func normalizeAdvisor(a *AdvisorConfig, res *NormalizationResult) {
	if a == nil {
		return
	}
	if p := NormalizeAdvisorProvider(string(a.Provider)); p != "" {
		if a.Provider != p {
			res.Warnings = append(res.Warnings, warnChanged("advisor.provider", a.Provider, p))
			a.Provider = p
		}
	} else if strings.TrimSpace(string(a.Provider)) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("advisor.provider", string(a.Provider), string(AdvisorAuto)))
		a.Provider = AdvisorAuto
	}
}

func normalizeLogging(l *LoggingConfig, res *NormalizationResult) {
	if l == nil {
		return
	}
	if lvl := NormalizeLogLevel(string(l.Level)); lvl != "" {
		if l.Level != lvl {
			res.Warnings = append(res.Warnings, warnChanged("logging.level", l.Level, lvl))
			l.Level = lvl
		}
	} else if string(l.Level) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("logging.level", string(l.Level), string(LogLevelInfo)))
		l.Level = LogLevelInfo
	}
	if f := NormalizeLogFormat(string(l.Format)); f != "" {
		if l.Format != f {
			res.Warnings = append(res.Warnings, warnChanged("logging.format", l.Format, f))
			l.Format = f
		}
	} else if string(l.Format) != "" {
		res.Warnings = append(res.Warnings, warnUnknown("logging.format", string(l.Format), string(LogFormatText)))
		l.Format = LogFormatText
	}
}

func normalizeBounds(c *Config, res *NormalizationResult) {
	if c.Build.Workers < 0 {
		res.Warnings = append(res.Warnings, warnChanged("build.workers", c.Build.Workers, 0))
		c.Build.Workers = 0
	}
	if c.Build.QueueSize < 0 {
		res.Warnings = append(res.Warnings, warnChanged("build.queue_size", c.Build.QueueSize, 0))
		c.Build.QueueSize = 0
	}
	if c.Browser.ViewportWidth < 0 {
		c.Browser.ViewportWidth = 0
	}
	if c.Browser.ViewportHeight < 0 {
		c.Browser.ViewportHeight = 0
	}
	if c.Advisor.MaxAttempts < 0 {
		c.Advisor.MaxAttempts = 0
	}
}

func warnChanged(field string, from, to interface{}) string {
	return fmt.Sprintf("normalized %s from '%v' to '%v'", field, from, to)
}

func warnUnknown(field, value, def string) string {
	return fmt.Sprintf("unknown %s '%s', defaulting to %s", field, value, def)
}
