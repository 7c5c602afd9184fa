package agent

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

// runMarkdown renders the run summary. The markdown also lives in the
// checkpoint, so it survives the workdir removal after a successful run.
func runMarkdown(cp *Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Optimization report: %s\n\n", cp.Origin)
	fmt.Fprintf(&b, "- Verdict: **%s**\n", cp.FinalVerdict)
	fmt.Fprintf(&b, "- Iterations: %d\n", cp.Iteration)
	if cp.EdgeURL != "" {
		fmt.Fprintf(&b, "- Edge: %s\n", cp.EdgeURL)
	}
	if cp.PageSpeed != nil {
		fmt.Fprintf(&b, "- Baseline PageSpeed (%s): %d\n", cp.PageSpeed.Strategy, cp.PageSpeed.Performance)
	}
	if rep := cp.LastReport; rep != nil && rep.PageSpeed != nil {
		fmt.Fprintf(&b, "- Final PageSpeed (%s): %d\n", rep.PageSpeed.Strategy, rep.PageSpeed.Performance)
	}
	b.WriteString("\n")

	if cp.Plan != nil && cp.Plan.Summary != "" {
		b.WriteString("## Plan\n\n")
		b.WriteString(cp.Plan.Summary)
		b.WriteString("\n\n")
	}

	if stats := cp.LastStats; stats != nil && len(stats.Categories) > 0 {
		b.WriteString("## Savings\n\n")
		b.WriteString("| Category | Original | Optimized | Saved |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		names := make([]string, 0, len(stats.Categories))
		for name := range stats.Categories {
			names = append(names, name)
		}
		sort.Strings(names)
		var origTotal, optTotal int64
		for _, name := range names {
			cs := stats.Categories[name]
			origTotal += cs.OriginalBytes
			optTotal += cs.OptimizedBytes
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", name,
				humanize.Bytes(uint64(cs.OriginalBytes)),
				humanize.Bytes(uint64(cs.OptimizedBytes)),
				savedPercent(cs.OriginalBytes, cs.OptimizedBytes))
		}
		fmt.Fprintf(&b, "| **total** | %s | %s | %s |\n",
			humanize.Bytes(uint64(origTotal)),
			humanize.Bytes(uint64(optTotal)),
			savedPercent(origTotal, optTotal))
		b.WriteString("\n")
		if stats.FacadesApplied > 0 || stats.ScriptsRemoved > 0 {
			fmt.Fprintf(&b, "%d embed facades applied, %d scripts removed.\n\n",
				stats.FacadesApplied, stats.ScriptsRemoved)
		}
	}

	if len(cp.History) > 0 {
		b.WriteString("## Iterations\n\n")
		b.WriteString("| # | Build | Hard | Soft | Perf | Notes |\n")
		b.WriteString("| --- | --- | --- | --- | --- | --- |\n")
		for _, it := range cp.History {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %d | %s |\n",
				it.Iteration, yesNo(it.BuildOK), yesNo(it.HardPass), yesNo(it.SoftPass),
				it.AvgPerformance, tableCell(it.Error))
		}
		b.WriteString("\n")
	}

	if len(cp.PhaseTimings) > 0 {
		b.WriteString("## Phase timings\n\n")
		b.WriteString("| Phase | Total |\n")
		b.WriteString("| --- | --- |\n")
		phases := make([]string, 0, len(cp.PhaseTimings))
		for name := range cp.PhaseTimings {
			phases = append(phases, name)
		}
		sort.Strings(phases)
		for _, name := range phases {
			total := time.Duration(cp.PhaseTimings[name]) * time.Millisecond
			fmt.Fprintf(&b, "| %s | %s |\n", name, total.Round(time.Millisecond))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// writeReport persists the summary as report.md and report.html in the
// workdir, each through a temp file and rename so readers never see a
// partial report.
func writeReport(workDir, md string) error {
	if workDir == "" {
		return pferrors.ValidationError("run has no workdir")
	}
	if err := persistFile(filepath.Join(workDir, "report.md"), []byte(md)); err != nil {
		return err
	}

	var body bytes.Buffer
	renderer := goldmark.New(goldmark.WithExtensions(extension.GFM))
	if err := renderer.Convert([]byte(md), &body); err != nil {
		return pferrors.InternalError("render report html", err)
	}
	var doc bytes.Buffer
	doc.WriteString("<!doctype html>\n<html><head><meta charset=\"utf-8\"><title>Optimization report</title></head><body>\n")
	doc.Write(body.Bytes())
	doc.WriteString("</body></html>\n")
	return persistFile(filepath.Join(workDir, "report.html"), doc.Bytes())
}

func persistFile(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return pferrors.WorkspaceError("write report", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return pferrors.WorkspaceError("rename report", err)
	}
	return nil
}

func savedPercent(original, optimized int64) string {
	if original <= 0 {
		return "0.0%"
	}
	return fmt.Sprintf("%.1f%%", float64(original-optimized)/float64(original)*100)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// tableCell escapes pipes so error text cannot break the table row.
func tableCell(s string) string {
	return strings.ReplaceAll(s, "|", "\\|")
}
