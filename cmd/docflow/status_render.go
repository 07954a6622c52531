package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"docflow/internal/api"
	"docflow/internal/stage"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 18
	statusIndent     = "  "
)

var titleCaser = cases.Title(language.English)

// stageLabel turns a stage name such as extract_metadata into "Extract Metadata".
func stageLabel(name string) string {
	return titleCaser.String(strings.ReplaceAll(name, "_", " "))
}

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := fmt.Sprintf("[%s]", statusKindLabel(kind))
	if message != "" {
		statusText += " " + message
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

// kindForStatus maps a pipeline or stage status onto a display kind.
func kindForStatus(status string) statusKind {
	switch status {
	case "completed", "skipped":
		return statusOK
	case "failed":
		return statusError
	case "in_progress":
		return statusWarn
	default:
		return statusInfo
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderDocumentStatus formats a pipeline projection as a summary plus a
// per-stage table in pipeline order.
func renderDocumentStatus(resp *api.StatusResponse, colorize bool) string {
	var b strings.Builder
	overall := resp.OverallStatus
	if resp.Finalized {
		overall += " (finalized)"
	}
	fmt.Fprintln(&b, renderStatusLine("Document", statusInfo, resp.DocumentID, colorize))
	fmt.Fprintln(&b, renderStatusLine("File", statusInfo, resp.Filename, colorize))
	fmt.Fprintln(&b, renderStatusLine("Pipeline", kindForStatus(resp.OverallStatus), fmt.Sprintf("%s %d%%", overall, resp.OverallProgress), colorize))
	if resp.AbortedAt != "" {
		fmt.Fprintln(&b, renderStatusLine("Aborted At", statusError, stageLabel(resp.AbortedAt), colorize))
	}
	if resp.ExpiresAt != "" {
		fmt.Fprintln(&b, renderStatusLine("Expires", statusInfo, resp.ExpiresAt, colorize))
	}

	spec := tableSpec{
		headers: []string{"Stage", "Status", "Progress", "Finished", "Error"},
		aligns:  []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	}
	for _, name := range stage.All {
		view, ok := resp.Stages[string(name)]
		if !ok {
			continue
		}
		status := view.Status
		if colorize {
			status = statusKindColor(kindForStatus(view.Status)) + status + ansiReset
		}
		spec.rows = append(spec.rows, []string{
			stageLabel(string(name)),
			status,
			fmt.Sprintf("%d%%", view.Progress),
			view.FinishedAt,
			truncate(view.Error, 60),
		})
	}
	b.WriteString(spec.render())
	return b.String()
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
