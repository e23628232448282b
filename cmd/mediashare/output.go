package main

import (
	"fmt"
	"strings"
	"time"

	"mediashare/pkg/types"
	"mediashare/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().Bold(true)

	accentValueStyle  = lipgloss.NewStyle().Foreground(accentColor).Bold(true)
	warningValueStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	dangerValueStyle  = lipgloss.NewStyle().Foreground(dangerColor).Bold(true)
	mutedStyle        = lipgloss.NewStyle().Foreground(mutedColor)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#7571f9"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return lipgloss.NewStyle().
					Foreground(secondaryColor).
					Bold(true).
					Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...)
}

func createPanel(title string, lines ...string) string {
	content := lipgloss.JoinVertical(lipgloss.Left, append([]string{titleStyle.Render(title)}, lines...)...)
	return panelStyle.Render(content)
}

func field(label, value string, style lipgloss.Style) string {
	return labelStyle.Render(label) + style.Render(value)
}

// shortID keeps the first 12 hex characters, enough to tell records apart.
func shortID(id types.ContentID) string {
	if len(id) > 12 {
		return string(id[:12])
	}
	return string(id)
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%s ago", time.Since(t).Round(time.Second))
}

func renderRecords(records []types.ContentRecord) string {
	if len(records) == 0 {
		return mutedStyle.Render("no content")
	}
	t := newTable("ID", "TITLE", "TYPE", "SIZE", "ADDED", "SOURCE", "SCORE")
	for _, r := range records {
		source := accentValueStyle.Render("local")
		if !r.IsLocal {
			source = warningValueStyle.Render("network")
		}
		score := "-"
		if r.Relevance != nil {
			score = fmt.Sprintf("%.0f", *r.Relevance)
		}
		t.Row(
			shortID(r.ID),
			r.Metadata.String("title"),
			r.Metadata.String("type"),
			utils.FormatDataSize(r.Size),
			since(r.AddedAt),
			source,
			score,
		)
	}
	return t.Render()
}

func renderQueue(entries []types.DownloadQueueEntry) string {
	if len(entries) == 0 {
		return mutedStyle.Render("download queue is empty")
	}
	t := newTable("ID", "STATUS", "PROGRESS", "STARTED", "ERROR")
	for _, e := range entries {
		t.Row(
			shortID(e.ContentID),
			statusStyle(e.Status).Render(string(e.Status)),
			renderProgressBar(e.Progress*100, 20),
			since(e.StartedAt),
			e.Error,
		)
	}
	return t.Render()
}

func renderSessions(sessions []types.StreamingSession) string {
	if len(sessions) == 0 {
		return mutedStyle.Render("no active streams")
	}
	t := newTable("ID", "STATUS", "URL", "STARTED")
	for _, s := range sessions {
		url := ""
		if s.Resource != nil {
			url = s.Resource.URL()
		}
		t.Row(shortID(s.ContentID), string(s.Status), url, since(s.StartedAt))
	}
	return t.Render()
}

func statusStyle(status types.DownloadStatus) lipgloss.Style {
	switch status {
	case types.DownloadCompleted:
		return accentValueStyle
	case types.DownloadFailed:
		return dangerValueStyle
	case types.DownloadDownloading:
		return warningValueStyle
	}
	return valueStyle
}

func renderProgressBar(percent float64, width int) string {
	percent = max(0, min(percent, 100))
	filled := int(float64(width) * percent / 100)
	bar := lipgloss.NewStyle().Foreground(lipgloss.Color("#42c767")).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(lipgloss.Color("#333333")).Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %.1f%%", bar, percent)
}

func usageStyle(used, capacity int64) lipgloss.Style {
	if capacity <= 0 {
		return valueStyle
	}
	ratio := float64(used) / float64(capacity)
	switch {
	case ratio >= 0.9:
		return dangerValueStyle
	case ratio >= 0.7:
		return warningValueStyle
	}
	return accentValueStyle
}
