package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/evanschultz/tally/internal/domain"
)

var (
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("62"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	countedStyle = cellStyle.Foreground(lipgloss.Color("42"))
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(12)
)

// newTable builds one rounded table with the shared header style.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// renderItems renders roster items with their count state.
func renderItems(items []domain.RosterItem) string {
	t := newTable("Identifier", "Barcode", "Description", "Expected", "Counted")
	for _, item := range items {
		t.Row(
			item.PrimaryIdentifier,
			item.Barcode,
			item.Description,
			strconv.Itoa(item.ExpectedQuantity),
			formatCount(item.CountedQuantity),
		)
	}
	counted := make(map[int]bool, len(items))
	for idx, item := range items {
		counted[idx] = item.Counted
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case counted[row]:
			return countedStyle
		default:
			return cellStyle
		}
	})
	return t.Render()
}

// renderStatus renders a session summary with its live statistics.
func renderStatus(session domain.Session, stats domain.Statistics) string {
	lines := []string{
		labelStyle.Render("session") + session.ID,
		labelStyle.Render("roster") + session.UploadMetadata.Filename,
	}
	if sheet := session.UploadMetadata.Sheet; sheet != "" {
		lines = append(lines, labelStyle.Render("sheet")+sheet)
	}
	lines = append(lines,
		labelStyle.Render("progress")+fmt.Sprintf("%d/%d (%d%%), %d remaining", stats.Counted, stats.Total, stats.Percentage, stats.Remaining),
		labelStyle.Render("elapsed")+formatDuration(stats.TimeSpent),
		labelStyle.Render("per item")+formatDuration(stats.AvgTimePerItem),
		labelStyle.Render("eta")+formatDuration(stats.EstimatedRemainingTime),
		labelStyle.Render("activity")+session.LastActivity.Local().Format(time.DateTime),
	)
	return strings.Join(lines, "\n")
}

// renderHistory renders archived sessions, most recent first.
func renderHistory(history []domain.Session) string {
	t := newTable("ID", "Roster", "Status", "Counted", "Uploaded", "Time spent")
	for _, session := range history {
		progress := session.CountProgress
		t.Row(
			session.ID,
			session.UploadMetadata.Filename,
			string(session.Status),
			fmt.Sprintf("%d/%d", progress.Counted, progress.Total),
			session.UploadMetadata.UploadedAt.Local().Format(time.DateTime),
			formatDuration(progress.TimeSpent),
		)
	}
	return t.Render()
}

// renderAudit renders audit events, newest first.
func renderAudit(events []domain.AuditEvent) string {
	t := newTable("When", "Action", "Session", "Identifier", "Qty", "Source")
	for _, event := range events {
		t.Row(
			event.OccurredAt.Local().Format(time.DateTime),
			string(event.Action),
			shortID(event.SessionID),
			event.Identifier,
			formatCount(event.Quantity),
			event.Source,
		)
	}
	return t.Render()
}

// shortID trims a UUID to its first block.
func shortID(id string) string {
	if head, _, ok := strings.Cut(id, "-"); ok {
		return head
	}
	return id
}

// formatDuration renders d rounded to the second.
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}
