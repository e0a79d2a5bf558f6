// style.go: Terminal styling for command output
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"strings"

	pluginhost "github.com/agilira/go-pluginhost"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("245"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	sectionStyle = lipgloss.NewStyle().MarginTop(1)
)

func stateStyle(state pluginhost.PluginState) lipgloss.Style {
	switch state {
	case pluginhost.StateEnabled:
		return okStyle
	case pluginhost.StateLoaded, pluginhost.StateDisabled:
		return warnStyle
	case pluginhost.StateError:
		return errorStyle
	}
	return dimStyle
}

// renderTable lays rows out in padded columns. Styles apply per column
// after padding so escape codes do not skew widths.
func renderTable(headers []string, rows [][]string, styles ...func(row []string, col int) lipgloss.Style) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(s string, w int) string {
		return s + strings.Repeat(" ", w-lipgloss.Width(s))
	}
	lines := make([]string, 0, len(rows)+1)
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerStyle.Render(pad(h, widths[i]))
	}
	lines = append(lines, strings.Join(cells, "  "))
	for _, row := range rows {
		cells := make([]string, len(headers))
		for i := range headers {
			var cell string
			if i < len(row) {
				cell = pad(row[i], widths[i])
			} else {
				cell = pad("", widths[i])
			}
			for _, style := range styles {
				cell = style(row, i).Render(cell)
			}
			cells[i] = cell
		}
		lines = append(lines, strings.Join(cells, "  "))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderPlugins(infos []pluginhost.PluginInfo) string {
	if len(infos) == 0 {
		return dimStyle.Render("no plugins")
	}
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, []string{info.ID, info.Version, string(info.State), info.Error})
	}
	return renderTable([]string{"PLUGIN", "VERSION", "STATE", "ERROR"}, rows,
		func(row []string, col int) lipgloss.Style {
			if col == 2 {
				return stateStyle(pluginhost.PluginState(row[2]))
			}
			return lipgloss.NewStyle()
		})
}

func renderList(title string, style lipgloss.Style, items []string) string {
	if len(items) == 0 {
		return ""
	}
	lines := []string{sectionStyle.Render(titleStyle.Render(fmt.Sprintf("%s (%d)", title, len(items))))}
	for _, item := range items {
		lines = append(lines, style.Render("  • "+item))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func renderLoadReport(report *pluginhost.LoadReport, infos []pluginhost.PluginInfo) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("Plugin host (policy %s)", report.Policy)),
		renderPlugins(infos),
	}
	if len(report.Order) > 0 {
		parts = append(parts, sectionStyle.Render(dimStyle.Render("load order: "+strings.Join(report.Order, " → "))))
	}
	if s := renderList("Warnings", warnStyle, report.Warnings); s != "" {
		parts = append(parts, s)
	}
	if s := renderList("Errors", errorStyle, report.Errors); s != "" {
		parts = append(parts, s)
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}
