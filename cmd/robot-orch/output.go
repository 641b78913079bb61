package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	busyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var outputJSON bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print raw JSON")
}

// styleStatus colors a robot or job status
func styleStatus(status string) string {
	switch status {
	case "online", "completed":
		return okStyle.Render(status)
	case "busy", "queued", "running", "pending":
		return busyStyle.Render(status)
	case "offline", "error", "failed", "timeout":
		return badStyle.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func agoPtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return ago(*t)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newTable(w io.Writer, header ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTitle(s string) {
	fmt.Println(titleStyle.Render(s))
}
