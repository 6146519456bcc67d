package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, green.Sprint("✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, red.Sprint("✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, yellow.Sprint("⚠ "+fmt.Sprintf(format, args...)))
}

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", bold.Sprint(label+":"), fmt.Sprintf(format, args...))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, cyan.Sprint("→ "+fmt.Sprintf(format, args...)))
}

// statusColor picks a color for a document or component status.
func statusColor(status string) *color.Color {
	switch status {
	case "healthy", "indexed", "closed":
		return green
	case "degraded", "pending", "processing", "half_open":
		return yellow
	default:
		return red
	}
}
