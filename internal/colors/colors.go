// Package colors highlights hgstore command output on terminals that
// support ANSI escapes.
//
// Color is on when stdout is a terminal with a usable TERM, and
// can be forced either way with FORCE_COLOR and NO_COLOR or SetEnabled.
package colors

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI escape codes
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	dim    = "\033[2m"
	red    = "\033[91m"
	green  = "\033[92m"
	yellow = "\033[93m"
	cyan   = "\033[96m"
	gray   = "\033[90m"
)

var enabled = detect(os.Getenv, os.Stdout)

// detect decides whether to color output written to out.
func detect(getenv func(string) string, out *os.File) bool {
	if getenv("NO_COLOR") != "" {
		return false
	}
	if getenv("FORCE_COLOR") != "" {
		return true
	}
	name := strings.ToLower(getenv("TERM"))
	if name == "" || name == "dumb" {
		return false
	}
	if out == nil {
		return false
	}
	return term.IsTerminal(int(out.Fd()))
}

// SetEnabled turns color on or off for the whole process.
func SetEnabled(on bool) { enabled = on }

// Enabled reports whether output is colored.
func Enabled() bool { return enabled }

func paint(text, code string) string {
	if !enabled {
		return text
	}
	return code + text + reset
}

// Node highlights a revision identifier.
func Node(text string) string { return paint(text, yellow) }

// Rev highlights a revision index.
func Rev(text string) string { return paint(text, cyan) }

// Header renders a table or section header.
func Header(text string) string { return paint(text, bold) }

// Muted renders secondary information such as null parents.
func Muted(text string) string { return paint(text, gray) }

// Faint renders hints.
func Faint(text string) string { return paint(text, dim) }

func Success(text string) string { return paint(text, green) }

func Failure(text string) string { return paint(text, red) }

func Warning(text string) string { return paint(text, yellow) }
