// Package ui renders terminal output for the wmill-dev commands.
//
// Styling is dropped when the output is not a terminal or NO_COLOR is set,
// so piped output stays plain text.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Printer writes styled lines to one output.
type Printer struct {
	w           io.Writer
	interactive bool

	title   lipgloss.Style
	label   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warn    lipgloss.Style
	failure lipgloss.Style
	box     lipgloss.Style
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) *Printer {
	interactive := IsTerminal(w)

	r := lipgloss.NewRenderer(w)
	if !interactive || termenv.EnvNoColor() {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Printer{
		w:           w,
		interactive: interactive,
		title:       r.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		label:       r.NewStyle().Foreground(lipgloss.Color("14")),
		muted:       r.NewStyle().Foreground(lipgloss.Color("8")),
		success:     r.NewStyle().Foreground(lipgloss.Color("2")),
		warn:        r.NewStyle().Foreground(lipgloss.Color("3")),
		failure:     r.NewStyle().Bold(true).Foreground(lipgloss.Color("1")),
		box: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1),
	}
}

// Interactive reports whether the output is a terminal.
func (p *Printer) Interactive() bool {
	return p.interactive
}

// Title prints a bold heading.
func (p *Printer) Title(s string) {
	fmt.Fprintln(p.w, p.title.Render(s))
}

// Field prints an aligned "label  value" line.
func (p *Printer) Field(label, value string) {
	fmt.Fprintf(p.w, "  %s %s\n", p.label.Render(fmt.Sprintf("%-12s", label)), value)
}

// Muted prints secondary text.
func (p *Printer) Muted(format string, args ...any) {
	fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf(format, args...)))
}

// Success prints a confirmation.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.success.Render("✓ "+fmt.Sprintf(format, args...)))
}

// Warn prints a warning.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("! "+fmt.Sprintf(format, args...)))
}

// Failure prints an error.
func (p *Printer) Failure(format string, args ...any) {
	fmt.Fprintln(p.w, p.failure.Render("✗ "+fmt.Sprintf(format, args...)))
}

// Box prints body inside a rounded border under a heading.
func (p *Printer) Box(heading, body string) {
	fmt.Fprintln(p.w, p.title.Render(heading))
	fmt.Fprintln(p.w, p.box.Render(strings.TrimRight(body, "\n")))
}

// Banner prints the startup summary of the bridge.
func (p *Printer) Banner(fields [][2]string) {
	p.Title("wmill-dev")
	for _, f := range fields {
		p.Field(f[0], f[1])
	}
	fmt.Fprintln(p.w)
}
