// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warnColor    = color.New(color.FgYellow)
)

// Format selects how results are rendered.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a --output value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: table, json, yaml)", s)
	}
}

// Printer writes results and status lines.
type Printer struct {
	out    io.Writer
	errOut io.Writer
	format Format
}

func New(out, errOut io.Writer, format Format) *Printer {
	return &Printer{out: out, errOut: errOut, format: format}
}

func (p *Printer) Format() Format { return p.format }

// Structured reports whether results go out as JSON or YAML. Status lines are
// suppressed then so the output stays machine-readable.
func (p *Printer) Structured() bool { return p.format != FormatTable }

func (p *Printer) Success(format string, a ...any) {
	if !p.Structured() {
		successColor.Fprint(p.out, "✓ ")
		fmt.Fprintf(p.out, format+"\n", a...)
	}
}

func (p *Printer) Info(format string, a ...any) {
	if !p.Structured() {
		fmt.Fprintf(p.out, format+"\n", a...)
	}
}

func (p *Printer) Warn(format string, a ...any) {
	warnColor.Fprint(p.errOut, "⚠ ")
	fmt.Fprintf(p.errOut, format+"\n", a...)
}

func (p *Printer) Error(format string, a ...any) {
	errorColor.Fprint(p.errOut, "✗ ")
	fmt.Fprintf(p.errOut, format+"\n", a...)
}

// Value renders v in the structured format. In table mode the caller's
// table func is used; a nil table falls back to JSON.
func (p *Printer) Value(v any, table func() *Table) error {
	switch {
	case p.format == FormatYAML:
		return p.yaml(v)
	case p.format == FormatJSON || table == nil:
		return p.json(v)
	default:
		table().Render(p.out)
		return nil
	}
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// yaml goes through JSON first so json tags and time formats apply.
func (p *Printer) yaml(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(row ...string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Render(w io.Writer) {
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	line := func(cells []string) {
		var b strings.Builder
		for i := range t.headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			fmt.Fprintf(&b, "%-*s  ", widths[i], cell)
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	line(t.headers)
	sep := make([]string, len(t.headers))
	for i := range sep {
		sep[i] = strings.Repeat("-", widths[i])
	}
	line(sep)
	for _, row := range t.rows {
		line(row)
	}
}
