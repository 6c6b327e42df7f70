package main

// ---------------------------------------------------------------------------
// output.go - format flag, table rendering, CSV and JSON output helpers
// ---------------------------------------------------------------------------

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// OutputFormat enumerates supported output formats.
type OutputFormat int

const (
	FormatTable OutputFormat = iota
	FormatJSON
	FormatCSV
)

func parseFormat(s string) OutputFormat {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return FormatJSON
	case "csv":
		return FormatCSV
	default:
		return FormatTable
	}
}

// Table renders aligned, bordered tables to a writer.
type Table struct {
	headers []string
	rows    [][]string
	w       io.Writer
}

func NewTable(w io.Writer, headers ...string) *Table {
	return &Table{headers: headers, w: w}
}

// AddRow appends a row, padded or truncated to the header count.
func (t *Table) AddRow(values ...string) {
	row := make([]string, len(t.headers))
	copy(row, values)
	t.rows = append(t.rows, row)
}

// Render writes the table with box-drawing borders. Widths count runes and
// ignore ANSI color codes.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visibleLen(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], visibleLen(cell))
		}
	}

	line := func(left, mid, right string) string {
		var b strings.Builder
		b.WriteString(left)
		for i, w := range widths {
			b.WriteString(strings.Repeat("─", w+2))
			if i < len(widths)-1 {
				b.WriteString(mid)
			}
		}
		b.WriteString(right)
		return b.String()
	}
	printRow := func(cells []string) {
		fmt.Fprint(t.w, "│")
		for i, cell := range cells {
			fmt.Fprintf(t.w, " %s%s │", cell, strings.Repeat(" ", widths[i]-visibleLen(cell)))
		}
		fmt.Fprintln(t.w)
	}

	fmt.Fprintln(t.w, line("┌", "┬", "┐"))
	printRow(t.headers)
	fmt.Fprintln(t.w, line("├", "┼", "┤"))
	for _, row := range t.rows {
		printRow(row)
	}
	fmt.Fprintln(t.w, line("└", "┴", "┘"))
}

func visibleLen(s string) int {
	n := 0
	for i := 0; i < len(s); {
		if s[i] == '\033' {
			for i < len(s) && s[i] != 'm' {
				i++
			}
			i++
			continue
		}
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n++
	}
	return n
}

func writeCSV(w io.Writer, headers []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(headers); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

// printJSON re-indents a raw API response.
func printJSON(w io.Writer, raw []byte) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

// outputWriter writes to a file when --output is set, otherwise stdout.
func outputWriter(path string) (io.Writer, func()) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		errorf("opening output file %q: %v", path, err)
	}
	return f, func() { f.Close() }
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
