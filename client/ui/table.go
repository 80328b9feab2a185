package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/rivo/uniseg"
	"github.com/samber/lo"
)

// Table writes left aligned columns. Widths are measured in terminal cells,
// so colored or wide cells stay aligned.
type Table struct {
	header []string
	rows   [][]string
}

func NewTable(header ...string) *Table {
	return &Table{header: header}
}

func (t *Table) Append(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *Table) Len() int {
	return len(t.rows)
}

func (t *Table) WriteTo(w io.Writer) (int64, error) {
	rows := append([][]string{t.header}, t.rows...)

	widths := make([]int, len(t.header))
	for _, row := range rows {
		for i, cell := range lo.Subset(row, 0, uint(len(widths))) {
			widths[i] = max(widths[i], uniseg.StringWidth(stripANSI(cell)))
		}
	}

	var written int64
	for _, row := range rows {
		var line strings.Builder
		for i, cell := range row {
			if i >= len(widths) {
				break
			}
			line.WriteString(cell)
			if i < len(row)-1 && i < len(widths)-1 {
				line.WriteString(strings.Repeat(" ", widths[i]-uniseg.StringWidth(stripANSI(cell))+2))
			}
		}
		n, err := fmt.Fprintln(w, strings.TrimRight(line.String(), " "))
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// stripANSI removes the SGR sequences written by fatih/color.
func stripANSI(s string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "\x1b[")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		end := strings.IndexByte(s[start:], 'm')
		if end < 0 {
			return b.String()
		}
		s = s[start+end+1:]
	}
}
