package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"
)

// PrintJSON writes v as indented JSON.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// PrintTable writes rows under upper-cased column headers, two spaces
// between columns. On a terminal, cells are truncated to fit its width.
func PrintTable(w io.Writer, columns []string, rows [][]string) {
	if len(columns) == 0 {
		return
	}
	widths := make([]int, len(columns))
	for i, c := range columns {
		widths[i] = len(c)
	}
	for _, row := range rows {
		for i := range columns {
			if i < len(row) && len(row[i]) > widths[i] {
				widths[i] = len(row[i])
			}
		}
	}
	fitToTerminal(w, widths)

	line := func(cells []string) {
		parts := make([]string, len(columns))
		for i := range columns {
			cell := ""
			if i < len(cells) {
				cell = truncate(cells[i], widths[i])
			}
			if i == len(columns)-1 {
				parts[i] = cell
			} else {
				parts[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
			}
		}
		_, _ = fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}

	headers := make([]string, len(columns))
	for i, c := range columns {
		headers[i] = strings.ToUpper(c)
	}
	line(headers)
	for _, row := range rows {
		line(row)
	}
}

// fitToTerminal shrinks the widest columns until the table fits when w is
// a terminal.
func fitToTerminal(w io.Writer, widths []int) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 {
		return
	}
	total := func() int {
		n := 2 * (len(widths) - 1)
		for _, w := range widths {
			n += w
		}
		return n
	}
	for total() > cols {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= 8 {
			return
		}
		widths[widest]--
	}
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}

// PrintDetail writes one "key:  value" line per field, keys sorted and
// colons aligned.
func PrintDetail(w io.Writer, fields map[string]any) {
	keys := make([]string, 0, len(fields))
	maxLen := 0
	for k := range fields {
		keys = append(keys, k)
		if len(k) > maxLen {
			maxLen = len(k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		pad := strings.Repeat(" ", maxLen-len(k))
		_, _ = fmt.Fprintf(w, "%s:%s  %s\n", k, pad, formatValue(fields[k]))
	}
}

// ExtractField renders data[key] for display. Maps and slices are JSON.
func ExtractField(data map[string]any, key string) string {
	return formatValue(data[key])
}

// ExtractRows renders the objects in data[listKey] as table rows.
// Non-object items are skipped.
func ExtractRows(data map[string]any, listKey string, columns []string) [][]string {
	items, ok := data[listKey].([]any)
	if !ok {
		return nil
	}
	var rows [][]string
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		row := make([]string, len(columns))
		for i, c := range columns {
			row[i] = lookupPath(m, c)
		}
		rows = append(rows, row)
	}
	return rows
}

// lookupPath resolves dotted keys such as "job.name".
func lookupPath(m map[string]any, path string) string {
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return formatValue(m[head])
	}
	sub, ok := m[head].(map[string]any)
	if !ok {
		return ""
	}
	return lookupPath(sub, rest)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
