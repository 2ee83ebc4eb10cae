package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Table renders rows under headers with go-pretty.
type Table struct {
	out     *Output
	meta    Meta
	title   string
	empty   string
	headers []string
	rows    [][]string
}

// AddRow appends a row. Cells are formatted with FormatCell.
func (t *Table) AddRow(values ...any) *Table {
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = FormatCell(v)
	}
	t.rows = append(t.rows, row)
	return t
}

// Title sets a caption shown above the text table.
func (t *Table) Title(s string) *Table {
	t.title = s
	return t
}

// Empty sets the text shown instead of a table without rows.
func (t *Table) Empty(s string) *Table {
	t.empty = s
	return t
}

func (t *Table) Len() int { return len(t.rows) }

func (t *Table) Render() error {
	return t.out.Render(t)
}

func (t *Table) Meta() Meta {
	return t.meta.WithCount(len(t.rows))
}

func (t *Table) RenderText(w io.Writer) error {
	if len(t.rows) == 0 && t.empty != "" {
		_, err := fmt.Fprintln(w, t.empty)
		return err
	}
	tw := t.writer()
	tw.SetStyle(table.StyleLight)
	if t.title != "" {
		tw.SetTitle(t.title)
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// RenderJSON returns one object per row keyed by header.
func (t *Table) RenderJSON() any {
	result := make([]map[string]string, 0, len(t.rows))
	for _, row := range t.rows {
		obj := make(map[string]string, len(t.headers))
		for i, h := range t.headers {
			if i < len(row) {
				obj[toJSONKey(h)] = row[i]
			}
		}
		result = append(result, obj)
	}
	return result
}

func (t *Table) RenderMarkdown(w io.Writer) error {
	if t.title != "" {
		if _, err := fmt.Fprintf(w, "### %s\n\n", t.title); err != nil {
			return err
		}
	}
	if len(t.rows) == 0 && t.empty != "" {
		_, err := fmt.Fprintf(w, "_%s_\n", t.empty)
		return err
	}
	_, err := io.WriteString(w, t.writer().RenderMarkdown()+"\n")
	return err
}

func (t *Table) writer() table.Writer {
	tw := table.NewWriter()
	header := make(table.Row, len(t.headers))
	for i, h := range t.headers {
		header[i] = h
	}
	tw.AppendHeader(header)
	for _, row := range t.rows {
		r := make(table.Row, len(row))
		for i, cell := range row {
			r[i] = cell
		}
		tw.AppendRow(r)
	}
	return tw
}

// FormatCell renders a value the way every table and key-value listing
// shows it.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case string:
		if x == "" {
			return "-"
		}
		return x
	case bool:
		if x {
			return "yes"
		}
		return "no"
	case time.Duration:
		return x.Round(time.Millisecond).String()
	case time.Time:
		if x.IsZero() {
			return "-"
		}
		return x.UTC().Format(time.RFC3339)
	case []string:
		if len(x) == 0 {
			return "-"
		}
		return strings.Join(x, ", ")
	case fmt.Stringer:
		return FormatCell(x.String())
	default:
		return fmt.Sprint(v)
	}
}

// toJSONKey converts a header to a JSON key (lowercase, underscores).
func toJSONKey(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", "_"))
}
