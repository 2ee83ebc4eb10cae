package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// KV renders ordered key-value pairs.
type KV struct {
	out   *Output
	meta  Meta
	pairs []kvPair
}

type kvPair struct {
	key   string
	value any
}

func (k *KV) Set(key string, value any) *KV {
	k.pairs = append(k.pairs, kvPair{key: key, value: value})
	return k
}

func (k *KV) Render() error {
	return k.out.Render(k)
}

func (k *KV) Meta() Meta {
	return k.meta
}

// RenderText writes one "Key: value" line per pair with the values aligned.
func (k *KV) RenderText(w io.Writer) error {
	if len(k.pairs) == 0 {
		return nil
	}
	tw := table.NewWriter()
	tw.SetStyle(plainStyle)
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignLeft}})
	for _, p := range k.pairs {
		tw.AppendRow(table.Row{p.key + ":", FormatCell(p.value)})
	}
	_, err := io.WriteString(w, tw.Render()+"\n")
	return err
}

// plainStyle draws no borders or separators, only padded columns.
var plainStyle = func() table.Style {
	st := table.StyleLight
	st.Options = table.Options{}
	st.Box.PaddingLeft = ""
	st.Box.PaddingRight = " "
	return st
}()

// RenderJSON keeps raw values so numbers and lists stay typed.
func (k *KV) RenderJSON() any {
	result := make(map[string]any, len(k.pairs))
	for _, p := range k.pairs {
		result[toJSONKey(p.key)] = p.value
	}
	return result
}

func (k *KV) RenderMarkdown(w io.Writer) error {
	for _, p := range k.pairs {
		if _, err := fmt.Fprintf(w, "**%s:** %s\n\n", p.key, markdownValue(p.value)); err != nil {
			return err
		}
	}
	return nil
}

// markdownValue code-formats port and device identifiers and escapes table
// separators.
func markdownValue(v any) string {
	s := FormatCell(v)
	if strings.ContainsAny(s, "/:") && !strings.Contains(s, " ") {
		return "`" + s + "`"
	}
	return strings.ReplaceAll(s, "|", "\\|")
}
