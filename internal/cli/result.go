package cli

import (
	"fmt"
	"io"
)

type detail struct {
	key   string
	value any
}

// Result is a single message with ordered details.
type Result struct {
	out     *Output
	meta    Meta
	message string
	details []detail
}

func (r *Result) With(key string, value any) *Result {
	r.details = append(r.details, detail{key, value})
	return r
}

func (r *Result) Render() error {
	return r.out.Render(r)
}

func (r *Result) Meta() Meta {
	return r.meta
}

func (r *Result) RenderText(w io.Writer) error {
	if _, err := fmt.Fprintln(w, r.message); err != nil {
		return err
	}
	width := 0
	for _, d := range r.details {
		width = max(width, len(d.key))
	}
	for _, d := range r.details {
		if _, err := fmt.Fprintf(w, "  %-*s  %s\n", width+1, d.key+":", FormatCell(d.value)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Result) RenderJSON() any {
	result := make(map[string]any, len(r.details)+1)
	result["message"] = r.message
	for _, d := range r.details {
		result[toJSONKey(d.key)] = d.value
	}
	return result
}

func (r *Result) RenderMarkdown(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "**%s**\n\n", r.message); err != nil {
		return err
	}
	for _, d := range r.details {
		if _, err := fmt.Fprintf(w, "- **%s:** %s\n", d.key, markdownValue(d.value)); err != nil {
			return err
		}
	}
	return nil
}

// Error is a structured error result. The code is usually an arbitration
// error kind.
type Error struct {
	out     *Output
	meta    Meta
	err     error
	code    string
	details []detail
}

func (e *Error) WithCode(code string) *Error {
	e.code = code
	return e
}

func (e *Error) With(key string, value any) *Error {
	e.details = append(e.details, detail{key, value})
	return e
}

func (e *Error) Render() error {
	return e.out.Render(e)
}

func (e *Error) Meta() Meta {
	return e.meta
}

func (e *Error) RenderText(w io.Writer) error {
	prefix := "Error"
	if e.code != "" {
		prefix = fmt.Sprintf("Error [%s]", e.code)
	}
	if _, err := fmt.Fprintf(w, "%s: %v\n", prefix, e.err); err != nil {
		return err
	}
	for _, d := range e.details {
		if _, err := fmt.Fprintf(w, "  %s: %s\n", d.key, FormatCell(d.value)); err != nil {
			return err
		}
	}
	return nil
}

func (e *Error) RenderJSON() any {
	result := map[string]any{"error": e.err.Error()}
	if e.code != "" {
		result["code"] = e.code
	}
	for _, d := range e.details {
		result[toJSONKey(d.key)] = d.value
	}
	return result
}

func (e *Error) RenderMarkdown(w io.Writer) error {
	prefix := "Error"
	if e.code != "" {
		prefix = fmt.Sprintf("Error [%s]", e.code)
	}
	if _, err := fmt.Fprintf(w, "> **%s:** %v\n", prefix, e.err); err != nil {
		return err
	}
	if len(e.details) > 0 {
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
		for _, d := range e.details {
			if _, err := fmt.Fprintf(w, "- %s: %s\n", d.key, markdownValue(d.value)); err != nil {
				return err
			}
		}
	}
	return nil
}
