package sshd

import (
	"encoding/json"
	"io"
)

// StringWriter is how commands talk back to the user.
type StringWriter interface {
	WriteLine(string) error
	Write(string) error
	WriteBytes([]byte) error
	WriteJSON(v any, pretty bool) error
	GetWriter() io.Writer
}

type stringWriter struct {
	w io.Writer
}

// NewStringWriter wraps w. It is useful to run commands outside a session.
func NewStringWriter(w io.Writer) StringWriter {
	return &stringWriter{w: w}
}

func (w *stringWriter) WriteLine(s string) error {
	return w.Write(s + "\n")
}

func (w *stringWriter) Write(s string) error {
	_, err := io.WriteString(w.w, s)
	return err
}

func (w *stringWriter) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

func (w *stringWriter) WriteJSON(v any, pretty bool) error {
	js := json.NewEncoder(w.w)
	if pretty {
		js.SetIndent("", "    ")
	}
	return js.Encode(v)
}

func (w *stringWriter) GetWriter() io.Writer {
	return w.w
}
