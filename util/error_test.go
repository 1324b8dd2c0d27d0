package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type m = map[string]any

type TestLogWriter struct {
	Logs []string
}

func NewTestLogWriter() *TestLogWriter {
	return &TestLogWriter{Logs: make([]string, 0)}
}

func (tl *TestLogWriter) Write(p []byte) (n int, err error) {
	tl.Logs = append(tl.Logs, string(p))
	return len(p), nil
}

func (tl *TestLogWriter) Reset() {
	tl.Logs = tl.Logs[:0]
}

func newTestLogger() (*logrus.Logger, *TestLogWriter) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	tl := NewTestLogWriter()
	l.Out = tl
	return l, tl
}

func TestContextualError_Log(t *testing.T) {
	l, tl := newTestLogger()

	// Test a full context line
	tl.Reset()
	e := NewContextualError("reset timed out", m{"device": "eth0"}, errors.New("error"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"reset timed out\" device=eth0 error=error\n"}, tl.Logs)

	// Test a line with an error and msg but no fields
	tl.Reset()
	e = NewContextualError("reset timed out", nil, errors.New("error"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"reset timed out\" error=error\n"}, tl.Logs)

	// Test just a context and fields
	tl.Reset()
	e = NewContextualError("reset timed out", m{"device": "eth0"}, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"reset timed out\" device=eth0\n"}, tl.Logs)

	// Test just a context
	tl.Reset()
	e = NewContextualError("reset timed out", nil, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"reset timed out\"\n"}, tl.Logs)
}

func TestContextualError_Error(t *testing.T) {
	cause := errors.New("boom")
	assert.Equal(t, "opening: boom", NewContextualError("opening", nil, cause).Error())
	assert.Equal(t, "opening (map[device:eth0]): boom", NewContextualError("opening", m{"device": "eth0"}, cause).Error())
	assert.Equal(t, "opening", NewContextualError("opening", nil, nil).Error())

	wrapped := fmt.Errorf("outer: %w", NewContextualError("opening", nil, cause))
	assert.ErrorIs(t, wrapped, cause)
	assert.NoError(t, errors.Unwrap(NewContextualError("opening", nil, nil)))
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, tl := newTestLogger()

	// Test ignoring fallback context
	tl.Reset()
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	LogWithContextIfNeeded("This should get thrown away", e, l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1\n"}, tl.Logs)

	// A wrapped contextual error is still found
	tl.Reset()
	LogWithContextIfNeeded("This should get thrown away", fmt.Errorf("outer: %w", e), l)
	assert.Equal(t, []string{"level=error msg=\"test message\" error=error field=1\n"}, tl.Logs)

	// Test using fallback context
	tl.Reset()
	err := fmt.Errorf("this is a normal error")
	LogWithContextIfNeeded("Fallback context woo", err, l)
	assert.Equal(t, []string{"level=error msg=\"Fallback context woo\" error=\"this is a normal error\"\n"}, tl.Logs)
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Test ignoring fallback context
	e := NewContextualError("test message", m{"field": "1"}, errors.New("error"))
	assert.Same(t, e, ContextualizeIfNeeded("should be ignored", e))

	// Test using fallback context
	err := fmt.Errorf("this is a normal error")
	cErr := ContextualizeIfNeeded("Fallback context woo", err)

	var ce *ContextualError
	if assert.ErrorAs(t, cErr, &ce) {
		assert.Equal(t, err, ce.RealError)
		assert.Equal(t, "Fallback context woo", ce.Context)
	}
}
