package sshd

import (
	"bytes"
	"errors"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countFlags struct {
	N int
}

func newTestCommands() (*commandSet, *[]string) {
	var calls []string
	cs := newCommandSet()
	cs.add(&Command{
		Name:             "stats",
		ShortDescription: "prints stats",
		Help:             "Counts since the device was opened",
		Flags: func() (*flag.FlagSet, any) {
			fl := flag.NewFlagSet("", flag.ContinueOnError)
			s := countFlags{}
			fl.IntVar(&s.N, "n", 1, "how many")
			return fl, &s
		},
		Callback: func(fs any, a []string, w StringWriter) error {
			f := fs.(*countFlags)
			calls = append(calls, "stats")
			return w.WriteJSON(map[string]any{"n": f.N, "args": a}, false)
		},
	})
	cs.add(&Command{
		Name:             "state",
		ShortDescription: "prints state",
		Callback: func(any, []string, StringWriter) error {
			calls = append(calls, "state")
			return errors.New("boom")
		},
	})
	return cs, &calls
}

func TestCommandSet_Dispatch(t *testing.T) {
	cs, calls := newTestCommands()
	var buf bytes.Buffer
	w := NewStringWriter(&buf)

	require.NoError(t, cs.dispatch(`stats -n 3 "a b"`, w))
	assert.Equal(t, "{\"args\":[\"a b\"],\"n\":3}\n", buf.String())

	assert.EqualError(t, cs.dispatch("state", w), "boom")
	assert.Equal(t, []string{"stats", "state"}, *calls)

	// Bad flags report to the user and do not run the command.
	buf.Reset()
	assert.Error(t, cs.dispatch("stats -nope", w))
	assert.Contains(t, buf.String(), "flag provided but not defined")
	assert.Len(t, *calls, 2)

	buf.Reset()
	require.NoError(t, cs.dispatch("nope", w))
	assert.Contains(t, buf.String(), "did not understand: nope")
	assert.Contains(t, buf.String(), "state - prints state\nstats - prints stats")

	buf.Reset()
	require.NoError(t, cs.dispatch("", w))
	assert.Contains(t, buf.String(), "Available commands:")

	buf.Reset()
	require.NoError(t, cs.dispatch(`"unterminated`, w))
	assert.Contains(t, buf.String(), "could not parse")
}

func TestCommandSet_Help(t *testing.T) {
	cs, calls := newTestCommands()
	var buf bytes.Buffer
	w := NewStringWriter(&buf)

	require.NoError(t, cs.dispatch("stats -h", w))
	assert.Contains(t, buf.String(), "stats - prints stats\n  Counts since the device was opened\n")
	assert.Contains(t, buf.String(), "-n int")
	assert.Empty(t, *calls)

	buf.Reset()
	require.NoError(t, cs.help([]string{"nope"}, w))
	assert.Equal(t, "Command not available nope\n", buf.String())
}

func TestCommandSet_Match(t *testing.T) {
	cs, _ := newTestCommands()
	assert.Equal(t, []string{"state", "stats"}, cs.match("sta"))
	assert.Equal(t, []string{"stats"}, cs.match("stats"))
	assert.Empty(t, cs.match("x"))

	// A clone does not leak additions back.
	c := cs.clone()
	c.add(&Command{Name: "logout"})
	assert.Empty(t, cs.match("logout"))
	assert.Equal(t, []string{"logout"}, c.match("l"))
}
