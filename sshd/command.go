package sshd

import (
	"errors"
	"flag"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/anmitsu/go-shlex"
	"github.com/armon/go-radix"
)

// CommandFlags returns a fresh flag set for a command and the struct its
// flags parse into.
type CommandFlags func() (*flag.FlagSet, any)

// CommandCallback runs a command. fs is the struct returned by the
// command's Flags, or nil. a holds the arguments left after flag parsing.
// A returned error is logged locally, messages for the user go to w.
type CommandCallback func(fs any, a []string, w StringWriter) error

type Command struct {
	Name             string
	ShortDescription string
	Help             string
	Flags            CommandFlags
	Callback         CommandCallback
}

func (c *Command) exec(args []string, w StringWriter) error {
	var fs any
	if c.Flags != nil {
		var fl *flag.FlagSet
		fl, fs = c.Flags()
		if fl != nil {
			// Parse errors and usage go straight to the user.
			fl.SetOutput(w.GetWriter())
			if err := fl.Parse(args); err != nil {
				return err
			}
			args = fl.Args()
		}
	}

	return c.Callback(fs, args, w)
}

// commandSet is a prefix searchable set of commands.
type commandSet struct {
	mu   sync.RWMutex
	tree *radix.Tree
}

func newCommandSet() *commandSet {
	return &commandSet{tree: radix.New()}
}

// clone copies the set so a session can add its own commands.
func (cs *commandSet) clone() *commandSet {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return &commandSet{tree: radix.NewFromMap(cs.tree.ToMap())}
}

func (cs *commandSet) add(c *Command) {
	cs.mu.Lock()
	cs.tree.Insert(c.Name, c)
	cs.mu.Unlock()
}

func (cs *commandSet) lookup(name string) (*Command, error) {
	cs.mu.RLock()
	v, ok := cs.tree.Get(name)
	cs.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	c, ok := v.(*Command)
	if !ok {
		return nil, errors.New("failed to cast command")
	}
	return c, nil
}

// match returns the sorted names starting with prefix.
func (cs *commandSet) match(prefix string) []string {
	var names []string
	cs.mu.RLock()
	cs.tree.WalkPrefix(prefix, func(found string, _ any) bool {
		names = append(names, found)
		return false
	})
	cs.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (cs *commandSet) all() []*Command {
	var cmds []*Command
	cs.mu.RLock()
	cs.tree.Walk(func(_ string, v any) bool {
		if c, ok := v.(*Command); ok {
			cmds = append(cmds, c)
		}
		return false
	})
	cs.mu.RUnlock()
	return cmds
}

func (cs *commandSet) dump(w StringWriter) {
	if err := w.WriteLine("Available commands:"); err != nil {
		return
	}

	lines := make([]string, 0)
	for _, c := range cs.all() {
		lines = append(lines, fmt.Sprintf("%s - %s", c.Name, c.ShortDescription))
	}
	sort.Strings(lines)
	_ = w.Write(strings.Join(lines, "\n") + "\n\n")
}

func (cs *commandSet) help(args []string, w StringWriter) error {
	if len(args) == 0 {
		cs.dump(w)
		return nil
	}

	c, err := cs.lookup(args[0])
	if err != nil {
		return err
	}
	if c == nil {
		return w.WriteLine("Command not available " + args[0])
	}

	if err := w.WriteLine(fmt.Sprintf("%s - %s", c.Name, c.ShortDescription)); err != nil {
		return err
	}
	if c.Help != "" {
		if err := w.WriteLine("  " + c.Help); err != nil {
			return err
		}
	}
	if c.Flags != nil {
		if fl, _ := c.Flags(); fl != nil {
			fl.SetOutput(w.GetWriter())
			fl.PrintDefaults()
		}
	}
	return nil
}

func wantsHelp(args []string) bool {
	for _, a := range args {
		if a == "-h" || a == "-help" || a == "--help" {
			return true
		}
	}
	return false
}

// dispatch parses line and runs the command it names.
func (cs *commandSet) dispatch(line string, w StringWriter) error {
	args, err := shlex.Split(line, true)
	if err != nil {
		return w.WriteLine(fmt.Sprintf("could not parse: %s", err))
	}

	if len(args) == 0 {
		cs.dump(w)
		return nil
	}

	c, err := cs.lookup(args[0])
	if err != nil {
		return err
	}

	if c == nil {
		if err := w.WriteLine(fmt.Sprintf("did not understand: %s", line)); err != nil {
			return err
		}
		cs.dump(w)
		return nil
	}

	if wantsHelp(args[1:]) {
		return cs.help([]string{c.Name}, w)
	}

	return c.exec(args[1:], w)
}
