package sshd

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

type session struct {
	l        *logrus.Entry
	c        *ssh.ServerConn
	commands *commandSet

	termLock sync.Mutex
	term     *term.Terminal

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(commands *commandSet, conn *ssh.ServerConn, chans <-chan ssh.NewChannel, l *logrus.Entry) *session {
	s := &session{
		commands: commands.clone(),
		l:        l,
		c:        conn,
		done:     make(chan struct{}),
	}

	s.commands.add(&Command{
		Name:             "logout",
		ShortDescription: "Ends the current session",
		Callback: func(_ any, _ []string, _ StringWriter) error {
			s.Close()
			return nil
		},
	})

	go s.handleChannels(chans)
	return s
}

func (s *session) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			s.l.WithField("sshChannelType", newChannel.ChannelType()).Error("unknown channel type")
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.l.WithError(err).Warn("could not accept channel")
			continue
		}

		go s.handleRequests(requests, channel)
	}

	// The connection is gone.
	s.Close()
}

func (s *session) handleRequests(in <-chan *ssh.Request, channel ssh.Channel) {
	for req := range in {
		var err error
		switch req.Type {
		case "shell":
			err = req.Reply(s.startShell(channel), nil)

		case "pty-req", "window-change":
			err = req.Reply(true, nil)

		case "exec":
			var payload struct{ Value string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				return
			}

			_ = req.Reply(true, nil)
			status := struct{ Status uint32 }{0}
			if err := s.run(payload.Value, &stringWriter{channel}); err != nil {
				status.Status = 1
			}
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(status))
			channel.Close()
			return

		default:
			s.l.WithField("sshRequest", req.Type).Debug("Rejected unknown request")
			err = req.Reply(false, nil)
		}

		if err != nil {
			s.l.WithError(err).Info("Error handling ssh session requests")
			s.Close()
			return
		}
	}
}

// startShell attaches an interactive terminal to channel. A session only
// gets one.
func (s *session) startShell(channel ssh.Channel) bool {
	s.termLock.Lock()
	defer s.termLock.Unlock()
	if s.term != nil {
		return false
	}

	t := term.NewTerminal(channel, s.c.User()+"@r8139 > ")
	t.AutoCompleteCallback = func(line string, _ int, key rune) (string, int, bool) {
		if key != '\t' {
			return "", 0, false
		}

		names := s.commands.match(line)
		if len(names) == 1 {
			return names[0] + " ", len(names[0]) + 1, true
		}
		_, _ = t.Write([]byte(strings.Join(names, "\n") + "\n\n"))
		return "", 0, false
	}
	s.term = t

	go s.readInput(t)
	return true
}

func (s *session) readInput(t *term.Terminal) {
	defer s.Close()

	w := &stringWriter{w: t}
	for {
		line, err := t.ReadLine()
		if err != nil {
			return
		}
		_ = s.run(line, w)
	}
}

func (s *session) run(line string, w StringWriter) error {
	err := s.commands.dispatch(line, w)
	if err != nil {
		s.l.WithError(err).WithField("command", line).Warn("Command failed")
	}
	return err
}

func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.c.Close()
		close(s.done)
	})
}
