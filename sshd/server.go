// Package sshd is a small ssh server exposing debug commands over an
// interactive shell or exec requests.
package sshd

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// DefaultHandshakeTimeout bounds how long an unauthenticated connection may
// hold a slot.
const DefaultHandshakeTimeout = 10 * time.Second

var errHandshakeTimeout = errors.New("handshake timeout")

type Server struct {
	config *ssh.ServerConfig
	l      *logrus.Entry

	// user -> marshaled public key
	keysLock    sync.RWMutex
	trustedKeys map[string]map[string]bool

	commands *commandSet

	listenerLock sync.Mutex
	listener     net.Listener

	connsLock sync.Mutex
	conns     map[int]*session
	counter   int
}

// NewServer creates a server with only the help command registered.
func NewServer(l *logrus.Entry) *Server {
	s := &Server{
		trustedKeys: make(map[string]map[string]bool),
		l:           l,
		commands:    newCommandSet(),
		conns:       make(map[int]*session),
	}

	s.config = &ssh.ServerConfig{
		PublicKeyCallback: s.authenticate,
		ServerVersion:     "SSH-2.0-r8139",
	}

	s.RegisterCommand(&Command{
		Name:             "help",
		ShortDescription: "prints available commands or help <command> for specific usage info",
		Callback: func(_ any, args []string, w StringWriter) error {
			return s.commands.help(args, w)
		},
	})

	return s
}

func (s *Server) authenticate(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	fp := ssh.FingerprintSHA256(pubKey)

	s.keysLock.RLock()
	tk, ok := s.trustedKeys[c.User()]
	if ok {
		ok = tk[string(pubKey.Marshal())]
	}
	s.keysLock.RUnlock()

	if tk == nil {
		return nil, fmt.Errorf("unknown user %s", c.User())
	}
	if !ok {
		return nil, fmt.Errorf("unknown public key for %s (%s)", c.User(), fp)
	}

	return &ssh.Permissions{
		Extensions: map[string]string{
			"fp":   fp,
			"user": c.User(),
		},
	}, nil
}

func (s *Server) SetHostKey(hostPrivateKey []byte) error {
	private, err := ssh.ParsePrivateKey(hostPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	s.config.AddHostKey(private)
	return nil
}

func (s *Server) ClearAuthorizedKeys() {
	s.keysLock.Lock()
	s.trustedKeys = make(map[string]map[string]bool)
	s.keysLock.Unlock()
}

// AddAuthorizedKey allows user to log in with pubKey, in authorized_keys
// format.
func (s *Server) AddAuthorizedKey(user, pubKey string) error {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(pubKey))
	if err != nil {
		return err
	}

	s.keysLock.Lock()
	tk, ok := s.trustedKeys[user]
	if !ok {
		tk = make(map[string]bool)
		s.trustedKeys[user] = tk
	}
	tk[string(pk.Marshal())] = true
	s.keysLock.Unlock()

	s.l.WithField("sshKey", ssh.FingerprintSHA256(pk)).WithField("sshUser", user).Info("Authorized ssh key")
	return nil
}

// RegisterCommand adds a command sessions can run. A command with the same
// name is replaced.
func (s *Server) RegisterCommand(c *Command) {
	s.commands.add(c)
}

// Run listens on addr and serves sessions until Stop is called.
func (s *Server) Run(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.listenerLock.Lock()
	s.listener = ln
	s.listenerLock.Unlock()

	s.l.WithField("sshListener", ln.Addr()).Info("SSH server is listening")

	s.serve(ln)
	s.closeSessions()

	s.l.Info("SSH server stopped listening")
	return nil
}

func (s *Server) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.l.WithError(err).Warn("Error in listener, shutting down")
			}
			return
		}

		go s.accept(c)
	}
}

func (s *Server) accept(c net.Conn) {
	conn, chans, reqs, err := s.handshakeWithTimeout(c, DefaultHandshakeTimeout)
	if err != nil {
		s.l.WithError(err).WithField("remoteAddress", c.RemoteAddr()).Warn("failed to handshake")
		return
	}

	l := s.l.WithField("sshUser", conn.User())
	l.WithField("remoteAddress", c.RemoteAddr()).
		WithField("sshFingerprint", conn.Permissions.Extensions["fp"]).
		Info("ssh user logged in")

	sess := newSession(s.commands, conn, chans, l.WithField("subsystem", "sshd.session"))
	s.connsLock.Lock()
	s.counter++
	id := s.counter
	s.conns[id] = sess
	s.connsLock.Unlock()

	go ssh.DiscardRequests(reqs)
	<-sess.done

	s.l.WithField("id", id).Debug("closing conn")
	s.connsLock.Lock()
	delete(s.conns, id)
	s.connsLock.Unlock()
}

// handshakeWithTimeout runs the ssh handshake on c and closes c if it fails
// or does not finish within timeout.
func (s *Server) handshakeWithTimeout(c net.Conn, timeout time.Duration) (*ssh.ServerConn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  *ssh.ServerConn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		conn, chans, reqs, err := ssh.NewServerConn(c, s.config)
		done <- result{conn, chans, reqs, err}
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			c.Close()
			return nil, nil, nil, r.err
		}
		return r.conn, r.chans, r.reqs, nil

	case <-t.C:
		c.Close()
		// The handshake goroutine fails on the closed conn.
		if r := <-done; r.conn != nil {
			r.conn.Close()
		}
		return nil, nil, nil, errHandshakeTimeout
	}
}

// Stop closes the listener, which ends every session.
func (s *Server) Stop() {
	s.listenerLock.Lock()
	defer s.listenerLock.Unlock()

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			s.l.WithError(err).Warn("Failed to close the sshd listener")
		}
		s.listener = nil
	}
}

func (s *Server) closeSessions() {
	s.connsLock.Lock()
	sessions := make([]*session, 0, len(s.conns))
	for _, c := range s.conns {
		sessions = append(sessions, c)
	}
	s.connsLock.Unlock()

	for _, c := range sessions {
		c.Close()
	}
}

// RunCommand runs one command line as a session would, writing the output
// to w.
func (s *Server) RunCommand(line string, w StringWriter) error {
	return s.commands.dispatch(line, w)
}
