// Package server binds the SMTP and IMAP listeners and supervises
// their connection lifecycles.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adrsu/gmail-clone/internal/conf"
	"github.com/adrsu/gmail-clone/internal/directory"
	"github.com/adrsu/gmail-clone/internal/imap"
	"github.com/adrsu/gmail-clone/internal/smtp"
	"github.com/adrsu/gmail-clone/internal/store"
)

// protocol selects the session type for a listener
type protocol int

const (
	protocolSMTP protocol = iota
	protocolIMAP
)

func (p protocol) String() string {
	if p == protocolIMAP {
		return "imap"
	}
	return "smtp"
}

type listenerSpec struct {
	proto    protocol
	addr     string
	useTLS   bool
	listener net.Listener
}

// Supervisor owns every listener and every live session. No listener
// accepts until all of them are bound, so a half-started server is
// never observable.
type Supervisor struct {
	cfg       *conf.Config
	store     store.Store
	directory directory.Directory

	listeners []*listenerSpec
	ready     chan struct{}

	mu       sync.Mutex
	sessions map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor for the configured listeners
func NewSupervisor(cfg *conf.Config, st store.Store, dir directory.Directory) *Supervisor {
	return &Supervisor{
		cfg:       cfg,
		store:     st,
		directory: dir,
		ready:     make(chan struct{}),
		sessions:  make(map[net.Conn]struct{}),
	}
}

// Ready is closed once every listener is bound and accepting
func (s *Supervisor) Ready() <-chan struct{} {
	return s.ready
}

// Addrs returns the bound listener addresses. Valid after Ready.
func (s *Supervisor) Addrs() []net.Addr {
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, spec := range s.listeners {
		addrs = append(addrs, spec.listener.Addr())
	}
	return addrs
}

// Run binds all listeners, serves until ctx is cancelled, then shuts
// down gracefully. Any bind failure aborts startup with every
// already-bound listener closed.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.bind(); err != nil {
		s.closeListeners()
		return err
	}

	for _, spec := range s.listeners {
		log.Printf("Listening for %s on %s (tls=%v)", spec.proto, spec.listener.Addr(), spec.useTLS)
	}
	close(s.ready)

	g, gctx := errgroup.WithContext(ctx)

	for _, spec := range s.listeners {
		spec := spec
		g.Go(func() error {
			return s.acceptLoop(gctx, spec)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		s.closeListeners()
		return nil
	})

	err := g.Wait()

	s.shutdownSessions()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// bind opens every configured listener. TLS service runs on dedicated
// ports rather than via STARTTLS.
func (s *Supervisor) bind() error {
	specs := []listenerSpec{
		{proto: protocolSMTP, addr: s.cfg.SMTP.Listen},
		{proto: protocolIMAP, addr: s.cfg.IMAP.Listen},
		{proto: protocolSMTP, addr: s.cfg.SMTP.TLSListen, useTLS: true},
		{proto: protocolIMAP, addr: s.cfg.IMAP.TLSListen, useTLS: true},
	}

	var tlsConfig *tls.Config
	for _, spec := range specs {
		if spec.addr == "" || !spec.useTLS {
			continue
		}
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to load TLS keypair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		break
	}

	for i := range specs {
		spec := specs[i]
		if spec.addr == "" {
			continue
		}

		var ln net.Listener
		var err error
		if spec.useTLS {
			ln, err = tls.Listen("tcp", spec.addr, tlsConfig)
		} else {
			ln, err = net.Listen("tcp", spec.addr)
		}
		if err != nil {
			return fmt.Errorf("failed to bind %s listener on %s: %w", spec.proto, spec.addr, err)
		}

		spec.listener = ln
		s.listeners = append(s.listeners, &spec)
	}

	if len(s.listeners) == 0 {
		return fmt.Errorf("no listeners configured")
	}
	return nil
}

func (s *Supervisor) acceptLoop(ctx context.Context, spec *listenerSpec) error {
	for {
		conn, err := spec.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient accept errors must not kill the listener
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("%s accept: %w", spec.proto, err)
		}

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			defer func() { _ = conn.Close() }()

			s.handleConn(ctx, spec.proto, conn)
		}()
	}
}

func (s *Supervisor) handleConn(ctx context.Context, proto protocol, conn net.Conn) {
	log.Printf("New %s connection from %s", proto, conn.RemoteAddr())

	var err error
	switch proto {
	case protocolIMAP:
		err = imap.NewSession(ctx, conn, s.store, s.directory, s.cfg).Handle()
	default:
		err = smtp.NewSession(ctx, conn, s.store, s.directory, s.cfg).Handle()
	}

	if err != nil {
		log.Printf("%s session from %s ended: %v", proto, conn.RemoteAddr(), err)
	} else {
		log.Printf("%s session from %s closed", proto, conn.RemoteAddr())
	}
}

func (s *Supervisor) track(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[conn] = struct{}{}
}

func (s *Supervisor) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, conn)
}

func (s *Supervisor) closeListeners() {
	for _, spec := range s.listeners {
		if spec.listener != nil {
			_ = spec.listener.Close()
		}
	}
}

// shutdownSessions waits up to the grace period for live sessions to
// finish their current command, then force-closes the stragglers
func (s *Supervisor) shutdownSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("All sessions closed cleanly")
		return
	case <-time.After(s.cfg.Timeouts.GracePeriod()):
	}

	s.mu.Lock()
	remaining := len(s.sessions)
	for conn := range s.sessions {
		_ = conn.Close()
	}
	s.mu.Unlock()

	log.Printf("Grace period expired, closed %d remaining sessions", remaining)
	s.wg.Wait()
}
