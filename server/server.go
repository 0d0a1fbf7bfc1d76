// Package server runs a registry of apps behind an SSH front end.
//
// Every registry operation runs on the tick goroutine. SSH sessions and the
// control socket hand their commands to it through Do.
package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zond/apphost"
	"github.com/zond/apphost/appstore"
	"github.com/zond/apphost/audit"
	"github.com/zond/apphost/command"
	"github.com/zond/apphost/module"
	"github.com/zond/apphost/pemfile"
	"github.com/zond/apphost/profile"
	"github.com/zond/apphost/registry"
	"github.com/zond/apphost/scripterr"
	"github.com/zond/apphost/storage"
	"golang.org/x/term"
)

var (
	ErrStopped = errors.New("server is stopped")
)

type Option func(*Server)

// WithErrorSnooper makes snooper render the failures of every app.
func WithErrorSnooper(snooper scripterr.Snooper) Option {
	return func(s *Server) {
		s.snooper = snooper
	}
}

// WithCatalog replaces the bundled apps.
func WithCatalog(catalog *module.Catalog) Option {
	return func(s *Server) {
		s.catalog = catalog
	}
}

func consoleSink(message string) {
	log.Print(message)
}

type task struct {
	f       func(ctx context.Context)
	done    chan struct{}
	session string
}

type Server struct {
	config     Config
	catalog    *module.Catalog
	snooper    scripterr.Snooper
	dispatcher *command.Dispatcher
	console    *command.Console
	data       *storage.AppData
	profiler   *profile.Profiler
	audit      *audit.Logger
	store      *appstore.Client
	registry   *registry.Registry

	tasks   chan task
	stopped chan struct{}
	stop    sync.Once
	paused  bool
	ops     map[string]bool
	rules   map[string]bool
	roots   atomic.Value

	principals *apphost.SyncMap[string, *principal]
	closers    []io.Closer
	// commandCtx is the context of the command being executed.
	commandCtx context.Context
}

func New(ctx context.Context, config Config, opts ...Option) (*Server, error) {
	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		return nil, apphost.WithStack(err)
	}
	s := &Server{
		config:     config,
		catalog:    module.DefaultCatalog(),
		dispatcher: command.NewDispatcher(),
		console:    &command.Console{Sink: consoleSink},
		profiler:   profile.New("apphost"),
		audit:      audit.New(config.path("audit.log"), config.AuditMaxSizeMB),
		tasks:      make(chan task),
		stopped:    make(chan struct{}),
		ops:        map[string]bool{},
		rules:      map[string]bool{},
		principals: apphost.NewSyncMap[string, *principal](),
		commandCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, op := range config.Ops {
		s.ops[strings.ToLower(op)] = true
	}
	var err error
	if s.data, err = storage.Open(config.path("appdata")); err != nil {
		return nil, err
	}
	if config.AppStore != "" {
		s.store = appstore.New(config.AppStore, config.AppStoreTTL)
	}
	if err := s.registerCommands(); err != nil {
		s.data.Close()
		return nil, err
	}
	regOpts := registry.Options{
		Catalog:       s.catalog,
		AppData:       s.data,
		Profiler:      s.profiler,
		Audit:         s.audit,
		ScriptTimeout: config.ScriptTimeout,
		ErrorSnooper:  s.snooper,
	}
	if s.store != nil {
		regOpts.Global = s.store
	}
	if s.registry, err = registry.New(ctx, s, regOpts); err != nil {
		s.data.Close()
		return nil, err
	}
	s.NotifyCommandsChanged()
	return s, nil
}

// Registry returns the registry. It must only be used inside Do.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

func (s *Server) Dispatcher() *command.Dispatcher {
	return s.dispatcher
}

// NotifyCommandsChanged refreshes the command roots offered for completion.
func (s *Server) NotifyCommandsChanged() {
	s.roots.Store(s.dispatcher.Roots())
}

func (s *Server) commandRoots() []string {
	roots, _ := s.roots.Load().([]string)
	return roots
}

// Principals returns the connected principals ordered by name.
func (s *Server) Principals() []command.Principal {
	names := []string{}
	for name := range s.principals.Keys() {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]command.Principal, 0, len(names))
	for _, name := range names {
		if p, found := s.principals.GetHas(name); found {
			result = append(result, p)
		}
	}
	return result
}

func (s *Server) ConsoleSource() command.Source {
	return s.console
}

func (s *Server) WorldPath(elems ...string) string {
	return filepath.Join(append([]string{s.config.Dir, "world"}, elems...)...)
}

func (s *Server) AutoloadEnabled() bool {
	return s.config.Autoload
}

// Do runs f on the tick goroutine and waits for it to finish. The audit
// session of ctx is carried over to the context f gets.
func (s *Server) Do(ctx context.Context, f func(ctx context.Context)) error {
	t := task{f: f, done: make(chan struct{})}
	if id, found := audit.SessionID(ctx); found {
		t.session = id
	}
	select {
	case s.tasks <- t:
	case <-s.stopped:
		return apphost.WithStack(ErrStopped)
	case <-ctx.Done():
		return apphost.WithStack(ctx.Err())
	}
	select {
	case <-t.done:
		return nil
	case <-s.stopped:
		return apphost.WithStack(ErrStopped)
	}
}

func (s *Server) run(ctx context.Context) {
	defer s.shutdown(ctx)
	s.registry.InitializeForWorld(ctx)
	for _, name := range s.config.Rules {
		s.setRule(ctx, s.console, name, true)
	}
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		case t := <-s.tasks:
			taskCtx := ctx
			if t.session != "" {
				taskCtx = audit.WithSession(ctx, t.session)
			}
			t.f(taskCtx)
			close(t.done)
		case <-ticker.C:
			if !s.paused {
				s.registry.Tick(ctx)
			}
		}
	}
}

func (s *Server) shutdown(ctx context.Context) {
	s.registry.Close(ctx)
	s.stop.Do(func() {
		close(s.stopped)
	})
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			log.Printf("closing %T: %v", c, err)
		}
	}
	if err := s.data.Close(); err != nil {
		log.Printf("closing app data: %v", err)
	}
	if err := s.audit.Close(); err != nil {
		log.Printf("closing audit log: %v", err)
	}
}

// Close stops the server.
func (s *Server) Close() {
	s.stop.Do(func() {
		close(s.stopped)
	})
}

// Start listens on the configured addresses and serves until ctx is done
// or the server is closed.
func (s *Server) Start(ctx context.Context) error {
	sshLn, err := net.Listen("tcp", s.config.SSHAddr)
	if err != nil {
		return apphost.WithStack(err)
	}
	var metricsLn net.Listener
	if s.config.MetricsAddr != "" {
		if metricsLn, err = net.Listen("tcp", s.config.MetricsAddr); err != nil {
			sshLn.Close()
			return apphost.WithStack(err)
		}
	}
	var controlLn net.Listener
	if s.config.ControlSocket != "" {
		socket := s.config.path(s.config.ControlSocket)
		os.Remove(socket)
		if controlLn, err = net.Listen("unix", socket); err != nil {
			sshLn.Close()
			if metricsLn != nil {
				metricsLn.Close()
			}
			return apphost.WithStack(err)
		}
	}
	return s.StartWithListeners(ctx, sshLn, metricsLn, controlLn)
}

// StartWithListeners serves on the given listeners. The metrics and
// control listeners may be nil.
func (s *Server) StartWithListeners(ctx context.Context, sshLn, metricsLn, controlLn net.Listener) error {
	signer, err := pemfile.HostKey{
		KeyPath:       s.config.path("private.pem"),
		SSHPubKeyPath: s.config.path("public.pem"),
	}.Load()
	if err != nil {
		return err
	}
	sshServer := &ssh.Server{
		Handler: s.HandleSession,
	}
	sshServer.AddHostKey(signer)
	s.closers = append(s.closers, sshServer)

	errs := make(chan error, 3)
	go func() {
		log.Printf("Serving SSH on %q", sshLn.Addr())
		errs <- sshServer.Serve(sshLn)
	}()
	if metricsLn != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.profiler.Registry(), promhttp.HandlerOpts{}))
		httpServer := &http.Server{Handler: mux}
		s.closers = append(s.closers, httpServer)
		go func() {
			log.Printf("Serving metrics on %q", metricsLn.Addr())
			errs <- httpServer.Serve(metricsLn)
		}()
	}
	if controlLn != nil {
		s.closers = append(s.closers, controlLn)
		go func() {
			errs <- s.serveControl(ctx, controlLn)
		}()
	}

	s.run(ctx)

	select {
	case err := <-errs:
		if err != nil && !errors.Is(err, ssh.ErrServerClosed) && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			return apphost.WithStack(err)
		}
	default:
	}
	return nil
}

// principal is a connected SSH session.
type principal struct {
	name  string
	level int
	term  *term.Terminal
}

func (p *principal) Name() string {
	return p.name
}

func (p *principal) Source() command.Source {
	return p
}

func (p *principal) Send(message string) {
	fmt.Fprintln(p.term, message)
}

func (p *principal) Level() int {
	return p.level
}

func (p *principal) Principal() command.Principal {
	return p
}

func (s *Server) complete(line string, pos int, key rune) (string, int, bool) {
	if key != '\t' || strings.Contains(line[:pos], " ") {
		return "", 0, false
	}
	prefix := strings.TrimPrefix(line[:pos], "/")
	matches := []string{}
	for _, root := range s.commandRoots() {
		if strings.HasPrefix(root, prefix) {
			matches = append(matches, root)
		}
	}
	if len(matches) != 1 {
		return "", 0, false
	}
	completed := "/" + matches[0] + " "
	return completed + line[pos:], len(completed), true
}

// HandleSession runs the command loop of one SSH session.
func (s *Server) HandleSession(sess ssh.Session) {
	name := strings.ToLower(sess.User())
	p := &principal{
		name:  name,
		level: command.LevelAll,
		term:  term.NewTerminal(sess, "> "),
	}
	if s.ops[name] {
		p.level = command.LevelOps
	}
	p.term.AutoCompleteCallback = s.complete
	sessionID := audit.NewSessionID()
	ctx := audit.WithSession(sess.Context(), sessionID)

	joined := false
	if err := s.Do(ctx, func(ctx context.Context) {
		if s.principals.Has(name) {
			return
		}
		s.principals.Set(name, p)
		joined = true
		s.registry.OnPrincipalJoin(ctx, p)
	}); err != nil {
		fmt.Fprintf(p.term, "%v\n", err)
		return
	}
	if !joined {
		fmt.Fprintf(p.term, "%q is already connected\n", name)
		return
	}
	fmt.Fprintf(p.term, "Welcome, %s! Type /help for commands.\n", name)

	reason := "disconnected"
	for {
		line, err := p.term.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				reason = err.Error()
				log.Printf("reading from %q: %v", name, err)
			}
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := s.Do(ctx, func(ctx context.Context) {
			s.execute(ctx, p, line)
		}); err != nil {
			fmt.Fprintf(p.term, "%v\n", err)
			return
		}
	}
	if err := s.Do(audit.WithSession(context.Background(), sessionID), func(ctx context.Context) {
		s.principals.Del(name)
		s.registry.OnPrincipalLeave(ctx, p, reason)
	}); err != nil {
		log.Printf("disconnecting %q: %v", name, err)
	}
}

// execute runs line for src. It must be called on the tick goroutine.
func (s *Server) execute(ctx context.Context, src command.Source, line string) {
	s.commandCtx = ctx
	defer func() {
		s.commandCtx = context.Background()
	}()
	line = strings.TrimPrefix(strings.TrimSpace(line), "/")
	if line == "" {
		return
	}
	if err := s.dispatcher.Execute(src, line); err != nil {
		switch {
		case errors.Is(err, command.ErrUnknownCommand):
			src.Send(fmt.Sprintf("Unknown command: %q", strings.Fields(line)[0]))
		case errors.Is(err, command.ErrPermissionDenied):
			src.Send("You don't have permission to do that")
		default:
			src.Send(err.Error())
			log.Printf("running %q for %q: %v\n%s", line, src.Name(), err, apphost.StackTrace(err))
		}
	}
}

// controlSource collects the output of a control socket command.
type controlSource struct {
	messages []string
}

func (c *controlSource) Name() string {
	return "admin"
}

func (c *controlSource) Send(message string) {
	c.messages = append(c.messages, message)
}

func (c *controlSource) Level() int {
	return command.LevelOps + 2
}

func (c *controlSource) Principal() command.Principal {
	return nil
}

// serveControl runs one command per connection and replies with its
// output followed by OK, or with ERROR: and the reason.
func (s *Server) serveControl(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go func() {
			defer conn.Close()
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				fmt.Fprintf(conn, "ERROR: %v\n", err)
				return
			}
			src := &controlSource{}
			if err := s.Do(ctx, func(ctx context.Context) {
				s.execute(ctx, src, line)
			}); err != nil {
				fmt.Fprintf(conn, "ERROR: %v\n", err)
				return
			}
			for _, msg := range src.messages {
				fmt.Fprintln(conn, msg)
			}
			fmt.Fprintln(conn, "OK")
		}()
	}
}
