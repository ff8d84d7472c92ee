// Package skeleton implements the server side of the framework: a
// multithreaded TCP server that accepts connections from stubs and
// forwards decoded method invocations to a backing implementation.
//
// Lifecycle:
//
//	New → Stopped → Start → Running → Stop → Stopped → Start → ...
//
// While Running, one listener goroutine blocks on Accept and spawns one
// session goroutine per accepted connection. Each session handles exactly
// one request/response exchange and closes its connection. Stop cancels
// only the listener; sessions already in flight run to completion.
// Shutdown additionally waits for them.
//
// Top-level failures in the listener and the sessions are routed through
// the Hooks policy supplied at construction.
package skeleton

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mini-rmi/contract"
	"mini-rmi/fault"
	"mini-rmi/middleware"
)

// DefaultAddr is the well-known address used when a skeleton is
// constructed without one.
const DefaultAddr = ":7000"

// State is the skeleton's lifecycle state.
type State int

const (
	Stopped State = iota
	Running
)

// Hooks is the injected policy for top-level events. Any nil hook gets
// the documented default behavior.
type Hooks struct {
	// Stopped is called exactly once each time the listener exits, with
	// the triggering cause, or nil when the skeleton stopped because of
	// an explicit Stop. Default: no-op.
	Stopped func(cause error)

	// ListenError is called when Accept fails while the skeleton is still
	// Running. Returning true resumes accepting connections; returning
	// false stops the skeleton (the error is then passed to Stopped).
	// Default: stop.
	ListenError func(err error) bool

	// ServiceError is called when a session hits an unexpected failure
	// while decoding, resolving, or invoking a request. Reporting only;
	// the session already answers the client with a fault response when
	// it can. Default: no-op.
	ServiceError func(err *fault.Error)
}

func (h Hooks) withDefaults() Hooks {
	if h.Stopped == nil {
		h.Stopped = func(error) {}
	}
	if h.ListenError == nil {
		h.ListenError = func(error) bool { return false }
	}
	if h.ServiceError == nil {
		h.ServiceError = func(*fault.Error) {}
	}
	return h
}

// Option configures a Skeleton at construction.
type Option func(*Skeleton)

// WithAddress fixes the listen address, e.g. "127.0.0.1:9001" or ":0" for
// an ephemeral port. Without it the skeleton binds DefaultAddr on Start.
func WithAddress(addr string) Option {
	return func(s *Skeleton) { s.confAddr = addr }
}

// WithHooks installs the event policy.
func WithHooks(h Hooks) Option {
	return func(s *Skeleton) { s.hooks = h.withDefaults() }
}

// WithLogger sets the diagnostics logger. Default is a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Skeleton) { s.logger = logger }
}

// WithInterceptors wraps session dispatch in an interceptor chain,
// outermost first.
func WithInterceptors(interceptors ...middleware.Interceptor) Option {
	return func(s *Skeleton) { s.interceptors = interceptors }
}

// Skeleton owns the listening socket and dispatches requests to the
// backing implementation it was constructed with.
type Skeleton struct {
	desc         *contract.Descriptor
	bound        *contract.BoundTable
	hooks        Hooks
	logger       zerolog.Logger
	interceptors []middleware.Interceptor
	handler      middleware.HandlerFunc
	confAddr     string // address fixed at construction, "" if none

	mu       sync.Mutex
	state    State
	listener net.Listener  // owned while Running
	done     chan struct{} // closed when the listener goroutine exits

	sessions sync.WaitGroup
}

// New creates a skeleton serving the remote interface described by d,
// forwarding invocations to impl. It fails fast if d is not a remote
// interface, impl is nil, or impl does not implement d.
func New(d *contract.Descriptor, impl any, opts ...Option) (*Skeleton, error) {
	table, err := contract.NewTable(d)
	if err != nil {
		return nil, err
	}
	bound, err := table.Bind(impl)
	if err != nil {
		return nil, err
	}
	s := &Skeleton{
		desc:   d,
		bound:  bound,
		hooks:  Hooks{}.withDefaults(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = middleware.Chain(s.interceptors...)(s.dispatch)
	return s, nil
}

// Interface returns the name of the served remote interface.
func (s *Skeleton) Interface() string {
	return s.desc.Name()
}

// State returns the current lifecycle state.
func (s *Skeleton) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the effective address: the concretely bound local address
// while the listening socket is live, the construction-time address
// otherwise, or "" when neither exists.
func (s *Skeleton) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.confAddr
}

// Start binds the listening socket and launches the listener goroutine.
// No-op when already Running. On bind failure the skeleton remains
// Stopped and a lifecycle fault reporting the underlying cause is
// returned.
func (s *Skeleton) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Running {
		return nil
	}

	addr := s.confAddr
	if addr == "" {
		addr = DefaultAddr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fault.Lifecycle(fmt.Sprintf("bind %s for %s", addr, s.desc.Name()), err)
	}

	s.listener = listener
	s.state = Running
	s.done = make(chan struct{})

	s.logger.Info().
		Str("module", "skeleton").
		Str("interface", s.desc.Name()).
		Str("addr", listener.Addr().String()).
		Msg("listening")

	go s.listen(listener, s.done)
	return nil
}

// Stop closes the listening socket and waits until the listener goroutine
// has observed the close and the Stopped hook has run. No-op when already
// Stopped: no state change, no hook firing. Sessions in flight are not
// cancelled.
func (s *Skeleton) Stop() {
	s.mu.Lock()
	if s.state == Stopped {
		s.mu.Unlock()
		return
	}
	s.state = Stopped
	listener := s.listener
	done := s.done
	s.listener = nil
	s.mu.Unlock()

	// Closing the socket unblocks Accept; the listener goroutine treats
	// the resulting error as normal shutdown and signals done.
	listener.Close()
	<-done
}

// Shutdown stops the skeleton and additionally waits for in-flight
// sessions to finish, up to the given timeout.
func (s *Skeleton) Shutdown(timeout time.Duration) error {
	s.Stop()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("skeleton: timeout waiting for in-flight sessions")
	}
}

// listen is the accept loop. It runs in its own goroutine for exactly one
// Running period and owns the shutdown signalling: when it exits — for
// any reason — it fires the Stopped hook once and then closes done.
func (s *Skeleton) listen(listener net.Listener, done chan struct{}) {
	var cause error
	defer func() {
		s.logger.Info().
			Str("module", "skeleton").
			Str("interface", s.desc.Name()).
			Err(cause).
			Msg("listener exited")
		s.hooks.Stopped(cause)
		close(done)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.State() == Stopped {
				// Explicit Stop closed the socket: clean shutdown.
				return
			}
			if s.hooks.ListenError(err) {
				continue
			}
			if s.stopOnListenError(listener) {
				cause = err
			}
			return
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			newSession(conn, s).serve()
		}()
	}
}

// stopOnListenError transitions to Stopped after a fatal accept error.
// It reports whether this call performed the transition: when a
// concurrent Stop got there first, the shutdown was explicit and the
// Stopped hook keeps its nil cause.
func (s *Skeleton) stopOnListenError(listener net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running {
		return false
	}
	s.state = Stopped
	s.listener = nil
	listener.Close()
	return true
}
