// Package runtimetest provides an in-memory runtime for tests of the
// pool, orchestrator, and transports.
package runtimetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
)

// Handler produces the outcome of one invocation.
type Handler func(ctx context.Context, sb *Sandbox, inv runtime.Invocation) (*runtime.Outcome, error)

// Echo returns the arguments as the payload.
func Echo(_ context.Context, _ *Sandbox, inv runtime.Invocation) (*runtime.Outcome, error) {
	return runtime.NewOutcome(inv.Arguments), nil
}

// Provisioner creates Sandboxes that run Handler.
type Provisioner struct {
	Lang    api.Language
	Handler Handler

	mu        sync.Mutex
	err       error
	sandboxes []*Sandbox
}

var _ runtime.Provisioner = (*Provisioner)(nil)

// New returns a Provisioner for lang. A nil handler echoes arguments.
func New(lang api.Language, h Handler) *Provisioner {
	if h == nil {
		h = Echo
	}
	return &Provisioner{Lang: lang, Handler: h}
}

// FailWith makes subsequent Provision calls fail with err. Nil clears it.
func (p *Provisioner) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Language implements runtime.Provisioner.
func (p *Provisioner) Language() api.Language {
	return p.Lang
}

// Provision implements runtime.Provisioner.
func (p *Provisioner) Provision(ctx context.Context, workerID string) (runtime.Sandbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	sb := &Sandbox{id: workerID, handler: p.Handler, terminated: make(chan struct{})}
	p.sandboxes = append(p.sandboxes, sb)
	return sb, nil
}

// Provisioned returns the number of sandboxes created so far.
func (p *Provisioner) Provisioned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sandboxes)
}

// Sandboxes returns every sandbox created so far.
func (p *Provisioner) Sandboxes() []*Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Sandbox(nil), p.sandboxes...)
}

// Sandbox is an in-memory runtime.Sandbox.
type Sandbox struct {
	id      string
	handler Handler

	executions atomic.Int32
	active     atomic.Int32
	maxActive  atomic.Int32
	pingErr    atomic.Pointer[error]
	hold       atomic.Pointer[chan struct{}]

	once       sync.Once
	terminated chan struct{}
}

var _ runtime.Sandbox = (*Sandbox)(nil)

// ID implements runtime.Sandbox.
func (s *Sandbox) ID() string {
	return s.id
}

// Execute implements runtime.Sandbox.
func (s *Sandbox) Execute(ctx context.Context, inv runtime.Invocation) (*runtime.Outcome, error) {
	if s.Terminated() {
		return nil, runtime.ErrSandboxClosed
	}
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	s.executions.Add(1)
	return s.handler(ctx, s, inv)
}

// Ping implements runtime.Sandbox.
func (s *Sandbox) Ping(context.Context) error {
	if s.Terminated() {
		return runtime.ErrSandboxClosed
	}
	if err := s.pingErr.Load(); err != nil {
		return *err
	}
	return nil
}

// Terminate implements runtime.Sandbox. It blocks while the sandbox is
// held by HoldTerminate.
func (s *Sandbox) Terminate(ctx context.Context) error {
	if hold := s.hold.Load(); hold != nil {
		select {
		case <-*hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.once.Do(func() { close(s.terminated) })
	return nil
}

// HoldTerminate makes Terminate block until the returned function is
// called.
func (s *Sandbox) HoldTerminate() (release func()) {
	ch := make(chan struct{})
	s.hold.Store(&ch)
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// FailPings makes Ping return an error.
func (s *Sandbox) FailPings() {
	err := errors.New("sandbox unresponsive")
	s.pingErr.Store(&err)
}

// Terminated reports whether Terminate was called.
func (s *Sandbox) Terminated() bool {
	select {
	case <-s.terminated:
		return true
	default:
		return false
	}
}

// Done is closed when the sandbox is terminated.
func (s *Sandbox) Done() <-chan struct{} {
	return s.terminated
}

// Executions returns how many invocations the sandbox ran.
func (s *Sandbox) Executions() int {
	return int(s.executions.Load())
}

// MaxConcurrent returns the highest number of overlapping executions seen.
func (s *Sandbox) MaxConcurrent() int {
	return int(s.maxActive.Load())
}

// Value is a Handler that always returns payload.
func Value(payload string) Handler {
	return func(context.Context, *Sandbox, runtime.Invocation) (*runtime.Outcome, error) {
		return runtime.NewOutcome(json.RawMessage(payload)), nil
	}
}
