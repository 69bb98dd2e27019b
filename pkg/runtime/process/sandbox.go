package process

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/harness"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// Sandbox is one harness process.
type Sandbox struct {
	id     string
	lang   api.Language
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	dir    string
	stderr *tailBuffer

	frames chan harness.Frame
	done   chan struct{} // closed by Terminate
	exited chan struct{} // closed once Wait returned

	// Written before frames (readErr) or exited (waitErr) is closed.
	readErr error
	waitErr error

	mu     sync.Mutex // serializes Execute and Ping
	broken bool
	tenant string // set by the first Execute

	terminate sync.Once
	termErr   error
}

var _ runtime.Sandbox = (*Sandbox)(nil)

// ID implements runtime.Sandbox.
func (s *Sandbox) ID() string {
	return s.id
}

// Execute implements runtime.Sandbox.
func (s *Sandbox) Execute(ctx context.Context, inv runtime.Invocation) (*runtime.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}
	if s.tenant == "" {
		s.tenant = inv.TenantID
	} else if inv.TenantID != s.tenant {
		return nil, fmt.Errorf("worker %s: %w", s.id, runtime.ErrTenantMismatch)
	}
	if err := s.send(harness.Invoke(inv)); err != nil {
		s.broken = true
		return nil, fmt.Errorf("sending invocation to worker %s: %w", s.id, err)
	}

	for {
		f, err := s.next(ctx)
		if err != nil {
			return nil, err
		}
		if f == nil {
			s.broken = true
			return &runtime.Outcome{Fault: s.exitFault()}, nil
		}

		switch f.Type {
		case harness.FrameVault:
			resp := s.serveVault(ctx, inv.Vault, f.Request)
			if err := s.send(harness.Frame{Type: harness.FrameVaultResult, ID: f.ID, Response: &resp}); err != nil {
				s.broken = true
				s.kill()
				return &runtime.Outcome{Fault: s.exitFault()}, nil
			}
		case harness.FrameResult:
			return f.Outcome(), nil
		default:
			debug.Log("runtime", "ignoring unexpected harness frame", "worker_id", s.id, "type", f.Type)
		}
	}
}

func (s *Sandbox) serveVault(ctx context.Context, h runtime.VaultHandler, req *vault.Request) vault.Response {
	if h == nil {
		return vault.Response{Error: "vault capability not declared"}
	}
	if req == nil {
		return vault.Response{Error: "empty vault request"}
	}
	debug.Log("vault", "sandbox vault call", "worker_id", s.id, "method", req.Method, "collection", req.Collection)
	return h.Handle(ctx, *req)
}

// Ping implements runtime.Sandbox.
func (s *Sandbox) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}
	if err := s.send(harness.Frame{Type: harness.FramePing}); err != nil {
		s.broken = true
		return fmt.Errorf("sending ping: %w", err)
	}
	for {
		f, err := s.next(ctx)
		if err != nil {
			return err
		}
		if f == nil {
			s.broken = true
			return errors.New(s.exitFault().Message)
		}
		if f.Type == harness.FramePong {
			return nil
		}
	}
}

// Terminate kills the process group and removes the scratch directory.
// Safe to call more than once.
func (s *Sandbox) Terminate(ctx context.Context) error {
	s.terminate.Do(func() {
		close(s.done)
		s.stdin.Close()
		s.kill()

		timer := time.NewTimer(killWait)
		defer timer.Stop()
		select {
		case <-s.exited:
		case <-timer.C:
		case <-ctx.Done():
		}

		if err := os.RemoveAll(s.dir); err != nil {
			s.termErr = fmt.Errorf("removing scratch dir: %w", err)
		}
		debug.Log("runtime", "sandbox process terminated", "worker_id", s.id, "language", s.lang)
	})
	return s.termErr
}

func (s *Sandbox) usable() error {
	select {
	case <-s.done:
		return runtime.ErrSandboxClosed
	case <-s.exited:
		s.broken = true
	default:
	}
	if s.broken {
		return fmt.Errorf("worker %s harness is not running", s.id)
	}
	return nil
}

func (s *Sandbox) send(f harness.Frame) error {
	return s.enc.Encode(f)
}

// next returns the next frame, nil once the harness closed its stdout, or
// the context error after killing the process.
func (s *Sandbox) next(ctx context.Context) (*harness.Frame, error) {
	select {
	case <-ctx.Done():
		s.broken = true
		s.kill()
		return nil, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return nil, nil
		}
		return &f, nil
	}
}

func (s *Sandbox) kill() {
	killProcessGroup(s.cmd.Process.Pid)
}

// exitFault describes why the harness stopped producing frames.
func (s *Sandbox) exitFault() *runtime.Fault {
	timer := time.NewTimer(killWait)
	defer timer.Stop()
	select {
	case <-s.exited:
	case <-timer.C:
		s.kill()
		<-s.exited
	}

	if errors.Is(s.readErr, bufio.ErrTooLong) {
		return &runtime.Fault{
			Kind:    runtime.FaultOutputLimit,
			Message: "tool output exceeds the size limit",
		}
	}
	if s.readErr != nil {
		return &runtime.Fault{Kind: runtime.FaultCrash, Message: s.readErr.Error()}
	}

	kind, msg := describeExit(s.waitErr)
	if tail := lastLines(s.stderr.String(), 5); tail != "" {
		msg += ": " + tail
	}
	return &runtime.Fault{Kind: kind, Message: msg}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
