// Package process runs tool code in local interpreter subprocesses.
//
// Each worker owns one long-lived harness process started in its own
// process group with a private scratch directory, a minimal environment,
// and kernel resource limits where the platform supports them. On linux
// the process is confined with Landlock: the filesystem is read-only
// outside the scratch directory, other workers' scratch directories are
// unreachable, and binding TCP ports is denied. The process is reused
// across executions of the tenant it is bound to until the pool retires
// or taints the worker, and killed as a group on termination.
package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/harness"
)

const (
	defaultMaxOutput = 1 << 20
	stderrTail       = 8 << 10
	killWait         = 2 * time.Second
)

// Config holds the local runtime settings.
type Config struct {
	// Interpreter is the python3 or node binary. Resolved via PATH.
	Interpreter string

	// ScratchRoot holds the per-worker scratch directories.
	ScratchRoot string

	// MemoryLimit bounds the interpreter's memory in bytes. Zero disables.
	MemoryLimit int64

	// CPUSeconds bounds the CPU time of the harness process over its
	// lifetime. Zero disables.
	CPUSeconds int64

	// MaxOutput bounds one stdout frame in bytes.
	MaxOutput int

	// ReadOnlyPaths are the directories the harness may read. The
	// interpreter's installation prefix is always added. Nil selects
	// DefaultReadOnlyPaths.
	ReadOnlyPaths []string

	// Unconfined disables Landlock confinement.
	Unconfined bool
}

// DefaultReadOnlyPaths covers interpreters and shared libraries of common
// distributions.
var DefaultReadOnlyPaths = []string{"/usr", "/lib", "/lib64", "/bin", "/sbin", "/etc", "/opt", "/proc"}

// Provisioner starts harness processes for one language.
type Provisioner struct {
	lang     api.Language
	cfg      Config
	binary   string
	readOnly []string
}

var _ runtime.Provisioner = (*Provisioner)(nil)

// New creates a Provisioner. The interpreter must be resolvable.
func New(lang api.Language, cfg Config) (*Provisioner, error) {
	if _, _, err := harness.Script(lang); err != nil {
		return nil, err
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = defaultInterpreter(lang)
	}
	binary, err := exec.LookPath(cfg.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("locating %s interpreter %q: %w", lang, cfg.Interpreter, err)
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = defaultMaxOutput
	}
	if cfg.ReadOnlyPaths == nil {
		cfg.ReadOnlyPaths = DefaultReadOnlyPaths
	}
	if cfg.Unconfined {
		slog.Warn("sandbox confinement disabled", "language", lang)
	} else {
		warnWeakConfinement()
	}
	return &Provisioner{lang: lang, cfg: cfg, binary: binary, readOnly: readOnlyPaths(cfg.ReadOnlyPaths, binary)}, nil
}

// readOnlyPaths adds the interpreter's installation prefix, following
// symlinks, so interpreters outside the system directories still load.
func readOnlyPaths(base []string, binary string) []string {
	paths := append([]string(nil), base...)
	for _, bin := range []string{binary, resolved(binary)} {
		prefix := filepath.Dir(filepath.Dir(bin))
		if prefix != "/" && !slices.Contains(paths, prefix) {
			paths = append(paths, prefix)
		}
	}
	return paths
}

func resolved(path string) string {
	if r, err := filepath.EvalSymlinks(path); err == nil {
		return r
	}
	return path
}

func defaultInterpreter(lang api.Language) string {
	if lang == api.LanguageJavaScript {
		return "node"
	}
	return "python3"
}

// Language implements runtime.Provisioner.
func (p *Provisioner) Language() api.Language {
	return p.lang
}

// Provision starts a harness process and waits until it answers a ping.
func (p *Provisioner) Provision(ctx context.Context, workerID string) (runtime.Sandbox, error) {
	dir, err := os.MkdirTemp(p.cfg.ScratchRoot, "toolrunner-"+workerID+"-")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}

	name, script, _ := harness.Script(p.lang)
	scriptPath := filepath.Join(dir, name)
	if err := os.WriteFile(scriptPath, script, 0o500); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("writing harness: %w", err)
	}

	cmd, err := p.command(dir, scriptPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	tail := newTailBuffer(stderrTail)
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("starting %s harness: %w", p.lang, err)
	}

	s := &Sandbox{
		id:     workerID,
		lang:   p.lang,
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		dir:    dir,
		stderr: tail,
		frames: make(chan harness.Frame, 4),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	readDone := make(chan struct{})
	go s.readLoop(stdout, p.cfg.MaxOutput, readDone)
	go func() {
		<-readDone
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	if err := s.Ping(ctx); err != nil {
		_ = s.Terminate(context.Background())
		return nil, fmt.Errorf("%s harness did not become ready: %w", p.lang, err)
	}

	// Limits go on once the interpreter answered, so they bound tool code
	// and not the confinement helper that exec'd it.
	mem := p.cfg.MemoryLimit
	if p.lang == api.LanguageJavaScript {
		// V8 reserves far more address space than it uses; its heap is
		// bounded by --max-old-space-size instead.
		mem = 0
	}
	if err := applyLimits(cmd.Process.Pid, mem, p.cfg.CPUSeconds); err != nil {
		_ = s.Terminate(context.Background())
		return nil, fmt.Errorf("applying resource limits: %w", err)
	}

	slog.Debug("sandbox process started",
		"worker_id", workerID, "language", p.lang, "pid", cmd.Process.Pid, "dir", dir)
	return s, nil
}

// command builds the harness command, confined unless disabled.
func (p *Provisioner) command(dir, script string) (*exec.Cmd, error) {
	argv := append([]string{p.binary}, p.args(script)...)
	var cmd *exec.Cmd
	if p.cfg.Unconfined {
		cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		var err error
		if cmd, err = confinedCommand(argv, dir, p.readOnly); err != nil {
			return nil, err
		}
	}
	cmd.Dir = dir
	cmd.Env = append(cmd.Env, p.env(dir)...)
	return cmd, nil
}

func (p *Provisioner) args(script string) []string {
	if p.lang == api.LanguageJavaScript {
		var args []string
		if p.cfg.MemoryLimit > 0 {
			args = append(args, fmt.Sprintf("--max-old-space-size=%d", p.cfg.MemoryLimit>>20))
		}
		return append(args, script)
	}
	return []string{"-I", "-u", script}
}

func (p *Provisioner) env(dir string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
		"NODE_OPTIONS=",
	}
}

// readLoop decodes frames from the harness stdout until EOF or an
// oversized line.
func (s *Sandbox) readLoop(r io.Reader, maxOutput int, readDone chan<- struct{}) {
	defer close(readDone)
	defer close(s.frames)

	initial := 64 << 10
	if maxOutput < initial {
		initial = maxOutput
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initial), maxOutput)

	for sc.Scan() {
		line := sc.Bytes()
		debug.Trace("runtime", "harness frame", "worker_id", s.id, "frame", debug.Truncate(string(line), 512))

		var f harness.Frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.readErr = fmt.Errorf("malformed harness frame: %w", err)
			break
		}
		select {
		case s.frames <- f:
		case <-s.done:
			io.Copy(io.Discard, r)
			return
		}
	}
	if err := sc.Err(); err != nil {
		s.readErr = err
	}
	if s.readErr != nil {
		// The stream is unusable; make sure the process goes away so
		// Wait can return.
		killProcessGroup(s.cmd.Process.Pid)
		io.Copy(io.Discard, r)
	}
}
