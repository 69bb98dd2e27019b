package process

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/storage/memory"
	"github.com/rhuss/toolrunner/pkg/vault"
)

func TestMain(m *testing.M) {
	Init()
	os.Exit(m.Run())
}

func newSandbox(t *testing.T, lang api.Language, cfg Config) *Sandbox {
	t.Helper()
	interpreter := defaultInterpreter(lang)
	if _, err := exec.LookPath(interpreter); err != nil {
		t.Skipf("%s not available: %v", interpreter, err)
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = t.TempDir()
	}
	p, err := New(lang, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sb, err := p.Provision(ctx, api.NewWorkerID())
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() { _ = sb.Terminate(context.Background()) })
	return sb.(*Sandbox)
}

func execute(t *testing.T, sb *Sandbox, inv runtime.Invocation) *runtime.Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := sb.Execute(ctx, inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return out
}

func TestPythonExecute(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})

	tests := []struct {
		name      string
		source    string
		function  string
		args      string
		wantValue string
		wantFault runtime.FaultKind
		wantType  string
		wantError string
	}{
		{
			name:      "returns value",
			source:    "def add(a: int, b: int) -> int:\n    return a + b\n",
			function:  "add",
			args:      `{"a":2,"b":3}`,
			wantValue: "5",
		},
		{
			name:      "prints do not corrupt the protocol",
			source:    "def noisy():\n    print('hello')\n    return {'ok': True}\n",
			function:  "noisy",
			args:      `{}`,
			wantValue: `{"ok":true}`,
		},
		{
			name:      "returns none",
			source:    "def nothing():\n    pass\n",
			function:  "nothing",
			wantValue: "null",
		},
		{
			name:      "tool error",
			source:    "def lookup(city):\n    return {'error': 'unknown city ' + city}\n",
			function:  "lookup",
			args:      `{"city":"Atlantis"}`,
			wantValue: `{"error":"unknown city Atlantis"}`,
			wantError: "unknown city Atlantis",
		},
		{
			name:      "uncaught exception",
			source:    "def divide(a, b):\n    return a / b\n",
			function:  "divide",
			args:      `{"a":1,"b":0}`,
			wantFault: runtime.FaultException,
			wantType:  "ZeroDivisionError",
		},
		{
			name:      "missing argument",
			source:    "def greet(name):\n    return 'hi ' + name\n",
			function:  "greet",
			args:      `{}`,
			wantFault: runtime.FaultException,
			wantType:  "TypeError",
		},
		{
			name:      "not serializable",
			source:    "def nan():\n    return float('nan')\n",
			function:  "nan",
			wantFault: runtime.FaultInvalidResult,
		},
		{
			name:      "async function",
			source:    "async def later(x):\n    return x * 2\n",
			function:  "later",
			args:      `{"x":21}`,
			wantValue: "42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := execute(t, sb, runtime.Invocation{
				FunctionName: tt.function,
				Source:       tt.source,
				Arguments:    json.RawMessage(tt.args),
			})
			if tt.wantFault != "" {
				if out.Fault == nil {
					t.Fatalf("expected %s fault, got payload %s", tt.wantFault, out.Payload)
				}
				if out.Fault.Kind != tt.wantFault {
					t.Errorf("fault kind = %s, want %s (%s)", out.Fault.Kind, tt.wantFault, out.Fault.Message)
				}
				if tt.wantType != "" && out.Fault.Type != tt.wantType {
					t.Errorf("fault type = %s, want %s", out.Fault.Type, tt.wantType)
				}
				return
			}
			if out.Fault != nil {
				t.Fatalf("unexpected fault: %v", out.Fault)
			}
			if string(out.Payload) != tt.wantValue {
				t.Errorf("payload = %s, want %s", out.Payload, tt.wantValue)
			}
			if tt.wantError != "" && (out.ToolError == nil || out.ToolError.Message != tt.wantError) {
				t.Errorf("tool error = %+v, want %q", out.ToolError, tt.wantError)
			}
		})
	}
}

func TestPythonVault(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})
	store := memory.New(0)
	scoped := vault.NewScoped(store, "tenant-a")

	source := `
def remember(city, temp):
    vault.put("weather", {"city": city, "temp": temp}, key=city)
    hits = vault.query("weather", {"temp": {"$gte": 20}})
    return {"stored": vault.get("weather", city), "warm": len(hits), "count": vault.count("weather")}
`
	out := execute(t, sb, runtime.Invocation{
		TenantID:     "tenant-a",
		FunctionName: "remember",
		Source:       source,
		Arguments:    json.RawMessage(`{"city":"Paris","temp":22}`),
		Vault:        scoped,
	})
	if out.Fault != nil {
		t.Fatalf("unexpected fault: %v", out.Fault)
	}
	want := `{"stored":{"city":"Paris","temp":22},"warm":1,"count":1}`
	if string(out.Payload) != want {
		t.Errorf("payload = %s, want %s", out.Payload, want)
	}

	doc, err := scoped.Get(context.Background(), "weather", "Paris")
	if err != nil {
		t.Fatalf("document not persisted: %v", err)
	}
	if string(doc.Value) != `{"city":"Paris","temp":22}` {
		t.Errorf("stored value = %s", doc.Value)
	}

	// Other tenants see nothing.
	if _, err := vault.NewScoped(store, "tenant-b").Get(context.Background(), "weather", "Paris"); err == nil {
		t.Error("tenant-b read tenant-a's document")
	}
}

func TestPythonVaultUpdateAndClear(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})
	scoped := vault.NewScoped(memory.New(0), "tenant-a")

	source := `
def profile(name):
    vault.put("users", {"name": name, "visits": 1}, key=name)
    merged = vault.update("users", name, {"visits": 2})
    missing = vault.update("users", "nobody", {"visits": 2})
    visits = vault.get("users", name)["visits"]
    removed = vault.clear("users")
    return [merged, missing, visits, removed, vault.count("users")]
`
	out := execute(t, sb, runtime.Invocation{
		TenantID:     "tenant-a",
		FunctionName: "profile",
		Source:       source,
		Arguments:    json.RawMessage(`{"name":"ada"}`),
		Vault:        scoped,
	})
	if out.Fault != nil {
		t.Fatalf("unexpected fault: %v", out.Fault)
	}
	if want := `[true,false,2,1,0]`; string(out.Payload) != want {
		t.Errorf("payload = %s, want %s", out.Payload, want)
	}
}

func TestPythonVaultWithoutCapability(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})
	out := execute(t, sb, runtime.Invocation{
		FunctionName: "peek",
		Source:       "def peek():\n    return vault.get('c', 'k')\n",
	})
	if out.Fault == nil || out.Fault.Type != "NameError" {
		t.Fatalf("expected NameError fault, got %+v", out)
	}
}

func TestPythonReuse(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})
	for i := 0; i < 3; i++ {
		out := execute(t, sb, runtime.Invocation{
			FunctionName: "one",
			Source:       "def one():\n    return 1\n",
		})
		if string(out.Payload) != "1" {
			t.Fatalf("run %d: payload = %s", i, out.Payload)
		}
	}
	if err := sb.Ping(context.Background()); err != nil {
		t.Fatalf("Ping after reuse: %v", err)
	}
}

func TestPythonTimeoutKillsProcess(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := sb.Execute(ctx, runtime.Invocation{
		FunctionName: "spin",
		Source:       "def spin():\n    while True:\n        pass\n",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	select {
	case <-sb.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("harness process still running after timeout")
	}
	if _, err := sb.Execute(context.Background(), runtime.Invocation{FunctionName: "f", Source: "def f():\n    return 1\n"}); err == nil {
		t.Error("expected error executing on a killed sandbox")
	}
}

func TestPythonCrash(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})
	out := execute(t, sb, runtime.Invocation{
		FunctionName: "die",
		Source:       "import os\ndef die():\n    os._exit(3)\n",
	})
	if out.Fault == nil || out.Fault.Kind != runtime.FaultCrash {
		t.Fatalf("expected crash fault, got %+v", out)
	}
	if !strings.Contains(out.Fault.Message, "status 3") {
		t.Errorf("message = %q", out.Fault.Message)
	}
}

func TestPythonOutputLimit(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{MaxOutput: 4096})
	out := execute(t, sb, runtime.Invocation{
		FunctionName: "big",
		Source:       "def big():\n    return 'x' * 100000\n",
	})
	if out.Fault == nil || out.Fault.Kind != runtime.FaultOutputLimit {
		t.Fatalf("expected output limit fault, got %+v", out)
	}
}

func TestTerminateRemovesScratch(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})
	dir := sb.dir
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("scratch dir missing: %v", err)
	}
	if err := sb.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("scratch dir still present: %v", err)
	}
	if err := sb.Terminate(context.Background()); err != nil {
		t.Errorf("second Terminate: %v", err)
	}
	if _, err := sb.Execute(context.Background(), runtime.Invocation{}); !errors.Is(err, runtime.ErrSandboxClosed) {
		t.Errorf("Execute after Terminate = %v, want ErrSandboxClosed", err)
	}
}

func TestJavaScriptExecute(t *testing.T) {
	sb := newSandbox(t, api.LanguageJavaScript, Config{})
	store := memory.New(0)

	tests := []struct {
		name      string
		source    string
		function  string
		args      string
		withVault bool
		wantValue string
		wantFault runtime.FaultKind
	}{
		{
			name:      "single args object",
			source:    "function add({a, b}) { return a + b; }",
			function:  "add",
			args:      `{"a":2,"b":3}`,
			wantValue: "5",
		},
		{
			name:      "exported arrow function",
			source:    "export const shout = (args) => { console.log('noise'); return args.text.toUpperCase(); };",
			function:  "shout",
			args:      `{"text":"hi"}`,
			wantValue: `"HI"`,
		},
		{
			name:      "undefined becomes null",
			source:    "function nothing() {}",
			function:  "nothing",
			wantValue: "null",
		},
		{
			name:      "thrown error",
			source:    "function fail() { throw new TypeError('bad'); }",
			function:  "fail",
			wantFault: runtime.FaultException,
		},
		{
			name:      "async vault",
			source:    "async function save(args) { await vault.put('notes', {text: args.text}, 'n1'); const doc = await vault.get('notes', 'n1'); return doc.text; }",
			function:  "save",
			args:      `{"text":"hello"}`,
			withVault: true,
			wantValue: `"hello"`,
		},
		{
			name: "vault update and clear",
			source: "async function tidy() { await vault.put('tmp', {a: 1}, 'k'); const ok = await vault.update('tmp', 'k', {b: 2}); " +
				"const missing = await vault.update('tmp', 'zz', {b: 2}); const doc = await vault.get('tmp', 'k'); " +
				"return [ok, missing, doc.a + doc.b, await vault.clear('tmp'), await vault.count('tmp')]; }",
			function:  "tidy",
			withVault: true,
			wantValue: `[true,false,3,1,0]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := runtime.Invocation{
				FunctionName: tt.function,
				Source:       tt.source,
				Arguments:    json.RawMessage(tt.args),
			}
			if tt.withVault {
				inv.Vault = vault.NewScoped(store, "tenant-js")
			}
			out := execute(t, sb, inv)
			if tt.wantFault != "" {
				if out.Fault == nil || out.Fault.Kind != tt.wantFault {
					t.Fatalf("expected %s fault, got %+v", tt.wantFault, out)
				}
				return
			}
			if out.Fault != nil {
				t.Fatalf("unexpected fault: %v", out.Fault)
			}
			if string(out.Payload) != tt.wantValue {
				t.Errorf("payload = %s, want %s", out.Payload, tt.wantValue)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(8)
	tb.Write([]byte("hello "))
	tb.Write([]byte("world"))
	if got := tb.String(); got != "lo world" {
		t.Errorf("tail = %q", got)
	}
	if got := lastLines("a\nb\nc\nd\n", 2); got != "c\nd" {
		t.Errorf("lastLines = %q", got)
	}
}

func TestSandboxServesOneTenant(t *testing.T) {
	sb := newSandbox(t, api.LanguagePython, Config{})

	stash := "import builtins\ndef stash(secret):\n    builtins.stolen = getattr(builtins, 'stolen', []) + [secret]\n    return len(builtins.stolen)\n"
	out := execute(t, sb, runtime.Invocation{
		TenantID:     "tenant-b",
		FunctionName: "stash",
		Source:       stash,
		Arguments:    json.RawMessage(`{"secret":"b-private-arg"}`),
	})
	if out.Fault != nil {
		t.Fatalf("unexpected fault: %v", out.Fault)
	}

	_, err := sb.Execute(context.Background(), runtime.Invocation{
		TenantID:     "tenant-a",
		FunctionName: "peek",
		Source:       "import builtins\ndef peek():\n    return getattr(builtins, 'stolen', None)\n",
	})
	if !errors.Is(err, runtime.ErrTenantMismatch) {
		t.Fatalf("err = %v, want ErrTenantMismatch", err)
	}

	// The bound tenant keeps using the sandbox.
	again := execute(t, sb, runtime.Invocation{
		TenantID:     "tenant-b",
		FunctionName: "stash",
		Source:       stash,
		Arguments:    json.RawMessage(`{"secret":"again"}`),
	})
	if string(again.Payload) != "2" {
		t.Errorf("payload = %s, want 2", again.Payload)
	}
}

func requireConfinement(t *testing.T, abi int) {
	t.Helper()
	if got := confinementABI(); got < abi {
		t.Skipf("landlock ABI %d, need %d", got, abi)
	}
}

func TestConfinementFilesystem(t *testing.T) {
	requireConfinement(t, 1)
	root := t.TempDir()
	owner := newSandbox(t, api.LanguagePython, Config{ScratchRoot: root})
	other := newSandbox(t, api.LanguagePython, Config{ScratchRoot: root})

	out := execute(t, owner, runtime.Invocation{
		FunctionName: "keep",
		Source:       "import pathlib\ndef keep():\n    pathlib.Path('notes.txt').write_text('private')\n    return pathlib.Path('notes.txt').read_text()\n",
	})
	if string(out.Payload) != `"private"` {
		t.Fatalf("scratch write: payload = %s, fault = %v", out.Payload, out.Fault)
	}

	outside := filepath.Join(t.TempDir(), "escaped.txt")
	tests := []struct {
		name   string
		source string
		path   string
	}{
		{"write outside scratch", "import pathlib\ndef touch(path):\n    pathlib.Path(path).write_text('x')\n    return 'wrote'\n", outside},
		{"read another worker", "import pathlib\ndef touch(path):\n    return pathlib.Path(path).read_text()\n", filepath.Join(owner.dir, "notes.txt")},
		{"write system directory", "import pathlib\ndef touch(path):\n    pathlib.Path(path).write_text('x')\n    return 'wrote'\n", "/etc/toolrunner-escape"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, _ := json.Marshal(map[string]string{"path": tt.path})
			out := execute(t, other, runtime.Invocation{FunctionName: "touch", Source: tt.source, Arguments: args})
			if out.Fault == nil || out.Fault.Type != "PermissionError" {
				t.Fatalf("expected PermissionError, got payload %s fault %v", out.Payload, out.Fault)
			}
		})
	}
	if _, err := os.Stat(outside); !os.IsNotExist(err) {
		t.Errorf("file created outside scratch: %v", err)
	}
}

func TestConfinementDeniesListening(t *testing.T) {
	requireConfinement(t, 4)
	sb := newSandbox(t, api.LanguagePython, Config{})
	out := execute(t, sb, runtime.Invocation{
		FunctionName: "listen",
		Source:       "import socket\ndef listen():\n    s = socket.socket()\n    s.bind(('127.0.0.1', 0))\n    s.listen()\n    return 'listening'\n",
	})
	if out.Fault == nil || out.Fault.Type != "PermissionError" {
		t.Fatalf("expected PermissionError, got payload %s fault %v", out.Payload, out.Fault)
	}
}

func TestReadOnlyPathsIncludeInterpreterPrefix(t *testing.T) {
	got := readOnlyPaths([]string{"/usr"}, "/opt/python/3.12/bin/python3")
	if !strings.Contains(strings.Join(got, ","), "/opt/python/3.12") {
		t.Errorf("paths = %v, want the interpreter prefix", got)
	}
	if got := readOnlyPaths([]string{"/srv/tools"}, "/srv/tools/bin/interp"); len(got) != 1 {
		t.Errorf("paths = %v, want /srv/tools only", got)
	}
}
