package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/auth"
	"github.com/rhuss/toolrunner/pkg/dispatch"
	"github.com/rhuss/toolrunner/pkg/gate"
	"github.com/rhuss/toolrunner/pkg/orchestrator"
	"github.com/rhuss/toolrunner/pkg/pool"
	"github.com/rhuss/toolrunner/pkg/registry"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/runtimetest"
	"github.com/rhuss/toolrunner/pkg/storage/memory"
)

const addSource = `def add(a: int, b: int) -> int:
    return a + b
`

const whoamiV1 = `def whoami() -> str:
    return "v1"
`

const whoamiV2 = `def whoami() -> str:
    return "v2"
`

type env struct {
	router *dispatch.Router
	reg    *registry.Registry
	store  *memory.Store
	prov   *runtimetest.Provisioner
	policy gate.Policy
	now    time.Time
}

// handle runs "add" natively and answers everything else with the source
// it was given, so tests can tell which version executed.
func handle(_ context.Context, _ *runtimetest.Sandbox, inv runtime.Invocation) (*runtime.Outcome, error) {
	if inv.FunctionName == "add" {
		var args struct{ A, B int }
		if err := json.Unmarshal(inv.Arguments, &args); err != nil {
			return nil, err
		}
		return runtime.NewOutcome(json.RawMessage(strconv.Itoa(args.A + args.B))), nil
	}
	src, _ := json.Marshal(inv.Source)
	return runtime.NewOutcome(src), nil
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:  memory.New(0),
		prov:   runtimetest.New(api.LanguagePython, handle),
		policy: gate.Policy{Inactivity: 30 * time.Minute},
		now:    time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	e.reg = registry.New(e.store, nil)

	mgr := pool.NewManager([]runtime.Provisioner{e.prov}, pool.Config{
		Sizing: func(api.Language) pool.Sizing { return pool.Sizing{MaxSize: 2} },
	})
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	g := gate.New(e.store, e.policy, gate.WithClock(func() time.Time { return e.now }))
	orch := orchestrator.New(mgr, orchestrator.Config{}, orchestrator.WithResultStore(e.store))
	e.router = dispatch.New(e.reg, g, orch, dispatch.WithResultStore(e.store))
	return e
}

func (e *env) register(t *testing.T, name, source string) *api.ToolDefinition {
	t.Helper()
	def, _, err := e.reg.Register(context.Background(), "t1", api.RegisterRequest{
		Name:     name,
		Language: api.LanguagePython,
		Source:   source,
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	return def
}

func (e *env) seed(t *testing.T, tenant string, used, limit int) {
	t.Helper()
	_, err := e.store.Reconcile(context.Background(), gate.Usage{
		TenantID:      tenant,
		Period:        api.BillingPeriodOf(e.now),
		SessionsUsed:  used,
		SessionsLimit: limit,
	}, e.now, e.policy)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
}

func (e *env) used(t *testing.T, tenant string) int {
	t.Helper()
	w, err := e.store.Window(context.Background(), tenant)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	return w.SessionsUsed
}

func invoke(e *env, tenant, tool, args string) (*api.ExecutionResult, error) {
	return e.router.Invoke(context.Background(), api.InvokeRequest{
		TenantID:  tenant,
		ToolName:  tool,
		Arguments: json.RawMessage(args),
	})
}

func TestInvokeAdd(t *testing.T) {
	e := newEnv(t)
	def := e.register(t, "add", addSource)

	res, err := invoke(e, "t1", "add", `{"a":2,"b":3}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Code != api.CodeOK || string(res.Payload) != "5" {
		t.Fatalf("result = %+v", res)
	}
	if res.ContentHash != def.ContentHash {
		t.Errorf("empty hash resolved to %s, want latest %s", res.ContentHash, def.ContentHash)
	}
	if res.TraceID == "" {
		t.Error("trace ID not assigned")
	}
	if got, err := e.store.GetResult(context.Background(), "t1", res.TraceID); err != nil || got.Code != api.CodeOK {
		t.Errorf("audit record = %+v, %v", got, err)
	}
}

func TestQuotaExceeded(t *testing.T) {
	e := newEnv(t)
	e.register(t, "add", addSource)
	e.seed(t, "t1", 25, 25)

	res, err := invoke(e, "t1", "add", `{"a":1,"b":1}`)

	var ee *api.ExecError
	if !errors.As(err, &ee) || ee.Code != api.CodeQuotaExceeded {
		t.Fatalf("err = %v, want QUOTA_EXCEEDED", err)
	}
	if res.Code != api.CodeQuotaExceeded {
		t.Errorf("code = %s", res.Code)
	}
	if res.Error.Data["sessions_used"] != 25 || res.Error.Data["sessions_limit"] != 25 {
		t.Errorf("usage detail = %v", res.Error.Data)
	}
	if e.prov.Provisioned() != 0 {
		t.Errorf("rejected request provisioned %d workers", e.prov.Provisioned())
	}
}

func TestSessionWindows(t *testing.T) {
	e := newEnv(t)
	e.register(t, "add", addSource)
	e.seed(t, "t1", 23, 25)

	steps := []struct {
		name    string
		advance time.Duration
		want    api.Code
		used    int
	}{
		{"opens a session", 0, api.CodeOK, 24},
		{"continues the window", 5 * time.Minute, api.CodeOK, 24},
		{"reopens after inactivity", 31 * time.Minute, api.CodeOK, 25},
		{"same window at the limit", time.Minute, api.CodeOK, 25},
		{"new session over the limit", 31 * time.Minute, api.CodeQuotaExceeded, 25},
	}

	for _, step := range steps {
		e.now = e.now.Add(step.advance)
		res, _ := invoke(e, "t1", "add", `{"a":1,"b":2}`)
		if res.Code != step.want {
			t.Fatalf("%s: code = %s, want %s", step.name, res.Code, step.want)
		}
		if got := e.used(t, "t1"); got != step.used {
			t.Fatalf("%s: sessions_used = %d, want %d", step.name, got, step.used)
		}
	}
}

func TestValidationRejectsBeforeAdmission(t *testing.T) {
	e := newEnv(t)
	def := e.register(t, "add", addSource)
	e.seed(t, "t1", 0, 25)

	tests := []struct {
		name   string
		tenant string
		tool   string
		hash   string
		args   string
		param  string
	}{
		{"schema mismatch", "t1", "add", "", `{"a":"two","b":3}`, "arguments"},
		{"missing argument", "t1", "add", "", `{"a":2}`, "arguments"},
		{"not an object", "t1", "add", "", `[2,3]`, "arguments"},
		{"unknown tool", "t1", "mul", "", `{}`, "tool_name"},
		{"unknown hash", "t1", "add", "deadbeef", `{"a":2,"b":3}`, "content_hash"},
		{"missing tenant", "", "add", def.ContentHash, `{"a":2,"b":3}`, "tenant_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.router.Invoke(context.Background(), api.InvokeRequest{
				TenantID:    tt.tenant,
				ToolName:    tt.tool,
				ContentHash: tt.hash,
				Arguments:   json.RawMessage(tt.args),
			})
			if api.CodeOf(err) != api.CodeValidationError || res.Code != api.CodeValidationError {
				t.Fatalf("code = %s / %v, want VALIDATION_ERROR", res.Code, err)
			}
			if res.Error.Retryable {
				t.Error("validation errors must not be retryable")
			}
			if tt.param != "" && res.Error.Data["param"] != tt.param {
				t.Errorf("param = %v, want %s", res.Error.Data["param"], tt.param)
			}
		})
	}

	if e.prov.Provisioned() != 0 {
		t.Errorf("invalid requests provisioned %d workers", e.prov.Provisioned())
	}
	if got := e.used(t, "t1"); got != 0 {
		t.Errorf("invalid requests consumed sessions: %d", got)
	}
}

func TestHashPinning(t *testing.T) {
	e := newEnv(t)
	v1 := e.register(t, "whoami", whoamiV1)
	v2 := e.register(t, "whoami", whoamiV2)

	tests := []struct {
		name string
		hash string
		want string
	}{
		{"pinned v1", v1.ContentHash, whoamiV1},
		{"pinned v2", v2.ContentHash, whoamiV2},
		{"latest", "", whoamiV2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.router.Invoke(context.Background(), api.InvokeRequest{
				TenantID:    "t1",
				ToolName:    "whoami",
				ContentHash: tt.hash,
			})
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			var src string
			if err := json.Unmarshal(res.Payload, &src); err != nil {
				t.Fatalf("payload %s: %v", res.Payload, err)
			}
			if src != tt.want {
				t.Errorf("executed source %q, want %q", src, tt.want)
			}
		})
	}
}

func TestForeignToolRequiresPinnedHash(t *testing.T) {
	e := newEnv(t)
	def := e.register(t, "add", addSource)

	res, err := invoke(e, "t2", "add", `{"a":2,"b":3}`)
	if api.CodeOf(err) != api.CodeValidationError || res.Error.Data["param"] != "content_hash" {
		t.Fatalf("unpinned call = %+v, %v; want content_hash validation error", res, err)
	}
	if e.prov.Provisioned() != 0 {
		t.Errorf("rejected request provisioned %d workers", e.prov.Provisioned())
	}

	res, err = e.router.Invoke(context.Background(), api.InvokeRequest{
		TenantID:    "t2",
		ToolName:    "add",
		ContentHash: def.ContentHash,
		Arguments:   json.RawMessage(`{"a":2,"b":3}`),
	})
	if err != nil || string(res.Payload) != "5" {
		t.Fatalf("pinned call = %+v, %v", res, err)
	}
}

func TestErrorOf(t *testing.T) {
	tests := []struct {
		code api.Code
		nil  bool
	}{
		{api.CodeOK, true},
		{api.CodeExecutionError, true},
		{api.CodeOverloaded, false},
		{api.CodeTimeout, false},
		{api.CodeInternalError, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := dispatch.ErrorOf(&api.ExecutionResult{
				Code:  tt.code,
				Error: &api.ErrorDetail{Code: tt.code, Message: "m", Retryable: tt.code.Retryable()},
			})
			if (err == nil) != tt.nil {
				t.Fatalf("ErrorOf(%s) = %v", tt.code, err)
			}
			if err != nil && api.CodeOf(err) != tt.code {
				t.Errorf("CodeOf = %s, want %s", api.CodeOf(err), tt.code)
			}
		})
	}
}

func TestIdentityTier(t *testing.T) {
	tiers := dispatch.IdentityTier(map[string]string{"t1": "gold"})

	id := &auth.Identity{Subject: "svc", ServiceTier: "dedicated"}
	id.SetTenantID("t2")
	ctx := auth.SetIdentity(context.Background(), id)

	tests := []struct {
		name   string
		ctx    context.Context
		tenant string
		want   string
	}{
		{"static map", context.Background(), "t1", "gold"},
		{"unknown tenant", context.Background(), "t9", ""},
		{"identity tier", ctx, "t2", "dedicated"},
		{"identity of another tenant", ctx, "t1", "gold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tiers(tt.ctx, tt.tenant); got != tt.want {
				t.Errorf("tier = %q, want %q", got, tt.want)
			}
		})
	}
}
