package integration

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/vault"
)

func TestRegisterAndInvoke(t *testing.T) {
	def := registerTool(t, api.RegisterRequest{Name: "add", Language: api.LanguagePython, Source: addSource})
	if def.ContentHash == "" {
		t.Fatal("registered tool has no content hash")
	}

	status, res := invoke(t, keyAlpha, api.InvokeRequest{
		ToolName:  "add",
		Arguments: json.RawMessage(`{"a":2,"b":3}`),
	})
	if status != http.StatusOK || res.Code != api.CodeOK {
		t.Fatalf("status = %d, result = %+v", status, res)
	}
	if string(res.Payload) != "5" {
		t.Errorf("payload = %s, want 5", res.Payload)
	}
	if res.TenantID != "alpha" {
		t.Errorf("tenant = %q, want the authenticated tenant", res.TenantID)
	}
	if res.ContentHash != def.ContentHash {
		t.Errorf("content hash = %s, want %s", res.ContentHash, def.ContentHash)
	}

	resp := doJSON(t, http.MethodGet, "/v1/executions/"+res.TraceID, keyAlpha, nil)
	var stored api.ExecutionResult
	decodeJSON(t, resp, &stored)
	if stored.TraceID != res.TraceID || stored.Code != api.CodeOK {
		t.Errorf("stored result = %+v", stored)
	}

	resp = doJSON(t, http.MethodGet, "/v1/executions/"+res.TraceID, keyBeta, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("another tenant read the execution: status %d", resp.StatusCode)
	}
}

func TestBodyTenantIsIgnored(t *testing.T) {
	def := registerTool(t, api.RegisterRequest{Name: "add", Language: api.LanguagePython, Source: addSource})

	_, res := invoke(t, keyBeta, api.InvokeRequest{
		TenantID:    "alpha",
		ToolName:    "add",
		ContentHash: def.ContentHash,
		Arguments:   json.RawMessage(`{"a":1,"b":1}`),
	})
	if res.TenantID != "beta" {
		t.Errorf("tenant = %q, want beta", res.TenantID)
	}
	if res.Code != api.CodeOK {
		t.Errorf("code = %s, want OK", res.Code)
	}
}

func TestInvokeExecutionError(t *testing.T) {
	registerTool(t, api.RegisterRequest{Name: "divide", Language: api.LanguagePython, Source: divideSource})

	status, res := invoke(t, keyAlpha, api.InvokeRequest{
		ToolName:  "divide",
		Arguments: json.RawMessage(`{"a":1,"b":0}`),
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200 for execution errors", status)
	}
	if res.Code != api.CodeExecutionError || res.Error == nil {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Error.Message, "division by zero") {
		t.Errorf("message = %q", res.Error.Message)
	}
	if res.Error.Retryable {
		t.Error("execution errors must not be retryable")
	}

	// The pool replaces the faulted worker.
	status, res = invoke(t, keyAlpha, api.InvokeRequest{
		ToolName:  "divide",
		Arguments: json.RawMessage(`{"a":9,"b":3}`),
	})
	if status != http.StatusOK || string(res.Payload) != "3" {
		t.Errorf("after fault: status = %d, result = %+v", status, res)
	}
}

func TestInvokeValidation(t *testing.T) {
	registerTool(t, api.RegisterRequest{Name: "add", Language: api.LanguagePython, Source: addSource})

	tests := []struct {
		name string
		req  api.InvokeRequest
	}{
		{"unknown tool", api.InvokeRequest{ToolName: "mul", Arguments: json.RawMessage(`{}`)}},
		{"schema mismatch", api.InvokeRequest{ToolName: "add", Arguments: json.RawMessage(`{"a":"two","b":3}`)}},
		{"unknown hash", api.InvokeRequest{ToolName: "add", ContentHash: "deadbeef", Arguments: json.RawMessage(`{"a":1,"b":2}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, res := invoke(t, keyAlpha, tt.req)
			if status != http.StatusBadRequest || res.Code != api.CodeValidationError {
				t.Errorf("status = %d, code = %s", status, res.Code)
			}
		})
	}
}

func TestRegisterRejectsForbiddenSource(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/tools", keyAlpha, api.RegisterRequest{
		Name:     "peek",
		Language: api.LanguagePython,
		Source:   "def peek(path: str) -> str:\n    return open(path).read()\n",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestQuotaExceeded(t *testing.T) {
	registerTool(t, api.RegisterRequest{Name: "add", Language: api.LanguagePython, Source: addSource})

	status, res := invoke(t, keyCapped, api.InvokeRequest{
		ToolName:  "add",
		Arguments: json.RawMessage(`{"a":1,"b":2}`),
	})
	if status != http.StatusTooManyRequests || res.Code != api.CodeQuotaExceeded {
		t.Fatalf("status = %d, code = %s", status, res.Code)
	}

	resp := doJSON(t, http.MethodGet, "/v1/usage", keyCapped, nil)
	var w api.SessionWindow
	decodeJSON(t, resp, &w)
	if w.SessionsUsed != 3 || w.SessionsLimit != 3 {
		t.Errorf("usage = %+v", w)
	}
}

func TestHashPinning(t *testing.T) {
	v1 := registerTool(t, api.RegisterRequest{Name: "add", Language: api.LanguagePython, Source: addSource})
	v2 := registerTool(t, api.RegisterRequest{
		Name:     "add",
		Language: api.LanguagePython,
		Source:   "# v2\n" + addSource,
	})
	if v1.ContentHash == v2.ContentHash {
		t.Fatal("different sources produced the same hash")
	}

	resp := doJSON(t, http.MethodGet, "/v1/tools/add/versions", keyAlpha, nil)
	var versions struct {
		Tools []*api.ToolDefinition `json:"tools"`
	}
	decodeJSON(t, resp, &versions)
	if len(versions.Tools) < 2 {
		t.Errorf("versions = %d, want at least 2", len(versions.Tools))
	}

	_, res := invoke(t, keyAlpha, api.InvokeRequest{
		ToolName:    "add",
		ContentHash: v1.ContentHash,
		Arguments:   json.RawMessage(`{"a":1,"b":2}`),
	})
	if res.ContentHash != v1.ContentHash {
		t.Errorf("pinned execution ran %s, want %s", res.ContentHash, v1.ContentHash)
	}
}

func TestToolsBelongToTheirOwner(t *testing.T) {
	def := registerTool(t, api.RegisterRequest{Name: "subtract", Language: api.LanguagePython, Source: subtractSource})

	resp := doJSON(t, http.MethodPost, "/v1/tools", keyBeta, api.RegisterRequest{
		Name:     "subtract",
		Language: api.LanguagePython,
		Source:   "def subtract(a: int, b: int) -> int:\n    return b - a\n",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("beta replacing alpha's tool: status %d, want 400", resp.StatusCode)
	}

	args := json.RawMessage(`{"a":5,"b":3}`)
	status, res := invoke(t, keyBeta, api.InvokeRequest{ToolName: "subtract", Arguments: args})
	if status != http.StatusBadRequest || res.Code != api.CodeValidationError {
		t.Errorf("unpinned call of alpha's tool: status = %d, code = %s", status, res.Code)
	}

	_, res = invoke(t, keyAlpha, api.InvokeRequest{ToolName: "subtract", Arguments: args})
	if string(res.Payload) != "2" || res.ContentHash != def.ContentHash {
		t.Errorf("owner call ran %s = %s, want %s = 2", res.ContentHash, res.Payload, def.ContentHash)
	}
}

func TestVaultPersistsPerTenant(t *testing.T) {
	def := registerTool(t, api.RegisterRequest{
		Name:         "remember",
		Language:     api.LanguagePython,
		Source:       rememberSource,
		Capabilities: []api.Capability{api.CapabilityVault},
	})

	calls := []struct {
		apiKey string
		note   string
		want   string
	}{
		{keyAlpha, "k1", "1"},
		{keyAlpha, "k2", "2"},
		{keyAlpha, "k2", "2"},
		{keyBeta, "k1", "1"},
	}
	for _, c := range calls {
		args, _ := json.Marshal(map[string]string{"key": c.note, "value": "v-" + c.note})
		status, res := invoke(t, c.apiKey, api.InvokeRequest{ToolName: "remember", ContentHash: def.ContentHash, Arguments: args})
		if status != http.StatusOK || res.Code != api.CodeOK {
			t.Fatalf("remember(%s) as %s: status = %d, result = %+v", c.note, c.apiKey, status, res)
		}
		if string(res.Payload) != c.want {
			t.Errorf("remember(%s) as %s: count = %s, want %s", c.note, c.apiKey, res.Payload, c.want)
		}
	}
}

func TestVaultCallback(t *testing.T) {
	registerTool(t, api.RegisterRequest{
		Name:         "remember",
		Language:     api.LanguagePython,
		Source:       rememberSource,
		Capabilities: []api.Capability{api.CapabilityVault},
	})
	args, _ := json.Marshal(map[string]string{"key": "cb", "value": "from-tool"})
	if _, res := invoke(t, keyAlpha, api.InvokeRequest{ToolName: "remember", Arguments: args}); res.Code != api.CodeOK {
		t.Fatalf("remember: %+v", res)
	}

	token, err := testEnv.Issuer.Issue("alpha", "trace-cb", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	callback := func(token string, req vault.Request) (int, vault.Response) {
		t.Helper()
		resp := doJSONWithHeader(t, http.MethodPost, "/v1/vault", "Authorization", "Bearer "+token, req)
		status := resp.StatusCode
		var out vault.Response
		if status == http.StatusOK {
			decodeJSON(t, resp, &out)
		} else {
			resp.Body.Close()
		}
		return status, out
	}

	status, out := callback(token, vault.Request{Method: vault.MethodGet, Collection: "notes", Key: "cb"})
	if status != http.StatusOK || !out.Found || string(out.Document.Value) != `"from-tool"` {
		t.Fatalf("get = %d %+v", status, out)
	}

	betaToken, err := testEnv.Issuer.Issue("beta", "trace-cb", time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, out := callback(betaToken, vault.Request{Method: vault.MethodGet, Collection: "notes", Key: "cb"}); out.Found {
		t.Error("another tenant's token read the document")
	}

	if status, _ := callback("not-a-token", vault.Request{Method: vault.MethodCount, Collection: "notes"}); status != http.StatusUnauthorized {
		t.Errorf("invalid token status = %d, want 401", status)
	}
}

func TestCallerTraceID(t *testing.T) {
	registerTool(t, api.RegisterRequest{Name: "add", Language: api.LanguagePython, Source: addSource})

	traceID := api.NewTraceID()
	_, res := invoke(t, keyAlpha, api.InvokeRequest{
		ToolName:  "add",
		TraceID:   traceID,
		Arguments: json.RawMessage(`{"a":4,"b":4}`),
	})
	if res.TraceID != traceID {
		t.Errorf("trace ID = %s, want %s", res.TraceID, traceID)
	}
}

func TestPoolStatus(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/pool", keyAlpha, nil)
	var status struct {
		Pools []struct {
			Language string `json:"language"`
			MaxSize  int    `json:"max_size"`
		} `json:"pools"`
	}
	decodeJSON(t, resp, &status)
	if len(status.Pools) == 0 || status.Pools[0].Language != string(api.LanguagePython) {
		t.Errorf("pools = %+v", status.Pools)
	}
}
