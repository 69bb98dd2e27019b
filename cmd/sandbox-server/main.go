// Command sandbox-server runs inside agent-sandbox pods and executes tool
// functions for the kubernetes runtime, one invocation at a time.
//
// Configuration:
//
//	SANDBOX_PORT            - Listen port (default: 8080)
//	SANDBOX_LANGUAGE        - python or javascript (default: auto-detect)
//	SANDBOX_INTERPRETER     - Interpreter binary (default: python3 or node)
//	SANDBOX_SCRATCH_DIR     - Parent of the harness scratch directory (default: $TMPDIR)
//	SANDBOX_MEMORY_LIMIT_MB - Interpreter memory limit in MiB (default: 0, unlimited)
//	SANDBOX_CPU_SECONDS     - Interpreter CPU time limit (default: 0, unlimited)
//	SANDBOX_MAX_OUTPUT      - Max bytes of one result frame (default: 1048576)
//	SANDBOX_TIMEOUT_SECONDS - Execution timeout when the request sets none (default: 30)
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime/process"
)

func main() {
	process.Init()

	port := envOr("SANDBOX_PORT", "8080")
	langName := envOr("SANDBOX_LANGUAGE", "")

	lang, err := resolveLanguage(langName)
	if err != nil {
		slog.Error("invalid language", "language", langName, "error", err)
		os.Exit(1)
	}

	prov, err := process.New(lang, process.Config{
		Interpreter: envOr("SANDBOX_INTERPRETER", ""),
		ScratchRoot: envOr("SANDBOX_SCRATCH_DIR", ""),
		MemoryLimit: int64(envOrInt("SANDBOX_MEMORY_LIMIT_MB", 0)) << 20,
		CPUSeconds:  int64(envOrInt("SANDBOX_CPU_SECONDS", 0)),
		MaxOutput:   envOrInt("SANDBOX_MAX_OUTPUT", 0),
	})
	if err != nil {
		slog.Error("failed to create runtime", "language", lang, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerID, _ := os.Hostname()
	if workerID == "" {
		workerID = "sandbox"
	}

	srv, err := newSandboxServer(ctx, prov, serverConfig{
		WorkerID:       workerID,
		DefaultTimeout: time.Duration(envOrInt("SANDBOX_TIMEOUT_SECONDS", 30)) * time.Second,
	})
	if err != nil {
		slog.Error("failed to start harness", "error", err)
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:        ":" + port,
		Handler:     srv.routes(),
		ReadTimeout: 30 * time.Second,
		// Executions run for as long as the caller's deadline allows.
		WriteTimeout: 10 * time.Minute,
	}

	go func() {
		slog.Info("sandbox server starting", "port", port, "language", lang, "worker_id", workerID)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	srv.close(shutdownCtx)
}

// resolveLanguage parses an explicit language or picks the first
// interpreter found in PATH.
func resolveLanguage(name string) (api.Language, error) {
	if name != "" {
		return api.ParseLanguage(name)
	}
	checks := []struct {
		lang api.Language
		cmd  string
	}{
		{api.LanguagePython, "python3"},
		{api.LanguageJavaScript, "node"},
	}
	for _, c := range checks {
		if _, err := exec.LookPath(c.cmd); err == nil {
			return c.lang, nil
		}
	}
	return api.LanguagePython, nil
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
