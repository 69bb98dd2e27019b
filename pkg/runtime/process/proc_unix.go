//go:build unix

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/rhuss/toolrunner/pkg/runtime"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup kills the harness and anything it spawned.
func killProcessGroup(pid int) {
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

func describeExit(err error) (runtime.FaultKind, string) {
	if err == nil {
		return runtime.FaultCrash, "harness exited unexpectedly"
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return runtime.FaultCrash, fmt.Sprintf("harness failed: %v", err)
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return runtime.FaultCrash, fmt.Sprintf("harness exited with status %d", exitErr.ExitCode())
	}
	switch sig := status.Signal(); sig {
	case syscall.SIGXCPU:
		return runtime.FaultResourceLimit, "cpu time limit exceeded"
	case syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGABRT:
		return runtime.FaultCrash, fmt.Sprintf("harness crashed: %s", sig)
	default:
		return runtime.FaultCrash, fmt.Sprintf("harness killed by %s", sig)
	}
}
