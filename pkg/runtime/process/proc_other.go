//go:build !unix

package process

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/rhuss/toolrunner/pkg/runtime"
)

func setProcessGroup(*exec.Cmd) {}

func killProcessGroup(pid int) {
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}

func describeExit(err error) (runtime.FaultKind, string) {
	if err == nil {
		return runtime.FaultCrash, "harness exited unexpectedly"
	}
	return runtime.FaultCrash, fmt.Sprintf("harness failed: %v", err)
}
