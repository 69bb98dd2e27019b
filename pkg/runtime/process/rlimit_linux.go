//go:build linux

package process

import "golang.org/x/sys/unix"

// applyLimits sets RLIMIT_AS and RLIMIT_CPU on the started harness. The
// interpreter is still initializing, so the limits cover tool code.
func applyLimits(pid int, memoryBytes, cpuSeconds int64) error {
	if memoryBytes > 0 {
		lim := &unix.Rlimit{Cur: uint64(memoryBytes), Max: uint64(memoryBytes)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return err
		}
	}
	if cpuSeconds > 0 {
		// The soft limit delivers SIGXCPU; the hard limit is the backstop.
		lim := &unix.Rlimit{Cur: uint64(cpuSeconds), Max: uint64(cpuSeconds + 1)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, lim, nil); err != nil {
			return err
		}
	}
	return nil
}
