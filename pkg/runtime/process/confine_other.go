//go:build !linux

package process

import (
	"log/slog"
	"os/exec"
)

// Init is a no-op on platforms without Landlock.
func Init() {}

func confinedCommand(argv []string, _ string, _ []string) (*exec.Cmd, error) {
	return exec.Command(argv[0], argv[1:]...), nil
}

func confinementABI() int {
	return 0
}

func warnWeakConfinement() {
	slog.Warn("filesystem confinement is only supported on linux")
}
