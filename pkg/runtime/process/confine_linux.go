//go:build linux

package process

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/landlock-lsm/go-landlock/landlock"
	ll "github.com/landlock-lsm/go-landlock/landlock/syscall"
)

// confineEnv carries the confinement of a re-executed helper. Its
// presence switches the binary into helper mode in Init.
const confineEnv = "TOOLRUNNER_CONFINE"

// confinement is applied by the helper to itself right before it execs
// the interpreter. Landlock domains are inherited across exec and cannot
// be lifted, so the interpreter and everything it spawns stay inside.
type confinement struct {
	Argv     []string `json:"argv"`
	Scratch  string   `json:"scratch"`
	ReadOnly []string `json:"read_only"`
}

// Init turns the process into the confinement helper when it was started
// as one and never returns in that case. Binaries that provision process
// sandboxes call it first thing in main, and tests of this package call
// it from TestMain.
func Init() {
	raw, ok := os.LookupEnv(confineEnv)
	if !ok {
		return
	}
	os.Unsetenv(confineEnv)

	var c confinement
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		fmt.Fprintf(os.Stderr, "toolrunner confine: decoding: %v\n", err)
		os.Exit(126)
	}
	if err := c.restrict(); err != nil {
		fmt.Fprintf(os.Stderr, "toolrunner confine: %v\n", err)
		os.Exit(126)
	}
	err := syscall.Exec(c.Argv[0], c.Argv, os.Environ())
	fmt.Fprintf(os.Stderr, "toolrunner confine: exec %s: %v\n", c.Argv[0], err)
	os.Exit(127)
}

// restrict limits the filesystem to read-only access on c.ReadOnly plus
// read-write access on the scratch directory, and forbids binding TCP
// ports. Outbound connections stay allowed.
func (c confinement) restrict() error {
	fs := []landlock.Rule{
		landlock.RODirs(c.ReadOnly...).IgnoreIfMissing(),
		landlock.ROFiles("/dev/urandom", "/dev/random").IgnoreIfMissing(),
		landlock.RWFiles("/dev/null").IgnoreIfMissing(),
		landlock.RWDirs(c.Scratch),
	}
	if err := landlock.V3.BestEffort().RestrictPaths(fs...); err != nil {
		return fmt.Errorf("restricting filesystem: %w", err)
	}
	noBind := landlock.MustConfig(landlock.AccessNetSet(ll.AccessNetBindTCP))
	if err := noBind.BestEffort().RestrictNet(); err != nil {
		return fmt.Errorf("restricting network: %w", err)
	}
	return nil
}

// confinedCommand returns a command that re-executes the current binary
// as the confinement helper, which then execs argv.
func confinedCommand(argv []string, scratch string, readOnly []string) (*exec.Cmd, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating own executable: %w", err)
	}
	raw, err := json.Marshal(confinement{Argv: argv, Scratch: scratch, ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(self)
	cmd.Env = []string{confineEnv + "=" + string(raw)}
	return cmd, nil
}

// confinementABI reports the Landlock ABI of the running kernel, zero
// when Landlock is unavailable.
func confinementABI() int {
	v, err := ll.LandlockGetABIVersion()
	if err != nil {
		return 0
	}
	return v
}

func warnWeakConfinement() {
	switch abi := confinementABI(); {
	case abi == 0:
		slog.Warn("landlock unavailable, sandbox processes can reach the whole filesystem")
	case abi < 4:
		slog.Warn("landlock without network rules, sandbox processes may listen on TCP ports", "abi", abi)
	}
}
