//go:build linux

package jail

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var limitResources = map[string]int{
	LimitCPU:   unix.RLIMIT_CPU,
	LimitVMem:  unix.RLIMIT_AS,
	LimitFSize: unix.RLIMIT_FSIZE,
	LimitNProc: unix.RLIMIT_NPROC,
}

// applyLimits sets rlimits on a freshly started jail child. Only used
// when the interpreter is our own child; under sudo the limits are set
// by the shell prologue instead. The wall clock (REALTIME) is enforced
// by the run context, not an rlimit.
func applyLimits(pid int, limits map[string]int64) error {
	for name, value := range limits {
		resource, ok := limitResources[name]
		if !ok {
			continue
		}
		rl := unix.Rlimit{Cur: uint64(value), Max: uint64(value)}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			return fmt.Errorf("op=jail.applyLimits: %s: %w", name, err)
		}
	}
	return nil
}
