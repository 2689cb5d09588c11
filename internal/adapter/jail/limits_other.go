//go:build !linux

package jail

// Resource limits need prlimit; elsewhere the wall-clock bound is the
// only enforced limit, which is enough for development machines.
func applyLimits(pid int, limits map[string]int64) error {
	return nil
}
