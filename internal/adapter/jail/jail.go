// Package jail runs untrusted programs under a restricted uid with
// resource limits: a fresh work dir, staged support files, an interpreter
// invoked with the run driver, and CPU/memory/wall-clock bounds.
package jail

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/xqueue-grader/internal/config"
)

// Limit names accepted in the CODEJAIL limits map.
const (
	LimitCPU      = "CPU"      // CPU seconds
	LimitRealtime = "REALTIME" // wall-clock seconds
	LimitVMem     = "VMEM"     // address space bytes
	LimitFSize    = "FSIZE"    // created file size bytes
	LimitNProc    = "NPROC"    // process count
)

// Default wall-clock bound when the jail config sets none.
const defaultRealtimeSeconds = 30

// Jail is one named interpreter configuration. Immutable once registered.
type Jail struct {
	Name    string
	BinPath string
	User    string
	Limits  map[string]int64
}

// RealtimeSeconds returns the configured wall-clock bound.
func (j Jail) RealtimeSeconds() int64 {
	if v, ok := j.Limits[LimitRealtime]; ok && v > 0 {
		return v
	}
	return defaultRealtimeSeconds
}

// registry is process-global and write-once per name: the supervisor
// configures jails before any worker starts, and a reload may add new
// interpreter names but never replaces an existing one.
var (
	mu       sync.RWMutex
	registry = map[string]Jail{}
)

// Configure registers a named jail from its config block. Registering an
// already-known name is a no-op returning the existing jail.
func Configure(cc config.CodejailConfig) (Jail, error) {
	if cc.Name == "" || cc.BinPath == "" {
		return Jail{}, fmt.Errorf("op=jail.Configure: name and bin_path are required")
	}
	mu.Lock()
	defer mu.Unlock()
	if existing, ok := registry[cc.Name]; ok {
		return existing, nil
	}
	j := Jail{
		Name:    cc.Name,
		BinPath: cc.BinPath,
		User:    cc.User,
		Limits:  make(map[string]int64, len(cc.Limits)),
	}
	for k, v := range cc.Limits {
		j.Limits[k] = v
	}
	registry[cc.Name] = j
	return j, nil
}

// Get looks up a configured jail by name.
func Get(name string) (Jail, bool) {
	mu.RLock()
	defer mu.RUnlock()
	j, ok := registry[name]
	return j, ok
}
