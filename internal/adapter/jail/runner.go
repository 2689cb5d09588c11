package jail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
	"github.com/fairyhunter13/xqueue-grader/internal/gradersupport"
	"github.com/fairyhunter13/xqueue-grader/internal/observability"
)

// localeSubdir is where run.py expects bundle translations, relative to
// the sandbox work dir.
const localeSubdir = "conf/locale"

// Runner executes the checker-protocol driver inside one configured jail.
// Each call gets a fresh work dir; Runner itself is stateless across runs
// and safe for sequential reuse by one worker.
type Runner struct {
	jail Jail
	log  *slog.Logger
}

// NewRunner builds a Runner for one jail.
func NewRunner(j Jail) *Runner {
	return &Runner{
		jail: j,
		log:  slog.Default().With(slog.String("jail", j.Name)),
	}
}

// Run stages the driver, the checker, and the program source into a fresh
// work dir, then executes the interpreter under the jail uid and limits.
// The driver reports its own failures in-band, so a non-zero interpreter
// exit is surfaced in RunOutput.Status rather than as an error; errors are
// reserved for staging problems and exceeded jail limits.
func (r *Runner) Run(ctx context.Context, spec domain.RunSpec) (domain.RunOutput, error) {
	workDir, err := r.stage(spec)
	if workDir != "" {
		defer func() { _ = os.RemoveAll(workDir) }()
	}
	if err != nil {
		return domain.RunOutput{}, err
	}

	wallClock := time.Duration(r.jail.RealtimeSeconds()) * time.Second
	if spec.TimeoutSeconds > 0 {
		wallClock = time.Duration(spec.TimeoutSeconds * float64(time.Second))
	}
	runCtx, cancel := context.WithTimeout(ctx, wallClock)
	defer cancel()

	argv := gradersupport.DriverArgs(filepath.Base(spec.CheckerPath), gradersupport.SubmissionFile, spec.Seed, spec.CheckInput)
	cmd := r.command(runCtx, spec.Trusted, argv)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		// OpenBLAS is allowed to allocate exactly one thread; more would
		// starve under the CPU limit.
		"OPENBLAS_NUM_THREADS=1",
		"GRADER_LANGUAGE=" + langOrDefault(spec.Lang),
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		observability.JailRunsTotal.WithLabelValues(r.jail.Name, "error").Inc()
		return domain.RunOutput{}, fmt.Errorf("op=jail.Run: %w", err)
	}
	if !spec.Trusted && r.jail.User == "" {
		// The sudo path sets its limits in the shell prologue; here the
		// interpreter is our own child and gets them directly. Untrusted
		// code must never run unconfined, so failure kills the run.
		if err := applyLimits(cmd.Process.Pid, r.jail.Limits); err != nil {
			_ = cmd.Cancel()
			_ = cmd.Wait()
			observability.JailRunsTotal.WithLabelValues(r.jail.Name, "error").Inc()
			return domain.RunOutput{}, fmt.Errorf("op=jail.Run: %w", err)
		}
	}

	waitErr := cmd.Wait()
	out := domain.RunOutput{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
		Status: cmd.ProcessState.ExitCode(),
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		observability.JailRunsTotal.WithLabelValues(r.jail.Name, "timeout").Inc()
		return out, fmt.Errorf("op=jail.Run: %w: wall-clock limit %gs", domain.ErrJailTimeout, wallClock.Seconds())
	case killedBySignal(cmd, syscall.SIGXCPU):
		observability.JailRunsTotal.WithLabelValues(r.jail.Name, "timeout").Inc()
		return out, fmt.Errorf("op=jail.Run: %w: CPU limit", domain.ErrJailTimeout)
	case waitErr != nil && out.Status < 0:
		observability.JailRunsTotal.WithLabelValues(r.jail.Name, "error").Inc()
		return out, fmt.Errorf("op=jail.Run: %w", waitErr)
	}
	observability.JailRunsTotal.WithLabelValues(r.jail.Name, "ok").Inc()
	return out, nil
}

// Compare stages the checker and the aligned output pairs, then runs the
// compare driver. The driver only executes staff code over captured
// strings, so it runs directly, without the jail uid or rlimits.
func (r *Runner) Compare(ctx context.Context, checkerPath, lang string, pairs []domain.ComparePair) ([]domain.CompareResult, error) {
	workDir, err := r.stageBundle(checkerPath)
	if workDir != "" {
		defer func() { _ = os.RemoveAll(workDir) }()
	}
	if err != nil {
		return nil, err
	}
	raw, err := gradersupport.EncodeComparePairs(pairs)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(workDir, gradersupport.PairsFile), raw, 0o644); err != nil {
		return nil, fmt.Errorf("op=jail.Compare: pairs: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(r.jail.RealtimeSeconds())*time.Second)
	defer cancel()

	argv := gradersupport.CompareArgs(filepath.Base(checkerPath), gradersupport.PairsFile)
	cmd := r.command(runCtx, true, argv)
	cmd.Dir = workDir
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"OPENBLAS_NUM_THREADS=1",
		"GRADER_LANGUAGE=" + langOrDefault(lang),
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		observability.JailRunsTotal.WithLabelValues(r.jail.Name, "error").Inc()
		return nil, fmt.Errorf("op=jail.Compare: %w: stderr=%q", err, stderr.String())
	}
	results, err := gradersupport.DecodeCompareResults(stdout.Bytes(), len(pairs))
	if err != nil {
		observability.JailRunsTotal.WithLabelValues(r.jail.Name, "error").Inc()
		return nil, err
	}
	observability.JailRunsTotal.WithLabelValues(r.jail.Name, "ok").Inc()
	return results, nil
}

// stage builds the sandbox work dir: the driver package, the checker file,
// the bundle's locale tree if present, and the program source as
// submission.py. The dir is group/other readable for the jail uid.
func (r *Runner) stage(spec domain.RunSpec) (string, error) {
	workDir, err := r.stageBundle(spec.CheckerPath)
	if err != nil {
		return workDir, err
	}
	source := gradersupport.PrependCoding(spec.Source)
	path := filepath.Join(workDir, gradersupport.SubmissionFile)
	if err := os.WriteFile(path, []byte(source), 0o666); err != nil {
		return workDir, fmt.Errorf("op=jail.stage: submission: %w", err)
	}
	// The driver writes the checker-preprocessed source back to this
	// file, possibly as the jail uid; chmod because WriteFile obeys the
	// umask.
	if err := os.Chmod(path, 0o666); err != nil {
		return workDir, fmt.Errorf("op=jail.stage: submission: %w", err)
	}
	return workDir, nil
}

// stageBundle creates a fresh work dir holding the driver package, the
// checker file, and the bundle's locale tree if present. The dir is
// group/other readable for the jail uid.
func (r *Runner) stageBundle(checkerPath string) (string, error) {
	workDir, err := os.MkdirTemp("", "grader-"+uuid.NewString()[:8]+"-")
	if err != nil {
		return "", fmt.Errorf("op=jail.stage: %w", err)
	}
	if err := os.Chmod(workDir, 0o755); err != nil {
		return workDir, fmt.Errorf("op=jail.stage: %w", err)
	}
	if err := gradersupport.Stage(workDir); err != nil {
		return workDir, err
	}
	if err := copyFile(checkerPath, filepath.Join(workDir, filepath.Base(checkerPath))); err != nil {
		return workDir, fmt.Errorf("op=jail.stage: checker: %w", err)
	}
	localeDir := filepath.Join(filepath.Dir(checkerPath), localeSubdir)
	if info, err := os.Stat(localeDir); err == nil && info.IsDir() {
		if err := copyTree(localeDir, filepath.Join(workDir, localeSubdir)); err != nil {
			return workDir, fmt.Errorf("op=jail.stage: locale: %w", err)
		}
	}
	return workDir, nil
}

// command builds the interpreter invocation. Untrusted runs go through
// `sudo -u <jail user>` when a user is configured; trusted runs (and
// jails without a user, e.g. in tests) execute the interpreter directly.
// The sudo child re-execs as the jail uid, out of Prlimit's reach, so
// its rlimits are set by a shell prologue between sudo and the
// interpreter.
func (r *Runner) command(ctx context.Context, trusted bool, argv []string) *exec.Cmd {
	var cmd *exec.Cmd
	if !trusted && r.jail.User != "" {
		full := append([]string{"-u", r.jail.User, "/bin/sh", "-c", limitShell(r.jail.Limits), r.jail.BinPath}, argv...)
		cmd = exec.CommandContext(ctx, "sudo", full...)
	} else {
		cmd = exec.CommandContext(ctx, r.jail.BinPath, argv...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so grandchildren die with the jail.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

// shellLimits maps jail limits onto ulimit flags and their units: -t is
// seconds, -v kibibytes, -f 512-byte blocks, -u a plain count.
var shellLimits = []struct {
	name string
	flag string
	div  int64
}{
	{LimitCPU, "-t", 1},
	{LimitVMem, "-v", 1024},
	{LimitFSize, "-f", 512},
	{LimitNProc, "-u", 1},
}

// limitShell renders the jail limits as a shell prologue that binds the
// interpreter before exec. A limit that cannot be set aborts the run
// rather than running the code unconfined.
func limitShell(limits map[string]int64) string {
	var b strings.Builder
	for _, l := range shellLimits {
		value, ok := limits[l.name]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "ulimit %s %d && ", l.flag, (value+l.div-1)/l.div)
	}
	b.WriteString(`exec "$0" "$@"`)
	return b.String()
}

func killedBySignal(cmd *exec.Cmd, sig syscall.Signal) bool {
	if cmd.ProcessState == nil {
		return false
	}
	ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus)
	return ok && ws.Signaled() && ws.Signal() == sig
}

func langOrDefault(lang string) string {
	if lang == "" {
		return "en"
	}
	return lang
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}
