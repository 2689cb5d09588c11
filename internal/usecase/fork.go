package usecase

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
)

// maxFrameBytes bounds one framed message; replies are HTML fragments
// with truncated outputs, so anything near this is a bug.
const maxFrameBytes = 16 << 20

// writeFrame writes one length-prefixed JSON document.
func writeFrame(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("op=usecase.writeFrame: %w", err)
	}
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(raw)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("op=usecase.writeFrame: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("op=usecase.writeFrame: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed JSON document into v.
func readFrame(r io.Reader, v any) error {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return fmt.Errorf("op=usecase.readFrame: %w", err)
	}
	n := binary.BigEndian.Uint32(length[:])
	if n > maxFrameBytes {
		return fmt.Errorf("op=usecase.readFrame: frame of %d bytes exceeds limit", n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("op=usecase.readFrame: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("op=usecase.readFrame: %w", err)
	}
	return nil
}

// childOutcome is the single frame a grading child writes back: exactly
// one of Reply or Error is set.
type childOutcome struct {
	Reply *domain.Reply `json:"reply,omitempty"`
	Error string        `json:"error,omitempty"`
}

// ForkHandler grades each submission in a child copy of this executable,
// so a wedged interpreter or a leaky run cannot take the worker down with
// it. The submission goes to the child's stdin as one frame; the child
// answers with one frame on stdout.
type ForkHandler struct {
	exe     string
	args    []string
	timeout time.Duration
	log     *slog.Logger
}

// NewForkHandler builds a handler that re-executes the current binary
// with args (the hidden grade-item invocation). The timeout bounds the
// whole child lifetime and must cover all three interpreter runs the
// child performs: reference, student, and comparison.
func NewForkHandler(args []string, timeout time.Duration) (*ForkHandler, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("op=usecase.NewForkHandler: %w", err)
	}
	return &ForkHandler{
		exe:     exe,
		args:    args,
		timeout: timeout,
		log:     slog.Default().With(slog.String("component", "fork")),
	}, nil
}

// Timeout reports the wall-clock bound on one grading child.
func (f *ForkHandler) Timeout() time.Duration { return f.timeout }

// Handle implements domain.Handler by delegating to a grading child.
func (f *ForkHandler) Handle(ctx context.Context, sub domain.Submission) (*domain.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	var in, out, errOut bytes.Buffer
	if err := writeFrame(&in, sub); err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, f.exe, f.args...)
	cmd.Stdin = &in
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("op=usecase.ForkHandler.Handle: grading child exceeded %s", f.timeout)
	}
	if runErr != nil {
		f.log.Error("grading child died",
			slog.Any("error", runErr),
			slog.String("stderr", clipForLog(errOut.Bytes())))
		return nil, fmt.Errorf("op=usecase.ForkHandler.Handle: %w", runErr)
	}

	var outcome childOutcome
	if err := readFrame(&out, &outcome); err != nil {
		return nil, fmt.Errorf("op=usecase.ForkHandler.Handle: %w", err)
	}
	if outcome.Error != "" {
		return nil, fmt.Errorf("op=usecase.ForkHandler.Handle: child: %s", outcome.Error)
	}
	return outcome.Reply, nil
}

// ServeChild is the child half of ForkHandler: read one submission frame,
// grade it with h, write the outcome frame. Handler errors travel in-band
// so the parent can tell them from a dead child.
func ServeChild(ctx context.Context, h domain.Handler, in io.Reader, out io.Writer) error {
	var sub domain.Submission
	if err := readFrame(in, &sub); err != nil {
		return err
	}
	reply, err := h.Handle(ctx, sub)
	outcome := childOutcome{Reply: reply}
	if err != nil {
		outcome = childOutcome{Error: err.Error()}
	}
	return writeFrame(out, outcome)
}
