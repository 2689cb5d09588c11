// Package domain holds the core entities and ports of the grading worker
// pool: the submission envelope as delivered by xqueue, the structured
// result of an in-sandbox run, and the final verdict posted back to the
// server. Adapters depend on this package, never the other way around.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrEnvelopeMalformed  = errors.New("envelope malformed")
	ErrPayloadUnparseable = errors.New("grader payload unparseable")
	ErrBundleEscape       = errors.New("grader path escapes grader root")
	ErrNoReference        = errors.New("reference answer missing")
	ErrJailTimeout        = errors.New("jail time limit exceeded")
	ErrJailMemory         = errors.New("jail memory limit exceeded")
	ErrMisaligned         = errors.New("reference and submission results misaligned")
	ErrInternal           = errors.New("internal error")
)

// Submission is one item claimed from an xqueue queue. Header is an opaque
// token identifying the submission on the server; it must be echoed
// byte-for-byte in the reply.
type Submission struct {
	Header string `json:"xqueue_header"`
	Body   string `json:"xqueue_body"`
	Files  string `json:"xqueue_files"`
}

// SubmissionBody is the decoded xqueue_body.
type SubmissionBody struct {
	StudentResponse string `json:"student_response"`
	GraderPayload   string `json:"grader_payload"`
}

// GraderPayload selects the problem to grade and its options.
type GraderPayload struct {
	// Grader is the path of the checker file relative to the grader root.
	Grader string `json:"grader"`
	// Lang selects localized messages; default "en".
	Lang string `json:"lang"`
	// TimeoutSeconds optionally overrides the jail wall-clock limit.
	TimeoutSeconds float64 `json:"timeout"`
	// HideOutput suppresses per-test expected/actual output in the reply.
	HideOutput bool `json:"hide_output"`
	// SkipGrader short-circuits to full credit without running anything.
	SkipGrader bool `json:"skip_grader"`
}

// Program statuses reported by the in-sandbox driver.
const (
	StatusOK     = "ok"
	StatusError  = "error"
	StatusCaught = "caught"
	StatusNotRun = "notrun"
)

// ProgramResult describes how one program (checker or submission) fared
// inside the sandbox.
type ProgramResult struct {
	Status    string `json:"status"`
	Stdout    string `json:"stdout,omitempty"`
	Exception string `json:"exception,omitempty"`
}

// TestOutput is one per-test triple emitted by the driver:
// (short description, detailed description, captured output).
// On the wire it is a JSON array of three strings.
type TestOutput struct {
	ShortDescription    string
	DetailedDescription string
	Output              string
}

// UnmarshalJSON decodes the three-element array form.
func (t *TestOutput) UnmarshalJSON(b []byte) error {
	var arr []string
	if err := json.Unmarshal(b, &arr); err != nil {
		return fmt.Errorf("op=domain.TestOutput.UnmarshalJSON: %w", err)
	}
	if len(arr) != 3 {
		return fmt.Errorf("op=domain.TestOutput.UnmarshalJSON: want 3 elements, got %d", len(arr))
	}
	t.ShortDescription, t.DetailedDescription, t.Output = arr[0], arr[1], arr[2]
	return nil
}

// MarshalJSON encodes back to the array form.
func (t TestOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{t.ShortDescription, t.DetailedDescription, t.Output})
}

// RunResult is the JSON document the in-sandbox driver prints on stdout.
// Invariant: len(Results) equals the number of tests the checker declares,
// and ordering is deterministic for a fixed seed.
type RunResult struct {
	Grader     ProgramResult `json:"grader"`
	Submission ProgramResult `json:"submission"`
	Results    []TestOutput  `json:"results"`
	// InputErrors are checker complaints about the submission source.
	// When non-empty the submission was never imported and Results is
	// empty.
	InputErrors []string `json:"input_errors,omitempty"`
	Exceptions  int      `json:"exceptions"`
}

// Clean reports whether the run completed with both programs OK and no
// exceptions, i.e. the results vector is trustworthy.
func (r RunResult) Clean() bool {
	return r.Exceptions == 0 && r.Grader.Status == StatusOK && r.Submission.Status == StatusOK
}

// TestResult is one aligned, compared test in the final verdict.
type TestResult struct {
	ShortDescription    string
	DetailedDescription string
	Correct             bool
	ExpectedOutput      string
	ActualOutput        string
}

// Verdict is the outcome of grading one submission.
// Invariants: Correct iff n>0 and all tests correct; Score = k/n for k
// correct of n tests when n>0, else 0.
type Verdict struct {
	Correct bool
	Score   float64
	Tests   []TestResult
	Errors  []string
}

// Reply is the wire shape posted as xqueue_body to put_result.
type Reply struct {
	Correct int     `json:"correct"`
	Score   float64 `json:"score"`
	Msg     string  `json:"msg"`
}

// Handler processes one parsed submission and returns the reply to post,
// or nil to post nothing.
type Handler interface {
	Handle(ctx context.Context, sub Submission) (*Reply, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sub Submission) (*Reply, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, sub Submission) (*Reply, error) {
	return f(ctx, sub)
}

// RunOutput is the raw capture of one sandboxed execution.
type RunOutput struct {
	Stdout []byte
	Stderr []byte
	Status int
}

// RunSpec describes one execution of a program against a problem bundle.
// CheckerPath is the checker file inside the bundle; Source is the full
// program text to run against it. The same Seed must be used for the
// reference and the student run so their random draws align.
type RunSpec struct {
	CheckerPath string
	Source      string
	Seed        int
	Lang        string
	// TimeoutSeconds overrides the jail wall-clock limit when positive.
	TimeoutSeconds float64
	// Trusted skips the uid/rlimit isolation; only ever set for the
	// reference answer, and only when the operator asserted trust.
	Trusted bool
	// CheckInput runs the checker's input checks over Source before it
	// is imported; set only for the student run.
	CheckInput bool
}

// Runner executes a program source against a problem bundle inside the
// isolation boundary and captures its stdout.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (RunOutput, error)
}

// ComparePair is one aligned (expected, actual) test output pair.
type ComparePair struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// CompareResult is the checker's judgement of one pair. ActualOutput may
// differ from the input when the checker's comparator ended the test with
// a message for the student.
type CompareResult struct {
	Correct      bool   `json:"correct"`
	ActualOutput string `json:"actual_output"`
}

// Comparer runs the checker's own compare_results over aligned output
// pairs. Comparison executes staff code against captured strings, so
// implementations may run it outside the jail uid.
type Comparer interface {
	Compare(ctx context.Context, checkerPath, lang string, pairs []ComparePair) ([]CompareResult, error)
}
