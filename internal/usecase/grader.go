// Package usecase implements the grading pipeline: envelope validation,
// the reference/student run pair, checker-driven comparison, and the
// rendered reply posted back to the queue.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
	"github.com/fairyhunter13/xqueue-grader/internal/gradersupport"
	"github.com/fairyhunter13/xqueue-grader/internal/i18n"
	"github.com/fairyhunter13/xqueue-grader/internal/observability"
)

// bundleLocaleDir is where a grader root keeps its message catalogs.
const bundleLocaleDir = "conf/locale"

// Options configures one jailed grader handler, decoded from the KWARGS
// block of its handler config.
type Options struct {
	// GraderRoot is the directory all checker paths resolve under.
	GraderRoot string `yaml:"grader_root"`
	// TrustReference runs the reference answer without uid/rlimit
	// isolation. Only set this when every bundle is staff-audited.
	TrustReference bool `yaml:"trust_reference"`
	// ForkPerItem grades each submission in a child process. Defaults on.
	ForkPerItem *bool `yaml:"fork_per_item"`
}

// ForkEnabled reports the fork_per_item setting, defaulting to true.
func (o Options) ForkEnabled() bool {
	return o.ForkPerItem == nil || *o.ForkPerItem
}

// OptionsFromKwargs decodes the free-form KWARGS map into Options.
func OptionsFromKwargs(kwargs map[string]any) (Options, error) {
	raw, err := yaml.Marshal(kwargs)
	if err != nil {
		return Options{}, fmt.Errorf("op=usecase.OptionsFromKwargs: %w", err)
	}
	var o Options
	if err := yaml.Unmarshal(raw, &o); err != nil {
		return Options{}, fmt.Errorf("op=usecase.OptionsFromKwargs: %w", err)
	}
	if o.GraderRoot == "" {
		return Options{}, fmt.Errorf("op=usecase.OptionsFromKwargs: grader_root is required")
	}
	return o, nil
}

// JailedGrader grades submissions against problem bundles under one
// grader root, running both sides of each submission in a jail.
type JailedGrader struct {
	queue          string
	root           string
	trustReference bool
	runner         domain.Runner
	comparer       domain.Comparer
	catalog        *i18n.Catalog
	log            *slog.Logger

	// seedFn is swapped in tests for determinism.
	seedFn func() int
}

// NewJailedGrader builds a grader for one queue. The grader root must
// exist; checker paths from payloads resolve strictly under it.
func NewJailedGrader(queue string, runner domain.Runner, comparer domain.Comparer, opts Options) (*JailedGrader, error) {
	root, err := filepath.Abs(opts.GraderRoot)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.NewJailedGrader: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("op=usecase.NewJailedGrader: grader_root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("op=usecase.NewJailedGrader: grader_root %q is not a directory", root)
	}
	return &JailedGrader{
		queue:          queue,
		root:           root,
		trustReference: opts.TrustReference,
		runner:         runner,
		comparer:       comparer,
		catalog:        i18n.NewCatalog(filepath.Join(root, bundleLocaleDir)),
		log:            slog.Default().With(slog.String("queue", queue)),
		seedFn:         func() int { return rand.IntN(gradersupport.MaxSeed + 1) },
	}, nil
}

// Handle grades one submission. Malformed envelopes and unparseable
// payloads produce a structured error reply rather than silence; the
// offending payload is only ever logged server-side.
func (g *JailedGrader) Handle(ctx context.Context, sub domain.Submission) (*domain.Reply, error) {
	ctx, span := otel.Tracer("usecase").Start(ctx, "grade_submission",
		trace.WithAttributes(attribute.String("queue", g.queue)))
	defer span.End()

	start := time.Now()
	defer func() {
		observability.GradingDuration.WithLabelValues(g.queue).Observe(time.Since(start).Seconds())
	}()

	tr := g.catalog.Translator(i18n.DefaultLanguage)

	var body domain.SubmissionBody
	if sub.Body == "" {
		g.log.Error("submission missing xqueue_body", slog.Any("error", domain.ErrEnvelopeMalformed))
		return replyOf(errorVerdict(tr(msgEnvelope)), tr), nil
	}
	if err := json.Unmarshal([]byte(sub.Body), &body); err != nil {
		g.log.Error("xqueue_body is not valid json",
			slog.Any("error", fmt.Errorf("%w: %w", domain.ErrEnvelopeMalformed, err)))
		return replyOf(errorVerdict(tr(msgEnvelope)), tr), nil
	}

	var payload domain.GraderPayload
	if err := json.Unmarshal([]byte(body.GraderPayload), &payload); err != nil {
		observability.PayloadErrorsTotal.Inc()
		g.log.Error("grader payload unparseable",
			slog.String("payload", body.GraderPayload),
			slog.Any("error", fmt.Errorf("%w: %w", domain.ErrPayloadUnparseable, err)))
		return replyOf(errorVerdict(tr(msgEnvelope)), tr), nil
	}
	tr = g.catalog.Translator(payload.Lang)

	checkerPath, err := g.resolve(payload.Grader)
	if err != nil {
		observability.PayloadErrorsTotal.Inc()
		g.log.Error("cannot resolve checker", slog.String("grader", payload.Grader), slog.Any("error", err))
		return replyOf(errorVerdict(tr(msgStaffProblem)), tr), nil
	}

	verdict := g.grade(ctx, checkerPath, payload, body.StudentResponse, tr)
	if payload.HideOutput {
		// Score and status survive; the per-test detail is dropped whole.
		verdict.Tests = nil
	}
	return replyOf(verdict, tr), nil
}

// resolve maps a payload-relative checker path to an absolute path under
// the grader root, rejecting anything that escapes it.
func (g *JailedGrader) resolve(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("op=usecase.resolve: %w: empty grader path", domain.ErrPayloadUnparseable)
	}
	path := filepath.Join(g.root, rel)
	if path == g.root || !strings.HasPrefix(path, g.root+string(filepath.Separator)) {
		return "", fmt.Errorf("op=usecase.resolve: %q: %w", rel, domain.ErrBundleEscape)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("op=usecase.resolve: %w", err)
	}
	return path, nil
}

// grade runs the reference answer and the student source with one shared
// seed, then compares the aligned outputs through the checker.
func (g *JailedGrader) grade(ctx context.Context, checkerPath string, payload domain.GraderPayload, studentSource string, tr i18n.Translator) domain.Verdict {
	if payload.SkipGrader {
		return domain.Verdict{Correct: true, Score: 1}
	}
	var v domain.Verdict

	answerRaw, err := os.ReadFile(filepath.Join(filepath.Dir(checkerPath), gradersupport.AnswerFile))
	if err != nil {
		g.log.Error("reference answer missing",
			slog.String("checker", checkerPath),
			slog.Any("error", fmt.Errorf("%w: %w", domain.ErrNoReference, err)))
		v.Errors = append(v.Errors, tr(msgStaffProblem))
		return v
	}

	seed := g.seedFn()
	log := g.log.With(
		slog.String("run_id", ulid.Make().String()),
		slog.String("checker", filepath.Base(checkerPath)),
		slog.Int("seed", seed),
	)

	spec := domain.RunSpec{
		CheckerPath:    checkerPath,
		Seed:           seed,
		Lang:           payload.Lang,
		TimeoutSeconds: payload.TimeoutSeconds,
	}

	refSpec := spec
	refSpec.Source = string(answerRaw)
	refSpec.Trusted = g.trustReference
	expected, err := g.runDecoded(ctx, refSpec)
	if err != nil || !expected.Clean() {
		log.Error("reference run failed",
			slog.Any("error", err),
			slog.String("grader_status", expected.Grader.Status),
			slog.String("exception", expected.Grader.Exception))
		v.Errors = append(v.Errors, tr(msgStaffProblem))
		return v
	}

	stuSpec := spec
	stuSpec.Source = studentSource
	stuSpec.CheckInput = true
	actual, err := g.runDecoded(ctx, stuSpec)
	switch {
	case errors.Is(err, domain.ErrJailTimeout):
		log.Info("student run exceeded limits", slog.Any("error", err))
		v.Errors = append(v.Errors, tr(msgTimeLimit), tr(msgCouldNotRun))
		return v
	case err != nil:
		log.Error("student run failed", slog.Any("error", err))
		v.Errors = append(v.Errors, tr(msgRunProblem), tr(msgCouldNotRun))
		return v
	case actual.Grader.Status != domain.StatusOK:
		log.Error("checker failed during student run",
			slog.String("exception", actual.Grader.Exception))
		v.Errors = append(v.Errors, tr(msgCouldNotRun))
		return v
	}

	if len(actual.InputErrors) > 0 {
		// The checker refused to run this code; its complaints go to the
		// student verbatim, and nothing gets compared.
		v.Errors = append(v.Errors, actual.InputErrors...)
		return v
	}

	if actual.Submission.Status != domain.StatusOK {
		shown := actual.Submission.Exception
		if shown == "" {
			shown = tr(msgErrorThrown)
		}
		v.Errors = append(v.Errors, shown)
		if actual.Submission.Status == domain.StatusCaught {
			// The driver decided the student swallowed its control flow.
			log.Warn("suspicious submission", slog.String("source", studentSource))
		}
	}

	if len(v.Errors) == 0 {
		v.Tests, v.Errors = g.compareRuns(ctx, checkerPath, payload.Lang, expected, actual, tr, log)
	}
	if len(v.Errors) == 0 && len(v.Tests) == 0 {
		v.Errors = append(v.Errors, tr(msgNoTests))
	}
	scoreVerdict(&v)
	return v
}

// runDecoded is one jail run plus driver output decoding.
func (g *JailedGrader) runDecoded(ctx context.Context, spec domain.RunSpec) (domain.RunResult, error) {
	out, err := g.runner.Run(ctx, spec)
	if err != nil {
		return domain.RunResult{}, err
	}
	rr, err := gradersupport.DecodeRunResult(out.Stdout)
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("%w: exit=%d stderr=%q", err, out.Status, clipForLog(out.Stderr))
	}
	return rr, nil
}

// compareRuns aligns the two result vectors and asks the checker to judge
// each pair. Misaligned vectors mean the student altered control flow the
// seed should have pinned down, so grading stops with an error.
func (g *JailedGrader) compareRuns(ctx context.Context, checkerPath, lang string, expected, actual domain.RunResult, tr i18n.Translator, log *slog.Logger) ([]domain.TestResult, []string) {
	exp, act := expected.Results, actual.Results
	if len(exp) != len(act) {
		log.Error("result vectors misaligned",
			slog.Int("expected", len(exp)),
			slog.Int("actual", len(act)),
			slog.Any("error", domain.ErrMisaligned))
		return nil, []string{tr(msgCountMismatch)}
	}
	if len(exp) == 0 {
		return nil, nil
	}

	pairs := make([]domain.ComparePair, len(exp))
	for i := range exp {
		if exp[i].ShortDescription != act[i].ShortDescription {
			log.Error("test descriptions misaligned",
				slog.String("expected", exp[i].ShortDescription),
				slog.String("actual", act[i].ShortDescription),
				slog.Any("error", domain.ErrMisaligned))
			return nil, []string{tr(msgTestsMismatch)}
		}
		pairs[i] = domain.ComparePair{
			Expected: exp[i].Output,
			Actual:   TruncateOutput(act[i].Output),
		}
	}

	judged, err := g.comparer.Compare(ctx, checkerPath, lang, pairs)
	if err != nil {
		log.Error("compare driver failed", slog.Any("error", err))
		return nil, []string{tr(msgStaffProblem)}
	}
	tests := make([]domain.TestResult, len(pairs))
	for i, j := range judged {
		tests[i] = domain.TestResult{
			ShortDescription:    act[i].ShortDescription,
			DetailedDescription: act[i].DetailedDescription,
			Correct:             j.Correct,
			ExpectedOutput:      exp[i].Output,
			ActualOutput:        j.ActualOutput,
		}
	}
	return tests, nil
}

// replyOf renders a verdict into the wire reply.
func replyOf(v domain.Verdict, tr i18n.Translator) *domain.Reply {
	r := domain.Reply{
		Score: v.Score,
		Msg:   RenderMessage(v, tr),
	}
	if v.Correct {
		r.Correct = 1
	}
	return &r
}

func errorVerdict(msg string) domain.Verdict {
	return domain.Verdict{Errors: []string{msg}}
}

func clipForLog(b []byte) string {
	const max = 2000
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
