package usecase

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
)

func TestTruncateOutput(t *testing.T) {
	short := "hello\n"
	assert.Equal(t, short, TruncateOutput(short))

	exact := strings.Repeat("a", maxOutputBytes)
	assert.Equal(t, exact, TruncateOutput(exact))

	long := strings.Repeat("a", maxOutputBytes+1)
	got := TruncateOutput(long)
	assert.Len(t, got, maxOutputBytes+len(truncatedSuffix))
	assert.True(t, strings.HasSuffix(got, truncatedSuffix))

	// Truncating twice changes nothing.
	assert.Equal(t, got, TruncateOutput(got))
}

func TestScoreVerdict(t *testing.T) {
	test := func(correct bool) domain.TestResult { return domain.TestResult{Correct: correct} }

	cases := []struct {
		name    string
		v       domain.Verdict
		correct bool
		score   float64
	}{
		{"no tests", domain.Verdict{}, false, 0},
		{"all correct", domain.Verdict{Tests: []domain.TestResult{test(true), test(true)}}, true, 1},
		{"half correct", domain.Verdict{Tests: []domain.TestResult{test(true), test(false)}}, false, 0.5},
		{"one of three", domain.Verdict{Tests: []domain.TestResult{test(true), test(false), test(false)}}, false, 1.0 / 3.0},
		{"errors veto", domain.Verdict{Tests: []domain.TestResult{test(true)}, Errors: []string{"e"}}, false, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			scoreVerdict(&tc.v)
			assert.Equal(t, tc.correct, tc.v.Correct)
			assert.InDelta(t, tc.score, tc.v.Score, 1e-9)
		})
	}
}
