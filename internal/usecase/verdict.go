package usecase

import (
	"strings"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
)

// Student-facing messages. The Staff debug markers identify the failure
// site in server logs without leaking anything about the bundle; keep
// them stable, course staff grep for them.
const (
	msgEnvelope      = "There was a problem reading your submission. Please contact the course staff."
	msgStaffProblem  = "There was a problem running the staff solution (Staff debug: L364)"
	msgRunProblem    = "There was a problem running your solution (Staff debug: L379)."
	msgCouldNotRun   = "We couldn't run your solution (Staff debug: L397)."
	msgErrorThrown   = "There was an error thrown while running your solution."
	msgTimeLimit     = "Your code exceeded the time limit for this problem."
	msgCountMismatch = "Something went wrong: different numbers of tests ran for your code and for our reference code."
	msgTestsMismatch = "Something went wrong: tests don't match up."
	msgNoTests       = "There was a problem while running your code (Staff debug: L450). Please contact the course staff for assistance."
)

// maxOutputBytes bounds one test's captured output in the reply.
const maxOutputBytes = 5000

// truncatedSuffix marks output that was cut; its presence makes
// TruncateOutput a no-op, so re-truncation never mangles the marker.
const truncatedSuffix = "...OUTPUT TRUNCATED"

// TruncateOutput caps s at maxOutputBytes, appending a marker. Truncation
// happens before comparison so the checker and the student see the same
// text. Idempotent.
func TruncateOutput(s string) string {
	if strings.HasSuffix(s, truncatedSuffix) {
		return s
	}
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + truncatedSuffix
}

// scoreVerdict derives Correct and Score from the judged tests: score is
// the correct fraction, and only a fully correct, error-free run passes.
func scoreVerdict(v *domain.Verdict) {
	n := len(v.Tests)
	if n == 0 {
		v.Correct = false
		v.Score = 0
		return
	}
	k := 0
	for _, t := range v.Tests {
		if t.Correct {
			k++
		}
	}
	v.Score = float64(k) / float64(n)
	v.Correct = k == n && len(v.Errors) == 0
}
