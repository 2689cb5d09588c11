// Package gradersupport owns the checker-protocol driver that executes
// inside the sandbox, and the Go-side decoding of its output.
//
// The driver has to import the checker and the submission in their own
// interpreter, so it ships as embedded interpreter-side assets staged
// read-only into each sandbox work dir. The contract back to the watcher
// is a single RunResult JSON object on stdout; failures inside the driver
// are reported in-band, never via the exit code.
package gradersupport

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fairyhunter13/xqueue-grader/internal/domain"
)

//go:embed all:assets/grader_support
var assets embed.FS

// SubmissionFile is the name the student source is written under in the
// sandbox work dir.
const SubmissionFile = "submission.py"

// AnswerFile is the reference answer's filename inside a problem bundle,
// next to the checker.
const AnswerFile = "answer.py"

// MaxSeed bounds the grading seed: a decimal integer in [0, MaxSeed].
const MaxSeed = 20000

// Stage copies the driver package into dir, preserving layout
// (dir/grader_support/*.py). Files are world-readable so the jail uid can
// import them.
func Stage(dir string) error {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		return fmt.Errorf("op=gradersupport.Stage: %w", err)
	}
	err = fs.WalkDir(sub, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		target := filepath.Join(dir, path)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		raw, err := fs.ReadFile(sub, path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, raw, 0o644)
	})
	if err != nil {
		return fmt.Errorf("op=gradersupport.Stage: %w", err)
	}
	return nil
}

// DriverArgs builds the interpreter argv tail that invokes the run driver
// on a staged checker and submission. With checkInput set, the driver
// also runs the checker's input checks over the submission source before
// importing it.
func DriverArgs(checkerFile, submissionFile string, seed int, checkInput bool) []string {
	argv := []string{"-m", "grader_support.run", checkerFile, submissionFile, strconv.Itoa(seed)}
	if checkInput {
		argv = append(argv, "check")
	}
	return argv
}

// PairsFile is the name the aligned output pairs are written under for
// the compare driver.
const PairsFile = "pairs.json"

// CompareArgs builds the interpreter argv tail that invokes the compare
// driver on a staged checker and pairs file.
func CompareArgs(checkerFile, pairsFile string) []string {
	return []string{"-m", "grader_support.compare", checkerFile, pairsFile}
}

// EncodeComparePairs serializes pairs for the compare driver, which reads
// them as a list of two-element lists.
func EncodeComparePairs(pairs []domain.ComparePair) ([]byte, error) {
	arr := make([][2]string, len(pairs))
	for i, p := range pairs {
		arr[i] = [2]string{p.Expected, p.Actual}
	}
	raw, err := json.Marshal(arr)
	if err != nil {
		return nil, fmt.Errorf("op=gradersupport.EncodeComparePairs: %w", err)
	}
	return raw, nil
}

// DecodeCompareResults parses one compare driver stdout capture. The
// driver judges every pair it is given, so a length mismatch means the
// checker and the pairs file disagree about the test count.
func DecodeCompareResults(stdout []byte, want int) ([]domain.CompareResult, error) {
	if len(stdout) == 0 {
		return nil, fmt.Errorf("op=gradersupport.DecodeCompareResults: empty driver output")
	}
	var results []domain.CompareResult
	if err := json.Unmarshal(stdout, &results); err != nil {
		return nil, fmt.Errorf("op=gradersupport.DecodeCompareResults: %w", err)
	}
	if len(results) != want {
		return nil, fmt.Errorf("op=gradersupport.DecodeCompareResults: want %d judgements, got %d", want, len(results))
	}
	return results, nil
}

// PrependCoding adds a coding line so submissions with inline unicode
// don't explode, as long as they're utf8.
func PrependCoding(code string) string {
	return "# coding: utf8\n" + code
}

// DecodeRunResult parses and validates one driver stdout capture.
func DecodeRunResult(stdout []byte) (domain.RunResult, error) {
	if len(stdout) == 0 {
		return domain.RunResult{}, fmt.Errorf("op=gradersupport.DecodeRunResult: empty driver output")
	}
	var rr domain.RunResult
	if err := json.Unmarshal(stdout, &rr); err != nil {
		return domain.RunResult{}, fmt.Errorf("op=gradersupport.DecodeRunResult: %w", err)
	}
	if err := validateStatus("grader", rr.Grader.Status, false); err != nil {
		return domain.RunResult{}, err
	}
	if err := validateStatus("submission", rr.Submission.Status, true); err != nil {
		return domain.RunResult{}, err
	}
	return rr, nil
}

func validateStatus(field, status string, allowCaught bool) error {
	switch status {
	case domain.StatusOK, domain.StatusError, domain.StatusNotRun:
		return nil
	case domain.StatusCaught:
		if allowCaught {
			return nil
		}
	}
	return fmt.Errorf("op=gradersupport.DecodeRunResult: invalid %s status %q", field, status)
}
