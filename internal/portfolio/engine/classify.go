package engine

import (
	"regexp"
	"strings"

	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

// Classification is the typed reading of one prover transcript.
type Classification struct {
	Status     string
	Outcome    runtime.Outcome
	Diagnostic runtime.Diagnostic
}

var szsStatusRE = regexp.MustCompile(`SZS status\s+(\w+)`)

var refutationMarkers = []string{
	"Refutation found",
	"Termination reason: Refutation",
}

const timeLimitMarker = "Termination reason: Time limit"

var inputErrorHints = []string{
	"user error",
	"syntax error",
	"parsing",
	"failed to create",
	"type error",
}

var crashHints = []string{
	"segmentation fault",
	"core dumped",
	"crash",
}

// ClassifyOutput reads the combined stdout+stderr of a finished attempt.
// An SZS status line wins; without one, refutation and time-limit markers are
// honored before the substring heuristics.
func ClassifyOutput(output string) Classification {
	return classifyStatus(statusFromOutput(output))
}

func statusFromOutput(output string) string {
	if m := szsStatusRE.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	for _, marker := range refutationMarkers {
		if strings.Contains(output, marker) {
			return runtime.StatusTheorem
		}
	}
	if strings.Contains(output, timeLimitMarker) {
		return runtime.StatusTimeout
	}
	low := strings.ToLower(output)
	if containsAny(low, inputErrorHints) {
		return runtime.StatusInputError
	}
	if containsAny(low, crashHints) {
		return runtime.StatusCrash
	}
	return runtime.StatusUnknown
}

func classifyStatus(status string) Classification {
	c := Classification{Status: status, Outcome: OutcomeForStatus(status)}
	if c.Outcome == runtime.OutcomeFail {
		c.Diagnostic = diagnosticForStatus(status)
	}
	return c
}

// OutcomeForStatus maps a raw status token to the coarse outcome.
func OutcomeForStatus(status string) runtime.Outcome {
	switch status {
	case runtime.StatusTheorem, runtime.StatusCounterSatisfiable, runtime.StatusSatisfiable:
		return runtime.OutcomeSuccess
	case runtime.StatusTimeout:
		return runtime.OutcomeTimeout
	default:
		return runtime.OutcomeFail
	}
}

func diagnosticForStatus(status string) runtime.Diagnostic {
	switch status {
	case runtime.StatusInputError:
		return runtime.DiagnosticInputError
	case runtime.StatusCrash:
		return runtime.DiagnosticCrash
	case runtime.StatusUnknown:
		return runtime.DiagnosticUnknown
	default:
		// A recognized SZS token that is not a success (GaveUp, ContradictoryAxioms, ...).
		return runtime.DiagnosticNone
	}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
