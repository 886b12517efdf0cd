package runtime

import (
	"fmt"
	"strings"
)

// Outcome is the coarse classification the scheduler acts on.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeTimeout Outcome = "TIMEOUT"
	OutcomeFail    Outcome = "FAIL"
)

func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS":
		return OutcomeSuccess, nil
	case "TIMEOUT":
		return OutcomeTimeout, nil
	case "FAIL", "FAILURE":
		return OutcomeFail, nil
	default:
		return "", fmt.Errorf("invalid outcome: %q", s)
	}
}

// Diagnostic is a finer tag on a FAIL outcome. It never changes scheduling.
type Diagnostic string

const (
	DiagnosticNone       Diagnostic = ""
	DiagnosticInputError Diagnostic = "INPUT_ERROR"
	DiagnosticCrash      Diagnostic = "CRASH"
	DiagnosticUnknown    Diagnostic = "UNKNOWN"
)

// Raw status tokens produced or synthesized by the engine. Anything else the
// tool prints after "SZS status" is passed through verbatim.
const (
	StatusTheorem             = "Theorem"
	StatusCounterSatisfiable  = "CounterSatisfiable"
	StatusSatisfiable         = "Satisfiable"
	StatusTimeout             = "Timeout"
	StatusContradictoryAxioms = "ContradictoryAxioms"
	StatusInputError          = "InputError"
	StatusCrash               = "Crash"
	StatusUnknown             = "Unknown"
)

// WallclockLabel marks a trace entry synthesized when the job budget ran out
// before a configuration could be attempted.
const WallclockLabel = "WALLCLOCK"

// AttemptResult is the classified result of one tool execution.
type AttemptResult struct {
	ElapsedMS  int64
	Status     string
	Outcome    Outcome
	Diagnostic Diagnostic
	RawOutput  string
}

// TraceEntry is the compact form of an attempt kept in a job's trace.
type TraceEntry struct {
	Label     string
	Status    string
	ElapsedMS int64
	Synthetic bool
}

func (e TraceEntry) String() string {
	if e.Synthetic {
		return fmt.Sprintf("%s:%s", e.Label, e.Status)
	}
	return fmt.Sprintf("%s:%s@%dms", e.Label, e.Status, e.ElapsedMS)
}

// JobResult is the final record for one job. It is not mutated once handed to
// the report writer.
type JobResult struct {
	Tag       string
	Trace     []TraceEntry
	ElapsedMS int64
	Status    string
	Outcome   Outcome
	// Winner is the label of the configuration that succeeded, empty otherwise.
	Winner string
}

// TraceString renders the trace the way the ledger stores it.
func (r JobResult) TraceString() string {
	parts := make([]string, 0, len(r.Trace))
	for _, e := range r.Trace {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, "; ")
}

// Passed reports whether the job ended in SUCCESS.
func (r JobResult) Passed() bool {
	return r.Outcome == OutcomeSuccess
}
