package engine

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/pstanica/temporal-vampire/internal/portfolio/model"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scriptedAttempt struct {
	status string
	took   time.Duration
}

// scriptedAttempter plays back one result per configuration label and moves
// the clock by how long each attempt took. A Timeout runs for the deadline
// plus its took value as overshoot.
type scriptedAttempter struct {
	clock     *fakeClock
	script    map[string]scriptedAttempt
	calls     []string
	deadlines []time.Duration
}

func (a *scriptedAttempter) Run(ctx context.Context, job model.Job, cfg model.Configuration, deadline time.Duration) runtime.AttemptResult {
	a.calls = append(a.calls, cfg.Label)
	a.deadlines = append(a.deadlines, deadline)
	step, ok := a.script[cfg.Label]
	if !ok {
		step = scriptedAttempt{status: runtime.StatusUnknown}
	}
	elapsed := step.took
	switch {
	case step.status == runtime.StatusTimeout:
		elapsed = deadline + step.took
	case elapsed > deadline:
		// A finished attempt cannot outlive its deadline.
		elapsed = deadline
	}
	a.clock.Advance(elapsed)
	cls := classifyStatus(step.status)
	return runtime.AttemptResult{
		ElapsedMS:  elapsed.Milliseconds(),
		Status:     cls.Status,
		Outcome:    cls.Outcome,
		Diagnostic: cls.Diagnostic,
	}
}

func configurations(labels ...string) []model.Configuration {
	out := make([]model.Configuration, 0, len(labels))
	for _, l := range labels {
		out = append(out, model.Configuration{Label: l, Content: "% " + l})
	}
	return out
}

func newTestScheduler(a *scriptedAttempter, perAttempt, slack time.Duration, labels ...string) *Scheduler {
	return &Scheduler{
		Runner:         a,
		Configurations: configurations(labels...),
		PerAttempt:     perAttempt,
		Slack:          slack,
		Now:            a.clock.Now,
	}
}

func traceStrings(r runtime.JobResult) []string {
	var out []string
	for _, e := range r.Trace {
		out = append(out, e.String())
	}
	return out
}

func TestScheduler_TimeoutThenSuccess(t *testing.T) {
	clock := newFakeClock()
	a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"cfg1": {status: "Timeout"},
		"cfg2": {status: "Theorem", took: 3 * time.Second},
		"cfg3": {status: "Theorem", took: time.Second},
	}}
	s := newTestScheduler(a, 10*time.Second, 5*time.Second, "cfg1", "cfg2", "cfg3")
	if s.Budget() != 35*time.Second {
		t.Fatalf("budget=%s", s.Budget())
	}

	res := s.RunJob(context.Background(), model.Job{Tag: "test_a"})

	if res.Outcome != runtime.OutcomeSuccess || res.Status != "Theorem" || res.Winner != "cfg2" {
		t.Fatalf("result=%+v", res)
	}
	if res.ElapsedMS != 13000 {
		t.Fatalf("elapsed=%d", res.ElapsedMS)
	}
	want := []string{"cfg1:Timeout@10000ms", "cfg2:Theorem@3000ms"}
	if got := traceStrings(res); !reflect.DeepEqual(got, want) {
		t.Fatalf("trace=%v want %v", got, want)
	}
	if !reflect.DeepEqual(a.calls, []string{"cfg1", "cfg2"}) {
		t.Fatalf("cfg3 must not run after a success: calls=%v", a.calls)
	}
}

func TestScheduler_BudgetExhaustedEmitsWallclockMarker(t *testing.T) {
	clock := newFakeClock()
	// Each attempt overshoots its 10s deadline by 8s, so two attempts use 36s
	// of the 35s budget.
	a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"cfg1": {status: "Timeout", took: 8 * time.Second},
		"cfg2": {status: "Timeout", took: 8 * time.Second},
		"cfg3": {status: "Timeout", took: 8 * time.Second},
	}}
	s := newTestScheduler(a, 10*time.Second, 5*time.Second, "cfg1", "cfg2", "cfg3")

	res := s.RunJob(context.Background(), model.Job{Tag: "test_b"})

	if len(a.calls) != 2 {
		t.Fatalf("third configuration must not launch: calls=%v", a.calls)
	}
	last := res.Trace[len(res.Trace)-1]
	if !last.Synthetic || last.String() != "WALLCLOCK:Timeout" {
		t.Fatalf("last trace entry=%+v", last)
	}
	if res.Outcome != runtime.OutcomeTimeout || res.Status != runtime.StatusTimeout || res.Winner != "" {
		t.Fatalf("result=%+v", res)
	}
	if res.ElapsedMS != 36000 {
		t.Fatalf("elapsed=%d", res.ElapsedMS)
	}
}

func TestScheduler_DeadlineShrinksToRemainingBudget(t *testing.T) {
	clock := newFakeClock()
	a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"cfg1": {status: "GaveUp", took: 9 * time.Second},
		"cfg2": {status: "GaveUp", took: 9 * time.Second},
	}}
	s := newTestScheduler(a, 10*time.Second, 0, "cfg1", "cfg2")
	s.RunJob(context.Background(), model.Job{Tag: "t"})
	if !reflect.DeepEqual(a.deadlines, []time.Duration{10 * time.Second, 10 * time.Second}) {
		t.Fatalf("deadlines=%v", a.deadlines)
	}

	clock = newFakeClock()
	a = &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"cfg1": {status: "Timeout", took: 4 * time.Second},
		"cfg2": {status: "GaveUp", took: time.Second},
	}}
	s = newTestScheduler(a, 10*time.Second, 0, "cfg1", "cfg2")
	s.RunJob(context.Background(), model.Job{Tag: "t"})
	if !reflect.DeepEqual(a.deadlines, []time.Duration{10 * time.Second, 6 * time.Second}) {
		t.Fatalf("deadlines=%v", a.deadlines)
	}
}

func TestScheduler_ExhaustionTakesLastOutcome(t *testing.T) {
	clock := newFakeClock()
	a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"cfg1": {status: "Timeout"},
		"cfg2": {status: "ContradictoryAxioms", took: time.Second},
	}}
	s := newTestScheduler(a, 2*time.Second, time.Second, "cfg1", "cfg2")
	res := s.RunJob(context.Background(), model.Job{Tag: "t"})
	if res.Outcome != runtime.OutcomeFail || res.Status != "ContradictoryAxioms" {
		t.Fatalf("result=%+v", res)
	}
	if len(res.Trace) != 2 {
		t.Fatalf("trace=%v", traceStrings(res))
	}
}

func TestScheduler_FirstSuccessHasSingleEntry(t *testing.T) {
	clock := newFakeClock()
	a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{
		"cfg1": {status: "CounterSatisfiable", took: 20 * time.Millisecond},
	}}
	s := newTestScheduler(a, time.Second, 0, "cfg1", "cfg2")
	res := s.RunJob(context.Background(), model.Job{Tag: "t"})
	if len(res.Trace) != 1 || res.Winner != "cfg1" || !res.Passed() {
		t.Fatalf("result=%+v", res)
	}
}

func TestScheduler_BudgetInvariant(t *testing.T) {
	statuses := []string{"Theorem", "Satisfiable", "Timeout", "GaveUp", "Crash", "InputError", "Unknown", "ContradictoryAxioms"}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(t, "configurations")
		perAttempt := time.Duration(rapid.IntRange(1, 60).Draw(t, "perAttemptSec")) * time.Second
		slack := time.Duration(rapid.IntRange(0, 20).Draw(t, "slackSec")) * time.Second
		reap := 2 * time.Second

		clock := newFakeClock()
		a := &scriptedAttempter{clock: clock, script: map[string]scriptedAttempt{}}
		labels := make([]string, n)
		for i := range labels {
			labels[i] = fmt.Sprintf("cfg%d", i)
			status := rapid.SampledFrom(statuses).Draw(t, "status")
			var took time.Duration
			if status == runtime.StatusTimeout {
				// Overshoot past the deadline is bounded by the reap timeout.
				took = time.Duration(rapid.Int64Range(0, int64(reap)).Draw(t, "overshoot"))
			} else {
				took = time.Duration(rapid.Int64Range(0, int64(perAttempt)).Draw(t, "took"))
			}
			a.script[labels[i]] = scriptedAttempt{status: status, took: took}
		}
		s := newTestScheduler(a, perAttempt, slack, labels...)
		res := s.RunJob(context.Background(), model.Job{Tag: "p"})

		if res.ElapsedMS > (s.Budget() + reap).Milliseconds() {
			t.Fatalf("elapsed %dms exceeds budget %s + reap %s", res.ElapsedMS, s.Budget(), reap)
		}
		if len(res.Trace) > n || len(res.Trace) == 0 {
			t.Fatalf("trace length %d for %d configurations", len(res.Trace), n)
		}
		last := res.Trace[len(res.Trace)-1]
		if res.Outcome == runtime.OutcomeSuccess {
			if OutcomeForStatus(last.Status) != runtime.OutcomeSuccess || res.Winner != last.Label {
				t.Fatalf("success without a success entry: %+v", res)
			}
		} else if !last.Synthetic && OutcomeForStatus(last.Status) != res.Outcome {
			t.Fatalf("final outcome %s differs from last attempt %s", res.Outcome, last.Status)
		}
		if a.calls[0] != labels[0] {
			t.Fatalf("first configuration not tried first")
		}
	})
}
