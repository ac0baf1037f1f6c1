package poller

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tcflow/tcflow/internal/host"
)

// Summary markers. Matching is case-sensitive so "Tests:" never matches
// inside "Failed tests:".
const (
	MarkerSuites   = "Test suites:"
	MarkerTests    = "Tests:"
	MarkerPassed   = "Successful tests:"
	MarkerFailed   = "Failed tests:"
	MarkerDuration = "Duration:"
	MarkerExported = "TEST RESULTS EXPORTED"

	// MarkerFailedTest starts a failure detail line.
	MarkerFailedTest = "FAILED TEST"
)

// testMarkers identify test output when no test task is configured.
var testMarkers = []string{
	"TcUnit",
	"Test suite",
	"Test name",
	MarkerFailedTest,
	MarkerExported,
	"| ",
}

var (
	numberPattern   = regexp.MustCompile(`^\s*([0-9]+(?:\.[0-9]+)?)`)
	suitePattern    = regexp.MustCompile(`Test suite ID=\d+ '([^']+)'`)
	testNamePattern = regexp.MustCompile(`Test name=([^,\s]+)`)
)

// Summary holds the counters read from summary markers. Nil means not
// observed yet.
type Summary struct {
	Suites   *int     `json:"suites,omitempty"`
	Tests    *int     `json:"tests,omitempty"`
	Passed   *int     `json:"passed,omitempty"`
	Failed   *int     `json:"failed,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
	Exported bool     `json:"exported"`
}

// Complete reports whether the exported sentinel and all five counters were
// observed.
func (s Summary) Complete() bool {
	return s.Exported &&
		s.Suites != nil &&
		s.Tests != nil &&
		s.Passed != nil &&
		s.Failed != nil &&
		s.Duration != nil
}

// Merge folds newer observations into s. Observed values replace older
// ones; unobserved values never erase them.
func (s *Summary) Merge(newer Summary) {
	if newer.Suites != nil {
		s.Suites = newer.Suites
	}
	if newer.Tests != nil {
		s.Tests = newer.Tests
	}
	if newer.Passed != nil {
		s.Passed = newer.Passed
	}
	if newer.Failed != nil {
		s.Failed = newer.Failed
	}
	if newer.Duration != nil {
		s.Duration = newer.Duration
	}
	s.Exported = s.Exported || newer.Exported
}

// ExtractSummary scans every line for summary markers. For each marker the
// number after its last occurrence on a line is used; later lines win.
func ExtractSummary(lines []string) Summary {
	var out Summary
	for _, line := range lines {
		if strings.Contains(line, MarkerExported) {
			out.Exported = true
		}
		if v, ok := intAfter(line, MarkerSuites); ok {
			out.Suites = &v
		}
		if v, ok := intAfter(line, MarkerTests); ok {
			out.Tests = &v
		}
		if v, ok := intAfter(line, MarkerPassed); ok {
			out.Passed = &v
		}
		if v, ok := intAfter(line, MarkerFailed); ok {
			out.Failed = &v
		}
		if v, ok := floatAfter(line, MarkerDuration); ok {
			out.Duration = &v
		}
	}
	return out
}

func numberAfter(line, marker string) (string, bool) {
	idx := strings.LastIndex(line, marker)
	if idx < 0 {
		return "", false
	}
	match := numberPattern.FindStringSubmatch(line[idx+len(marker):])
	if match == nil {
		return "", false
	}
	return match[1], true
}

func intAfter(line, marker string) (int, bool) {
	raw, ok := numberAfter(line, marker)
	if !ok {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}

func floatAfter(line, marker string) (float64, bool) {
	raw, ok := numberAfter(line, marker)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}

// Message is one diagnostic line attributed to the test task, with the test
// suite and test name in effect when it was emitted.
type Message struct {
	Suite    string        `json:"suite,omitempty"`
	Test     string        `json:"test,omitempty"`
	Severity host.Severity `json:"severity"`
	Text     string        `json:"text"`
}

// ExtractTaskMessages returns the messages of the test task in order. With
// an empty task, lines are selected by test-output markers instead.
func ExtractTaskMessages(items []host.DiagnosticItem, task string) []Message {
	task = strings.TrimSpace(task)
	var suite, test string
	out := make([]Message, 0)
	for _, item := range items {
		if !fromTestTask(item, task) {
			continue
		}
		text := strings.TrimSpace(item.Description)
		if text == "" {
			continue
		}
		if match := suitePattern.FindStringSubmatch(text); match != nil {
			suite = match[1]
			test = ""
		}
		if match := testNamePattern.FindStringSubmatch(text); match != nil {
			test = match[1]
		}
		out = append(out, Message{Suite: suite, Test: test, Severity: item.Severity, Text: text})
	}
	return out
}

func fromTestTask(item host.DiagnosticItem, task string) bool {
	if task != "" {
		return strings.EqualFold(strings.TrimSpace(item.Task), task)
	}
	for _, marker := range testMarkers {
		if strings.Contains(item.Description, marker) {
			return true
		}
	}
	return false
}

// IsFailure reports whether text is a failed-test detail line.
func IsFailure(text string) bool {
	return strings.Contains(text, MarkerFailedTest)
}
