package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownStatus is returned by ParseStatus.
var ErrUnknownStatus = errors.New("unknown test status")

// TestStatus is the outcome of a test run. The running range only
// animates progress and is one logical state.
type TestStatus int

const (
	StatusNotRun TestStatus = iota
	StatusNegligible
	StatusAcceptable
	StatusUnacceptable
	StatusUnprocessed
	StatusRunningBegin
	StatusRunningEnd = StatusRunningBegin + 12
	StatusCount      = StatusRunningEnd + 1
)

// ResultStatuses are the terminal classifications, in folder order.
var ResultStatuses = []TestStatus{
	StatusNegligible,
	StatusAcceptable,
	StatusUnacceptable,
	StatusUnprocessed,
}

var statusNames = map[TestStatus]string{
	StatusNotRun:       "NotRun",
	StatusNegligible:   "Negligible",
	StatusAcceptable:   "Acceptable",
	StatusUnacceptable: "Unacceptable",
	StatusUnprocessed:  "Unprocessed",
}

// String returns the status name, also used as its folder name.
func (s TestStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	if IsRunning(s) {
		return "Running"
	}

	return fmt.Sprintf("TestStatus(%d)", int(s))
}

// Valid reports whether s is a known status.
func (s TestStatus) Valid() bool {
	return s >= StatusNotRun && s < StatusCount
}

// IsRunning reports whether s is one of the running frames.
func IsRunning(s TestStatus) bool {
	return s >= StatusRunningBegin && s <= StatusRunningEnd
}

// IsResult reports whether s is a terminal classification.
func IsResult(s TestStatus) bool {
	return s >= StatusNegligible && s <= StatusUnprocessed
}

// NormalizeStatus folds every running frame into StatusRunningBegin.
func NormalizeStatus(s TestStatus) TestStatus {
	if IsRunning(s) {
		return StatusRunningBegin
	}

	return s
}

// NextRunningFrame returns the animation frame following s.
func NextRunningFrame(s TestStatus) TestStatus {
	if !IsRunning(s) || s == StatusRunningEnd {
		return StatusRunningBegin
	}

	return s + 1
}

// ParseStatus maps a status name, case-insensitively, to its value.
// "Running" maps to StatusRunningBegin.
func ParseStatus(name string) (TestStatus, error) {
	for s, n := range statusNames {
		if strings.EqualFold(n, name) {
			return s, nil
		}
	}

	if strings.EqualFold(name, "running") {
		return StatusRunningBegin, nil
	}

	return StatusNotRun, fmt.Errorf("%w %q", ErrUnknownStatus, name)
}
