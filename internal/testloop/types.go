// Package testloop runs a worktree's test layers through agents and asks
// resolver agents to fix failures between attempts.
package testloop

import (
	"encoding/json"
	"time"
)

// Layer names, in the order they run
const (
	LayerStatic = "static"
	LayerUnit   = "unit"
	LayerAPI    = "api"
	LayerE2E    = "e2e"
)

// Layer status values
const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Case is one test result as reported by a test agent
type Case struct {
	Name        string   `json:"test_name"`
	Passed      bool     `json:"passed"`
	Command     string   `json:"execution_command,omitempty"`
	Purpose     string   `json:"test_purpose,omitempty"`
	Error       string   `json:"error,omitempty"`
	Path        string   `json:"test_path,omitempty"`
	Screenshots []string `json:"screenshots,omitempty"`
}

// Payload is the JSON handed to a resolver agent
func (c Case) Payload() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return c.Name
	}
	return string(data)
}

// e2eResult is the object an e2e runner agent prints
type e2eResult struct {
	TestName    string   `json:"test_name"`
	Status      string   `json:"status"`
	Screenshots []string `json:"screenshots"`
	Error       string   `json:"error"`
}

// LayerReport is the outcome of one layer
type LayerReport struct {
	Layer  string
	Status string
	// Reason explains a skipped layer
	Reason   string
	Cases    []Case
	Attempts int
	Duration time.Duration
}

// Counts returns the passed and failed cases
func (l LayerReport) Counts() (passed, failed int) {
	for _, c := range l.Cases {
		if c.Passed {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// Failing returns the failed cases
func (l LayerReport) Failing() []Case {
	var out []Case
	for _, c := range l.Cases {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Report is the combined outcome of a test run
type Report struct {
	RunID  string
	Layers []LayerReport
}

// Layer returns the report for name
func (r *Report) Layer(name string) (LayerReport, bool) {
	for _, l := range r.Layers {
		if l.Layer == name {
			return l, true
		}
	}
	return LayerReport{}, false
}

// Failures counts failed cases across all executed layers
func (r *Report) Failures() int {
	total := 0
	for _, l := range r.Layers {
		_, failed := l.Counts()
		total += failed
	}
	return total
}

// Passed reports whether no executed layer ended with failures
func (r *Report) Passed() bool {
	return r.Failures() == 0
}
