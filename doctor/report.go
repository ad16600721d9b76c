package doctor

import (
	"fmt"

	"github.com/hupe1980/memvault/errcode"
)

// Severity classifies a finding.
type Severity string

const (
	// Info findings need no action.
	Info Severity = "info"
	// Repairable findings can be fixed by Doctor without losing frames.
	Repairable Severity = "repairable"
	// Fatal findings mean committed frames cannot be read back.
	Fatal Severity = "fatal"
)

// Status is the overall verification verdict.
type Status string

const (
	StatusPassed   Status = "passed"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckSkipped CheckStatus = "skipped"
)

// Check is one named verification step.
type Check struct {
	Name    string
	Status  CheckStatus
	Details string
}

// Finding is one problem, or notable fact, found by a check.
type Finding struct {
	Check    string
	Severity Severity
	Code     errcode.Code
	// Region names the affected region kind, when there is one.
	Region string
	// Path is set for auxiliary file findings.
	Path    string
	Message string
}

func (f Finding) String() string {
	s := fmt.Sprintf("%s [%s] %s: %s", f.Check, f.Severity, f.Code, f.Message)
	if f.Region != "" {
		s += " (region " + f.Region + ")"
	}
	return s
}

// Report is the result of Verify.
type Report struct {
	Path       string
	Deep       bool
	Status     Status
	Generation uint64
	Frames     int
	WALRecords int
	Checks     []Check
	Findings   []Finding
}

func (r *Report) check(name string, status CheckStatus, details string) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Details: details})
}

func (r *Report) find(f Finding) {
	r.Findings = append(r.Findings, f)
}

// Fatal returns the fatal findings.
func (r *Report) Fatal() []Finding { return r.bySeverity(Fatal) }

// Repairable returns the repairable findings.
func (r *Report) Repairable() []Finding { return r.bySeverity(Repairable) }

func (r *Report) bySeverity(s Severity) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}

// Check returns the check called name.
func (r *Report) Check(name string) (Check, bool) {
	for _, c := range r.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func (r *Report) finish() {
	r.Status = StatusPassed
	for _, f := range r.Findings {
		switch f.Severity {
		case Fatal:
			r.Status = StatusFailed
			return
		case Repairable:
			r.Status = StatusDegraded
		}
	}
}
