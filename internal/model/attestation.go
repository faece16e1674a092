package model

import "time"

// CheckOutcome is the result of one environment check.
type CheckOutcome struct {
	Label    string `json:"label"`
	Passed   bool   `json:"passed"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail"`
}

// AttestationResult is the transient outcome of one check pass. Never persisted.
type AttestationResult struct {
	Checks []CheckOutcome `json:"checks"`
	Passed bool           `json:"passed"`
}

// FailedCritical lists the details of failing critical checks, in check order.
func (r AttestationResult) FailedCritical() []string {
	var out []string
	for _, c := range r.Checks {
		if c.Critical && !c.Passed {
			out = append(out, c.Label+": "+c.Detail)
		}
	}
	return out
}

// Advisories lists failing non-critical checks.
func (r AttestationResult) Advisories() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Critical && !c.Passed {
			out = append(out, c.Label+": "+c.Detail)
		}
	}
	return out
}

// EntryEnvironment is what the server knows about the browsing context asking to enter:
// request headers it observed plus the signals the client page reported.
type EntryEnvironment struct {
	UserAgent     string
	RequestURL    string
	RequestHash   string
	ConfigKeyHash string

	Online       bool
	ProbeRTT     time.Duration
	WebDriver    bool
	DevToolsOpen bool
	VMSuspected  bool
}

// AttestRequest carries client-side signals for attestation.
type AttestRequest struct {
	Online       bool  `json:"online"`
	ProbeRTTMs   int64 `json:"probe_rtt_ms" binding:"min=0"`
	WebDriver    bool  `json:"webdriver"`
	DevToolsOpen bool  `json:"devtools_open"`
	VMSuspected  bool  `json:"vm_suspected"`
}

// PreflightReport is what the initiating dashboard reports before the handoff.
type PreflightReport struct {
	Online     bool       `json:"online"`
	ClientTime *time.Time `json:"client_time"`
}

// PreflightInput bundles everything the preflight battery inspects.
type PreflightInput struct {
	Student      *Student
	Exam         *Exam
	Submission   *ExamSubmission
	Report       PreflightReport
	Now          time.Time
	MaxClockSkew time.Duration
}
