package service

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/stemsi/exstem-seb/internal/model"
)

// Check is one environment check over an input of type T.
type Check[T any] struct {
	Name     string
	Critical bool
	Run      func(in T) (passed bool, detail string)
}

// RunChecks runs every check in order. Overall pass is the AND of critical
// outcomes; advisory failures are reported but never flip it.
func RunChecks[T any](checks []Check[T], in T) model.AttestationResult {
	res := model.AttestationResult{
		Checks: make([]model.CheckOutcome, 0, len(checks)),
		Passed: true,
	}
	for _, c := range checks {
		passed, detail := c.Run(in)
		res.Checks = append(res.Checks, model.CheckOutcome{
			Label:    c.Name,
			Passed:   passed,
			Critical: c.Critical,
			Detail:   detail,
		})
		if c.Critical && !passed {
			res.Passed = false
		}
	}
	return res
}

// AttestationPolicy configures the entry checks.
type AttestationPolicy struct {
	ConfigKeys      []string
	BrowserExamKeys []string
	BlockOffline    bool
	MaxProbeRTT     time.Duration
	MaxClockSkew    time.Duration
}

// SEB request header names.
const (
	HeaderSEBConfigKeyHash = "X-SafeExamBrowser-ConfigKeyHash"
	HeaderSEBRequestHash   = "X-SafeExamBrowser-RequestHash"
)

var automationMarkers = []string{"headlesschrome", "phantomjs", "selenium", "puppeteer", "playwright", "webdriver"}

// AttestationChecker runs the entry and preflight batteries.
type AttestationChecker struct {
	policy    AttestationPolicy
	entry     []Check[*model.EntryEnvironment]
	preflight []Check[*model.PreflightInput]
}

// NewAttestationChecker builds both batteries from policy.
func NewAttestationChecker(policy AttestationPolicy) *AttestationChecker {
	a := &AttestationChecker{policy: policy}
	a.entry = []Check[*model.EntryEnvironment]{
		{Name: "lockdown_browser", Critical: true, Run: a.checkLockdownBrowser},
		{Name: "network", Critical: policy.BlockOffline, Run: a.checkNetwork},
		{Name: "automation", Critical: true, Run: checkAutomation},
		{Name: "devtools", Critical: false, Run: checkDevTools},
		{Name: "virtual_machine", Critical: false, Run: checkVirtualMachine},
	}
	a.preflight = []Check[*model.PreflightInput]{
		{Name: "identity", Critical: true, Run: checkIdentity},
		{Name: "exam_duration", Critical: true, Run: checkExamDuration},
		{Name: "not_submitted", Critical: true, Run: checkNotSubmitted},
		{Name: "client_online", Critical: true, Run: checkClientOnline},
		{Name: "clock_skew", Critical: true, Run: checkClockSkew},
	}
	return a
}

// Run attests the locked-down browsing context.
func (a *AttestationChecker) Run(env *model.EntryEnvironment) model.AttestationResult {
	return RunChecks(a.entry, env)
}

// Preflight runs the lighter readiness battery before the handoff.
func (a *AttestationChecker) Preflight(in *model.PreflightInput) model.AttestationResult {
	if in.MaxClockSkew == 0 {
		in.MaxClockSkew = a.policy.MaxClockSkew
	}
	return RunChecks(a.preflight, in)
}

// InLockedBrowser reports whether the request carries the SEB marker and
// matching key hashes. It is the same rule as the lockdown_browser check.
func (a *AttestationChecker) InLockedBrowser(env *model.EntryEnvironment) (bool, string) {
	return a.checkLockdownBrowser(env)
}

// ─── Entry checks ──────────────────────────────────────────────────────────

func (a *AttestationChecker) checkLockdownBrowser(env *model.EntryEnvironment) (bool, string) {
	marker := strings.Contains(env.UserAgent, "SEB/") || env.ConfigKeyHash != "" || env.RequestHash != ""
	if !marker {
		return false, "Safe Exam Browser not detected"
	}
	if len(a.policy.ConfigKeys) > 0 && !matchesKeyHash(env.RequestURL, env.ConfigKeyHash, a.policy.ConfigKeys) {
		return false, "SEB configuration key does not match"
	}
	if len(a.policy.BrowserExamKeys) > 0 && !matchesKeyHash(env.RequestURL, env.RequestHash, a.policy.BrowserExamKeys) {
		return false, "SEB browser exam key does not match"
	}
	return true, "Safe Exam Browser detected"
}

// matchesKeyHash checks hex(sha256(url + key)) against any configured key.
func matchesKeyHash(url, got string, keys []string) bool {
	if got == "" {
		return false
	}
	got = strings.ToLower(got)
	for _, k := range keys {
		sum := sha256.Sum256([]byte(url + k))
		want := hex.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1 {
			return true
		}
	}
	return false
}

func (a *AttestationChecker) checkNetwork(env *model.EntryEnvironment) (bool, string) {
	if !env.Online {
		return false, "client reports offline"
	}
	if a.policy.MaxProbeRTT > 0 && env.ProbeRTT > a.policy.MaxProbeRTT {
		return false, fmt.Sprintf("connectivity probe took %s", env.ProbeRTT.Round(time.Millisecond))
	}
	return true, "online"
}

func checkAutomation(env *model.EntryEnvironment) (bool, string) {
	if env.WebDriver {
		return false, "automated browser driver reported"
	}
	ua := strings.ToLower(env.UserAgent)
	for _, m := range automationMarkers {
		if strings.Contains(ua, m) {
			return false, "automation marker in user agent: " + m
		}
	}
	return true, "no automation detected"
}

func checkDevTools(env *model.EntryEnvironment) (bool, string) {
	if env.DevToolsOpen {
		return false, "developer tools appear to be open"
	}
	return true, "developer tools closed"
}

func checkVirtualMachine(env *model.EntryEnvironment) (bool, string) {
	if env.VMSuspected {
		return false, "virtualized environment suspected"
	}
	return true, "no virtualization detected"
}

// ─── Preflight checks ──────────────────────────────────────────────────────

func checkIdentity(in *model.PreflightInput) (bool, string) {
	if in.Student == nil || in.Student.ID <= 0 {
		return false, "student identity unknown"
	}
	return true, "identity confirmed"
}

func checkExamDuration(in *model.PreflightInput) (bool, string) {
	if in.Exam == nil || in.Exam.DurationMinutes <= 0 {
		return false, "exam has no duration"
	}
	return true, fmt.Sprintf("%d minutes", in.Exam.DurationMinutes)
}

func checkNotSubmitted(in *model.PreflightInput) (bool, string) {
	if in.Submission != nil && in.Submission.Completed() {
		return false, "exam already submitted"
	}
	return true, "no completed submission"
}

func checkClientOnline(in *model.PreflightInput) (bool, string) {
	if !in.Report.Online {
		return false, "client reports offline"
	}
	return true, "online"
}

func checkClockSkew(in *model.PreflightInput) (bool, string) {
	if in.Report.ClientTime == nil {
		return false, "client time not reported"
	}
	skew := in.Now.Sub(*in.Report.ClientTime)
	if skew < 0 {
		skew = -skew
	}
	if in.MaxClockSkew > 0 && skew > in.MaxClockSkew {
		return false, fmt.Sprintf("client clock off by %s", skew.Round(time.Second))
	}
	return true, "clock in sync"
}
