package policy

import "fmt"

type Verdict string

const (
	Allow Verdict = "ALLOW"
	Deny  Verdict = "DENY"
)

// Reason 是拒绝命令的原因分类，用于日志和指标
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonOperatorInjection Reason = "operator-injection"
	ReasonEscapeSequence    Reason = "escape-sequence"
	ReasonPathTraversal     Reason = "path-traversal"
	ReasonDangerousCommand  Reason = "dangerous-command"
	ReasonUnmatched         Reason = "unmatched"
)

// Decision is the classification of one command line.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  Reason  `json:"reason,omitempty"`
	// Rule 是命中的规则名（允许规则或拒绝检查）
	Rule string `json:"rule,omitempty"`
}

func (d Decision) Allowed() bool { return d.Verdict == Allow }

func (d Decision) String() string {
	if d.Allowed() {
		if d.Rule == "" {
			return string(Allow)
		}
		return fmt.Sprintf("%s (%s)", Allow, d.Rule)
	}
	return fmt.Sprintf("%s (%s: %s)", Deny, d.Reason, d.Rule)
}

// DeniedError is returned by callers that surface a denied line as an error.
type DeniedError struct {
	Line     string
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("command denied (%s): %q", e.Decision.Reason, e.Line)
}

func (e *DeniedError) Unwrap() error { return ErrCommandDenied }
