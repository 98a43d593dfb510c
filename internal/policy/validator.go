package policy

import (
	"log/slog"
	"strings"
)

// MaxLineLength 超过该长度的命令行直接拒绝
const MaxLineLength = 1024

// Validator classifies submitted command lines. It is safe for concurrent use.
type Validator struct {
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logger.With("component", "command-validator")}
}

// Validate classifies line and logs the outcome.
func (v *Validator) Validate(line string) Decision {
	d := Validate(line)
	if d.Allowed() {
		v.logger.Debug("Command allowed", "command", line, "rule", d.Rule)
	} else {
		v.logger.Warn("Command denied", "command", line, "reason", d.Reason, "rule", d.Rule)
	}
	return d
}

// Validate applies the allow-then-deny policy:
//
//  1. empty input is allowed
//  2. the first matching allow rule wins
//  3. container-escape indicators
//  4. path traversal
//  5. shell operators
//  6. dangerous command patterns
//  7. everything else is denied
//
// Allow rules validate every argument, so a line that matches one can never
// carry an operator, a traversal or an absolute path.
func Validate(line string) Decision {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Decision{Verdict: Allow, Rule: "empty"}
	}
	if len(trimmed) > MaxLineLength {
		return deny(ReasonUnmatched, "too-long")
	}

	fields := strings.Fields(trimmed)
	program, args := fields[0], fields[1:]

	if localBinary.MatchString(program) && runLocalArgs(args) {
		return Decision{Verdict: Allow, Rule: "run-local"}
	}
	for _, r := range allowRules {
		if r.match(program, args) {
			return Decision{Verdict: Allow, Rule: r.name}
		}
	}

	lower := strings.ToLower(trimmed)
	for _, ind := range escapeIndicators {
		if strings.Contains(lower, ind) {
			return deny(ReasonEscapeSequence, ind)
		}
	}
	for _, f := range fields {
		for _, w := range escapeWords {
			if strings.ToLower(f) == w {
				return deny(ReasonEscapeSequence, w)
			}
		}
	}

	for _, f := range fields {
		if f == ".." || strings.Contains(f, "../") || strings.HasSuffix(f, "/..") {
			return deny(ReasonPathTraversal, "../")
		}
	}

	for _, op := range operators {
		if strings.Contains(trimmed, op) {
			return deny(ReasonOperatorInjection, op)
		}
	}

	for _, p := range dangerousPatterns {
		if p.re.MatchString(trimmed) {
			return deny(ReasonDangerousCommand, p.name)
		}
	}

	return deny(ReasonUnmatched, "default-deny")
}

func deny(reason Reason, rule string) Decision {
	return Decision{Verdict: Deny, Reason: reason, Rule: rule}
}
