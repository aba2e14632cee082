// Package safety runs safety model(s) over request and response bodies and
// returns verdicts plus the actions they require. The engine is optional;
// when disabled every check passes immediately.
package safety

import (
	"context"
	"regexp"
	"strings"
	"time"

	"localrouter/pkg/logging"
)

// ActionKind is what a verdict requires of the caller.
type ActionKind string

const (
	ActionNotify ActionKind = "notify"
	ActionAsk    ActionKind = "ask"
	ActionBlock  ActionKind = "block"
)

// Verdict is one scanner's judgement on a body.
type Verdict struct {
	Scanner    string     `json:"scanner"`
	Safe       bool       `json:"safe"`
	Category   string     `json:"category,omitempty"`
	Confidence float64    `json:"confidence"`
	Action     ActionKind `json:"action,omitempty"` // set when Safe is false
}

// Result aggregates all verdicts for one scan.
type Result struct {
	IsSafe          bool         `json:"is_safe"`
	Verdicts        []Verdict    `json:"verdicts"`
	ActionsRequired []ActionKind `json:"actions_required"`
	TotalDurationMS int64        `json:"total_duration_ms"`
}

// Scanner judges one body. Implementations may call a safety model through
// the router; the built-in scanners are heuristic.
type Scanner interface {
	Name() string
	Scan(ctx context.Context, body string) Verdict
}

// Engine runs the configured scanners over request/response bodies.
type Engine struct {
	enabled  bool
	scanners []Scanner
}

// NewEngine creates an engine. A disabled engine passes everything.
func NewEngine(enabled bool, scanners ...Scanner) *Engine {
	if len(scanners) == 0 {
		scanners = []Scanner{promptInjectionScanner{}, secretLeakScanner{}}
	}
	return &Engine{enabled: enabled, scanners: scanners}
}

// Enabled reports whether scans run at all.
func (e *Engine) Enabled() bool { return e.enabled }

// CheckInput scans a request body before provider dispatch.
func (e *Engine) CheckInput(ctx context.Context, body string) Result {
	return e.check(ctx, body, "request")
}

// CheckOutput scans a final non-streaming response body. Streaming
// responses are not scanned inline.
func (e *Engine) CheckOutput(ctx context.Context, body string) Result {
	return e.check(ctx, body, "response")
}

func (e *Engine) check(ctx context.Context, body, direction string) Result {
	result := Result{IsSafe: true}
	if !e.enabled {
		return result
	}

	start := time.Now()
	for _, s := range e.scanners {
		v := s.Scan(ctx, body)
		result.Verdicts = append(result.Verdicts, v)
		if !v.Safe {
			result.IsSafe = false
			result.ActionsRequired = append(result.ActionsRequired, v.Action)
			logging.Warn("Safety", "Scanner %s flagged %s body: %s (action %s)", s.Name(), direction, v.Category, v.Action)
		}
	}
	result.TotalDurationMS = time.Since(start).Milliseconds()
	return result
}

// MostSevere returns the strongest required action, or "" when safe.
// Severity: block > ask > notify.
func (r Result) MostSevere() ActionKind {
	var out ActionKind
	for _, a := range r.ActionsRequired {
		switch a {
		case ActionBlock:
			return ActionBlock
		case ActionAsk:
			out = ActionAsk
		case ActionNotify:
			if out == "" {
				out = ActionNotify
			}
		}
	}
	return out
}

// promptInjectionScanner flags common injection phrasings in inputs.
type promptInjectionScanner struct{}

func (promptInjectionScanner) Name() string { return "prompt_injection" }

var injectionPhrases = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard your instructions",
	"you are now dan",
}

func (promptInjectionScanner) Scan(ctx context.Context, body string) Verdict {
	lower := strings.ToLower(body)
	for _, phrase := range injectionPhrases {
		if strings.Contains(lower, phrase) {
			return Verdict{
				Scanner:    "prompt_injection",
				Safe:       false,
				Category:   "prompt_injection",
				Confidence: 0.8,
				Action:     ActionAsk,
			}
		}
	}
	return Verdict{Scanner: "prompt_injection", Safe: true, Confidence: 0.8}
}

// secretLeakScanner flags obvious credential material.
type secretLeakScanner struct{}

func (secretLeakScanner) Name() string { return "secret_leak" }

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
}

func (secretLeakScanner) Scan(ctx context.Context, body string) Verdict {
	for _, re := range secretPatterns {
		if re.MatchString(body) {
			return Verdict{
				Scanner:    "secret_leak",
				Safe:       false,
				Category:   "credential_material",
				Confidence: 0.9,
				Action:     ActionBlock,
			}
		}
	}
	return Verdict{Scanner: "secret_leak", Safe: true, Confidence: 0.9}
}
