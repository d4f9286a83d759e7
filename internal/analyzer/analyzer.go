// Package analyzer turns a unified diff into structured review feedback.
// Heuristic pattern checks always run; an optional LLM pass enriches them.
// The analyzer never fails the caller: when the LLM is unavailable or
// rate-limited it degrades to the heuristic-only result.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Issue is one finding in the diff.
type Issue struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Result is the full analysis outcome.
type Result struct {
	Summary   string   `json:"summary"`
	Issues    []Issue  `json:"issues"`
	Positives []string `json:"positives"`
	Degraded  bool     `json:"degraded"` // true when the LLM pass was skipped
}

// LLMConfig points at an OpenAI-compatible chat completion endpoint.
// Empty Endpoint disables the LLM pass entirely.
type LLMConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	// RequestsPerMinute smooths bursts against the provider; 0 means 30.
	RequestsPerMinute int
}

// Analyzer runs heuristic checks plus the optional LLM pass.
type Analyzer struct {
	cfg     LLMConfig
	client  *http.Client
	limiter *rate.Limiter
}

// New creates an analyzer.
func New(cfg LLMConfig) *Analyzer {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Analyzer{
		cfg:     cfg,
		client:  &http.Client{Timeout: 60 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60), 1),
	}
}

// Analyze inspects the diff. It always returns a usable Result.
func (a *Analyzer) Analyze(ctx context.Context, diff string) Result {
	res := heuristics(diff)
	if a.cfg.Endpoint == "" {
		res.Degraded = true
		return res
	}
	if !a.limiter.Allow() {
		log.Printf("[ANALYZER] llm pass skipped: client-side rate limit")
		res.Degraded = true
		return res
	}
	llm, err := a.askLLM(ctx, diff)
	if err != nil {
		log.Printf("[ANALYZER] llm pass failed, using heuristics only: %v", err)
		res.Degraded = true
		return res
	}
	if llm.Summary != "" {
		res.Summary = llm.Summary
	}
	res.Issues = append(res.Issues, llm.Issues...)
	res.Positives = append(res.Positives, llm.Positives...)
	return res
}

var (
	debugPattern  = regexp.MustCompile(`(?i)\b(console\.log|fmt\.Println|print\(|println!|debugger)\b`)
	todoPattern   = regexp.MustCompile(`(?i)\b(TODO|FIXME|XXX|HACK)\b`)
	secretPattern = regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|token)\s*[:=]\s*['"][^'"]{4,}['"]|AKIA[0-9A-Z]{16}`)
)

// largeDiffLines is the added-line count past which reviewability suffers.
const largeDiffLines = 1000

// heuristics scans added lines for common review findings.
func heuristics(diff string) Result {
	var res Result
	var file string
	var newLine int
	added := 0

	for _, raw := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(raw, "+++ b/"):
			file = strings.TrimPrefix(raw, "+++ b/")
		case strings.HasPrefix(raw, "@@"):
			newLine = hunkNewStart(raw)
		case strings.HasPrefix(raw, "+") && !strings.HasPrefix(raw, "+++"):
			added++
			line := raw[1:]
			if debugPattern.MatchString(line) {
				res.Issues = append(res.Issues, Issue{File: file, Line: newLine, Severity: "warning", Message: "possible leftover debug statement"})
			}
			if todoPattern.MatchString(line) {
				res.Issues = append(res.Issues, Issue{File: file, Line: newLine, Severity: "info", Message: "unresolved TODO/FIXME marker"})
			}
			if secretPattern.MatchString(line) {
				res.Issues = append(res.Issues, Issue{File: file, Line: newLine, Severity: "error", Message: "possible hardcoded credential"})
			}
			newLine++
		case strings.HasPrefix(raw, "-") && !strings.HasPrefix(raw, "---"):
			// removed line: new-file line number does not advance
		default:
			newLine++
		}
	}

	if added > largeDiffLines {
		res.Issues = append(res.Issues, Issue{Severity: "info", Message: fmt.Sprintf("large change (%d added lines); consider splitting", added)})
	}
	if len(res.Issues) == 0 {
		res.Positives = append(res.Positives, "no heuristic findings")
	}
	res.Summary = fmt.Sprintf("%d added line(s), %d finding(s)", added, len(res.Issues))
	return res
}

var hunkPattern = regexp.MustCompile(`\+(\d+)`)

func hunkNewStart(header string) int {
	m := hunkPattern.FindStringSubmatch(header)
	if len(m) != 2 {
		return 0
	}
	var n int
	fmt.Sscanf(m[1], "%d", &n)
	return n
}

const llmPrompt = `You are a code reviewer. Given a unified diff, respond with JSON:
{"summary": "...", "issues": [{"file": "...", "line": 1, "severity": "info|warning|error", "message": "..."}], "positives": ["..."]}`

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (a *Analyzer) askLLM(ctx context.Context, diff string) (Result, error) {
	body, err := json.Marshal(chatRequest{
		Model: a.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: llmPrompt},
			{Role: "user", Content: diff},
		},
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("llm status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	var chat chatResponse
	if err := json.Unmarshal(data, &chat); err != nil {
		return Result{}, err
	}
	if len(chat.Choices) == 0 {
		return Result{}, fmt.Errorf("llm returned no choices")
	}
	var out Result
	if err := json.Unmarshal([]byte(chat.Choices[0].Message.Content), &out); err != nil {
		return Result{}, fmt.Errorf("llm content not parseable: %w", err)
	}
	return out, nil
}
