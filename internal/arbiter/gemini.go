package arbiter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"briefly/internal/core"
	"briefly/internal/logger"
)

// DefaultModel mirrors the teacher's lightweight default: arbitration
// prompts are short and don't need a larger model.
const DefaultModel = "gemini-flash-lite-latest"

// promptTemplate is the default arbiter's own prompt; exact wording is
// an implementation choice, not a protocol contract.
// It keeps the original's explicit SAME/DIFFERENT criteria and its
// crime-specific callout, since those catch the sharpest failure mode
// (two different crimes in the same city getting merged).
const promptTemplate = `Je beoordeelt of een nieuw artikel over hetzelfde nieuwsgebeurtenis gaat als een van de kandidaten hieronder, of dat het een nieuw gebeurtenis is.

NIEUW ARTIKEL:
%s

KANDIDATEN:
%s

Criteria voor HETZELFDE GEBEURTENIS:
- Dezelfde kernfeiten (wie, wat, waar, wanneer)
- Vervolgberichtgeving over dezelfde ontwikkeling
- Dezelfde direct betrokkenen

Criteria voor ANDERE GEBEURTENIS:
- Andere locatie of ander tijdstip
- Andere betrokkenen, ook al is het onderwerp vergelijkbaar
- Een nieuw incident in een terugkerende reeks (bijv. een nieuwe aanslag, een nieuw ongeval)

KRITIEK VOOR MISDRIJVEN: Andere slachtoffernamen OF andere steden = ALTIJD andere gebeurtenissen.

Antwoord met precies een van:
- NEW_EVENT
- EVENT_<nummer> (bijvoorbeeld EVENT_1 voor de eerste kandidaat)`

// RetryPolicy configures the bounded exponential backoff retry loop
// around arbitration calls.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Timeout    time.Duration
}

// DefaultRetryPolicy applies a conservative wall-clock timeout and a
// small bounded retry count.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 500 * time.Millisecond, Timeout: 10 * time.Second}
}

// GeminiArbiter is the default Arbiter, backed by google.golang.org/genai.
type GeminiArbiter struct {
	client *genai.Client
	model  string
	retry  RetryPolicy
}

// NewGeminiArbiter constructs an arbiter against an already-configured
// genai client, following the teacher's internal/llm.Client wiring
// (API key resolution and client construction happen once at startup,
// not per call).
func NewGeminiArbiter(client *genai.Client, model string, retry RetryPolicy) *GeminiArbiter {
	if model == "" {
		model = DefaultModel
	}
	return &GeminiArbiter{client: client, model: model, retry: retry}
}

func (a *GeminiArbiter) Arbitrate(ctx context.Context, article core.Article, candidates []Candidate) (Decision, error) {
	prompt := buildPrompt(article, candidates)

	var lastErr error
	for attempt := 0; attempt <= a.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := a.retry.BaseDelay << (attempt - 1)
			logger.Warn("arbiter retrying after failure", "attempt", attempt, "delay", delay.String(), "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return Decision{IsNewEvent: true}, ctx.Err()
			}
		}

		decision, err := a.attempt(ctx, prompt, candidates)
		if err == nil {
			return decision, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return Decision{IsNewEvent: true}, lastErr
}

func (a *GeminiArbiter) attempt(ctx context.Context, prompt string, candidates []Candidate) (Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.retry.Timeout)
	defer cancel()

	contents := []*genai.Content{{
		Parts: []*genai.Part{{Text: prompt}},
		Role:  "user",
	}}

	resp, err := a.client.Models.GenerateContent(callCtx, a.model, contents, nil)
	if err != nil {
		if callCtx.Err() != nil {
			return Decision{}, NewTimeoutError(fmt.Sprintf("arbiter call timed out: %v", err))
		}
		return Decision{}, NewResponseError(fmt.Sprintf("arbiter call failed: %v", err), true)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Decision{}, NewResponseError("empty arbiter response", true)
	}

	return parseDecision(text, candidates)
}

func buildPrompt(article core.Article, candidates []Candidate) string {
	var candidateLines strings.Builder
	for i, c := range candidates {
		fmt.Fprintf(&candidateLines, "KANDIDAAT %d (EVENT_%d): %s\n", i+1, i+1, c.Event.Title)
		for _, s := range c.Summaries {
			fmt.Fprintf(&candidateLines, "  - %s\n", s)
		}
	}
	articleDescription := article.Title
	if article.Summary != "" {
		articleDescription = fmt.Sprintf("%s\n%s", article.Title, article.Summary)
	}
	return fmt.Sprintf(promptTemplate, articleDescription, candidateLines.String())
}

var eventRefPattern = regexp.MustCompile(`EVENT_(\d+)`)

// parseDecision reads a NEW_EVENT / EVENT_k response. Anything it
// can't confidently parse (no EVENT_k reference, or one outside the
// candidate list) is a non-retryable response error rather than a
// silent "new event" decision, so the caller's fallback-to-highest-
// score logic (not this function) decides what happens next.
func parseDecision(text string, candidates []Candidate) (Decision, error) {
	upper := strings.ToUpper(text)
	if strings.Contains(upper, "NEW_EVENT") {
		return Decision{IsNewEvent: true}, nil
	}

	match := eventRefPattern.FindStringSubmatch(upper)
	if match == nil {
		return Decision{}, NewResponseError(fmt.Sprintf("unparseable arbiter response: %q", text), false)
	}
	idx, err := strconv.Atoi(match[1])
	if err != nil || idx < 1 || idx > len(candidates) {
		return Decision{}, NewResponseError(fmt.Sprintf("arbiter referenced out-of-range candidate: %q", text), false)
	}
	return Decision{IsNewEvent: false, EventID: candidates[idx-1].Event.ID}, nil
}
