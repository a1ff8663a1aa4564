// Package ai produces reply suggestions for a received chat message. The
// relay only forwards the message text and a tone; prompt wording and model
// choice stay inside this package.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/cosmicmatch/chatrelay/internal/message"
	"github.com/cosmicmatch/chatrelay/internal/ratelimit"
)

const (
	// DefaultTone is used when the client sends none or an unsupported one.
	DefaultTone = "flirty"

	maxReplies = 3
)

var tones = map[string]struct{}{
	"flirty":   {},
	"funny":    {},
	"friendly": {},
	"curious":  {},
	"romantic": {},
	"casual":   {},
}

var (
	// ErrQuotaExceeded is returned when the user used up today's suggestions.
	ErrQuotaExceeded = errors.New("ai: daily quota exceeded")

	// ErrDisabled is returned by the suggester used when no provider is
	// configured.
	ErrDisabled = errors.New("ai: suggestions disabled")

	// ErrEmptyResponse is returned when the provider produced no usable reply.
	ErrEmptyResponse = errors.New("ai: empty response")
)

// Suggestions are candidate replies plus what is left of the daily quota.
type Suggestions struct {
	Replies        []string
	RemainingToday int
}

// Suggester generates replies to original on behalf of userID.
type Suggester interface {
	Suggest(ctx context.Context, userID string, original *message.Message, tone string) (*Suggestions, error)
}

// Counter counts quota usage. *ratelimit.Limiter satisfies it.
type Counter interface {
	Take(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Result, error)
}

// NormalizeTone maps a client-supplied tone onto a supported one.
func NormalizeTone(tone string) string {
	t := strings.ToLower(strings.TrimSpace(tone))
	if _, ok := tones[t]; ok {
		return t
	}
	return DefaultTone
}

// Disabled is a Suggester that always fails with ErrDisabled.
type Disabled struct{}

func (Disabled) Suggest(context.Context, string, *message.Message, string) (*Suggestions, error) {
	return nil, ErrDisabled
}

// OpenRouterConfig configures the OpenRouter chat-completions client.
type OpenRouterConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	Quota   ratelimit.Rule
}

// DefaultOpenRouterConfig returns sensible defaults; APIKey must be set.
func DefaultOpenRouterConfig() OpenRouterConfig {
	return OpenRouterConfig{
		Model:   "openai/gpt-4o-mini",
		BaseURL: "https://openrouter.ai/api/v1",
		Timeout: 20 * time.Second,
		Quota:   ratelimit.RuleAISuggest,
	}
}

// OpenRouter asks an OpenRouter-hosted model for reply suggestions.
type OpenRouter struct {
	config     OpenRouterConfig
	httpClient *http.Client
	quota      Counter
}

// NewOpenRouter creates a client. A nil quota disables the daily limit.
func NewOpenRouter(config OpenRouterConfig, quota Counter) *OpenRouter {
	return &OpenRouter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		quota:      quota,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

const systemPrompt = `You help someone reply in a dating app chat. Write exactly 3 short reply options ` +
	`to the message you are given, in the requested tone. One reply per line, no numbering, no quotes.`

// Suggest counts one use against the user's daily quota and asks the model
// for replies.
func (o *OpenRouter) Suggest(ctx context.Context, userID string, original *message.Message, tone string) (*Suggestions, error) {
	remaining := o.config.Quota.Limit
	if o.quota != nil {
		res, err := o.quota.Take(ctx, userID, o.config.Quota)
		if err == nil && !res.Allowed {
			return nil, ErrQuotaExceeded
		}
		remaining = res.Remaining
	}

	payload, err := json.Marshal(chatRequest{
		Model: o.config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Tone: %s\nMessage: %s", NormalizeTone(tone), original.Content)},
		},
		Temperature: 0.9,
	})
	if err != nil {
		return nil, fmt.Errorf("ai: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("ai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.config.APIKey)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai: chat request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("ai: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ai: provider returned %d", resp.StatusCode)
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return nil, fmt.Errorf("ai: parse response: %w", err)
	}
	if len(chat.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	replies := parseReplies(chat.Choices[0].Message.Content)
	if len(replies) == 0 {
		return nil, ErrEmptyResponse
	}
	return &Suggestions{Replies: replies, RemainingToday: remaining}, nil
}

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])?\s*`)

// parseReplies splits model output into at most maxReplies lines, removing
// list markers and wrapping quotes the model adds despite instructions.
func parseReplies(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		line = strings.Trim(strings.TrimSpace(line), `"“”' `)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == maxReplies {
			break
		}
	}
	return out
}
