// Package rating implements the AI rater over an OpenAI-compatible chat
// completions API. The model is instructed to answer with a JSON object only,
// so responses parse without prose stripping.
package rating

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/leeyy0/grantscraper/internal/grants"
)

// Config controls the rating client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client handles communication with the chat completions API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	logger     *zap.Logger
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// NewClient creates a rating client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		logger:     logger,
	}
}

// IsConfigured returns true if the client has valid configuration.
func (c *Client) IsConfigured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

const preliminarySystemPrompt = `You rate how well a funding opportunity fits a project.
Answer with a JSON object only: {"score": <integer 0-100>}.
Score 0 means no fit at all, 100 a perfect fit.`

// Preliminary scores one grant against the initiative using only the cheap
// listing data.
func (c *Client) Preliminary(ctx context.Context, grant grants.Grant, initiative grants.Initiative) (int, error) {
	user := fmt.Sprintf(
		"Project:\n%s\n\nGrant %q:\n%s",
		initiativeSummary(initiative), grant.Name, grant.CardBodyText,
	)
	content, err := c.chatCompletion(ctx, preliminarySystemPrompt, user, 128)
	if err != nil {
		return 0, err
	}
	var parsed struct {
		Score int `json:"score"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return 0, fmt.Errorf("parse preliminary score: %w", err)
	}
	if parsed.Score < 0 || parsed.Score > 100 {
		return 0, fmt.Errorf("preliminary score %d out of range", parsed.Score)
	}
	return parsed.Score, nil
}

const detailedSystemPrompt = `You analyze in depth how well a funding opportunity fits a project.
Answer with a JSON object only, using these fields:
{"match_rating": <integer 0-100>,
 "uncertainty_rating": <integer 0-100>,
 "short_description": "<one sentence>",
 "match_explanation": "<why the grant does or does not fit>",
 "uncertainty_explanation": "<what information is missing>"}`

// Detailed produces the full match analysis from the deep-fetched content.
func (c *Client) Detailed(ctx context.Context, grant grants.Grant, detail grants.Detail, initiative grants.Initiative) (grants.MatchResult, error) {
	content := detail.CardBodyText
	if content == "" {
		content = grant.CardBodyText
	}
	user := fmt.Sprintf(
		"Project:\n%s\n\nGrant %q:\n%s",
		initiativeSummary(initiative), grant.Name, content,
	)
	answer, err := c.chatCompletion(ctx, detailedSystemPrompt, user, 1024)
	if err != nil {
		return grants.MatchResult{}, err
	}
	var parsed struct {
		MatchRating            int    `json:"match_rating"`
		UncertaintyRating      int    `json:"uncertainty_rating"`
		ShortDescription       string `json:"short_description"`
		MatchExplanation       string `json:"match_explanation"`
		UncertaintyExplanation string `json:"uncertainty_explanation"`
	}
	if err := json.Unmarshal([]byte(answer), &parsed); err != nil {
		return grants.MatchResult{}, fmt.Errorf("parse match result: %w", err)
	}
	return grants.MatchResult{
		GrantURL:             grant.URL,
		InitiativeID:         initiative.ID,
		MatchRating:          parsed.MatchRating,
		UncertaintyRating:    parsed.UncertaintyRating,
		ShortDescription:     parsed.ShortDescription,
		MatchExplanation:     parsed.MatchExplanation,
		UncertaintyExplained: parsed.UncertaintyExplanation,
	}, nil
}

func (c *Client) chatCompletion(ctx context.Context, system, user string, maxTokens int) (string, error) {
	reqBody := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   maxTokens,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rating API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var chatResp chatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return strings.TrimSpace(chatResp.Choices[0].Message.Content), nil
}

func initiativeSummary(ini grants.Initiative) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\n", ini.Title)
	if ini.Goals != "" {
		fmt.Fprintf(&b, "Goals: %s\n", ini.Goals)
	}
	if ini.Audience != "" {
		fmt.Fprintf(&b, "Audience: %s\n", ini.Audience)
	}
	if ini.Costs != "" {
		fmt.Fprintf(&b, "Costs: %s\n", ini.Costs)
	}
	if ini.Stage != "" {
		fmt.Fprintf(&b, "Stage: %s\n", ini.Stage)
	}
	if ini.Demographic != "" {
		fmt.Fprintf(&b, "Demographic: %s\n", ini.Demographic)
	}
	if ini.Remarks != "" {
		fmt.Fprintf(&b, "Remarks: %s\n", ini.Remarks)
	}
	if ini.Organisation.Name != "" {
		fmt.Fprintf(&b, "Organisation: %s", ini.Organisation.Name)
		if ini.Organisation.MissionAndFocus != "" {
			fmt.Fprintf(&b, " (%s)", ini.Organisation.MissionAndFocus)
		}
		b.WriteString("\n")
	}
	return b.String()
}
