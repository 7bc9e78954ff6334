package flowgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	tperrors "github.com/odvcencio/testpilot/pkg/errors"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 2 * time.Minute
	defaultMaxTokens   = 1000
	defaultTemperature = 0.7

	defaultRateLimit = rate.Limit(1)
	defaultBurstSize = 5
)

const systemPrompt = "You are an expert QA automation engineer. Generate test flows as valid JSON."

// Generator turns a natural-language testing request into concrete browser
// test flows via an OpenAI-compatible chat completion endpoint.
type Generator struct {
	apiKey      string
	baseURL     string
	model       string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

// GeneratorOptions tunes optional generator behavior.
type GeneratorOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// NewGenerator creates a flow generator.
func NewGenerator(apiKey string, baseURL string) *Generator {
	return NewGeneratorWithOptions(apiKey, baseURL, GeneratorOptions{})
}

func NewGeneratorWithOptions(apiKey string, baseURL string, opts GeneratorOptions) *Generator {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Generator{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		rateLimiter: rate.NewLimiter(defaultRateLimit, defaultBurstSize),
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// Available reports whether the generator has an API key configured.
func (g *Generator) Available() bool {
	return g.apiKey != ""
}

func (g *Generator) requireKey() error {
	if g.Available() {
		return nil
	}
	return tperrors.New(tperrors.ErrCodeFlowgenUnavailable, "flow generation API key not configured").
		WithRemediation(
			"Set the OPENAI_API_KEY environment variable",
			"Or set flowgen.api_key in the config file",
		)
}

// GenerateFlows asks the model for numFlows test flows covering the user's
// request. websiteURL is optional context. Entries missing any of the
// required fields are skipped; an entirely unusable response is an error.
func (g *Generator) GenerateFlows(ctx context.Context, prompt string, websiteURL string, numFlows int) ([]FlowSpec, error) {
	if err := g.requireKey(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, tperrors.New(tperrors.ErrCodeInvalidInput, "prompt must not be empty")
	}
	if numFlows <= 0 {
		numFlows = 5
	}

	req := chatRequest{
		Model: g.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildFlowPrompt(prompt, websiteURL, numFlows)},
		},
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}

	content, err := g.complete(ctx, req)
	if err != nil {
		return nil, err
	}

	flows, err := parseFlows(content)
	if err != nil {
		return nil, err
	}
	return flows, nil
}

// complete performs one chat completion call and returns the message content.
func (g *Generator) complete(ctx context.Context, req chatRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	if g.rateLimiter != nil {
		if err := g.rateLimiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", tperrors.Wrap(err, tperrors.ErrCodeFlowgenAPIError, "calling flow generation API")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		message := fmt.Sprintf("flow generation API returned %s", resp.Status)
		var errResp chatResponse
		if json.Unmarshal(raw, &errResp) == nil && errResp.Error != nil && errResp.Error.Message != "" {
			message = errResp.Error.Message
		}
		apiErr := tperrors.New(tperrors.ErrCodeFlowgenAPIError, message).
			WithContext("status_code", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			apiErr = apiErr.WithRetryable(true)
		}
		return "", apiErr
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", tperrors.Wrap(err, tperrors.ErrCodeFlowgenBadOutput, "decoding flow generation response")
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message.Content == "" {
		return "", tperrors.New(tperrors.ErrCodeFlowgenBadOutput, "empty response from flow generation model")
	}

	return chatResp.Choices[0].Message.Content, nil
}

// buildFlowPrompt produces the generation prompt sent as the user message.
func buildFlowPrompt(userPrompt string, websiteURL string, numFlows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly QA expert helping create browser tests. Generate %d practical test flows.\n\n", numFlows)
	fmt.Fprintf(&b, "USER REQUEST: %s\n\n", userPrompt)
	if websiteURL != "" {
		fmt.Fprintf(&b, "WEBSITE: %s\n\n", websiteURL)
	}
	fmt.Fprintf(&b, "Create %d different test scenarios that cover real user behavior and important functionality.\n\n", numFlows)
	b.WriteString(`For each test flow, provide:
- name: Clear, descriptive test name (under 50 characters)
- description: What this test validates (under 100 characters)
- instructions: Conversational, natural instructions as if talking to a human assistant

Write instructions like you're giving directions to a helpful person:
- Use casual, friendly language
- Be specific but not overly technical
- Focus on user goals, not technical implementation
- Include what to look for and verify

Return ONLY valid JSON:
[
  {
    "name": "User Login Flow",
    "description": "Verify login process and dashboard access",
    "instructions": "Please visit the homepage, look for the login or sign in button, and try logging in with valid credentials. Once you're logged in, check that the dashboard loads properly and shows the user's information."
  }
]

Focus on realistic user journeys:
- Account access and authentication
- Core feature usage and navigation
- Form submissions and data entry
- Search, filtering, and content discovery
- Error handling and edge cases

Make instructions sound natural and conversational, like you're asking a colleague to help test the site.`)
	return b.String()
}

// parseFlows extracts the flow list from model output, tolerating fenced
// code blocks around the JSON.
func parseFlows(content string) ([]FlowSpec, error) {
	cleaned := stripCodeFences(content)

	var raw []map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, tperrors.Wrap(err, tperrors.ErrCodeFlowgenBadOutput, "model returned invalid JSON")
	}

	flows := make([]FlowSpec, 0, len(raw))
	for _, entry := range raw {
		name, _ := entry["name"].(string)
		description, _ := entry["description"].(string)
		instructions, _ := entry["instructions"].(string)
		if name == "" || description == "" || instructions == "" {
			continue
		}
		flows = append(flows, FlowSpec{
			Name:         name,
			Description:  description,
			Instructions: instructions,
		})
	}

	if len(flows) == 0 {
		return nil, tperrors.New(tperrors.ErrCodeFlowgenBadOutput, "no valid flows in model response")
	}
	return flows, nil
}

// stripCodeFences removes a surrounding markdown code fence if present.
func stripCodeFences(content string) string {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = cleaned[len("```json"):]
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = cleaned[len("```"):]
	}
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	return strings.TrimSpace(cleaned)
}
