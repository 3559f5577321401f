// Package captcha talks to the verification service: it fetches problems,
// submits answers and checks service health.
package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	ProblemPath = "/api/captcha/problem"
	VerifyPath  = "/api/captcha/verify"
	HealthPath  = "/health"

	DefaultTimeout = 10 * time.Second
)

var (
	ErrMissingAPIKey   = errors.New("api key is required")
	ErrMissingEndpoint = errors.New("endpoint is required")
)

type Config struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Problem is a freshly issued puzzle.
type Problem struct {
	ClientToken string   `json:"clientToken"`
	ImageURL    string   `json:"imageUrl"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options"`
}

// Verdict is the verification service's answer to a submission.
type Verdict struct {
	Success        bool          `json:"success"`
	ClientToken    string        `json:"clientToken"`
	SelectedAnswer string        `json:"selectedAnswer"`
	Message        string        `json:"message,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
	ProcessingTime time.Duration `json:"processingTime"`
}

// APIError is a non-2xx response from the verification service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	endpoint, err := ValidateEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	return &Client{endpoint: endpoint, apiKey: cfg.APIKey, http: client}, nil
}

// ValidateEndpoint checks that raw is an absolute http(s) URL and returns it
// without a trailing slash.
func ValidateEndpoint(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrMissingEndpoint
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid endpoint %q: must be an absolute http(s) URL", raw)
	}
	return strings.TrimRight(raw, "/"), nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Problem requests a new puzzle and its client token.
func (c *Client) Problem(ctx context.Context) (*Problem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+ProblemPath, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", SanitizeHeader(c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch problem: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var p Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode problem: %w", err)
	}

	log.Debug().Int("options", len(p.Options)).Str("token", tokenPrefix(p.ClientToken)).Msg("Problem fetched")
	return &p, nil
}

type verifyRequest struct {
	Answer string `json:"answer"`
}

type verifyResponse struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// Verify submits the selected answer for the problem identified by token.
// Telemetry is not included; it travels separately as chunks.
func (c *Client) Verify(ctx context.Context, token, answer string) (*Verdict, error) {
	body, err := json.Marshal(verifyRequest{Answer: answer})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+VerifyPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Token", SanitizeHeader(token))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verify answer: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	elapsed := time.Since(start)

	v := &Verdict{
		Success:        vr.Result == "success",
		ClientToken:    token,
		SelectedAnswer: answer,
		Message:        vr.Message,
		Timestamp:      time.Now(),
		ProcessingTime: elapsed,
	}

	log.Info().
		Bool("success", v.Success).
		Str("token", tokenPrefix(token)).
		Dur("processing_time", elapsed).
		Msg("Answer verified")
	return v, nil
}

// Health checks that the service is reachable and accepts the API key.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+HealthPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+SanitizeHeader(c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	return checkResponse(resp)
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err != nil || body.Message == "" {
		body.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return &APIError{Status: resp.StatusCode, Message: body.Message}
}

// SanitizeHeader drops every non-ASCII character so the value is a legal
// header field.
func SanitizeHeader(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		if r <= 127 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return token
}
