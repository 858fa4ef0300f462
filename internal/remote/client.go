// Package remote starts a bot run on GitHub Actions through a
// workflow_dispatch event.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/botpilot/botpilot/internal/answers"
	"github.com/botpilot/botpilot/internal/bots"
	"github.com/botpilot/botpilot/internal/config"
	"github.com/botpilot/botpilot/internal/telemetry"
)

const (
	// DefaultBaseURL is the GitHub REST API root.
	DefaultBaseURL = "https://api.github.com"
	// DefaultTimeout bounds one dispatch request.
	DefaultTimeout = 30 * time.Second
	// fallbackTokenEnv is consulted when the configured variable is empty.
	fallbackTokenEnv = "GH_TOKEN"
	// maxErrorBody bounds how much of a failed response is quoted.
	maxErrorBody = 2048
)

// ErrNoToken is returned when no GitHub token is available.
var ErrNoToken = errors.New("github token not set")

// APIError is a non-2xx dispatch response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("github API error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("github API error (status %d): %s", e.StatusCode, body)
}

// Client dispatches the configured workflow.
type Client struct {
	baseURL    string
	owner      string
	repo       string
	workflow   string
	ref        string
	duration   int
	token      string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithToken sets the token instead of reading it from the environment.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// NewClient builds a client from cfg. The token comes from cfg.TokenEnv, then
// GH_TOKEN.
func NewClient(cfg config.RemoteConfig, options ...Option) (*Client, error) {
	c := &Client{
		baseURL:    DefaultBaseURL,
		owner:      strings.TrimSpace(cfg.Owner),
		repo:       strings.TrimSpace(cfg.Repo),
		workflow:   strings.TrimSpace(cfg.Workflow),
		ref:        strings.TrimSpace(cfg.Ref),
		duration:   cfg.DurationMinutes,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(c)
	}
	if c.owner == "" || c.repo == "" {
		return nil, errors.New("remote owner and repo must be configured")
	}
	if c.workflow == "" {
		return nil, errors.New("remote workflow must be configured")
	}
	if c.ref == "" {
		c.ref = "main"
	}
	if c.token == "" {
		for _, key := range []string{strings.TrimSpace(cfg.TokenEnv), fallbackTokenEnv} {
			if key == "" {
				continue
			}
			if value := strings.TrimSpace(os.Getenv(key)); value != "" {
				c.token = value
				break
			}
		}
	}
	if c.token == "" {
		return nil, fmt.Errorf("%w: set %s or %s", ErrNoToken, cfg.TokenEnv, fallbackTokenEnv)
	}
	return c, nil
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs"`
}

// Trigger dispatches one run of bot replaying answers.
func (c *Client) Trigger(ctx context.Context, bot bots.Bot, replies []string) error {
	if c == nil {
		return errors.New("remote client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer("botpilot/remote").Start(ctx, "remote.trigger", trace.WithAttributes(
		attribute.String("bot", bot.Name),
		attribute.String("workflow", c.workflow),
		attribute.String("ref", c.ref),
		attribute.Int("answer_count", len(replies)),
	))
	defer span.End()

	err := c.dispatch(ctx, bot, replies)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, telemetry.Redact(err.Error()))
		return err
	}
	span.SetStatus(codes.Ok, "workflow dispatched")
	return nil
}

func (c *Client) dispatch(ctx context.Context, bot bots.Bot, replies []string) error {
	encoded, err := answers.Encode(replies)
	if err != nil {
		return err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, encoded); err != nil {
		return fmt.Errorf("compact answers: %w", err)
	}

	payload, err := json.Marshal(dispatchRequest{
		Ref: c.ref,
		Inputs: map[string]string{
			"bot_name":         bot.Name,
			"bot_path":         bot.Dir,
			"bot_type":         bot.Type,
			"answers":          compact.String(),
			"duration_minutes": strconv.Itoa(c.duration),
		},
	})
	if err != nil {
		return fmt.Errorf("marshaling request body: %w", err)
	}

	endpoint := fmt.Sprintf("%s/repos/%s/%s/actions/workflows/%s/dispatches",
		c.baseURL, url.PathEscape(c.owner), url.PathEscape(c.repo), url.PathEscape(c.workflow))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch %s: %w", c.workflow, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
