// Package backend is the HTTP client for the task service that runs
// conversations and owns the authoritative task list.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/taskdesk/internal/apperr"
	"github.com/ashureev/taskdesk/internal/domain"
)

const maxErrorBody = 4 << 10

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client talks JSON to the task service. Deadlines come from the caller's
// context.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client for the service rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL: u.String(),
		http:    &http.Client{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ConversationRequest is the body of a conversation turn.
type ConversationRequest struct {
	Message       string   `json:"message"`
	Email         string   `json:"email"`
	SelectedTools []string `json:"selected_tools"`
}

// ConversationReply is the response to a draft conversation turn.
// Status and State are only set when the service reports them.
type ConversationReply struct {
	SessionID string            `json:"session_id"`
	Messages  []domain.Message  `json:"messages"`
	Response  string            `json:"response"`
	Status    domain.TaskStatus `json:"status"`
	State     *int              `json:"state"`
}

// MessagesReply carries a task's full message sequence.
type MessagesReply struct {
	Messages []domain.Message `json:"messages"`
}

type completeRequest struct {
	Email string `json:"email"`
}

// CreateOrContinueConversation posts a draft turn. An empty sessionID starts
// a new session.
func (c *Client) CreateOrContinueConversation(ctx context.Context, sessionID string, req ConversationRequest) (*ConversationReply, error) {
	path := "/tasks"
	if sessionID != "" {
		path += "?session_id=" + url.QueryEscape(sessionID)
	}
	var reply ConversationReply
	if err := c.do(ctx, http.MethodPost, path, normalize(req), &reply); err != nil {
		return nil, fmt.Errorf("create or continue conversation: %w", err)
	}
	return &reply, nil
}

// PostTaskMessage posts a turn to an existing task.
func (c *Client) PostTaskMessage(ctx context.Context, taskID string, req ConversationRequest) (*MessagesReply, error) {
	var reply MessagesReply
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/messages", normalize(req), &reply); err != nil {
		return nil, fmt.Errorf("post task message: %w", err)
	}
	return &reply, nil
}

// GetTaskMessages returns the stored conversation of a task.
func (c *Client) GetTaskMessages(ctx context.Context, taskID string) (*MessagesReply, error) {
	var reply MessagesReply
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/messages", nil, &reply); err != nil {
		return nil, fmt.Errorf("get task messages: %w", err)
	}
	return &reply, nil
}

// ListTasks returns every task owned by userID in service order.
func (c *Client) ListTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	var wire []taskWire
	if err := c.do(ctx, http.MethodGet, "/tasks?email="+url.QueryEscape(userID), nil, &wire); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]domain.Task, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toDomain())
	}
	return out, nil
}

// CompleteTask marks a task complete on the service.
func (c *Client) CompleteTask(ctx context.Context, taskID, userID string) error {
	if err := c.do(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/complete", completeRequest{Email: userID}, nil); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("backend request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &apperr.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func normalize(req ConversationRequest) ConversationRequest {
	if req.SelectedTools == nil {
		req.SelectedTools = []string{}
	}
	return req
}
