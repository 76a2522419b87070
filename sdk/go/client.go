package statelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Stateline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// ProjectMeta is the API project metadata model.
type ProjectMeta struct {
	CurrentState string `json:"currentState"`
	Version      int    `json:"version"`
	CreatedAt    string `json:"createdAt"`
	UpdatedAt    string `json:"updatedAt"`
	Name         string `json:"name,omitempty"`
}

// TransitionOptions lists the stages reachable from the current one.
type TransitionOptions struct {
	CurrentState string   `json:"current_state"`
	Normal       []string `json:"normal"`
	SkipTo       []string `json:"skip_to"`
	Recovery     []string `json:"recovery"`
}

// Checkpoint is the API checkpoint model (partial; section payloads are
// caller-defined).
type Checkpoint struct {
	ID        string `json:"id"`
	Stage     string `json:"stage"`
	Timestamp string `json:"timestamp"`
	Metadata  struct {
		Trigger     string `json:"trigger"`
		Reason      string `json:"reason,omitempty"`
		OperationID string `json:"operationId,omitempty"`
	} `json:"metadata"`
}

// AuditEntry is one recovery audit record.
type AuditEntry struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"projectId"`
	Type        string         `json:"type"`
	Timestamp   string         `json:"timestamp"`
	FromState   string         `json:"fromState,omitempty"`
	ToState     string         `json:"toState,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	PerformedBy string         `json:"performedBy,omitempty"`
}

// HistoryEntry is one snapshot in a section's history chain.
type HistoryEntry struct {
	ID          string `json:"id"`
	Value       any    `json:"value"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description,omitempty"`
	PreviousID  string `json:"previousId,omitempty"`
}

// HistoryChain is a section's full history.
type HistoryChain struct {
	ProjectID string         `json:"projectId"`
	Section   string         `json:"section"`
	CurrentID string         `json:"currentId"`
	Entries   []HistoryEntry `json:"entries"`
}

// SkipResult reports what a skip did.
type SkipResult struct {
	Meta         ProjectMeta `json:"meta"`
	Bypassed     []string    `json:"bypassed"`
	CheckpointID string      `json:"checkpoint_id,omitempty"`
}

// RecoverResult reports a recovery or override transition.
type RecoverResult struct {
	Meta         ProjectMeta `json:"meta"`
	CheckpointID string      `json:"checkpoint_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InitializeProject creates the project tracked by this client.
func (c *Client) InitializeProject(ctx context.Context, name, initialState string) (ProjectMeta, error) {
	body := map[string]any{
		"id":            c.ProjectID,
		"name":          name,
		"initial_state": initialState,
	}
	var resp ProjectMeta
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// GetMeta returns the project metadata.
func (c *Client) GetMeta(ctx context.Context) (ProjectMeta, error) {
	var resp ProjectMeta
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// DeleteProject removes the project and all associated data.
func (c *Client) DeleteProject(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, c.projectPath(""), nil, nil)
}

// GetState reads a section's state.
func (c *Client) GetState(ctx context.Context, section string, allowMissing bool) (any, error) {
	endpoint := c.projectPath("state/" + url.PathEscape(section))
	if allowMissing {
		endpoint += "?allow_missing=true"
	}
	var resp struct {
		Value any `json:"value"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Value, err
}

// SetState fully replaces a section's state.
func (c *Client) SetState(ctx context.Context, section string, value any, description string) error {
	body := map[string]any{
		"value":       value,
		"description": description,
	}
	endpoint := c.projectPath("state/" + url.PathEscape(section))
	return c.do(ctx, http.MethodPut, endpoint, body, nil)
}

// UpdateState shallow-merges a patch into a section's state and returns
// the merged value.
func (c *Client) UpdateState(ctx context.Context, section string, patch map[string]any, description string) (any, error) {
	body := map[string]any{
		"patch":       patch,
		"description": description,
	}
	var resp struct {
		Value any `json:"value"`
	}
	endpoint := c.projectPath("state/" + url.PathEscape(section))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp.Value, err
}

// Transition moves the project along a normal forward edge.
func (c *Client) Transition(ctx context.Context, to string) (ProjectMeta, error) {
	var resp ProjectMeta
	err := c.do(ctx, http.MethodPost, c.projectPath("transition"), map[string]any{"to": to}, &resp)
	return resp, err
}

// TransitionOptions lists the stages reachable from the current one.
func (c *Client) TransitionOptions(ctx context.Context) (TransitionOptions, error) {
	var resp TransitionOptions
	err := c.do(ctx, http.MethodGet, c.projectPath("transitions"), nil, &resp)
	return resp, err
}

// SkipTo jumps the project directly to a later stage.
func (c *Client) SkipTo(ctx context.Context, target, reason string, forceSkipRequired bool, approvedBy string) (SkipResult, error) {
	body := map[string]any{
		"target":              target,
		"reason":              reason,
		"force_skip_required": forceSkipRequired,
		"approved_by":         approvedBy,
	}
	var resp SkipResult
	err := c.do(ctx, http.MethodPost, c.projectPath("skip"), body, &resp)
	return resp, err
}

// RecoverTo moves the project backward along a recovery edge.
func (c *Client) RecoverTo(ctx context.Context, target, reason string) (RecoverResult, error) {
	body := map[string]any{
		"target": target,
		"reason": reason,
	}
	var resp RecoverResult
	err := c.do(ctx, http.MethodPost, c.projectPath("recover"), body, &resp)
	return resp, err
}

// AdminOverride forces a transition outside the rule table.
func (c *Client) AdminOverride(ctx context.Context, targetState, reason, authorizedBy string) (RecoverResult, error) {
	body := map[string]any{
		"target_state":  targetState,
		"reason":        reason,
		"authorized_by": authorizedBy,
	}
	var resp RecoverResult
	err := c.do(ctx, http.MethodPost, c.projectPath("override"), body, &resp)
	return resp, err
}

// Checkpoints lists checkpoints, newest first.
func (c *Client) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	var resp struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("checkpoints"), nil, &resp)
	return resp.Checkpoints, err
}

// CreateCheckpoint takes a manual checkpoint.
func (c *Client) CreateCheckpoint(ctx context.Context, reason string) (Checkpoint, error) {
	var resp Checkpoint
	err := c.do(ctx, http.MethodPost, c.projectPath("checkpoints"), map[string]any{"reason": reason}, &resp)
	return resp, err
}

// RestoreCheckpoint rewrites the project from a stored snapshot.
func (c *Client) RestoreCheckpoint(ctx context.Context, checkpointID string) (ProjectMeta, error) {
	var resp ProjectMeta
	endpoint := c.projectPath(fmt.Sprintf("checkpoints/%s/restore", url.PathEscape(checkpointID)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AuditLog returns the recovery audit log, newest first.
func (c *Client) AuditLog(ctx context.Context) ([]AuditEntry, error) {
	var resp struct {
		Entries []AuditEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("audit"), nil, &resp)
	return resp.Entries, err
}

// History returns a section's history chain.
func (c *Client) History(ctx context.Context, section string) (HistoryChain, error) {
	var resp HistoryChain
	endpoint := c.projectPath("history/" + url.PathEscape(section))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v0/projects/%s", project)
	}
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
