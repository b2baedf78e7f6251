package phonepilot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the PhonePilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents the password grant used to obtain access tokens.
type Credentials struct {
	GrantType string `json:"grant_type,omitempty"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

// Token represents an issued access token.
type Token struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
}

// RunSubmission represents the payload required to create a new run.
type RunSubmission struct {
	ID          string         `json:"id,omitempty"`
	Instruction string         `json:"instruction"`
	DeviceID    string         `json:"device_id"`
	StepBudget  int            `json:"step_budget,omitempty"`
	Locale      string         `json:"locale,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunOutcome summarises a finished run.
type RunOutcome struct {
	FinalStatus   string `json:"final_status"`
	Reason        string `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	StepCount     int    `json:"step_count"`
	LastStepIndex int    `json:"last_step_index"`
}

// Run contains the full state of a submitted run.
type Run struct {
	ID          string         `json:"id"`
	Instruction string         `json:"instruction"`
	DeviceID    string         `json:"device_id"`
	StepBudget  int            `json:"step_budget"`
	Locale      string         `json:"locale,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Status      string         `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxRetries  int            `json:"max_retries"`
	LastError   string         `json:"last_error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	Result      *RunOutcome    `json:"result,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// Finished reports whether the run reached a terminal state.
func (r Run) Finished() bool {
	switch r.Status {
	case "completed", "aborted", "failed":
		return true
	default:
		return false
	}
}

// Device describes a registered device and its lock state.
type Device struct {
	DeviceID string `json:"device_id"`
	Kind     string `json:"kind"`
	Locked   bool   `json:"locked"`
}

// PendingDecision describes a run suspended on a human decision.
type PendingDecision struct {
	RunID       string    `json:"run_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Since       time.Time `json:"since"`
}

// TranscriptEntry is one line of a run transcript.
type TranscriptEntry struct {
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Message   json.RawMessage `json:"message"`
}

// ListQuery filters ListRuns calls. Zero values are omitted.
type ListQuery struct {
	Status   string
	DeviceID string
	Limit    int
	Offset   int
	Query    string
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("phonepilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("phonepilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the PhonePilot API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges credentials for an access token and stores it for
// subsequent calls. Deployments using static tokens should call SetAccessToken
// instead.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitRun creates a new run.
func (c *Client) SubmitRun(ctx context.Context, submission RunSubmission) (Run, error) {
	var record Run
	if err := c.post(ctx, "/api/v1/runs", submission, &record, true); err != nil {
		return Run{}, err
	}
	return record, nil
}

// GetRun fetches run state by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var record Run
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID), &record, true); err != nil {
		return Run{}, err
	}
	return record, nil
}

// ListRuns fetches runs matching the query.
func (c *Client) ListRuns(ctx context.Context, query ListQuery) ([]Run, error) {
	values := url.Values{}
	if query.Status != "" {
		values.Set("status", query.Status)
	}
	if query.DeviceID != "" {
		values.Set("device_id", query.DeviceID)
	}
	if query.Limit > 0 {
		values.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Offset > 0 {
		values.Set("offset", strconv.Itoa(query.Offset))
	}
	if query.Query != "" {
		values.Set("q", query.Query)
	}
	endpoint := "/api/v1/runs"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var records []Run
	if err := c.get(ctx, endpoint, &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// Confirm submits the decision for a run suspended on a sensitive action.
func (c *Client) Confirm(ctx context.Context, runID string, approved bool) error {
	payload := struct {
		Approved bool `json:"approved"`
	}{Approved: approved}
	return c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/confirmation", payload, nil, true)
}

// CompleteTakeover signals that manual intervention finished and the run may
// resume.
func (c *Client) CompleteTakeover(ctx context.Context, runID string) error {
	return c.post(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/takeover", struct{}{}, nil, true)
}

// PendingDecisions lists all runs currently suspended on a human decision.
func (c *Client) PendingDecisions(ctx context.Context) ([]PendingDecision, error) {
	var pending []PendingDecision
	if err := c.get(ctx, "/api/v1/gates", &pending, true); err != nil {
		return nil, err
	}
	return pending, nil
}

// Devices lists registered devices and their lock state.
func (c *Client) Devices(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := c.get(ctx, "/api/v1/devices", &devices, true); err != nil {
		return nil, err
	}
	return devices, nil
}

// Transcript fetches the recorded trajectory of a run.
func (c *Client) Transcript(ctx context.Context, runID string) ([]TranscriptEntry, error) {
	var entries []TranscriptEntry
	if err := c.get(ctx, "/api/v1/runs/"+url.PathEscape(runID)+"/transcript", &entries, true); err != nil {
		return nil, err
	}
	return entries, nil
}

// WaitForRun polls until the run reaches a terminal state or the context is
// cancelled.
func (c *Client) WaitForRun(ctx context.Context, runID string, interval time.Duration) (Run, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		record, err := c.GetRun(ctx, runID)
		if err != nil {
			return Run{}, err
		}
		if record.Finished() {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return Run{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		// A stored token is optional: deployments may run with auth disabled.
		if token := c.AccessToken(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
