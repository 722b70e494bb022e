package smartopsdk

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client is a minimal Smartop HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	Timeout     time.Duration
	RetryCount  int

	http *resty.Client
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		RetryCount: 2,
	}
}

// Item represents a checklist item.
type Item struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Kind        string   `json:"kind"`
	Required    bool     `json:"required"`
	Order       int      `json:"order,omitempty"`
	Status      string   `json:"status,omitempty"`
	Value       any      `json:"value,omitempty"`
	Options     []string `json:"options,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

// Review is one approval history entry.
type Review struct {
	ID      string    `json:"id"`
	Action  string    `json:"action"`
	ActorID string    `json:"actor_id"`
	Notes   string    `json:"notes,omitempty"`
	At      time.Time `json:"at"`
}

// ControlList represents the API control list model (partial).
type ControlList struct {
	ID              string     `json:"id"`
	CompanyID       string     `json:"company_id"`
	MachineID       string     `json:"machine_id"`
	TemplateID      *string    `json:"template_id,omitempty"`
	AssignedUserID  string     `json:"assigned_user_id"`
	Title           string     `json:"title"`
	Items           []Item     `json:"items"`
	Status          string     `json:"status"`
	Priority        string     `json:"priority"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ApproverID      *string    `json:"approver_id,omitempty"`
	RejectionReason *string    `json:"rejection_reason,omitempty"`
	Version         int        `json:"version"`
	Reviews         []Review   `json:"reviews,omitempty"`
}

// CreateRequest describes a new control list.
type CreateRequest struct {
	ID             string    `json:"id,omitempty"`
	MachineID      string    `json:"machine_id"`
	TemplateID     string    `json:"template_id,omitempty"`
	AssignedUserID string    `json:"assigned_user_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Items          []Item    `json:"items"`
	Priority       string    `json:"priority,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	Notes          string    `json:"notes,omitempty"`
	Draft          bool      `json:"draft,omitempty"`
}

// ListOptions narrows List.
type ListOptions struct {
	Status         string
	Priority       string
	MachineID      string
	AssignedUserID string
	Overdue        bool
	Today          bool
	Search         string
	Limit          int
	Offset         int
}

// Progress is the completion summary of a list.
type Progress struct {
	ID                   string `json:"id"`
	Status               string `json:"status"`
	CompletionPercentage int    `json:"completion_percentage"`
	Overdue              bool   `json:"overdue"`
	Version              int    `json:"version"`
}

// Stats counts lists by status.
type Stats struct {
	CompanyID string         `json:"company_id"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

// Event represents a log entry.
type Event struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	ControlListID string         `json:"control_list_id"`
	ActorID       string         `json:"actor_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// WhoAmI describes the authenticated caller.
type WhoAmI struct {
	UserID       string   `json:"user_id"`
	CompanyID    string   `json:"company_id"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Create creates a control list.
func (c *Client) Create(ctx context.Context, req CreateRequest) (ControlList, error) {
	var resp ControlList
	err := c.do(ctx, http.MethodPost, "control-lists", req, &resp)
	return resp, err
}

// CreateFromTemplate instantiates a template for a machine and operator.
func (c *Client) CreateFromTemplate(ctx context.Context, templateID, machineID, operatorID string, scheduledAt time.Time) (ControlList, error) {
	body := map[string]any{
		"template_id":  templateID,
		"machine_id":   machineID,
		"operator_id":  operatorID,
		"scheduled_at": scheduledAt,
	}
	var resp ControlList
	err := c.do(ctx, http.MethodPost, "control-lists/from-template", body, &resp)
	return resp, err
}

// Get fetches a control list with its review history.
func (c *Client) Get(ctx context.Context, id string) (ControlList, error) {
	var resp ControlList
	err := c.do(ctx, http.MethodGet, c.listPath(id, ""), nil, &resp)
	return resp, err
}

// List returns control lists, most urgent first.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]ControlList, error) {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("status", opts.Status)
	set("priority", opts.Priority)
	set("machine_id", opts.MachineID)
	set("assigned_user_id", opts.AssignedUserID)
	set("q", opts.Search)
	if opts.Overdue {
		q.Set("overdue", "true")
	}
	if opts.Today {
		q.Set("today", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "control-lists"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []ControlList `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// SubmitItems replaces the outcomes of every item.
func (c *Client) SubmitItems(ctx context.Context, id string, items []Item) (ControlList, error) {
	var resp ControlList
	err := c.do(ctx, http.MethodPut, c.listPath(id, "items"), map[string]any{"items": items}, &resp)
	return resp, err
}

// UpdateItem patches one item identified by its order.
func (c *Client) UpdateItem(ctx context.Context, id string, order int, status string, value any, notes *string) (ControlList, error) {
	body := map[string]any{}
	if status != "" {
		body["status"] = status
	}
	if value != nil {
		body["value"] = value
	}
	if notes != nil {
		body["notes"] = *notes
	}
	var resp ControlList
	err := c.do(ctx, http.MethodPatch, c.listPath(id, "items/"+strconv.Itoa(order)), body, &resp)
	return resp, err
}

// Start marks a pending list in progress.
func (c *Client) Start(ctx context.Context, id string) (ControlList, error) {
	return c.transition(ctx, id, "start", nil)
}

// Publish turns a draft into a pending list.
func (c *Client) Publish(ctx context.Context, id string) (ControlList, error) {
	return c.transition(ctx, id, "publish", nil)
}

// Approve approves a completed list.
func (c *Client) Approve(ctx context.Context, id, notes string) (ControlList, error) {
	return c.transition(ctx, id, "approve", map[string]any{"notes": notes})
}

// Reject rejects a completed list; reason is mandatory.
func (c *Client) Reject(ctx context.Context, id, reason string) (ControlList, error) {
	return c.transition(ctx, id, "reject", map[string]any{"reason": reason})
}

// Revert returns an approved or rejected list to completed.
func (c *Client) Revert(ctx context.Context, id string) (ControlList, error) {
	return c.transition(ctx, id, "revert", nil)
}

// Delete removes a list.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.listPath(id, ""), nil, nil)
}

// Progress returns the completion summary of a list.
func (c *Client) Progress(ctx context.Context, id string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.listPath(id, "progress"), nil, &resp)
	return resp, err
}

// Reviews returns the approval history of a list.
func (c *Client) Reviews(ctx context.Context, id string) ([]Review, error) {
	var resp struct {
		Items []Review `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.listPath(id, "reviews"), nil, &resp)
	return resp.Items, err
}

// Stats counts the caller's company lists by status.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "stats", nil, &resp)
	return resp, err
}

// EventsPage returns a page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor, evtType, listID string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if evtType != "" {
		q.Set("type", evtType)
	}
	if listID != "" {
		q.Set("control_list_id", listID)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Me returns the authenticated caller.
func (c *Client) Me(ctx context.Context) (WhoAmI, error) {
	var resp WhoAmI
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, name string, body any) (ControlList, error) {
	var resp ControlList
	err := c.do(ctx, http.MethodPost, c.listPath(id, name), body, &resp)
	return resp, err
}

func (c *Client) client() *resty.Client {
	if c.http == nil {
		c.http = resty.New().
			SetBaseURL(strings.TrimRight(c.BaseURL, "/")).
			SetTimeout(c.Timeout).
			SetRetryCount(c.RetryCount).
			SetRetryWaitTime(200 * time.Millisecond).
			SetRetryMaxWaitTime(2 * time.Second).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	}
	return c.http
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	req := c.client().R().SetContext(ctx).SetError(&errorEnvelope{})
	switch {
	case c.BearerToken != "":
		req.SetAuthToken(c.BearerToken)
	case c.APIKey != "":
		req.SetHeader("X-Api-Key", c.APIKey)
	}
	if body != nil {
		req.SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}
	resp, err := req.Execute(method, "/"+strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return err
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Body: resp.String()}
		if env, ok := resp.Error().(*errorEnvelope); ok && env != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	return nil
}

func (c *Client) listPath(id, suffix string) string {
	p := "control-lists/" + url.PathEscape(id)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}
