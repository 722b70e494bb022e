package domain

import "time"

type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	Roles     []string  `json:"roles,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Machine struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"company_id"`
	Name      string    `json:"name"`
	Code      string    `json:"code,omitempty"`
	Type      string    `json:"type,omitempty"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Template is a reusable checklist blueprint. Lists copy its items.
type Template struct {
	ID          string          `json:"id"`
	CompanyID   string          `json:"company_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	MachineType string          `json:"machine_type,omitempty"`
	Items       []ChecklistItem `json:"items"`
	Priority    Priority        `json:"priority,omitempty" enum:"low,medium,high,critical"`
	IsActive    bool            `json:"is_active"`
	CreatedBy   string          `json:"created_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NormalizeItems validates the template items the same way list items are
// validated on creation.
func (t *Template) NormalizeItems() error {
	items, err := normalizeItems(t.Items)
	if err != nil {
		return err
	}
	t.Items = items
	return nil
}

// APIKey authenticates a device on behalf of one user. Only the hash of the
// secret is stored.
type APIKey struct {
	ID         string     `json:"id"`
	CompanyID  string     `json:"company_id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name,omitempty"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Event is a notification about a committed change to a control list.
type Event struct {
	ID            int64          `json:"id,omitempty"`
	Type          string         `json:"type"`
	ControlListID string         `json:"control_list_id"`
	CompanyID     string         `json:"company_id"`
	ActorID       string         `json:"actor_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

const (
	EventCreated        = "control_list.created"
	EventPublished      = "control_list.published"
	EventStarted        = "control_list.started"
	EventItemsSubmitted = "control_list.items_submitted"
	EventCompleted      = "control_list.completed"
	EventApproved       = "control_list.approved"
	EventRejected       = "control_list.rejected"
	EventReverted       = "control_list.reverted"
	EventDeleted        = "control_list.deleted"
	EventOverdue        = "control_list.overdue"
)

// NewEvent builds an event carrying the routing fields of the list.
func NewEvent(evtType string, cl ControlList, actorID string, ts time.Time, extra map[string]any) Event {
	payload := map[string]any{
		"machine_id":            cl.MachineID,
		"assigned_user_id":      cl.AssignedUserID,
		"status":                string(cl.Status),
		"priority":              string(cl.Priority),
		"completion_percentage": cl.CompletionPercentage(),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return Event{
		Type:          evtType,
		ControlListID: cl.ID,
		CompanyID:     cl.CompanyID,
		ActorID:       actorID,
		Timestamp:     ts.UTC(),
		Payload:       payload,
	}
}

// PayloadString returns a string payload field or "".
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}
