package server

import (
	"encoding/json"
	"time"

	"smartop/internal/domain"
)

// Request payloads

// ItemInput is the wire form of a checklist item. Everything but title and
// kind may be omitted on creation.
type ItemInput struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Kind        string   `json:"kind,omitempty" enum:"checkbox,text,number,select,photo"`
	Required    bool     `json:"required,omitempty"`
	Order       int      `json:"order,omitempty" minimum:"0"`
	Status      string   `json:"status,omitempty" enum:"unset,pass,fail,not_applicable"`
	Value       any      `json:"value,omitempty"`
	Options     []string `json:"options,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

type CreateControlListRequest struct {
	ID             string      `json:"id,omitempty"`
	MachineID      string      `json:"machine_id"`
	TemplateID     string      `json:"template_id,omitempty"`
	AssignedUserID string      `json:"assigned_user_id"`
	Title          string      `json:"title"`
	Description    string      `json:"description,omitempty"`
	Items          []ItemInput `json:"items"`
	Priority       string      `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	Notes          string      `json:"notes,omitempty"`
	Draft          bool        `json:"draft,omitempty"`
}

type FromTemplateRequest struct {
	TemplateID  string    `json:"template_id"`
	MachineID   string    `json:"machine_id"`
	OperatorID  string    `json:"operator_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

type SubmitItemsRequest struct {
	Items []ItemInput `json:"items"`
}

type ItemPatchRequest struct {
	Status string  `json:"status,omitempty" enum:"unset,pass,fail,not_applicable"`
	Value  any     `json:"value,omitempty"`
	Notes  *string `json:"notes,omitempty"`

	valueSet bool
}

// UnmarshalJSON records whether "value" was sent, so an explicit null clears
// the item while an absent value leaves it alone.
func (r *ItemPatchRequest) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	type plain ItemPatchRequest
	if err := json.Unmarshal(data, (*plain)(r)); err != nil {
		return err
	}
	_, r.valueSet = fields["value"]
	return nil
}

type ApproveRequest struct {
	Notes string `json:"notes,omitempty"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// Response payloads

type ControlListsResponse struct {
	Items []domain.ControlList `json:"items"`
}

type ReviewsResponse struct {
	Items []domain.Review `json:"items"`
}

type StatsResponse struct {
	CompanyID string         `json:"company_id"`
	Counts    map[string]int `json:"counts"`
	Total     int            `json:"total"`
}

type EventResponse struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	ControlListID string         `json:"control_list_id"`
	ActorID       string         `json:"actor_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	UserID       string   `json:"user_id"`
	CompanyID    string   `json:"company_id"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
	Source       string   `json:"source"`
}

func toItems(in []ItemInput) []domain.ChecklistItem {
	if in == nil {
		return nil
	}
	out := make([]domain.ChecklistItem, len(in))
	for i, it := range in {
		out[i] = domain.ChecklistItem{
			Title:       it.Title,
			Description: it.Description,
			Kind:        domain.ItemKind(it.Kind),
			Required:    it.Required,
			Order:       it.Order,
			Status:      domain.ItemStatus(it.Status),
			Value:       it.Value,
			Options:     it.Options,
			Notes:       it.Notes,
		}
	}
	return out
}

func eventResponse(evt domain.Event) EventResponse {
	return EventResponse{
		ID:            evt.ID,
		Type:          evt.Type,
		ControlListID: evt.ControlListID,
		ActorID:       evt.ActorID,
		Timestamp:     evt.Timestamp,
		Payload:       evt.Payload,
	}
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

func nonNilLists(in []domain.ControlList) []domain.ControlList {
	if in == nil {
		return []domain.ControlList{}
	}
	return in
}
