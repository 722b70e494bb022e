package domain

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusInProgress, StatusCompleted, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether the status is an approval decision.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// finished covers every status that carries a completion timestamp.
func (s Status) finished() bool {
	return s == StatusCompleted || s.Terminal()
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank orders priorities for listing, most urgent first.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 1
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 3
	case PriorityLow:
		return 4
	}
	return 5
}

type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewReject  ReviewAction = "reject"
	ReviewRevert  ReviewAction = "revert"
)

// Review is one entry of the approval history of a list.
type Review struct {
	ID      string       `json:"id"`
	Action  ReviewAction `json:"action" enum:"approve,reject,revert"`
	ActorID string       `json:"actor_id"`
	Notes   string       `json:"notes,omitempty"`
	At      time.Time    `json:"at"`
}

// ControlList is the aggregate root of an inspection. Mutating methods either
// apply fully or return an error and leave the receiver untouched.
type ControlList struct {
	ID              string          `json:"id"`
	CompanyID       string          `json:"company_id"`
	MachineID       string          `json:"machine_id"`
	TemplateID      *string         `json:"template_id,omitempty"`
	AssignedUserID  string          `json:"assigned_user_id"`
	CreatedBy       string          `json:"created_by"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Items           []ChecklistItem `json:"items"`
	Status          Status          `json:"status" enum:"draft,pending,in_progress,completed,approved,rejected"`
	Priority        Priority        `json:"priority" enum:"low,medium,high,critical"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ApproverID      *string         `json:"approver_id,omitempty"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	RejectionReason *string         `json:"rejection_reason,omitempty"`
	Notes           string          `json:"notes,omitempty"`
	Version         int             `json:"version"`
	Reviews         []Review        `json:"reviews,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewControlListParams are the inputs of NewControlList.
type NewControlListParams struct {
	ID             string
	CompanyID      string
	MachineID      string
	TemplateID     *string
	AssignedUserID string
	CreatedBy      string
	Title          string
	Description    string
	Items          []ChecklistItem
	Priority       Priority
	ScheduledAt    time.Time
	Notes          string
	Draft          bool
}

const maxTitleLen = 255

// NewControlList validates the inputs and builds a list in pending, or in
// draft when requested.
func NewControlList(p NewControlListParams, now time.Time) (ControlList, error) {
	if strings.TrimSpace(p.CompanyID) == "" {
		return ControlList{}, ValidationError{Field: "company_id", Reason: "company is required"}
	}
	if strings.TrimSpace(p.MachineID) == "" {
		return ControlList{}, ValidationError{Field: "machine_id", Reason: "machine is required"}
	}
	if strings.TrimSpace(p.AssignedUserID) == "" {
		return ControlList{}, ValidationError{Field: "assigned_user_id", Reason: "operator is required"}
	}
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return ControlList{}, ValidationError{Field: "title", Reason: "title is required"}
	}
	if len(title) > maxTitleLen {
		return ControlList{}, ValidationError{Field: "title", Reason: fmt.Sprintf("title exceeds %d characters", maxTitleLen)}
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if !priority.Valid() {
		return ControlList{}, ValidationError{Field: "priority", Reason: "unknown priority " + string(p.Priority)}
	}
	scheduled := p.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	if err := ensureNotInPast(scheduled, now); err != nil {
		return ControlList{}, err
	}
	items, err := normalizeItems(p.Items)
	if err != nil {
		return ControlList{}, err
	}
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}
	status := StatusPending
	if p.Draft {
		status = StatusDraft
	}
	createdBy := p.CreatedBy
	if createdBy == "" {
		createdBy = p.AssignedUserID
	}
	cl := ControlList{
		ID:             id,
		CompanyID:      p.CompanyID,
		MachineID:      p.MachineID,
		TemplateID:     p.TemplateID,
		AssignedUserID: p.AssignedUserID,
		CreatedBy:      createdBy,
		Title:          title,
		Description:    p.Description,
		Items:          items,
		Status:         status,
		Priority:       priority,
		ScheduledAt:    scheduled.UTC(),
		Notes:          p.Notes,
		CreatedAt:      now.UTC(),
		UpdatedAt:      now.UTC(),
	}
	return cl, cl.CheckInvariants()
}

// FromTemplate instantiates a template for a machine and operator. Items are
// deep-copied with their outcomes cleared, so later template edits never reach
// the list.
func FromTemplate(t Template, m Machine, operatorID, createdBy string, scheduledAt, now time.Time) (ControlList, error) {
	if !t.IsActive {
		return ControlList{}, ValidationError{Field: "template_id", Reason: "template is inactive"}
	}
	if t.CompanyID != m.CompanyID {
		return ControlList{}, ValidationError{Field: "machine_id", Reason: "machine belongs to another company"}
	}
	items := make([]ChecklistItem, len(t.Items))
	for i, it := range t.Items {
		items[i] = it.Reset()
	}
	templateID := t.ID
	return NewControlList(NewControlListParams{
		CompanyID:      t.CompanyID,
		MachineID:      m.ID,
		TemplateID:     &templateID,
		AssignedUserID: operatorID,
		CreatedBy:      createdBy,
		Title:          t.Name,
		Description:    t.Description,
		Items:          items,
		Priority:       t.Priority,
		ScheduledAt:    scheduledAt,
	}, now)
}

// ensureNotInPast compares calendar days in UTC: anything scheduled today or
// later is accepted.
func ensureNotInPast(scheduled, now time.Time) error {
	y, m, d := now.UTC().Date()
	startOfDay := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if scheduled.UTC().Before(startOfDay) {
		return ValidationError{Field: "scheduled_at", Reason: "scheduled date is in the past"}
	}
	return nil
}

// ApplyItems replaces the outcomes of the items. The structure (orders, kinds
// and required flags) must match the stored items. Resolving an item starts
// the inspection; resolving every required item completes it.
func (cl *ControlList) ApplyItems(items []ChecklistItem, now time.Time) error {
	switch cl.Status {
	case StatusDraft, StatusPending, StatusInProgress:
	default:
		return StateError{Op: "submit items of", Status: cl.Status}
	}
	merged, err := mergeOutcomes(cl.Items, items)
	if err != nil {
		return err
	}
	next := cl.clone()
	next.Items = merged
	if next.Status != StatusInProgress && anyResolved(merged) {
		next.Status = StatusInProgress
	}
	if next.Status == StatusInProgress && requiredResolved(merged) && anyResolved(merged) {
		next.Status = StatusCompleted
		ts := now.UTC()
		next.CompletedAt = &ts
	}
	next.UpdatedAt = now.UTC()
	return cl.commit(next)
}

// ItemPatch updates the outcome of a single item. Value is applied only when
// ValueSet is true, so a nil Value with ValueSet clears the item.
type ItemPatch struct {
	Order    int
	Status   ItemStatus
	Value    any
	ValueSet bool
	Notes    *string
}

// UpdateItem applies a patch to one item and then follows the same rules as
// ApplyItems.
func (cl *ControlList) UpdateItem(p ItemPatch, now time.Time) error {
	items := cloneItems(cl.Items)
	idx := -1
	for i := range items {
		if items[i].Order == p.Order {
			idx = i
			break
		}
	}
	if idx < 0 {
		return NotFoundError{Kind: "item", ID: fmt.Sprintf("%s#%d", cl.ID, p.Order)}
	}
	if p.Status != "" {
		items[idx].Status = p.Status
	}
	if p.ValueSet {
		items[idx].Value = p.Value
	}
	if p.Notes != nil {
		items[idx].Notes = *p.Notes
	}
	return cl.ApplyItems(items, now)
}

func mergeOutcomes(current, submitted []ChecklistItem) ([]ChecklistItem, error) {
	if len(submitted) != len(current) {
		return nil, ValidationError{Field: "items", Reason: fmt.Sprintf("expected %d items, got %d", len(current), len(submitted))}
	}
	byOrder := make(map[int]ChecklistItem, len(submitted))
	for _, it := range submitted {
		if _, dup := byOrder[it.Order]; dup {
			return nil, ValidationError{Field: fmt.Sprintf("items[%d].order", it.Order), Reason: "duplicate order"}
		}
		byOrder[it.Order] = it
	}
	out := make([]ChecklistItem, len(current))
	for i, cur := range current {
		sub, ok := byOrder[cur.Order]
		if !ok {
			return nil, ValidationError{Field: fmt.Sprintf("items[%d]", cur.Order), Reason: "item is missing"}
		}
		if sub.Kind != "" && sub.Kind != cur.Kind {
			return nil, ValidationError{Field: fmt.Sprintf("items[%d].kind", cur.Order), Reason: "kind cannot change"}
		}
		if sub.Required != cur.Required {
			return nil, ValidationError{Field: fmt.Sprintf("items[%d].required", cur.Order), Reason: "required flag cannot change"}
		}
		next := cur.Clone()
		next.Status = sub.Status
		if next.Status == "" {
			next.Status = ItemUnset
		}
		next.Value = sub.Value
		next.Notes = sub.Notes
		if err := next.Validate(); err != nil {
			return nil, err
		}
		out[i] = next
	}
	return out, nil
}

func anyResolved(items []ChecklistItem) bool {
	for _, it := range items {
		if it.Resolved() {
			return true
		}
	}
	return false
}

func requiredResolved(items []ChecklistItem) bool {
	for _, it := range items {
		if it.Required && !it.Resolved() {
			return false
		}
	}
	return true
}

// Publish moves a draft into the pending queue.
func (cl *ControlList) Publish(now time.Time) error {
	if cl.Status != StatusDraft {
		return StateError{Op: "publish", Status: cl.Status}
	}
	next := cl.clone()
	next.Status = StatusPending
	next.UpdatedAt = now.UTC()
	return cl.commit(next)
}

// Start marks a pending inspection as begun without resolving any item.
func (cl *ControlList) Start(now time.Time) error {
	if cl.Status != StatusPending {
		return StateError{Op: "start", Status: cl.Status}
	}
	next := cl.clone()
	next.Status = StatusInProgress
	next.UpdatedAt = now.UTC()
	return cl.commit(next)
}

// Approve records a positive decision on a completed list. Notes are appended
// to the existing notes, never replacing them.
func (cl *ControlList) Approve(approverID, notes string, now time.Time) error {
	if strings.TrimSpace(approverID) == "" {
		return ValidationError{Field: "approver_id", Reason: "approver is required"}
	}
	if cl.Status != StatusCompleted {
		return StateError{Op: "approve", Status: cl.Status}
	}
	next := cl.clone()
	ts := now.UTC()
	next.Status = StatusApproved
	next.ApproverID = &approverID
	next.ApprovedAt = &ts
	notes = strings.TrimSpace(notes)
	if notes != "" {
		next.Notes = appendNote(next.Notes, "[approved] "+notes)
	}
	next.Reviews = append(next.Reviews, Review{ID: uuid.NewString(), Action: ReviewApprove, ActorID: approverID, Notes: notes, At: ts})
	next.UpdatedAt = ts
	return cl.commit(next)
}

// Reject records a negative decision on a completed list. The reason is
// mandatory.
func (cl *ControlList) Reject(approverID, reason string, now time.Time) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ValidationError{Field: "reason", Reason: "rejection reason is required"}
	}
	if strings.TrimSpace(approverID) == "" {
		return ValidationError{Field: "approver_id", Reason: "approver is required"}
	}
	if cl.Status != StatusCompleted {
		return StateError{Op: "reject", Status: cl.Status}
	}
	next := cl.clone()
	ts := now.UTC()
	next.Status = StatusRejected
	next.ApproverID = &approverID
	next.ApprovedAt = &ts
	next.RejectionReason = &reason
	next.Notes = appendNote(next.Notes, "[rejected] "+reason)
	next.Reviews = append(next.Reviews, Review{ID: uuid.NewString(), Action: ReviewReject, ActorID: approverID, Notes: reason, At: ts})
	next.UpdatedAt = ts
	return cl.commit(next)
}

// Revert undoes an approval decision. The list returns to completed with its
// items untouched.
func (cl *ControlList) Revert(actorID string, now time.Time) error {
	if !cl.Status.Terminal() {
		return StateError{Op: "revert", Status: cl.Status}
	}
	next := cl.clone()
	ts := now.UTC()
	previous := next.Status
	next.Status = StatusCompleted
	next.ApproverID = nil
	next.ApprovedAt = nil
	next.RejectionReason = nil
	next.Reviews = append(next.Reviews, Review{ID: uuid.NewString(), Action: ReviewRevert, ActorID: actorID, Notes: "reverted " + string(previous), At: ts})
	next.UpdatedAt = ts
	return cl.commit(next)
}

// CanDelete checks the deletion rule: admins may delete any undecided list,
// the assigned operator only a list that has not been started.
func (cl ControlList) CanDelete(actorID string, isAdmin bool) error {
	if cl.Status.Terminal() {
		return StateError{Op: "delete", Status: cl.Status}
	}
	if isAdmin {
		return nil
	}
	if actorID == cl.AssignedUserID && (cl.Status == StatusPending || cl.Status == StatusDraft) {
		return nil
	}
	return AuthorizationError{UserID: actorID, Capability: "control-lists.delete"}
}

// CompletionPercentage counts pass and fail outcomes over all items.
func (cl ControlList) CompletionPercentage() int {
	if len(cl.Items) == 0 {
		return 0
	}
	done := 0
	for _, it := range cl.Items {
		if it.Status == ItemPass || it.Status == ItemFail {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(cl.Items))))
}

// IsOverdue reports whether the scheduled date passed before the list was
// completed or approved. Rejected lists stay overdue.
func (cl ControlList) IsOverdue(now time.Time) bool {
	if cl.Status == StatusCompleted || cl.Status == StatusApproved {
		return false
	}
	return cl.ScheduledAt.Before(now)
}

// CheckInvariants verifies the structural rules every persisted list obeys.
func (cl ControlList) CheckInvariants() error {
	if cl.CompanyID == "" {
		return ValidationError{Field: "company_id", Reason: "company is required"}
	}
	if !cl.Status.Valid() {
		return ValidationError{Field: "status", Reason: "unknown status " + string(cl.Status)}
	}
	if !cl.Priority.Valid() {
		return ValidationError{Field: "priority", Reason: "unknown priority " + string(cl.Priority)}
	}
	if cl.Status.finished() != (cl.CompletedAt != nil) {
		return fmt.Errorf("control list %s: completed_at inconsistent with status %s", cl.ID, cl.Status)
	}
	decided := cl.ApproverID != nil && cl.ApprovedAt != nil
	undecided := cl.ApproverID == nil && cl.ApprovedAt == nil
	if cl.Status.Terminal() && !decided || !cl.Status.Terminal() && !undecided {
		return fmt.Errorf("control list %s: approval fields inconsistent with status %s", cl.ID, cl.Status)
	}
	if (cl.RejectionReason != nil) != (cl.Status == StatusRejected) {
		return fmt.Errorf("control list %s: rejection reason inconsistent with status %s", cl.ID, cl.Status)
	}
	if cl.Status.finished() && !requiredResolved(cl.Items) {
		return fmt.Errorf("control list %s: required items unresolved in status %s", cl.ID, cl.Status)
	}
	seen := make(map[int]struct{}, len(cl.Items))
	for _, it := range cl.Items {
		if it.Order <= 0 {
			return fmt.Errorf("control list %s: item order %d is not positive", cl.ID, it.Order)
		}
		if _, dup := seen[it.Order]; dup {
			return fmt.Errorf("control list %s: duplicate item order %d", cl.ID, it.Order)
		}
		seen[it.Order] = struct{}{}
	}
	return nil
}

func (cl ControlList) clone() ControlList {
	out := cl
	out.Items = cloneItems(cl.Items)
	if cl.Reviews != nil {
		out.Reviews = append([]Review(nil), cl.Reviews...)
	}
	return out
}

func (cl *ControlList) commit(next ControlList) error {
	if err := next.CheckInvariants(); err != nil {
		return err
	}
	*cl = next
	return nil
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
