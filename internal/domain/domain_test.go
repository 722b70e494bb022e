package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartop/internal/domain"
)

var now = time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

func twoRequired() []domain.ChecklistItem {
	return []domain.ChecklistItem{
		{Title: "Oil level", Kind: domain.KindCheckbox, Required: true},
		{Title: "Pressure", Kind: domain.KindNumber, Required: true},
		{Title: "Remarks", Kind: domain.KindText},
	}
}

func newList(t *testing.T) domain.ControlList {
	t.Helper()
	cl, err := domain.NewControlList(domain.NewControlListParams{
		CompanyID:      "acme",
		MachineID:      "m-1",
		AssignedUserID: "op-1",
		Title:          "Daily check",
		Items:          twoRequired(),
		ScheduledAt:    now.Add(2 * time.Hour),
	}, now)
	require.NoError(t, err)
	return cl
}

func completedList(t *testing.T) domain.ControlList {
	t.Helper()
	cl := newList(t)
	items := append([]domain.ChecklistItem(nil), cl.Items...)
	items[0].Value = true
	items[1].Value = 4.2
	items[1].Status = domain.ItemPass
	require.NoError(t, cl.ApplyItems(items, now))
	require.Equal(t, domain.StatusCompleted, cl.Status)
	return cl
}

func TestSetValueChecksShape(t *testing.T) {
	cases := []struct {
		name    string
		item    domain.ChecklistItem
		value   any
		wantErr bool
	}{
		{"checkbox bool", domain.ChecklistItem{Kind: domain.KindCheckbox, Order: 1}, true, false},
		{"checkbox string", domain.ChecklistItem{Kind: domain.KindCheckbox, Order: 1}, "yes", true},
		{"number float", domain.ChecklistItem{Kind: domain.KindNumber, Order: 1}, 3.5, false},
		{"number numeric string", domain.ChecklistItem{Kind: domain.KindNumber, Order: 1}, "12", false},
		{"number text", domain.ChecklistItem{Kind: domain.KindNumber, Order: 1}, "twelve", true},
		{"text string", domain.ChecklistItem{Kind: domain.KindText, Order: 1}, "ok", false},
		{"photo number", domain.ChecklistItem{Kind: domain.KindPhoto, Order: 1}, 5, true},
		{"select option", domain.ChecklistItem{Kind: domain.KindSelect, Order: 1, Options: []string{"a", "b"}}, "b", false},
		{"select unknown option", domain.ChecklistItem{Kind: domain.KindSelect, Order: 1, Options: []string{"a", "b"}}, "c", true},
		{"nil clears", domain.ChecklistItem{Kind: domain.KindNumber, Order: 1}, nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			it := tc.item
			err := it.SetValue(tc.value)
			if tc.wantErr {
				var ve domain.ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestSetValueDerivesCheckboxStatus(t *testing.T) {
	it := domain.ChecklistItem{Title: "x", Kind: domain.KindCheckbox, Order: 1, Status: domain.ItemUnset}
	require.NoError(t, it.SetValue(true))
	assert.Equal(t, domain.ItemPass, it.Status)
	require.NoError(t, it.SetValue(false))
	assert.Equal(t, domain.ItemUnset, it.Status)
}

func TestNewControlListValidation(t *testing.T) {
	base := domain.NewControlListParams{
		CompanyID: "acme", MachineID: "m-1", AssignedUserID: "op-1", Title: "t",
		Items: twoRequired(), ScheduledAt: now,
	}

	noItems := base
	noItems.Items = nil
	_, err := domain.NewControlList(noItems, now)
	assert.ErrorAs(t, err, &domain.ValidationError{})

	past := base
	past.ScheduledAt = now.Add(-48 * time.Hour)
	_, err = domain.NewControlList(past, now)
	assert.ErrorAs(t, err, &domain.ValidationError{})

	earlierToday := base
	earlierToday.ScheduledAt = now.Add(-2 * time.Hour)
	cl, err := domain.NewControlList(earlierToday, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, cl.Status)
	assert.Equal(t, domain.PriorityMedium, cl.Priority)
	assert.Equal(t, []int{1, 2, 3}, []int{cl.Items[0].Order, cl.Items[1].Order, cl.Items[2].Order})

	dup := base
	dup.Items = []domain.ChecklistItem{
		{Title: "a", Kind: domain.KindText, Order: 1},
		{Title: "b", Kind: domain.KindText, Order: 1},
	}
	_, err = domain.NewControlList(dup, now)
	assert.ErrorAs(t, err, &domain.ValidationError{})

	draft := base
	draft.Draft = true
	cl, err = domain.NewControlList(draft, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, cl.Status)
}

func TestApplyItemsProgression(t *testing.T) {
	cl := newList(t)
	items := append([]domain.ChecklistItem(nil), cl.Items...)
	items[0].Value = true

	require.NoError(t, cl.ApplyItems(items, now))
	assert.Equal(t, domain.StatusInProgress, cl.Status)
	assert.Nil(t, cl.CompletedAt)

	items[1].Value = 7
	items[1].Status = domain.ItemFail
	require.NoError(t, cl.ApplyItems(items, now))
	assert.Equal(t, domain.StatusCompleted, cl.Status)
	require.NotNil(t, cl.CompletedAt)
	assert.Equal(t, 67, cl.CompletionPercentage())
}

func TestApplyItemsRejectsStructureChanges(t *testing.T) {
	cl := newList(t)
	items := append([]domain.ChecklistItem(nil), cl.Items...)
	items[1].Required = false
	err := cl.ApplyItems(items, now)
	assert.ErrorAs(t, err, &domain.ValidationError{})
	assert.Equal(t, domain.StatusPending, cl.Status)

	err = cl.ApplyItems(items[:1], now)
	assert.ErrorAs(t, err, &domain.ValidationError{})
}

func TestApplyItemsOnTerminalList(t *testing.T) {
	cl := completedList(t)
	err := cl.ApplyItems(cl.Items, now)
	var se domain.StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StatusCompleted, se.Status)
}

func TestUpdateItem(t *testing.T) {
	cl := newList(t)
	require.NoError(t, cl.UpdateItem(domain.ItemPatch{Order: 1, Value: true, ValueSet: true}, now))
	assert.Equal(t, domain.StatusInProgress, cl.Status)
	assert.Equal(t, domain.ItemPass, cl.Items[0].Status)

	err := cl.UpdateItem(domain.ItemPatch{Order: 9, Value: true, ValueSet: true}, now)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestUpdateItemNotesKeepValue(t *testing.T) {
	cl := newList(t)
	require.NoError(t, cl.UpdateItem(domain.ItemPatch{Order: 1, Value: true, ValueSet: true}, now))

	note := "latch worn"
	require.NoError(t, cl.UpdateItem(domain.ItemPatch{Order: 1, Notes: &note}, now))
	assert.Equal(t, true, cl.Items[0].Value)
	assert.Equal(t, domain.ItemPass, cl.Items[0].Status)
	assert.Equal(t, note, cl.Items[0].Notes)

	require.NoError(t, cl.UpdateItem(domain.ItemPatch{Order: 1, ValueSet: true}, now))
	assert.Nil(t, cl.Items[0].Value)
	assert.Equal(t, domain.ItemUnset, cl.Items[0].Status)
}

func TestApproveTwiceIsStateError(t *testing.T) {
	cl := completedList(t)
	require.NoError(t, cl.Approve("mgr-1", "looks good", now))
	snapshot := cl

	for i := 0; i < 2; i++ {
		err := cl.Approve("mgr-1", "again", now)
		assert.ErrorAs(t, err, &domain.StateError{})
	}
	assert.Equal(t, snapshot.Status, cl.Status)
	assert.Equal(t, snapshot.Notes, cl.Notes)
	assert.Len(t, cl.Reviews, 1)
}

func TestApproveAccumulatesNotes(t *testing.T) {
	cl := completedList(t)
	cl.Notes = "first shift"
	require.NoError(t, cl.Approve("mgr-1", "fine", now))
	assert.Equal(t, "first shift\n[approved] fine", cl.Notes)
	require.NoError(t, cl.Revert("mgr-1", now))
	require.NoError(t, cl.Approve("mgr-2", "fine again", now))
	assert.Equal(t, "first shift\n[approved] fine\n[approved] fine again", cl.Notes)
}

func TestRejectRequiresReason(t *testing.T) {
	cl := completedList(t)
	err := cl.Reject("mgr-1", "   ", now)
	assert.ErrorAs(t, err, &domain.ValidationError{})
	assert.Equal(t, domain.StatusCompleted, cl.Status)

	require.NoError(t, cl.Reject("mgr-1", "gauge broken", now))
	assert.Equal(t, domain.StatusRejected, cl.Status)
	require.NotNil(t, cl.RejectionReason)
	assert.Equal(t, "gauge broken", *cl.RejectionReason)
}

func TestRevertRoundTrip(t *testing.T) {
	cl := completedList(t)
	completedAt := *cl.CompletedAt
	require.NoError(t, cl.Approve("mgr-1", "", now))
	require.NoError(t, cl.Revert("mgr-1", now))

	assert.Equal(t, domain.StatusCompleted, cl.Status)
	assert.Nil(t, cl.ApproverID)
	assert.Nil(t, cl.ApprovedAt)
	assert.Nil(t, cl.RejectionReason)
	assert.Equal(t, completedAt, *cl.CompletedAt)

	err := cl.Revert("mgr-1", now)
	assert.ErrorAs(t, err, &domain.StateError{})
}

func TestDecisionFieldsMatchStatus(t *testing.T) {
	lists := []domain.ControlList{newList(t), completedList(t)}
	approved := completedList(t)
	require.NoError(t, approved.Approve("mgr", "", now))
	rejected := completedList(t)
	require.NoError(t, rejected.Reject("mgr", "bad", now))
	lists = append(lists, approved, rejected)

	for _, cl := range lists {
		decided := cl.Status == domain.StatusApproved || cl.Status == domain.StatusRejected
		assert.Equal(t, decided, cl.ApproverID != nil && cl.ApprovedAt != nil, cl.Status)
		require.NoError(t, cl.CheckInvariants())
	}
}

func TestStartAndPublish(t *testing.T) {
	cl := newList(t)
	require.NoError(t, cl.Start(now))
	assert.Equal(t, domain.StatusInProgress, cl.Status)
	assert.ErrorAs(t, cl.Start(now), &domain.StateError{})
	assert.ErrorAs(t, cl.Publish(now), &domain.StateError{})
}

func TestIsOverdue(t *testing.T) {
	later := now.Add(24 * time.Hour)
	cl := newList(t)
	assert.False(t, cl.IsOverdue(now))
	assert.True(t, cl.IsOverdue(later))

	done := completedList(t)
	assert.False(t, done.IsOverdue(later))

	rejected := completedList(t)
	require.NoError(t, rejected.Reject("mgr", "no", now))
	assert.True(t, rejected.IsOverdue(later))
}

func TestCompletionPercentageEmpty(t *testing.T) {
	assert.Equal(t, 0, domain.ControlList{}.CompletionPercentage())
}

func TestCanDelete(t *testing.T) {
	cl := newList(t)
	assert.NoError(t, cl.CanDelete("op-1", false))
	assert.ErrorAs(t, cl.CanDelete("op-2", false), &domain.AuthorizationError{})

	require.NoError(t, cl.Start(now))
	assert.ErrorAs(t, cl.CanDelete("op-1", false), &domain.AuthorizationError{})
	assert.NoError(t, cl.CanDelete("admin", true))

	approved := completedList(t)
	require.NoError(t, approved.Approve("mgr", "", now))
	assert.ErrorAs(t, approved.CanDelete("admin", true), &domain.StateError{})
}

func TestFromTemplateCopiesItems(t *testing.T) {
	tpl := domain.Template{
		ID: "tpl-1", CompanyID: "acme", Name: "Weekly", IsActive: true,
		Items: []domain.ChecklistItem{
			{Title: "Belt", Kind: domain.KindSelect, Order: 1, Required: true, Options: []string{"ok", "worn"}, Status: domain.ItemPass, Value: "ok"},
		},
	}
	m := domain.Machine{ID: "m-1", CompanyID: "acme"}

	cl, err := domain.FromTemplate(tpl, m, "op-1", "mgr-1", now, now)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, cl.Status)
	assert.Equal(t, domain.PriorityMedium, cl.Priority)
	assert.Equal(t, domain.ItemUnset, cl.Items[0].Status)
	assert.Nil(t, cl.Items[0].Value)

	tpl.Items[0].Options[0] = "changed"
	tpl.Items[0].Title = "changed"
	assert.Equal(t, "ok", cl.Items[0].Options[0])
	assert.Equal(t, "Belt", cl.Items[0].Title)

	_, err = domain.FromTemplate(tpl, m, "op-1", "mgr-1", now.Add(-72*time.Hour), now)
	assert.ErrorAs(t, err, &domain.ValidationError{})

	tpl.IsActive = false
	_, err = domain.FromTemplate(tpl, m, "op-1", "mgr-1", now, now)
	assert.ErrorAs(t, err, &domain.ValidationError{})
}

func TestNotFoundMatchesSentinel(t *testing.T) {
	err := domain.NotFoundError{Kind: "control_list", ID: "x"}
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, domain.IsConflict(domain.ConcurrencyConflict{ID: "x", Version: 1}))
}
