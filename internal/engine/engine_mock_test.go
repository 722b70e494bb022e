package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"smartop/internal/domain"
	"smartop/internal/engine"
	"smartop/internal/engine/auth"
	"smartop/internal/metrics"
)

type mockRepo struct{ mock.Mock }

func (m *mockRepo) Load(ctx context.Context, id, companyID string) (domain.ControlList, error) {
	args := m.Called(ctx, id, companyID)
	return args.Get(0).(domain.ControlList), args.Error(1)
}

func (m *mockRepo) Insert(ctx context.Context, cl *domain.ControlList) error {
	return m.Called(ctx, cl).Error(0)
}

func (m *mockRepo) Save(ctx context.Context, cl *domain.ControlList) (int, error) {
	args := m.Called(ctx, cl)
	return args.Int(0), args.Error(1)
}

func (m *mockRepo) Delete(ctx context.Context, id, companyID string, version int) error {
	return m.Called(ctx, id, companyID, version).Error(0)
}

func (m *mockRepo) GetTemplate(ctx context.Context, id, companyID string) (domain.Template, error) {
	args := m.Called(ctx, id, companyID)
	return args.Get(0).(domain.Template), args.Error(1)
}

func (m *mockRepo) GetMachine(ctx context.Context, id, companyID string) (domain.Machine, error) {
	args := m.Called(ctx, id, companyID)
	return args.Get(0).(domain.Machine), args.Error(1)
}

func (m *mockRepo) GetUser(ctx context.Context, id, companyID string) (domain.User, error) {
	args := m.Called(ctx, id, companyID)
	return args.Get(0).(domain.User), args.Error(1)
}

type allowAll struct{}

func (allowAll) HasCapability(context.Context, string, auth.Capability, string) (bool, error) {
	return true, nil
}

type countingDispatcher struct{ n int }

func (d *countingDispatcher) Publish(context.Context, domain.Event) { d.n++ }

func completedFixture(t *testing.T) domain.ControlList {
	t.Helper()
	cl, err := domain.NewControlList(domain.NewControlListParams{
		ID:             "cl-1",
		CompanyID:      "acme",
		MachineID:      "m",
		AssignedUserID: "olga",
		Title:          "t",
		Items:          []domain.ChecklistItem{{Title: "a", Kind: domain.KindCheckbox, Required: true}},
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, cl.ApplyItems([]domain.ChecklistItem{{Order: 1, Required: true, Value: true}}, testNow))
	cl.Version = 4
	return cl
}

func TestConflictIsReturnedAndNothingIsPublished(t *testing.T) {
	repo := &mockRepo{}
	cl := completedFixture(t)
	repo.On("Load", mock.Anything, "cl-1", "acme").Return(cl, nil)
	repo.On("Save", mock.Anything, mock.AnythingOfType("*domain.ControlList")).
		Return(0, domain.ConcurrencyConflict{ID: "cl-1", Version: 4})
	disp := &countingDispatcher{}
	m := metrics.New(prometheus.NewRegistry())
	eng := engine.Engine{Lists: repo, Gate: allowAll{}, Dispatcher: disp, Metrics: m, Now: func() time.Time { return testNow }}

	_, err := eng.Approve(context.Background(), "cl-1", "acme", "mia", "")
	assert.True(t, domain.IsConflict(err))
	assert.Zero(t, disp.n)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("approve")))
	repo.AssertExpectations(t)
}

func TestAuthorizationIsCheckedBeforeState(t *testing.T) {
	repo := &mockRepo{}
	cl := completedFixture(t)
	repo.On("Load", mock.Anything, "cl-1", "acme").Return(cl, nil)
	eng := engine.Engine{Lists: repo, Gate: denyAll{}, Now: func() time.Time { return testNow }}

	_, err := eng.Start(context.Background(), "cl-1", "acme", "olga")
	var authErr domain.AuthorizationError
	require.ErrorAs(t, err, &authErr)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

type denyAll struct{}

func (denyAll) HasCapability(context.Context, string, auth.Capability, string) (bool, error) {
	return false, nil
}

func TestDeleteWithoutGateFails(t *testing.T) {
	repo := &mockRepo{}
	cl := completedFixture(t)
	repo.On("Load", mock.Anything, "cl-1", "acme").Return(cl, nil)
	eng := engine.Engine{Lists: repo, Now: func() time.Time { return testNow }}

	var err error
	require.NotPanics(t, func() { err = eng.Delete(context.Background(), "cl-1", "acme", "ada") })
	require.Error(t, err)
	repo.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
