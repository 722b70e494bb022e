package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartop/internal/app"
	"smartop/internal/config"
	"smartop/internal/db"
	"smartop/internal/domain"
	"smartop/internal/engine"
	"smartop/internal/metrics"
	"smartop/internal/migrate"
	"smartop/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	repo   repo.Repo
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	now := time.Now().UTC()

	seed := map[string]map[string]string{
		"acme":   {"ada": "admin", "mia": "manager", "olga": "operator"},
		"globex": {"gil": "manager"},
	}
	for company, users := range seed {
		require.NoError(t, app.Bootstrap(ctx, r, config.Default(company), now))
		for id, role := range users {
			_, err := app.AddUser(ctx, r, company, id, id, []string{role}, now)
			require.NoError(t, err)
		}
		require.NoError(t, r.InsertMachine(ctx, domain.Machine{ID: company + "-press", CompanyID: company, Name: "Press", CreatedAt: now}))
	}
	require.NoError(t, r.InsertAPIKey(ctx, domain.APIKey{ID: "key-olga", CompanyID: "acme", UserID: "olga", KeyHash: repo.HashAPIKey("olga-key")}))

	reg := prometheus.NewRegistry()
	e := engine.New(conn, config.Default("acme"))
	e.Metrics = metrics.New(reg)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}, Gatherer: reg})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		repo:   r,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, userID, companyID string) map[string]string {
	t.Helper()
	token, err := IssueToken(testSecret, userID, companyID, nil, time.Hour, time.Now())
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func createList(t *testing.T, srv *testServer) domain.ControlList {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists", map[string]any{
		"machine_id":       "acme-press",
		"assigned_user_id": "olga",
		"title":            "Morning check",
		"priority":         "high",
		"scheduled_at":     time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339),
		"items": []map[string]any{
			{"title": "Guard closed", "kind": "checkbox", "required": true},
			{"title": "Remarks", "kind": "text"},
		},
	}, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var cl domain.ControlList
	require.NoError(t, json.Unmarshal(data, &cl))
	return cl
}

func completeList(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v1/control-lists/"+id+"/items", map[string]any{
		"items": []map[string]any{
			{"order": 1, "title": "Guard closed", "kind": "checkbox", "required": true, "value": true},
			{"order": 2, "title": "Remarks", "kind": "text", "status": "pass", "value": "clean"},
		},
	}, map[string]string{"X-Api-Key": "olga-key"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cl domain.ControlList
	require.NoError(t, json.Unmarshal(data, &cl))
	require.Equal(t, domain.StatusCompleted, cl.Status)
}

func TestHealthIsPublicButAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists", nil, map[string]string{"X-Api-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestTokenClaimingAnotherCompanyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "mia", "globex"))
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "mia", ""))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var who WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &who))
	assert.Equal(t, "acme", who.CompanyID)
	assert.Contains(t, who.Capabilities, "control-lists.approve")
}

func TestLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)
	assert.Equal(t, domain.StatusPending, cl.Status)
	assert.Equal(t, domain.PriorityHigh, cl.Priority)

	completeList(t, srv, cl.ID)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists/"+cl.ID+"/progress", nil, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var progress engine.Progress
	require.NoError(t, json.Unmarshal(data, &progress))
	assert.Equal(t, 100, progress.CompletionPercentage)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/approve", map[string]any{"notes": "fine"}, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var approved domain.ControlList
	require.NoError(t, json.Unmarshal(data, &approved))
	assert.Equal(t, domain.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApproverID)
	assert.Equal(t, "mia", *approved.ApproverID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/approve", nil, bearer(t, "mia", "acme"))
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "invalid_state", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists/"+cl.ID+"/reviews", nil, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reviews ReviewsResponse
	require.NoError(t, json.Unmarshal(data, &reviews))
	require.Len(t, reviews.Items, 1)
	assert.Equal(t, domain.ReviewApprove, reviews.Items[0].Action)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=control_list.approved", nil, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var events paginatedEvents
	require.NoError(t, json.Unmarshal(data, &events))
	require.Len(t, events.Items, 1)
	assert.Equal(t, cl.ID, events.Items[0].ControlListID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/stats", nil, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.Counts[string(domain.StatusApproved)])
	assert.Equal(t, 1, stats.Total)
}

func TestOperatorCannotApprove(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)
	completeList(t, srv, cl.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/approve", nil, map[string]string{"X-Api-Key": "olga-key"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))
}

func TestRejectWithoutReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)
	completeList(t, srv, cl.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/reject", map[string]any{"reason": "  "}, bearer(t, "mia", "acme"))
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "validation_failed", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/reject", map[string]any{"reason": "guard loose"}, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rejected domain.ControlList
	require.NoError(t, json.Unmarshal(data, &rejected))
	assert.Equal(t, domain.StatusRejected, rejected.Status)
}

func TestOtherCompanySeesNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists/"+cl.ID, nil, bearer(t, "gil", "globex"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists", nil, bearer(t, "gil", "globex"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var lists ControlListsResponse
	require.NoError(t, json.Unmarshal(data, &lists))
	assert.Empty(t, lists.Items)
}

func TestSchemaErrorsAreBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists", map[string]any{
		"title": "No machine",
	}, bearer(t, "mia", "acme"))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))
}

func TestDeleteByAssignee(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)

	res, _ := doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/control-lists/"+cl.ID, nil, map[string]string{"X-Api-Key": "olga-key"})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/control-lists/"+cl.ID, nil, bearer(t, "ada", "acme"))
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMetricsAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)
	completeList(t, srv, cl.ID)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), `smartop_control_list_transitions_total{from="pending",to="completed"} 1`)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/v1/control-lists/{id}/approve")
	assert.Contains(t, string(data), "bearerAuth")
}

func TestRevokedAPIKeyIsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	key := map[string]string{"X-Api-Key": "olga-key"}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "olga", me.UserID)
	assert.Equal(t, "api_key", me.Source)

	require.NoError(t, srv.repo.RevokeAPIKey(context.Background(), "key-olga", "acme", time.Now()))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, key)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestItemPatchKeepsValueOnNotesOnly(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)
	key := map[string]string{"X-Api-Key": "olga-key"}
	itemURL := srv.URL + "/v1/control-lists/" + cl.ID + "/items/1"

	res, data := doJSON(t, srv.Client(), http.MethodPatch, itemURL, map[string]any{"value": true}, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPatch, itemURL, map[string]any{"notes": "checked twice"}, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var updated domain.ControlList
	require.NoError(t, json.Unmarshal(data, &updated))
	item := updated.Items[0]
	assert.Equal(t, true, item.Value)
	assert.Equal(t, domain.ItemPass, item.Status)
	assert.Equal(t, "checked twice", item.Notes)

	res, data = doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/control-lists/"+cl.ID+"/items/9", map[string]any{"notes": "x"}, key)
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
}

func TestManagerRevertsApproval(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	cl := createList(t, srv)
	completeList(t, srv, cl.ID)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/approve", nil, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/revert", nil, map[string]string{"X-Api-Key": "olga-key"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/control-lists/"+cl.ID+"/revert", nil, bearer(t, "mia", "acme"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var reverted domain.ControlList
	require.NoError(t, json.Unmarshal(data, &reverted))
	assert.Equal(t, domain.StatusCompleted, reverted.Status)
	assert.Nil(t, reverted.ApproverID)
}
