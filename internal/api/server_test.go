package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/callaudit/internal/batching"
	"github.com/banshee-data/callaudit/internal/labels"
	"github.com/banshee-data/callaudit/internal/monitoring"
	"github.com/banshee-data/callaudit/internal/testutil"
	"github.com/banshee-data/callaudit/internal/timeutil"
	"github.com/banshee-data/callaudit/internal/workflow"
)

func init() {
	monitoring.SetLogger(nil)
}

var testRoster = []workflow.User{
	{ID: "u1", DisplayName: "User One", IsActive: true},
	{ID: "u2", DisplayName: "User Two", IsActive: true},
	{ID: "u3", DisplayName: "User Three", IsActive: true},
	{ID: "lead", DisplayName: "Lead", IsTestUser: true, CanAdjudicate: true, IsActive: true},
}

type testServer struct {
	t     *testing.T
	store *workflow.MemoryStore
	srv   *Server
	mux   *http.ServeMux
}

func setupTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	ctx := context.Background()
	store := workflow.NewMemoryStore()
	require.NoError(t, store.UpsertUsers(ctx, testRoster))
	require.NoError(t, store.EnsureTaskConfigs(ctx, []workflow.TaskConfig{
		{TaskType: labels.AISentenceAudit, DisplayName: "AI sentences", TargetTotalCompleted: 2, ExcludeTestByDefault: true, BatchStrategy: workflow.BatchStrategyAutoMixed},
		{TaskType: labels.RoleAudit, DisplayName: "Roles", TargetTotalCompleted: 2, TargetMinPerLabel: 1,
			CoverageLabels: []string{"analyst", "management", "operator", "unknown"}, ExcludeTestByDefault: true, BatchStrategy: workflow.BatchStrategyAutoMixed},
		{TaskType: labels.BoundaryAudit, DisplayName: "Boundaries", ExcludeTestByDefault: true, BatchStrategy: workflow.BatchStrategyAutoMixed},
		{TaskType: labels.InitiationAudit, DisplayName: "Initiation", TargetTotalCompleted: 1, ExcludeTestByDefault: true, BatchStrategy: workflow.BatchStrategyAutoMixed},
	}))

	var items []workflow.TaskItem
	for i, id := range []string{"R1", "R2", "R3"} {
		items = append(items, workflow.TaskItem{
			ID:        "ti-role_audit_qa_turns-" + id,
			TaskType:  labels.RoleAudit,
			SampleID:  id,
			DocID:     "ACME_2024Q3",
			Payload:   json.RawMessage(fmt.Sprintf(`{"sample_id":%q,"turn_idx":%d,"role_pred":"analyst"}`, id, i)),
			CreatedAt: testutil.Epoch.Add(time.Duration(i) * time.Second),
		})
	}
	_, err := store.InsertTaskItems(ctx, items)
	require.NoError(t, err)

	svc := workflow.NewService(store,
		workflow.WithClock(timeutil.NewMockClock(testutil.Epoch)),
		workflow.WithRand(batching.NewRand(1)),
	)
	srv := NewServer(svc, opts)
	return &testServer{t: t, store: store, srv: srv, mux: srv.ServeMux()}
}

func (ts *testServer) do(method, path, body, user string, mode labels.Mode) *httptest.ResponseRecorder {
	ts.t.Helper()
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, testutil.NewSessionRequest(method, path, body, user, mode))
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, w)["error"]
}

// annotate saves a role label for sampleID as user and checks the status.
func (ts *testServer) annotate(user, sampleID string, variant, want int) {
	ts.t.Helper()
	body := fmt.Sprintf(`{"label":%s}`, testutil.LabelJSON(labels.RoleAudit, variant))
	w := ts.do(http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/"+sampleID+"/annotation", body, user, labels.ModeAnnotator)
	testutil.AssertStatusCode(ts.t, w.Code, want)
}

func TestListUsersAndTasks(t *testing.T) {
	ts := setupTestServer(t, Options{})

	w := ts.do(http.MethodGet, "/api/users", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	users := decodeBody[[]workflow.User](t, w)
	assert.Len(t, users, len(testRoster))

	w = ts.do(http.MethodGet, "/api/tasks", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	cfgs := decodeBody[[]workflow.TaskConfig](t, w)
	require.Len(t, cfgs, len(labels.All()))
	assert.Equal(t, labels.AISentenceAudit, cfgs[0].TaskType)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t, Options{})
	w := ts.do(http.MethodDelete, "/api/users", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestClaimAndAnnotateFlow(t *testing.T) {
	ts := setupTestServer(t, Options{})

	w := ts.do(http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":2}`, "u1", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusCreated)
	res := decodeBody[workflow.ClaimResult](t, w)
	require.Len(t, res.SampleIDs, 2)
	assert.Equal(t, 2, res.NewItemCount)
	assert.True(t, strings.HasPrefix(res.BatchID, "batch-"))

	w = ts.do(http.MethodGet, "/api/tasks/role_audit_qa_turns/batches/"+res.BatchID, "", "u1", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	view := decodeBody[map[string]any](t, w)
	assert.Len(t, view["items"], 2)

	body := fmt.Sprintf(`{"batch_id":%q,"label":%s}`, res.BatchID, testutil.LabelJSON(labels.RoleAudit, 0))
	w = ts.do(http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/"+res.SampleIDs[0]+"/annotation", body, "u1", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	ann := decodeBody[map[string]any](t, w)
	assert.Equal(t, "u1", ann["user_id"])
	assert.Equal(t, res.BatchID, ann["batch_id"])

	claims, err := ts.store.ListClaimsByBatch(context.Background(), labels.RoleAudit, res.BatchID)
	require.NoError(t, err)
	var submitted int
	for _, c := range claims {
		if c.Status == workflow.ClaimSubmitted {
			submitted++
		}
	}
	assert.Equal(t, 1, submitted)
}

func TestErrorMapping(t *testing.T) {
	ts := setupTestServer(t, Options{})
	ts.annotate("u1", "R1", 0, http.StatusOK)
	ts.annotate("u2", "R1", 1, http.StatusOK)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		user   string
		mode   labels.Mode
		want   int
	}{
		{"missing user header", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":2}`, "", "", http.StatusBadRequest},
		{"unknown mode", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":2}`, "u1", "viewer", http.StatusBadRequest},
		{"unknown task type", http.MethodPost, "/api/tasks/sentiment/claims", `{"batch_size":2}`, "u1", labels.ModeAnnotator, http.StatusBadRequest},
		{"zero batch size", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":0}`, "u1", labels.ModeAnnotator, http.StatusBadRequest},
		{"empty body", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", "", "u1", labels.ModeAnnotator, http.StatusBadRequest},
		{"unknown body field", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"size":2}`, "u1", labels.ModeAnnotator, http.StatusBadRequest},
		{"adjudicator cannot claim", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":2}`, "lead", labels.ModeAdjudicator, http.StatusForbidden},
		{"test mode needs test user", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":2}`, "u1", labels.ModeTest, http.StatusForbidden},
		{"unknown user", http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":2}`, "nobody", labels.ModeAnnotator, http.StatusNotFound},
		{"unknown batch", http.MethodGet, "/api/tasks/role_audit_qa_turns/batches/batch-missing", "", "u1", labels.ModeAnnotator, http.StatusNotFound},
		{"unknown sample", http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R9/annotation", `{"label":{"role_true":"analyst"}}`, "u1", labels.ModeAnnotator, http.StatusNotFound},
		{"invalid label", http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R2/annotation", `{"label":{"role_true":"ceo"}}`, "u1", labels.ModeAnnotator, http.StatusBadRequest},
		{"missing label", http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R2/annotation", `{"batch_id":"b"}`, "u1", labels.ModeAnnotator, http.StatusBadRequest},
		{"stale submission", http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R1/annotation", `{"label":{"role_true":"analyst"}}`, "u3", labels.ModeAnnotator, http.StatusConflict},
		{"annotator reads adjudication", http.MethodGet, "/api/tasks/role_audit_qa_turns/samples/R1/adjudication", "", "u1", labels.ModeAnnotator, http.StatusForbidden},
		{"annotator updates task", http.MethodPatch, "/api/tasks/role_audit_qa_turns", `{"target_total_completed":5}`, "u1", labels.ModeAnnotator, http.StatusForbidden},
		{"bad include_test", http.MethodGet, "/api/dashboard?include_test=maybe", "", "", "", http.StatusBadRequest},
		{"bad export scope", http.MethodGet, "/api/tasks/role_audit_qa_turns/export?scope=everything", "", "", "", http.StatusBadRequest},
		{"export unknown task", http.MethodGet, "/api/tasks/sentiment/export?scope=single", "", "", "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := ts.do(tc.method, tc.path, tc.body, tc.user, tc.mode)
			testutil.AssertStatusCode(t, w.Code, tc.want)
			assert.NotEmpty(t, errorMessage(t, w))
		})
	}
}

func TestStaleSubmissionMessageNamesSample(t *testing.T) {
	ts := setupTestServer(t, Options{})
	ts.annotate("u1", "R2", 0, http.StatusOK)
	ts.annotate("u2", "R2", 0, http.StatusOK)
	// A test-mode submission is never blocked.
	w := ts.do(http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R2/annotation",
		`{"label":{"role_true":"analyst"}}`, "lead", labels.ModeTest)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	w = ts.do(http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R2/annotation",
		`{"label":{"role_true":"analyst"}}`, "u3", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusConflict)
	msg := errorMessage(t, w)
	assert.Contains(t, msg, "two other annotators")
	assert.Contains(t, msg, "R2")

	// Either original annotator may still revise.
	ts.annotate("u1", "R2", 1, http.StatusOK)
}

func TestClaimRateLimit(t *testing.T) {
	ts := setupTestServer(t, Options{ClaimsPerMinute: 1, ClaimBurst: 1})

	w := ts.do(http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":1}`, "u1", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusCreated)

	w = ts.do(http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":1}`, "u1", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusTooManyRequests)
	assert.Contains(t, errorMessage(t, w), "too many")

	// Limits are per user.
	w = ts.do(http.MethodPost, "/api/tasks/role_audit_qa_turns/claims", `{"batch_size":1}`, "u2", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusCreated)
}

func roleProgress(t *testing.T, d workflow.Dashboard) workflow.TaskProgress {
	t.Helper()
	for _, c := range d.Tasks {
		if c.Progress.TaskType == labels.RoleAudit {
			return c.Progress
		}
	}
	t.Fatalf("no role audit progress in dashboard")
	return workflow.TaskProgress{}
}

func TestDashboardCacheInvalidatedOnWrite(t *testing.T) {
	ts := setupTestServer(t, Options{DashboardCacheTTL: time.Hour})

	w := ts.do(http.MethodGet, "/api/dashboard", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	d := decodeBody[workflow.Dashboard](t, w)
	assert.Equal(t, 3, roleProgress(t, d).ZeroAnnotated)
	assert.Len(t, d.Users, len(testRoster)+1, "the adjudicator gets an extra row")

	ts.annotate("u1", "R1", 0, http.StatusOK)

	w = ts.do(http.MethodGet, "/api/dashboard", "", "", "")
	d = decodeBody[workflow.Dashboard](t, w)
	assert.Equal(t, 1, roleProgress(t, d).SingleAnnotated)
	assert.Equal(t, 2, roleProgress(t, d).ZeroAnnotated)
}

func TestDashboardCacheServesRepeatReads(t *testing.T) {
	ts := setupTestServer(t, Options{DashboardCacheTTL: time.Hour})

	w := ts.do(http.MethodGet, "/api/dashboard", "", "", "")
	first := decodeBody[workflow.Dashboard](t, w)

	// A write that bypasses the server leaves the cached copy in place.
	_, err := ts.store.InsertTaskItems(context.Background(), []workflow.TaskItem{{
		ID: "ti-role_audit_qa_turns-R4", TaskType: labels.RoleAudit, SampleID: "R4",
		Payload: json.RawMessage(`{"sample_id":"R4"}`), CreatedAt: testutil.Epoch,
	}})
	require.NoError(t, err)

	w = ts.do(http.MethodGet, "/api/dashboard", "", "", "")
	second := decodeBody[workflow.Dashboard](t, w)
	assert.Equal(t, roleProgress(t, first).TotalItems, roleProgress(t, second).TotalItems)

	w = ts.do(http.MethodGet, "/api/dashboard?include_test=true", "", "", "")
	withTest := decodeBody[workflow.Dashboard](t, w)
	assert.Equal(t, 4, roleProgress(t, withTest).TotalItems, "different flag, different cache entry")
}

func TestAdjudicationEndpoints(t *testing.T) {
	ts := setupTestServer(t, Options{})
	ts.annotate("u1", "R1", 0, http.StatusOK)
	ts.annotate("u2", "R1", 1, http.StatusOK)
	ts.annotate("u1", "R2", 0, http.StatusOK)
	ts.annotate("u2", "R2", 0, http.StatusOK)

	w := ts.do(http.MethodGet, "/api/adjudications?task_type=role_audit_qa_turns&only_conflicts=true", "", "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	queue := decodeBody[[]workflow.QueueRow](t, w)
	require.Len(t, queue, 1)
	assert.Equal(t, "R1", queue[0].SampleID)
	assert.Equal(t, workflow.StatusConflict, queue[0].Status)

	w = ts.do(http.MethodGet, "/api/tasks/role_audit_qa_turns/samples/R1/adjudication", "", "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	detail := decodeBody[map[string]any](t, w)
	assert.Equal(t, []any{"role_true"}, detail["conflict_fields"])
	assert.Len(t, detail["annotations_ab"], 2)

	w = ts.do(http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R1/adjudication",
		`{"adjudicated":{"adjudicated_role_true":"management"},"notes":"second look"}`, "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	adj := decodeBody[map[string]any](t, w)
	assert.Equal(t, "lead", adj["adjudicated_by"])

	w = ts.do(http.MethodPut, "/api/tasks/role_audit_qa_turns/samples/R1/adjudication",
		`{"adjudicated":{"adjudicated_role_true":"ceo"}}`, "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)

	w = ts.do(http.MethodPost, "/api/adjudications/autofill", `{"task_type":"role_audit_qa_turns"}`, "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, map[string]int{"auto_filled": 1}, decodeBody[map[string]int](t, w))

	// Nothing left to fill, with or without a body.
	w = ts.do(http.MethodPost, "/api/adjudications/autofill", "", "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, map[string]int{"auto_filled": 0}, decodeBody[map[string]int](t, w))

	w = ts.do(http.MethodPost, "/api/adjudications/autofill", "", "u1", labels.ModeAnnotator)
	testutil.AssertStatusCode(t, w.Code, http.StatusForbidden)
}

func TestUpdateTask(t *testing.T) {
	ts := setupTestServer(t, Options{DashboardCacheTTL: time.Hour})
	ts.do(http.MethodGet, "/api/dashboard", "", "", "")

	w := ts.do(http.MethodPatch, "/api/tasks/role_audit_qa_turns", `{"target_total_completed":7}`, "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	cfg := decodeBody[workflow.TaskConfig](t, w)
	assert.Equal(t, 7, cfg.TargetTotalCompleted)

	w = ts.do(http.MethodGet, "/api/dashboard", "", "", "")
	assert.Equal(t, 7, roleProgress(t, decodeBody[workflow.Dashboard](t, w)).TargetTotalCompleted)

	w = ts.do(http.MethodPatch, "/api/tasks/role_audit_qa_turns", `{"batch_ratio":3}`, "lead", labels.ModeAdjudicator)
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestExportCSV(t *testing.T) {
	ts := setupTestServer(t, Options{})
	ts.annotate("u1", "R1", 0, http.StatusOK)

	w := ts.do(http.MethodGet, "/api/tasks/role_audit_qa_turns/export?scope=single", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "text/csv; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=role_audit_qa_turns__single.csv`)

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "sample_id,"), lines[0])
	assert.Contains(t, lines[1], "R1")
}

func TestAgreement(t *testing.T) {
	ts := setupTestServer(t, Options{})
	ts.annotate("u1", "R1", 0, http.StatusOK)
	ts.annotate("u2", "R1", 0, http.StatusOK)

	w := ts.do(http.MethodGet, "/api/tasks/role_audit_qa_turns/agreement", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	report := decodeBody[workflow.AgreementReport](t, w)
	assert.Equal(t, 1, report.Pairs)

	w = ts.do(http.MethodGet, "/api/tasks/sentiment/agreement", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusBadRequest)
}

func TestProgressCharts(t *testing.T) {
	ts := setupTestServer(t, Options{})
	ts.annotate("u1", "R1", 0, http.StatusOK)

	w := ts.do(http.MethodGet, "/api/charts/progress", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "echarts")
	assert.Contains(t, w.Body.String(), "Roles")

	w = ts.do(http.MethodGet, "/api/charts/progress.png", "", "", "")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"409"+colorReset, statusCodeColor(409))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	prevOut, prevFlags := log.Writer(), log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(prevOut)
		log.SetFlags(prevFlags)
	})

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, testutil.NewSessionRequest(http.MethodGet, "/api/users?x=1", "", "u1", labels.ModeAnnotator))

	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)
	out := buf.String()
	assert.Contains(t, out, "418")
	assert.Contains(t, out, "/api/users?x=1")
	assert.Contains(t, out, "user=u1")
}
