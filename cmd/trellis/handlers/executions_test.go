package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellishq/trellis/cmd/trellis/container"
	"github.com/trellishq/trellis/common/config"
	"github.com/trellishq/trellis/common/engine"
	"github.com/trellishq/trellis/common/models"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (nopLogger) Warn(msg string, keysAndValues ...interface{})  {}
func (nopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// stubWorkflows serves a fixed workflow set to the engine
type stubWorkflows struct {
	byID map[string]*models.Workflow
}

func (r *stubWorkflows) Create(ctx context.Context, wf *models.Workflow) error { return nil }
func (r *stubWorkflows) Update(ctx context.Context, wf *models.Workflow) error { return nil }
func (r *stubWorkflows) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	wf, ok := r.byID[id]
	if !ok {
		return nil, models.NewNotFound("workflow", id)
	}
	return wf, nil
}

// stubRuns records created runs
type stubRuns struct {
	mu      sync.Mutex
	created []*models.WorkflowRun
}

func (r *stubRuns) Create(ctx context.Context, run *models.WorkflowRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, run)
	return nil
}

func (r *stubRuns) GetByID(ctx context.Context, id string) (*models.WorkflowRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.created {
		if run.ID == id {
			return run, nil
		}
	}
	return nil, models.NewNotFound("run", id)
}

func (r *stubRuns) MarkRunning(ctx context.Context, id string, startedAt time.Time) (bool, error) {
	return false, nil
}

func (r *stubRuns) Finalize(ctx context.Context, run *models.WorkflowRun, state *models.WorkflowState) error {
	return nil
}

func (r *stubRuns) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

// newTestContainer builds a container whose engine accepts runs for one
// ACTIVE workflow and refuses a DRAFT one
func newTestContainer(t *testing.T) (*container.Container, *stubRuns) {
	t.Helper()
	workflows := &stubWorkflows{byID: map[string]*models.Workflow{
		"wf-active": {ID: "wf-active", Status: models.WorkflowActive, Definition: models.Definition{
			Nodes: []models.Node{{ID: "a", Type: "manualTrigger"}},
		}},
		"wf-draft": {ID: "wf-draft", Status: models.WorkflowDraft},
	}}
	runs := &stubRuns{}
	eng := engine.New(config.EngineConfig{}, engine.Deps{
		Workflows: workflows,
		Runs:      runs,
		Logger:    nopLogger{},
		Scheduler: engine.SchedulerFunc(func(ctx context.Context, run *models.WorkflowRun) error {
			return nil
		}),
	})
	t.Cleanup(eng.Close)
	return &container.Container{Engine: eng}, runs
}

// post runs one handler against a JSON body and returns the recorder
func post(t *testing.T, handler echo.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	require.NoError(t, handler(e.NewContext(req, rec)))
	return rec
}

func TestExecutionsCreate_StartsRun(t *testing.T) {
	c, runs := newTestContainer(t)
	h := NewExecutionHandler(c)

	rec := post(t, h.Create, "/api/v1/executions", map[string]any{
		"workflowId":  "wf-active",
		"triggerData": map[string]any{"order_id": "o-1"},
		"priority":    7,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var run models.WorkflowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "wf-active", run.WorkflowID)
	assert.Equal(t, models.RunPending, run.Status)
	assert.Equal(t, 7, run.Priority)
	assert.Equal(t, 1, runs.count())
}

func TestExecutionsCreate_RejectsMissingWorkflowID(t *testing.T) {
	c, runs := newTestContainer(t)
	h := NewExecutionHandler(c)

	rec := post(t, h.Create, "/api/v1/executions", map[string]any{
		"triggerData": map[string]any{},
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, runs.count())
}

func TestExecutionsCreate_RefusesDraftWorkflow(t *testing.T) {
	c, runs := newTestContainer(t)
	h := NewExecutionHandler(c)

	rec := post(t, h.Create, "/api/v1/executions", map[string]any{
		"workflowId": "wf-draft",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, runs.count())
}

func TestExecutionsBatch_SubmitsEachEntry(t *testing.T) {
	c, runs := newTestContainer(t)
	h := NewExecutionHandler(c)

	rec := post(t, h.Batch, "/api/v1/executions/batch", map[string]any{
		"executions": []map[string]any{
			{"workflowId": "wf-active", "triggerData": map[string]any{"n": 1}},
			{"workflowId": "wf-active", "triggerData": map[string]any{"n": 2}, "priority": 9},
		},
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		TaskIDs  []string         `json:"taskIds"`
		Count    int              `json:"count"`
		Failures []map[string]any `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.TaskIDs, 2)
	assert.Equal(t, 2, resp.Count)
	assert.Empty(t, resp.Failures)
	assert.Equal(t, 2, runs.count())
}

func TestExecutionsBatch_ReportsPerEntryFailures(t *testing.T) {
	c, runs := newTestContainer(t)
	h := NewExecutionHandler(c)

	rec := post(t, h.Batch, "/api/v1/executions/batch", map[string]any{
		"executions": []map[string]any{
			{"workflowId": "wf-active"},
			{"workflowId": "wf-missing"},
			{"triggerData": map[string]any{}},
		},
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		TaskIDs  []string         `json:"taskIds"`
		Failures []map[string]any `json:"failures"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.TaskIDs, 1)
	require.Len(t, resp.Failures, 2)
	assert.Equal(t, float64(1), resp.Failures[0]["index"])
	assert.Equal(t, float64(2), resp.Failures[1]["index"])
	assert.Equal(t, 1, runs.count())
}

func TestExecutionsBatch_RejectsOversizedBatch(t *testing.T) {
	c, runs := newTestContainer(t)
	h := NewExecutionHandler(c)

	entries := make([]map[string]any, maxBatch+1)
	for i := range entries {
		entries[i] = map[string]any{"workflowId": "wf-active"}
	}
	rec := post(t, h.Batch, "/api/v1/executions/batch", map[string]any{"executions": entries})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, runs.count())
}

func TestExecutionsBatch_RejectsEmptyBatch(t *testing.T) {
	c, _ := newTestContainer(t)
	h := NewExecutionHandler(c)

	rec := post(t, h.Batch, "/api/v1/executions/batch", map[string]any{"executions": []map[string]any{}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
