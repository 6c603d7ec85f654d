package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrackr/backend/internal/logging"
	"farmtrackr/backend/internal/repository"
	"farmtrackr/backend/internal/services"
	"farmtrackr/backend/pkg/models"
)

func newTestEcho(t *testing.T) (*echo.Echo, *repository.MemoryPipelineStore) {
	t.Helper()
	store := repository.NewMemoryPipelineStore()
	logger := logging.NewLogger()
	pipeline := services.NewPipelineService(store, nil, logger)

	e := echo.New()
	NewServer(pipeline, logger).Register(e.Group("/api/v1"))
	return e, store
}

func seedTemplate(t *testing.T, store repository.PipelineStore) *models.PipelineTemplate {
	t.Helper()
	template := &models.PipelineTemplate{
		ID:   uuid.New().String(),
		Name: "Listing Transaction, Seller Side",
		Type: "listing",
		Stages: []*models.StageTemplate{
			{
				ID: uuid.New().String(), Key: "pre_listing", Name: "Pre-Listing", Sequence: 1,
				Tasks: []*models.TaskTemplate{
					{ID: uuid.New().String(), Name: "Signed listing agreement"},
				},
			},
			{ID: uuid.New().String(), Key: "in_escrow", Name: "In Escrow", Sequence: 2},
		},
	}
	require.NoError(t, store.SavePipelineTemplate(context.Background(), template))
	return template
}

func doJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetListing(t *testing.T) {
	e, store := newTestEcho(t)
	template := seedTemplate(t, store)

	rec := doJSON(e, http.MethodPost, "/api/v1/listings",
		fmt.Sprintf(`{"pipeline_template_id": %q, "address": "479 Desert Holly Drive"}`, template.ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var listing models.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Stages, 2)
	assert.Equal(t, models.StageStatusActive, listing.Stages[0].Status)
	require.NotNil(t, listing.CurrentStageKey)
	assert.Equal(t, "pre_listing", *listing.CurrentStageKey)

	rec = doJSON(e, http.MethodGet, "/api/v1/listings/"+listing.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(e, http.MethodGet, "/api/v1/listings/"+uuid.New().String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateListing_Validation(t *testing.T) {
	e, _ := newTestEcho(t)

	rec := doJSON(e, http.MethodPost, "/api/v1/listings", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/v1/listings",
		fmt.Sprintf(`{"pipeline_template_id": %q}`, uuid.New().String()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCompleteTaskAdvancesStage(t *testing.T) {
	e, store := newTestEcho(t)
	template := seedTemplate(t, store)

	rec := doJSON(e, http.MethodPost, "/api/v1/listings",
		fmt.Sprintf(`{"pipeline_template_id": %q}`, template.ID))
	require.Equal(t, http.StatusCreated, rec.Code)

	var listing models.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	taskID := listing.Stages[0].Tasks[0].ID

	rec = doJSON(e, http.MethodPatch,
		fmt.Sprintf("/api/v1/listings/%s/tasks/%s", listing.ID, taskID),
		`{"completed": true, "notes": "signed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	// The only pre_listing task is done, so the pipeline moved to in_escrow.
	assert.Equal(t, models.StageStatusCompleted, listing.Stages[0].Status)
	assert.Equal(t, models.StageStatusActive, listing.Stages[1].Status)
	assert.Equal(t, models.ListingStatusUnderContract, listing.Status)

	// Unsupported payload.
	rec = doJSON(e, http.MethodPatch,
		fmt.Sprintf("/api/v1/listings/%s/tasks/%s", listing.ID, taskID), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateTask(t *testing.T) {
	e, store := newTestEcho(t)
	template := seedTemplate(t, store)

	rec := doJSON(e, http.MethodPost, "/api/v1/listings",
		fmt.Sprintf(`{"pipeline_template_id": %q}`, template.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var listing models.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))

	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/tasks",
		fmt.Sprintf(`{"stage_instance_id": %q, "name": "Order sign installation", "notes": "vendor booked"}`, listing.Stages[0].ID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	tasks := listing.Stages[0].Tasks
	require.Len(t, tasks, 2)
	assert.Equal(t, "Order sign installation", tasks[1].Name)
	assert.False(t, tasks[1].Completed)
	assert.Nil(t, tasks[1].TaskTemplateID)

	// Missing fields and unknown stage ids.
	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/tasks", `{"name": "No stage"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/tasks",
		fmt.Sprintf(`{"stage_instance_id": %q}`, listing.Stages[0].ID))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/tasks",
		fmt.Sprintf(`{"stage_instance_id": %q, "name": "Orphan"}`, uuid.New().String()))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdvanceAndMove(t *testing.T) {
	e, store := newTestEcho(t)
	template := seedTemplate(t, store)

	rec := doJSON(e, http.MethodPost, "/api/v1/listings",
		fmt.Sprintf(`{"pipeline_template_id": %q}`, template.ID))
	require.Equal(t, http.StatusCreated, rec.Code)
	var listing models.Listing
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))

	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/advance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, models.ListingStatusUnderContract, listing.Status)

	// Jump back to the first stage.
	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/move", `{"stage_key": "pre_listing"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, models.StageStatusActive, listing.Stages[0].Status)

	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/move", `{"stage_key": "bogus"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Null key closes the listing.
	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/move", `{"stage_key": null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, models.ListingStatusClosed, listing.Status)

	// Advancing a closed listing conflicts.
	rec = doJSON(e, http.MethodPost, "/api/v1/listings/"+listing.ID+"/advance", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListEndpoints(t *testing.T) {
	e, store := newTestEcho(t)
	template := seedTemplate(t, store)

	rec := doJSON(e, http.MethodGet, "/api/v1/pipelines", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var templates []*models.PipelineTemplate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &templates))
	require.Len(t, templates, 1)
	assert.Equal(t, template.Name, templates[0].Name)

	rec = doJSON(e, http.MethodGet, "/api/v1/listings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "null\n", rec.Body.String())
}
