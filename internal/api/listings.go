// Package api contains the HTTP handlers for the listing pipeline service
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"farmtrackr/backend/internal/logging"
	"farmtrackr/backend/internal/services"
)

// Server holds the dependencies for the API server.
type Server struct {
	pipeline *services.PipelineService
	logger   *logging.Logger
}

// NewServer creates a new Server.
func NewServer(pipeline *services.PipelineService, logger *logging.Logger) *Server {
	return &Server{pipeline: pipeline, logger: logger}
}

// Register mounts the listing pipeline routes on the given group.
func (s *Server) Register(g *echo.Group) {
	g.GET("/pipelines", s.ListPipelineTemplates)
	g.GET("/listings", s.ListListings)
	g.POST("/listings", s.CreateListing)
	g.GET("/listings/:listingID", s.GetListing)
	g.POST("/listings/:listingID/tasks", s.CreateTask)
	g.PATCH("/listings/:listingID/tasks/:taskID", s.UpdateTask)
	g.POST("/listings/:listingID/advance", s.AdvanceStage)
	g.POST("/listings/:listingID/move", s.MoveStage)
}

// ListPipelineTemplates returns all pipeline templates with their stage trees
// (GET /api/v1/pipelines)
func (s *Server) ListPipelineTemplates(c echo.Context) error {
	templates, err := s.pipeline.ListPipelineTemplates(c.Request().Context())
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, templates)
}

// ListListings returns all listings with their stage trees, newest first
// (GET /api/v1/listings)
func (s *Server) ListListings(c echo.Context) error {
	listings, err := s.pipeline.ListListings(c.Request().Context())
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, listings)
}

type createListingRequest struct {
	PipelineTemplateID string     `json:"pipeline_template_id"`
	Title              *string    `json:"title,omitempty"`
	SellerID           *string    `json:"seller_id,omitempty"`
	BuyerClientID      *string    `json:"buyer_client_id,omitempty"`
	Address            *string    `json:"address,omitempty"`
	City               *string    `json:"city,omitempty"`
	State              *string    `json:"state,omitempty"`
	ZipCode            *string    `json:"zip_code,omitempty"`
	ListPrice          *float64   `json:"list_price,omitempty"`
	TargetListDate     *time.Time `json:"target_list_date,omitempty"`
	ProjectedCloseDate *time.Time `json:"projected_close_date,omitempty"`
	Notes              *string    `json:"notes,omitempty"`
}

// CreateListing materializes a pipeline template into a new listing
// (POST /api/v1/listings)
func (s *Server) CreateListing(c echo.Context) error {
	var req createListingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.PipelineTemplateID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "pipeline_template_id is required")
	}

	listing, err := s.pipeline.CreateListingFromTemplate(c.Request().Context(), services.CreateListingInput{
		PipelineTemplateID: req.PipelineTemplateID,
		Title:              req.Title,
		SellerID:           req.SellerID,
		BuyerClientID:      req.BuyerClientID,
		Address:            req.Address,
		City:               req.City,
		State:              req.State,
		ZipCode:            req.ZipCode,
		ListPrice:          req.ListPrice,
		TargetListDate:     req.TargetListDate,
		ProjectedCloseDate: req.ProjectedCloseDate,
		Notes:              req.Notes,
	})
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, listing)
}

// GetListing returns one listing aggregate
// (GET /api/v1/listings/:listingID)
func (s *Server) GetListing(c echo.Context) error {
	listing, err := s.pipeline.GetListing(c.Request().Context(), c.Param("listingID"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, listing)
}

type createTaskRequest struct {
	StageInstanceID string     `json:"stage_instance_id"`
	Name            string     `json:"name"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
}

// CreateTask adds an ad-hoc task to one of the listing's stage instances
// (POST /api/v1/listings/:listingID/tasks)
func (s *Server) CreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}
	if req.StageInstanceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "stage_instance_id is required")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	listing, err := s.pipeline.CreateListingTask(c.Request().Context(), c.Param("listingID"), services.CreateTaskInput{
		StageInstanceID: req.StageInstanceID,
		Name:            req.Name,
		DueDate:         req.DueDate,
		Notes:           req.Notes,
	})
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusCreated, listing)
}

type updateTaskRequest struct {
	Completed    *bool      `json:"completed,omitempty"`
	Name         *string    `json:"name,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	ClearDueDate bool       `json:"clear_due_date,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
}

// UpdateTask either toggles a task's completion (running any stage cascade)
// or edits its descriptive fields, depending on the payload
// (PATCH /api/v1/listings/:listingID/tasks/:taskID)
func (s *Server) UpdateTask(c echo.Context) error {
	var req updateTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	listingID := c.Param("listingID")
	taskID := c.Param("taskID")
	ctx := c.Request().Context()

	if req.Completed != nil {
		listing, err := s.pipeline.CompleteListingTask(ctx, listingID, taskID, *req.Completed, req.Notes)
		if err != nil {
			return s.httpError(err)
		}
		return c.JSON(http.StatusOK, listing)
	}

	if req.Name != nil || req.DueDate != nil || req.ClearDueDate || req.Notes != nil {
		listing, err := s.pipeline.UpdateListingTaskDetails(ctx, listingID, taskID, services.UpdateTaskDetailsInput{
			Name:         req.Name,
			DueDate:      req.DueDate,
			ClearDueDate: req.ClearDueDate,
			Notes:        req.Notes,
		})
		if err != nil {
			return s.httpError(err)
		}
		return c.JSON(http.StatusOK, listing)
	}

	return echo.NewHTTPError(http.StatusBadRequest, "Unsupported task update payload")
}

// AdvanceStage force-completes the listing's current stage
// (POST /api/v1/listings/:listingID/advance)
func (s *Server) AdvanceStage(c echo.Context) error {
	listing, err := s.pipeline.AdvanceListingStage(c.Request().Context(), c.Param("listingID"))
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, listing)
}

type moveStageRequest struct {
	StageKey *string `json:"stage_key"`
}

// MoveStage jumps the listing to an arbitrary stage, or closes it when
// stage_key is null
// (POST /api/v1/listings/:listingID/move)
func (s *Server) MoveStage(c echo.Context) error {
	var req moveStageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: "+err.Error())
	}

	listing, err := s.pipeline.MoveListingToStage(c.Request().Context(), c.Param("listingID"), req.StageKey)
	if err != nil {
		return s.httpError(err)
	}
	return c.JSON(http.StatusOK, listing)
}

// httpError maps engine errors onto HTTP statuses.
func (s *Server) httpError(err error) error {
	switch {
	case errors.Is(err, services.ErrTemplateNotFound),
		errors.Is(err, services.ErrListingNotFound),
		errors.Is(err, services.ErrTaskNotFound),
		errors.Is(err, services.ErrStageNotFound),
		errors.Is(err, services.ErrTargetStageNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrTaskMismatch),
		errors.Is(err, services.ErrNoActiveStage):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed: %v", err)
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
