// Package services implements the listing transaction pipeline engine: task
// completion, stage advancement and arbitrary stage jumps, each executed as a
// single store transaction so no reader ever observes a half-applied cascade.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"farmtrackr/backend/internal/events"
	"farmtrackr/backend/internal/logging"
	"farmtrackr/backend/internal/repository"
	"farmtrackr/backend/pkg/models"
)

var tracer = otel.Tracer("farmtrackr/backend/internal/services")

// PipelineService drives listings through their pipeline stages. It holds no
// per-listing state of its own; serialization of concurrent operations on one
// listing is delegated to the store's transaction scope.
type PipelineService struct {
	store    repository.PipelineStore
	notifier events.Notifier
	logger   *logging.Logger
}

// NewPipelineService creates a PipelineService. A nil notifier disables
// transition events.
func NewPipelineService(store repository.PipelineStore, notifier events.Notifier, logger *logging.Logger) *PipelineService {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	if logger == nil {
		logger = logging.NewLogger()
	}
	return &PipelineService{store: store, notifier: notifier, logger: logger}
}

// CreateListingInput carries the template reference and descriptive fields
// for a new listing. Only PipelineTemplateID is required.
type CreateListingInput struct {
	PipelineTemplateID string
	Title              *string
	SellerID           *string
	BuyerClientID      *string
	Address            *string
	City               *string
	State              *string
	ZipCode            *string
	ListPrice          *float64
	TargetListDate     *time.Time
	ProjectedCloseDate *time.Time
	Notes              *string
}

// CreateTaskInput describes an ad-hoc task added to an existing stage
// instance. Name is required; DueDate and Notes are optional.
type CreateTaskInput struct {
	StageInstanceID string
	Name            string
	DueDate         *time.Time
	Notes           *string
}

// UpdateTaskDetailsInput edits descriptive task fields without running any
// stage transition. Nil fields are left unchanged; ClearDueDate removes a
// previously set due date.
type UpdateTaskDetailsInput struct {
	Name         *string
	DueDate      *time.Time
	ClearDueDate bool
	Notes        *string
}

// transitionEvents accumulates what happened inside a transaction so the
// notifier only sees committed state.
type transitionEvents struct {
	completed []string
	activated []string
	closed    bool
}

// CreateListingFromTemplate materializes a pipeline template into a new
// listing with its full stage/task tree and activates the first stage. The
// whole operation is one transaction: either the listing exists with stage
// one ACTIVE, or nothing was created.
func (s *PipelineService) CreateListingFromTemplate(ctx context.Context, input CreateListingInput) (*models.Listing, error) {
	ctx, span := tracer.Start(ctx, "pipeline.CreateListingFromTemplate")
	defer span.End()

	var (
		result *models.Listing
		ev     transitionEvents
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
		template, err := tx.LoadPipelineTemplate(ctx, input.PipelineTemplateID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("template %s: %w", input.PipelineTemplateID, ErrTemplateNotFound)
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		title := input.Title
		if title == nil {
			title = &template.Name
		}

		listing := &models.Listing{
			ID:                 uuid.New().String(),
			Title:              title,
			PipelineTemplateID: template.ID,
			SellerID:           input.SellerID,
			BuyerClientID:      input.BuyerClientID,
			Address:            input.Address,
			City:               input.City,
			State:              input.State,
			ZipCode:            input.ZipCode,
			ListPrice:          input.ListPrice,
			TargetListDate:     input.TargetListDate,
			ProjectedCloseDate: input.ProjectedCloseDate,
			Notes:              input.Notes,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if len(template.Stages) > 0 {
			listing.CurrentStageKey = &template.Stages[0].Key
			listing.CurrentStageStartedAt = &now
		}
		listing.Status = models.DeriveStatus(listing.CurrentStageKey)
		if err := tx.SaveListing(ctx, listing); err != nil {
			return err
		}

		var first *models.StageInstance
		for _, stageTemplate := range template.Stages {
			stage := materializeStage(listing.ID, stageTemplate, now)
			if err := tx.SaveStageInstance(ctx, stage); err != nil {
				return err
			}
			for _, task := range stage.Tasks {
				if err := tx.SaveTaskInstance(ctx, task); err != nil {
					return err
				}
			}
			if first == nil {
				first = stage
			}
		}

		if first != nil {
			activateStage(first, now)
			if err := saveStageWithTasks(ctx, tx, first); err != nil {
				return fmt.Errorf("activate first stage: %w", err)
			}
			ev.activated = append(ev.activated, first.ID)
		}

		result, err = tx.LoadListingWithStages(ctx, listing.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, result, ev)
	return result, nil
}

// CreateListingTask adds an ad-hoc task to an existing stage instance. The
// task starts open and carries no template reference; it runs no stage
// transition, so adding one to a COMPLETED stage leaves that stage COMPLETED
// until the task itself is toggled.
func (s *PipelineService) CreateListingTask(ctx context.Context, listingID string, input CreateTaskInput) (*models.Listing, error) {
	ctx, span := tracer.Start(ctx, "pipeline.CreateListingTask")
	defer span.End()

	var result *models.Listing
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
		listing, err := s.loadListing(ctx, tx, listingID)
		if err != nil {
			return err
		}

		stage := listing.StageByID(input.StageInstanceID)
		if stage == nil {
			return fmt.Errorf("stage %s on listing %s: %w", input.StageInstanceID, listingID, ErrStageNotFound)
		}

		task := &models.TaskInstance{
			ID:              uuid.New().String(),
			ListingID:       listing.ID,
			StageInstanceID: stage.ID,
			Name:            input.Name,
			DueDate:         input.DueDate,
			Notes:           input.Notes,
			CreatedAt:       time.Now().UTC(),
		}
		if err := tx.SaveTaskInstance(ctx, task); err != nil {
			return err
		}

		result, err = tx.LoadListingWithStages(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CompleteListingTask sets a task's completed flag and runs the cascade it
// implies: completing the last open task of the ACTIVE stage advances the
// pipeline (or closes the listing), and un-completing a task of a COMPLETED
// stage reopens that stage.
func (s *PipelineService) CompleteListingTask(ctx context.Context, listingID, taskID string, completed bool, notes *string) (*models.Listing, error) {
	ctx, span := tracer.Start(ctx, "pipeline.CompleteListingTask")
	defer span.End()

	var (
		result *models.Listing
		ev     transitionEvents
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
		listing, err := s.loadListing(ctx, tx, listingID)
		if err != nil {
			return err
		}

		stage, task := listing.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("task %s on listing %s: %w", taskID, listingID, ErrTaskNotFound)
		}
		if task.ListingID != listing.ID {
			return fmt.Errorf("task %s: %w", taskID, ErrTaskMismatch)
		}

		now := time.Now().UTC()
		task.Completed = completed
		if completed {
			task.CompletedAt = &now
		} else {
			task.CompletedAt = nil
		}
		if notes != nil {
			task.Notes = notes
		}
		if err := tx.SaveTaskInstance(ctx, task); err != nil {
			return err
		}

		switch {
		case !completed && stage.Status == models.StageStatusCompleted:
			// Reopen: the user unchecked a task in a past stage. Reactivate
			// that stage at its original start time and push every later
			// non-COMPLETED stage back to PENDING. Later stages that were
			// already COMPLETED keep their state and timestamps.
			s.logger.Debug("reopening stage %s on listing %s", stage.Key, listing.ID)
			reactivateAt := now
			if stage.StartedAt != nil {
				reactivateAt = *stage.StartedAt
			}
			activateStage(stage, reactivateAt)
			if err := saveStageWithTasks(ctx, tx, stage); err != nil {
				return err
			}
			for _, other := range listing.Stages {
				if other.Order > stage.Order && other.Status != models.StageStatusCompleted {
					other.Status = models.StageStatusPending
					other.StartedAt = nil
					other.CompletedAt = nil
					if err := tx.SaveStageInstance(ctx, other); err != nil {
						return err
					}
				}
			}
			pointListingAt(listing, stage)
			if err := tx.SaveListing(ctx, listing); err != nil {
				return err
			}
			ev.activated = append(ev.activated, stage.ID)

		case completed && stage.Status == models.StageStatusActive && allTasksCompleted(stage):
			stage.Status = models.StageStatusCompleted
			stage.CompletedAt = &now
			if err := tx.SaveStageInstance(ctx, stage); err != nil {
				return err
			}
			ev.completed = append(ev.completed, stage.ID)

			if err := s.openNextStage(ctx, tx, listing, now, &ev); err != nil {
				return err
			}
		}

		result, err = tx.LoadListingWithStages(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, result, ev)
	return result, nil
}

// AdvanceListingStage force-completes the ACTIVE stage: every open task is
// stamped completed, the stage closes, and the next open stage activates (or
// the listing closes when none remains).
func (s *PipelineService) AdvanceListingStage(ctx context.Context, listingID string) (*models.Listing, error) {
	ctx, span := tracer.Start(ctx, "pipeline.AdvanceListingStage")
	defer span.End()

	var (
		result *models.Listing
		ev     transitionEvents
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
		listing, err := s.loadListing(ctx, tx, listingID)
		if err != nil {
			return err
		}

		active := listing.ActiveStage()
		if active == nil {
			return fmt.Errorf("listing %s: %w", listingID, ErrNoActiveStage)
		}

		now := time.Now().UTC()
		for _, task := range active.Tasks {
			if task.Completed {
				continue
			}
			task.Completed = true
			task.CompletedAt = &now
			if err := tx.SaveTaskInstance(ctx, task); err != nil {
				return err
			}
		}

		active.Status = models.StageStatusCompleted
		active.CompletedAt = &now
		if err := tx.SaveStageInstance(ctx, active); err != nil {
			return err
		}
		ev.completed = append(ev.completed, active.ID)

		if err := s.openNextStage(ctx, tx, listing, now, &ev); err != nil {
			return err
		}

		result, err = tx.LoadListingWithStages(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, result, ev)
	return result, nil
}

// MoveListingToStage jumps the listing directly to the stage with the given
// key, forward or backward. A nil key force-closes the listing. Moving
// backward resets task completion on every stage past the new position.
func (s *PipelineService) MoveListingToStage(ctx context.Context, listingID string, stageKey *string) (*models.Listing, error) {
	ctx, span := tracer.Start(ctx, "pipeline.MoveListingToStage")
	defer span.End()

	if stageKey != nil {
		s.logger.Info("moving listing %s to stage %s", listingID, *stageKey)
	} else {
		s.logger.Info("force-closing listing %s", listingID)
	}

	var (
		result *models.Listing
		ev     transitionEvents
	)
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
		listing, err := s.loadListing(ctx, tx, listingID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		if stageKey == nil {
			for _, stage := range listing.Stages {
				if stage.Status != models.StageStatusCompleted {
					ev.completed = append(ev.completed, stage.ID)
				}
				forceComplete(stage, now)
				if err := tx.SaveStageInstance(ctx, stage); err != nil {
					return err
				}
			}
			listing.CurrentStageKey = nil
			listing.CurrentStageStartedAt = nil
			listing.Status = models.ListingStatusClosed
			if err := tx.SaveListing(ctx, listing); err != nil {
				return err
			}
			ev.closed = true

			result, err = tx.LoadListingWithStages(ctx, listingID)
			return err
		}

		target := listing.StageByKey(*stageKey)
		if target == nil {
			return fmt.Errorf("stage %q on listing %s: %w", *stageKey, listingID, ErrTargetStageNotFound)
		}

		if target.Status == models.StageStatusActive && listing.CurrentStageKey != nil && *listing.CurrentStageKey == target.Key {
			result = listing
			return nil
		}

		for _, stage := range listing.Stages {
			switch {
			case stage.Order < target.Order:
				if stage.Status != models.StageStatusCompleted {
					ev.completed = append(ev.completed, stage.ID)
				}
				forceComplete(stage, now)
				if err := tx.SaveStageInstance(ctx, stage); err != nil {
					return err
				}

			case stage.Order == target.Order:
				activateStage(stage, now)
				if err := saveStageWithTasks(ctx, tx, stage); err != nil {
					return err
				}
				ev.activated = append(ev.activated, stage.ID)

			default:
				stage.Status = models.StageStatusPending
				stage.StartedAt = nil
				stage.CompletedAt = nil
				if err := tx.SaveStageInstance(ctx, stage); err != nil {
					return err
				}
				for _, task := range stage.Tasks {
					task.Completed = false
					task.CompletedAt = nil
					if err := tx.SaveTaskInstance(ctx, task); err != nil {
						return err
					}
				}
			}
		}

		pointListingAt(listing, target)
		if err := tx.SaveListing(ctx, listing); err != nil {
			return err
		}

		result, err = tx.LoadListingWithStages(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, result, ev)
	return result, nil
}

// UpdateListingTaskDetails edits a task's name, due date or notes. It never
// touches completion state, so no stage transition can result.
func (s *PipelineService) UpdateListingTaskDetails(ctx context.Context, listingID, taskID string, input UpdateTaskDetailsInput) (*models.Listing, error) {
	var result *models.Listing
	err := s.store.WithTransaction(ctx, func(ctx context.Context, tx repository.PipelineStore) error {
		listing, err := s.loadListing(ctx, tx, listingID)
		if err != nil {
			return err
		}

		_, task := listing.TaskByID(taskID)
		if task == nil {
			return fmt.Errorf("task %s on listing %s: %w", taskID, listingID, ErrTaskNotFound)
		}
		if task.ListingID != listing.ID {
			return fmt.Errorf("task %s: %w", taskID, ErrTaskMismatch)
		}

		if input.Name != nil {
			task.Name = *input.Name
		}
		if input.ClearDueDate {
			task.DueDate = nil
		} else if input.DueDate != nil {
			task.DueDate = input.DueDate
		}
		if input.Notes != nil {
			task.Notes = input.Notes
		}
		if err := tx.SaveTaskInstance(ctx, task); err != nil {
			return err
		}

		result, err = tx.LoadListingWithStages(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetListing loads one listing aggregate.
func (s *PipelineService) GetListing(ctx context.Context, listingID string) (*models.Listing, error) {
	return s.loadListing(ctx, s.store, listingID)
}

// ListListings loads all listing aggregates, newest first.
func (s *PipelineService) ListListings(ctx context.Context) ([]*models.Listing, error) {
	return s.store.ListListings(ctx)
}

// ListPipelineTemplates loads all pipeline templates with their stage trees.
func (s *PipelineService) ListPipelineTemplates(ctx context.Context) ([]*models.PipelineTemplate, error) {
	return s.store.ListPipelineTemplates(ctx)
}

// loadListing loads an aggregate, maps store not-found onto the engine's
// error taxonomy and verifies the single-ACTIVE-stage invariant before any
// mutation runs on top of it.
func (s *PipelineService) loadListing(ctx context.Context, store repository.PipelineStore, listingID string) (*models.Listing, error) {
	listing, err := store.LoadListingWithStages(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("listing %s: %w", listingID, ErrListingNotFound)
	}
	if err != nil {
		return nil, err
	}

	active := 0
	for _, stage := range listing.Stages {
		if stage.Status == models.StageStatusActive {
			active++
		}
	}
	if active > 1 {
		return nil, fmt.Errorf("listing %s has %d active stages: %w", listingID, active, ErrInconsistentState)
	}
	return listing, nil
}

// openNextStage activates the first non-COMPLETED stage by order, or closes
// the listing when every stage is done.
func (s *PipelineService) openNextStage(ctx context.Context, tx repository.PipelineStore, listing *models.Listing, now time.Time, ev *transitionEvents) error {
	var next *models.StageInstance
	for _, stage := range listing.Stages {
		if stage.Status != models.StageStatusCompleted {
			next = stage
			break
		}
	}

	if next == nil {
		listing.CurrentStageKey = nil
		listing.CurrentStageStartedAt = nil
		listing.Status = models.ListingStatusClosed
		ev.closed = true
		return tx.SaveListing(ctx, listing)
	}

	activateStage(next, now)
	if err := saveStageWithTasks(ctx, tx, next); err != nil {
		return err
	}
	ev.activated = append(ev.activated, next.ID)
	pointListingAt(listing, next)
	return tx.SaveListing(ctx, listing)
}

// emit delivers transition events with the committed aggregate. Stage ids
// recorded during the transaction are resolved against the refreshed tree so
// listeners see final task state, due dates included.
func (s *PipelineService) emit(ctx context.Context, listing *models.Listing, ev transitionEvents) {
	if listing == nil {
		return
	}
	stageByID := make(map[string]*models.StageInstance, len(listing.Stages))
	for _, stage := range listing.Stages {
		stageByID[stage.ID] = stage
	}
	for _, id := range ev.completed {
		if stage, ok := stageByID[id]; ok {
			s.notifier.StageCompleted(ctx, listing, stage)
		}
	}
	for _, id := range ev.activated {
		if stage, ok := stageByID[id]; ok {
			s.notifier.StageActivated(ctx, listing, stage)
		}
	}
	if ev.closed {
		s.notifier.ListingClosed(ctx, listing)
	}
}

// materializeStage builds a PENDING stage instance plus its task instances
// from a stage template. Task due dates stay nil here: the offset is relative
// to stage activation, not listing creation.
func materializeStage(listingID string, stageTemplate *models.StageTemplate, now time.Time) *models.StageInstance {
	stage := &models.StageInstance{
		ID:              uuid.New().String(),
		ListingID:       listingID,
		StageTemplateID: &stageTemplate.ID,
		Key:             stageTemplate.Key,
		Name:            stageTemplate.Name,
		Order:           stageTemplate.Sequence,
		Status:          models.StageStatusPending,
	}
	for i, taskTemplate := range stageTemplate.Tasks {
		stage.Tasks = append(stage.Tasks, &models.TaskInstance{
			ID:              uuid.New().String(),
			ListingID:       listingID,
			StageInstanceID: stage.ID,
			TaskTemplateID:  &taskTemplate.ID,
			Name:            taskTemplate.Name,
			DueInDays:       taskTemplate.DueInDays,
			AutoRepeat:      taskTemplate.AutoRepeat,
			AutoComplete:    taskTemplate.AutoComplete,
			TriggerOn:       taskTemplate.TriggerOn,
			// Millisecond offsets keep checklist order stable under a
			// created_at sort even though all rows share one transaction.
			CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
		})
	}
	return stage
}

// activateStage marks a stage ACTIVE at the given time and computes due dates
// for its tasks. A task's due date is only ever computed once: a previously
// set value survives re-activation after a reopen.
func activateStage(stage *models.StageInstance, now time.Time) {
	stage.Status = models.StageStatusActive
	stage.StartedAt = &now
	stage.CompletedAt = nil
	for _, task := range stage.Tasks {
		if task.DueDate == nil && task.DueInDays != nil {
			due := now.AddDate(0, 0, *task.DueInDays)
			task.DueDate = &due
		}
	}
}

// forceComplete marks a stage COMPLETED, stamping only timestamps that are
// not already set.
func forceComplete(stage *models.StageInstance, now time.Time) {
	stage.Status = models.StageStatusCompleted
	if stage.StartedAt == nil {
		stage.StartedAt = &now
	}
	if stage.CompletedAt == nil {
		stage.CompletedAt = &now
	}
}

// pointListingAt updates the listing's current-stage pointer and rederives
// its status.
func pointListingAt(listing *models.Listing, stage *models.StageInstance) {
	listing.CurrentStageKey = &stage.Key
	listing.CurrentStageStartedAt = stage.StartedAt
	listing.Status = models.DeriveStatus(listing.CurrentStageKey)
}

func allTasksCompleted(stage *models.StageInstance) bool {
	for _, task := range stage.Tasks {
		if !task.Completed {
			return false
		}
	}
	return true
}

func saveStageWithTasks(ctx context.Context, tx repository.PipelineStore, stage *models.StageInstance) error {
	if err := tx.SaveStageInstance(ctx, stage); err != nil {
		return err
	}
	for _, task := range stage.Tasks {
		if err := tx.SaveTaskInstance(ctx, task); err != nil {
			return err
		}
	}
	return nil
}
