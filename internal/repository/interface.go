package repository

import (
	"context"
	"errors"

	"farmtrackr/backend/pkg/models"
)

// ErrNotFound is returned when a template, listing, stage or task id does not
// resolve to a row.
var ErrNotFound = errors.New("not found")

// PipelineStore is the persistence interface consumed by the pipeline engine.
// Load methods return fully assembled aggregates (stages ordered by stage
// order ascending, tasks by creation time). Save methods upsert a single row;
// callers that need atomicity across several saves wrap them in
// WithTransaction.
type PipelineStore interface {
	// SavePipelineTemplate upserts a template by name together with its full
	// stage/task tree, replacing any previously defined stages.
	SavePipelineTemplate(ctx context.Context, template *models.PipelineTemplate) error
	// LoadPipelineTemplate loads a template with its stages and tasks.
	LoadPipelineTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error)
	// ListPipelineTemplates loads all templates ordered by name.
	ListPipelineTemplates(ctx context.Context) ([]*models.PipelineTemplate, error)

	// LoadListingWithStages loads a listing with its full stage/task tree.
	// Inside a transaction the listing row is locked until commit,
	// serializing concurrent engine operations on the same listing.
	LoadListingWithStages(ctx context.Context, id string) (*models.Listing, error)
	// ListListings loads all listings with their trees, newest first.
	ListListings(ctx context.Context) ([]*models.Listing, error)

	SaveListing(ctx context.Context, listing *models.Listing) error
	SaveStageInstance(ctx context.Context, stage *models.StageInstance) error
	SaveTaskInstance(ctx context.Context, task *models.TaskInstance) error

	// WithTransaction runs fn with a transaction-scoped store, committing on
	// nil return and rolling back otherwise. Nested calls reuse the ambient
	// transaction.
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx PipelineStore) error) error
}
