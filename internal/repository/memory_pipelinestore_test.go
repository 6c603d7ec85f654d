package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmtrackr/backend/pkg/models"
)

func TestMemoryPipelineStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPipelineStore()

	listing := &models.Listing{
		ID:                 uuid.New().String(),
		Status:             models.ListingStatusActive,
		PipelineTemplateID: uuid.New().String(),
		CreatedAt:          time.Now().UTC(),
	}
	require.NoError(t, store.SaveListing(ctx, listing))

	boom := errors.New("boom")
	err := store.WithTransaction(ctx, func(ctx context.Context, tx PipelineStore) error {
		listing.Status = models.ListingStatusClosed
		if err := tx.SaveListing(ctx, listing); err != nil {
			return err
		}
		if err := tx.SaveStageInstance(ctx, &models.StageInstance{
			ID: uuid.New().String(), ListingID: listing.ID, Key: "pre_listing", Name: "Pre-Listing",
			Order: 1, Status: models.StageStatusActive,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The failed transaction left no writes behind.
	reloaded, err := store.LoadListingWithStages(ctx, listing.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ListingStatusActive, reloaded.Status)
	assert.Empty(t, reloaded.Stages)
}

func TestMemoryPipelineStore_NotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPipelineStore()

	_, err := store.LoadListingWithStages(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.LoadPipelineTemplate(ctx, uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryPipelineStore_SaveTemplateUpsertsByName(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryPipelineStore()

	first := &models.PipelineTemplate{ID: uuid.New().String(), Name: "Listing", Type: "listing"}
	require.NoError(t, store.SavePipelineTemplate(ctx, first))

	second := &models.PipelineTemplate{
		ID: uuid.New().String(), Name: "Listing", Type: "listing",
		Stages: []*models.StageTemplate{
			{ID: uuid.New().String(), Key: "closing", Name: "Closing", Sequence: 1},
		},
	}
	require.NoError(t, store.SavePipelineTemplate(ctx, second))

	// Reseeding by name replaced the stage tree under the original id.
	assert.Equal(t, first.ID, second.ID)
	templates, err := store.ListPipelineTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Len(t, templates[0].Stages, 1)
}
