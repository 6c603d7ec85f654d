// Package events defines the seam between the pipeline engine and derived-
// state consumers such as the calendar sync worker. The engine hands each
// listener the full post-transition aggregate, so a consumer can map task due
// dates onto deadline events without re-querying.
package events

import (
	"context"

	"farmtrackr/backend/internal/logging"
	"farmtrackr/backend/pkg/models"
)

// Notifier receives pipeline transitions after they have committed. The
// listing argument always carries the refreshed stage/task tree with resolved
// due dates.
type Notifier interface {
	StageActivated(ctx context.Context, listing *models.Listing, stage *models.StageInstance)
	StageCompleted(ctx context.Context, listing *models.Listing, stage *models.StageInstance)
	ListingClosed(ctx context.Context, listing *models.Listing)
}

// LogNotifier logs every transition. It stands in for the calendar sync
// consumer in development and tests.
type LogNotifier struct {
	logger *logging.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// StageActivated logs a stage activation.
func (n *LogNotifier) StageActivated(ctx context.Context, listing *models.Listing, stage *models.StageInstance) {
	n.logger.Info("stage activated: listing=%s stage=%s tasks=%d", listing.ID, stage.Key, len(stage.Tasks))
}

// StageCompleted logs a stage completion.
func (n *LogNotifier) StageCompleted(ctx context.Context, listing *models.Listing, stage *models.StageInstance) {
	n.logger.Info("stage completed: listing=%s stage=%s", listing.ID, stage.Key)
}

// ListingClosed logs a terminal closure.
func (n *LogNotifier) ListingClosed(ctx context.Context, listing *models.Listing) {
	n.logger.Info("listing closed: listing=%s", listing.ID)
}

// NopNotifier ignores all transitions.
type NopNotifier struct{}

func (NopNotifier) StageActivated(context.Context, *models.Listing, *models.StageInstance) {}
func (NopNotifier) StageCompleted(context.Context, *models.Listing, *models.StageInstance) {}
func (NopNotifier) ListingClosed(context.Context, *models.Listing)                         {}
