package models

import (
	"strings"
	"time"
)

// ListingStatus is the lifecycle status of a listing. It is derived from the
// listing's current stage key and never stored independently of it.
type ListingStatus string

const (
	ListingStatusActive        ListingStatus = "ACTIVE"
	ListingStatusUnderContract ListingStatus = "UNDER_CONTRACT"
	ListingStatusClosed        ListingStatus = "CLOSED"
)

// StageStatus is the status of one stage instance on a listing.
type StageStatus string

const (
	StageStatusPending   StageStatus = "PENDING"
	StageStatusActive    StageStatus = "ACTIVE"
	StageStatusCompleted StageStatus = "COMPLETED"
)

// Listing is one real-world transaction following a pipeline template.
// CurrentStageKey points at the single ACTIVE stage instance; a nil key means
// the listing has reached terminal closure.
type Listing struct {
	ID                    string        `json:"id" db:"id"`
	Title                 *string       `json:"title,omitempty" db:"title"`
	Status                ListingStatus `json:"status" db:"status"`
	PipelineTemplateID    string        `json:"pipeline_template_id" db:"pipeline_template_id"`
	CurrentStageKey       *string       `json:"current_stage_key,omitempty" db:"current_stage_key"`
	CurrentStageStartedAt *time.Time    `json:"current_stage_started_at,omitempty" db:"current_stage_started_at"`

	SellerID      *string `json:"seller_id,omitempty" db:"seller_id"`
	BuyerClientID *string `json:"buyer_client_id,omitempty" db:"buyer_client_id"`

	Address   *string  `json:"address,omitempty" db:"address"`
	City      *string  `json:"city,omitempty" db:"city"`
	State     *string  `json:"state,omitempty" db:"state"`
	ZipCode   *string  `json:"zip_code,omitempty" db:"zip_code"`
	ListPrice *float64 `json:"list_price,omitempty" db:"list_price"`

	TargetListDate     *time.Time `json:"target_list_date,omitempty" db:"target_list_date"`
	ProjectedCloseDate *time.Time `json:"projected_close_date,omitempty" db:"projected_close_date"`
	Notes              *string    `json:"notes,omitempty" db:"notes"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Stages holds the full stage/task tree, ordered by Order ascending.
	Stages []*StageInstance `json:"stage_instances,omitempty"`
}

// StageInstance is one stage of a listing's pipeline, materialized from a
// stage template. Order is copied from the template sequence and immutable.
type StageInstance struct {
	ID              string      `json:"id" db:"id"`
	ListingID       string      `json:"listing_id" db:"listing_id"`
	StageTemplateID *string     `json:"stage_template_id,omitempty" db:"stage_template_id"`
	Key             string      `json:"key" db:"key"`
	Name            string      `json:"name" db:"name"`
	Order           int         `json:"order" db:"stage_order"`
	Status          StageStatus `json:"status" db:"status"`
	StartedAt       *time.Time  `json:"started_at,omitempty" db:"started_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty" db:"completed_at"`

	// Tasks holds the stage's checklist, ordered by creation time.
	Tasks []*TaskInstance `json:"tasks,omitempty"`
}

// TaskInstance is one checklist item of a stage instance. DueDate stays nil
// until the owning stage activates; it is computed once and never recomputed
// on re-activation.
type TaskInstance struct {
	ID              string     `json:"id" db:"id"`
	ListingID       string     `json:"listing_id" db:"listing_id"`
	StageInstanceID string     `json:"stage_instance_id" db:"stage_instance_id"`
	TaskTemplateID  *string    `json:"task_template_id,omitempty" db:"task_template_id"`
	Name            string     `json:"name" db:"name"`
	DueInDays       *int       `json:"due_in_days,omitempty" db:"due_in_days"`
	DueDate         *time.Time `json:"due_date,omitempty" db:"due_date"`
	Completed       bool       `json:"completed" db:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	Notes           *string    `json:"notes,omitempty" db:"notes"`
	AutoRepeat      bool       `json:"auto_repeat" db:"auto_repeat"`
	AutoComplete    bool       `json:"auto_complete" db:"auto_complete"`
	TriggerOn       *string    `json:"trigger_on,omitempty" db:"trigger_on"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
}

// DeriveStatus computes the listing status implied by a current stage key.
// A nil key means the pipeline is exhausted and the listing is CLOSED; a key
// with escrow/contract semantics means UNDER_CONTRACT; anything else is an
// ordinary ACTIVE listing. Every transition recomputes status through this
// function so the two fields cannot drift.
func DeriveStatus(stageKey *string) ListingStatus {
	if stageKey == nil {
		return ListingStatusClosed
	}
	key := strings.ToLower(*stageKey)
	if strings.Contains(key, "escrow") || strings.Contains(key, "contract") {
		return ListingStatusUnderContract
	}
	return ListingStatusActive
}

// ActiveStage returns the single ACTIVE stage instance, or nil if none.
func (l *Listing) ActiveStage() *StageInstance {
	for _, stage := range l.Stages {
		if stage.Status == StageStatusActive {
			return stage
		}
	}
	return nil
}

// StageByKey returns the stage instance with the given key, or nil.
func (l *Listing) StageByKey(key string) *StageInstance {
	for _, stage := range l.Stages {
		if stage.Key == key {
			return stage
		}
	}
	return nil
}

// StageByID returns the stage instance with the given id, or nil.
func (l *Listing) StageByID(id string) *StageInstance {
	for _, stage := range l.Stages {
		if stage.ID == id {
			return stage
		}
	}
	return nil
}

// TaskByID returns the task instance with the given id along with its owning
// stage, or (nil, nil) when the listing has no such task.
func (l *Listing) TaskByID(taskID string) (*StageInstance, *TaskInstance) {
	for _, stage := range l.Stages {
		for _, task := range stage.Tasks {
			if task.ID == taskID {
				return stage, task
			}
		}
	}
	return nil, nil
}
