// Package models defines the domain models for the listing pipeline service
package models

import (
	"strings"
	"time"
)

// PipelineTemplate is a reusable workflow definition: an ordered list of
// stages, each with an ordered checklist of tasks. Templates are append-only:
// once a listing references a template, edits create a new template rather
// than mutate this one, so in-flight listings keep a stable definition.
type PipelineTemplate struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Type        string    `json:"type" db:"type"`
	Description *string   `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`

	Stages []*StageTemplate `json:"stages,omitempty"`
}

// StageTemplate is one phase of a pipeline template. Sequence is the 1-based
// order of the stage within its template; Key is a stable machine name unique
// within the template.
type StageTemplate struct {
	ID                 string  `json:"id" db:"id"`
	PipelineTemplateID string  `json:"pipeline_template_id" db:"pipeline_template_id"`
	Key                string  `json:"key" db:"key"`
	Name               string  `json:"name" db:"name"`
	Sequence           int     `json:"sequence" db:"sequence"`
	DurationDays       *int    `json:"duration_days,omitempty" db:"duration_days"`
	Trigger            *string `json:"trigger,omitempty" db:"trigger"`

	Tasks []*TaskTemplate `json:"tasks,omitempty"`
}

// TaskTemplate is one checklist item of a stage template. DueInDays, when
// set, is the due-date offset in days from the moment the stage activates.
type TaskTemplate struct {
	ID              string    `json:"id" db:"id"`
	StageTemplateID string    `json:"stage_template_id" db:"stage_template_id"`
	Name            string    `json:"name" db:"name"`
	DueInDays       *int      `json:"due_in_days,omitempty" db:"due_in_days"`
	AutoRepeat      bool      `json:"auto_repeat" db:"auto_repeat"`
	AutoComplete    bool      `json:"auto_complete" db:"auto_complete"`
	TriggerOn       *string   `json:"trigger_on,omitempty" db:"trigger_on"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// StageKeyFromName derives a stable stage key from a display name, used when
// a template author omits an explicit key ("Active Marketing" -> "active_marketing").
func StageKeyFromName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}
