package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strPtr(s string) *string { return &s }

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		stageKey *string
		want     ListingStatus
	}{
		{"nil key means closed", nil, ListingStatusClosed},
		{"ordinary stage is active", strPtr("active_marketing"), ListingStatusActive},
		{"escrow stage is under contract", strPtr("in_escrow"), ListingStatusUnderContract},
		{"contract stage is under contract", strPtr("under_contract"), ListingStatusUnderContract},
		{"case insensitive", strPtr("In_Escrow"), ListingStatusUnderContract},
		{"closing stage is active", strPtr("closing"), ListingStatusActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.stageKey))
		})
	}
}

func TestStageKeyFromName(t *testing.T) {
	assert.Equal(t, "active_marketing", StageKeyFromName("Active Marketing"))
	assert.Equal(t, "pre_listing", StageKeyFromName("  Pre   Listing "))
}

func TestListingAccessors(t *testing.T) {
	listing := &Listing{
		ID: "l1",
		Stages: []*StageInstance{
			{ID: "s1", Key: "pre_listing", Status: StageStatusCompleted, Tasks: []*TaskInstance{{ID: "t1"}}},
			{ID: "s2", Key: "in_escrow", Status: StageStatusActive, Tasks: []*TaskInstance{{ID: "t2"}, {ID: "t3"}}},
			{ID: "s3", Key: "closing", Status: StageStatusPending},
		},
	}

	active := listing.ActiveStage()
	assert.NotNil(t, active)
	assert.Equal(t, "s2", active.ID)

	assert.Equal(t, "s3", listing.StageByKey("closing").ID)
	assert.Nil(t, listing.StageByKey("nope"))

	stage, task := listing.TaskByID("t3")
	assert.Equal(t, "s2", stage.ID)
	assert.Equal(t, "t3", task.ID)

	stage, task = listing.TaskByID("missing")
	assert.Nil(t, stage)
	assert.Nil(t, task)
}
