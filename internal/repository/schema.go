package repository

import "context"

// schema holds the idempotent DDL for the pipeline tables. Template tables
// are append-only in normal operation; instance tables mutate only through
// the pipeline engine.
const schema = `
CREATE TABLE IF NOT EXISTS listing_pipeline_templates (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	type TEXT NOT NULL DEFAULT 'listing',
	description TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listing_stage_templates (
	id UUID PRIMARY KEY,
	pipeline_template_id UUID NOT NULL REFERENCES listing_pipeline_templates(id) ON DELETE CASCADE,
	key TEXT NOT NULL,
	name TEXT NOT NULL,
	sequence INT NOT NULL,
	duration_days INT,
	trigger TEXT,
	UNIQUE (pipeline_template_id, key),
	UNIQUE (pipeline_template_id, sequence)
);

CREATE TABLE IF NOT EXISTS listing_task_templates (
	id UUID PRIMARY KEY,
	stage_template_id UUID NOT NULL REFERENCES listing_stage_templates(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	due_in_days INT,
	auto_repeat BOOLEAN NOT NULL DEFAULT false,
	auto_complete BOOLEAN NOT NULL DEFAULT false,
	trigger_on TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listings (
	id UUID PRIMARY KEY,
	title TEXT,
	status TEXT NOT NULL DEFAULT 'ACTIVE',
	pipeline_template_id UUID NOT NULL REFERENCES listing_pipeline_templates(id),
	current_stage_key TEXT,
	current_stage_started_at TIMESTAMPTZ,
	seller_id TEXT,
	buyer_client_id TEXT,
	address TEXT,
	city TEXT,
	state TEXT,
	zip_code TEXT,
	list_price NUMERIC(12,2),
	target_list_date TIMESTAMPTZ,
	projected_close_date TIMESTAMPTZ,
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS listing_stage_instances (
	id UUID PRIMARY KEY,
	listing_id UUID NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
	stage_template_id UUID REFERENCES listing_stage_templates(id) ON DELETE SET NULL,
	key TEXT NOT NULL,
	name TEXT NOT NULL,
	stage_order INT NOT NULL,
	status TEXT NOT NULL DEFAULT 'PENDING',
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	UNIQUE (listing_id, key)
);

CREATE TABLE IF NOT EXISTS listing_task_instances (
	id UUID PRIMARY KEY,
	listing_id UUID NOT NULL REFERENCES listings(id) ON DELETE CASCADE,
	stage_instance_id UUID NOT NULL REFERENCES listing_stage_instances(id) ON DELETE CASCADE,
	task_template_id UUID REFERENCES listing_task_templates(id) ON DELETE SET NULL,
	name TEXT NOT NULL,
	due_in_days INT,
	due_date TIMESTAMPTZ,
	completed BOOLEAN NOT NULL DEFAULT false,
	completed_at TIMESTAMPTZ,
	notes TEXT,
	auto_repeat BOOLEAN NOT NULL DEFAULT false,
	auto_complete BOOLEAN NOT NULL DEFAULT false,
	trigger_on TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_stage_instances_listing ON listing_stage_instances (listing_id, stage_order);
CREATE INDEX IF NOT EXISTS idx_task_instances_stage ON listing_task_instances (stage_instance_id, created_at);
`

// Migrate applies the pipeline schema. Safe to run on every startup.
func (s *PostgresPipelineStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}
