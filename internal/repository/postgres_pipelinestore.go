package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"farmtrackr/backend/pkg/models"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// the same store methods run inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresPipelineStore is a PostgreSQL implementation of the PipelineStore
// interface.
type PostgresPipelineStore struct {
	db   querier
	pool *pgxpool.Pool
}

// NewPostgresPipelineStore creates a new PostgresPipelineStore.
func NewPostgresPipelineStore(pool *pgxpool.Pool) *PostgresPipelineStore {
	return &PostgresPipelineStore{db: pool, pool: pool}
}

// WithTransaction executes fn with a transaction-scoped store. The callback's
// listing loads take a row lock, so concurrent engine operations on the same
// listing serialize here. Nested calls reuse the ambient transaction.
func (s *PostgresPipelineStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx PipelineStore) error) error {
	if s.pool == nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &PostgresPipelineStore{db: tx}
	if err := fn(ctx, txStore); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// inTx reports whether this store is scoped to an open transaction.
func (s *PostgresPipelineStore) inTx() bool {
	return s.pool == nil
}

// SavePipelineTemplate upserts a template by name and replaces its stage and
// task templates with the provided tree.
func (s *PostgresPipelineStore) SavePipelineTemplate(ctx context.Context, template *models.PipelineTemplate) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO listing_pipeline_templates (id, name, type, description)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET type = EXCLUDED.type, description = EXCLUDED.description, updated_at = now()
		RETURNING id`,
		template.ID, template.Name, template.Type, template.Description,
	).Scan(&template.ID)
	if err != nil {
		return fmt.Errorf("upsert pipeline template %q: %w", template.Name, err)
	}

	// Stage templates are replaced wholesale; task templates cascade.
	if _, err := s.db.Exec(ctx, `DELETE FROM listing_stage_templates WHERE pipeline_template_id = $1`, template.ID); err != nil {
		return fmt.Errorf("clear stage templates: %w", err)
	}

	// created_at is stamped per task with a millisecond offset: now() is
	// constant within a transaction, which would leave the checklist order
	// undefined.
	now := time.Now().UTC()
	taskSeq := 0
	for _, stage := range template.Stages {
		stage.PipelineTemplateID = template.ID
		if _, err := s.db.Exec(ctx, `
			INSERT INTO listing_stage_templates (id, pipeline_template_id, key, name, sequence, duration_days, trigger)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			stage.ID, stage.PipelineTemplateID, stage.Key, stage.Name, stage.Sequence, stage.DurationDays, stage.Trigger,
		); err != nil {
			return fmt.Errorf("insert stage template %q: %w", stage.Key, err)
		}
		for _, task := range stage.Tasks {
			task.StageTemplateID = stage.ID
			if task.CreatedAt.IsZero() {
				task.CreatedAt = now.Add(time.Duration(taskSeq) * time.Millisecond)
			}
			taskSeq++
			if _, err := s.db.Exec(ctx, `
				INSERT INTO listing_task_templates (id, stage_template_id, name, due_in_days, auto_repeat, auto_complete, trigger_on, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				task.ID, task.StageTemplateID, task.Name, task.DueInDays, task.AutoRepeat, task.AutoComplete, task.TriggerOn, task.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert task template %q: %w", task.Name, err)
			}
		}
	}
	return nil
}

// LoadPipelineTemplate loads a template with stages ordered by sequence and
// tasks ordered by creation time.
func (s *PostgresPipelineStore) LoadPipelineTemplate(ctx context.Context, id string) (*models.PipelineTemplate, error) {
	var t models.PipelineTemplate
	err := s.db.QueryRow(ctx, `
		SELECT id, name, type, description, created_at, updated_at
		FROM listing_pipeline_templates WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Type, &t.Description, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pipeline template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline template: %w", err)
	}
	if err := s.loadTemplateTree(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListPipelineTemplates loads all templates with their trees, ordered by name.
func (s *PostgresPipelineStore) ListPipelineTemplates(ctx context.Context) ([]*models.PipelineTemplate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, type, description, created_at, updated_at
		FROM listing_pipeline_templates ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pipeline templates: %w", err)
	}
	defer rows.Close()

	var templates []*models.PipelineTemplate
	for rows.Next() {
		var t models.PipelineTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Type, &t.Description, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline template: %w", err)
		}
		templates = append(templates, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range templates {
		if err := s.loadTemplateTree(ctx, t); err != nil {
			return nil, err
		}
	}
	return templates, nil
}

func (s *PostgresPipelineStore) loadTemplateTree(ctx context.Context, t *models.PipelineTemplate) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, pipeline_template_id, key, name, sequence, duration_days, trigger
		FROM listing_stage_templates WHERE pipeline_template_id = $1 ORDER BY sequence ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("load stage templates: %w", err)
	}
	defer rows.Close()

	t.Stages = nil
	byID := make(map[string]*models.StageTemplate)
	for rows.Next() {
		var st models.StageTemplate
		if err := rows.Scan(&st.ID, &st.PipelineTemplateID, &st.Key, &st.Name, &st.Sequence, &st.DurationDays, &st.Trigger); err != nil {
			return fmt.Errorf("scan stage template: %w", err)
		}
		t.Stages = append(t.Stages, &st)
		byID[st.ID] = &st
	}
	if err := rows.Err(); err != nil {
		return err
	}

	taskRows, err := s.db.Query(ctx, `
		SELECT tt.id, tt.stage_template_id, tt.name, tt.due_in_days, tt.auto_repeat, tt.auto_complete, tt.trigger_on, tt.created_at
		FROM listing_task_templates tt
		JOIN listing_stage_templates st ON st.id = tt.stage_template_id
		WHERE st.pipeline_template_id = $1
		ORDER BY tt.created_at ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("load task templates: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var tt models.TaskTemplate
		if err := taskRows.Scan(&tt.ID, &tt.StageTemplateID, &tt.Name, &tt.DueInDays, &tt.AutoRepeat, &tt.AutoComplete, &tt.TriggerOn, &tt.CreatedAt); err != nil {
			return fmt.Errorf("scan task template: %w", err)
		}
		if stage, ok := byID[tt.StageTemplateID]; ok {
			stage.Tasks = append(stage.Tasks, &tt)
		}
	}
	return taskRows.Err()
}

const listingColumns = `id, title, status, pipeline_template_id, current_stage_key, current_stage_started_at,
	seller_id, buyer_client_id, address, city, state, zip_code, list_price,
	target_list_date, projected_close_date, notes, created_at, updated_at`

func scanListing(row pgx.Row, l *models.Listing) error {
	return row.Scan(&l.ID, &l.Title, &l.Status, &l.PipelineTemplateID, &l.CurrentStageKey, &l.CurrentStageStartedAt,
		&l.SellerID, &l.BuyerClientID, &l.Address, &l.City, &l.State, &l.ZipCode, &l.ListPrice,
		&l.TargetListDate, &l.ProjectedCloseDate, &l.Notes, &l.CreatedAt, &l.UpdatedAt)
}

// LoadListingWithStages loads a listing aggregate. Inside a transaction the
// listing row is locked with FOR UPDATE so that concurrent transitions on the
// same listing cannot interleave.
func (s *PostgresPipelineStore) LoadListingWithStages(ctx context.Context, id string) (*models.Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`
	if s.inTx() {
		query += ` FOR UPDATE`
	}

	var l models.Listing
	err := scanListing(s.db.QueryRow(ctx, query, id), &l)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("listing %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load listing: %w", err)
	}
	if err := s.loadStageTree(ctx, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// ListListings loads all listings with their stage/task trees, newest first.
func (s *PostgresPipelineStore) ListListings(ctx context.Context) ([]*models.Listing, error) {
	rows, err := s.db.Query(ctx, `SELECT `+listingColumns+` FROM listings ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()

	var listings []*models.Listing
	for rows.Next() {
		var l models.Listing
		if err := scanListing(rows, &l); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, l := range listings {
		if err := s.loadStageTree(ctx, l); err != nil {
			return nil, err
		}
	}
	return listings, nil
}

func (s *PostgresPipelineStore) loadStageTree(ctx context.Context, l *models.Listing) error {
	rows, err := s.db.Query(ctx, `
		SELECT id, listing_id, stage_template_id, key, name, stage_order, status, started_at, completed_at
		FROM listing_stage_instances WHERE listing_id = $1 ORDER BY stage_order ASC`, l.ID)
	if err != nil {
		return fmt.Errorf("load stage instances: %w", err)
	}
	defer rows.Close()

	l.Stages = nil
	byID := make(map[string]*models.StageInstance)
	for rows.Next() {
		var st models.StageInstance
		if err := rows.Scan(&st.ID, &st.ListingID, &st.StageTemplateID, &st.Key, &st.Name, &st.Order, &st.Status, &st.StartedAt, &st.CompletedAt); err != nil {
			return fmt.Errorf("scan stage instance: %w", err)
		}
		l.Stages = append(l.Stages, &st)
		byID[st.ID] = &st
	}
	if err := rows.Err(); err != nil {
		return err
	}

	taskRows, err := s.db.Query(ctx, `
		SELECT id, listing_id, stage_instance_id, task_template_id, name, due_in_days, due_date,
			completed, completed_at, notes, auto_repeat, auto_complete, trigger_on, created_at
		FROM listing_task_instances WHERE listing_id = $1 ORDER BY created_at ASC`, l.ID)
	if err != nil {
		return fmt.Errorf("load task instances: %w", err)
	}
	defer taskRows.Close()

	for taskRows.Next() {
		var t models.TaskInstance
		if err := taskRows.Scan(&t.ID, &t.ListingID, &t.StageInstanceID, &t.TaskTemplateID, &t.Name, &t.DueInDays, &t.DueDate,
			&t.Completed, &t.CompletedAt, &t.Notes, &t.AutoRepeat, &t.AutoComplete, &t.TriggerOn, &t.CreatedAt); err != nil {
			return fmt.Errorf("scan task instance: %w", err)
		}
		if stage, ok := byID[t.StageInstanceID]; ok {
			stage.Tasks = append(stage.Tasks, &t)
		}
	}
	return taskRows.Err()
}

// SaveListing upserts a listing row.
func (s *PostgresPipelineStore) SaveListing(ctx context.Context, l *models.Listing) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO listings (id, title, status, pipeline_template_id, current_stage_key, current_stage_started_at,
			seller_id, buyer_client_id, address, city, state, zip_code, list_price,
			target_list_date, projected_close_date, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			current_stage_key = EXCLUDED.current_stage_key,
			current_stage_started_at = EXCLUDED.current_stage_started_at,
			seller_id = EXCLUDED.seller_id,
			buyer_client_id = EXCLUDED.buyer_client_id,
			address = EXCLUDED.address,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			zip_code = EXCLUDED.zip_code,
			list_price = EXCLUDED.list_price,
			target_list_date = EXCLUDED.target_list_date,
			projected_close_date = EXCLUDED.projected_close_date,
			notes = EXCLUDED.notes,
			updated_at = now()`,
		l.ID, l.Title, l.Status, l.PipelineTemplateID, l.CurrentStageKey, l.CurrentStageStartedAt,
		l.SellerID, l.BuyerClientID, l.Address, l.City, l.State, l.ZipCode, l.ListPrice,
		l.TargetListDate, l.ProjectedCloseDate, l.Notes, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save listing %s: %w", l.ID, err)
	}
	return nil
}

// SaveStageInstance upserts a stage instance row.
func (s *PostgresPipelineStore) SaveStageInstance(ctx context.Context, st *models.StageInstance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO listing_stage_instances (id, listing_id, stage_template_id, key, name, stage_order, status, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at`,
		st.ID, st.ListingID, st.StageTemplateID, st.Key, st.Name, st.Order, st.Status, st.StartedAt, st.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("save stage instance %s: %w", st.ID, err)
	}
	return nil
}

// SaveTaskInstance upserts a task instance row.
func (s *PostgresPipelineStore) SaveTaskInstance(ctx context.Context, t *models.TaskInstance) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO listing_task_instances (id, listing_id, stage_instance_id, task_template_id, name, due_in_days, due_date,
			completed, completed_at, notes, auto_repeat, auto_complete, trigger_on, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			due_date = EXCLUDED.due_date,
			completed = EXCLUDED.completed,
			completed_at = EXCLUDED.completed_at,
			notes = EXCLUDED.notes`,
		t.ID, t.ListingID, t.StageInstanceID, t.TaskTemplateID, t.Name, t.DueInDays, t.DueDate,
		t.Completed, t.CompletedAt, t.Notes, t.AutoRepeat, t.AutoComplete, t.TriggerOn, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save task instance %s: %w", t.ID, err)
	}
	return nil
}
